// Package provider defines the external market-data collaborators: the
// quote source consulted on every sync cycle and the product lister that
// scopes which instrument codes to fetch.
package provider

import (
	"context"

	"github.com/quotewire/quotewire/internal/quote"
)

// QuoteProvider fetches snapshots for the requested instrument codes.
// Implementations must treat failures as transient and return them;
// callers record the error and retry on the next cycle.
type QuoteProvider interface {
	Name() string
	Fetch(ctx context.Context, codes []string) ([]quote.Quote, error)
}

// ProductLister returns the current set of instrument codes to track.
type ProductLister interface {
	Codes(ctx context.Context) ([]string, error)
}

// StaticLister serves a fixed code list from configuration, used when no
// product database is wired up.
type StaticLister []string

func (s StaticLister) Codes(context.Context) ([]string, error) {
	out := make([]string, len(s))
	copy(out, s)
	return out, nil
}
