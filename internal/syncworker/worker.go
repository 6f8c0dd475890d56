// Package syncworker drives the periodic quote ingestion cycle: list the
// instruments of interest, fetch fresh snapshots, publish them on the
// bus.
package syncworker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/quotewire/quotewire/internal/bus"
	"github.com/quotewire/quotewire/internal/provider"
	"github.com/quotewire/quotewire/internal/quote"
)

// TaskName is the scheduler registration name for the quote sync cycle.
const TaskName = "sync-quotes"

// Worker runs one quote sync cycle at a time. Publish failures are
// returned (and end up as the task's last error); they never crash the
// process or the manual-trigger caller.
type Worker struct {
	lister   provider.ProductLister
	provider provider.QuoteProvider
	bus      bus.Bus
	cache    *quote.Cache
	log      *zap.Logger
}

// New builds a worker. cache may be nil; when set, every fetched quote
// is upserted into it so the snapshot API stays fresh even while the
// bus is degraded.
func New(lister provider.ProductLister, qp provider.QuoteProvider, b bus.Bus, cache *quote.Cache, log *zap.Logger) *Worker {
	return &Worker{lister: lister, provider: qp, bus: b, cache: cache, log: log}
}

// RunQuoteSync fetches quotes for every tracked code and publishes one
// message per code plus one aggregate snapshot. A publish failure for
// one code does not stop the rest of the cycle; the first error is
// reported after the cycle completes.
func (w *Worker) RunQuoteSync(ctx context.Context) error {
	codes, err := w.lister.Codes(ctx)
	if err != nil {
		return fmt.Errorf("list instrument codes: %w", err)
	}
	if len(codes) == 0 {
		w.log.Debug("no instruments to sync")
		return nil
	}

	quotes, err := w.provider.Fetch(ctx, codes)
	if err != nil {
		return fmt.Errorf("fetch quotes from %s: %w", w.provider.Name(), err)
	}

	// The pull fallback is fed before publishing, so a broker outage
	// does not stale the snapshot endpoint.
	if w.cache != nil {
		for _, q := range quotes {
			w.cache.Upsert(q)
		}
	}

	var firstErr error
	for _, q := range quotes {
		payload, err := marshalQuote(q)
		if err != nil {
			w.log.Warn("skipping unmarshalable quote", zap.String("code", q.Code), zap.Error(err))
			continue
		}
		channel := quote.BusPrefix + quote.ChannelFor(q.Code)
		if err := w.bus.Publish(ctx, channel, payload); err != nil {
			w.log.Warn("quote publish failed", zap.String("channel", channel), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	payload, err := marshalQuotes(quotes)
	if err != nil {
		return fmt.Errorf("encode aggregate snapshot: %w", err)
	}
	aggregate := quote.BusPrefix + quote.ChannelAggregate
	if err := w.bus.Publish(ctx, aggregate, payload); err != nil {
		w.log.Warn("aggregate publish failed", zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	}

	w.log.Debug("quote sync cycle complete",
		zap.Int("codes", len(codes)),
		zap.Int("quotes", len(quotes)))

	if firstErr != nil {
		return fmt.Errorf("publish quotes: %w", firstErr)
	}
	return nil
}
