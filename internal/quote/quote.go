// Package quote defines the market-data model shared by the sync worker,
// the bus bridge, the gateway and the client agent.
package quote

import (
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// BusPrefix namespaces every channel published on the broker.
	BusPrefix = "updates:"

	// ChannelAggregate carries bulk snapshots of every tracked instrument.
	ChannelAggregate = "quotes"

	channelPerCode = "quote:"
)

// Quote is a point-in-time price snapshot for one instrument.
// Values are replaced wholesale on each sync cycle, never mutated.
type Quote struct {
	Code          string          `json:"code"`
	Name          string          `json:"name"`
	Price         decimal.Decimal `json:"price"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	Volume        int64           `json:"volume"`
	Amount        decimal.Decimal `json:"amount"`
	Timestamp     time.Time       `json:"timestamp"`
}

// ChannelFor returns the per-instrument room name, e.g. "quote:508000".
func ChannelFor(code string) string { return channelPerCode + code }

// CodeFromChannel extracts the instrument code from a per-instrument
// channel name; ok is false for any other channel.
func CodeFromChannel(channel string) (string, bool) {
	code, found := strings.CutPrefix(channel, channelPerCode)
	if !found || code == "" {
		return "", false
	}
	return code, true
}

// Cache is a last-write-wins quote store keyed by instrument code.
// Safe for concurrent use.
type Cache struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

func NewCache() *Cache {
	return &Cache{quotes: make(map[string]Quote)}
}

// Upsert replaces the entry for q.Code, leaving other codes untouched.
func (c *Cache) Upsert(q Quote) {
	c.mu.Lock()
	c.quotes[q.Code] = q
	c.mu.Unlock()
}

// Replace swaps the entire cache for the given snapshot.
func (c *Cache) Replace(qs []Quote) {
	next := make(map[string]Quote, len(qs))
	for _, q := range qs {
		next[q.Code] = q
	}
	c.mu.Lock()
	c.quotes = next
	c.mu.Unlock()
}

// Get returns the cached quote for code.
func (c *Cache) Get(code string) (Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[code]
	return q, ok
}

// Select returns cached quotes for the requested codes, skipping unknown
// ones. A nil or empty code list returns every cached quote.
func (c *Cache) Select(codes []string) []Quote {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(codes) == 0 {
		out := make([]Quote, 0, len(c.quotes))
		for _, q := range c.quotes {
			out = append(out, q)
		}
		return out
	}
	out := make([]Quote, 0, len(codes))
	for _, code := range codes {
		if q, ok := c.quotes[code]; ok {
			out = append(out, q)
		}
	}
	return out
}

// Len returns the number of cached codes.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.quotes)
}
