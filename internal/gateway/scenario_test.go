package gateway

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quotewire/quotewire/internal/bus"
	"github.com/quotewire/quotewire/internal/provider"
	"github.com/quotewire/quotewire/internal/quote"
	"github.com/quotewire/quotewire/internal/syncworker"
)

// memBus is an in-memory broker with a kill switch, used to exercise the
// full worker → bus → bridge → gateway path without a live broker.
type memBus struct {
	mu   sync.Mutex
	down bool
	subs []*memSub
}

type memSub struct {
	ch       chan bus.InboundMessage
	patterns []string
	closed   bool
}

func (s *memSub) matches(channel string) bool {
	for _, p := range s.patterns {
		if prefix, ok := strings.CutSuffix(p, "*"); ok {
			if strings.HasPrefix(channel, prefix) {
				return true
			}
		} else if p == channel {
			return true
		}
	}
	return false
}

func (m *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return errors.New("broker unreachable")
	}
	for _, s := range m.subs {
		if s.closed || !s.matches(channel) {
			continue
		}
		s.ch <- bus.InboundMessage{Channel: channel, Payload: payload}
	}
	return nil
}

func (m *memBus) Subscribe(_ context.Context, patterns ...string) (*bus.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil, errors.New("broker unreachable")
	}
	s := &memSub{ch: make(chan bus.InboundMessage, 64), patterns: patterns}
	m.subs = append(m.subs, s)
	return &bus.Subscription{C: s.ch}, nil
}

func (m *memBus) Close() error { return nil }

// sever simulates a broker outage: live subscriptions die and new ones
// fail until restore.
func (m *memBus) sever() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = true
	for _, s := range m.subs {
		if !s.closed {
			s.closed = true
			close(s.ch)
		}
	}
	m.subs = nil
}

func (m *memBus) restore() {
	m.mu.Lock()
	m.down = false
	m.mu.Unlock()
}

type scenarioProvider struct{}

func (scenarioProvider) Name() string { return "scenario" }

func (scenarioProvider) Fetch(_ context.Context, codes []string) ([]quote.Quote, error) {
	out := make([]quote.Quote, 0, len(codes))
	for _, code := range codes {
		out = append(out, quote.Quote{
			Code:      code,
			Name:      "Fund " + code,
			Price:     decimal.RequireFromString("10.00"),
			Timestamp: time.Now().UTC(),
		})
	}
	return out, nil
}

func TestSyncCycleFansOutToSubscribedRoomsOnly(t *testing.T) {
	mb := &memBus{}
	g := newTestGateway(t)
	cache := quote.NewCache()
	bridge := bus.NewBridge(mb, g, cache, bus.BridgeConfig{
		ReconnectMin: 5 * time.Millisecond,
		ReconnectMax: 20 * time.Millisecond,
	}, zap.NewNop())
	bridge.Start(context.Background())
	defer bridge.Stop()

	require.Eventually(t, func() bool { return bridge.State().Connected }, time.Second, 5*time.Millisecond)

	s, conn := register(t, g)
	require.NoError(t, g.Subscribe(s.ID, "quote:508000"))

	worker := syncworker.New(provider.StaticLister{"508000", "508001"}, scenarioProvider{}, mb, nil, zap.NewNop())
	require.NoError(t, worker.RunQuoteSync(context.Background()))

	// Exactly one event arrives: the quote for 508000. The 508001 and
	// aggregate publishes land in rooms this session never joined.
	require.Eventually(t, func() bool { return len(conn.frames()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	frames := conn.frames()
	require.Len(t, frames, 1)

	ev, err := quote.DecodeEvent(frames[0])
	require.NoError(t, err)
	upd, ok := ev.(quote.QuoteUpdate)
	require.True(t, ok)
	assert.Equal(t, "508000", upd.Quote.Code)

	// The bridge also populated the server-side snapshot cache.
	_, ok = cache.Get("508001")
	assert.True(t, ok)
}

func TestBrokerOutageDegradesWithoutDroppingSessions(t *testing.T) {
	mb := &memBus{}
	g := newTestGateway(t)
	cache := quote.NewCache()
	bridge := bus.NewBridge(mb, g, cache, bus.BridgeConfig{
		ReconnectMin: 5 * time.Millisecond,
		ReconnectMax: 20 * time.Millisecond,
	}, zap.NewNop())
	bridge.Start(context.Background())
	defer bridge.Stop()

	require.Eventually(t, func() bool { return bridge.State().Connected }, time.Second, 5*time.Millisecond)

	s, conn := register(t, g)
	require.NoError(t, g.Subscribe(s.ID, "quotes"))

	worker := syncworker.New(provider.StaticLister{"508000"}, scenarioProvider{}, mb, cache, zap.NewNop())

	mb.sever()
	require.Eventually(t, func() bool { return !bridge.State().Connected }, time.Second, 5*time.Millisecond)

	// Publishing fails and no events reach the session, but the session
	// itself stays connected.
	assert.Error(t, worker.RunQuoteSync(context.Background()))
	assert.Equal(t, 1, g.Stats().ConnectedCount)
	assert.Empty(t, conn.frames())

	// The worker still fed the snapshot cache, so the pull fallback
	// serves fresh data through the outage.
	_, ok := cache.Get("508000")
	assert.True(t, ok)

	mb.restore()
	require.Eventually(t, func() bool { return bridge.State().Connected }, time.Second, 5*time.Millisecond)

	// The next cycle resumes delivery with no gateway restart.
	require.NoError(t, worker.RunQuoteSync(context.Background()))
	require.Eventually(t, func() bool { return len(conn.frames()) == 1 }, time.Second, 5*time.Millisecond)

	ev, err := quote.DecodeEvent(conn.frames()[0])
	require.NoError(t, err)
	_, ok = ev.(quote.QuotesUpdate)
	assert.True(t, ok)
}
