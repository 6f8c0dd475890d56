// Package client implements the consumer-side agent: it keeps a gateway
// connection alive, mirrors a desired channel set across reconnects, and
// maintains a local last-write-wins quote cache.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/quotewire/quotewire/internal/quote"
)

// Conn is the transport subset the agent needs; *websocket.Conn
// satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer establishes connections; swapped for a fake in tests.
type Dialer interface {
	DialContext(ctx context.Context, rawURL string) (Conn, error)
}

type wsDialer struct{}

func (wsDialer) DialContext(ctx context.Context, rawURL string) (Conn, error) {
	c, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// State is the agent's connection lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnected
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config enumerates every recognized agent option.
type Config struct {
	// URL is the gateway websocket endpoint.
	URL string
	// SnapshotURL is the pull-fallback endpoint for manual refresh.
	SnapshotURL string
	// Codes are the instrument codes of interest; the aggregate channel
	// is always included in the desired set.
	Codes []string
	// ReconnectDelay is the fixed wait between reconnect attempts.
	ReconnectDelay time.Duration
	// MaxReconnectAttempts bounds consecutive failed dials before the
	// agent gives up.
	MaxReconnectAttempts int
	// OnGenericUpdate, when set, receives relayed non-quote events.
	OnGenericUpdate func(quote.GenericUpdate)
	// Dialer and HTTPClient default to real transports.
	Dialer     Dialer
	HTTPClient *http.Client
}

// Agent is the consumer-side reconnection state machine.
type Agent struct {
	cfg   Config
	log   *zap.Logger
	cache *quote.Cache

	mu      sync.Mutex
	desired map[string]struct{}
	conn    Conn

	state  atomic.Int32
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config, log *zap.Logger) (*Agent, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("client: gateway URL is required")
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 10
	}
	if cfg.Dialer == nil {
		cfg.Dialer = wsDialer{}
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}

	desired := map[string]struct{}{quote.ChannelAggregate: {}}
	for _, code := range cfg.Codes {
		desired[quote.ChannelFor(code)] = struct{}{}
	}
	return &Agent{
		cfg:     cfg,
		log:     log,
		cache:   quote.NewCache(),
		desired: desired,
		done:    make(chan struct{}),
	}, nil
}

// Start launches the connect/read/reconnect loop.
func (a *Agent) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	go a.run(ctx)
}

// Stop tears the agent down and waits for the loop to exit.
func (a *Agent) Stop() {
	if a.cancel == nil {
		return
	}
	a.cancel()
	a.mu.Lock()
	if a.conn != nil {
		a.conn.Close()
	}
	a.mu.Unlock()
	<-a.done
}

// State returns the agent's current lifecycle state.
func (a *Agent) State() State { return State(a.state.Load()) }

func (a *Agent) run(ctx context.Context) {
	defer close(a.done)
	defer a.state.Store(int32(StateStopped))

	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := a.cfg.Dialer.DialContext(ctx, a.cfg.URL)
		if err != nil {
			attempts++
			if attempts >= a.cfg.MaxReconnectAttempts {
				a.log.Error("giving up on gateway connection",
					zap.Int("attempts", attempts), zap.Error(err))
				return
			}
			a.log.Warn("gateway dial failed",
				zap.Int("attempt", attempts), zap.Error(err))
			if !sleepCtx(ctx, a.cfg.ReconnectDelay) {
				return
			}
			continue
		}
		attempts = 0

		a.setConn(conn)
		a.state.Store(int32(StateConnected))

		// Server-side membership was lost with the previous session;
		// reissue the full desired set.
		if err := a.subscribe(conn, a.desiredList()); err != nil {
			a.log.Warn("resubscribe failed", zap.Error(err))
			conn.Close()
		} else {
			a.readLoop(conn)
		}

		a.setConn(nil)
		a.state.Store(int32(StateDisconnected))
		if ctx.Err() != nil {
			return
		}
		a.log.Info("gateway connection lost, reconnecting",
			zap.Duration("delay", a.cfg.ReconnectDelay))
		if !sleepCtx(ctx, a.cfg.ReconnectDelay) {
			return
		}
	}
}

func (a *Agent) readLoop(conn Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		a.apply(raw)
	}
}

// apply dispatches one push frame over the closed event set.
func (a *Agent) apply(raw []byte) {
	ev, err := quote.DecodeEvent(raw)
	if err != nil {
		a.log.Warn("ignoring undecodable push frame", zap.Error(err))
		return
	}
	switch e := ev.(type) {
	case quote.QuoteUpdate:
		a.cache.Upsert(e.Quote)
	case quote.QuotesUpdate:
		a.cache.Replace(e.Quotes)
	case quote.GenericUpdate:
		if a.cfg.OnGenericUpdate != nil {
			a.cfg.OnGenericUpdate(e)
		}
	case quote.Pong:
		// liveness only
	}
}

func (a *Agent) subscribe(conn Conn, channels []string) error {
	if len(channels) == 0 {
		return nil
	}
	frame, err := quote.EncodeCommand(quote.ActionSubscribe, channels)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (a *Agent) unsubscribe(conn Conn, channels []string) error {
	frame, err := quote.EncodeCommand(quote.ActionUnsubscribe, channels)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (a *Agent) setConn(conn Conn) {
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
}

func (a *Agent) desiredList() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.desired))
	for ch := range a.desired {
		out = append(out, ch)
	}
	return out
}

// AddCodes extends the desired set and, when connected, subscribes the
// live session to the new channels.
func (a *Agent) AddCodes(codes ...string) {
	a.mu.Lock()
	added := make([]string, 0, len(codes))
	for _, code := range codes {
		ch := quote.ChannelFor(code)
		if _, ok := a.desired[ch]; !ok {
			a.desired[ch] = struct{}{}
			added = append(added, ch)
		}
	}
	conn := a.conn
	a.mu.Unlock()

	if conn != nil && len(added) > 0 {
		if err := a.subscribe(conn, added); err != nil {
			a.log.Warn("live subscribe failed", zap.Error(err))
		}
	}
}

// RemoveCodes shrinks the desired set; the aggregate channel always
// remains.
func (a *Agent) RemoveCodes(codes ...string) {
	a.mu.Lock()
	removed := make([]string, 0, len(codes))
	for _, code := range codes {
		ch := quote.ChannelFor(code)
		if _, ok := a.desired[ch]; ok {
			delete(a.desired, ch)
			removed = append(removed, ch)
		}
	}
	conn := a.conn
	a.mu.Unlock()

	if conn != nil && len(removed) > 0 {
		if err := a.unsubscribe(conn, removed); err != nil {
			a.log.Warn("live unsubscribe failed", zap.Error(err))
		}
	}
}

// Quote returns the cached quote for one code.
func (a *Agent) Quote(code string) (quote.Quote, bool) { return a.cache.Get(code) }

// Quotes returns a copy of every cached quote.
func (a *Agent) Quotes() []quote.Quote { return a.cache.Select(nil) }

type snapshotResponse struct {
	Quotes []quote.Quote `json:"quotes"`
}

// Refresh is the pull fallback: it fetches current quotes for the given
// codes over HTTP and merges them into the cache, bounding staleness
// while the push channel is down.
func (a *Agent) Refresh(ctx context.Context, codes []string) error {
	if a.cfg.SnapshotURL == "" {
		return fmt.Errorf("client: no snapshot URL configured")
	}
	u := a.cfg.SnapshotURL
	if len(codes) > 0 {
		q := url.Values{}
		q.Set("codes", strings.Join(codes, ","))
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("client: build refresh request: %w", err)
	}
	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: refresh: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("client: refresh: unexpected status %d", resp.StatusCode)
	}
	var body snapshotResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("client: refresh: decode: %w", err)
	}
	for _, q := range body.Quotes {
		a.cache.Upsert(q)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
