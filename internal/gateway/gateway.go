// Package gateway manages persistent client connections and room-scoped
// broadcast. Sessions join and leave named channels; a broadcast reaches
// exactly the sessions in the target room at the moment of the call, at
// a cost proportional to the room size.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/quotewire/quotewire/pkg/metrics"
)

var (
	ErrSessionNotFound = errors.New("gateway: session not found")
	ErrShutdown        = errors.New("gateway: shut down")
)

// Config holds every recognized gateway option.
type Config struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteTimeout   time.Duration
	SendBuffer     int
	MaxMessageSize int64
}

func (c *Config) fillDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.PongWait <= c.PingInterval {
		c.PongWait = 2 * c.PingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 4096
	}
}

// Stats is the operator-facing gateway snapshot.
type Stats struct {
	ConnectedCount int       `json:"connectedCount"`
	RoomList       []string  `json:"roomList"`
	Timestamp      time.Time `json:"timestamp"`
}

// Gateway owns every ClientSession. Channel membership is mutated only
// through subscribe/unsubscribe commands issued by the owning session
// (or its teardown), all under one lock.
type Gateway struct {
	cfg      Config
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*Session
	rooms    map[string]map[string]*Session
	closed   bool
}

func New(cfg Config, log *zap.Logger) *Gateway {
	cfg.fillDefaults()
	return &Gateway{
		cfg: cfg,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions: make(map[string]*Session),
		rooms:    make(map[string]map[string]*Session),
	}
}

// Accept upgrades an HTTP request to a websocket session.
func (g *Gateway) Accept(w http.ResponseWriter, r *http.Request) (*Session, error) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	s, err := g.Register(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Register creates a session for an established connection and starts
// its pumps. Split from Accept so transports other than the HTTP
// upgrade path can plug in.
func (g *Gateway) Register(conn Conn) (*Session, error) {
	s := newSession(uuid.NewString(), conn, g)

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, ErrShutdown
	}
	g.sessions[s.ID] = s
	g.mu.Unlock()

	metrics.ConnectedSessions.Inc()
	s.start()
	g.log.Debug("session connected", zap.String("session", s.ID))
	return s, nil
}

// Subscribe idempotently adds the session to each named channel.
// Joining an already-joined channel is a no-op.
func (g *Gateway) Subscribe(sessionID string, channels ...string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	for _, ch := range channels {
		if ch == "" {
			continue
		}
		if _, joined := s.subscriptions[ch]; joined {
			continue
		}
		s.subscriptions[ch] = struct{}{}
		room := g.rooms[ch]
		if room == nil {
			room = make(map[string]*Session)
			g.rooms[ch] = room
		}
		room[sessionID] = s
	}
	metrics.ActiveRooms.Set(float64(len(g.rooms)))
	return nil
}

// Unsubscribe removes the session from each named channel. Leaving a
// channel the session never joined is a no-op. Empty rooms are deleted
// so the room table cannot grow unboundedly.
func (g *Gateway) Unsubscribe(sessionID string, channels ...string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	for _, ch := range channels {
		if _, joined := s.subscriptions[ch]; !joined {
			continue
		}
		delete(s.subscriptions, ch)
		if room := g.rooms[ch]; room != nil {
			delete(room, sessionID)
			if len(room) == 0 {
				delete(g.rooms, ch)
			}
		}
	}
	metrics.ActiveRooms.Set(float64(len(g.rooms)))
	return nil
}

// Broadcast delivers payload to every session subscribed to channel at
// the moment of the call. Sessions that cannot keep up with their send
// buffer are dropped rather than allowed to stall the fan-out.
func (g *Gateway) Broadcast(channel string, payload []byte) {
	g.mu.RLock()
	room := g.rooms[channel]
	targets := make([]*Session, 0, len(room))
	for _, s := range room {
		targets = append(targets, s)
	}
	g.mu.RUnlock()

	for _, s := range targets {
		if s.trySend(payload) {
			metrics.BroadcastsDelivered.WithLabelValues(channel).Inc()
			continue
		}
		metrics.SlowSessionsDropped.Inc()
		g.log.Warn("dropping slow session",
			zap.String("session", s.ID), zap.String("channel", channel))
		go g.Disconnect(s.ID)
	}
}

// Disconnect tears down the session and discards its channel
// memberships; a reconnecting client must resubscribe.
func (g *Gateway) Disconnect(sessionID string) {
	g.mu.Lock()
	s, ok := g.sessions[sessionID]
	if !ok {
		g.mu.Unlock()
		return
	}
	delete(g.sessions, sessionID)
	for ch := range s.subscriptions {
		if room := g.rooms[ch]; room != nil {
			delete(room, sessionID)
			if len(room) == 0 {
				delete(g.rooms, ch)
			}
		}
	}
	metrics.ActiveRooms.Set(float64(len(g.rooms)))
	g.mu.Unlock()

	metrics.ConnectedSessions.Dec()
	s.close()
	g.log.Debug("session disconnected", zap.String("session", sessionID))
}

// Stats snapshots connection and room counts.
func (g *Gateway) Stats() Stats {
	g.mu.RLock()
	rooms := make([]string, 0, len(g.rooms))
	for ch := range g.rooms {
		rooms = append(rooms, ch)
	}
	connected := len(g.sessions)
	g.mu.RUnlock()

	sort.Strings(rooms)
	return Stats{
		ConnectedCount: connected,
		RoomList:       rooms,
		Timestamp:      time.Now(),
	}
}

// Shutdown closes every session and refuses new registrations.
// In-flight broadcasts may be abandoned but no membership entries leak.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	ids := make([]string, 0, len(g.sessions))
	for id := range g.sessions {
		ids = append(ids, id)
	}
	g.mu.Unlock()

	for _, id := range ids {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		g.Disconnect(id)
	}
	g.log.Info("gateway shut down", zap.Int("sessions_closed", len(ids)))
	return nil
}
