package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/quotewire/quotewire/internal/quote"
)

// Conn is the transport subset the gateway needs; *websocket.Conn
// satisfies it, and tests substitute an in-memory fake.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// SessionState is the heartbeat-driven lifecycle of one session.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateConnected
	StateDisconnected
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Session is one connected client. The gateway owns it exclusively;
// subscriptions are mutated only under the gateway lock.
type Session struct {
	ID string

	conn          Conn
	send          chan []byte
	done          chan struct{}
	gw            *Gateway
	subscriptions map[string]struct{}

	state     atomic.Int32
	closeOnce sync.Once
}

func newSession(id string, conn Conn, gw *Gateway) *Session {
	s := &Session{
		ID:            id,
		conn:          conn,
		send:          make(chan []byte, gw.cfg.SendBuffer),
		done:          make(chan struct{}),
		gw:            gw,
		subscriptions: make(map[string]struct{}),
	}
	s.state.Store(int32(StateConnecting))
	return s
}

func (s *Session) start() {
	s.state.Store(int32(StateConnected))
	go s.writePump()
	go s.readPump()
}

// State returns the session's lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// trySend enqueues payload without blocking; false means the send
// buffer is full and the session should be reaped as slow.
func (s *Session) trySend(payload []byte) bool {
	select {
	case <-s.done:
		return true
	default:
	}
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateDisconnected))
		close(s.done)
		s.conn.Close()
	})
}

// readPump consumes control messages. A malformed frame is a protocol
// error that closes this session and no other. The read deadline is the
// liveness window: it is pushed forward on every pong, so a client that
// misses two probe intervals transitions to Disconnected.
func (s *Session) readPump() {
	defer s.gw.Disconnect(s.ID)

	s.conn.SetReadLimit(s.gw.cfg.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(s.gw.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.gw.cfg.PongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		cmd, err := quote.DecodeCommand(raw)
		if err != nil {
			s.gw.log.Warn("protocol error, closing session",
				zap.String("session", s.ID), zap.Error(err))
			return
		}
		switch cmd.Action {
		case quote.ActionSubscribe:
			_ = s.gw.Subscribe(s.ID, cmd.Channels...)
		case quote.ActionUnsubscribe:
			_ = s.gw.Unsubscribe(s.ID, cmd.Channels...)
		case quote.ActionPing:
			if frame, err := quote.NewPong(time.Now()); err == nil {
				s.trySend(frame)
			}
		}
	}
}

// writePump drains the send buffer and emits the periodic liveness
// probe.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.gw.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case payload := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.gw.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				go s.gw.Disconnect(s.ID)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.gw.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				go s.gw.Disconnect(s.ID)
				return
			}
		}
	}
}
