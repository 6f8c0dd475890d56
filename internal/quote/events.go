package quote

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType tags every frame exchanged between gateway and clients.
// The set is closed: decoders reject anything else.
type EventType string

const (
	// Server → client
	EventQuoteUpdate  EventType = "quote:update"
	EventQuotesUpdate EventType = "quotes:update"
	EventUpdate       EventType = "update"
	EventPong         EventType = "pong"

	// Client → server
	ActionSubscribe   EventType = "subscribe"
	ActionUnsubscribe EventType = "unsubscribe"
	ActionPing        EventType = "ping"
)

// Envelope is the wire frame: a tag plus the variant payload.
type Envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// GenericUpdate relays a non-quote bus event to subscribers.
type GenericUpdate struct {
	Channel   string          `json:"channel"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Pong acknowledges a client ping.
type Pong struct {
	Timestamp time.Time `json:"timestamp"`
}

// StringList unmarshals from either a single JSON string or an array of
// strings, matching the subscribe/unsubscribe control contract.
type StringList []string

func (s *StringList) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var one string
		if err := json.Unmarshal(b, &one); err != nil {
			return err
		}
		*s = StringList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = StringList(many)
	return nil
}

// Command is an inbound control message from a client session.
type Command struct {
	Action   EventType
	Channels StringList
}

type commandFrame struct {
	Type     EventType  `json:"type"`
	Channels StringList `json:"channels,omitempty"`
}

// DecodeCommand parses a raw client frame. Any frame that is not valid
// JSON, carries an unknown type, or omits channels where they are
// required is a protocol error.
func DecodeCommand(raw []byte) (Command, error) {
	var f commandFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Command{}, fmt.Errorf("decode control frame: %w", err)
	}
	switch f.Type {
	case ActionSubscribe, ActionUnsubscribe:
		if len(f.Channels) == 0 {
			return Command{}, fmt.Errorf("%s: missing channels", f.Type)
		}
	case ActionPing:
	default:
		return Command{}, fmt.Errorf("unknown control type %q", f.Type)
	}
	return Command{Action: f.Type, Channels: f.Channels}, nil
}

// EncodeCommand builds a client control frame.
func EncodeCommand(action EventType, channels []string) ([]byte, error) {
	return json.Marshal(commandFrame{Type: action, Channels: channels})
}

// NewQuoteUpdate encodes a single-instrument push event.
func NewQuoteUpdate(q Quote) ([]byte, error) {
	return encode(EventQuoteUpdate, q)
}

// NewQuotesUpdate encodes a bulk snapshot push event.
func NewQuotesUpdate(qs []Quote) ([]byte, error) {
	return encode(EventQuotesUpdate, qs)
}

// NewGenericUpdate encodes a relayed bus event for non-quote channels.
func NewGenericUpdate(channel string, data json.RawMessage, ts time.Time) ([]byte, error) {
	return encode(EventUpdate, GenericUpdate{Channel: channel, Data: data, Timestamp: ts})
}

// NewPong encodes a ping acknowledgment.
func NewPong(ts time.Time) ([]byte, error) {
	return encode(EventPong, Pong{Timestamp: ts})
}

func encode(t EventType, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", t, err)
	}
	return json.Marshal(Envelope{Type: t, Data: data})
}

// Event is implemented by every decoded server push variant so that
// consumers can switch exhaustively over the closed set.
type Event interface{ eventType() EventType }

// QuoteUpdate carries one refreshed instrument.
type QuoteUpdate struct{ Quote Quote }

// QuotesUpdate carries a full snapshot.
type QuotesUpdate struct{ Quotes []Quote }

func (QuoteUpdate) eventType() EventType   { return EventQuoteUpdate }
func (QuotesUpdate) eventType() EventType  { return EventQuotesUpdate }
func (GenericUpdate) eventType() EventType { return EventUpdate }
func (Pong) eventType() EventType          { return EventPong }

// DecodeEvent parses a server push frame into its concrete variant.
func DecodeEvent(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode event frame: %w", err)
	}
	switch env.Type {
	case EventQuoteUpdate:
		var q Quote
		if err := json.Unmarshal(env.Data, &q); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return QuoteUpdate{Quote: q}, nil
	case EventQuotesUpdate:
		var qs []Quote
		if err := json.Unmarshal(env.Data, &qs); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return QuotesUpdate{Quotes: qs}, nil
	case EventUpdate:
		var u GenericUpdate
		if err := json.Unmarshal(env.Data, &u); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return u, nil
	case EventPong:
		var p Pong
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
}
