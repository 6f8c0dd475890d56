package bus

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quotewire/quotewire/internal/quote"
	"github.com/quotewire/quotewire/pkg/metrics"
)

// Broadcaster is the gateway entry point the bridge forwards into.
type Broadcaster interface {
	Broadcast(channel string, payload []byte)
}

// ConnectionState reports broker connectivity for the status endpoint.
type ConnectionState struct {
	Connected bool   `json:"connected"`
	LastError string `json:"last_error,omitempty"`
}

// BridgeConfig parameterizes the bridge. Channels are the bus-side
// subscription patterns; backoff bounds the reconnect delay.
type BridgeConfig struct {
	Channels     []string
	QueueSize    int
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// DefaultChannels is the fixed set of update channels the bridge relays.
func DefaultChannels() []string {
	return []string{
		quote.BusPrefix + quote.ChannelAggregate,
		quote.BusPrefix + "quote:*",
		quote.BusPrefix + "products:added",
		quote.BusPrefix + "products:removed",
		quote.BusPrefix + "news",
	}
}

// Bridge subscribes to the broker and forwards each message to the
// gateway through a bounded queue. A slow gateway causes drop-oldest
// eviction, never a stalled broker delivery goroutine. On broker loss
// the bridge reconnects with exponential backoff while already-connected
// sessions keep serving their last known quotes.
type Bridge struct {
	bus   Bus
	gw    Broadcaster
	cache *quote.Cache
	log   *zap.Logger
	cfg   BridgeConfig

	stateMu sync.Mutex
	state   ConnectionState

	queue  chan InboundMessage
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewBridge(b Bus, gw Broadcaster, cache *quote.Cache, cfg BridgeConfig, log *zap.Logger) *Bridge {
	if len(cfg.Channels) == 0 {
		cfg.Channels = DefaultChannels()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = 500 * time.Millisecond
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = 30 * time.Second
	}
	return &Bridge{
		bus:   b,
		gw:    gw,
		cache: cache,
		log:   log,
		cfg:   cfg,
		queue: make(chan InboundMessage, cfg.QueueSize),
	}
}

// Start launches the subscribe and forward loops.
func (b *Bridge) Start(ctx context.Context) {
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(2)
	go b.subscribeLoop()
	go b.forwardLoop()
}

// Stop tears down both loops and waits for them.
func (b *Bridge) Stop() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	b.wg.Wait()
}

// State returns the current broker connection state.
func (b *Bridge) State() ConnectionState {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.state
}

func (b *Bridge) setState(connected bool, err error) {
	b.stateMu.Lock()
	b.state.Connected = connected
	if err != nil {
		b.state.LastError = err.Error()
	}
	b.stateMu.Unlock()
	if connected {
		metrics.BusConnected.Set(1)
	} else {
		metrics.BusConnected.Set(0)
	}
}

func (b *Bridge) subscribeLoop() {
	defer b.wg.Done()
	backoff := b.cfg.ReconnectMin
	for {
		sub, err := b.bus.Subscribe(b.ctx, b.cfg.Channels...)
		if err != nil {
			b.setState(false, err)
			b.log.Warn("bus subscribe failed, backing off",
				zap.Duration("backoff", backoff), zap.Error(err))
			if !b.sleep(backoff) {
				return
			}
			backoff = min(backoff*2, b.cfg.ReconnectMax)
			continue
		}

		b.setState(true, nil)
		backoff = b.cfg.ReconnectMin
		b.log.Info("bus subscription established", zap.Strings("channels", b.cfg.Channels))

		if !b.drain(sub) {
			_ = sub.Close()
			return
		}
		_ = sub.Close()
		b.setState(false, errors.New("bus subscription closed"))
		b.log.Warn("bus subscription lost, reconnecting")
	}
}

// drain pumps the subscription into the bounded queue. Returns false on
// shutdown, true when the subscription died and a reconnect is due.
func (b *Bridge) drain(sub *Subscription) bool {
	for {
		select {
		case <-b.ctx.Done():
			return false
		case msg, ok := <-sub.C:
			if !ok {
				return true
			}
			b.enqueue(msg)
		}
	}
}

// enqueue never blocks: when the queue is full the oldest message is
// evicted. Quotes are last-write-wins snapshots, so dropping stale ones
// under pressure is safe.
func (b *Bridge) enqueue(msg InboundMessage) {
	for {
		select {
		case b.queue <- msg:
			return
		default:
			select {
			case <-b.queue:
				metrics.BridgeMessagesDropped.Inc()
			default:
			}
		}
	}
}

func (b *Bridge) forwardLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg := <-b.queue:
			b.forward(msg)
		}
	}
}

// forward strips the bus prefix, wraps the payload as a typed push
// event, and hands it to the gateway room of the same name.
func (b *Bridge) forward(msg InboundMessage) {
	channel := strings.TrimPrefix(msg.Channel, quote.BusPrefix)

	var frame []byte
	var err error
	if channel == quote.ChannelAggregate {
		var qs []quote.Quote
		if err = json.Unmarshal(msg.Payload, &qs); err == nil {
			b.cache.Replace(qs)
			frame, err = quote.NewQuotesUpdate(qs)
		}
	} else if _, ok := quote.CodeFromChannel(channel); ok {
		var q quote.Quote
		if err = json.Unmarshal(msg.Payload, &q); err == nil {
			b.cache.Upsert(q)
			frame, err = quote.NewQuoteUpdate(q)
		}
	} else {
		frame, err = quote.NewGenericUpdate(channel, msg.Payload, time.Now())
	}
	if err != nil {
		b.log.Warn("dropping malformed bus message",
			zap.String("channel", msg.Channel), zap.Error(err))
		return
	}
	b.gw.Broadcast(channel, frame)
}

func (b *Bridge) sleep(d time.Duration) bool {
	select {
	case <-b.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
