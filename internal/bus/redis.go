package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const healthInterval = 5 * time.Second

// RedisBus implements Bus over redis pub/sub. Two clients are held: one
// for publishing and one whose connection is dedicated to PSUBSCRIBE, so
// subscriber backpressure cannot affect publisher throughput.
type RedisBus struct {
	pub *redis.Client
	sub *redis.Client
	log *zap.Logger
}

func NewRedisBus(addr, password string, db int, log *zap.Logger) *RedisBus {
	opts := &redis.Options{Addr: addr, Password: password, DB: db}
	return &RedisBus{
		pub: redis.NewClient(opts),
		sub: redis.NewClient(opts),
		log: log,
	}
}

func (r *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.pub.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe establishes a pattern subscription. The returned channel
// closes when the broker connection is lost; a health ping surfaces
// silent connection loss so the bridge can enter its reconnect loop.
func (r *RedisBus) Subscribe(ctx context.Context, patterns ...string) (*Subscription, error) {
	ps := r.sub.PSubscribe(ctx, patterns...)

	// Force the SUBSCRIBE round trip so an unreachable broker fails here
	// instead of silently delivering nothing.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %v: %w", patterns, err)
	}

	out := make(chan InboundMessage, 64)
	go r.pump(ctx, ps, out)

	return &Subscription{C: out, cancel: ps.Close}, nil
}

func (r *RedisBus) pump(ctx context.Context, ps *redis.PubSub, out chan<- InboundMessage) {
	defer close(out)
	defer ps.Close()

	msgs := ps.Channel()
	health := time.NewTicker(healthInterval)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			select {
			case out <- InboundMessage{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
			case <-ctx.Done():
				return
			}
		case <-health.C:
			if err := r.sub.Ping(ctx).Err(); err != nil {
				r.log.Warn("redis subscription health check failed", zap.Error(err))
				return
			}
		}
	}
}

func (r *RedisBus) Close() error {
	pubErr := r.pub.Close()
	subErr := r.sub.Close()
	if pubErr != nil {
		return pubErr
	}
	return subErr
}
