// Package bus abstracts the publish/subscribe broker that decouples the
// sync worker from the push gateway, and hosts the bridge that forwards
// broker messages into gateway rooms.
package bus

import (
	"context"
)

// InboundMessage is one message received from the broker.
type InboundMessage struct {
	Channel string
	Payload []byte
}

// Subscription is a live broker subscription. C closes when the
// subscription dies, whether through Close or a broker failure; callers
// resubscribe to recover.
type Subscription struct {
	C      <-chan InboundMessage
	cancel func() error
}

func (s *Subscription) Close() error {
	if s.cancel == nil {
		return nil
	}
	return s.cancel()
}

// Bus is the broker contract. Publish and Subscribe must be backed by
// independent broker handles so a slow subscriber never blocks
// publication. Delivery is at-least-once to active subscribers with no
// durability across a subscriber's disconnect window.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, patterns ...string) (*Subscription, error)
	Close() error
}
