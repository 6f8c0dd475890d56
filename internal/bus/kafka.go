package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// updatesTopic carries every bus channel; the logical channel name
// travels as the message key. A single topic keeps the consumer simple
// and preserves per-channel ordering via key partitioning.
const updatesTopic = "quotewire.updates"

// KafkaBus implements Bus over a kafka topic. Writer and reader hold
// independent broker connections.
type KafkaBus struct {
	brokers []string
	groupID string
	writer  *kafka.Writer
	log     *zap.Logger
}

func NewKafkaBus(brokers []string, groupID string, log *zap.Logger) *KafkaBus {
	return &KafkaBus{
		brokers: brokers,
		groupID: groupID,
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    updatesTopic,
			Balancer: &kafka.Hash{},
		},
		log: log,
	}
}

func (k *KafkaBus) Publish(ctx context.Context, channel string, payload []byte) error {
	err := k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(channel),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("kafka publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe consumes the updates topic. Pattern arguments are ignored:
// the topic only carries this pipeline's channels and the bridge routes
// on the channel key.
func (k *KafkaBus) Subscribe(ctx context.Context, _ ...string) (*Subscription, error) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: k.brokers,
		GroupID: k.groupID,
		Topic:   updatesTopic,
	})

	out := make(chan InboundMessage, 64)
	go func() {
		defer close(out)
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					k.log.Warn("kafka read failed", zap.Error(err))
				}
				return
			}
			select {
			case out <- InboundMessage{Channel: string(m.Key), Payload: m.Value}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return &Subscription{C: out, cancel: reader.Close}, nil
}

func (k *KafkaBus) Close() error {
	return k.writer.Close()
}
