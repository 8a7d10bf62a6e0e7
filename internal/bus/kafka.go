package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Kafka implements Bus on top of kafka-go. One writer is kept per topic;
// readers join a consumer group so worker replicas share partitions, and the
// explicit FetchMessage/CommitMessages pair is the acknowledgement.
type Kafka struct {
	brokers []string
	group   string
	log     *zap.SugaredLogger

	mu      sync.Mutex
	writers map[string]*kafka.Writer
	readers []*kafka.Reader
}

// NewKafka builds a Kafka bus. group names the consumer group used by every
// Subscribe call on this instance.
func NewKafka(brokers []string, group string, log *zap.SugaredLogger) *Kafka {
	return &Kafka{
		brokers: brokers,
		group:   group,
		log:     log,
		writers: make(map[string]*kafka.Writer),
	}
}

func (k *Kafka) writer(topic string) *kafka.Writer {
	k.mu.Lock()
	defer k.mu.Unlock()
	if w, ok := k.writers[topic]; ok {
		return w
	}
	w := &kafka.Writer{
		Addr:  kafka.TCP(k.brokers...),
		Topic: topic,
		// Hash keeps all events for one key on one partition, which pins an
		// entity to a single consumer within the group.
		Balancer:               &kafka.Hash{},
		WriteTimeout:           5 * time.Second,
		AllowAutoTopicCreation: true,
	}
	k.writers[topic] = w
	return w
}

// Publish JSON-encodes payload and writes it to the topic. The short write
// timeout turns a lost broker connection into ErrUnavailable instead of a
// blocked request.
func (k *Kafka) Publish(ctx context.Context, topic string, payload any) error {
	msg, err := newMessage(topic, payload)
	if err != nil {
		return err
	}
	if err := k.writer(topic).WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("%w: publish %s: %v", ErrUnavailable, topic, err)
	}
	return nil
}

// newMessage encodes the payload and, when it is Keyed, sets the partition
// key so the Hash balancer routes same-entity events consistently.
func newMessage(topic string, payload any) (kafka.Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	msg := kafka.Message{Value: data, Time: time.Now()}
	if keyed, ok := payload.(Keyed); ok {
		msg.Key = []byte(keyed.Key())
	}
	return msg, nil
}

// Subscribe consumes the topic until ctx is cancelled. Fetch errors are
// logged and retried; the reader reconnects and resubscribes on its own.
func (k *Kafka) Subscribe(ctx context.Context, topic string, h Handler) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  k.brokers,
		GroupID:  k.group,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	k.mu.Lock()
	k.readers = append(k.readers, reader)
	k.mu.Unlock()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			k.log.Errorw("bus fetch failed", "topic", topic, "error", err)
			time.Sleep(time.Second)
			continue
		}
		if err := h(ctx, msg.Value); err != nil {
			k.log.Errorw("bus handler failed", "topic", topic, "error", err)
		}
		if err := reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			k.log.Errorw("bus commit failed", "topic", topic, "error", err)
		}
	}
}

// Close releases all writers and readers.
func (k *Kafka) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	var firstErr error
	for _, w := range k.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, r := range k.readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
