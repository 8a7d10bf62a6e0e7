// Package bus provides the durable publish/subscribe transport between the
// API server, the processing worker pool, and the notification dispatcher.
//
// Delivery is at-least-once: a subscriber can see the same logical event again
// after a crash or reconnect, so every handler must be idempotent with respect
// to repeated delivery. No ordering is guaranteed across topics, and consumers
// must not rely on ordering within a topic either.
package bus

import (
	"context"
	"errors"
)

// ErrUnavailable is returned by Publish when the transport cannot accept the
// message promptly; publishers fail fast instead of blocking indefinitely.
var ErrUnavailable = errors.New("message bus unavailable")

// Handler processes one delivered message. The message is acknowledged after
// the handler returns regardless of error: retry policy belongs to the
// handler (the worker pool re-publishes with backoff), never to the bus,
// which keeps poison messages from wedging a consumer group.
type Handler func(ctx context.Context, data []byte) error

// Keyed is implemented by payloads that carry a partition key. Events about
// the same entity share a key, so a partitioned transport delivers them to a
// single consumer within a group. Per-entity mutual exclusion across worker
// replicas depends on this: without the key, duplicates of the same event can
// run on two replicas at once.
type Keyed interface {
	Key() string
}

// Publisher enqueues a payload for durable delivery to all current
// subscribers of the topic. Payloads are JSON-encoded value records from the
// event package.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Bus is the full transport contract. Subscribe blocks running the consumer
// loop until the context is cancelled.
type Bus interface {
	Publisher
	Subscribe(ctx context.Context, topic string, h Handler) error
	Close() error
}
