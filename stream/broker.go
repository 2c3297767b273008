package stream

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wayfound/convoy/id"
	"github.com/wayfound/convoy/job"
)

// DefaultBufferSize is the default per-subscriber event buffer.
const DefaultBufferSize = 256

// DefaultCredits is the default initial credits for new subscribers.
const DefaultCredits int64 = 1000

// Broker fans job lifecycle events out to subscribers via topic-based
// pub/sub. Delivery is best-effort per subscriber: a slow consumer
// drops events rather than stalling the publisher.
type Broker struct {
	topics *TopicRegistry
	logger *slog.Logger

	// Subscriber management.
	subscribers sync.Map // subscriberID string → *Subscriber

	// Metrics.
	totalPublished atomic.Int64

	// Config.
	bufferSize     int
	defaultCredits int64
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscriber event buffer size.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) { b.bufferSize = size }
}

// WithDefaultCredits sets the initial credits for new subscribers.
func WithDefaultCredits(credits int64) BrokerOption {
	return func(b *Broker) { b.defaultCredits = credits }
}

// NewBroker creates a new stream broker.
func NewBroker(logger *slog.Logger, opts ...BrokerOption) *Broker {
	b := &Broker{
		topics:         NewTopicRegistry(),
		logger:         logger,
		bufferSize:     DefaultBufferSize,
		defaultCredits: DefaultCredits,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Topics returns the topic registry for external use.
func (b *Broker) Topics() *TopicRegistry { return b.topics }

// Subscribe creates a new subscriber on the given topics.
func (b *Broker) Subscribe(topics ...string) *Subscriber {
	sub := NewSubscriber(id.NewSubscriberID(), b.bufferSize, b.defaultCredits)
	b.subscribers.Store(sub.ID().String(), sub)
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
	return sub
}

// SubscribeTo adds an existing subscriber to additional topics.
func (b *Broker) SubscribeTo(subscriberID id.SubscriberID, topics ...string) {
	val, ok := b.subscribers.Load(subscriberID.String())
	if !ok {
		return
	}
	sub := val.(*Subscriber) //nolint:errcheck // sync.Map always stores *Subscriber
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
}

// Unsubscribe removes a subscriber from specific topics.
func (b *Broker) Unsubscribe(subscriberID id.SubscriberID, topics ...string) {
	for _, topic := range topics {
		b.topics.Unsubscribe(topic, subscriberID.String())
	}
}

// RemoveSubscriber removes a subscriber from all topics and closes it.
func (b *Broker) RemoveSubscriber(subscriberID id.SubscriberID) {
	b.topics.UnsubscribeAll(subscriberID.String())
	if val, ok := b.subscribers.LoadAndDelete(subscriberID.String()); ok {
		val.(*Subscriber).Close() //nolint:errcheck // sync.Map always stores *Subscriber
	}
}

// GetSubscriber returns a subscriber by ID.
func (b *Broker) GetSubscriber(subscriberID id.SubscriberID) (*Subscriber, bool) {
	val, ok := b.subscribers.Load(subscriberID.String())
	if !ok {
		return nil, false
	}
	return val.(*Subscriber), true //nolint:errcheck // sync.Map always stores *Subscriber
}

// Stats returns broker statistics.
func (b *Broker) Stats() BrokerStats {
	count := 0
	b.subscribers.Range(func(_, _ any) bool {
		count++
		return true
	})
	return BrokerStats{
		TopicCount:      b.topics.TopicCount(),
		SubscriberCount: count,
		TotalPublished:  b.totalPublished.Load(),
	}
}

// BrokerStats contains broker metrics.
type BrokerStats struct {
	TopicCount      int   `json:"topic_count"`
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
}

// publish broadcasts an event to the firehose and its entity topic.
func (b *Broker) publish(evt *Event) {
	topics := resolveTopics(evt)
	delivered := b.topics.Broadcast(topics, evt)
	b.totalPublished.Add(int64(delivered))
}

// PublishJob emits a lifecycle event for a job snapshot on the job's
// own topic (plus the firehose and, via Broadcast, any owner topic the
// caller lists).
func (b *Broker) PublishJob(evtType EventType, j *job.Job) {
	evt := &Event{
		Type:      evtType,
		Timestamp: time.Now().UTC(),
		Topic:     JobTopic(j.ID.String()),
		Data:      mustMarshal(NewJobUpdate(j)),
	}
	topics := append(resolveTopics(evt), OwnerTopic(j.CreatedBy))
	delivered := b.topics.Broadcast(topics, evt)
	b.totalPublished.Add(int64(delivered))
}

// Shutdown closes every subscriber and empties the broker.
func (b *Broker) Shutdown(_ context.Context) error {
	b.subscribers.Range(func(key, value any) bool {
		sub := value.(*Subscriber) //nolint:errcheck // sync.Map always stores *Subscriber
		b.topics.UnsubscribeAll(sub.ID().String())
		sub.Close()
		b.subscribers.Delete(key)
		return true
	})
	b.logger.Info("stream broker shut down")
	return nil
}
