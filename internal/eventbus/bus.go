package eventbus

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentflow/narrative-runtime/config"
	"github.com/agentflow/narrative-runtime/internal/metrics"
	"github.com/agentflow/narrative-runtime/types"
)

// Message is one delivery on a topic.
type Message struct {
	Topic       string
	Payload     any
	PublishedAt time.Time
}

// Handler receives a delivered Message. Handlers must be idempotent.
// Under overload an async subscriber's oldest pending message is
// dropped and not redelivered.
type Handler func(Message)

// boundedQueue is a mutex-guarded FIFO that drops its oldest entry
// rather than growing past limit.
type boundedQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Message
	limit  int
	closed bool
}

func newBoundedQueue(limit int) *boundedQueue {
	q := &boundedQueue{limit: limit}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends msg, dropping the oldest queued message if the queue
// is already at limit. Returns true if a message was dropped.
func (q *boundedQueue) push(msg Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := false
	if q.limit > 0 && len(q.items) >= q.limit {
		q.items = q.items[1:]
		dropped = true
	}
	q.items = append(q.items, msg)
	q.cond.Signal()
	return dropped
}

// pop blocks until a message is available or the queue is closed.
func (q *boundedQueue) pop() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return Message{}, false
	}
	msg := q.items[0]
	q.items = q.items[1:]
	return msg, true
}

func (q *boundedQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// subscription is one handler registered on a topic.
type subscription struct {
	id      string
	handler Handler
	queue   *boundedQueue
}

// topic holds every subscriber currently registered for one topic
// name.
type topic struct {
	mu   sync.Mutex
	subs map[string]*subscription
}

// Bus is the in-process topic-keyed publish/subscribe hub (C12).
type Bus struct {
	cfg     config.EventBusConfig
	clock   types.Clock
	logger  *zap.Logger
	metrics *metrics.Collector

	mu     sync.RWMutex
	topics map[string]*topic
}

// New builds a Bus.
func New(cfg config.EventBusConfig, clock types.Clock, logger *zap.Logger, collector *metrics.Collector) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = types.SystemClock{}
	}
	return &Bus{
		cfg:     cfg,
		clock:   clock,
		logger:  logger,
		metrics: collector,
		topics:  make(map[string]*topic),
	}
}

func (b *Bus) topicFor(name string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = &topic{subs: make(map[string]*subscription)}
		b.topics[name] = t
	}
	return t
}

// Subscribe registers handler on topic and returns a subscription id
// usable with Unsubscribe. A background goroutine is started to drain
// the subscriber's queue for whenever the topic is in async mode; it
// exits once Unsubscribe or Close is called.
func (b *Bus) Subscribe(topic string, handler Handler) string {
	sub := &subscription{
		id:      uuid.NewString(),
		handler: handler,
		queue:   newBoundedQueue(b.cfg.QueueSize),
	}

	t := b.topicFor(topic)
	t.mu.Lock()
	t.subs[sub.id] = sub
	t.mu.Unlock()

	go b.drain(sub)
	return sub.id
}

func (b *Bus) drain(sub *subscription) {
	for {
		msg, ok := sub.queue.pop()
		if !ok {
			return
		}
		sub.handler(msg)
	}
}

// Unsubscribe removes a subscriber and stops its drain goroutine.
func (b *Bus) Unsubscribe(topic, id string) {
	b.mu.RLock()
	t, ok := b.topics[topic]
	b.mu.RUnlock()
	if !ok {
		return
	}

	t.mu.Lock()
	sub, ok := t.subs[id]
	if ok {
		delete(t.subs, id)
	}
	t.mu.Unlock()

	if ok {
		sub.queue.close()
	}
}

// Publish delivers payload to every subscriber of topic. With fewer
// than EventBusConfig.SyncThreshold subscribers, delivery happens
// synchronously and inline; at or above it, each subscriber's bounded
// queue is used instead, dropping the oldest pending message on
// overflow rather than blocking the publisher.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	t, ok := b.topics[topic]
	b.mu.RUnlock()
	if !ok {
		return
	}

	msg := Message{Topic: topic, Payload: payload, PublishedAt: b.clock.Now()}

	t.mu.Lock()
	subs := make([]*subscription, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	synchronous := len(subs) < b.cfg.SyncThreshold
	t.mu.Unlock()

	for _, s := range subs {
		if synchronous {
			s.handler(msg)
			if b.metrics != nil {
				b.metrics.RecordEventPublished(topic)
			}
			continue
		}

		if s.queue.push(msg) {
			if b.metrics != nil {
				b.metrics.RecordEventDropped(topic)
			}
			b.logger.Debug("dropped oldest queued event", zap.String("topic", topic), zap.String("subscriber", s.id))
		} else if b.metrics != nil {
			b.metrics.RecordEventPublished(topic)
		}
	}
}

// SubscriberCount returns how many handlers are currently registered
// on topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	t, ok := b.topics[topic]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Close stops every subscriber's drain goroutine across all topics.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.topics {
		t.mu.Lock()
		for _, s := range t.subs {
			s.queue.close()
		}
		t.mu.Unlock()
	}
}
