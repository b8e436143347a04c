// Package bus is an in-process publish/subscribe registry.
//
// Every subscription on a topic is independent: a published event is
// offered to each active subscription whose filter accepts the event's
// scope. Nothing is stored; a subscription only sees events published
// after it was created.
package bus

import (
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"taskgate/server/tg_log"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
)

const DefaultBuffer = 64

var (
	ErrClosed               = errors.New("bus closed")
	ErrOverflow             = errors.New("subscriber fell behind")
	ErrTooManySubscriptions = errors.New("too many subscriptions")
	ErrUnknownTopic         = errors.New("unknown topic")
)

// Event is one published message. It exists only for the duration of the
// publish call plus whatever time it spends in subscriber buffers.
type Event struct {
	Topic   string    `json:"topic"`
	Scope   string    `json:"scope"`
	Payload any       `json:"payload"`
	Seq     uint64    `json:"seq"`
	At      time.Time `json:"at"`
}

// Mirror receives a copy of every published event, after local fan-out.
type Mirror interface {
	Mirror(Event) error
}

type Conf struct {
	// Topics restricts Subscribe to a fixed set; empty allows any topic.
	Topics []string
	// Buffer is the default per-subscription channel capacity.
	Buffer int
	// Overflow is the default policy for a full subscription.
	Overflow Overflow
	// MaxSubscriptions rejects new subscribers once reached; 0 is unlimited.
	MaxSubscriptions int
	Mirror           Mirror
	Logger           *tg_log.Logger
}

type Bus struct {
	topics *xsync.Map[string, *xsync.Map[string, *Subscription]]
	byID   *xsync.Map[string, *Subscription]

	known    []string
	buffer   int
	overflow Overflow
	max      int
	mirror   Mirror
	l        *tg_log.Logger

	// seq orders subscribes and publishes against each other
	seq    atomic.Uint64
	count  atomic.Int64
	closed atomic.Bool
}

func New(c Conf) (*Bus, error) {
	if c.Logger == nil {
		return nil, fmt.Errorf("logger is nil")
	}
	if c.Buffer < 0 || c.MaxSubscriptions < 0 {
		return nil, fmt.Errorf("buffer and max subscriptions must not be negative")
	}
	b := &Bus{
		topics:   xsync.NewMap[string, *xsync.Map[string, *Subscription]](),
		byID:     xsync.NewMap[string, *Subscription](),
		known:    slices.Clone(c.Topics),
		buffer:   c.Buffer,
		overflow: c.Overflow,
		max:      c.MaxSubscriptions,
		mirror:   c.Mirror,
		l:        c.Logger,
	}
	if b.buffer == 0 {
		b.buffer = DefaultBuffer
	}
	return b, nil
}

type SubscribeOption func(*Subscription)

// WithBuffer overrides the bus default channel capacity.
func WithBuffer(n int) SubscribeOption {
	return func(s *Subscription) {
		if n > 0 {
			s.ch = make(chan Event, n)
		}
	}
}

// WithOverflow overrides the bus default overflow policy.
func WithOverflow(o Overflow) SubscribeOption {
	return func(s *Subscription) {
		s.overflow = o
	}
}

// Subscribe registers a new active subscription on topic. A nil filter
// accepts every scope.
func (b *Bus) Subscribe(topic string, filter Filter, opts ...SubscribeOption) (*Subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	if len(b.known) > 0 && !slices.Contains(b.known, topic) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	if n := b.count.Add(1); b.max > 0 && n > int64(b.max) {
		b.count.Add(-1)
		subscriptionsRejected.Inc()
		return nil, ErrTooManySubscriptions
	}
	if filter == nil {
		filter = MatchAll()
	}

	s := &Subscription{
		id:       uuid.New().String(),
		topic:    topic,
		filter:   filter,
		ch:       make(chan Event, b.buffer),
		overflow: b.overflow,
		bus:      b,
	}
	for _, opt := range opts {
		opt(s)
	}

	subs, _ := b.topics.LoadOrCompute(topic, func() (*xsync.Map[string, *Subscription], bool) {
		return xsync.NewMap[string, *Subscription](), false
	})
	// counted before it is visible to remove
	subscriptionsActive.WithLabelValues(topic).Inc()
	// stamped before it is visible: a publish that started before this
	// point never delivers here
	s.since = b.seq.Add(1)
	subs.Store(s.id, s)
	// byID last, so whoever removes it also finds it in subs
	b.byID.Store(s.id, s)

	// lost a race with Close
	if b.closed.Load() {
		b.remove(s, ErrClosed)
		return nil, ErrClosed
	}

	b.l.Debug("subscribed %s to %s", s.id, topic)
	return s, nil
}

// Publish offers the event to every active subscription on topic whose
// filter accepts scope and returns how many accepted it. It never blocks on
// a subscriber.
func (b *Bus) Publish(topic string, payload any, scope string) int {
	if b.closed.Load() {
		return 0
	}
	ev := Event{
		Topic:   topic,
		Scope:   scope,
		Payload: payload,
		Seq:     b.seq.Add(1),
		At:      time.Now(),
	}
	eventsPublished.WithLabelValues(topic).Inc()

	delivered := 0
	if subs, ok := b.topics.Load(topic); ok {
		var evicted []*Subscription
		subs.Range(func(_ string, s *Subscription) bool {
			if s.since > ev.Seq || !s.filter(scope) {
				return true
			}
			ok, evict := s.deliver(ev)
			if ok {
				delivered++
			}
			if evict {
				evicted = append(evicted, s)
			}
			return true
		})
		for _, s := range evicted {
			b.l.Warn("subscription %s on %s overflowed, disconnecting", s.id, topic)
			b.remove(s, ErrOverflow)
		}
	}
	eventsDelivered.WithLabelValues(topic).Add(float64(delivered))

	if b.mirror != nil {
		if err := b.mirror.Mirror(ev); err != nil {
			b.l.Warn("mirror %s: %s", topic, err)
		}
	}
	return delivered
}

// Unsubscribe closes the subscription. It is idempotent and reports
// whether this call did the closing.
func (b *Bus) Unsubscribe(id string) bool {
	s, ok := b.byID.Load(id)
	if !ok {
		return false
	}
	return b.remove(s, nil)
}

func (b *Bus) remove(s *Subscription, reason error) bool {
	if _, ok := b.byID.LoadAndDelete(s.id); !ok {
		return false
	}
	if subs, ok := b.topics.Load(s.topic); ok {
		subs.Delete(s.id)
	}
	s.close(reason)
	b.count.Add(-1)
	subscriptionsActive.WithLabelValues(s.topic).Dec()
	subscriptionsClosed.WithLabelValues(reasonLabel(reason)).Inc()
	b.l.Debug("unsubscribed %s from %s", s.id, s.topic)
	return true
}

// Len is the number of active subscriptions on topic.
func (b *Bus) Len(topic string) int {
	subs, ok := b.topics.Load(topic)
	if !ok {
		return 0
	}
	return subs.Size()
}

// Close terminates every subscription with ErrClosed. Later subscribes fail
// and later publishes are no-ops.
func (b *Bus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.byID.Range(func(_ string, s *Subscription) bool {
		b.remove(s, ErrClosed)
		return true
	})
	b.l.Info("bus closed")
}

func reasonLabel(err error) string {
	switch {
	case err == nil:
		return "unsubscribe"
	case errors.Is(err, ErrOverflow):
		return "overflow"
	case errors.Is(err, ErrClosed):
		return "closed"
	default:
		return "other"
	}
}
