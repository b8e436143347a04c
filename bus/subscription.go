package bus

import (
	"sync"
	"sync/atomic"
)

type State int

const (
	Active State = iota
	Closed
)

func (s State) String() string {
	if s == Active {
		return "active"
	}
	return "closed"
}

// Overflow decides what happens when a subscription's buffer is full at
// publish time.
type Overflow int

const (
	// OverflowDisconnect closes the subscription with ErrOverflow.
	OverflowDisconnect Overflow = iota
	// OverflowDropOldest discards the oldest buffered event to make room.
	OverflowDropOldest
)

// Subscription is one consumer's view of a topic. Events arrive on Events()
// until the subscription is closed, at which point the channel is closed
// and Err reports why.
type Subscription struct {
	id       string
	topic    string
	filter   Filter
	since    uint64
	overflow Overflow
	bus      *Bus

	// mu serialises delivery against close so ch is never written after close
	mu      sync.Mutex
	ch      chan Event
	state   State
	err     error
	dropped atomic.Uint64
}

func (s *Subscription) ID() string    { return s.id }
func (s *Subscription) Topic() string { return s.topic }

// Events is closed when the subscription ends.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err is nil while active or after a plain unsubscribe; otherwise
// ErrOverflow or ErrClosed.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Dropped counts events discarded by OverflowDropOldest.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscription) Close() {
	s.bus.Unsubscribe(s.id)
}

// deliver enqueues ev without blocking. evict asks the caller to remove the
// subscription from the bus.
func (s *Subscription) deliver(ev Event) (ok, evict bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Active {
		return false, false
	}

	select {
	case s.ch <- ev:
		return true, false
	default:
	}

	switch s.overflow {
	case OverflowDropOldest:
		select {
		case <-s.ch:
			s.dropped.Add(1)
			eventsDropped.WithLabelValues(s.topic, "drop_oldest").Inc()
		default:
		}
		select {
		case s.ch <- ev:
			return true, false
		default:
			s.dropped.Add(1)
			eventsDropped.WithLabelValues(s.topic, "drop_oldest").Inc()
			return false, false
		}
	default:
		eventsDropped.WithLabelValues(s.topic, "disconnect").Inc()
		return false, true
	}
}

func (s *Subscription) close(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return
	}
	s.state = Closed
	s.err = reason
	close(s.ch)
}
