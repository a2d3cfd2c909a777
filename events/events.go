/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

// Package events carries notifications from sessions and executions to the
// streaming channels subscribed to them.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/PivotLLM/Conduit/faults"
	"github.com/PivotLLM/Conduit/logging"
)

// Kind identifies a notification
type Kind string

// Execution notifications
const (
	KindStarted  Kind = "started"
	KindProgress Kind = "progress"
	KindComplete Kind = "complete"
	KindError    Kind = "error"
)

// Session lifecycle notifications
const (
	KindRequestCreated   Kind = "request_created"
	KindRequestCompleted Kind = "request_completed"
	KindRequestCancelled Kind = "request_cancelled"
	KindCleanup          Kind = "cleanup"
)

// Terminal reports whether no further notification follows for the same correlation id
func (k Kind) Terminal() bool {
	return k == KindComplete || k == KindError
}

// Lifecycle reports whether the kind is a session bookkeeping notification
func (k Kind) Lifecycle() bool {
	switch k {
	case KindRequestCreated, KindRequestCompleted, KindRequestCancelled, KindCleanup:
		return true
	}
	return false
}

// Event is a single notification
type Event struct {
	Kind          Kind
	SessionID     string
	RequestID     string
	CorrelationID string
	Tool          string
	Seq           uint64
	Time          time.Time

	// progress
	Stream string
	Data   string

	// complete
	ExitCode int
	Success  bool
	Output   string
	Stderr   string
	Value    any
	Elapsed  time.Duration

	// error
	Fault *faults.Fault
}

// Filter selects the events a subscription receives
type Filter func(Event) bool

// ForSession selects every event of one session
func ForSession(sessionID string) Filter {
	return func(e Event) bool {
		return e.SessionID == sessionID
	}
}

// ForCorrelation selects the events of one correlated request
func ForCorrelation(correlationID string) Filter {
	return func(e Event) bool {
		return e.CorrelationID == correlationID
	}
}

// ExecutionOnly drops lifecycle notifications
func ExecutionOnly(f Filter) Filter {
	return func(e Event) bool {
		return !e.Kind.Lifecycle() && f(e)
	}
}

const defaultBuffer = 256

// Bus fans events out to subscriptions
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	seq    atomic.Uint64
	logger *logging.Logger
}

// Option configures a Bus
type Option func(*Bus)

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// NewBus creates an event bus
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs: make(map[uint64]*Subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscription receives the events accepted by its filter
type Subscription struct {
	id      uint64
	bus     *Bus
	filter  Filter
	ch      chan Event
	done    chan struct{}
	once    sync.Once
	lagged  atomic.Bool
}

// Subscribe registers a subscription. buffer <= 0 uses the default size.
func (b *Bus) Subscribe(filter Filter, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultBuffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := &Subscription{
		id:     b.nextID,
		bus:    b,
		filter: filter,
		ch:     make(chan Event, buffer),
		done:   make(chan struct{}),
	}
	b.subs[s.id] = s
	return s
}

// Events returns the delivery channel. It is never closed; select on Done.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Done is closed when the subscription is closed
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Lagged reports whether the bus closed the subscription because its buffer
// was full. Events already buffered can still be read.
func (s *Subscription) Lagged() bool {
	return s.lagged.Load()
}

// Close removes the subscription from its bus
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
	})
}

// Publish stamps e with a sequence number and delivers it to every matching
// subscription in subscription order. Publish never blocks on a subscriber:
// one whose buffer is full is closed as lagged, so it never silently misses
// an event and keeps receiving afterwards.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}

	e.Seq = b.seq.Add(1)
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.filter == nil || s.filter(e) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		b.deliver(s, e)
	}
}

func (b *Bus) deliver(s *Subscription, e Event) {
	select {
	case s.ch <- e:
	case <-s.done:
	default:
		s.lagged.Store(true)
		s.Close()
		b.logger.Warnf("Event bus: subscriber lagging at %s event for correlation %s, closing it", e.Kind, e.CorrelationID)
	}
}

// Subscribers returns the number of live subscriptions
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
