package events

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const defaultBuffer = 64

// Broadcaster fans events out to subscribers. Every subscription owns a
// bounded queue; when it is full the event is dropped for that subscriber
// and counted, so Publish never waits on subscriber work.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	buffer int
	closed bool
	now    func() time.Time
	logger zerolog.Logger
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithBuffer sets the per-subscriber queue size.
func WithBuffer(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithLogger attaches a logger used for drop and panic reports.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Broadcaster) { b.logger = logger }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(b *Broadcaster) { b.now = now }
}

func NewBroadcaster(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		subs:   make(map[uint64]*Subscription),
		buffer: defaultBuffer,
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscription receives events of the kinds it asked for (all kinds when
// none were given) until Unsubscribe is called.
type Subscription struct {
	id      uint64
	kinds   map[Kind]struct{}
	ch      chan Event
	dropped atomic.Uint64
	owner   *Broadcaster
	once    sync.Once
}

// C returns the receive channel. It is closed on Unsubscribe or Close.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped returns how many events were discarded because the queue was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Unsubscribe stops delivery and closes the channel. Safe to call twice.
func (s *Subscription) Unsubscribe() {
	s.owner.remove(s.id)
}

func (s *Subscription) wants(k Kind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[k]
	return ok
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

func (b *Broadcaster) Subscribe(kinds ...Kind) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		kinds: make(map[Kind]struct{}, len(kinds)),
		ch:    make(chan Event, b.buffer),
		owner: b,
	}
	for _, k := range kinds {
		sub.kinds[k] = struct{}{}
	}
	if b.closed {
		sub.close()
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

func (b *Broadcaster) remove(id uint64) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if ok {
		sub.close()
	}
}

// Publish delivers e to every interested subscriber without blocking.
func (b *Broadcaster) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = b.now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.wants(e.Kind) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			n := sub.dropped.Add(1)
			b.logger.Warn().Str("event", string(e.Kind)).Uint64("subscription", sub.id).Uint64("dropped", n).Msg("Subscriber queue full, dropping event")
		}
	}
}

// Handle subscribes and runs fn for each event on its own goroutine. A
// panicking handler is logged and keeps receiving. Unsubscribe the returned
// subscription to stop the goroutine.
func (b *Broadcaster) Handle(fn func(Event), kinds ...Kind) *Subscription {
	sub := b.Subscribe(kinds...)
	go func() {
		for e := range sub.C() {
			b.dispatch(fn, e)
		}
	}()
	return sub
}

func (b *Broadcaster) dispatch(fn func(Event), e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Str("event", string(e.Kind)).Str("panic", fmt.Sprint(r)).Msg("Event handler panicked")
		}
	}()
	fn(e)
}

// Close unsubscribes everyone. Later Publish calls are no-ops.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
