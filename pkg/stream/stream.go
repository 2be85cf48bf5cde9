package stream

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultQueueSize bounds each subscriber's pending events.
const DefaultQueueSize = 64

// Handler consumes one event. Handlers run on the subscriber's own
// goroutine; a panic is confined to that delivery.
type Handler func(Event)

type subscriber struct {
	id      uint64
	name    string
	ch      chan Event
	quit    chan struct{}
	dropped atomic.Int64
}

// Stream is an in-process fan-out with one goroutine and one bounded queue
// per subscriber. Publish never blocks: when a queue is full the oldest
// pending event is dropped to make room for the newest.
type Stream struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	queue  int
	logger *slog.Logger
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Stream.
type Option func(*Stream)

// WithQueueSize overrides the per-subscriber queue bound.
func WithQueueSize(n int) Option {
	return func(s *Stream) {
		if n > 0 {
			s.queue = n
		}
	}
}

// New creates an empty stream.
func New(logger *slog.Logger, opts ...Option) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Stream{
		subs:   make(map[uint64]*subscriber),
		queue:  DefaultQueueSize,
		logger: logger.With("component", "stream"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers fn under a name used only for logging. The returned
// function cancels the subscription; it is safe to call more than once.
func (s *Stream) Subscribe(name string, fn Handler) func() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return func() {}
	}
	s.nextID++
	sub := &subscriber{
		id:   s.nextID,
		name: name,
		ch:   make(chan Event, s.queue),
		quit: make(chan struct{}),
	}
	s.subs[sub.id] = sub
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(sub, fn)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if _, ok := s.subs[sub.id]; ok {
				delete(s.subs, sub.id)
				close(sub.quit)
			}
			s.mu.Unlock()
		})
	}
}

// Publish enqueues ev for every subscriber. Publishing on a closed stream
// is a no-op.
func (s *Stream) Publish(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	for _, sub := range s.subs {
		s.enqueue(sub, ev)
	}
}

func (s *Stream) enqueue(sub *subscriber, ev Event) {
	select {
	case sub.ch <- ev:
		return
	default:
	}
	// Queue full: shed the oldest pending event, then retry once. The
	// second send can still lose the race against a concurrent publisher,
	// in which case ev itself is shed.
	select {
	case <-sub.ch:
	default:
	}
	select {
	case sub.ch <- ev:
		sub.dropped.Add(1)
	default:
		sub.dropped.Add(1)
	}
	s.logger.Warn("subscriber queue full, dropped oldest event",
		"subscriber", sub.name,
		"event", ev.Type.Name(),
		"dropped_total", sub.dropped.Load())
}

func (s *Stream) run(sub *subscriber, fn Handler) {
	defer s.wg.Done()
	for {
		select {
		case <-sub.quit:
			return
		case ev := <-sub.ch:
			s.dispatch(sub, fn, ev)
		}
	}
}

func (s *Stream) dispatch(sub *subscriber, fn Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("subscriber panicked",
				"subscriber", sub.name,
				"event", ev.Type.Name(),
				"panic", r)
		}
	}()
	fn(ev)
}

// SubscriberCount returns the number of live subscriptions.
func (s *Stream) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Dropped returns the total events shed across all current subscribers.
func (s *Stream) Dropped() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, sub := range s.subs {
		n += sub.dropped.Load()
	}
	return n
}

// Close cancels every subscription and waits for the delivery goroutines
// to stop. Events still queued at close time are discarded.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for id, sub := range s.subs {
		delete(s.subs, id)
		close(sub.quit)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
