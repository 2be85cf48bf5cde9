package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

const defaultAsyncBuffer = 256

// Async decouples audit recording from the evaluation path: Record enqueues
// and returns immediately, a single worker drains to the wrapped sink, and
// a full queue drops the entry rather than blocking a decision.
type Async struct {
	sink    Sink
	logger  *slog.Logger
	ch      chan Entry
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	dropped atomic.Uint64
}

func NewAsync(sink Sink, buffer int, logger *slog.Logger) *Async {
	if buffer <= 0 {
		buffer = defaultAsyncBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Async{
		sink:   sink,
		logger: logger.With("component", "audit"),
		ch:     make(chan Entry, buffer),
		done:   make(chan struct{}),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *Async) run() {
	defer a.wg.Done()
	for {
		select {
		case e := <-a.ch:
			a.write(e)
		case <-a.done:
			// Drain whatever was enqueued before Close.
			for {
				select {
				case e := <-a.ch:
					a.write(e)
				default:
					return
				}
			}
		}
	}
}

func (a *Async) write(e Entry) {
	if err := a.sink.Record(context.Background(), e); err != nil {
		a.logger.Warn("audit record failed", "kind", e.Kind, "error", err)
	}
}

// Record never blocks. Entries arriving after Close, or while the queue is
// full, are counted as dropped.
func (a *Async) Record(_ context.Context, e Entry) error {
	e = withDefaults(e)
	select {
	case <-a.done:
		a.dropped.Add(1)
		return nil
	default:
	}
	select {
	case a.ch <- e:
	default:
		a.dropped.Add(1)
		a.logger.Debug("audit queue full, entry dropped", "kind", e.Kind)
	}
	return nil
}

// Dropped reports how many entries were discarded.
func (a *Async) Dropped() uint64 { return a.dropped.Load() }

// Close stops the worker after draining the queue. It does not close the
// wrapped sink.
func (a *Async) Close() error {
	a.once.Do(func() { close(a.done) })
	a.wg.Wait()
	return nil
}
