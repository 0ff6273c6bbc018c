package events

import (
	"sync"
	"sync/atomic"
)

// DefaultQueueSize is the Async buffer when none is given.
const DefaultQueueSize = 256

// Async decouples a possibly slow sink from the caller. Send enqueues and
// returns immediately; when the queue is full the event is dropped and
// counted.
type Async struct {
	inner   Sink
	queue   chan Event
	done    chan struct{}
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

func NewAsync(inner Sink, size int) *Async {
	if size <= 0 {
		size = DefaultQueueSize
	}
	a := &Async{inner: inner, queue: make(chan Event, size), done: make(chan struct{})}
	go a.drain()
	return a
}

func (a *Async) drain() {
	defer close(a.done)
	for ev := range a.queue {
		a.inner.Send(ev)
	}
}

func (a *Async) Send(ev Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return
	}
	select {
	case a.queue <- ev:
	default:
		a.dropped.Add(1)
	}
}

// Dropped is the number of events discarded so far.
func (a *Async) Dropped() int64 { return a.dropped.Load() }

// Close stops accepting events and waits for the queue to drain.
func (a *Async) Close() {
	a.once.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.queue)
		a.mu.Unlock()
	})
	<-a.done
}
