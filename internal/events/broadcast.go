package events

import (
	"fmt"
	"io"
	"sync"
)

// Broadcaster fans out events to in-process subscribers. One Broadcaster per
// run. Thread-safe.
type Broadcaster struct {
	mu      sync.Mutex
	history []Event
	clients map[uint64]chan Event
	nextID  uint64
	closed  bool
	doneCh  chan struct{} // closed only on Close, not on slow-subscriber drops
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[uint64]chan Event),
		doneCh:  make(chan struct{}),
	}
}

func (b *Broadcaster) Send(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.history = append(b.history, ev)
	for id, ch := range b.clients {
		select {
		case ch <- ev:
		default:
			// Slow subscriber: drop it rather than block the run.
			close(ch)
			delete(b.clients, id)
		}
	}
}

// Subscribe returns an events channel, a done channel, and an unsubscribe
// function. The events channel replays history, then carries live events.
// The done channel is closed only when the broadcaster is closed, so a
// caller can tell completion from being dropped for slowness.
func (b *Broadcaster) Subscribe() (<-chan Event, <-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Sized to fit all history plus live headroom, so the replay never
	// blocks while holding the mutex.
	ch := make(chan Event, len(b.history)+256)
	id := b.nextID
	b.nextID++
	for _, ev := range b.history {
		ch <- ev
	}

	if b.closed {
		close(ch)
		return ch, b.doneCh, func() {}
	}

	b.clients[id] = ch
	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.clients[id]; ok {
			delete(b.clients, id)
			close(ch)
		}
	}
	return ch, b.doneCh, unsub
}

// Close signals that no more events will be sent and closes every
// subscriber channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.doneCh)
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
}

// History returns a copy of all events received so far.
func (b *Broadcaster) History() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.history))
	copy(out, b.history)
	return out
}

// Follow subscribes to b and writes one progress line per event to w. The
// returned wait func blocks until b is closed and every event has been
// written, or until the subscriber was dropped for falling behind.
func Follow(b *Broadcaster, w io.Writer) (wait func()) {
	ch, _, _ := b.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			_, _ = fmt.Fprintln(w, FormatProgress(ev))
		}
	}()
	return func() { <-done }
}

// FormatProgress renders an event as a single human-readable line.
func FormatProgress(ev Event) string {
	retry := ""
	if ev.IsRetry {
		retry = " (retry)"
	}
	return fmt.Sprintf("[%s #%d] %s attempt %d/%d%s: %s",
		ev.RunID, ev.Seq, ev.Stage, ev.AttemptIndex, ev.MaxAttempts, retry, ev.StatusMessage)
}
