package jobs

import (
	"context"
	"io"
	"sync"
	"time"
)

// DefaultRelayBuffer bounds a subscriber's queue of pending events.
const DefaultRelayBuffer = 256

// Relay is one subscriber's view of a job's events. Its queue is bounded: when a slow
// consumer falls behind, the oldest Progress events are dropped first. Status, Log and
// terminal events are never dropped.
type Relay struct {
	mu      sync.Mutex
	queue   []Event
	limit   int
	done    bool // terminal event queued
	closed  bool
	dropped int64
	signal  chan struct{}
	onDrop  func()
	release func()
}

func newRelay(limit int, onDrop func()) *Relay {
	if limit <= 0 {
		limit = DefaultRelayBuffer
	}
	return &Relay{
		limit:  limit,
		signal: make(chan struct{}, 1),
		onDrop: onDrop,
	}
}

func (r *Relay) push(e Event) {
	r.mu.Lock()
	if r.closed || r.done {
		r.mu.Unlock()
		return
	}

	dropped := false
	if len(r.queue) >= r.limit {
		if i := r.oldestProgress(); i >= 0 {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			dropped = true
		} else if e.Type == EventProgress {
			// Queue is full of events that must be kept.
			r.dropped++
			r.mu.Unlock()
			r.dropHook()
			return
		}
	}
	if dropped {
		r.dropped++
	}
	r.queue = append(r.queue, e)
	if e.Terminal() {
		r.done = true
	}
	r.mu.Unlock()

	if dropped {
		r.dropHook()
	}
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

func (r *Relay) oldestProgress() int {
	for i, e := range r.queue {
		if e.Type == EventProgress {
			return i
		}
	}
	return -1
}

func (r *Relay) dropHook() {
	if r.onDrop != nil {
		r.onDrop()
	}
}

// Next blocks until the next event is available. After the terminal event has been
// returned, Next returns io.EOF.
func (r *Relay) Next(ctx context.Context) (Event, error) {
	for {
		r.mu.Lock()
		if len(r.queue) > 0 {
			e := r.queue[0]
			r.queue[0] = Event{}
			r.queue = r.queue[1:]
			if e.Terminal() {
				r.closed = true
			}
			r.mu.Unlock()
			return e, nil
		}
		if r.closed {
			r.mu.Unlock()
			return Event{}, io.EOF
		}
		r.mu.Unlock()

		select {
		case <-r.signal:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Events adapts the relay to a channel. The channel is closed after the terminal event
// or when ctx is done.
func (r *Relay) Events(ctx context.Context) <-chan Event {
	ch := make(chan Event)
	go func() {
		defer close(ch)
		for {
			e, err := r.Next(ctx)
			if err != nil {
				return
			}
			select {
			case ch <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Close detaches the subscriber. Pending events are discarded.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed && r.release == nil {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.queue = nil
	release := r.release
	r.release = nil
	r.mu.Unlock()

	if release != nil {
		release()
	}
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

// Dropped returns how many Progress events this subscriber missed.
func (r *Relay) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// broadcaster fans events out to every relay of one job and remembers the terminal
// event for late subscribers.
type broadcaster struct {
	mu       sync.Mutex
	jobID    string
	subs     map[*Relay]struct{}
	terminal *Event
	last     Event
	seq      int64
	limit    int
	onDrop   func()
}

// FinishedRelay returns a relay for a job that has already ended: it yields terminal
// and then io.EOF.
func FinishedRelay(jobID string, terminal Event) *Relay {
	b := newBroadcaster(jobID, 1, nil)
	b.publish(terminal)
	return b.subscribe()
}

func newBroadcaster(jobID string, limit int, onDrop func()) *broadcaster {
	return &broadcaster{
		jobID:  jobID,
		subs:   make(map[*Relay]struct{}),
		limit:  limit,
		onDrop: onDrop,
	}
}

func (b *broadcaster) subscribe() *Relay {
	r := newRelay(b.limit, b.onDrop)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.terminal != nil {
		r.push(*b.terminal)
		return r
	}
	b.subs[r] = struct{}{}
	r.release = func() { b.unsubscribe(r) }
	return r
}

func (b *broadcaster) unsubscribe(r *Relay) {
	b.mu.Lock()
	delete(b.subs, r)
	b.mu.Unlock()
}

// publish stamps and delivers e. Events after the terminal one are discarded.
func (b *broadcaster) publish(e Event) (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.terminal != nil {
		return Event{}, false
	}

	b.seq++
	e.Seq = b.seq
	e.JobID = b.jobID
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	for r := range b.subs {
		r.push(e)
	}
	b.last = e
	if e.Terminal() {
		stored := e
		b.terminal = &stored
		for r := range b.subs {
			r.mu.Lock()
			r.release = nil
			r.mu.Unlock()
		}
		b.subs = nil
	}
	return e, true
}

func (b *broadcaster) finished() (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.terminal == nil {
		return Event{}, false
	}
	return *b.terminal, true
}
