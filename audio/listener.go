// Package audio provides the per-connection buffers that channels broadcast frames into.
//
// A Listener is the strong side owned by the transport; a ListenerRef is the weak side a
// channel keeps in its subscriber list. Once every strong handle is closed the shared cell
// is dead: pushes are dropped silently and the channel prunes the ref on its next tick.
package audio

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrListenerClosed is returned by Next once the handle has been closed.
var ErrListenerClosed = errors.New("listener closed")

// cell is shared by every handle of one listener.
// It has exactly one writer (the owning channel) and one reader (the transport).
type cell struct {
	mu         sync.Mutex
	frames     [][]byte
	refs       int
	maxPending int
	dropped    uint64
	wake       chan struct{}
}

// Listener is the strong, readable side of a listener buffer.
type Listener struct {
	id   string
	cell *cell
	done chan struct{}
	once sync.Once
}

// ListenerRef is the weak side of a listener buffer. The zero value is inactive.
type ListenerRef struct {
	cell *cell
}

// ListenerOption configures a new Listener.
type ListenerOption func(*cell)

// WithMaxPending caps the number of queued frames. When the cap is reached the oldest frame
// is dropped for every new one. Zero or a negative value keeps the queue unbounded.
func WithMaxPending(n int) ListenerOption {
	return func(c *cell) {
		if n > 0 {
			c.maxPending = n
		}
	}
}

// NewListener creates a listener buffer with one strong handle.
func NewListener(opts ...ListenerOption) *Listener {
	c := &cell{
		refs: 1,
		wake: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return &Listener{
		id:   uuid.NewString(),
		cell: c,
		done: make(chan struct{}),
	}
}

// ID returns a unique identifier used in logs.
func (l *Listener) ID() string {
	return l.id
}

// Ref returns the weak side of the buffer.
func (l *Listener) Ref() ListenerRef {
	return ListenerRef{cell: l.cell}
}

// Clone returns another strong handle on the same buffer. The buffer stays alive until
// every handle has been closed. Cloning a dead buffer yields a closed handle.
func (l *Listener) Clone() *Listener {
	clone := &Listener{
		id:   l.id,
		cell: l.cell,
		done: make(chan struct{}),
	}

	l.cell.mu.Lock()
	alive := l.cell.refs > 0
	if alive {
		l.cell.refs++
	}
	l.cell.mu.Unlock()

	if !alive {
		clone.once.Do(func() { close(clone.done) })
	}
	return clone
}

// Close releases this strong handle. It is safe to call more than once.
func (l *Listener) Close() {
	l.once.Do(func() {
		close(l.done)

		l.cell.mu.Lock()
		l.cell.refs--
		if l.cell.refs == 0 {
			l.cell.frames = nil
		}
		l.cell.mu.Unlock()
	})
}

// TryNext pops the oldest pending frame without waiting.
func (l *Listener) TryNext() ([]byte, bool) {
	l.cell.mu.Lock()
	defer l.cell.mu.Unlock()

	if len(l.cell.frames) == 0 {
		return nil, false
	}
	p := l.cell.frames[0]
	l.cell.frames[0] = nil
	l.cell.frames = l.cell.frames[1:]
	return p, true
}

// Next returns the oldest pending frame, waiting for the next push if the queue is empty.
// It fails with ErrListenerClosed after Close and with ctx.Err() when ctx is done.
func (l *Listener) Next(ctx context.Context) ([]byte, error) {
	for {
		select {
		case <-l.done:
			return nil, ErrListenerClosed
		default:
		}

		if p, ok := l.TryNext(); ok {
			return p, nil
		}

		select {
		case <-l.cell.wake:
		case <-l.done:
			return nil, ErrListenerClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Pending returns the number of queued frames.
func (l *Listener) Pending() int {
	l.cell.mu.Lock()
	defer l.cell.mu.Unlock()
	return len(l.cell.frames)
}

// Dropped returns how many frames were discarded because of the backlog cap.
func (l *Listener) Dropped() uint64 {
	l.cell.mu.Lock()
	defer l.cell.mu.Unlock()
	return l.cell.dropped
}

// Active reports whether at least one strong handle is still open.
func (r ListenerRef) Active() bool {
	if r.cell == nil {
		return false
	}
	r.cell.mu.Lock()
	defer r.cell.mu.Unlock()
	return r.cell.refs > 0
}

// Push appends a frame and wakes a waiting reader. It never blocks and is a no-op once
// the buffer is dead. The payload is shared, not copied; readers must not modify it.
func (r ListenerRef) Push(p []byte) {
	c := r.cell
	if c == nil {
		return
	}

	c.mu.Lock()
	if c.refs == 0 {
		c.mu.Unlock()
		return
	}
	if c.maxPending > 0 && len(c.frames) >= c.maxPending {
		c.frames[0] = nil
		c.frames = c.frames[1:]
		c.dropped++
	}
	c.frames = append(c.frames, p)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}
