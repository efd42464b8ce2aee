package comm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/notargets/DGDistribute/diag"
)

const (
	DefaultQueueDepth = 16
	DefaultTimeout    = 30 * time.Second
)

// ErrAborted is the cause reported by ranks failing because another rank
// aborted the world
var ErrAborted = errors.New("world aborted")

type message struct {
	tag  int
	data []byte
}

// World is an in-process group of ranks connected by bounded channels, one
// per ordered pair of ranks
type World struct {
	size       int
	timeout    time.Duration
	queueDepth int
	links      [][]chan message // links[src][dest]

	abortOnce sync.Once
	aborted   chan struct{}
	abortErr  error
}

// WorldOption configures a World
type WorldOption func(*World)

// WithTimeout bounds every Send and Receive. A zero duration waits forever.
func WithTimeout(d time.Duration) WorldOption {
	return func(w *World) { w.timeout = d }
}

// WithQueueDepth sets the number of messages buffered per ordered rank pair
func WithQueueDepth(n int) WorldOption {
	return func(w *World) {
		if n > 0 {
			w.queueDepth = n
		}
	}
}

// NewWorld creates a world of size ranks
func NewWorld(size int, opts ...WorldOption) *World {
	if size < 1 {
		panic(fmt.Sprintf("comm: world size must be at least 1, got %d", size))
	}
	w := &World{
		size:       size,
		timeout:    DefaultTimeout,
		queueDepth: DefaultQueueDepth,
		aborted:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.links = make([][]chan message, size)
	for src := range w.links {
		w.links[src] = make([]chan message, size)
		for dest := range w.links[src] {
			w.links[src][dest] = make(chan message, w.queueDepth)
		}
	}
	return w
}

// Size returns the number of ranks
func (w *World) Size() int { return w.size }

// Local returns the communicator of rank. Each Local must be used by a single
// goroutine.
func (w *World) Local(rank int) *Local {
	if rank < 0 || rank >= w.size {
		panic(fmt.Sprintf("comm: rank %d out of range [0,%d)", rank, w.size))
	}
	return &Local{world: w, rank: rank, stash: make([][]message, w.size)}
}

// Abort fails every pending and future Send and Receive in the world. Only
// the first cause is kept.
func (w *World) Abort(err error) {
	w.abortOnce.Do(func() {
		w.abortErr = err
		close(w.aborted)
	})
}

// Err returns the abort cause, or nil
func (w *World) Err() error {
	select {
	case <-w.aborted:
		return w.abortErr
	default:
		return nil
	}
}

// Run calls fn once per rank, each on its own goroutine, and returns the
// per-rank errors once all have returned. A rank that panics aborts the
// world. Returned errors do not: ranks that agreed on a failure may still be
// draining the agreement's messages.
func (w *World) Run(ctx context.Context, fn func(ctx context.Context, c Communicator) error) []error {
	errs := make([]error, w.size)
	var wg sync.WaitGroup
	for r := 0; r < w.size; r++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					errs[rank] = fmt.Errorf("rank %d panicked: %v", rank, p)
					w.Abort(errs[rank])
				}
			}()
			errs[rank] = fn(ctx, w.Local(rank))
		}(r)
	}
	wg.Wait()
	return errs
}

// Local is one rank's view of a World
type Local struct {
	world *World
	rank  int
	stash [][]message // received messages waiting for a matching tag, per source
}

func (l *Local) Rank() int { return l.rank }

func (l *Local) Size() int { return l.world.size }

// Abort aborts the whole world
func (l *Local) Abort(err error) { l.world.Abort(err) }

func (l *Local) timer() (<-chan time.Time, func()) {
	if l.world.timeout <= 0 {
		return nil, func() {}
	}
	t := time.NewTimer(l.world.timeout)
	return t.C, func() { t.Stop() }
}

func (l *Local) fail(op string, format string, args ...interface{}) error {
	err := diag.Errorf(diag.CommunicationFailure, l.rank, op, format, args...)
	l.world.Abort(err)
	return err
}

func (l *Local) abortError(op string) error {
	return &diag.Error{Kind: diag.CommunicationFailure, Rank: l.rank, Op: op,
		Err: fmt.Errorf("%w: %v", ErrAborted, l.world.abortErr)}
}

// Send queues data for dest. It blocks only while the pair's queue is full.
func (l *Local) Send(ctx context.Context, dest, tag int, data []byte) error {
	if dest < 0 || dest >= l.world.size {
		return diag.Errorf(diag.CommunicationFailure, l.rank, "send",
			"destination %d out of range [0,%d)", dest, l.world.size)
	}
	ch := l.world.links[l.rank][dest]
	msg := message{tag: tag, data: data}
	select {
	case ch <- msg:
		return nil
	default:
	}
	timeout, stop := l.timer()
	defer stop()
	select {
	case ch <- msg:
		return nil
	case <-l.world.aborted:
		return l.abortError("send")
	case <-ctx.Done():
		return l.fail("send", "to rank %d tag %d: %v", dest, tag, ctx.Err())
	case <-timeout:
		return l.fail("send", "to rank %d tag %d timed out after %v; ranks may have diverged in collective call order",
			dest, tag, l.world.timeout)
	}
}

// Receive returns the next message from src with the given tag. Messages
// from src with other tags are kept for later Receive calls.
func (l *Local) Receive(ctx context.Context, src, tag int) ([]byte, error) {
	if src < 0 || src >= l.world.size {
		return nil, diag.Errorf(diag.CommunicationFailure, l.rank, "receive",
			"source %d out of range [0,%d)", src, l.world.size)
	}
	if data, ok := l.unstash(src, tag); ok {
		return data, nil
	}
	ch := l.world.links[src][l.rank]
	timeout, stop := l.timer()
	defer stop()
	for {
		// queued messages win over an abort that happened after they were sent
		var msg message
		select {
		case msg = <-ch:
		default:
			select {
			case msg = <-ch:
			case <-l.world.aborted:
				return nil, l.abortError("receive")
			case <-ctx.Done():
				return nil, l.fail("receive", "from rank %d tag %d: %v", src, tag, ctx.Err())
			case <-timeout:
				return nil, l.fail("receive",
					"from rank %d tag %d timed out after %v; ranks may have diverged in collective call order",
					src, tag, l.world.timeout)
			}
		}
		if msg.tag == tag {
			return msg.data, nil
		}
		l.stash[src] = append(l.stash[src], msg)
	}
}

func (l *Local) unstash(src, tag int) ([]byte, bool) {
	for i, msg := range l.stash[src] {
		if msg.tag == tag {
			l.stash[src] = append(l.stash[src][:i], l.stash[src][i+1:]...)
			return msg.data, true
		}
	}
	return nil, false
}
