// Package eventloop carries native completions back to the script goroutine.
//
// Native work (channel reads, producer pumps) runs on its own goroutines.
// When it finishes it never touches script state directly: it posts a
// continuation to the Bridge, and the goroutine that owns the script engine
// runs queued continuations in post order when it drains the bridge.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cryguy/streamhost/internal/core"
	"github.com/cryguy/streamhost/internal/metrics"
	"go.uber.org/zap"
)

var (
	// ErrBridgeClosed is returned by Post and Go after Close.
	ErrBridgeClosed = errors.New("bridge closed")
	// ErrIdle is returned by Wait when nothing is queued and no tracked
	// native work can post anything.
	ErrIdle = errors.New("bridge idle")
)

type continuation struct {
	key   string
	fn    func()
	epoch uint64
}

// Bridge is a FIFO of continuations fed from any goroutine and drained on the
// script goroutine.
type Bridge struct {
	mu          sync.Mutex
	queue       []continuation
	outstanding int
	closed      bool
	epoch       uint64

	notify  chan struct{}
	running atomic.Bool
	metrics *metrics.Collector
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithMetrics records continuation counts on m.
func WithMetrics(m *metrics.Collector) Option {
	return func(b *Bridge) { b.metrics = m }
}

// New creates an empty bridge.
func New(opts ...Option) *Bridge {
	b := &Bridge{notify: make(chan struct{}, 1)}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Post queues fn to run on the script goroutine. It never runs fn inline,
// even when called from the script goroutine itself. key names the source
// (usually a channel or stream) for logging.
func (b *Bridge) Post(key string, fn func()) error {
	b.mu.Lock()
	epoch := b.epoch
	b.mu.Unlock()
	return b.post(epoch, key, fn)
}

func (b *Bridge) post(epoch uint64, key string, fn func()) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBridgeClosed
	}
	if epoch != b.epoch {
		// Posted by work started before the last Reset.
		b.mu.Unlock()
		core.Logger().Debug("dropping stale continuation", zap.String("key", key))
		return nil
	}
	b.queue = append(b.queue, continuation{key: key, fn: fn, epoch: epoch})
	n := len(b.queue)
	b.mu.Unlock()
	b.metrics.ContinuationsQueued(n)
	b.wake()
	return nil
}

// Go runs native on a new goroutine and posts the continuation it returns.
// The work counts as outstanding until the continuation is queued, so Drain
// waits for it. A nil continuation posts nothing.
func (b *Bridge) Go(key string, native func() func()) error {
	done, epoch, err := b.track()
	if err != nil {
		return err
	}
	go func() {
		defer done()
		if cont := native(); cont != nil {
			if err := b.post(epoch, key, cont); err != nil {
				core.Logger().Debug("continuation dropped", zap.String("key", key), zap.Error(err))
			}
		}
	}()
	return nil
}

// Track marks externally managed native work as outstanding. The returned
// func must be called once the work has posted its continuation; extra calls
// are ignored.
func (b *Bridge) Track() (done func(), err error) {
	done, _, err = b.track()
	return done, err
}

func (b *Bridge) track() (func(), uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, 0, ErrBridgeClosed
	}
	b.outstanding++
	epoch := b.epoch
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if b.epoch == epoch && b.outstanding > 0 {
				b.outstanding--
			}
			b.mu.Unlock()
			b.wake()
		})
	}, epoch, nil
}

func (b *Bridge) wake() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Queued returns the number of continuations waiting to run.
func (b *Bridge) Queued() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// HasPending reports whether continuations are queued or native work that
// may post one is still outstanding.
func (b *Bridge) HasPending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue) > 0 || b.outstanding > 0
}

// RunPending runs queued continuations on the calling goroutine until the
// queue is empty, including any posted while it runs. It must be called on
// the script goroutine. A call made from inside a continuation returns 0
// without running anything.
func (b *Bridge) RunPending() int {
	return b.run(nil)
}

func (b *Bridge) run(checkpoint func()) int {
	if !b.running.CompareAndSwap(false, true) {
		return 0
	}
	defer b.running.Store(false)

	n := 0
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.mu.Unlock()
			break
		}
		c := b.queue[0]
		b.queue[0] = continuation{}
		b.queue = b.queue[1:]
		b.mu.Unlock()

		b.invoke(c)
		n++
		if checkpoint != nil {
			checkpoint()
		}
	}
	b.metrics.ContinuationsRun(n)
	b.metrics.ContinuationsQueued(0)
	return n
}

func (b *Bridge) invoke(c continuation) {
	defer func() {
		if p := recover(); p != nil {
			core.Logger().Error("continuation panicked",
				zap.String("key", c.key), zap.String("panic", fmt.Sprint(p)))
		}
	}()
	c.fn()
}

// Wait blocks until a continuation is queued. It returns ErrIdle when the
// queue is empty and no outstanding work remains, and ctx.Err() when ctx
// ends first.
func (b *Bridge) Wait(ctx context.Context) error {
	for {
		b.mu.Lock()
		queued, outstanding, closed := len(b.queue), b.outstanding, b.closed
		b.mu.Unlock()
		switch {
		case queued > 0:
			return nil
		case closed:
			return ErrBridgeClosed
		case outstanding == 0:
			return ErrIdle
		}
		select {
		case <-b.notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Drain runs continuations until nothing is queued or outstanding.
func (b *Bridge) Drain(ctx context.Context) error {
	for {
		b.RunPending()
		if err := b.Wait(ctx); err != nil {
			if errors.Is(err, ErrIdle) {
				return nil
			}
			return err
		}
	}
}

// DrainRuntime is Drain for a script engine: after each continuation it runs
// a microtask checkpoint on rt, and it gives up when ctx ends. It stops early
// once done reports true, which lets callers wait for one promise instead of
// all background work.
func (b *Bridge) DrainRuntime(ctx context.Context, rt core.JSRuntime, done func() bool) error {
	for {
		rt.RunMicrotasks()
		b.run(rt.RunMicrotasks)
		if done != nil && done() {
			return nil
		}
		if err := b.Wait(ctx); err != nil {
			if errors.Is(err, ErrIdle) {
				rt.RunMicrotasks()
				return nil
			}
			return err
		}
	}
}

// Reset discards queued continuations and forgets outstanding work, so a
// pooled host starts the next execution clean. Work started before Reset
// can no longer post.
func (b *Bridge) Reset() {
	b.mu.Lock()
	b.queue = nil
	b.outstanding = 0
	b.epoch++
	b.mu.Unlock()
	b.metrics.ContinuationsQueued(0)
}

// Close discards queued continuations and rejects further posts.
func (b *Bridge) Close() {
	b.mu.Lock()
	b.closed = true
	b.queue = nil
	b.epoch++
	b.mu.Unlock()
	b.wake()
}
