// Package channel implements the native side of a stream: a bounded,
// thread-safe chunk queue shared between producer goroutines and the single
// reader that feeds a script stream.
//
// A Channel is sized by a high water mark measured in strategy units (one
// per chunk by default, or bytes with ByteLength). A write is accepted while
// the queued size is below the mark, so one chunk may overflow it; further
// writes either fail with core.ErrChannelFull (Write) or suspend until a
// read frees space (WriteAsync).
//
// Close is idempotent and lets buffered chunks drain. Error discards them
// and every pending or future read and write observes the same
// *core.StreamError.
package channel

import (
	"context"
	"sync"

	"github.com/cryguy/streamhost/internal/core"
	"github.com/cryguy/streamhost/internal/metrics"
	"go.uber.org/zap"
)

// State is the terminal-state machine of a channel.
type State int

const (
	StateOpen State = iota
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// CountSize sizes every chunk as one unit.
func CountSize([]byte) int { return 1 }

// ByteLength sizes a chunk by its length.
func ByteLength(b []byte) int { return len(b) }

// Options configures a Channel.
type Options struct {
	// Name labels log lines and metrics. Keep it low-cardinality.
	Name string
	// HighWaterMark is the capacity in Size units.
	HighWaterMark int
	// Size measures a chunk. Defaults to CountSize.
	Size func([]byte) int
	// OnCancel is called once when the consumer cancels the channel.
	OnCancel func(reason any)
	Metrics  *metrics.Collector
}

type entry struct {
	data []byte
	size int
}

type readResult struct {
	data []byte
	err  error
}

type readWaiter struct {
	ch chan readResult
}

type writeWaiter struct {
	e  entry
	ch chan error
}

// Channel is a bounded chunk queue with backpressure and terminal states.
type Channel struct {
	name     string
	hwm      int
	size     func([]byte) int
	onCancel func(reason any)
	metrics  *metrics.Collector

	mu       sync.Mutex
	queue    []entry
	queued   int
	state    State
	err      *core.StreamError
	readers  []*readWaiter
	writers  []*writeWaiter
	reader   *Reader
	drained  chan struct{}
	finished bool
}

// New creates an open channel.
func New(opts Options) *Channel {
	if opts.Size == nil {
		opts.Size = CountSize
	}
	if opts.Name == "" {
		opts.Name = "unnamed"
	}
	if opts.HighWaterMark < 0 {
		opts.HighWaterMark = 0
	}
	return &Channel{
		name:     opts.Name,
		hwm:      opts.HighWaterMark,
		size:     opts.Size,
		onCancel: opts.OnCancel,
		metrics:  opts.Metrics,
		drained:  make(chan struct{}),
	}
}

// Name returns the channel's label.
func (c *Channel) Name() string { return c.name }

// HighWaterMark returns the configured capacity.
func (c *Channel) HighWaterMark() int { return c.hwm }

// State returns the current state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// DesiredSize is the high water mark minus the queued size. It is zero once
// the channel is closed or errored.
func (c *Channel) DesiredSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen {
		return 0
	}
	return c.hwm - c.queued
}

// Len returns the number of queued chunks.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Locked reports whether a reader currently holds the channel.
func (c *Channel) Locked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reader != nil
}

// Write enqueues chunk without blocking. Ownership of chunk passes to the
// channel; the caller must not modify it afterwards.
func (c *Channel) Write(chunk []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.writableLocked(); err != nil {
		c.metrics.Write(c.name, outcome(err), 0)
		return err
	}
	if c.acceptLocked(entry{data: chunk, size: c.size(chunk)}) {
		c.metrics.Write(c.name, "ok", len(chunk))
		return nil
	}
	c.metrics.Write(c.name, "full", 0)
	return core.ErrChannelFull
}

// WriteAsync enqueues chunk, suspending while the channel is full. It returns
// when the chunk is accepted, the channel reaches a terminal state, or ctx is
// done. A chunk is never dropped silently: on a non-nil error it was not
// enqueued.
func (c *Channel) WriteAsync(ctx context.Context, chunk []byte) error {
	return c.BeginWrite(chunk)(ctx)
}

// BeginWrite takes chunk's place in the write order without blocking and
// returns a function that waits for the outcome. Writers are admitted in
// the order BeginWrite was called, whichever goroutine later waits.
func (c *Channel) BeginWrite(chunk []byte) func(ctx context.Context) error {
	c.mu.Lock()
	if err := c.writableLocked(); err != nil {
		c.mu.Unlock()
		c.metrics.Write(c.name, outcome(err), 0)
		return func(context.Context) error { return err }
	}
	e := entry{data: chunk, size: c.size(chunk)}
	if c.acceptLocked(e) {
		c.mu.Unlock()
		c.metrics.Write(c.name, "ok", len(chunk))
		return func(context.Context) error { return nil }
	}
	w := &writeWaiter{e: e, ch: make(chan error, 1)}
	c.writers = append(c.writers, w)
	c.mu.Unlock()
	c.metrics.BackpressureWait(c.name)

	return func(ctx context.Context) error {
		select {
		case err := <-w.ch:
			c.metrics.Write(c.name, outcome(err), len(chunk))
			return err
		case <-ctx.Done():
			c.mu.Lock()
			if c.removeWriterLocked(w) {
				c.mu.Unlock()
				return ctx.Err()
			}
			c.mu.Unlock()
			// Admitted or failed concurrently with cancellation.
			err := <-w.ch
			c.metrics.Write(c.name, outcome(err), len(chunk))
			return err
		}
	}
}

// Close marks the channel closed. Buffered chunks remain readable; pending
// writers fail with core.ErrClosed. Calling Close again is a no-op.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.failWritersLocked(core.ErrClosed)
	if len(c.queue) == 0 {
		c.wakeReadersLocked(readResult{err: core.ErrClosed})
		c.finishLocked()
	}
	c.mu.Unlock()
	core.Logger().Debug("channel closed", zap.String("channel", c.name))
}

// Error moves an open channel to the errored state, discarding queued
// chunks. Every pending and future operation reports the same error value.
func (c *Channel) Error(v any) {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	c.state = StateErrored
	c.err = core.NewStreamError(v)
	c.queue = nil
	c.queued = 0
	c.failWritersLocked(c.err)
	c.wakeReadersLocked(readResult{err: c.err})
	c.finishLocked()
	err := c.err
	c.mu.Unlock()
	c.metrics.QueueSize(c.name, 0)
	core.Logger().Debug("channel errored", zap.String("channel", c.name), zap.Error(err))
}

// Cancel abandons the channel from the consumer side: queued chunks are
// discarded, the channel closes, and OnCancel receives reason.
func (c *Channel) Cancel(reason any) {
	c.mu.Lock()
	if c.state == StateErrored || c.finished {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.queue = nil
	c.queued = 0
	c.failWritersLocked(core.ErrClosed)
	c.wakeReadersLocked(readResult{err: core.ErrClosed})
	c.finishLocked()
	hook := c.onCancel
	c.onCancel = nil
	c.mu.Unlock()
	c.metrics.QueueSize(c.name, 0)

	core.Logger().Debug("channel cancelled", zap.String("channel", c.name), zap.Any("reason", reason))
	if hook != nil {
		hook(reason)
	}
}

// WaitClosed blocks until the channel is closed and fully drained, or
// errored. It returns nil for a clean close and the stored error otherwise.
func (c *Channel) WaitClosed(ctx context.Context) error {
	select {
	case <-c.drained:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateErrored {
		return c.err
	}
	return nil
}

// Done is closed once the channel is drained after close, or errored.
func (c *Channel) Done() <-chan struct{} { return c.drained }

func (c *Channel) writableLocked() error {
	switch c.state {
	case StateErrored:
		return c.err
	case StateClosed:
		return core.ErrClosed
	}
	return nil
}

// acceptLocked hands e to a waiting read or queues it if there is room.
func (c *Channel) acceptLocked(e entry) bool {
	if len(c.writers) > 0 {
		return false
	}
	if len(c.readers) > 0 {
		r := c.readers[0]
		c.readers = c.readers[1:]
		r.ch <- readResult{data: e.data}
		return true
	}
	if c.queued < c.hwm {
		c.queue = append(c.queue, e)
		c.queued += e.size
		c.metrics.QueueSize(c.name, c.queued)
		return true
	}
	return false
}

// takeLocked removes the next chunk, admitting blocked writers as space frees.
func (c *Channel) takeLocked() ([]byte, error) {
	if len(c.queue) > 0 {
		e := c.queue[0]
		c.queue[0] = entry{}
		c.queue = c.queue[1:]
		c.queued -= e.size
		c.admitWritersLocked()
		c.metrics.QueueSize(c.name, c.queued)
		if c.state == StateClosed && len(c.queue) == 0 {
			c.finishLocked()
		}
		return e.data, nil
	}
	// A zero high water mark parks writers until a reader shows up.
	if len(c.writers) > 0 {
		w := c.writers[0]
		c.writers = c.writers[1:]
		w.ch <- nil
		return w.e.data, nil
	}
	switch c.state {
	case StateErrored:
		return nil, c.err
	case StateClosed:
		c.finishLocked()
		return nil, core.ErrClosed
	}
	return nil, core.ErrEmpty
}

func (c *Channel) admitWritersLocked() {
	for len(c.writers) > 0 && c.queued < c.hwm {
		w := c.writers[0]
		c.writers = c.writers[1:]
		c.queue = append(c.queue, w.e)
		c.queued += w.e.size
		w.ch <- nil
	}
}

func (c *Channel) removeWriterLocked(w *writeWaiter) bool {
	for i, x := range c.writers {
		if x == w {
			c.writers = append(c.writers[:i], c.writers[i+1:]...)
			return true
		}
	}
	return false
}

func (c *Channel) removeReaderLocked(w *readWaiter) bool {
	for i, x := range c.readers {
		if x == w {
			c.readers = append(c.readers[:i], c.readers[i+1:]...)
			return true
		}
	}
	return false
}

func (c *Channel) failWritersLocked(err error) {
	for _, w := range c.writers {
		w.ch <- err
	}
	c.writers = nil
}

func (c *Channel) wakeReadersLocked(res readResult) {
	for _, r := range c.readers {
		r.ch <- res
	}
	c.readers = nil
}

func (c *Channel) finishLocked() {
	if c.finished {
		return
	}
	c.finished = true
	close(c.drained)
}

func outcome(err error) string {
	switch core.StatusOf(err) {
	case core.StatusOK:
		return "ok"
	case core.StatusClosed:
		return "closed"
	case core.StatusErrored:
		return "errored"
	case core.StatusChannelFull:
		return "full"
	case core.StatusReaderReleased:
		return "released"
	case core.StatusEmpty:
		return "empty"
	default:
		return "failed"
	}
}
