package channel

import (
	"context"

	"github.com/cryguy/streamhost/internal/core"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Reader is the exclusive read capability on a Channel. At most one live
// Reader exists per channel.
type Reader struct {
	id       string
	c        *Channel
	released bool // guarded by c.mu
}

// AcquireReader locks the channel for reading. It fails with
// core.ErrReceiverTaken, without side effects, while another reader is live.
func (c *Channel) AcquireReader() (*Reader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reader != nil {
		return nil, core.ErrReceiverTaken
	}
	r := &Reader{id: uuid.NewString(), c: c}
	c.reader = r
	core.Logger().Debug("reader acquired", zap.String("channel", c.name), zap.String("reader", r.id))
	return r, nil
}

// ID identifies the reader in logs and across the script boundary.
func (r *Reader) ID() string { return r.id }

// Channel returns the channel this reader is bound to.
func (r *Reader) Channel() *Channel { return r.c }

// TryRead returns the next chunk without blocking. It reports core.ErrEmpty
// when the channel is open with nothing queued.
func (r *Reader) TryRead() ([]byte, error) {
	c := r.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if r.released {
		return nil, core.ErrReaderReleased
	}
	data, err := c.takeLocked()
	c.metrics.Read(c.name, outcome(err))
	return data, err
}

// Read returns the next chunk, suspending while the channel is open and
// empty. It ends with core.ErrClosed after a drained close, the stored
// *core.StreamError after Error, core.ErrReaderReleased if the reader is
// released meanwhile, or ctx.Err().
func (r *Reader) Read(ctx context.Context) ([]byte, error) {
	return r.BeginRead()(ctx)
}

// BeginRead claims the next chunk in read order without blocking and
// returns a function that waits for it. Pending reads are satisfied in the
// order BeginRead was called.
func (r *Reader) BeginRead() func(ctx context.Context) ([]byte, error) {
	c := r.c
	c.mu.Lock()
	if r.released {
		c.mu.Unlock()
		return func(context.Context) ([]byte, error) { return nil, core.ErrReaderReleased }
	}
	data, err := c.takeLocked()
	if err != core.ErrEmpty {
		c.mu.Unlock()
		c.metrics.Read(c.name, outcome(err))
		return func(context.Context) ([]byte, error) { return data, err }
	}
	w := &readWaiter{ch: make(chan readResult, 1)}
	c.readers = append(c.readers, w)
	c.mu.Unlock()

	return func(ctx context.Context) ([]byte, error) {
		var res readResult
		select {
		case res = <-w.ch:
		case <-ctx.Done():
			c.mu.Lock()
			if c.removeReaderLocked(w) {
				c.mu.Unlock()
				return nil, ctx.Err()
			}
			c.mu.Unlock()
			// Fulfilled concurrently; the chunk is ours and must not be lost.
			res = <-w.ch
		}
		c.metrics.Read(c.name, outcome(res.err))
		return res.data, res.err
	}
}

// Release unlocks the channel. Reads still pending resolve with
// core.ErrReaderReleased. Calling Release again is a no-op.
func (r *Reader) Release() {
	c := r.c
	c.mu.Lock()
	if r.released {
		c.mu.Unlock()
		return
	}
	r.released = true
	if c.reader == r {
		c.reader = nil
	}
	c.wakeReadersLocked(readResult{err: core.ErrReaderReleased})
	c.mu.Unlock()
	core.Logger().Debug("reader released", zap.String("channel", c.name), zap.String("reader", r.id))
}

// Released reports whether Release was called.
func (r *Reader) Released() bool {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	return r.released
}

// Cancel cancels the underlying channel on behalf of the consumer.
func (r *Reader) Cancel(reason any) {
	r.c.Cancel(reason)
}

// Finalize releases the reader when its handle is dropped.
func (r *Reader) Finalize() { r.Release() }
