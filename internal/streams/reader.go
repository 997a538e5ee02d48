package streams

import (
	"github.com/cryguy/streamhost/internal/core"
	"github.com/cryguy/streamhost/internal/eventloop"
)

// Reader is the part shared by default and BYOB readers.
type Reader interface {
	Closed() *eventloop.Promise[struct{}]
	Cancel(reason any) *eventloop.Promise[struct{}]
	ReleaseLock()
}

type readerBase struct {
	c             *Controller
	closed        *eventloop.Promise[struct{}]
	resolveClosed func(struct{})
	rejectClosed  func(error)
	released      bool // guarded by c.mu
}

// Closed resolves when the stream closes. It rejects when the stream errors
// or the reader is released first.
func (r *readerBase) Closed() *eventloop.Promise[struct{}] { return r.closed }

// Cancel cancels the locked stream.
func (r *readerBase) Cancel(reason any) *eventloop.Promise[struct{}] {
	r.c.mu.Lock()
	released := r.released
	r.c.mu.Unlock()
	if released {
		return eventloop.Rejected[struct{}](r.c.bridge, r.c.key, core.ErrReaderReleased)
	}
	return r.c.cancel(reason)
}

// ReleaseLock unlocks the stream. Reads still outstanding reject with
// core.ErrReaderReleased. Calling it again is a no-op.
func (r *readerBase) ReleaseLock() {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	if r.released {
		return
	}
	r.released = true
	r.c.releaseLocked(r)
}

// Finalize releases the lock when the reader's handle is dropped.
func (r *readerBase) Finalize() { r.ReleaseLock() }

// DefaultReader reads whole chunks.
type DefaultReader struct {
	readerBase
}

// Read resolves with the next chunk, or Done once the stream has closed.
func (r *DefaultReader) Read() *eventloop.Promise[ReadResult] {
	p, resolve, reject := eventloop.NewPromise[ReadResult](r.c.bridge, r.c.key)
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	if r.released {
		reject(core.ErrReaderReleased)
		return p
	}
	r.c.readLocked(readRequest{resolve: resolve, reject: reject})
	return p
}

// BYOBReader reads into caller-supplied buffers.
type BYOBReader struct {
	readerBase
}

// Read fills view and resolves with the filled prefix of it. The result
// never exceeds len(view) and holds at least opts.Min elements unless the
// stream closed first.
func (r *BYOBReader) Read(view []byte, opts ReadIntoOptions) *eventloop.Promise[BYOBResult] {
	p, resolve, reject := eventloop.NewPromise[BYOBResult](r.c.bridge, r.c.key)
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	if r.released {
		reject(core.ErrReaderReleased)
		return p
	}
	r.c.readIntoLocked(view, opts, resolve, reject)
	return p
}
