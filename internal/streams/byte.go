package streams

import (
	"github.com/cryguy/streamhost/internal/core"
)

// pullIntoDescriptor is a caller buffer waiting to be filled. It is settled
// exactly once: committed with what it holds, or failed.
type pullIntoDescriptor struct {
	buffer      []byte
	filled      int
	minFill     int
	elementSize int

	// auto descriptors back a default read with an allocated buffer.
	auto bool
	// lent descriptors are being written by a native goroutine; terminal
	// outcomes wait until the lease comes back.
	lent      bool
	detached  bool // reader released while lent
	discarded bool // stream cancelled while lent

	resolve func(view []byte, done bool)
	reject  func(error)
}

func newAutoAllocated(size int, req readRequest) *pullIntoDescriptor {
	return &pullIntoDescriptor{
		buffer:      make([]byte, size),
		minFill:     1,
		elementSize: 1,
		auto:        true,
		resolve: func(view []byte, done bool) {
			if len(view) == 0 {
				req.resolve(ReadResult{Done: done})
				return
			}
			// Bytes filled before close are delivered; the next read reports done.
			req.resolve(ReadResult{Value: view})
		},
		reject: req.reject,
	}
}

func (d *pullIntoDescriptor) commit(done bool) {
	d.resolve(d.buffer[:d.filled:d.filled], done)
}

// commitClosed settles d after the stream closed: whatever was filled, with
// done set, unless it ends inside an element.
func (d *pullIntoDescriptor) commitClosed() {
	if d.filled%d.elementSize != 0 {
		d.reject(ErrPartialElement)
		return
	}
	d.commit(true)
}

func (d *pullIntoDescriptor) fail(err error) { d.reject(err) }

// ReadIntoOptions tunes a BYOB read. The zero value reads at least one
// byte-sized element.
type ReadIntoOptions struct {
	// Min is the minimum number of elements to fill before resolving.
	Min int
	// ElementSize is the byte width of one element of the caller's view.
	ElementSize int
}

// BYOBRequest exposes the oldest pending view to the producer so it can
// write into the reader's buffer directly.
type BYOBRequest struct {
	c *Controller
	d *pullIntoDescriptor
}

// BYOBRequest returns the request for the oldest pending view, or nil when
// none is waiting.
func (c *Controller) BYOBRequest() *BYOBRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.kind != KindByte || c.state != StateReadable {
		return nil
	}
	if c.byobRequest == nil && len(c.pullIntos) > 0 && !c.pullIntos[0].lent {
		c.byobRequest = &BYOBRequest{c: c, d: c.pullIntos[0]}
	}
	return c.byobRequest
}

// View returns the unfilled part of the pending view. It is nil once the
// request has been answered.
func (r *BYOBRequest) View() []byte {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	if r.c.byobRequest != r {
		return nil
	}
	return r.d.buffer[r.d.filled:]
}

// Respond reports that n bytes were written into View.
func (r *BYOBRequest) Respond(n int) error {
	c := r.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.byobRequest != r {
		return ErrInvalidResponse
	}
	if n <= 0 || r.d.filled+n > len(r.d.buffer) {
		return ErrInvalidResponse
	}
	c.byobRequest = nil
	r.d.filled += n
	c.afterFillLocked(r.d)
	return nil
}

// Lend hands the pending view to native code running off the script
// goroutine. Until the lease is returned the controller never touches the
// buffer and holds back any terminal outcome for it.
func (r *BYOBRequest) Lend() (*Lease, error) {
	c := r.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.byobRequest != r {
		return nil, ErrInvalidResponse
	}
	c.byobRequest = nil
	r.d.lent = true
	return &Lease{c: c, d: r.d}, nil
}

// Lease is exclusive write access to a reader's buffer.
type Lease struct {
	c        *Controller
	d        *pullIntoDescriptor
	returned bool
}

// View is the writable part of the leased buffer. It may be used from any
// goroutine until the lease is returned.
func (l *Lease) View() []byte { return l.d.buffer[l.d.filled:] }

// Respond returns the lease after n bytes were written into View. Zero is
// allowed and leaves the view pending if the stream is still readable.
func (l *Lease) Respond(n int) error {
	c := l.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if l.returned {
		return ErrInvalidResponse
	}
	if n < 0 || l.d.filled+n > len(l.d.buffer) {
		return ErrInvalidResponse
	}
	l.returned = true
	l.d.lent = false
	l.d.filled += n
	c.returnLeaseLocked(l.d)
	return nil
}

// Abandon returns the lease without data.
func (l *Lease) Abandon() { _ = l.Respond(0) }

func (c *Controller) returnLeaseLocked(d *pullIntoDescriptor) {
	switch {
	case d.detached:
		c.removePullIntoLocked(d)
		if d.filled > 0 && c.state == StateReadable {
			c.unshiftBytesLocked(cloneBytes(d.buffer[:d.filled]))
		}
		d.reject(core.ErrReaderReleased)
		c.processPullIntosLocked()
		c.callPullIfNeededLocked()
	case c.state == StateErrored:
		c.removePullIntoLocked(d)
		d.fail(c.storedErr)
	case c.state == StateClosed:
		c.removePullIntoLocked(d)
		if d.discarded {
			d.filled = 0
		}
		d.commitClosed()
	default:
		c.afterFillLocked(d)
	}
}

// afterFillLocked commits the head descriptor once it reaches its minimum
// fill, carrying any trailing partial element over to the queue.
func (c *Controller) afterFillLocked(d *pullIntoDescriptor) {
	if d.filled < d.minFill {
		c.callPullIfNeededLocked()
		return
	}
	c.removePullIntoLocked(d)
	if rem := d.filled % d.elementSize; rem > 0 {
		c.appendBytesLocked(cloneBytes(d.buffer[d.filled-rem : d.filled]))
		d.filled -= rem
	}
	d.commit(false)
	c.processPullIntosLocked()
	c.callPullIfNeededLocked()
}

func (c *Controller) enqueueBytesLocked(b []byte) {
	if len(c.pullIntos) > 0 && !c.pullIntos[0].lent {
		c.byobRequest = nil
		if head := c.pullIntos[0]; head.auto {
			c.pullIntos = c.pullIntos[1:]
			head.resolve(b, false)
			return
		}
	}
	if len(c.readRequests) > 0 {
		req := c.readRequests[0]
		c.readRequests = c.readRequests[1:]
		req.resolve(ReadResult{Value: b})
		return
	}
	c.appendBytesLocked(b)
	c.processPullIntosLocked()
}

// readIntoLocked serves a BYOB read.
func (c *Controller) readIntoLocked(view []byte, opts ReadIntoOptions, resolve func(BYOBResult), reject func(error)) {
	elem := opts.ElementSize
	if elem <= 0 {
		elem = 1
	}
	if len(view) == 0 || len(view)%elem != 0 {
		reject(ErrInvalidView)
		return
	}
	minElems := opts.Min
	if minElems <= 0 {
		minElems = 1
	}
	minFill := minElems * elem
	if minFill > len(view) {
		reject(ErrInvalidView)
		return
	}
	if c.state == StateErrored {
		reject(c.storedErr)
		return
	}

	d := &pullIntoDescriptor{
		buffer:      view,
		minFill:     minFill,
		elementSize: elem,
		resolve: func(v []byte, done bool) {
			resolve(BYOBResult{View: v, Done: done})
		},
		reject: reject,
	}
	if len(c.pullIntos) > 0 {
		c.pullIntos = append(c.pullIntos, d)
		return
	}
	if c.state == StateClosed {
		d.commit(true)
		return
	}
	if c.queueTotal > 0 {
		if c.fillFromQueueLocked(d) {
			d.commit(false)
			c.afterDequeueLocked()
			return
		}
		if c.closeRequested {
			c.errorLocked(ErrPartialElement)
			d.fail(c.storedErr)
			return
		}
	}
	c.pullIntos = append(c.pullIntos, d)
	c.callPullIfNeededLocked()
}

// fillFromQueueLocked copies queued bytes into d and reports whether d
// reached its minimum fill. Only whole elements are copied once the minimum
// is reachable.
func (c *Controller) fillFromQueueLocked(d *pullIntoDescriptor) bool {
	maxCopy := min(c.queueTotal, len(d.buffer)-d.filled)
	maxFilled := d.filled + maxCopy
	toCopy := maxCopy
	ready := false
	if aligned := maxFilled - maxFilled%d.elementSize; aligned >= d.minFill {
		toCopy = aligned - d.filled
		ready = true
	}
	for toCopy > 0 && len(c.queue) > 0 {
		head := &c.queue[0]
		n := copy(d.buffer[d.filled:d.filled+toCopy], head.bytes)
		if n == len(head.bytes) {
			c.queue[0] = queueEntry{}
			c.queue = c.queue[1:]
		} else {
			head.bytes = head.bytes[n:]
			head.size -= n
		}
		c.queueTotal -= n
		d.filled += n
		toCopy -= n
	}
	return ready
}

// processPullIntosLocked fills pending BYOB views from the queue in order.
func (c *Controller) processPullIntosLocked() {
	for len(c.pullIntos) > 0 && c.queueTotal > 0 {
		d := c.pullIntos[0]
		if d.lent || d.auto {
			return
		}
		c.byobRequest = nil
		if !c.fillFromQueueLocked(d) {
			return
		}
		c.pullIntos = c.pullIntos[1:]
		d.commit(false)
	}
	if c.closeRequested && len(c.queue) == 0 && c.state == StateReadable {
		c.afterDequeueLocked()
	}
}

// settlePullIntosLocked applies fn to every descriptor not currently lent
// and drops them.
func (c *Controller) settlePullIntosLocked(fn func(*pullIntoDescriptor)) {
	var keep []*pullIntoDescriptor
	for _, d := range c.pullIntos {
		if d.lent {
			keep = append(keep, d)
			continue
		}
		fn(d)
	}
	c.pullIntos = keep
}

// releasePullIntosLocked rejects pending views of a released reader and
// returns the bytes they already hold to the head of the queue.
func (c *Controller) releasePullIntosLocked() {
	var back [][]byte
	c.settlePullIntosLocked(func(d *pullIntoDescriptor) {
		if d.filled > 0 {
			back = append(back, cloneBytes(d.buffer[:d.filled]))
		}
		d.reject(core.ErrReaderReleased)
	})
	for _, d := range c.pullIntos {
		d.detached = true
	}
	c.byobRequest = nil
	for i := len(back) - 1; i >= 0; i-- {
		c.unshiftBytesLocked(back[i])
	}
}

func (c *Controller) checkPartialElementLocked() error {
	if len(c.pullIntos) == 0 {
		return nil
	}
	if d := c.pullIntos[0]; !d.lent && d.filled%d.elementSize != 0 {
		return ErrPartialElement
	}
	return nil
}

func (c *Controller) pendingUnlentLocked() int {
	n := 0
	for _, d := range c.pullIntos {
		if !d.lent && !d.detached {
			n++
		}
	}
	return n
}

func (c *Controller) removePullIntoLocked(d *pullIntoDescriptor) {
	for i, x := range c.pullIntos {
		if x == d {
			c.pullIntos = append(c.pullIntos[:i], c.pullIntos[i+1:]...)
			return
		}
	}
}

func (c *Controller) appendBytesLocked(b []byte) {
	c.queue = append(c.queue, queueEntry{bytes: b, size: len(b)})
	c.queueTotal += len(b)
}

func (c *Controller) unshiftBytesLocked(b []byte) {
	c.queue = append([]queueEntry{{bytes: b, size: len(b)}}, c.queue...)
	c.queueTotal += len(b)
}

func cloneBytes(b []byte) []byte {
	return append([]byte(nil), b...)
}
