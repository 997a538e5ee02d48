package streams

import (
	"sync"

	"github.com/cryguy/streamhost/internal/core"
	"github.com/cryguy/streamhost/internal/eventloop"
	"github.com/cryguy/streamhost/internal/metrics"
	"go.uber.org/zap"
)

type queueEntry struct {
	value any    // default streams
	bytes []byte // byte streams
	size  int
}

type readRequest struct {
	resolve func(ReadResult)
	reject  func(error)
}

type readerKind int

const (
	noReader readerKind = iota
	defaultReaderKind
	byobReaderKind
)

// Controller drives one stream. Default and byte streams share the queue,
// pull and terminal-state logic here; BYOB handling lives in byte.go.
type Controller struct {
	kind         Kind
	key          string
	bridge       *eventloop.Bridge
	source       Source
	size         func(any) int
	hwm          int
	autoAllocate int
	metrics      *metrics.Collector

	mu             sync.Mutex
	state          State
	storedErr      *core.StreamError
	queue          []queueEntry
	queueTotal     int
	started        bool
	pulling        bool
	pullAgain      bool
	closeRequested bool

	readRequests []readRequest
	pullIntos    []*pullIntoDescriptor
	byobRequest  *BYOBRequest

	reader     *readerBase
	readerKind readerKind

	closed        *eventloop.Promise[struct{}]
	resolveClosed func(struct{})
	rejectClosed  func(error)
}

func newController(kind Kind, b *eventloop.Bridge, src Source, o options) *Controller {
	if src == nil {
		src = SourceFuncs{}
	}
	c := &Controller{
		kind:    kind,
		key:     o.name,
		bridge:  b,
		source:  src,
		size:    o.size,
		hwm:     o.hwm,
		metrics: o.metrics,
	}
	if kind == KindByte {
		c.autoAllocate = o.autoAllocate
	}
	if c.hwm < 0 {
		c.hwm = 0
	}
	c.closed, c.resolveClosed, c.rejectClosed = eventloop.NewPromise[struct{}](b, c.key)
	return c
}

// start runs the source's start step and schedules the first pull.
func (c *Controller) start() {
	c.metrics.StreamOpened(c.kind.String())
	if err := c.source.Start(c); err != nil {
		c.Error(err)
		return
	}
	_ = c.bridge.Post(c.key, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.started = true
		c.callPullIfNeededLocked()
	})
}

// Kind reports whether this is a default or byte controller.
func (c *Controller) Kind() Kind { return c.kind }

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// DesiredSize is the high water mark minus the queued size. ok is false
// once the stream has errored; a closed stream reports 0.
func (c *Controller) DesiredSize() (size int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.desiredSizeLocked()
}

func (c *Controller) desiredSizeLocked() (int, bool) {
	switch c.state {
	case StateErrored:
		return 0, false
	case StateClosed:
		return 0, true
	}
	return c.hwm - c.queueTotal, true
}

// Enqueue hands a chunk to the stream. A waiting read is satisfied
// immediately; otherwise the chunk is queued. Byte controllers take
// ownership of the []byte.
func (c *Controller) Enqueue(chunk any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeRequested || c.state != StateReadable {
		return ErrInvalidState
	}
	if c.kind == KindByte {
		b, ok := chunk.([]byte)
		if !ok || len(b) == 0 {
			return ErrChunkType
		}
		c.enqueueBytesLocked(b)
	} else {
		c.enqueueValueLocked(chunk)
	}
	c.callPullIfNeededLocked()
	return nil
}

func (c *Controller) enqueueValueLocked(chunk any) {
	if len(c.readRequests) > 0 {
		req := c.readRequests[0]
		c.readRequests = c.readRequests[1:]
		req.resolve(ReadResult{Value: chunk})
		return
	}
	size := 1
	if c.size != nil {
		size = c.size(chunk)
	}
	c.queue = append(c.queue, queueEntry{value: chunk, size: size})
	c.queueTotal += size
}

// Close requests closure. Queued chunks remain readable; the stream closes
// once they drain.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeRequested || c.state != StateReadable {
		return ErrInvalidState
	}
	c.closeRequested = true
	if len(c.queue) > 0 {
		return nil
	}
	if c.kind == KindByte {
		if err := c.checkPartialElementLocked(); err != nil {
			c.errorLocked(err)
			return err
		}
	}
	c.closeStreamLocked(false)
	return nil
}

// Error moves a readable stream to the errored state. Queued chunks are
// discarded and every pending and future read rejects with the same value.
func (c *Controller) Error(v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorLocked(v)
}

func (c *Controller) errorLocked(v any) {
	if c.state != StateReadable {
		return
	}
	c.state = StateErrored
	c.storedErr = core.NewStreamError(v)
	c.queue = nil
	c.queueTotal = 0
	c.pullAgain = false
	c.byobRequest = nil

	err := c.storedErr
	reqs := c.readRequests
	c.readRequests = nil
	for _, r := range reqs {
		r.reject(err)
	}
	c.settlePullIntosLocked(func(d *pullIntoDescriptor) { d.fail(err) })

	if c.reader != nil {
		c.reader.rejectClosed(err)
	}
	c.rejectClosed(err)
	c.metrics.StreamFinished(c.kind.String())
	core.Logger().Debug("stream errored", zap.String("stream", c.key), zap.Error(err))
}

// closeStreamLocked moves the stream to Closed. With discard set (cancel),
// pending BYOB views resolve empty instead of with what they hold.
func (c *Controller) closeStreamLocked(discard bool) {
	if c.state != StateReadable {
		return
	}
	c.state = StateClosed
	c.byobRequest = nil

	reqs := c.readRequests
	c.readRequests = nil
	for _, r := range reqs {
		r.resolve(ReadResult{Done: true})
	}
	c.settlePullIntosLocked(func(d *pullIntoDescriptor) {
		if discard {
			d.filled = 0
		}
		d.commitClosed()
	})
	if discard {
		for _, d := range c.pullIntos {
			d.discarded = true
		}
	}

	if c.reader != nil {
		c.reader.resolveClosed(struct{}{})
	}
	c.resolveClosed(struct{}{})
	c.metrics.StreamFinished(c.kind.String())
	core.Logger().Debug("stream closed", zap.String("stream", c.key))
}

// cancel discards the queue, closes the stream and forwards reason to the
// source.
func (c *Controller) cancel(reason any) *eventloop.Promise[struct{}] {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return eventloop.Resolved(c.bridge, c.key, struct{}{})
	case StateErrored:
		err := c.storedErr
		c.mu.Unlock()
		return eventloop.Rejected[struct{}](c.bridge, c.key, err)
	}
	c.queue = nil
	c.queueTotal = 0
	c.closeStreamLocked(true)
	c.mu.Unlock()

	out, resolve, reject := eventloop.NewPromise[struct{}](c.bridge, c.key)
	p := c.source.Cancel(reason)
	if p == nil {
		resolve(struct{}{})
		return out
	}
	p.Then(resolve, reject)
	return out
}

// readLocked serves a default read, from the queue when possible.
func (c *Controller) readLocked(req readRequest) {
	switch {
	case len(c.queue) > 0:
		e := c.queue[0]
		c.queue[0] = queueEntry{}
		c.queue = c.queue[1:]
		c.queueTotal -= e.size
		if c.queueTotal < 0 {
			c.queueTotal = 0
		}
		if c.kind == KindByte {
			req.resolve(ReadResult{Value: e.bytes})
		} else {
			req.resolve(ReadResult{Value: e.value})
		}
		c.afterDequeueLocked()
	case c.state == StateClosed:
		req.resolve(ReadResult{Done: true})
	case c.state == StateErrored:
		req.reject(c.storedErr)
	case c.kind == KindByte && c.autoAllocate > 0:
		c.pullIntos = append(c.pullIntos, newAutoAllocated(c.autoAllocate, req))
		c.callPullIfNeededLocked()
	default:
		c.readRequests = append(c.readRequests, req)
		c.callPullIfNeededLocked()
	}
}

// afterDequeueLocked finishes a pending close once the queue drains, or
// asks for more data.
func (c *Controller) afterDequeueLocked() {
	if c.closeRequested && len(c.queue) == 0 {
		if c.kind == KindByte {
			if err := c.checkPartialElementLocked(); err != nil {
				c.errorLocked(err)
				return
			}
		}
		c.closeStreamLocked(false)
		return
	}
	c.callPullIfNeededLocked()
}

func (c *Controller) shouldCallPullLocked() bool {
	if c.state != StateReadable || c.closeRequested || !c.started {
		return false
	}
	switch c.readerKind {
	case defaultReaderKind:
		if len(c.readRequests) > 0 || c.pendingUnlentLocked() > 0 {
			return true
		}
	case byobReaderKind:
		if c.pendingUnlentLocked() > 0 {
			return true
		}
	}
	size, _ := c.desiredSizeLocked()
	return size > 0
}

func (c *Controller) callPullIfNeededLocked() {
	if !c.shouldCallPullLocked() {
		return
	}
	if c.pulling {
		c.pullAgain = true
		return
	}
	c.pulling = true
	if err := c.bridge.Post(c.key, c.runPull); err != nil {
		c.pulling = false
	}
}

func (c *Controller) runPull() {
	c.mu.Lock()
	if c.state != StateReadable {
		c.pulling = false
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	p := c.source.Pull(c)
	if p == nil {
		c.pullSettled(nil)
		return
	}
	p.Then(func(struct{}) { c.pullSettled(nil) }, c.pullSettled)
}

func (c *Controller) pullSettled(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pulling = false
	if err != nil {
		c.errorLocked(err)
		return
	}
	if c.pullAgain {
		c.pullAgain = false
		c.callPullIfNeededLocked()
	}
}

// retryPull asks for another pull once the current one settles, for
// sources whose pull produced nothing but may succeed if called again.
func (c *Controller) retryPull() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pulling {
		c.pullAgain = true
		return
	}
	c.callPullIfNeededLocked()
}

// attachLocked binds a reader to the controller.
func (c *Controller) attachLocked(r *readerBase, kind readerKind) {
	c.reader = r
	c.readerKind = kind
	switch c.state {
	case StateClosed:
		r.resolveClosed(struct{}{})
	case StateErrored:
		r.rejectClosed(c.storedErr)
	}
}

// releaseLocked detaches r. Outstanding reads resolve with
// core.ErrReaderReleased; bytes already placed in pending BYOB views go back
// to the head of the queue.
func (c *Controller) releaseLocked(r *readerBase) {
	if c.reader != r {
		return
	}
	reqs := c.readRequests
	c.readRequests = nil
	for _, req := range reqs {
		req.reject(core.ErrReaderReleased)
	}
	if c.kind == KindByte {
		c.releasePullIntosLocked()
	}
	r.rejectClosed(core.ErrReaderReleased)
	c.reader = nil
	c.readerKind = noReader
}
