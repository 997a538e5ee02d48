// Package streams implements script-facing readable streams: a pull-driven
// controller (default or byte), the stream's lock, and its readers.
//
// Every method must be called on the goroutine that drains the stream's
// eventloop.Bridge. Native producers running elsewhere hand results back
// through bridge continuations; see FromChannel and FromReader.
package streams

import (
	"errors"

	"github.com/cryguy/streamhost/internal/core"
	"github.com/cryguy/streamhost/internal/eventloop"
)

var (
	// ErrInvalidState is returned by Enqueue and Close once the controller
	// has been closed or errored.
	ErrInvalidState = errors.New("controller is not readable")
	// ErrPartialElement rejects a BYOB read whose filled byte count is not a
	// whole number of elements when the stream closes.
	ErrPartialElement = errors.New("stream closed with a partial element in the pending view")
	// ErrInvalidView rejects BYOB reads with an empty or misaligned view.
	ErrInvalidView = errors.New("invalid view for BYOB read")
	// ErrNotByteStream is returned when a BYOB reader is requested on a
	// default stream.
	ErrNotByteStream = errors.New("BYOB readers require a byte stream")
	// ErrLocked is returned by Stream.Cancel on a locked stream.
	ErrLocked = errors.New("stream is locked to a reader")
	// ErrInvalidResponse rejects BYOBRequest.Respond calls that do not fit
	// the pending view.
	ErrInvalidResponse = errors.New("invalid BYOB response")
	// ErrChunkType is returned when a byte controller receives a chunk that
	// is not a []byte.
	ErrChunkType = errors.New("byte streams only accept []byte chunks")
)

// Kind distinguishes the two controller variants.
type Kind int

const (
	KindDefault Kind = iota
	KindByte
)

func (k Kind) String() string {
	if k == KindByte {
		return "byte"
	}
	return "default"
}

// State is the stream lifecycle. Closed and Errored are terminal.
type State int

const (
	StateReadable State = iota
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateReadable:
		return "readable"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	}
	return "unknown"
}

// ReadResult is what a default reader's read resolves with. Byte streams
// deliver []byte values.
type ReadResult struct {
	Value any
	Done  bool
}

// BYOBResult is what a BYOB read resolves with. View aliases the caller's
// buffer and covers exactly the filled bytes.
type BYOBResult struct {
	View []byte
	Done bool
}

// Source is the producer behind a stream.
//
// Start runs once at construction and may enqueue synchronously. Pull is
// called when the stream wants more data; it is never called again until the
// returned promise settles, and a nil promise means it finished synchronously.
// Cancel receives the consumer's reason.
type Source interface {
	Start(c *Controller) error
	Pull(c *Controller) *eventloop.Promise[struct{}]
	Cancel(reason any) *eventloop.Promise[struct{}]
}

// SourceFuncs adapts plain functions to Source. Nil fields are no-ops.
type SourceFuncs struct {
	StartFunc  func(c *Controller) error
	PullFunc   func(c *Controller) *eventloop.Promise[struct{}]
	CancelFunc func(reason any) *eventloop.Promise[struct{}]
}

func (s SourceFuncs) Start(c *Controller) error {
	if s.StartFunc == nil {
		return nil
	}
	return s.StartFunc(c)
}

func (s SourceFuncs) Pull(c *Controller) *eventloop.Promise[struct{}] {
	if s.PullFunc == nil {
		return nil
	}
	return s.PullFunc(c)
}

func (s SourceFuncs) Cancel(reason any) *eventloop.Promise[struct{}] {
	if s.CancelFunc == nil {
		return nil
	}
	return s.CancelFunc(reason)
}

// Strategy sizes a default stream's queue. A zero HighWaterMark pulls only
// when a read is waiting.
type Strategy struct {
	HighWaterMark int
	// Size measures a chunk. Nil counts each chunk as one.
	Size func(chunk any) int
}

// CountStrategy holds up to n chunks.
func CountStrategy(n int) Strategy { return Strategy{HighWaterMark: n} }

// ByteOptions configures a byte stream.
type ByteOptions struct {
	// HighWaterMark is measured in bytes.
	HighWaterMark int
	// AutoAllocateChunkSize, when positive, lets default readers on the
	// stream expose a BYOB request backed by a buffer of this size.
	AutoAllocateChunkSize int
}

// ByteOptionsFrom derives byte stream defaults from the engine config.
func ByteOptionsFrom(cfg core.StreamConfig) ByteOptions {
	return ByteOptions{
		HighWaterMark:         cfg.ByteHighWaterMark,
		AutoAllocateChunkSize: cfg.AutoAllocateChunkSize,
	}
}
