package streams

import (
	"fmt"
	"sync/atomic"

	"github.com/cryguy/streamhost/internal/core"
	"github.com/cryguy/streamhost/internal/eventloop"
	"github.com/cryguy/streamhost/internal/metrics"
)

type options struct {
	name         string
	hwm          int
	size         func(any) int
	autoAllocate int
	metrics      *metrics.Collector
}

// Option configures a Stream.
type Option func(*options)

// WithName labels the stream in logs and bridge keys.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithMetrics records stream lifecycle on m.
func WithMetrics(m *metrics.Collector) Option {
	return func(o *options) { o.metrics = m }
}

var streamSeq atomic.Uint64

func buildOptions(base options, opts []Option) options {
	for _, opt := range opts {
		opt(&base)
	}
	if base.name == "" {
		base.name = fmt.Sprintf("stream-%d", streamSeq.Add(1))
	}
	return base
}

// Mode selects the reader type for GetReader.
type Mode int

const (
	ModeDefault Mode = iota
	ModeBYOB
)

// Stream is a readable stream: a controller plus the lock that admits one
// reader at a time.
type Stream struct {
	c *Controller
}

// New creates a default stream over src.
func New(b *eventloop.Bridge, src Source, strategy Strategy, opts ...Option) *Stream {
	o := buildOptions(options{hwm: strategy.HighWaterMark, size: strategy.Size}, opts)
	s := &Stream{c: newController(KindDefault, b, src, o)}
	s.c.start()
	return s
}

// NewByteStream creates a byte stream over src.
func NewByteStream(b *eventloop.Bridge, src Source, bo ByteOptions, opts ...Option) *Stream {
	o := buildOptions(options{hwm: bo.HighWaterMark, autoAllocate: bo.AutoAllocateChunkSize}, opts)
	s := &Stream{c: newController(KindByte, b, src, o)}
	s.c.start()
	return s
}

// Name returns the stream's label.
func (s *Stream) Name() string { return s.c.key }

// Kind reports the controller variant.
func (s *Stream) Kind() Kind { return s.c.kind }

// Controller returns the stream's controller.
func (s *Stream) Controller() *Controller { return s.c }

// State returns the lifecycle state.
func (s *Stream) State() State { return s.c.State() }

// Locked reports whether a reader holds the stream.
func (s *Stream) Locked() bool {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	return s.c.reader != nil
}

// Closed resolves when the stream closes and rejects when it errors.
func (s *Stream) Closed() *eventloop.Promise[struct{}] { return s.c.closed }

// Cancel abandons an unlocked stream. Use the reader's Cancel while locked.
func (s *Stream) Cancel(reason any) *eventloop.Promise[struct{}] {
	if s.Locked() {
		return eventloop.Rejected[struct{}](s.c.bridge, s.c.key, ErrLocked)
	}
	return s.c.cancel(reason)
}

// GetReader locks the stream to a new reader of the given mode. When
// several callers race, exactly one wins; the rest get core.ErrAlreadyLocked.
func (s *Stream) GetReader(mode Mode) (Reader, error) {
	if mode == ModeBYOB {
		return s.GetBYOBReader()
	}
	return s.GetDefaultReader()
}

// GetDefaultReader locks the stream to a default reader.
func (s *Stream) GetDefaultReader() (*DefaultReader, error) {
	r := &DefaultReader{}
	if err := s.lock(&r.readerBase, defaultReaderKind); err != nil {
		return nil, err
	}
	return r, nil
}

// GetBYOBReader locks a byte stream to a BYOB reader.
func (s *Stream) GetBYOBReader() (*BYOBReader, error) {
	if s.c.kind != KindByte {
		return nil, ErrNotByteStream
	}
	r := &BYOBReader{}
	if err := s.lock(&r.readerBase, byobReaderKind); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Stream) lock(r *readerBase, kind readerKind) error {
	c := s.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reader != nil {
		return core.ErrAlreadyLocked
	}
	r.c = c
	r.closed, r.resolveClosed, r.rejectClosed = eventloop.NewPromise[struct{}](c.bridge, c.key)
	c.attachLocked(r, kind)
	c.callPullIfNeededLocked()
	return nil
}
