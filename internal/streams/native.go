package streams

import (
	"context"
	"errors"
	"io"

	"github.com/cryguy/streamhost/internal/channel"
	"github.com/cryguy/streamhost/internal/core"
	"github.com/cryguy/streamhost/internal/eventloop"
	"go.uber.org/zap"
)

// FromChannel exposes a native channel to scripts as a byte stream. The
// stream owns r: cancelling the stream cancels the channel and releases r.
// Each pull reads one chunk; reads that would block run on their own
// goroutine and deliver through the bridge, so chunks arrive in channel
// order.
func FromChannel(b *eventloop.Bridge, r *channel.Reader, bo ByteOptions, opts ...Option) *Stream {
	ctx, cancel := context.WithCancel(context.Background())
	src := &channelSource{b: b, r: r, ctx: ctx, stop: cancel}
	opts = append([]Option{WithName(r.Channel().Name())}, opts...)
	return NewByteStream(b, src, bo, opts...)
}

type channelSource struct {
	b    *eventloop.Bridge
	r    *channel.Reader
	ctx  context.Context
	stop context.CancelFunc
}

func (s *channelSource) Start(*Controller) error { return nil }

func (s *channelSource) Pull(c *Controller) *eventloop.Promise[struct{}] {
	chunk, err := s.r.TryRead()
	for err == nil && len(chunk) == 0 {
		chunk, err = s.r.TryRead()
	}
	if !errors.Is(err, core.ErrEmpty) {
		s.deliver(c, chunk, err)
		return nil
	}
	p, resolve, _ := eventloop.NewPromise[struct{}](s.b, c.key)
	goErr := s.b.Go(c.key, func() func() {
		chunk, err := s.r.Read(s.ctx)
		for err == nil && len(chunk) == 0 {
			chunk, err = s.r.Read(s.ctx)
		}
		return func() {
			s.deliver(c, chunk, err)
			resolve(struct{}{})
		}
	})
	if goErr != nil {
		return eventloop.Rejected[struct{}](s.b, c.key, goErr)
	}
	return p
}

func (s *channelSource) deliver(c *Controller, chunk []byte, err error) {
	switch {
	case err == nil:
		if qerr := c.Enqueue(chunk); qerr != nil {
			core.Logger().Debug("dropping chunk for finished stream",
				zap.String("stream", c.key), zap.Error(qerr))
		}
	case errors.Is(err, core.ErrClosed):
		_ = c.Close()
	case errors.Is(err, core.ErrReaderReleased), errors.Is(err, context.Canceled):
		// Stream was cancelled; nothing left to deliver.
	default:
		c.Error(err)
	}
}

func (s *channelSource) Cancel(reason any) *eventloop.Promise[struct{}] {
	s.stop()
	s.r.Cancel(reason)
	s.r.Release()
	return nil
}

// ReaderOptions configures FromReader.
type ReaderOptions struct {
	// ChunkSize is the buffer size used when no BYOB view is pending.
	ChunkSize int
	ByteOptions
}

// FromReader exposes an io.Reader as a byte stream. When a BYOB read is
// pending the io.Reader fills the caller's buffer directly; otherwise it
// fills a fresh ChunkSize buffer. If src is an io.Closer it is closed when
// the stream ends or is cancelled.
func FromReader(b *eventloop.Bridge, src io.Reader, ro ReaderOptions, opts ...Option) *Stream {
	if ro.ChunkSize <= 0 {
		ro.ChunkSize = 32 * 1024
	}
	return NewByteStream(b, &readerSource{b: b, src: src, chunkSize: ro.ChunkSize}, ro.ByteOptions, opts...)
}

type readerSource struct {
	b         *eventloop.Bridge
	src       io.Reader
	chunkSize int
}

func (s *readerSource) Start(*Controller) error { return nil }

func (s *readerSource) Pull(c *Controller) *eventloop.Promise[struct{}] {
	p, resolve, _ := eventloop.NewPromise[struct{}](s.b, c.key)

	var native func() func()
	if req := c.BYOBRequest(); req != nil {
		lease, err := req.Lend()
		if err != nil {
			return eventloop.Rejected[struct{}](s.b, c.key, err)
		}
		native = func() func() {
			n, err := s.src.Read(lease.View())
			return func() {
				_ = lease.Respond(n)
				s.finish(c, err)
				resolve(struct{}{})
			}
		}
	} else {
		buf := make([]byte, s.chunkSize)
		native = func() func() {
			n, err := s.src.Read(buf)
			return func() {
				if n > 0 {
					_ = c.Enqueue(buf[:n:n])
				} else if err == nil {
					c.retryPull()
				}
				s.finish(c, err)
				resolve(struct{}{})
			}
		}
	}
	if err := s.b.Go(c.key, native); err != nil {
		return eventloop.Rejected[struct{}](s.b, c.key, err)
	}
	return p
}

func (s *readerSource) finish(c *Controller, err error) {
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		_ = c.Close()
		s.closeSource()
	default:
		c.Error(err)
		s.closeSource()
	}
}

func (s *readerSource) Cancel(any) *eventloop.Promise[struct{}] {
	s.closeSource()
	return nil
}

func (s *readerSource) closeSource() {
	if cl, ok := s.src.(io.Closer); ok {
		_ = cl.Close()
	}
}
