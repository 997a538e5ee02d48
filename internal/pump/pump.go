// Package pump moves bytes between Go I/O (HTTP bodies, files, websockets)
// and native stream channels. Producers use WriteAsync so a slow script
// consumer pushes back on the source instead of growing a buffer.
package pump

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/cryguy/streamhost/internal/channel"
	"github.com/cryguy/streamhost/internal/core"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// DefaultChunkSize is the read size used when ReaderOptions.ChunkSize is 0.
const DefaultChunkSize = 32 * 1024

// ReaderOptions configures FromReader.
type ReaderOptions struct {
	ChunkSize int
	// BytesPerSecond throttles the pump. Zero means unlimited.
	BytesPerSecond int
}

// FromReader copies r into ch chunk by chunk until EOF, then closes ch. A
// read failure errors ch. If the consumer cancels ch the pump stops and
// returns nil.
func FromReader(ctx context.Context, r io.Reader, ch *channel.Channel, opts ReaderOptions) error {
	size := opts.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}
	var limiter *rate.Limiter
	if opts.BytesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.BytesPerSecond), max(size, opts.BytesPerSecond))
	}
	log := core.Logger().With(zap.String("channel", ch.Name()))

	for {
		buf := make([]byte, size)
		n, err := r.Read(buf)
		if n > 0 {
			if limiter != nil {
				if werr := limiter.WaitN(ctx, n); werr != nil {
					ch.Error(werr)
					return werr
				}
			}
			if werr := ch.WriteAsync(ctx, buf[:n:n]); werr != nil {
				return stopped(ctx, ch, werr)
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			ch.Close()
			return nil
		default:
			log.Debug("source read failed", zap.Error(err))
			ch.Error(err)
			return err
		}
	}
}

// stopped maps a failed WriteAsync to the pump's result.
func stopped(ctx context.Context, ch *channel.Channel, err error) error {
	switch {
	case errors.Is(err, core.ErrClosed):
		// Consumer cancelled.
		return nil
	case ctx.Err() != nil:
		ch.Error(ctx.Err())
		return ctx.Err()
	}
	return err
}

// Writer is an io.WriteCloser that feeds a channel. Each Write hands the
// channel its own copy of p and waits while the channel is full.
type Writer struct {
	ctx context.Context
	ch  *channel.Channel
}

// NewWriter returns a Writer for ch. ctx bounds every blocking write.
func NewWriter(ctx context.Context, ch *channel.Channel) *Writer {
	return &Writer{ctx: ctx, ch: ch}
}

func (w *Writer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := w.ch.WriteAsync(w.ctx, bytes.Clone(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close closes the channel. Chunks already written stay readable.
func (w *Writer) Close() error {
	w.ch.Close()
	return nil
}

// CloseWithError errors the channel with err.
func (w *Writer) CloseWithError(err error) {
	w.ch.Error(err)
}

// ToWriter drains rd into w until the channel closes, flushing after every
// chunk when w is an http.Flusher. The reader is released on return. A clean
// close returns the byte count and nil.
func ToWriter(ctx context.Context, rd *channel.Reader, w io.Writer) (int64, error) {
	defer rd.Release()
	flusher, _ := w.(http.Flusher)
	var total int64
	for {
		chunk, err := rd.Read(ctx)
		if errors.Is(err, core.ErrClosed) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
		n, err := w.Write(chunk)
		total += int64(n)
		if err != nil {
			rd.Cancel(err)
			return total, err
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// Group runs pumps together. The first failure cancels the shared context.
type Group struct {
	g *errgroup.Group
}

// NewGroup returns a Group and the context its pumps should use.
func NewGroup(ctx context.Context) (*Group, context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	return &Group{g: g}, gctx
}

// Go starts fn. name labels failures in the log.
func (g *Group) Go(name string, fn func() error) {
	g.g.Go(func() error {
		err := fn()
		if err != nil {
			core.Logger().Debug("pump failed", zap.String("pump", name), zap.Error(err))
		}
		return err
	})
}

// Wait blocks until every pump returns and reports the first error.
func (g *Group) Wait() error { return g.g.Wait() }
