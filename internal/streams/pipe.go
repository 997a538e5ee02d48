package streams

import (
	"context"
	"errors"

	"github.com/cryguy/streamhost/internal/channel"
	"github.com/cryguy/streamhost/internal/core"
	"github.com/cryguy/streamhost/internal/eventloop"
	"go.uber.org/zap"
)

// PipeOptions tunes PipeToChannel.
type PipeOptions struct {
	// Signal aborts the pipe.
	Signal *Signal
	// PreventClose leaves dst open when s closes.
	PreventClose bool
	// PreventAbort leaves dst untouched when s errors or the pipe aborts.
	PreventAbort bool
	// PreventCancel leaves s running when dst fails or the pipe aborts.
	PreventCancel bool
	// Context bounds writes that wait for space in dst.
	Context context.Context
}

type pipe struct {
	s      *Stream
	r      *DefaultReader
	dst    *channel.Channel
	opts   PipeOptions
	ctx    context.Context
	stop   context.CancelFunc
	done   bool
	remove func()

	resolve func(struct{})
	reject  func(error)
}

// BytesChunk is a chunk that renders itself as bytes when written to a
// native channel. Script-held values use it.
type BytesChunk interface {
	Bytes() ([]byte, error)
}

// PipeToChannel locks s and writes every chunk it produces into dst,
// respecting dst's backpressure. Chunks must be []byte, string or
// BytesChunk. The returned promise settles when s is exhausted or either
// side fails.
func (s *Stream) PipeToChannel(dst *channel.Channel, opts PipeOptions) *eventloop.Promise[struct{}] {
	out, resolve, reject := eventloop.NewPromise[struct{}](s.c.bridge, s.c.key)
	r, err := s.GetDefaultReader()
	if err != nil {
		reject(err)
		return out
	}
	parent := opts.Context
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := context.WithCancel(parent)
	p := &pipe{s: s, r: r, dst: dst, opts: opts, ctx: ctx, stop: stop, resolve: resolve, reject: reject}

	if sig := opts.Signal; sig != nil {
		if sig.Aborted() {
			p.abort(sig.Reason())
			return out
		}
		p.remove = sig.OnAbort(func(reason any) {
			// Abort may fire from any goroutine; run it with the rest of the pipe.
			_ = s.c.bridge.Post(s.c.key, func() { p.abort(reason) })
		})
	}
	p.next()
	return out
}

func (p *pipe) next() {
	if p.done {
		return
	}
	p.r.Read().Then(p.onRead, p.onSourceError)
}

func (p *pipe) onRead(res ReadResult) {
	if p.done {
		return
	}
	if res.Done {
		if !p.opts.PreventClose {
			p.dst.Close()
		}
		p.finish(nil)
		return
	}
	chunk, err := chunkBytes(res.Value)
	if err != nil {
		p.onDestError(err)
		return
	}
	switch err := p.dst.Write(chunk); {
	case err == nil:
		p.next()
	case errors.Is(err, core.ErrChannelFull):
		key := p.s.c.key
		goErr := p.s.c.bridge.Go(key, func() func() {
			err := p.dst.WriteAsync(p.ctx, chunk)
			return func() {
				if err != nil {
					p.onDestError(err)
					return
				}
				p.next()
			}
		})
		if goErr != nil {
			p.onDestError(goErr)
		}
	default:
		p.onDestError(err)
	}
}

func (p *pipe) onSourceError(err error) {
	if p.done {
		return
	}
	if !p.opts.PreventAbort {
		p.dst.Error(err)
	}
	p.finish(err)
}

func (p *pipe) onDestError(err error) {
	if p.done {
		return
	}
	if !p.opts.PreventCancel {
		p.r.Cancel(err)
	}
	p.finish(err)
}

func (p *pipe) abort(reason any) {
	if p.done {
		return
	}
	err := reasonError(reason)
	p.stop()
	if !p.opts.PreventAbort {
		p.dst.Error(err)
	}
	if !p.opts.PreventCancel {
		p.r.Cancel(reason)
	}
	p.finish(err)
}

func (p *pipe) finish(err error) {
	p.done = true
	p.stop()
	if p.remove != nil {
		p.remove()
	}
	p.r.ReleaseLock()
	if err != nil {
		core.Logger().Debug("pipe failed", zap.String("stream", p.s.c.key),
			zap.String("channel", p.dst.Name()), zap.Error(err))
		p.reject(err)
		return
	}
	p.resolve(struct{}{})
}

func chunkBytes(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	case BytesChunk:
		return b.Bytes()
	}
	return nil, ErrChunkType
}
