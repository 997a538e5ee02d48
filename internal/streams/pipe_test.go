package streams

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cryguy/streamhost/internal/channel"
	"github.com/cryguy/streamhost/internal/core"
	"github.com/cryguy/streamhost/internal/eventloop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// consume reads ch on its own goroutine until it ends.
func consume(t *testing.T, ch *channel.Channel) (wait func() ([]byte, error)) {
	t.Helper()
	rd, err := ch.AcquireReader()
	require.NoError(t, err)
	var (
		wg  sync.WaitGroup
		out []byte
		end error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for {
			chunk, err := rd.Read(ctx)
			if err != nil {
				end = err
				return
			}
			out = append(out, chunk...)
		}
	}()
	return func() ([]byte, error) {
		wg.Wait()
		return out, end
	}
}

func TestPipeToChannel(t *testing.T) {
	b := eventloop.New()
	var ctrl *Controller
	s := New(b, capture(&ctrl), CountStrategy(8))
	for _, c := range []any{"he", []byte("ll"), "o ", []byte("world")} {
		require.NoError(t, ctrl.Enqueue(c))
	}
	require.NoError(t, ctrl.Close())

	dst := channel.New(channel.Options{Name: "sink", HighWaterMark: 1})
	wait := consume(t, dst)

	p := s.PipeToChannel(dst, PipeOptions{})
	drainUntil(t, b, p.Settled)
	_, err := settled(t, p)
	require.NoError(t, err)

	got, end := wait()
	assert.ErrorIs(t, end, core.ErrClosed)
	assert.Equal(t, "hello world", string(got))
	assert.False(t, s.Locked(), "the pipe releases its reader")
}

func TestPipePreventClose(t *testing.T) {
	b := eventloop.New()
	var ctrl *Controller
	s := New(b, capture(&ctrl), CountStrategy(2))
	require.NoError(t, ctrl.Enqueue("x"))
	require.NoError(t, ctrl.Close())

	dst := channel.New(channel.Options{Name: "sink", HighWaterMark: 4})
	p := s.PipeToChannel(dst, PipeOptions{PreventClose: true})
	drainUntil(t, b, p.Settled)
	_, err := settled(t, p)
	require.NoError(t, err)
	assert.Equal(t, channel.StateOpen, dst.State())
	assert.Equal(t, 1, dst.Len())
}

func TestPipeSourceErrorAbortsChannel(t *testing.T) {
	b := eventloop.New()
	var ctrl *Controller
	s := New(b, capture(&ctrl), CountStrategy(1))
	dst := channel.New(channel.Options{Name: "sink", HighWaterMark: 4})

	p := s.PipeToChannel(dst, PipeOptions{})
	drain(t, b)
	boom := errors.New("boom")
	ctrl.Error(boom)
	drainUntil(t, b, p.Settled)

	_, err := settled(t, p)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, channel.StateErrored, dst.State())
}

func TestPipeClosedDestinationCancelsSource(t *testing.T) {
	b := eventloop.New()
	var got any
	var ctrl *Controller
	src := capture(&ctrl)
	src.CancelFunc = func(reason any) *eventloop.Promise[struct{}] {
		got = reason
		return nil
	}
	s := New(b, src, CountStrategy(2))
	require.NoError(t, ctrl.Enqueue("data"))

	dst := channel.New(channel.Options{Name: "sink", HighWaterMark: 4})
	dst.Close()
	p := s.PipeToChannel(dst, PipeOptions{})
	drainUntil(t, b, p.Settled)

	_, err := settled(t, p)
	assert.ErrorIs(t, err, core.ErrClosed)
	assert.ErrorIs(t, got.(error), core.ErrClosed)
	assert.Equal(t, StateClosed, s.State())
}

func TestPipeRejectsNonByteChunks(t *testing.T) {
	b := eventloop.New()
	var ctrl *Controller
	s := New(b, capture(&ctrl), CountStrategy(1))
	require.NoError(t, ctrl.Enqueue(42))
	dst := channel.New(channel.Options{Name: "sink", HighWaterMark: 4})

	p := s.PipeToChannel(dst, PipeOptions{PreventCancel: true})
	drainUntil(t, b, p.Settled)
	_, err := settled(t, p)
	assert.ErrorIs(t, err, ErrChunkType)
	assert.Equal(t, StateReadable, s.State())
}

func TestPipeAbortSignal(t *testing.T) {
	b := eventloop.New()
	var got any
	s := New(b, SourceFuncs{CancelFunc: func(reason any) *eventloop.Promise[struct{}] {
		got = reason
		return nil
	}}, CountStrategy(0))
	dst := channel.New(channel.Options{Name: "sink", HighWaterMark: 4})

	ac := NewAbortController()
	p := s.PipeToChannel(dst, PipeOptions{Signal: ac.Signal()})
	drain(t, b)
	assert.False(t, p.Settled())

	ac.Abort("user stop")
	drainUntil(t, b, p.Settled)
	_, err := settled(t, p)
	var ae *AbortError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "user stop", ae.Reason)
	assert.ErrorIs(t, err, ErrAborted)
	assert.Equal(t, "user stop", got)
	assert.Equal(t, channel.StateErrored, dst.State())
}

func TestPipeAlreadyAborted(t *testing.T) {
	b := eventloop.New()
	s := New(b, nil, CountStrategy(1))
	dst := channel.New(channel.Options{Name: "sink", HighWaterMark: 4})
	ac := NewAbortController()
	ac.Abort(nil)

	p := s.PipeToChannel(dst, PipeOptions{Signal: ac.Signal(), PreventAbort: true})
	drainUntil(t, b, p.Settled)
	_, err := settled(t, p)
	assert.ErrorIs(t, err, ErrAborted)
	assert.Equal(t, channel.StateOpen, dst.State())
}

func TestPipeLockedStream(t *testing.T) {
	b := eventloop.New()
	s := New(b, nil, CountStrategy(1))
	_, err := s.GetDefaultReader()
	require.NoError(t, err)
	p := s.PipeToChannel(channel.New(channel.Options{Name: "sink"}), PipeOptions{})
	drain(t, b)
	_, err = settled(t, p)
	assert.ErrorIs(t, err, core.ErrAlreadyLocked)
}

// renderedChunk renders itself through BytesChunk.
type renderedChunk struct {
	text string
	err  error
}

func (c renderedChunk) Bytes() ([]byte, error) { return []byte(c.text), c.err }

func TestPipeRendersBytesChunk(t *testing.T) {
	b := eventloop.New()
	var ctrl *Controller
	s := New(b, capture(&ctrl), CountStrategy(4))
	require.NoError(t, ctrl.Enqueue(renderedChunk{text: "rendered "}))
	require.NoError(t, ctrl.Enqueue("plain"))
	require.NoError(t, ctrl.Close())

	dst := channel.New(channel.Options{Name: "sink", HighWaterMark: 4})
	wait := consume(t, dst)

	p := s.PipeToChannel(dst, PipeOptions{})
	drainUntil(t, b, p.Settled)
	_, err := settled(t, p)
	require.NoError(t, err)

	got, _ := wait()
	assert.Equal(t, "rendered plain", string(got))
}

func TestPipeBytesChunkFailureCancelsSource(t *testing.T) {
	b := eventloop.New()
	var ctrl *Controller
	var cancelled any
	s := New(b, SourceFuncs{
		StartFunc: func(c *Controller) error { ctrl = c; return nil },
		CancelFunc: func(reason any) *eventloop.Promise[struct{}] {
			cancelled = reason
			return nil
		},
	}, CountStrategy(4))
	boom := errors.New("cannot render")
	require.NoError(t, ctrl.Enqueue(renderedChunk{err: boom}))

	dst := channel.New(channel.Options{Name: "sink", HighWaterMark: 4})
	p := s.PipeToChannel(dst, PipeOptions{})
	drainUntil(t, b, p.Settled)
	_, err := settled(t, p)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, boom, cancelled)
}
