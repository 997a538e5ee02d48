package channel

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cryguy/streamhost/internal/core"
	"github.com/cryguy/streamhost/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newTestChannel(t *testing.T, hwm int) (*Channel, *Reader) {
	t.Helper()
	c := New(Options{Name: t.Name(), HighWaterMark: hwm})
	r, err := c.AcquireReader()
	require.NoError(t, err)
	return c, r
}

func TestChannel_WriteCloseReadTwice(t *testing.T) {
	c, r := newTestChannel(t, 16)

	require.NoError(t, c.Write([]byte{1, 2, 3}))
	require.NoError(t, c.Write([]byte{4, 5, 6}))
	c.Close()

	got, err := r.TryRead()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)

	got, err = r.TryRead()
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 5, 6}, got)

	_, err = r.TryRead()
	assert.ErrorIs(t, err, core.ErrClosed)
	assert.Equal(t, core.StatusClosed, core.StatusOf(err))

	// The blocking path must not block either.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = r.Read(ctx)
	assert.ErrorIs(t, err, core.ErrClosed)
}

func TestChannel_SingleReader(t *testing.T) {
	c := New(Options{HighWaterMark: 1})
	first, err := c.AcquireReader()
	require.NoError(t, err)

	_, err = c.AcquireReader()
	assert.ErrorIs(t, err, core.ErrReceiverTaken)
	assert.Equal(t, core.StatusReceiverTaken, core.StatusOf(err))
	assert.True(t, c.Locked())

	first.Release()
	first.Release()
	assert.False(t, c.Locked())

	second, err := c.AcquireReader()
	require.NoError(t, err)
	assert.NotEqual(t, first.ID(), second.ID())

	// The released handle stays dead.
	_, err = first.TryRead()
	assert.ErrorIs(t, err, core.ErrReaderReleased)
}

func TestChannel_BackpressureSuspendsWrite(t *testing.T) {
	c, r := newTestChannel(t, 2)
	ctx := context.Background()

	require.NoError(t, c.WriteAsync(ctx, []byte("a")))
	require.NoError(t, c.WriteAsync(ctx, []byte("b")))
	assert.Equal(t, 0, c.DesiredSize())
	assert.ErrorIs(t, c.Write([]byte("x")), core.ErrChannelFull)

	done := make(chan error, 1)
	go func() { done <- c.WriteAsync(ctx, []byte("c")) }()

	select {
	case err := <-done:
		t.Fatalf("third write completed before any read: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	got, err := r.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), got)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("pending write did not complete after drain")
	}

	for _, want := range []string{"b", "c"} {
		got, err := r.TryRead()
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
}

func TestChannel_ErrorPreemptsQueue(t *testing.T) {
	c, r := newTestChannel(t, 4)
	require.NoError(t, c.Write([]byte("queued")))

	boom := errors.New("boom")
	c.Error(boom)

	_, err := r.Read(context.Background())
	var se *core.StreamError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, boom)

	// Every later operation reproduces the same value.
	_, err2 := r.TryRead()
	assert.Same(t, se, err2)
	assert.Same(t, se, c.Write([]byte("late")))
	assert.Same(t, se, c.WaitClosed(context.Background()))

	c.Error("other")
	c.Close()
	_, err3 := r.TryRead()
	assert.Same(t, se, err3)
	assert.Equal(t, StateErrored, c.State())
}

func TestChannel_ErrorWakesPendingOperations(t *testing.T) {
	c, r := newTestChannel(t, 1)
	ctx := context.Background()
	require.NoError(t, c.Write([]byte("full")))

	writeErr := make(chan error, 1)
	go func() { writeErr <- c.WriteAsync(ctx, []byte("blocked")) }()
	time.Sleep(20 * time.Millisecond)

	c.Error("bad")
	err := <-writeErr
	assert.Equal(t, core.StatusErrored, core.StatusOf(err))

	_, err = r.Read(ctx)
	assert.Equal(t, core.StatusErrored, core.StatusOf(err))
}

func TestChannel_IdempotentClose(t *testing.T) {
	c, r := newTestChannel(t, 4)
	require.NoError(t, c.Write([]byte("x")))
	require.NoError(t, c.Write([]byte("y")))

	c.Close()
	c.Close()
	assert.Equal(t, StateClosed, c.State())
	assert.ErrorIs(t, c.Write([]byte("z")), core.ErrClosed)

	waited := make(chan error, 1)
	go func() { waited <- c.WaitClosed(context.Background()) }()

	for i := 0; i < 2; i++ {
		select {
		case <-waited:
			t.Fatalf("WaitClosed resolved with %d chunks still buffered", 2-i)
		case <-time.After(20 * time.Millisecond):
		}
		_, err := r.TryRead()
		require.NoError(t, err)
	}

	select {
	case err := <-waited:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitClosed did not resolve after drain")
	}
}

func TestChannel_ReadBeforeWrite(t *testing.T) {
	c, r := newTestChannel(t, 4)

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = c.Write([]byte("first"))
		_ = c.Write([]byte("second"))
		_ = c.Write([]byte("third"))
		c.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var got []string
	for {
		chunk, err := r.Read(ctx)
		if errors.Is(err, core.ErrClosed) {
			break
		}
		require.NoError(t, err)
		got = append(got, string(chunk))
	}
	assert.Equal(t, []string{"first", "second", "third"}, got)
}

func TestChannel_WritersAdmittedInRegistrationOrder(t *testing.T) {
	c, r := newTestChannel(t, 1)
	require.NoError(t, c.Write([]byte("0")))

	var waits []func(context.Context) error
	for i := 1; i < 10; i++ {
		waits = append(waits, c.BeginWrite([]byte(strconv.Itoa(i))))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Waiting goroutines start in reverse; admission follows BeginWrite.
	var wg sync.WaitGroup
	errs := make(chan error, len(waits))
	for i := len(waits) - 1; i >= 0; i-- {
		wg.Add(1)
		go func(wait func(context.Context) error) {
			defer wg.Done()
			errs <- wait(ctx)
		}(waits[i])
	}

	var got strings.Builder
	for range 10 {
		chunk, err := r.Read(ctx)
		require.NoError(t, err)
		got.Write(chunk)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, "0123456789", got.String())
}

func TestChannel_ReadsSatisfiedInRegistrationOrder(t *testing.T) {
	c, r := newTestChannel(t, 4)
	waits := []func(context.Context) ([]byte, error){r.BeginRead(), r.BeginRead(), r.BeginRead()}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got := make([]string, len(waits))
	var wg sync.WaitGroup
	for i := len(waits) - 1; i >= 0; i-- {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			chunk, err := waits[i](ctx)
			assert.NoError(t, err)
			got[i] = string(chunk)
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	for _, s := range []string{"a", "b", "c"} {
		require.NoError(t, c.Write([]byte(s)))
	}
	wg.Wait()
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestChannel_ReleaseResolvesPendingRead(t *testing.T) {
	c, r := newTestChannel(t, 1)

	res := make(chan error, 1)
	go func() {
		_, err := r.Read(context.Background())
		res <- err
	}()
	time.Sleep(20 * time.Millisecond)
	r.Release()

	select {
	case err := <-res:
		assert.ErrorIs(t, err, core.ErrReaderReleased)
	case <-time.After(time.Second):
		t.Fatal("pending read left dangling after release")
	}
	assert.False(t, c.Locked())
}

func TestChannel_ReadContextCancel(t *testing.T) {
	c, r := newTestChannel(t, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.Read(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The abandoned waiter must not swallow the next chunk.
	require.NoError(t, c.Write([]byte("kept")))
	got, err := r.TryRead()
	require.NoError(t, err)
	assert.Equal(t, "kept", string(got))
}

func TestChannel_CancelDiscardsAndNotifies(t *testing.T) {
	var reasons []any
	c := New(Options{HighWaterMark: 4, OnCancel: func(reason any) { reasons = append(reasons, reason) }})
	r, err := c.AcquireReader()
	require.NoError(t, err)
	require.NoError(t, c.Write([]byte("dropped")))

	r.Cancel("no longer needed")
	c.Cancel("again")

	assert.Equal(t, []any{"no longer needed"}, reasons)
	_, err = r.TryRead()
	assert.ErrorIs(t, err, core.ErrClosed)
	assert.NoError(t, c.WaitClosed(context.Background()))
}

func TestChannel_ZeroHighWaterMarkRendezvous(t *testing.T) {
	c, r := newTestChannel(t, 0)
	assert.ErrorIs(t, c.Write([]byte("x")), core.ErrChannelFull)

	done := make(chan error, 1)
	go func() { done <- c.WriteAsync(context.Background(), []byte("handoff")) }()
	time.Sleep(20 * time.Millisecond)

	got, err := r.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "handoff", string(got))
	require.NoError(t, <-done)
}

func TestChannel_WriteAsyncContextCancel(t *testing.T) {
	c, r := newTestChannel(t, 1)
	require.NoError(t, c.Write([]byte("a")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.WriteAsync(ctx, []byte("b")), context.DeadlineExceeded)

	got, err := r.TryRead()
	require.NoError(t, err)
	assert.Equal(t, "a", string(got))
	_, err = r.TryRead()
	assert.ErrorIs(t, err, core.ErrEmpty)
}

func TestChannel_ConcurrentProducersKeepCount(t *testing.T) {
	c, r := newTestChannel(t, 3)
	ctx := context.Background()

	const producers, perProducer = 8, 50
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if err := c.WriteAsync(ctx, []byte{byte(i)}); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		c.Close()
	}()

	n := 0
	for {
		_, err := r.Read(ctx)
		if errors.Is(err, core.ErrClosed) {
			break
		}
		require.NoError(t, err)
		n++
	}
	assert.Equal(t, producers*perProducer, n)
}

func TestChannel_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewCollector("test", reg, nil)
	c := New(Options{Name: "body", HighWaterMark: 1, Metrics: m})

	require.NoError(t, c.Write([]byte("abc")))
	assert.ErrorIs(t, c.Write([]byte("d")), core.ErrChannelFull)

	const want = `
# HELP test_channel_writes_total Chunk writes by outcome (ok, full, closed, errored)
# TYPE test_channel_writes_total counter
test_channel_writes_total{channel="body",outcome="full"} 1
test_channel_writes_total{channel="body",outcome="ok"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(want), "test_channel_writes_total"))
}

func TestChannel_OverflowBoundedByOneChunk(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		hwm := rapid.IntRange(1, 64).Draw(t, "hwm")
		c := New(Options{HighWaterMark: hwm, Size: ByteLength})
		r, err := c.AcquireReader()
		if err != nil {
			t.Fatal(err)
		}
		queued := 0
		var last int
		steps := rapid.IntRange(1, 100).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			if rapid.Bool().Draw(t, "write") {
				n := rapid.IntRange(1, 32).Draw(t, "size")
				err := c.Write(make([]byte, n))
				switch {
				case err == nil:
					queued += n
					last = n
				case errors.Is(err, core.ErrChannelFull):
					if queued < hwm {
						t.Fatalf("rejected write with %d/%d queued", queued, hwm)
					}
				default:
					t.Fatal(err)
				}
				if queued > hwm-1+last {
					t.Fatalf("queued %d exceeds hwm %d by more than one chunk of %d", queued, hwm, last)
				}
			} else {
				chunk, err := r.TryRead()
				if err == nil {
					queued -= len(chunk)
				} else if !errors.Is(err, core.ErrEmpty) {
					t.Fatal(err)
				}
			}
			if got := hwm - c.DesiredSize(); got != queued {
				t.Fatalf("desired size implies %d queued, tracked %d", got, queued)
			}
		}
	})
}
