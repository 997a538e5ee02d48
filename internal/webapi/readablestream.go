package webapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cryguy/streamhost/internal/core"
	"github.com/cryguy/streamhost/internal/eventloop"
	"github.com/cryguy/streamhost/internal/resource"
	"github.com/cryguy/streamhost/internal/streams"
)

const scriptStreamsKey = "scriptStreams"

var (
	errNotStream    = errors.New("not a ReadableStream handle")
	errNotReader    = errors.New("not a reader handle")
	errNoReader     = errors.New("no such env reader")
	errReaderOpened = errors.New("env reader already opened")
	errNoBYOB       = errors.New("no pending BYOB request")
)

// jsValue is a script value parked in the JS value store. Go carries it
// through streams as an opaque chunk, cancel reason or error payload.
type jsValue struct {
	store *valueStore
	id    int64
	size  int
}

// Clone counts one more delivery for tee.
func (v *jsValue) Clone() any {
	v.store.retain(v.id)
	return v
}

// Bytes renders the value as bytes for a native channel. The script value
// must be a string or buffer source.
func (v *jsValue) Bytes() ([]byte, error) {
	b64, err := v.store.rt.EvalString(fmt.Sprintf("__hostPutChunk(%s)", v.store.take(v)))
	if err != nil {
		return nil, err
	}
	return v.store.xfer.pull(b64)
}

// valueStore tracks how many deliveries each parked chunk still owes, so the
// JS side can forget a value after its last read. Pinned values (errors,
// reasons) live until the request ends.
type valueStore struct {
	rt   core.JSRuntime
	xfer *transfer

	mu   sync.Mutex
	refs map[int64]int
}

func (s *valueStore) chunk(id int64, size int) *jsValue {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs[id] = 1
	return &jsValue{store: s, id: id, size: size}
}

func (s *valueStore) pinned(id int64) *jsValue { return &jsValue{store: s, id: id} }

func (s *valueStore) retain(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.refs[id]; ok {
		s.refs[id] = n + 1
	}
}

// take returns the JS expression yielding v, releasing it on the JS side
// when this is its last delivery.
func (s *valueStore) take(v *jsValue) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, counted := s.refs[v.id]
	if counted && n <= 1 {
		delete(s.refs, v.id)
		return fmt.Sprintf("__hostTake(%d)", v.id)
	}
	if counted {
		s.refs[v.id] = n - 1
	}
	return fmt.Sprintf("__hostValue(%d)", v.id)
}

// expr renders a Go-side value as a JS expression.
func (s *valueStore) expr(v any) string {
	switch x := v.(type) {
	case nil:
		return "undefined"
	case *jsValue:
		return s.take(x)
	case []any:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = s.expr(e)
		}
		return "[" + strings.Join(parts, ",") + "]"
	case string:
		return core.JsEscape(x)
	case error:
		return core.JsEscape(errorMessage(x))
	default:
		return core.JsEscape(fmt.Sprint(x))
	}
}

// errExpr renders a rejection. When the script supplied the error value it
// is passed back as {v: value} so the script sees the identical object;
// otherwise the message is sent.
func (s *valueStore) errExpr(err error) string {
	var se *core.StreamError
	if errors.As(err, &se) {
		if v, ok := se.Value.(*jsValue); ok {
			return "{v:" + s.expr(v) + "}"
		}
	}
	return errorPayload(err)
}

// scriptStream is a table entry for a ReadableStream. release frees native
// resources behind streams that wrap a channel or io.Reader.
type scriptStream struct {
	s       *streams.Stream
	src     *jsSource
	release func()
}

func (e *scriptStream) Finalize() {
	if e.release != nil {
		e.release()
	}
}

// scriptStreams is one request's ReadableStream state.
type scriptStreams struct {
	table  *resource.Table[any]
	values *valueStore
	ctx    context.Context
	cancel context.CancelFunc
	opened map[string]bool
}

func (ss *scriptStreams) close() {
	ss.cancel()
	ss.table.Close()
}

// jsSource drives a script-defined underlying source. Start runs in JS right
// after construction; pulls wait for it to settle.
type jsSource struct {
	n   *streamBindings
	ss  *scriptStreams
	h   float64
	key string

	started   *eventloop.Promise[struct{}]
	startOK   func(struct{})
	startFail func(error)

	pullOK, cancelOK     func(struct{})
	pullFail, cancelFail func(error)
}

func (s *jsSource) Start(*streams.Controller) error { return nil }

func (s *jsSource) Pull(*streams.Controller) *eventloop.Promise[struct{}] {
	out, resolve, reject := eventloop.NewPromise[struct{}](s.n.b, s.key)
	s.started.Then(func(struct{}) {
		s.pullOK, s.pullFail = resolve, reject
		if err := s.n.rt.Eval(fmt.Sprintf("__rsPull(%d)", int64(s.h))); err != nil {
			reject(err)
		}
	}, reject)
	return out
}

// Cancel may be reached from inside a host function, so the script's cancel
// callback runs from a continuation rather than a nested Eval.
func (s *jsSource) Cancel(reason any) *eventloop.Promise[struct{}] {
	out, resolve, reject := eventloop.NewPromise[struct{}](s.n.b, s.key)
	s.cancelOK, s.cancelFail = resolve, reject
	expr := s.ss.values.expr(reason)
	if err := s.n.b.Post(s.key, func() {
		if err := s.n.rt.Eval(fmt.Sprintf("__rsCancel(%d,%s)", int64(s.h), expr)); err != nil {
			reject(err)
		}
	}); err != nil {
		reject(err)
	}
	return out
}

type streamBindings struct {
	rt   core.JSRuntime
	b    *eventloop.Bridge
	xfer *transfer
	opts Options
}

func (n *streamBindings) state(req string) (*scriptStreams, error) {
	return requestExt(req, scriptStreamsKey, func() *scriptStreams {
		ctx, cancel := context.WithCancel(context.Background())
		return &scriptStreams{
			table:  resource.NewTable[any](),
			values: &valueStore{rt: n.rt, xfer: n.xfer, refs: make(map[int64]int)},
			ctx:    ctx,
			cancel: cancel,
			opened: make(map[string]bool),
		}
	}, (*scriptStreams).close)
}

func (n *streamBindings) add(ss *scriptStreams, v any) (float64, error) {
	if limit := n.opts.Streams.MaxStreamsPerRequest; limit > 0 && ss.table.Len() >= limit {
		return 0, errTooManyHandles
	}
	h, err := ss.table.Add(v)
	if err != nil {
		return 0, err
	}
	return float64(h), nil
}

func (n *streamBindings) entry(req string, f float64) (*scriptStreams, any, error) {
	ss, err := n.state(req)
	if err != nil {
		return nil, nil, err
	}
	h, err := handleArg(f)
	if err != nil {
		return nil, nil, err
	}
	v, ok := ss.table.Get(h)
	if !ok {
		return ss, nil, fmt.Errorf("%w: %v", errBadHandle, f)
	}
	return ss, v, nil
}

func (n *streamBindings) stream(req string, f float64) (*scriptStreams, *scriptStream, error) {
	ss, v, err := n.entry(req, f)
	if err != nil {
		return nil, nil, err
	}
	st, ok := v.(*scriptStream)
	if !ok {
		return nil, nil, errNotStream
	}
	return ss, st, nil
}

// reader resolves a reader handle. A released handle reports
// core.ErrReaderReleased.
func (n *streamBindings) reader(req string, f float64) (*scriptStreams, streams.Reader, error) {
	ss, v, err := n.entry(req, f)
	if errors.Is(err, errBadHandle) && ss != nil {
		return ss, nil, core.ErrReaderReleased
	}
	if err != nil {
		return nil, nil, err
	}
	r, ok := v.(streams.Reader)
	if !ok {
		return nil, nil, errNotReader
	}
	return ss, r, nil
}

func (n *streamBindings) source(req string, f float64) (*scriptStreams, *scriptStream, *jsSource, error) {
	ss, st, err := n.stream(req, f)
	if err != nil {
		return nil, nil, nil, err
	}
	if st.src == nil {
		return nil, nil, nil, fmt.Errorf("%w: stream has no script source", errNotStream)
	}
	return ss, st, st.src, nil
}

// failure turns the error token a script reported into a rejection.
func (ss *scriptStreams) failure(token float64) error {
	if token <= 0 {
		return core.NewStreamError(nil)
	}
	return core.NewStreamError(ss.values.pinned(int64(token)))
}

func (ss *scriptStreams) reason(token float64) any {
	if token <= 0 {
		return nil
	}
	return ss.values.pinned(int64(token))
}

// settleVoid settles id from a promise with no value.
func (n *streamBindings) settleVoid(ss *scriptStreams, id int, p *eventloop.Promise[struct{}]) {
	p.Then(func(struct{}) {
		n.xfer.settle(id, core.StatusOK, "")
	}, func(err error) {
		n.xfer.settle(id, core.StatusOf(err), ss.values.errExpr(err))
	})
}

func (n *streamBindings) settleRead(ss *scriptStreams, id int, res streams.ReadResult) {
	if res.Done {
		n.xfer.settle(id, core.StatusClosed, "")
		return
	}
	if b, ok := res.Value.([]byte); ok {
		if err := n.xfer.push(b); err != nil {
			n.xfer.settle(id, core.StatusSendError, errorPayload(err))
			return
		}
		n.xfer.settle(id, core.StatusOK, "__hostTakeChunk()")
		return
	}
	n.xfer.settle(id, core.StatusOK, ss.values.expr(res.Value))
}

func (n *streamBindings) newStream(ss *scriptStreams, kind string, hwm, autoAllocate int) (float64, error) {
	cfg := n.opts.Streams
	src := &jsSource{n: n, ss: ss}
	src.started, src.startOK, src.startFail = eventloop.NewPromise[struct{}](n.b, "script-start")

	var s *streams.Stream
	opts := []streams.Option{streams.WithMetrics(n.opts.Metrics)}
	if kind == "bytes" {
		bo := streams.ByteOptionsFrom(cfg)
		if hwm >= 0 {
			bo.HighWaterMark = hwm
		}
		if autoAllocate > 0 {
			bo.AutoAllocateChunkSize = autoAllocate
		}
		s = streams.NewByteStream(n.b, src, bo, opts...)
	} else {
		if hwm < 0 {
			hwm = 1
		}
		strategy := streams.Strategy{HighWaterMark: hwm, Size: func(chunk any) int {
			if v, ok := chunk.(*jsValue); ok {
				return v.size
			}
			return 1
		}}
		s = streams.New(n.b, src, strategy, opts...)
	}
	src.key = s.Name()
	h, err := n.add(ss, &scriptStream{s: s, src: src})
	if err != nil {
		s.Controller().Error(err)
		return 0, err
	}
	src.h = h
	return h, nil
}

func (n *streamBindings) register() error {
	funcs := []struct {
		name string
		fn   any
	}{
		{"__rs_new", func(req, kind string, hwm, autoAllocate int) (float64, error) {
			ss, err := n.state(req)
			if err != nil {
				return 0, err
			}
			return n.newStream(ss, kind, hwm, autoAllocate)
		}},
		{"__rs_start_done", func(req string, h float64, ok bool, token float64) (int, error) {
			ss, st, src, err := n.source(req, h)
			if err != nil {
				return 0, err
			}
			if ok {
				src.startOK(struct{}{})
				return core.StatusOK, nil
			}
			failure := ss.failure(token)
			st.s.Controller().Error(failure)
			src.startFail(failure)
			return core.StatusOK, nil
		}},
		{"__rs_pull_done", func(req string, h float64, ok bool, token float64) (int, error) {
			ss, _, src, err := n.source(req, h)
			if err != nil {
				return 0, err
			}
			if src.pullOK == nil {
				return core.StatusOK, nil
			}
			resolve, reject := src.pullOK, src.pullFail
			src.pullOK, src.pullFail = nil, nil
			if ok {
				resolve(struct{}{})
			} else {
				reject(ss.failure(token))
			}
			return core.StatusOK, nil
		}},
		{"__rs_cancel_done", func(req string, h float64, ok bool, token float64) (int, error) {
			ss, _, src, err := n.source(req, h)
			if err != nil {
				return 0, err
			}
			if src.cancelOK == nil {
				return core.StatusOK, nil
			}
			if ok {
				src.cancelOK(struct{}{})
			} else {
				src.cancelFail(ss.failure(token))
			}
			return core.StatusOK, nil
		}},
		{"__rs_enqueue", func(req string, h, token float64, size int, b64 string) (int, error) {
			ss, st, err := n.stream(req, h)
			if err != nil {
				return 0, err
			}
			var chunk any
			if st.s.Kind() == streams.KindByte {
				data, err := n.xfer.pull(b64)
				if err != nil {
					return 0, err
				}
				chunk = data
			} else {
				chunk = ss.values.chunk(int64(token), max(size, 0))
			}
			return core.StatusOK, st.s.Controller().Enqueue(chunk)
		}},
		{"__rs_close", func(req string, h float64) (int, error) {
			_, st, err := n.stream(req, h)
			if err != nil {
				return 0, err
			}
			return core.StatusOK, st.s.Controller().Close()
		}},
		{"__rs_error", func(req string, h, token float64) (int, error) {
			ss, st, err := n.stream(req, h)
			if err != nil {
				return 0, err
			}
			st.s.Controller().Error(ss.values.pinned(int64(token)))
			return core.StatusOK, nil
		}},
		{"__rs_desired_size", func(req string, h float64) (string, error) {
			_, st, err := n.stream(req, h)
			if err != nil {
				return "", err
			}
			size, ok := st.s.Controller().DesiredSize()
			if !ok {
				return "null", nil
			}
			return fmt.Sprint(size), nil
		}},
		{"__rs_byob_request", func(req string, h float64) (int, error) {
			_, st, err := n.stream(req, h)
			if err != nil {
				return 0, err
			}
			r := st.s.Controller().BYOBRequest()
			if r == nil {
				return -1, nil
			}
			return len(r.View()), nil
		}},
		{"__rs_byob_respond", func(req string, h float64, count int, b64 string) (int, error) {
			_, st, err := n.stream(req, h)
			if err != nil {
				return 0, err
			}
			data, err := n.xfer.pull(b64)
			if err != nil {
				return 0, err
			}
			r := st.s.Controller().BYOBRequest()
			if r == nil {
				return 0, errNoBYOB
			}
			copy(r.View(), data[:min(count, len(data))])
			return core.StatusOK, r.Respond(count)
		}},
		{"__rs_get_reader", func(req string, h float64, mode string) (float64, error) {
			ss, st, err := n.stream(req, h)
			if err != nil {
				return 0, err
			}
			m := streams.ModeDefault
			if mode == "byob" {
				m = streams.ModeBYOB
			}
			r, err := st.s.GetReader(m)
			if err != nil {
				return 0, err
			}
			rh, err := n.add(ss, r)
			if err != nil {
				r.ReleaseLock()
				return 0, err
			}
			return rh, nil
		}},
		{"__rs_read", func(req string, r float64, id int) (int, error) {
			ss, rd, err := n.reader(req, r)
			if rd == nil {
				if errors.Is(err, core.ErrReaderReleased) {
					return core.StatusReaderReleased, nil
				}
				return 0, err
			}
			dr, ok := rd.(*streams.DefaultReader)
			if !ok {
				return 0, errNotReader
			}
			dr.Read().Then(func(res streams.ReadResult) {
				n.settleRead(ss, id, res)
			}, func(err error) {
				n.xfer.settle(id, core.StatusOf(err), ss.values.errExpr(err))
			})
			return core.StatusOK, nil
		}},
		{"__rs_read_byob", func(req string, r float64, id, length, minElems, elemSize int) (int, error) {
			ss, rd, err := n.reader(req, r)
			if rd == nil {
				if errors.Is(err, core.ErrReaderReleased) {
					return core.StatusReaderReleased, nil
				}
				return 0, err
			}
			br, ok := rd.(*streams.BYOBReader)
			if !ok {
				return 0, errNotReader
			}
			if limit := n.opts.Streams.MaxChunkBytes; limit > 0 && length > limit {
				return 0, fmt.Errorf("%w (%d > %d bytes)", errChunkTooLarge, length, limit)
			}
			view := make([]byte, max(length, 0))
			br.Read(view, streams.ReadIntoOptions{Min: minElems, ElementSize: elemSize}).Then(func(res streams.BYOBResult) {
				status := core.StatusOK
				if res.Done {
					status = core.StatusClosed
				}
				if err := n.xfer.push(res.View); err != nil {
					n.xfer.settle(id, core.StatusSendError, errorPayload(err))
					return
				}
				n.xfer.settle(id, status, "__hostTakeChunk()")
			}, func(err error) {
				n.xfer.settle(id, core.StatusOf(err), ss.values.errExpr(err))
			})
			return core.StatusOK, nil
		}},
		{"__rs_reader_closed", func(req string, r float64, id int) (int, error) {
			ss, rd, err := n.reader(req, r)
			if rd == nil {
				return 0, err
			}
			n.settleVoid(ss, id, rd.Closed())
			return core.StatusOK, nil
		}},
		{"__rs_reader_cancel", func(req string, r, token float64, id int) (int, error) {
			ss, rd, err := n.reader(req, r)
			if rd == nil {
				if errors.Is(err, core.ErrReaderReleased) {
					return core.StatusReaderReleased, nil
				}
				return 0, err
			}
			n.settleVoid(ss, id, rd.Cancel(ss.reason(token)))
			return core.StatusOK, nil
		}},
		{"__rs_cancel", func(req string, h, token float64, id int) (int, error) {
			ss, st, err := n.stream(req, h)
			if err != nil {
				return 0, err
			}
			n.settleVoid(ss, id, st.s.Cancel(ss.reason(token)))
			return core.StatusOK, nil
		}},
		{"__rs_locked", func(req string, h float64) (bool, error) {
			_, st, err := n.stream(req, h)
			if err != nil {
				return false, err
			}
			return st.s.Locked(), nil
		}},
		{"__rs_state", func(req string, h float64) (string, error) {
			_, st, err := n.stream(req, h)
			if err != nil {
				return "", err
			}
			return st.s.State().String(), nil
		}},
		{"__rs_tee", func(req string, h float64) (string, error) {
			ss, st, err := n.stream(req, h)
			if err != nil {
				return "", err
			}
			a, b, err := st.s.Tee()
			if err != nil {
				return "", err
			}
			ha, err := n.add(ss, &scriptStream{s: a})
			if err != nil {
				return "", err
			}
			hb, err := n.add(ss, &scriptStream{s: b})
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%d,%d", int64(ha), int64(hb)), nil
		}},
		{"__rs_from_native", func(req string, nh float64) (float64, error) {
			ss, err := n.state(req)
			if err != nil {
				return 0, err
			}
			_, ch, err := nativeChannel(req, nh)
			if err != nil {
				return 0, err
			}
			rd, err := ch.AcquireReader()
			if err != nil {
				return 0, err
			}
			s := streams.FromChannel(n.b, rd, streams.ByteOptionsFrom(n.opts.Streams), streams.WithMetrics(n.opts.Metrics))
			h, err := n.add(ss, &scriptStream{s: s, release: rd.Release})
			if err != nil {
				rd.Release()
				return 0, err
			}
			return h, nil
		}},
		{"__rs_from_env", func(req, name string) (float64, error) {
			ss, err := n.state(req)
			if err != nil {
				return 0, err
			}
			state := core.GetRequestState(core.ParseReqID(req))
			if state.Env == nil || state.Env.Readers[name] == nil {
				return 0, fmt.Errorf("%w: %q", errNoReader, name)
			}
			if ss.opened[name] {
				return 0, fmt.Errorf("%w: %q", errReaderOpened, name)
			}
			ss.opened[name] = true
			cfg := n.opts.Streams
			s := streams.FromReader(n.b, state.Env.Readers[name], streams.ReaderOptions{
				ChunkSize:   cfg.ChunkSize,
				ByteOptions: streams.ByteOptionsFrom(cfg),
			}, streams.WithName(name), streams.WithMetrics(n.opts.Metrics))
			release := func() {
				if s.State() == streams.StateReadable && !s.Locked() {
					s.Cancel("request finished")
				}
			}
			return n.add(ss, &scriptStream{s: s, release: release})
		}},
		{"__rs_pipe_to", func(req string, h, nh, sig float64, preventClose, preventAbort, preventCancel bool, id int) (int, error) {
			ss, st, err := n.stream(req, h)
			if err != nil {
				return 0, err
			}
			_, ch, err := nativeChannel(req, nh)
			if err != nil {
				return 0, err
			}
			opts := streams.PipeOptions{
				PreventClose:  preventClose,
				PreventAbort:  preventAbort,
				PreventCancel: preventCancel,
				Context:       ss.ctx,
			}
			if sig > 0 {
				_, v, err := n.entry(req, sig)
				if err != nil {
					return 0, err
				}
				ref, ok := v.(*abortRef)
				if !ok {
					return 0, errNotSignal
				}
				opts.Signal = ref.sig
			}
			n.settleVoid(ss, id, st.s.PipeToChannel(ch, opts))
			return core.StatusOK, nil
		}},
		// __rs_release and __rs_drop both give up a handle; the table makes
		// the second call a no-op.
		{"__rs_release", func(req string, r float64) (int, error) { return n.drop(req, r) }},
		{"__rs_drop", func(req string, h float64) (int, error) { return n.drop(req, h) }},
	}
	for _, f := range funcs {
		if err := n.rt.RegisterFunc(f.name, f.fn); err != nil {
			return fmt.Errorf("registering %s: %w", f.name, err)
		}
	}
	return nil
}

func (n *streamBindings) drop(req string, f float64) (int, error) {
	ss, err := n.state(req)
	if err != nil {
		return core.StatusOK, nil
	}
	h, err := handleArg(f)
	if err != nil {
		return 0, err
	}
	ss.table.Release(h)
	return core.StatusOK, nil
}

// readableStreamJS defines ReadableStream and its readers and controllers
// over the __rs_* functions. Script values stay in a JS-side store and cross
// the boundary as numeric tokens.
const readableStreamJS = `
(function() {
	var S = NativeStream.Status;
	function req() { return String(globalThis.__requestID || ''); }

	var keep = __hostKeep;

	var sources = new Map();
	var errors = new Map();
	__hostResetHooks.push(function() { sources.clear(); errors.clear(); });

	var registry = typeof FinalizationRegistry === 'function' ? new FinalizationRegistry(function(t) {
		if (t.req === req()) __rs_drop(t.req, t.h);
	}) : null;
	function track(obj, h) { if (registry) registry.register(obj, { req: req(), h: h }, obj); }
	function untrack(obj) { if (registry) registry.unregister(obj); }

	function failure(h, status, payload) {
		if (payload !== null && typeof payload === 'object' && 'v' in payload) return payload.v;
		if (status !== S.ERRORED) return new TypeError(payload);
		if (!errors.has(h)) errors.set(h, new Error(payload));
		return errors.get(h);
	}
	function voidSettle(h) {
		return function(status, payload, resolve, reject) {
			if (status === S.OK) resolve();
			else reject(failure(h, status, payload));
		};
	}

	globalThis.__rsPull = function(h) {
		var src = sources.get(h);
		if (!src || typeof src.source.pull !== 'function') {
			__rs_pull_done(req(), h, true, 0);
			return;
		}
		var r = req();
		try {
			Promise.resolve(src.source.pull(src.controller)).then(
				function() { __rs_pull_done(r, h, true, 0); },
				function(e) { __rs_pull_done(r, h, false, keep(e)); });
		} catch (e) {
			__rs_pull_done(r, h, false, keep(e));
		}
	};
	globalThis.__rsCancel = function(h, reason) {
		var src = sources.get(h);
		sources.delete(h);
		var r = req();
		if (!src || typeof src.source.cancel !== 'function') {
			__rs_cancel_done(r, h, true, 0);
			return;
		}
		try {
			Promise.resolve(src.source.cancel(reason)).then(
				function() { __rs_cancel_done(r, h, true, 0); },
				function(e) { __rs_cancel_done(r, h, false, keep(e)); });
		} catch (e) {
			__rs_cancel_done(r, h, false, keep(e));
		}
	};

	function desiredSize(h) {
		var d = __rs_desired_size(req(), h);
		return d === 'null' ? null : Number(d);
	}

	class ReadableStreamDefaultController {
		constructor(h, size) { this._h = h; this._size = size; }
		get desiredSize() { return desiredSize(this._h); }
		enqueue(chunk) {
			var size = 1;
			if (this._size) {
				size = Number(this._size(chunk));
				if (!(size >= 0) || size === Infinity) throw new RangeError('invalid chunk size');
			}
			var token = keep(chunk);
			try {
				__rs_enqueue(req(), this._h, token, Math.ceil(size), '');
			} catch (e) {
				__hostDropValue(token);
				throw e;
			}
		}
		close() { __rs_close(req(), this._h); }
		error(e) { __rs_error(req(), this._h, keep(e)); }
	}

	class ReadableStreamBYOBRequest {
		constructor(h, len) {
			this._h = h;
			this.view = new Uint8Array(len);
			this._done = false;
		}
		respond(n) {
			if (this._done) throw new TypeError('BYOB request already answered');
			n = Math.floor(Number(n));
			if (!(n > 0) || n > this.view.byteLength) throw new RangeError('bytesWritten out of range');
			this._done = true;
			__rs_byob_respond(req(), this._h, n, __hostPutChunk(this.view.subarray(0, n)));
		}
	}

	class ReadableByteStreamController {
		constructor(h) { this._h = h; this._req = null; }
		get desiredSize() { return desiredSize(this._h); }
		get byobRequest() {
			if (this._req && !this._req._done) return this._req;
			var len = __rs_byob_request(req(), this._h);
			this._req = len < 0 ? null : new ReadableStreamBYOBRequest(this._h, len);
			return this._req;
		}
		enqueue(chunk) {
			if (!ArrayBuffer.isView(chunk)) throw new TypeError('chunk must be an ArrayBufferView');
			if (this._req) { this._req._done = true; this._req = null; }
			__rs_enqueue(req(), this._h, 0, chunk.byteLength, __hostPutChunk(chunk));
		}
		close() { __rs_close(req(), this._h); }
		error(e) { __rs_error(req(), this._h, keep(e)); }
	}

	class ReadableStreamDefaultReader {
		constructor(stream, handle) {
			this._stream = stream;
			this._h = handle === undefined ? __rs_get_reader(req(), stream._h, 'default') : handle;
			this._released = false;
			track(this, this._h);
			var self = this;
			this._closed = __hostCall(function(id) { __rs_reader_closed(req(), self._h, id); }, voidSettle(stream._h));
			this._closed.catch(function() {});
		}
		get closed() { return this._closed; }
		read() {
			if (this._released) return Promise.reject(new TypeError('reader has been released'));
			var self = this, h = this._stream._h;
			return __hostCall(function(id) { __rs_read(req(), self._h, id); },
				function(status, payload, resolve, reject) {
					if (status === S.OK) resolve({ value: payload, done: false });
					else if (status === S.CLOSED) resolve({ value: undefined, done: true });
					else reject(failure(h, status, payload));
				});
		}
		cancel(reason) {
			if (this._released) return Promise.reject(new TypeError('reader has been released'));
			var self = this;
			return __hostCall(function(id) {
				__rs_reader_cancel(req(), self._h, reason === undefined ? 0 : keep(reason), id);
			}, voidSettle(this._stream._h));
		}
		releaseLock() {
			if (this._released) return;
			this._released = true;
			untrack(this);
			__rs_release(req(), this._h);
		}
	}

	class ReadableStreamBYOBReader extends ReadableStreamDefaultReader {
		constructor(stream, handle) {
			super(stream, handle === undefined ? __rs_get_reader(req(), stream._h, 'byob') : handle);
		}
		read(view, opts) {
			if (this._released) return Promise.reject(new TypeError('reader has been released'));
			if (!ArrayBuffer.isView(view) || view.byteLength === 0) {
				return Promise.reject(new TypeError('view must be a non-empty ArrayBufferView'));
			}
			var elem = view.BYTES_PER_ELEMENT || 1;
			var min = opts && opts.min !== undefined ? Math.floor(opts.min) : 1;
			if (!(min >= 1) || min > view.byteLength / elem) return Promise.reject(new RangeError('min out of range'));
			var self = this, h = this._stream._h, Ctor = view.constructor;
			return __hostCall(function(id) { __rs_read_byob(req(), self._h, id, view.byteLength, min, elem); },
				function(status, payload, resolve, reject) {
					if (status !== S.OK && status !== S.CLOSED) {
						reject(failure(h, status, payload));
						return;
					}
					new Uint8Array(view.buffer, view.byteOffset, view.byteLength).set(payload);
					var out = Ctor === DataView ?
						new DataView(view.buffer, view.byteOffset, payload.byteLength) :
						new Ctor(view.buffer, view.byteOffset, payload.byteLength / elem);
					resolve({ value: out, done: status === S.CLOSED });
				});
		}
	}

	class ReadableStream {
		constructor(source, strategy) {
			source = source || {};
			strategy = strategy || {};
			var isBytes = source.type === 'bytes';
			if (source.type !== undefined && !isBytes) throw new RangeError('invalid stream type: ' + source.type);
			var hwm = strategy.highWaterMark === undefined ? -1 : Math.max(0, Math.floor(strategy.highWaterMark));
			var auto = source.autoAllocateChunkSize ? Math.floor(source.autoAllocateChunkSize) : 0;
			var h = __rs_new(req(), isBytes ? 'bytes' : 'default', hwm, auto);
			this._init(h);
			var size = !isBytes && typeof strategy.size === 'function' ? strategy.size : null;
			var controller = isBytes ? new ReadableByteStreamController(h) : new ReadableStreamDefaultController(h, size);
			sources.set(h, { source: source, controller: controller });
			var r = req(), started;
			try {
				started = typeof source.start === 'function' ? source.start(controller) : undefined;
			} catch (e) {
				__rs_start_done(r, h, false, keep(e));
				throw e;
			}
			Promise.resolve(started).then(
				function() { __rs_start_done(r, h, true, 0); },
				function(e) { __rs_start_done(r, h, false, keep(e)); });
		}
		_init(h) {
			this._h = h;
			track(this, h);
		}
		static _wrap(h) {
			var s = Object.create(ReadableStream.prototype);
			s._init(h);
			return s;
		}
		get locked() { return __rs_locked(req(), this._h); }
		getReader(opts) {
			var mode = opts && opts.mode;
			if (mode !== undefined && mode !== 'byob') throw new RangeError('invalid reader mode: ' + mode);
			var r = __rs_get_reader(req(), this._h, mode === 'byob' ? 'byob' : 'default');
			return mode === 'byob' ? new ReadableStreamBYOBReader(this, r) : new ReadableStreamDefaultReader(this, r);
		}
		cancel(reason) {
			var self = this;
			return __hostCall(function(id) {
				__rs_cancel(req(), self._h, reason === undefined ? 0 : keep(reason), id);
			}, voidSettle(this._h));
		}
		tee() {
			var hs = __rs_tee(req(), this._h).split(',');
			return [ReadableStream._wrap(Number(hs[0])), ReadableStream._wrap(Number(hs[1]))];
		}
		pipeTo(dest, options) {
			if (!(dest instanceof NativeStream)) {
				return Promise.reject(new TypeError('pipeTo destination must be a NativeStream'));
			}
			options = options || {};
			var signal = options.signal;
			var self = this;
			return __hostCall(function(id) {
				__rs_pipe_to(req(), self._h, dest._h, signal ? signal._h : 0,
					!!options.preventClose, !!options.preventAbort, !!options.preventCancel, id);
			}, voidSettle(this._h)).catch(function(e) {
				throw signal && signal.aborted ? signal.reason : e;
			});
		}
		values(options) {
			var reader = this.getReader();
			var preventCancel = !!(options && options.preventCancel);
			return {
				next: function() {
					return reader.read().then(function(r) {
						if (r.done) reader.releaseLock();
						return r;
					});
				},
				return: function(v) {
					var p = preventCancel ? Promise.resolve() : reader.cancel(v);
					return p.then(function() {
						reader.releaseLock();
						return { value: v, done: true };
					});
				},
				[Symbol.asyncIterator]: function() { return this; }
			};
		}
		[Symbol.asyncIterator](options) { return this.values(options); }
	}

	globalThis.__rsFromNative = function(ns) { return ReadableStream._wrap(__rs_from_native(req(), ns._h)); };
	globalThis.__rsFromEnv = function(name) { return ReadableStream._wrap(__rs_from_env(req(), name)); };

	globalThis.ReadableStream = ReadableStream;
	globalThis.ReadableStreamDefaultReader = ReadableStreamDefaultReader;
	globalThis.ReadableStreamBYOBReader = ReadableStreamBYOBReader;
	globalThis.ReadableStreamDefaultController = ReadableStreamDefaultController;
	globalThis.ReadableByteStreamController = ReadableByteStreamController;
	globalThis.ReadableStreamBYOBRequest = ReadableStreamBYOBRequest;
})();
`

// SetupReadableStreams registers the __rs_* host functions and the
// ReadableStream classes. It must run after SetupNativeStreams.
func SetupReadableStreams(rt core.JSRuntime, b *eventloop.Bridge, opts Options) error {
	n := &streamBindings{rt: rt, b: b, xfer: newTransfer(rt), opts: opts}
	if err := n.register(); err != nil {
		return err
	}
	if err := rt.Eval(readableStreamJS); err != nil {
		return fmt.Errorf("evaluating readablestream.js: %w", err)
	}
	return nil
}
