package webapi

import (
	"context"
	"errors"
	"fmt"

	"github.com/cryguy/streamhost/internal/channel"
	"github.com/cryguy/streamhost/internal/core"
	"github.com/cryguy/streamhost/internal/eventloop"
	"github.com/cryguy/streamhost/internal/resource"
)

const nativeStreamsKey = "nativeStreams"

var (
	errTooManyHandles = errors.New("too many native stream handles for this request")
	errNoChannel      = errors.New("no such channel")
	errChunkTooLarge  = errors.New("chunk exceeds the maximum chunk size")
)

// nativeStreams is one request's view of native channels: a handle table of
// *channel.Channel and *channel.Reader values, plus a context that ends with
// the request so suspended reads and writes give up.
type nativeStreams struct {
	table  *resource.Table[any]
	ctx    context.Context
	cancel context.CancelFunc
}

func newNativeStreams() *nativeStreams {
	ctx, cancel := context.WithCancel(context.Background())
	return &nativeStreams{table: resource.NewTable[any](), ctx: ctx, cancel: cancel}
}

// close ends the request's pending operations and releases every handle.
// Readers release their channel lock through their Finalize method.
func (ns *nativeStreams) close() {
	ns.cancel()
	ns.table.Close()
}

type nativeBindings struct {
	rt   core.JSRuntime
	b    *eventloop.Bridge
	xfer *transfer
	opts Options
}

func nativeState(req string) (*nativeStreams, error) {
	return requestExt(req, nativeStreamsKey, newNativeStreams, (*nativeStreams).close)
}

func (n *nativeBindings) state(req string) (*nativeStreams, error) { return nativeState(req) }

func (n *nativeBindings) add(ns *nativeStreams, v any) (float64, error) {
	if limit := n.opts.Streams.MaxStreamsPerRequest; limit > 0 && ns.table.Len() >= limit {
		return 0, errTooManyHandles
	}
	h, err := ns.table.Add(v)
	if err != nil {
		return 0, err
	}
	return float64(h), nil
}

func (n *nativeBindings) channel(req string, f float64) (*nativeStreams, *channel.Channel, error) {
	return nativeChannel(req, f)
}

// nativeChannel resolves a channel handle in the request's native table.
func nativeChannel(req string, f float64) (*nativeStreams, *channel.Channel, error) {
	ns, err := nativeState(req)
	if err != nil {
		return nil, nil, err
	}
	h, err := handleArg(f)
	if err != nil {
		return nil, nil, err
	}
	v, ok := ns.table.Get(h)
	ch, isCh := v.(*channel.Channel)
	if !ok || !isCh {
		return nil, nil, fmt.Errorf("%w: %v is not a channel", errBadHandle, f)
	}
	return ns, ch, nil
}

// reader resolves a reader handle. A released (stale) handle reports
// core.ErrReaderReleased rather than a hard failure.
func (n *nativeBindings) reader(req string, f float64) (*nativeStreams, *channel.Reader, error) {
	ns, err := n.state(req)
	if err != nil {
		return nil, nil, err
	}
	h, err := handleArg(f)
	if err != nil {
		return nil, nil, err
	}
	v, ok := ns.table.Get(h)
	if !ok {
		return ns, nil, core.ErrReaderReleased
	}
	rd, isRd := v.(*channel.Reader)
	if !isRd {
		return nil, nil, fmt.Errorf("%w: %v is not a reader", errBadHandle, f)
	}
	return ns, rd, nil
}

// fail records err's message in __ns_err for the synchronous calls, which
// can only return a status code.
func (n *nativeBindings) fail(err error) int {
	status := core.StatusOf(err)
	if status == core.StatusErrored || status == core.StatusSendError {
		_ = n.rt.SetGlobal("__ns_err", errorMessage(err))
	}
	return status
}

func (n *nativeBindings) chunk(b64 string) ([]byte, error) {
	data, err := n.xfer.pull(b64)
	if err != nil {
		return nil, err
	}
	if limit := n.opts.Streams.MaxChunkBytes; limit > 0 && len(data) > limit {
		return nil, fmt.Errorf("%w (%d > %d bytes)", errChunkTooLarge, len(data), limit)
	}
	return data, nil
}

func (n *nativeBindings) newChannel(name string, hwm int) *channel.Channel {
	cfg := n.opts.Streams
	if hwm < 0 {
		hwm = cfg.HighWaterMark
	}
	var size func([]byte) int
	if cfg.ByteLengthStrategy {
		size = channel.ByteLength
	}
	return channel.New(channel.Options{Name: name, HighWaterMark: hwm, Size: size, Metrics: n.opts.Metrics})
}

func (n *nativeBindings) register() error {
	funcs := []struct {
		name string
		fn   any
	}{
		{"__ns_open", func(req, name string) (float64, error) {
			ns, err := n.state(req)
			if err != nil {
				return 0, err
			}
			state := core.GetRequestState(core.ParseReqID(req))
			var ch *channel.Channel
			if state.Env != nil {
				ch, _ = state.Env.Channels[name].(*channel.Channel)
			}
			if ch == nil {
				return 0, fmt.Errorf("%w: %q", errNoChannel, name)
			}
			return n.add(ns, ch)
		}},
		{"__ns_create", func(req, name string, hwm int) (float64, error) {
			ns, err := n.state(req)
			if err != nil {
				return 0, err
			}
			return n.add(ns, n.newChannel(name, hwm))
		}},
		{"__ns_acquire_reader", func(req string, h float64) (float64, error) {
			ns, ch, err := n.channel(req, h)
			if err != nil {
				return 0, err
			}
			rd, err := ch.AcquireReader()
			if err != nil {
				return float64(core.StatusOf(err)), nil
			}
			r, err := n.add(ns, rd)
			if err != nil {
				rd.Release()
				return 0, err
			}
			return r, nil
		}},
		{"__ns_read_sync", func(req string, r float64) (int, error) {
			_, rd, err := n.reader(req, r)
			if rd == nil {
				if errors.Is(err, core.ErrReaderReleased) {
					return core.StatusReaderReleased, nil
				}
				return 0, err
			}
			chunk, err := rd.TryRead()
			if err != nil {
				return n.fail(err), nil
			}
			if err := n.xfer.push(chunk); err != nil {
				return n.fail(err), nil
			}
			return core.StatusOK, nil
		}},
		{"__ns_read_async", func(req string, r float64, id int) (int, error) {
			ns, rd, err := n.reader(req, r)
			if rd == nil {
				if errors.Is(err, core.ErrReaderReleased) {
					return core.StatusOK, n.b.Post("native-read", func() { n.xfer.settleErr(id, err) })
				}
				return 0, err
			}
			key := rd.Channel().Name()
			wait := rd.BeginRead()
			return core.StatusOK, n.b.Go(key, func() func() {
				chunk, err := wait(ns.ctx)
				return func() { n.deliver(id, chunk, err) }
			})
		}},
		{"__ns_write_sync", func(req string, h float64, b64 string) (int, error) {
			_, ch, err := n.channel(req, h)
			if err != nil {
				return 0, err
			}
			data, err := n.chunk(b64)
			if err != nil {
				return n.fail(err), nil
			}
			if err := ch.Write(data); err != nil {
				return n.fail(err), nil
			}
			return core.StatusOK, nil
		}},
		{"__ns_write_async", func(req string, h float64, b64 string, id int) (int, error) {
			ns, ch, err := n.channel(req, h)
			if err != nil {
				return 0, err
			}
			data, err := n.chunk(b64)
			if err != nil {
				return core.StatusOK, n.b.Post(ch.Name(), func() { n.xfer.settleErr(id, err) })
			}
			wait := ch.BeginWrite(data)
			return core.StatusOK, n.b.Go(ch.Name(), func() func() {
				err := wait(ns.ctx)
				return func() { n.xfer.settleErr(id, err) }
			})
		}},
		{"__ns_close", func(req string, h float64) (int, error) {
			_, ch, err := n.channel(req, h)
			if err != nil {
				return 0, err
			}
			ch.Close()
			return core.StatusOK, nil
		}},
		{"__ns_error", func(req string, h float64, msg string) (int, error) {
			_, ch, err := n.channel(req, h)
			if err != nil {
				return 0, err
			}
			ch.Error(msg)
			return core.StatusOK, nil
		}},
		{"__ns_cancel", func(req string, r float64, reason string) (int, error) {
			_, rd, err := n.reader(req, r)
			if rd == nil {
				if errors.Is(err, core.ErrReaderReleased) {
					return core.StatusReaderReleased, nil
				}
				return 0, err
			}
			rd.Cancel(reason)
			return core.StatusOK, nil
		}},
		{"__ns_wait_closed", func(req string, h float64, id int) (int, error) {
			ns, ch, err := n.channel(req, h)
			if err != nil {
				return 0, err
			}
			return core.StatusOK, n.b.Go(ch.Name(), func() func() {
				err := ch.WaitClosed(ns.ctx)
				return func() { n.xfer.settleErr(id, err) }
			})
		}},
		{"__ns_desired_size", func(req string, h float64) (int, error) {
			_, ch, err := n.channel(req, h)
			if err != nil {
				return 0, err
			}
			return ch.DesiredSize(), nil
		}},
		{"__ns_state", func(req string, h float64) (string, error) {
			_, ch, err := n.channel(req, h)
			if err != nil {
				return "", err
			}
			return ch.State().String(), nil
		}},
		{"__ns_locked", func(req string, h float64) (bool, error) {
			_, ch, err := n.channel(req, h)
			if err != nil {
				return false, err
			}
			return ch.Locked(), nil
		}},
		// __ns_release and __ns_drop both give up a handle. Whichever runs
		// first finalizes it; later calls see a stale handle and do nothing.
		{"__ns_release", func(req string, r float64) (int, error) {
			return n.drop(req, r)
		}},
		{"__ns_drop", func(req string, h float64) (int, error) {
			return n.drop(req, h)
		}},
	}
	for _, f := range funcs {
		if err := n.rt.RegisterFunc(f.name, f.fn); err != nil {
			return fmt.Errorf("registering %s: %w", f.name, err)
		}
	}
	return nil
}

func (n *nativeBindings) drop(req string, f float64) (int, error) {
	ns, err := n.state(req)
	if err != nil {
		// The request already ended and its table was closed.
		return core.StatusOK, nil
	}
	h, err := handleArg(f)
	if err != nil {
		return 0, err
	}
	ns.table.Release(h)
	return core.StatusOK, nil
}

// deliver settles a pending read with a chunk or the read's failure.
func (n *nativeBindings) deliver(id int, chunk []byte, err error) {
	if err != nil {
		n.xfer.settleErr(id, err)
		return
	}
	n.xfer.settleChunk(id, chunk)
}

// errorMessage is the text scripts see for err.
func errorMessage(err error) string {
	var se *core.StreamError
	if errors.As(err, &se) {
		switch v := se.Value.(type) {
		case string:
			return v
		case error:
			return v.Error()
		case nil:
		default:
			return fmt.Sprint(v)
		}
	}
	return err.Error()
}

// nativeStreamsJS wraps the __ns_* functions in the NativeStream and
// NativeStreamReader classes.
const nativeStreamsJS = `
(function() {
	var S = Object.freeze({
		OK: 0, CLOSED: -1, CHANNEL_FULL: -2, RECEIVER_TAKEN: -3,
		SEND_ERROR: -4, EMPTY: -5, ERRORED: -6, READER_RELEASED: -7
	});
	var names = {};
	Object.keys(S).forEach(function(k) { names[S[k]] = k; });

	function req() { return String(globalThis.__requestID || ''); }

	var registry = typeof FinalizationRegistry === 'function' ? new FinalizationRegistry(function(t) {
		if (t.req === req()) __ns_drop(t.req, t.h);
	}) : null;
	function track(obj, h) { if (registry) registry.register(obj, { req: req(), h: h }, obj); }
	function untrack(obj) { if (registry) registry.unregister(obj); }

	function statusError(status, msg) {
		var e = new TypeError(msg || ('native stream: ' + (names[status] || status)));
		e.status = status;
		return e;
	}

	class NativeStreamReader {
		constructor(stream, h) {
			this._stream = stream;
			this._h = h;
			this._released = false;
			track(this, h);
		}
		get released() { return this._released; }
		readSync() {
			if (this._released) return S.READER_RELEASED;
			var st = __ns_read_sync(req(), this._h);
			if (st === S.OK) return __hostTakeChunk();
			if (st === S.ERRORED) this._stream._errorFor(st, globalThis.__ns_err);
			return st;
		}
		read() {
			if (this._released) return Promise.reject(statusError(S.READER_RELEASED));
			var self = this;
			return __hostCall(function(id) { __ns_read_async(req(), self._h, id); },
				function(status, payload, resolve, reject) {
					if (status === S.OK) resolve({ value: __hostTakeChunk(), done: false });
					else if (status === S.CLOSED) resolve({ value: undefined, done: true });
					else reject(self._stream._errorFor(status, payload));
				});
		}
		cancel(reason) {
			if (!this._released) __ns_cancel(req(), this._h, reason === undefined ? '' : String(reason));
			return Promise.resolve();
		}
		releaseLock() {
			if (this._released) return;
			this._released = true;
			untrack(this);
			__ns_release(req(), this._h);
		}
		[Symbol.asyncIterator]() {
			var self = this;
			return {
				next: function() { return self.read(); },
				return: function() { self.releaseLock(); return Promise.resolve({ value: undefined, done: true }); }
			};
		}
	}

	class NativeStream {
		constructor(h, name) {
			this._h = h;
			this.name = name;
			this._hasError = false;
			this._error = undefined;
			track(this, h);
		}
		static open(name) { return new NativeStream(__ns_open(req(), String(name)), String(name)); }
		static create(name, highWaterMark) {
			var n = name === undefined ? '' : String(name);
			var hwm = highWaterMark === undefined ? -1 : Number(highWaterMark);
			return new NativeStream(__ns_create(req(), n, hwm), n);
		}
		get desiredSize() { return __ns_desired_size(req(), this._h); }
		get state() { return __ns_state(req(), this._h); }
		get locked() { return __ns_locked(req(), this._h); }
		getReader() {
			var r = __ns_acquire_reader(req(), this._h);
			if (r < 0) throw statusError(r);
			return new NativeStreamReader(this, r);
		}
		writeSync(chunk) {
			var st = __ns_write_sync(req(), this._h, __hostPutChunk(chunk));
			if (st === S.ERRORED) this._errorFor(st, globalThis.__ns_err);
			return st;
		}
		write(chunk) {
			var self = this;
			var b64 = __hostPutChunk(chunk);
			return __hostCall(function(id) { __ns_write_async(req(), self._h, b64, id); },
				function(status, payload, resolve, reject) {
					if (status === S.OK) resolve();
					else reject(self._errorFor(status, payload));
				});
		}
		close() { __ns_close(req(), this._h); }
		error(reason) {
			var wasOpen = this.state === 'open';
			__ns_error(req(), this._h, reason instanceof Error ? reason.message : String(reason));
			if (wasOpen) this._noteError(reason);
		}
		closed() {
			var self = this;
			return __hostCall(function(id) { __ns_wait_closed(req(), self._h, id); },
				function(status, payload, resolve, reject) {
					if (status === S.OK) resolve();
					else reject(self._errorFor(status, payload));
				});
		}
		get readable() { return globalThis.__rsFromNative(this); }
		_noteError(v) {
			if (this._hasError) return;
			this._hasError = true;
			this._error = v;
		}
		_errorFor(status, payload) {
			if (status !== S.ERRORED) return statusError(status, payload);
			if (!this._hasError) this._noteError(new Error(payload));
			return this._error;
		}
	}

	NativeStream.Status = S;
	globalThis.NativeStream = NativeStream;
	globalThis.NativeStreamReader = NativeStreamReader;
})();
`

// SetupNativeStreams registers the __ns_* host functions and the
// NativeStream classes.
func SetupNativeStreams(rt core.JSRuntime, b *eventloop.Bridge, opts Options) error {
	n := &nativeBindings{rt: rt, b: b, xfer: newTransfer(rt), opts: opts}
	if err := n.register(); err != nil {
		return err
	}
	if err := rt.Eval(nativeStreamsJS); err != nil {
		return fmt.Errorf("evaluating nativestreams.js: %w", err)
	}
	return nil
}
