// Package webapi installs the script-facing surface on a JS runtime: the
// console, base64 and UTF-8 helpers, timers, AbortController, native stream
// channels and ReadableStream.
//
// Host functions run on the script goroutine. Anything that may block is
// handed to the eventloop.Bridge, whose continuations settle the pending JS
// promise through __hostSettle.
package webapi

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/cryguy/streamhost/internal/core"
	"github.com/cryguy/streamhost/internal/eventloop"
	"github.com/cryguy/streamhost/internal/metrics"
	"github.com/cryguy/streamhost/internal/resource"
	"go.uber.org/zap"
)

// SetupFunc installs one piece of the script surface.
type SetupFunc func(rt core.JSRuntime, b *eventloop.Bridge) error

// Options configures the bindings that need more than the runtime.
type Options struct {
	Streams core.StreamConfig
	Metrics *metrics.Collector
}

// Setups returns the setup functions in installation order.
func Setups(opts Options) []SetupFunc {
	return []SetupFunc{
		SetupConsole,
		SetupEncoding,
		SetupHost,
		SetupTimers,
		SetupAbort,
		SetupGlobals,
		func(rt core.JSRuntime, b *eventloop.Bridge) error { return SetupNativeStreams(rt, b, opts) },
		func(rt core.JSRuntime, b *eventloop.Bridge) error { return SetupReadableStreams(rt, b, opts) },
	}
}

// Install runs every setup function against rt.
func Install(rt core.JSRuntime, b *eventloop.Bridge, opts Options) error {
	for i, setup := range Setups(opts) {
		if err := setup(rt, b); err != nil {
			return fmt.Errorf("webapi setup step %d: %w", i, err)
		}
	}
	return nil
}

const (
	chunkGlobal    = "__ns_chunk"
	chunkB64Global = "__ns_chunk_b64"
)

// hostJS is the pending-operation registry and chunk marshalling shared by
// the stream bindings. Go settles a pending id with a status code and an
// optional payload literal.
const hostJS = `
(function() {
	var pending = new Map();
	var nextID = 1;
	var mode = globalThis.__binaryMode || '';

	globalThis.__hostPending = function(settle) {
		var id = nextID++;
		pending.set(id, settle);
		return id;
	};
	globalThis.__hostSettle = function(id, status, payload) {
		var settle = pending.get(id);
		if (!settle) return;
		pending.delete(id);
		settle(status, payload);
	};
	globalThis.__hostPendingCount = function() { return pending.size; };

	// Script values that Go holds by token: chunks, reasons and errors.
	var values = new Map();
	var nextValue = 1;
	globalThis.__hostKeep = function(v) { var id = nextValue++; values.set(id, v); return id; };
	globalThis.__hostValue = function(id) { return values.get(id); };
	globalThis.__hostTake = function(id) { var v = values.get(id); values.delete(id); return v; };
	globalThis.__hostDropValue = function(id) { values.delete(id); };

	// __hostCall registers a pending operation, starts it with call(id) and
	// returns a promise that onSettle(status, payload, resolve, reject) settles.
	globalThis.__hostCall = function(call, onSettle) {
		return new Promise(function(resolve, reject) {
			var id = __hostPending(function(status, payload) { onSettle(status, payload, resolve, reject); });
			try {
				call(id);
			} catch (e) {
				pending.delete(id);
				reject(e);
			}
		});
	};

	// Hooks run by the engine once a request has finished.
	globalThis.__hostResetHooks = [];
	globalThis.__hostReset = function() {
		pending.clear();
		values.clear();
		__hostResetHooks.forEach(function(fn) { fn(); });
	};

	globalThis.__toBytes = function(chunk) {
		if (chunk instanceof Uint8Array) return chunk;
		if (ArrayBuffer.isView(chunk)) return new Uint8Array(chunk.buffer, chunk.byteOffset, chunk.byteLength);
		if (chunk instanceof ArrayBuffer) return new Uint8Array(chunk);
		if (typeof chunk === 'string') return new TextEncoder().encode(chunk);
		throw new TypeError('chunk must be a string, ArrayBuffer or ArrayBufferView');
	};
	globalThis.__hostTakeChunk = function() {
		if (!mode) {
			var s = globalThis.__ns_chunk_b64;
			delete globalThis.__ns_chunk_b64;
			return __b64ToBytes(s || '');
		}
		var buf = globalThis.__ns_chunk;
		delete globalThis.__ns_chunk;
		if (!buf) return new Uint8Array(0);
		var u = new Uint8Array(buf);
		if (typeof SharedArrayBuffer !== 'undefined' && buf instanceof SharedArrayBuffer) return u.slice();
		return u;
	};
	globalThis.__hostPutChunk = function(chunk) {
		var u = __toBytes(chunk);
		if (!mode) return __bytesToB64(u);
		var buf = mode === 'sab' ? new SharedArrayBuffer(u.byteLength) : new ArrayBuffer(u.byteLength);
		new Uint8Array(buf).set(u);
		globalThis.__ns_chunk = buf;
		return '';
	};
})();
`

// SetupHost installs the pending registry. It must run after SetupEncoding.
func SetupHost(rt core.JSRuntime, _ *eventloop.Bridge) error {
	mode := ""
	if bt, ok := rt.(core.BinaryTransferer); ok {
		mode = bt.BinaryMode()
	}
	if err := rt.SetGlobal("__binaryMode", mode); err != nil {
		return err
	}
	if err := rt.Eval(hostJS); err != nil {
		return fmt.Errorf("evaluating host.js: %w", err)
	}
	return nil
}

var (
	errNoRequest = errors.New("no active request")
	errBadHandle = errors.New("invalid handle")
)

// extEntry pairs a request extension with the once that registers its
// cleanup. RegisterCleanup cannot be called from inside LoadOrStoreExt's
// create func because both take the same lock.
type extEntry[T any] struct {
	v    T
	once sync.Once
}

// requestExt returns the request's extension under key, creating it on first
// use. cleanup runs when the request state is cleared.
func requestExt[T any](reqIDStr, key string, create func() T, cleanup func(T)) (T, error) {
	var zero T
	state := core.GetRequestState(core.ParseReqID(reqIDStr))
	if state == nil {
		return zero, fmt.Errorf("%w (request %q)", errNoRequest, reqIDStr)
	}
	e := state.LoadOrStoreExt(key, func() any { return &extEntry[T]{v: create()} }).(*extEntry[T])
	e.once.Do(func() {
		state.RegisterCleanup(func() { cleanup(e.v) })
	})
	return e.v, nil
}

// handleArg validates a handle that crossed the boundary as a JS number.
func handleArg(f float64) (resource.Handle, error) {
	if f < 1 || f >= 1<<53 || f != math.Trunc(f) {
		return 0, fmt.Errorf("%w: %v", errBadHandle, f)
	}
	return resource.Handle(f), nil
}

// transfer moves chunk bytes across the boundary, through the runtime's
// BinaryTransferer when it has one and base64 strings otherwise.
type transfer struct {
	rt core.JSRuntime
	bt core.BinaryTransferer
}

func newTransfer(rt core.JSRuntime) *transfer {
	bt, _ := rt.(core.BinaryTransferer)
	return &transfer{rt: rt, bt: bt}
}

// push leaves data where __hostTakeChunk will find it.
func (t *transfer) push(data []byte) error {
	if t.bt != nil {
		return t.bt.WriteBinaryToJS(chunkGlobal, data)
	}
	return t.rt.SetGlobal(chunkB64Global, base64.StdEncoding.EncodeToString(data))
}

// pull collects a chunk the script staged with __hostPutChunk. b64 is what
// __hostPutChunk returned.
func (t *transfer) pull(b64 string) ([]byte, error) {
	if t.bt != nil {
		return t.bt.ReadBinaryFromJS(chunkGlobal)
	}
	return base64.StdEncoding.DecodeString(b64)
}

// settle resolves pending operation id in JS. payload is a JS literal.
func (t *transfer) settle(id, status int, payload string) {
	if payload == "" {
		payload = "undefined"
	}
	if err := t.rt.Eval(fmt.Sprintf("__hostSettle(%d,%d,%s)", id, status, payload)); err != nil {
		core.Logger().Debug("settling pending operation", zap.Int("id", id), zap.Error(err))
	}
}

// settleChunk stages chunk and settles id with StatusOK, or settles with the
// transfer failure.
func (t *transfer) settleChunk(id int, chunk []byte) {
	if err := t.push(chunk); err != nil {
		t.settle(id, core.StatusSendError, errorPayload(err))
		return
	}
	t.settle(id, core.StatusOK, "")
}

// settleErr settles id with the status for err and its message.
func (t *transfer) settleErr(id int, err error) {
	status := core.StatusOf(err)
	if status == core.StatusOK {
		t.settle(id, status, "")
		return
	}
	t.settle(id, status, errorPayload(err))
}

// errorPayload renders errorMessage(err) as a JS string literal.
func errorPayload(err error) string { return core.JsEscape(errorMessage(err)) }
