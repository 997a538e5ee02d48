package webapi

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cryguy/streamhost/internal/core"
	"github.com/cryguy/streamhost/internal/eventloop"
	"github.com/cryguy/streamhost/internal/streams"
)

var errNotSignal = errors.New("not an AbortSignal handle")

// abortRef mirrors a script AbortSignal in Go so pipes can observe it.
// Composed signals have no controller; the ref keeps them reachable.
type abortRef struct {
	ctrl *streams.AbortController
	sig  *streams.Signal
}

// abortJS defines Event, EventTarget, DOMException, AbortController and
// AbortSignal. Events and reason identity stay in JS; each signal also has
// a Go twin that __abort_abort fires.
const abortJS = `
class Event {
	constructor(type, options) {
		this.type = type;
		this.bubbles = !!(options && options.bubbles);
		this.cancelable = !!(options && options.cancelable);
		this.defaultPrevented = false;
		this.target = null;
		this.currentTarget = null;
		this.timeStamp = Date.now();
	}
	preventDefault() {
		if (this.cancelable) this.defaultPrevented = true;
	}
	stopPropagation() {}
	stopImmediatePropagation() {}
}

class EventTarget {
	constructor() {
		this._listeners = {};
	}
	addEventListener(type, callback, options) {
		if (typeof callback !== 'function') return;
		if (!this._listeners[type]) this._listeners[type] = [];
		const once = options && options.once;
		this._listeners[type].push({ callback, once });
	}
	removeEventListener(type, callback) {
		if (!this._listeners[type]) return;
		this._listeners[type] = this._listeners[type].filter(l => l.callback !== callback);
	}
	dispatchEvent(event) {
		event.target = this;
		event.currentTarget = this;
		const listeners = this._listeners[event.type];
		if (!listeners) return true;
		for (const entry of listeners.slice()) {
			if (entry.once) this.removeEventListener(event.type, entry.callback);
			try {
				entry.callback.call(this, event);
			} catch (e) {
				console.error('uncaught error in ' + event.type + ' listener:', e);
			}
		}
		return !event.defaultPrevented;
	}
}

class DOMException extends Error {
	constructor(message, name) {
		super(message || '');
		this.name = name || 'Error';
		this.message = message || '';
		this.code = 0;
	}
}

(function() {
	function req() { return String(globalThis.__requestID || ''); }
	function abortError() { return new DOMException('The operation was aborted.', 'AbortError'); }

	class AbortSignal extends EventTarget {
		constructor(h) {
			super();
			this._h = h;
			this.aborted = false;
			this.reason = undefined;
			this.onabort = null;
		}
		throwIfAborted() {
			if (this.aborted) throw this.reason;
		}
		_fire(reason) {
			if (this.aborted) return false;
			this.aborted = true;
			this.reason = reason === undefined ? abortError() : reason;
			var ev = new Event('abort');
			if (typeof this.onabort === 'function') this.onabort(ev);
			this.dispatchEvent(ev);
			return true;
		}
		_abort(reason) {
			if (this.aborted) return;
			reason = reason === undefined ? abortError() : reason;
			__abort_abort(req(), this._h, __hostKeep(reason));
			this._fire(reason);
		}
		static abort(reason) {
			var s = new AbortSignal(__abort_new(req()));
			s._abort(reason);
			return s;
		}
		static timeout(ms) {
			var s = new AbortSignal(__abort_new(req()));
			setTimeout(function() {
				s._abort(new DOMException('The operation timed out.', 'TimeoutError'));
			}, ms);
			return s;
		}
		static any(signals) {
			signals = Array.from(signals);
			var hs = signals.map(function(x) { return x._h; }).join(',');
			var s = new AbortSignal(__abort_any(req(), hs));
			for (var i = 0; i < signals.length; i++) {
				if (signals[i].aborted) {
					s.aborted = true;
					s.reason = signals[i].reason;
					return s;
				}
			}
			signals.forEach(function(src) {
				src.addEventListener('abort', function() { s._fire(src.reason); });
			});
			return s;
		}
	}

	class AbortController {
		constructor() {
			this.signal = new AbortSignal(__abort_new(req()));
		}
		abort(reason) {
			this.signal._abort(reason);
		}
	}

	globalThis.AbortSignal = AbortSignal;
	globalThis.AbortController = AbortController;
})();

globalThis.Event = Event;
globalThis.EventTarget = EventTarget;
globalThis.DOMException = DOMException;
`

// SetupAbort registers the Go-backed AbortController. Signals share the
// request's stream handle table so pipeTo can resolve them.
func SetupAbort(rt core.JSRuntime, b *eventloop.Bridge) error {
	n := &streamBindings{rt: rt, b: b, xfer: newTransfer(rt)}

	if err := rt.RegisterFunc("__abort_new", func(req string) (float64, error) {
		ss, err := n.state(req)
		if err != nil {
			return 0, err
		}
		ctrl := streams.NewAbortController()
		return n.add(ss, &abortRef{ctrl: ctrl, sig: ctrl.Signal()})
	}); err != nil {
		return err
	}

	if err := rt.RegisterFunc("__abort_abort", func(req string, h, token float64) (int, error) {
		ss, v, err := n.entry(req, h)
		if err != nil {
			return 0, err
		}
		ref, ok := v.(*abortRef)
		if !ok || ref.ctrl == nil {
			return 0, errNotSignal
		}
		ref.ctrl.Abort(ss.reason(token))
		return core.StatusOK, nil
	}); err != nil {
		return err
	}

	if err := rt.RegisterFunc("__abort_any", func(req, csv string) (float64, error) {
		ss, err := n.state(req)
		if err != nil {
			return 0, err
		}
		var sigs []*streams.Signal
		for _, part := range strings.Split(csv, ",") {
			if part == "" {
				continue
			}
			var f float64
			if _, err := fmt.Sscan(part, &f); err != nil {
				return 0, fmt.Errorf("%w: %q", errBadHandle, part)
			}
			_, v, err := n.entry(req, f)
			if err != nil {
				return 0, err
			}
			ref, ok := v.(*abortRef)
			if !ok {
				return 0, errNotSignal
			}
			sigs = append(sigs, ref.sig)
		}
		return n.add(ss, &abortRef{sig: streams.AnySignal(sigs...)})
	}); err != nil {
		return err
	}

	if err := rt.Eval(abortJS); err != nil {
		return fmt.Errorf("evaluating abort.js: %w", err)
	}
	return nil
}
