package webapi

import (
	"fmt"

	"github.com/cryguy/streamhost/internal/core"
	"github.com/cryguy/streamhost/internal/eventloop"
)

// globalsJS makes globalThis an EventTarget and adds queueMicrotask,
// reportError and a timer-backed scheduler.
const globalsJS = `
(function() {
	if (typeof globalThis.queueMicrotask !== 'function') {
		globalThis.queueMicrotask = function(fn) {
			if (typeof fn !== 'function') throw new TypeError('queueMicrotask requires a function');
			Promise.resolve().then(fn);
		};
	}

	if (typeof globalThis.addEventListener !== 'function') {
		var gt = new EventTarget();
		globalThis.addEventListener = gt.addEventListener.bind(gt);
		globalThis.removeEventListener = gt.removeEventListener.bind(gt);
		globalThis.dispatchEvent = gt.dispatchEvent.bind(gt);
	}

	class ErrorEvent extends Event {
		constructor(type, init) {
			super(type, init);
			this.error = init && init.error !== undefined ? init.error : null;
			this.message = (init && init.message) || '';
		}
	}
	globalThis.ErrorEvent = ErrorEvent;

	// reportError dispatches an 'error' event; when no listener cancels it the
	// error goes to the request log.
	globalThis.reportError = function(error) {
		var msg = '';
		if (error !== null && error !== undefined) {
			msg = error.message !== undefined ? error.message : String(error);
		}
		var ev = new ErrorEvent('error', { error: error, message: msg, cancelable: true });
		if (globalThis.dispatchEvent(ev)) console.error('Uncaught', error);
	};

	function abortReason(signal) {
		return signal.reason || new DOMException('The operation was aborted.', 'AbortError');
	}

	globalThis.scheduler = {
		wait: function(ms, options) {
			var signal = options && options.signal;
			return new Promise(function(resolve, reject) {
				if (signal && signal.aborted) {
					reject(abortReason(signal));
					return;
				}
				var id = setTimeout(resolve, ms || 0);
				if (signal) {
					signal.addEventListener('abort', function() {
						clearTimeout(id);
						reject(abortReason(signal));
					}, { once: true });
				}
			});
		},
		postTask: function(callback, options) {
			var delay = (options && options.delay) || 0;
			var signal = options && options.signal;
			return scheduler.wait(delay, { signal: signal }).then(function() { return callback(); });
		},
		yield: function() { return scheduler.wait(0); },
	};
})();
`

// SetupGlobals installs the event and scheduling globals. It must run after
// SetupTimers and SetupAbort.
func SetupGlobals(rt core.JSRuntime, _ *eventloop.Bridge) error {
	if err := rt.Eval(globalsJS); err != nil {
		return fmt.Errorf("evaluating globals.js: %w", err)
	}
	return nil
}
