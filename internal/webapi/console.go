package webapi

import (
	"github.com/cryguy/streamhost/internal/core"
	"github.com/cryguy/streamhost/internal/eventloop"
)

// consoleJS builds globalThis.console on top of the Go-backed __console.
// Objects are rendered as JSON, byte views by their length.
const consoleJS = `
(function() {
	function fmt(arg) {
		if (arg instanceof Uint8Array) return 'Uint8Array(' + arg.byteLength + ')';
		if (arg instanceof Error) return arg.name + ': ' + arg.message;
		if (typeof arg === 'object' && arg !== null) {
			try { return JSON.stringify(arg); } catch (e) { return '[object Object]'; }
		}
		return String(arg);
	}
	var con = {};
	var depth = 0;
	['log', 'info', 'warn', 'error', 'debug'].forEach(function(lvl) {
		con[lvl] = function() {
			var parts = [];
			for (var j = 0; j < arguments.length; j++) parts.push(fmt(arguments[j]));
			var pad = depth > 0 ? new Array(depth + 1).join('  ') : '';
			__console(String(globalThis.__requestID || ''), lvl, pad + parts.join(' '));
		};
	});

	var timers = {};
	var counters = {};
	con.time = function(label) { timers[label || 'default'] = Date.now(); };
	con.timeEnd = function(label) {
		var l = label || 'default';
		if (timers[l] === undefined) { con.warn('Timer "' + l + '" does not exist'); return; }
		con.log(l + ': ' + (Date.now() - timers[l]) + 'ms');
		delete timers[l];
	};
	con.count = function(label) {
		var l = label || 'default';
		counters[l] = (counters[l] || 0) + 1;
		con.log(l + ': ' + counters[l]);
	};
	con.countReset = function(label) { counters[label || 'default'] = 0; };
	con.assert = function(cond) {
		if (cond) return;
		var rest = Array.prototype.slice.call(arguments, 1);
		con.error.apply(null, ['Assertion failed'].concat(rest));
	};
	con.group = function(label) { if (label) con.log(label); depth++; };
	con.groupEnd = function() { if (depth > 0) depth--; };
	con.dir = con.table = function(obj) { con.log(JSON.stringify(obj, null, 2)); };
	globalThis.console = con;
})();
`

// SetupConsole replaces globalThis.console with a version that captures
// output into the per-request log buffer.
func SetupConsole(rt core.JSRuntime, _ *eventloop.Bridge) error {
	if err := rt.RegisterFunc("__console", func(reqIDStr, level, message string) {
		core.AddLog(core.ParseReqID(reqIDStr), level, message)
	}); err != nil {
		return err
	}
	return rt.Eval(consoleJS)
}
