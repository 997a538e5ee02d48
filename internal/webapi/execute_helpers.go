package webapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/cryguy/streamhost/internal/core"
)

// ErrNotSettled is reported when the bridge went idle before the script's
// promise settled.
var ErrNotSettled = errors.New("script promise never settled")

// ScriptError is a rejection or throw from the script's entry function.
type ScriptError struct {
	Name    string
	Message string
	Stack   string
}

func (e *ScriptError) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

// BuildEnvObject creates globalThis.__env from env: plain vars, native
// channels as NativeStream objects and readers as lazily opened
// ReadableStreams.
func BuildEnvObject(rt core.JSRuntime, env *core.Env) error {
	if err := rt.Eval("globalThis.__env = {};"); err != nil {
		return fmt.Errorf("creating env object: %w", err)
	}
	if env == nil {
		return nil
	}

	for _, k := range sortedKeys(env.Vars) {
		js := fmt.Sprintf("globalThis.__env[%s] = %s;", core.JsEscape(k), core.JsEscape(env.Vars[k]))
		if err := rt.Eval(js); err != nil {
			return fmt.Errorf("setting var %q: %w", k, err)
		}
	}

	for _, name := range sortedKeys(env.Channels) {
		js := fmt.Sprintf("globalThis.__env[%s] = NativeStream.open(%s);", core.JsEscape(name), core.JsEscape(name))
		if err := rt.Eval(js); err != nil {
			return fmt.Errorf("setting channel binding %q: %w", name, err)
		}
	}

	// Readers open on first access so an unused binding never starts a read.
	for _, name := range sortedKeys(env.Readers) {
		js := fmt.Sprintf(`(function(name) {
			var s;
			Object.defineProperty(globalThis.__env, name, {
				enumerable: true,
				get: function() { return s || (s = __rsFromEnv(name)); }
			});
		})(%s);`, core.JsEscape(name))
		if err := rt.Eval(js); err != nil {
			return fmt.Errorf("setting reader binding %q: %w", name, err)
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// BuildExecContext creates globalThis.__ctx with waitUntil().
func BuildExecContext(rt core.JSRuntime) error {
	return rt.Eval(`
		globalThis.__waitUntilPromises = [];
		globalThis.__ctx = {
			waitUntil: function(promise) {
				globalThis.__waitUntilPromises.push(Promise.resolve(promise));
			}
		};
	`)
}

// StartScript evaluates source, which must evaluate to a function, and calls
// it with (__env, __ctx). The outcome lands in __scriptOutcome once the
// returned promise and every waitUntil promise have settled.
func StartScript(rt core.JSRuntime, source string) error {
	js := fmt.Sprintf(`(function() {
		globalThis.__scriptOutcome = undefined;
		var fn = (
%s
		);
		function finish(outcome) {
			Promise.allSettled(globalThis.__waitUntilPromises || []).then(function() {
				globalThis.__scriptOutcome = outcome;
			});
		}
		function fail(e) {
			var err = { error: true, name: '', message: String(e), stack: '' };
			if (e instanceof Error) {
				err.name = e.name;
				err.message = e.message;
				err.stack = String(e.stack || '');
			}
			finish(err);
		}
		if (typeof fn !== 'function') {
			fail(new TypeError('script must evaluate to a function'));
			return;
		}
		try {
			Promise.resolve(fn(globalThis.__env, globalThis.__ctx)).then(function(v) {
				var json;
				try {
					json = v === undefined ? 'null' : JSON.stringify(v);
				} catch (e) {
					fail(e);
					return;
				}
				finish({ value: json === undefined ? 'null' : json });
			}, fail);
		} catch (e) {
			fail(e);
		}
	})()`, source)
	if err := rt.Eval(js); err != nil {
		return fmt.Errorf("starting script: %w", err)
	}
	return nil
}

// ScriptSettled reports whether the script's outcome is available.
func ScriptSettled(rt core.JSRuntime) bool {
	ok, err := rt.EvalBool("globalThis.__scriptOutcome !== undefined")
	return err == nil && ok
}

// ScriptOutcome extracts the JSON result or the script error, then clears
// the per-run globals.
func ScriptOutcome(rt core.JSRuntime) (string, error) {
	raw, err := rt.EvalString(`(function() {
		var o = globalThis.__scriptOutcome;
		delete globalThis.__scriptOutcome;
		delete globalThis.__env;
		delete globalThis.__ctx;
		delete globalThis.__waitUntilPromises;
		return o === undefined ? '' : JSON.stringify(o);
	})()`)
	if err != nil {
		return "", fmt.Errorf("extracting result: %w", err)
	}
	if raw == "" {
		return "", ErrNotSettled
	}
	var out struct {
		Value   string `json:"value"`
		Error   bool   `json:"error"`
		Name    string `json:"name"`
		Message string `json:"message"`
		Stack   string `json:"stack"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return "", fmt.Errorf("parsing result JSON: %w", err)
	}
	if out.Error {
		return "", &ScriptError{Name: out.Name, Message: out.Message, Stack: out.Stack}
	}
	return out.Value, nil
}
