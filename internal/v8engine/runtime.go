//go:build v8

package v8engine

import (
	"fmt"

	"github.com/cryguy/streamhost/internal/core"
	v8 "github.com/tommie/v8go"
)

// v8Runtime adapts one isolate and context to core.JSRuntime and
// core.BinaryTransferer.
type v8Runtime struct {
	iso       *v8.Isolate
	ctx       *v8.Context
	typeError *v8.Function
}

var (
	_ core.JSRuntime        = (*v8Runtime)(nil)
	_ core.BinaryTransferer = (*v8Runtime)(nil)
)

// sabScratch holds the SharedArrayBuffer Go writes into before the bytes are
// copied into a plain ArrayBuffer.
const sabScratch = "__tmp_sab"

func newRuntime(iso *v8.Isolate, ctx *v8.Context) *v8Runtime {
	r := &v8Runtime{iso: iso, ctx: ctx}
	if v, err := ctx.RunScript("(m) => new TypeError(m)", "type_error.js"); err == nil {
		r.typeError, _ = v.AsFunction()
	}
	return r
}

func (r *v8Runtime) run(js, origin string) (*v8.Value, error) {
	return r.ctx.RunScript(js, origin)
}

func (r *v8Runtime) Eval(js string) error {
	_, err := r.run(js, "eval.js")
	return err
}

func (r *v8Runtime) EvalString(js string) (string, error) {
	v, err := r.run(js, "eval.js")
	if err != nil || v == nil {
		return "", err
	}
	return v.String(), nil
}

func (r *v8Runtime) EvalBool(js string) (bool, error) {
	v, err := r.run(js, "eval.js")
	if err != nil || v == nil {
		return false, err
	}
	return v.Boolean(), nil
}

func (r *v8Runtime) EvalInt(js string) (int, error) {
	v, err := r.run(js, "eval.js")
	if err != nil || v == nil {
		return 0, err
	}
	return int(v.Integer()), nil
}

func (r *v8Runtime) SetGlobal(name string, value any) error {
	v, err := r.toValue(value)
	if err != nil {
		return fmt.Errorf("v8: global %q: %w", name, err)
	}
	return r.ctx.Global().Set(name, v)
}

func (r *v8Runtime) RunMicrotasks() {
	r.ctx.PerformMicrotaskCheckpoint()
}

// BinaryMode reports "sab": Go reaches script memory through
// SharedArrayBuffer backing stores.
func (r *v8Runtime) BinaryMode() string { return "sab" }

func (r *v8Runtime) ReadBinaryFromJS(name string) ([]byte, error) {
	defer r.run(fmt.Sprintf("delete globalThis[%q];", name), "binary.js")

	v, err := r.ctx.Global().Get(name)
	if err != nil {
		return nil, fmt.Errorf("v8: reading %s: %w", name, err)
	}
	if v.IsUndefined() || v.IsNull() {
		return nil, nil
	}
	if !v.IsSharedArrayBuffer() {
		// A plain ArrayBuffer has no backing store Go can reach.
		v, err = r.run(fmt.Sprintf(`(function(b) {
			var s = new SharedArrayBuffer(b.byteLength);
			new Uint8Array(s).set(new Uint8Array(b));
			return s;
		})(globalThis[%q])`, name), "binary.js")
		if err != nil {
			return nil, fmt.Errorf("v8: staging %s: %w", name, err)
		}
	}
	data, release, err := v.SharedArrayBufferGetContents()
	if err != nil {
		return nil, fmt.Errorf("v8: reading %s: %w", name, err)
	}
	defer release()
	if len(data) == 0 {
		return nil, nil
	}
	return append([]byte(nil), data...), nil
}

func (r *v8Runtime) WriteBinaryToJS(name string, data []byte) error {
	if _, err := r.run(fmt.Sprintf("globalThis.%s = new SharedArrayBuffer(%d);", sabScratch, len(data)), "binary.js"); err != nil {
		return fmt.Errorf("v8: allocating %d bytes: %w", len(data), err)
	}
	if len(data) > 0 {
		v, err := r.ctx.Global().Get(sabScratch)
		if err == nil {
			var dst []byte
			var release func()
			if dst, release, err = v.SharedArrayBufferGetContents(); err == nil {
				copy(dst, data)
				release()
			}
		}
		if err != nil {
			_ = r.Eval("delete globalThis." + sabScratch + ";")
			return fmt.Errorf("v8: writing %s: %w", name, err)
		}
	}
	_, err := r.run(fmt.Sprintf(`(function() {
		var s = globalThis.%[1]s;
		delete globalThis.%[1]s;
		var b = new ArrayBuffer(s.byteLength);
		new Uint8Array(b).set(new Uint8Array(s));
		globalThis[%[2]q] = b;
	})()`, sabScratch, name), "binary.js")
	return err
}
