//go:build !v8

package quickjs

import (
	"errors"
	"fmt"

	"github.com/cryguy/streamhost/internal/core"
	"modernc.org/quickjs"
)

// qjsRuntime adapts a quickjs.VM to core.JSRuntime and core.BinaryTransferer.
type qjsRuntime struct {
	vm     *quickjs.VM
	h      cHandles
	direct bool
	bin    binaryPath
}

var errBinaryOff = errors.New("quickjs: binary transfer not enabled")

var (
	_ core.JSRuntime        = (*qjsRuntime)(nil)
	_ core.BinaryTransferer = (*qjsRuntime)(nil)
)

// newRuntime wraps vm and reads its C handles when the layout allows.
func newRuntime(vm *quickjs.VM) *qjsRuntime {
	r := &qjsRuntime{vm: vm}
	if h, err := readHandles(vm); err == nil {
		r.h, r.direct = h, true
	}
	return r
}

// enableBinary picks the transfer path. It reports false when bytes will
// travel as base64.
func (r *qjsRuntime) enableBinary() (bool, error) {
	if r.direct {
		r.bin = directPath{h: r.h, rt: r}
		return true, nil
	}
	p, err := newB64Path(r)
	if err != nil {
		return false, fmt.Errorf("quickjs: base64 transfer: %w", err)
	}
	r.bin = p
	return false, nil
}

func (r *qjsRuntime) eval(js string) (any, error) {
	return r.vm.Eval(js, quickjs.EvalGlobal)
}

func (r *qjsRuntime) Eval(js string) error {
	v, err := r.vm.EvalValue(js, quickjs.EvalGlobal)
	if err != nil {
		return err
	}
	v.Free()
	return nil
}

func (r *qjsRuntime) EvalString(js string) (string, error) {
	v, err := r.eval(js)
	if err != nil || v == nil {
		return "", err
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	return fmt.Sprint(v), nil
}

func (r *qjsRuntime) EvalBool(js string) (bool, error) {
	v, err := r.eval(js)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("quickjs: want bool, script produced %T", v)
	}
	return b, nil
}

func (r *qjsRuntime) EvalInt(js string) (int, error) {
	v, err := r.eval(js)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	}
	return 0, fmt.Errorf("quickjs: want number, script produced %T", v)
}

// unwrapJS turns the [value, error] array the wrapper returns for
// (T, error) functions back into a value or a thrown TypeError.
const unwrapJS = `(function(raw, name) {
	var f = globalThis[raw];
	delete globalThis[raw];
	globalThis[name] = function() {
		var out = f.apply(this, arguments);
		if (!Array.isArray(out)) return out;
		if (out[1] != null) throw new TypeError(name + ": " + out[1]);
		return out[0];
	};
})(%q, %q)`

func (r *qjsRuntime) RegisterFunc(name string, fn any) error {
	raw := "__raw_" + name
	if err := r.vm.RegisterFunc(raw, fn, false); err != nil {
		return fmt.Errorf("quickjs: registering %s: %w", name, err)
	}
	return r.Eval(fmt.Sprintf(unwrapJS, raw, name))
}

func (r *qjsRuntime) SetGlobal(name string, value any) error {
	atom, err := r.vm.NewAtom(name)
	if err != nil {
		return fmt.Errorf("quickjs: atom %q: %w", name, err)
	}
	glob := r.vm.GlobalObject()
	defer glob.Free()
	return glob.SetProperty(atom, value)
}

func (r *qjsRuntime) RunMicrotasks() {
	if r.direct {
		r.h.runJobs()
	}
}

// BinaryMode reports "ab": chunks cross as plain ArrayBuffers.
func (r *qjsRuntime) BinaryMode() string { return "ab" }

func (r *qjsRuntime) WriteBinaryToJS(name string, data []byte) error {
	if len(data) == 0 {
		return r.Eval(fmt.Sprintf("globalThis[%q] = new ArrayBuffer(0);", name))
	}
	if r.bin == nil {
		return errBinaryOff
	}
	return r.bin.put(name, data)
}

func (r *qjsRuntime) ReadBinaryFromJS(name string) ([]byte, error) {
	if r.bin == nil {
		return nil, errBinaryOff
	}
	return r.bin.take(name)
}
