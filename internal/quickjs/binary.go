//go:build !v8

package quickjs

import (
	"encoding/base64"
	"fmt"
	"unsafe"

	"modernc.org/libc"
	lib "modernc.org/libquickjs"
)

// b64Slice is the raw size of one base64 slice on the fallback path.
const b64Slice = 192 << 10

// binaryPath moves chunk bytes between Go and a global ArrayBuffer.
type binaryPath interface {
	put(name string, data []byte) error
	take(name string) ([]byte, error)
}

// directPath copies straight into and out of ArrayBuffer storage with the
// C API. One memcpy per direction.
type directPath struct {
	h  cHandles
	rt *qjsRuntime
}

func (d directPath) put(name string, data []byte) error {
	cName, err := libc.CString(name)
	if err != nil {
		return fmt.Errorf("quickjs: property name: %w", err)
	}
	defer libc.Xfree(d.h.tls, cName)

	buf := lib.XJS_NewArrayBufferCopy(d.h.tls, d.h.ctx, uintptr(unsafe.Pointer(&data[0])), lib.Tsize_t(len(data)))
	glob := lib.XJS_GetGlobalObject(d.h.tls, d.h.ctx)
	// SetPropertyStr takes ownership of buf.
	rc := lib.XJS_SetPropertyStr(d.h.tls, d.h.ctx, glob, cName, buf)
	lib.XFreeValue(d.h.tls, d.h.ctx, glob)
	if rc < 0 {
		return fmt.Errorf("quickjs: setting %s", name)
	}
	return nil
}

func (d directPath) take(name string) ([]byte, error) {
	cName, err := libc.CString(name)
	if err != nil {
		return nil, fmt.Errorf("quickjs: property name: %w", err)
	}
	glob := lib.XJS_GetGlobalObject(d.h.tls, d.h.ctx)
	val := lib.XJS_GetPropertyStr(d.h.tls, d.h.ctx, glob, cName)
	lib.XFreeValue(d.h.tls, d.h.ctx, glob)
	libc.Xfree(d.h.tls, cName)

	var out []byte
	var size lib.Tsize_t
	if p := lib.XJS_GetArrayBuffer(d.h.tls, d.h.ctx, uintptr(unsafe.Pointer(&size)), val); p != 0 && size > 0 {
		out = make([]byte, size)
		copy(out, unsafe.Slice((*byte)(unsafe.Pointer(p)), size))
	}
	lib.XFreeValue(d.h.tls, d.h.ctx, val)
	return out, d.rt.Eval(deleteGlobal(name))
}

// b64Path ships bytes as base64 slices through two host functions. Used when
// the VM's C pointers cannot be read.
type b64Path struct {
	rt      *qjsRuntime
	staged  []byte
	collect []byte
}

func newB64Path(rt *qjsRuntime) (*b64Path, error) {
	p := &b64Path{rt: rt}
	if err := rt.RegisterFunc("__qjs_bt_chunk", p.slice); err != nil {
		return nil, err
	}
	if err := rt.RegisterFunc("__qjs_bt_recv", p.recv); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *b64Path) slice(off int) (string, error) {
	if off < 0 || off > len(p.staged) {
		return "", fmt.Errorf("offset %d out of range", off)
	}
	end := min(off+b64Slice, len(p.staged))
	return base64.StdEncoding.EncodeToString(p.staged[off:end]), nil
}

func (p *b64Path) recv(s string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", err
	}
	p.collect = append(p.collect, raw...)
	return "", nil
}

func (p *b64Path) put(name string, data []byte) error {
	p.staged = data
	defer func() { p.staged = nil }()
	return p.rt.Eval(fmt.Sprintf(`(function() {
		var view = new Uint8Array(%d), off = 0;
		while (off < view.length) {
			var s = atob(__qjs_bt_chunk(off));
			for (var i = 0; i < s.length; i++) view[off + i] = s.charCodeAt(i);
			off += s.length;
		}
		globalThis[%q] = view.buffer;
	})()`, len(data), name))
}

func (p *b64Path) take(name string) ([]byte, error) {
	p.collect = nil
	defer func() { p.collect = nil }()
	err := p.rt.Eval(fmt.Sprintf(`(function() {
		var buf = globalThis[%q];
		delete globalThis[%q];
		if (!buf || !buf.byteLength) return;
		var view = new Uint8Array(buf), step = %d;
		for (var off = 0; off < view.length; off += step) {
			var part = view.subarray(off, Math.min(off + step, view.length)), s = '';
			for (var i = 0; i < part.length; i += 8192) {
				s += String.fromCharCode.apply(null, part.subarray(i, Math.min(i + 8192, part.length)));
			}
			__qjs_bt_recv(btoa(s));
		}
	})()`, name, name, b64Slice))
	if err != nil {
		return nil, fmt.Errorf("quickjs: reading %s: %w", name, err)
	}
	return p.collect, nil
}

func deleteGlobal(name string) string {
	return fmt.Sprintf("delete globalThis[%q];", name)
}
