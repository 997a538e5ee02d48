//go:build !v8

package quickjs

import (
	"errors"
	"reflect"
	"unsafe"

	"modernc.org/libc"
	lib "modernc.org/libquickjs"
	"modernc.org/quickjs"
)

var errNoInternals = errors.New("quickjs: VM internals not accessible")

// cHandles are the raw C pointers behind a quickjs.VM. The wrapper keeps them
// unexported, so they are read with reflect.
//
// Layout as of modernc.org/quickjs v0.17:
//
//	type VM struct {
//	    cContext uintptr
//	    ...
//	    runtime  *runtime
//	}
//
//	type runtime struct {
//	    cRuntime uintptr
//	    tls      *libc.TLS
//	}
type cHandles struct {
	ctx uintptr
	rt  uintptr
	tls *libc.TLS
}

func readHandles(vm *quickjs.VM) (h cHandles, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errNoInternals
		}
	}()

	v := reflect.ValueOf(vm).Elem()
	if f := v.FieldByName("cContext"); f.IsValid() && f.Kind() == reflect.Uintptr {
		h.ctx = uintptr(f.Uint())
	} else {
		h.ctx = *(*uintptr)(unsafe.Pointer(v.UnsafeAddr()))
	}

	rtField := v.FieldByName("runtime")
	if !rtField.IsValid() || rtField.IsNil() {
		return h, errNoInternals
	}
	rt := reflect.NewAt(rtField.Type().Elem(), unsafe.Pointer(rtField.Pointer())).Elem()
	cr := rt.FieldByName("cRuntime")
	tls := rt.FieldByName("tls")
	if !cr.IsValid() || !tls.IsValid() || tls.IsNil() {
		return h, errNoInternals
	}
	h.rt = uintptr(cr.Uint())
	h.tls = (*libc.TLS)(unsafe.Pointer(tls.Pointer()))
	if h.ctx == 0 || h.rt == 0 {
		return h, errNoInternals
	}
	return h, nil
}

// runJobs drains the VM's promise job queue and returns how many jobs ran.
// The wrapper never calls JS_ExecutePendingJob on its own, so without this
// no .then() reaction would fire.
func (h cHandles) runJobs() int {
	n := 0
	for lib.XJS_ExecutePendingJob(h.tls, h.rt, 0) > 0 {
		n++
	}
	return n
}
