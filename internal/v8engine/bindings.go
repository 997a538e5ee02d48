//go:build v8

package v8engine

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"

	v8 "github.com/tommie/v8go"
)

var errorType = reflect.TypeFor[error]()

// RegisterFunc binds fn as a global function. Arguments and results are
// limited to string, int, int64, float64 and bool; a (T, error) function
// throws a TypeError when the error is non-nil.
func (r *v8Runtime) RegisterFunc(name string, fn any) error {
	fv := reflect.ValueOf(fn)
	ft := fv.Type()
	if ft.Kind() != reflect.Func {
		return fmt.Errorf("v8: %s is a %T, not a function", name, fn)
	}
	if ft.NumOut() > 2 || (ft.NumOut() == 2 && !ft.Out(1).Implements(errorType)) {
		return fmt.Errorf("v8: %s: unsupported result shape %s", name, ft)
	}

	tmpl := v8.NewFunctionTemplate(r.iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		if len(args) < ft.NumIn() {
			return r.throw(fmt.Sprintf("%s: want %d argument(s), got %d", name, ft.NumIn(), len(args)))
		}
		in := make([]reflect.Value, ft.NumIn())
		for i := range in {
			in[i] = argValue(args[i], ft.In(i))
		}
		out := fv.Call(in)
		if len(out) == 2 && !out[1].IsNil() {
			return r.throw(name + ": " + out[1].Interface().(error).Error())
		}
		if len(out) == 0 {
			return nil
		}
		return r.resultValue(out[0])
	})
	return r.ctx.Global().Set(name, tmpl.GetFunction(r.ctx))
}

// throw raises a TypeError carrying msg in the current callback.
func (r *v8Runtime) throw(msg string) *v8.Value {
	m, _ := v8.NewValue(r.iso, msg)
	if r.typeError != nil {
		if exc, err := r.typeError.Call(v8.Undefined(r.iso), m); err == nil {
			return r.iso.ThrowException(exc)
		}
	}
	return r.iso.ThrowException(m)
}

func argValue(v *v8.Value, t reflect.Type) reflect.Value {
	switch t.Kind() {
	case reflect.String:
		return reflect.ValueOf(v.String())
	case reflect.Int:
		return reflect.ValueOf(int(v.Integer()))
	case reflect.Int64:
		return reflect.ValueOf(v.Integer())
	case reflect.Float64:
		return reflect.ValueOf(v.Number())
	case reflect.Bool:
		return reflect.ValueOf(v.Boolean())
	}
	return reflect.Zero(t)
}

func (r *v8Runtime) resultValue(rv reflect.Value) *v8.Value {
	var v *v8.Value
	switch rv.Kind() {
	case reflect.String:
		v, _ = v8.NewValue(r.iso, rv.String())
	case reflect.Int, reflect.Int32, reflect.Int64:
		v, _ = r.number(rv.Int())
	case reflect.Float32, reflect.Float64:
		v, _ = v8.NewValue(r.iso, rv.Float())
	case reflect.Bool:
		v, _ = v8.NewValue(r.iso, rv.Bool())
	}
	return v
}

// number keeps integers as JS numbers. Passing an int64 to v8go would
// produce a BigInt.
func (r *v8Runtime) number(n int64) (*v8.Value, error) {
	if n >= math.MinInt32 && n <= math.MaxInt32 {
		return v8.NewValue(r.iso, int32(n))
	}
	return v8.NewValue(r.iso, float64(n))
}

func (r *v8Runtime) toValue(value any) (*v8.Value, error) {
	switch v := value.(type) {
	case nil:
		return v8.Undefined(r.iso), nil
	case string, bool, float64, int32:
		return v8.NewValue(r.iso, v)
	case int:
		return r.number(int64(v))
	case int64:
		return r.number(v)
	case *v8.Value:
		return v, nil
	case *v8.Object:
		return v.Value, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return r.ctx.RunScript("JSON.parse("+strconv.Quote(string(data))+")", "global.js")
}
