package core

// JSRuntime abstracts the script engine (QuickJS or V8). The webapi setup
// functions and the eventloop bridge only talk to the engine through it, and
// every method must be called on the goroutine that owns the runtime.
type JSRuntime interface {
	// Eval evaluates JavaScript source and discards the result.
	Eval(js string) error

	// EvalString evaluates JavaScript and returns the result as a Go string.
	EvalString(js string) (string, error)

	// EvalBool evaluates JavaScript and returns the result as a Go bool.
	EvalBool(js string) (bool, error)

	// EvalInt evaluates JavaScript and returns the result as a Go int.
	EvalInt(js string) (int, error)

	// RegisterFunc registers a Go function as a global JavaScript function.
	// Arguments and results are limited to string, int, float64 and bool.
	// A (T, error) function throws a TypeError in JS when error is non-nil.
	RegisterFunc(name string, fn any) error

	// SetGlobal sets a global variable on the JS context.
	SetGlobal(name string, value any) error

	// RunMicrotasks pumps the engine's own promise job queue.
	RunMicrotasks()
}

// BinaryTransferer moves chunk bytes between Go and JS without a base64
// round trip. Runtimes that do not implement it fall back to base64 strings.
type BinaryTransferer interface {
	// ReadBinaryFromJS reads the ArrayBuffer stored at globalName, then
	// deletes the global.
	ReadBinaryFromJS(globalName string) ([]byte, error)

	// WriteBinaryToJS stores a copy of data as an ArrayBuffer at globalName.
	WriteBinaryToJS(globalName string, data []byte) error

	// BinaryMode returns "sab" (V8, SharedArrayBuffer) or "ab" (QuickJS).
	BinaryMode() string
}
