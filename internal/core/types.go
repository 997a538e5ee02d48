package core

import (
	"context"
	"io"
	"time"
)

// Result wraps a script's return value with execution metadata.
type Result struct {
	// Value holds the JSON-serialized value the script resolved with.
	Value    string
	Logs     []LogEntry
	Error    error
	Duration time.Duration
}

// LogEntry is a single console.log/warn/error captured from a script.
type LogEntry struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Env holds the bindings passed to the script's entry function.
type Env struct {
	Vars map[string]string

	// Channels are exposed to the script as env.<name> NativeStream objects.
	// Values are *channel.Channel; core cannot name the type without an
	// import cycle.
	Channels map[string]any

	// Readers are exposed as env.<name> ReadableStream byte streams. Each
	// can be opened once; an io.Closer is closed when its stream ends.
	Readers map[string]io.Reader
}

// Backend is implemented by the engine packages (QuickJS, V8). The root
// streamhost.Engine facade delegates to one of these based on build tags.
type Backend interface {
	Execute(ctx context.Context, script string, env *Env) *Result
	Shutdown()
}
