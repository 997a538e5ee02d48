package core

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const MaxLogEntries = 1000
const MaxLogMessageSize = 4096

// RequestState holds per-execution mutable state (logs, env, resource
// tables). The engine sets it before calling into JS and clears it after.
type RequestState struct {
	mu   sync.Mutex
	Logs []LogEntry
	Env  *Env

	// Extension storage for webapi packages. Each package stores its own
	// typed state using well-known string keys (e.g. "nativeStreams",
	// "scriptStreams").
	extMu    sync.Mutex
	ext      map[string]any
	cleanups []func()
}

// SetExt stores a value in the extension map under the given key.
func (rs *RequestState) SetExt(key string, val any) {
	rs.extMu.Lock()
	if rs.ext == nil {
		rs.ext = make(map[string]any)
	}
	rs.ext[key] = val
	rs.extMu.Unlock()
}

// GetExt retrieves a value from the extension map.
func (rs *RequestState) GetExt(key string) any {
	rs.extMu.Lock()
	defer rs.extMu.Unlock()
	if rs.ext == nil {
		return nil
	}
	return rs.ext[key]
}

// LoadOrStoreExt returns the existing value for key, or stores and returns
// the value produced by create.
func (rs *RequestState) LoadOrStoreExt(key string, create func() any) any {
	rs.extMu.Lock()
	defer rs.extMu.Unlock()
	if rs.ext == nil {
		rs.ext = make(map[string]any)
	}
	if v, ok := rs.ext[key]; ok {
		return v
	}
	v := create()
	rs.ext[key] = v
	return v
}

// RegisterCleanup adds a cleanup function to be called when the request state
// is cleared. Cleanups are called in reverse registration order.
func (rs *RequestState) RegisterCleanup(fn func()) {
	rs.extMu.Lock()
	rs.cleanups = append(rs.cleanups, fn)
	rs.extMu.Unlock()
}

var (
	requestCounter atomic.Uint64
	requestStates  sync.Map // uint64 -> *RequestState
)

// NewRequestState registers a fresh state and returns its ID.
func NewRequestState(env *Env) uint64 {
	id := requestCounter.Add(1)
	requestStates.Store(id, &RequestState{Env: env})
	return id
}

// GetRequestState returns the state for the given request ID, or nil.
func GetRequestState(id uint64) *RequestState {
	v, ok := requestStates.Load(id)
	if !ok {
		return nil
	}
	return v.(*RequestState)
}

// ClearRequestState removes the state for the given request ID and returns
// it after running registered cleanups in reverse order.
func ClearRequestState(id uint64) *RequestState {
	v, ok := requestStates.LoadAndDelete(id)
	if !ok {
		return nil
	}
	state := v.(*RequestState)

	state.extMu.Lock()
	cleanups := state.cleanups
	state.cleanups = nil
	state.extMu.Unlock()
	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
	return state
}

// AddLog appends a log entry to the request state identified by id.
func AddLog(id uint64, level, message string) {
	state := GetRequestState(id)
	if state == nil {
		return
	}
	if len(message) > MaxLogMessageSize {
		message = message[:MaxLogMessageSize] + "...(truncated)"
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if len(state.Logs) >= MaxLogEntries {
		return
	}
	state.Logs = append(state.Logs, LogEntry{
		Level:   level,
		Message: message,
		Time:    time.Now(),
	})
}

// SnapshotLogs returns a copy of the captured logs.
func (rs *RequestState) SnapshotLogs() []LogEntry {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]LogEntry(nil), rs.Logs...)
}

// ParseReqID parses a request ID string to uint64.
func ParseReqID(s string) uint64 {
	if s == "" || s == "undefined" {
		return 0
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		var n uint64
		fmt.Sscanf(s, "%d", &n)
		return n
	}
	return id
}

// JsEscape escapes a string for safe embedding in JavaScript source code.
func JsEscape(s string) string {
	return strconv.Quote(s)
}
