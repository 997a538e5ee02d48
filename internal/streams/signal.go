package streams

import (
	"errors"
	"sync"
	"sync/atomic"
	"weak"
)

// ErrAborted is the abort reason used when Abort is called with nil.
var ErrAborted = errors.New("operation aborted")

var signalSeq atomic.Uint64

// Signal reports an abort request to whoever observes it.
type Signal struct {
	id uint64

	mu          sync.Mutex
	aborted     bool
	reason      any
	handlers    map[uint64]func(reason any)
	nextHandler uint64
	// dependents are composed signals built by AnySignal. They are held
	// weakly and pruned whenever the map is walked.
	dependents map[uint64]weak.Pointer[Signal]
}

func newSignal() *Signal {
	return &Signal{id: signalSeq.Add(1)}
}

// AbortController owns a Signal and aborts it.
type AbortController struct {
	signal *Signal
}

// NewAbortController returns a controller with a fresh signal.
func NewAbortController() *AbortController {
	return &AbortController{signal: newSignal()}
}

// Signal returns the controlled signal.
func (a *AbortController) Signal() *Signal { return a.signal }

// Abort aborts the signal and every signal composed from it. Only the first
// call has an effect.
func (a *AbortController) Abort(reason any) { a.signal.abort(reason) }

// Aborted reports whether the signal fired.
func (s *Signal) Aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// Reason returns the abort reason, or nil while not aborted.
func (s *Signal) Reason() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Err returns the abort reason as an error, or nil while not aborted.
func (s *Signal) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.aborted {
		return nil
	}
	return reasonError(s.reason)
}

// OnAbort registers fn to run when the signal aborts. If it already has, fn
// runs before OnAbort returns. The returned func unregisters fn.
func (s *Signal) OnAbort(fn func(reason any)) (remove func()) {
	s.mu.Lock()
	if s.aborted {
		reason := s.reason
		s.mu.Unlock()
		fn(reason)
		return func() {}
	}
	if s.handlers == nil {
		s.handlers = make(map[uint64]func(any))
	}
	s.nextHandler++
	id := s.nextHandler
	s.handlers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.handlers, id)
		s.mu.Unlock()
	}
}

func (s *Signal) abort(reason any) {
	if reason == nil {
		reason = ErrAborted
	}
	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		return
	}
	s.aborted = true
	s.reason = reason
	handlers := make([]func(any), 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.handlers = nil
	deps := s.liveDependentsLocked()
	s.dependents = nil
	s.mu.Unlock()

	for _, d := range deps {
		d.abort(reason)
	}
	for _, h := range handlers {
		h(reason)
	}
}

// AnySignal returns a signal that aborts as soon as any of signals does,
// with that signal's reason.
func AnySignal(signals ...*Signal) *Signal {
	out := newSignal()
	for _, s := range signals {
		if s.Aborted() {
			out.aborted = true
			out.reason = s.Reason()
			return out
		}
	}
	wp := weak.Make(out)
	for _, s := range signals {
		s.addDependent(out.id, wp)
	}
	return out
}

func (s *Signal) addDependent(id uint64, wp weak.Pointer[Signal]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dependents == nil {
		s.dependents = make(map[uint64]weak.Pointer[Signal])
	}
	s.liveDependentsLocked()
	s.dependents[id] = wp
}

// Dependents returns how many composed signals still depend on s.
func (s *Signal) Dependents() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.liveDependentsLocked())
}

func (s *Signal) liveDependentsLocked() []*Signal {
	live := make([]*Signal, 0, len(s.dependents))
	for id, wp := range s.dependents {
		d := wp.Value()
		if d == nil {
			delete(s.dependents, id)
			continue
		}
		live = append(live, d)
	}
	return live
}

func reasonError(reason any) error {
	if err, ok := reason.(error); ok {
		return err
	}
	return &AbortError{Reason: reason}
}

// AbortError wraps a non-error abort reason.
type AbortError struct {
	Reason any
}

func (e *AbortError) Error() string { return "aborted" }

func (e *AbortError) Is(target error) bool { return target == ErrAborted }
