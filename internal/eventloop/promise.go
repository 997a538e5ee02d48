package eventloop

import "sync"

type promiseState int

const (
	pending promiseState = iota
	fulfilled
	rejected
)

// Promise is a one-shot result whose reactions always run as bridge
// continuations, never inline in Resolve, Reject or Then.
type Promise[T any] struct {
	b   *Bridge
	key string

	mu        sync.Mutex
	state     promiseState
	value     T
	err       error
	reactions []func()
}

// NewPromise returns a pending promise and its settle functions. Only the
// first settle call has an effect.
func NewPromise[T any](b *Bridge, key string) (p *Promise[T], resolve func(T), reject func(error)) {
	p = &Promise[T]{b: b, key: key}
	return p, p.resolve, p.reject
}

// Resolved returns a promise already fulfilled with v.
func Resolved[T any](b *Bridge, key string, v T) *Promise[T] {
	p, resolve, _ := NewPromise[T](b, key)
	resolve(v)
	return p
}

// Rejected returns a promise already rejected with err.
func Rejected[T any](b *Bridge, key string, err error) *Promise[T] {
	p, _, reject := NewPromise[T](b, key)
	reject(err)
	return p
}

func (p *Promise[T]) resolve(v T) {
	p.settle(fulfilled, v, nil)
}

func (p *Promise[T]) reject(err error) {
	var zero T
	p.settle(rejected, zero, err)
}

func (p *Promise[T]) settle(state promiseState, v T, err error) {
	p.mu.Lock()
	if p.state != pending {
		p.mu.Unlock()
		return
	}
	p.state, p.value, p.err = state, v, err
	reactions := p.reactions
	p.reactions = nil
	p.mu.Unlock()
	for _, r := range reactions {
		p.schedule(r)
	}
}

// Then registers reactions. Either may be nil.
func (p *Promise[T]) Then(onFulfilled func(T), onRejected func(error)) {
	r := func() {
		p.mu.Lock()
		state, v, err := p.state, p.value, p.err
		p.mu.Unlock()
		if state == fulfilled && onFulfilled != nil {
			onFulfilled(v)
		} else if state == rejected && onRejected != nil {
			onRejected(err)
		}
	}
	p.mu.Lock()
	if p.state == pending {
		p.reactions = append(p.reactions, r)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.schedule(r)
}

func (p *Promise[T]) schedule(r func()) {
	_ = p.b.Post(p.key, r)
}

// Settled reports whether the promise has been resolved or rejected.
func (p *Promise[T]) Settled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state != pending
}

// Result returns the settled value and error. ok is false while pending.
func (p *Promise[T]) Result() (v T, err error, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value, p.err, p.state != pending
}

// Join resolves when every promise in ps has fulfilled, or rejects with the
// first rejection.
func Join[T any](b *Bridge, key string, ps ...*Promise[T]) *Promise[[]T] {
	out, resolve, reject := NewPromise[[]T](b, key)
	if len(ps) == 0 {
		resolve(nil)
		return out
	}
	values := make([]T, len(ps))
	remaining := len(ps)
	for i, p := range ps {
		p.Then(func(v T) {
			// Reactions run on the script goroutine, one at a time.
			values[i] = v
			remaining--
			if remaining == 0 {
				resolve(values)
			}
		}, reject)
	}
	return out
}
