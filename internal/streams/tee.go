package streams

import (
	"fmt"

	"github.com/cryguy/streamhost/internal/eventloop"
)

// teeState is only touched from bridge continuations.
type teeState struct {
	r         *DefaultReader
	branches  [2]*Stream
	canceled  [2]bool
	reasons   [2]any
	reading   bool
	readAgain bool
	done      bool

	cancelled     *eventloop.Promise[struct{}]
	resolveCancel func(struct{})
}

// Cloner is implemented by chunk values that tee must duplicate rather than
// share between its branches.
type Cloner interface {
	Clone() any
}

// Tee locks s and returns two streams that each receive every chunk of s.
// Byte chunks are copied for the second branch so the branches never share
// a buffer; Cloner chunks are cloned. Cancelling both branches cancels s
// with both reasons.
func (s *Stream) Tee() (*Stream, *Stream, error) {
	r, err := s.GetDefaultReader()
	if err != nil {
		return nil, nil, err
	}
	b := s.c.bridge
	t := &teeState{r: r}
	t.cancelled, t.resolveCancel, _ = eventloop.NewPromise[struct{}](b, s.c.key)

	for i := range t.branches {
		src := SourceFuncs{
			PullFunc: t.pull,
			CancelFunc: func(reason any) *eventloop.Promise[struct{}] {
				return t.cancel(i, reason)
			},
		}
		t.branches[i] = New(b, src, CountStrategy(1), WithName(fmt.Sprintf("%s-tee%d", s.c.key, i)), WithMetrics(s.c.metrics))
	}

	r.Closed().Then(nil, func(err error) {
		for _, br := range t.branches {
			br.c.Error(err)
		}
		t.finish()
	})
	return t.branches[0], t.branches[1], nil
}

func (t *teeState) pull(*Controller) *eventloop.Promise[struct{}] {
	if t.reading {
		t.readAgain = true
		return nil
	}
	t.reading = true
	t.r.Read().Then(func(res ReadResult) {
		t.reading = false
		if res.Done {
			for i, br := range t.branches {
				if !t.canceled[i] {
					_ = br.c.Close()
				}
			}
			t.finish()
			return
		}
		second := res.Value
		switch v := second.(type) {
		case []byte:
			second = cloneBytes(v)
		case Cloner:
			second = v.Clone()
		}
		if !t.canceled[0] {
			_ = t.branches[0].c.Enqueue(res.Value)
		}
		if !t.canceled[1] {
			_ = t.branches[1].c.Enqueue(second)
		}
		if t.readAgain {
			t.readAgain = false
			t.pull(nil)
		}
	}, func(error) {
		t.reading = false
	})
	return nil
}

func (t *teeState) cancel(i int, reason any) *eventloop.Promise[struct{}] {
	t.canceled[i] = true
	t.reasons[i] = reason
	if t.canceled[0] && t.canceled[1] {
		t.r.Cancel([]any{t.reasons[0], t.reasons[1]}).Then(
			func(struct{}) { t.finish() },
			func(error) { t.finish() },
		)
	}
	return t.cancelled
}

func (t *teeState) finish() {
	if t.done {
		return
	}
	t.done = true
	t.resolveCancel(struct{}{})
}
