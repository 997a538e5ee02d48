package webapi

import (
	"fmt"
	"sync"
	"time"

	"github.com/cryguy/streamhost/internal/core"
	"github.com/cryguy/streamhost/internal/eventloop"
	"go.uber.org/zap"
)

// timersJS is the JavaScript side of setTimeout/setInterval/clearTimeout/clearInterval.
const timersJS = `
(function() {
	var callbacks = {};
	function register(fn, delay, args, interval) {
		if (typeof fn !== 'function') return 0;
		var id = __timerRegister(String(globalThis.__requestID || ''), Number(delay) || 0, interval);
		callbacks[id] = { fn: fn, args: args, interval: interval };
		return id;
	}
	globalThis.setTimeout = function(fn, delay) {
		return register(fn, delay, Array.prototype.slice.call(arguments, 2), false);
	};
	globalThis.setInterval = function(fn, interval) {
		return register(fn, interval, Array.prototype.slice.call(arguments, 2), true);
	};
	globalThis.clearTimeout = globalThis.clearInterval = function(id) {
		if (typeof id !== 'number') return;
		__timerClear(String(globalThis.__requestID || ''), id);
		delete callbacks[id];
	};
	globalThis.__timerFire = function(id) {
		var t = callbacks[id];
		if (!t) return;
		if (!t.interval) delete callbacks[id];
		t.fn.apply(null, t.args);
	};
})();
`

// timerSet holds one request's live timers. Each timer is a bridge task that
// sleeps off the script goroutine and fires through a continuation.
type timerSet struct {
	mu     sync.Mutex
	nextID int
	stops  map[int]chan struct{}
}

func newTimerSet() *timerSet { return &timerSet{stops: make(map[int]chan struct{})} }

func (t *timerSet) add() (int, chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	stop := make(chan struct{})
	t.stops[t.nextID] = stop
	return t.nextID, stop
}

func (t *timerSet) active(id int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.stops[id]
	return ok
}

func (t *timerSet) clear(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if stop, ok := t.stops[id]; ok {
		close(stop)
		delete(t.stops, id)
	}
}

func (t *timerSet) clearAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, stop := range t.stops {
		close(stop)
		delete(t.stops, id)
	}
}

func (t *timerSet) arm(rt core.JSRuntime, b *eventloop.Bridge, id int, stop chan struct{}, delay time.Duration, interval bool) error {
	return b.Go("timer", func() func() {
		tm := time.NewTimer(delay)
		defer tm.Stop()
		select {
		case <-tm.C:
		case <-stop:
			return nil
		}
		return func() {
			if !t.active(id) {
				return
			}
			if !interval {
				t.mu.Lock()
				delete(t.stops, id)
				t.mu.Unlock()
			}
			if err := rt.Eval(fmt.Sprintf("__timerFire(%d)", id)); err != nil {
				core.Logger().Debug("timer callback failed", zap.Int("timer", id), zap.Error(err))
			}
			if interval && t.active(id) {
				_ = t.arm(rt, b, id, stop, delay, true)
			}
		}
	})
}

// SetupTimers registers bridge-backed setTimeout/setInterval. Timers are
// scoped to the request that created them and stop when it ends.
func SetupTimers(rt core.JSRuntime, b *eventloop.Bridge) error {
	if err := rt.RegisterFunc("__timerRegister", func(reqIDStr string, delayMs int, interval bool) (int, error) {
		set, err := requestExt(reqIDStr, "timers", newTimerSet, (*timerSet).clearAll)
		if err != nil {
			return 0, err
		}
		delay := time.Duration(max(delayMs, 0)) * time.Millisecond
		if interval {
			delay = max(delay, time.Millisecond)
		}
		id, stop := set.add()
		if err := set.arm(rt, b, id, stop, delay, interval); err != nil {
			set.clear(id)
			return 0, err
		}
		return id, nil
	}); err != nil {
		return err
	}

	if err := rt.RegisterFunc("__timerClear", func(reqIDStr string, id int) {
		if set, err := requestExt(reqIDStr, "timers", newTimerSet, (*timerSet).clearAll); err == nil {
			set.clear(id)
		}
	}); err != nil {
		return err
	}

	return rt.Eval(timersJS)
}
