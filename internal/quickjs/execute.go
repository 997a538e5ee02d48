//go:build !v8

package quickjs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cryguy/streamhost/internal/core"
	"github.com/cryguy/streamhost/internal/metrics"
	"github.com/cryguy/streamhost/internal/webapi"
	"go.uber.org/zap"
	"modernc.org/quickjs"
)

// ErrTimeout is reported when a script outlives the execution timeout.
var ErrTimeout = errors.New("script execution timed out")

// Engine runs scripts on a pool of QuickJS hosts.
type Engine struct {
	config core.EngineConfig
	pool   *hostPool
}

var _ core.Backend = (*Engine)(nil)

// NewEngine creates an Engine with cfg.PoolSize pre-warmed hosts.
func NewEngine(cfg core.EngineConfig, m *metrics.Collector) (*Engine, error) {
	pool, err := newHostPool(cfg, m)
	if err != nil {
		return nil, err
	}
	return &Engine{config: cfg, pool: pool}, nil
}

// Compile checks that source parses without running it.
func (e *Engine) Compile(source string) error {
	vm, err := quickjs.NewVM()
	if err != nil {
		return fmt.Errorf("creating validation VM: %w", err)
	}
	defer vm.Close()
	// Wrapping in a never-called function parses the source without
	// evaluating it.
	v, err := vm.EvalValue("(function() { return (\n"+source+"\n); })", quickjs.EvalGlobal)
	if err != nil {
		return fmt.Errorf("compiling script: %w", err)
	}
	v.Free()
	return nil
}

// Execute runs script, which must evaluate to a function, with env. It
// waits until the returned promise and every waitUntil promise settle, ctx
// ends, or the execution timeout fires.
func (e *Engine) Execute(ctx context.Context, script string, env *core.Env) *core.Result {
	start := time.Now()
	h, err := e.pool.get(ctx)
	if err != nil {
		return &core.Result{Error: fmt.Errorf("acquiring host: %w", err), Duration: time.Since(start)}
	}
	res, reusable := h.execute(ctx, script, env, e.config.ExecutionDeadline())
	if reusable {
		e.pool.put(h)
	} else {
		core.Logger().Warn("quickjs: discarding host", zap.Int("host", h.id), zap.Error(res.Error))
		e.pool.replace(h)
	}
	res.Duration = time.Since(start)
	return res
}

// Shutdown closes every idle host. Executions in flight finish first and
// their hosts are closed on return.
func (e *Engine) Shutdown() {
	e.pool.dispose()
}

// execute runs one script on h. reusable is false when the VM was
// interrupted or panicked and must not run anything else.
func (h *Host) execute(ctx context.Context, script string, env *core.Env, timeout time.Duration) (result *core.Result, reusable bool) {
	result = &core.Result{}
	reusable = true

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var interrupted atomic.Bool
	watchdog := time.AfterFunc(timeout, func() {
		interrupted.Store(true)
		h.vm.Interrupt()
	})

	reqID := core.NewRequestState(env)
	defer func() {
		watchdog.Stop()
		if r := recover(); r != nil {
			reusable = false
			if interrupted.Load() {
				result.Error = fmt.Errorf("%w (limit: %v)", ErrTimeout, timeout)
			} else {
				result.Error = fmt.Errorf("script panic: %v", r)
			}
		}
		if interrupted.Load() {
			reusable = false
		}
		if state := core.ClearRequestState(reqID); state != nil {
			result.Logs = state.SnapshotLogs()
		}
	}()

	rt := h.rt
	if err := rt.SetGlobal("__requestID", strconv.FormatUint(reqID, 10)); err != nil {
		result.Error = fmt.Errorf("setting request ID: %w", err)
		return result, reusable
	}
	if err := webapi.BuildEnvObject(rt, env); err != nil {
		result.Error = fmt.Errorf("building JS env: %w", err)
		return result, reusable
	}
	if err := webapi.BuildExecContext(rt); err != nil {
		result.Error = fmt.Errorf("building JS context: %w", err)
		return result, reusable
	}
	if err := webapi.StartScript(rt, script); err != nil {
		result.Error = h.timeoutOr(err, interrupted.Load(), timeout)
		return result, reusable
	}

	if err := h.bridge.DrainRuntime(ctx, rt, func() bool { return webapi.ScriptSettled(rt) }); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			interrupted.Store(true)
		}
		result.Error = h.timeoutOr(err, interrupted.Load(), timeout)
		return result, reusable
	}

	value, err := webapi.ScriptOutcome(rt)
	if err != nil {
		result.Error = h.timeoutOr(err, interrupted.Load(), timeout)
		return result, reusable
	}
	result.Value = value
	return result, reusable
}

func (h *Host) timeoutOr(err error, interrupted bool, timeout time.Duration) error {
	if interrupted {
		return fmt.Errorf("%w (limit: %v)", ErrTimeout, timeout)
	}
	return err
}
