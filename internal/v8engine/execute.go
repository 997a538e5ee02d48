//go:build v8

package v8engine

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
	v8 "github.com/tommie/v8go"
	"go.uber.org/zap"
)

// ErrTimeout is reported when a script outlives the execution timeout.
var ErrTimeout = errors.New("script execution timed out")

// Engine runs scripts on a pool of V8 hosts.
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
	iso := v8.NewIsolate()
	defer iso.Dispose()
	if _, err := iso.CompileUnboundScript("(\n"+source+"\n)", "script.js", v8.CompileOptions{}); err != nil {
		return fmt.Errorf("compiling script: %w", err)
	}
	return nil
}

// Execute runs script, which must evaluate to a function, with env.
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
		core.Logger().Warn("v8: discarding host", zap.Int("host", h.id), zap.Error(res.Error))
		e.pool.replace(h)
	}
	res.Duration = time.Since(start)
	return res
}

// Shutdown disposes every idle host.
func (e *Engine) Shutdown() {
	e.pool.dispose()
}

func (h *Host) execute(ctx context.Context, script string, env *core.Env, timeout time.Duration) (result *core.Result, reusable bool) {
	result = &core.Result{}
	reusable = true

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var terminated atomic.Bool
	watchdog := time.AfterFunc(timeout, func() {
		terminated.Store(true)
		h.iso.TerminateExecution()
	})

	reqID := core.NewRequestState(env)
	defer func() {
		watchdog.Stop()
		if r := recover(); r != nil {
			reusable = false
			result.Error = fmt.Errorf("script panic: %v", r)
		}
		if terminated.Load() {
			reusable = false
		}
		if state := core.ClearRequestState(reqID); state != nil {
			result.Logs = state.SnapshotLogs()
		}
	}()

	fail := func(err error) (*core.Result, bool) {
		if terminated.Load() {
			err = fmt.Errorf("%w (limit: %v)", ErrTimeout, timeout)
		}
		result.Error = err
		return result, reusable
	}

	rt := h.rt
	if err := rt.SetGlobal("__requestID", strconv.FormatUint(reqID, 10)); err != nil {
		return fail(fmt.Errorf("setting request ID: %w", err))
	}
	if err := webapi.BuildEnvObject(rt, env); err != nil {
		return fail(fmt.Errorf("building JS env: %w", err))
	}
	if err := webapi.BuildExecContext(rt); err != nil {
		return fail(fmt.Errorf("building JS context: %w", err))
	}
	if err := webapi.StartScript(rt, script); err != nil {
		return fail(err)
	}
	if err := h.bridge.DrainRuntime(ctx, rt, func() bool { return webapi.ScriptSettled(rt) }); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			terminated.Store(true)
		}
		return fail(err)
	}
	value, err := webapi.ScriptOutcome(rt)
	if err != nil {
		return fail(err)
	}
	result.Value = value
	return result, reusable
}
