package streamhost

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

func testCfg() Config {
	cfg := DefaultConfig()
	cfg.PoolSize = 2
	cfg.ExecutionTimeout = 5000
	return cfg
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return newTestEngineWith(t, testCfg())
}

func newTestEngineWith(t *testing.T, cfg Config, opts ...Option) *Engine {
	t.Helper()
	e, err := NewEngine(cfg, opts...)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(e.Shutdown)
	return e
}

// execJS runs source with env under a generous deadline.
func execJS(t *testing.T, e *Engine, source string, env *Env) *Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Execute(ctx, source, env)
}

func defaultEnv() *Env {
	return &Env{Vars: make(map[string]string)}
}

// assertOK checks result has no error.
func assertOK(t *testing.T, r *Result) {
	t.Helper()
	if r == nil {
		t.Fatal("result is nil (Execute returned nil)")
	}
	if r.Error != nil {
		t.Fatalf("unexpected error: %v (logs: %v)", r.Error, r.Logs)
	}
}

// decode unmarshals a successful result's value into v.
func decode(t *testing.T, r *Result, v any) {
	t.Helper()
	assertOK(t, r)
	if err := json.Unmarshal([]byte(r.Value), v); err != nil {
		t.Fatalf("unmarshal %q: %v", r.Value, err)
	}
}

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

func TestExecute_ReturnsJSONValue(t *testing.T) {
	e := newTestEngine(t)
	r := execJS(t, e, `(env) => ({ n: 1 + 2, s: "ok" })`, defaultEnv())
	assertOK(t, r)
	if r.Value != `{"n":3,"s":"ok"}` {
		t.Errorf("value = %s", r.Value)
	}
	if r.Duration <= 0 {
		t.Error("duration should be recorded")
	}
}

func TestExecute_AwaitsAsyncFunction(t *testing.T) {
	e := newTestEngine(t)
	source := `async (env) => {
  await new Promise(resolve => setTimeout(resolve, 10));
  return [1, 2, 3];
}`
	var got []int
	decode(t, execJS(t, e, source, defaultEnv()), &got)
	if len(got) != 3 || got[2] != 3 {
		t.Errorf("got %v", got)
	}
}

func TestExecute_UndefinedIsNull(t *testing.T) {
	e := newTestEngine(t)
	r := execJS(t, e, `async () => {}`, defaultEnv())
	assertOK(t, r)
	if r.Value != "null" {
		t.Errorf("value = %q, want null", r.Value)
	}
}

func TestExecute_EnvVars(t *testing.T) {
	e := newTestEngine(t)
	env := defaultEnv()
	env.Vars["GREETING"] = "hello \"quoted\""
	var got string
	decode(t, execJS(t, e, `(env) => env.GREETING`, env), &got)
	if got != `hello "quoted"` {
		t.Errorf("got %q", got)
	}
}

func TestExecute_ThrowIsScriptError(t *testing.T) {
	e := newTestEngine(t)
	r := execJS(t, e, `async () => { throw new RangeError("out of bounds"); }`, defaultEnv())
	var se *ScriptError
	if !errors.As(r.Error, &se) {
		t.Fatalf("error = %v, want ScriptError", r.Error)
	}
	if se.Name != "RangeError" || se.Message != "out of bounds" {
		t.Errorf("script error = %+v", se)
	}
}

func TestExecute_NotAFunction(t *testing.T) {
	e := newTestEngine(t)
	r := execJS(t, e, `42`, defaultEnv())
	var se *ScriptError
	if !errors.As(r.Error, &se) || se.Name != "TypeError" {
		t.Fatalf("error = %v, want TypeError", r.Error)
	}
}

func TestExecute_SyntaxError(t *testing.T) {
	e := newTestEngine(t)
	r := execJS(t, e, `(env) => {`, defaultEnv())
	if r.Error == nil {
		t.Fatal("expected an error for invalid source")
	}
}

func TestExecute_NeverSettles(t *testing.T) {
	e := newTestEngine(t)
	r := execJS(t, e, `() => new Promise(() => {})`, defaultEnv())
	if !errors.Is(r.Error, ErrNotSettled) {
		t.Fatalf("error = %v, want ErrNotSettled", r.Error)
	}
}

func TestExecute_CapturesLogs(t *testing.T) {
	e := newTestEngine(t)
	source := `() => {
  console.log("hello", { a: 1 });
  console.warn("careful");
  console.error(new Error("bad"));
  return true;
}`
	r := execJS(t, e, source, defaultEnv())
	assertOK(t, r)
	if len(r.Logs) != 3 {
		t.Fatalf("logs = %+v, want 3 entries", r.Logs)
	}
	if r.Logs[0].Level != "log" || r.Logs[0].Message != `hello {"a":1}` {
		t.Errorf("log[0] = %+v", r.Logs[0])
	}
	if r.Logs[1].Level != "warn" {
		t.Errorf("log[1] = %+v", r.Logs[1])
	}
	if r.Logs[2].Message != "Error: bad" {
		t.Errorf("log[2] = %+v", r.Logs[2])
	}
}

func TestExecute_WaitUntil(t *testing.T) {
	e := newTestEngine(t)
	source := `(env, ctx) => {
  ctx.waitUntil(new Promise(resolve => setTimeout(() => {
    console.log("background done");
    resolve();
  }, 20)));
  return "sent";
}`
	r := execJS(t, e, source, defaultEnv())
	assertOK(t, r)
	if len(r.Logs) != 1 || r.Logs[0].Message != "background done" {
		t.Errorf("logs = %+v", r.Logs)
	}
}

func TestExecute_Timeout(t *testing.T) {
	cfg := testCfg()
	cfg.ExecutionTimeout = 200
	e := newTestEngineWith(t, cfg)

	r := execJS(t, e, `() => { while (true) {} }`, defaultEnv())
	if r.Error == nil || !strings.Contains(r.Error.Error(), "timed out") {
		t.Fatalf("error = %v, want timeout", r.Error)
	}

	// The interrupted host was replaced; the pool still serves scripts.
	for i := 0; i < cfg.PoolSize+1; i++ {
		r = execJS(t, e, `() => "alive"`, defaultEnv())
		assertOK(t, r)
	}
}

func TestExecute_AsyncTimeout(t *testing.T) {
	cfg := testCfg()
	cfg.ExecutionTimeout = 200
	e := newTestEngineWith(t, cfg)

	r := execJS(t, e, `() => new Promise(resolve => setTimeout(resolve, 60000))`, defaultEnv())
	if r.Error == nil || !strings.Contains(r.Error.Error(), "timed out") {
		t.Fatalf("error = %v, want timeout", r.Error)
	}
}

func TestExecute_CallerCancel(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := e.Execute(ctx, `() => 1`, defaultEnv())
	if r.Error == nil {
		t.Fatal("expected an error for a cancelled context")
	}
}

func TestExecute_GlobalsDoNotLeakBetweenRuns(t *testing.T) {
	cfg := testCfg()
	cfg.PoolSize = 1
	e := newTestEngineWith(t, cfg)

	env := defaultEnv()
	env.Vars["SECRET"] = "first"
	assertOK(t, execJS(t, e, `(env) => env.SECRET`, env))

	var got map[string]any
	decode(t, execJS(t, e, `(env) => ({ env: Object.keys(env), old: typeof globalThis.__env })`, defaultEnv()), &got)
	if keys, _ := got["env"].([]any); len(keys) != 0 {
		t.Errorf("env leaked: %v", got["env"])
	}
}

func TestCompile(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Compile(`async (env) => env.X`); err != nil {
		t.Errorf("Compile valid: %v", err)
	}
	if err := e.Compile(`async (env) => {`); err == nil {
		t.Error("Compile should reject invalid source")
	}
}

func TestNewEngine_RejectsInvalidConfig(t *testing.T) {
	cfg := testCfg()
	cfg.PoolSize = 0
	if _, err := NewEngine(cfg); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestEngine_Metrics(t *testing.T) {
	cfg := testCfg()
	cfg.Metrics.Enabled = true
	reg := prometheus.NewRegistry()
	e := newTestEngineWith(t, cfg, WithRegisterer(reg))

	source := `async () => {
  const ns = NativeStream.create("metered", 4);
  await ns.write("abc");
  ns.close();
  const r = ns.getReader();
  await r.read();
  return true;
}`
	assertOK(t, execJS(t, e, source, defaultEnv()))

	n, err := testutil.GatherAndCount(reg, "streamhost_channel_writes_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if n == 0 {
		t.Error("expected channel write series")
	}
}
