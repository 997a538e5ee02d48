package streamhost

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"
)

func TestReadableStream_StartEnqueueClose(t *testing.T) {
	e := newTestEngine(t)
	source := `async () => {
  const obj = { id: 7 };
  const rs = new ReadableStream({
    start(c) {
      c.enqueue("a");
      c.enqueue(obj);
      c.close();
    }
  });
  const r = rs.getReader();
  const one = await r.read();
  const two = await r.read();
  const end = await r.read();
  await r.closed;
  return { one: one.value, same: two.value === obj, done: end.done, locked: rs.locked };
}`
	var data struct {
		One    string `json:"one"`
		Same   bool   `json:"same"`
		Done   bool   `json:"done"`
		Locked bool   `json:"locked"`
	}
	decode(t, execJS(t, e, source, defaultEnv()), &data)
	if data.One != "a" {
		t.Errorf("first chunk = %q", data.One)
	}
	if !data.Same {
		t.Error("object chunks should arrive by identity")
	}
	if !data.Done {
		t.Error("third read should be done")
	}
	if !data.Locked {
		t.Error("stream should stay locked to its reader")
	}
}

func TestReadableStream_PullOnDemand(t *testing.T) {
	e := newTestEngine(t)
	source := `async () => {
  let pulls = 0;
  const rs = new ReadableStream({
    pull(c) {
      pulls++;
      if (pulls > 3) { c.close(); return; }
      c.enqueue(pulls);
    }
  }, { highWaterMark: 0 });
  await new Promise(r => setTimeout(r, 10));
  const before = pulls;
  const got = [];
  for await (const v of rs) got.push(v);
  return { before, got };
}`
	var data struct {
		Before int   `json:"before"`
		Got    []int `json:"got"`
	}
	decode(t, execJS(t, e, source, defaultEnv()), &data)
	if data.Before != 0 {
		t.Errorf("pulls before first read = %d, want 0 with highWaterMark 0", data.Before)
	}
	if len(data.Got) != 3 || data.Got[0] != 1 || data.Got[2] != 3 {
		t.Errorf("got %v", data.Got)
	}
}

func TestReadableStream_DesiredSizeWithStrategy(t *testing.T) {
	e := newTestEngine(t)
	source := `() => {
  let ctrl;
  new ReadableStream({ start(c) { ctrl = c; } }, {
    highWaterMark: 10,
    size(chunk) { return chunk.length; }
  });
  const sizes = [ctrl.desiredSize];
  ctrl.enqueue("abcd");
  sizes.push(ctrl.desiredSize);
  ctrl.enqueue("abcdefgh");
  sizes.push(ctrl.desiredSize);
  ctrl.close();
  return sizes;
}`
	var sizes []int
	decode(t, execJS(t, e, source, defaultEnv()), &sizes)
	want := []int{10, 6, -2}
	for i := range want {
		if i >= len(sizes) || sizes[i] != want[i] {
			t.Fatalf("desiredSize sequence = %v, want %v", sizes, want)
		}
	}
}

func TestReadableStream_InvalidSizeThrows(t *testing.T) {
	e := newTestEngine(t)
	source := `() => {
  let ctrl;
  new ReadableStream({ start(c) { ctrl = c; } }, { size() { return -1; } });
  try { ctrl.enqueue("x"); } catch (e) { return e.name; }
  return "no error";
}`
	var name string
	decode(t, execJS(t, e, source, defaultEnv()), &name)
	if name != "RangeError" {
		t.Errorf("got %q, want RangeError", name)
	}
}

func TestReadableStream_ErrorIdentity(t *testing.T) {
	e := newTestEngine(t)
	source := `async () => {
  const boom = new Error("boom");
  const rs = new ReadableStream({ start(c) { c.error(boom); } });
  const r = rs.getReader();
  let a, b, c;
  try { await r.read(); } catch (e) { a = e; }
  try { await r.read(); } catch (e) { b = e; }
  try { await r.closed; } catch (e) { c = e; }
  return [a === boom, b === boom, c === boom];
}`
	var got []bool
	decode(t, execJS(t, e, source, defaultEnv()), &got)
	for i, ok := range got {
		if !ok {
			t.Errorf("rejection %d is not the stored error", i)
		}
	}
}

func TestReadableStream_StartRejectionErrorsStream(t *testing.T) {
	e := newTestEngine(t)
	source := `async () => {
  const rs = new ReadableStream({ start() { return Promise.reject(new TypeError("no start")); } });
  try { await rs.getReader().read(); } catch (e) { return e.message; }
  return "read succeeded";
}`
	var msg string
	decode(t, execJS(t, e, source, defaultEnv()), &msg)
	if msg != "no start" {
		t.Errorf("got %q", msg)
	}
}

func TestReadableStream_CancelReachesSource(t *testing.T) {
	e := newTestEngine(t)
	source := `async () => {
  const reason = { why: "enough" };
  let seen;
  const rs = new ReadableStream({
    start(c) { c.enqueue("queued"); },
    cancel(r) { seen = r; }
  });
  const r = rs.getReader();
  await r.cancel(reason);
  const after = await r.read();
  return { same: seen === reason, done: after.done };
}`
	var data struct {
		Same bool `json:"same"`
		Done bool `json:"done"`
	}
	decode(t, execJS(t, e, source, defaultEnv()), &data)
	if !data.Same {
		t.Error("source cancel should receive the reason by identity")
	}
	if !data.Done {
		t.Error("reads after cancel should be done")
	}
}

func TestReadableStream_CancelLockedRejects(t *testing.T) {
	e := newTestEngine(t)
	source := `async () => {
  const rs = new ReadableStream();
  rs.getReader();
  try { await rs.cancel(); } catch (e) { return "rejected"; }
  return "cancelled";
}`
	var got string
	decode(t, execJS(t, e, source, defaultEnv()), &got)
	if got != "rejected" {
		t.Errorf("got %q", got)
	}
}

func TestReadableStream_GetReaderTwiceThrows(t *testing.T) {
	e := newTestEngine(t)
	source := `() => {
  const rs = new ReadableStream();
  const r = rs.getReader();
  let threw = false;
  try { rs.getReader(); } catch (e) { threw = true; }
  r.releaseLock();
  rs.getReader();
  return threw;
}`
	var threw bool
	decode(t, execJS(t, e, source, defaultEnv()), &threw)
	if !threw {
		t.Error("second getReader should throw while locked")
	}
}

func TestReadableStream_ReleasedReaderRejects(t *testing.T) {
	e := newTestEngine(t)
	source := `async () => {
  const rs = new ReadableStream({ start(c) { c.enqueue(1); } });
  const r = rs.getReader();
  r.releaseLock();
  try { await r.read(); } catch (e) { return e instanceof TypeError; }
  return false;
}`
	var ok bool
	decode(t, execJS(t, e, source, defaultEnv()), &ok)
	if !ok {
		t.Error("read on a released reader should reject with TypeError")
	}
}

func TestReadableStream_Tee(t *testing.T) {
	e := newTestEngine(t)
	source := `async () => {
  const rs = new ReadableStream({
    start(c) { [1, 2, 3].forEach(v => c.enqueue({ v })); c.close(); }
  });
  const [a, b] = rs.tee();
  async function collect(s) {
    const out = [];
    for await (const x of s) out.push(x);
    return out;
  }
  const [ca, cb] = await Promise.all([collect(a), collect(b)]);
  return {
    a: ca.map(x => x.v),
    b: cb.map(x => x.v),
    shared: ca[0] === cb[0],
    locked: rs.locked
  };
}`
	var data struct {
		A      []int `json:"a"`
		B      []int `json:"b"`
		Shared bool  `json:"shared"`
		Locked bool  `json:"locked"`
	}
	decode(t, execJS(t, e, source, defaultEnv()), &data)
	if len(data.A) != 3 || len(data.B) != 3 || data.A[2] != 3 || data.B[2] != 3 {
		t.Errorf("branches = %v / %v", data.A, data.B)
	}
	if !data.Shared {
		t.Error("both branches should see the same chunk object")
	}
	if !data.Locked {
		t.Error("teeing should lock the source stream")
	}
}

func TestReadableStream_TeeCancelBothCancelsSource(t *testing.T) {
	e := newTestEngine(t)
	source := `async () => {
  let reason;
  const rs = new ReadableStream({ cancel(r) { reason = r; } });
  const [a, b] = rs.tee();
  await Promise.all([a.cancel("ra"), b.cancel("rb")]);
  return reason;
}`
	var reason []string
	decode(t, execJS(t, e, source, defaultEnv()), &reason)
	if len(reason) != 2 || reason[0] != "ra" || reason[1] != "rb" {
		t.Errorf("source cancel reason = %v, want [ra rb]", reason)
	}
}

func TestReadableStream_EnvReader(t *testing.T) {
	e := newTestEngine(t)
	payload := strings.Repeat("0123456789", 10000)
	env := defaultEnv()
	env.Readers = map[string]io.Reader{"file": strings.NewReader(payload)}

	source := `async (env) => {` + readAllJS + `
  const first = env.file;
  const res = await readAll(first.getReader());
  return { len: res.text.length, head: res.text.slice(0, 10), cached: env.file === first };
}`
	var data struct {
		Len    int    `json:"len"`
		Head   string `json:"head"`
		Cached bool   `json:"cached"`
	}
	decode(t, execJS(t, e, source, env), &data)
	if data.Len != len(payload) {
		t.Errorf("len = %d, want %d", data.Len, len(payload))
	}
	if data.Head != "0123456789" {
		t.Errorf("head = %q", data.Head)
	}
	if !data.Cached {
		t.Error("env reader binding should return the same stream on each access")
	}
}

// closeTracker records whether the engine closed an env reader.
type closeTracker struct {
	io.Reader
	closed chan struct{}
}

func (c *closeTracker) Close() error {
	close(c.closed)
	return nil
}

func TestReadableStream_EnvReaderClosedOnCancel(t *testing.T) {
	e := newTestEngine(t)
	src := &closeTracker{Reader: strings.NewReader(strings.Repeat("x", 1<<20)), closed: make(chan struct{})}
	env := defaultEnv()
	env.Readers = map[string]io.Reader{"big": src}

	source := `async (env) => {
  const r = env.big.getReader();
  const first = await r.read();
  await r.cancel("stop");
  return first.value.byteLength > 0;
}`
	var ok bool
	decode(t, execJS(t, e, source, env), &ok)
	if !ok {
		t.Error("expected a first chunk")
	}
	select {
	case <-src.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("env reader was not closed after cancel")
	}
}

func TestReadableStream_PipeToNativeStream(t *testing.T) {
	e := newTestEngine(t)
	ch := e.NewChannel("sink", 2)
	rd, err := ch.AcquireReader()
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	drained := make(chan error, 1)
	go func() {
		_, err := DrainTo(context.Background(), rd, &buf)
		drained <- err
	}()

	env := defaultEnv()
	env.Channels = map[string]any{"sink": ch}
	source := `async (env) => {
  let i = 0;
  const rs = new ReadableStream({
    pull(c) {
      if (i === 50) { c.close(); return; }
      c.enqueue(i % 2 ? "odd;" : new TextEncoder().encode("even;"));
      i++;
    }
  });
  await rs.pipeTo(env.sink);
  return env.sink.state;
}`
	var state string
	decode(t, execJS(t, e, source, env), &state)
	if state != "closed" {
		t.Errorf("sink state = %q, want closed", state)
	}
	if err := <-drained; err != nil {
		t.Fatalf("drain: %v", err)
	}
	if got := strings.Count(buf.String(), "even;"); got != 25 {
		t.Errorf("even chunks = %d, want 25", got)
	}
	if !strings.HasPrefix(buf.String(), "even;odd;even;") {
		t.Errorf("sink received %q", buf.String()[:min(len(buf.String()), 40)])
	}
}

func TestReadableStream_PipeToRejectsNonNative(t *testing.T) {
	e := newTestEngine(t)
	source := `async () => {
  try { await new ReadableStream().pipeTo({}); } catch (e) { return e.name; }
  return "piped";
}`
	var name string
	decode(t, execJS(t, e, source, defaultEnv()), &name)
	if name != "TypeError" {
		t.Errorf("got %q", name)
	}
}

func TestReadableStream_PipeErrorAbortsDestination(t *testing.T) {
	e := newTestEngine(t)
	source := `async () => {
  const dest = NativeStream.create("dest", 4);
  const rs = new ReadableStream({ start(c) { c.enqueue("x"); c.error(new Error("source failed")); } });
  let msg;
  try { await rs.pipeTo(dest); } catch (e) { msg = e.message; }
  return { msg, state: dest.state };
}`
	var data struct {
		Msg   string `json:"msg"`
		State string `json:"state"`
	}
	decode(t, execJS(t, e, source, defaultEnv()), &data)
	if data.Msg != "source failed" {
		t.Errorf("pipe rejection = %q", data.Msg)
	}
	if data.State != "errored" {
		t.Errorf("destination state = %q, want errored", data.State)
	}
}

func TestReadableStream_HandlesReleasedAfterRequest(t *testing.T) {
	cfg := testCfg()
	cfg.PoolSize = 1
	cfg.Streams.MaxStreamsPerRequest = 8
	e := newTestEngineWith(t, cfg)

	source := `() => {
  for (let i = 0; i < 3; i++) new ReadableStream().getReader();
  return true;
}`
	// Each run stays under the per-request limit only if the previous run's
	// handles were released.
	for i := 0; i < 3; i++ {
		assertOK(t, execJS(t, e, source, defaultEnv()))
	}
}
