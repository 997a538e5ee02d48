package streamhost

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// readAllJS is prepended to scripts that drain a reader into a string.
const readAllJS = `
async function readAll(reader) {
  const parts = [];
  let total = 0;
  for (;;) {
    const { value, done } = await reader.read();
    if (done) break;
    parts.push(value);
    total += value.byteLength;
  }
  const out = new Uint8Array(total);
  let off = 0;
  for (const p of parts) { out.set(p, off); off += p.byteLength; }
  return { text: new TextDecoder().decode(out), chunks: parts.length };
}
`

func TestNativeStream_ReadsGoProducer(t *testing.T) {
	e := newTestEngine(t)
	ch := e.NewChannel("body", 2)
	payload := strings.Repeat("streaming bytes ", 64)

	done := make(chan error, 1)
	go func() {
		done <- PumpReader(context.Background(), strings.NewReader(payload), ch, PumpOptions{ChunkSize: 100})
	}()

	env := defaultEnv()
	env.Channels = map[string]any{"body": ch}
	source := `async (env) => {` + readAllJS + `
  return readAll(env.body.getReader());
}`
	var data struct {
		Text   string `json:"text"`
		Chunks int    `json:"chunks"`
	}
	decode(t, execJS(t, e, source, env), &data)

	if data.Text != payload {
		t.Errorf("text length = %d, want %d", len(data.Text), len(payload))
	}
	if want := (len(payload) + 99) / 100; data.Chunks != want {
		t.Errorf("chunks = %d, want %d", data.Chunks, want)
	}
	if err := <-done; err != nil {
		t.Errorf("pump: %v", err)
	}
}

func TestNativeStream_WritesToGoConsumer(t *testing.T) {
	e := newTestEngine(t)
	ch := e.NewChannel("out", 1)
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
	env.Channels = map[string]any{"out": ch}
	source := `async (env) => {
  for (let i = 0; i < 20; i++) {
    await env.out.write("line " + i + "\n");
  }
  env.out.close();
  return env.out.state;
}`
	var state string
	decode(t, execJS(t, e, source, env), &state)

	select {
	case err := <-drained:
		if err != nil {
			t.Fatalf("drain: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("consumer never finished")
	}
	if !strings.HasPrefix(buf.String(), "line 0\nline 1\n") || !strings.HasSuffix(buf.String(), "line 19\n") {
		t.Errorf("consumer saw %q", buf.String())
	}
	if state != "closed" {
		t.Errorf("state = %q, want closed", state)
	}
}

func TestNativeStream_UnawaitedWritesKeepOrder(t *testing.T) {
	e := newTestEngine(t)
	ch := e.NewChannel("out", 1)
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
	env.Channels = map[string]any{"out": ch}
	source := `async (env) => {
  const ps = [];
  for (let i = 0; i < 10; i++) ps.push(env.out.write(String(i)));
  await Promise.all(ps);
  env.out.close();
  return true;
}`
	assertOK(t, execJS(t, e, source, env))

	select {
	case err := <-drained:
		if err != nil {
			t.Fatalf("drain: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("consumer never finished")
	}
	if buf.String() != "0123456789" {
		t.Errorf("consumer saw %q, want 0123456789", buf.String())
	}
}

func TestNativeStream_PendingReadsResolveInWriteOrder(t *testing.T) {
	e := newTestEngine(t)
	ch := e.NewChannel("late", 4)
	go func() {
		time.Sleep(100 * time.Millisecond)
		for _, s := range []string{"a", "b", "c"} {
			_ = ch.Write([]byte(s))
		}
	}()

	env := defaultEnv()
	env.Channels = map[string]any{"late": ch}
	source := `async (env) => {
  const r = env.late.getReader();
  const res = await Promise.all([r.read(), r.read(), r.read()]);
  const dec = new TextDecoder();
  return res.map(x => dec.decode(x.value)).join("");
}`
	var got string
	decode(t, execJS(t, e, source, env), &got)
	if got != "abc" {
		t.Errorf("reads resolved with %q, want abc", got)
	}
}

func TestNativeStream_SyncStatusCodes(t *testing.T) {
	e := newTestEngine(t)
	source := `() => {
  const S = NativeStream.Status;
  const ns = NativeStream.create("sync", 2);
  const writes = [ns.writeSync("a"), ns.writeSync("b"), ns.writeSync("c")];
  const desired = ns.desiredSize;
  const r = ns.getReader();
  let second;
  try { ns.getReader(); } catch (e) { second = e.status; }
  const first = new TextDecoder().decode(r.readSync());
  r.readSync();
  const empty = r.readSync();
  ns.close();
  const closed = r.readSync();
  r.releaseLock();
  const released = r.readSync();
  return { writes, desired, second, first, empty, closed, released,
    expect: [S.OK, S.CHANNEL_FULL, S.RECEIVER_TAKEN, S.EMPTY, S.CLOSED, S.READER_RELEASED] };
}`
	var data struct {
		Writes   []int  `json:"writes"`
		Desired  int    `json:"desired"`
		Second   int    `json:"second"`
		First    string `json:"first"`
		Empty    int    `json:"empty"`
		Closed   int    `json:"closed"`
		Released int    `json:"released"`
	}
	decode(t, execJS(t, e, source, defaultEnv()), &data)

	wantWrites := []int{StatusOK, StatusOK, StatusChannelFull}
	for i, w := range wantWrites {
		if data.Writes[i] != w {
			t.Errorf("write %d = %d, want %d", i, data.Writes[i], w)
		}
	}
	if data.Desired != 0 {
		t.Errorf("desiredSize = %d, want 0", data.Desired)
	}
	if data.Second != StatusReceiverTaken {
		t.Errorf("second getReader status = %d, want %d", data.Second, StatusReceiverTaken)
	}
	if data.First != "a" {
		t.Errorf("first chunk = %q", data.First)
	}
	if data.Empty != StatusEmpty {
		t.Errorf("empty = %d, want %d", data.Empty, StatusEmpty)
	}
	if data.Closed != StatusClosed {
		t.Errorf("closed = %d, want %d", data.Closed, StatusClosed)
	}
	if data.Released != StatusReaderReleased {
		t.Errorf("released = %d, want %d", data.Released, StatusReaderReleased)
	}
}

func TestNativeStream_ReaderReacquiredAfterRelease(t *testing.T) {
	e := newTestEngine(t)
	source := `async () => {
  const ns = NativeStream.create("relock", 4);
  ns.writeSync("one");
  ns.writeSync("two");
  const a = ns.getReader();
  const first = await a.read();
  a.releaseLock();
  const lockedAfter = ns.locked;
  const b = ns.getReader();
  const second = await b.read();
  const dec = new TextDecoder();
  return [dec.decode(first.value), lockedAfter, dec.decode(second.value)];
}`
	var got []any
	decode(t, execJS(t, e, source, defaultEnv()), &got)
	if got[0] != "one" || got[1] != false || got[2] != "two" {
		t.Errorf("got %v", got)
	}
}

func TestNativeStream_GoErrorReachesScript(t *testing.T) {
	e := newTestEngine(t)
	ch := e.NewChannel("failing", 4)
	if err := ch.Write([]byte("partial")); err != nil {
		t.Fatal(err)
	}
	ch.Error(errors.New("upstream reset"))

	env := defaultEnv()
	env.Channels = map[string]any{"failing": ch}
	source := `async (env) => {
  const r = env.failing.getReader();
  let first, second;
  try { await r.read(); } catch (e) { first = e; }
  try { await r.read(); } catch (e) { second = e; }
  return { message: first.message, same: first === second, state: env.failing.state };
}`
	var data struct {
		Message string `json:"message"`
		Same    bool   `json:"same"`
		State   string `json:"state"`
	}
	decode(t, execJS(t, e, source, env), &data)
	if data.Message != "upstream reset" {
		t.Errorf("message = %q", data.Message)
	}
	if !data.Same {
		t.Error("repeated reads should reject with the same error object")
	}
	if data.State != "errored" {
		t.Errorf("state = %q", data.State)
	}
}

func TestNativeStream_ScriptErrorIsIdentical(t *testing.T) {
	e := newTestEngine(t)
	source := `async () => {
  const ns = NativeStream.create("err", 4);
  const reason = new TypeError("script failure");
  ns.error(reason);
  let caught;
  try { await ns.write("x"); } catch (e) { caught = e; }
  return caught === reason;
}`
	var same bool
	decode(t, execJS(t, e, source, defaultEnv()), &same)
	if !same {
		t.Error("write after error should reject with the error the script supplied")
	}
}

func TestNativeStream_WriteWaitsForSpace(t *testing.T) {
	e := newTestEngine(t)
	source := `async () => {
  const ns = NativeStream.create("bp", 1);
  const order = [];
  await ns.write("first");
  const pending = ns.write("second").then(() => order.push("write"));
  const r = ns.getReader();
  await new Promise(resolve => setTimeout(resolve, 10));
  order.push("read");
  await r.read();
  await pending;
  return order;
}`
	var order []string
	decode(t, execJS(t, e, source, defaultEnv()), &order)
	if len(order) != 2 || order[0] != "read" || order[1] != "write" {
		t.Errorf("order = %v, want [read write]", order)
	}
}

func TestNativeStream_AsyncIteration(t *testing.T) {
	e := newTestEngine(t)
	source := `async () => {
  const ns = NativeStream.create("iter", 8);
  for (const s of ["a", "b", "c"]) ns.writeSync(s);
  ns.close();
  let out = "";
  const dec = new TextDecoder();
  for await (const chunk of ns.getReader()) out += dec.decode(chunk);
  await ns.closed();
  return out;
}`
	var got string
	decode(t, execJS(t, e, source, defaultEnv()), &got)
	if got != "abc" {
		t.Errorf("got %q", got)
	}
}

func TestNativeStream_UnknownChannel(t *testing.T) {
	e := newTestEngine(t)
	r := execJS(t, e, `() => NativeStream.open("missing")`, defaultEnv())
	if r.Error == nil {
		t.Fatal("opening an unbound channel should fail")
	}
}

func TestNativeStream_ReadableWrapsChannel(t *testing.T) {
	e := newTestEngine(t)
	ch := e.NewChannel("wrapped", 4)
	for _, s := range []string{"x", "y", "z"} {
		if err := ch.Write([]byte(s)); err != nil {
			t.Fatal(err)
		}
	}
	ch.Close()

	env := defaultEnv()
	env.Channels = map[string]any{"wrapped": ch}
	source := `async (env) => {` + readAllJS + `
  const rs = env.wrapped.readable;
  const locked = env.wrapped.locked;
  const res = await readAll(rs.getReader());
  return { text: res.text, locked };
}`
	var data struct {
		Text   string `json:"text"`
		Locked bool   `json:"locked"`
	}
	decode(t, execJS(t, e, source, env), &data)
	if data.Text != "xyz" {
		t.Errorf("text = %q", data.Text)
	}
	if !data.Locked {
		t.Error("wrapping a channel in a ReadableStream should lock it")
	}
}
