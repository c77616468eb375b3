package quickjs

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cryguy/jsgate/internal/core"
	"github.com/cryguy/jsgate/internal/dispatch"
	"github.com/cryguy/jsgate/internal/queue"
)

type delivered struct {
	handle  core.Handle
	status  int
	headers string
	body    string
}

type recorder struct {
	ch chan delivered
}

func newRecorder() *recorder { return &recorder{ch: make(chan delivered, 16)} }

func (r *recorder) Deliver(h core.Handle, status int, headers []byte, body *core.Buffer) int {
	d := delivered{handle: h, status: status, headers: string(headers)}
	if body != nil {
		d.body = body.String()
		core.ReleaseBuffer(body)
	}
	r.ch <- d
	return core.DeliveryOK
}

func (r *recorder) next(t *testing.T) delivered {
	t.Helper()
	select {
	case d := <-r.ch:
		return d
	case <-time.After(5 * time.Second):
		t.Fatalf("no delivery within 5s")
		return delivered{}
	}
}

func writeScript(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "main.js")
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func engineConfig(main string) core.EngineConfig {
	return core.EngineConfig{
		Main:               main,
		EntryPoint:         "handle",
		MemoryLimitMB:      64,
		ExecutionTimeoutMs: 2000,
		FailureStatus:      500,
	}
}

func startWorker(t *testing.T, cfg core.EngineConfig, doc map[string]any) (*Worker, *queue.Queue, *recorder) {
	t.Helper()
	q := queue.New(8)
	rec := newRecorder()
	w, err := NewWorker(Options{
		Engine:     cfg,
		Document:   doc,
		Source:     q,
		Dispatcher: dispatch.New(rec, nil, nil),
	})
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		q.Close()
		select {
		case <-w.Done():
		case <-time.After(10 * time.Second):
			t.Errorf("worker did not stop")
		}
	})
	return w, q, rec
}

func offer(t *testing.T, q *queue.Queue, h core.Handle, body core.Body) {
	t.Helper()
	if body.Format == "" {
		body.Format = core.BodyNone
	}
	if err := q.Offer(&core.RequestRecord{Handle: h, Metadata: []byte(`{"method":"GET"}`), Body: body}); err != nil {
		t.Fatalf("Offer: %v", err)
	}
}

func TestWorkerSyncResponse(t *testing.T) {
	main := writeScript(t, `
export function handle(req, conf) {
	gateway.sendResponse({
		handle: req.handle,
		status: 200,
		headers: { "X-Method": req.metadata.method },
		data: "format=" + req.body.format
	});
}`)
	_, q, rec := startWorker(t, engineConfig(main), nil)
	offer(t, q, 42, core.Body{})

	got := rec.next(t)
	want := delivered{handle: 42, status: 200, headers: `{"X-Method":"GET"}`, body: "format=none"}
	if got != want {
		t.Fatalf("delivered %+v, want %+v", got, want)
	}
}

func TestWorkerAsyncResponseWithTimer(t *testing.T) {
	main := writeScript(t, `
export default {
	async handle(req) {
		await new Promise(function(resolve) { setTimeout(resolve, 20); });
		gateway.sendResponse({ handle: req.handle, status: 201, data: { late: true } });
	}
};`)
	_, q, rec := startWorker(t, engineConfig(main), nil)
	offer(t, q, 7, core.Body{})

	got := rec.next(t)
	if got.handle != 7 || got.status != 201 || got.body != `{"late":true}` {
		t.Fatalf("delivered %+v", got)
	}
}

func TestWorkerFailureIsContained(t *testing.T) {
	main := writeScript(t, `
export function handle(req) {
	if (req.handle === 1) throw new Error("bad request");
	gateway.sendResponse({ handle: req.handle, status: 200, data: "fine" });
}`)
	w, q, rec := startWorker(t, engineConfig(main), nil)
	offer(t, q, 1, core.Body{})
	offer(t, q, 2, core.Body{})

	first := rec.next(t)
	if first.handle != 1 || first.status != 500 || first.body != "Internal Server Error" {
		t.Fatalf("failure response = %+v", first)
	}
	second := rec.next(t)
	if second.handle != 2 || second.body != "fine" {
		t.Fatalf("worker did not continue after failure: %+v", second)
	}
	// The delivery for handle 2 happens inside its execution, so the task
	// counter may trail it briefly.
	deadline := time.Now().Add(time.Second)
	for {
		total, failed := w.Tasks()
		if total == 2 && failed == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Tasks = %d/%d, want 2/1", total, failed)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWorkerNoFailureResponseAfterScriptResponded(t *testing.T) {
	main := writeScript(t, `
export async function handle(req) {
	gateway.sendResponse({ handle: req.handle, status: 202 });
	throw new Error("after response");
}`)
	_, q, rec := startWorker(t, engineConfig(main), nil)
	offer(t, q, 3, core.Body{})
	offer(t, q, 4, core.Body{})

	if got := rec.next(t); got.handle != 3 || got.status != 202 {
		t.Fatalf("first delivery = %+v", got)
	}
	if got := rec.next(t); got.handle != 4 || got.status != 202 {
		t.Fatalf("a synthetic failure response leaked for handle 3: %+v", got)
	}
}

func TestWorkerTimeoutRebuildsVM(t *testing.T) {
	main := writeScript(t, `
var calls = 0;
export function handle(req) {
	calls++;
	if (req.handle === 1) { while (true) {} }
	gateway.sendResponse({ handle: req.handle, status: 200, data: "calls=" + calls });
}`)
	cfg := engineConfig(main)
	cfg.ExecutionTimeoutMs = 100
	_, q, rec := startWorker(t, cfg, nil)
	offer(t, q, 1, core.Body{})
	offer(t, q, 2, core.Body{})

	if got := rec.next(t); got.handle != 1 || got.status != 500 {
		t.Fatalf("timeout response = %+v", got)
	}
	got := rec.next(t)
	if got.handle != 2 || got.body != "calls=1" {
		t.Fatalf("after rebuild = %+v, want a fresh VM", got)
	}
}

func TestWorkerInitReceivesConfig(t *testing.T) {
	main := writeScript(t, `
var greeting = "unset";
export function init(conf) { greeting = conf.app.greeting; }
export function handle(req, conf) {
	gateway.sendResponse({ handle: req.handle, status: 200, data: greeting + "/" + gateway.config.app.greeting });
}`)
	doc := map[string]any{"app": map[string]any{"greeting": "hello"}}
	_, q, rec := startWorker(t, engineConfig(main), doc)
	offer(t, q, 5, core.Body{})
	if got := rec.next(t); got.body != "hello/hello" {
		t.Fatalf("body = %q", got.body)
	}
}

func TestWorkerMalformedResponseThrows(t *testing.T) {
	main := writeScript(t, `
export function handle(req) {
	try {
		gateway.sendResponse({ handle: req.handle });
	} catch (e) {
		gateway.sendResponse({ handle: req.handle, status: 400, data: (e instanceof TypeError) + ":" + e.message });
	}
}`)
	_, q, rec := startWorker(t, engineConfig(main), nil)
	offer(t, q, 6, core.Body{})
	got := rec.next(t)
	if got.status != 400 || !strings.HasPrefix(got.body, "true:") || !strings.Contains(got.body, "status is required") {
		t.Fatalf("delivered %+v", got)
	}
}

func TestWorkerDecodeBinary(t *testing.T) {
	main := writeScript(t, `
export function handle(req) {
	var bytes = gateway.decodeBinary(req.body.binary);
	gateway.sendResponse({ handle: req.handle, status: 200, data: bytes.length + ":" + bytes[0] + ":" + bytes[2] });
}`)
	_, q, rec := startWorker(t, engineConfig(main), nil)
	hex := "ff00fe"
	offer(t, q, 8, core.Body{Format: core.BodyBinary, Binary: &hex})
	if got := rec.next(t); got.body != "3:255:254" {
		t.Fatalf("body = %q", got.body)
	}
}

func TestWorkerTextCodecs(t *testing.T) {
	main := writeScript(t, `
export function handle(req) {
	var text = new TextDecoder().decode(gateway.decodeBinary(req.body.binary));
	var bytes = new TextEncoder().encode("é€");
	var strict = "ok";
	try { new TextDecoder("utf-8", { fatal: true }).decode(new Uint8Array([0xff])); strict = "no throw"; } catch (e) {}
	gateway.sendResponse({
		handle: req.handle,
		status: 200,
		data: [text, bytes.length, btoa("hi"), atob("aGk="), strict].join("|")
	});
}`)
	_, q, rec := startWorker(t, engineConfig(main), nil)
	hex := "68ff69"
	offer(t, q, 9, core.Body{Format: core.BodyBinary, Binary: &hex})
	if got, want := rec.next(t).body, "h\ufffdi|5|aGk=|hi|ok"; got != want {
		t.Fatalf("body = %q, want %q", got, want)
	}
}

func TestWorkerShutdownHookAndState(t *testing.T) {
	main := writeScript(t, `
export function handle(req) {}
export function shutdown() {
	gateway.sendResponse({ handle: 999, status: 200, data: "bye" });
}`)
	q := queue.New(1)
	rec := newRecorder()
	w, err := NewWorker(Options{Engine: engineConfig(main), Source: q, Dispatcher: dispatch.New(rec, nil, nil)})
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if w.State() != StateRunning {
		t.Fatalf("State = %v, want running", w.State())
	}
	q.Close()
	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("worker did not signal done")
	}
	if w.State() != StateStopped {
		t.Fatalf("State = %v, want stopped", w.State())
	}
	if got := rec.next(t); got.handle != 999 || got.body != "bye" {
		t.Fatalf("shutdown hook delivery = %+v", got)
	}
}

func TestWorkerBootstrapFailures(t *testing.T) {
	cases := map[string]string{
		"missing entry": `export function other() {}`,
		"syntax error":  `export function handle( {`,
		"init throws":   `export function init() { throw new Error("nope"); } export function handle() {}`,
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			q := queue.New(1)
			w, err := NewWorker(Options{
				Engine:     engineConfig(writeScript(t, src)),
				Source:     q,
				Dispatcher: dispatch.New(newRecorder(), nil, nil),
			})
			if err != nil {
				t.Fatalf("NewWorker: %v", err)
			}
			err = w.Start()
			if !errors.Is(err, core.ErrBootstrap) {
				t.Fatalf("Start = %v, want ErrBootstrap", err)
			}
			select {
			case <-w.Done():
			case <-time.After(time.Second):
				t.Fatalf("done not signaled after bootstrap failure")
			}
			if w.State() != StateStopped {
				t.Fatalf("State = %v, want stopped", w.State())
			}
		})
	}
}

func TestWorkerMissingScript(t *testing.T) {
	w, err := NewWorker(Options{
		Engine:     engineConfig(filepath.Join(t.TempDir(), "absent.js")),
		Source:     queue.New(1),
		Dispatcher: dispatch.New(newRecorder(), nil, nil),
	})
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	if err := w.Start(); !errors.Is(err, core.ErrBootstrap) {
		t.Fatalf("Start = %v, want ErrBootstrap", err)
	}
}

func TestWorkerBundlesImports(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "util.js"), []byte(`export function shout(s) { return s.toUpperCase(); }`), 0o644); err != nil {
		t.Fatalf("write util: %v", err)
	}
	main := filepath.Join(dir, "main.js")
	if err := os.WriteFile(main, []byte(`
import { shout } from "./util.js";
export function handle(req) {
	gateway.sendResponse({ handle: req.handle, status: 200, data: shout("ok") });
}`), 0o644); err != nil {
		t.Fatalf("write main: %v", err)
	}
	_, q, rec := startWorker(t, engineConfig(main), nil)
	offer(t, q, 11, core.Body{})
	if got := rec.next(t); got.body != "OK" {
		t.Fatalf("body = %q", got.body)
	}
}

func TestCheck(t *testing.T) {
	good := writeScript(t, `export function handle() {}`)
	if err := Check(engineConfig(good)); err != nil {
		t.Fatalf("Check(good): %v", err)
	}
	bad := writeScript(t, `export function serve() {}`)
	if err := Check(engineConfig(bad)); err == nil {
		t.Fatalf("Check(bad) succeeded")
	}
}
