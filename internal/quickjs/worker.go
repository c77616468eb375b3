// Package quickjs runs the application script on a single QuickJS VM owned
// by one dedicated goroutine.
package quickjs

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cryguy/jsgate/internal/core"
	"github.com/cryguy/jsgate/internal/dispatch"
	"github.com/cryguy/jsgate/internal/eventloop"
	"github.com/cryguy/jsgate/internal/metrics"
	"github.com/cryguy/jsgate/internal/webapi"
	"modernc.org/quickjs"
)

// State is the engine worker lifecycle.
type State int32

const (
	StateUninitialized State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var stateNames = []string{"uninitialized", "running", "draining", "stopped"}

// watchdogGrace lets the deadline-bounded await and timer loops finish on
// their own before the VM is interrupted.
const watchdogGrace = 50 * time.Millisecond

// Options configures a Worker.
type Options struct {
	Engine     core.EngineConfig
	Document   map[string]any // handed to init and the entry point as conf
	Source     core.RecordSource
	Dispatcher *dispatch.Dispatcher
	Logger     *slog.Logger
	Metrics    *metrics.Collector
}

// Worker is the single consumer of the request queue. It bootstraps the VM
// once, executes records strictly one at a time and signals Done exactly
// once after draining.
type Worker struct {
	cfg        core.EngineConfig
	confJSON   string
	source     core.RecordSource
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
	scriptLog  *slog.Logger
	metrics    *metrics.Collector

	state   atomic.Int32
	started atomic.Bool
	ready   chan error
	done    chan struct{}
	exited  sync.WaitGroup

	// Engine goroutine only.
	code      string // wrapped module source, kept for rebuilds
	vm        *quickjs.VM
	rt        *qjsRuntime
	el        *eventloop.EventLoop
	responded bool

	current  atomic.Uint64
	tasks    atomic.Uint64
	failures atomic.Uint64
}

// NewWorker validates opts. The worker does nothing until Start.
func NewWorker(opts Options) (*Worker, error) {
	if opts.Source == nil {
		return nil, errors.New("quickjs: record source is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("quickjs: dispatcher is required")
	}
	doc := opts.Document
	if doc == nil {
		doc = map[string]any{}
	}
	confJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("quickjs: encoding configuration for script: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		cfg:        opts.Engine,
		confJSON:   string(confJSON),
		source:     opts.Source,
		dispatcher: opts.Dispatcher,
		logger:     logger.With("component", "engine"),
		scriptLog:  logger.With("component", "script"),
		metrics:    opts.Metrics,
		ready:      make(chan error, 1),
		done:       make(chan struct{}, 1),
	}, nil
}

// Start launches the engine goroutine and blocks until bootstrap finishes.
// A bootstrap failure wraps core.ErrBootstrap; Done has been signaled by the
// time it is returned and Wait returns promptly.
func (w *Worker) Start() error {
	if !w.started.CompareAndSwap(false, true) {
		return errors.New("quickjs: worker already started")
	}
	w.exited.Add(1)
	go func() {
		defer w.exited.Done()
		w.run()
	}()
	if err := <-w.ready; err != nil {
		return fmt.Errorf("%w: %v", core.ErrBootstrap, err)
	}
	return nil
}

// Done is the one-slot shutdown signal. It receives a value once, after the
// run loop has exited. The receiver owns closing it.
func (w *Worker) Done() chan struct{} { return w.done }

// Wait blocks until the engine goroutine has returned.
func (w *Worker) Wait() { w.exited.Wait() }

// State reports the current lifecycle state.
func (w *Worker) State() State { return State(w.state.Load()) }

// Tasks returns the number of records executed and how many of them failed.
func (w *Worker) Tasks() (total, failed uint64) {
	return w.tasks.Load(), w.failures.Load()
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
	w.metrics.WorkerState(s.String(), stateNames)
}

func (w *Worker) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := w.bootstrap(); err != nil {
		w.logger.Error("bootstrap failed", "kind", core.Kind(core.ErrBootstrap), "err", err)
		w.closeVM()
		w.setState(StateStopped)
		w.ready <- err
		w.done <- struct{}{}
		return
	}
	w.setState(StateRunning)
	w.ready <- nil

	for {
		rec, ok := w.source.Take()
		if !ok {
			break
		}
		w.execute(rec)
	}

	w.setState(StateDraining)
	w.drain()
	w.setState(StateStopped)
	w.done <- struct{}{}
}

func (w *Worker) bootstrap() error {
	source, err := webapi.LoadScript(w.cfg.Main)
	if err != nil {
		return err
	}
	code, err := webapi.WrapESModule(source)
	if err != nil {
		return err
	}
	w.code = code
	return w.newVM()
}

// newVM builds a fresh VM, evaluates the module, checks the entry point and
// runs the optional init export.
func (w *Worker) newVM() error {
	vm, err := quickjs.NewVM()
	if err != nil {
		return fmt.Errorf("creating QuickJS VM: %w", err)
	}
	if w.cfg.MemoryLimitMB > 0 {
		vm.SetMemoryLimit(uintptr(w.cfg.MemoryLimitMB) * 1024 * 1024)
	}
	rt := &qjsRuntime{vm: vm}
	el := eventloop.New()

	for _, setup := range w.setupFuncs() {
		if err := setup(rt, el); err != nil {
			vm.Close()
			return fmt.Errorf("setup: %w", err)
		}
	}

	v, err := vm.EvalValue(w.code, quickjs.EvalGlobal)
	if err != nil {
		vm.Close()
		return fmt.Errorf("running script: %w", err)
	}
	v.Free()

	ok, err := rt.EvalBool(fmt.Sprintf(
		"typeof globalThis.%s === 'object' && globalThis.%s !== null && typeof globalThis.%s[%q] === 'function'",
		webapi.ModuleGlobal, webapi.ModuleGlobal, webapi.ModuleGlobal, w.cfg.EntryPoint))
	if err != nil || !ok {
		vm.Close()
		return fmt.Errorf("script does not export a %q function", w.cfg.EntryPoint)
	}

	w.vm, w.rt, w.el = vm, rt, el
	if err := w.callHook("init", true); err != nil {
		w.closeVM()
		return fmt.Errorf("init: %w", err)
	}
	return nil
}

type setupFunc func(rt core.JSRuntime, el *eventloop.EventLoop) error

func (w *Worker) setupFuncs() []setupFunc {
	return []setupFunc{
		func(rt core.JSRuntime, _ *eventloop.EventLoop) error {
			return webapi.SetupConsole(rt, w.scriptLog, w.currentHandle)
		},
		webapi.SetupTimers,
		webapi.SetupEncoding,
		func(rt core.JSRuntime, _ *eventloop.EventLoop) error {
			return webapi.SetupGateway(rt, w.confJSON, w.sendResponse)
		},
	}
}

func (w *Worker) currentHandle() core.Handle {
	return core.Handle(w.current.Load())
}

// sendResponse backs gateway.sendResponse. It runs on the engine goroutine,
// from inside script execution.
func (w *Worker) sendResponse(payload string) (int, error) {
	h, code, err := w.dispatcher.DispatchHandle([]byte(payload))
	if err != nil {
		return 0, err
	}
	if h == w.currentHandle() {
		w.responded = true
	}
	return code, nil
}

func (w *Worker) closeVM() {
	if w.vm != nil {
		w.vm.Close()
	}
	w.vm, w.rt, w.el = nil, nil, nil
}

// guarded runs fn under the execution watchdog. fatal reports that the VM
// was interrupted or panicked and must not be reused.
func (w *Worker) guarded(fn func(deadline time.Time) error) (fatal bool, err error) {
	timeout := w.cfg.ExecutionTimeout()
	var timedOut atomic.Bool
	vm := w.vm
	watchdog := time.AfterFunc(timeout+watchdogGrace, func() {
		timedOut.Store(true)
		vm.Interrupt()
	})
	defer func() {
		watchdog.Stop()
		if r := recover(); r != nil {
			fatal = true
			if timedOut.Load() {
				err = fmt.Errorf("execution timed out (limit: %v)", timeout)
			} else {
				err = fmt.Errorf("panic: %v", r)
			}
			return
		}
		if timedOut.Load() {
			fatal = true
			if err != nil {
				err = fmt.Errorf("execution timed out (limit: %v)", timeout)
			}
		}
	}()
	return false, fn(time.Now().Add(timeout))
}

// callHook calls an optional exported function with no request, awaiting a
// returned promise. passConf hands it the configuration document.
func (w *Worker) callHook(name string, passConf bool) error {
	exists, err := w.rt.EvalBool(fmt.Sprintf("typeof globalThis.%s[%q] === 'function'", webapi.ModuleGlobal, name))
	if err != nil || !exists {
		return nil
	}
	args := ""
	if passConf {
		args = "gateway.config"
	}
	fatal, err := w.guarded(func(deadline time.Time) error {
		if err := w.rt.Eval(fmt.Sprintf("globalThis.__gateway_result = globalThis.%s[%q](%s);",
			webapi.ModuleGlobal, name, args)); err != nil {
			return err
		}
		w.rt.RunMicrotasks()
		if err := webapi.AwaitValue(w.rt, "__gateway_result", deadline, w.el); err != nil {
			return err
		}
		return w.drainTimers(deadline)
	})
	w.resetRequestState()
	if fatal && err == nil {
		err = errors.New("VM interrupted")
	}
	return err
}

// execute runs one record to completion. Failures are contained here.
func (w *Worker) execute(rec *core.RequestRecord) {
	start := time.Now()
	w.current.Store(uint64(rec.Handle))
	w.responded = false

	fatal, err := w.invoke(rec)
	w.tasks.Add(1)
	if err == nil {
		w.metrics.Task("ok", time.Since(start))
		w.logger.Debug("request executed", "handle", rec.Handle.String(), "duration", time.Since(start))
	} else {
		w.failures.Add(1)
		err = fmt.Errorf("%w: handle %s: %v", core.ErrWorkerTask, rec.Handle, err)
		w.metrics.Task("failed", time.Since(start))
		w.logger.Error("request failed", "kind", core.Kind(err), "handle", rec.Handle.String(), "err", err)
		if !w.responded && !w.cfg.DisableFailureResponse {
			w.sendFailure(rec.Handle)
		}
	}
	w.current.Store(0)

	if fatal {
		w.logger.Warn("rebuilding VM", "handle", rec.Handle.String())
		w.closeVM()
		if err := w.newVM(); err != nil {
			w.logger.Error("rebuilding VM failed", "err", err)
		}
		return
	}
	w.resetRequestState()
}

func (w *Worker) invoke(rec *core.RequestRecord) (fatal bool, err error) {
	if w.vm == nil {
		if err := w.newVM(); err != nil {
			return false, fmt.Errorf("no usable VM: %w", err)
		}
	}
	encoded, err := rec.Encode()
	if err != nil {
		return false, fmt.Errorf("encoding request: %w", err)
	}
	if err := w.rt.SetGlobal("__gateway_request_json", string(encoded)); err != nil {
		return false, fmt.Errorf("setting request: %w", err)
	}

	return w.guarded(func(deadline time.Time) error {
		if err := w.rt.Eval(fmt.Sprintf(`(function() {
			var req = JSON.parse(globalThis.__gateway_request_json);
			delete globalThis.__gateway_request_json;
			globalThis.__gateway_result = globalThis.%s[%q](req, gateway.config);
		})()`, webapi.ModuleGlobal, w.cfg.EntryPoint)); err != nil {
			return fmt.Errorf("invoking %s: %w", w.cfg.EntryPoint, err)
		}
		w.rt.RunMicrotasks()
		if err := webapi.AwaitValue(w.rt, "__gateway_result", deadline, w.el); err != nil {
			return err
		}
		return w.drainTimers(deadline)
	})
}

func (w *Worker) drainTimers(deadline time.Time) error {
	if !w.el.HasPending() {
		return nil
	}
	return w.el.Drain(w.rt, deadline)
}

// resetRequestState drops per-request globals and timers so nothing leaks
// into the next record.
func (w *Worker) resetRequestState() {
	if w.rt == nil {
		return
	}
	w.el.Reset()
	_ = w.rt.Eval(webapi.ResetTimersJS +
		"delete globalThis.__gateway_result; delete globalThis.__gateway_request_json;")
}

// sendFailure answers a failed request with the configured failure status.
func (w *Worker) sendFailure(h core.Handle) {
	text := http.StatusText(w.cfg.FailureStatus)
	if text == "" {
		text = "request failed"
	}
	body := core.AcquireBuffer()
	_, _ = body.WriteString(text)
	w.dispatcher.Deliver(&core.ResponseRecord{
		Handle:  h,
		Status:  w.cfg.FailureStatus,
		Headers: []byte(`{"Content-Type":"text/plain; charset=utf-8"}`),
		Body:    body,
	})
}

// drain runs the optional shutdown export and closes the VM.
func (w *Worker) drain() {
	if w.vm == nil {
		return
	}
	if err := w.callHook("shutdown", false); err != nil {
		w.logger.Warn("shutdown hook failed", "err", err)
	}
	w.closeVM()
}

// Check compiles the configured script and verifies its entry point without
// running init or serving requests.
func Check(cfg core.EngineConfig) error {
	source, err := webapi.LoadScript(cfg.Main)
	if err != nil {
		return err
	}
	code, err := webapi.WrapESModule(source)
	if err != nil {
		return err
	}
	vm, err := quickjs.NewVM()
	if err != nil {
		return fmt.Errorf("creating QuickJS VM: %w", err)
	}
	defer vm.Close()
	rt := &qjsRuntime{vm: vm}
	el := eventloop.New()
	noop := func(string) (int, error) { return 0, nil }
	if err := webapi.SetupConsole(rt, slog.Default(), func() core.Handle { return 0 }); err != nil {
		return err
	}
	if err := webapi.SetupTimers(rt, el); err != nil {
		return err
	}
	if err := webapi.SetupEncoding(rt, el); err != nil {
		return err
	}
	if err := webapi.SetupGateway(rt, "{}", noop); err != nil {
		return err
	}
	if err := rt.Eval(code); err != nil {
		return fmt.Errorf("running script: %w", err)
	}
	ok, err := rt.EvalBool(fmt.Sprintf("typeof (globalThis.%s || {})[%q] === 'function'", webapi.ModuleGlobal, cfg.EntryPoint))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("script does not export a %q function", cfg.EntryPoint)
	}
	return nil
}
