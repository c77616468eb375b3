package eventloop

import (
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"
)

// fakeRuntime records the scripts evaluated by the loop.
type fakeRuntime struct {
	evals      []string
	microtasks int
	fail       bool
}

func (f *fakeRuntime) Eval(js string) error {
	f.evals = append(f.evals, js)
	if f.fail {
		return errors.New("boom")
	}
	return nil
}
func (f *fakeRuntime) EvalString(string) (string, error) { return "", nil }
func (f *fakeRuntime) EvalBool(string) (bool, error)     { return false, nil }
func (f *fakeRuntime) RegisterFunc(string, any) error    { return nil }
func (f *fakeRuntime) SetGlobal(string, any) error       { return nil }
func (f *fakeRuntime) RunMicrotasks()                    { f.microtasks++ }

func TestDrainFiresInDeadlineOrder(t *testing.T) {
	el := New()
	late := el.RegisterTimer(20*time.Millisecond, false)
	early := el.RegisterTimer(0, false)
	rt := &fakeRuntime{}

	if err := el.Drain(rt, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(rt.evals) != 2 {
		t.Fatalf("fired %d timers, want 2", len(rt.evals))
	}
	if !strings.Contains(rt.evals[0], "__timerCallbacks["+strconv.Itoa(early)+"]") ||
		!strings.Contains(rt.evals[1], "__timerCallbacks["+strconv.Itoa(late)+"]") {
		t.Fatalf("timers fired out of order: %v", rt.evals)
	}
	if rt.microtasks != 2 {
		t.Fatalf("microtasks pumped %d times, want 2", rt.microtasks)
	}
	if el.HasPending() {
		t.Fatalf("timers left after drain")
	}
}

func TestDrainStopsAtDeadline(t *testing.T) {
	el := New()
	el.RegisterTimer(time.Hour, false)
	rt := &fakeRuntime{}
	start := time.Now()
	_ = el.Drain(rt, time.Now().Add(10*time.Millisecond))
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("Drain waited past its deadline")
	}
	if len(rt.evals) != 0 || !el.HasPending() {
		t.Fatalf("future timer fired or was dropped")
	}
}

func TestClearTimer(t *testing.T) {
	el := New()
	id := el.RegisterTimer(0, false)
	el.ClearTimer(id)
	el.ClearTimer(999)
	rt := &fakeRuntime{}
	_ = el.Drain(rt, time.Now().Add(50*time.Millisecond))
	if len(rt.evals) != 0 {
		t.Fatalf("cleared timer fired")
	}
}

func TestIntervalRepeatsUntilDeadline(t *testing.T) {
	el := New()
	el.RegisterTimer(0, true)
	rt := &fakeRuntime{}
	_ = el.Drain(rt, time.Now().Add(55*time.Millisecond))
	if len(rt.evals) < 2 {
		t.Fatalf("interval fired %d times, want at least 2", len(rt.evals))
	}
	el.Reset()
	if el.HasPending() {
		t.Fatalf("Reset left timers")
	}
}

func TestDrainReportsCallbackError(t *testing.T) {
	el := New()
	el.RegisterTimer(0, false)
	el.RegisterTimer(0, false)
	rt := &fakeRuntime{fail: true}
	if err := el.Drain(rt, time.Now().Add(time.Second)); err == nil {
		t.Fatalf("expected callback error")
	}
	if len(rt.evals) != 2 {
		t.Fatalf("a failing timer stopped the others: fired %d", len(rt.evals))
	}
}
