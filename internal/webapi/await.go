package webapi

import (
	"fmt"
	"time"

	"github.com/cryguy/jsgate/internal/core"
	"github.com/cryguy/jsgate/internal/eventloop"
)

// AwaitValue resolves a possibly-promise value stored in globalThis[globalVar]
// by pumping microtasks and, when el is non-nil, the timer loop. The global
// is replaced in place by the settled value. A rejection or a missed
// deadline is returned as an error.
func AwaitValue(rt core.JSRuntime, globalVar string, deadline time.Time, el *eventloop.EventLoop) error {
	isPromise, err := rt.EvalBool(fmt.Sprintf("globalThis.%s instanceof Promise", globalVar))
	if err != nil || !isPromise {
		return nil
	}

	if err := rt.Eval(fmt.Sprintf(`
		delete globalThis.__awaited_result;
		delete globalThis.__awaited_state;
		Promise.resolve(globalThis.%s).then(
			function(r) { globalThis.__awaited_result = r; globalThis.__awaited_state = 'fulfilled'; },
			function(e) { globalThis.__awaited_result = e; globalThis.__awaited_state = 'rejected'; }
		);
	`, globalVar)); err != nil {
		return fmt.Errorf("setting up promise await: %w", err)
	}

	var timerErr error
	for {
		rt.RunMicrotasks()

		if el != nil && el.HasPending() {
			short := time.Now().Add(10 * time.Millisecond)
			if short.After(deadline) {
				short = deadline
			}
			if err := el.Drain(rt, short); err != nil && timerErr == nil {
				timerErr = err
			}
			rt.RunMicrotasks()
		}

		state, err := rt.EvalString("String(globalThis.__awaited_state)")
		if err != nil {
			return fmt.Errorf("checking promise state: %w", err)
		}
		if state != "undefined" {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("promise resolution timed out")
		}
		if el == nil || !el.HasPending() {
			// Microtasks were just drained and no timer is left, so nothing
			// can settle the promise any more.
			return fmt.Errorf("promise never settles: no pending jobs or timers")
		}
		time.Sleep(time.Millisecond)
	}

	state, _ := rt.EvalString("String(globalThis.__awaited_state)")
	if state == "rejected" {
		msg, _ := rt.EvalString("String(globalThis.__awaited_result)")
		_ = rt.Eval("delete globalThis.__awaited_result; delete globalThis.__awaited_state;")
		return fmt.Errorf("promise rejected: %s", msg)
	}

	_ = rt.Eval(fmt.Sprintf(
		"globalThis.%s = globalThis.__awaited_result; delete globalThis.__awaited_result; delete globalThis.__awaited_state;",
		globalVar))
	return timerErr
}
