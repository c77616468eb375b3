package webapi

import (
	"time"

	"github.com/cryguy/jsgate/internal/core"
	"github.com/cryguy/jsgate/internal/eventloop"
)

// timersJS is the JavaScript side of setTimeout/setInterval/clearTimeout/clearInterval.
const timersJS = `
(function() {
	globalThis.__timerCallbacks = {};
	function delayOf(v) {
		var n = Math.floor(Number(v));
		return n > 0 ? n : 0;
	}
	function schedule(fn, delay, rest, interval) {
		if (typeof fn !== 'function') return 0;
		var args = Array.prototype.slice.call(rest, 2);
		var id = __timerRegister(delayOf(delay), interval);
		globalThis.__timerCallbacks[id] = { fn: fn, args: args, interval: interval };
		return id;
	}
	globalThis.setTimeout = function(fn, delay) { return schedule(fn, delay, arguments, false); };
	globalThis.setInterval = function(fn, interval) { return schedule(fn, interval, arguments, true); };
	globalThis.clearTimeout = globalThis.clearInterval = function(id) {
		if (typeof id !== 'number') return;
		__timerClear(id);
		delete globalThis.__timerCallbacks[id];
	};
	if (typeof globalThis.queueMicrotask !== 'function') {
		globalThis.queueMicrotask = function(fn) { Promise.resolve().then(fn); };
	}
})();
`

// SetupTimers registers Go-backed timers on el.
func SetupTimers(rt core.JSRuntime, el *eventloop.EventLoop) error {
	if err := rt.RegisterFunc("__timerRegister", func(delayMs int, isInterval bool) int {
		return el.RegisterTimer(time.Duration(delayMs)*time.Millisecond, isInterval)
	}); err != nil {
		return err
	}
	if err := rt.RegisterFunc("__timerClear", func(id int) {
		el.ClearTimer(id)
	}); err != nil {
		return err
	}
	return rt.Eval(timersJS)
}

// ResetTimersJS forgets every callback left by the previous request.
const ResetTimersJS = `globalThis.__timerCallbacks = {};`
