// Package eventloop schedules script timers on the engine goroutine.
package eventloop

import (
	"fmt"
	"sync"
	"time"

	"github.com/cryguy/jsgate/internal/core"
)

// minInterval bounds how often a setInterval callback may fire.
const minInterval = 10 * time.Millisecond

// timerEntry is the Go side of a setTimeout or setInterval call. The
// callback itself lives in globalThis.__timerCallbacks[id].
type timerEntry struct {
	deadline time.Time
	interval time.Duration // 0 for setTimeout
	id       int
	cleared  bool
}

// EventLoop tracks pending timers for one VM. Registration may happen from
// registered Go functions while script code runs; firing happens only from
// Drain on the engine goroutine.
type EventLoop struct {
	mu     sync.Mutex
	timers map[int]*timerEntry
	nextID int
}

// New creates an empty EventLoop.
func New() *EventLoop {
	return &EventLoop{timers: make(map[int]*timerEntry)}
}

// RegisterTimer creates a timer entry and returns its ID.
func (el *EventLoop) RegisterTimer(delay time.Duration, isInterval bool) int {
	if delay < 0 {
		delay = 0
	}
	el.mu.Lock()
	defer el.mu.Unlock()
	el.nextID++
	id := el.nextID
	entry := &timerEntry{deadline: time.Now().Add(delay), id: id}
	if isInterval {
		if delay < minInterval {
			delay = minInterval
		}
		entry.interval = delay
	}
	el.timers[id] = entry
	return id
}

// ClearTimer cancels a timer by ID. Unknown IDs are ignored.
func (el *EventLoop) ClearTimer(id int) {
	el.mu.Lock()
	defer el.mu.Unlock()
	if t, ok := el.timers[id]; ok {
		t.cleared = true
		delete(el.timers, id)
	}
}

func (el *EventLoop) fireTimer(rt core.JSRuntime, id int) error {
	return rt.Eval(fmt.Sprintf(`(function() {
		var entry = globalThis.__timerCallbacks[%d];
		if (!entry) return;
		if (!entry.interval) delete globalThis.__timerCallbacks[%d];
		entry.fn.apply(null, entry.args || []);
	})()`, id, id))
}

// next returns the earliest live timer, or nil.
func (el *EventLoop) next() *timerEntry {
	el.mu.Lock()
	defer el.mu.Unlock()
	var next *timerEntry
	for _, t := range el.timers {
		if t.cleared {
			continue
		}
		if next == nil || t.deadline.Before(next.deadline) {
			next = t
		}
	}
	return next
}

// Drain fires timers in deadline order until none remain or the next one
// would fire after deadline. Microtasks are pumped after every callback.
// The first callback error is returned after draining continues; a
// throwing timer does not stop later ones.
func (el *EventLoop) Drain(rt core.JSRuntime, deadline time.Time) error {
	var firstErr error
	for {
		next := el.next()
		if next == nil {
			return firstErr
		}

		if wait := time.Until(next.deadline); wait > 0 {
			if time.Now().Add(wait).After(deadline) {
				return firstErr
			}
			time.Sleep(wait)
		}
		if time.Now().After(deadline) {
			return firstErr
		}

		el.mu.Lock()
		if next.cleared {
			el.mu.Unlock()
			continue
		}
		id := next.id
		if next.interval > 0 {
			next.deadline = time.Now().Add(next.interval)
		} else {
			delete(el.timers, next.id)
		}
		el.mu.Unlock()

		if err := el.fireTimer(rt, id); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("timer %d: %w", id, err)
		}
		rt.RunMicrotasks()
	}
}

// HasPending reports whether any timer is still scheduled.
func (el *EventLoop) HasPending() bool {
	el.mu.Lock()
	defer el.mu.Unlock()
	return len(el.timers) > 0
}

// Reset drops every timer. Called between requests so one request's
// leftover intervals never fire inside the next.
func (el *EventLoop) Reset() {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.timers = make(map[int]*timerEntry)
	el.nextID = 0
}
