//go:build linux

package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func startReactor(t *testing.T) *Reactor {
	t.Helper()
	r, err := NewReactor(nil)
	if err != nil {
		t.Fatalf("NewReactor: %v", err)
	}
	errc := make(chan error, 1)
	go func() { errc <- r.Run(context.Background()) }()
	t.Cleanup(func() {
		if err := r.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
		if err := <-errc; err != nil && err != ErrClosed {
			t.Errorf("Run: %v", err)
		}
	})
	return r
}

func TestBridgeDeliversTokensOnReactor(t *testing.T) {
	r := startReactor(t)

	var mu sync.Mutex
	var got []uint64
	done := make(chan struct{})
	b, err := NewBridge(r, func(token uint64) {
		mu.Lock()
		got = append(got, token)
		n := len(got)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
	}, nil)
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}
	defer b.Close()

	for _, tok := range []uint64{1, 42, 1<<63 + 5} {
		if err := b.Notify(tok); err != nil {
			t.Fatalf("Notify(%d): %v", tok, err)
		}
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("tokens not delivered, got %v", got)
	}
	mu.Lock()
	defer mu.Unlock()
	want := []uint64{1, 42, 1<<63 + 5}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("tokens = %v, want %v", got, want)
		}
	}
}

func TestBridgeConcurrentNotify(t *testing.T) {
	r := startReactor(t)
	const writers, per = 8, 100
	var mu sync.Mutex
	seen := map[uint64]int{}
	all := make(chan struct{})
	b, err := NewBridge(r, func(token uint64) {
		mu.Lock()
		seen[token]++
		n := len(seen)
		mu.Unlock()
		if n == writers*per {
			close(all)
		}
	}, nil)
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}
	defer b.Close()

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < per; i++ {
				if err := b.Notify(uint64(w*per + i)); err != nil {
					t.Errorf("Notify: %v", err)
				}
			}
		}(w)
	}
	wg.Wait()
	select {
	case <-all:
	case <-time.After(5 * time.Second):
		t.Fatalf("received %d distinct tokens, want %d", len(seen), writers*per)
	}
	mu.Lock()
	defer mu.Unlock()
	for tok, n := range seen {
		if n != 1 {
			t.Fatalf("token %d seen %d times", tok, n)
		}
	}
}

func TestNotifyAfterCloseFails(t *testing.T) {
	r := startReactor(t)
	b, err := NewBridge(r, func(uint64) {}, nil)
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Notify(1); err != ErrClosed {
		t.Fatalf("Notify after Close = %v, want ErrClosed", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestReactorRegisterDuplicate(t *testing.T) {
	r, err := NewReactor(nil)
	if err != nil {
		t.Fatalf("NewReactor: %v", err)
	}
	defer r.Close()
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		t.Fatalf("pipe2: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	if err := r.Register(fds[0], func() {}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(fds[0], func() {}); err != ErrAlreadyRegistered {
		t.Fatalf("duplicate Register = %v", err)
	}
	if err := r.Unregister(fds[0]); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if err := r.Unregister(fds[0]); err != ErrNotRegistered {
		t.Fatalf("second Unregister = %v", err)
	}
}

func TestReactorStopsOnContextCancel(t *testing.T) {
	r, err := NewReactor(nil)
	if err != nil {
		t.Fatalf("NewReactor: %v", err)
	}
	defer r.Close()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- r.Run(ctx) }()
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestBridgeDropsShortReadOnly(t *testing.T) {
	r, err := NewReactor(nil)
	if err != nil {
		t.Fatalf("NewReactor: %v", err)
	}
	defer r.Close()
	var got []uint64
	b, err := NewBridge(r, func(token uint64) { got = append(got, token) }, nil)
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}
	defer b.Close()

	if _, err := unix.Write(b.wfd, []byte{1, 2, 3}); err != nil {
		t.Fatalf("write: %v", err)
	}
	b.readable()
	if len(got) != 0 {
		t.Fatalf("short read delivered %v", got)
	}

	for _, tok := range []uint64{7, 9} {
		if err := b.Notify(tok); err != nil {
			t.Fatalf("Notify(%d): %v", tok, err)
		}
	}
	b.readable()
	if len(got) != 2 || got[0] != 7 || got[1] != 9 {
		t.Fatalf("tokens after short read = %v, want [7 9]", got)
	}
}
