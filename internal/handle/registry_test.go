package handle

import (
	"sync"
	"testing"

	"github.com/cryguy/jsgate/internal/core"
)

func TestRegisterLookupRelease(t *testing.T) {
	r := NewRegistry[string]()
	h := r.Register("conn-a")
	if h != 1 {
		t.Fatalf("first handle = %d, want 1", h)
	}
	if v, ok := r.Lookup(h); !ok || v != "conn-a" {
		t.Fatalf("Lookup = %q,%v", v, ok)
	}
	if v, ok := r.Release(h); !ok || v != "conn-a" {
		t.Fatalf("Release = %q,%v", v, ok)
	}
	if _, ok := r.Lookup(h); ok {
		t.Fatalf("handle still live after Release")
	}
	if _, ok := r.Release(h); ok {
		t.Fatalf("second Release reported ok")
	}
	if h2 := r.Register("conn-b"); h2 == h {
		t.Fatalf("released handle %d reissued", h)
	}
}

func TestZeroHandleNeverLive(t *testing.T) {
	r := NewRegistry[int]()
	r.Register(5)
	if _, ok := r.Lookup(0); ok {
		t.Fatalf("handle 0 resolved")
	}
}

func TestConcurrentRegisterUnique(t *testing.T) {
	r := NewRegistry[int]()
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[core.Handle]bool{}
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h := r.Register(i)
			mu.Lock()
			if seen[h] {
				t.Errorf("duplicate handle %d", h)
			}
			seen[h] = true
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	if r.Len() != 100 {
		t.Fatalf("Len = %d, want 100", r.Len())
	}
}
