package quickjs

import (
	"errors"
	"strings"
	"testing"

	"modernc.org/quickjs"
)

func newTestRuntime(t *testing.T) *qjsRuntime {
	t.Helper()
	vm, err := quickjs.NewVM()
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}
	t.Cleanup(func() { vm.Close() })
	return &qjsRuntime{vm: vm}
}

func TestRegisterFuncUnwrapsErrors(t *testing.T) {
	rt := newTestRuntime(t)
	if err := rt.RegisterFunc("half", func(n int) (int, error) {
		if n%2 != 0 {
			return 0, errors.New("odd input")
		}
		return n / 2, nil
	}); err != nil {
		t.Fatalf("RegisterFunc: %v", err)
	}

	got, err := rt.EvalString("String(half(8))")
	if err != nil || got != "4" {
		t.Fatalf("half(8) = %q, %v", got, err)
	}
	got, err = rt.EvalString(`(function() {
		try { half(3); return "no throw"; } catch (e) { return (e instanceof TypeError) + ":" + e.message; }
	})()`)
	if err != nil {
		t.Fatalf("EvalString: %v", err)
	}
	if !strings.HasPrefix(got, "true:calling half: ") || !strings.Contains(got, "odd input") {
		t.Fatalf("thrown = %q", got)
	}
}

func TestRunMicrotasks(t *testing.T) {
	rt := newTestRuntime(t)
	if err := rt.Eval(`globalThis.done = false; Promise.resolve().then(function() { globalThis.done = true; });`); err != nil {
		t.Fatalf("Eval: %v", err)
	}
	before, _ := rt.EvalBool("globalThis.done")
	rt.RunMicrotasks()
	after, _ := rt.EvalBool("globalThis.done")
	if before || !after {
		t.Fatalf("done before=%v after=%v", before, after)
	}
}

func TestSetGlobal(t *testing.T) {
	rt := newTestRuntime(t)
	if err := rt.SetGlobal("greeting", "hi"); err != nil {
		t.Fatalf("SetGlobal: %v", err)
	}
	ok, err := rt.EvalBool(`greeting === "hi"`)
	if err != nil || !ok {
		t.Fatalf("greeting not visible: %v %v", ok, err)
	}
}
