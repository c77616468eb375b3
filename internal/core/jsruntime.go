package core

// JSRuntime is the slice of the script engine the gateway bindings and the
// event loop need. All methods must be called on the engine goroutine.
type JSRuntime interface {
	// Eval evaluates JavaScript source and discards the result.
	Eval(js string) error

	// EvalString evaluates JavaScript and returns the result as a Go string.
	EvalString(js string) (string, error)

	// EvalBool evaluates JavaScript and returns the result as a Go bool.
	EvalBool(js string) (bool, error)

	// RegisterFunc registers a Go function as a global JavaScript function.
	// A (T, error) return is unwrapped: T on success, a thrown TypeError
	// on error.
	RegisterFunc(name string, fn any) error

	// SetGlobal sets a global variable. Basic Go types are converted.
	SetGlobal(name string, value any) error

	// RunMicrotasks pumps the pending job queue (promise callbacks).
	RunMicrotasks()
}
