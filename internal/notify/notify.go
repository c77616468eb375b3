// Package notify wakes a single-threaded reactor through its own I/O
// multiplexer. The Reactor owns an epoll instance and runs readable-fd
// handlers on one goroutine; the Bridge is a pipe whose read side is
// registered on that reactor, so a token written from any goroutine is
// handled on the reactor goroutine.
package notify

import "errors"

// TokenSize is the width of one token on the pipe. It is far below
// PIPE_BUF, so every write is atomic.
const TokenSize = 8

var (
	// ErrUnsupported is returned on platforms without epoll.
	ErrUnsupported = errors.New("notify: reactor not supported on this platform")
	ErrClosed      = errors.New("notify: closed")
	ErrShortWrite  = errors.New("notify: short token write")

	ErrAlreadyRegistered = errors.New("notify: fd already registered")
	ErrNotRegistered     = errors.New("notify: fd not registered")
)

// Handler is called on the reactor goroutine when its fd is readable.
type Handler func()

// TokenHandler receives each token read from a Bridge, on the reactor
// goroutine.
type TokenHandler func(token uint64)
