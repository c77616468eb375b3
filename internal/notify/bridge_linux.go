//go:build linux

package notify

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"
)

// Bridge carries tokens from any goroutine to the reactor goroutine over a
// non-blocking pipe. Each Notify is a single TokenSize write; the read side
// drains whole tokens until EAGAIN. Partial reads and writes are logged and
// dropped, never retried.
type Bridge struct {
	reactor *Reactor
	rfd     int
	wfd     int
	onToken TokenHandler
	logger  *slog.Logger

	mu     sync.RWMutex // guards closed against Notify
	closed bool
}

// NewBridge creates the pipe and registers its read side on r.
func NewBridge(r *Reactor, onToken TokenHandler, logger *slog.Logger) (*Bridge, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("notify: pipe2: %w", err)
	}
	b := &Bridge{
		reactor: r,
		rfd:     fds[0],
		wfd:     fds[1],
		onToken: onToken,
		logger:  logger.With("component", "bridge"),
	}
	if err := r.Register(b.rfd, b.readable); err != nil {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		return nil, err
	}
	return b, nil
}

// Notify writes token to the pipe. It never blocks: a full pipe is
// reported as an error.
func (b *Bridge) Notify(token uint64) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	var buf [TokenSize]byte
	binary.NativeEndian.PutUint64(buf[:], token)
	n, err := unix.Write(b.wfd, buf[:])
	if err != nil {
		return fmt.Errorf("notify: writing token %d: %w", token, err)
	}
	if n != TokenSize {
		b.logger.Error("short token write", "token", token, "written", n)
		return ErrShortWrite
	}
	return nil
}

func (b *Bridge) readable() {
	var buf [TokenSize]byte
	for {
		n, err := unix.Read(b.rfd, buf[:])
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return
		case err != nil:
			b.logger.Error("reading token", "err", err)
			return
		case n == 0:
			return
		case n != TokenSize:
			b.logger.Error("short token read, dropping", "read", n)
			return
		}
		b.onToken(binary.NativeEndian.Uint64(buf[:]))
	}
}

// Close unregisters the read side and closes both ends of the pipe.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	_ = b.reactor.Unregister(b.rfd)
	err := unix.Close(b.wfd)
	if rerr := unix.Close(b.rfd); err == nil {
		err = rerr
	}
	return err
}
