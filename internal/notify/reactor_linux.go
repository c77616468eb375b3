//go:build linux

package notify

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Reactor is an epoll loop dispatching readable events to registered
// handlers. Handlers run inline on the Run goroutine and must not block.
type Reactor struct {
	epfd   int
	stopfd int // eventfd; readable means stop

	mu       sync.RWMutex
	handlers map[int]Handler

	closed  atomic.Bool
	running atomic.Bool
	runDone chan struct{}
	logger  *slog.Logger

	events [64]unix.EpollEvent
}

// NewReactor creates the epoll instance and its stop eventfd.
func NewReactor(logger *slog.Logger) (*Reactor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("notify: epoll_create1: %w", err)
	}
	stopfd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("notify: eventfd: %w", err)
	}
	ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(stopfd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, stopfd, ev); err != nil {
		_ = unix.Close(stopfd)
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("notify: registering stop fd: %w", err)
	}
	return &Reactor{
		epfd:     epfd,
		stopfd:   stopfd,
		handlers: make(map[int]Handler),
		runDone:  make(chan struct{}),
		logger:   logger.With("component", "reactor"),
	}, nil
}

// Register watches fd for readability. Level-triggered: the handler is
// called again while data remains unread.
func (r *Reactor) Register(fd int, h Handler) error {
	if r.closed.Load() {
		return ErrClosed
	}
	r.mu.Lock()
	if _, ok := r.handlers[fd]; ok {
		r.mu.Unlock()
		return ErrAlreadyRegistered
	}
	r.handlers[fd] = h
	r.mu.Unlock()

	ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		r.mu.Lock()
		delete(r.handlers, fd)
		r.mu.Unlock()
		return fmt.Errorf("notify: epoll_ctl add %d: %w", fd, err)
	}
	return nil
}

// Unregister stops watching fd. A handler already copied out by the loop
// may still run once after Unregister returns.
func (r *Reactor) Unregister(fd int) error {
	r.mu.Lock()
	if _, ok := r.handlers[fd]; !ok {
		r.mu.Unlock()
		return ErrNotRegistered
	}
	delete(r.handlers, fd)
	r.mu.Unlock()
	if r.closed.Load() {
		return nil
	}
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Run dispatches events until Stop, Close or ctx cancellation. It pins the
// calling goroutine to its OS thread for the duration. Only one Run may be
// active.
func (r *Reactor) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return fmt.Errorf("notify: reactor already running")
	}
	defer close(r.runDone)
	// Checked after running is set so Close either sees the loop and waits
	// for it, or the loop sees Close and never touches the fds.
	if r.closed.Load() {
		return ErrClosed
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	stop := context.AfterFunc(ctx, r.Stop)
	defer stop()

	for {
		n, err := unix.EpollWait(r.epfd, r.events[:], -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("notify: epoll_wait: %w", err)
		}
		for i := 0; i < n; i++ {
			fd := int(r.events[i].Fd)
			if fd == r.stopfd {
				r.logger.Debug("reactor stopping")
				return nil
			}
			r.mu.RLock()
			h := r.handlers[fd]
			r.mu.RUnlock()
			if h != nil {
				h()
			}
		}
	}
}

// Stop asks Run to return. Safe from any goroutine, and before Run starts.
func (r *Reactor) Stop() {
	var one [8]byte
	one[0] = 1
	if _, err := unix.Write(r.stopfd, one[:]); err != nil && err != unix.EAGAIN {
		r.logger.Warn("reactor stop write failed", "err", err)
	}
}

// Close stops the loop, waits for Run to return and releases the fds.
func (r *Reactor) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.Stop()
	if r.running.Load() {
		<-r.runDone
	}
	err := unix.Close(r.epfd)
	if cerr := unix.Close(r.stopfd); err == nil {
		err = cerr
	}
	return err
}
