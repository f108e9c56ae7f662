// Package reactor multiplexes socket readiness and bounds background
// workers.
//
// A Reactor owns a table of registered sockets. Run polls them all and
// invokes the callback of every socket that became readable, one at a time on
// the Run goroutine. Between polls it forgets workers that finished and
// sockets that were closed without being unregistered.
//
// Callbacks are not guarded individually. A panic escaping a callback, or a
// worker, is logged at fatal level and stops the reactor.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gonzalop/ftpd/internal/logging"
	"golang.org/x/sys/unix"
)

var (
	// ErrFatal is returned by Run after an unrecovered panic.
	ErrFatal = errors.New("reactor: fatal error")

	// ErrSaturated is returned by Spawn when no worker slot freed up in
	// time.
	ErrSaturated = errors.New("reactor: worker pool saturated")

	// ErrStopped is returned by Spawn after the reactor stopped.
	ErrStopped = errors.New("reactor: stopped")
)

// Reactor is the readiness loop and worker pool.
type Reactor struct {
	logger       *slog.Logger
	pollInterval time.Duration
	maxWorkers   int
	waitLimit    time.Duration
	waitWarn     time.Duration

	mu      sync.Mutex
	sockets map[syscall.Conn]*socket
	workers map[*Worker]struct{}

	slots chan struct{} // nil when unlimited
	live  atomic.Int32

	stopOnce sync.Once
	stop     chan struct{}
	fatalMu  sync.Mutex
	fatal    error
}

type socket struct {
	conn  syscall.Conn
	raw   syscall.RawConn
	owner any
	cb    func()
}

// Option configures a Reactor.
type Option func(*Reactor) error

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reactor) error {
		r.logger = logger
		return nil
	}
}

// WithPollInterval bounds how long one poll may block.
func WithPollInterval(d time.Duration) Option {
	return func(r *Reactor) error {
		if d <= 0 {
			return fmt.Errorf("poll interval must be positive")
		}
		r.pollInterval = d
		return nil
	}
}

// WithMaxWorkers caps concurrently live workers. Zero or less means
// unlimited.
func WithMaxWorkers(n int) Option {
	return func(r *Reactor) error {
		r.maxWorkers = n
		return nil
	}
}

// WithWorkerWait sets how long Spawn waits for a free slot before failing,
// and after how long the wait is logged.
func WithWorkerWait(limit, warn time.Duration) Option {
	return func(r *Reactor) error {
		if limit <= 0 {
			return fmt.Errorf("worker wait must be positive")
		}
		r.waitLimit = limit
		r.waitWarn = warn
		return nil
	}
}

// New returns a Reactor.
//
// Default values:
//   - Logger: slog.Default()
//   - PollInterval: 100ms
//   - MaxWorkers: 0 (unlimited)
//   - WorkerWait: 30s, logged after 5s
func New(options ...Option) (*Reactor, error) {
	r := &Reactor{
		logger:       slog.Default(),
		pollInterval: 100 * time.Millisecond,
		waitLimit:    30 * time.Second,
		waitWarn:     5 * time.Second,
		sockets:      make(map[syscall.Conn]*socket),
		workers:      make(map[*Worker]struct{}),
		stop:         make(chan struct{}),
	}
	for _, opt := range options {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	if r.maxWorkers > 0 {
		r.slots = make(chan struct{}, r.maxWorkers)
	}
	r.logger = logging.Category(r.logger, logging.CategoryReactor)
	return r, nil
}

// Register adds conn to the readiness set. cb runs on the Run goroutine each
// time conn is readable, has hung up, or has an error pending.
func (r *Reactor) Register(conn syscall.Conn, owner any, cb func()) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("reactor: register: %w", err)
	}
	r.mu.Lock()
	r.sockets[conn] = &socket{conn: conn, raw: raw, owner: owner, cb: cb}
	r.mu.Unlock()
	return nil
}

// Unregister removes conn from the readiness set.
func (r *Reactor) Unregister(conn syscall.Conn) {
	r.mu.Lock()
	delete(r.sockets, conn)
	r.mu.Unlock()
}

// Registered reports the number of registered sockets.
func (r *Reactor) Registered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sockets)
}

// Live reports the number of running workers.
func (r *Reactor) Live() int {
	return int(r.live.Load())
}

// Stop ends Run at its next iteration.
func (r *Reactor) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Stopped is closed once the reactor stops.
func (r *Reactor) Stopped() <-chan struct{} {
	return r.stop
}

// fail records a fatal error and stops the loop.
func (r *Reactor) fail(p any, stack []byte) {
	logging.Fatal(r.logger, "reactor_panic",
		"panic", fmt.Sprint(p),
		"stack", string(stack),
	)
	r.fatalMu.Lock()
	if r.fatal == nil {
		r.fatal = fmt.Errorf("%w: %v", ErrFatal, p)
	}
	r.fatalMu.Unlock()
	r.Stop()
}

func (r *Reactor) fatalErr() error {
	r.fatalMu.Lock()
	defer r.fatalMu.Unlock()
	return r.fatal
}

// Run drives the loop until ctx is done, Stop is called, or a panic escapes.
func (r *Reactor) Run(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.fail(p, debug.Stack())
			err = r.fatalErr()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			r.Stop()
			return ctx.Err()
		case <-r.stop:
			return r.fatalErr()
		default:
		}

		r.reap()
		r.prune()

		ready, err := r.poll()
		if err != nil {
			return err
		}
		for _, s := range ready {
			// An earlier callback may have unregistered this socket.
			if r.isRegistered(s) {
				s.cb()
			}
		}
	}
}

func (r *Reactor) isRegistered(s *socket) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sockets[s.conn] == s
}

// reap forgets finished workers.
func (r *Reactor) reap() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for w := range r.workers {
		select {
		case <-w.done:
			delete(r.workers, w)
		default:
		}
	}
}

// prune forgets sockets that were closed without being unregistered.
func (r *Reactor) prune() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for conn, s := range r.sockets {
		if err := s.raw.Control(func(uintptr) {}); err != nil {
			delete(r.sockets, conn)
		}
	}
}

func (r *Reactor) snapshot() ([]*socket, []unix.PollFd) {
	r.mu.Lock()
	defer r.mu.Unlock()

	socks := make([]*socket, 0, len(r.sockets))
	fds := make([]unix.PollFd, 0, len(r.sockets))
	for _, s := range r.sockets {
		var fd int32 = -1
		if err := s.raw.Control(func(f uintptr) { fd = int32(f) }); err != nil {
			continue
		}
		socks = append(socks, s)
		fds = append(fds, unix.PollFd{Fd: fd, Events: unix.POLLIN})
	}
	return socks, fds
}

// poll waits up to the poll interval and returns the sockets that need
// attention.
func (r *Reactor) poll() ([]*socket, error) {
	socks, fds := r.snapshot()
	if len(fds) == 0 {
		t := time.NewTimer(r.pollInterval)
		defer t.Stop()
		select {
		case <-t.C:
		case <-r.stop:
		}
		return nil, nil
	}

	n, err := unix.Poll(fds, int(r.pollInterval/time.Millisecond))
	if err != nil {
		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
			return nil, nil
		}
		return nil, fmt.Errorf("reactor: poll: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	ready := make([]*socket, 0, n)
	for i, pfd := range fds {
		switch {
		case pfd.Revents&unix.POLLNVAL != 0:
			r.Unregister(socks[i].conn)
		case pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0:
			ready = append(ready, socks[i])
		}
	}
	return ready, nil
}
