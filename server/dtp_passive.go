package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gonzalop/ftpd/internal/reactor"
)

var (
	// errPortRangeExhausted is returned when no port in the passive range
	// could be bound.
	errPortRangeExhausted = errors.New("passive port range exhausted")

	// errAcceptTimeout is returned when no client connected in time.
	errAcceptTimeout = errors.New("nobody connected to passive data connection")
)

// listenPassive binds a listener inside the configured passive port range.
//
// The walk starts at a rotating offset so consecutive sessions spread over
// the range, and wraps at most once. Ports already in use are skipped; any
// other error aborts. At most min(attempts, range size) ports are tried.
func (srv *Server) listenPassive() (net.Listener, int, error) {
	pasv := srv.cfg.DataConnections.Pasv
	size := pasv.PortRange.Size()
	if size <= 0 {
		return nil, 0, fmt.Errorf("%w: empty range", errPortRangeExhausted)
	}

	attempts := pasv.Attempts
	if attempts <= 0 || attempts > size {
		attempts = size
	}

	offset := int(srv.nextPassivePort.Add(1)-1) % size
	for i := 0; i < attempts; i++ {
		port := pasv.PortRange.Min + (offset+i)%size
		addr := net.JoinHostPort(pasv.Host, strconv.Itoa(port))

		ln, err := srv.listen("tcp4", addr)
		if err == nil {
			return ln, port, nil
		}
		if errors.Is(err, syscall.EADDRINUSE) {
			continue
		}
		return nil, 0, fmt.Errorf("listen %s: %w", addr, err)
	}
	return nil, 0, fmt.Errorf("%w: %d ports tried in %d-%d",
		errPortRangeExhausted, attempts, pasv.PortRange.Min, pasv.PortRange.Max)
}

// passiveTransport accepts exactly one client connection on a listener
// bound by listenPassive. The listener is watched by the reactor; further
// connections while a peer is established are dropped.
type passiveTransport struct {
	ln            net.Listener
	raw           syscall.Conn
	port          int
	reactor       *reactor.Reactor
	acceptTimeout time.Duration
	timeout       time.Duration
	logger        *slog.Logger

	mu     sync.Mutex
	peer   net.Conn
	closed bool
	ready  chan struct{} // closed when a peer is accepted
	done   chan struct{} // closed by close
}

func newPassiveTransport(ln net.Listener, port int, r *reactor.Reactor, acceptTimeout, timeout time.Duration, logger *slog.Logger) (*passiveTransport, error) {
	raw, ok := ln.(syscall.Conn)
	if !ok {
		ln.Close()
		return nil, fmt.Errorf("passive listener %T has no file descriptor", ln)
	}
	p := &passiveTransport{
		ln:            ln,
		raw:           raw,
		port:          port,
		reactor:       r,
		acceptTimeout: acceptTimeout,
		timeout:       timeout,
		logger:        logger,
		ready:         make(chan struct{}),
		done:          make(chan struct{}),
	}
	if err := r.Register(raw, p, p.tryAccept); err != nil {
		ln.Close()
		return nil, err
	}
	return p, nil
}

// tryAccept takes one pending connection without blocking.
func (p *passiveTransport) tryAccept() {
	conn, err := reactor.Accept(p.raw)
	if err != nil {
		if !errors.Is(err, reactor.ErrWouldBlock) {
			p.logger.Debug("passive accept failed", "port", p.port, "error", err)
		}
		return
	}

	p.mu.Lock()
	if p.peer != nil || p.closed {
		p.mu.Unlock()
		p.logger.Info("data_connection_rejected",
			"port", p.port,
			"remote_addr", conn.RemoteAddr().String(),
		)
		conn.Close()
		return
	}
	p.peer = conn
	close(p.ready)
	p.mu.Unlock()

	p.logger.Info("data_connection_accepted",
		"port", p.port,
		"remote_addr", conn.RemoteAddr().String(),
	)
}

// connect waits a bounded time for the client to connect. A connection
// the reactor already accepted is used right away.
func (p *passiveTransport) connect(ctx context.Context) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return net.ErrClosed
	}

	p.tryAccept()
	if p.connected() {
		return nil
	}

	t := time.NewTimer(p.acceptTimeout)
	defer t.Stop()
	select {
	case <-p.ready:
		return nil
	case <-t.C:
		return errAcceptTimeout
	case <-p.done:
		return net.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *passiveTransport) connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peer != nil
}

// usable is false once the transport was closed, after a transfer or by
// replacement.
func (p *passiveTransport) usable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed
}

func (p *passiveTransport) conn() net.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peer
}

func (p *passiveTransport) sendChunk(b []byte) (int, error) {
	conn := p.conn()
	if conn == nil {
		return 0, net.ErrClosed
	}
	if p.timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(p.timeout))
	}
	return conn.Write(b)
}

func (p *passiveTransport) recvChunk(b []byte) (int, error) {
	conn := p.conn()
	if conn == nil {
		return 0, net.ErrClosed
	}
	if p.timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(p.timeout))
	}
	return conn.Read(b)
}

// close drops the peer and the listener. A passive transport is not
// reusable afterwards.
func (p *passiveTransport) close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	peer := p.peer
	p.peer = nil
	close(p.done)
	p.mu.Unlock()

	p.reactor.Unregister(p.raw)
	err := p.ln.Close()
	if peer != nil {
		peer.Close()
	}
	return err
}

func (p *passiveTransport) String() string {
	return "passive :" + strconv.Itoa(p.port)
}
