package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"
)

// activeTransport connects out to an address the client sent with PORT.
// The connection is made lazily, on the first transfer.
type activeTransport struct {
	addr           string
	connectTimeout time.Duration
	timeout        time.Duration
	logger         *slog.Logger

	mu   sync.Mutex
	conn net.Conn
	// gen counts close calls; a dial that started before the latest
	// close must not install its connection.
	gen int
}

func newActiveTransport(ip net.IP, port int, connectTimeout, timeout time.Duration, logger *slog.Logger) *activeTransport {
	return &activeTransport{
		addr:           net.JoinHostPort(ip.String(), strconv.Itoa(port)),
		connectTimeout: connectTimeout,
		timeout:        timeout,
		logger:         logger,
	}
}

func (a *activeTransport) connect(ctx context.Context) error {
	a.mu.Lock()
	if a.conn != nil {
		a.mu.Unlock()
		return nil
	}
	gen := a.gen
	a.mu.Unlock()

	d := net.Dialer{Timeout: a.connectTimeout}
	conn, err := d.DialContext(ctx, "tcp4", a.addr)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			a.logger.Info("data connection timed out", "addr", a.addr, "timeout", a.connectTimeout)
		}
		return fmt.Errorf("connect %s: %w", a.addr, err)
	}

	a.mu.Lock()
	if a.gen != gen {
		a.mu.Unlock()
		conn.Close()
		return fmt.Errorf("connect %s: %w", a.addr, net.ErrClosed)
	}
	a.conn = conn
	a.mu.Unlock()
	a.logger.Debug("data connection established", "addr", a.addr)
	return nil
}

func (a *activeTransport) connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn != nil
}

// usable is always true: every transfer dials again.
func (a *activeTransport) usable() bool {
	return true
}

func (a *activeTransport) peer() net.Conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn
}

func (a *activeTransport) sendChunk(b []byte) (int, error) {
	conn := a.peer()
	if conn == nil {
		return 0, net.ErrClosed
	}
	if a.timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(a.timeout))
	}
	return conn.Write(b)
}

func (a *activeTransport) recvChunk(b []byte) (int, error) {
	conn := a.peer()
	if conn == nil {
		return 0, net.ErrClosed
	}
	if a.timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(a.timeout))
	}
	return conn.Read(b)
}

func (a *activeTransport) close() error {
	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	a.gen++
	a.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (a *activeTransport) String() string {
	return "active " + a.addr
}
