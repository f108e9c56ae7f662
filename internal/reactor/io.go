package reactor

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock reports that a non-blocking call found nothing to do.
var ErrWouldBlock = errors.New("reactor: operation would block")

// Read performs one non-blocking read from conn. It returns ErrWouldBlock
// when no data is available and io.EOF when the peer closed.
func Read(conn syscall.Conn, buf []byte) (int, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}

	var n int
	var rerr error
	err = raw.Read(func(fd uintptr) bool {
		n, rerr = unix.Read(int(fd), buf)
		return true
	})
	if err != nil {
		return 0, err
	}

	switch {
	case errors.Is(rerr, unix.EAGAIN), errors.Is(rerr, unix.EINTR):
		return 0, ErrWouldBlock
	case rerr != nil:
		return 0, rerr
	case n == 0 && len(buf) > 0:
		return 0, io.EOF
	}
	return n, nil
}

// Accept accepts one pending connection from a listening socket without
// blocking. Interrupted or aborted accepts, and an empty backlog, are all
// reported as ErrWouldBlock.
func Accept(ln syscall.Conn) (net.Conn, error) {
	raw, err := ln.SyscallConn()
	if err != nil {
		return nil, err
	}

	// Listening sockets reject raw Read; the fd is already non-blocking.
	nfd := -1
	var aerr error
	err = raw.Control(func(fd uintptr) {
		nfd, _, aerr = unix.Accept4(int(fd), unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	})
	if err != nil {
		return nil, err
	}

	switch {
	case errors.Is(aerr, unix.EAGAIN),
		errors.Is(aerr, unix.EINTR),
		errors.Is(aerr, unix.ECONNABORTED):
		return nil, ErrWouldBlock
	case aerr != nil:
		return nil, fmt.Errorf("accept: %w", aerr)
	}

	f := os.NewFile(uintptr(nfd), "accepted")
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("accept: %w", err)
	}
	return conn, nil
}
