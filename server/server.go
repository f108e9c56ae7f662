package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/gonzalop/ftpd/internal/config"
	"github.com/gonzalop/ftpd/internal/jail"
	"github.com/gonzalop/ftpd/internal/logging"
	"github.com/gonzalop/ftpd/internal/reactor"
	"github.com/gonzalop/ftpd/internal/system"
)

// Server is the FTP server.
//
// A single reactor goroutine drives the control listener and every control
// connection. Transfers run on workers spawned from the reactor's bounded
// pool, and filesystem work runs in jail helper processes under the
// user's own identity.
//
// Lifecycle:
//  1. Create server with NewServer()
//  2. Start with ListenAndServe() or Serve()
//  3. Server runs until ctx is done, Shutdown is called or the reactor
//     fails
//
// Basic example:
//
//	cfg, _ := config.Load("/etc/ftpd.toml", nil)
//	s, err := server.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(s.ListenAndServe(ctx))
type Server struct {
	cfg *config.Config

	// Loggers for the server itself, control sessions and data transfers.
	logger        *slog.Logger
	sessionLogger *slog.Logger
	dtpLogger     *slog.Logger

	accounts system.Accounts
	jail     *jail.Jail
	reactor  *reactor.Reactor
	metrics  MetricsCollector
	verbs    *registry

	// listenerFactory opens the control listener and passive listeners.
	listenerFactory ListenerFactory

	// pathRedactor rewrites paths before they are logged. Nil logs paths
	// unchanged.
	pathRedactor PathRedactor

	// redactIPs masks the last part of client addresses in logs.
	redactIPs bool

	umask int

	// nextPassivePort rotates the start of the passive port search.
	nextPassivePort atomic.Int32

	// Shutdown handling
	mu         sync.Mutex
	listener   net.Listener
	sessions   map[*session]struct{}
	serving    chan struct{} // closed when Serve returns
	inShutdown atomic.Bool
}

// ErrServerClosed is returned by Serve and ListenAndServe after a call to
// Shutdown or after their context is done.
var ErrServerClosed = errors.New("ftp: Server closed")

// ListenerFactory opens listening sockets. The returned listener must
// expose its file descriptor through syscall.Conn.
type ListenerFactory interface {
	Listen(network, address string) (net.Listener, error)
}

// DefaultListenerFactory listens with net.Listen.
type DefaultListenerFactory struct{}

// Listen implements ListenerFactory.
func (DefaultListenerFactory) Listen(network, address string) (net.Listener, error) {
	return net.Listen(network, address)
}

// NewServer creates a new FTP server from cfg.
//
// Default values:
//   - Logger: slog.Default()
//   - Accounts: the host user database and cfg.Users.ShadowFile
//   - Jail: helpers re-executed from the running binary, chrooting when
//     cfg.Users.Chroot is set and the process runs as root
//   - Reactor: sized from cfg.Server
//   - MetricsCollector: none
func NewServer(cfg *config.Config, options ...Option) (*Server, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	s := &Server{
		cfg:             cfg,
		logger:          slog.Default(),
		verbs:           defaultVerbs,
		listenerFactory: DefaultListenerFactory{},
		sessions:        make(map[*session]struct{}),
	}

	for _, opt := range options {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	base := s.logger
	s.logger = logging.Category(base, logging.CategoryServer)
	s.sessionLogger = logging.Category(base, logging.CategorySession)
	s.dtpLogger = logging.Category(base, logging.CategoryDTP)

	umask, err := cfg.Users.UmaskValue()
	if err != nil {
		return nil, err
	}
	s.umask = umask

	if s.accounts == nil {
		s.accounts = system.NewHost(cfg.Users.ShadowFile)
	}

	if s.jail == nil {
		chroot := cfg.Users.Chroot && os.Geteuid() == 0
		j, err := jail.New(
			jail.WithChroot(chroot),
			jail.WithLogger(logging.Category(base, logging.CategoryJail)),
		)
		if err != nil {
			return nil, err
		}
		s.jail = j
	}

	if s.reactor == nil {
		limit, warn := cfg.Server.WorkerWaitDurations()
		r, err := reactor.New(
			reactor.WithLogger(base),
			reactor.WithPollInterval(cfg.Server.PollIntervalDuration()),
			reactor.WithMaxWorkers(cfg.Server.Threads),
			reactor.WithWorkerWait(limit, warn),
		)
		if err != nil {
			return nil, err
		}
		s.reactor = r
	}

	return s, nil
}

// ListenAndServe listens on the configured control address and calls
// Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := s.cfg.Server.Addr()
	ln, err := s.listen("tcp4", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.logger.Info("FTP server listening", "addr", ln.Addr().String())
	return s.Serve(ctx, ln)
}

// Serve accepts control connections on l and runs the reactor. It blocks
// until ctx is done, Shutdown is called or the reactor fails, then closes
// every session.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	raw, ok := l.(syscall.Conn)
	if !ok {
		l.Close()
		return fmt.Errorf("listener %T has no file descriptor", l)
	}

	s.mu.Lock()
	if s.inShutdown.Load() || s.serving != nil {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.listener = l
	s.serving = make(chan struct{})
	done := s.serving
	s.mu.Unlock()

	defer close(done)
	defer s.closeAll(raw)

	if err := s.reactor.Register(raw, s, func() { s.acceptReady(raw) }); err != nil {
		return err
	}

	err := s.reactor.Run(ctx)
	switch {
	case errors.Is(err, reactor.ErrFatal):
		s.logger.Error("reactor stopped", "error", err)
		return err
	case err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return ErrServerClosed
}

// closeAll releases the listener and ends every session once the reactor
// is no longer running.
func (s *Server) closeAll(raw syscall.Conn) {
	s.inShutdown.Store(true)
	s.reactor.Unregister(raw)

	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, sess := range sessions {
		sess.close()
	}
	s.logger.Info("FTP server stopped", "sessions_closed", len(sessions))
}

// Shutdown stops the reactor and waits for Serve to close every session,
// or for ctx to be done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.inShutdown.Store(true)
	s.reactor.Stop()

	s.mu.Lock()
	done := s.serving
	s.mu.Unlock()
	if done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Addr returns the control listener address, or nil when not serving.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Sessions reports the number of open control sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) listen(network, addr string) (net.Listener, error) {
	return s.listenerFactory.Listen(network, addr)
}

// acceptReady is the reactor callback for the control listener. It drains
// the backlog.
func (s *Server) acceptReady(ln syscall.Conn) {
	for {
		conn, err := reactor.Accept(ln)
		if errors.Is(err, reactor.ErrWouldBlock) {
			return
		}
		if err != nil {
			s.logger.Error("accept error", "error", err)
			return
		}
		s.handleConnection(conn)
	}
}

// handleConnection greets a new control connection and registers it with
// the reactor, or turns it away when the server is full.
func (s *Server) handleConnection(conn net.Conn) {
	if s.inShutdown.Load() {
		conn.Close()
		return
	}

	remoteAddr := conn.RemoteAddr().String()
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		ip = remoteAddr
	}

	if limit := s.cfg.Server.MaxConnections; limit > 0 && s.Sessions() >= limit {
		// Security audit: connection limit reached
		s.logger.Warn("connection_rejected",
			"remote_ip", s.redactIP(ip),
			"reason", "global_limit_reached",
			"limit", limit,
		)
		if s.metrics != nil {
			s.metrics.RecordConnection(false, "global_limit_reached")
		}
		fmt.Fprintf(conn, "421 Too many users, sorry.\r\n")
		conn.Close()
		return
	}

	sess, err := newSession(s, conn)
	if err != nil {
		s.logger.Error("session setup failed", "remote_ip", s.redactIP(ip), "error", err)
		conn.Close()
		return
	}

	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordConnection(true, "accepted")
	}

	sess.reply(220, s.cfg.Server.LoginMessage)
	if err := s.reactor.Register(sess.raw, sess, sess.onReadable); err != nil {
		s.logger.Error("session registration failed", "remote_ip", s.redactIP(ip), "error", err)
		sess.close()
		return
	}

	sess.logger.Info("session_started", "remote_ip", s.redactIP(ip))
}

// forget drops a closed session from the table.
func (s *Server) forget(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

// redactPath returns the path with redaction applied if enabled.
func (s *Server) redactPath(path string) string {
	if s.pathRedactor == nil || path == "" {
		return path
	}
	return s.pathRedactor(path)
}

// redactIP masks the last group of an address if enabled.
func (s *Server) redactIP(ip string) string {
	if !s.redactIPs || ip == "" {
		return ip
	}
	sep := "."
	if strings.Contains(ip, ":") {
		sep = ":"
	}
	i := strings.LastIndex(ip, sep)
	if i < 0 {
		return ip
	}
	return ip[:i+1] + "xxx"
}
