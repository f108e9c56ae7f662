package server

import (
	"fmt"
	"log/slog"

	"github.com/gonzalop/ftpd/internal/jail"
	"github.com/gonzalop/ftpd/internal/reactor"
	"github.com/gonzalop/ftpd/internal/system"
)

// Option is a functional option for configuring an FTP server.
type Option func(*Server) error

// WithLogger sets a custom logger for the server.
// If not specified, slog.Default() is used. Records are tagged with the
// subsystem that emitted them.
//
// Example with debug logging:
//
//	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	}))
//	s, _ := server.NewServer(cfg, server.WithLogger(logger))
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		if logger == nil {
			return fmt.Errorf("logger is nil")
		}
		s.logger = logger
		return nil
	}
}

// WithAccounts sets the identity provider used for USER, PASS and for
// owner names in listings. It can only be set once.
//
// Example serving a fixed set of accounts:
//
//	accounts := system.NewStatic()
//	accounts.Add(system.User{Name: "alice", UID: 1000, GID: 1000, HomeDir: "/srv/alice"}, "secret")
//	s, _ := server.NewServer(cfg, server.WithAccounts(accounts))
func WithAccounts(accounts system.Accounts) Option {
	return func(s *Server) error {
		if s.accounts != nil {
			return fmt.Errorf("accounts already set")
		}
		s.accounts = accounts
		return nil
	}
}

// WithJail sets the helper launcher used for filesystem work.
func WithJail(j *jail.Jail) Option {
	return func(s *Server) error {
		s.jail = j
		return nil
	}
}

// WithReactor sets the readiness loop and worker pool. The server owns it
// from then on: Shutdown stops it.
func WithReactor(r *reactor.Reactor) Option {
	return func(s *Server) error {
		s.reactor = r
		return nil
	}
}

// WithMetricsCollector sets a collector that receives command, transfer,
// connection and authentication counters.
func WithMetricsCollector(collector MetricsCollector) Option {
	return func(s *Server) error {
		s.metrics = collector
		return nil
	}
}

// WithPathRedactor rewrites paths before they are logged.
//
// Example hiding everything but the file name:
//
//	s, _ := server.NewServer(cfg,
//	    server.WithPathRedactor(func(p string) string {
//	        return ".../" + path.Base(p)
//	    }),
//	)
func WithPathRedactor(redactor PathRedactor) Option {
	return func(s *Server) error {
		s.pathRedactor = redactor
		return nil
	}
}

// WithRedactIPs masks the last octet (or IPv6 group) of client addresses
// in logs.
func WithRedactIPs(enabled bool) Option {
	return func(s *Server) error {
		s.redactIPs = enabled
		return nil
	}
}

// WithListenerFactory sets how the control and passive listeners are
// opened. The listeners must expose their file descriptor through
// syscall.Conn so the reactor can poll them.
func WithListenerFactory(factory ListenerFactory) Option {
	return func(s *Server) error {
		if factory == nil {
			return fmt.Errorf("listener factory is nil")
		}
		s.listenerFactory = factory
		return nil
	}
}
