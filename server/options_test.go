package server

import (
	"net"
	"testing"

	"github.com/gonzalop/ftpd/internal/config"
	"github.com/gonzalop/ftpd/internal/jail"
	"github.com/gonzalop/ftpd/internal/reactor"
	"github.com/gonzalop/ftpd/internal/system"
)

func TestNewServerDefaults(t *testing.T) {
	t.Parallel()
	s, err := NewServer(config.Default())
	fatalIfErr(t, err, "NewServer")

	if _, ok := s.accounts.(*system.Host); !ok {
		t.Errorf("accounts = %T, want *system.Host", s.accounts)
	}
	if s.jail == nil || s.reactor == nil {
		t.Error("jail and reactor should be created")
	}
	if _, ok := s.listenerFactory.(DefaultListenerFactory); !ok {
		t.Errorf("listenerFactory = %T, want DefaultListenerFactory", s.listenerFactory)
	}
	if s.metrics != nil {
		t.Error("Expected metricsCollector to be nil")
	}
	if s.umask != 0o022 {
		t.Errorf("umask = %o, want 022", s.umask)
	}
	if s.verbs != defaultVerbs {
		t.Error("verbs should default to the shared table")
	}
}

func TestNewServerOptions(t *testing.T) {
	t.Parallel()
	accounts := system.NewStatic()
	j, err := jail.New()
	fatalIfErr(t, err, "jail.New")
	r, err := reactor.New()
	fatalIfErr(t, err, "reactor.New")
	factory := &scriptedFactory{}
	metrics := &recordingMetrics{}

	s, err := NewServer(config.Default(),
		WithAccounts(accounts),
		WithJail(j),
		WithReactor(r),
		WithListenerFactory(factory),
		WithMetricsCollector(metrics),
		WithPathRedactor(func(string) string { return "redacted" }),
		WithRedactIPs(true),
	)
	fatalIfErr(t, err, "NewServer")

	if s.accounts != accounts || s.jail != j || s.reactor != r {
		t.Error("accounts, jail or reactor not used")
	}
	if s.listenerFactory != factory {
		t.Error("listenerFactory was not set correctly")
	}
	if s.metrics != metrics {
		t.Error("Expected metricsCollector to be set")
	}
	if s.redactPath("/a") != "redacted" || s.redactIP("10.0.0.1") != "10.0.0.xxx" {
		t.Error("redaction options not applied")
	}
}

func TestOptionErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		opts []Option
	}{
		{"Nil logger", []Option{WithLogger(nil)}},
		{"Nil listener factory", []Option{WithListenerFactory(nil)}},
		{"Accounts twice", []Option{WithAccounts(system.NewStatic()), WithAccounts(system.NewStatic())}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewServer(config.Default(), tt.opts...); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestNewServerRejectsBadUmask(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Users.Umask = "999"
	if _, err := NewServer(cfg); err == nil {
		t.Error("expected an error for an invalid umask")
	}
}

func TestServeRequiresFileDescriptor(t *testing.T) {
	t.Parallel()
	s, err := NewServer(config.Default(), WithAccounts(system.NewStatic()))
	fatalIfErr(t, err, "NewServer")

	ln := &fakeListener{}
	if err := s.Serve(t.Context(), ln); err == nil {
		t.Error("expected an error for a listener without a descriptor")
	}
	if !ln.closed {
		t.Error("listener not closed")
	}
}

type fakeListener struct {
	closed bool
}

func (l *fakeListener) Accept() (net.Conn, error) { return nil, net.ErrClosed }
func (l *fakeListener) Close() error              { l.closed = true; return nil }
func (l *fakeListener) Addr() net.Addr            { return &net.TCPAddr{} }
