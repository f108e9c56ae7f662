package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gonzalop/ftpd/internal/config"
	"github.com/gonzalop/ftpd/internal/system"
)

const (
	testUser     = "alice"
	testPassword = "secret"
)

type testServer struct {
	srv  *Server
	addr string
	home string
	stop func()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestServer serves a static account mapped to the current process
// identity, with its home in a fresh temporary directory. The user is
// confined to the home directory.
func newTestServer(t *testing.T, mutate func(*config.Config), opts ...Option) *testServer {
	t.Helper()

	home, err := filepath.EvalSymlinks(t.TempDir())
	fatalIfErr(t, err, "EvalSymlinks")

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Threads = 8
	cfg.Server.LoginMessage = "Test server ready."
	cfg.DataConnections.Pasv.Host = "127.0.0.1"
	cfg.DataConnections.Pasv.PortRange = config.PortRange{Min: 30000, Max: 30999}
	cfg.DataConnections.Pasv.Attempts = 1000
	cfg.DataConnections.Pasv.AcceptTimeout = 5
	cfg.DataConnections.Active.ConnectTimeout = 5
	cfg.DataConnections.ConnectionTimeout = 10
	cfg.Users.Chroot = true
	if mutate != nil {
		mutate(cfg)
	}

	accounts := system.NewStatic()
	self := system.User{
		Name:    testUser,
		UID:     uint32(os.Getuid()),
		GID:     uint32(os.Getgid()),
		HomeDir: home,
	}
	accounts.Add(self, testPassword)
	locked := self
	locked.Name = "locked"
	accounts.Add(locked, "!")

	options := append([]Option{WithAccounts(accounts), WithLogger(discardLogger())}, opts...)
	srv, err := NewServer(cfg, options...)
	fatalIfErr(t, err, "NewServer")

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	fatalIfErr(t, err, "Listen")

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx, ln) }()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			if err := <-errc; !errors.Is(err, ErrServerClosed) {
				t.Errorf("Serve returned %v", err)
			}
		})
	}
	t.Cleanup(stop)

	return &testServer{srv: srv, addr: ln.Addr().String(), home: home, stop: stop}
}

// rawClient speaks the control protocol directly, for assertions on exact
// reply codes.
type rawClient struct {
	t    *testing.T
	conn net.Conn
	text *textproto.Conn
}

func dialRaw(t *testing.T, addr string) *rawClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp4", addr, 5*time.Second)
	fatalIfErr(t, err, "Dial")
	c := &rawClient{t: t, conn: conn, text: textproto.NewConn(conn)}
	t.Cleanup(func() { c.text.Close() })
	c.expect(220)
	return c
}

// read returns the next reply.
func (c *rawClient) read() (int, string) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	code, msg, err := c.text.ReadResponse(0)
	fatalIfErr(c.t, err, "ReadResponse")
	return code, msg
}

// expect reads the next reply and fails unless it carries code.
func (c *rawClient) expect(code int) string {
	c.t.Helper()
	got, msg := c.read()
	if got != code {
		c.t.Fatalf("expected %d, got %d %s", code, got, msg)
	}
	return msg
}

// cmd sends a command and checks the reply code.
func (c *rawClient) cmd(code int, format string, args ...any) string {
	c.t.Helper()
	c.send(format, args...)
	return c.expect(code)
}

func (c *rawClient) send(format string, args ...any) {
	c.t.Helper()
	_, err := c.text.Cmd(format, args...)
	fatalIfErr(c.t, err, "Cmd")
}

func (c *rawClient) login() {
	c.t.Helper()
	c.cmd(331, "USER %s", testUser)
	c.cmd(230, "PASS %s", testPassword)
}

// activeListener opens a local listener and announces it with PORT.
func (c *rawClient) activeListener() net.Listener {
	c.t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	fatalIfErr(c.t, err, "Listen")
	c.t.Cleanup(func() { ln.Close() })

	port := ln.Addr().(*net.TCPAddr).Port
	c.cmd(200, "PORT 127,0,0,1,%d,%d", port>>8, port&0xFF)
	return ln
}

func acceptData(t *testing.T, ln net.Listener) net.Conn {
	t.Helper()
	if tl, ok := ln.(*net.TCPListener); ok {
		_ = tl.SetDeadline(time.Now().Add(10 * time.Second))
	}
	conn, err := ln.Accept()
	fatalIfErr(t, err, "Accept data connection")
	return conn
}

func TestGreeting(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	conn, err := net.DialTimeout("tcp4", ts.addr, 5*time.Second)
	fatalIfErr(t, err, "Dial")
	defer conn.Close()

	text := textproto.NewConn(conn)
	code, msg, err := text.ReadResponse(220)
	fatalIfErr(t, err, "ReadResponse")
	if code != 220 || msg != "Test server ready." {
		t.Errorf("unexpected greeting %d %q", code, msg)
	}
}

func TestCommandsRequireLogin(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)
	c := dialRaw(t, ts.addr)

	for _, cmd := range []string{"PWD", "CWD /", "LIST", "RETR x", "STOR x", "PASV", "MKD d", "XPWD"} {
		c.cmd(530, "%s", cmd)
	}

	c.cmd(200, "NOOP")
	c.cmd(215, "SYST")
	c.cmd(502, "FOO bar")
}

func TestLogin(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		run    func(c *rawClient)
		authed bool
	}{
		{
			name: "Valid",
			run: func(c *rawClient) {
				c.cmd(331, "USER %s", testUser)
				c.cmd(230, "PASS %s", testPassword)
			},
			authed: true,
		},
		{
			name: "Wrong password",
			run: func(c *rawClient) {
				c.cmd(331, "USER %s", testUser)
				c.cmd(530, "PASS wrong")
			},
		},
		{
			name: "Unknown user looks the same",
			run: func(c *rawClient) {
				c.cmd(331, "USER nobody-here")
				c.cmd(530, "PASS %s", testPassword)
			},
		},
		{
			name: "Locked account",
			run: func(c *rawClient) {
				c.cmd(331, "USER locked")
				c.cmd(530, "PASS !")
			},
		},
		{
			name: "PASS without USER",
			run: func(c *rawClient) {
				c.cmd(503, "PASS %s", testPassword)
			},
		},
		{
			name: "PASS after another command",
			run: func(c *rawClient) {
				c.cmd(331, "USER %s", testUser)
				c.cmd(200, "NOOP")
				c.cmd(503, "PASS %s", testPassword)
			},
		},
		{
			name: "ACCT without PASS",
			run: func(c *rawClient) {
				c.cmd(331, "USER %s", testUser)
				c.cmd(503, "ACCT %s", testPassword)
			},
		},
		{
			name: "Empty PASS then ACCT",
			run: func(c *rawClient) {
				c.cmd(331, "USER %s", testUser)
				c.cmd(332, "PASS")
				c.cmd(230, "ACCT %s", testPassword)
			},
			authed: true,
		},
		{
			name: "Failed login drops earlier session",
			run: func(c *rawClient) {
				c.login()
				c.cmd(331, "USER %s", testUser)
				c.cmd(530, "PASS wrong")
			},
		},
	}

	ts := newTestServer(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := dialRaw(t, ts.addr)
			tt.run(c)
			if tt.authed {
				c.cmd(257, "PWD")
			} else {
				c.cmd(530, "PWD")
			}
		})
	}
}

func TestWorkingDirectory(t *testing.T) {
	t.Parallel()

	t.Run("Chroot", func(t *testing.T) {
		t.Parallel()
		ts := newTestServer(t, nil)
		fatalIfErr(t, os.MkdirAll(filepath.Join(ts.home, "docs", "sub"), 0o755), "MkdirAll")

		c := dialRaw(t, ts.addr)
		c.login()
		if msg := c.cmd(257, "PWD"); msg != `"/" is the current directory.` {
			t.Errorf("PWD = %q", msg)
		}
		c.cmd(250, "CWD docs/sub")
		if msg := c.cmd(257, "XPWD"); msg != `"/docs/sub" is the current directory.` {
			t.Errorf("XPWD = %q", msg)
		}
		c.cmd(250, "CDUP")
		c.cmd(250, "XCUP")
		c.cmd(250, "CDUP")
		if msg := c.cmd(257, "PWD"); msg != `"/" is the current directory.` {
			t.Errorf("CDUP above root gave %q", msg)
		}
		c.cmd(550, "CWD missing")
		c.cmd(550, "CWD ../../../etc")
	})

	t.Run("No chroot", func(t *testing.T) {
		t.Parallel()
		ts := newTestServer(t, func(cfg *config.Config) { cfg.Users.Chroot = false })

		c := dialRaw(t, ts.addr)
		c.login()
		want := fmt.Sprintf("%q is the current directory.", ts.home)
		if msg := c.cmd(257, "PWD"); msg != want {
			t.Errorf("PWD = %q, want %q", msg, want)
		}
	})
}

func TestSyntaxErrors(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)
	c := dialRaw(t, ts.addr)

	if msg := c.cmd(501, "USER"); msg != "Syntax error! Expected 1 argument." {
		t.Errorf("USER without argument: %q", msg)
	}
	c.cmd(501, "QUIT now")
	c.login()
	c.cmd(501, "PORT 127,0,0,1")
	c.cmd(501, "PORT 127,0,0,1,999,1")
	c.cmd(501, "PORT 127,0,0,1,0,0")
	c.cmd(501, "REST -5")
	c.cmd(504, "TYPE E")
	c.cmd(504, "MODE B")
	c.cmd(504, "STRU R")
	c.cmd(200, "TYPE A")
	c.cmd(200, "TYPE L 8")
	c.cmd(200, "MODE S")
	c.cmd(200, "STRU F")
}

func TestTransferWithoutDataConnection(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)
	fatalIfErr(t, os.WriteFile(filepath.Join(ts.home, "f.txt"), []byte("x"), 0o644), "WriteFile")

	c := dialRaw(t, ts.addr)
	c.login()
	c.cmd(425, "RETR f.txt")
	c.cmd(425, "STOR g.txt")
	c.cmd(425, "LIST")
	c.cmd(226, "ABOR")
}

func TestPortBounceRejected(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)
	c := dialRaw(t, ts.addr)
	c.login()
	c.cmd(500, "PORT 10,0,0,1,4,1")
}

func TestDataCommandsDisabled(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.DataConnections.Pasv.Enabled = false
		cfg.DataConnections.Port.Enabled = false
	})
	c := dialRaw(t, ts.addr)
	c.login()
	c.cmd(502, "PASV")
	c.cmd(502, "PORT 127,0,0,1,4,1")
}

func TestActiveStoreAndRetrieve(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, func(cfg *config.Config) { cfg.DataConnections.ChunkSize = 1000 })
	c := dialRaw(t, ts.addr)
	c.login()
	c.cmd(200, "TYPE I")

	payload := make([]byte, 64*1024+7)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	ln := c.activeListener()

	c.send("STOR data.bin")
	conn := acceptData(t, ln)
	c.expect(150)
	_, err := conn.Write(payload)
	fatalIfErr(t, err, "Write")
	conn.Close()
	c.expect(226)

	onDisk, err := os.ReadFile(filepath.Join(ts.home, "data.bin"))
	fatalIfErr(t, err, "ReadFile")
	if !bytes.Equal(onDisk, payload) {
		t.Fatalf("stored %d bytes, want %d", len(onDisk), len(payload))
	}

	c.send("RETR data.bin")
	conn = acceptData(t, ln)
	c.expect(150)
	got, err := io.ReadAll(conn)
	fatalIfErr(t, err, "ReadAll")
	conn.Close()
	c.expect(226)
	if !bytes.Equal(got, payload) {
		t.Fatalf("retrieved %d bytes, want %d", len(got), len(payload))
	}

	c.cmd(350, "REST 60000")
	c.send("RETR data.bin")
	conn = acceptData(t, ln)
	c.expect(150)
	got, err = io.ReadAll(conn)
	fatalIfErr(t, err, "ReadAll")
	conn.Close()
	c.expect(226)
	if !bytes.Equal(got, payload[60000:]) {
		t.Fatalf("restarted retrieve got %d bytes, want %d", len(got), len(payload)-60000)
	}
}

func TestActiveASCIIStore(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)
	c := dialRaw(t, ts.addr)
	c.login()
	c.cmd(200, "TYPE A")

	ln := c.activeListener()
	c.send("STOR notes.txt")
	conn := acceptData(t, ln)
	c.expect(150)
	_, err := io.WriteString(conn, "one\r\ntwo\r\n")
	fatalIfErr(t, err, "Write")
	conn.Close()
	c.expect(226)

	onDisk, err := os.ReadFile(filepath.Join(ts.home, "notes.txt"))
	fatalIfErr(t, err, "ReadFile")
	if string(onDisk) != "one\ntwo\n" {
		t.Errorf("stored %q", onDisk)
	}

	c.send("APPE notes.txt")
	conn = acceptData(t, ln)
	c.expect(150)
	_, err = io.WriteString(conn, "three\r\n")
	fatalIfErr(t, err, "Write")
	conn.Close()
	c.expect(226)

	c.send("RETR notes.txt")
	conn = acceptData(t, ln)
	c.expect(150)
	got, err := io.ReadAll(conn)
	fatalIfErr(t, err, "ReadAll")
	conn.Close()
	c.expect(226)
	if string(got) != "one\r\ntwo\r\nthree\r\n" {
		t.Errorf("retrieved %q", got)
	}
}

func TestActiveConnectFailure(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)
	fatalIfErr(t, os.WriteFile(filepath.Join(ts.home, "f.txt"), []byte("x"), 0o644), "WriteFile")

	c := dialRaw(t, ts.addr)
	c.login()

	ln := c.activeListener()
	ln.Close()

	c.send("RETR f.txt")
	c.expect(425)
	c.cmd(200, "NOOP")
}

func TestRetrieveErrors(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)
	fatalIfErr(t, os.Mkdir(filepath.Join(ts.home, "dir"), 0o755), "Mkdir")

	c := dialRaw(t, ts.addr)
	c.login()
	c.activeListener()

	c.cmd(550, "RETR missing.txt")
	c.cmd(550, "RETR dir")
	c.cmd(550, "RETR ../../../../etc/passwd")
}

func TestRenameSequence(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)
	fatalIfErr(t, os.WriteFile(filepath.Join(ts.home, "a.txt"), []byte("a"), 0o644), "WriteFile")

	c := dialRaw(t, ts.addr)
	c.login()

	c.cmd(503, "RNTO b.txt")
	c.cmd(350, "RNFR a.txt")
	c.cmd(200, "NOOP")
	c.cmd(503, "RNTO b.txt")
	c.cmd(350, "RNFR a.txt")
	c.cmd(250, "RNTO b.txt")
	c.cmd(550, "RNFR a.txt")

	if _, err := os.Stat(filepath.Join(ts.home, "b.txt")); err != nil {
		t.Errorf("renamed file missing: %v", err)
	}
}

func TestDirectoryCommands(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)
	c := dialRaw(t, ts.addr)
	c.login()

	if msg := c.cmd(257, "MKD new dir"); msg != `"/new dir" created.` {
		t.Errorf("MKD reply %q", msg)
	}
	c.cmd(550, "MKD new dir")
	c.cmd(257, "XMKD tree")
	fatalIfErr(t, os.WriteFile(filepath.Join(ts.home, "tree", "f"), []byte("data"), 0o644), "WriteFile")

	c.cmd(550, "RMD tree")
	if msg := c.cmd(213, "DSIZ tree"); msg != "4" {
		t.Errorf("DSIZ = %q", msg)
	}
	c.cmd(213, "AVBL")
	c.cmd(250, "RMDA tree")
	c.cmd(250, "XRMD new dir")
	c.cmd(550, "DELE tree")

	if entries, _ := os.ReadDir(ts.home); len(entries) != 0 {
		t.Errorf("home not empty: %v", entries)
	}
}

func TestInformationCommands(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)
	fatalIfErr(t, os.WriteFile(filepath.Join(ts.home, "listed.txt"), []byte("hello"), 0o644), "WriteFile")
	c := dialRaw(t, ts.addr)

	feat := c.cmd(211, "FEAT")
	for _, f := range features {
		if !strings.Contains(feat, f) {
			t.Errorf("FEAT missing %s: %q", f, feat)
		}
	}

	help := c.cmd(214, "HELP")
	if !strings.Contains(help, "RETR") || !strings.Contains(help, "XCUP") {
		t.Errorf("HELP missing verbs: %q", help)
	}
	c.cmd(214, "HELP retr")
	c.cmd(502, "HELP MLSD")

	status := c.cmd(211, "STAT")
	if !strings.Contains(status, "Not logged in") {
		t.Errorf("STAT before login: %q", status)
	}
	c.cmd(530, "STAT /")

	c.login()
	status = c.cmd(211, "STAT")
	if !strings.Contains(status, "Logged in as "+testUser) || !strings.Contains(status, "No data connection") {
		t.Errorf("STAT after login: %q", status)
	}
	listing := c.cmd(213, "STAT /")
	if !strings.Contains(listing, "listed.txt") {
		t.Errorf("STAT / listing: %q", listing)
	}
	c.cmd(202, "ALLO 100")
}

func TestQuit(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)
	c := dialRaw(t, ts.addr)
	c.cmd(221, "QUIT")

	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.text.ReadLine(); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF after QUIT, got %v", err)
	}
}

func TestCommandTooLong(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)
	c := dialRaw(t, ts.addr)

	_, err := c.conn.Write(bytes.Repeat([]byte("A"), MaxCommandLength+100))
	fatalIfErr(t, err, "Write")
	c.expect(500)
}

func TestMaxConnections(t *testing.T) {
	t.Parallel()
	metrics := &recordingMetrics{}
	ts := newTestServer(t, func(cfg *config.Config) { cfg.Server.MaxConnections = 1 },
		WithMetricsCollector(metrics))

	first := dialRaw(t, ts.addr)

	conn, err := net.DialTimeout("tcp4", ts.addr, 5*time.Second)
	fatalIfErr(t, err, "Dial")
	defer conn.Close()
	_, _, err = textproto.NewConn(conn).ReadResponse(421)
	fatalIfErr(t, err, "second connection")

	first.cmd(221, "QUIT")

	// The slot frees once the first session is gone.
	deadline := time.Now().Add(5 * time.Second)
	for ts.srv.Sessions() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	dialRaw(t, ts.addr).cmd(200, "NOOP")

	if got := metrics.rejected(); got != 1 {
		t.Errorf("rejected connections = %d, want 1", got)
	}
}

func TestShutdownClosesSessions(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)
	c := dialRaw(t, ts.addr)
	c.login()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	fatalIfErr(t, ts.srv.Shutdown(ctx), "Shutdown")

	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.text.ReadLine(); err == nil {
		t.Error("expected the control connection to be closed")
	}
	if n := ts.srv.Sessions(); n != 0 {
		t.Errorf("%d sessions left after shutdown", n)
	}

	ts.stop()
	if _, err := net.DialTimeout("tcp4", ts.addr, time.Second); err == nil {
		t.Error("listener still accepting after shutdown")
	}
}

// recordingMetrics counts what the server reports.
type recordingMetrics struct {
	mu          sync.Mutex
	commands    map[string]int
	transfers   []int64
	connections map[string]int
	logins      map[bool]int
}

func (m *recordingMetrics) RecordCommand(cmd string, success bool, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commands == nil {
		m.commands = make(map[string]int)
	}
	m.commands[cmd]++
}

func (m *recordingMetrics) RecordTransfer(operation string, bytes int64, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transfers = append(m.transfers, bytes)
}

func (m *recordingMetrics) RecordConnection(accepted bool, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connections == nil {
		m.connections = make(map[string]int)
	}
	m.connections[reason]++
}

func (m *recordingMetrics) RecordAuthentication(success bool, user string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.logins == nil {
		m.logins = make(map[bool]int)
	}
	m.logins[success]++
}

func (m *recordingMetrics) rejected() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connections["global_limit_reached"]
}

func TestMetricsCollector(t *testing.T) {
	t.Parallel()
	metrics := &recordingMetrics{}
	ts := newTestServer(t, nil, WithMetricsCollector(metrics))

	c := dialRaw(t, ts.addr)
	c.cmd(331, "USER %s", testUser)
	c.cmd(530, "PASS nope")
	c.login()

	ln := c.activeListener()
	c.send("STOR m.bin")
	conn := acceptData(t, ln)
	c.expect(150)
	_, err := conn.Write([]byte("12345"))
	fatalIfErr(t, err, "Write")
	conn.Close()
	c.expect(226)
	c.cmd(221, "QUIT")

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if metrics.logins[false] != 1 || metrics.logins[true] != 1 {
		t.Errorf("logins = %v", metrics.logins)
	}
	if metrics.connections["accepted"] != 1 {
		t.Errorf("connections = %v", metrics.connections)
	}
	if len(metrics.transfers) != 1 || metrics.transfers[0] != 5 {
		t.Errorf("transfers = %v", metrics.transfers)
	}
	if metrics.commands["USER"] != 2 || metrics.commands["PORT"] != 1 {
		t.Errorf("commands = %v", metrics.commands)
	}
}
