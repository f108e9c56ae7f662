package server

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gonzalop/ftpd/internal/reactor"
	"github.com/gonzalop/ftpd/internal/system"
)

// MaxCommandLength is the maximum length of a command line.
const MaxCommandLength = 4096

// readChunk is how much is read from a control connection per readiness
// event.
const readChunk = 4096

// historySize bounds the command history kept for sequencing checks.
const historySize = 16

type authState int

const (
	stateUnauthenticated authState = iota
	statePasswordPending
	stateAuthenticated
)

func (a authState) String() string {
	switch a {
	case statePasswordPending:
		return "password-pending"
	case stateAuthenticated:
		return "authenticated"
	default:
		return "unauthenticated"
	}
}

// session represents an FTP client session.
//
// All fields except those noted are owned by the reactor goroutine: the
// session is only ever driven by its readiness callback. Transfer workers
// reach the session through reply, which is serialized by mu.
type session struct {
	server *Server
	conn   net.Conn
	raw    syscall.Conn
	logger *slog.Logger

	// Session tracking
	sessionID string
	remoteIP  string

	// Input
	buf    []byte
	telnet telnetFilter

	// Authentication
	state    authState
	username string       // As given to USER
	pending  *system.User // Resolved by USER, nil if unknown
	user     *system.User // Set once authenticated
	root     string       // Real directory the user is confined to
	pwd      string       // Virtual working directory

	history []string

	// Transfer parameters
	ascii         bool
	renameFrom    string
	restartOffset int64
	data          *dataHandle

	mu       sync.Mutex // Protects writes to conn and lastCode
	lastCode int

	closed atomic.Bool
}

// generateSessionID generates a unique 8-character session ID.
func generateSessionID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%08x", b)
}

// newSession creates a session for an accepted control connection.
func newSession(server *Server, conn net.Conn) (*session, error) {
	raw, ok := conn.(syscall.Conn)
	if !ok {
		return nil, fmt.Errorf("control connection %T has no file descriptor", conn)
	}

	remoteAddr := conn.RemoteAddr().String()
	remoteIP, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		remoteIP = remoteAddr
	}

	s := &session{
		server:    server,
		conn:      conn,
		raw:       raw,
		sessionID: generateSessionID(),
		remoteIP:  remoteIP,
		buf:       make([]byte, 0, readChunk),
	}
	s.logger = server.sessionLogger.With("session_id", s.sessionID)
	return s, nil
}

// onReadable is the reactor callback for the control connection. It reads
// what is available and dispatches every complete line.
func (s *session) onReadable() {
	if s.closed.Load() {
		return
	}

	var chunk [readChunk]byte
	n, err := reactor.Read(s.raw, chunk[:])
	switch {
	case errors.Is(err, reactor.ErrWouldBlock):
		return
	case err != nil:
		if !errors.Is(err, io.EOF) && !errors.Is(err, syscall.ECONNRESET) {
			s.logger.Warn("read error",
				"remote_ip", s.redactIP(s.remoteIP),
				"user", s.username,
				"error", err,
			)
		}
		s.close()
		return
	}

	s.buf = s.telnet.filter(s.buf, chunk[:n])
	for {
		idx := bytes.IndexByte(s.buf, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimRight(string(s.buf[:idx]), "\r")
		s.buf = append(s.buf[:0], s.buf[idx+1:]...)

		s.handleCommand(line)
		if s.closed.Load() {
			return
		}
	}

	if len(s.buf) > MaxCommandLength {
		s.logger.Warn("command_too_long",
			"remote_ip", s.redactIP(s.remoteIP),
			"length", len(s.buf),
		)
		s.reply(500, "Command line too long.")
		s.close()
	}
}

// handleCommand parses and dispatches a command.
func (s *session) handleCommand(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}

	name, rest, _ := strings.Cut(line, " ")
	name = strings.ToUpper(name)

	logArg := rest
	if name == "PASS" || name == "ACCT" {
		logArg = "***"
	}
	s.logger.Debug("command received",
		"remote_ip", s.redactIP(s.remoteIP),
		"user", s.username,
		"cmd", name,
		"arg", logArg,
	)

	v, ok := s.server.verbs.lookup(name)
	if !ok {
		s.record(name)
		s.reply(502, fmt.Sprintf("Command %s not implemented.", name))
		return
	}
	s.record(v.name)

	if v.auth && s.state != stateAuthenticated {
		s.reply(530, "Not logged in.")
		return
	}

	args := v.split(rest)
	if msg := v.checkArgs(len(args)); msg != "" {
		s.reply(501, msg)
		return
	}

	start := time.Now()
	v.handler(s, args)

	if m := s.server.metrics; m != nil {
		s.mu.Lock()
		code := s.lastCode
		s.mu.Unlock()
		m.RecordCommand(v.name, code < 400, time.Since(start))
	}
}

// record appends a verb to the command history.
func (s *session) record(name string) {
	if len(s.history) == historySize {
		copy(s.history, s.history[1:])
		s.history = s.history[:historySize-1]
	}
	s.history = append(s.history, name)
}

// previous returns the verb dispatched before the current one, or "".
func (s *session) previous() string {
	if len(s.history) < 2 {
		return ""
	}
	return s.history[len(s.history)-2]
}

// deauthenticate drops the user, root and working directory.
func (s *session) deauthenticate() {
	s.state = stateUnauthenticated
	s.username = ""
	s.pending = nil
	s.user = nil
	s.root = ""
	s.pwd = ""
	s.renameFrom = ""
	s.restartOffset = 0
}

// close aborts any transfer and closes the control connection. It is safe
// to call more than once.
func (s *session) close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	s.server.reactor.Unregister(s.raw)
	s.server.forget(s)
	if s.data != nil {
		s.data.Abort()
		s.data = nil
	}

	s.mu.Lock()
	s.conn.Close()
	s.mu.Unlock()

	s.logger.Info("session_closed",
		"remote_ip", s.redactIP(s.remoteIP),
		"user", s.username,
	)
	s.deauthenticate()
}

// reply sends a single-line response to the client.
func (s *session) reply(code int, message string) {
	s.write(code, fmt.Sprintf("%d %s\r\n", code, message))
}

// replyLines sends a multi-line response. The header line carries the
// continuation marker, body lines are indented and the footer closes the
// reply.
func (s *session) replyLines(code int, header string, body []string, footer string) {
	var b strings.Builder
	fmt.Fprintf(&b, "%d-%s\r\n", code, header)
	for _, line := range body {
		fmt.Fprintf(&b, " %s\r\n", line)
	}
	fmt.Fprintf(&b, "%d %s\r\n", code, footer)
	s.write(code, b.String())
}

func (s *session) write(code int, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastCode = code
	if timeout := s.server.cfg.DataConnections.Timeout(); timeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	if _, err := io.WriteString(s.conn, text); err != nil {
		s.logger.Debug("reply failed",
			"remote_ip", s.redactIP(s.remoteIP),
			"code", code,
			"error", err,
		)
	}
}

// redactPath returns the path with redaction applied if enabled.
func (s *session) redactPath(path string) string {
	return s.server.redactPath(path)
}

// redactIP returns the IP with redaction applied if enabled.
func (s *session) redactIP(ip string) string {
	return s.server.redactIP(ip)
}

// validateActiveIP ensures the data connection target matches the control
// connection source. This prevents FTP bounce attacks.
func (s *session) validateActiveIP(ip net.IP) bool {
	remoteIP := net.ParseIP(s.remoteIP)
	if remoteIP == nil {
		return false
	}
	return ip.Equal(remoteIP)
}
