package server

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gonzalop/ftpd/internal/jail"
	"github.com/gonzalop/ftpd/internal/ls"
	"github.com/gonzalop/ftpd/internal/reactor"
)

func (s *session) handleTYPE(args []string) {
	switch strings.ToUpper(strings.Join(args, " ")) {
	case "A", "A N":
		s.ascii = true
		s.reply(200, "Type set to A.")
	case "I", "L 8":
		s.ascii = false
		s.reply(200, "Type set to I.")
	default:
		s.reply(504, "Type not supported.")
	}
}

func (s *session) handleMODE(args []string) {
	if strings.ToUpper(args[0]) != "S" {
		s.reply(504, "Only stream mode is supported.")
		return
	}
	s.reply(200, "Mode set to S.")
}

func (s *session) handleSTRU(args []string) {
	if strings.ToUpper(args[0]) != "F" {
		s.reply(504, "Only file structure is supported.")
		return
	}
	s.reply(200, "Structure set to F.")
}

// replaceData closes the current data handle, if any, and installs h.
func (s *session) replaceData(h *dataHandle) {
	if s.data != nil {
		_ = s.data.Close()
	}
	s.data = h
}

// handlePORT sets up an active data connection. Arguments are the six
// comma separated bytes h1,h2,h3,h4,p1,p2.
func (s *session) handlePORT(args []string) {
	if !s.server.cfg.DataConnections.Port.Enabled {
		s.reply(502, "PORT disabled.")
		return
	}

	var b [6]byte
	for i, a := range args {
		v, err := strconv.ParseUint(strings.TrimSpace(a), 10, 8)
		if err != nil {
			s.reply(501, "Invalid PORT command.")
			return
		}
		b[i] = byte(v)
	}

	ip := net.IPv4(b[0], b[1], b[2], b[3])
	port := int(b[4])<<8 | int(b[5])
	if port == 0 {
		s.reply(501, "Invalid PORT command.")
		return
	}

	if !s.validateActiveIP(ip) {
		// Security audit: FTP bounce attempt
		s.logger.Warn("port_bounce_rejected",
			"remote_ip", s.redactIP(s.remoteIP),
			"user", s.username,
			"target_ip", s.redactIP(ip.String()),
		)
		s.reply(500, "Illegal PORT command.")
		return
	}

	cfg := s.server.cfg.DataConnections
	t := newActiveTransport(ip, port, cfg.Active.ConnectTimeoutDuration(), cfg.Timeout(), s.server.dtpLogger)
	s.replaceData(newDataHandle(s, t))
	s.reply(200, "PORT command successful.")
}

// handlePASV sets up a passive data connection inside the configured port
// range.
func (s *session) handlePASV(_ []string) {
	cfg := s.server.cfg.DataConnections
	if !cfg.Pasv.Enabled {
		s.reply(502, "PASV disabled.")
		return
	}

	s.replaceData(nil)

	ip, err := s.passiveIP()
	if err != nil {
		s.logger.Error("passive address unavailable", "error", err)
		s.reply(425, "Can't open passive connection.")
		return
	}

	ln, port, err := s.server.listenPassive()
	if err != nil {
		s.logger.Warn("passive_listen_failed",
			"remote_ip", s.redactIP(s.remoteIP),
			"error", err,
		)
		s.reply(425, "Can't open passive connection.")
		return
	}

	t, err := newPassiveTransport(ln, port, s.server.reactor, cfg.Pasv.AcceptTimeoutDuration(), cfg.Timeout(), s.server.dtpLogger)
	if err != nil {
		s.logger.Error("passive listener registration failed", "error", err)
		s.reply(425, "Can't open passive connection.")
		return
	}
	s.data = newDataHandle(s, t)

	s.reply(227, fmt.Sprintf("Entering Passive Mode (%d,%d,%d,%d,%d,%d).",
		ip[0], ip[1], ip[2], ip[3], port>>8, port&0xFF))
}

// passiveIP is the address announced in the 227 reply: the configured
// public host, else the configured bind host, else the address the client
// reached us on.
func (s *session) passiveIP() (net.IP, error) {
	pasv := s.server.cfg.DataConnections.Pasv
	for _, host := range []string{pasv.PublicHost, pasv.Host} {
		if host == "" {
			continue
		}
		ip := net.ParseIP(host)
		if ip == nil {
			addr, err := net.ResolveIPAddr("ip4", host)
			if err != nil {
				return nil, fmt.Errorf("resolve %s: %w", host, err)
			}
			ip = addr.IP
		}
		if ip4 := ip.To4(); ip4 != nil && !ip4.IsUnspecified() {
			return ip4, nil
		}
	}

	if addr, ok := s.conn.LocalAddr().(*net.TCPAddr); ok {
		if ip4 := addr.IP.To4(); ip4 != nil {
			return ip4, nil
		}
	}
	return nil, fmt.Errorf("no IPv4 address for passive mode")
}

func (s *session) handleREST(args []string) {
	offset, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || offset < 0 {
		s.reply(501, "Invalid restart position.")
		return
	}
	s.restartOffset = offset
	s.reply(350, fmt.Sprintf("Restarting at %d. Send STORE or RETRIEVE to initiate transfer.", offset))
}

// transferHandle returns the handle a new transfer may use, replying and
// returning nil when there is none or it is busy.
func (s *session) transferHandle() *dataHandle {
	if s.data == nil {
		s.reply(425, "Use PORT or PASV first.")
		return nil
	}
	switch err := s.data.available(); {
	case errors.Is(err, errTransferBusy):
		s.reply(503, "Transfer already in progress.")
		return nil
	case err != nil:
		s.reply(425, "Use PORT or PASV first.")
		return nil
	}
	return s.data
}

// replyTransferError replies for a transfer that could not be started.
func (s *session) replyTransferError(op jail.Op, p string, err error) {
	switch {
	case errors.Is(err, errTransferBusy):
		s.reply(503, "Transfer already in progress.")
	case errors.Is(err, errDataClosed):
		s.reply(425, "Use PORT or PASV first.")
	case errors.Is(err, reactor.ErrSaturated), errors.Is(err, reactor.ErrStopped):
		s.logger.Warn("transfer_rejected",
			"remote_ip", s.redactIP(s.remoteIP),
			"user", s.username,
			"error", err,
		)
		s.reply(400, "Server busy, try again later.")
	default:
		s.replyFSError(op, p, err)
	}
}

func (s *session) handleRETR(args []string) {
	offset := s.restartOffset
	s.restartOffset = 0

	h := s.transferHandle()
	if h == nil {
		return
	}

	p := args[0]
	res, err := s.runJail(jail.OpStat, p)
	if err != nil {
		s.replyFSError(jail.OpStat, p, err)
		return
	}
	if res.Info != nil && res.Info.IsDir() {
		s.replyFSError(jail.OpStat, p, fmt.Errorf("%s: %w", res.Path, syscall.EISDIR))
		return
	}

	if err := h.SendFile(res.Path, offset, s.ascii); err != nil {
		s.replyTransferError(jail.OpOpenRead, p, err)
	}
}

func (s *session) handleSTOR(args []string) {
	s.store("STOR", args[0], false)
}

func (s *session) handleAPPE(args []string) {
	s.store("APPE", args[0], true)
}

func (s *session) store(cmd, p string, appending bool) {
	s.restartOffset = 0

	h := s.transferHandle()
	if h == nil {
		return
	}
	if err := h.RecvFile(cmd, p, appending, s.ascii); err != nil {
		s.replyTransferError(jail.OpOpenWrite, p, err)
	}
}

// handleSTOU stores into a new file with a generated name in the working
// directory.
func (s *session) handleSTOU(_ []string) {
	s.restartOffset = 0

	h := s.transferHandle()
	if h == nil {
		return
	}

	res, err := s.runJail(jail.OpCreateUnique, "")
	if err != nil {
		s.replyFSError(jail.OpCreateUnique, s.pwd, err)
		return
	}
	if res.File == nil {
		s.replyFSError(jail.OpCreateUnique, s.pwd, fs.ErrInvalid)
		return
	}

	name := res.Path[strings.LastIndex(res.Path, "/")+1:]
	if err := h.RecvInto("STOU", res.File, res.Path, s.ascii, "FILE: "+name); err != nil {
		s.replyTransferError(jail.OpCreateUnique, res.Path, err)
	}
}

func (s *session) handleLIST(args []string) {
	s.list("LIST", args)
}

func (s *session) handleNLST(args []string) {
	s.list("NLST", args)
}

// list sends a directory listing over the data connection. The jail
// helper runs while the handle is checked.
func (s *session) list(cmd string, args []string) {
	p := ""
	if len(args) > 0 {
		p = listPath(args[0])
	}

	pending, err := s.server.jail.Start(s.request(jail.OpList, p))
	if err != nil {
		s.replyFSError(jail.OpList, p, err)
		return
	}

	h := s.transferHandle()
	res, err := pending.Wait()
	if h == nil {
		return
	}
	if err != nil {
		s.replyFSError(jail.OpList, p, err)
		return
	}

	var text string
	if cmd == "NLST" {
		text = ls.Short(res.Entries)
	} else {
		text = ls.Long(res.Entries, newNameCache(s.server.accounts), time.Now())
	}
	if err := h.SendText(cmd, text, "Here comes the directory listing."); err != nil {
		s.replyTransferError(jail.OpList, p, err)
	}
}

// listPath drops ls-style flags such as "-la" from a LIST argument.
func listPath(arg string) string {
	rest := strings.TrimSpace(arg)
	for strings.HasPrefix(rest, "-") {
		_, after, found := strings.Cut(rest, " ")
		if !found {
			return ""
		}
		rest = strings.TrimLeft(after, " ")
	}
	return rest
}

// handleABOR stops a running transfer. The worker replies 426 for the
// interrupted transfer before ABOR itself is answered.
func (s *session) handleABOR(_ []string) {
	if s.data == nil || !s.data.Busy() {
		s.reply(226, "ABOR command successful; no transfer in progress.")
		return
	}

	s.logger.Info("transfer_abort_requested", "remote_ip", s.redactIP(s.remoteIP))
	s.data.Abort()
	s.data = nil
	s.reply(226, "ABOR command successful; transfer aborted.")
}
