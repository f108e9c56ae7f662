package server

import (
	"errors"
	"io/fs"
	"strconv"
	"syscall"

	"github.com/gonzalop/ftpd/internal/jail"
	"github.com/gonzalop/ftpd/internal/sandbox"
	"github.com/gonzalop/ftpd/internal/system"
)

// request builds a jail request that acts as the session's user. p is the
// path exactly as the client sent it; the helper resolves it.
func (s *session) request(op jail.Op, p string) jail.Request {
	return jail.Request{
		Identity: jail.Identity{
			UID:    s.user.UID,
			GID:    s.user.GID,
			Groups: s.user.Groups,
		},
		Root:         s.root,
		Pwd:          s.pwd,
		Umask:        s.server.umask,
		Op:           op,
		Path:         p,
		HideDotFiles: s.server.cfg.Users.HideDotFiles,
	}
}

// runJail performs op on p as the session's user and waits for it.
func (s *session) runJail(op jail.Op, p string) (*jail.Result, error) {
	return s.server.jail.Run(s.request(op, p))
}

// replyFSError logs a failed filesystem operation and sends the generic
// file-unavailable reply. The detail stays in the log.
func (s *session) replyFSError(op jail.Op, p string, err error) {
	attrs := []any{
		"user", s.username,
		"op", op,
		"path", s.redactPath(p),
		"kind", errorKind(err),
	}
	// Error text carries real paths, which a redactor must hide.
	if s.server.pathRedactor == nil {
		attrs = append(attrs, "error", err)
	}

	switch {
	case errors.Is(err, sandbox.ErrEscape):
		// Security audit: path outside the user's root
		s.logger.Warn("path_escape_rejected", append([]any{"remote_ip", s.redactIP(s.remoteIP)}, attrs...)...)
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrPermission):
		s.logger.Info("fs_operation_failed", attrs...)
	default:
		s.logger.Warn("fs_operation_failed", attrs...)
	}
	s.reply(550, "Requested action not taken. File unavailable.")
}

// errorKind classifies err without its text.
func errorKind(err error) string {
	var jerr *jail.Error
	if errors.As(err, &jerr) {
		return jerr.Kind
	}
	switch {
	case errors.Is(err, sandbox.ErrEscape), errors.Is(err, sandbox.ErrNoMapping):
		return jail.KindEscape
	case errors.Is(err, fs.ErrNotExist):
		return jail.KindNotExist
	case errors.Is(err, fs.ErrPermission):
		return jail.KindPermission
	case errors.Is(err, syscall.EISDIR):
		return jail.KindIsDir
	case errors.Is(err, syscall.ENOTDIR):
		return jail.KindNotDir
	}
	return jail.KindOther
}

// nameCache resolves owner and group ids for listings, remembering each
// answer for the lifetime of one listing.
type nameCache struct {
	accounts system.Accounts
	users    map[uint32]string
	groups   map[uint32]string
}

func newNameCache(accounts system.Accounts) *nameCache {
	return &nameCache{
		accounts: accounts,
		users:    make(map[uint32]string),
		groups:   make(map[uint32]string),
	}
}

func (c *nameCache) UserName(uid uint32) string {
	if name, ok := c.users[uid]; ok {
		return name
	}
	name := strconv.FormatUint(uint64(uid), 10)
	if u, err := c.accounts.LookupUserID(uid); err == nil {
		name = u.Name
	}
	c.users[uid] = name
	return name
}

func (c *nameCache) GroupName(gid uint32) string {
	if name, ok := c.groups[gid]; ok {
		return name
	}
	name := strconv.FormatUint(uint64(gid), 10)
	if g, err := c.accounts.LookupGroupID(gid); err == nil {
		name = g.Name
	}
	c.groups[gid] = name
	return name
}
