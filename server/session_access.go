package server

import (
	"errors"
	"path"
	"path/filepath"

	"github.com/gonzalop/ftpd/internal/system"
)

func (s *session) handleUSER(args []string) {
	s.deauthenticate()

	name := args[0]
	u, err := s.server.accounts.LookupUser(name)
	if err != nil {
		// Not revealed to the client; PASS fails the same way.
		s.logger.Debug("user lookup failed", "user", name, "error", err)
		u = nil
	}

	s.username = name
	s.pending = u
	s.state = statePasswordPending
	s.reply(331, "User name okay, need password.")
}

func (s *session) handlePASS(args []string) {
	if s.previous() != "USER" {
		s.deauthenticate()
		s.reply(503, "Login with USER first.")
		return
	}

	password := ""
	if len(args) > 0 {
		password = args[0]
	}
	if password == "" {
		s.reply(332, "Need account for login.")
		return
	}
	s.verify(password)
}

func (s *session) handleACCT(args []string) {
	if s.previous() != "PASS" {
		s.deauthenticate()
		s.reply(503, "Send PASS first.")
		return
	}
	if s.state == stateAuthenticated {
		s.reply(202, "Already logged in.")
		return
	}
	if s.state != statePasswordPending {
		s.reply(503, "Login with USER first.")
		return
	}
	s.verify(args[0])
}

func (s *session) handleQUIT(_ []string) {
	s.reply(221, "Goodbye.")
	s.close()
}

// verify checks password against the account named by USER.
func (s *session) verify(password string) {
	name := s.username
	err := system.ErrUnknownUser
	if s.pending != nil {
		err = s.server.accounts.VerifyPassword(s.pending, password)
	}

	if err != nil {
		// Security audit: failed authentication
		reason := "bad_credentials"
		switch {
		case errors.Is(err, system.ErrAccountLocked):
			reason = "account_locked"
		case errors.Is(err, system.ErrAccountExpired):
			reason = "account_expired"
		case errors.Is(err, system.ErrUnknownUser):
			reason = "unknown_user"
		}
		s.logger.Warn("authentication_failed",
			"remote_ip", s.redactIP(s.remoteIP),
			"user", name,
			"reason", reason,
		)
		if s.server.metrics != nil {
			s.server.metrics.RecordAuthentication(false, name)
		}
		s.deauthenticate()
		s.reply(530, "Login incorrect.")
		return
	}

	s.login(s.pending)

	// Security audit: successful authentication
	s.logger.Info("authentication_success",
		"remote_ip", s.redactIP(s.remoteIP),
		"user", name,
		"uid", s.user.UID,
		"root", s.root,
	)
	if s.server.metrics != nil {
		s.server.metrics.RecordAuthentication(true, name)
	}
	s.reply(230, "User logged in, proceed.")
}

// login marks the session authenticated as u. With chroot enabled the user
// is confined to the home directory and starts at its top; otherwise the
// whole filesystem is visible and the user starts at home.
func (s *session) login(u *system.User) {
	home := u.HomeDir
	if home == "" {
		home = "/"
	}

	s.user = u
	s.pending = nil
	s.state = stateAuthenticated
	if s.server.cfg.Users.Chroot {
		s.root = filepath.Clean(home)
		s.pwd = "/"
	} else {
		s.root = "/"
		s.pwd = path.Clean(home)
	}
}
