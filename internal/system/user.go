// Package system resolves host accounts and verifies their passwords.
package system

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"os/user"
	"strconv"
	"sync"
	"time"

	"github.com/go-crypt/crypt"
)

var (
	// ErrUnknownUser is returned when no account matches a name or id.
	ErrUnknownUser = errors.New("system: unknown user")

	// ErrUnknownGroup is returned when no group matches an id.
	ErrUnknownGroup = errors.New("system: unknown group")

	// ErrAccountLocked is returned for accounts whose password field marks
	// them as unable to log in.
	ErrAccountLocked = errors.New("system: account locked")

	// ErrAccountExpired is returned for accounts past their expiry date.
	ErrAccountExpired = errors.New("system: account expired")

	// ErrBadPassword is returned when a password does not match.
	ErrBadPassword = errors.New("system: password mismatch")
)

// User is a resolved host account.
type User struct {
	Name    string
	UID     uint32
	GID     uint32
	HomeDir string
	Groups  []uint32
}

// Group is a resolved host group.
type Group struct {
	Name string
	GID  uint32
}

// Accounts is the host identity provider consumed by the server.
type Accounts interface {
	LookupUser(name string) (*User, error)
	LookupUserID(uid uint32) (*User, error)
	LookupGroupID(gid uint32) (*Group, error)
	VerifyPassword(u *User, password string) error
}

// Host resolves accounts through the operating system's user database and
// verifies passwords against the shadow file.
type Host struct {
	// ShadowPath is the shadow password file. Defaults to /etc/shadow.
	ShadowPath string

	// now is replaceable in tests.
	now func() time.Time
}

// NewHost returns a Host reading the given shadow file.
func NewHost(shadowPath string) *Host {
	if shadowPath == "" {
		shadowPath = DefaultShadowPath
	}
	return &Host{ShadowPath: shadowPath, now: time.Now}
}

// LookupUser resolves a user by name.
func (h *Host) LookupUser(name string) (*User, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrUnknownUser, name, err)
	}
	return convertUser(u)
}

// LookupUserID resolves a user by numeric id.
func (h *Host) LookupUserID(uid uint32) (*User, error) {
	u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10))
	if err != nil {
		return nil, fmt.Errorf("%w: %d: %w", ErrUnknownUser, uid, err)
	}
	return convertUser(u)
}

// LookupGroupID resolves a group by numeric id.
func (h *Host) LookupGroupID(gid uint32) (*Group, error) {
	g, err := user.LookupGroupId(strconv.FormatUint(uint64(gid), 10))
	if err != nil {
		return nil, fmt.Errorf("%w: %d: %w", ErrUnknownGroup, gid, err)
	}
	return &Group{Name: g.Name, GID: gid}, nil
}

// VerifyPassword checks password against the user's shadow entry.
//
// Reading the shadow file requires root. Locked and expired accounts never
// verify, and an empty stored hash only accepts an empty password.
func (h *Host) VerifyPassword(u *User, password string) error {
	entry, err := ReadShadowEntry(h.ShadowPath, u.Name)
	if err != nil {
		return err
	}

	now := time.Now
	if h.now != nil {
		now = h.now
	}
	if entry.Expired(now()) {
		return ErrAccountExpired
	}
	if entry.Locked() {
		return ErrAccountLocked
	}

	if entry.PasswordHash == "" {
		if password == "" {
			return nil
		}
		return ErrBadPassword
	}

	ok, err := crypt.CheckPassword(password, entry.PasswordHash)
	if err != nil {
		return fmt.Errorf("system: verify password for %q: %w", u.Name, err)
	}
	if !ok {
		return ErrBadPassword
	}
	return nil
}

func convertUser(u *user.User) (*User, error) {
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("system: invalid uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("system: invalid gid %q: %w", u.Gid, err)
	}

	out := &User{
		Name:    u.Username,
		UID:     uint32(uid),
		GID:     uint32(gid),
		HomeDir: u.HomeDir,
	}

	ids, err := u.GroupIds()
	if err != nil {
		// Supplementary groups are optional; the primary group always applies.
		ids = []string{u.Gid}
	}
	for _, id := range ids {
		g, err := strconv.ParseUint(id, 10, 32)
		if err != nil {
			continue
		}
		out.Groups = append(out.Groups, uint32(g))
	}
	return out, nil
}

// Static is an in-memory Accounts implementation with plain-text passwords.
// Every account shares the ids of a single template user, which makes it
// usable without root privileges.
type Static struct {
	mu       sync.RWMutex
	users    map[string]*User
	byID     map[uint32]*User
	groups   map[uint32]*Group
	password map[string]string
}

// NewStatic returns an empty Static provider.
func NewStatic() *Static {
	return &Static{
		users:    make(map[string]*User),
		byID:     make(map[uint32]*User),
		groups:   make(map[uint32]*Group),
		password: make(map[string]string),
	}
}

// Add registers an account. A password equal to a locked marker such as "!"
// or "*" makes the account unable to log in.
func (s *Static) Add(u User, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := u
	s.users[u.Name] = &cp
	if _, ok := s.byID[u.UID]; !ok {
		s.byID[u.UID] = &cp
	}
	if _, ok := s.groups[u.GID]; !ok {
		s.groups[u.GID] = &Group{Name: u.Name, GID: u.GID}
	}
	s.password[u.Name] = password
}

// AddGroup registers a group name.
func (s *Static) AddGroup(g Group) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[g.GID] = &g
}

func (s *Static) LookupUser(name string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownUser, name)
	}
	cp := *u
	return &cp, nil
}

func (s *Static) LookupUserID(uid uint32) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[uid]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownUser, uid)
	}
	cp := *u
	return &cp, nil
}

func (s *Static) LookupGroupID(gid uint32) (*Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[gid]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownGroup, gid)
	}
	cp := *g
	return &cp, nil
}

func (s *Static) VerifyPassword(u *User, password string) error {
	s.mu.RLock()
	want, ok := s.password[u.Name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownUser, u.Name)
	}
	if IsLockedHash(want) {
		return ErrAccountLocked
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(password)) != 1 {
		return ErrBadPassword
	}
	return nil
}
