package system

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultShadowPath is the standard shadow password file.
const DefaultShadowPath = "/etc/shadow"

// lockedHashes are password field values that never match any password.
var lockedHashes = map[string]bool{
	"!":    true,
	"!!":   true,
	"*":    true,
	"*LK*": true,
	"*NP*": true,
}

// ShadowEntry holds the fields of one shadow file line.
type ShadowEntry struct {
	Username       string
	PasswordHash   string
	LastChange     int64 // days since epoch
	MinAge         int64
	MaxAge         int64
	WarnPeriod     int64
	InactivePeriod int64
	ExpiryDate     int64 // days since epoch, 0 when unset
	Reserved       string
}

// IsLockedHash reports whether a stored password field locks the account.
// A leading "!" is how passwd -l locks an otherwise valid hash.
func IsLockedHash(hash string) bool {
	return lockedHashes[hash] || strings.HasPrefix(hash, "!")
}

// Locked reports whether the entry cannot log in with a password.
func (e *ShadowEntry) Locked() bool {
	return IsLockedHash(e.PasswordHash)
}

// Expired reports whether the account expiry date has passed at now.
func (e *ShadowEntry) Expired(now time.Time) bool {
	if e.ExpiryDate <= 0 {
		return false
	}
	return now.Unix()/86400 >= e.ExpiryDate
}

// ReadShadowEntry returns the entry for username from the shadow file at
// path.
func ReadShadowEntry(path, username string) (*ShadowEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("system: open %s: %w", path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entry, err := parseShadowLine(line)
		if err != nil {
			continue
		}
		if entry.Username == username {
			return entry, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("system: read %s: %w", path, err)
	}

	return nil, fmt.Errorf("%w: %q not in %s", ErrUnknownUser, username, path)
}

func parseShadowLine(line string) (*ShadowEntry, error) {
	fields := strings.Split(line, ":")
	if len(fields) < 8 {
		return nil, fmt.Errorf("invalid shadow line: expected at least 8 fields, got %d", len(fields))
	}

	entry := &ShadowEntry{
		Username:     fields[0],
		PasswordHash: fields[1],
	}

	numeric := []*int64{
		&entry.LastChange,
		&entry.MinAge,
		&entry.MaxAge,
		&entry.WarnPeriod,
		&entry.InactivePeriod,
		&entry.ExpiryDate,
	}
	for i, dst := range numeric {
		f := fields[i+2]
		if f == "" {
			continue
		}
		v, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid shadow field %d %q: %w", i+2, f, err)
		}
		*dst = v
	}
	if len(fields) > 8 {
		entry.Reserved = fields[8]
	}

	return entry, nil
}
