package system

import (
	"errors"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

// sha512-crypt of "password" with salt "saltsalt".
const passwordHash = "$6$saltsalt$qFmFH.bQmmtXzyBY0s9v7Oicd2z4XSIecDzlB5KiA2/jctKu9YterLp8wwnSq.qc.eoxqOmSuNp2xS0ktL3nh/"

func fatalIfErr(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", msg, err)
	}
}

func writeShadow(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shadow")
	fatalIfErr(t, os.WriteFile(path, []byte(lines), 0o600), "WriteFile")
	return path
}

func TestVerifyPassword(t *testing.T) {
	t.Parallel()

	shadow := writeShadow(t, ""+
		"# comment\n"+
		"malformed:line\n"+
		"alice:"+passwordHash+":19000:0:99999:7:::\n"+
		"bob:!"+passwordHash+":19000:0:99999:7:::\n"+
		"carol:*:19000:0:99999:7:::\n"+
		"dave::19000:0:99999:7:::\n"+
		"erin:"+passwordHash+":19000:0:99999:7::19001:\n")

	h := NewHost(shadow)
	h.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

	tests := []struct {
		user     string
		password string
		want     error
	}{
		{"alice", "password", nil},
		{"alice", "wrong", ErrBadPassword},
		{"alice", "", ErrBadPassword},
		{"bob", "password", ErrAccountLocked},
		{"carol", "", ErrAccountLocked},
		{"dave", "", nil},
		{"dave", "x", ErrBadPassword},
		{"erin", "password", ErrAccountExpired},
		{"nobody", "password", ErrUnknownUser},
	}

	for _, tt := range tests {
		t.Run(tt.user+"/"+tt.password, func(t *testing.T) {
			t.Parallel()
			err := h.VerifyPassword(&User{Name: tt.user}, tt.password)
			if tt.want == nil {
				fatalIfErr(t, err, "VerifyPassword")
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("VerifyPassword(%s) = %v, want %v", tt.user, err, tt.want)
			}
		})
	}
}

func TestParseShadowLine(t *testing.T) {
	t.Parallel()

	e, err := parseShadowLine("alice:hash:1:2:3:4:5:6:r")
	fatalIfErr(t, err, "parseShadowLine")
	if e.Username != "alice" || e.PasswordHash != "hash" || e.LastChange != 1 ||
		e.MaxAge != 3 || e.ExpiryDate != 6 || e.Reserved != "r" {
		t.Errorf("unexpected entry %+v", e)
	}

	if _, err := parseShadowLine("alice:hash:x:::::"); err == nil {
		t.Error("expected error for non-numeric field")
	}
	if _, err := parseShadowLine("alice:hash"); err == nil {
		t.Error("expected error for short line")
	}
}

func TestLookupCurrentUser(t *testing.T) {
	t.Parallel()

	cur, err := user.Current()
	if err != nil {
		t.Skipf("current user unavailable: %v", err)
	}

	h := NewHost("")
	u, err := h.LookupUser(cur.Username)
	fatalIfErr(t, err, "LookupUser")
	if strconv.FormatUint(uint64(u.UID), 10) != cur.Uid {
		t.Errorf("UID = %d, want %s", u.UID, cur.Uid)
	}

	byID, err := h.LookupUserID(u.UID)
	fatalIfErr(t, err, "LookupUserID")
	if byID.Name != u.Name {
		t.Errorf("LookupUserID name = %q, want %q", byID.Name, u.Name)
	}

	if _, err := h.LookupUser("no-such-user-ftpd-test"); !errors.Is(err, ErrUnknownUser) {
		t.Errorf("LookupUser(missing) = %v, want ErrUnknownUser", err)
	}
}

func TestStatic(t *testing.T) {
	t.Parallel()

	s := NewStatic()
	s.Add(User{Name: "alice", UID: 1000, GID: 1000, HomeDir: "/home/alice"}, "secret")
	s.Add(User{Name: "locked", UID: 1001, GID: 1000}, "!")
	s.AddGroup(Group{Name: "staff", GID: 1000})

	alice, err := s.LookupUser("alice")
	fatalIfErr(t, err, "LookupUser")
	fatalIfErr(t, s.VerifyPassword(alice, "secret"), "VerifyPassword")
	if err := s.VerifyPassword(alice, "nope"); !errors.Is(err, ErrBadPassword) {
		t.Errorf("wrong password = %v", err)
	}

	locked, err := s.LookupUser("locked")
	fatalIfErr(t, err, "LookupUser")
	if err := s.VerifyPassword(locked, "!"); !errors.Is(err, ErrAccountLocked) {
		t.Errorf("locked account = %v", err)
	}

	g, err := s.LookupGroupID(1000)
	fatalIfErr(t, err, "LookupGroupID")
	if g.Name != "staff" {
		t.Errorf("group name = %q", g.Name)
	}
}
