// Package ls renders directory entries the way "ls -l" does.
package ls

import (
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/gonzalop/ftpd/internal/jail"
)

// Names resolves numeric owners to names. Implementations return the number
// itself when no name is known.
type Names interface {
	UserName(uid uint32) string
	GroupName(gid uint32) string
}

// Long formats entries as "ls -l" lines, each terminated by "\n".
func Long(entries []jail.FileInfo, names Names, now time.Time) string {
	type row struct {
		flags, nlink, owner, group, size, mtime, name string
	}

	rows := make([]row, len(entries))
	var wNlink, wOwner, wGroup, wSize int
	for i, e := range entries {
		r := row{
			flags: Mode(e.FileMode()),
			nlink: strconv.FormatUint(e.Nlink, 10),
			owner: names.UserName(e.UID),
			group: names.GroupName(e.GID),
			size:  strconv.FormatInt(e.Size, 10),
			mtime: Time(e.ModTime(), now),
			name:  quote(e.Name),
		}
		if e.LinkTarget != "" {
			r.name += " -> " + quote(e.LinkTarget)
		}
		wNlink = max(wNlink, len(r.nlink))
		wOwner = max(wOwner, len(r.owner))
		wGroup = max(wGroup, len(r.group))
		wSize = max(wSize, len(r.size))
		rows[i] = r
	}

	var b strings.Builder
	for _, r := range rows {
		b.WriteString(r.flags)
		b.WriteByte(' ')
		b.WriteString(padLeft(r.nlink, wNlink))
		b.WriteByte(' ')
		b.WriteString(padRight(r.owner, wOwner))
		b.WriteByte(' ')
		b.WriteString(padRight(r.group, wGroup))
		b.WriteByte(' ')
		b.WriteString(padLeft(r.size, wSize))
		b.WriteByte(' ')
		b.WriteString(r.mtime)
		b.WriteByte(' ')
		b.WriteString(r.name)
		b.WriteByte('\n')
	}
	return b.String()
}

// Short lists only the names, one per line.
func Short(entries []jail.FileInfo) string {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.Name)
		b.WriteByte('\n')
	}
	return b.String()
}

// Mode renders a file mode as the ten-character "drwxr-xr-x" form.
func Mode(m fs.FileMode) string {
	buf := []byte("----------")
	switch {
	case m&fs.ModeDir != 0:
		buf[0] = 'd'
	case m&fs.ModeSymlink != 0:
		buf[0] = 'l'
	case m&fs.ModeNamedPipe != 0:
		buf[0] = 'p'
	case m&fs.ModeSocket != 0:
		buf[0] = 's'
	case m&fs.ModeCharDevice != 0:
		buf[0] = 'c'
	case m&fs.ModeDevice != 0:
		buf[0] = 'b'
	}

	const rwx = "rwxrwxrwx"
	perm := m.Perm()
	for i := 0; i < 9; i++ {
		if perm&(1<<uint(8-i)) != 0 {
			buf[i+1] = rwx[i]
		}
	}

	special := func(set bool, pos int, lower, upper byte) {
		if !set {
			return
		}
		if buf[pos] == 'x' {
			buf[pos] = lower
		} else {
			buf[pos] = upper
		}
	}
	special(m&fs.ModeSetuid != 0, 3, 's', 'S')
	special(m&fs.ModeSetgid != 0, 6, 's', 'S')
	special(m&fs.ModeSticky != 0, 9, 't', 'T')

	return string(buf)
}

// Time renders a modification time: hours and minutes within the last six
// months, the year otherwise.
func Time(t, now time.Time) string {
	t = t.Local()
	if now.Sub(t) < 182*24*time.Hour && t.Sub(now) < time.Hour {
		return t.Format("Jan _2 15:04")
	}
	return t.Format("Jan _2  2006")
}

func quote(name string) string {
	if strings.ContainsAny(name, " \t") {
		return "'" + name + "'"
	}
	return name
}

func padLeft(s string, w int) string {
	if len(s) >= w {
		return s
	}
	return strings.Repeat(" ", w-len(s)) + s
}

func padRight(s string, w int) string {
	if len(s) >= w {
		return s
	}
	return s + strings.Repeat(" ", w-len(s))
}
