package jail

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"syscall"
	"time"

	"github.com/gonzalop/ftpd/internal/sandbox"
)

// Op names a unit of filesystem work the helper can perform.
type Op string

const (
	OpResolveDir   Op = "resolve_dir"
	OpStat         Op = "stat"
	OpOpenRead     Op = "open_read"
	OpOpenWrite    Op = "open_write"
	OpCreateUnique Op = "create_unique"
	OpMkdir        Op = "mkdir"
	OpRmdir        Op = "rmdir"
	OpRemoveAll    Op = "remove_all"
	OpDelete       Op = "delete"
	OpRename       Op = "rename"
	OpList         Op = "list"
	OpDirSize      Op = "dir_size"
	OpAvailable    Op = "available"
)

// Identity is the host identity a helper assumes.
type Identity struct {
	UID    uint32   `cbor:"uid"`
	GID    uint32   `cbor:"gid"`
	Groups []uint32 `cbor:"groups,omitempty"`
}

// Request is one privilege-isolated operation.
type Request struct {
	Identity Identity `cbor:"identity"`

	// Root is the real directory the user is confined to.
	Root string `cbor:"root"`

	// Pwd is the virtual working directory relative paths resolve against.
	Pwd string `cbor:"pwd"`

	Umask int `cbor:"umask"`

	Op     Op     `cbor:"op"`
	Path   string `cbor:"path,omitempty"`
	Target string `cbor:"target,omitempty"`
	Append bool   `cbor:"append,omitempty"`
	Offset int64  `cbor:"offset,omitempty"`

	HideDotFiles bool `cbor:"hide_dot_files,omitempty"`

	// Chroot is filled in by the Jail, not by callers.
	Chroot bool `cbor:"chroot,omitempty"`
}

// FileInfo describes one filesystem entry as seen by the helper.
type FileInfo struct {
	Name       string `cbor:"name"`
	Size       int64  `cbor:"size"`
	Mode       uint32 `cbor:"mode"`
	MTime      int64  `cbor:"mtime"`
	Nlink      uint64 `cbor:"nlink"`
	UID        uint32 `cbor:"uid"`
	GID        uint32 `cbor:"gid"`
	LinkTarget string `cbor:"link,omitempty"`
}

// FileMode returns the entry's mode bits.
func (fi FileInfo) FileMode() fs.FileMode { return fs.FileMode(fi.Mode) }

// ModTime returns the modification time.
func (fi FileInfo) ModTime() time.Time { return time.Unix(0, fi.MTime) }

// IsDir reports whether the entry is a directory.
func (fi FileInfo) IsDir() bool { return fi.FileMode().IsDir() }

func newFileInfo(name string, st os.FileInfo) FileInfo {
	fi := FileInfo{
		Name:  name,
		Size:  st.Size(),
		Mode:  uint32(st.Mode()),
		MTime: st.ModTime().UnixNano(),
		Nlink: 1,
	}
	if sys, ok := st.Sys().(*syscall.Stat_t); ok {
		fi.Nlink = uint64(sys.Nlink)
		fi.UID = sys.Uid
		fi.GID = sys.Gid
	}
	return fi
}

// Result is the helper's reply.
type Result struct {
	// Path is the virtual path the operation resolved to or created.
	Path    string     `cbor:"path,omitempty"`
	Info    *FileInfo  `cbor:"info,omitempty"`
	Entries []FileInfo `cbor:"entries,omitempty"`
	Size    int64      `cbor:"size,omitempty"`
	Err     *Error     `cbor:"err,omitempty"`

	// File is the descriptor opened by OpOpenRead, OpOpenWrite and
	// OpCreateUnique. The caller owns it.
	File *os.File `cbor:"-"`
}

// Error kinds.
const (
	KindNotExist   = "not_exist"
	KindPermission = "permission"
	KindEscape     = "escape"
	KindNotDir     = "not_dir"
	KindIsDir      = "is_dir"
	KindExist      = "exist"
	KindNotEmpty   = "not_empty"
	KindOther      = "other"
)

// Error is a failure reported by the helper. It matches the standard
// filesystem sentinels through errors.Is.
type Error struct {
	Kind string `cbor:"kind"`
	Op   Op     `cbor:"op"`
	Msg  string `cbor:"msg"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jail %s: %s", e.Op, e.Msg)
}

func (e *Error) Is(target error) bool {
	switch e.Kind {
	case KindNotExist:
		return target == fs.ErrNotExist
	case KindPermission:
		return target == fs.ErrPermission
	case KindEscape:
		return target == sandbox.ErrEscape || target == fs.ErrPermission
	case KindExist:
		return target == fs.ErrExist
	case KindNotDir:
		return target == syscall.ENOTDIR
	case KindIsDir:
		return target == syscall.EISDIR
	case KindNotEmpty:
		return target == syscall.ENOTEMPTY
	}
	return false
}

func toError(op Op, err error) *Error {
	if err == nil {
		return nil
	}
	var je *Error
	if errors.As(err, &je) {
		return je
	}
	kind := KindOther
	switch {
	case errors.Is(err, sandbox.ErrEscape), errors.Is(err, sandbox.ErrNoMapping):
		kind = KindEscape
	case errors.Is(err, fs.ErrNotExist):
		kind = KindNotExist
	case errors.Is(err, fs.ErrPermission):
		kind = KindPermission
	case errors.Is(err, syscall.ENOTEMPTY):
		kind = KindNotEmpty
	case errors.Is(err, fs.ErrExist):
		kind = KindExist
	case errors.Is(err, syscall.ENOTDIR):
		kind = KindNotDir
	case errors.Is(err, syscall.EISDIR):
		kind = KindIsDir
	}
	return &Error{Kind: kind, Op: op, Msg: err.Error()}
}

func errorf(op Op, kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}
