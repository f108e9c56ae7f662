package jail

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gonzalop/ftpd/internal/sandbox"
	"golang.org/x/sys/unix"
)

// worker performs one request inside a confined helper.
type worker struct {
	req  *Request
	root string
}

func (w *worker) resolve(p string) (string, error) {
	return sandbox.ResolveUserInput(p, w.req.Pwd, w.root)
}

func (w *worker) virtual(rpath string) string {
	return sandbox.ToVirtual(rpath, w.root)
}

func (w *worker) do() (*Result, *os.File, error) {
	switch w.req.Op {
	case OpResolveDir:
		return w.resolveDir()
	case OpStat:
		return w.stat()
	case OpOpenRead:
		return w.openRead()
	case OpOpenWrite:
		return w.openWrite()
	case OpCreateUnique:
		return w.createUnique()
	case OpMkdir:
		return w.mkdir()
	case OpRmdir:
		return w.rmdir(false)
	case OpRemoveAll:
		return w.rmdir(true)
	case OpDelete:
		return w.delete()
	case OpRename:
		return w.rename()
	case OpList:
		return w.list()
	case OpDirSize:
		return w.dirSize()
	case OpAvailable:
		return w.available()
	}
	return nil, nil, errorf(w.req.Op, KindOther, "unknown operation")
}

func (w *worker) resolveDir() (*Result, *os.File, error) {
	rpath, err := w.resolve(w.req.Path)
	if err != nil {
		return nil, nil, err
	}
	st, err := os.Stat(rpath)
	if err != nil {
		return nil, nil, err
	}
	if !st.IsDir() {
		return nil, nil, errorf(w.req.Op, KindNotDir, "%s is not a directory", w.req.Path)
	}
	if err := unix.Access(rpath, unix.X_OK); err != nil {
		return nil, nil, fmt.Errorf("access %s: %w", w.req.Path, err)
	}
	return &Result{Path: w.virtual(rpath)}, nil, nil
}

func (w *worker) stat() (*Result, *os.File, error) {
	rpath, err := w.resolve(w.req.Path)
	if err != nil {
		return nil, nil, err
	}
	st, err := os.Stat(rpath)
	if err != nil {
		return nil, nil, err
	}
	info := newFileInfo(filepath.Base(rpath), st)
	return &Result{Path: w.virtual(rpath), Info: &info, Size: st.Size()}, nil, nil
}

func (w *worker) openRead() (*Result, *os.File, error) {
	rpath, err := w.resolve(w.req.Path)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(rpath)
	if err != nil {
		return nil, nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if st.IsDir() {
		f.Close()
		return nil, nil, errorf(w.req.Op, KindIsDir, "%s is a directory", w.req.Path)
	}
	if w.req.Offset > 0 {
		if _, err := f.Seek(w.req.Offset, io.SeekStart); err != nil {
			f.Close()
			return nil, nil, err
		}
	}
	info := newFileInfo(filepath.Base(rpath), st)
	return &Result{Path: w.virtual(rpath), Info: &info, Size: st.Size()}, f, nil
}

func (w *worker) openWrite() (*Result, *os.File, error) {
	rpath, err := w.resolve(w.req.Path)
	if err != nil {
		return nil, nil, err
	}
	if err := w.requireParent(rpath); err != nil {
		return nil, nil, err
	}
	flags := os.O_WRONLY | os.O_CREATE
	if w.req.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(rpath, flags, 0o666)
	if err != nil {
		return nil, nil, err
	}
	return &Result{Path: w.virtual(rpath)}, f, nil
}

func (w *worker) createUnique() (*Result, *os.File, error) {
	dir, err := w.resolve(w.req.Path)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.CreateTemp(dir, "ftp-*")
	if err != nil {
		return nil, nil, err
	}
	return &Result{Path: w.virtual(f.Name())}, f, nil
}

func (w *worker) mkdir() (*Result, *os.File, error) {
	rpath, err := w.resolve(w.req.Path)
	if err != nil {
		return nil, nil, err
	}
	if err := os.Mkdir(rpath, 0o777); err != nil {
		return nil, nil, err
	}
	return &Result{Path: w.virtual(rpath)}, nil, nil
}

func (w *worker) rmdir(recursive bool) (*Result, *os.File, error) {
	rpath, err := w.resolve(w.req.Path)
	if err != nil {
		return nil, nil, err
	}
	if rpath == w.root {
		return nil, nil, errorf(w.req.Op, KindPermission, "refusing to remove the root directory")
	}
	st, err := os.Lstat(rpath)
	if err != nil {
		return nil, nil, err
	}
	if !st.IsDir() {
		return nil, nil, errorf(w.req.Op, KindNotDir, "%s is not a directory", w.req.Path)
	}
	if recursive {
		err = os.RemoveAll(rpath)
	} else {
		err = os.Remove(rpath)
	}
	if err != nil {
		return nil, nil, err
	}
	return &Result{Path: w.virtual(rpath)}, nil, nil
}

func (w *worker) delete() (*Result, *os.File, error) {
	rpath, err := w.resolve(w.req.Path)
	if err != nil {
		return nil, nil, err
	}
	st, err := os.Lstat(rpath)
	if err != nil {
		return nil, nil, err
	}
	if st.IsDir() {
		return nil, nil, errorf(w.req.Op, KindIsDir, "%s is a directory", w.req.Path)
	}
	if err := os.Remove(rpath); err != nil {
		return nil, nil, err
	}
	return &Result{Path: w.virtual(rpath)}, nil, nil
}

func (w *worker) rename() (*Result, *os.File, error) {
	from, err := w.resolve(w.req.Path)
	if err != nil {
		return nil, nil, err
	}
	to, err := w.resolve(w.req.Target)
	if err != nil {
		return nil, nil, err
	}
	if from == w.root {
		return nil, nil, errorf(w.req.Op, KindPermission, "refusing to rename the root directory")
	}
	if err := os.Rename(from, to); err != nil {
		return nil, nil, err
	}
	return &Result{Path: w.virtual(to)}, nil, nil
}

func (w *worker) list() (*Result, *os.File, error) {
	rpath, err := w.resolve(w.req.Path)
	if err != nil {
		return nil, nil, err
	}
	st, err := os.Stat(rpath)
	if err != nil {
		return nil, nil, err
	}
	if !st.IsDir() {
		info := w.entry(rpath, filepath.Base(rpath))
		return &Result{Path: w.virtual(rpath), Entries: []FileInfo{info}}, nil, nil
	}

	names, err := readNames(rpath)
	if err != nil {
		return nil, nil, err
	}
	entries := make([]FileInfo, 0, len(names))
	for _, name := range names {
		if w.req.HideDotFiles && strings.HasPrefix(name, ".") {
			continue
		}
		entries = append(entries, w.entry(filepath.Join(rpath, name), name))
	}
	return &Result{Path: w.virtual(rpath), Entries: entries}, nil, nil
}

// entry describes p without following a final symlink. Entries that vanish
// while listing are reported with their name only.
func (w *worker) entry(p, name string) FileInfo {
	st, err := os.Lstat(p)
	if err != nil {
		return FileInfo{Name: name}
	}
	info := newFileInfo(name, st)
	if st.Mode()&fs.ModeSymlink != 0 {
		if target, err := os.Readlink(p); err == nil {
			info.LinkTarget = target
		}
	}
	return info
}

func readNames(dir string) ([]string, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	names, err := f.Readdirnames(-1)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (w *worker) dirSize() (*Result, *os.File, error) {
	rpath, err := w.resolve(w.req.Path)
	if err != nil {
		return nil, nil, err
	}
	var total int64
	err = filepath.WalkDir(rpath, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return &Result{Path: w.virtual(rpath), Size: total}, nil, nil
}

func (w *worker) available() (*Result, *os.File, error) {
	rpath, err := w.resolve(w.req.Path)
	if err != nil {
		return nil, nil, err
	}
	var st unix.Statfs_t
	if err := unix.Statfs(rpath, &st); err != nil {
		return nil, nil, err
	}
	return &Result{Path: w.virtual(rpath), Size: int64(st.Bavail) * int64(st.Bsize)}, nil, nil
}

func (w *worker) requireParent(rpath string) error {
	st, err := os.Stat(filepath.Dir(rpath))
	if err != nil {
		return err
	}
	if !st.IsDir() {
		return errorf(w.req.Op, KindNotDir, "parent of %s is not a directory", w.req.Path)
	}
	return nil
}
