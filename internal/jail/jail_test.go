package jail

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/gonzalop/ftpd/internal/sandbox"
)

func TestMain(m *testing.M) {
	if IsHelper() {
		os.Exit(Main())
	}
	os.Exit(m.Run())
}

func fatalIfErr(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", msg, err)
	}
}

func self() Identity {
	return Identity{UID: uint32(os.Getuid()), GID: uint32(os.Getgid())}
}

func newTestJail(t *testing.T) (*Jail, string) {
	t.Helper()
	j, err := New()
	fatalIfErr(t, err, "New")

	root, err := filepath.EvalSymlinks(t.TempDir())
	fatalIfErr(t, err, "EvalSymlinks")
	fatalIfErr(t, os.MkdirAll(filepath.Join(root, "docs", "sub"), 0o755), "MkdirAll")
	fatalIfErr(t, os.WriteFile(filepath.Join(root, "docs", "a.txt"), []byte("hello jail"), 0o644), "WriteFile")
	fatalIfErr(t, os.WriteFile(filepath.Join(root, "docs", ".hidden"), []byte("x"), 0o644), "WriteFile")
	return j, root
}

func (j *Jail) runAs(t *testing.T, root string, req Request) (*Result, error) {
	t.Helper()
	req.Identity = self()
	req.Root = root
	if req.Pwd == "" {
		req.Pwd = "/"
	}
	req.Umask = 0o022
	return j.Run(req)
}

func TestOpenReadPassesDescriptor(t *testing.T) {
	t.Parallel()
	j, root := newTestJail(t)

	res, err := j.runAs(t, root, Request{Op: OpOpenRead, Path: "a.txt", Pwd: "/docs"})
	fatalIfErr(t, err, "OpenRead")
	if res.File == nil {
		t.Fatal("no descriptor received")
	}
	defer res.File.Close()

	data, err := io.ReadAll(res.File)
	fatalIfErr(t, err, "ReadAll")
	if string(data) != "hello jail" {
		t.Errorf("content = %q", data)
	}
	if res.Size != int64(len("hello jail")) {
		t.Errorf("size = %d", res.Size)
	}
	if res.Path != "/docs/a.txt" {
		t.Errorf("path = %q", res.Path)
	}
}

func TestOpenReadOffset(t *testing.T) {
	t.Parallel()
	j, root := newTestJail(t)

	res, err := j.runAs(t, root, Request{Op: OpOpenRead, Path: "/docs/a.txt", Offset: 6})
	fatalIfErr(t, err, "OpenRead")
	defer res.File.Close()

	data, err := io.ReadAll(res.File)
	fatalIfErr(t, err, "ReadAll")
	if string(data) != "jail" {
		t.Errorf("content = %q", data)
	}
}

func TestOpenReadErrors(t *testing.T) {
	t.Parallel()
	j, root := newTestJail(t)

	tests := []struct {
		path string
		want error
	}{
		{"missing.txt", fs.ErrNotExist},
		{"docs", syscall.EISDIR},
		{"../../../../etc/passwd", sandbox.ErrEscape},
	}
	for _, tt := range tests {
		res, err := j.runAs(t, root, Request{Op: OpOpenRead, Path: tt.path})
		if !errors.Is(err, tt.want) {
			t.Errorf("OpenRead(%q) error = %v, want %v", tt.path, err, tt.want)
		}
		if res != nil && res.File != nil {
			t.Errorf("OpenRead(%q) leaked a descriptor", tt.path)
		}
	}
}

func TestOpenWrite(t *testing.T) {
	t.Parallel()
	j, root := newTestJail(t)

	res, err := j.runAs(t, root, Request{Op: OpOpenWrite, Path: "/docs/new.txt"})
	fatalIfErr(t, err, "OpenWrite")
	_, err = res.File.WriteString("first")
	fatalIfErr(t, err, "Write")
	res.File.Close()

	res, err = j.runAs(t, root, Request{Op: OpOpenWrite, Path: "/docs/new.txt", Append: true})
	fatalIfErr(t, err, "OpenWrite append")
	_, err = res.File.WriteString("+second")
	fatalIfErr(t, err, "Write")
	res.File.Close()

	data, err := os.ReadFile(filepath.Join(root, "docs", "new.txt"))
	fatalIfErr(t, err, "ReadFile")
	if string(data) != "first+second" {
		t.Errorf("content = %q", data)
	}

	st, err := os.Stat(filepath.Join(root, "docs", "new.txt"))
	fatalIfErr(t, err, "Stat")
	if st.Mode().Perm() != 0o644 {
		t.Errorf("mode = %v, want umask applied", st.Mode().Perm())
	}

	if _, err := j.runAs(t, root, Request{Op: OpOpenWrite, Path: "/nodir/x.txt"}); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("write without parent = %v", err)
	}
}

func TestCreateUnique(t *testing.T) {
	t.Parallel()
	j, root := newTestJail(t)

	res, err := j.runAs(t, root, Request{Op: OpCreateUnique, Pwd: "/docs"})
	fatalIfErr(t, err, "CreateUnique")
	defer res.File.Close()

	if !strings.HasPrefix(res.Path, "/docs/ftp-") {
		t.Errorf("path = %q", res.Path)
	}
	if _, err := os.Stat(filepath.Join(root, res.Path)); err != nil {
		t.Errorf("created file missing: %v", err)
	}
}

func TestDirectoryOperations(t *testing.T) {
	t.Parallel()
	j, root := newTestJail(t)

	res, err := j.runAs(t, root, Request{Op: OpMkdir, Path: "made"})
	fatalIfErr(t, err, "Mkdir")
	if res.Path != "/made" {
		t.Errorf("mkdir path = %q", res.Path)
	}

	res, err = j.runAs(t, root, Request{Op: OpResolveDir, Path: "../made", Pwd: "/docs"})
	fatalIfErr(t, err, "ResolveDir")
	if res.Path != "/made" {
		t.Errorf("resolve path = %q", res.Path)
	}

	if _, err := j.runAs(t, root, Request{Op: OpResolveDir, Path: "docs/a.txt"}); !errors.Is(err, syscall.ENOTDIR) {
		t.Errorf("ResolveDir(file) = %v", err)
	}

	_, err = j.runAs(t, root, Request{Op: OpRename, Path: "made", Target: "renamed"})
	fatalIfErr(t, err, "Rename")

	_, err = j.runAs(t, root, Request{Op: OpRmdir, Path: "/renamed"})
	fatalIfErr(t, err, "Rmdir")
	if _, err := os.Stat(filepath.Join(root, "renamed")); !os.IsNotExist(err) {
		t.Errorf("directory still present: %v", err)
	}

	if _, err := j.runAs(t, root, Request{Op: OpRmdir, Path: "docs"}); !errors.Is(err, syscall.ENOTEMPTY) {
		t.Errorf("Rmdir(non-empty) = %v", err)
	}
	if _, err := j.runAs(t, root, Request{Op: OpRmdir, Path: "/"}); !errors.Is(err, fs.ErrPermission) {
		t.Errorf("Rmdir(/) = %v", err)
	}

	_, err = j.runAs(t, root, Request{Op: OpRemoveAll, Path: "docs"})
	fatalIfErr(t, err, "RemoveAll")
	if _, err := os.Stat(filepath.Join(root, "docs")); !os.IsNotExist(err) {
		t.Errorf("docs still present: %v", err)
	}
}

func TestDelete(t *testing.T) {
	t.Parallel()
	j, root := newTestJail(t)

	_, err := j.runAs(t, root, Request{Op: OpDelete, Path: "docs/a.txt"})
	fatalIfErr(t, err, "Delete")
	if _, err := j.runAs(t, root, Request{Op: OpDelete, Path: "docs"}); !errors.Is(err, syscall.EISDIR) {
		t.Errorf("Delete(dir) = %v", err)
	}
	if _, err := j.runAs(t, root, Request{Op: OpDelete, Path: "docs/a.txt"}); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Delete(missing) = %v", err)
	}
}

func TestList(t *testing.T) {
	t.Parallel()
	j, root := newTestJail(t)
	fatalIfErr(t, os.Symlink("a.txt", filepath.Join(root, "docs", "link")), "Symlink")

	res, err := j.runAs(t, root, Request{Op: OpList, Path: "docs", HideDotFiles: true})
	fatalIfErr(t, err, "List")

	var names []string
	for _, e := range res.Entries {
		names = append(names, e.Name)
		if e.Name == "link" && e.LinkTarget != "a.txt" {
			t.Errorf("link target = %q", e.LinkTarget)
		}
		if e.Name == "sub" && !e.IsDir() {
			t.Error("sub should be a directory")
		}
	}
	if got := strings.Join(names, ","); got != "a.txt,link,sub" {
		t.Errorf("names = %s", got)
	}

	res, err = j.runAs(t, root, Request{Op: OpList, Path: "docs"})
	fatalIfErr(t, err, "List")
	if len(res.Entries) != 4 {
		t.Errorf("entries with dot files = %d", len(res.Entries))
	}

	res, err = j.runAs(t, root, Request{Op: OpList, Path: "docs/a.txt"})
	fatalIfErr(t, err, "List file")
	if len(res.Entries) != 1 || res.Entries[0].Size != 10 {
		t.Errorf("file listing = %+v", res.Entries)
	}
}

func TestSizes(t *testing.T) {
	t.Parallel()
	j, root := newTestJail(t)

	res, err := j.runAs(t, root, Request{Op: OpDirSize, Path: "docs"})
	fatalIfErr(t, err, "DirSize")
	if res.Size != 11 {
		t.Errorf("dir size = %d, want 11", res.Size)
	}

	res, err = j.runAs(t, root, Request{Op: OpAvailable})
	fatalIfErr(t, err, "Available")
	if res.Size <= 0 {
		t.Errorf("available = %d", res.Size)
	}
}

func TestStartWait(t *testing.T) {
	t.Parallel()
	j, root := newTestJail(t)

	p, err := j.Start(Request{Identity: self(), Root: root, Pwd: "/", Op: OpStat, Path: "docs/a.txt"})
	fatalIfErr(t, err, "Start")
	res, err := p.Wait()
	fatalIfErr(t, err, "Wait")
	if res.Info == nil || res.Info.Name != "a.txt" || res.Info.IsDir() {
		t.Errorf("info = %+v", res.Info)
	}
}

func TestForeignIdentityRejected(t *testing.T) {
	t.Parallel()
	if os.Geteuid() == 0 {
		t.Skip("running as root")
	}
	j, root := newTestJail(t)

	id := self()
	id.UID++
	_, err := j.Run(Request{Identity: id, Root: root, Pwd: "/", Op: OpStat, Path: "docs"})
	if !errors.Is(err, fs.ErrPermission) {
		t.Errorf("Run as another uid = %v, want permission error", err)
	}
}

func TestNested(t *testing.T) {
	t.Setenv(helperEnv, "1")

	j, err := New()
	fatalIfErr(t, err, "New")
	if _, err := j.Run(Request{Op: OpStat}); !errors.Is(err, ErrNested) {
		t.Errorf("nested Run = %v, want ErrNested", err)
	}
}
