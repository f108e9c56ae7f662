package jail

import (
	"fmt"
	"net"
	"os"
	"path"
	"path/filepath"
	"runtime"

	"golang.org/x/sys/unix"
)

// Main is the helper's entry point. It returns the process exit status.
func Main() int {
	runtime.LockOSThread()

	f := os.NewFile(helperFD, "jail")
	if f == nil {
		fmt.Fprintln(os.Stderr, "jail: missing socket")
		return 2
	}
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "jail: socket: %v\n", err)
		return 2
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		fmt.Fprintf(os.Stderr, "jail: unexpected connection type %T\n", conn)
		return 2
	}
	defer uc.Close()

	var req Request
	if _, err := readFrame(uc, &req); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 2
	}

	res, file := handle(&req)

	fd := -1
	if file != nil {
		defer file.Close()
		fd = int(file.Fd())
	}
	if err := writeFrame(uc, res, fd); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 2
	}
	return 0
}

// handle confines the process and performs req.
func handle(req *Request) (*Result, *os.File) {
	root, err := confine(req)
	if err != nil {
		return &Result{Err: toError(req.Op, err)}, nil
	}

	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}

	w := &worker{req: req, root: root}
	res, file, err := w.do()
	if err != nil {
		if file != nil {
			file.Close()
		}
		return &Result{Err: toError(req.Op, err)}, nil
	}
	return res, file
}

// confine applies chroot, working directory, umask and identity, in that
// order. It returns the root that path resolution must use afterwards.
func confine(req *Request) (string, error) {
	root := filepath.Clean(req.Root)
	if root == "" || root == "." {
		root = "/"
	}
	pwd := path.Clean("/" + req.Pwd)

	if req.Chroot && root != "/" {
		if err := unix.Chroot(root); err != nil {
			return "", fmt.Errorf("chroot %s: %w", root, err)
		}
		root = "/"
	}

	if err := os.Chdir(filepath.Join(root, pwd)); err != nil {
		// A vanished working directory must not lock the user out.
		if err := os.Chdir(root); err != nil {
			return "", fmt.Errorf("chdir: %w", err)
		}
	}

	unix.Umask(req.Umask & 0o777)

	if err := dropPrivileges(req.Identity); err != nil {
		return "", err
	}
	return root, nil
}

// dropPrivileges sets real, effective and saved ids to the target identity
// and confirms the change cannot be undone.
func dropPrivileges(id Identity) error {
	uid, gid := int(id.UID), int(id.GID)

	if os.Geteuid() == 0 {
		groups := make([]int, 0, len(id.Groups)+1)
		groups = append(groups, gid)
		for _, g := range id.Groups {
			if int(g) != gid {
				groups = append(groups, int(g))
			}
		}
		if err := unix.Setgroups(groups); err != nil {
			return fmt.Errorf("setgroups: %w", err)
		}
		if err := unix.Setresgid(gid, gid, gid); err != nil {
			return fmt.Errorf("setresgid: %w", err)
		}
		if err := unix.Setresuid(uid, uid, uid); err != nil {
			return fmt.Errorf("setresuid: %w", err)
		}
	} else {
		if os.Geteuid() != uid || os.Getuid() != uid {
			return fmt.Errorf("cannot become uid %d without root: %w", uid, os.ErrPermission)
		}
		if os.Getgid() != gid || os.Getegid() != gid {
			if err := unix.Setresgid(gid, gid, gid); err != nil {
				return fmt.Errorf("setresgid: %w", err)
			}
		}
	}

	if os.Getuid() != uid || os.Geteuid() != uid || os.Getgid() != gid || os.Getegid() != gid {
		return fmt.Errorf("identity change to %d:%d did not take: %w", uid, gid, os.ErrPermission)
	}
	if uid != 0 {
		if err := unix.Setresuid(0, 0, 0); err == nil {
			return fmt.Errorf("privileges were not dropped: %w", os.ErrPermission)
		}
	}
	return nil
}
