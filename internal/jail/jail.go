// Package jail runs filesystem operations as another host user.
//
// Every operation happens in a short-lived helper process: the server
// re-executes its own binary with FTPD_JAIL_HELPER=1 in an otherwise empty
// environment and hands it one end of a socket pair. The helper reads a
// single CBOR request, optionally chroots into the user's root, changes
// directory, applies the umask, irrevocably drops to the user's uid and gids,
// performs the operation and writes back one CBOR result. Opened files come
// back to the server as SCM_RIGHTS descriptors so data never crosses the
// helper boundary.
//
// Binaries that use this package must call Main early in their main function
// when IsHelper reports true:
//
//	func main() {
//	    if jail.IsHelper() {
//	        os.Exit(jail.Main())
//	    }
//	    ...
//	}
package jail

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

const (
	helperEnv = "FTPD_JAIL_HELPER"

	// helperFD is where the helper finds its end of the socket pair.
	helperFD = 3
)

// ErrNested is returned when Run or Start is called inside a helper.
var ErrNested = errors.New("jail: cannot spawn from inside a jail")

// IsHelper reports whether this process was started as a jail helper.
func IsHelper() bool {
	return os.Getenv(helperEnv) == "1"
}

// Jail spawns helper processes.
type Jail struct {
	executable string
	chroot     bool
	logger     *slog.Logger
}

// Option configures a Jail.
type Option func(*Jail) error

// WithExecutable sets the helper binary. It defaults to the running
// executable.
func WithExecutable(path string) Option {
	return func(j *Jail) error {
		j.executable = path
		return nil
	}
}

// WithChroot makes helpers chroot into the request root before dropping
// privileges. This requires the server to run as root. Without it the root is
// enforced by path resolution alone.
func WithChroot(enabled bool) Option {
	return func(j *Jail) error {
		j.chroot = enabled
		return nil
	}
}

// WithLogger sets the logger used for helper diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(j *Jail) error {
		j.logger = logger
		return nil
	}
}

// New returns a Jail.
func New(options ...Option) (*Jail, error) {
	j := &Jail{logger: slog.Default()}
	for _, opt := range options {
		if err := opt(j); err != nil {
			return nil, err
		}
	}
	if j.executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("jail: locate executable: %w", err)
		}
		j.executable = exe
	}
	return j, nil
}

// Chroot reports whether helpers chroot.
func (j *Jail) Chroot() bool {
	return j.chroot
}

// Run performs req in a helper and waits for its result. A failure of the
// operation itself is returned as an *Error.
func (j *Jail) Run(req Request) (*Result, error) {
	p, err := j.Start(req)
	if err != nil {
		return nil, err
	}
	return p.Wait()
}

// Pending is a helper that has been started but not waited for.
type Pending struct {
	op     Op
	cmd    *exec.Cmd
	conn   *net.UnixConn
	logger *slog.Logger
}

// Start spawns a helper for req without waiting for it.
func (j *Jail) Start(req Request) (*Pending, error) {
	if IsHelper() {
		return nil, ErrNested
	}
	req.Chroot = j.chroot

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("jail: socketpair: %w", err)
	}
	parentFile := os.NewFile(uintptr(fds[0]), "jail-parent")
	childFile := os.NewFile(uintptr(fds[1]), "jail-child")
	defer childFile.Close()

	conn, err := net.FileConn(parentFile)
	parentFile.Close()
	if err != nil {
		return nil, fmt.Errorf("jail: socket: %w", err)
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("jail: unexpected connection type %T", conn)
	}

	cmd := exec.Command(j.executable)
	cmd.Env = []string{helperEnv + "=1"}
	cmd.Dir = "/"
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{childFile}
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}

	if err := cmd.Start(); err != nil {
		uc.Close()
		return nil, fmt.Errorf("jail: start helper: %w", err)
	}

	p := &Pending{op: req.Op, cmd: cmd, conn: uc, logger: j.logger}
	if err := writeFrame(uc, &req, -1); err != nil {
		p.kill()
		return nil, err
	}
	return p, nil
}

// Wait collects the helper's result and reaps it.
func (p *Pending) Wait() (*Result, error) {
	defer p.conn.Close()

	var res Result
	fds, rerr := readFrame(p.conn, &res)
	werr := p.cmd.Wait()

	if rerr != nil {
		if werr != nil {
			return nil, fmt.Errorf("jail: helper for %s failed: %w (%v)", p.op, werr, rerr)
		}
		return nil, rerr
	}
	if werr != nil {
		p.logger.Warn("jail_helper_exit", "op", p.op, "error", werr)
	}

	if len(fds) > 0 {
		res.File = os.NewFile(uintptr(fds[0]), res.Path)
		closeFDs(fds[1:])
	}
	if res.Err != nil {
		if res.File != nil {
			res.File.Close()
			res.File = nil
		}
		return &res, res.Err
	}
	return &res, nil
}

func (p *Pending) kill() {
	_ = p.cmd.Process.Kill()
	_ = p.cmd.Wait()
	p.conn.Close()
}
