// Package sandbox maps between a user's virtual path space and the real
// filesystem beneath that user's root directory.
//
// A virtual path is always "/"-prefixed and relative to the root. Every
// mapping is checked for containment after symlinks are resolved, so neither
// "../" sequences nor symlinks pointing out of the root can produce a path
// outside it.
package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrEscape is returned when a path resolves outside the root.
	ErrEscape = errors.New("sandbox: path escapes root")

	// ErrNoMapping is returned when a real path has no virtual equivalent,
	// for example because it does not exist.
	ErrNoMapping = errors.New("sandbox: no virtual mapping")
)

// Contains reports whether p lies at or beneath root. Both paths must be
// absolute and clean.
func Contains(root, p string) bool {
	if root == "/" {
		return strings.HasPrefix(p, "/")
	}
	return p == root || strings.HasPrefix(p, root+"/")
}

// ToVirtualPath converts an existing real path into a virtual path relative
// to root. Symlinks in both arguments are resolved first.
//
// When root is "/", realPath must already be absolute. A relative realPath is
// otherwise interpreted against root.
func ToVirtualPath(realPath, root string) (string, error) {
	if !filepath.IsAbs(realPath) {
		if root == "/" {
			return "", fmt.Errorf("%w: %q is not absolute", ErrNoMapping, realPath)
		}
		realPath = filepath.Join(root, realPath)
	}

	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("%w: root: %w", ErrNoMapping, err)
	}
	resolved, err := filepath.EvalSymlinks(realPath)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNoMapping, err)
	}

	if !Contains(resolvedRoot, resolved) {
		return "", ErrEscape
	}

	rel, err := filepath.Rel(resolvedRoot, resolved)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNoMapping, err)
	}
	if rel == "." {
		return "/", nil
	}
	return "/" + filepath.ToSlash(rel), nil
}

// ResolveUserInput maps a client-supplied path to a real path beneath root.
//
// Relative input is joined against pwd; absolute input is taken relative to
// root. One pair of surrounding double or single quotes is stripped first.
// The target itself need not exist, but every existing ancestor is resolved
// through its symlinks and the result must still lie beneath root.
func ResolveUserInput(input, pwd, root string) (string, error) {
	input = Unquote(input)
	if pwd == "" {
		pwd = "/"
	}

	var joined string
	if strings.HasPrefix(input, "/") {
		joined = filepath.Join(root, input)
	} else {
		joined = filepath.Join(root, pwd, input)
	}

	cleanRoot := filepath.Clean(root)
	if !Contains(cleanRoot, joined) {
		return "", ErrEscape
	}

	resolvedRoot, err := filepath.EvalSymlinks(cleanRoot)
	if err != nil {
		return "", fmt.Errorf("sandbox: root: %w", err)
	}

	resolved, err := resolveExisting(joined)
	if err != nil {
		return "", err
	}
	if !Contains(resolvedRoot, resolved) {
		return "", ErrEscape
	}
	return resolved, nil
}

// ToVirtual is the lexical counterpart of ToVirtualPath for paths already
// known to be resolved beneath root.
func ToVirtual(realPath, root string) string {
	if root == "/" {
		return filepath.Clean(realPath)
	}
	rel, err := filepath.Rel(root, realPath)
	if err != nil || rel == "." {
		return "/"
	}
	return "/" + filepath.ToSlash(rel)
}

// Unquote removes one pair of matching surrounding quotes.
func Unquote(s string) string {
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' || first == '\'') && first == last {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// maxLinkHops bounds dangling-link resolution, matching the kernel's ELOOP
// limit.
const maxLinkHops = 40

// resolveExisting evaluates symlinks on the deepest existing ancestor of p and
// re-appends the components that do not exist yet. A dangling symlink is
// followed to its target so that a later create cannot land outside the root.
func resolveExisting(p string) (string, error) {
	var missing []string
	cur := p
	for hops := 0; ; {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(missing) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, missing[i])
			}
			return resolved, nil
		}

		if fi, lerr := os.Lstat(cur); lerr == nil {
			if fi.Mode()&fs.ModeSymlink == 0 {
				return "", fmt.Errorf("sandbox: resolve %s: %w", cur, err)
			}
			if hops++; hops > maxLinkHops {
				return "", fmt.Errorf("sandbox: resolve %s: too many links", p)
			}
			target, rerr := os.Readlink(cur)
			if rerr != nil {
				return "", fmt.Errorf("sandbox: readlink %s: %w", cur, rerr)
			}
			if !filepath.IsAbs(target) {
				target = filepath.Join(filepath.Dir(cur), target)
			}
			cur = filepath.Clean(target)
			continue
		}

		parent := filepath.Dir(cur)
		if parent == cur {
			return p, nil
		}
		missing = append(missing, filepath.Base(cur))
		cur = parent
	}
}
