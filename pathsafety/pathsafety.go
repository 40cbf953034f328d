// Package pathsafety validates every externally supplied path against the
// libraries root and the thumbs root before it ever reaches the filesystem.
package pathsafety

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// RejectedError marks a path that failed validation or containment. It is
// always terminal: callers must not retry the operation that produced it.
type RejectedError struct {
	msg string
}

func (e *RejectedError) Error() string { return e.msg }

func rejectf(format string, args ...any) error {
	return &RejectedError{msg: fmt.Sprintf(format, args...)}
}

// IsRejected reports whether err is (or wraps) a RejectedError.
func IsRejected(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}

// NormalizeLibraryName validates a library name: non-empty, not a traversal
// token, a direct child of the libraries root (no separators), and free of
// shell-expansion syntax.
func NormalizeLibraryName(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", rejectf("library name cannot be empty")
	}
	if name == "." || name == ".." {
		return "", rejectf("library name cannot be traversal token")
	}
	if strings.ContainsAny(name, `/\`) {
		return "", rejectf("library name must be direct child of /libraries")
	}
	if strings.ContainsAny(name, "~$") {
		return "", rejectf("library name cannot contain shell expansion syntax")
	}
	return name, nil
}

// ValidateRelativePath rejects absolute paths, shell-expansion tokens, and
// parent-directory traversal. "." components are accepted. The caller should
// follow with ToPosixRelativePath to obtain the canonical stored form.
func ValidateRelativePath(raw string) (string, error) {
	if strings.HasPrefix(raw, "/") {
		return "", rejectf("path must be relative")
	}
	if strings.Contains(raw, "~") {
		return "", rejectf("home expansion is not allowed")
	}
	if strings.Contains(raw, "$") {
		return "", rejectf("environment variable expansion is not allowed")
	}

	clean := filepath.ToSlash(raw)
	parts := strings.Split(clean, "/")
	for _, p := range parts {
		switch p {
		case "", ".":
			// elided
		case "..":
			return "", rejectf("path traversal is not allowed")
		default:
			if filepath.IsAbs(p) {
				return "", rejectf("path must remain relative")
			}
		}
	}
	return raw, nil
}

// ToPosixRelativePath joins the non-empty, non-"." components of a validated
// relative path with "/", producing the canonical stored form. It errors on
// an empty result.
func ToPosixRelativePath(raw string) (string, error) {
	clean := filepath.ToSlash(raw)
	var parts []string
	for _, p := range strings.Split(clean, "/") {
		switch p {
		case "", ".":
			continue
		case "..":
			return "", rejectf("relative path contains forbidden component")
		default:
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return "", rejectf("empty relative path is not allowed")
	}
	return strings.Join(parts, "/"), nil
}

// ResolveRootUnderLibraries canonicalizes root and asserts it lies under the
// already-canonicalized librariesRootReal.
func ResolveRootUnderLibraries(librariesRootReal, root string) (string, error) {
	rootReal, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve library root %s: %w", root, err)
	}
	if !isWithin(librariesRootReal, rootReal) {
		return "", rejectf("path escapes /libraries: %s", rootReal)
	}
	return rootReal, nil
}

// ResolveUnderRoot joins root with a validated relative path and asserts the
// canonicalized result is contained within canonicalRoot.
func ResolveUnderRoot(root, canonicalRoot, relPath string) (string, error) {
	validated, err := ValidateRelativePath(relPath)
	if err != nil {
		return "", err
	}
	posix, err := ToPosixRelativePath(validated)
	if err != nil {
		return "", err
	}
	candidate := filepath.Join(root, filepath.FromSlash(posix))
	real, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		// file may not exist yet (e.g. thumbnail output); fall back to
		// validating the parent directory's canonical form instead.
		real, err = resolveViaParent(candidate)
		if err != nil {
			return "", fmt.Errorf("failed to resolve path %s: %w", candidate, err)
		}
	}
	if !isWithin(canonicalRoot, real) {
		return "", rejectf("path escapes root: %s", real)
	}
	return candidate, nil
}

func resolveViaParent(candidate string) (string, error) {
	parent := filepath.Dir(candidate)
	parentReal, err := filepath.EvalSymlinks(parent)
	if err != nil {
		return "", err
	}
	return filepath.Join(parentReal, filepath.Base(candidate)), nil
}

func isWithin(root, candidate string) bool {
	root = filepath.Clean(root)
	candidate = filepath.Clean(candidate)
	if candidate == root {
		return true
	}
	return strings.HasPrefix(candidate, root+string(filepath.Separator))
}
