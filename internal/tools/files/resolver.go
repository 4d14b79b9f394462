package files

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/steward/internal/agent"
)

// ErrPathEscape is returned for paths that leave the workspace.
var ErrPathEscape = errors.New("path escapes workspace")

// Resolver resolves and validates workspace-relative paths.
//
// Root is the workspace boundary. When it is empty the boundary is the
// ExecContext working directory of the call being served.
type Resolver struct {
	Root string
}

// For returns the resolver bound to one call: the boundary falls back to
// ec.WorkDir and relative paths resolve against ec.WorkDir when it lies
// inside the boundary.
func (r Resolver) For(ec *agent.ExecContext) (Resolver, string) {
	root := strings.TrimSpace(r.Root)
	base := ""
	if ec != nil {
		base = strings.TrimSpace(ec.WorkDir)
	}
	if root == "" {
		root = base
	}
	bound := Resolver{Root: root}
	if base == "" {
		return bound, root
	}
	if _, err := bound.Resolve(base); err != nil {
		return bound, root
	}
	return bound, base
}

// Resolve returns an absolute, cleaned path within the workspace root.
// Relative paths are joined to the root.
func (r Resolver) Resolve(path string) (string, error) {
	return r.ResolveFrom(r.Root, path)
}

// ResolveFrom resolves path against base and checks it stays within the
// root, following symlinks of the existing part of the path.
func (r Resolver) ResolveFrom(base, path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", agent.InvalidArguments("path is required")
	}
	root := strings.TrimSpace(r.Root)
	if root == "" {
		return "", fmt.Errorf("workspace root is not set")
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	if strings.TrimSpace(base) == "" {
		base = rootAbs
	}

	var target string
	if filepath.IsAbs(clean) {
		target = filepath.Clean(clean)
	} else {
		target = filepath.Join(base, clean)
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if !within(rootAbs, targetAbs) {
		return "", agent.InvalidArguments("%v: %s", ErrPathEscape, path)
	}

	realRoot, err := filepath.EvalSymlinks(rootAbs)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	realTarget, err := evalExisting(targetAbs)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if !within(realRoot, realTarget) {
		return "", agent.InvalidArguments("%v: %s", ErrPathEscape, path)
	}
	return targetAbs, nil
}

// evalExisting resolves symlinks in the longest existing prefix of path and
// re-attaches the part that does not exist yet.
func evalExisting(path string) (string, error) {
	var rest []string
	current := path
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Join(append([]string{resolved}, rest...)...), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return path, nil
		}
		rest = append([]string{filepath.Base(current)}, rest...)
		current = parent
	}
}

func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}
