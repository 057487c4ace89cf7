package sandbox

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ResolveCwd canonicalises a requested working directory and verifies it
// lies inside `<homeBase>/<workspaceID>` or `<workspaceRoot>/<workspaceID>`.
// Symlinks are resolved so a link pointing outside the roots cannot pass.
func ResolveCwd(cwd, workspaceID, homeBase, workspaceRoot string) (string, error) {
	if cwd == "" {
		return "", nil
	}
	if !filepath.IsAbs(cwd) {
		return "", fmt.Errorf("%w: %s is not absolute", ErrCwdOutsideRoots, cwd)
	}

	resolved, err := filepath.EvalSymlinks(cwd)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrCwdOutsideRoots, cwd, err)
	}

	for _, root := range workspaceRoots(workspaceID, homeBase, workspaceRoot) {
		canonRoot, err := filepath.EvalSymlinks(root)
		if err != nil {
			continue
		}
		if PathWithin(resolved, canonRoot) {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrCwdOutsideRoots, cwd)
}

func workspaceRoots(workspaceID, homeBase, workspaceRoot string) []string {
	var roots []string
	if homeBase != "" {
		roots = append(roots, filepath.Join(homeBase, workspaceID))
	}
	if workspaceRoot != "" {
		roots = append(roots, filepath.Join(workspaceRoot, workspaceID))
	}
	return roots
}

// PathWithin reports whether path equals root or is a descendant of it.
// Both arguments must already be canonical absolute paths.
func PathWithin(path, root string) bool {
	path = filepath.Clean(path)
	root = filepath.Clean(root)
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}
