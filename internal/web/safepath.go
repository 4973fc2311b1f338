package web

import (
	"fmt"
	"path/filepath"
)

// SafePath resolves a file name taken from a request against base. Only
// local names are accepted: no absolute paths, no ".." escapes, and not
// base itself.
func SafePath(base, name string) (string, error) {
	if !filepath.IsLocal(name) || filepath.Clean(name) == "." {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", fmt.Errorf("invalid base path: %w", err)
	}
	return filepath.Join(absBase, name), nil
}
