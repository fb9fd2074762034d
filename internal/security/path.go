// Package security holds filesystem guards for user-supplied names.
package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrOutsideDirectory is returned when a path escapes its base directory.
var ErrOutsideDirectory = errors.New("path outside allowed directory")

// ValidatePathWithinDirectory reports an error unless filePath resolves to
// a location inside baseDir. Symlinks on existing path prefixes are
// resolved first.
func ValidatePathWithinDirectory(filePath, baseDir string) error {
	absPath, err := filepath.Abs(filepath.Clean(filePath))
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return fmt.Errorf("resolve base directory: %w", err)
	}

	canonicalPath := canonical(absPath)
	canonicalBase := canonical(absBase)

	rel, err := filepath.Rel(canonicalBase, canonicalPath)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrOutsideDirectory, filePath)
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s", ErrOutsideDirectory, filePath)
	}
	return nil
}

// canonical resolves symlinks on the longest existing prefix of p.
func canonical(p string) string {
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved
	}
	check := p
	for {
		parent := filepath.Dir(check)
		if parent == check {
			return p
		}
		if resolved, err := filepath.EvalSymlinks(parent); err == nil {
			rel, relErr := filepath.Rel(parent, p)
			if relErr != nil {
				return p
			}
			return filepath.Join(resolved, rel)
		}
		check = parent
	}
}
