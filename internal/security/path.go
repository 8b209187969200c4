// Package security confines file access requested by plugin code to the
// directories the host allows.
package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathEscape is returned when a path resolves outside its boundary.
var ErrPathEscape = errors.New("path escapes boundary")

// ResolveWithin joins target onto boundary and returns the absolute result,
// rejecting any target that climbs out of boundary with "../" or names an
// absolute location elsewhere.
//
// Example:
//
//	ResolveWithin("/srv/assets", "ship.png")         // "/srv/assets/ship.png"
//	ResolveWithin("/srv/assets", "../../etc/passwd") // ErrPathEscape
func ResolveWithin(boundary, target string) (string, error) {
	absBoundary, err := filepath.Abs(boundary)
	if err != nil {
		return "", fmt.Errorf("failed to resolve boundary path %q: %w", boundary, err)
	}

	joined := target
	if !filepath.IsAbs(target) {
		joined = filepath.Join(absBoundary, target)
	}
	absTarget := filepath.Clean(joined)

	rel, err := filepath.Rel(absBoundary, absTarget)
	if err != nil {
		return "", fmt.Errorf("invalid path relationship between %q and %q: %w", absBoundary, absTarget, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes %q", ErrPathEscape, target, boundary)
	}

	return absTarget, nil
}

// ExecutableRelative resolves p against the directory of the running
// executable. Absolute paths are returned unchanged.
func ExecutableRelative(p string) (string, error) {
	if filepath.IsAbs(p) {
		return p, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to locate executable: %w", err)
	}
	return filepath.Join(filepath.Dir(exe), p), nil
}
