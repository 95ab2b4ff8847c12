package utils

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Characters that are never valid in a partition or volume label used as a path component
var dangerousCharacters = []string{
	"/",
	"\\",
	"\n",
	"\r",
	"\t",
	"\x00",
}

// ValidateMountpoint checks that a mountpoint is an absolute, clean path
func ValidateMountpoint(path string) error {
	if path == "" {
		return fmt.Errorf("%w: mountpoint cannot be empty", ErrConfiguration)
	}

	cleanPath := filepath.Clean(path)
	if cleanPath != path {
		return fmt.Errorf("%w: mountpoint contains traversal sequences or unnecessary components: %s (cleaned: %s)",
			ErrConfiguration, path, cleanPath)
	}

	if !filepath.IsAbs(cleanPath) {
		return fmt.Errorf("%w: mountpoint must be absolute: %s", ErrConfiguration, path)
	}

	if cleanPath == "/" {
		return fmt.Errorf("%w: refusing to use / as a mountpoint", ErrConfiguration)
	}

	return nil
}

// ValidatePathComponent checks that name can be joined under a mountpoint
// without escaping it. Partition names come from hotplug events.
func ValidatePathComponent(name string) error {
	if name == "" {
		return fmt.Errorf("%w: path component cannot be empty", ErrInvalidParameter)
	}

	if name == "." || name == ".." {
		return fmt.Errorf("%w: path component %q is not allowed", ErrInvalidParameter, name)
	}

	for _, char := range dangerousCharacters {
		if strings.Contains(name, char) {
			return fmt.Errorf("%w: path component contains dangerous character %q: %s", ErrInvalidParameter, char, name)
		}
	}

	return nil
}

// JoinUnder joins name under base after validating both.
func JoinUnder(base, name string) (string, error) {
	if err := ValidatePathComponent(name); err != nil {
		return "", err
	}
	joined := filepath.Join(base, name)
	if filepath.Dir(joined) != filepath.Clean(base) {
		return "", fmt.Errorf("%w: %s escapes %s", ErrInvalidParameter, name, base)
	}
	return joined, nil
}
