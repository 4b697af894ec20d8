// semver.go provides version parsing and constraint helpers used to decide whether a
// snapshot's format and schema versions can be interpreted by this build.
package validation

import (
	"fmt"

	"github.com/hashicorp/go-version"
)

// ValidateSemver validates that a version string is valid semantic versioning
func ValidateSemver(versionStr string) error {
	_, err := version.NewVersion(versionStr)
	if err != nil {
		return fmt.Errorf("invalid semantic version: %w", err)
	}
	return nil
}

// ParseConstraints parses a comma-separated constraint expression such as ">= 1.0, < 2.0".
func ParseConstraints(expr string) (version.Constraints, error) {
	c, err := version.NewConstraint(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid version constraint %q: %w", expr, err)
	}
	return c, nil
}

// SatisfiesConstraints reports whether versionStr parses and satisfies c.
func SatisfiesConstraints(versionStr string, c version.Constraints) (bool, error) {
	v, err := version.NewVersion(versionStr)
	if err != nil {
		return false, fmt.Errorf("invalid version %q: %w", versionStr, err)
	}
	return c.Check(v), nil
}
