package component

import (
	"fmt"
	"strings"

	mm "github.com/Masterminds/semver/v3"
)

// CompareVersions compares two component version strings, returning -1, 0 or 1.
//
// Versions are parsed leniently as semantic versions ("1.2", "1.2.3-1"). When either
// side does not parse, the raw strings are compared so ordering stays total.
func CompareVersions(a, b string) int {
	va, errA := mm.NewVersion(strings.TrimSpace(a))
	vb, errB := mm.NewVersion(strings.TrimSpace(b))
	if errA != nil || errB != nil {
		return strings.Compare(a, b)
	}
	return va.Compare(vb)
}

// ValidateVersion reports whether raw parses as a component version.
func ValidateVersion(raw string) error {
	if _, err := mm.NewVersion(strings.TrimSpace(raw)); err != nil {
		return fmt.Errorf("parse version %q: %w", raw, err)
	}
	return nil
}

// Satisfies reports whether version satisfies the constraint.
// An empty constraint accepts any version.
func Satisfies(version, constraint string) (bool, error) {
	constraint = strings.TrimSpace(constraint)
	if constraint == "" || constraint == "*" {
		return true, nil
	}

	c, err := mm.NewConstraint(constraint)
	if err != nil {
		return false, fmt.Errorf("parse constraint %q: %w", constraint, err)
	}
	v, err := mm.NewVersion(strings.TrimSpace(version))
	if err != nil {
		return false, fmt.Errorf("parse version %q: %w", version, err)
	}
	return c.Check(v), nil
}
