package resolver

import (
	"errors"
	"fmt"
)

// ErrResolution is matched by every error returned from Resolve.
var ErrResolution = errors.New("dependency resolution failed")

// CycleError reports a dependency edge From -> To that closes a cycle.
type CycleError struct {
	From string
	To   string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s depends on %s, which is already being expanded", e.From, e.To)
}

func (e *CycleError) Is(target error) bool { return target == ErrResolution }

// MissingDependencyError reports a dependency that is not in the universe, or whose
// available version does not satisfy the declared constraint.
type MissingDependencyError struct {
	Dependency string
	For        string
	Constraint string
	// Available is the version found in the universe, empty when the component is unknown.
	Available string
}

func (e *MissingDependencyError) Error() string {
	if e.Available != "" {
		return fmt.Sprintf("missing dependency %s for %s: version %s does not satisfy %q",
			e.Dependency, e.For, e.Available, e.Constraint)
	}
	return fmt.Sprintf("missing dependency %s for %s", e.Dependency, e.For)
}

func (e *MissingDependencyError) Is(target error) bool { return target == ErrResolution }

// SelectionError reports a requested component that cannot be selected.
type SelectionError struct {
	ID      string
	Message string
}

func (e *SelectionError) Error() string {
	return fmt.Sprintf("cannot select %s: %s", e.ID, e.Message)
}

func (e *SelectionError) Is(target error) bool { return target == ErrResolution }
