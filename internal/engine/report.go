package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/ZebulonRouseFrantzich/setupkit/internal/operation"
	"github.com/ZebulonRouseFrantzich/setupkit/internal/resolver"
)

// Report is the outcome of a run.
type Report struct {
	Mode  resolver.Mode
	State State
	Plan  *resolver.Plan

	// Operations lists the operations performed (install, update) or undone
	// (uninstall), in execution order.
	Operations []*operation.Operation

	// FailedComponent and FailedOperation locate the failure, when known.
	FailedComponent string
	FailedOperation *operation.Operation

	// Rollback is set when a failure was rolled back or an uninstall could not
	// finish.
	Rollback operation.RollbackStatus
	UndoLog  *operation.UndoReport
	UndoErr  error
	// ManualCleanup lists paths touched by operations that could not be undone.
	ManualCleanup []string

	// Repaired is the rollback of an interrupted earlier run, if one was found.
	Repaired *operation.UndoReport

	// Degraded means the run succeeded but finalization steps failed.
	Degraded bool
	Warnings []string

	Err      error
	Started  time.Time
	Finished time.Time
}

// Summary renders a one-paragraph description of the report.
func (r *Report) Summary() string {
	var sb strings.Builder
	n := 0
	if r.Plan != nil {
		n = len(r.Plan.Entries)
	}

	switch r.State {
	case StateDone:
		if n == 0 {
			sb.WriteString("nothing to do")
		} else {
			fmt.Fprintf(&sb, "%s of %d component(s) completed", r.Mode, n)
		}
		if r.Degraded {
			fmt.Fprintf(&sb, " with %d warning(s): %s", len(r.Warnings), strings.Join(r.Warnings, "; "))
		}
	case StateRolledBack:
		fmt.Fprintf(&sb, "%s rolled back (%s)", r.Mode, r.Rollback)
	case StateFailed:
		fmt.Fprintf(&sb, "%s failed", r.Mode)
	default:
		fmt.Fprintf(&sb, "%s %s", r.Mode, r.State)
	}

	if r.FailedComponent != "" {
		fmt.Fprintf(&sb, " at %s", r.FailedComponent)
	}
	if r.FailedOperation != nil {
		fmt.Fprintf(&sb, " (%s)", r.FailedOperation)
	}
	if r.Err != nil {
		fmt.Fprintf(&sb, ": %v", r.Err)
	}
	if len(r.ManualCleanup) > 0 {
		fmt.Fprintf(&sb, "; clean up manually: %s", strings.Join(r.ManualCleanup, ", "))
	}
	return sb.String()
}
