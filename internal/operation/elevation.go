package operation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Elevator runs operations that need more privileges than the current process has.
type Elevator interface {
	// Privileged reports whether the current process can perform elevated
	// operations itself.
	Privileged() bool
	Perform(ctx context.Context, env *Env, op *Operation) error
	Undo(ctx context.Context, env *Env, op *Operation) error
}

// DefaultElevator returns an in-process elevator when running as root and a
// refusing one otherwise.
func DefaultElevator(reg *Registry) Elevator {
	if os.Geteuid() == 0 {
		return InProcessElevator{Registry: reg}
	}
	return RefusingElevator{}
}

// RefusingElevator cannot elevate; every elevated operation fails.
type RefusingElevator struct{}

func (RefusingElevator) Privileged() bool { return false }

func (RefusingElevator) Perform(ctx context.Context, env *Env, op *Operation) error {
	return ErrElevationRefused
}

func (RefusingElevator) Undo(ctx context.Context, env *Env, op *Operation) error {
	return ErrElevationRefused
}

// InProcessElevator performs elevated operations directly; use it when the process
// already has the required rights.
type InProcessElevator struct {
	Registry *Registry
}

func (InProcessElevator) Privileged() bool { return true }

func (e InProcessElevator) Perform(ctx context.Context, env *Env, op *Operation) error {
	h, err := e.Registry.Handler(op.Kind)
	if err != nil {
		return err
	}
	return h.Perform(ctx, env, op)
}

func (e InProcessElevator) Undo(ctx context.Context, env *Env, op *Operation) error {
	h, err := e.Registry.Handler(op.Kind)
	if err != nil {
		return err
	}
	return h.Undo(ctx, env, op)
}

// HelperElevator re-invokes a helper process through an elevation wrapper such as
// pkexec or sudo. The helper reads one request on stdin and answers on stdout; see
// ServeHelper.
type HelperElevator struct {
	// Command is the full helper invocation, e.g. {"pkexec", "/opt/app/maintenancetool", "operation-helper"}.
	Command []string
}

func (HelperElevator) Privileged() bool { return false }

func (h HelperElevator) Perform(ctx context.Context, env *Env, op *Operation) error {
	return h.call(ctx, helperPerform, env, op)
}

func (h HelperElevator) Undo(ctx context.Context, env *Env, op *Operation) error {
	return h.call(ctx, helperUndo, env, op)
}

const (
	helperPerform = "perform"
	helperUndo    = "undo"
)

type helperRequest struct {
	Mode      string     `json:"mode"`
	BackupDir string     `json:"backup_dir"`
	Operation *Operation `json:"operation"`
}

type helperResponse struct {
	Operation *Operation `json:"operation"`
	Error     string     `json:"error,omitempty"`
}

func (h HelperElevator) call(ctx context.Context, mode string, env *Env, op *Operation) error {
	if len(h.Command) == 0 {
		return ErrElevationRefused
	}

	req, err := json.Marshal(helperRequest{Mode: mode, BackupDir: env.BackupDir, Operation: op})
	if err != nil {
		return fmt.Errorf("encode helper request: %w", err)
	}

	cmd := exec.CommandContext(context.WithoutCancel(ctx), h.Command[0], h.Command[1:]...)
	cmd.Stdin = bytes.NewReader(req)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	var resp helperResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil || resp.Operation == nil {
		if runErr == nil {
			runErr = errors.New("helper returned no response")
		}
		return fmt.Errorf("%w: %v: %s", ErrElevationRefused, runErr, bytes.TrimSpace(stderr.Bytes()))
	}

	op.Values = resp.Operation.Values
	if resp.Error != "" {
		return opError(op.Kind, op.String(), "elevated "+mode+" failed", errors.New(resp.Error))
	}
	return nil
}

// ServeHelper handles one elevated request read from r and writes the answer to w.
// It runs inside the elevated helper process.
func ServeHelper(ctx context.Context, reg *Registry, env Env, r io.Reader, w io.Writer) error {
	var req helperRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return fmt.Errorf("decode helper request: %w", err)
	}
	if req.Operation == nil {
		return errors.New("helper request has no operation")
	}
	env.BackupDir = req.BackupDir
	op := req.Operation
	if op.Values == nil {
		op.Values = map[string]string{}
	}

	resp := helperResponse{Operation: op}
	h, err := reg.Handler(op.Kind)
	if err == nil {
		err = h.Validate(op.Args)
	}
	if err == nil {
		switch req.Mode {
		case helperPerform:
			err = h.Perform(ctx, &env, op)
		case helperUndo:
			err = h.Undo(ctx, &env, op)
		default:
			err = fmt.Errorf("unknown helper mode %q", req.Mode)
		}
	}
	if err != nil {
		resp.Error = err.Error()
	}

	return json.NewEncoder(w).Encode(resp)
}
