package operation

import (
	"context"
)

type executeHandler struct{}

// splitExecute splits "cmd args... [UNDOEXECUTE undo args...]".
func splitExecute(args []string) (do, undo []string) {
	for i, a := range args {
		if a == UndoExecute {
			return args[:i], args[i+1:]
		}
	}
	return args, nil
}

func (executeHandler) Validate(args []string) error {
	do, undo := splitExecute(args)
	if len(do) == 0 || do[0] == "" {
		return argError(KindExecute, args, "missing command")
	}
	if len(do) != len(args) && (len(undo) == 0 || undo[0] == "") {
		return argError(KindExecute, args, "%s must be followed by a command", UndoExecute)
	}
	return nil
}

// Perform runs the command to completion even if ctx is canceled; a command that
// has been started is never abandoned halfway.
func (executeHandler) Perform(ctx context.Context, env *Env, op *Operation) error {
	do, _ := splitExecute(op.Args)
	env.logger().Debug("running command", "command", do[0], "args", do[1:])
	if err := env.runner().Run(context.WithoutCancel(ctx), do[0], do[1:]...); err != nil {
		return opError(op.Kind, do[0], "command failed", err)
	}
	return nil
}

func (executeHandler) Undo(ctx context.Context, env *Env, op *Operation) error {
	_, undo := splitExecute(op.Args)
	if len(undo) == 0 {
		return nil
	}
	env.logger().Debug("running undo command", "command", undo[0], "args", undo[1:])
	if err := env.runner().Run(context.WithoutCancel(ctx), undo[0], undo[1:]...); err != nil {
		return opError(op.Kind, undo[0], "undo command failed", err)
	}
	return nil
}
