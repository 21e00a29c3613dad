package operation

import (
	"context"
	"fmt"
	"sort"
)

// Handler implements one operation kind.
type Handler interface {
	// Validate checks the positional argument grammar and returns an *ArgumentError.
	Validate(args []string) error

	// Perform applies op and stores undo state in op.Values. A failing Perform
	// reverts its own partial changes before returning.
	Perform(ctx context.Context, env *Env, op *Operation) error

	// Undo reverts a performed op.
	Undo(ctx context.Context, env *Env, op *Operation) error
}

// Registry maps kinds to handlers.
type Registry struct {
	handlers map[Kind]Handler
}

// NewRegistry returns a registry with every built-in kind registered.
func NewRegistry() *Registry {
	r := &Registry{handlers: make(map[Kind]Handler)}
	r.handlers[KindCopy] = copyHandler{}
	r.handlers[KindMove] = moveHandler{}
	r.handlers[KindDelete] = deleteHandler{}
	r.handlers[KindMkdir] = mkdirHandler{}
	r.handlers[KindAppendFile] = appendFileHandler{}
	r.handlers[KindExtract] = extractHandler{}
	r.handlers[KindExecute] = executeHandler{}
	r.handlers[KindRetire] = retireHandler{reg: r}
	return r
}

// Register adds a handler for a new kind.
func (r *Registry) Register(kind Kind, h Handler) error {
	if _, exists := r.handlers[kind]; exists {
		return fmt.Errorf("operation kind %s already registered", kind)
	}
	r.handlers[kind] = h
	return nil
}

// Handler returns the handler for kind.
func (r *Registry) Handler(kind Kind) (Handler, error) {
	h, ok := r.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return h, nil
}

// Validate checks op against its kind's grammar.
func (r *Registry) Validate(op *Operation) error {
	h, err := r.Handler(op.Kind)
	if err != nil {
		return err
	}
	return h.Validate(op.Args)
}

// Kinds lists the registered kinds, sorted.
func (r *Registry) Kinds() []Kind {
	kinds := make([]Kind, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func argError(kind Kind, args []string, format string, a ...interface{}) error {
	return &ArgumentError{Kind: kind, Args: args, Message: fmt.Sprintf(format, a...)}
}

// checkArgs validates the argument count and rejects empty arguments.
func checkArgs(kind Kind, args []string, min, max int) error {
	if len(args) < min || (max >= 0 && len(args) > max) {
		if min == max {
			return argError(kind, args, "expected %d arguments, got %d", min, len(args))
		}
		return argError(kind, args, "expected %d to %d arguments, got %d", min, max, len(args))
	}
	for i, a := range args {
		if a == "" {
			return argError(kind, args, "argument %d is empty", i+1)
		}
	}
	return nil
}
