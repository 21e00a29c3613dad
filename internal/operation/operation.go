// Package operation implements undoable filesystem operations and the persistent
// log that executes and reverses them.
//
// An Operation is a tagged value: its Kind selects a Handler from a Registry, its
// positional Args follow the kind's grammar, and its Values map carries whatever the
// handler needs to undo it later (backup locations, created paths). Operations are
// plain data so they can be persisted in the log and in the installation record.
package operation

import (
	"encoding/json"
	"fmt"
)

// Kind names an operation type.
type Kind string

const (
	KindCopy       Kind = "Copy"
	KindMove       Kind = "Move"
	KindDelete     Kind = "Delete"
	KindMkdir      Kind = "Mkdir"
	KindAppendFile Kind = "AppendFile"
	KindExtract    Kind = "Extract"
	KindExecute    Kind = "Execute"

	// KindRetire undoes an operation recorded by an earlier transaction as a
	// step of the current one. Its single argument is the retired kind; the
	// retired operation itself is kept in Values. See Log.Retire.
	KindRetire Kind = "Retire"
)

// State tracks an operation through its lifecycle.
type State string

const (
	StatePending   State = "pending"
	StatePerformed State = "performed"
	StateFailed    State = "failed"
	StateUndone    State = "undone"
)

// ForceOverwrite is the optional trailing argument of Copy and Move.
const ForceOverwrite = "forceOverwrite"

// UndoExecute separates the command and the undo command of an Execute operation.
const UndoExecute = "UNDOEXECUTE"

// Operation is one filesystem mutation.
type Operation struct {
	Kind      Kind              `json:"kind"`
	Args      []string          `json:"args"`
	Values    map[string]string `json:"values,omitempty"`
	Component string            `json:"component,omitempty"`
	Elevated  bool              `json:"elevated,omitempty"`
	State     State             `json:"state"`
}

// New creates a pending operation.
func New(kind Kind, args ...string) *Operation {
	return &Operation{Kind: kind, Args: args, Values: map[string]string{}, State: StatePending}
}

func (o *Operation) String() string {
	return fmt.Sprintf("%s %q", o.Kind, o.Args)
}

// Value returns a stored value.
func (o *Operation) Value(key string) string {
	return o.Values[key]
}

// SetValue stores a value, allocating the map if needed.
func (o *Operation) SetValue(key, value string) {
	if o.Values == nil {
		o.Values = map[string]string{}
	}
	o.Values[key] = value
}

func (o *Operation) setList(key string, items []string) {
	if len(items) == 0 {
		delete(o.Values, key)
		return
	}
	data, _ := json.Marshal(items)
	o.SetValue(key, string(data))
}

func (o *Operation) list(key string) []string {
	raw := o.Values[key]
	if raw == "" {
		return nil
	}
	var items []string
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil
	}
	return items
}

func (o *Operation) setMap(key string, m map[string]string) {
	if len(m) == 0 {
		delete(o.Values, key)
		return
	}
	data, _ := json.Marshal(m)
	o.SetValue(key, string(data))
}

func (o *Operation) mapValue(key string) map[string]string {
	raw := o.Values[key]
	if raw == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}

// TouchedPaths returns the filesystem paths the operation changes, for reporting
// paths that need manual cleanup.
func (o *Operation) TouchedPaths() []string {
	switch o.Kind {
	case KindCopy, KindMove:
		if len(o.Args) >= 2 {
			return []string{o.Args[1]}
		}
	case KindDelete, KindMkdir, KindAppendFile:
		if len(o.Args) >= 1 {
			return []string{o.Args[0]}
		}
	case KindRetire:
		if inner, err := o.retired(); err == nil {
			return inner.TouchedPaths()
		}
	case KindExtract:
		if files := o.list(valueFiles); len(files) > 0 {
			return files
		}
		if len(o.Args) >= 2 {
			return []string{o.Args[1]}
		}
	}
	return nil
}

// Clone returns a deep copy.
func (o *Operation) Clone() *Operation {
	c := *o
	c.Args = append([]string(nil), o.Args...)
	c.Values = make(map[string]string, len(o.Values))
	for k, v := range o.Values {
		c.Values[k] = v
	}
	return &c
}
