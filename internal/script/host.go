// Package script runs component scripts.
//
// A component may ship a Lua script that customizes how it is installed. The
// script runs in the configuration sandbox with the read-only platform table and
// a versioned host API:
//
//	installer.apiVersion          -- 1
//	installer.value(key [, def])  -- read an installer value
//	installer.setValue(key, val)  -- set an installer value for later components
//	installer.log(msg)            -- write to the installer log
//	installer.platform            -- the platform table
//
// Each hook receives a component object with name, version, archives, and the
// functions addOperation(kind, args...) and addElevatedOperation(kind, args...).
// Hooks run in this order: componentConstructor, createOperations, then
// createOperationsForArchive once per archive. An archive without that hook gets
// the default operation: Extract <archive> @TargetDir@.
//
// Operation arguments may contain @Key@ placeholders; they are expanded from the
// installer values when the operation is added.
package script

import (
	"context"
	"fmt"
	"maps"
	"os"
	"regexp"

	lua "github.com/yuin/gopher-lua"

	"github.com/ZebulonRouseFrantzich/setupkit/internal/component"
	"github.com/ZebulonRouseFrantzich/setupkit/internal/config"
	"github.com/ZebulonRouseFrantzich/setupkit/internal/logging"
	"github.com/ZebulonRouseFrantzich/setupkit/internal/operation"
	"github.com/ZebulonRouseFrantzich/setupkit/internal/platform"
)

// APIVersion is the host API version exposed as installer.apiVersion.
const APIVersion = 1

// Hook names.
const (
	HookConstructor                = "componentConstructor"
	HookCreateOperations           = "createOperations"
	HookCreateOperationsForArchive = "createOperationsForArchive"
)

// ValueTargetDir is the installer value holding the installation directory.
const ValueTargetDir = "TargetDir"

var placeholderPattern = regexp.MustCompile(`@([A-Za-z][A-Za-z0-9_]*)@`)

// Error is a failure inside a component script.
type Error struct {
	Component string
	Hook      string // hook name, or "load" when the script did not compile
	Detail    string
	Cause     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("script of %s failed in %s: %s", e.Component, e.Hook, e.Detail)
}

func (e *Error) Unwrap() error { return e.Cause }

// Host creates operations for components. Installer values persist across the
// components of one run.
type Host struct {
	registry *operation.Registry
	info     *platform.Info
	values   map[string]string
	logger   logging.Logger
}

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the logger used by installer.log and for hook tracing.
func WithLogger(l logging.Logger) Option {
	return func(h *Host) { h.logger = logging.OrNop(l) }
}

// NewHost creates a host. values seeds the installer values and is copied.
func NewHost(reg *operation.Registry, info *platform.Info, values map[string]string, opts ...Option) *Host {
	h := &Host{
		registry: reg,
		info:     info,
		values:   maps.Clone(values),
		logger:   logging.Nop(),
	}
	if h.values == nil {
		h.values = map[string]string{}
	}
	if h.info == nil {
		h.info = &platform.Info{}
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Value returns an installer value.
func (h *Host) Value(key string) string { return h.values[key] }

// SetValue sets an installer value.
func (h *Host) SetValue(key, value string) { h.values[key] = value }

// Values returns a copy of the installer values.
func (h *Host) Values() map[string]string { return maps.Clone(h.values) }

// Expand replaces @Key@ placeholders with installer values. Unknown keys are left
// untouched.
func (h *Host) Expand(s string) string {
	return placeholderPattern.ReplaceAllStringFunc(s, func(m string) string {
		if v, ok := h.values[m[1:len(m)-1]]; ok {
			return v
		}
		return m
	})
}

// Operations returns the operations installing comp. scriptPath is the local copy
// of the component script, or "" when it has none.
func (h *Host) Operations(ctx context.Context, comp *component.Component, scriptPath string) ([]*operation.Operation, error) {
	if scriptPath == "" {
		ops := make([]*operation.Operation, 0, len(comp.Archives))
		for _, a := range comp.Archives {
			ops = append(ops, h.defaultArchiveOperation(comp, a.Name))
		}
		return ops, nil
	}

	code, err := os.ReadFile(scriptPath)
	if err != nil {
		return nil, &Error{Component: comp.ID, Hook: "load", Detail: err.Error(), Cause: err}
	}

	L := config.NewSandbox(ctx)
	defer L.Close()

	platform.InjectPlatformTable(L, h.info)
	h.injectInstaller(L, comp)

	if err := L.DoString(string(code)); err != nil {
		return nil, &Error{Component: comp.ID, Hook: "load", Detail: err.Error(), Cause: err}
	}

	var ops []*operation.Operation
	obj := h.componentObject(L, comp, &ops)

	for _, hook := range []string{HookConstructor, HookCreateOperations} {
		if _, err := h.call(ctx, L, comp, hook, obj); err != nil {
			return nil, err
		}
	}

	for _, a := range comp.Archives {
		called, err := h.call(ctx, L, comp, HookCreateOperationsForArchive, obj, lua.LString(a.Name))
		if err != nil {
			return nil, err
		}
		if !called {
			ops = append(ops, h.defaultArchiveOperation(comp, a.Name))
		}
	}

	h.logger.Debug("component script evaluated", "component", comp.ID, "operations", len(ops))
	return ops, nil
}

// call invokes a global hook if the script defines it.
func (h *Host) call(ctx context.Context, L *lua.LState, comp *component.Component, hook string, args ...lua.LValue) (bool, error) {
	fn, ok := L.GetGlobal(hook).(*lua.LFunction)
	if !ok {
		return false, nil
	}
	h.logger.Debug("running script hook", "component", comp.ID, "hook", hook)

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, args...); err != nil {
		if ctx.Err() != nil {
			return true, &Error{Component: comp.ID, Hook: hook, Detail: "canceled", Cause: ctx.Err()}
		}
		return true, &Error{Component: comp.ID, Hook: hook, Detail: err.Error(), Cause: err}
	}
	return true, nil
}

func (h *Host) defaultArchiveOperation(comp *component.Component, archive string) *operation.Operation {
	op := operation.New(operation.KindExtract, archive, h.Expand("@"+ValueTargetDir+"@"))
	op.Component = comp.ID
	return op
}
