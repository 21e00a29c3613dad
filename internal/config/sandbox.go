package config

import (
	"context"

	lua "github.com/yuin/gopher-lua"
)

const (
	sandboxCallStackSize = 256
	sandboxRegistrySize  = 64 * 1024
)

// sandboxLuaVM strips everything that reaches outside the VM: os, io, module
// loading and debug. string, table, math and the base functions stay.
func sandboxLuaVM(L *lua.LState) {
	for _, name := range []string{
		"os", "io", "debug",
		"require", "dofile", "loadfile", "load", "loadstring",
		"collectgarbage", "module",
	} {
		L.SetGlobal(name, lua.LNil)
	}
}

// NewSandbox creates a restricted Lua VM bound to ctx. The caller closes it.
func NewSandbox(ctx context.Context) *lua.LState {
	L := lua.NewState(lua.Options{
		CallStackSize:       sandboxCallStackSize,
		RegistrySize:        sandboxRegistrySize,
		IncludeGoStackTrace: false,
	})
	sandboxLuaVM(L)
	if ctx != nil {
		L.SetContext(ctx)
	}
	return L
}
