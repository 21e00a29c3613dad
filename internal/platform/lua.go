package platform

import (
	lua "github.com/yuin/gopher-lua"
)

// InjectPlatformTable sets the global "platform" to a read-only description of info.
// Call it before running configuration or script code.
func InjectPlatformTable(L *lua.LState, info *Info) {
	t := L.NewTable()

	L.SetField(t, "os", lua.LString(info.OS))
	L.SetField(t, "arch", lua.LString(info.Arch))
	L.SetField(t, "arch_raw", lua.LString(info.ArchRaw))
	L.SetField(t, "triple", lua.LString(info.Triple()))
	L.SetField(t, "version", lua.LString(info.Version))
	L.SetField(t, "kernel", lua.LString(info.Kernel))
	L.SetField(t, "hostname", lua.LString(info.Hostname))

	L.SetField(t, "is_linux", lua.LBool(info.IsLinux()))
	L.SetField(t, "is_macos", lua.LBool(info.IsMacOS()))
	L.SetField(t, "is_windows", lua.LBool(info.IsWindows()))

	if info.IsLinux() && info.Platform != "" {
		distro := L.NewTable()
		L.SetField(distro, "id", lua.LString(info.Platform))
		L.SetField(distro, "family", lua.LString(info.Family))
		L.SetField(distro, "version", lua.LString(info.Version))
		L.SetField(t, "distro", ReadOnly(L, distro, "platform.distro"))
	}

	// in_family("debian") is true on Debian-derived Linux hosts.
	L.SetField(t, "in_family", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LBool(info.InFamily(L.CheckString(1))))
		return 1
	}))

	// when(cond, value) returns value if cond holds, nil otherwise.
	L.SetField(t, "when", L.NewFunction(func(L *lua.LState) int {
		if L.CheckBool(1) {
			L.Push(L.Get(2))
		} else {
			L.Push(lua.LNil)
		}
		return 1
	}))

	L.SetGlobal("platform", ReadOnly(L, t, "platform"))
}

// ReadOnly returns a proxy for table that raises an error on any assignment.
func ReadOnly(L *lua.LState, table *lua.LTable, name string) *lua.LTable {
	mt := L.NewTable()
	L.SetField(mt, "__index", table)
	L.SetField(mt, "__newindex", L.NewFunction(func(L *lua.LState) int {
		L.RaiseError("%s is read-only", name)
		return 0
	}))
	L.SetField(mt, "__metatable", lua.LString("protected"))

	proxy := L.NewTable()
	L.SetMetatable(proxy, mt)
	return proxy
}
