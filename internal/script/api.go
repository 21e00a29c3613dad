package script

import (
	lua "github.com/yuin/gopher-lua"

	"github.com/ZebulonRouseFrantzich/setupkit/internal/component"
	"github.com/ZebulonRouseFrantzich/setupkit/internal/operation"
	"github.com/ZebulonRouseFrantzich/setupkit/internal/platform"
)

func (h *Host) injectInstaller(L *lua.LState, comp *component.Component) {
	t := L.NewTable()
	L.SetField(t, "apiVersion", lua.LNumber(APIVersion))
	L.SetField(t, "platform", L.GetGlobal("platform"))

	L.SetField(t, "value", L.NewFunction(func(L *lua.LState) int {
		key := L.CheckString(1)
		if v, ok := h.values[key]; ok {
			L.Push(lua.LString(v))
		} else if L.GetTop() >= 2 {
			L.Push(L.Get(2))
		} else {
			L.Push(lua.LNil)
		}
		return 1
	}))

	L.SetField(t, "setValue", L.NewFunction(func(L *lua.LState) int {
		key := L.CheckString(1)
		h.values[key] = L.ToStringMeta(L.CheckAny(2)).String()
		return 0
	}))

	L.SetField(t, "log", L.NewFunction(func(L *lua.LState) int {
		h.logger.Info(L.ToStringMeta(L.CheckAny(1)).String(), "component", comp.ID)
		return 0
	}))

	L.SetGlobal("installer", platform.ReadOnly(L, t, "installer"))
}

// componentObject builds the table passed to every hook. Added operations are
// appended to ops.
func (h *Host) componentObject(L *lua.LState, comp *component.Component, ops *[]*operation.Operation) *lua.LTable {
	obj := L.NewTable()
	L.SetField(obj, "name", lua.LString(comp.ID))
	L.SetField(obj, "version", lua.LString(comp.Version))

	archives := L.NewTable()
	for _, a := range comp.Archives {
		archives.Append(lua.LString(a.Name))
	}
	L.SetField(obj, "archives", archives)

	add := func(elevated bool) lua.LGFunction {
		return func(L *lua.LState) int {
			first := 1
			// Accept both component.addOperation(...) and component:addOperation(...).
			if self, ok := L.Get(1).(*lua.LTable); ok && self == obj {
				first = 2
			}
			kind := operation.Kind(L.CheckString(first))

			var args []string
			for i := first + 1; i <= L.GetTop(); i++ {
				args = append(args, h.Expand(L.ToStringMeta(L.Get(i)).String()))
			}

			op := operation.New(kind, args...)
			op.Component = comp.ID
			op.Elevated = elevated
			if err := h.registry.Validate(op); err != nil {
				L.RaiseError("%s", err.Error())
				return 0
			}
			*ops = append(*ops, op)
			return 0
		}
	}
	L.SetField(obj, "addOperation", L.NewFunction(add(false)))
	L.SetField(obj, "addElevatedOperation", L.NewFunction(add(true)))

	return obj
}
