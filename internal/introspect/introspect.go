// Package introspect implements the Module Introspector: it proves a
// plugin source file is loadable in the embedded Lua runtime and exposes
// the required symbols, before the supervisor will ever register it.
//
// Plugin execution itself never happens through this package — only through
// the isolated child process driven by internal/childproc. This package
// exists solely to validate and read metadata ahead of registration.
package introspect

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// interpMu stands in for the embedded interpreter's global interpreter
// lock: gopher-lua states are not safe for concurrent use, so every
// validation or constant read acquires this lock for its duration and
// releases it before returning: Validate/ReadConstants may be invoked
// concurrently from distinct host goroutines, and this lock serializes them.
var interpMu sync.Mutex

// Error is the hard-failure error Validate returns; it carries the module
// name and the underlying cause so callers (the supervisor) can format a
// message identifying which plugin failed to load and why.
type Error struct {
	Module string
	Cause  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("introspect: module %q: %v", e.Module, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Constants holds the best-effort optional metadata extracted from a
// plugin's top-level string globals.
type Constants struct {
	Name        string
	HasName     bool
	Description string
	HasDesc     bool
	Trigger     string
	HasTrigger  bool
}

// Validate imports the Lua module at sourcePath and checks that it exposes
// a callable PluginImpl and a callable PluginImpl.run. Missing optional
// constants produce warnings, not errors. A hard failure (import failure,
// missing/non-callable PluginImpl or run) returns *Error.
func Validate(sourcePath string) (warnings []string, err error) {
	interpMu.Lock()
	defer interpMu.Unlock()

	moduleName := moduleNameFor(sourcePath)

	L := lua.NewState()
	defer L.Close()
	L.OpenLibs()

	if impErr := importModule(L, sourcePath); impErr != nil {
		return nil, &Error{Module: moduleName, Cause: impErr}
	}

	impl := L.GetGlobal("PluginImpl")
	if !isCallableClass(impl) {
		return nil, &Error{Module: moduleName, Cause: fmt.Errorf("PluginImpl is missing or not callable")}
	}
	implTable := impl.(*lua.LTable)

	runField := implTable.RawGetString("run")
	if runField.Type() != lua.LTFunction {
		return nil, &Error{Module: moduleName, Cause: fmt.Errorf("PluginImpl.run is missing or not callable")}
	}

	for _, name := range []string{"PLUGIN_NAME", "PLUGIN_DESCRIPTION", "PLUGIN_TRIGGER"} {
		if v := L.GetGlobal(name); v.Type() == lua.LTNil {
			warnings = append(warnings, fmt.Sprintf("optional constant %s is not defined", name))
		}
	}

	return warnings, nil
}

// ReadConstants best-effort extracts PLUGIN_NAME, PLUGIN_DESCRIPTION and
// PLUGIN_TRIGGER. A constant that is missing or not a string yields an
// absent value for that field rather than an error; ReadConstants itself
// only errors if the module cannot be imported at all.
func ReadConstants(sourcePath string) (Constants, error) {
	interpMu.Lock()
	defer interpMu.Unlock()

	var c Constants

	L := lua.NewState()
	defer L.Close()
	L.OpenLibs()

	if err := importModule(L, sourcePath); err != nil {
		return c, &Error{Module: moduleNameFor(sourcePath), Cause: err}
	}

	if v := L.GetGlobal("PLUGIN_NAME"); v.Type() == lua.LTString {
		c.Name = v.String()
		c.HasName = true
	}
	if v := L.GetGlobal("PLUGIN_DESCRIPTION"); v.Type() == lua.LTString {
		c.Description = v.String()
		c.HasDesc = true
	}
	if v := L.GetGlobal("PLUGIN_TRIGGER"); v.Type() == lua.LTString {
		c.Trigger = v.String()
		c.HasTrigger = true
	}

	return c, nil
}

// isCallableClass reports whether v is the Lua table representation of a
// plugin class: a table exposing a callable "new" field, or one with a
// __call metamethod acting as a factory. Any value that is not a table,
// including a bare Lua function, is rejected.
func isCallableClass(v lua.LValue) bool {
	tbl, ok := v.(*lua.LTable)
	if !ok {
		return false
	}
	if tbl.RawGetString("new").Type() == lua.LTFunction {
		return true
	}
	if mt, ok := tbl.Metatable.(*lua.LTable); ok {
		if mt.RawGetString("__call").Type() == lua.LTFunction {
			return true
		}
	}
	return false
}

// moduleNameFor derives the Lua module name (file stem) from a source path.
func moduleNameFor(sourcePath string) string {
	base := filepath.Base(sourcePath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// importModule prepends sourcePath's directory to package.path and requires
// the module by name, so PluginImpl and the optional constants end up as
// globals on L exactly as a plugin author would write them.
func importModule(L *lua.LState, sourcePath string) error {
	dir := filepath.Dir(sourcePath)

	pkg, ok := L.GetGlobal("package").(*lua.LTable)
	if !ok {
		return fmt.Errorf("lua package table unavailable")
	}
	current := pkg.RawGetString("path").String()
	pkg.RawSetString("path", lua.LString(filepath.Join(dir, "?.lua")+";"+current))

	requireFn := L.GetGlobal("require")
	if requireFn.Type() != lua.LTFunction {
		return fmt.Errorf("lua require function unavailable")
	}

	if err := L.CallByParam(lua.P{
		Fn:      requireFn,
		NRet:    1,
		Protect: true,
	}, lua.LString(moduleNameFor(sourcePath))); err != nil {
		return fmt.Errorf("import failed: %w", err)
	}
	L.Pop(1)
	return nil
}
