// Package policy evaluates the Lua policy script that declares desired
// ACLs. The script runs at startup (and on demand) and its output is
// written into the versioned desired-state store, from where the
// reconciler pushes it to the device.
package policy

import (
	"fmt"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/dataplaned/dataplaned/internal/reconcile"
)

// Engine evaluates policy scripts. Each evaluation uses a fresh Lua state;
// policy scripts are declarative and keep no state between runs.
type Engine struct {
	path string
}

// New creates an engine for the given script path.
func New(path string) *Engine {
	return &Engine{path: path}
}

// Run evaluates the script file and returns the declared ACLs.
func (e *Engine) Run() (map[string]reconcile.DesiredACL, error) {
	L := lua.NewState()
	defer L.Close()

	c := &collector{acls: make(map[string]reconcile.DesiredACL)}
	registerModules(L, c)

	if err := L.DoFile(e.path); err != nil {
		return nil, fmt.Errorf("policy script %s: %w", e.path, err)
	}
	if c.err != nil {
		return nil, fmt.Errorf("policy script %s: %w", e.path, c.err)
	}

	log.Info().Str("script", e.path).Int("acls", len(c.acls)).Msg("Policy evaluated")
	return c.acls, nil
}

// RunSource evaluates an in-memory script. Used by tests.
func (e *Engine) RunSource(src string) (map[string]reconcile.DesiredACL, error) {
	L := lua.NewState()
	defer L.Close()

	c := &collector{acls: make(map[string]reconcile.DesiredACL)}
	registerModules(L, c)

	if err := L.DoString(src); err != nil {
		return nil, fmt.Errorf("policy script: %w", err)
	}
	if c.err != nil {
		return nil, fmt.Errorf("policy script: %w", c.err)
	}
	return c.acls, nil
}

// collector accumulates the script's declarations.
type collector struct {
	acls map[string]reconcile.DesiredACL
	err  error
}

func registerModules(L *lua.LState, c *collector) {
	L.PreloadModule("acl", aclLoader(c))
	L.PreloadModule("log", logLoader())
}

// aclLoader provides the `acl` module:
//
//	local acl = require("acl")
//	acl.define("uplink-guard", {
//	    { priority = 10, action = "permit", src = "10.0.0.0/8" },
//	    { priority = 20, action = "deny", src = "0.0.0.0/0",
//	      mac = "02:00:00:00:00:01", mask = "ff:ff:ff:ff:ff:ff" },
//	})
func aclLoader(c *collector) lua.LGFunction {
	return func(L *lua.LState) int {
		mod := L.NewTable()
		L.SetField(mod, "define", L.NewFunction(c.define))
		L.Push(mod)
		return 1
	}
}

func (c *collector) define(L *lua.LState) int {
	key := L.CheckString(1)
	rulesTable := L.CheckTable(2)

	if key == "" {
		c.fail(L, fmt.Errorf("acl.define: empty key"))
		return 0
	}
	if _, dup := c.acls[key]; dup {
		c.fail(L, fmt.Errorf("acl.define: duplicate key %q", key))
		return 0
	}

	var desired reconcile.DesiredACL
	var convErr error
	rulesTable.ForEach(func(_, value lua.LValue) {
		if convErr != nil {
			return
		}
		rt, ok := value.(*lua.LTable)
		if !ok {
			convErr = fmt.Errorf("acl.define %q: rule is not a table", key)
			return
		}
		rule, err := ruleFromTable(rt)
		if err != nil {
			convErr = fmt.Errorf("acl.define %q: %w", key, err)
			return
		}
		desired.Rules = append(desired.Rules, rule)
	})
	if convErr != nil {
		c.fail(L, convErr)
		return 0
	}

	c.acls[key] = desired
	return 0
}

func ruleFromTable(rt *lua.LTable) (reconcile.DesiredRule, error) {
	rule := reconcile.DesiredRule{
		Action:  stringField(rt, "action"),
		Src:     stringField(rt, "src"),
		Mac:     stringField(rt, "mac"),
		MacMask: stringField(rt, "mask"),
	}

	prio := rt.RawGetString("priority")
	n, ok := prio.(lua.LNumber)
	if !ok {
		return rule, fmt.Errorf("rule missing numeric priority")
	}
	rule.Priority = uint32(n)

	// Convert now so the script fails fast on malformed addresses instead
	// of poisoning the store.
	if _, err := rule.Rule(); err != nil {
		return rule, err
	}
	return rule, nil
}

func stringField(rt *lua.LTable, name string) string {
	if v, ok := rt.RawGetString(name).(lua.LString); ok {
		return string(v)
	}
	return ""
}

func (c *collector) fail(L *lua.LState, err error) {
	c.err = err
	L.RaiseError("%s", err.Error())
}

// logLoader provides the `log` module so scripts can emit structured logs.
func logLoader() lua.LGFunction {
	return func(L *lua.LState) int {
		mod := L.NewTable()
		L.SetField(mod, "debug", L.NewFunction(func(L *lua.LState) int {
			log.Debug().Str("source", "policy").Msg(L.CheckString(1))
			return 0
		}))
		L.SetField(mod, "info", L.NewFunction(func(L *lua.LState) int {
			log.Info().Str("source", "policy").Msg(L.CheckString(1))
			return 0
		}))
		L.SetField(mod, "warn", L.NewFunction(func(L *lua.LState) int {
			log.Warn().Str("source", "policy").Msg(L.CheckString(1))
			return 0
		}))
		L.Push(mod)
		return 1
	}
}
