package lua

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/raniellyferreira/redis-failover/protocol"
	"github.com/raniellyferreira/redis-failover/storage"
	lua "github.com/yuin/gopher-lua"
)

// ErrNoScript is returned by EvalSHA for an unknown digest
var ErrNoScript = errors.New("NOSCRIPT No matching script. Please use EVAL")

// Engine runs EVAL scripts against a storage.Storage. Each call gets a
// fresh interpreter and only the script cache is shared.
type Engine struct {
	storage storage.Storage

	mu      sync.RWMutex
	scripts map[string]string // sha1 hex -> body
}

// scriptCommand runs one redis.call inside a script
type scriptCommand func(db int, args []string) protocol.Reply

// NewEngine creates an engine bound to st
func NewEngine(st storage.Storage) *Engine {
	return &Engine{
		storage: st,
		scripts: make(map[string]string),
	}
}

// Eval runs script against database db. The script result is converted with
// the usual Lua to reply rules. A Lua runtime error is returned as error.
func (e *Engine) Eval(db int, script string, keys, args []string) (protocol.Reply, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	openSafeLibs(L)

	L.SetGlobal("KEYS", stringTable(L, keys))
	L.SetGlobal("ARGV", stringTable(L, args))
	L.SetGlobal("redis", e.redisModule(L, db))

	if err := L.DoString(script); err != nil {
		return protocol.Reply{}, fmt.Errorf("script execution error: %w", err)
	}
	if L.GetTop() == 0 {
		return protocol.NullBulk(), nil
	}
	return toReply(L.Get(-1)), nil
}

// EvalSHA runs a script cached by LoadScript
func (e *Engine) EvalSHA(db int, digest string, keys, args []string) (protocol.Reply, error) {
	e.mu.RLock()
	script, ok := e.scripts[strings.ToLower(digest)]
	e.mu.RUnlock()
	if !ok {
		return protocol.Reply{}, ErrNoScript
	}
	return e.Eval(db, script, keys, args)
}

// LoadScript caches script and returns its digest
func (e *Engine) LoadScript(script string) string {
	sum := sha1.Sum([]byte(script))
	digest := hex.EncodeToString(sum[:])

	e.mu.Lock()
	e.scripts[digest] = script
	e.mu.Unlock()
	return digest
}

// ScriptExists reports which digests are cached
func (e *Engine) ScriptExists(digests []string) []bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]bool, len(digests))
	for i, d := range digests {
		_, out[i] = e.scripts[strings.ToLower(d)]
	}
	return out
}

// ScriptFlush empties the cache
func (e *Engine) ScriptFlush() {
	e.mu.Lock()
	e.scripts = make(map[string]string)
	e.mu.Unlock()
}

func (e *Engine) redisModule(L *lua.LState, db int) *lua.LTable {
	mod := L.NewTable()
	L.SetFuncs(mod, map[string]lua.LGFunction{
		// call raises script errors, pcall hands them back as {err=...}
		"call": func(L *lua.LState) int {
			r := e.dispatch(L, db)
			if r.IsError() {
				L.RaiseError("%s", r.Str)
				return 0
			}
			L.Push(fromReply(L, r))
			return 1
		},
		"pcall": func(L *lua.LState) int {
			L.Push(fromReply(L, e.dispatch(L, db)))
			return 1
		},
		"status_reply": func(L *lua.LState) int {
			t := L.NewTable()
			t.RawSetString("ok", lua.LString(L.CheckString(1)))
			L.Push(t)
			return 1
		},
		"error_reply": func(L *lua.LState) int {
			t := L.NewTable()
			t.RawSetString("err", lua.LString(L.CheckString(1)))
			L.Push(t)
			return 1
		},
	})
	return mod
}

// dispatch reads the redis.call arguments off the stack and runs the command
func (e *Engine) dispatch(L *lua.LState, db int) protocol.Reply {
	n := L.GetTop()
	if n == 0 {
		return protocol.Error("ERR Please specify at least one argument for this redis lib call")
	}
	argv := make([]string, n)
	for i := range argv {
		v := L.Get(i + 1)
		switch v.Type() {
		case lua.LTString, lua.LTNumber:
			argv[i] = v.String()
		default:
			return protocol.Error("ERR Lua redis lib command arguments must be strings or integers")
		}
	}

	name := strings.ToUpper(argv[0])
	cmd, ok := e.command(name)
	if !ok {
		return protocol.Error(fmt.Sprintf("ERR unknown command '%s' called from script", argv[0]))
	}
	return cmd(db, argv[1:])
}

func (e *Engine) command(name string) (scriptCommand, bool) {
	st := e.storage
	arity := func(want int, exact bool, fn scriptCommand) scriptCommand {
		return func(db int, args []string) protocol.Reply {
			if len(args) < want || (exact && len(args) != want) {
				return protocol.Error(fmt.Sprintf("ERR wrong number of arguments for '%s' command", strings.ToLower(name)))
			}
			return fn(db, args)
		}
	}
	incr := func(db int, key string, delta int64) protocol.Reply {
		n, err := st.IncrBy(db, key, delta)
		if err != nil {
			return protocol.Error("ERR " + err.Error())
		}
		return protocol.Integer(n)
	}

	switch name {
	case "GET":
		return arity(1, true, func(db int, args []string) protocol.Reply {
			v, ok := st.Get(db, args[0])
			if !ok {
				return protocol.NullBulk()
			}
			return protocol.Bulk(v)
		}), true
	case "SET":
		return arity(2, false, func(db int, args []string) protocol.Reply {
			if err := st.Set(db, args[0], []byte(args[1])); err != nil {
				return protocol.Error("ERR " + err.Error())
			}
			return protocol.Status("OK")
		}), true
	case "INCR":
		return arity(1, true, func(db int, args []string) protocol.Reply {
			return incr(db, args[0], 1)
		}), true
	case "INCRBY":
		return arity(2, true, func(db int, args []string) protocol.Reply {
			delta, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return protocol.Error("ERR " + storage.ErrNotInteger.Error())
			}
			return incr(db, args[0], delta)
		}), true
	case "DEL":
		return arity(1, false, func(db int, args []string) protocol.Reply {
			return protocol.Integer(st.Del(db, args...))
		}), true
	case "EXISTS":
		return arity(1, false, func(db int, args []string) protocol.Reply {
			return protocol.Integer(st.Exists(db, args...))
		}), true
	}
	return nil, false
}

// fromReply converts a command reply into the value redis.call returns
func fromReply(L *lua.LState, r protocol.Reply) lua.LValue {
	switch r.Kind {
	case protocol.KindStatus:
		t := L.NewTable()
		t.RawSetString("ok", lua.LString(r.Str))
		return t
	case protocol.KindError:
		t := L.NewTable()
		t.RawSetString("err", lua.LString(r.Str))
		return t
	case protocol.KindInteger:
		return lua.LNumber(r.Int)
	case protocol.KindBulk:
		if r.Null {
			return lua.LFalse
		}
		return lua.LString(r.Bulk)
	case protocol.KindMultiBulk:
		if r.Null {
			return lua.LFalse
		}
		t := L.CreateTable(len(r.Elems), 0)
		for i, el := range r.Elems {
			t.RawSetInt(i+1, fromReply(L, el))
		}
		return t
	}
	return lua.LNil
}

// toReply converts a script result. Numbers are truncated to integers,
// false and nil become a null bulk, true becomes 1 and arrays stop at the
// first nil.
func toReply(v lua.LValue) protocol.Reply {
	switch v := v.(type) {
	case lua.LString:
		return protocol.BulkString(string(v))
	case lua.LNumber:
		return protocol.Integer(int64(v))
	case lua.LBool:
		if v {
			return protocol.Integer(1)
		}
		return protocol.NullBulk()
	case *lua.LTable:
		if msg, ok := v.RawGetString("err").(lua.LString); ok {
			return protocol.Error(string(msg))
		}
		if msg, ok := v.RawGetString("ok").(lua.LString); ok {
			return protocol.Status(string(msg))
		}
		var elems []protocol.Reply
		for i := 1; ; i++ {
			el := v.RawGetInt(i)
			if el == lua.LNil {
				break
			}
			elems = append(elems, toReply(el))
		}
		return protocol.MultiBulk(elems...)
	}
	return protocol.NullBulk()
}

func stringTable(L *lua.LState, items []string) *lua.LTable {
	t := L.CreateTable(len(items), 0)
	for i, s := range items {
		t.RawSetInt(i+1, lua.LString(s))
	}
	return t
}

// openSafeLibs opens the libraries scripts may use. os and io stay closed.
func openSafeLibs(L *lua.LState) {
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenPackage},
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
}
