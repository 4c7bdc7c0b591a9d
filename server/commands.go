package server

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/raniellyferreira/redis-failover/lua"
	"github.com/raniellyferreira/redis-failover/protocol"
)

var writeCommands = map[string]bool{
	"SET": true, "SETNX": true, "GETSET": true, "APPEND": true,
	"INCR": true, "INCRBY": true, "DECR": true, "DECRBY": true,
	"DEL": true, "FLUSHDB": true, "FLUSHALL": true,
	"EVAL": true, "EVALSHA": true,
}

// executeDataCommand handles the keyspace commands of master and replica nodes
func (c *Client) executeDataCommand(cmd *protocol.Command) {
	if writeCommands[cmd.Name] && c.server.Role() == RoleReplica {
		c.writeError("READONLY You can't write against a read only replica.")
		return
	}

	switch cmd.Name {
	case "SELECT":
		c.handleSelect(cmd)
	case "GET":
		c.handleGet(cmd)
	case "SET":
		c.handleSet(cmd)
	case "SETNX":
		c.handleSetNX(cmd)
	case "GETSET":
		c.handleGetSet(cmd)
	case "APPEND":
		c.handleAppend(cmd)
	case "INCR", "DECR", "INCRBY", "DECRBY":
		c.handleIncr(cmd)
	case "DEL":
		c.handleDel(cmd)
	case "EXISTS":
		c.handleExists(cmd)
	case "KEYS":
		c.handleKeys(cmd)
	case "DBSIZE":
		c.writeInteger(c.server.storage.KeyCount(c.db))
	case "FLUSHDB":
		c.server.storage.FlushDB(c.db)
		c.writeOK()
	case "FLUSHALL":
		c.server.storage.FlushAll()
		c.writeOK()
	case "EVAL", "EVALSHA":
		c.handleEval(cmd)
	case "SCRIPT":
		c.handleScript(cmd)
	default:
		c.writeError(fmt.Sprintf("ERR unknown command '%s'", cmd.Name))
	}
}

func (c *Client) handleSelect(cmd *protocol.Command) {
	if len(cmd.Args) != 1 {
		c.writeError("ERR wrong number of arguments for 'select' command")
		return
	}

	db, err := strconv.Atoi(cmd.Arg(0))
	if err != nil {
		c.writeError("ERR value is not an integer or out of range")
		return
	}

	if db < 0 || db >= c.server.storage.Databases() {
		c.writeError("ERR DB index is out of range")
		return
	}

	c.db = db
	c.writeOK()
}

func (c *Client) handleGet(cmd *protocol.Command) {
	if len(cmd.Args) != 1 {
		c.writeError("ERR wrong number of arguments for 'get' command")
		return
	}

	value, exists := c.server.storage.Get(c.db, cmd.Arg(0))
	if !exists {
		c.writeNull()
		return
	}
	c.writeBulk(value)
}

func (c *Client) handleSet(cmd *protocol.Command) {
	if len(cmd.Args) < 2 {
		c.writeError("ERR wrong number of arguments for 'set' command")
		return
	}

	key, value := cmd.Arg(0), cmd.Args[1]
	var nx, xx bool
	// expiry options are accepted and ignored, keys never expire here
	for i := 2; i < len(cmd.Args); i++ {
		switch strings.ToUpper(cmd.Arg(i)) {
		case "NX":
			nx = true
		case "XX":
			xx = true
		case "EX", "PX", "EXAT", "PXAT":
			i++
		case "KEEPTTL":
		default:
			c.writeError("ERR syntax error")
			return
		}
	}

	st := c.server.storage
	switch {
	case nx:
		ok, err := st.SetNX(c.db, key, value)
		if err != nil {
			c.writeError("ERR " + err.Error())
			return
		}
		if !ok {
			c.writeNull()
			return
		}
	case xx:
		if st.Exists(c.db, key) == 0 {
			c.writeNull()
			return
		}
		fallthrough
	default:
		if err := st.Set(c.db, key, value); err != nil {
			c.writeError("ERR " + err.Error())
			return
		}
	}
	c.writeOK()
}

func (c *Client) handleSetNX(cmd *protocol.Command) {
	if len(cmd.Args) != 2 {
		c.writeError("ERR wrong number of arguments for 'setnx' command")
		return
	}
	ok, err := c.server.storage.SetNX(c.db, cmd.Arg(0), cmd.Args[1])
	if err != nil {
		c.writeError("ERR " + err.Error())
		return
	}
	if ok {
		c.writeInteger(1)
		return
	}
	c.writeInteger(0)
}

func (c *Client) handleGetSet(cmd *protocol.Command) {
	if len(cmd.Args) != 2 {
		c.writeError("ERR wrong number of arguments for 'getset' command")
		return
	}
	old, existed, err := c.server.storage.GetSet(c.db, cmd.Arg(0), cmd.Args[1])
	if err != nil {
		c.writeError("ERR " + err.Error())
		return
	}
	if !existed {
		c.writeNull()
		return
	}
	c.writeBulk(old)
}

func (c *Client) handleAppend(cmd *protocol.Command) {
	if len(cmd.Args) != 2 {
		c.writeError("ERR wrong number of arguments for 'append' command")
		return
	}
	n, err := c.server.storage.Append(c.db, cmd.Arg(0), cmd.Args[1])
	if err != nil {
		c.writeError("ERR " + err.Error())
		return
	}
	c.writeInteger(n)
}

func (c *Client) handleIncr(cmd *protocol.Command) {
	want := 1
	if cmd.Name == "INCRBY" || cmd.Name == "DECRBY" {
		want = 2
	}
	if len(cmd.Args) != want {
		c.writeError(fmt.Sprintf("ERR wrong number of arguments for '%s' command", strings.ToLower(cmd.Name)))
		return
	}

	delta := int64(1)
	if want == 2 {
		n, err := strconv.ParseInt(cmd.Arg(1), 10, 64)
		if err != nil {
			c.writeError("ERR value is not an integer or out of range")
			return
		}
		delta = n
	}
	if strings.HasPrefix(cmd.Name, "DECR") {
		delta = -delta
	}

	n, err := c.server.storage.IncrBy(c.db, cmd.Arg(0), delta)
	if err != nil {
		c.writeError("ERR " + err.Error())
		return
	}
	c.writeInteger(n)
}

func (c *Client) handleDel(cmd *protocol.Command) {
	if len(cmd.Args) == 0 {
		c.writeError("ERR wrong number of arguments for 'del' command")
		return
	}
	c.writeInteger(c.server.storage.Del(c.db, argStrings(cmd.Args)...))
}

func (c *Client) handleExists(cmd *protocol.Command) {
	if len(cmd.Args) == 0 {
		c.writeError("ERR wrong number of arguments for 'exists' command")
		return
	}
	c.writeInteger(c.server.storage.Exists(c.db, argStrings(cmd.Args)...))
}

func (c *Client) handleKeys(cmd *protocol.Command) {
	if len(cmd.Args) != 1 {
		c.writeError("ERR wrong number of arguments for 'keys' command")
		return
	}
	c.writeStrings(c.server.storage.Keys(c.db, cmd.Arg(0)))
}

func (c *Client) handleEval(cmd *protocol.Command) {
	if len(cmd.Args) < 2 {
		c.writeError(fmt.Sprintf("ERR wrong number of arguments for '%s' command", strings.ToLower(cmd.Name)))
		return
	}

	numKeys, err := strconv.Atoi(cmd.Arg(1))
	if err != nil {
		c.writeError("ERR value is not an integer or out of range")
		return
	}
	if numKeys < 0 || len(cmd.Args) < 2+numKeys {
		c.writeError("ERR Number of keys can't be negative or greater than number of args")
		return
	}

	keys := argStrings(cmd.Args[2 : 2+numKeys])
	args := argStrings(cmd.Args[2+numKeys:])

	var result protocol.Reply
	if cmd.Name == "EVALSHA" {
		result, err = c.server.lua.EvalSHA(c.db, cmd.Arg(0), keys, args)
	} else {
		result, err = c.server.lua.Eval(c.db, cmd.Arg(0), keys, args)
	}
	if errors.Is(err, lua.ErrNoScript) {
		c.writeError(err.Error())
		return
	}
	if err != nil {
		c.writeError("ERR " + err.Error())
		return
	}

	c.writeReply(result)
}

func (c *Client) handleScript(cmd *protocol.Command) {
	switch strings.ToUpper(cmd.Arg(0)) {
	case "LOAD":
		if len(cmd.Args) != 2 {
			c.writeError("ERR wrong number of arguments for 'script|load' command")
			return
		}
		c.writeBulk([]byte(c.server.lua.LoadScript(cmd.Arg(1))))
	case "EXISTS":
		if len(cmd.Args) < 2 {
			c.writeError("ERR wrong number of arguments for 'script|exists' command")
			return
		}
		results := c.server.lua.ScriptExists(argStrings(cmd.Args[1:]))
		elems := make([]protocol.Reply, len(results))
		for i, ok := range results {
			if ok {
				elems[i] = protocol.Integer(1)
			} else {
				elems[i] = protocol.Integer(0)
			}
		}
		c.writeReply(protocol.MultiBulk(elems...))
	case "FLUSH":
		c.server.lua.ScriptFlush()
		c.writeOK()
	default:
		c.writeError(fmt.Sprintf("ERR unknown subcommand '%s'", cmd.Arg(0)))
	}
}

func argStrings(args [][]byte) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = string(a)
	}
	return out
}
