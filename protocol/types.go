package protocol

import (
	"strconv"
	"strings"
)

// Kind identifies one of the five reply shapes by its wire discriminator
type Kind byte

const (
	KindStatus    Kind = '+'
	KindError     Kind = '-'
	KindInteger   Kind = ':'
	KindBulk      Kind = '$'
	KindMultiBulk Kind = '*'
)

// String returns the human readable name of the kind
func (k Kind) String() string {
	switch k {
	case KindStatus:
		return "status"
	case KindError:
		return "error"
	case KindInteger:
		return "integer"
	case KindBulk:
		return "bulk"
	case KindMultiBulk:
		return "multi-bulk"
	default:
		return "unknown(" + strconv.Itoa(int(k)) + ")"
	}
}

// Reply is one decoded server reply.
//
// Status and Error replies carry their line in Str, Integer replies carry
// Int, Bulk replies carry Bulk (Null for the protocol null `$-1`), and
// MultiBulk replies carry Elems (Null for `*-1`).
type Reply struct {
	Kind  Kind
	Str   string
	Int   int64
	Bulk  []byte
	Null  bool
	Elems []Reply
}

// Status builds a status reply
func Status(s string) Reply { return Reply{Kind: KindStatus, Str: s} }

// Error builds an error reply
func Error(s string) Reply { return Reply{Kind: KindError, Str: s} }

// Integer builds an integer reply
func Integer(n int64) Reply { return Reply{Kind: KindInteger, Int: n} }

// Bulk builds a bulk reply. A nil slice is still a zero-length bulk, use
// NullBulk for the protocol null.
func Bulk(b []byte) Reply {
	if b == nil {
		b = []byte{}
	}
	return Reply{Kind: KindBulk, Bulk: b}
}

// BulkString builds a bulk reply from a string
func BulkString(s string) Reply { return Bulk([]byte(s)) }

// NullBulk builds the `$-1` null reply
func NullBulk() Reply { return Reply{Kind: KindBulk, Null: true} }

// MultiBulk builds a multi-bulk reply
func MultiBulk(elems ...Reply) Reply {
	if elems == nil {
		elems = []Reply{}
	}
	return Reply{Kind: KindMultiBulk, Elems: elems}
}

// NullMultiBulk builds the `*-1` null reply
func NullMultiBulk() Reply { return Reply{Kind: KindMultiBulk, Null: true} }

// IsError reports whether the reply is an error reply
func (r Reply) IsError() bool {
	return r.Kind == KindError
}

// Err converts an error reply into a *RemoteError, nil for any other kind
func (r Reply) Err() error {
	if r.Kind != KindError {
		return nil
	}
	return NewRemoteError(r.Str)
}

// Text returns the textual payload of status, error, integer and bulk replies
func (r Reply) Text() string {
	switch r.Kind {
	case KindStatus, KindError:
		return r.Str
	case KindInteger:
		return strconv.FormatInt(r.Int, 10)
	case KindBulk:
		return string(r.Bulk)
	default:
		return ""
	}
}

// Strings flattens a multi-bulk reply into its element texts
func (r Reply) Strings() []string {
	if r.Kind != KindMultiBulk || r.Null {
		return nil
	}
	out := make([]string, len(r.Elems))
	for i, e := range r.Elems {
		out[i] = e.Text()
	}
	return out
}

// StringMap interprets a flat multi-bulk reply of alternating field/value
// pairs as a map, the shape SENTINEL queries answer with.
func (r Reply) StringMap() map[string]string {
	if r.Kind != KindMultiBulk || r.Null {
		return nil
	}
	m := make(map[string]string, len(r.Elems)/2)
	for i := 0; i+1 < len(r.Elems); i += 2 {
		m[r.Elems[i].Text()] = r.Elems[i+1].Text()
	}
	return m
}

// Equal reports deep equality of two replies
func (r Reply) Equal(o Reply) bool {
	if r.Kind != o.Kind || r.Null != o.Null {
		return false
	}
	switch r.Kind {
	case KindStatus, KindError:
		return r.Str == o.Str
	case KindInteger:
		return r.Int == o.Int
	case KindBulk:
		return string(r.Bulk) == string(o.Bulk)
	case KindMultiBulk:
		if len(r.Elems) != len(o.Elems) {
			return false
		}
		for i := range r.Elems {
			if !r.Elems[i].Equal(o.Elems[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// String returns a redis-cli like rendering of the reply
func (r Reply) String() string {
	switch r.Kind {
	case KindStatus:
		return r.Str
	case KindError:
		return "(error) " + r.Str
	case KindInteger:
		return "(integer) " + strconv.FormatInt(r.Int, 10)
	case KindBulk:
		if r.Null {
			return "(nil)"
		}
		return strconv.Quote(string(r.Bulk))
	case KindMultiBulk:
		if r.Null {
			return "(nil)"
		}
		parts := make([]string, len(r.Elems))
		for i, e := range r.Elems {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return r.Kind.String()
	}
}

// Command is a request decoded on the server side
type Command struct {
	Name string
	Args [][]byte
}

// Arg returns argument i as a string, or "" when absent
func (c *Command) Arg(i int) string {
	if i < 0 || i >= len(c.Args) {
		return ""
	}
	return string(c.Args[i])
}

// String returns a representation of the command
func (c *Command) String() string {
	args := make([]string, len(c.Args))
	for i, arg := range c.Args {
		args[i] = string(arg)
	}
	return strings.TrimSpace(c.Name + " " + strings.Join(args, " "))
}
