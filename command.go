package redisclient

import (
	"fmt"
	"strconv"
	"strings"
)

// Argument lets custom types control their own wire encoding. Types
// implementing it are encoded with RedisArg; everything else goes
// through the built-in conversions in Arg.
type Argument interface {
	RedisArg() []byte
}

// Command is a request under construction: a command name plus encoded
// arguments. Building never fails; every supported Go type has exactly
// one wire form.
//
// Example:
//
//	cmd := redisclient.NewCommand("SET", "greeting", "hello")
//	cmd = redisclient.NewCommand("EXPIRE", "greeting", 60)
type Command struct {
	name string
	args [][]byte
}

// NewCommand starts a command with the given name and converts any
// initial arguments. The name is uppercased on the wire by convention
// but sent as given.
func NewCommand(name string, args ...interface{}) *Command {
	cmd := &Command{name: name, args: make([][]byte, 0, len(args))}
	return cmd.Args(args...)
}

// Name returns the command name
func (c *Command) Name() string {
	return c.name
}

// Arg appends one argument, converting it to its wire form
func (c *Command) Arg(v interface{}) *Command {
	c.args = append(c.args, encodeArg(v))
	return c
}

// Args appends several arguments in order
func (c *Command) Args(vs ...interface{}) *Command {
	for _, v := range vs {
		c.args = append(c.args, encodeArg(v))
	}
	return c
}

// ArgCount returns the number of arguments added so far, excluding the
// command name
func (c *Command) ArgCount() int {
	return len(c.args)
}

// String renders the command for logs, truncating long argument lists
func (c *Command) String() string {
	var sb strings.Builder
	sb.WriteString(c.name)
	for i, arg := range c.args {
		if i >= 8 {
			fmt.Fprintf(&sb, " ... (%d args)", len(c.args))
			break
		}
		sb.WriteByte(' ')
		sb.Write(arg)
	}
	return sb.String()
}

// encodeArg converts a Go value to its argument bytes. Integers and
// floats use their decimal form, booleans become "1"/"0" to match what
// the server stores, and unknown types fall back to fmt.Sprint.
func encodeArg(v interface{}) []byte {
	switch arg := v.(type) {
	case Argument:
		return arg.RedisArg()
	case string:
		return []byte(arg)
	case []byte:
		return arg
	case int:
		return strconv.AppendInt(nil, int64(arg), 10)
	case int8:
		return strconv.AppendInt(nil, int64(arg), 10)
	case int16:
		return strconv.AppendInt(nil, int64(arg), 10)
	case int32:
		return strconv.AppendInt(nil, int64(arg), 10)
	case int64:
		return strconv.AppendInt(nil, arg, 10)
	case uint:
		return strconv.AppendUint(nil, uint64(arg), 10)
	case uint8:
		return strconv.AppendUint(nil, uint64(arg), 10)
	case uint16:
		return strconv.AppendUint(nil, uint64(arg), 10)
	case uint32:
		return strconv.AppendUint(nil, uint64(arg), 10)
	case uint64:
		return strconv.AppendUint(nil, arg, 10)
	case float32:
		return strconv.AppendFloat(nil, float64(arg), 'f', -1, 32)
	case float64:
		return strconv.AppendFloat(nil, arg, 'f', -1, 64)
	case bool:
		if arg {
			return []byte("1")
		}
		return []byte("0")
	case nil:
		return []byte{}
	case fmt.Stringer:
		return []byte(arg.String())
	default:
		return []byte(fmt.Sprint(arg))
	}
}
