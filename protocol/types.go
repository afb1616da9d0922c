package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// ValueType represents the type tag of a RESP value
type ValueType byte

const (
	// RESP v2 value types
	TypeSimpleString ValueType = '+'
	TypeError        ValueType = '-'
	TypeInteger      ValueType = ':'
	TypeBulkString   ValueType = '$'
	TypeArray        ValueType = '*'
)

// Value represents a decoded RESP value.
//
// A Value is a tagged union over the five RESP v2 reply kinds. Arrays
// nest arbitrarily (stream replies are arrays of arrays). Null bulk
// strings ($-1) and null arrays (*-1) carry IsNull. Values returned by
// Decode and Reader own their byte payloads and never alias the input
// buffer.
type Value struct {
	Type    ValueType
	Data    []byte
	Integer int64
	Array   []Value
	IsNull  bool
}

// String returns a human-readable representation of the value
func (v Value) String() string {
	switch v.Type {
	case TypeSimpleString:
		return string(v.Data)
	case TypeError:
		return string(v.Data)
	case TypeInteger:
		return strconv.FormatInt(v.Integer, 10)
	case TypeBulkString:
		if v.IsNull {
			return "(nil)"
		}
		return string(v.Data)
	case TypeArray:
		if v.IsNull {
			return "(nil)"
		}
		parts := make([]string, len(v.Array))
		for i, item := range v.Array {
			parts[i] = item.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return fmt.Sprintf("unknown type %c", v.Type)
	}
}

// Bytes returns the raw byte payload of the value
func (v Value) Bytes() []byte {
	return v.Data
}

// IsError returns true if this is an error value
func (v Value) IsError() bool {
	return v.Type == TypeError
}

// typeName names the value kind for conversion error messages
func (v Value) typeName() string {
	switch v.Type {
	case TypeSimpleString:
		return "simple string"
	case TypeError:
		return "error"
	case TypeInteger:
		return "integer"
	case TypeBulkString:
		if v.IsNull {
			return "nil bulk string"
		}
		return "bulk string"
	case TypeArray:
		if v.IsNull {
			return "nil array"
		}
		return "array"
	default:
		return fmt.Sprintf("unknown(%c)", v.Type)
	}
}

// ConversionError reports a decoded value that could not be converted to
// the native type requested by the caller. It is local to the conversion
// call and does not affect connection state.
type ConversionError struct {
	From string // kind of the source value
	To   string // requested native type
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("resp: cannot convert %s to %s", e.From, e.To)
}

func convErr(v Value, to string) error {
	return &ConversionError{From: v.typeName(), To: to}
}

// Text converts the value to a string. Simple strings and non-null bulk
// strings convert; everything else fails with a ConversionError.
func (v Value) Text() (string, error) {
	switch v.Type {
	case TypeSimpleString:
		return string(v.Data), nil
	case TypeBulkString:
		if v.IsNull {
			return "", convErr(v, "string")
		}
		return string(v.Data), nil
	default:
		return "", convErr(v, "string")
	}
}

// Int64 converts the value to an int64. Integer replies convert directly;
// non-null bulk strings are parsed as base-10 integers.
func (v Value) Int64() (int64, error) {
	switch v.Type {
	case TypeInteger:
		return v.Integer, nil
	case TypeBulkString:
		if v.IsNull {
			return 0, convErr(v, "int64")
		}
		n, err := parseInt64(v.Data)
		if err != nil {
			return 0, convErr(v, "int64")
		}
		return n, nil
	default:
		return 0, convErr(v, "int64")
	}
}

// Float64 converts the value to a float64. Integer replies convert
// directly; non-null bulk strings are parsed as decimal numbers.
func (v Value) Float64() (float64, error) {
	switch v.Type {
	case TypeInteger:
		return float64(v.Integer), nil
	case TypeBulkString:
		if v.IsNull {
			return 0, convErr(v, "float64")
		}
		f, err := strconv.ParseFloat(string(v.Data), 64)
		if err != nil {
			return 0, convErr(v, "float64")
		}
		return f, nil
	default:
		return 0, convErr(v, "float64")
	}
}

// Slice returns the elements of a non-null array value
func (v Value) Slice() ([]Value, error) {
	if v.Type != TypeArray || v.IsNull {
		return nil, convErr(v, "slice")
	}
	return v.Array, nil
}

// Strings converts a non-null array of string-convertible elements to a
// []string
func (v Value) Strings() ([]string, error) {
	elems, err := v.Slice()
	if err != nil {
		return nil, convErr(v, "[]string")
	}
	out := make([]string, len(elems))
	for i, e := range elems {
		s, err := e.Text()
		if err != nil {
			return nil, convErr(e, "[]string element")
		}
		out[i] = s
	}
	return out, nil
}

// StringMap converts an even-length array of alternating keys and values
// to a map
func (v Value) StringMap() (map[string]string, error) {
	elems, err := v.Slice()
	if err != nil {
		return nil, convErr(v, "map[string]string")
	}
	if len(elems)%2 != 0 {
		return nil, convErr(v, "map[string]string")
	}
	out := make(map[string]string, len(elems)/2)
	for i := 0; i < len(elems); i += 2 {
		k, err := elems[i].Text()
		if err != nil {
			return nil, convErr(elems[i], "map key")
		}
		val, err := elems[i+1].Text()
		if err != nil {
			return nil, convErr(elems[i+1], "map value")
		}
		out[k] = val
	}
	return out, nil
}

// Command represents a client request parsed from a RESP array of bulk
// strings. It is the server-side view of a request frame.
type Command struct {
	Name string
	Args [][]byte
}

// ParseCommand parses a RESP array value into a Command
func ParseCommand(v Value) (*Command, error) {
	if v.Type != TypeArray || v.IsNull || len(v.Array) == 0 {
		return nil, fmt.Errorf("invalid command format")
	}

	cmd := &Command{
		Args: make([][]byte, len(v.Array)-1),
	}

	// First element is the command name
	if v.Array[0].Type != TypeBulkString {
		return nil, fmt.Errorf("command name must be bulk string")
	}
	cmd.Name = strings.ToUpper(string(v.Array[0].Data))

	// Remaining elements are arguments
	for i := 1; i < len(v.Array); i++ {
		if v.Array[i].Type != TypeBulkString {
			return nil, fmt.Errorf("command arguments must be bulk strings")
		}
		cmd.Args[i-1] = v.Array[i].Data
	}

	return cmd, nil
}

// String returns a string representation of the command
func (c *Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	args := make([]string, len(c.Args))
	for i, arg := range c.Args {
		args[i] = string(arg)
	}
	return c.Name + " " + strings.Join(args, " ")
}
