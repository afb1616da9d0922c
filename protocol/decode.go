package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// ErrIncomplete reports that a buffer does not yet hold a complete RESP
// value. It is not a protocol violation: the caller should read more
// bytes and retry with the same buffer position.
var ErrIncomplete = errors.New("resp: incomplete value")

// ParseError reports bytes that can never decode to a valid RESP value,
// no matter how many more bytes arrive.
type ParseError struct {
	Message string
}

func (e *ParseError) Error() string {
	return "resp: " + e.Message
}

func parseErrorf(format string, args ...interface{}) error {
	return &ParseError{Message: fmt.Sprintf(format, args...)}
}

// Decode parses the first complete RESP value in data and returns it
// together with the number of bytes it occupied.
//
// If data holds only a prefix of a value, Decode returns ErrIncomplete
// and consumes nothing; the caller accumulates more bytes and retries
// from the same position. If data cannot become a valid value, Decode
// returns a *ParseError and consumes nothing. Bytes after the first
// complete value are ignored and left for the next call.
//
// The returned Value owns its payload; it never aliases data.
func Decode(data []byte) (Value, int, error) {
	v, n, err := decodeValue(data)
	if err != nil {
		return Value{}, 0, err
	}
	return v, n, nil
}

func decodeValue(data []byte) (Value, int, error) {
	if len(data) == 0 {
		return Value{}, 0, ErrIncomplete
	}

	switch ValueType(data[0]) {
	case TypeSimpleString, TypeError:
		return decodeLineValue(data)
	case TypeInteger:
		return decodeInteger(data)
	case TypeBulkString:
		return decodeBulkString(data)
	case TypeArray:
		return decodeArray(data)
	default:
		return Value{}, 0, parseErrorf("unknown type tag %q", data[0])
	}
}

// decodeLine locates the CRLF-terminated line that starts after the type
// tag at data[0]. It returns the line payload (tag excluded) and the
// total encoded length including tag and terminator. A '\r' as the last
// available byte means the '\n' may still arrive; a '\r' followed by
// anything else can never become valid.
func decodeLine(data []byte) ([]byte, int, error) {
	i := bytes.IndexByte(data, '\r')
	if i < 0 {
		return nil, 0, ErrIncomplete
	}
	if i+1 >= len(data) {
		return nil, 0, ErrIncomplete
	}
	if data[i+1] != '\n' {
		return nil, 0, parseErrorf("line terminator \\r not followed by \\n")
	}
	return data[1:i], i + 2, nil
}

func decodeLineValue(data []byte) (Value, int, error) {
	line, n, err := decodeLine(data)
	if err != nil {
		return Value{}, 0, err
	}
	return Value{Type: ValueType(data[0]), Data: copyBytes(line)}, n, nil
}

func decodeInteger(data []byte) (Value, int, error) {
	line, n, err := decodeLine(data)
	if err != nil {
		return Value{}, 0, err
	}
	integer, err := parseInt64(line)
	if err != nil {
		return Value{}, 0, parseErrorf("invalid integer %q", line)
	}
	return Value{Type: TypeInteger, Integer: integer}, n, nil
}

func decodeBulkString(data []byte) (Value, int, error) {
	line, n, err := decodeLine(data)
	if err != nil {
		return Value{}, 0, err
	}
	length, err := parseInt64(line)
	if err != nil {
		return Value{}, 0, parseErrorf("invalid bulk string length %q", line)
	}
	if length == -1 {
		return Value{Type: TypeBulkString, IsNull: true}, n, nil
	}
	if length < 0 || length > maxBulkSize {
		return Value{}, 0, parseErrorf("invalid bulk string length %d", length)
	}

	end := n + int(length)
	if len(data) < end+1 {
		return Value{}, 0, ErrIncomplete
	}
	if data[end] != '\r' {
		return Value{}, 0, parseErrorf("bulk string payload not terminated by CRLF")
	}
	if len(data) < end+2 {
		return Value{}, 0, ErrIncomplete
	}
	if data[end+1] != '\n' {
		return Value{}, 0, parseErrorf("bulk string payload not terminated by CRLF")
	}

	return Value{Type: TypeBulkString, Data: copyBytes(data[n:end])}, end + 2, nil
}

func decodeArray(data []byte) (Value, int, error) {
	line, n, err := decodeLine(data)
	if err != nil {
		return Value{}, 0, err
	}
	length, err := parseInt64(line)
	if err != nil {
		return Value{}, 0, parseErrorf("invalid array length %q", line)
	}
	if length == -1 {
		return Value{Type: TypeArray, IsNull: true}, n, nil
	}
	if length < 0 || length > maxArraySize {
		return Value{}, 0, parseErrorf("invalid array length %d", length)
	}

	array := make([]Value, 0, length)
	total := n
	for i := int64(0); i < length; i++ {
		elem, consumed, err := decodeValue(data[total:])
		if err != nil {
			return Value{}, 0, err
		}
		array = append(array, elem)
		total += consumed
	}

	return Value{Type: TypeArray, Array: array}, total, nil
}

func copyBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// parseInt64 parses a base-10 signed integer from a byte slice without
// allocation
func parseInt64(b []byte) (int64, error) {
	if len(b) == 0 {
		return 0, strconv.ErrSyntax
	}

	var neg bool
	var i int

	switch b[0] {
	case '-':
		neg = true
		i = 1
	case '+':
		i = 1
	}

	if i >= len(b) {
		return 0, strconv.ErrSyntax
	}

	var n int64
	for ; i < len(b); i++ {
		if b[i] < '0' || b[i] > '9' {
			return 0, strconv.ErrSyntax
		}

		// Check for overflow
		if n > (1<<63-1)/10 {
			return 0, strconv.ErrRange
		}

		n = n*10 + int64(b[i]-'0')
	}

	if neg {
		return -n, nil
	}
	return n, nil
}
