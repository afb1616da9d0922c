package protocol

import (
	"fmt"
	"strconv"
)

// AppendCommand appends the RESP encoding of a request to dst and returns
// the extended buffer. Requests are arrays of bulk strings: the command
// name first, then each argument. Length-prefixed framing makes the
// encoding binary-safe by construction; it cannot fail.
func AppendCommand(dst []byte, name string, args ...[]byte) []byte {
	dst = append(dst, byte(TypeArray))
	dst = strconv.AppendInt(dst, int64(1+len(args)), 10)
	dst = append(dst, CRLF...)
	dst = appendBulk(dst, []byte(name))
	for _, arg := range args {
		dst = appendBulk(dst, arg)
	}
	return dst
}

// EncodeCommand returns the RESP encoding of a request as a fresh buffer
func EncodeCommand(name string, args ...[]byte) []byte {
	return AppendCommand(nil, name, args...)
}

// AppendValue appends the RESP encoding of v to dst and returns the
// extended buffer. Any value produced by Decode re-encodes to the exact
// bytes it was decoded from. AppendValue panics on a Value with an
// unknown type tag; that is a programming error, not an input condition.
func AppendValue(dst []byte, v Value) []byte {
	switch v.Type {
	case TypeSimpleString:
		dst = append(dst, byte(TypeSimpleString))
		dst = append(dst, v.Data...)
		return append(dst, CRLF...)
	case TypeError:
		dst = append(dst, byte(TypeError))
		dst = append(dst, v.Data...)
		return append(dst, CRLF...)
	case TypeInteger:
		dst = append(dst, byte(TypeInteger))
		dst = strconv.AppendInt(dst, v.Integer, 10)
		return append(dst, CRLF...)
	case TypeBulkString:
		if v.IsNull {
			return append(dst, "$-1\r\n"...)
		}
		return appendBulk(dst, v.Data)
	case TypeArray:
		if v.IsNull {
			return append(dst, "*-1\r\n"...)
		}
		dst = append(dst, byte(TypeArray))
		dst = strconv.AppendInt(dst, int64(len(v.Array)), 10)
		dst = append(dst, CRLF...)
		for _, elem := range v.Array {
			dst = AppendValue(dst, elem)
		}
		return dst
	default:
		panic(fmt.Sprintf("protocol: cannot encode value type %q", byte(v.Type)))
	}
}

func appendBulk(dst []byte, data []byte) []byte {
	dst = append(dst, byte(TypeBulkString))
	dst = strconv.AppendInt(dst, int64(len(data)), 10)
	dst = append(dst, CRLF...)
	dst = append(dst, data...)
	return append(dst, CRLF...)
}
