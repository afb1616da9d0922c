package protocol

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

const (
	// CRLF is the RESP line terminator
	CRLF = "\r\n"

	// maxBulkSize is the maximum size for bulk strings (512MB, the
	// server's proto-max-bulk-len default)
	maxBulkSize = 512 * 1024 * 1024

	// maxArraySize is the maximum number of array elements
	maxArraySize = 1024 * 1024
)

var crlfBytes = []byte(CRLF)

// Reader is a streaming RESP reader over a buffered byte stream. It is
// the server-side counterpart of Decode: where a client accumulates a
// reply buffer and decodes it incrementally, a server blocks on the
// stream and parses request frames as they arrive.
type Reader struct {
	br *bufio.Reader
}

// NewReader creates a new streaming RESP reader
func NewReader(r io.Reader) *Reader {
	return &Reader{
		br: bufio.NewReader(r),
	}
}

// ReadNext reads the next RESP value from the stream
func (r *Reader) ReadNext() (Value, error) {
	typeByte, err := r.br.ReadByte()
	if err != nil {
		return Value{}, err
	}

	switch ValueType(typeByte) {
	case TypeSimpleString, TypeError:
		return r.readLineValue(ValueType(typeByte))
	case TypeInteger:
		return r.readInteger()
	case TypeBulkString:
		return r.readBulkString()
	case TypeArray:
		return r.readArray()
	default:
		return Value{}, fmt.Errorf("unknown RESP type: %c (0x%02x)", typeByte, typeByte)
	}
}

// ReadCommand reads one request frame (an array of bulk strings) and
// parses it into a Command
func (r *Reader) ReadCommand() (*Command, error) {
	v, err := r.ReadNext()
	if err != nil {
		return nil, err
	}
	return ParseCommand(v)
}

func (r *Reader) readLineValue(t ValueType) (Value, error) {
	line, err := r.readLine()
	if err != nil {
		return Value{}, err
	}

	return Value{
		Type: t,
		Data: line,
	}, nil
}

func (r *Reader) readInteger() (Value, error) {
	line, err := r.readLine()
	if err != nil {
		return Value{}, err
	}

	integer, err := parseInt64(line)
	if err != nil {
		return Value{}, fmt.Errorf("invalid integer: %s", line)
	}

	return Value{
		Type:    TypeInteger,
		Integer: integer,
	}, nil
}

func (r *Reader) readBulkString() (Value, error) {
	line, err := r.readLine()
	if err != nil {
		return Value{}, err
	}

	length, err := parseInt64(line)
	if err != nil {
		return Value{}, fmt.Errorf("invalid bulk string length: %s", line)
	}

	// Null bulk string
	if length == -1 {
		return Value{
			Type:   TypeBulkString,
			IsNull: true,
		}, nil
	}

	if length < 0 || length > maxBulkSize {
		return Value{}, fmt.Errorf("invalid bulk string length: %d", length)
	}

	// Read the string data plus CRLF
	data := make([]byte, length)
	if _, err := io.ReadFull(r.br, data); err != nil {
		return Value{}, err
	}

	if err := r.expectCRLF(); err != nil {
		return Value{}, err
	}

	return Value{
		Type: TypeBulkString,
		Data: data,
	}, nil
}

func (r *Reader) readArray() (Value, error) {
	line, err := r.readLine()
	if err != nil {
		return Value{}, err
	}

	length, err := parseInt64(line)
	if err != nil {
		return Value{}, fmt.Errorf("invalid array length: %s", line)
	}

	// Null array
	if length == -1 {
		return Value{
			Type:   TypeArray,
			IsNull: true,
		}, nil
	}

	if length < 0 || length > maxArraySize {
		return Value{}, fmt.Errorf("invalid array length: %d", length)
	}

	array := make([]Value, length)
	for i := int64(0); i < length; i++ {
		value, err := r.ReadNext()
		if err != nil {
			return Value{}, err
		}
		array[i] = value
	}

	return Value{
		Type:  TypeArray,
		Array: array,
	}, nil
}

// readLine reads a line terminated by CRLF, returning it without the
// terminator
func (r *Reader) readLine() ([]byte, error) {
	line, err := r.br.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("failed to read line: %w", err)
	}

	if len(line) < 2 || !bytes.HasSuffix(line, crlfBytes) {
		return nil, fmt.Errorf("line not terminated by CRLF")
	}

	return line[:len(line)-2], nil
}

// expectCRLF reads and validates the CRLF terminator after a bulk payload
func (r *Reader) expectCRLF() error {
	crlf := make([]byte, 2)
	if _, err := io.ReadFull(r.br, crlf); err != nil {
		return fmt.Errorf("failed to read CRLF terminator: %w", err)
	}

	if !bytes.Equal(crlf, crlfBytes) {
		return fmt.Errorf("expected CRLF terminator, got [%d, %d]", crlf[0], crlf[1])
	}

	return nil
}
