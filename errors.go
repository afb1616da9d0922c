package redisclient

import (
	"errors"
	"fmt"
	"strings"

	"github.com/raniellyferreira/redis-stream-client/protocol"
)

// Error types for specific failure scenarios
var (
	// ErrClosed indicates the connection has been closed
	ErrClosed = errors.New("connection is closed")

	// ErrConnBusy indicates a request was attempted while another request
	// was still in flight on the same connection
	ErrConnBusy = errors.New("connection already has a request in flight")

	// ErrInvalidCommand indicates an empty or malformed command
	ErrInvalidCommand = errors.New("invalid command")

	// ErrInvalidConfig indicates invalid configuration options
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ConnectionError represents a transport-level failure: dial errors,
// resets, and streams closed mid-reply. It is fatal to the connection
// and is never retried by this package.
type ConnectionError struct {
	Addr string
	Op   string // "dial", "read", "write"
	Err  error
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("connection error to %s: %s: %v", e.Addr, e.Op, e.Err)
	}
	return fmt.Sprintf("connection error to %s: %v", e.Addr, e.Err)
}

// Unwrap returns the wrapped error
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ProtocolError represents reply bytes this client cannot use: wire data
// that does not parse as RESP, or a well-formed reply whose shape an
// operation cannot accept (an array where an entry id was expected, for
// example). After a wire-level protocol error the connection is closed,
// since its read position is no longer trustworthy.
type ProtocolError struct {
	Message string
	Err     error
}

// Error implements the error interface
func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("protocol error: %s", e.Message)
}

// Unwrap returns the wrapped error
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// ServerError represents a well-formed error reply from the server, such
// as "ERR unknown command" or "BUSYGROUP Consumer Group name already
// exists". It is data, not a transport fault: the connection remains
// usable for the next request.
type ServerError struct {
	Message string
}

// Error implements the error interface
func (e *ServerError) Error() string {
	return "server error: " + e.Message
}

// Code returns the leading token of the server message, such as "ERR",
// "NOGROUP", "BUSYGROUP" or "WRONGTYPE"
func (e *ServerError) Code() string {
	if i := strings.IndexByte(e.Message, ' '); i > 0 {
		return e.Message[:i]
	}
	return e.Message
}

// ConversionError reports a decoded value that could not be converted to
// the requested native type. It is declared in the protocol package and
// aliased here so the whole error taxonomy is visible from one import.
type ConversionError = protocol.ConversionError
