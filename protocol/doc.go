// Package protocol implements the Redis Serialization Protocol (RESP v2)
// codec: encoding request frames and decoding reply values, with no I/O
// of its own.
//
// The client side of the wire uses the buffer-oriented half. Requests
// are built with AppendCommand, and replies are decoded incrementally
// with Decode, which reports ErrIncomplete until the accumulated buffer
// holds a complete value:
//
//	buf = protocol.AppendCommand(buf[:0], "GET", []byte("key"))
//	// write buf, read into reply...
//	value, n, err := protocol.Decode(reply)
//	if errors.Is(err, protocol.ErrIncomplete) {
//		// read more bytes and retry
//	}
//
// The streaming Reader and Writer serve the server side, where blocking
// on the next frame is the natural mode:
//
//	reader := protocol.NewReader(conn)
//	for {
//		cmd, err := reader.ReadCommand()
//		if err != nil {
//			break
//		}
//		// Execute cmd, reply via Writer
//	}
//
// The package covers the five RESP v2 value kinds: simple strings,
// errors, integers, bulk strings, and arrays, with $-1 and *-1 decoding
// to null-flagged values. Bulk strings are binary-safe in both
// directions.
package protocol
