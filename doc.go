// Package redisclient provides a minimal Redis client built around the
// RESP wire protocol, with a stream-subscription layer on top.
//
// A Conn is one socket speaking strict request/response: exactly one
// request may be outstanding at a time. Commands are built with
// NewCommand and sent with Do; replies come back as protocol.Value with
// typed accessors.
//
// Basic usage:
//
//	conn, err := redisclient.Connect(ctx, "localhost:6379")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer conn.Close()
//
//	if _, err := conn.Do(ctx, redisclient.NewCommand("SET", "greeting", "hello")); err != nil {
//		log.Fatal(err)
//	}
//
//	reply, err := conn.Do(ctx, redisclient.NewCommand("GET", "greeting"))
//	if err != nil {
//		log.Fatal(err)
//	}
//	text, _ := reply.Text()
//	fmt.Println(text) // hello
//
// The library supports:
//
//   - Full RESP v2 encoding and incremental decoding
//   - Arbitrary commands with capability-based argument conversion
//   - Blocking commands with context-driven cancellation
//   - Stream publishing and consumption (see the stream subpackage)
//   - Consumer groups with acknowledgement tracking
//   - Pluggable logging and metrics collection
//
// For more examples and advanced usage, see the examples/ directory.
package redisclient
