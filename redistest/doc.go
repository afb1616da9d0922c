// Package redistest provides a small in-process Redis server speaking
// RESP v2, used to exercise clients against real wire bytes without an
// external redis-server.
//
// The server implements the string commands GET, SET, DEL, EXISTS and
// TYPE, the stream commands XADD, XLEN, XRANGE, XTRIM, XREAD, XREADGROUP,
// XACK and XGROUP CREATE with full BLOCK and consumer-group semantics,
// and Lua scripting through EVAL, EVALSHA and SCRIPT. Every received
// command is recorded in a log so tests can assert on the exact traffic
// a client produced.
//
// It is a test fixture, not a database: data lives in process memory and
// expiration, persistence and replication do not exist.
package redistest
