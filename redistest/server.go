package redistest

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/raniellyferreira/redis-stream-client/protocol"
)

// idleTimeout disconnects clients that send nothing for this long. It is
// reset after every command, so a long server-side BLOCK does not count.
const idleTimeout = 5 * time.Minute

// Server is an in-process Redis server speaking RESP v2. It implements
// enough of the command surface to exercise a client against real wire
// bytes: strings, streams with consumer groups and blocking reads, and
// Lua scripting.
type Server struct {
	store *store
	lua   *Engine

	addr     string
	listener net.Listener
	clients  sync.Map // map[net.Conn]*client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	connCount    int64
	commandCount int64
	errorCount   int64
	log          []string
}

// client represents one connected RESP client.
type client struct {
	conn   net.Conn
	reader *protocol.Reader
	writer *protocol.Writer
	server *Server

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a server that will listen on addr. Use "127.0.0.1:0"
// in tests and read the bound address back with Addr.
func NewServer(addr string) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	st := newStore()
	return &Server{
		store:  st,
		lua:    NewEngine(st),
		addr:   addr,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins listening and accepting connections.
func (s *Server) Start() error {
	var err error
	s.listener, err = net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.wg.Add(1)
	go s.acceptConnections()

	return nil
}

// Stop closes the listener and every client connection and waits for the
// serving goroutines to finish.
func (s *Server) Stop() error {
	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	s.clients.Range(func(key, value interface{}) bool {
		if c, ok := value.(*client); ok {
			c.close()
		}
		return true
	})

	s.wg.Wait()
	return nil
}

// Addr returns the server's listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stats returns server counters.
func (s *Server) Stats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	clientCount := 0
	s.clients.Range(func(key, value interface{}) bool {
		clientCount++
		return true
	})

	return map[string]interface{}{
		"connected_clients": clientCount,
		"total_commands":    s.commandCount,
		"total_errors":      s.errorCount,
		"total_connections": s.connCount,
	}
}

// Commands returns every command received so far in arrival order,
// rendered as "NAME arg1 arg2 ...". Tests use this to assert on the
// exact traffic a client produced.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.log))
	copy(out, s.log)
	return out
}

// CommandCount returns how many received commands had the given name.
func (s *Server) CommandCount(name string) int {
	name = strings.ToUpper(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, line := range s.log {
		cmd, _, _ := strings.Cut(line, " ")
		if cmd == name {
			n++
		}
	}
	return n
}

// ResetCommands clears the command log.
func (s *Server) ResetCommands() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = nil
}

func (s *Server) recordCommand(cmd *protocol.Command) {
	s.mu.Lock()
	s.commandCount++
	s.log = append(s.log, cmd.String())
	s.mu.Unlock()
}

// acceptConnections accepts new client connections.
func (s *Server) acceptConnections() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return // Server is shutting down
			}
			continue
		}

		s.handleNewClient(conn)
	}
}

func (s *Server) handleNewClient(conn net.Conn) {
	s.mu.Lock()
	s.connCount++
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(s.ctx)
	c := &client{
		conn:   conn,
		reader: protocol.NewReader(conn),
		writer: protocol.NewWriter(conn),
		server: s,
		ctx:    ctx,
		cancel: cancel,
	}

	s.clients.Store(conn, c)

	s.wg.Add(1)
	go c.handle()
}

func (c *client) close() {
	c.cancel()
	c.conn.Close()
	c.server.clients.Delete(c.conn)
}

// handle reads request frames and executes them until the client
// disconnects or the server shuts down.
func (c *client) handle() {
	defer c.server.wg.Done()
	defer c.close()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.conn.SetReadDeadline(time.Now().Add(idleTimeout))

		value, err := c.reader.ReadNext()
		if err != nil {
			if err == io.EOF {
				return // Client disconnected
			}
			if c.ctx.Err() != nil {
				return // Server shutting down
			}
			c.writeError(fmt.Sprintf("Protocol error: %v", err))
			return
		}

		cmd, err := protocol.ParseCommand(value)
		if err != nil {
			c.writeError(fmt.Sprintf("Protocol error: %v", err))
			continue
		}

		c.executeCommand(cmd)
	}
}

// executeCommand dispatches one command. ParseCommand upper-cases the
// name already.
func (c *client) executeCommand(cmd *protocol.Command) {
	c.server.recordCommand(cmd)

	switch cmd.Name {
	case "PING":
		c.handlePing(cmd)
	case "ECHO":
		c.handleEcho(cmd)
	case "SET":
		c.handleSet(cmd)
	case "GET":
		c.handleGet(cmd)
	case "DEL":
		c.handleDel(cmd)
	case "EXISTS":
		c.handleExists(cmd)
	case "TYPE":
		c.handleType(cmd)
	case "FLUSHALL":
		c.handleFlushAll(cmd)
	case "XADD":
		c.handleXAdd(cmd)
	case "XLEN":
		c.handleXLen(cmd)
	case "XRANGE":
		c.handleXRange(cmd)
	case "XTRIM":
		c.handleXTrim(cmd)
	case "XREAD":
		c.handleXRead(cmd)
	case "XREADGROUP":
		c.handleXReadGroup(cmd)
	case "XACK":
		c.handleXAck(cmd)
	case "XGROUP":
		c.handleXGroup(cmd)
	case "EVAL":
		c.handleEval(cmd)
	case "EVALSHA":
		c.handleEvalSHA(cmd)
	case "SCRIPT":
		c.handleScript(cmd)
	case "CLIENT":
		// go-redis sends CLIENT SETINFO during connection setup
		c.writeString("OK")
	case "QUIT":
		c.writeString("OK")
		c.close()
	default:
		c.writeError(fmt.Sprintf("ERR unknown command '%s'", cmd.Name))
	}
}

// Response writers

func (c *client) writeString(s string) {
	c.writer.WriteSimpleString(s)
	c.writer.Flush()
}

func (c *client) writeError(s string) {
	c.server.mu.Lock()
	c.server.errorCount++
	c.server.mu.Unlock()
	// Strip newlines, which would break RESP framing
	cleanMsg := strings.ReplaceAll(s, "\n", " ")
	cleanMsg = strings.ReplaceAll(cleanMsg, "\r", " ")
	c.writer.WriteError(cleanMsg)
	c.writer.Flush()
}

func (c *client) writeBulkString(data []byte) {
	c.writer.WriteBulkString(data)
	c.writer.Flush()
}

func (c *client) writeNull() {
	c.writer.WriteNullBulkString()
	c.writer.Flush()
}

func (c *client) writeNullArray() {
	c.writer.WriteNullArray()
	c.writer.Flush()
}

func (c *client) writeInteger(i int64) {
	c.writer.WriteInteger(i)
	c.writer.Flush()
}

// writeEntries writes an XRANGE-shaped reply: an array of entries, each
// an [id, [field, value, ...]] pair.
func (c *client) writeEntries(entries []streamEntry) {
	values := make([]protocol.Value, len(entries))
	for i, e := range entries {
		values[i] = entryValue(e)
	}
	c.writer.WriteArray(values)
	c.writer.Flush()
}

// writeBatches writes an XREAD-shaped reply: an array of [key, entries]
// pairs in request order.
func (c *client) writeBatches(batches []streamBatch) {
	values := make([]protocol.Value, len(batches))
	for i, b := range batches {
		entries := make([]protocol.Value, len(b.entries))
		for j, e := range b.entries {
			entries[j] = entryValue(e)
		}
		values[i] = protocol.Value{Type: protocol.TypeArray, Array: []protocol.Value{
			{Type: protocol.TypeBulkString, Data: []byte(b.key)},
			{Type: protocol.TypeArray, Array: entries},
		}}
	}
	c.writer.WriteArray(values)
	c.writer.Flush()
}

func entryValue(e streamEntry) protocol.Value {
	fields := make([]protocol.Value, len(e.fields))
	for i, f := range e.fields {
		fields[i] = protocol.Value{Type: protocol.TypeBulkString, Data: []byte(f)}
	}
	return protocol.Value{Type: protocol.TypeArray, Array: []protocol.Value{
		{Type: protocol.TypeBulkString, Data: []byte(e.id.String())},
		{Type: protocol.TypeArray, Array: fields},
	}}
}

func (c *client) writeArray(array []interface{}) {
	values := make([]protocol.Value, len(array))
	for i, item := range array {
		values[i] = c.convertToValue(item)
	}
	c.writer.WriteArray(values)
	c.writer.Flush()
}

func (c *client) convertToValue(item interface{}) protocol.Value {
	switch v := item.(type) {
	case nil:
		return protocol.Value{Type: protocol.TypeBulkString, IsNull: true}
	case string:
		return protocol.Value{Type: protocol.TypeBulkString, Data: []byte(v)}
	case int64:
		return protocol.Value{Type: protocol.TypeInteger, Integer: v}
	case int:
		return protocol.Value{Type: protocol.TypeInteger, Integer: int64(v)}
	case bool:
		if v {
			return protocol.Value{Type: protocol.TypeInteger, Integer: 1}
		}
		return protocol.Value{Type: protocol.TypeBulkString, IsNull: true}
	case []byte:
		return protocol.Value{Type: protocol.TypeBulkString, Data: v}
	default:
		return protocol.Value{Type: protocol.TypeBulkString, Data: []byte(fmt.Sprintf("%v", v))}
	}
}

// writeResult writes a Lua evaluation result using the server's
// conversion rules: true is 1, false is nil, floats become strings.
func (c *client) writeResult(result interface{}) {
	switch v := result.(type) {
	case nil:
		c.writeNull()
	case bool:
		if v {
			c.writeInteger(1)
		} else {
			c.writeNull()
		}
	case string:
		c.writeBulkString([]byte(v))
	case int64:
		c.writeInteger(v)
	case float64:
		c.writeBulkString([]byte(fmt.Sprintf("%.17g", v)))
	case []interface{}:
		c.writeArray(v)
	case map[string]interface{}:
		array := make([]interface{}, 0, len(v)*2)
		for key, value := range v {
			array = append(array, key, value)
		}
		c.writeArray(array)
	default:
		c.writeBulkString([]byte(fmt.Sprintf("%v", v)))
	}
}
