package redisclient

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raniellyferreira/redis-stream-client/protocol"
)

// Conn is a single client connection speaking strict request/response
// over one transport. At most one request may be outstanding at a time;
// a second concurrent call fails fast with ErrConnBusy rather than
// queueing behind the first. Callers needing parallel requests open
// multiple connections.
type Conn struct {
	addr string
	nc   net.Conn

	readTimeout  time.Duration
	writeTimeout time.Duration

	logger  Logger
	metrics MetricsCollector

	inFlight atomic.Bool
	closed   atomic.Bool

	// Request-scoped buffers, owned by whoever holds the busy guard.
	wbuf  []byte
	rbuf  []byte
	chunk []byte

	mu    sync.Mutex
	stats ConnStats
}

// Connect dials addr over TCP (or via the dialer from WithDialer) and
// returns a ready connection. Dial failures are wrapped in
// *ConnectionError.
//
// Example:
//
//	conn, err := redisclient.Connect(ctx, "localhost:6379",
//		redisclient.WithReadTimeout(10*time.Second),
//	)
//	if err != nil {
//		return err
//	}
//	defer conn.Close()
func Connect(ctx context.Context, addr string, opts ...Option) (*Conn, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	dial := cfg.dialFunc
	if dial == nil {
		dialer := &net.Dialer{Timeout: cfg.connectTimeout}
		dial = dialer.DialContext
	}

	nc, err := dial(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectionError{Addr: addr, Op: "dial", Err: err}
	}

	conn := newConn(nc, addr, cfg)
	cfg.logger.Debug("connected", Field{Key: "addr", Value: addr})
	return conn, nil
}

// NewConn wraps an already-established transport in a Conn. Useful for
// unix sockets dialed elsewhere and for in-memory pipes in tests. The
// connect timeout and dialer options are ignored.
func NewConn(nc net.Conn, opts ...Option) (*Conn, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	addr := ""
	if ra := nc.RemoteAddr(); ra != nil {
		addr = ra.String()
	}
	return newConn(nc, addr, cfg), nil
}

func newConn(nc net.Conn, addr string, cfg *config) *Conn {
	return &Conn{
		addr:         addr,
		nc:           nc,
		readTimeout:  cfg.readTimeout,
		writeTimeout: cfg.writeTimeout,
		logger:       cfg.logger,
		metrics:      cfg.metrics,
		chunk:        make([]byte, cfg.readBufferSize),
		stats:        ConnStats{ConnectedAt: time.Now()},
	}
}

// Do sends cmd and waits for its reply. Well-formed error replies come
// back as *ServerError and leave the connection usable; transport and
// parse failures close the connection. The configured read timeout
// bounds the wait, tightened further by any ctx deadline.
func (c *Conn) Do(ctx context.Context, cmd *Command) (protocol.Value, error) {
	return c.roundTrip(ctx, cmd, false)
}

// DoBlocking sends a command the server may legitimately sit on, such as
// XREAD BLOCK or BRPOP. The read timeout is suspended for the reply;
// cancellation comes from ctx, which interrupts the wait by forcing the
// read deadline. An interrupted wait closes the connection, since the
// reply may still arrive and would desynchronize the next request.
func (c *Conn) DoBlocking(ctx context.Context, cmd *Command) (protocol.Value, error) {
	return c.roundTrip(ctx, cmd, true)
}

func (c *Conn) roundTrip(ctx context.Context, cmd *Command, blocking bool) (protocol.Value, error) {
	if cmd == nil || cmd.name == "" {
		return protocol.Value{}, ErrInvalidCommand
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return protocol.Value{}, err
	}
	if c.closed.Load() {
		return protocol.Value{}, ErrClosed
	}
	if !c.inFlight.CompareAndSwap(false, true) {
		return protocol.Value{}, ErrConnBusy
	}
	defer c.inFlight.Store(false)

	// Re-check after winning the guard; Close may have raced in.
	if c.closed.Load() {
		return protocol.Value{}, ErrClosed
	}

	start := time.Now()
	sent, err := c.writeCommand(cmd)
	if err != nil {
		return protocol.Value{}, err
	}

	var reply protocol.Value
	var received int
	if blocking {
		reply, received, err = c.readReplyBlocking(ctx)
	} else {
		reply, received, err = c.readReply(ctx)
	}
	if err != nil {
		return protocol.Value{}, err
	}

	c.recordCommand(cmd.name, time.Since(start), sent, received)

	if reply.Type == protocol.TypeError {
		return protocol.Value{}, &ServerError{Message: string(reply.Data)}
	}
	return reply, nil
}

func (c *Conn) writeCommand(cmd *Command) (int, error) {
	c.wbuf = protocol.AppendCommand(c.wbuf[:0], cmd.name, cmd.args...)
	if c.writeTimeout > 0 {
		if err := c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return 0, c.fail("write", err)
		}
	}
	if _, err := c.nc.Write(c.wbuf); err != nil {
		return 0, c.fail("write", err)
	}
	return len(c.wbuf), nil
}

// readReply waits for one reply under the configured read timeout,
// tightened by the context deadline when that is sooner.
func (c *Conn) readReply(ctx context.Context) (protocol.Value, int, error) {
	var deadline time.Time
	if c.readTimeout > 0 {
		deadline = time.Now().Add(c.readTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if err := c.nc.SetReadDeadline(deadline); err != nil {
		return protocol.Value{}, 0, c.fail("read", err)
	}
	return c.decodeLoop()
}

// readReplyBlocking waits for one reply with no read deadline, relying
// on ctx for interruption.
func (c *Conn) readReplyBlocking(ctx context.Context) (protocol.Value, int, error) {
	if err := c.nc.SetReadDeadline(time.Time{}); err != nil {
		return protocol.Value{}, 0, c.fail("read", err)
	}
	stop := c.interruptOnCancel(ctx)
	reply, n, err := c.decodeLoop()
	stop()
	if err != nil && ctx.Err() != nil {
		return protocol.Value{}, 0, ctx.Err()
	}
	return reply, n, err
}

// interruptOnCancel forces the read deadline when ctx is cancelled so a
// pending read wakes up. The returned stop function waits for the
// watcher to exit, so no deadline change can race with the next request.
func (c *Conn) interruptOnCancel(ctx context.Context) func() {
	if ctx.Done() == nil {
		return func() {}
	}
	stopped := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case <-ctx.Done():
			c.nc.SetReadDeadline(time.Unix(1, 0))
		case <-stopped:
		}
	}()
	return func() {
		close(stopped)
		<-done
	}
}

// decodeLoop accumulates socket bytes until exactly one reply decodes.
// Leftover bytes stay buffered for the next reply.
func (c *Conn) decodeLoop() (protocol.Value, int, error) {
	for {
		if len(c.rbuf) > 0 {
			reply, n, err := protocol.Decode(c.rbuf)
			if err == nil {
				c.rbuf = c.rbuf[:copy(c.rbuf, c.rbuf[n:])]
				return reply, n, nil
			}
			if !errors.Is(err, protocol.ErrIncomplete) {
				c.closeTransport()
				c.recordError("protocol")
				return protocol.Value{}, 0, &ProtocolError{Message: "malformed reply", Err: err}
			}
		}
		n, err := c.nc.Read(c.chunk)
		if n > 0 {
			c.rbuf = append(c.rbuf, c.chunk[:n]...)
		}
		if err != nil {
			return protocol.Value{}, 0, c.fail("read", err)
		}
	}
}

// fail closes the connection and wraps err; after a transport failure
// the wire position is unknown, so the connection cannot be reused.
func (c *Conn) fail(op string, err error) error {
	c.closeTransport()
	c.recordError(op)
	return &ConnectionError{Addr: c.addr, Op: op, Err: err}
}

// Close closes the connection. Safe to call more than once and safe to
// call concurrently with an in-flight request, which then fails with a
// ConnectionError.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.logger.Debug("closing connection", Field{Key: "addr", Value: c.addr})
	return c.nc.Close()
}

func (c *Conn) closeTransport() {
	if c.closed.CompareAndSwap(false, true) {
		c.nc.Close()
	}
}

// Closed reports whether the connection has been closed, either by Close
// or by a transport failure
func (c *Conn) Closed() bool {
	return c.closed.Load()
}

// Addr returns the remote address the connection was dialed against
func (c *Conn) Addr() string {
	return c.addr
}

// Logger returns the logger the connection was configured with
func (c *Conn) Logger() Logger {
	return c.logger
}

// Metrics returns the configured metrics collector, or nil
func (c *Conn) Metrics() MetricsCollector {
	return c.metrics
}

// Stats returns a snapshot of the connection counters
func (c *Conn) Stats() ConnStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Conn) recordCommand(name string, duration time.Duration, sent, received int) {
	c.mu.Lock()
	c.stats.CommandsSent++
	c.stats.BytesSent += int64(sent)
	c.stats.BytesReceived += int64(received)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordCommand(name, duration)
		c.metrics.RecordNetworkBytes(int64(sent), int64(received))
	}
}

func (c *Conn) recordError(errorType string) {
	if c.metrics != nil {
		c.metrics.RecordError(errorType)
	}
}
