package redisclient_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	redisclient "github.com/raniellyferreira/redis-stream-client"
	"github.com/raniellyferreira/redis-stream-client/protocol"
)

// pipeConn pairs a Conn with a scripted peer over an in-memory pipe, so
// tests control the exact bytes the "server" sends and sees.
type pipeConn struct {
	t    *testing.T
	peer net.Conn
	conn *redisclient.Conn
}

func newPipeConn(t *testing.T, opts ...redisclient.Option) *pipeConn {
	t.Helper()

	client, peer := net.Pipe()
	conn, err := redisclient.NewConn(client, opts...)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		peer.Close()
	})
	return &pipeConn{t: t, peer: peer, conn: conn}
}

// expectRequest consumes one encoded request from the peer side and
// verifies it matches the given command, byte for byte.
func (p *pipeConn) expectRequest(name string, args ...string) error {
	byteArgs := make([][]byte, len(args))
	for i, a := range args {
		byteArgs[i] = []byte(a)
	}
	want := protocol.EncodeCommand(name, byteArgs...)

	got := make([]byte, len(want))
	if _, err := io.ReadFull(p.peer, got); err != nil {
		return fmt.Errorf("reading request: %w", err)
	}
	if !bytes.Equal(got, want) {
		return fmt.Errorf("request mismatch:\n got %q\nwant %q", got, want)
	}
	return nil
}

func (p *pipeConn) reply(raw string) error {
	_, err := p.peer.Write([]byte(raw))
	return err
}

// serve runs the peer script in the background. The returned channel
// carries the script's first error, or nil.
func (p *pipeConn) serve(script func() error) <-chan error {
	done := make(chan error, 1)
	go func() { done <- script() }()
	return done
}

func TestConnDo(t *testing.T) {
	p := newPipeConn(t)

	srv := p.serve(func() error {
		if err := p.expectRequest("SET", "greeting", "hello"); err != nil {
			return err
		}
		return p.reply("+OK\r\n")
	})

	reply, err := p.conn.Do(context.Background(), redisclient.NewCommand("SET", "greeting", "hello"))
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if reply.Type != protocol.TypeSimpleString {
		t.Errorf("Expected simple string reply, got %v", reply.Type)
	}
	text, err := reply.Text()
	if err != nil {
		t.Fatalf("Text failed: %v", err)
	}
	if text != "OK" {
		t.Errorf("Expected OK, got %q", text)
	}
	if err := <-srv; err != nil {
		t.Fatal(err)
	}
}

func TestConnDoServerError(t *testing.T) {
	p := newPipeConn(t)

	srv := p.serve(func() error {
		if err := p.expectRequest("GET"); err != nil {
			return err
		}
		if err := p.reply("-ERR wrong number of arguments for 'get' command\r\n"); err != nil {
			return err
		}
		// The connection must stay usable after an error reply.
		if err := p.expectRequest("PING"); err != nil {
			return err
		}
		return p.reply("+PONG\r\n")
	})

	_, err := p.conn.Do(context.Background(), redisclient.NewCommand("GET"))
	if err == nil {
		t.Fatal("Expected server error")
	}
	var serverErr *redisclient.ServerError
	if !errors.As(err, &serverErr) {
		t.Fatalf("Expected *ServerError, got %T: %v", err, err)
	}
	if serverErr.Code() != "ERR" {
		t.Errorf("Expected code ERR, got %q", serverErr.Code())
	}
	if p.conn.Closed() {
		t.Error("Connection should remain open after a server error reply")
	}

	reply, err := p.conn.Do(context.Background(), redisclient.NewCommand("PING"))
	if err != nil {
		t.Fatalf("Do after server error failed: %v", err)
	}
	if text, _ := reply.Text(); text != "PONG" {
		t.Errorf("Expected PONG, got %q", text)
	}
	if err := <-srv; err != nil {
		t.Fatal(err)
	}
}

func TestConnDoDribbledReply(t *testing.T) {
	p := newPipeConn(t)

	raw := "*2\r\n$5\r\nhello\r\n:42\r\n"
	srv := p.serve(func() error {
		if err := p.expectRequest("PING"); err != nil {
			return err
		}
		// One byte per write: the client must keep accumulating until
		// the reply decodes.
		for i := 0; i < len(raw); i++ {
			if err := p.reply(raw[i : i+1]); err != nil {
				return err
			}
		}
		return nil
	})

	reply, err := p.conn.Do(context.Background(), redisclient.NewCommand("PING"))
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if len(reply.Array) != 2 {
		t.Fatalf("Expected 2 elements, got %d", len(reply.Array))
	}
	if text, _ := reply.Array[0].Text(); text != "hello" {
		t.Errorf("Expected hello, got %q", text)
	}
	if n, _ := reply.Array[1].Int64(); n != 42 {
		t.Errorf("Expected 42, got %d", n)
	}
	if err := <-srv; err != nil {
		t.Fatal(err)
	}
}

func TestConnDoPipelinedRepliesStayBuffered(t *testing.T) {
	p := newPipeConn(t)

	srv := p.serve(func() error {
		if err := p.expectRequest("PING"); err != nil {
			return err
		}
		// Both replies arrive in one segment; the second must be held
		// for the next request.
		if err := p.reply("+OK\r\n+PONG\r\n"); err != nil {
			return err
		}
		return p.expectRequest("PING")
	})

	first, err := p.conn.Do(context.Background(), redisclient.NewCommand("PING"))
	if err != nil {
		t.Fatalf("First Do failed: %v", err)
	}
	if text, _ := first.Text(); text != "OK" {
		t.Errorf("Expected OK, got %q", text)
	}

	second, err := p.conn.Do(context.Background(), redisclient.NewCommand("PING"))
	if err != nil {
		t.Fatalf("Second Do failed: %v", err)
	}
	if text, _ := second.Text(); text != "PONG" {
		t.Errorf("Expected PONG, got %q", text)
	}
	if err := <-srv; err != nil {
		t.Fatal(err)
	}
}

func TestConnBusy(t *testing.T) {
	p := newPipeConn(t)

	requestSeen := make(chan struct{})
	release := make(chan struct{})
	srv := p.serve(func() error {
		if err := p.expectRequest("PING"); err != nil {
			return err
		}
		close(requestSeen)
		<-release
		return p.reply("+PONG\r\n")
	})

	firstDone := make(chan error, 1)
	go func() {
		_, err := p.conn.Do(context.Background(), redisclient.NewCommand("PING"))
		firstDone <- err
	}()

	// Once the request bytes reached the peer, the busy guard is held.
	<-requestSeen
	_, err := p.conn.Do(context.Background(), redisclient.NewCommand("PING"))
	if !errors.Is(err, redisclient.ErrConnBusy) {
		t.Errorf("Expected ErrConnBusy, got %v", err)
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Fatalf("First request failed: %v", err)
	}
	if err := <-srv; err != nil {
		t.Fatal(err)
	}
}

func TestConnDoAfterClose(t *testing.T) {
	p := newPipeConn(t)

	if err := p.conn.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := p.conn.Close(); err != nil {
		t.Errorf("Second Close should be a no-op, got %v", err)
	}

	_, err := p.conn.Do(context.Background(), redisclient.NewCommand("PING"))
	if !errors.Is(err, redisclient.ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestConnDoBlockingCancel(t *testing.T) {
	p := newPipeConn(t)

	requestSeen := make(chan struct{})
	srv := p.serve(func() error {
		if err := p.expectRequest("XREAD", "BLOCK", "0", "STREAMS", "events", "$"); err != nil {
			return err
		}
		close(requestSeen)
		return nil // never reply
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-requestSeen
		cancel()
	}()

	cmd := redisclient.NewCommand("XREAD", "BLOCK", "0", "STREAMS", "events", "$")
	_, err := p.conn.DoBlocking(ctx, cmd)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if !p.conn.Closed() {
		t.Error("Connection should be closed after an interrupted blocking read")
	}
	if err := <-srv; err != nil {
		t.Fatal(err)
	}
}

func TestConnDoReadTimeout(t *testing.T) {
	p := newPipeConn(t, redisclient.WithReadTimeout(50*time.Millisecond))

	srv := p.serve(func() error {
		return p.expectRequest("PING") // never reply
	})

	_, err := p.conn.Do(context.Background(), redisclient.NewCommand("PING"))
	var connErr *redisclient.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("Expected *ConnectionError, got %T: %v", err, err)
	}
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Errorf("Expected a timeout error, got %v", err)
	}
	if !p.conn.Closed() {
		t.Error("Connection should be closed after a read timeout")
	}
	if err := <-srv; err != nil {
		t.Fatal(err)
	}
}

func TestConnDoPeerClosed(t *testing.T) {
	p := newPipeConn(t)

	srv := p.serve(func() error {
		if err := p.expectRequest("PING"); err != nil {
			return err
		}
		return p.peer.Close()
	})

	_, err := p.conn.Do(context.Background(), redisclient.NewCommand("PING"))
	var connErr *redisclient.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("Expected *ConnectionError, got %T: %v", err, err)
	}
	if connErr.Op != "read" {
		t.Errorf("Expected read op, got %q", connErr.Op)
	}
	if err := <-srv; err != nil {
		t.Fatal(err)
	}
}

func TestConnDoMalformedReply(t *testing.T) {
	p := newPipeConn(t)

	srv := p.serve(func() error {
		if err := p.expectRequest("PING"); err != nil {
			return err
		}
		return p.reply("?bogus\r\n")
	})

	_, err := p.conn.Do(context.Background(), redisclient.NewCommand("PING"))
	var protoErr *redisclient.ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("Expected *ProtocolError, got %T: %v", err, err)
	}
	var parseErr *protocol.ParseError
	if !errors.As(err, &parseErr) {
		t.Errorf("Expected wrapped *protocol.ParseError, got %v", err)
	}
	if !p.conn.Closed() {
		t.Error("Connection should be closed after a malformed reply")
	}
	if err := <-srv; err != nil {
		t.Fatal(err)
	}
}

func TestConnDoContextAlreadyCancelled(t *testing.T) {
	p := newPipeConn(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.conn.Do(ctx, redisclient.NewCommand("PING"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if p.conn.Closed() {
		t.Error("Connection should stay open when the context was cancelled before sending")
	}
}

func TestConnDoInvalidCommand(t *testing.T) {
	p := newPipeConn(t)

	if _, err := p.conn.Do(context.Background(), nil); !errors.Is(err, redisclient.ErrInvalidCommand) {
		t.Errorf("Expected ErrInvalidCommand for nil command, got %v", err)
	}
	if _, err := p.conn.Do(context.Background(), redisclient.NewCommand("")); !errors.Is(err, redisclient.ErrInvalidCommand) {
		t.Errorf("Expected ErrInvalidCommand for empty name, got %v", err)
	}
}

func TestConnStats(t *testing.T) {
	p := newPipeConn(t)

	srv := p.serve(func() error {
		if err := p.expectRequest("PING"); err != nil {
			return err
		}
		if err := p.reply("+PONG\r\n"); err != nil {
			return err
		}
		if err := p.expectRequest("PING"); err != nil {
			return err
		}
		return p.reply("+PONG\r\n")
	})

	for i := 0; i < 2; i++ {
		if _, err := p.conn.Do(context.Background(), redisclient.NewCommand("PING")); err != nil {
			t.Fatalf("Do failed: %v", err)
		}
	}

	stats := p.conn.Stats()
	if stats.CommandsSent != 2 {
		t.Errorf("Expected 2 commands sent, got %d", stats.CommandsSent)
	}
	if stats.BytesSent == 0 || stats.BytesReceived == 0 {
		t.Errorf("Expected non-zero byte counters, got sent=%d received=%d", stats.BytesSent, stats.BytesReceived)
	}
	if stats.ConnectedAt.IsZero() {
		t.Error("Expected ConnectedAt to be set")
	}
	if err := <-srv; err != nil {
		t.Fatal(err)
	}
}

func TestConnectWithDialer(t *testing.T) {
	client, peer := net.Pipe()
	defer peer.Close()

	conn, err := redisclient.Connect(context.Background(), "scripted:6379",
		redisclient.WithDialer(func(ctx context.Context, network, addr string) (net.Conn, error) {
			if addr != "scripted:6379" {
				return nil, fmt.Errorf("unexpected addr %q", addr)
			}
			return client, nil
		}),
	)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer conn.Close()

	if conn.Addr() == "" {
		t.Error("Expected a non-empty address")
	}

	srvDone := make(chan error, 1)
	go func() {
		buf := make([]byte, 64)
		if _, err := peer.Read(buf); err != nil {
			srvDone <- err
			return
		}
		_, err := peer.Write([]byte("+PONG\r\n"))
		srvDone <- err
	}()

	reply, err := conn.Do(context.Background(), redisclient.NewCommand("PING"))
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if text, _ := reply.Text(); text != "PONG" {
		t.Errorf("Expected PONG, got %q", text)
	}
	if err := <-srvDone; err != nil {
		t.Fatal(err)
	}
}

func TestConnectDialError(t *testing.T) {
	dialErr := errors.New("no route to host")
	_, err := redisclient.Connect(context.Background(), "unreachable:6379",
		redisclient.WithDialer(func(ctx context.Context, network, addr string) (net.Conn, error) {
			return nil, dialErr
		}),
	)
	var connErr *redisclient.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("Expected *ConnectionError, got %T: %v", err, err)
	}
	if connErr.Op != "dial" {
		t.Errorf("Expected dial op, got %q", connErr.Op)
	}
	if !errors.Is(err, dialErr) {
		t.Errorf("Expected wrapped dial error, got %v", err)
	}
}
