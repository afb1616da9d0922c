package redisclient

import (
	"context"
	"net"
	"time"
)

// DialFunc opens the transport for a connection. It matches the
// signature of net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// config holds the configuration for a Conn
type config struct {
	// Timeouts and limits
	connectTimeout time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
	readBufferSize int

	// Transport
	dialFunc DialFunc

	// Observability
	logger  Logger
	metrics MetricsCollector
}

// defaultConfig returns a configuration with sensible defaults
func defaultConfig() *config {
	return &config{
		connectTimeout: 5 * time.Second,
		readTimeout:    30 * time.Second,
		writeTimeout:   10 * time.Second,
		readBufferSize: 4096,
		logger:         &defaultLogger{},
	}
}

// Option represents a configuration option for a Conn
type Option func(*config) error

// WithConnectTimeout sets the connection timeout for the initial dial
//
// Example:
//
//	WithConnectTimeout(10 * time.Second)
func WithConnectTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			return ErrInvalidConfig
		}
		c.connectTimeout = timeout
		return nil
	}
}

// WithReadTimeout sets the read timeout for non-blocking requests.
// Blocking requests (DoBlocking) ignore it and wait on the context
// instead. Zero disables the timeout.
//
// Example:
//
//	WithReadTimeout(30 * time.Second)
func WithReadTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout < 0 {
			return ErrInvalidConfig
		}
		c.readTimeout = timeout
		return nil
	}
}

// WithWriteTimeout sets the write timeout for network operations.
// Zero disables the timeout.
//
// Example:
//
//	WithWriteTimeout(10 * time.Second)
func WithWriteTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout < 0 {
			return ErrInvalidConfig
		}
		c.writeTimeout = timeout
		return nil
	}
}

// WithReadBufferSize sets the chunk size for socket reads. Replies larger
// than this still decode fine; the accumulation buffer grows as needed.
//
// Example:
//
//	WithReadBufferSize(64 * 1024)
func WithReadBufferSize(size int) Option {
	return func(c *config) error {
		if size <= 0 {
			return ErrInvalidConfig
		}
		c.readBufferSize = size
		return nil
	}
}

// WithDialer sets a custom dial function for the transport. Useful for
// unix sockets, in-memory pipes in tests, or connections that need
// special socket options.
//
// Example:
//
//	WithDialer(func(ctx context.Context, network, addr string) (net.Conn, error) {
//		return net.Dial("unix", "/var/run/redis.sock")
//	})
func WithDialer(dial DialFunc) Option {
	return func(c *config) error {
		if dial == nil {
			return ErrInvalidConfig
		}
		c.dialFunc = dial
		return nil
	}
}

// WithLogger sets a custom logger for the connection
//
// Example:
//
//	WithLogger(myCustomLogger)
func WithLogger(logger Logger) Option {
	return func(c *config) error {
		if logger == nil {
			return ErrInvalidConfig
		}
		c.logger = logger
		return nil
	}
}

// WithMetrics enables metrics collection with the provided collector
//
// Example:
//
//	WithMetrics(myMetricsCollector)
func WithMetrics(collector MetricsCollector) Option {
	return func(c *config) error {
		c.metrics = collector
		return nil
	}
}
