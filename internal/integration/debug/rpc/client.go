package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apache/thrift/lib/go/thrift"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dshills/cspybridge/internal/integration/debug/cspy"
)

const (
	tracerName = "github.com/dshills/cspybridge/internal/integration/debug/rpc"

	// bufferSize matches the buffered transport the engine uses.
	bufferSize = 8192
)

// ErrClientClosed is returned by calls on a closed client.
var ErrClientClosed = errors.New("rpc client closed")

// ErrUnsupportedTransport is returned when a service location advertises a
// transport other than a TCP socket.
var ErrUnsupportedTransport = errors.New("unsupported transport")

// Client is a connection to one remote Thrift service.
//
// A Thrift connection carries one call at a time, so calls made through the
// same Client are serialized. Client is safe for concurrent use.
type Client struct {
	service  string
	location cspy.ServiceLocation
	trans    thrift.TTransport
	client   *thrift.TStandardClient

	mu     sync.Mutex
	closed atomic.Bool

	connectTimeout time.Duration
	socketTimeout  time.Duration
	logger         *slog.Logger
}

// ClientOption configures a Client instance.
type ClientOption func(*Client)

// WithConnectTimeout bounds the time spent establishing the connection.
func WithConnectTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.connectTimeout = d
	}
}

// WithSocketTimeout bounds each read and write on the connection.
// A value of 0 (default) means no timeout.
func WithSocketTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.socketTimeout = d
	}
}

// WithLogger sets the logger used for connection events.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// Dial connects to the service at loc. The service name is only used for
// logging, metrics and error messages.
func Dial(ctx context.Context, service string, loc cspy.ServiceLocation, opts ...ClientOption) (*Client, error) {
	c := &Client{
		service:        service,
		location:       loc,
		connectTimeout: 5 * time.Second,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if loc.Transport != cspy.TransportSocket {
		return nil, fmt.Errorf("dial %s at %s: %w", service, loc, ErrUnsupportedTransport)
	}

	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < c.connectTimeout {
			c.connectTimeout = remaining
		}
	}

	conf := &thrift.TConfiguration{
		ConnectTimeout: c.connectTimeout,
		SocketTimeout:  c.socketTimeout,
	}

	socket := thrift.NewTSocketConf(loc.Address(), conf)
	trans := thrift.NewTBufferedTransport(socket, bufferSize)
	if err := trans.Open(); err != nil {
		return nil, fmt.Errorf("dial %s at %s: %w", service, loc, err)
	}

	var proto thrift.TProtocol
	switch loc.Protocol {
	case cspy.ProtocolBinary:
		proto = thrift.NewTBinaryProtocolConf(trans, conf)
	case cspy.ProtocolCompact:
		proto = thrift.NewTCompactProtocolConf(trans, conf)
	case cspy.ProtocolJSON:
		proto = thrift.NewTJSONProtocol(trans)
	default:
		_ = trans.Close()
		return nil, fmt.Errorf("dial %s at %s: unsupported protocol %s", service, loc, loc.Protocol)
	}

	c.trans = trans
	c.client = thrift.NewTStandardClient(proto, proto)
	c.logger.Debug("connected to service", "service", service, "location", loc.String())
	return c, nil
}

// Service returns the name the client was dialed with.
func (c *Client) Service() string {
	return c.service
}

// Location returns the address the client is connected to.
func (c *Client) Location() cspy.ServiceLocation {
	return c.location
}

// Call invokes method with args and decodes the reply into result.
// Pass a nil result for oneway methods. An exception raised by the engine
// is returned as a *cspy.EngineError.
func (c *Client) Call(ctx context.Context, method string, args thrift.TStruct, result *Result) error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, c.service+"."+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.service", c.service),
			attribute.String("rpc.method", method),
		),
	)
	defer span.End()

	start := time.Now()
	err := c.call(ctx, method, args, result)
	observeCall(c.service, method, time.Since(start), err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *Client) call(ctx context.Context, method string, args thrift.TStruct, result *Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if result == nil {
		if _, err := c.client.Call(ctx, method, args, nil); err != nil {
			return fmt.Errorf("%s.%s: %w", c.service, method, err)
		}
		return nil
	}

	if _, err := c.client.Call(ctx, method, args, result); err != nil {
		return fmt.Errorf("%s.%s: %w", c.service, method, err)
	}
	return result.Err()
}

// Close closes the connection. Close is idempotent.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trans.Close()
}
