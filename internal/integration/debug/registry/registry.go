// Package registry locates services hosted by the C-SPY engine and
// publishes services the bridge hosts for the engine to call.
//
// The engine runs a single service registry. Its address is written to a
// bootstrap file in the engine's working directory when the engine starts.
// Every lookup or registration opens a short-lived registry connection;
// long-lived connections are only held to the services themselves.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/apache/thrift/lib/go/thrift"

	"github.com/dshills/cspybridge/internal/integration/debug/cspy"
	"github.com/dshills/cspybridge/internal/integration/debug/rpc"
)

const serviceName = "registry"

// ErrClosed is returned when starting a service on a closed registry.
var ErrClosed = errors.New("registry closed")

// Registry is a client of the engine's service registry. It also owns the
// servers for every service started through it.
type Registry struct {
	location      cspy.ServiceLocation
	lookupTimeout time.Duration
	dialRetry     rpc.RetryConfig
	dialOpts      []rpc.ClientOption
	logger        *slog.Logger

	mu      sync.Mutex
	servers []*rpc.Server
	closed  bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithLookupTimeout sets how long the registry waits for a service to
// appear before a lookup fails. Default is 1s.
func WithLookupTimeout(d time.Duration) Option {
	return func(r *Registry) {
		r.lookupTimeout = d
	}
}

// WithDialRetry sets how Dial retries a registry that refuses connections.
func WithDialRetry(cfg rpc.RetryConfig) Option {
	return func(r *Registry) {
		r.dialRetry = cfg
	}
}

// WithDialOptions sets the options used for every connection the registry
// opens.
func WithDialOptions(opts ...rpc.ClientOption) Option {
	return func(r *Registry) {
		r.dialOpts = append(r.dialOpts, opts...)
	}
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// Dial verifies that the registry at loc is reachable and returns a client
// for it. Refused connections are retried with backoff. An unreachable registry is reported as cspy.ErrServiceUnavailable.
func Dial(ctx context.Context, loc cspy.ServiceLocation, opts ...Option) (*Registry, error) {
	r := &Registry{
		location:      loc,
		lookupTimeout: time.Second,
		dialRetry:     rpc.DefaultRetryConfig(),
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}

	c, err := rpc.Retry(ctx, r.dialRetry, r.connect)
	if err != nil {
		return nil, cspy.NewOperationError("dial", serviceName, fmt.Errorf("%w: %w", cspy.ErrServiceUnavailable, err))
	}
	_ = c.Close()

	r.logger.Info("service registry reachable", "location", loc.String())
	return r, nil
}

// Location returns the registry's address.
func (r *Registry) Location() cspy.ServiceLocation {
	return r.location
}

func (r *Registry) connect(ctx context.Context) (*rpc.Client, error) {
	opts := append([]rpc.ClientOption{rpc.WithLogger(r.logger)}, r.dialOpts...)
	return rpc.Dial(ctx, serviceName, r.location, opts...)
}

// FindService connects to the named service. The service must already be
// started or be starting; the registry waits up to the lookup timeout for
// it to register. Failures are reported as cspy.ErrServiceUnavailable.
func (r *Registry) FindService(ctx context.Context, name string) (*rpc.Client, error) {
	loc, err := r.lookup(ctx, name)
	if err != nil {
		return nil, cspy.NewOperationError("findService", name, fmt.Errorf("%w: %w", cspy.ErrServiceUnavailable, err))
	}

	opts := append([]rpc.ClientOption{rpc.WithLogger(r.logger)}, r.dialOpts...)
	c, err := rpc.Dial(ctx, name, loc, opts...)
	if err != nil {
		return nil, cspy.NewOperationError("findService", name, fmt.Errorf("%w: %w", cspy.ErrServiceUnavailable, err))
	}
	return c, nil
}

func (r *Registry) lookup(ctx context.Context, name string) (cspy.ServiceLocation, error) {
	reg, err := r.connect(ctx)
	if err != nil {
		return cspy.ServiceLocation{}, err
	}
	defer reg.Close()

	var loc rpc.Location
	args := rpc.NewOut("waitForService_args",
		rpc.StringField(1, "serviceName", name),
		rpc.I32Field(2, "timeout", int32(r.lookupTimeout/time.Millisecond)),
	)
	if err := reg.Call(ctx, "waitForService", args, rpc.NewResult(rpc.Struct(&loc))); err != nil {
		return cspy.ServiceLocation{}, err
	}
	if loc.Host == "" {
		return cspy.ServiceLocation{}, fmt.Errorf("%w: empty location", cspy.ErrProtocolDrift)
	}
	return loc.ServiceLocation, nil
}

// StartService hosts processor on a local port and registers it under name
// so that the engine can connect to it. The server is stopped by Close.
func (r *Registry) StartService(ctx context.Context, name string, processor thrift.TProcessor) (cspy.ServiceLocation, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return cspy.ServiceLocation{}, cspy.NewOperationError("startService", name, ErrClosed)
	}

	srv, err := rpc.Serve(name, processor, r.logger)
	if err != nil {
		return cspy.ServiceLocation{}, cspy.NewOperationError("startService", name, err)
	}

	if err := r.register(ctx, name, srv.Location()); err != nil {
		_ = srv.Close()
		return cspy.ServiceLocation{}, cspy.NewOperationError("startService", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		_ = srv.Close()
		return cspy.ServiceLocation{}, cspy.NewOperationError("startService", name, ErrClosed)
	}
	r.servers = append(r.servers, srv)

	r.logger.Info("started service", "service", name, "location", srv.Location().String())
	return srv.Location(), nil
}

func (r *Registry) register(ctx context.Context, name string, loc cspy.ServiceLocation) error {
	reg, err := r.connect(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", cspy.ErrServiceUnavailable, err)
	}
	defer reg.Close()

	args := rpc.NewOut("registerService_args",
		rpc.StringField(1, "serviceName", name),
		rpc.StructField(2, "location", &rpc.Location{ServiceLocation: loc}),
	)
	return reg.Call(ctx, "registerService", args, rpc.NewResult(rpc.FieldReader{}))
}

// Close stops every service started through the registry. Close is
// idempotent.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	servers := r.servers
	r.servers = nil
	r.mu.Unlock()

	var errs []error
	for _, srv := range servers {
		if err := srv.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
