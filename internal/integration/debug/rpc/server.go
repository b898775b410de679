package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/apache/thrift/lib/go/thrift"

	"github.com/dshills/cspybridge/internal/integration/debug/cspy"
)

// stopTimeout bounds how long Close waits for connected engine clients to
// hang up before giving up on them.
const stopTimeout = 2 * time.Second

// Handler decodes the arguments of one inbound call from in and returns the
// reply. Handlers for oneway methods return a nil reply.
type Handler func(ctx context.Context, in thrift.TProtocol) (thrift.TStruct, error)

// Processor dispatches inbound calls to registered handlers. It implements
// thrift.TProcessor.
type Processor struct {
	service string
	methods map[string]thrift.TProcessorFunction
	logger  *slog.Logger
}

// NewProcessor creates an empty processor for the named service.
func NewProcessor(service string, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		service: service,
		methods: make(map[string]thrift.TProcessorFunction),
		logger:  logger,
	}
}

// Handle registers a two-way method. A nil reply from h is sent as an empty
// result struct. If the caller sends the call as oneway, no reply is written.
func (p *Processor) Handle(method string, h Handler) {
	p.methods[method] = &methodFunc{processor: p, method: method, handler: h}
}

// HandleOneway registers a oneway method. No reply is written.
func (p *Processor) HandleOneway(method string, h Handler) {
	p.methods[method] = &methodFunc{processor: p, method: method, handler: h, oneway: true}
}

// ProcessorMap implements thrift.TProcessor.
func (p *Processor) ProcessorMap() map[string]thrift.TProcessorFunction {
	return p.methods
}

// AddToProcessorMap implements thrift.TProcessor.
func (p *Processor) AddToProcessorMap(name string, fn thrift.TProcessorFunction) {
	p.methods[name] = fn
}

// Process implements thrift.TProcessor.
func (p *Processor) Process(ctx context.Context, in, out thrift.TProtocol) (bool, thrift.TException) {
	name, typ, seqID, err := in.ReadMessageBegin(ctx)
	if err != nil {
		return false, thrift.WrapTException(err)
	}
	if fn, ok := p.methods[name]; ok {
		if m, ok := fn.(*methodFunc); ok {
			// Calls sent as oneway never get a reply, whatever the handler
			// was registered as.
			return m.process(ctx, seqID, typ == thrift.ONEWAY, in, out)
		}
		return fn.Process(ctx, seqID, in, out)
	}

	p.logger.Warn("unknown method called", "service", p.service, "method", name)
	_ = in.Skip(ctx, thrift.STRUCT)
	_ = in.ReadMessageEnd(ctx)
	x := thrift.NewTApplicationException(thrift.UNKNOWN_METHOD, "Unknown function "+name)
	_ = out.WriteMessageBegin(ctx, name, thrift.EXCEPTION, seqID)
	_ = x.Write(ctx, out)
	_ = out.WriteMessageEnd(ctx)
	_ = out.Flush(ctx)
	return false, x
}

type methodFunc struct {
	processor *Processor
	method    string
	handler   Handler
	oneway    bool
}

// Process implements thrift.TProcessorFunction.
func (m *methodFunc) Process(ctx context.Context, seqID int32, in, out thrift.TProtocol) (bool, thrift.TException) {
	return m.process(ctx, seqID, false, in, out)
}

func (m *methodFunc) process(ctx context.Context, seqID int32, oneway bool, in, out thrift.TProtocol) (bool, thrift.TException) {
	metricServed.WithLabelValues(m.processor.service, m.method).Inc()

	reply, herr := m.handler(ctx, in)
	if err := in.ReadMessageEnd(ctx); err != nil {
		return false, thrift.WrapTException(err)
	}

	if herr != nil {
		m.processor.logger.Error("handler failed",
			"service", m.processor.service, "method", m.method, "error", herr)
	}
	if m.oneway || oneway {
		return true, nil
	}

	if herr != nil {
		x := thrift.NewTApplicationException(thrift.INTERNAL_ERROR, herr.Error())
		if err := writeMessage(ctx, out, m.method, thrift.EXCEPTION, seqID, x); err != nil {
			return false, thrift.WrapTException(err)
		}
		return true, nil
	}

	if reply == nil {
		reply = NewOut(m.method + "_result")
	}
	if err := writeMessage(ctx, out, m.method, thrift.REPLY, seqID, reply); err != nil {
		return false, thrift.WrapTException(err)
	}
	return true, nil
}

func writeMessage(ctx context.Context, out thrift.TProtocol, name string, typ thrift.TMessageType, seqID int32, body thrift.TStruct) error {
	if err := out.WriteMessageBegin(ctx, name, typ, seqID); err != nil {
		return err
	}
	if err := body.Write(ctx, out); err != nil {
		return err
	}
	if err := out.WriteMessageEnd(ctx); err != nil {
		return err
	}
	return out.Flush(ctx)
}

// Server hosts one service on a local port so that the engine can call back
// into the bridge.
type Server struct {
	name     string
	socket   *thrift.TServerSocket
	server   *thrift.TSimpleServer
	location cspy.ServiceLocation
	done     chan struct{}
	once     sync.Once
	logger   *slog.Logger
}

// Serve starts hosting processor on an ephemeral localhost port. The
// returned server is already accepting connections.
func Serve(name string, processor thrift.TProcessor, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	socket, err := thrift.NewTServerSocket("localhost:0")
	if err != nil {
		return nil, fmt.Errorf("serve %s: %w", name, err)
	}
	if err := socket.Listen(); err != nil {
		return nil, fmt.Errorf("serve %s: %w", name, err)
	}

	addr, ok := socket.Addr().(*net.TCPAddr)
	if !ok {
		_ = socket.Close()
		return nil, fmt.Errorf("serve %s: unexpected listener address %v", name, socket.Addr())
	}

	server := thrift.NewTSimpleServer4(
		processor,
		socket,
		thrift.NewTBufferedTransportFactory(bufferSize),
		thrift.NewTBinaryProtocolFactoryConf(nil),
	)

	s := &Server{
		name:   name,
		socket: socket,
		server: server,
		location: cspy.ServiceLocation{
			Host:      "localhost",
			Port:      int32(addr.Port),
			Protocol:  cspy.ProtocolBinary,
			Transport: cspy.TransportSocket,
		},
		done:   make(chan struct{}),
		logger: logger,
	}

	go func() {
		defer close(s.done)
		if err := server.Serve(); err != nil {
			logger.Error("service stopped with error", "service", name, "error", err)
		}
	}()

	logger.Debug("hosting service", "service", name, "location", s.location.String())
	return s, nil
}

// Name returns the service name.
func (s *Server) Name() string {
	return s.name
}

// Location returns the address the engine should use to reach the service.
func (s *Server) Location() cspy.ServiceLocation {
	return s.location
}

// Close stops accepting connections and waits briefly for the serve loop to
// exit. Close is idempotent.
func (s *Server) Close() error {
	var err error
	s.once.Do(func() {
		stopped := make(chan error, 1)
		go func() {
			stopped <- s.server.Stop()
		}()

		select {
		case err = <-stopped:
		case <-time.After(stopTimeout):
			err = errors.New("timed out waiting for connections to close")
		}

		select {
		case <-s.done:
		case <-time.After(stopTimeout):
		}
		if err != nil {
			s.logger.Warn("service did not stop cleanly", "service", s.name, "error", err)
			err = fmt.Errorf("close %s: %w", s.name, err)
		}
	})
	return err
}
