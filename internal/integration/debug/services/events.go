package services

import (
	"context"
	"log/slog"

	"github.com/apache/thrift/lib/go/thrift"

	"github.com/dshills/cspybridge/internal/integration/debug/cspy"
	"github.com/dshills/cspybridge/internal/integration/debug/rpc"
)

// EventHandler receives the events the engine posts to the debug event
// listener. Any field may be nil.
type EventHandler struct {
	Debug                    func(cspy.DebugEvent)
	Log                      func(cspy.LogEvent)
	InspectionContextChanged func(cspy.ContextRef)
	BaseContextChanged       func(cspy.ContextRef)
}

type contextChangedEvent struct {
	context cspy.ContextRef
}

func (e *contextChangedEvent) Write(ctx context.Context, p thrift.TProtocol) error {
	return rpc.WriteStruct(ctx, p, "ContextChangedEvent",
		rpc.StructField(1, "context", &contextRef{e.context}))
}

func (e *contextChangedEvent) Read(ctx context.Context, p thrift.TProtocol) error {
	var ref contextRef
	err := rpc.ReadStruct(ctx, p, rpc.Fields{1: rpc.Struct(&ref)})
	e.context = ref.ContextRef
	return err
}

// NewDebugEventProcessor returns the processor of the debug event listener
// service.
func NewDebugEventProcessor(h EventHandler, logger *slog.Logger) *rpc.Processor {
	p := rpc.NewProcessor(DebugEventService, logger)

	p.HandleOneway("postDebugEvent", func(ctx context.Context, in thrift.TProtocol) (thrift.TStruct, error) {
		var e debugEvent
		if err := rpc.ReadStruct(ctx, in, rpc.Fields{1: rpc.Struct(&e)}); err != nil {
			return nil, err
		}
		if h.Debug != nil {
			h.Debug(e.DebugEvent)
		}
		return nil, nil
	})

	p.Handle("postLogEvent", func(ctx context.Context, in thrift.TProtocol) (thrift.TStruct, error) {
		var e logEvent
		if err := rpc.ReadStruct(ctx, in, rpc.Fields{1: rpc.Struct(&e)}); err != nil {
			return nil, err
		}
		if h.Log != nil {
			h.Log(e.LogEvent)
		}
		return nil, nil
	})

	p.HandleOneway("postInspectionContextChangedEvent", func(ctx context.Context, in thrift.TProtocol) (thrift.TStruct, error) {
		var e contextChangedEvent
		if err := rpc.ReadStruct(ctx, in, rpc.Fields{1: rpc.Struct(&e)}); err != nil {
			return nil, err
		}
		if h.InspectionContextChanged != nil {
			h.InspectionContextChanged(e.context)
		}
		return nil, nil
	})

	p.HandleOneway("postBaseContextChangedEvent", func(ctx context.Context, in thrift.TProtocol) (thrift.TStruct, error) {
		var e contextChangedEvent
		if err := rpc.ReadStruct(ctx, in, rpc.Fields{1: rpc.Struct(&e)}); err != nil {
			return nil, err
		}
		if h.BaseContextChanged != nil {
			h.BaseContextChanged(e.context)
		}
		return nil, nil
	})

	return p
}
