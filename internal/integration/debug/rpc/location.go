package rpc

import (
	"context"
	"fmt"

	"github.com/apache/thrift/lib/go/thrift"

	"github.com/dshills/cspybridge/internal/integration/debug/cspy"
)

// Location is the wire form of cspy.ServiceLocation.
type Location struct {
	cspy.ServiceLocation
}

// Write implements thrift.TStruct.
func (l *Location) Write(ctx context.Context, p thrift.TProtocol) error {
	return WriteStruct(ctx, p, "ServiceLocation",
		StringField(1, "host", l.Host),
		I32Field(2, "port", l.Port),
		I32Field(3, "protocol", int32(l.Protocol)),
		I32Field(4, "transport", int32(l.Transport)),
	)
}

// Read implements thrift.TStruct.
func (l *Location) Read(ctx context.Context, p thrift.TProtocol) error {
	var protocol, transport int32
	err := ReadStruct(ctx, p, Fields{
		1: String(&l.Host),
		2: I32(&l.Port),
		3: I32(&protocol),
		4: I32(&transport),
	})
	l.Protocol = cspy.Protocol(protocol)
	l.Transport = cspy.Transport(transport)
	return err
}

// engineError is the wire form of cspy.EngineError.
type engineError struct {
	cspy.EngineError
}

func (e *engineError) Write(ctx context.Context, p thrift.TProtocol) error {
	return WriteStruct(ctx, p, "CSpyException",
		I32Field(1, "code", e.Code),
		StringField(2, "method", e.Method),
		StringField(3, "message", e.Message),
		StringField(4, "culprit", e.Culprit),
	)
}

func (e *engineError) Read(ctx context.Context, p thrift.TProtocol) error {
	return ReadStruct(ctx, p, Fields{
		1: I32(&e.Code),
		2: String(&e.Method),
		3: String(&e.Message),
		4: String(&e.Culprit),
	})
}

// ExceptionField writes err as the exception field of a call result.
func ExceptionField(err cspy.EngineError) FieldWriter {
	return StructField(1, "e", &engineError{err})
}

// DecodeJSON decodes a bare struct serialized with the Thrift JSON protocol.
func DecodeJSON(ctx context.Context, data []byte, v thrift.TStruct) error {
	d := thrift.NewTDeserializer()
	d.Protocol = thrift.NewTJSONProtocolFactory().GetProtocol(d.Transport)
	if err := d.Read(ctx, v, data); err != nil {
		return fmt.Errorf("decode json struct: %w", err)
	}
	return nil
}

// EncodeJSON serializes a struct with the Thrift JSON protocol.
func EncodeJSON(ctx context.Context, v thrift.TStruct) ([]byte, error) {
	s := thrift.NewTSerializer()
	s.Protocol = thrift.NewTJSONProtocolFactory().GetProtocol(s.Transport)
	data, err := s.Write(ctx, v)
	if err != nil {
		return nil, fmt.Errorf("encode json struct: %w", err)
	}
	return data, nil
}
