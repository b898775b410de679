package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/apache/thrift/lib/go/thrift"
)

// FieldWriter writes one struct field.
type FieldWriter func(ctx context.Context, p thrift.TProtocol) error

// FieldReader decodes one struct field of the given wire type.
type FieldReader struct {
	Type thrift.TType
	Read func(ctx context.Context, p thrift.TProtocol) error
}

// Fields maps field ids to their readers. Ids not present are skipped.
type Fields map[int16]FieldReader

// WriteStruct writes a complete struct made of the given fields.
func WriteStruct(ctx context.Context, p thrift.TProtocol, name string, fields ...FieldWriter) error {
	if err := p.WriteStructBegin(ctx, name); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	for _, f := range fields {
		if err := f(ctx, p); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	if err := p.WriteFieldStop(ctx); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return p.WriteStructEnd(ctx)
}

// ReadStruct reads a struct, dispatching each field to its reader.
// Fields with unknown ids or unexpected types are skipped.
func ReadStruct(ctx context.Context, p thrift.TProtocol, fields Fields) error {
	if _, err := p.ReadStructBegin(ctx); err != nil {
		return err
	}
	for {
		_, typ, id, err := p.ReadFieldBegin(ctx)
		if err != nil {
			return err
		}
		if typ == thrift.STOP {
			break
		}
		if f, ok := fields[id]; ok && f.Type == typ {
			if err := f.Read(ctx, p); err != nil {
				return fmt.Errorf("field %d: %w", id, err)
			}
		} else if err := p.Skip(ctx, typ); err != nil {
			return err
		}
		if err := p.ReadFieldEnd(ctx); err != nil {
			return err
		}
	}
	return p.ReadStructEnd(ctx)
}

func field(id int16, name string, typ thrift.TType, write func(ctx context.Context, p thrift.TProtocol) error) FieldWriter {
	return func(ctx context.Context, p thrift.TProtocol) error {
		if err := p.WriteFieldBegin(ctx, name, typ, id); err != nil {
			return err
		}
		if err := write(ctx, p); err != nil {
			return err
		}
		return p.WriteFieldEnd(ctx)
	}
}

// StringField writes a string field.
func StringField(id int16, name, v string) FieldWriter {
	return field(id, name, thrift.STRING, func(ctx context.Context, p thrift.TProtocol) error {
		return p.WriteString(ctx, v)
	})
}

// I32Field writes an i32 field.
func I32Field(id int16, name string, v int32) FieldWriter {
	return field(id, name, thrift.I32, func(ctx context.Context, p thrift.TProtocol) error {
		return p.WriteI32(ctx, v)
	})
}

// I64Field writes an i64 field.
func I64Field(id int16, name string, v int64) FieldWriter {
	return field(id, name, thrift.I64, func(ctx context.Context, p thrift.TProtocol) error {
		return p.WriteI64(ctx, v)
	})
}

// BoolField writes a bool field.
func BoolField(id int16, name string, v bool) FieldWriter {
	return field(id, name, thrift.BOOL, func(ctx context.Context, p thrift.TProtocol) error {
		return p.WriteBool(ctx, v)
	})
}

// BinaryField writes a binary field.
func BinaryField(id int16, name string, v []byte) FieldWriter {
	return field(id, name, thrift.STRING, func(ctx context.Context, p thrift.TProtocol) error {
		return p.WriteBinary(ctx, v)
	})
}

// StructField writes a nested struct field.
func StructField(id int16, name string, v thrift.TStruct) FieldWriter {
	return field(id, name, thrift.STRUCT, func(ctx context.Context, p thrift.TProtocol) error {
		return v.Write(ctx, p)
	})
}

// ListField writes a list field of n elements, each written by elem.
func ListField(id int16, name string, elemType thrift.TType, n int, elem func(ctx context.Context, p thrift.TProtocol, i int) error) FieldWriter {
	return field(id, name, thrift.LIST, func(ctx context.Context, p thrift.TProtocol) error {
		if err := p.WriteListBegin(ctx, elemType, n); err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			if err := elem(ctx, p, i); err != nil {
				return err
			}
		}
		return p.WriteListEnd(ctx)
	})
}

// StringListField writes a list<string> field.
func StringListField(id int16, name string, v []string) FieldWriter {
	return ListField(id, name, thrift.STRING, len(v), func(ctx context.Context, p thrift.TProtocol, i int) error {
		return p.WriteString(ctx, v[i])
	})
}

// I32ListField writes a list<i32> field.
func I32ListField(id int16, name string, v []int32) FieldWriter {
	return ListField(id, name, thrift.I32, len(v), func(ctx context.Context, p thrift.TProtocol, i int) error {
		return p.WriteI32(ctx, v[i])
	})
}

// String reads a string field into dst.
func String(dst *string) FieldReader {
	return FieldReader{Type: thrift.STRING, Read: func(ctx context.Context, p thrift.TProtocol) (err error) {
		*dst, err = p.ReadString(ctx)
		return err
	}}
}

// I32 reads an i32 field into dst.
func I32(dst *int32) FieldReader {
	return FieldReader{Type: thrift.I32, Read: func(ctx context.Context, p thrift.TProtocol) (err error) {
		*dst, err = p.ReadI32(ctx)
		return err
	}}
}

// I64 reads an i64 field into dst.
func I64(dst *int64) FieldReader {
	return FieldReader{Type: thrift.I64, Read: func(ctx context.Context, p thrift.TProtocol) (err error) {
		*dst, err = p.ReadI64(ctx)
		return err
	}}
}

// Uint64 reads an i64 field holding an unsigned address into dst.
func Uint64(dst *uint64) FieldReader {
	return FieldReader{Type: thrift.I64, Read: func(ctx context.Context, p thrift.TProtocol) error {
		v, err := p.ReadI64(ctx)
		*dst = uint64(v)
		return err
	}}
}

// Binary reads a binary field into dst.
func Binary(dst *[]byte) FieldReader {
	return FieldReader{Type: thrift.STRING, Read: func(ctx context.Context, p thrift.TProtocol) (err error) {
		*dst, err = p.ReadBinary(ctx)
		return err
	}}
}

// Bool reads a bool field into dst.
func Bool(dst *bool) FieldReader {
	return FieldReader{Type: thrift.BOOL, Read: func(ctx context.Context, p thrift.TProtocol) (err error) {
		*dst, err = p.ReadBool(ctx)
		return err
	}}
}

// Struct reads a nested struct field into v.
func Struct(v thrift.TStruct) FieldReader {
	return FieldReader{Type: thrift.STRUCT, Read: v.Read}
}

// List reads a list field, calling elem once per element.
func List(elem func(ctx context.Context, p thrift.TProtocol) error) FieldReader {
	return FieldReader{Type: thrift.LIST, Read: func(ctx context.Context, p thrift.TProtocol) error {
		_, size, err := p.ReadListBegin(ctx)
		if err != nil {
			return err
		}
		for i := 0; i < size; i++ {
			if err := elem(ctx, p); err != nil {
				return err
			}
		}
		return p.ReadListEnd(ctx)
	}}
}

// StringList reads a list<string> field into dst.
func StringList(dst *[]string) FieldReader {
	*dst = nil
	return List(func(ctx context.Context, p thrift.TProtocol) error {
		s, err := p.ReadString(ctx)
		if err != nil {
			return err
		}
		*dst = append(*dst, s)
		return nil
	})
}

// Out is a write-only struct assembled from field writers. It is used for
// call arguments and for replies sent by locally hosted services.
type Out struct {
	name   string
	fields []FieldWriter
}

// NewOut creates an Out struct with the given Thrift struct name.
func NewOut(name string, fields ...FieldWriter) *Out {
	return &Out{name: name, fields: fields}
}

// Write implements thrift.TStruct.
func (o *Out) Write(ctx context.Context, p thrift.TProtocol) error {
	return WriteStruct(ctx, p, o.name, o.fields...)
}

// Read implements thrift.TStruct. Out structs are never decoded.
func (o *Out) Read(ctx context.Context, p thrift.TProtocol) error {
	return errors.New("rpc: out struct is write-only")
}

// Result decodes a call reply. Field 0 carries the return value, field 1 an
// engine exception.
type Result struct {
	success   FieldReader
	exception *engineError
}

// NewResult creates a result decoding the return value with success. Pass
// a zero FieldReader for void methods.
func NewResult(success FieldReader) *Result {
	return &Result{success: success}
}

// Read implements thrift.TStruct.
func (r *Result) Read(ctx context.Context, p thrift.TProtocol) error {
	fields := Fields{
		1: FieldReader{Type: thrift.STRUCT, Read: func(ctx context.Context, p thrift.TProtocol) error {
			r.exception = &engineError{}
			return r.exception.Read(ctx, p)
		}},
	}
	if r.success.Read != nil {
		fields[0] = r.success
	}
	return ReadStruct(ctx, p, fields)
}

// Write implements thrift.TStruct. Results are never encoded by clients.
func (r *Result) Write(ctx context.Context, p thrift.TProtocol) error {
	return errors.New("rpc: result is read-only")
}

// Err returns the engine exception carried by the reply, if any.
func (r *Result) Err() error {
	if r.exception == nil {
		return nil
	}
	return &r.exception.EngineError
}
