package services

import (
	"context"

	"github.com/apache/thrift/lib/go/thrift"

	"github.com/dshills/cspybridge/internal/integration/debug/cspy"
	"github.com/dshills/cspybridge/internal/integration/debug/rpc"
)

// Wire forms of the engine structs. Field ids follow the engine's IDL
// declaration order.

type contextRef struct{ cspy.ContextRef }

func (c *contextRef) Write(ctx context.Context, p thrift.TProtocol) error {
	return rpc.WriteStruct(ctx, p, "ContextRef",
		rpc.I32Field(1, "type", int32(c.Type)),
		rpc.I32Field(2, "level", c.Level),
		rpc.I32Field(3, "core", c.Core),
		rpc.I32Field(4, "task", c.Task),
	)
}

func (c *contextRef) Read(ctx context.Context, p thrift.TProtocol) error {
	var typ int32
	err := rpc.ReadStruct(ctx, p, rpc.Fields{
		1: rpc.I32(&typ),
		2: rpc.I32(&c.Level),
		3: rpc.I32(&c.Core),
		4: rpc.I32(&c.Task),
	})
	c.Type = cspy.ContextType(typ)
	return err
}

type zone struct{ cspy.Zone }

func (z *zone) Write(ctx context.Context, p thrift.TProtocol) error {
	return rpc.WriteStruct(ctx, p, "Zone", rpc.I32Field(1, "id", z.ID))
}

func (z *zone) Read(ctx context.Context, p thrift.TProtocol) error {
	return rpc.ReadStruct(ctx, p, rpc.Fields{1: rpc.I32(&z.ID)})
}

type location struct{ cspy.Location }

func (l *location) Write(ctx context.Context, p thrift.TProtocol) error {
	return rpc.WriteStruct(ctx, p, "Location",
		rpc.StructField(1, "zone", &zone{l.Zone}),
		rpc.I64Field(2, "address", int64(l.Address)),
	)
}

func (l *location) Read(ctx context.Context, p thrift.TProtocol) error {
	z := zone{}
	err := rpc.ReadStruct(ctx, p, rpc.Fields{
		1: rpc.Struct(&z),
		2: rpc.Uint64(&l.Address),
	})
	l.Zone = z.Zone
	return err
}

func readLocations(dst *[]cspy.Location) rpc.FieldReader {
	*dst = nil
	return rpc.List(func(ctx context.Context, p thrift.TProtocol) error {
		var l location
		if err := l.Read(ctx, p); err != nil {
			return err
		}
		*dst = append(*dst, l.Location)
		return nil
	})
}

type sourceLocation struct{ cspy.SourceLocation }

func (s *sourceLocation) Write(ctx context.Context, p thrift.TProtocol) error {
	return rpc.WriteStruct(ctx, p, "SourceLocation",
		rpc.StringField(1, "filename", s.Filename),
		rpc.I32Field(2, "line", s.Line),
		rpc.I32Field(3, "col", s.Col),
		rpc.ListField(4, "locations", thrift.STRUCT, len(s.Locations), func(ctx context.Context, p thrift.TProtocol, i int) error {
			return (&location{s.Locations[i]}).Write(ctx, p)
		}),
	)
}

func (s *sourceLocation) Read(ctx context.Context, p thrift.TProtocol) error {
	return rpc.ReadStruct(ctx, p, rpc.Fields{
		1: rpc.String(&s.Filename),
		2: rpc.I32(&s.Line),
		3: rpc.I32(&s.Col),
		4: readLocations(&s.Locations),
	})
}

type sourceRange struct{ cspy.SourceRange }

func (s *sourceRange) Write(ctx context.Context, p thrift.TProtocol) error {
	return rpc.WriteStruct(ctx, p, "SourceRange",
		rpc.StringField(1, "filename", s.Filename),
		rpc.StructField(2, "first", &sourceLocation{s.First}),
		rpc.StructField(3, "last", &sourceLocation{s.Last}),
		rpc.StringField(4, "text", s.Text),
	)
}

func (s *sourceRange) Read(ctx context.Context, p thrift.TProtocol) error {
	var first, last sourceLocation
	err := rpc.ReadStruct(ctx, p, rpc.Fields{
		1: rpc.String(&s.Filename),
		2: rpc.Struct(&first),
		3: rpc.Struct(&last),
		4: rpc.String(&s.Text),
	})
	s.First = first.SourceLocation
	s.Last = last.SourceLocation
	return err
}

func writeSourceRanges(id int16, name string, v []cspy.SourceRange) rpc.FieldWriter {
	return rpc.ListField(id, name, thrift.STRUCT, len(v), func(ctx context.Context, p thrift.TProtocol, i int) error {
		return (&sourceRange{v[i]}).Write(ctx, p)
	})
}

func readSourceRanges(dst *[]cspy.SourceRange) rpc.FieldReader {
	*dst = nil
	return rpc.List(func(ctx context.Context, p thrift.TProtocol) error {
		var r sourceRange
		if err := r.Read(ctx, p); err != nil {
			return err
		}
		*dst = append(*dst, r.SourceRange)
		return nil
	})
}

type contextInfo struct{ cspy.ContextInfo }

func (c *contextInfo) Write(ctx context.Context, p thrift.TProtocol) error {
	return rpc.WriteStruct(ctx, p, "ContextInfo",
		rpc.StructField(1, "context", &contextRef{c.Context}),
		rpc.StructField(2, "aliases", &contextRef{c.Aliases}),
		writeSourceRanges(3, "sourceRanges", c.SourceRanges),
		rpc.StructField(4, "execLocation", &location{c.ExecLocation}),
		rpc.StringField(5, "functionName", c.FunctionName),
	)
}

func (c *contextInfo) Read(ctx context.Context, p thrift.TProtocol) error {
	var ref, aliases contextRef
	var exec location
	err := rpc.ReadStruct(ctx, p, rpc.Fields{
		1: rpc.Struct(&ref),
		2: rpc.Struct(&aliases),
		3: readSourceRanges(&c.SourceRanges),
		4: rpc.Struct(&exec),
		5: rpc.String(&c.FunctionName),
	})
	c.Context = ref.ContextRef
	c.Aliases = aliases.ContextRef
	c.ExecLocation = exec.Location
	return err
}

type exprValue struct{ cspy.ExprValue }

func (e *exprValue) Write(ctx context.Context, p thrift.TProtocol) error {
	return rpc.WriteStruct(ctx, p, "ExprValue",
		rpc.StringField(1, "expression", e.Expression),
		rpc.StringField(2, "value", e.Value),
		rpc.StringField(3, "type", e.Type),
		rpc.BoolField(4, "isLValue", e.IsLValue),
		rpc.BoolField(5, "hasLocation", e.HasLocation),
		rpc.StructField(6, "location", &location{e.Location}),
		rpc.I32Field(7, "subExprCount", e.SubExprCount),
		rpc.I32Field(8, "basicType", int32(e.BasicType)),
		rpc.I32Field(9, "size", e.Size),
	)
}

func (e *exprValue) Read(ctx context.Context, p thrift.TProtocol) error {
	var loc location
	var basic int32
	err := rpc.ReadStruct(ctx, p, rpc.Fields{
		1: rpc.String(&e.Expression),
		2: rpc.String(&e.Value),
		3: rpc.String(&e.Type),
		4: rpc.Bool(&e.IsLValue),
		5: rpc.Bool(&e.HasLocation),
		6: rpc.Struct(&loc),
		7: rpc.I32(&e.SubExprCount),
		8: rpc.I32(&basic),
		9: rpc.I32(&e.Size),
	})
	e.Location = loc.Location
	e.BasicType = cspy.BasicExprType(basic)
	return err
}

type disassembledLocation struct{ cspy.DisassembledLocation }

func (d *disassembledLocation) Write(ctx context.Context, p thrift.TProtocol) error {
	return rpc.WriteStruct(ctx, p, "DisassembledLocation",
		rpc.StructField(1, "location", &location{d.Location}),
		rpc.StringListField(2, "instructions", d.Instructions),
	)
}

func (d *disassembledLocation) Read(ctx context.Context, p thrift.TProtocol) error {
	var loc location
	err := rpc.ReadStruct(ctx, p, rpc.Fields{
		1: rpc.Struct(&loc),
		2: rpc.StringList(&d.Instructions),
	})
	d.Location = loc.Location
	return err
}

type breakpoint struct{ cspy.Breakpoint }

func (b *breakpoint) Write(ctx context.Context, p thrift.TProtocol) error {
	return rpc.WriteStruct(ctx, p, "Breakpoint",
		rpc.I32Field(1, "id", b.ID),
		rpc.StringField(2, "ule", b.ULE),
		rpc.StringField(3, "category", b.Category),
		rpc.StringField(4, "descriptor", b.Descriptor),
		rpc.StringField(5, "description", b.Description),
		rpc.BoolField(6, "enabled", b.Enabled),
		rpc.BoolField(7, "isUleBased", b.IsULEBased),
		rpc.I32Field(8, "accessType", b.AccessType),
		rpc.BoolField(9, "valid", b.Valid),
	)
}

func (b *breakpoint) Read(ctx context.Context, p thrift.TProtocol) error {
	return rpc.ReadStruct(ctx, p, rpc.Fields{
		1: rpc.I32(&b.ID),
		2: rpc.String(&b.ULE),
		3: rpc.String(&b.Category),
		4: rpc.String(&b.Descriptor),
		5: rpc.String(&b.Description),
		6: rpc.Bool(&b.Enabled),
		7: rpc.Bool(&b.IsULEBased),
		8: rpc.I32(&b.AccessType),
		9: rpc.Bool(&b.Valid),
	})
}

type debugEvent struct{ cspy.DebugEvent }

func (e *debugEvent) Write(ctx context.Context, p thrift.TProtocol) error {
	return rpc.WriteStruct(ctx, p, "DebugEvent",
		rpc.I32Field(1, "note", int32(e.Note)),
		rpc.StringField(2, "descr", e.Descr),
		rpc.StringListField(3, "params", e.Params),
	)
}

func (e *debugEvent) Read(ctx context.Context, p thrift.TProtocol) error {
	var note int32
	err := rpc.ReadStruct(ctx, p, rpc.Fields{
		1: rpc.I32(&note),
		2: rpc.String(&e.Descr),
		3: rpc.StringList(&e.Params),
	})
	e.Note = cspy.NotifyConstant(note)
	return err
}

type logEvent struct{ cspy.LogEvent }

func (e *logEvent) Write(ctx context.Context, p thrift.TProtocol) error {
	return rpc.WriteStruct(ctx, p, "LogEvent",
		rpc.I32Field(1, "cat", int32(e.Category)),
		rpc.StringField(2, "text", e.Text),
		rpc.I64Field(3, "timestamp", e.Timestamp),
	)
}

func (e *logEvent) Read(ctx context.Context, p thrift.TProtocol) error {
	var cat int32
	err := rpc.ReadStruct(ctx, p, rpc.Fields{
		1: rpc.I32(&cat),
		2: rpc.String(&e.Text),
		3: rpc.I64(&e.Timestamp),
	})
	e.Category = cspy.LogCategory(cat)
	return err
}

type note struct{ cspy.Note }

func (n *note) Write(ctx context.Context, p thrift.TProtocol) error {
	return rpc.WriteStruct(ctx, p, "Note",
		rpc.I32Field(1, "what", int32(n.What)),
		rpc.StringField(2, "anonPos", n.AnonPos),
		rpc.I64Field(3, "ensureVisible", n.EnsureVisible),
		rpc.I64Field(4, "row", n.Row),
		rpc.I64Field(5, "seq", n.Seq),
	)
}

func (n *note) Read(ctx context.Context, p thrift.TProtocol) error {
	var what int32
	err := rpc.ReadStruct(ctx, p, rpc.Fields{
		1: rpc.I32(&what),
		2: rpc.String(&n.AnonPos),
		3: rpc.I64(&n.EnsureVisible),
		4: rpc.I64(&n.Row),
		5: rpc.I64(&n.Seq),
	})
	n.What = cspy.UpdateKind(what)
	return err
}

// format is the cell format struct. Only the editable flag is consumed.
type format struct {
	editable bool
}

func (f *format) Write(ctx context.Context, p thrift.TProtocol) error {
	return rpc.WriteStruct(ctx, p, "Format", rpc.BoolField(1, "editable", f.editable))
}

func (f *format) Read(ctx context.Context, p thrift.TProtocol) error {
	return rpc.ReadStruct(ctx, p, rpc.Fields{1: rpc.Bool(&f.editable)})
}

type cell struct{ cspy.Cell }

func (c *cell) Write(ctx context.Context, p thrift.TProtocol) error {
	return rpc.WriteStruct(ctx, p, "Cell",
		rpc.StringField(1, "text", c.Text),
		rpc.StructField(2, "format", &format{editable: c.Editable}),
	)
}

func (c *cell) Read(ctx context.Context, p thrift.TProtocol) error {
	var f format
	err := rpc.ReadStruct(ctx, p, rpc.Fields{
		1: rpc.String(&c.Text),
		2: rpc.Struct(&f),
	})
	c.Editable = f.editable
	return err
}

type row struct{ cspy.Row }

func (r *row) Write(ctx context.Context, p thrift.TProtocol) error {
	return rpc.WriteStruct(ctx, p, "Row",
		rpc.ListField(1, "cells", thrift.STRUCT, len(r.Cells), func(ctx context.Context, p thrift.TProtocol, i int) error {
			return (&cell{r.Cells[i]}).Write(ctx, p)
		}),
		rpc.StringField(2, "treeinfo", r.Treeinfo),
	)
}

func (r *row) Read(ctx context.Context, p thrift.TProtocol) error {
	r.Cells = nil
	return rpc.ReadStruct(ctx, p, rpc.Fields{
		1: rpc.List(func(ctx context.Context, p thrift.TProtocol) error {
			var c cell
			if err := c.Read(ctx, p); err != nil {
				return err
			}
			r.Cells = append(r.Cells, c.Cell)
			return nil
		}),
		2: rpc.String(&r.Treeinfo),
	})
}

type menuItem struct{ cspy.MenuItem }

func (m *menuItem) Write(ctx context.Context, p thrift.TProtocol) error {
	return rpc.WriteStruct(ctx, p, "MenuItem",
		rpc.StringField(1, "text", m.Text),
		rpc.I32Field(2, "command", m.Command),
		rpc.BoolField(3, "enabled", m.Enabled),
		rpc.BoolField(4, "checked", m.Checked),
	)
}

func (m *menuItem) Read(ctx context.Context, p thrift.TProtocol) error {
	return rpc.ReadStruct(ctx, p, rpc.Fields{
		1: rpc.String(&m.Text),
		2: rpc.I32(&m.Command),
		3: rpc.Bool(&m.Enabled),
		4: rpc.Bool(&m.Checked),
	})
}

// readStructList reads a list<struct> field into dst.
func readStructList[T any, P interface {
	*T
	thrift.TStruct
}](dst *[]T) rpc.FieldReader {
	*dst = nil
	return rpc.List(func(ctx context.Context, p thrift.TProtocol) error {
		var v T
		if err := P(&v).Read(ctx, p); err != nil {
			return err
		}
		*dst = append(*dst, v)
		return nil
	})
}
