package services

import (
	"context"
	"log/slog"

	"github.com/apache/thrift/lib/go/thrift"

	"github.com/dshills/cspybridge/internal/integration/debug/cspy"
	"github.com/dshills/cspybridge/internal/integration/debug/rpc"
)

// ListWindowBackend is a client of one engine list window (locals, statics,
// registers, cores, ...). Each window is its own service.
type ListWindowBackend struct {
	client
}

// NewListWindowBackend wraps a connection to a list window service.
func NewListWindowBackend(c Caller) *ListWindowBackend {
	return &ListWindowBackend{client{c}}
}

// Connect tells the window where to send its update notifications.
func (b *ListWindowBackend) Connect(ctx context.Context, listener cspy.ServiceLocation) error {
	return b.call(ctx, "connect", nil, rpc.StructField(1, "listener", &rpc.Location{ServiceLocation: listener}))
}

// Disconnect stops update notifications.
func (b *ListWindowBackend) Disconnect(ctx context.Context) error {
	return b.call(ctx, "disconnect", nil)
}

// Show makes the window live. Hidden windows do not update.
func (b *ListWindowBackend) Show(ctx context.Context, on bool) error {
	return b.call(ctx, "show", nil, rpc.BoolField(1, "on", on))
}

// IsSliding reports whether the window only holds a scrolling slice of its
// rows.
func (b *ListWindowBackend) IsSliding(ctx context.Context) (bool, error) {
	var sliding bool
	err := b.call(ctx, "isSliding", rpc.NewResult(rpc.Bool(&sliding)))
	return sliding, err
}

// DisplayName returns the window's title.
func (b *ListWindowBackend) DisplayName(ctx context.Context) (string, error) {
	var name string
	err := b.call(ctx, "getDisplayName", rpc.NewResult(rpc.String(&name)))
	return name, err
}

// NumberOfRows returns the number of rows currently in the window.
func (b *ListWindowBackend) NumberOfRows(ctx context.Context) (int64, error) {
	var n int64
	err := b.call(ctx, "getNumberOfRows", rpc.NewResult(rpc.I64(&n)))
	return n, err
}

// Row returns the row at index.
func (b *ListWindowBackend) Row(ctx context.Context, index int64) (cspy.Row, error) {
	var r row
	err := b.call(ctx, "getRow", rpc.NewResult(rpc.Struct(&r)), rpc.I64Field(1, "index", index))
	return r.Row, err
}

// ToggleExpansion expands or collapses the row at index.
func (b *ListWindowBackend) ToggleExpansion(ctx context.Context, index int64) (int32, error) {
	var v int32
	err := b.call(ctx, "toggleExpansion", rpc.NewResult(rpc.I32(&v)), rpc.I64Field(1, "index", index))
	return v, err
}

// ContextMenu returns the context menu for a cell.
func (b *ListWindowBackend) ContextMenu(ctx context.Context, row int64, col int32) ([]cspy.MenuItem, error) {
	var items []menuItem
	err := b.call(ctx, "getContextMenu", rpc.NewResult(readStructList(&items)),
		rpc.I64Field(1, "row", row),
		rpc.I32Field(2, "col", col),
	)
	out := make([]cspy.MenuItem, len(items))
	for i, item := range items {
		out[i] = item.MenuItem
	}
	return out, err
}

// HandleContextMenu invokes a context menu command.
func (b *ListWindowBackend) HandleContextMenu(ctx context.Context, command int32) error {
	return b.call(ctx, "handleContextMenu", nil, rpc.I32Field(1, "command", command))
}

// DoubleClick double-clicks a cell.
func (b *ListWindowBackend) DoubleClick(ctx context.Context, row int64, col int32) error {
	return b.call(ctx, "doubleClick", nil,
		rpc.I64Field(1, "row", row),
		rpc.I32Field(2, "col", col),
	)
}

// SetValue edits a cell. It reports whether the engine accepted the value.
func (b *ListWindowBackend) SetValue(ctx context.Context, row int64, col int32, value string) (bool, error) {
	var ok bool
	err := b.call(ctx, "setValue", rpc.NewResult(rpc.Bool(&ok)),
		rpc.I64Field(1, "row", row),
		rpc.I32Field(2, "col", col),
		rpc.StringField(3, "value", value),
	)
	return ok, err
}

// NoteHandler receives list window update notifications.
type NoteHandler func(note cspy.Note)

// NewFrontendProcessor returns the processor of the frontend service a list
// window pushes its updates to.
func NewFrontendProcessor(name string, h NoteHandler, logger *slog.Logger) *rpc.Processor {
	p := rpc.NewProcessor(name, logger)
	p.Handle("notify", func(ctx context.Context, in thrift.TProtocol) (thrift.TStruct, error) {
		var n note
		if err := rpc.ReadStruct(ctx, in, rpc.Fields{1: rpc.Struct(&n)}); err != nil {
			return nil, err
		}
		h(n.Note)
		return nil, nil
	})
	// Toolbar updates are only relevant to rendered windows.
	p.Handle("notifyToolbar", func(ctx context.Context, in thrift.TProtocol) (thrift.TStruct, error) {
		return nil, rpc.ReadStruct(ctx, in, rpc.Fields{})
	})
	return p
}
