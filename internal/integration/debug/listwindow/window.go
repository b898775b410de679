// Package listwindow mirrors an engine list window and exposes it as a tree.
//
// The engine sends a window as a flat sequence of rows whose tree structure
// is encoded in per-row treeinfo markers, and pushes notifications whenever
// rows change. A Window keeps a local copy of the sequence, applies pushed
// updates on a single goroutine and lets callers address rows through
// RowReferences, which are relocated by their ancestor id chain rather than
// by index.
//
// Reads never observe a partly applied update: they wait until every
// accepted notification has been applied.
package listwindow

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/apache/thrift/lib/go/thrift"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/cspybridge/internal/integration/debug/cspy"
	"github.com/dshills/cspybridge/internal/integration/debug/rpc"
	"github.com/dshills/cspybridge/internal/integration/debug/services"
)

// Defaults.
const (
	DefaultUpdateWait       = 300 * time.Millisecond
	DefaultFetchConcurrency = 8
	mailboxSize             = 64
)

// Backend is the engine side of a list window. *services.ListWindowBackend
// implements it.
type Backend interface {
	Connect(ctx context.Context, listener cspy.ServiceLocation) error
	Disconnect(ctx context.Context) error
	Show(ctx context.Context, on bool) error
	IsSliding(ctx context.Context) (bool, error)
	NumberOfRows(ctx context.Context) (int64, error)
	Row(ctx context.Context, index int64) (cspy.Row, error)
	ToggleExpansion(ctx context.Context, index int64) (int32, error)
	ContextMenu(ctx context.Context, row int64, col int32) ([]cspy.MenuItem, error)
	HandleContextMenu(ctx context.Context, command int32) error
	DoubleClick(ctx context.Context, row int64, col int32) error
	SetValue(ctx context.Context, row int64, col int32, value string) (bool, error)
	Close() error
}

// Host starts the services the engine calls back into.
// *registry.Registry implements it.
type Host interface {
	StartService(ctx context.Context, name string, processor thrift.TProcessor) (cspy.ServiceLocation, error)
}

// Option configures a Window.
type Option func(*Window)

// WithIdentifyingColumns sets the columns whose values identify a row among
// its siblings. The default is column 0.
func WithIdentifyingColumns(cols ...int) Option {
	return func(w *Window) {
		if len(cols) > 0 {
			w.idColumns = slices.Clone(cols)
		}
	}
}

// WithUpdateWait sets how long ChildrenOf waits for the engine to push an
// update after expanding a row before rebuilding on its own.
func WithUpdateWait(d time.Duration) Option {
	return func(w *Window) {
		if d > 0 {
			w.updateWait = d
		}
	}
}

// WithFetchConcurrency bounds the number of concurrent row fetches during a
// rebuild.
func WithFetchConcurrency(n int) Option {
	return func(w *Window) {
		if n > 0 {
			w.fetchLimit = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Window) {
		if l != nil {
			w.logger = l
		}
	}
}

// Window is the local mirror of one engine list window.
type Window struct {
	name       string
	backend    Backend
	idColumns  []int
	updateWait time.Duration
	fetchLimit int
	logger     *slog.Logger

	mailbox chan cspy.Note
	ctx     context.Context
	cancel  context.CancelFunc

	// expandMu serializes operations that address rows by index, so that an
	// index resolved by one of them is not shifted by another's expansion.
	expandMu sync.Mutex

	mu         sync.Mutex
	rows       []entry // replaced, never modified in place
	generation uint64  // completed rebuilds
	err      error   // outcome of the last applied update
	pending  int     // accepted notes not yet applied
	overflow int     // notes dropped from a full mailbox
	idle     chan struct{}
	changed  chan struct{}
	closed   bool
}

func newWindow(name string, backend Backend, opts ...Option) *Window {
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)

	w := &Window{
		name:       name,
		backend:    backend,
		idColumns:  []int{0},
		updateWait: DefaultUpdateWait,
		fetchLimit: DefaultFetchConcurrency,
		logger:     slog.Default(),
		mailbox:    make(chan cspy.Note, mailboxSize),
		ctx:        ctx,
		cancel:     cancel,
		idle:       idle,
		changed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("window", name)

	go w.run()
	return w
}

// Open attaches to the window served by backend. It hosts the window's
// frontend service on host, connects the window to it and requests the
// initial contents. The window takes ownership of backend and closes it on
// failure.
func Open(ctx context.Context, name string, backend Backend, host Host, opts ...Option) (*Window, error) {
	sliding, err := backend.IsSliding(ctx)
	if err != nil {
		_ = backend.Close()
		return nil, cspy.NewOperationError("openListWindow", name, err)
	}
	if sliding {
		_ = backend.Close()
		return nil, cspy.NewOperationError("openListWindow", name, ErrSlidingWindow)
	}

	w := newWindow(name, backend, opts...)

	loc, err := host.StartService(ctx, name+services.FrontendSuffix, w.Frontend())
	if err == nil {
		err = backend.Connect(ctx, loc)
	}
	if err == nil {
		err = backend.Show(ctx, true)
	}
	if err != nil {
		w.shutdown()
		_ = backend.Close()
		return nil, cspy.NewOperationError("openListWindow", name, err)
	}

	w.enqueue(cspy.Note{What: cspy.UpdateFull})
	return w, nil
}

// Name returns the window's service name.
func (w *Window) Name() string {
	return w.name
}

// Frontend returns the processor of the frontend service the engine pushes
// this window's notifications to.
func (w *Window) Frontend() *rpc.Processor {
	return services.NewFrontendProcessor(w.name+services.FrontendSuffix, w.Notify, w.logger)
}

// Notify accepts a push notification. It never blocks on the update loop.
func (w *Window) Notify(note cspy.Note) {
	w.logger.Debug("list window notified", "what", note.What.String(), "row", note.Row, "seq", note.Seq)
	w.enqueue(note)
}

// NextChange returns a channel that is closed after the next update has
// been applied to the mirror.
func (w *Window) NextChange() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.changed
}

func (w *Window) enqueue(note cspy.Note) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.pending == 0 {
		w.idle = make(chan struct{})
	}
	w.pending++
	select {
	case w.mailbox <- note:
	default:
		// The loop is behind; it rebuilds once it catches up.
		w.overflow++
	}
}

func (w *Window) run() {
	for {
		select {
		case <-w.ctx.Done():
			return
		case note := <-w.mailbox:
			w.process(note)
		}
	}
}

// process applies note together with every note queued behind it.
func (w *Window) process(first cspy.Note) {
	batch := []cspy.Note{first}
drain:
	for {
		select {
		case note := <-w.mailbox:
			batch = append(batch, note)
		default:
			break drain
		}
	}

	w.mu.Lock()
	overflow := w.overflow
	w.overflow = 0
	w.mu.Unlock()

	rebuild := overflow > 0
	var updated []int64
	for _, note := range batch {
		switch note.What {
		case cspy.UpdateRow:
			updated = append(updated, note.Row)
		case cspy.UpdateNormal, cspy.UpdateFull, cspy.UpdateThaw:
			rebuild = true
		}
	}

	var err error
	if rebuild {
		if n := len(batch) + overflow - 1; n > 0 {
			metricCoalesced.WithLabelValues(w.name).Add(float64(n))
		}
		err = w.rebuild(w.ctx)
	} else if len(updated) > 0 {
		err = w.refreshRows(w.ctx, updated)
	}
	if err != nil {
		w.logger.Warn("list window update failed", "error", err)
	}

	w.finish(len(batch)+overflow, err)
}

func (w *Window) finish(applied int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.err = err
	w.pending -= applied
	if w.pending <= 0 {
		w.pending = 0
		close(w.idle)
	}
	close(w.changed)
	w.changed = make(chan struct{})
}

// rebuild re-reads every row and swaps the mirror in one step.
func (w *Window) rebuild(ctx context.Context) (err error) {
	defer func() {
		metricUpdates.WithLabelValues(w.name, "rebuild", outcome(err)).Inc()
	}()

	n, err := w.backend.NumberOfRows(ctx)
	if err != nil {
		return err
	}

	rows := make([]entry, n)
	g, gctx := errgroup.WithContext(ctx)
	// A backend on a single engine connection serializes the calls; the
	// limit matters for backends that can serve them in parallel.
	g.SetLimit(w.fetchLimit)
	for i := range rows {
		g.Go(func() error {
			row, err := w.backend.Row(gctx, int64(i))
			if err != nil {
				return fmt.Errorf("row %d: %w", i, err)
			}
			rows[i], err = newEntry(row, w.idColumns)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	w.mu.Lock()
	w.rows = rows
	w.generation++
	w.mu.Unlock()
	metricRows.WithLabelValues(w.name).Set(float64(len(rows)))
	return nil
}

// refreshRows re-reads single rows. An index outside the mirror means the
// row count changed without a rebuild notice, so everything is re-read.
func (w *Window) refreshRows(ctx context.Context, indices []int64) error {
	for _, index := range indices {
		w.mu.Lock()
		inRange := index >= 0 && index < int64(len(w.rows))
		w.mu.Unlock()
		if !inRange {
			return w.rebuild(ctx)
		}

		row, err := w.backend.Row(ctx, index)
		if err == nil {
			err = w.patch(int(index), row)
		}
		metricUpdates.WithLabelValues(w.name, "row", outcome(err)).Inc()
		if err != nil {
			return err
		}
	}
	return nil
}

// patch replaces the mirrored row at index.
func (w *Window) patch(index int, row cspy.Row) error {
	e, err := newEntry(row, w.idColumns)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if index >= len(w.rows) {
		return nil
	}
	rows := slices.Clone(w.rows)
	rows[index] = e
	w.rows = rows
	return nil
}

// settled waits until every accepted notification has been applied and
// returns the mirror.
func (w *Window) settled(ctx context.Context) ([]entry, error) {
	for {
		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			return nil, ErrClosed
		}
		if w.pending == 0 {
			rows, err := w.rows, w.err
			w.mu.Unlock()
			if err != nil {
				return nil, fmt.Errorf("last update failed: %w", err)
			}
			return rows, nil
		}
		idle := w.idle
		w.mu.Unlock()

		select {
		case <-idle:
		case <-w.ctx.Done():
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: waiting for update: %w", cspy.ErrTimeout, ctx.Err())
		}
	}
}

// TopLevelRows returns the rows that have no parent.
func (w *Window) TopLevelRows(ctx context.Context) ([]RowReference, error) {
	rows, err := w.settled(ctx)
	if err != nil {
		return nil, cspy.NewOperationError("getTopLevelRows", w.name, err)
	}
	return topLevel(rows), nil
}

// ChildrenOf returns the children of ref, expanding it first if needed.
func (w *Window) ChildrenOf(ctx context.Context, ref RowReference) ([]RowReference, error) {
	if !ref.HasChildren {
		return nil, cspy.NewOperationError("getChildrenOf", w.name, ErrNotExpandable)
	}

	w.expandMu.Lock()
	defer w.expandMu.Unlock()

	rows, err := w.settled(ctx)
	if err != nil {
		return nil, cspy.NewOperationError("getChildrenOf", w.name, err)
	}
	index, err := relocate(rows, ref.idChain)
	if err != nil {
		return nil, cspy.NewOperationError("getChildrenOf", w.name, err)
	}

	switch rows[index].info.State {
	case Leaf:
		return nil, nil
	case Collapsed:
		rows, index, err = w.expand(ctx, ref.idChain, index)
		if err != nil {
			return nil, cspy.NewOperationError("getChildrenOf", w.name, err)
		}
	}
	return children(rows, index, ref.idChain), nil
}

// rebuilds returns the number of completed rebuilds.
func (w *Window) rebuilds() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.generation
}

// expand toggles the collapsed row at index and waits for a rebuild that
// shows it expanded. Row updates alone do not count: they can mark the row
// expanded before its children are in the mirror. If no rebuild is applied
// in time, one is queued and its result is final.
func (w *Window) expand(ctx context.Context, chain []string, index int) ([]entry, int, error) {
	before := w.rebuilds()
	changed := w.NextChange()
	if _, err := w.backend.ToggleExpansion(ctx, int64(index)); err != nil {
		return nil, -1, err
	}

	timer := time.NewTimer(w.updateWait)
	defer timer.Stop()

	for {
		forced := false
		select {
		case <-changed:
		case <-timer.C:
			w.logger.Debug("no update after expanding row, rebuilding", "row", index)
			w.enqueue(cspy.Note{What: cspy.UpdateFull})
			forced = true
		case <-w.ctx.Done():
			return nil, -1, ErrClosed
		case <-ctx.Done():
			return nil, -1, fmt.Errorf("%w: waiting for expansion: %w", cspy.ErrTimeout, ctx.Err())
		}

		next := w.NextChange()
		rows, err := w.settled(ctx)
		if err != nil {
			return nil, -1, err
		}
		if !forced && w.rebuilds() == before {
			changed = next
			continue
		}
		index, err = relocate(rows, chain)
		if err != nil {
			return nil, -1, err
		}
		if rows[index].info.State == Expanded {
			return rows, index, nil
		}
		if forced {
			return nil, -1, fmt.Errorf("%w: row %d did not expand", cspy.ErrProtocolDrift, index)
		}
		changed = next
	}
}

// SetValueOf writes value to column col of ref and returns the text the
// engine shows for the cell afterwards.
func (w *Window) SetValueOf(ctx context.Context, ref RowReference, col int, value string) (string, error) {
	w.expandMu.Lock()
	defer w.expandMu.Unlock()

	rows, err := w.settled(ctx)
	if err != nil {
		return "", cspy.NewOperationError("setValueOf", w.name, err)
	}
	index, err := relocate(rows, ref.idChain)
	if err != nil {
		return "", cspy.NewOperationError("setValueOf", w.name, err)
	}

	ok, err := w.backend.SetValue(ctx, int64(index), int32(col), value)
	if err != nil {
		return "", cspy.NewOperationError("setValueOf", w.name, err)
	}
	if !ok {
		return "", cspy.NewOperationError("setValueOf", w.name, fmt.Errorf("%w: %q", ErrValueRejected, value))
	}

	row, err := w.backend.Row(ctx, int64(index))
	if err != nil {
		return "", cspy.NewOperationError("setValueOf", w.name, err)
	}
	if col >= len(row.Cells) {
		return "", cspy.NewOperationError("setValueOf", w.name,
			fmt.Errorf("%w: row %d has no column %d", cspy.ErrProtocolDrift, index, col))
	}
	if err := w.patch(index, row); err != nil {
		return "", cspy.NewOperationError("setValueOf", w.name, err)
	}
	return row.Cells[col].Text, nil
}

// ContextMenu returns the context menu of a cell.
func (w *Window) ContextMenu(ctx context.Context, row int64, col int32) ([]cspy.MenuItem, error) {
	items, err := w.backend.ContextMenu(ctx, row, col)
	if err != nil {
		return nil, cspy.NewOperationError("getContextMenu", w.name, err)
	}
	return items, nil
}

// ClickContextMenu invokes a context menu command.
func (w *Window) ClickContextMenu(ctx context.Context, command int32) error {
	if err := w.backend.HandleContextMenu(ctx, command); err != nil {
		return cspy.NewOperationError("clickContextMenu", w.name, err)
	}
	return nil
}

// DoubleClickRow double-clicks a cell.
func (w *Window) DoubleClickRow(ctx context.Context, row int64, col int32) error {
	if err := w.backend.DoubleClick(ctx, row, col); err != nil {
		return cspy.NewOperationError("doubleClickRow", w.name, err)
	}
	return nil
}

func (w *Window) shutdown() bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false
	}
	w.closed = true
	w.mu.Unlock()

	w.cancel()
	return true
}

// Close disconnects the window from its frontend and closes the backend
// connection. Close is idempotent.
func (w *Window) Close(ctx context.Context) error {
	if !w.shutdown() {
		return nil
	}
	err := w.backend.Disconnect(ctx)
	if cerr := w.backend.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return cspy.NewOperationError("closeListWindow", w.name, err)
	}
	return nil
}
