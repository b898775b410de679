// Package handles maps small integers to values handed out to protocol
// clients.
//
// Handles are allocated from a counter that only ever increases, so a
// handle is never reused within a table's lifetime, even after Reset.
package handles

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// First is the first handle a table allocates. Zero means "no handle" in
// the debug protocol.
const First = 1

var metricAllocated = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cspybridge",
	Subsystem: "handles",
	Name:      "allocated_total",
	Help:      "Handles allocated, by table.",
}, []string{"table"})

// Table maps handles to values of type T.
type Table[T any] struct {
	name   string
	mu     sync.Mutex
	next   int
	values map[int]T
}

// New creates an empty table. The name labels the table's metrics.
func New[T any](name string) *Table[T] {
	return &Table[T]{
		name:   name,
		next:   First,
		values: make(map[int]T),
	}
}

// Create stores v and returns its handle.
func (t *Table[T]) Create(v T) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.next
	t.next++
	t.values[h] = v
	metricAllocated.WithLabelValues(t.name).Inc()
	return h
}

// Get returns the value stored under h.
func (t *Table[T]) Get(h int) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.values[h]
	return v, ok
}

// Len returns the number of live handles.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.values)
}

// Reset invalidates every handle. Handles allocated afterwards do not
// repeat earlier ones.
func (t *Table[T]) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.values = make(map[int]T)
}
