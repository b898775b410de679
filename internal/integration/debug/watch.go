package debug

import (
	"context"
	"fmt"
	"sync"

	"github.com/dshills/cspybridge/internal/integration/debug/dap"
)

// Evaluator evaluates an expression in a frame, or in the current
// inspection context when frameID is nil.
type Evaluator interface {
	EvalExpression(ctx context.Context, frameID *int, expr string) (dap.Variable, error)
}

// WatchList keeps a list of watch expressions and their last values.
//
// WatchList is safe for concurrent use.
type WatchList struct {
	eval Evaluator

	mu      sync.RWMutex
	watches []string
	results []dap.Variable
}

// NewWatchList creates an empty watch list evaluated through eval.
func NewWatchList(eval Evaluator) *WatchList {
	return &WatchList{eval: eval}
}

// Add appends a watch expression.
func (w *WatchList) Add(expression string) {
	w.mu.Lock()
	w.watches = append(w.watches, expression)
	w.mu.Unlock()
}

// Remove removes a watch expression by index.
func (w *WatchList) Remove(index int) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if index < 0 || index >= len(w.watches) {
		return fmt.Errorf("watch index %d out of range", index)
	}

	w.watches = append(w.watches[:index], w.watches[index+1:]...)
	if index < len(w.results) {
		w.results = append(w.results[:index], w.results[index+1:]...)
	}
	return nil
}

// Clear removes all watch expressions.
func (w *WatchList) Clear() {
	w.mu.Lock()
	w.watches = nil
	w.results = nil
	w.mu.Unlock()
}

// Expressions returns the current watch expressions.
func (w *WatchList) Expressions() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]string, len(w.watches))
	copy(out, w.watches)
	return out
}

// Results returns the values from the last Update, in watch order.
func (w *WatchList) Results() []dap.Variable {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]dap.Variable, len(w.results))
	copy(out, w.results)
	return out
}

// Update evaluates every watch expression in frameID. An expression that
// fails to evaluate gets its error as the value so that one bad watch does
// not hide the others.
func (w *WatchList) Update(ctx context.Context, frameID *int) []dap.Variable {
	watches := w.Expressions()

	results := make([]dap.Variable, len(watches))
	for i, expr := range watches {
		v, err := w.eval.EvalExpression(ctx, frameID, expr)
		if err != nil {
			v = dap.Variable{
				Name:  expr,
				Value: fmt.Sprintf("<error: %v>", err),
				Type:  "error",
			}
		}
		results[i] = v
	}

	w.mu.Lock()
	w.results = results
	w.mu.Unlock()

	out := make([]dap.Variable, len(results))
	copy(out, results)
	return out
}
