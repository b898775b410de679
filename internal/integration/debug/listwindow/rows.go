package listwindow

import (
	"fmt"
	"slices"
	"strings"

	"github.com/dshills/cspybridge/internal/integration/debug/cspy"
)

// idSeparator joins identifying column values into a row id.
const idSeparator = "\x1f"

// RowReference identifies a row independently of its position. It stays
// valid across updates that keep its ancestors and itself in the window.
type RowReference struct {
	Cells       []cspy.Cell
	HasChildren bool

	idChain []string
}

// Value returns the text of column col, or "" if the row has no such column.
func (r RowReference) Value(col int) string {
	if col < 0 || col >= len(r.Cells) {
		return ""
	}
	return r.Cells[col].Text
}

// Editable reports whether column col can be edited.
func (r RowReference) Editable(col int) bool {
	if col < 0 || col >= len(r.Cells) {
		return false
	}
	return r.Cells[col].Editable
}

// Depth returns the row's depth; top-level rows have depth 0.
func (r RowReference) Depth() int {
	return len(r.idChain) - 1
}

// Key returns a string that is equal for references to the same row.
func (r RowReference) Key() string {
	return strings.Join(r.idChain, "\x1e")
}

// entry is one mirrored row.
type entry struct {
	cells []cspy.Cell
	info  TreeInfo
	id    string
}

func newEntry(row cspy.Row, idColumns []int) (entry, error) {
	info, err := ParseTreeInfo(row.Treeinfo)
	if err != nil {
		return entry{}, err
	}
	parts := make([]string, len(idColumns))
	for i, col := range idColumns {
		if col >= 0 && col < len(row.Cells) {
			parts[i] = row.Cells[col].Text
		}
	}
	return entry{
		cells: row.Cells,
		info:  info,
		id:    strings.Join(parts, idSeparator),
	}, nil
}

func (e entry) reference(parent []string) RowReference {
	chain := make([]string, len(parent)+1)
	copy(chain, parent)
	chain[len(parent)] = e.id
	return RowReference{
		Cells:       slices.Clone(e.cells),
		HasChildren: e.info.HasChildren(),
		idChain:     chain,
	}
}

// subtreeEnd returns the index just past the descendants of rows[i].
func subtreeEnd(rows []entry, i int) int {
	depth := rows[i].info.Depth
	for j := i + 1; j < len(rows); j++ {
		if rows[j].info.Depth <= depth {
			return j
		}
	}
	return len(rows)
}

// relocate finds the current index of the row named by chain. Each level is
// searched only within the subtree of the row matched at the level above.
func relocate(rows []entry, chain []string) (int, error) {
	if len(chain) == 0 {
		return -1, ErrRowNotFound
	}

	lo, hi := 0, len(rows)
	found := -1
	for depth, id := range chain {
		found = -1
		for i := lo; i < hi; i++ {
			if rows[i].info.Depth != depth || rows[i].id != id {
				continue
			}
			if found >= 0 {
				return -1, fmt.Errorf("%w: %q at depth %d", ErrDuplicateRow, id, depth)
			}
			found = i
		}
		if found < 0 {
			return -1, ErrRowNotFound
		}
		lo, hi = found+1, subtreeEnd(rows, found)
	}
	return found, nil
}

// children collects the direct children of rows[i], which must be expanded.
func children(rows []entry, i int, chain []string) []RowReference {
	depth := rows[i].info.Depth
	var out []RowReference
	for j := i + 1; j < len(rows); j++ {
		d := rows[j].info.Depth
		if d <= depth {
			break
		}
		if d != depth+1 {
			continue
		}
		out = append(out, rows[j].reference(chain))
		if rows[j].info.LastChild {
			break
		}
	}
	return out
}

func topLevel(rows []entry) []RowReference {
	var out []RowReference
	for _, e := range rows {
		if e.info.Depth == 0 {
			out = append(out, e.reference(nil))
		}
	}
	return out
}
