package listwindow

import (
	"fmt"
	"strings"

	"github.com/dshills/cspybridge/internal/integration/debug/cspy"
)

// ExpandState is the expansion state of a row.
type ExpandState uint8

const (
	// Leaf rows have no children.
	Leaf ExpandState = iota
	// Collapsed rows have children that are not present in the window.
	Collapsed
	// Expanded rows are followed by their children.
	Expanded
)

// String returns the state name.
func (s ExpandState) String() string {
	switch s {
	case Leaf:
		return "leaf"
	case Collapsed:
		return "collapsed"
	case Expanded:
		return "expanded"
	default:
		return fmt.Sprintf("ExpandState(%d)", s)
	}
}

// TreeInfo is the decoded form of a row's treeinfo marker.
//
// The marker is a run of indentation characters followed by a state
// character: '+' collapsed, '-' expanded or '.' leaf. The position of the
// state character is the row's depth. For nested rows the character right
// before it is 'L' when the row is the last child of its parent and 'T'
// otherwise.
type TreeInfo struct {
	Depth     int
	LastChild bool
	State     ExpandState
}

// HasChildren reports whether the row can be expanded.
func (t TreeInfo) HasChildren() bool {
	return t.State != Leaf
}

// ParseTreeInfo decodes a treeinfo marker.
func ParseTreeInfo(marker string) (TreeInfo, error) {
	i := strings.IndexAny(marker, "+-.")
	if i < 0 {
		return TreeInfo{}, fmt.Errorf("%w: treeinfo %q has no state marker", cspy.ErrProtocolDrift, marker)
	}

	info := TreeInfo{Depth: i}
	switch marker[i] {
	case '+':
		info.State = Collapsed
	case '-':
		info.State = Expanded
	default:
		info.State = Leaf
	}
	if i > 0 && marker[i-1] == 'L' {
		info.LastChild = true
	}
	return info, nil
}
