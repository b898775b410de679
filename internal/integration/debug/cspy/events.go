package cspy

import "fmt"

// NotifyConstant identifies the kind of a debug event.
type NotifyConstant int32

const (
	NotifyTargetStopped            NotifyConstant = 0
	NotifyTargetStarted            NotifyConstant = 1
	NotifyReset                    NotifyConstant = 2
	NotifyMemoryChanged            NotifyConstant = 3
	NotifyInspectionContextChanged NotifyConstant = 4
	NotifyBaseContextChanged       NotifyConstant = 5
	NotifyUserBreakUpdate          NotifyConstant = 9
	NotifyPreShutDown              NotifyConstant = 11
	NotifyFatalError               NotifyConstant = 13
	NotifyForcedStop               NotifyConstant = 17
	NotifyCoreStopped              NotifyConstant = 31
	NotifyCoreStarted              NotifyConstant = 32
)

// String returns the engine's name for the constant.
func (n NotifyConstant) String() string {
	switch n {
	case NotifyTargetStopped:
		return "kDkTargetStopped"
	case NotifyTargetStarted:
		return "kDkTargetStarted"
	case NotifyReset:
		return "kDkReset"
	case NotifyMemoryChanged:
		return "kDkMemoryChanged"
	case NotifyInspectionContextChanged:
		return "kDkInspectionContextChanged"
	case NotifyBaseContextChanged:
		return "kDkBaseContextChanged"
	case NotifyUserBreakUpdate:
		return "kDkUserBreakUpdate"
	case NotifyPreShutDown:
		return "kDkPreShutDown"
	case NotifyFatalError:
		return "kDkFatalError"
	case NotifyForcedStop:
		return "kDkForcedStop"
	case NotifyCoreStopped:
		return "kDkCoreStopped"
	case NotifyCoreStarted:
		return "kDkCoreStarted"
	default:
		return fmt.Sprintf("notify(%d)", int32(n))
	}
}

// DebugEvent is posted by the engine whenever its debug state changes.
type DebugEvent struct {
	Note   NotifyConstant
	Descr  string
	Params []string
}

// LogCategory classifies an engine log message.
type LogCategory int32

// LogEvent is a message the engine wants shown to the user.
type LogEvent struct {
	Category  LogCategory
	Text      string
	Timestamp int64
}

// UpdateKind says what changed in a list window.
type UpdateKind int32

const (
	UpdateNormal    UpdateKind = 0
	UpdateFull      UpdateKind = 1
	UpdateRow       UpdateKind = 2
	UpdateSelection UpdateKind = 3
	UpdateEnsureVis UpdateKind = 4
	UpdateFreeze    UpdateKind = 5
	UpdateThaw      UpdateKind = 6
)

// String returns the engine's name for the update kind.
func (k UpdateKind) String() string {
	switch k {
	case UpdateNormal:
		return "kNormalUpdate"
	case UpdateFull:
		return "kFullUpdate"
	case UpdateRow:
		return "kRowUpdate"
	case UpdateSelection:
		return "kSelectionUpdate"
	case UpdateEnsureVis:
		return "kEnsureVisible"
	case UpdateFreeze:
		return "kFreeze"
	case UpdateThaw:
		return "kThaw"
	default:
		return fmt.Sprintf("update(%d)", int32(k))
	}
}

// Note is a list-window push notification.
type Note struct {
	What          UpdateKind
	AnonPos       string
	EnsureVisible int64
	Row           int64
	Seq           int64
}

// Cell is one column of a list-window row.
type Cell struct {
	Text     string
	Editable bool
}

// Row is one line of a list window as sent by the engine. Treeinfo encodes
// the row's depth, whether it is the last child of its parent, and its
// expansion state.
type Row struct {
	Cells    []Cell
	Treeinfo string
}

// MenuItem is an entry in a list-window context menu.
type MenuItem struct {
	Text    string
	Command int32
	Enabled bool
	Checked bool
}
