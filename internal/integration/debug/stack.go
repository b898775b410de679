package debug

import (
	"fmt"
	"strings"

	"github.com/dshills/cspybridge/internal/integration/debug/dap"
)

// FormatLocation returns "file:line:col" for a frame, or its instruction
// address when the frame has no source.
func FormatLocation(f dap.StackFrame) string {
	if f.Source == nil || f.Source.Path == "" {
		if f.InstructionPointerReference != "" {
			return f.InstructionPointerReference
		}
		return "<unknown>"
	}
	if f.Column > 0 {
		return fmt.Sprintf("%s:%d:%d", f.Source.Path, f.Line, f.Column)
	}
	return fmt.Sprintf("%s:%d", f.Source.Path, f.Line)
}

// FormatStackTrace renders frames one per line, marking the frame at
// current. total is the full stack depth; when it exceeds len(frames) a
// trailing line counts the frames left out.
func FormatStackTrace(frames []dap.StackFrame, current, total int) string {
	var b strings.Builder
	for i, frame := range frames {
		marker := "  "
		if i == current {
			marker = "> "
		}
		fmt.Fprintf(&b, "%s#%d %s at %s\n", marker, i, frame.Name, FormatLocation(frame))
	}
	if total > len(frames) {
		fmt.Fprintf(&b, "  ... (%d more frames)\n", total-len(frames))
	}
	return b.String()
}
