// Package dap holds the debug adapter protocol values the bridge produces.
//
// Only the shapes returned to a debug client are defined here; request
// decoding and message framing belong to the protocol handler that embeds
// the bridge. Field names and JSON tags follow the protocol so values can be
// sent as response bodies unchanged.
package dap

// Source identifies a source file.
type Source struct {
	Name             string `json:"name,omitempty"`
	Path             string `json:"path,omitempty"`
	SourceReference  int    `json:"sourceReference,omitempty"`
	PresentationHint string `json:"presentationHint,omitempty"`
}

// Thread is one core of the target. Cores are reported as threads.
type Thread struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// StackFrame is one frame of a core's call stack.
type StackFrame struct {
	ID                          int     `json:"id"`
	Name                        string  `json:"name"`
	Source                      *Source `json:"source,omitempty"`
	Line                        int     `json:"line"`
	Column                      int     `json:"column"`
	InstructionPointerReference string  `json:"instructionPointerReference,omitempty"`
	PresentationHint            string  `json:"presentationHint,omitempty"`
}

// Scope is a named group of variables in a frame.
type Scope struct {
	Name               string `json:"name"`
	PresentationHint   string `json:"presentationHint,omitempty"` // "arguments", "locals", "registers"
	VariablesReference int    `json:"variablesReference"`
	Expensive          bool   `json:"expensive"`
}

// Variable is a variable, register or expression value.
//
// VariablesReference is non-zero when the value has children.
type Variable struct {
	Name               string                    `json:"name"`
	Value              string                    `json:"value"`
	Type               string                    `json:"type,omitempty"`
	PresentationHint   *VariablePresentationHint `json:"presentationHint,omitempty"`
	EvaluateName       string                    `json:"evaluateName,omitempty"`
	VariablesReference int                       `json:"variablesReference"`
	MemoryReference    string                    `json:"memoryReference,omitempty"`
}

// VariablePresentationHint provides rendering hints for variables.
type VariablePresentationHint struct {
	Kind       string   `json:"kind,omitempty"`
	Attributes []string `json:"attributes,omitempty"` // e.g. "readOnly"
}

// SourceBreakpoint is a breakpoint requested at a source position.
type SourceBreakpoint struct {
	Line         int    `json:"line"`
	Column       int    `json:"column,omitempty"`
	Condition    string `json:"condition,omitempty"`
	HitCondition string `json:"hitCondition,omitempty"`
	LogMessage   string `json:"logMessage,omitempty"`
}

// InstructionBreakpoint is a breakpoint on a code address.
type InstructionBreakpoint struct {
	InstructionReference string `json:"instructionReference"`
	Offset               int    `json:"offset,omitempty"`
	Condition            string `json:"condition,omitempty"`
	HitCondition         string `json:"hitCondition,omitempty"`
}

// DataBreakpointAccessType is the kind of access that triggers a data
// breakpoint.
type DataBreakpointAccessType string

const (
	AccessRead      DataBreakpointAccessType = "read"
	AccessWrite     DataBreakpointAccessType = "write"
	AccessReadWrite DataBreakpointAccessType = "readWrite"
)

// DataBreakpoint is a breakpoint on accesses to a memory address. DataID
// is the address.
type DataBreakpoint struct {
	DataID       string                   `json:"dataId"`
	AccessType   DataBreakpointAccessType `json:"accessType,omitempty"`
	Condition    string                   `json:"condition,omitempty"`
	HitCondition string                   `json:"hitCondition,omitempty"`
}

// Breakpoint is the result of setting a breakpoint.
type Breakpoint struct {
	ID                   int     `json:"id,omitempty"`
	Verified             bool    `json:"verified"`
	Message              string  `json:"message,omitempty"`
	Source               *Source `json:"source,omitempty"`
	Line                 int     `json:"line,omitempty"`
	Column               int     `json:"column,omitempty"`
	InstructionReference string  `json:"instructionReference,omitempty"`
}

// DisassembledInstruction is one line of a disassembly listing.
type DisassembledInstruction struct {
	Address          string  `json:"address"`
	InstructionBytes string  `json:"instructionBytes,omitempty"`
	Instruction      string  `json:"instruction"`
	Symbol           string  `json:"symbol,omitempty"`
	Location         *Source `json:"location,omitempty"`
	Line             int     `json:"line,omitempty"`
	Column           int     `json:"column,omitempty"`
	EndLine          int     `json:"endLine,omitempty"`
	EndColumn        int     `json:"endColumn,omitempty"`
	PresentationHint string  `json:"presentationHint,omitempty"`
}
