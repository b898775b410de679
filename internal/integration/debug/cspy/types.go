// Package cspy defines the vocabulary shared by every component that talks to
// the C-SPY debugging engine: service locations, execution contexts, code
// locations, expression values, list-window rows and debug events.
//
// The types mirror the engine's Thrift structs field for field. Encoding and
// decoding lives in the rpc and services packages; this package has no wire
// dependencies so that the synchronizer and handle layers can be tested
// against plain in-memory fakes.
package cspy

import (
	"fmt"
	"net"
	"strconv"
)

// Protocol is the Thrift wire protocol a service speaks.
type Protocol int32

const (
	// ProtocolBinary is the Thrift binary protocol.
	ProtocolBinary Protocol = 0
	// ProtocolCompact is the Thrift compact protocol.
	ProtocolCompact Protocol = 1
	// ProtocolJSON is the Thrift JSON protocol.
	ProtocolJSON Protocol = 2
)

// String returns a human-readable protocol name.
func (p Protocol) String() string {
	switch p {
	case ProtocolBinary:
		return "binary"
	case ProtocolCompact:
		return "compact"
	case ProtocolJSON:
		return "json"
	default:
		return fmt.Sprintf("protocol(%d)", int32(p))
	}
}

// Transport is the byte transport a service is reachable over.
type Transport int32

const (
	// TransportSocket is a TCP socket.
	TransportSocket Transport = 0
	// TransportPipe is a named pipe. It is advertised by some engine
	// versions but cannot be dialed.
	TransportPipe Transport = 1
)

// String returns a human-readable transport name.
func (t Transport) String() string {
	switch t {
	case TransportSocket:
		return "socket"
	case TransportPipe:
		return "pipe"
	default:
		return fmt.Sprintf("transport(%d)", int32(t))
	}
}

// ServiceLocation describes how to reach one RPC endpoint.
type ServiceLocation struct {
	Host      string
	Port      int32
	Protocol  Protocol
	Transport Transport
}

// Address returns the host:port dial string.
func (l ServiceLocation) Address() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(int(l.Port)))
}

func (l ServiceLocation) String() string {
	return fmt.Sprintf("%s (%s/%s)", l.Address(), l.Protocol, l.Transport)
}

// ContextType selects what kind of execution context a ContextRef names.
type ContextType int32

const (
	ContextCurrentBase       ContextType = 0
	ContextCurrentInspection ContextType = 1
	ContextStack             ContextType = 2
	ContextTarget            ContextType = 3
	ContextTask              ContextType = 4
	ContextUnknown           ContextType = 5
)

// ContextRef addresses one stack or execution context on the engine.
// A ContextRef obtained from a stack listing is only meaningful until the
// target resumes.
type ContextRef struct {
	Type  ContextType
	Level int32
	Core  int32
	Task  int32
}

// TargetContext returns the top-level context of a core.
func TargetContext(core int32) ContextRef {
	return ContextRef{Type: ContextTarget, Core: core}
}

// CurrentInspectionContext returns the context the engine is currently
// inspecting, whatever core or frame that is.
func CurrentInspectionContext() ContextRef {
	return ContextRef{Type: ContextCurrentInspection}
}

// Zone is a memory zone. The engine treats id -1 as the default code zone.
type Zone struct {
	ID int32
}

// DefaultCodeZone is the zone used when none is specified.
var DefaultCodeZone = Zone{ID: -1}

// Location is an address within a zone.
type Location struct {
	Zone    Zone
	Address uint64
}

// Hex formats the address as a 64-bit, zero-padded hex string.
func (l Location) Hex() string {
	return FormatAddress(l.Address)
}

// FormatAddress formats an address the way memory references are exchanged
// with the client.
func FormatAddress(addr uint64) string {
	return fmt.Sprintf("0x%016x", addr)
}

// SourceLocation is a position in a source file.
type SourceLocation struct {
	Filename  string
	Line      int32
	Col       int32
	Locations []Location
}

// SourceRange spans a range of source text.
type SourceRange struct {
	Filename string
	First    SourceLocation
	Last     SourceLocation
	Text     string
}

// ContextInfo describes one frame returned by a stack listing.
type ContextInfo struct {
	Context      ContextRef
	Aliases      ContextRef
	SourceRanges []SourceRange
	ExecLocation Location
	FunctionName string
}

// ExprFormat selects how the engine formats an expression value.
type ExprFormat int32

const (
	FormatDefault  ExprFormat = 0
	FormatBin      ExprFormat = 1
	FormatOct      ExprFormat = 2
	FormatDec      ExprFormat = 3
	FormatHex      ExprFormat = 4
	FormatChar     ExprFormat = 5
	FormatStr      ExprFormat = 6
	FormatNoCustom ExprFormat = 7
)

// BasicExprType classifies an evaluated expression.
type BasicExprType int32

const (
	ExprUnknown     BasicExprType = 0
	ExprBasic       BasicExprType = 1
	ExprPointer     BasicExprType = 2
	ExprArray       BasicExprType = 3
	ExprComposite   BasicExprType = 4
	ExprEnumeration BasicExprType = 5
	ExprFunction    BasicExprType = 6
	ExprCustom      BasicExprType = 7
)

// ExprValue is the result of evaluating an expression.
type ExprValue struct {
	Expression   string
	Value        string
	Type         string
	IsLValue     bool
	HasLocation  bool
	Location     Location
	SubExprCount int32
	BasicType    BasicExprType
	Size         int32
}

// DisassembledLocation holds the instructions disassembled at one address.
// A single entry may contain labels and multi-line comments.
type DisassembledLocation struct {
	Location     Location
	Instructions []string
}

// Breakpoint is a breakpoint known to the engine.
type Breakpoint struct {
	ID          int32
	ULE         string
	Category    string
	Descriptor  string
	Description string
	Enabled     bool
	IsULEBased  bool
	AccessType  int32
	Valid       bool
}

// CoreState is the run state of one core.
type CoreState int32

const (
	CoreStopped  CoreState = 0
	CoreRunning  CoreState = 1
	CoreSleeping CoreState = 2
	CoreUnknown  CoreState = 3
	CoreNoPower  CoreState = 4
)

// String returns a human-readable state name.
func (s CoreState) String() string {
	switch s {
	case CoreStopped:
		return "stopped"
	case CoreRunning:
		return "running"
	case CoreSleeping:
		return "sleeping"
	case CoreUnknown:
		return "unknown"
	case CoreNoPower:
		return "no power"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}
