// Package variables turns engine list windows and expression values into
// protocol variables.
package variables

import (
	"context"
	"regexp"
	"strings"

	"github.com/dshills/cspybridge/internal/integration/debug/cspy"
	"github.com/dshills/cspybridge/internal/integration/debug/dap"
)

// Provider supplies the variables of one scope.
type Provider interface {
	// Variables returns the top-level variables.
	Variables(ctx context.Context) ([]dap.Variable, error)
	// Subvariables returns the children of a variable previously returned
	// by this provider, identified by its VariablesReference.
	Subvariables(ctx context.Context, ref int) ([]dap.Variable, error)
	// SetVariable assigns value to the variable called name, a child of ref
	// or a top-level variable if ref is 0.
	SetVariable(ctx context.Context, name string, ref int, value string) (SetResult, error)
	// NotifyUpdateImminent tells the provider the engine is about to
	// refresh its data. Reads made shortly after wait for the refresh.
	NotifyUpdateImminent()
	// Close releases the provider's window.
	Close(ctx context.Context) error
}

// SetResult is the outcome of an assignment.
type SetResult struct {
	// NewValue is the value as the engine shows it after the assignment.
	NewValue string
	// ChangedAddress is the address of the assigned location, or "".
	ChangedAddress string
}

var (
	trailingSuffix = regexp.MustCompile(`\s.*`)
	constQualifier = regexp.MustCompile(`\s+const\s+`)
	volatileQual   = regexp.MustCompile(`\s+volatile\s+`)
	arraySuffix    = regexp.MustCompile(`\[\d+\]`)

	pointerValuePatterns = []*regexp.Regexp{
		regexp.MustCompile(`^(0x[a-fA-F0-9']+)$`),
		regexp.MustCompile(`^(0x[a-fA-F0-9']+)\s\(.*\)$`),
		regexp.MustCompile(`^.*\s\((0x[a-fA-F0-9']+)\)$`),
		regexp.MustCompile(`^(0x[a-fA-F0-9']+)\s".*"$`),
	}
)

// NewVariable creates a variable shown in a list window.
//
// Top-level variables of a scope can be evaluated by name; statics carry
// their module after the name, which is dropped. Other variables are
// evaluated through a cast of their address.
func NewVariable(name, value, typ string, ref int, address string, globallyAvailable, readOnly bool) dap.Variable {
	var evaluateName string
	if globallyAvailable {
		evaluateName = trailingSuffix.ReplaceAllString(name, "")
	} else {
		evalType := constQualifier.ReplaceAllString(typ, " ")
		evalType = volatileQual.ReplaceAllString(evalType, " ")
		if arraySuffix.MatchString(evalType) {
			evalType = arraySuffix.ReplaceAllString(evalType, "")
			if address != "" {
				evaluateName = "(" + evalType + "*)(" + address + ")"
			}
		} else if address != "" && evalType != "" {
			evaluateName = "*(" + evalType + "*)(" + address + ")"
		}
	}
	return newVariable(name, value, typ, ref, address, evaluateName, readOnly)
}

// Parent is an enclosing expression of an expression tree node.
type Parent struct {
	Name  string
	Value cspy.ExprValue
}

// FromExpression creates a variable for an evaluated expression whose
// enclosing expressions, outermost first, are parents.
func FromExpression(name string, value cspy.ExprValue, ref int, parents []Parent) dap.Variable {
	chain := append(append([]Parent(nil), parents...), Parent{Name: name, Value: value})

	prev := chain[0]
	evaluateName := prev.Name
	for _, item := range chain[1:] {
		// Unnamed children such as the <struct> behind a pointer.
		if item.Name == "" {
			continue
		}
		var join string
		switch prev.Value.BasicType {
		case cspy.ExprArray:
			join = ""
		case cspy.ExprPointer:
			join = "->"
		default:
			join = "."
		}
		evaluateName = "(" + evaluateName + ")" + join + item.Name
		prev = item
	}

	return newVariable(name, value.Value, value.Type, ref, ExprAddress(value), evaluateName, false)
}

// ExprAddress returns the address of an evaluated expression, or "" if it
// has no location.
func ExprAddress(v cspy.ExprValue) string {
	if !v.HasLocation {
		return ""
	}
	return v.Location.Hex()
}

func newVariable(name, value, typ string, ref int, address, evaluateName string, readOnly bool) dap.Variable {
	// Pointers refer to the memory they point at, not to where they live.
	var memoryReference string
	if strings.Contains(typ, "*") {
		memoryReference = addressFromValue(value)
	} else {
		memoryReference = address
	}

	if address != "" {
		typ += " @ " + address
	}

	v := dap.Variable{
		Name:               name,
		Value:              value,
		Type:               typ,
		VariablesReference: ref,
		MemoryReference:    strings.ReplaceAll(memoryReference, "'", ""),
		EvaluateName:       evaluateName,
	}
	if readOnly {
		v.PresentationHint = &dap.VariablePresentationHint{Attributes: []string{"readOnly"}}
	}
	return v
}

// addressFromValue extracts the address from a pointer value such as
// "0x2000'0010", "0x20000010 (counter)", "<struct> (0x20000010)" or
// `0x08001234 "text"`.
func addressFromValue(value string) string {
	value = strings.TrimSpace(value)
	for _, re := range pointerValuePatterns {
		if m := re.FindStringSubmatch(value); m != nil {
			return m[1]
		}
	}
	return ""
}
