// Package breakpoint provides the canonical in-memory representation of
// AIVory debugger breakpoints and logpoints, and their conversions to
// and from the store wire format.
package breakpoint

import (
	"fmt"
)

// IDUnknown is the id of a client-created breakpoint that has not been
// saved to the store yet. The manager assigns the real id on save.
const IDUnknown = "unknown"

// Kind distinguishes snapshots from logpoints.
type Kind int

const (
	// KindSnapshot captures stack and variables once, then finalizes.
	KindSnapshot Kind = iota
	// KindLogpoint emits a formatted log line in the debuggee on every
	// hit and stays active until it errors or expires.
	KindLogpoint
)

func (k Kind) String() string {
	if k == KindLogpoint {
		return "logpoint"
	}
	return "snapshot"
}

// State is the lifecycle state as observed by this client. Transitions
// are one-way: once a breakpoint leaves StateActive it never returns.
type State int

const (
	StateActive State = iota
	// StateCompletedCapture: the agent finalized the breakpoint and the
	// finalized record was retrieved.
	StateCompletedCapture
	// StateCompletedError: the agent or this client determined the
	// breakpoint cannot run (no executable code, placement conflict).
	StateCompletedError
	// StateCompletedIndeterminate: the store removed the breakpoint
	// from the active set but its finalized record never materialized.
	// Not asserted as a failure of the debuggee.
	StateCompletedIndeterminate
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCompletedCapture:
		return "completed"
	case StateCompletedError:
		return "error"
	case StateCompletedIndeterminate:
		return "indeterminate"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Breakpoint is the central entity. The manager owns the authoritative
// table of these; everything else treats them as values.
type Breakpoint struct {
	ID        string
	Kind      Kind
	Path      string
	Line      int
	Condition string

	// Expressions are capture-time evaluation requests. For logpoints
	// they are the positional arguments of LogMessageFormat.
	Expressions      []string
	LogMessageFormat string

	State              State
	CreateTimeUnixMsec int64
	FinalTimeUnixMsec  int64

	Status               *StatusMessage
	StackFrames          []StackFrame
	VariableTable        []Variable
	EvaluatedExpressions []Variable

	// HasUnsavedData is local-only: true between local creation and the
	// confirmation echo from the store. It suppresses the duplicate
	// "new breakpoint" notification when the echo arrives.
	HasUnsavedData bool
}

// SourceSpec is a breakpoint as declared by the IDE/CLI client before
// it is bound to a server record. A non-empty LogMessage makes it a
// logpoint request.
type SourceSpec struct {
	Line        int
	Condition   string
	LogMessage  string
	Expressions []string
}

// FromWireRecord deserializes a store record. Absent optional fields
// mean "not yet captured" / "not a logpoint".
func FromWireRecord(rec *Record) *Breakpoint {
	bp := &Breakpoint{
		ID:                   rec.ID,
		Path:                 rec.Location.Path,
		Line:                 rec.Location.Line,
		Condition:            rec.Condition,
		Expressions:          rec.Expressions,
		LogMessageFormat:     rec.LogMessageFormat,
		CreateTimeUnixMsec:   decodeTimeMsec(rec.CreateTimeUnixMsec),
		FinalTimeUnixMsec:    decodeTimeMsec(rec.FinalTimeUnixMsec),
		Status:               rec.Status,
		StackFrames:          rec.StackFrames,
		VariableTable:        rec.VariableTable,
		EvaluatedExpressions: rec.EvaluatedExpressions,
	}
	if rec.Action == ActionLog {
		bp.Kind = KindLogpoint
	}
	if rec.IsFinal {
		if rec.Status != nil && rec.Status.IsError {
			bp.State = StateCompletedError
		} else {
			bp.State = StateCompletedCapture
		}
	}
	return bp
}

// FromSourceSpec constructs a pending breakpoint for a client-declared
// location. The id stays IDUnknown and the create time unset until the
// manager saves it; the store fills the real create time on write.
func FromSourceSpec(path string, spec SourceSpec) *Breakpoint {
	bp := &Breakpoint{
		ID:          IDUnknown,
		Path:        path,
		Line:        spec.Line,
		Condition:   spec.Condition,
		Expressions: spec.Expressions,
		State:       StateActive,
	}
	if spec.LogMessage != "" {
		bp.Kind = KindLogpoint
		bp.LogMessageFormat, bp.Expressions = EncodeLogMessage(spec.LogMessage)
	}
	return bp
}

// ToWireRecord serializes the breakpoint for the store. createTime, if
// non-nil, overrides the encoded create time; the manager passes the
// server-timestamp sentinel there on first write.
func (b *Breakpoint) ToWireRecord(createTime []byte) *Record {
	rec := &Record{
		ID:                   b.ID,
		Location:             Location{Path: b.Path, Line: b.Line},
		Condition:            b.Condition,
		Expressions:          b.Expressions,
		LogMessageFormat:     b.LogMessageFormat,
		IsFinal:              b.State != StateActive,
		CreateTimeUnixMsec:   encodeTimeMsec(b.CreateTimeUnixMsec),
		FinalTimeUnixMsec:    encodeTimeMsec(b.FinalTimeUnixMsec),
		Status:               b.Status,
		StackFrames:          b.StackFrames,
		VariableTable:        b.VariableTable,
		EvaluatedExpressions: b.EvaluatedExpressions,
	}
	if b.Kind == KindLogpoint {
		rec.Action = ActionLog
	} else {
		rec.Action = ActionCapture
	}
	if createTime != nil {
		rec.CreateTimeUnixMsec = createTime
	}
	return rec
}

// ApplyRecord merges a finalized store record into the entity. Used
// after the capture payload fetch that follows removal from the active
// set.
func (b *Breakpoint) ApplyRecord(rec *Record) {
	b.FinalTimeUnixMsec = decodeTimeMsec(rec.FinalTimeUnixMsec)
	if ct := decodeTimeMsec(rec.CreateTimeUnixMsec); ct != 0 {
		b.CreateTimeUnixMsec = ct
	}
	b.Status = rec.Status
	b.StackFrames = rec.StackFrames
	b.VariableTable = rec.VariableTable
	b.EvaluatedExpressions = rec.EvaluatedExpressions
	if rec.Status != nil && rec.Status.IsError {
		b.State = StateCompletedError
	} else {
		b.State = StateCompletedCapture
	}
}

// Matches reports whether two breakpoints refer to the same logical
// breakpoint. Id equality decides when both ids are known; otherwise
// (path, line) equality decides. The location fallback is deliberately
// permissive and can over-match when two independent breakpoints share
// a line; the product depends on that behavior, so it is kept.
func (b *Breakpoint) Matches(other *Breakpoint) bool {
	if b.ID != IDUnknown && other.ID != IDUnknown && b.ID == other.ID {
		return true
	}
	return b.Path == other.Path && b.Line == other.Line
}

// LocationKey is the canonical "path:line" string used for secondary
// matching.
func (b *Breakpoint) LocationKey() string {
	return fmt.Sprintf("%s:%d", b.Path, b.Line)
}

// UserLogMessage decodes the wire format back into the user-facing log
// message. Empty for snapshots.
func (b *Breakpoint) UserLogMessage() string {
	if b.LogMessageFormat == "" {
		return ""
	}
	return DecodeLogMessage(b.LogMessageFormat, b.Expressions)
}

func (b *Breakpoint) IsSnapshot() bool { return b.Kind == KindSnapshot }
func (b *Breakpoint) IsLogpoint() bool { return b.Kind == KindLogpoint }
func (b *Breakpoint) IsActive() bool   { return b.State == StateActive }

// HasCapturedData reports whether the resolved capture payload is
// present.
func (b *Breakpoint) HasCapturedData() bool {
	return b.State == StateCompletedCapture && len(b.StackFrames) > 0
}

func (b *Breakpoint) HasError() bool {
	return b.State == StateCompletedError || (b.Status != nil && b.Status.IsError)
}
