package breakpoint

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Action values carried on the wire record. An absent action means
// CAPTURE; old agents never wrote the field.
const (
	ActionCapture = "CAPTURE"
	ActionLog     = "LOG"
)

// Record is the store wire representation of a breakpoint. Every
// optional field stays optional here; presence checks happen in
// FromWireRecord, not at decode time.
type Record struct {
	ID               string   `json:"id"`
	Action           string   `json:"action,omitempty"`
	Location         Location `json:"location"`
	Condition        string   `json:"condition,omitempty"`
	Expressions      []string `json:"expressions,omitempty"`
	LogMessageFormat string   `json:"logMessageFormat,omitempty"`
	IsFinal          bool     `json:"isFinal,omitempty"`

	// Timestamps are raw JSON: on write they can carry the store's
	// server-timestamp sentinel, on read they hold the resolved
	// millisecond value.
	CreateTimeUnixMsec json.RawMessage `json:"createTimeUnixMsec,omitempty"`
	FinalTimeUnixMsec  json.RawMessage `json:"finalTimeUnixMsec,omitempty"`

	Status               *StatusMessage `json:"status,omitempty"`
	StackFrames          []StackFrame   `json:"stackFrames,omitempty"`
	VariableTable        []Variable     `json:"variableTable,omitempty"`
	EvaluatedExpressions []Variable     `json:"evaluatedExpressions,omitempty"`
}

// Location is a source position inside the debuggee.
type Location struct {
	Path string `json:"path"`
	Line int    `json:"line"`
}

// StatusMessage describes why a breakpoint finalized without a capture.
type StatusMessage struct {
	IsError     bool          `json:"isError,omitempty"`
	Description FormatMessage `json:"description"`
}

// FormatMessage is the store's parameterized message convention: the
// format references parameters positionally as $0, $1, ... and escapes
// a literal dollar sign as $$.
type FormatMessage struct {
	Format     string   `json:"format"`
	Parameters []string `json:"parameters,omitempty"`
}

// String expands the positional parameters into a display string.
func (f FormatMessage) String() string {
	var b strings.Builder
	for i := 0; i < len(f.Format); i++ {
		c := f.Format[i]
		if c != '$' || i+1 >= len(f.Format) {
			b.WriteByte(c)
			continue
		}
		next := f.Format[i+1]
		if next == '$' {
			b.WriteByte('$')
			i++
			continue
		}
		if next < '0' || next > '9' {
			b.WriteByte(c)
			continue
		}
		j := i + 1
		for j < len(f.Format) && f.Format[j] >= '0' && f.Format[j] <= '9' {
			j++
		}
		idx, _ := strconv.Atoi(f.Format[i+1 : j])
		if idx < len(f.Parameters) {
			b.WriteString(f.Parameters[idx])
		}
		i = j - 1
	}
	return b.String()
}

// StackFrame is one captured call frame.
type StackFrame struct {
	Function  string     `json:"function,omitempty"`
	Location  *Location  `json:"location,omitempty"`
	Arguments []Variable `json:"arguments,omitempty"`
	Locals    []Variable `json:"locals,omitempty"`
}

// Variable is one entry of the capture payload. Composite values
// reference the breakpoint's shared variable table through
// VarTableIndex instead of embedding their children.
type Variable struct {
	Name          string         `json:"name,omitempty"`
	Value         string         `json:"value,omitempty"`
	Type          string         `json:"type,omitempty"`
	Members       []Variable     `json:"members,omitempty"`
	VarTableIndex *int           `json:"varTableIndex,omitempty"`
	Status        *StatusMessage `json:"status,omitempty"`
}

// CreateTime returns the resolved create time in unix milliseconds, or
// zero when unset or still a sentinel.
func (r *Record) CreateTime() int64 {
	return decodeTimeMsec(r.CreateTimeUnixMsec)
}

// decodeTimeMsec reads a resolved timestamp off the wire. Unset fields
// and unresolved sentinels (JSON objects) decode to zero.
func decodeTimeMsec(raw json.RawMessage) int64 {
	if len(raw) == 0 {
		return 0
	}
	var msec int64
	if err := json.Unmarshal(raw, &msec); err != nil {
		return 0
	}
	return msec
}

func encodeTimeMsec(msec int64) json.RawMessage {
	if msec == 0 {
		return nil
	}
	return json.RawMessage(strconv.FormatInt(msec, 10))
}
