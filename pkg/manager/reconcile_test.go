package manager

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/aivorynet/debugger-go/pkg/breakpoint"
)

// rawRecords marshals wire records keyed by id, the shape of the
// snapshot read of the active subtree.
func rawRecords(t *testing.T, recs ...breakpoint.Record) map[string]json.RawMessage {
	t.Helper()
	out := make(map[string]json.RawMessage, len(recs))
	for _, rec := range recs {
		data, err := json.Marshal(rec)
		if err != nil {
			t.Fatalf("marshal record %s: %v", rec.ID, err)
		}
		out[rec.ID] = data
	}
	return out
}

func snapshotRecord(id, path string, line int, condition string, createMsec int64) breakpoint.Record {
	return breakpoint.Record{
		ID:                 id,
		Action:             breakpoint.ActionCapture,
		Location:           breakpoint.Location{Path: path, Line: line},
		Condition:          condition,
		CreateTimeUnixMsec: json.RawMessage(fmt.Sprintf("%d", createMsec)),
	}
}

func logpointRecord(id, path string, line int, message string, createMsec int64) breakpoint.Record {
	format, exprs := breakpoint.EncodeLogMessage(message)
	return breakpoint.Record{
		ID:                 id,
		Action:             breakpoint.ActionLog,
		Location:           breakpoint.Location{Path: path, Line: line},
		LogMessageFormat:   format,
		Expressions:        exprs,
		CreateTimeUnixMsec: json.RawMessage(fmt.Sprintf("%d", createMsec)),
	}
}

func TestMatchSnapshotNewestWins(t *testing.T) {
	ix := newInitialActiveIndex(rawRecords(t,
		snapshotRecord("b-1", "app.py", 10, "x > 1", 1000),
		snapshotRecord("b-2", "app.py", 10, "x > 1", 3000),
		snapshotRecord("b-3", "app.py", 10, "x > 1", 2000),
	))

	got := ix.matchSnapshot("app.py", breakpoint.SourceSpec{Line: 10, Condition: "x > 1"})
	if got == nil || got.ID != "b-2" {
		t.Fatalf("matchSnapshot = %v, want the newest (b-2)", got)
	}

	// The winner is consumed; a second identical request binds the next
	// newest instead of double-binding.
	got = ix.matchSnapshot("app.py", breakpoint.SourceSpec{Line: 10, Condition: "x > 1"})
	if got == nil || got.ID != "b-3" {
		t.Fatalf("second matchSnapshot = %v, want b-3", got)
	}
}

func TestMatchSnapshotSignature(t *testing.T) {
	ix := newInitialActiveIndex(rawRecords(t,
		snapshotRecord("b-1", "app.py", 10, "x > 1", 1000),
	))

	if got := ix.matchSnapshot("app.py", breakpoint.SourceSpec{Line: 10, Condition: "x > 2"}); got != nil {
		t.Errorf("condition mismatch still matched %s", got.ID)
	}
	if got := ix.matchSnapshot("app.py", breakpoint.SourceSpec{Line: 11, Condition: "x > 1"}); got != nil {
		t.Errorf("line mismatch still matched %s", got.ID)
	}
	if got := ix.matchSnapshot("other.py", breakpoint.SourceSpec{Line: 10, Condition: "x > 1"}); got != nil {
		t.Errorf("path mismatch still matched %s", got.ID)
	}
	if got := ix.matchSnapshot("app.py", breakpoint.SourceSpec{Line: 10, Condition: "x > 1"}); got == nil {
		t.Errorf("exact signature did not match")
	}
}

func TestMatchLogpointOnDecodedMessage(t *testing.T) {
	ix := newInitialActiveIndex(rawRecords(t,
		logpointRecord("b-1", "app.py", 10, "a={a}", 1000),
	))

	// Condition is excluded from the logpoint match key.
	got := ix.matchLogpoint("app.py", breakpoint.SourceSpec{Line: 10, LogMessage: "a={a}", Condition: "ignored"})
	if got == nil || got.ID != "b-1" {
		t.Fatalf("matchLogpoint = %v, want b-1", got)
	}

	ix = newInitialActiveIndex(rawRecords(t,
		logpointRecord("b-1", "app.py", 10, "a={a}", 1000),
	))
	if got := ix.matchLogpoint("app.py", breakpoint.SourceSpec{Line: 10, LogMessage: "b={b}"}); got != nil {
		t.Errorf("different message still matched %s", got.ID)
	}
}

func TestBreakpointsToSyncOnePerLine(t *testing.T) {
	ix := newInitialActiveIndex(rawRecords(t,
		snapshotRecord("b-1", "app.py", 10, "", 1000),
		snapshotRecord("b-2", "app.py", 10, "", 2000),
		snapshotRecord("b-3", "app.py", 20, "", 1500),
	))

	got := ix.breakpointsToSyncToIDEForPath("app.py")
	if len(got) != 2 {
		t.Fatalf("surfaced %d breakpoints, want 2 (one per line)", len(got))
	}
	if got[0].Line != 10 || got[0].ID != "b-2" {
		t.Errorf("line 10 surfaced %s, want the newest (b-2)", got[0].ID)
	}
	if got[1].Line != 20 || got[1].ID != "b-3" {
		t.Errorf("line 20 surfaced %s, want b-3", got[1].ID)
	}

	// Surfacing consumes: a second drain is empty.
	if again := ix.breakpointsToSyncToIDEForPath("app.py"); len(again) != 0 {
		t.Errorf("second drain surfaced %d breakpoints", len(again))
	}
}

func TestBreakpointsToSyncExcludesLogpoints(t *testing.T) {
	ix := newInitialActiveIndex(rawRecords(t,
		logpointRecord("b-1", "app.py", 10, "a={a}", 1000),
		logpointRecord("b-2", "app.py", 12, "b={b}", 2000),
	))

	if got := ix.breakpointsToSyncToIDEForPath("app.py"); len(got) != 0 {
		t.Errorf("unmatched logpoints were surfaced: %d", len(got))
	}
}

func TestBreakpointsToSyncSkipsMatched(t *testing.T) {
	ix := newInitialActiveIndex(rawRecords(t,
		snapshotRecord("b-1", "app.py", 10, "", 1000),
	))
	if ix.matchSnapshot("app.py", breakpoint.SourceSpec{Line: 10}) == nil {
		t.Fatalf("setup: match failed")
	}
	if got := ix.breakpointsToSyncToIDEForPath("app.py"); len(got) != 0 {
		t.Errorf("matched breakpoint surfaced again: %d", len(got))
	}
}

func TestIndexIgnoresFinalizedRecords(t *testing.T) {
	rec := snapshotRecord("b-1", "app.py", 10, "", 1000)
	rec.IsFinal = true
	ix := newInitialActiveIndex(rawRecords(t, rec))

	if got := ix.matchSnapshot("app.py", breakpoint.SourceSpec{Line: 10}); got != nil {
		t.Errorf("finalized record matched: %s", got.ID)
	}
}
