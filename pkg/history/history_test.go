package history

import (
	"errors"
	"testing"

	"github.com/aivorynet/debugger-go/pkg/breakpoint"
)

func capturedBreakpoint(id, path string, line int) *breakpoint.Breakpoint {
	return &breakpoint.Breakpoint{
		ID:                 id,
		Path:               path,
		Line:               line,
		State:              breakpoint.StateCompletedCapture,
		CreateTimeUnixMsec: 1700000000000,
		StackFrames: []breakpoint.StackFrame{
			{Function: "main.handleRequest", Location: &breakpoint.Location{Path: path, Line: line}},
		},
	}
}

func TestSaveAndGetCapture(t *testing.T) {
	a, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer a.Close()

	want := capturedBreakpoint("b-100", "src/server.go", 42)
	want.Condition = "req != nil"
	if err := a.SaveCapture("dbg-1", want); err != nil {
		t.Fatalf("SaveCapture() failed: %v", err)
	}

	got, err := a.Get("b-100")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.ID != "b-100" || got.Path != "src/server.go" || got.Line != 42 {
		t.Errorf("Get() = %s %s:%d; want b-100 src/server.go:42", got.ID, got.Path, got.Line)
	}
	if got.Condition != "req != nil" {
		t.Errorf("Get() condition = %q; want %q", got.Condition, "req != nil")
	}
	if !got.HasCapturedData() {
		t.Error("reloaded capture should still report captured data")
	}
	if len(got.StackFrames) != 1 || got.StackFrames[0].Function != "main.handleRequest" {
		t.Errorf("Get() stack frames = %+v; want the saved frame", got.StackFrames)
	}
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	a, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer a.Close()

	_, err = a.Get("b-999")
	if err == nil {
		t.Fatal("Get() on an empty archive should fail")
	}
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v; want errors.Is(err, ErrNotFound)", err)
	}
}

func TestListIsScopedToDebuggeeAndNewestFirst(t *testing.T) {
	a, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer a.Close()

	if err := a.SaveCapture("dbg-1", capturedBreakpoint("b-1", "a.go", 10)); err != nil {
		t.Fatalf("SaveCapture(b-1) failed: %v", err)
	}
	if err := a.SaveCapture("dbg-1", capturedBreakpoint("b-2", "b.go", 20)); err != nil {
		t.Fatalf("SaveCapture(b-2) failed: %v", err)
	}
	if err := a.SaveCapture("dbg-2", capturedBreakpoint("b-3", "c.go", 30)); err != nil {
		t.Fatalf("SaveCapture(b-3) failed: %v", err)
	}

	entries, err := a.List("dbg-1")
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("List(dbg-1) returned %d entries; want 2", len(entries))
	}
	for _, e := range entries {
		if e.DebuggeeID != "dbg-1" {
			t.Errorf("List(dbg-1) returned entry for %s", e.DebuggeeID)
		}
	}
}

func TestSaveCaptureReplacesExistingRow(t *testing.T) {
	a, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer a.Close()

	bp := capturedBreakpoint("b-1", "a.go", 10)
	if err := a.SaveCapture("dbg-1", bp); err != nil {
		t.Fatalf("SaveCapture() failed: %v", err)
	}
	bp.Line = 11
	if err := a.SaveCapture("dbg-1", bp); err != nil {
		t.Fatalf("SaveCapture() resave failed: %v", err)
	}

	entries, err := a.List("dbg-1")
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("List() returned %d entries after resave; want 1", len(entries))
	}
	if entries[0].Line != 11 {
		t.Errorf("resaved entry line = %d; want 11", entries[0].Line)
	}
}
