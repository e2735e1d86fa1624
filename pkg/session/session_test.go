package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/aivorynet/debugger-go/pkg/breakpoint"
	"github.com/aivorynet/debugger-go/pkg/store"
)

func registerDebuggee(t *testing.T, st *store.MemoryStore, id string) {
	t.Helper()
	err := st.Set(context.Background(), "debuggees/"+id, map[string]any{
		"id":          id,
		"description": "test service",
	})
	if err != nil {
		t.Fatalf("registering debuggee: %v", err)
	}
}

func TestAttachAndClose(t *testing.T) {
	clearConfigEnv(t)
	mem := store.NewMemoryStore()
	registerDebuggee(t, mem, "dbg-1")

	cfg := NewConfig(WithDebuggeeID("dbg-1"))
	s, err := Attach(context.Background(), cfg, Callbacks{}, WithStore(mem))
	if err != nil {
		t.Fatalf("Attach() failed: %v", err)
	}
	if s.Manager() == nil {
		t.Fatal("attached session has no manager")
	}
	if s.ClientID() == "" {
		t.Error("attached session has no client id")
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close() failed: %v", err)
	}

	// The session did not open the store, so it must not close it.
	if _, err := mem.Get(context.Background(), "debuggees/dbg-1"); err != nil {
		t.Errorf("store unusable after session close: %v", err)
	}
}

func TestAttachUnknownDebuggee(t *testing.T) {
	clearConfigEnv(t)
	mem := store.NewMemoryStore()

	cfg := NewConfig(WithDebuggeeID("dbg-missing"))
	_, err := Attach(context.Background(), cfg, Callbacks{}, WithStore(mem))
	if err == nil {
		t.Fatal("Attach() to unregistered debuggee should fail")
	}
	if !errors.Is(err, ErrUnknownDebuggee) {
		t.Errorf("Attach() error = %v; want errors.Is(err, ErrUnknownDebuggee)", err)
	}
}

func TestAttachWithoutDebuggeeID(t *testing.T) {
	clearConfigEnv(t)
	mem := store.NewMemoryStore()

	_, err := Attach(context.Background(), NewConfig(), Callbacks{}, WithStore(mem))
	if !errors.Is(err, ErrUnknownDebuggee) {
		t.Errorf("Attach() error = %v; want errors.Is(err, ErrUnknownDebuggee)", err)
	}
}

func TestCompletedCaptureIsArchived(t *testing.T) {
	clearConfigEnv(t)
	ctx := context.Background()
	mem := store.NewMemoryStore()
	registerDebuggee(t, mem, "dbg-1")

	var mu sync.Mutex
	var completed []*breakpoint.Breakpoint
	cb := Callbacks{
		OnCompletedBreakpoint: func(bp *breakpoint.Breakpoint) {
			mu.Lock()
			completed = append(completed, bp)
			mu.Unlock()
		},
	}

	cfg := NewConfig(WithDebuggeeID("dbg-1"), WithHistoryPath(":memory:"))
	s, err := Attach(ctx, cfg, cb, WithStore(mem))
	if err != nil {
		t.Fatalf("Attach() failed: %v", err)
	}
	defer s.Close()
	if s.History() == nil {
		t.Fatal("configured history archive missing")
	}

	// An agent-side lifecycle: a snapshot appears, the agent captures
	// and finalizes it, and the active record is removed.
	active := &breakpoint.Record{
		Action:   breakpoint.ActionCapture,
		Location: breakpoint.Location{Path: "src/app.go", Line: 12},
	}
	if err := mem.Set(ctx, "breakpoints/dbg-1/active/b-500", active); err != nil {
		t.Fatalf("seeding active record: %v", err)
	}
	final := &breakpoint.Record{
		Action:   breakpoint.ActionCapture,
		Location: breakpoint.Location{Path: "src/app.go", Line: 12},
		IsFinal:  true,
		StackFrames: []breakpoint.StackFrame{
			{Function: "app.run"},
		},
	}
	if err := mem.Set(ctx, "breakpoints/dbg-1/snapshot/b-500", final); err != nil {
		t.Fatalf("seeding snapshot record: %v", err)
	}
	if err := mem.Delete(ctx, "breakpoints/dbg-1/active/b-500"); err != nil {
		t.Fatalf("removing active record: %v", err)
	}

	mu.Lock()
	n := len(completed)
	mu.Unlock()
	if n != 1 {
		t.Fatalf("completion callback fired %d times; want 1", n)
	}

	got, err := s.History().Get("b-500")
	if err != nil {
		t.Fatalf("archived capture missing: %v", err)
	}
	if !got.HasCapturedData() {
		t.Error("archived capture lost its stack payload")
	}
	if got.Path != "src/app.go" || got.Line != 12 {
		t.Errorf("archived capture at %s:%d; want src/app.go:12", got.Path, got.Line)
	}
}

func TestListDebuggees(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	registerDebuggee(t, mem, "dbg-1")
	registerDebuggee(t, mem, "dbg-2")

	debuggees, err := ListDebuggees(ctx, mem)
	if err != nil {
		t.Fatalf("ListDebuggees() failed: %v", err)
	}
	if len(debuggees) != 2 {
		t.Fatalf("ListDebuggees() returned %d entries; want 2", len(debuggees))
	}
	seen := map[string]bool{}
	for _, d := range debuggees {
		seen[d.ID] = true
		if d.Description != "test service" {
			t.Errorf("debuggee %s description = %q", d.ID, d.Description)
		}
	}
	if !seen["dbg-1"] || !seen["dbg-2"] {
		t.Errorf("ListDebuggees() ids = %v; want dbg-1 and dbg-2", seen)
	}
}

func TestListDebuggeesEmptyStore(t *testing.T) {
	debuggees, err := ListDebuggees(context.Background(), store.NewMemoryStore())
	if err != nil {
		t.Fatalf("ListDebuggees() failed: %v", err)
	}
	if len(debuggees) != 0 {
		t.Errorf("ListDebuggees() on empty store returned %d entries", len(debuggees))
	}
}
