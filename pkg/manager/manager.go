// Package manager is the consistency core of the AIVory debugger
// client: it owns the authoritative breakpoint table for one session,
// issues create/delete operations against the store, consumes the
// store's child event feeds, and fires lifecycle callbacks toward the
// IDE/CLI adapter.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/aivorynet/debugger-go/pkg/breakpoint"
	"github.com/aivorynet/debugger-go/pkg/store"
)

const (
	// The agent's finalize is two non-transactional writes (remove from
	// active, write the finalized record). Retrieval retries on empty
	// results with fixed spacing before declaring the capture
	// indeterminate.
	captureFetchAttempts = 4
	captureFetchDelay    = 250 * time.Millisecond

	// deferredSyncRequeue is how long the deferred reconciliation pass
	// waits before re-checking when per-path initializations are still
	// in flight.
	deferredSyncRequeue = 2 * time.Second
)

// Callbacks are the lifecycle notifications toward the adapter. Nil
// entries are skipped. Callbacks run sequentially on the event
// goroutine; they may call back into the Manager.
type Callbacks struct {
	// OnNewBreakpoint fires for breakpoints discovered on the server
	// that this client did not create. The delivered copy has its
	// condition cleared: the client representation cannot carry a
	// condition on a breakpoint it did not itself create. The server
	// copy keeps the condition for agent evaluation.
	OnNewBreakpoint func(bp *breakpoint.Breakpoint)
	// OnChangedBreakpoint fires after a server-initiated line
	// correction, carrying the previous line so line-indexed client
	// state can be retargeted.
	OnChangedBreakpoint func(bp *breakpoint.Breakpoint, originalLine int)
	// OnCompletedBreakpoint fires exactly once when a breakpoint
	// reaches a terminal state.
	OnCompletedBreakpoint func(bp *breakpoint.Breakpoint)
}

// Manager owns the id -> breakpoint table for one attach session.
// Table mutations are serialized; store I/O happens outside the table
// lock so queued events stay ordered without blocking on the network.
type Manager struct {
	st         store.Store
	debuggeeID string
	debug      bool
	cb         Callbacks

	mu               sync.Mutex
	table            map[string]*breakpoint.Breakpoint
	ids              idGenerator
	lineMappings     *LineMappings
	initialActive    *initialActiveIndex
	initializedPaths map[string]bool
	outstandingInits int
	deferredSyncDone bool
	closed           bool

	cancelSub store.CancelFunc

	fetchAttempts int
	fetchDelay    time.Duration
	requeueDelay  time.Duration
}

// New creates a manager for one debuggee. Call LoadServerBreakpoints,
// then SetUpServerListeners, in that order.
func New(st store.Store, debuggeeID string, cb Callbacks, debug bool) *Manager {
	return &Manager{
		st:               st,
		debuggeeID:       debuggeeID,
		debug:            debug,
		cb:               cb,
		table:            make(map[string]*breakpoint.Breakpoint),
		lineMappings:     NewLineMappings(),
		initializedPaths: make(map[string]bool),
		fetchAttempts:    captureFetchAttempts,
		fetchDelay:       captureFetchDelay,
		requeueDelay:     deferredSyncRequeue,
	}
}

func (m *Manager) activePath() string {
	return fmt.Sprintf("breakpoints/%s/active", m.debuggeeID)
}

func (m *Manager) activeChildPath(id string) string {
	return m.activePath() + "/" + id
}

func (m *Manager) finalChildPath(id string) string {
	return fmt.Sprintf("breakpoints/%s/final/%s", m.debuggeeID, id)
}

func (m *Manager) snapshotChildPath(id string) string {
	return fmt.Sprintf("breakpoints/%s/snapshot/%s", m.debuggeeID, id)
}

// LoadServerBreakpoints performs the one-time snapshot read of the
// active subtree and builds the initial active index. It must complete
// before SetUpServerListeners so a breakpoint changing state in the gap
// is neither lost nor delivered twice.
func (m *Manager) LoadServerBreakpoints(ctx context.Context) error {
	data, err := m.st.Get(ctx, m.activePath())
	if err != nil {
		return fmt.Errorf("loading active breakpoints for %s: %w", m.debuggeeID, err)
	}
	records := make(map[string]json.RawMessage)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &records); err != nil {
			return fmt.Errorf("decoding active breakpoints for %s: %w", m.debuggeeID, err)
		}
	}

	m.mu.Lock()
	m.initialActive = newInitialActiveIndex(records)
	m.mu.Unlock()

	m.logf("loaded %d active server breakpoints", len(records))
	return nil
}

// SetUpServerListeners subscribes to the child event feeds on the
// active subtree.
func (m *Manager) SetUpServerListeners(ctx context.Context) error {
	cancel, err := m.st.Subscribe(ctx, m.activePath(), m.handleActiveEvent)
	if err != nil {
		return fmt.Errorf("subscribing to active breakpoints for %s: %w", m.debuggeeID, err)
	}
	m.mu.Lock()
	m.cancelSub = cancel
	m.mu.Unlock()
	return nil
}

// Close cancels the server subscription and marks the manager dead so
// a requeued deferred pass cannot fire callbacks afterwards. The table
// is not usable either way; sessions create a fresh manager per attach.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	cancel := m.cancelSub
	m.cancelSub = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (m *Manager) handleActiveEvent(ev store.Event) {
	switch ev.Type {
	case store.ChildAdded:
		m.handleChildAdded(ev.Key, ev.Data)
	case store.ChildChanged:
		m.handleChildChanged(ev.Key, ev.Data)
	case store.ChildRemoved:
		m.handleChildRemoved(ev.Key)
	}
}

func (m *Manager) decodeRecord(id string, data json.RawMessage) *breakpoint.Record {
	var rec breakpoint.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		m.logf("ignoring undecodable record %s: %v", id, err)
		return nil
	}
	if rec.ID == "" {
		rec.ID = id
	}
	return &rec
}

// handleChildAdded reconciles a server-side creation by id. The echo of
// this client's own save clears hasUnsavedData and nothing else; a
// record created elsewhere joins the table and is surfaced as new.
func (m *Manager) handleChildAdded(id string, data json.RawMessage) {
	rec := m.decodeRecord(id, data)
	if rec == nil {
		return
	}

	m.mu.Lock()
	if existing, ok := m.table[id]; ok {
		if existing.HasUnsavedData {
			existing.HasUnsavedData = false
			if ct := rec.CreateTime(); ct != 0 {
				existing.CreateTimeUnixMsec = ct
			}
			m.mu.Unlock()
			m.logf("breakpoint %s confirmed by store", id)
			return
		}
		// Duplicate delivery for a breakpoint we already track.
		m.mu.Unlock()
		return
	}
	bp := breakpoint.FromWireRecord(rec)
	m.table[id] = bp
	m.mu.Unlock()

	m.logf("new server breakpoint %s at %s", id, bp.LocationKey())
	m.notifyNew(bp)
}

// handleChildChanged is interpreted exclusively as a server-initiated
// line correction: the line is the only field the agent mutates on an
// active record in place. A corrected line that collides with another
// known breakpoint makes this one unplaceable.
func (m *Manager) handleChildChanged(id string, data json.RawMessage) {
	rec := m.decodeRecord(id, data)
	if rec == nil {
		return
	}

	m.mu.Lock()
	bp, ok := m.table[id]
	if !ok {
		m.mu.Unlock()
		// First sighting of this id; some feeds coalesce add+change.
		m.handleChildAdded(id, data)
		return
	}
	newLine := rec.Location.Line
	if newLine == bp.Line || !bp.IsActive() {
		m.mu.Unlock()
		return
	}

	conflict := false
	for otherID, other := range m.table {
		if otherID != id && other.Path == bp.Path && other.Line == newLine && other.IsActive() {
			conflict = true
			break
		}
	}

	if conflict {
		// The corrected line is already taken: this breakpoint cannot
		// be placed. The server record will be finalized independently
		// by the agent that caused the conflict, so no store write.
		bp.State = breakpoint.StateCompletedError
		bp.Status = &breakpoint.StatusMessage{
			IsError: true,
			Description: breakpoint.FormatMessage{
				Format:     "No code found at line $0",
				Parameters: []string{strconv.Itoa(bp.Line)},
			},
		}
		m.mu.Unlock()
		m.logf("breakpoint %s line correction to %d conflicts, completing with error", id, newLine)
		m.notifyCompleted(bp)
		return
	}

	oldLine := bp.Line
	bp.Line = newLine
	m.lineMappings.Add(bp.Path, oldLine, newLine)
	m.mu.Unlock()

	m.logf("breakpoint %s remapped %s:%d -> %d", id, bp.Path, oldLine, newLine)
	m.notifyChanged(bp, oldLine)
}

// handleChildRemoved distinguishes an authentic finalize (the id is
// still known and active) from the echo of a local delete, which is
// suppressed.
func (m *Manager) handleChildRemoved(id string) {
	m.mu.Lock()
	bp, ok := m.table[id]
	if !ok || !bp.IsActive() {
		m.mu.Unlock()
		m.logf("ignoring removal of %s (locally deleted or already final)", id)
		return
	}
	m.mu.Unlock()

	rec := m.fetchFinalizedRecord(bp)

	m.mu.Lock()
	if rec != nil {
		bp.ApplyRecord(rec)
	} else {
		bp.State = breakpoint.StateCompletedIndeterminate
	}
	m.mu.Unlock()

	m.logf("breakpoint %s completed (%s)", id, bp.State)
	m.notifyCompleted(bp)
}

// fetchFinalizedRecord retrieves the finalized record after a removal
// from the active set: the full capture for snapshots, the stripped
// final record for logpoints. The agent's two writes are not
// transactional from here, so empty results are retried on a fixed
// schedule. Exhaustion returns nil: the capture may simply never have
// committed, which is indeterminate, not an error. Store failures on
// this path are absorbed the same way.
func (m *Manager) fetchFinalizedRecord(bp *breakpoint.Breakpoint) *breakpoint.Record {
	path := m.finalChildPath(bp.ID)
	if bp.IsSnapshot() {
		path = m.snapshotChildPath(bp.ID)
	}

	for attempt := 0; attempt < m.fetchAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(m.fetchDelay)
		}
		data, err := m.st.Get(context.Background(), path)
		if err != nil {
			m.logf("fetch %s attempt %d: %v", path, attempt+1, err)
			continue
		}
		if len(data) == 0 {
			continue
		}
		var rec breakpoint.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			m.logf("fetch %s attempt %d: undecodable record: %v", path, attempt+1, err)
			continue
		}
		if rec.ID == "" {
			rec.ID = bp.ID
		}
		return &rec
	}
	return nil
}

// GetSnapshotDetail loads the full capture payload of a finalized
// snapshot on demand (historical loads included). Absent data yields
// nil, not an error.
func (m *Manager) GetSnapshotDetail(ctx context.Context, id string) *breakpoint.Breakpoint {
	data, err := m.st.Get(ctx, m.snapshotChildPath(id))
	if err != nil || len(data) == 0 {
		return nil
	}
	rec := m.decodeRecord(id, data)
	if rec == nil {
		return nil
	}
	return breakpoint.FromWireRecord(rec)
}

// SaveBreakpointToServer assigns a fresh id, pre-corrects the line
// through the remap table, and writes the record to the active subtree
// with the server-timestamp sentinel. Confirmation arrives later as a
// store echo.
func (m *Manager) SaveBreakpointToServer(ctx context.Context, bp *breakpoint.Breakpoint) error {
	m.mu.Lock()
	if actual, ok := m.lineMappings.Get(bp.Path, bp.Line); ok {
		bp.Line = actual
	}
	bp.ID = m.ids.next(time.Now())
	bp.State = breakpoint.StateActive
	bp.HasUnsavedData = true
	m.table[bp.ID] = bp
	m.mu.Unlock()

	rec := bp.ToWireRecord(store.ServerTimestamp())
	if err := m.st.Set(ctx, m.activeChildPath(bp.ID), rec); err != nil {
		return fmt.Errorf("saving breakpoint %s: %w", bp.ID, err)
	}
	m.logf("saved breakpoint %s at %s", bp.ID, bp.LocationKey())
	return nil
}

// DeleteBreakpointFromServer removes the local entry and tombstones the
// store record. The removal echo that follows is suppressed by the
// local removal happening first.
func (m *Manager) DeleteBreakpointFromServer(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.table, id)
	m.mu.Unlock()

	if err := m.st.Delete(ctx, m.activeChildPath(id)); err != nil {
		return fmt.Errorf("deleting breakpoint %s: %w", id, err)
	}
	m.logf("deleted breakpoint %s", id)
	return nil
}

// DeleteBreakpointLocally removes only the local entry. Used when this
// client, not the server, decided the breakpoint should stop existing.
func (m *Manager) DeleteBreakpointLocally(id string) {
	m.mu.Lock()
	delete(m.table, id)
	m.mu.Unlock()
}

// GetBreakpoint returns the table entry for id.
func (m *Manager) GetBreakpoint(id string) (*breakpoint.Breakpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bp, ok := m.table[id]
	return bp, ok
}

// GetBreakpoints returns the current table contents.
func (m *Manager) GetBreakpoints() []*breakpoint.Breakpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*breakpoint.Breakpoint, 0, len(m.table))
	for _, bp := range m.table {
		out = append(out, bp)
	}
	return out
}

// GetLineMapping returns the corrected line for a previously remapped
// request.
func (m *Manager) GetLineMapping(path string, requestedLine int) (int, bool) {
	return m.lineMappings.Get(path, requestedLine)
}

// InitializeWithLocalBreakpoints reconciles the client's declared
// breakpoints for one path against the initial active index: matched
// specs bind to their server record (server data wins), unmatched
// specs are created on the server, and unclaimed server snapshots for
// the path are surfaced as new. The returned slice parallels specs
// with the resolved breakpoints.
func (m *Manager) InitializeWithLocalBreakpoints(ctx context.Context, path string, specs []breakpoint.SourceSpec) ([]*breakpoint.Breakpoint, error) {
	m.mu.Lock()
	m.outstandingInits++
	m.initializedPaths[path] = true
	ix := m.initialActive
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.outstandingInits--
		m.mu.Unlock()
	}()

	resolved := make([]*breakpoint.Breakpoint, 0, len(specs))
	for _, spec := range specs {
		var match *breakpoint.Breakpoint
		if ix != nil {
			m.mu.Lock()
			if spec.LogMessage != "" {
				match = ix.matchLogpoint(path, spec)
			} else {
				match = ix.matchSnapshot(path, spec)
			}
			if match != nil {
				m.table[match.ID] = match
			}
			m.mu.Unlock()
		}
		if match != nil {
			m.logf("bound client breakpoint at %s:%d to server record %s", path, spec.Line, match.ID)
			resolved = append(resolved, match)
			continue
		}
		bp := breakpoint.FromSourceSpec(path, spec)
		if err := m.SaveBreakpointToServer(ctx, bp); err != nil {
			return nil, err
		}
		resolved = append(resolved, bp)
	}

	if ix != nil {
		m.mu.Lock()
		surfaced := ix.breakpointsToSyncToIDEForPath(path)
		for _, bp := range surfaced {
			m.table[bp.ID] = bp
		}
		m.mu.Unlock()
		for _, bp := range surfaced {
			m.notifyNew(bp)
		}
	}
	return resolved, nil
}

// SyncInitialActiveBreakpointsToIDE runs the deferred reconciliation
// pass for every path the client never declared, excluding
// excludePaths. The outstanding-initialization counter takes
// precedence over timing: while any per-path initialization is in
// flight the pass requeues itself on a fixed timer, so it can never
// race one and duplicate a notification. The initial active index is
// destroyed when the pass completes.
func (m *Manager) SyncInitialActiveBreakpointsToIDE(excludePaths []string) {
	m.mu.Lock()
	if m.closed || m.initialActive == nil || m.deferredSyncDone {
		m.mu.Unlock()
		return
	}
	if m.outstandingInits > 0 {
		inFlight := m.outstandingInits
		m.mu.Unlock()
		m.logf("deferred breakpoint sync requeued: %d initializations in flight", inFlight)
		time.AfterFunc(m.requeueDelay, func() {
			m.SyncInitialActiveBreakpointsToIDE(excludePaths)
		})
		return
	}
	m.deferredSyncDone = true
	ix := m.initialActive
	m.initialActive = nil

	skip := make(map[string]bool, len(m.initializedPaths)+len(excludePaths))
	for path := range m.initializedPaths {
		skip[path] = true
	}
	for _, path := range excludePaths {
		skip[path] = true
	}

	var surfaced []*breakpoint.Breakpoint
	for _, path := range ix.paths() {
		if skip[path] {
			continue
		}
		for _, bp := range ix.breakpointsToSyncToIDEForPath(path) {
			m.table[bp.ID] = bp
			surfaced = append(surfaced, bp)
		}
	}
	m.mu.Unlock()

	for _, bp := range surfaced {
		m.notifyNew(bp)
	}
	m.logf("deferred breakpoint sync surfaced %d server breakpoints", len(surfaced))
}

// notifyNew hands a server-discovered breakpoint to the adapter with
// the condition cleared; the table copy keeps it for the agent side.
func (m *Manager) notifyNew(bp *breakpoint.Breakpoint) {
	if m.cb.OnNewBreakpoint == nil {
		return
	}
	view := *bp
	view.Condition = ""
	m.cb.OnNewBreakpoint(&view)
}

func (m *Manager) notifyChanged(bp *breakpoint.Breakpoint, originalLine int) {
	if m.cb.OnChangedBreakpoint != nil {
		m.cb.OnChangedBreakpoint(bp, originalLine)
	}
}

func (m *Manager) notifyCompleted(bp *breakpoint.Breakpoint) {
	if m.cb.OnCompletedBreakpoint != nil {
		m.cb.OnCompletedBreakpoint(bp)
	}
}

func (m *Manager) logf(format string, args ...any) {
	if m.debug {
		log.Printf("[AIVory Debugger] "+format, args...)
	}
}
