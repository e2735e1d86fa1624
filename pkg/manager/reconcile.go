package manager

import (
	"encoding/json"
	"sort"

	"github.com/aivorynet/debugger-go/pkg/breakpoint"
)

// lineBucket holds the server's active breakpoints at one (path, line),
// split by kind the way the matching rules need them.
type lineBucket struct {
	snapshots []*breakpoint.Breakpoint
	logpoints []*breakpoint.Breakpoint
}

// initialActiveIndex is the short-lived per-session structure built
// from the one-time snapshot read of the store's active subtree. It
// feeds initial reconciliation and is destroyed once the deferred sync
// pass has run.
type initialActiveIndex struct {
	byPath map[string]map[int]*lineBucket
	// consumed marks server breakpoints already bound to a client
	// breakpoint or already surfaced, so each is delivered at most once.
	consumed map[string]bool
}

func newInitialActiveIndex(records map[string]json.RawMessage) *initialActiveIndex {
	ix := &initialActiveIndex{
		byPath:   make(map[string]map[int]*lineBucket),
		consumed: make(map[string]bool),
	}
	for id, raw := range records {
		var rec breakpoint.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if rec.ID == "" {
			rec.ID = id
		}
		bp := breakpoint.FromWireRecord(&rec)
		if !bp.IsActive() {
			continue
		}
		lines, ok := ix.byPath[bp.Path]
		if !ok {
			lines = make(map[int]*lineBucket)
			ix.byPath[bp.Path] = lines
		}
		bucket, ok := lines[bp.Line]
		if !ok {
			bucket = &lineBucket{}
			lines[bp.Line] = bucket
		}
		if bp.IsLogpoint() {
			bucket.logpoints = append(bucket.logpoints, bp)
		} else {
			bucket.snapshots = append(bucket.snapshots, bp)
		}
	}
	return ix
}

// matchSnapshot binds a client snapshot request to the server record
// with an equal (line, condition) signature, preferring the most
// recently created candidate. The winner is consumed.
func (ix *initialActiveIndex) matchSnapshot(path string, spec breakpoint.SourceSpec) *breakpoint.Breakpoint {
	bucket := ix.bucket(path, spec.Line)
	if bucket == nil {
		return nil
	}
	var best *breakpoint.Breakpoint
	for _, bp := range bucket.snapshots {
		if ix.consumed[bp.ID] || bp.Condition != spec.Condition {
			continue
		}
		if best == nil || bp.CreateTimeUnixMsec > best.CreateTimeUnixMsec {
			best = bp
		}
	}
	if best != nil {
		ix.consumed[best.ID] = true
	}
	return best
}

// matchLogpoint binds a client logpoint request purely on the decoded
// user-facing message. Condition is deliberately excluded: the wire
// representation cannot carry a condition back into the client-side
// spec on every path.
func (ix *initialActiveIndex) matchLogpoint(path string, spec breakpoint.SourceSpec) *breakpoint.Breakpoint {
	bucket := ix.bucket(path, spec.Line)
	if bucket == nil {
		return nil
	}
	var best *breakpoint.Breakpoint
	for _, bp := range bucket.logpoints {
		if ix.consumed[bp.ID] || bp.UserLogMessage() != spec.LogMessage {
			continue
		}
		if best == nil || bp.CreateTimeUnixMsec > best.CreateTimeUnixMsec {
			best = bp
		}
	}
	if best != nil {
		ix.consumed[best.ID] = true
	}
	return best
}

// breakpointsToSyncToIDEForPath returns the server breakpoints at path
// that no client breakpoint claimed and that the client should learn
// about: snapshots only (the client representation cannot round-trip a
// decoded logpoint), and at most one per line (the client protocol
// carries one breakpoint per line), the newest winning. Returned
// entries are consumed.
func (ix *initialActiveIndex) breakpointsToSyncToIDEForPath(path string) []*breakpoint.Breakpoint {
	lines := ix.byPath[path]
	if len(lines) == 0 {
		return nil
	}
	lineNums := make([]int, 0, len(lines))
	for line := range lines {
		lineNums = append(lineNums, line)
	}
	sort.Ints(lineNums)

	var out []*breakpoint.Breakpoint
	for _, line := range lineNums {
		var best *breakpoint.Breakpoint
		for _, bp := range lines[line].snapshots {
			if ix.consumed[bp.ID] {
				continue
			}
			if best == nil || bp.CreateTimeUnixMsec > best.CreateTimeUnixMsec {
				best = bp
			}
		}
		if best == nil {
			continue
		}
		ix.consumed[best.ID] = true
		out = append(out, best)
	}
	return out
}

func (ix *initialActiveIndex) bucket(path string, line int) *lineBucket {
	return ix.byPath[path][line]
}

func (ix *initialActiveIndex) paths() []string {
	out := make([]string, 0, len(ix.byPath))
	for path := range ix.byPath {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}
