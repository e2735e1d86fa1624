package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// MemoryStore is an in-process Store with the same semantics the
// production backend provides: per-child atomic writes, resolution of
// the server-timestamp sentinel, and child events delivered in mutation
// order. Tests and offline tooling use it in place of a live backend.
type MemoryStore struct {
	// Now supplies the store clock for sentinel resolution. Tests
	// override it to get deterministic create times.
	Now func() time.Time

	mu      sync.Mutex
	leaves  map[string]json.RawMessage
	subs    map[int]*memorySub
	nextSub int
}

type memorySub struct {
	path string
	fn   func(Event)
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Now:    time.Now,
		leaves: make(map[string]json.RawMessage),
		subs:   make(map[int]*memorySub),
	}
}

// Get returns the leaf at path, or, for an interior path, an object
// assembled from everything below it. Nil when nothing exists.
func (s *MemoryStore) Get(_ context.Context, path string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if data, ok := s.leaves[path]; ok {
		return append(json.RawMessage(nil), data...), nil
	}
	return s.assemble(path), nil
}

// assemble builds the JSON object for an interior path. Caller holds mu.
func (s *MemoryStore) assemble(path string) json.RawMessage {
	prefix := path + "/"
	children := make(map[string]json.RawMessage)
	var dirs []string
	for key, data := range s.leaves {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := key[len(prefix):]
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			dirs = append(dirs, rest[:i])
		} else {
			children[rest] = data
		}
	}
	for _, dir := range dirs {
		if _, ok := children[dir]; !ok {
			children[dir] = s.assemble(prefix + dir)
		}
	}
	if len(children) == 0 {
		return nil
	}
	data, _ := json.Marshal(children)
	return data
}

// Set writes the leaf at path atomically, resolving any top-level
// server-timestamp sentinel fields against the store clock.
func (s *MemoryStore) Set(_ context.Context, path string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	data = resolveServerTimestamps(data, s.Now().UnixMilli())

	s.mu.Lock()
	_, existed := s.leaves[path]
	s.leaves[path] = data
	fns := s.subscribersLocked(parentPath(path))
	s.mu.Unlock()

	typ := ChildAdded
	if existed {
		typ = ChildChanged
	}
	emit(fns, Event{Type: typ, Path: parentPath(path), Key: lastSegment(path), Data: data})
	return nil
}

// Delete removes the leaf at path. Deleting something absent is a
// no-op, matching the backend's tombstone-write behavior.
func (s *MemoryStore) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	prior, existed := s.leaves[path]
	delete(s.leaves, path)
	fns := s.subscribersLocked(parentPath(path))
	s.mu.Unlock()

	if existed {
		emit(fns, Event{Type: ChildRemoved, Path: parentPath(path), Key: lastSegment(path), Data: prior})
	}
	return nil
}

// Subscribe registers for future child mutations under path. Existing
// children are not replayed; callers snapshot with Get first.
func (s *MemoryStore) Subscribe(_ context.Context, path string, fn func(Event)) (CancelFunc, error) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = &memorySub{path: path, fn: fn}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}, nil
}

// Close drops all subscriptions. Data survives so a test can inspect
// the final tree.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.subs = make(map[int]*memorySub)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) subscribersLocked(parent string) []func(Event) {
	ids := make([]int, 0, len(s.subs))
	for id, sub := range s.subs {
		if sub.path == parent {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id].fn)
	}
	return fns
}

// emit runs callbacks outside the store lock so a callback may call
// back into the store.
func emit(fns []func(Event), ev Event) {
	for _, fn := range fns {
		fn(ev)
	}
}

// resolveServerTimestamps replaces top-level fields holding the
// server-timestamp sentinel with the resolved millisecond value.
func resolveServerTimestamps(data []byte, nowMsec int64) []byte {
	parsed := gjson.ParseBytes(data)
	if !parsed.IsObject() {
		return data
	}
	parsed.ForEach(func(key, value gjson.Result) bool {
		if value.IsObject() && value.Get(`\.sv`).Str == "timestamp" {
			data, _ = sjson.SetBytes(data, key.Str, nowMsec)
		}
		return true
	})
	return data
}

func parentPath(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return ""
}

func lastSegment(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}
