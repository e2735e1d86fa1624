// Package store defines the hierarchical, subscribable key-value store
// the debugger client consumes, plus the WebSocket-backed production
// client and an in-memory implementation with the same ordering
// guarantees.
//
// The store is consumed, not built, by this module: it must provide
// per-child atomic set/delete, a server-assigned timestamp sentinel
// accepted in place of a client value, and child event delivery in
// actual mutation order for a given path.
package store

import (
	"context"
	"encoding/json"
	"errors"
)

// EventType classifies a child event on a subscribed path.
type EventType int

const (
	ChildAdded EventType = iota
	ChildChanged
	ChildRemoved
)

func (t EventType) String() string {
	switch t {
	case ChildAdded:
		return "child_added"
	case ChildChanged:
		return "child_changed"
	case ChildRemoved:
		return "child_removed"
	default:
		return "unknown"
	}
}

// Event is one child mutation under a subscribed path.
type Event struct {
	Type EventType
	// Path is the subscribed parent path.
	Path string
	// Key is the direct child that changed.
	Key string
	// Data is the child's value. Nil for removals.
	Data json.RawMessage
}

// CancelFunc tears down a subscription.
type CancelFunc func()

// Store is the consumer boundary. Get returns nil data with a nil
// error when nothing exists at the path.
type Store interface {
	Get(ctx context.Context, path string) (json.RawMessage, error)
	Set(ctx context.Context, path string, value any) error
	Delete(ctx context.Context, path string) error
	// Subscribe delivers child events for future mutations under path.
	// Callbacks run sequentially in mutation order.
	Subscribe(ctx context.Context, path string, fn func(Event)) (CancelFunc, error)
	Close() error
}

// ErrClosed is returned for operations on a closed store connection.
var ErrClosed = errors.New("store: connection closed")

const serverTimestampSentinel = `{".sv":"timestamp"}`

// ServerTimestamp returns the write-time placeholder the store resolves
// to its own clock. The client must never compute create times itself.
func ServerTimestamp() json.RawMessage {
	return json.RawMessage(serverTimestampSentinel)
}
