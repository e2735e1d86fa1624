package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/aivorynet/debugger-go/pkg/breakpoint"
	"github.com/aivorynet/debugger-go/pkg/history"
	"github.com/aivorynet/debugger-go/pkg/manager"
	"github.com/aivorynet/debugger-go/pkg/store"
)

// ErrUnknownDebuggee means the requested debuggee has no registration
// record in the store.
var ErrUnknownDebuggee = errors.New("session: unknown debuggee")

// deferredSyncGrace is how long after attach the deferred
// reconciliation pass is scheduled, giving the client time to declare
// the paths it knows about.
const deferredSyncGrace = 5 * time.Second

// Callbacks re-exports the manager's lifecycle callbacks for adapters
// that only import this package.
type Callbacks = manager.Callbacks

// Session is one attach to one debuggee. Each session owns an
// independent breakpoint table and subscription set; nothing survives
// Close.
type Session struct {
	config   *Config
	st       store.Store
	ownStore bool
	mgr      *manager.Manager
	archive  *history.Archive
	clientID string

	deferredSync *time.Timer
}

// AttachOption adjusts how Attach builds the session.
type AttachOption func(*attachOptions)

type attachOptions struct {
	st store.Store
}

// WithStore attaches over an existing store connection instead of
// dialing the configured backend. The session does not close a store
// it did not open.
func WithStore(st store.Store) AttachOption {
	return func(o *attachOptions) { o.st = st }
}

// Attach connects to the store, verifies the debuggee, loads the
// server's active breakpoints, and starts the live listeners — in that
// order, so nothing changing state between the snapshot read and the
// subscription start is lost or doubled. Any failure tears everything
// down; no partial session is left running.
func Attach(ctx context.Context, cfg *Config, cb Callbacks, opts ...AttachOption) (*Session, error) {
	var options attachOptions
	for _, opt := range opts {
		opt(&options)
	}

	s := &Session{
		config:   cfg,
		st:       options.st,
		ownStore: options.st == nil,
		clientID: uuid.NewString(),
	}
	if s.st == nil {
		st, err := store.Dial(ctx, cfg.BackendURL, cfg.APIKey, cfg.Debug)
		if err != nil {
			return nil, fmt.Errorf("session: attach: %w", err)
		}
		s.st = st
	}

	if err := s.verifyDebuggee(ctx); err != nil {
		s.teardown()
		return nil, err
	}

	if cfg.HistoryPath != "" {
		archive, err := history.Open(cfg.HistoryPath)
		if err != nil {
			s.teardown()
			return nil, fmt.Errorf("session: opening capture history: %w", err)
		}
		s.archive = archive
		cb = s.archivingCallbacks(cb)
	}

	s.mgr = manager.New(s.st, cfg.DebuggeeID, cb, cfg.Debug)
	if err := s.mgr.LoadServerBreakpoints(ctx); err != nil {
		s.teardown()
		return nil, fmt.Errorf("session: attach: %w", err)
	}
	if err := s.mgr.SetUpServerListeners(ctx); err != nil {
		s.teardown()
		return nil, fmt.Errorf("session: attach: %w", err)
	}

	mgr := s.mgr
	s.deferredSync = time.AfterFunc(deferredSyncGrace, func() {
		mgr.SyncInitialActiveBreakpointsToIDE(nil)
	})

	if cfg.Debug {
		log.Printf("[AIVory Debugger] session %s attached to debuggee %s", s.clientID, cfg.DebuggeeID)
	}
	return s, nil
}

func (s *Session) verifyDebuggee(ctx context.Context) error {
	if s.config.DebuggeeID == "" {
		return fmt.Errorf("%w: no debuggee id configured", ErrUnknownDebuggee)
	}
	data, err := s.st.Get(ctx, "debuggees/"+s.config.DebuggeeID)
	if err != nil {
		return fmt.Errorf("session: checking debuggee %s: %w", s.config.DebuggeeID, err)
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownDebuggee, s.config.DebuggeeID)
	}
	return nil
}

// archivingCallbacks wraps the completion callback to persist resolved
// captures into the local archive before handing them on.
func (s *Session) archivingCallbacks(cb Callbacks) Callbacks {
	inner := cb.OnCompletedBreakpoint
	cb.OnCompletedBreakpoint = func(bp *breakpoint.Breakpoint) {
		if bp.HasCapturedData() {
			if err := s.archive.SaveCapture(s.config.DebuggeeID, bp); err != nil && s.config.Debug {
				log.Printf("[AIVory Debugger] archiving capture %s: %v", bp.ID, err)
			}
		}
		if inner != nil {
			inner(bp)
		}
	}
	return cb
}

// Manager exposes the breakpoint manager for the adapter.
func (s *Session) Manager() *manager.Manager {
	return s.mgr
}

// ClientID identifies this session instance.
func (s *Session) ClientID() string {
	return s.clientID
}

// History returns the local capture archive, or nil when not configured.
func (s *Session) History() *history.Archive {
	return s.archive
}

// Close cancels subscriptions and releases the store connection (when
// this session opened it) and the capture archive.
func (s *Session) Close() error {
	if s.deferredSync != nil {
		s.deferredSync.Stop()
		s.deferredSync = nil
	}
	if s.mgr != nil {
		s.mgr.Close()
		s.mgr = nil
	}
	return s.teardown()
}

func (s *Session) teardown() error {
	var firstErr error
	if s.archive != nil {
		if err := s.archive.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.archive = nil
	}
	if s.ownStore && s.st != nil {
		if err := s.st.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.st = nil
	return firstErr
}

// Debuggee is a registration/heartbeat record, consumed read-only.
type Debuggee struct {
	ID                     string            `json:"id"`
	Description            string            `json:"description,omitempty"`
	Labels                 map[string]string `json:"labels,omitempty"`
	LastUpdateTimeUnixMsec int64             `json:"lastUpdateTimeUnixMsec,omitempty"`
	IsInactive             bool              `json:"isInactive,omitempty"`
}

// ListDebuggees reads the registered debuggees from the store.
func ListDebuggees(ctx context.Context, st store.Store) ([]Debuggee, error) {
	data, err := st.Get(ctx, "debuggees")
	if err != nil {
		return nil, fmt.Errorf("session: listing debuggees: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	byID := make(map[string]Debuggee)
	if err := json.Unmarshal(data, &byID); err != nil {
		return nil, fmt.Errorf("session: decoding debuggees: %w", err)
	}
	out := make([]Debuggee, 0, len(byID))
	for id, d := range byID {
		if d.ID == "" {
			d.ID = id
		}
		out = append(out, d)
	}
	return out, nil
}
