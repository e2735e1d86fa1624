package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

const (
	maxReconnectAttempts  = 10
	baseReconnectDelay    = time.Second
	maxReconnectDelay     = 60 * time.Second
	heartbeatInterval     = 30 * time.Second
	defaultRequestTimeout = 30 * time.Second
)

// frame is one WebSocket message in either direction.
type frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Path      string          `json:"path,omitempty"`
	Event     string          `json:"event,omitempty"`
	Key       string          `json:"key,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

type rpcResult struct {
	data json.RawMessage
	err  error
}

type wireSub struct {
	id   string
	path string
	fn   func(Event)
}

// Connection is the WebSocket-backed Store client for the AIVory
// debugger backend. Requests are correlated by id; child events for
// subscribed paths are pushed by the server and dispatched in arrival
// order on a single goroutine.
type Connection struct {
	url    string
	apiKey string
	debug  bool

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan rpcResult
	subs    map[string]*wireSub
	closed  bool

	done chan struct{}
}

// Dial connects and authenticates. A failure here is a session attach
// failure: no background retry is started for the initial connect.
func Dial(ctx context.Context, url, apiKey string, debug bool) (*Connection, error) {
	c := &Connection{
		url:     url,
		apiKey:  apiKey,
		debug:   debug,
		pending: make(map[string]chan rpcResult),
		subs:    make(map[string]*wireSub),
		done:    make(chan struct{}),
	}
	if err := c.connect(ctx); err != nil {
		return nil, fmt.Errorf("store: dial %s: %w", url, err)
	}
	go c.readLoop()
	go c.heartbeatLoop()
	return c, nil
}

func (c *Connection) connect(ctx context.Context) error {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+c.apiKey)

	c.logf("connecting to %s", c.url)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, headers)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.logf("connected")
	return nil
}

// Get reads the value at path. A JSON null from the server becomes nil.
func (c *Connection) Get(ctx context.Context, path string) (json.RawMessage, error) {
	data, err := c.rpc(ctx, frame{Type: "get", Path: path})
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	return data, nil
}

// Set writes the value at path atomically.
func (c *Connection) Set(ctx context.Context, path string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: encode value for %s: %w", path, err)
	}
	_, err = c.rpc(ctx, frame{Type: "put", Path: path, Data: data})
	return err
}

// Delete writes a tombstone at path.
func (c *Connection) Delete(ctx context.Context, path string) error {
	_, err := c.rpc(ctx, frame{Type: "delete", Path: path})
	return err
}

// Subscribe asks the server for child events under path. The server
// only streams future mutations; callers snapshot with Get first.
func (c *Connection) Subscribe(ctx context.Context, path string, fn func(Event)) (CancelFunc, error) {
	sub := &wireSub{id: uuid.NewString(), path: path, fn: fn}
	if _, err := c.rpc(ctx, frame{Type: "listen", RequestID: sub.id, Path: path}); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.subs[sub.id] = sub
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, sub.id)
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), defaultRequestTimeout)
		defer cancel()
		if _, err := c.rpc(ctx, frame{Type: "unlisten", RequestID: sub.id, Path: path}); err != nil {
			c.logf("unlisten %s: %v", path, err)
		}
	}, nil
}

// Close tears the connection down and fails all in-flight requests.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.failPendingLocked(ErrClosed)
	c.mu.Unlock()

	close(c.done)
	if conn != nil {
		conn.Close()
	}
	return nil
}

// rpc sends a request frame and waits for the matching result.
func (c *Connection) rpc(ctx context.Context, f frame) (json.RawMessage, error) {
	if f.RequestID == "" {
		f.RequestID = uuid.NewString()
	}
	ch := make(chan rpcResult, 1)

	c.mu.Lock()
	if c.closed || c.conn == nil {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[f.RequestID] = ch
	err := c.conn.WriteJSON(f)
	c.mu.Unlock()
	if err != nil {
		c.dropPending(f.RequestID)
		return nil, fmt.Errorf("store: send %s %s: %w", f.Type, f.Path, err)
	}

	select {
	case res := <-ch:
		return res.data, res.err
	case <-ctx.Done():
		c.dropPending(f.RequestID)
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

func (c *Connection) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Connection) failPendingLocked(err error) {
	for id, ch := range c.pending {
		ch <- rpcResult{err: err}
		delete(c.pending, id)
	}
}

func (c *Connection) readLoop() {
	attempts := 0
	for {
		c.mu.Lock()
		conn := c.conn
		closed := c.closed
		c.mu.Unlock()
		if closed || conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.Close()
				return
			}
			c.logf("read error: %v", err)

			c.mu.Lock()
			c.failPendingLocked(fmt.Errorf("store: connection lost: %w", err))
			c.mu.Unlock()

			attempts++
			if attempts > maxReconnectAttempts {
				log.Println("[AIVory Debugger] max reconnect attempts reached, closing store connection")
				c.Close()
				return
			}
			delay := baseReconnectDelay * time.Duration(1<<uint(attempts-1))
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
			c.logf("reconnecting in %v (attempt %d)", delay, attempts)
			select {
			case <-time.After(delay):
			case <-c.done:
				return
			}
			if err := c.reconnect(); err != nil {
				c.logf("reconnect failed: %v", err)
			}
			continue
		}
		attempts = 0
		c.handleMessage(message)
	}
}

// reconnect redials and re-registers every live subscription so the
// event streams resume. Events emitted while disconnected are lost;
// the manager's id-keyed table absorbs replays and gaps.
//
// The listen frames are sent fire-and-forget: this runs on the read
// loop, which is the only consumer of result frames, so waiting for
// the acks here would deadlock. Unmatched results are dropped when
// they arrive.
func (c *Connection) reconnect() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultRequestTimeout)
	defer cancel()
	if err := c.connect(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		if err := c.conn.WriteJSON(frame{Type: "listen", RequestID: sub.id, Path: sub.path}); err != nil {
			return fmt.Errorf("store: re-listen %s: %w", sub.path, err)
		}
	}
	return nil
}

func (c *Connection) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.conn != nil && !c.closed {
				c.conn.WriteJSON(frame{Type: "heartbeat", Timestamp: time.Now().UnixMilli()})
			}
			c.mu.Unlock()
		}
	}
}

func (c *Connection) handleMessage(data []byte) {
	switch gjson.GetBytes(data, "type").Str {
	case "result":
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logf("bad result frame: %v", err)
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[f.RequestID]
		delete(c.pending, f.RequestID)
		c.mu.Unlock()
		if !ok {
			return
		}
		if f.Error != "" {
			ch <- rpcResult{err: fmt.Errorf("store: %s", f.Error)}
			return
		}
		ch <- rpcResult{data: f.Data}

	case "event":
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logf("bad event frame: %v", err)
			return
		}
		ev := Event{Path: f.Path, Key: f.Key, Data: f.Data}
		switch f.Event {
		case "child_added":
			ev.Type = ChildAdded
		case "child_changed":
			ev.Type = ChildChanged
		case "child_removed":
			ev.Type = ChildRemoved
		default:
			c.logf("unhandled event kind %q", f.Event)
			return
		}
		c.mu.Lock()
		var fns []func(Event)
		for _, sub := range c.subs {
			if sub.path == f.Path {
				fns = append(fns, sub.fn)
			}
		}
		c.mu.Unlock()
		for _, fn := range fns {
			fn(ev)
		}

	case "heartbeat":
		// Server echo, nothing to do.

	default:
		c.logf("unhandled message type %q", gjson.GetBytes(data, "type").Str)
	}
}

func (c *Connection) logf(format string, args ...any) {
	if c.debug {
		log.Printf("[AIVory Debugger] "+format, args...)
	}
}
