package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/meshroom/internal/util"
)

var log = logging.Logger("signal")

// frame is the websocket wire format, both directions.
// Outbound frames are invocations (kind "invoke"), inbound are events.
type frame struct {
	Kind   string            `json:"kind"`
	Target string            `json:"target"`
	Args   []json.RawMessage `json:"args"`
}

const (
	frameInvoke = "invoke"
	frameEvent  = "event"
)

// Hub is a reconnecting websocket client for the signaling hub.
type Hub struct {
	url    string
	tokens TokenProvider

	maxBackoff time.Duration

	mu      sync.RWMutex
	ws      *websocket.Conn
	state   State
	closed  bool
	nextID  int
	events  map[string]map[int]Handler
	stateFn map[int]func(State)

	writeMu sync.Mutex

	done chan struct{}
}

// NewHub creates a hub client for url. tokens may be nil for anonymous hubs.
// The connection is not dialed until Connect.
func NewHub(rawURL string, tokens TokenProvider, maxBackoff time.Duration) *Hub {
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	return &Hub{
		url:        rawURL,
		tokens:     tokens,
		maxBackoff: maxBackoff,
		state:      StateDisconnected,
		events:     map[string]map[int]Handler{},
		stateFn:    map[int]func(State){},
		done:       make(chan struct{}),
	}
}

// Connect dials the hub and starts the read/reconnect loop. It returns once
// the first connection attempt has succeeded or failed; reconnection after
// that is automatic.
func (h *Hub) Connect(ctx context.Context) error {
	h.setState(StateConnecting)

	ws, err := h.dial(ctx)
	if err != nil {
		h.setState(StateDisconnected)
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	h.mu.Lock()
	h.ws = ws
	h.mu.Unlock()
	h.setState(StateConnected)

	go h.readLoop(ws)
	return nil
}

func (h *Hub) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(h.url)
	if err != nil {
		return nil, err
	}
	if h.tokens != nil {
		tok, err := h.tokens(ctx)
		if err != nil {
			return nil, fmt.Errorf("token provider: %w", err)
		}
		if tok != "" {
			q := u.Query()
			q.Set("access_token", tok)
			u.RawQuery = q.Encode()
		}
	}

	dialer := websocket.Dialer{HandshakeTimeout: util.DefaultDialTimeout}
	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	return ws, err
}

// readLoop pumps inbound frames until the socket dies, then hands off to the
// reconnect loop unless the hub was closed.
func (h *Hub) readLoop(ws *websocket.Conn) {
	for {
		var f frame
		if err := ws.ReadJSON(&f); err != nil {
			h.mu.RLock()
			closed := h.closed
			h.mu.RUnlock()
			if closed {
				return
			}
			log.Warnf("hub read failed, reconnecting: %v", err)
			h.reconnectLoop()
			return
		}
		if f.Kind != frameEvent {
			continue
		}
		h.dispatch(f.Target, f.Args)
	}
}

// reconnectLoop redials with capped exponential backoff until it succeeds or
// the hub is closed.
func (h *Hub) reconnectLoop() {
	h.setState(StateReconnecting)

	backoff := time.Second
	for {
		select {
		case <-h.done:
			return
		case <-time.After(backoff):
		}

		ctx, cancel := context.WithTimeout(context.Background(), util.DefaultDialTimeout)
		ws, err := h.dial(ctx)
		cancel()
		if err != nil {
			log.Debugf("hub redial failed: %v", err)
			backoff *= 2
			if backoff > h.maxBackoff {
				backoff = h.maxBackoff
			}
			continue
		}

		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			ws.Close()
			return
		}
		h.ws = ws
		h.mu.Unlock()

		h.setState(StateConnected)
		log.Infof("hub reconnected")
		go h.readLoop(ws)
		return
	}
}

func (h *Hub) dispatch(event string, args []json.RawMessage) {
	h.mu.RLock()
	handlers := make([]Handler, 0, len(h.events[event]))
	for _, fn := range h.events[event] {
		handlers = append(handlers, fn)
	}
	h.mu.RUnlock()

	for _, fn := range handlers {
		fn(args)
	}
}

// Invoke sends a method invocation to the hub.
func (h *Hub) Invoke(ctx context.Context, method string, args ...any) error {
	h.mu.RLock()
	ws := h.ws
	state := h.state
	h.mu.RUnlock()

	if ws == nil || state != StateConnected {
		return fmt.Errorf("%w: cannot invoke %s while %s", ErrUnreachable, method, state)
	}

	raw := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("marshal %s arg: %w", method, err)
		}
		raw = append(raw, b)
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.SetWriteDeadline(deadline)
	} else {
		_ = ws.SetWriteDeadline(time.Now().Add(util.DefaultInvokeTimeout))
	}
	if err := ws.WriteJSON(frame{Kind: frameInvoke, Target: method, Args: raw}); err != nil {
		return fmt.Errorf("invoke %s: %w", method, err)
	}
	return nil
}

// On registers a handler for a hub event and returns its cancel func.
func (h *Hub) On(event string, fn Handler) (cancel func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	if h.events[event] == nil {
		h.events[event] = map[int]Handler{}
	}
	h.events[event][id] = fn

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.events[event], id)
	}
}

// OnStateChange registers a connection-state observer and returns its cancel func.
func (h *Hub) OnStateChange(fn func(State)) (cancel func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	h.stateFn[id] = fn

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.stateFn, id)
	}
}

// State returns the current connection state.
func (h *Hub) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

func (h *Hub) setState(s State) {
	h.mu.Lock()
	if h.state == s {
		h.mu.Unlock()
		return
	}
	h.state = s
	fns := make([]func(State), 0, len(h.stateFn))
	for _, fn := range h.stateFn {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

// Close tears down the connection. Idempotent.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	ws := h.ws
	h.ws = nil
	h.mu.Unlock()

	close(h.done)
	h.setState(StateDisconnected)
	if ws != nil {
		return ws.Close()
	}
	return nil
}

var _ Conn = (*Hub)(nil)
