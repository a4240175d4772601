// Package session is the root of the engine: it owns room membership, wires
// the media controller, the peer registry and the negotiation engine
// together, and is the only component the embedding application talks to.
//
// Everything runs on one dispatch loop: hub events and public API calls are
// posted as tasks onto a single goroutine, so the registry, the roster and
// the media state never see two tasks at once and ordering between tasks is
// simply loop order.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/meshroom/internal/media"
	"github.com/petervdpas/meshroom/internal/mesh"
	"github.com/petervdpas/meshroom/internal/signal"
	"github.com/petervdpas/meshroom/internal/util"
)

var log = logging.Logger("session")

// State of the room session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateJoined
	StateReconnecting
	StateLeft
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateReconnecting:
		return "reconnecting"
	case StateLeft:
		return "left"
	default:
		return "unknown"
	}
}

// EventType discriminates Event.
type EventType int

const (
	EventState EventType = iota
	EventRoster
	EventStreams
	EventMedia
	EventChat
	EventError
)

// Event is one state update pushed to the UI layer. All contained data are
// snapshots; mutating them has no effect on the session.
type Event struct {
	Type         EventType
	State        State
	Participants []Participant
	Streams      map[string][]mesh.TrackInfo
	Media        media.Flags
	Chat         *signal.ChatMessage
	Err          string
}

// ErrAlreadyJoined is returned by Join on a controller that is not idle.
var ErrAlreadyJoined = errors.New("session already joined")

// Options configures a Controller.
type Options struct {
	DisplayName string
	MicOn       bool
	CamOn       bool
	ICEServers  []webrtc.ICEServer

	// Factory overrides the peer-connection factory; nil builds the pion one.
	// Used by tests.
	Factory mesh.Factory
}

// Controller orchestrates one room session.
type Controller struct {
	hub   signal.Conn
	media *media.Controller
	reg   *mesh.Registry
	eng   *mesh.Engine
	rost  *Roster
	opts  Options

	state  State
	roomID string
	selfID string

	cancels []func()

	tasks     chan func()
	done      chan struct{}
	closeOnce sync.Once

	listenerMu sync.RWMutex
	listeners  map[chan Event]struct{}
}

// New builds a controller on top of a hub connection and a capture device.
func New(hub signal.Conn, dev media.Device, opts Options) (*Controller, error) {
	c := &Controller{
		hub:       hub,
		rost:      NewRoster(),
		opts:      opts,
		tasks:     make(chan func(), 128),
		done:      make(chan struct{}),
		listeners: map[chan Event]struct{}{},
	}

	c.media = media.NewController(dev)

	factory := opts.Factory
	if factory == nil {
		f, err := mesh.NewPionFactory(mesh.PionConfig{
			ICEServers:     opts.ICEServers,
			PopulateEngine: dev.PopulateEngine,
		})
		if err != nil {
			return nil, fmt.Errorf("build connection factory: %w", err)
		}
		factory = f
	}
	c.reg = mesh.NewRegistry(factory, c.media)
	c.eng = mesh.NewEngine(c.reg, c.sendSignal)
	c.reg.OnRemoteTrack(func(string) {
		c.post(c.emitStreams)
	})

	c.media.SetSink(c.eng)
	c.media.OnChange(c.mediaChanged)
	c.media.OnScreenEnded(func() {
		c.post(func() { c.media.StopScreenShare() })
	})

	go c.loop()
	return c, nil
}

// ── Dispatch loop ───────────────────────────────────────────────────────────

func (c *Controller) loop() {
	for {
		select {
		case <-c.done:
			return
		case fn := <-c.tasks:
			fn()
		}
	}
}

// post queues a task onto the loop without waiting for it.
func (c *Controller) post(fn func()) {
	select {
	case c.tasks <- fn:
	case <-c.done:
	}
}

// run executes fn on the loop and waits for its result.
func (c *Controller) run(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	c.post(func() { errc <- fn() })
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return errors.New("session closed")
	}
}

// ── Room lifecycle ──────────────────────────────────────────────────────────

// Join acquires local media and joins roomID. Media acquisition blocks the
// join: a room cannot be joined without a local stream, and a denial aborts
// the join before any peer session exists.
func (c *Controller) Join(ctx context.Context, roomID string) error {
	roomID, err := util.ValidateRoomID(roomID)
	if err != nil {
		return err
	}
	return c.run(ctx, func() error { return c.join(roomID) })
}

func (c *Controller) join(roomID string) error {
	if c.state != StateIdle {
		return ErrAlreadyJoined
	}

	if err := c.media.Acquire(c.opts.MicOn, c.opts.CamOn); err != nil {
		c.emit(Event{Type: EventError, Err: err.Error()})
		return err
	}

	c.subscribeHub()
	c.roomID = roomID
	c.setState(StateConnecting)

	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultInvokeTimeout)
	defer cancel()
	if err := c.hub.Invoke(ctx, signal.MethodJoinRoom, roomID, c.opts.DisplayName, c.flagsWire()); err != nil {
		c.teardown(false)
		c.setState(StateIdle)
		c.emit(Event{Type: EventError, Err: err.Error()})
		return fmt.Errorf("join room %s: %w", roomID, err)
	}
	log.Infof("joining room %s as %q", roomID, c.opts.DisplayName)
	return nil
}

// Leave tears the session down: local tracks stopped, every peer session
// removed, room membership released. Idempotent and safe from any state.
func (c *Controller) Leave(ctx context.Context) error {
	return c.run(ctx, func() error {
		c.leave()
		return nil
	})
}

func (c *Controller) leave() {
	if c.state == StateLeft {
		return
	}
	notify := c.state == StateConnecting || c.state == StateJoined || c.state == StateReconnecting
	c.teardown(notify)
	c.setState(StateLeft)
	c.emit(Event{Type: EventRoster, Participants: nil})
	c.emit(Event{Type: EventStreams, Streams: map[string][]mesh.TrackInfo{}})
	log.Infof("left room %s", c.roomID)
}

// teardown releases media, sessions and subscriptions. Local resources are
// closed before the hub is told, so in-flight negotiation tasks find their
// connections already closed and fail silently.
func (c *Controller) teardown(notifyHub bool) {
	c.media.Stop()
	c.reg.Close()
	c.eng.Reset()
	c.rost.Clear()

	if notifyHub {
		ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		if err := c.hub.Invoke(ctx, signal.MethodLeaveRoom, c.roomID); err != nil {
			log.Debugf("leave room notify: %v", err)
		}
		cancel()
	}

	for _, cancel := range c.cancels {
		cancel()
	}
	c.cancels = nil
}

// Close leaves the room and stops the dispatch loop.
func (c *Controller) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultInvokeTimeout)
	defer cancel()
	err := c.Leave(ctx)
	c.closeOnce.Do(func() { close(c.done) })
	return err
}

// ── Hub wiring ──────────────────────────────────────────────────────────────

// subscribeHub registers every hub event handler and keeps the cancel funcs
// for teardown. Handlers only decode and post; the work happens on the loop.
func (c *Controller) subscribeHub() {
	sub := func(event string, fn signal.Handler) {
		c.cancels = append(c.cancels, c.hub.On(event, fn))
	}

	sub(signal.EventJoinedRoom, func(args []json.RawMessage) {
		var selfID string
		if !decodeArgs(args, &selfID) {
			return
		}
		c.post(func() { c.onJoined(selfID) })
	})
	sub(signal.EventExistingParticipants, func(args []json.RawMessage) {
		var infos []signal.ParticipantInfo
		if !decodeArgs(args, &infos) {
			return
		}
		c.post(func() { c.onExisting(infos) })
	})
	sub(signal.EventUserJoined, func(args []json.RawMessage) {
		var info signal.ParticipantInfo
		if !decodeArgs(args, &info) {
			return
		}
		c.post(func() { c.onUserJoined(info) })
	})
	sub(signal.EventUserLeft, func(args []json.RawMessage) {
		var id string
		if !decodeArgs(args, &id) {
			return
		}
		c.post(func() { c.onUserLeft(id) })
	})
	sub(signal.EventReceiveSignal, func(args []json.RawMessage) {
		var from string
		var p signal.Payload
		if !decodeArgs(args, &from, &p) {
			return
		}
		c.post(func() { c.eng.HandleSignal(from, p) })
	})
	sub(signal.EventMediaToggled, func(args []json.RawMessage) {
		var id string
		var f signal.MediaFlags
		if !decodeArgs(args, &id, &f) {
			return
		}
		c.post(func() { c.onMediaToggled(id, f) })
	})
	sub(signal.EventReceiveMessage, func(args []json.RawMessage) {
		var msg signal.ChatMessage
		if !decodeArgs(args, &msg) {
			return
		}
		c.post(func() { c.emit(Event{Type: EventChat, Chat: &msg}) })
	})

	c.cancels = append(c.cancels, c.hub.OnStateChange(func(s signal.State) {
		c.post(func() { c.onHubState(s) })
	}))
}

func (c *Controller) onJoined(selfID string) {
	c.selfID = selfID
	c.eng.SetSelfID(selfID)
	c.setState(StateJoined)
	log.Infof("joined room %s as %s", c.roomID, selfID)
}

// onExisting handles the roster snapshot delivered on (re)join. We are the
// newcomer here, so we offer to everyone already in the room. After a
// reconnect the same snapshot arrives again; ids with a live session are
// left alone.
func (c *Controller) onExisting(infos []signal.ParticipantInfo) {
	for _, info := range infos {
		if info.ConnectionID == c.selfID {
			continue
		}
		c.rost.Add(info)
		c.eng.Connect(info.ConnectionID)
	}
	c.emitRoster()
}

// onUserJoined records a later joiner. The newcomer is the offerer towards
// us, so no session is created here — the inbound offer does that.
func (c *Controller) onUserJoined(info signal.ParticipantInfo) {
	if info.ConnectionID == c.selfID {
		return
	}
	c.rost.Add(info)
	c.emitRoster()
	log.Infof("%s (%q) joined", info.ConnectionID, info.DisplayName)
}

func (c *Controller) onUserLeft(id string) {
	if !c.rost.Remove(id) {
		return
	}
	c.reg.Remove(id)
	c.eng.DropOrphans(id)
	c.emitRoster()
	c.emitStreams()
	log.Infof("%s left", id)
}

func (c *Controller) onMediaToggled(id string, f signal.MediaFlags) {
	flags := media.Flags{
		MicEnabled:    f.MicEnabled,
		VideoEnabled:  f.VideoEnabled,
		ScreenSharing: f.ScreenSharing,
	}
	if c.rost.SetMedia(id, flags) {
		c.emitRoster()
	}
}

// onHubState tracks the transport's own reconnect cycle. On recovery the
// room is rejoined; duplicate sessions are prevented by the registry's
// idempotent Ensure plus the engine's offer guard.
func (c *Controller) onHubState(s signal.State) {
	switch s {
	case signal.StateReconnecting:
		if c.state == StateJoined {
			c.setState(StateReconnecting)
		}
	case signal.StateConnected:
		if c.state == StateReconnecting {
			ctx, cancel := context.WithTimeout(context.Background(), util.DefaultInvokeTimeout)
			err := c.hub.Invoke(ctx, signal.MethodJoinRoom, c.roomID, c.opts.DisplayName, c.flagsWire())
			cancel()
			if err != nil {
				log.Warnf("rejoin after reconnect failed: %v", err)
				return
			}
			log.Infof("rejoined room %s after reconnect", c.roomID)
		}
	}
}

// sendSignal is the engine's outbound path.
func (c *Controller) sendSignal(to string, p signal.Payload) error {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultInvokeTimeout)
	defer cancel()
	return c.hub.Invoke(ctx, signal.MethodSendSignal, to, p)
}

// mediaChanged forwards the advisory media notification so remote UIs can
// update their indicators; it is never part of the negotiation.
func (c *Controller) mediaChanged(f media.Flags) {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultInvokeTimeout)
	defer cancel()
	if err := c.hub.Invoke(ctx, signal.MethodToggleMedia, signal.MediaFlags(f)); err != nil {
		log.Debugf("media notify: %v", err)
	}
	c.emit(Event{Type: EventMedia, Media: f})
}

func (c *Controller) flagsWire() signal.MediaFlags {
	return signal.MediaFlags(c.media.Flags())
}

// ── Media API ───────────────────────────────────────────────────────────────

// ToggleMic flips the microphone. No renegotiation happens.
func (c *Controller) ToggleMic(ctx context.Context) (media.Flags, error) {
	var f media.Flags
	err := c.run(ctx, func() error {
		f = c.media.ToggleMic()
		return nil
	})
	return f, err
}

// ToggleCamera flips the camera, renegotiating with peers that had no video
// sender yet.
func (c *Controller) ToggleCamera(ctx context.Context) (media.Flags, error) {
	var f media.Flags
	err := c.run(ctx, func() error {
		var err error
		f, err = c.media.ToggleCamera()
		return err
	})
	return f, err
}

// StartScreenShare swaps the screen onto every video sender.
func (c *Controller) StartScreenShare(ctx context.Context) (media.Flags, error) {
	var f media.Flags
	err := c.run(ctx, func() error {
		var err error
		f, err = c.media.StartScreenShare()
		return err
	})
	return f, err
}

// StopScreenShare restores the camera (or camera-off on reacquire failure).
func (c *Controller) StopScreenShare(ctx context.Context) (media.Flags, error) {
	var f media.Flags
	err := c.run(ctx, func() error {
		f = c.media.StopScreenShare()
		return nil
	})
	return f, err
}

// SendChat relays a text message to the room and echoes it locally. The
// message id lets UIs drop the hub's broadcast copy of their own message.
func (c *Controller) SendChat(ctx context.Context, text string) error {
	return c.run(ctx, func() error {
		if c.state != StateJoined {
			return fmt.Errorf("cannot chat while %s", c.state)
		}
		id := uuid.NewString()
		if err := c.hub.Invoke(ctx, signal.MethodSendMessage, id, text); err != nil {
			return err
		}
		c.emit(Event{Type: EventChat, Chat: &signal.ChatMessage{
			ID:          id,
			From:        c.selfID,
			DisplayName: c.opts.DisplayName,
			Text:        text,
			SentAt:      timeNowMilli(),
		}})
		return nil
	})
}

// ── Snapshots & events ──────────────────────────────────────────────────────

// State returns the current session state.
func (c *Controller) State() State {
	done := make(chan State, 1)
	c.post(func() { done <- c.state })
	select {
	case s := <-done:
		return s
	case <-c.done:
		return StateLeft
	}
}

// SelfID returns the hub-assigned local connection id, empty before join.
// Read on the loop: the id is written there during the join handshake.
func (c *Controller) SelfID() string {
	done := make(chan string, 1)
	c.post(func() { done <- c.selfID })
	select {
	case id := <-done:
		return id
	case <-c.done:
		return ""
	}
}

// Participants returns the roster ordered by join time.
func (c *Controller) Participants() []Participant { return c.rost.List() }

// RemoteTracks returns a snapshot of every peer's received tracks.
func (c *Controller) RemoteTracks() map[string][]mesh.TrackInfo { return c.reg.RemoteTracks() }

// MediaFlags returns the local media flags. Read on the loop: the media
// controller's state is confined to it.
func (c *Controller) MediaFlags() media.Flags {
	done := make(chan media.Flags, 1)
	c.post(func() { done <- c.media.Flags() })
	select {
	case f := <-done:
		return f
	case <-c.done:
		return media.Flags{}
	}
}

// Events returns a channel of session events and its cancel func.
func (c *Controller) Events() (ch chan Event, cancel func()) {
	ch = make(chan Event, 64)

	c.listenerMu.Lock()
	c.listeners[ch] = struct{}{}
	c.listenerMu.Unlock()

	cancel = func() {
		c.listenerMu.Lock()
		if _, ok := c.listeners[ch]; ok {
			delete(c.listeners, ch)
			close(ch)
		}
		c.listenerMu.Unlock()
	}
	return ch, cancel
}

func (c *Controller) emit(evt Event) {
	c.listenerMu.RLock()
	for ch := range c.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
	c.listenerMu.RUnlock()
}

func (c *Controller) emitRoster() {
	c.emit(Event{Type: EventRoster, Participants: c.rost.List()})
}

func (c *Controller) emitStreams() {
	c.emit(Event{Type: EventStreams, Streams: c.reg.RemoteTracks()})
}

func (c *Controller) setState(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.emit(Event{Type: EventState, State: s})
}

// decodeArgs unmarshals the event argument list into dests. Malformed events
// are logged and dropped, never fatal.
func decodeArgs(args []json.RawMessage, dests ...any) bool {
	if len(args) < len(dests) {
		log.Warnf("hub event with %d args, want %d", len(args), len(dests))
		return false
	}
	for i, d := range dests {
		if err := json.Unmarshal(args[i], d); err != nil {
			log.Warnf("decode hub event arg %d: %v", i, err)
			return false
		}
	}
	return true
}

func timeNowMilli() int64 { return time.Now().UnixMilli() }
