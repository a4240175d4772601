package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/meshroom/internal/media"
	"github.com/petervdpas/meshroom/internal/mesh"
	"github.com/petervdpas/meshroom/internal/signal"
)

// ── Hub fake ────────────────────────────────────────────────────────────────

type invocation struct {
	method string
	args   []any
}

type fakeHub struct {
	mu       sync.Mutex
	invokes  []invocation
	fail     map[string]error
	nextID   int
	handlers map[int]struct {
		event string
		h     signal.Handler
	}
	stateFns map[int]func(signal.State)
	state    signal.State
}

func newFakeHub() *fakeHub {
	return &fakeHub{
		fail: map[string]error{},
		handlers: map[int]struct {
			event string
			h     signal.Handler
		}{},
		stateFns: map[int]func(signal.State){},
		state:    signal.StateConnected,
	}
}

func (h *fakeHub) Invoke(_ context.Context, method string, args ...any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.fail[method]; err != nil {
		return err
	}
	h.invokes = append(h.invokes, invocation{method: method, args: args})
	return nil
}

func (h *fakeHub) On(event string, fn signal.Handler) (cancel func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.handlers[id] = struct {
		event string
		h     signal.Handler
	}{event, fn}
	return func() {
		h.mu.Lock()
		delete(h.handlers, id)
		h.mu.Unlock()
	}
}

func (h *fakeHub) OnStateChange(fn func(signal.State)) (cancel func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.stateFns[id] = fn
	return func() {
		h.mu.Lock()
		delete(h.stateFns, id)
		h.mu.Unlock()
	}
}

func (h *fakeHub) State() signal.State { return h.state }
func (h *fakeHub) Close() error        { return nil }

// fire delivers a hub event with JSON-encoded args, like the readLoop does.
func (h *fakeHub) fire(t *testing.T, event string, args ...any) {
	t.Helper()
	raw := make([]json.RawMessage, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			t.Fatal(err)
		}
		raw[i] = b
	}
	h.mu.Lock()
	var fns []signal.Handler
	for _, reg := range h.handlers {
		if reg.event == event {
			fns = append(fns, reg.h)
		}
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(raw)
	}
}

func (h *fakeHub) setState(s signal.State) {
	h.mu.Lock()
	h.state = s
	var fns []func(signal.State)
	for _, fn := range h.stateFns {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (h *fakeHub) count(method string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, inv := range h.invokes {
		if inv.method == method {
			n++
		}
	}
	return n
}

func (h *fakeHub) signalsOfType(typ string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, inv := range h.invokes {
		if inv.method != signal.MethodSendSignal || len(inv.args) < 2 {
			continue
		}
		if p, ok := inv.args[1].(signal.Payload); ok && p.Type == typ {
			n++
		}
	}
	return n
}

// ── Connection fake ─────────────────────────────────────────────────────────

type fakeSender struct{}

func (fakeSender) ReplaceTrack(media.Track) error { return nil }

type fakePeer struct {
	mu      sync.Mutex
	id      string
	remote  *webrtc.SessionDescription
	tracks  int
	closed  bool
	onTrack func(mesh.RemoteTrack)
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-" + p.id}, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-" + p.id}, nil
}

func (p *fakePeer) SetLocalDescription(webrtc.SessionDescription) error { return nil }

func (p *fakePeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = &d
	return nil
}

func (p *fakePeer) AddICECandidate(webrtc.ICECandidateInit) error { return nil }

func (p *fakePeer) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote != nil
}

func (p *fakePeer) AddTrack(media.Track) (mesh.Sender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks++
	return fakeSender{}, nil
}

func (p *fakePeer) VideoSender() (mesh.Sender, bool)             { return nil, false }
func (p *fakePeer) OnICECandidate(func(webrtc.ICECandidateInit)) {}

func (p *fakePeer) OnTrack(fn func(mesh.RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *fakePeer) deliverTrack(t mesh.RemoteTrack) {
	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	fn(t)
}

func (p *fakePeer) WriteRTCP([]rtcp.Packet) error { return nil }

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type fakeRemoteTrack struct{}

func (fakeRemoteTrack) ID() string                    { return "rt1" }
func (fakeRemoteTrack) StreamID() string              { return "s1" }
func (fakeRemoteTrack) Kind() media.Kind              { return media.Audio }
func (fakeRemoteTrack) SSRC() uint32                  { return 7 }
func (fakeRemoteTrack) ReadRTP() (*rtp.Packet, error) { return nil, io.EOF }

// ── Media fakes ─────────────────────────────────────────────────────────────

type fakeTrack struct {
	kind    media.Kind
	enabled bool
	stopped bool
}

func (t *fakeTrack) ID() string               { return "t" }
func (t *fakeTrack) Kind() media.Kind         { return t.kind }
func (t *fakeTrack) Enabled() bool            { return t.enabled }
func (t *fakeTrack) SetEnabled(v bool)        { t.enabled = v }
func (t *fakeTrack) Stop()                    { t.stopped = true }
func (t *fakeTrack) OnEnded(func())           {}
func (t *fakeTrack) Local() webrtc.TrackLocal { return nil }

type fakeStream struct{ tracks []media.Track }

func (s *fakeStream) Tracks() []media.Track { return s.tracks }

type fakeDevice struct {
	userErr error
}

func (d *fakeDevice) UserMedia(audio, video bool) (media.Stream, error) {
	if d.userErr != nil {
		return nil, d.userErr
	}
	s := &fakeStream{}
	if audio {
		s.tracks = append(s.tracks, &fakeTrack{kind: media.Audio, enabled: true})
	}
	if video {
		s.tracks = append(s.tracks, &fakeTrack{kind: media.Video, enabled: true})
	}
	return s, nil
}

func (d *fakeDevice) DisplayMedia() (media.Stream, error) {
	return &fakeStream{tracks: []media.Track{&fakeTrack{kind: media.Video, enabled: true}}}, nil
}

func (d *fakeDevice) PopulateEngine(*webrtc.MediaEngine) error { return nil }

// ── Rig ─────────────────────────────────────────────────────────────────────

type rig struct {
	hub   *fakeHub
	dev   *fakeDevice
	peers map[string]*fakePeer
	c     *Controller
}

func newRig(t *testing.T) *rig {
	t.Helper()
	r := &rig{
		hub:   newFakeHub(),
		dev:   &fakeDevice{},
		peers: map[string]*fakePeer{},
	}
	var mu sync.Mutex
	c, err := New(r.hub, r.dev, Options{
		DisplayName: "alice",
		MicOn:       true,
		CamOn:       true,
		Factory: func(connID string) (mesh.PeerConn, error) {
			p := &fakePeer{id: connID}
			mu.Lock()
			r.peers[connID] = p
			mu.Unlock()
			return p, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	r.c = c
	t.Cleanup(func() { c.Close() })
	return r
}

// sync waits until every previously posted task has run. State() goes through
// the dispatch loop, and the loop is FIFO.
func (r *rig) sync() { r.c.State() }

func (r *rig) join(t *testing.T) {
	t.Helper()
	if err := r.c.Join(context.Background(), "standup"); err != nil {
		t.Fatal(err)
	}
	r.hub.fire(t, signal.EventJoinedRoom, "self")
}

func info(id, name string) signal.ParticipantInfo {
	return signal.ParticipantInfo{ConnectionID: id, DisplayName: name, MicEnabled: true, VideoEnabled: true}
}

func waitEvent(t *testing.T, ch chan Event, typ EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Type == typ {
				return evt
			}
		case <-deadline:
			t.Fatalf("no event of type %d", typ)
		}
	}
}

// ── Tests ───────────────────────────────────────────────────────────────────

func TestJoinOffersToExistingParticipants(t *testing.T) {
	r := newRig(t)
	r.join(t)
	r.hub.fire(t, signal.EventExistingParticipants, []signal.ParticipantInfo{
		info("p1", "bob"), info("p2", "carol"),
	})
	r.sync()

	if got := r.c.State(); got != StateJoined {
		t.Fatalf("state = %s, want joined", got)
	}
	if n := r.hub.count(signal.MethodJoinRoom); n != 1 {
		t.Fatalf("JoinRoom invoked %d times", n)
	}
	if n := r.hub.signalsOfType(signal.SignalOffer); n != 2 {
		t.Fatalf("sent %d offers, want one per existing participant", n)
	}
	if len(r.peers) != 2 {
		t.Fatalf("created %d peer connections, want 2", len(r.peers))
	}
	if got := len(r.c.Participants()); got != 2 {
		t.Fatalf("roster has %d participants, want 2", got)
	}
}

func TestSnapshotSkipsSelf(t *testing.T) {
	r := newRig(t)
	r.join(t)
	r.hub.fire(t, signal.EventExistingParticipants, []signal.ParticipantInfo{
		info("self", "alice"), info("p1", "bob"),
	})
	r.sync()

	if len(r.peers) != 1 {
		t.Fatalf("created %d peer connections, want 1", len(r.peers))
	}
	if got := len(r.c.Participants()); got != 1 {
		t.Fatalf("roster has %d participants, want 1", got)
	}
}

func TestRepeatedSnapshotAddsNothing(t *testing.T) {
	r := newRig(t)
	r.join(t)
	snapshot := []signal.ParticipantInfo{info("p1", "bob")}
	r.hub.fire(t, signal.EventExistingParticipants, snapshot)
	r.sync()
	r.hub.fire(t, signal.EventExistingParticipants, snapshot)
	r.sync()

	if n := r.hub.signalsOfType(signal.SignalOffer); n != 1 {
		t.Fatalf("sent %d offers, want 1 despite the repeated snapshot", n)
	}
	if len(r.peers) != 1 || len(r.c.Participants()) != 1 {
		t.Fatal("repeated snapshot must not grow sessions or roster")
	}
}

func TestLaterJoinerGetsNoOffer(t *testing.T) {
	r := newRig(t)
	r.join(t)
	r.hub.fire(t, signal.EventUserJoined, info("p9", "dave"))
	r.sync()

	if got := len(r.c.Participants()); got != 1 {
		t.Fatalf("roster has %d participants, want 1", got)
	}
	if n := r.hub.signalsOfType(signal.SignalOffer); n != 0 {
		t.Fatalf("sent %d offers to a later joiner, want 0; they offer to us", n)
	}
	if len(r.peers) != 0 {
		t.Fatal("no session may exist before the newcomer's offer arrives")
	}
}

func TestUserLeftRemovesSessionAndStream(t *testing.T) {
	r := newRig(t)
	r.join(t)
	r.hub.fire(t, signal.EventExistingParticipants, []signal.ParticipantInfo{info("p1", "bob")})
	r.sync()

	r.hub.fire(t, signal.EventUserLeft, "p1")
	r.sync()

	if got := len(r.c.Participants()); got != 0 {
		t.Fatalf("roster has %d participants after leave", got)
	}
	if tracks := r.c.RemoteTracks(); len(tracks) != 0 {
		t.Fatalf("remote tracks survived the leave: %v", tracks)
	}
	if !r.peers["p1"].closed {
		t.Fatal("peer connection must be closed on leave")
	}
}

func TestUnknownUserLeftIgnored(t *testing.T) {
	r := newRig(t)
	r.join(t)
	r.hub.fire(t, signal.EventUserLeft, "ghost")
	r.sync()
	// Nothing to assert beyond not panicking and an empty roster.
	if got := len(r.c.Participants()); got != 0 {
		t.Fatalf("roster has %d participants", got)
	}
}

func TestMediaDenialAbortsJoin(t *testing.T) {
	r := newRig(t)
	r.dev.userErr = media.ErrAccessDenied

	err := r.c.Join(context.Background(), "standup")
	if !errors.Is(err, media.ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
	if n := r.hub.count(signal.MethodJoinRoom); n != 0 {
		t.Fatal("denied media must abort before JoinRoom")
	}
	if got := r.c.State(); got != StateIdle {
		t.Fatalf("state = %s, want idle", got)
	}
	if len(r.peers) != 0 {
		t.Fatal("no peer session may exist after an aborted join")
	}
}

func TestJoinTwiceRejected(t *testing.T) {
	r := newRig(t)
	r.join(t)
	r.sync()

	err := r.c.Join(context.Background(), "other")
	if !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("expected ErrAlreadyJoined, got %v", err)
	}
}

func TestJoinRejectsBadRoomID(t *testing.T) {
	r := newRig(t)
	if err := r.c.Join(context.Background(), "  "); err == nil {
		t.Fatal("blank room id must be rejected")
	}
	if n := r.hub.count(signal.MethodJoinRoom); n != 0 {
		t.Fatal("invalid room id must not reach the hub")
	}
}

func TestLeaveTearsDown(t *testing.T) {
	r := newRig(t)
	r.join(t)
	r.hub.fire(t, signal.EventExistingParticipants, []signal.ParticipantInfo{info("p1", "bob")})
	r.sync()

	if err := r.c.Leave(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := r.c.State(); got != StateLeft {
		t.Fatalf("state = %s, want left", got)
	}
	if n := r.hub.count(signal.MethodLeaveRoom); n != 1 {
		t.Fatalf("LeaveRoom invoked %d times, want 1", n)
	}
	if !r.peers["p1"].closed {
		t.Fatal("peer connection must be closed on leave")
	}
	if got := len(r.c.Participants()); got != 0 {
		t.Fatal("roster must be empty after leave")
	}

	// Second leave is a no-op.
	if err := r.c.Leave(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := r.hub.count(signal.MethodLeaveRoom); n != 1 {
		t.Fatal("second leave must not notify the hub again")
	}
}

func TestInboundSignalReachesEngine(t *testing.T) {
	r := newRig(t)
	r.join(t)
	r.sync()

	// A later joiner offers to us; the engine must answer.
	r.hub.fire(t, signal.EventReceiveSignal, "p7", signal.Payload{
		Type: signal.SignalOffer,
		SDP:  "offer-p7",
	})
	r.sync()

	if n := r.hub.signalsOfType(signal.SignalAnswer); n != 1 {
		t.Fatalf("sent %d answers, want 1", n)
	}
	if len(r.peers) != 1 {
		t.Fatal("inbound offer must create the peer session")
	}
}

func TestMediaToggledUpdatesRoster(t *testing.T) {
	r := newRig(t)
	r.join(t)
	r.hub.fire(t, signal.EventExistingParticipants, []signal.ParticipantInfo{info("p1", "bob")})
	r.sync()

	r.hub.fire(t, signal.EventMediaToggled, "p1", signal.MediaFlags{MicEnabled: false, VideoEnabled: true})
	r.sync()

	p := r.c.Participants()[0]
	if p.Media.MicEnabled || !p.Media.VideoEnabled {
		t.Fatalf("roster media flags not updated: %+v", p.Media)
	}
}

func TestToggleMicNotifiesHub(t *testing.T) {
	r := newRig(t)
	r.join(t)
	r.sync()

	ch, cancel := r.c.Events()
	defer cancel()

	f, err := r.c.ToggleMic(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if f.MicEnabled {
		t.Fatal("mic must be muted")
	}
	if n := r.hub.count(signal.MethodToggleMedia); n != 1 {
		t.Fatalf("ToggleMedia invoked %d times, want 1", n)
	}
	evt := waitEvent(t, ch, EventMedia)
	if evt.Media.MicEnabled {
		t.Fatal("media event must carry the muted state")
	}
}

func TestSendChat(t *testing.T) {
	r := newRig(t)

	if err := r.c.SendChat(context.Background(), "hi"); err == nil {
		t.Fatal("chat before join must fail")
	}

	r.join(t)
	r.sync()

	ch, cancel := r.c.Events()
	defer cancel()

	if err := r.c.SendChat(context.Background(), "hello room"); err != nil {
		t.Fatal(err)
	}
	if n := r.hub.count(signal.MethodSendMessage); n != 1 {
		t.Fatalf("SendMessage invoked %d times, want 1", n)
	}
	evt := waitEvent(t, ch, EventChat)
	if evt.Chat.Text != "hello room" || evt.Chat.From != "self" || evt.Chat.ID == "" {
		t.Fatalf("bad local echo: %+v", evt.Chat)
	}

	// Inbound chat surfaces the same way.
	r.hub.fire(t, signal.EventReceiveMessage, signal.ChatMessage{
		From: "p1", DisplayName: "bob", Text: "hey", SentAt: 1,
	})
	evt = waitEvent(t, ch, EventChat)
	if evt.Chat.From != "p1" || evt.Chat.Text != "hey" {
		t.Fatalf("bad inbound chat: %+v", evt.Chat)
	}
}

func TestHubReconnectRejoins(t *testing.T) {
	r := newRig(t)
	r.join(t)
	r.sync()

	r.hub.setState(signal.StateReconnecting)
	r.sync()
	if got := r.c.State(); got != StateReconnecting {
		t.Fatalf("state = %s, want reconnecting", got)
	}

	r.hub.setState(signal.StateConnected)
	r.sync()
	if n := r.hub.count(signal.MethodJoinRoom); n != 2 {
		t.Fatalf("JoinRoom invoked %d times, want the rejoin", n)
	}
}

func TestJoinRoomFailureResetsState(t *testing.T) {
	r := newRig(t)
	r.hub.fail[signal.MethodJoinRoom] = signal.ErrUnreachable

	err := r.c.Join(context.Background(), "standup")
	if !errors.Is(err, signal.ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
	if got := r.c.State(); got != StateIdle {
		t.Fatalf("state = %s, want idle after failed join", got)
	}
}

func TestRemoteTrackEmitsStreams(t *testing.T) {
	r := newRig(t)
	r.join(t)
	r.hub.fire(t, signal.EventExistingParticipants, []signal.ParticipantInfo{info("p1", "bob")})
	r.sync()

	ch, cancel := r.c.Events()
	defer cancel()

	r.peers["p1"].deliverTrack(fakeRemoteTrack{})

	evt := waitEvent(t, ch, EventStreams)
	if len(evt.Streams["p1"]) != 1 {
		t.Fatalf("streams snapshot missing the new track: %v", evt.Streams)
	}
}

func TestSnapshotsDuringMediaToggles(t *testing.T) {
	r := newRig(t)
	r.join(t)
	r.sync()

	// Snapshot reads race against loop-driven mutations without tripping the
	// race detector, and never observe torn state.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			r.c.MediaFlags()
			r.c.SelfID()
			r.c.State()
		}
	}()
	for i := 0; i < 50; i++ {
		if _, err := r.c.ToggleMic(context.Background()); err != nil {
			t.Error(err)
		}
	}
	<-done

	if got := r.c.SelfID(); got != "self" {
		t.Fatalf("self id = %q", got)
	}
	if f := r.c.MediaFlags(); !f.MicEnabled {
		t.Fatal("even toggle count must land mic-on")
	}
}

func TestEventsCancelStopsDelivery(t *testing.T) {
	r := newRig(t)
	ch, cancel := r.c.Events()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("cancel must close the channel")
	}
	cancel() // second cancel is safe
}
