// Package mesh keeps one negotiation session per remote participant: the
// registry owns the connectionId → session map, the engine runs the
// offer/answer/ICE exchange over it. The peer connection itself is behind
// the PeerConn interface so tests can drive full negotiation rounds with an
// in-memory fake.
package mesh

import (
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/meshroom/internal/media"
)

var log = logging.Logger("mesh")

// NegState is the per-session negotiation state.
type NegState int

const (
	NegNew NegState = iota
	NegOfferSent
	NegAnswerSent
	NegStable
)

func (s NegState) String() string {
	switch s {
	case NegNew:
		return "new"
	case NegOfferSent:
		return "offer-sent"
	case NegAnswerSent:
		return "answer-sent"
	case NegStable:
		return "stable"
	default:
		return "unknown"
	}
}

// Sender is an outbound track slot on a peer connection.
type Sender interface {
	ReplaceTrack(t media.Track) error
}

// RemoteTrack is one inbound track as delivered by the connection.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() media.Kind
	SSRC() uint32
	ReadRTP() (*rtp.Packet, error)
}

// PeerConn is the opaque per-peer connection handle.
type PeerConn interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	HasRemoteDescription() bool
	AddTrack(t media.Track) (Sender, error)
	VideoSender() (Sender, bool)
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnTrack(fn func(RemoteTrack))
	WriteRTCP(pkts []rtcp.Packet) error
	Close() error
}

// Factory creates the connection for one remote participant.
type Factory func(connID string) (PeerConn, error)

// TrackSource supplies the current local tracks at session-creation time.
// Implemented by the media controller.
type TrackSource interface {
	Tracks() []media.Track
}

// Session is the negotiation state for one remote participant.
type Session struct {
	ConnID string
	pc     PeerConn
	Remote *RemoteStream

	state         NegState
	renegotiating bool
	pendingICE    []webrtc.ICECandidateInit
}

// State returns the externally observed negotiation state.
func (s *Session) State() NegState { return s.state }

// Registry is the single source of truth for connectionId → Session.
type Registry struct {
	factory Factory
	local   TrackSource

	mu          sync.RWMutex
	sessions    map[string]*Session
	trackNotify func(connID string)
}

func NewRegistry(factory Factory, local TrackSource) *Registry {
	return &Registry{
		factory:  factory,
		local:    local,
		sessions: make(map[string]*Session),
	}
}

// Ensure returns the session for id, creating it if needed. Creation attaches
// every current local track as a sender and installs the inbound-track
// handler. The second return reports whether a new session was created.
func (r *Registry) Ensure(id string) (*Session, bool, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		return s, false, nil
	}

	pc, err := r.factory(id)
	if err != nil {
		return nil, false, fmt.Errorf("create peer connection for %s: %w", id, err)
	}

	s = &Session{
		ConnID: id,
		pc:     pc,
		Remote: newRemoteStream(id),
	}
	// Remote tracks can arrive with the original stream event or out of band
	// after a renegotiation; both merge into the one per-peer stream.
	pc.OnTrack(func(t RemoteTrack) {
		s.Remote.add(t, pc)
		r.mu.RLock()
		fn := r.trackNotify
		r.mu.RUnlock()
		if fn != nil {
			fn(id)
		}
	})

	if r.local != nil {
		for _, t := range r.local.Tracks() {
			if _, err := pc.AddTrack(t); err != nil {
				pc.Close()
				s.Remote.close()
				return nil, false, fmt.Errorf("attach %s track for %s: %w", t.Kind(), id, err)
			}
		}
	}

	r.mu.Lock()
	// Lost the race with a concurrent Ensure for the same id.
	if existing, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		pc.Close()
		s.Remote.close()
		return existing, false, nil
	}
	r.sessions[id] = s
	r.mu.Unlock()

	log.Debugf("session created for %s", id)
	return s, true, nil
}

// OnRemoteTrack registers a callback fired after a remote track has been
// merged into a peer's stream. Runs on the connection's delivery goroutine,
// so the callback must not block.
func (r *Registry) OnRemoteTrack(fn func(connID string)) {
	r.mu.Lock()
	r.trackNotify = fn
	r.mu.Unlock()
}

// Get returns the session for id, if any.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove closes and drops the session for id. No-op for unknown ids.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if err := s.pc.Close(); err != nil {
		log.Debugf("close connection for %s: %v", id, err)
	}
	s.Remote.close()
	log.Debugf("session removed for %s", id)
}

// ForEach applies fn to a snapshot of the live sessions, so fn may remove
// sessions while iterating.
func (r *Registry) ForEach(fn func(*Session)) {
	r.mu.RLock()
	snapshot := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	r.mu.RUnlock()

	for _, s := range snapshot {
		fn(s)
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// IDs returns the connection ids of all live sessions.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}

// RemoteTracks returns a snapshot of every peer's received tracks.
func (r *Registry) RemoteTracks() map[string][]TrackInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]TrackInfo, len(r.sessions))
	for id, s := range r.sessions {
		out[id] = s.Remote.Tracks()
	}
	return out
}

// Close removes every session.
func (r *Registry) Close() {
	for _, id := range r.IDs() {
		r.Remove(id)
	}
}
