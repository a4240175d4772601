// Package signal defines the contract between the session engine and the
// server-side signaling hub, plus a reconnecting websocket implementation.
// The engine only ever sees the Conn interface; everything hub-specific
// (framing, auth, retry) stays behind it.
package signal

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/pion/webrtc/v4"
)

// Methods invoked on the hub.
const (
	MethodJoinRoom    = "JoinRoom"
	MethodLeaveRoom   = "LeaveRoom"
	MethodSendSignal  = "SendSignal"
	MethodToggleMedia = "ToggleMedia"
	MethodSendMessage = "SendMessage"
)

// Events pushed by the hub.
const (
	EventJoinedRoom           = "JoinedRoom"
	EventExistingParticipants = "ExistingParticipants"
	EventUserJoined           = "UserJoined"
	EventUserLeft             = "UserLeft"
	EventReceiveSignal        = "ReceiveSignal"
	EventReceiveMessage       = "ReceiveMessage"
	EventMediaToggled         = "MediaToggled"
)

// State of the hub connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ErrUnreachable is returned when an invocation cannot be delivered because
// the hub connection is down.
var ErrUnreachable = errors.New("signaling hub unreachable")

// Handler receives the raw argument list of a hub event.
type Handler func(args []json.RawMessage)

// TokenProvider supplies the auth token attached when dialing the hub.
type TokenProvider func(ctx context.Context) (string, error)

// Conn is the signaling channel as seen by the session engine.
// On and OnStateChange return cancel funcs; callers hold them as capability
// handles and must call them on teardown.
type Conn interface {
	Invoke(ctx context.Context, method string, args ...any) error
	On(event string, h Handler) (cancel func())
	OnStateChange(fn func(State)) (cancel func())
	State() State
	Close() error
}

// Signal types exchanged via SendSignal/ReceiveSignal.
const (
	SignalOffer  = "offer"
	SignalAnswer = "answer"
	SignalICE    = "ice"
)

// Payload is the wire shape of one negotiation message.
// Offers and answers carry SDP; ice carries a candidate.
type Payload struct {
	Type      string                   `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// ParticipantInfo describes one remote endpoint as reported by the hub,
// either in the ExistingParticipants snapshot or a UserJoined event.
type ParticipantInfo struct {
	ConnectionID  string `json:"connectionId"`
	DisplayName   string `json:"displayName"`
	MicEnabled    bool   `json:"micEnabled"`
	VideoEnabled  bool   `json:"videoEnabled"`
	ScreenSharing bool   `json:"screenSharing"`
}

// MediaFlags is the advisory media-state notification broadcast via
// ToggleMedia/MediaToggled. It updates remote UI indicators only and is
// never part of the WebRTC negotiation.
type MediaFlags struct {
	MicEnabled    bool `json:"micEnabled"`
	VideoEnabled  bool `json:"videoEnabled"`
	ScreenSharing bool `json:"screenSharing"`
}

// ChatMessage is a room-level text message relayed through the hub. ID is
// assigned by the sender so UIs can deduplicate the local echo against the
// hub's broadcast.
type ChatMessage struct {
	ID          string `json:"id"`
	From        string `json:"from"`
	DisplayName string `json:"displayName"`
	Text        string `json:"text"`
	SentAt      int64  `json:"sentAt"`
}
