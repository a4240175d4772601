package mesh

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/meshroom/internal/media"
	"github.com/petervdpas/meshroom/internal/signal"
)

// SendFunc delivers a negotiation payload to one remote participant via the
// signaling channel.
type SendFunc func(to string, p signal.Payload) error

// maxOrphanICE bounds the pre-session candidate queue per remote id, so a
// peer that never sends an offer cannot grow the map without limit.
const maxOrphanICE = 32

// Engine runs the offer/answer/ICE exchange across the registry. All methods
// are driven from the session dispatch loop, so per-session state needs no
// extra locking.
type Engine struct {
	reg    *Registry
	send   SendFunc
	selfID string

	// Candidates that arrived before any session existed for their sender.
	// Flushed into the session's pending queue on creation.
	orphanICE map[string][]webrtc.ICECandidateInit
}

func NewEngine(reg *Registry, send SendFunc) *Engine {
	return &Engine{
		reg:       reg,
		send:      send,
		orphanICE: make(map[string][]webrtc.ICECandidateInit),
	}
}

// SetSelfID records the local connection id, used only for the glare
// tie-break.
func (e *Engine) SetSelfID(id string) { e.selfID = id }

// Connect ensures a session for id and, if it is fresh, starts the offer.
// Called for each entry of the existing-roster snapshot: the joining side is
// always the offerer. Safe to call again after a reconnect — an id with a
// live session is left alone.
func (e *Engine) Connect(id string) {
	s, created, err := e.ensure(id)
	if err != nil {
		log.Warnf("connect to %s failed: %v", id, err)
		return
	}
	if !created && s.state != NegNew {
		log.Debugf("already negotiating with %s, skipping offer", id)
		return
	}
	if err := e.offer(s); err != nil {
		e.fail(id, err)
	}
}

// HandleSignal applies one inbound envelope. Failures are contained to the
// offending peer: the session is torn down (to be recreated by the next
// signal) and nothing propagates.
func (e *Engine) HandleSignal(from string, p signal.Payload) {
	switch p.Type {
	case signal.SignalOffer:
		if err := e.handleOffer(from, p); err != nil {
			e.fail(from, err)
		}
	case signal.SignalAnswer:
		if err := e.handleAnswer(from, p); err != nil {
			e.fail(from, err)
		}
	case signal.SignalICE:
		if err := e.handleICE(from, p); err != nil {
			e.fail(from, err)
		}
	default:
		log.Warnf("unknown signal type %q from %s", p.Type, from)
	}
}

func (e *Engine) ensure(id string) (*Session, bool, error) {
	s, created, err := e.reg.Ensure(id)
	if err != nil {
		return nil, false, err
	}
	if created {
		s.pc.OnICECandidate(func(c webrtc.ICECandidateInit) {
			cand := c
			if err := e.send(id, signal.Payload{Type: signal.SignalICE, Candidate: &cand}); err != nil {
				log.Debugf("send candidate to %s: %v", id, err)
			}
		})
		if orphans := e.orphanICE[id]; len(orphans) > 0 {
			s.pendingICE = append(s.pendingICE, orphans...)
			delete(e.orphanICE, id)
		}
	}
	return s, created, nil
}

func (e *Engine) offer(s *Session) error {
	sdp, err := s.pc.CreateOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(sdp); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	if err := e.send(s.ConnID, signal.Payload{Type: signal.SignalOffer, SDP: sdp.SDP}); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	if s.state == NegStable || s.state == NegAnswerSent {
		// Renegotiation sub-round: the observed state stays put.
		s.renegotiating = true
	} else {
		s.state = NegOfferSent
	}
	log.Debugf("offer sent to %s (state=%s)", s.ConnID, s.state)
	return nil
}

// handleOffer covers first contact (create the session as answerer) and
// renegotiation on an existing one; both paths are identical.
func (e *Engine) handleOffer(from string, p signal.Payload) error {
	s, _, err := e.ensure(from)
	if err != nil {
		return err
	}

	if s.state == NegOfferSent && !s.renegotiating {
		// Glare: both sides offered. The side with the smaller connection id
		// yields and answers; the other drops the rival offer.
		if e.selfID > from {
			log.Debugf("glare with %s: dropping rival offer", from)
			return nil
		}
		// Yielding cannot apply the rival offer on a connection that already
		// holds a local offer; pion rejects that without an SDP rollback.
		// Answer on a replacement connection, carrying queued candidates over.
		log.Debugf("glare with %s: yielding to remote offer", from)
		pending := s.pendingICE
		e.reg.Remove(from)
		fresh, _, err := e.ensure(from)
		if err != nil {
			return err
		}
		fresh.pendingICE = append(fresh.pendingICE, pending...)
		s = fresh
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.SDP}
	if err := s.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	e.flushICE(s)

	answer, err := s.pc.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	s.state = NegAnswerSent
	if err := e.send(from, signal.Payload{Type: signal.SignalAnswer, SDP: answer.SDP}); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	s.state = NegStable
	s.renegotiating = false
	log.Debugf("answered offer from %s", from)
	return nil
}

func (e *Engine) handleAnswer(from string, p signal.Payload) error {
	s, ok := e.reg.Get(from)
	if !ok || (s.state != NegOfferSent && !s.renegotiating) {
		// Stale or duplicate answer; never an error.
		log.Debugf("dropping unexpected answer from %s", from)
		return nil
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.SDP}
	if err := s.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	e.flushICE(s)
	s.state = NegStable
	s.renegotiating = false
	log.Debugf("negotiation with %s stable", from)
	return nil
}

// handleICE applies a candidate, queueing it when it outran its description:
// a candidate may legitimately arrive before the offer/answer and must be
// applied after the remote description is set, never dropped.
func (e *Engine) handleICE(from string, p signal.Payload) error {
	if p.Candidate == nil {
		return fmt.Errorf("ice signal without candidate")
	}

	s, ok := e.reg.Get(from)
	if !ok {
		if len(e.orphanICE[from]) >= maxOrphanICE {
			log.Warnf("orphan candidate queue for %s full, dropping", from)
			return nil
		}
		e.orphanICE[from] = append(e.orphanICE[from], *p.Candidate)
		log.Debugf("queued early candidate from %s", from)
		return nil
	}
	if !s.pc.HasRemoteDescription() {
		s.pendingICE = append(s.pendingICE, *p.Candidate)
		log.Debugf("queued candidate from %s until remote description", from)
		return nil
	}
	if err := s.pc.AddICECandidate(*p.Candidate); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

// flushICE applies queued candidates in arrival order. Called right after a
// remote description is set.
func (e *Engine) flushICE(s *Session) {
	for _, c := range s.pendingICE {
		if err := s.pc.AddICECandidate(c); err != nil {
			log.Warnf("flush candidate for %s: %v", s.ConnID, err)
		}
	}
	s.pendingICE = nil
}

// ReplaceOrAddVideo implements media.Sink: connections with a video sender
// get the track swapped in place (no renegotiation); the rest get a new
// sender and a fresh offer round.
func (e *Engine) ReplaceOrAddVideo(t media.Track) {
	e.reg.ForEach(func(s *Session) {
		if snd, ok := s.pc.VideoSender(); ok {
			if err := snd.ReplaceTrack(t); err != nil {
				log.Warnf("replace video track for %s: %v", s.ConnID, err)
			}
			return
		}
		if _, err := s.pc.AddTrack(t); err != nil {
			log.Warnf("add video track for %s: %v", s.ConnID, err)
			return
		}
		if err := e.offer(s); err != nil {
			e.fail(s.ConnID, err)
		}
	})
}

// DropOrphans clears any queued candidates for a departed participant.
func (e *Engine) DropOrphans(id string) {
	delete(e.orphanICE, id)
}

// Reset clears all queued pre-session candidates. Called on session teardown
// so candidates from a previous room never leak into the next one.
func (e *Engine) Reset() {
	e.orphanICE = make(map[string][]webrtc.ICECandidateInit)
}

func (e *Engine) fail(id string, err error) {
	log.Warnf("negotiation with %s failed: %v", id, err)
	e.reg.Remove(id)
}

var _ media.Sink = (*Engine)(nil)
