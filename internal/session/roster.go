package session

import (
	"sync"
	"time"

	"github.com/petervdpas/meshroom/internal/media"
	"github.com/petervdpas/meshroom/internal/signal"
)

// Participant is one remote endpoint in the room as shown to the UI layer.
type Participant struct {
	ConnID      string      `json:"connectionId"`
	DisplayName string      `json:"displayName"`
	JoinedAt    time.Time   `json:"joinedAt"`
	Media       media.Flags `json:"media"`
}

// Roster tracks the participants of the current room in join order.
type Roster struct {
	mu    sync.Mutex
	order []string
	peers map[string]*Participant
}

func NewRoster() *Roster {
	return &Roster{peers: map[string]*Participant{}}
}

// Add records a participant. Re-adding a known id refreshes the display name
// and media flags but keeps the original join position. Reports whether the
// id was new.
func (r *Roster) Add(info signal.ParticipantInfo) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	flags := media.Flags{
		MicEnabled:    info.MicEnabled,
		VideoEnabled:  info.VideoEnabled,
		ScreenSharing: info.ScreenSharing,
	}
	if p, ok := r.peers[info.ConnectionID]; ok {
		p.DisplayName = info.DisplayName
		p.Media = flags
		return false
	}
	r.peers[info.ConnectionID] = &Participant{
		ConnID:      info.ConnectionID,
		DisplayName: info.DisplayName,
		JoinedAt:    time.Now(),
		Media:       flags,
	}
	r.order = append(r.order, info.ConnectionID)
	return true
}

// Remove drops a participant. Reports whether the id was known.
func (r *Roster) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[id]; !ok {
		return false
	}
	delete(r.peers, id)
	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// SetMedia updates a participant's advisory media flags.
func (r *Roster) SetMedia(id string, f media.Flags) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[id]
	if !ok {
		return false
	}
	p.Media = f
	return true
}

// Get returns a copy of the participant with id.
func (r *Roster) Get(id string) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[id]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// List returns the participants ordered by join time.
func (r *Roster) List() []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Participant, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.peers[id])
	}
	return out
}

// Len returns the number of participants.
func (r *Roster) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// Clear empties the roster.
func (r *Roster) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = nil
	r.peers = map[string]*Participant{}
}
