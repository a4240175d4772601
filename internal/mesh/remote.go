package mesh

import (
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/petervdpas/meshroom/internal/media"
)

// pliInterval is how often a keyframe request is sent for each inbound video
// track, so late joiners and renegotiated tracks render without waiting for
// the sender's own keyframe cadence.
const pliInterval = 3 * time.Second

// TrackInfo is the read-only view of one received track.
type TrackInfo struct {
	ID       string
	StreamID string
	Kind     media.Kind
	Packets  uint64
	Bytes    uint64
}

// RemoteStream merges every track received from one participant into a
// single logical stream, regardless of whether the tracks arrived together
// or out of band after a renegotiation. It is owned by the session; the UI
// layer only ever sees Tracks() snapshots.
type RemoteStream struct {
	connID string

	mu     sync.Mutex
	tracks map[string]*remoteTrackState
	onRTP  func(trackID string, pkt *rtp.Packet)
	closed bool
	done   chan struct{}
}

type remoteTrackState struct {
	track   RemoteTrack
	packets uint64
	bytes   uint64
}

func newRemoteStream(connID string) *RemoteStream {
	return &RemoteStream{
		connID: connID,
		tracks: make(map[string]*remoteTrackState),
		done:   make(chan struct{}),
	}
}

// OnRTP registers a per-packet consumer (e.g. a renderer or recorder fed by
// the embedding application). May be nil.
func (rs *RemoteStream) OnRTP(fn func(trackID string, pkt *rtp.Packet)) {
	rs.mu.Lock()
	rs.onRTP = fn
	rs.mu.Unlock()
}

// add registers a newly received track and starts its read pump. A track id
// seen before is merged, not duplicated.
func (rs *RemoteStream) add(t RemoteTrack, pc PeerConn) {
	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		return
	}
	if _, ok := rs.tracks[t.ID()]; ok {
		rs.mu.Unlock()
		log.Debugf("duplicate track %s from %s merged", t.ID(), rs.connID)
		return
	}
	st := &remoteTrackState{track: t}
	rs.tracks[t.ID()] = st
	rs.mu.Unlock()

	log.Debugf("remote %s track %s from %s", t.Kind(), t.ID(), rs.connID)

	if t.Kind() == media.Video {
		go rs.keyframeLoop(t, pc)
	}
	go rs.readLoop(st)
}

// readLoop drains RTP packets for one track until the track or stream ends.
func (rs *RemoteStream) readLoop(st *remoteTrackState) {
	for {
		pkt, err := st.track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debugf("read track %s from %s: %v", st.track.ID(), rs.connID, err)
			}
			return
		}

		rs.mu.Lock()
		if rs.closed {
			rs.mu.Unlock()
			return
		}
		st.packets++
		st.bytes += uint64(len(pkt.Payload))
		fn := rs.onRTP
		rs.mu.Unlock()

		if fn != nil {
			fn(st.track.ID(), pkt)
		}
	}
}

// keyframeLoop periodically asks the sender for a keyframe (PLI) while the
// stream is alive.
func (rs *RemoteStream) keyframeLoop(t RemoteTrack, pc PeerConn) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rs.done:
			return
		case <-ticker.C:
			pli := &rtcp.PictureLossIndication{MediaSSRC: t.SSRC()}
			if err := pc.WriteRTCP([]rtcp.Packet{pli}); err != nil {
				log.Debugf("keyframe request for %s: %v", rs.connID, err)
				return
			}
		}
	}
}

// Tracks returns a stable-ordered snapshot of the received tracks.
func (rs *RemoteStream) Tracks() []TrackInfo {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	out := make([]TrackInfo, 0, len(rs.tracks))
	for _, st := range rs.tracks {
		out = append(out, TrackInfo{
			ID:       st.track.ID(),
			StreamID: st.track.StreamID(),
			Kind:     st.track.Kind(),
			Packets:  st.packets,
			Bytes:    st.bytes,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (rs *RemoteStream) close() {
	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		return
	}
	rs.closed = true
	rs.mu.Unlock()
	close(rs.done)
}
