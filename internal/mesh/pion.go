package mesh

import (
	"errors"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/meshroom/internal/media"
)

// PionConfig configures the real connection factory.
type PionConfig struct {
	ICEServers []webrtc.ICEServer

	// PopulateEngine registers codecs on the media engine; typically the
	// capture device's codec selector. Nil registers pion's defaults.
	PopulateEngine func(*webrtc.MediaEngine) error
}

// NewPionFactory builds a Factory backed by pion/webrtc. The API object
// (media engine, interceptors, setting engine) is shared by every
// connection it creates.
func NewPionFactory(cfg PionConfig) (Factory, error) {
	me := &webrtc.MediaEngine{}
	if cfg.PopulateEngine != nil {
		if err := cfg.PopulateEngine(me); err != nil {
			return nil, err
		}
	} else if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, err
	}

	// Generous ICE timeouts so a brief relay/NAT hiccup does not immediately
	// terminate the call. The default disconnectedTimeout of 5 s is far too
	// short for relay paths with short outages during re-keying or failover.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	)

	return func(connID string) (PeerConn, error) {
		pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
		if err != nil {
			return nil, err
		}
		pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
			log.Debugf("connection with %s: %s", connID, s)
		})
		return &pionConn{pc: pc}, nil
	}, nil
}

// pionConn adapts *webrtc.PeerConnection to the PeerConn interface.
type pionConn struct {
	pc *webrtc.PeerConnection

	mu          sync.Mutex
	videoSender *webrtc.RTPSender
}

func (c *pionConn) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *pionConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *pionConn) SetLocalDescription(d webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(d)
}

func (c *pionConn) SetRemoteDescription(d webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(d)
}

func (c *pionConn) AddICECandidate(cand webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(cand)
}

func (c *pionConn) HasRemoteDescription() bool {
	return c.pc.RemoteDescription() != nil
}

func (c *pionConn) AddTrack(t media.Track) (Sender, error) {
	local := t.Local()
	if local == nil {
		return nil, errors.New("track has no local RTP source")
	}
	snd, err := c.pc.AddTrack(local)
	if err != nil {
		return nil, err
	}
	if t.Kind() == media.Video {
		c.mu.Lock()
		c.videoSender = snd
		c.mu.Unlock()
	}
	go drainRTCP(snd)
	return &pionSender{snd: snd}, nil
}

func (c *pionConn) VideoSender() (Sender, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.videoSender == nil {
		return nil, false
	}
	return &pionSender{snd: c.videoSender}, true
}

func (c *pionConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		fn(cand.ToJSON())
	})
}

func (c *pionConn) OnTrack(fn func(RemoteTrack)) {
	c.pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(&pionRemoteTrack{tr: tr})
	})
}

func (c *pionConn) WriteRTCP(pkts []rtcp.Packet) error {
	return c.pc.WriteRTCP(pkts)
}

func (c *pionConn) Close() error {
	return c.pc.Close()
}

// drainRTCP keeps the sender's RTCP read side moving so interceptors
// (NACK, RR) keep working.
func drainRTCP(snd *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := snd.Read(buf); err != nil {
			return
		}
	}
}

type pionSender struct {
	snd *webrtc.RTPSender
}

func (s *pionSender) ReplaceTrack(t media.Track) error {
	if t == nil {
		return s.snd.ReplaceTrack(nil)
	}
	local := t.Local()
	if local == nil {
		return errors.New("track has no local RTP source")
	}
	return s.snd.ReplaceTrack(local)
}

type pionRemoteTrack struct {
	tr *webrtc.TrackRemote
}

func (t *pionRemoteTrack) ID() string       { return t.tr.ID() }
func (t *pionRemoteTrack) StreamID() string { return t.tr.StreamID() }

func (t *pionRemoteTrack) Kind() media.Kind {
	if t.tr.Kind() == webrtc.RTPCodecTypeAudio {
		return media.Audio
	}
	return media.Video
}

func (t *pionRemoteTrack) SSRC() uint32 { return uint32(t.tr.SSRC()) }

func (t *pionRemoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := t.tr.ReadRTP()
	return pkt, err
}
