//go:build linux && cgo

package media

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// captureDevice is the mediadevices-backed capture backend (V4L2 + malgo).
type captureDevice struct {
	selector *mediadevices.CodecSelector

	preferredCam string
	preferredMic string
}

// NewDevice builds the capture backend with VP8+Opus encoders. preferredCam
// and preferredMic are device label hints; empty picks the first available
// device.
func NewDevice(preferredCam, preferredMic string) (Device, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &captureDevice{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		preferredCam: preferredCam,
		preferredMic: preferredMic,
	}, nil
}

// findDevice resolves a device label hint to a device id. Empty when nothing
// matches, letting mediadevices pick the first available device.
func findDevice(kind mediadevices.MediaDeviceType, want string) string {
	if want == "" {
		return ""
	}
	want = strings.ToLower(want)
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind == kind && strings.Contains(strings.ToLower(d.Label), want) {
			return d.DeviceID
		}
	}
	log.Warnf("no %v device matching %q, using default", kind, want)
	return ""
}

func (d *captureDevice) UserMedia(audio, video bool) (Stream, error) {
	if len(mediadevices.EnumerateDevices()) == 0 {
		return nil, ErrDeviceUnavailable
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
	if video {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			if id := findDevice(mediadevices.VideoInput, d.preferredCam); id != "" {
				c.DeviceID = prop.String(id)
			}
			// Exclude MJPEG — some cameras expose an MJPEG V4L2 node that
			// produces malformed JPEG frames, which poisons the VP8 encoder
			// and breaks SDP negotiation. Raw formats only.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			// Cap at 640×480 — higher resolutions increase VP8 encoding
			// latency noticeably on low-end machines.
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	}
	if audio {
		constraints.Audio = func(c *mediadevices.MediaTrackConstraints) {
			if id := findDevice(mediadevices.AudioInput, d.preferredMic); id != "" {
				c.DeviceID = prop.String(id)
			}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAccessDenied, err)
	}
	return wrapStream(stream), nil
}

func (d *captureDevice) DisplayMedia() (Stream, error) {
	constraints := mediadevices.MediaStreamConstraints{
		Codec: d.selector,
		Video: func(_ *mediadevices.MediaTrackConstraints) {},
	}
	stream, err := mediadevices.GetDisplayMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScreenShareDenied, err)
	}
	return wrapStream(stream), nil
}

func (d *captureDevice) PopulateEngine(me *webrtc.MediaEngine) error {
	d.selector.Populate(me)
	return nil
}

// captureStream adapts a mediadevices stream.
type captureStream struct {
	tracks []Track
}

func wrapStream(s mediadevices.MediaStream) Stream {
	cs := &captureStream{}
	for _, t := range s.GetTracks() {
		cs.tracks = append(cs.tracks, newCaptureTrack(t))
	}
	return cs
}

func (s *captureStream) Tracks() []Track { return s.tracks }

// captureTrack adapts one mediadevices track. mediadevices has no native
// enabled flag, so mute state is tracked here; the flag drives the advisory
// media signal while the encoder keeps running for instant unmute.
type captureTrack struct {
	t mediadevices.Track

	mu      sync.Mutex
	kind    Kind
	enabled bool
	stopped bool
	onEnded func()
}

func newCaptureTrack(t mediadevices.Track) *captureTrack {
	kind := Audio
	if t.Kind() == webrtc.RTPCodecTypeVideo {
		kind = Video
	}
	ct := &captureTrack{t: t, kind: kind, enabled: true}
	t.OnEnded(func(err error) {
		if err != nil {
			log.Debugf("track %s ended: %v", t.ID(), err)
		}
		ct.mu.Lock()
		fn := ct.onEnded
		ct.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
	return ct
}

func (ct *captureTrack) ID() string { return ct.t.ID() }
func (ct *captureTrack) Kind() Kind { return ct.kind }

func (ct *captureTrack) Enabled() bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.enabled
}

func (ct *captureTrack) SetEnabled(v bool) {
	ct.mu.Lock()
	ct.enabled = v
	ct.mu.Unlock()
}

func (ct *captureTrack) Stop() {
	ct.mu.Lock()
	if ct.stopped {
		ct.mu.Unlock()
		return
	}
	ct.stopped = true
	ct.mu.Unlock()
	if err := ct.t.Close(); err != nil {
		log.Debugf("close track %s: %v", ct.t.ID(), err)
	}
}

func (ct *captureTrack) OnEnded(fn func()) {
	ct.mu.Lock()
	ct.onEnded = fn
	ct.mu.Unlock()
}

func (ct *captureTrack) Local() webrtc.TrackLocal { return ct.t }
