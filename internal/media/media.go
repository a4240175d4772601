// Package media owns the local capture state: microphone, camera and screen
// tracks, and the mute/camera/screen-share mutations on them. It never talks
// to individual peer connections; track changes are pushed through the Sink
// so every live connection stays in step.
package media

import (
	"errors"
	"fmt"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("media")

var (
	ErrAccessDenied           = errors.New("media access denied")
	ErrDeviceUnavailable      = errors.New("no media devices available")
	ErrScreenShareDenied      = errors.New("screen share denied")
	ErrScreenShareUnsupported = errors.New("screen share unsupported on this platform")
)

// Kind of a media track.
type Kind int

const (
	Audio Kind = iota
	Video
)

func (k Kind) String() string {
	if k == Audio {
		return "audio"
	}
	return "video"
}

// Track is one local capture track. Local returns the underlying pion track
// for attachment to a peer connection; it is nil for test fakes.
type Track interface {
	ID() string
	Kind() Kind
	Enabled() bool
	SetEnabled(bool)
	Stop()
	OnEnded(fn func())
	Local() webrtc.TrackLocal
}

// Stream is a bundle of tracks as returned by a capture request.
type Stream interface {
	Tracks() []Track
}

// Device is the capture backend. The real one wraps pion/mediadevices;
// tests substitute a fake.
type Device interface {
	// UserMedia captures microphone and/or camera.
	UserMedia(audio, video bool) (Stream, error)
	// DisplayMedia captures the screen.
	DisplayMedia() (Stream, error)
	// PopulateEngine registers the backend's codecs on a pion MediaEngine.
	PopulateEngine(me *webrtc.MediaEngine) error
}

// Sink applies local track changes to every live peer connection.
// Implemented by the mesh negotiation engine.
type Sink interface {
	// ReplaceOrAddVideo swaps the outbound video track on every connection
	// that already has a video sender, and adds a new sender (triggering
	// renegotiation) where none exists.
	ReplaceOrAddVideo(t Track)
}

// Flags is the externally observable local media state.
type Flags struct {
	MicEnabled    bool `json:"micEnabled"`
	VideoEnabled  bool `json:"videoEnabled"`
	ScreenSharing bool `json:"screenSharing"`
}

// Controller owns the local stream. Every method, snapshots included, must
// run on the session dispatch loop; the struct carries no locking of its own.
type Controller struct {
	dev  Device
	sink Sink

	// notify fires after every mutation with the new flags (advisory
	// ToggleMedia signal to remote UIs). Set by the session.
	notify func(Flags)

	// screenEnded runs when the screen track ends on its own (the native
	// "stop sharing" control). Set by the session so the stop is dispatched
	// onto its loop.
	screenEnded func()

	audio  Track
	video  Track
	screen Track
	flags  Flags
}

func NewController(dev Device) *Controller {
	return &Controller{dev: dev}
}

// SetSink wires the peer-connection side. Must be set before any toggle.
func (c *Controller) SetSink(s Sink) { c.sink = s }

// OnChange registers the advisory media-state notifier.
func (c *Controller) OnChange(fn func(Flags)) { c.notify = fn }

// OnScreenEnded registers the handler for the screen track ending by itself.
func (c *Controller) OnScreenEnded(fn func()) { c.screenEnded = fn }

// Acquire captures the local stream. Idempotent: a second call while a
// stream is held is a no-op. A camera requested off is stopped and removed
// right after capture so the hardware light goes out; a mic requested off is
// kept but disabled, so unmuting needs no renegotiation.
func (c *Controller) Acquire(micOn, camOn bool) error {
	if c.audio != nil || c.video != nil || c.screen != nil {
		return nil
	}

	stream, err := c.dev.UserMedia(true, true)
	if err != nil {
		return fmt.Errorf("acquire local media: %w", err)
	}

	for _, t := range stream.Tracks() {
		switch t.Kind() {
		case Audio:
			if c.audio == nil {
				c.audio = t
			}
		case Video:
			if c.video == nil {
				c.video = t
			}
		}
	}

	if !camOn && c.video != nil {
		c.video.Stop()
		c.video = nil
	}
	if !micOn && c.audio != nil {
		c.audio.SetEnabled(false)
	}

	c.flags = Flags{
		MicEnabled:   micOn && c.audio != nil,
		VideoEnabled: camOn && c.video != nil,
	}
	log.Infof("local media acquired (mic=%v cam=%v)", c.flags.MicEnabled, c.flags.VideoEnabled)
	return nil
}

// Tracks returns the current local tracks, audio first.
func (c *Controller) Tracks() []Track {
	out := make([]Track, 0, 2)
	if c.audio != nil {
		out = append(out, c.audio)
	}
	if c.screen != nil {
		out = append(out, c.screen)
	} else if c.video != nil {
		out = append(out, c.video)
	}
	return out
}

// Flags returns the current media flags.
func (c *Controller) Flags() Flags { return c.flags }

// ToggleMic flips the enabled flag on the audio track. No track is added or
// removed, so no renegotiation happens.
func (c *Controller) ToggleMic() Flags {
	if c.audio == nil {
		log.Warnf("mic toggle ignored: no audio track")
		return c.flags
	}
	c.audio.SetEnabled(!c.audio.Enabled())
	c.flags.MicEnabled = c.audio.Enabled()
	c.notifyChange()
	return c.flags
}

// ToggleCamera turns the camera off (stop + remove the track) or on
// (capture a fresh video-only stream and replace-or-add it on every peer).
// Ignored while a screen share is active.
func (c *Controller) ToggleCamera() (Flags, error) {
	if c.screen != nil {
		log.Debugf("camera toggle ignored during screen share")
		return c.flags, nil
	}

	if c.video != nil {
		c.video.Stop()
		c.video = nil
		c.flags.VideoEnabled = false
		c.notifyChange()
		return c.flags, nil
	}

	track, err := c.captureVideo()
	if err != nil {
		return c.flags, err
	}
	c.video = track
	c.flags.VideoEnabled = true
	c.sink.ReplaceOrAddVideo(track)
	c.notifyChange()
	return c.flags, nil
}

// StartScreenShare captures the screen and swaps it onto every video sender.
// The physical camera is stopped while sharing.
func (c *Controller) StartScreenShare() (Flags, error) {
	if c.screen != nil {
		return c.flags, nil
	}

	stream, err := c.dev.DisplayMedia()
	if err != nil {
		return c.flags, fmt.Errorf("screen capture: %w", err)
	}
	var track Track
	for _, t := range stream.Tracks() {
		if t.Kind() == Video {
			track = t
			break
		}
	}
	if track == nil {
		return c.flags, ErrScreenShareUnsupported
	}

	track.OnEnded(func() {
		if c.screenEnded != nil {
			c.screenEnded()
			return
		}
		c.StopScreenShare()
	})

	c.screen = track
	if c.video != nil {
		c.video.Stop()
		c.video = nil
	}
	c.flags.ScreenSharing = true
	c.sink.ReplaceOrAddVideo(track)
	c.notifyChange()
	return c.flags, nil
}

// StopScreenShare stops the screen track and swaps the camera back in. If the
// camera cannot be reacquired the session falls back to camera-off rather
// than keeping a dead track on the senders.
func (c *Controller) StopScreenShare() Flags {
	if c.screen == nil {
		return c.flags
	}
	c.screen.Stop()
	c.screen = nil
	c.flags.ScreenSharing = false

	track, err := c.captureVideo()
	if err != nil {
		log.Warnf("camera reacquire after screen share failed: %v", err)
		c.flags.VideoEnabled = false
		c.notifyChange()
		return c.flags
	}
	c.video = track
	c.flags.VideoEnabled = true
	c.sink.ReplaceOrAddVideo(track)
	c.notifyChange()
	return c.flags
}

// Stop stops every local track. Idempotent.
func (c *Controller) Stop() {
	for _, t := range []Track{c.audio, c.video, c.screen} {
		if t != nil {
			t.Stop()
		}
	}
	c.audio, c.video, c.screen = nil, nil, nil
	c.flags = Flags{}
}

func (c *Controller) captureVideo() (Track, error) {
	stream, err := c.dev.UserMedia(false, true)
	if err != nil {
		return nil, fmt.Errorf("capture camera: %w", err)
	}
	for _, t := range stream.Tracks() {
		if t.Kind() == Video {
			return t, nil
		}
	}
	return nil, ErrDeviceUnavailable
}

func (c *Controller) notifyChange() {
	if c.notify != nil {
		c.notify(c.flags)
	}
}
