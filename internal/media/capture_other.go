//go:build !linux || !cgo

package media

import "github.com/pion/webrtc/v4"

// nullDevice is the capture backend on platforms without mediadevices driver
// support. Sessions can still join receive-only.
type nullDevice struct{}

// NewDevice returns the stub backend for this platform. The device label
// hints are accepted for signature parity and ignored.
func NewDevice(_, _ string) (Device, error) {
	return nullDevice{}, nil
}

func (nullDevice) UserMedia(audio, video bool) (Stream, error) {
	return nil, ErrDeviceUnavailable
}

func (nullDevice) DisplayMedia() (Stream, error) {
	return nil, ErrScreenShareUnsupported
}

func (nullDevice) PopulateEngine(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}
