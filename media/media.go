// Package media defines the capability surface of the platform media
// engine. The session and command layers invoke these calls but do not
// implement capture, encoding or rendering.
package media

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/adwski/camlink/model"
)

var (
	ErrNoPermission     = errors.New("no capture permission")
	ErrNoBackCamera     = errors.New("no back camera")
	ErrNoFlash          = errors.New("no flash unit")
	ErrAlreadyStreaming = errors.New("capture already in progress")
)

// Tracks holds the local tracks produced by AttachLocalTracks. Video is nil
// for audio-only streams.
type Tracks struct {
	Audio webrtc.TrackLocal
	Video webrtc.TrackLocal
}

// Camera describes one selectable capture device.
type Camera struct {
	ID     string `json:"id"`
	Facing Facing `json:"facing"`
}

type Facing string

const (
	FacingFront Facing = "front"
	FacingBack  Facing = "back"
)

// Engine is the producer-side capture capability.
type Engine interface {
	// AttachLocalTracks starts capture for the given stream kind and
	// returns the resulting local tracks.
	AttachLocalTracks(ctx context.Context, kind model.StreamKind) (Tracks, error)

	// StopCapture releases capture resources. Safe to call when capture
	// was never started.
	StopCapture() error

	Cameras() ([]Camera, error)
	SwitchCamera(id string) error
	SetTorch(on bool) error
}

// Renderer is the viewer-side sink for remote tracks.
type Renderer interface {
	AttachRemoteTrack(track *webrtc.TrackRemote)
	DetachRemoteTrack(track *webrtc.TrackRemote)
}
