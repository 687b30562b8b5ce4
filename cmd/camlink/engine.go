package main

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/adwski/camlink/media"
	"github.com/adwski/camlink/model"
)

// syntheticEngine stands in for a real capture pipeline. It hands out
// static sample tracks that never produce frames, which is enough to
// negotiate a session and exercise the command path end to end.
type syntheticEngine struct {
	logger zerolog.Logger

	mu        sync.Mutex
	capturing bool
	cameras   []media.Camera
	torch     bool
}

func newSyntheticEngine(logger *zerolog.Logger) *syntheticEngine {
	return &syntheticEngine{
		logger: logger.With().Str("component", "synthetic-engine").Logger(),
		cameras: []media.Camera{
			{ID: "front-0", Facing: media.FacingFront},
			{ID: "back-0", Facing: media.FacingBack},
		},
	}
}

func (e *syntheticEngine) AttachLocalTracks(_ context.Context, kind model.StreamKind) (media.Tracks, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.capturing {
		return media.Tracks{}, media.ErrAlreadyStreaming
	}

	var out media.Tracks
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "camlink")
	if err != nil {
		return media.Tracks{}, err
	}
	out.Audio = audio

	if kind == model.StreamAudioVideo {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "camlink")
		if err != nil {
			return media.Tracks{}, err
		}
		out.Video = video
	}

	e.capturing = true
	e.logger.Debug().Str("kind", string(kind)).Msg("capture started")
	return out, nil
}

func (e *syntheticEngine) StopCapture() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.capturing = false
	e.logger.Debug().Msg("capture stopped")
	return nil
}

func (e *syntheticEngine) Cameras() ([]media.Camera, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]media.Camera, len(e.cameras))
	copy(out, e.cameras)
	return out, nil
}

func (e *syntheticEngine) SwitchCamera(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cam := range e.cameras {
		if cam.ID == id {
			e.logger.Debug().Str("camera", id).Msg("camera switched")
			return nil
		}
	}
	return media.ErrNoBackCamera
}

func (e *syntheticEngine) SetTorch(on bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.torch = on
	e.logger.Debug().Bool("on", on).Msg("torch toggled")
	return nil
}

// logRenderer is the viewer-side sink for the demo binary.
type logRenderer struct {
	logger *zerolog.Logger
}

func (r *logRenderer) AttachRemoteTrack(track *webrtc.TrackRemote) {
	r.logger.Info().
		Str("id", track.ID()).
		Str("codec", track.Codec().MimeType).
		Msg("remote track attached")
}

func (r *logRenderer) DetachRemoteTrack(track *webrtc.TrackRemote) {
	r.logger.Info().Str("id", track.ID()).Msg("remote track detached")
}
