package session

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// Peer is the slice of *webrtc.PeerConnection the state machine drives.
// Tests substitute a fake; production uses PionPeerFactory.
type Peer interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnICEConnectionStateChange(f func(webrtc.ICEConnectionState))
	Close() error
}

// PeerFactory creates the local peer-connection object for one attempt.
type PeerFactory func(cfg webrtc.Configuration) (Peer, error)

// PionPeerFactory builds real pion peer connections.
func PionPeerFactory() PeerFactory {
	return func(cfg webrtc.Configuration) (Peer, error) {
		return webrtc.NewPeerConnection(cfg)
	}
}

// Timer is an armed reconnect timer handle. Leaking timers that fire into
// a torn-down session is a defined bug class; every armed handle is
// tracked and stopped on teardown. Tests inject a manual implementation.
type Timer interface {
	Stop() bool
}

// TimerFactory arms f after d. The default wraps time.AfterFunc.
type TimerFactory func(d time.Duration, f func()) Timer

func stdTimerFactory(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
