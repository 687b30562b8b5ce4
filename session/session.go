// Package session drives the local peer-connection object through the
// offer/answer/candidate exchange and exposes a connection-state signal.
// The producer is always the offering side; the viewer answers. Signaling
// success only proves messages were exchanged, so entry to the connected
// state is driven by the transport's own ICE-connectivity signal.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/olebedev/emitter"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/adwski/camlink/media"
	"github.com/adwski/camlink/model"
	"github.com/adwski/camlink/relay"
)

var (
	ErrClosed      = errors.New("session is closed")
	ErrAttachMedia = errors.New("unable to attach local media tracks")
	ErrNegotiate   = errors.New("negotiation failed")
)

const topicStateChange = "state"

type Config struct {
	Logger     *zerolog.Logger
	Role       model.Role
	Publisher  *relay.Publisher
	StreamKind model.StreamKind

	// Engine and Camera are required for the producer role; Renderer for
	// the viewer role.
	Engine   media.Engine
	Renderer media.Renderer
	Camera   *media.CameraState

	ICEServers []webrtc.ICEServer
	Reconnect  relay.ReconnectPolicy

	// NewPeer and NewTimer default to pion and time.AfterFunc.
	NewPeer  PeerFactory
	NewTimer TimerFactory
}

// StateMachine is one media session attempt. All transitions happen under
// a single mutex because relay delivery, transport callbacks and
// user-initiated stop calls arrive concurrently from different
// goroutines; every callback entry point checks closed first, so
// callbacks scheduled shortly before teardown become no-ops.
type StateMachine struct {
	id        string
	logger    zerolog.Logger
	role      model.Role
	kind      model.StreamKind
	publisher *relay.Publisher
	engine    media.Engine
	renderer  media.Renderer
	camera    *media.CameraState
	ice       []webrtc.ICEServer
	reconnect relay.ReconnectPolicy
	newPeer   PeerFactory
	newTimer  TimerFactory
	events    *emitter.Emitter

	mu                sync.Mutex
	ctx               context.Context
	state             State
	closed            bool
	pc                Peer
	remoteSet         bool
	tracksAttached    bool
	pendingCandidates []webrtc.ICECandidateInit
	remoteTracks      []*webrtc.TrackRemote
	attempt           int
	retryTimer        Timer
}

func New(cfg Config) *StateMachine {
	events := &emitter.Emitter{}
	events.Use("*", emitter.Void)

	newPeer := cfg.NewPeer
	if newPeer == nil {
		newPeer = PionPeerFactory()
	}
	newTimer := cfg.NewTimer
	if newTimer == nil {
		newTimer = stdTimerFactory
	}
	kind := cfg.StreamKind
	if kind == "" {
		kind = model.StreamAudioVideo
	}

	id := uuid.NewString()
	return &StateMachine{
		id: id,
		logger: cfg.Logger.With().
			Str("component", "session").
			Str("sessionID", id).
			Str("role", string(cfg.Role)).Logger(),
		role:      cfg.Role,
		kind:      kind,
		publisher: cfg.Publisher,
		engine:    cfg.Engine,
		renderer:  cfg.Renderer,
		camera:    cfg.Camera,
		ice:       cfg.ICEServers,
		reconnect: cfg.Reconnect,
		newPeer:   newPeer,
		newTimer:  newTimer,
		events:    events,
		state:     StateIdle,
	}
}

func (sm *StateMachine) ID() string {
	return sm.id
}

func (sm *StateMachine) State() State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state
}

// OnStateChange registers cb for every state transition. The callback
// must not call back into the state machine.
func (sm *StateMachine) OnStateChange(cb func(State)) {
	sm.events.On(topicStateChange, func(ev *emitter.Event) {
		cb(ev.Args[0].(State))
	})
}

// SignalingConnecting records that the relay connect is in flight.
func (sm *StateMachine) SignalingConnecting() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.closed || sm.state != StateIdle {
		return
	}
	sm.setStateLocked(StateSignalingConnecting)
}

// SignalingReady kicks off negotiation once the relay channel is
// connected: the producer attaches local tracks and publishes an offer,
// the viewer starts waiting for one. Offer creation never begins before
// tracks exist; that ordering is enforced here by construction.
func (sm *StateMachine) SignalingReady(ctx context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.closed {
		return ErrClosed
	}
	sm.ctx = ctx

	switch sm.state {
	case StateIdle, StateSignalingConnecting:
	default:
		// Relay reconnected mid-session; negotiation state is driven by
		// the peer connection, nothing to do here.
		return nil
	}

	if sm.role == model.RoleProducer {
		return sm.startOfferLocked(ctx)
	}
	sm.setStateLocked(StateAwaitingOffer)
	return nil
}

// HandleSignal applies one inbound signaling message. Echo-suppressed
// input is expected: the caller drops messages tagged with its own role.
func (sm *StateMachine) HandleSignal(ctx context.Context, msg model.SignalMessage) {
	switch msg.Type {
	case model.TypeOffer:
		sm.handleOffer(ctx, msg)
	case model.TypeAnswer:
		sm.handleAnswer(msg)
	case model.TypeIceCandidate:
		sm.handleCandidate(msg)
	default:
		sm.logger.Debug().Str("type", string(msg.Type)).Msg("not a negotiation message, ignored")
	}
}

// Close makes the session inert: the reconnect timer is cancelled, the
// peer connection is torn down and every later callback is a no-op.
func (sm *StateMachine) Close() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.closed {
		return
	}
	sm.closed = true
	if sm.retryTimer != nil {
		sm.retryTimer.Stop()
		sm.retryTimer = nil
	}
	sm.teardownPeerLocked()
	sm.setStateLocked(StateClosed)
}

// Fail makes the session inert like Close, but with a terminal failure
// state. Used when signaling reconnect attempts are exhausted.
func (sm *StateMachine) Fail() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.closed {
		return
	}
	sm.closed = true
	if sm.retryTimer != nil {
		sm.retryTimer.Stop()
		sm.retryTimer = nil
	}
	sm.teardownPeerLocked()
	sm.setStateLocked(StateFailed)
}

func (sm *StateMachine) setStateLocked(s State) {
	if sm.state == s {
		return
	}
	sm.logger.Debug().
		Str("from", sm.state.String()).
		Str("to", s.String()).
		Msg("state transition")
	sm.state = s
	sm.events.Emit(topicStateChange, s)
}

// startOfferLocked creates a fresh peer connection, attaches local media
// and publishes the offer. Producer role only.
func (sm *StateMachine) startOfferLocked(ctx context.Context) error {
	pc, err := sm.newPeer(webrtc.Configuration{ICEServers: sm.ice})
	if err != nil {
		sm.setStateLocked(StateFailed)
		return errors.Join(ErrNegotiate, err)
	}

	tracks, err := sm.engine.AttachLocalTracks(ctx, sm.kind)
	if err != nil {
		_ = pc.Close()
		sm.setStateLocked(StateFailed)
		return errors.Join(ErrAttachMedia, err)
	}
	if tracks.Audio != nil {
		if _, err = pc.AddTrack(tracks.Audio); err != nil {
			_ = pc.Close()
			sm.setStateLocked(StateFailed)
			return errors.Join(ErrNegotiate, err)
		}
	}
	if tracks.Video != nil {
		if _, err = pc.AddTrack(tracks.Video); err != nil {
			_ = pc.Close()
			sm.setStateLocked(StateFailed)
			return errors.Join(ErrNegotiate, err)
		}
	}
	sm.tracksAttached = true

	// Re-apply the last explicitly chosen camera/torch value; resetting
	// the device to defaults on reconnect is a bug users notice.
	if sm.camera != nil {
		if err = sm.camera.Apply(sm.engine); err != nil {
			sm.logger.Warn().Err(err).Msg("failed to re-apply camera state")
		}
	}

	sm.wireCallbacks(pc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		sm.setStateLocked(StateFailed)
		return errors.Join(ErrNegotiate, err)
	}
	if err = pc.SetLocalDescription(offer); err != nil {
		_ = pc.Close()
		sm.setStateLocked(StateFailed)
		return errors.Join(ErrNegotiate, err)
	}

	sm.pc = pc
	sm.remoteSet = false
	sm.pendingCandidates = nil
	sm.setStateLocked(StateOfferSent)

	if err = sm.publisher.Publish(ctx, model.NewOffer(sm.role, offer.SDP)); err != nil {
		sm.logger.Error().Err(err).Msg("failed to publish offer")
	}
	return nil
}

// handleOffer answers an inbound offer. Viewer role only. A fresh offer
// while a peer connection exists means the producer re-ran negotiation, so
// the stale connection is replaced.
func (sm *StateMachine) handleOffer(ctx context.Context, msg model.SignalMessage) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.closed || sm.role != model.RoleViewer {
		return
	}
	sm.ctx = ctx

	if sm.pc != nil {
		sm.logger.Info().Msg("new offer while negotiated, replacing peer connection")
		sm.teardownPeerLocked()
	}

	pc, err := sm.newPeer(webrtc.Configuration{ICEServers: sm.ice})
	if err != nil {
		sm.logger.Error().Err(err).Msg("failed to create peer connection")
		sm.setStateLocked(StateFailed)
		return
	}
	sm.wireCallbacks(pc)

	if err = pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  msg.SDP,
	}); err != nil {
		sm.logger.Error().Err(err).Msg("failed to apply remote offer")
		_ = pc.Close()
		return
	}
	sm.pc = pc
	sm.remoteSet = true
	sm.flushCandidatesLocked(pc)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		sm.logger.Error().Err(err).Msg("failed to create answer")
		return
	}
	if err = pc.SetLocalDescription(answer); err != nil {
		sm.logger.Error().Err(err).Msg("failed to apply local answer")
		return
	}
	sm.setStateLocked(StateAnswerExchanged)

	if err = sm.publisher.Publish(ctx, model.NewAnswer(sm.role, answer.SDP)); err != nil {
		sm.logger.Error().Err(err).Msg("failed to publish answer")
	}
}

// handleAnswer applies an inbound answer. Producer role only. Applying a
// second answer is undefined behavior in the underlying transport, so
// anything arriving outside the offer-sent state is ignored.
func (sm *StateMachine) handleAnswer(msg model.SignalMessage) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.closed || sm.role != model.RoleProducer {
		return
	}
	if sm.state != StateOfferSent {
		sm.logger.Warn().
			Str("state", sm.state.String()).
			Msg("answer received outside offer-sent state, ignored")
		return
	}
	if err := sm.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  msg.SDP,
	}); err != nil {
		sm.logger.Error().Err(err).Msg("failed to apply remote answer")
		return
	}
	sm.remoteSet = true
	sm.flushCandidatesLocked(sm.pc)
	sm.setStateLocked(StateAnswerExchanged)
}

// handleCandidate applies a trickled candidate, buffering it when the
// remote description is not set yet.
func (sm *StateMachine) handleCandidate(msg model.SignalMessage) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.closed {
		return
	}

	cand := candidateFromMessage(msg)
	if !sm.remoteSet {
		sm.pendingCandidates = append(sm.pendingCandidates, cand)
		sm.logger.Debug().
			Int("buffered", len(sm.pendingCandidates)).
			Msg("candidate buffered until remote description")
		return
	}
	if err := sm.pc.AddICECandidate(cand); err != nil {
		sm.logger.Warn().Err(err).Msg("failed to add remote candidate")
	}
}

func (sm *StateMachine) flushCandidatesLocked(pc Peer) {
	for _, cand := range sm.pendingCandidates {
		if err := pc.AddICECandidate(cand); err != nil {
			sm.logger.Warn().Err(err).Msg("failed to add buffered candidate")
		}
	}
	sm.pendingCandidates = nil
}

func (sm *StateMachine) wireCallbacks(pc Peer) {
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		sm.publishCandidate(pc, c)
	})
	pc.OnICEConnectionStateChange(func(st webrtc.ICEConnectionState) {
		sm.handleICEState(pc, st)
	})
	if sm.role == model.RoleViewer {
		pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			sm.handleRemoteTrack(pc, track)
		})
	}
}

func (sm *StateMachine) publishCandidate(pc Peer, c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	sm.mu.Lock()
	if sm.closed || sm.pc != pc {
		sm.mu.Unlock()
		return
	}
	ctx := sm.ctx
	sm.mu.Unlock()

	init := c.ToJSON()
	var (
		mid string
		idx int
	)
	if init.SDPMid != nil {
		mid = *init.SDPMid
	}
	if init.SDPMLineIndex != nil {
		idx = int(*init.SDPMLineIndex)
	}
	if err := sm.publisher.Publish(ctx, model.NewIceCandidate(sm.role, init.Candidate, mid, idx)); err != nil {
		sm.logger.Error().Err(err).Msg("failed to publish candidate")
	}
}

func (sm *StateMachine) handleRemoteTrack(pc Peer, track *webrtc.TrackRemote) {
	sm.mu.Lock()
	if sm.closed || sm.pc != pc {
		sm.mu.Unlock()
		return
	}
	sm.remoteTracks = append(sm.remoteTracks, track)
	sm.mu.Unlock()

	sm.logger.Info().Str("kind", track.Kind().String()).Msg("remote track received")
	sm.renderer.AttachRemoteTrack(track)
}

func (sm *StateMachine) handleICEState(pc Peer, st webrtc.ICEConnectionState) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.closed || sm.pc != pc {
		return
	}
	sm.logger.Info().Str("iceState", st.String()).Msg("ICE connection state changed")

	switch st {
	case webrtc.ICEConnectionStateChecking:
		if sm.state == StateAnswerExchanged {
			sm.setStateLocked(StateIceNegotiating)
		}
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		sm.attempt = 0
		sm.setStateLocked(StateConnected)
	case webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateFailed:
		sm.scheduleReconnectLocked()
	case webrtc.ICEConnectionStateClosed:
	}
}

// scheduleReconnectLocked arms exactly one retry after a media-path drop.
// The relay channel stays up; only the peer connection is re-negotiated,
// from the producer side.
func (sm *StateMachine) scheduleReconnectLocked() {
	if sm.state == StateFailed || sm.retryTimer != nil {
		return
	}
	sm.setStateLocked(StateDisconnected)

	sm.attempt++
	if !sm.reconnect.ShouldRetry(sm.attempt) {
		sm.logger.Error().Int("attempts", sm.attempt-1).Msg("reconnect attempts exhausted")
		sm.teardownPeerLocked()
		sm.setStateLocked(StateFailed)
		return
	}

	delay := sm.reconnect.NextDelay(sm.attempt)
	sm.logger.Info().
		Int("attempt", sm.attempt).
		Dur("delay", delay).
		Msg("scheduling media reconnect")
	sm.retryTimer = sm.newTimer(delay, sm.retryNow)
}

func (sm *StateMachine) retryNow() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.closed || sm.retryTimer == nil {
		return
	}
	sm.retryTimer = nil
	sm.teardownPeerLocked()

	if sm.role == model.RoleProducer {
		if err := sm.startOfferLocked(sm.ctx); err != nil {
			sm.logger.Error().Err(err).Msg("reconnect attempt failed")
		}
		return
	}
	// The producer re-runs the offer flow; the viewer goes back to
	// waiting for it.
	sm.setStateLocked(StateAwaitingOffer)
}

func (sm *StateMachine) teardownPeerLocked() {
	if sm.pc != nil {
		_ = sm.pc.Close()
		sm.pc = nil
	}
	if sm.role == model.RoleViewer && sm.renderer != nil {
		for _, track := range sm.remoteTracks {
			sm.renderer.DetachRemoteTrack(track)
		}
	}
	sm.remoteTracks = nil
	if sm.tracksAttached {
		if err := sm.engine.StopCapture(); err != nil {
			sm.logger.Warn().Err(err).Msg("failed to stop capture")
		}
		sm.tracksAttached = false
	}
	sm.remoteSet = false
	sm.pendingCandidates = nil
}

func candidateFromMessage(msg model.SignalMessage) webrtc.ICECandidateInit {
	mid := msg.SDPMid
	idx := uint16(msg.SDPMLineIndex)
	return webrtc.ICECandidateInit{
		Candidate:     msg.SDP,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
}
