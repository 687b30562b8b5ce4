package session

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adwski/camlink/media"
	"github.com/adwski/camlink/model"
	"github.com/adwski/camlink/relay"
	relaymem "github.com/adwski/camlink/relay/memory"
)

func testLogger() *zerolog.Logger {
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)
	return &logger
}

// fakePeer records every call so tests can assert ordering and counts.
type fakePeer struct {
	mu          sync.Mutex
	calls       []string
	remoteDesc  *webrtc.SessionDescription
	candidates  []webrtc.ICECandidateInit
	closed      bool
	onICEState  func(webrtc.ICEConnectionState)
	onCandidate func(*webrtc.ICECandidate)
	onTrack     func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

func (f *fakePeer) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakePeer) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakePeer) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	f.record("CreateOffer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-sdp"}, nil
}

func (f *fakePeer) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	f.record("CreateAnswer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-sdp"}, nil
}

func (f *fakePeer) SetLocalDescription(webrtc.SessionDescription) error {
	f.record("SetLocalDescription")
	return nil
}

func (f *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.record("SetRemoteDescription")
	f.mu.Lock()
	f.remoteDesc = &desc
	f.mu.Unlock()
	return nil
}

func (f *fakePeer) RemoteDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteDesc
}

func (f *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.record("AddICECandidate")
	f.mu.Lock()
	f.candidates = append(f.candidates, c)
	f.mu.Unlock()
	return nil
}

func (f *fakePeer) AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	f.record("AddTrack")
	return nil, nil
}

func (f *fakePeer) OnICECandidate(cb func(*webrtc.ICECandidate)) { f.onCandidate = cb }
func (f *fakePeer) OnTrack(cb func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	f.onTrack = cb
}
func (f *fakePeer) OnICEConnectionStateChange(cb func(webrtc.ICEConnectionState)) {
	f.onICEState = cb
}

func (f *fakePeer) Close() error {
	f.record("Close")
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// fakeTimer fires only when the test says so.
type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

func (ft *fakeTimer) Stop() bool {
	ft.stopped = true
	return true
}

type timerLog struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (tl *timerLog) factory(d time.Duration, f func()) Timer {
	ft := &fakeTimer{delay: d, fn: f}
	tl.mu.Lock()
	tl.timers = append(tl.timers, ft)
	tl.mu.Unlock()
	return ft
}

func (tl *timerLog) last(t *testing.T) *fakeTimer {
	t.Helper()
	tl.mu.Lock()
	defer tl.mu.Unlock()
	require.NotEmpty(t, tl.timers)
	return tl.timers[len(tl.timers)-1]
}

func (tl *timerLog) count() int {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return len(tl.timers)
}

// fakeEngine serves synthetic tracks and records call order.
type fakeEngine struct {
	mu       sync.Mutex
	attached int
	stopped  int
	switched []string
	torch    []bool
}

func (e *fakeEngine) AttachLocalTracks(_ context.Context, kind model.StreamKind) (media.Tracks, error) {
	e.mu.Lock()
	e.attached++
	e.mu.Unlock()
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "test")
	if err != nil {
		return media.Tracks{}, err
	}
	out := media.Tracks{Audio: audio}
	if kind == model.StreamAudioVideo {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "test")
		if err != nil {
			return media.Tracks{}, err
		}
		out.Video = video
	}
	return out, nil
}

func (e *fakeEngine) StopCapture() error {
	e.mu.Lock()
	e.stopped++
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) Cameras() ([]media.Camera, error) { return nil, nil }

func (e *fakeEngine) SwitchCamera(id string) error {
	e.mu.Lock()
	e.switched = append(e.switched, id)
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) SetTorch(on bool) error {
	e.mu.Lock()
	e.torch = append(e.torch, on)
	e.mu.Unlock()
	return nil
}

type testRig struct {
	sm      *StateMachine
	peers   []*fakePeer
	timers  *timerLog
	engine  *fakeEngine
	camera  *media.CameraState
	msgs    <-chan model.SignalMessage
	channel relay.Channel
}

func newTestRig(t *testing.T, role model.Role) *testRig {
	t.Helper()

	hub := relaymem.NewHub()
	channel := hub.NewChannel(testLogger())
	msgs := channel.Subscribe()
	require.NoError(t, channel.Connect(context.Background(), "cred", "dev-v2"))

	rig := &testRig{
		timers:  &timerLog{},
		engine:  &fakeEngine{},
		camera:  media.NewCameraState(),
		msgs:    msgs,
		channel: channel,
	}
	newPeer := func(webrtc.Configuration) (Peer, error) {
		p := &fakePeer{}
		rig.peers = append(rig.peers, p)
		return p, nil
	}

	rig.sm = New(Config{
		Logger: testLogger(),
		Role:   role,
		Publisher: relay.NewPublisher(relay.PublisherConfig{
			Logger:  testLogger(),
			Channel: channel,
			Queue:   relay.NewOutboundQueue(),
		}),
		Engine:    rig.engine,
		Renderer:  &nopRenderer{},
		Camera:    rig.camera,
		Reconnect: relay.ReconnectPolicy{Base: time.Second, MaxAttempts: 3},
		NewPeer:   newPeer,
		NewTimer:  rig.timers.factory,
	})
	return rig
}

type nopRenderer struct{}

func (nopRenderer) AttachRemoteTrack(*webrtc.TrackRemote) {}
func (nopRenderer) DetachRemoteTrack(*webrtc.TrackRemote) {}

func recvMsg(t *testing.T, ch <-chan model.SignalMessage) model.SignalMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
	return model.SignalMessage{}
}

func TestProducerAttachesTracksBeforeOffer(t *testing.T) {
	rig := newTestRig(t, model.RoleProducer)

	require.NoError(t, rig.sm.SignalingReady(context.Background()))
	require.Len(t, rig.peers, 1)
	assert.Equal(t, StateOfferSent, rig.sm.State())
	assert.Equal(t, 1, rig.engine.attached)

	calls := rig.peers[0].callLog()
	var addTrackIdx, createOfferIdx int
	for i, call := range calls {
		switch call {
		case "AddTrack":
			addTrackIdx = i
		case "CreateOffer":
			createOfferIdx = i
		}
	}
	assert.Less(t, addTrackIdx, createOfferIdx, "tracks must be attached before the offer is created")

	offer := recvMsg(t, rig.msgs)
	assert.Equal(t, model.TypeOffer, offer.Type)
	assert.Equal(t, "offer-sdp", offer.SDP)
	assert.Equal(t, model.RoleProducer, offer.SenderRole)
}

func TestProducerIgnoresDuplicateAnswer(t *testing.T) {
	rig := newTestRig(t, model.RoleProducer)
	require.NoError(t, rig.sm.SignalingReady(context.Background()))

	ctx := context.Background()
	rig.sm.HandleSignal(ctx, model.NewAnswer(model.RoleViewer, "answer-sdp"))
	require.Equal(t, StateAnswerExchanged, rig.sm.State())

	rig.sm.HandleSignal(ctx, model.NewAnswer(model.RoleViewer, "answer-sdp"))
	assert.Equal(t, StateAnswerExchanged, rig.sm.State())

	var setRemote int
	for _, call := range rig.peers[0].callLog() {
		if call == "SetRemoteDescription" {
			setRemote++
		}
	}
	assert.Equal(t, 1, setRemote, "duplicate answer must not re-apply the remote description")
}

func TestViewerBuffersCandidatesUntilOffer(t *testing.T) {
	rig := newTestRig(t, model.RoleViewer)
	require.NoError(t, rig.sm.SignalingReady(context.Background()))
	assert.Equal(t, StateAwaitingOffer, rig.sm.State())

	ctx := context.Background()
	rig.sm.HandleSignal(ctx, model.NewIceCandidate(model.RoleProducer, "cand-0", "0", 0))
	rig.sm.HandleSignal(ctx, model.NewIceCandidate(model.RoleProducer, "cand-1", "0", 0))
	require.Empty(t, rig.peers, "no peer connection before the offer")

	rig.sm.HandleSignal(ctx, model.NewOffer(model.RoleProducer, "offer-sdp"))
	require.Len(t, rig.peers, 1)
	assert.Equal(t, StateAnswerExchanged, rig.sm.State())

	peer := rig.peers[0]
	require.Len(t, peer.candidates, 2)
	assert.Equal(t, "cand-0", peer.candidates[0].Candidate)
	assert.Equal(t, "cand-1", peer.candidates[1].Candidate)

	answer := recvMsg(t, rig.msgs)
	assert.Equal(t, model.TypeAnswer, answer.Type)
}

func TestViewerReplacesPeerOnReOffer(t *testing.T) {
	rig := newTestRig(t, model.RoleViewer)
	require.NoError(t, rig.sm.SignalingReady(context.Background()))

	ctx := context.Background()
	rig.sm.HandleSignal(ctx, model.NewOffer(model.RoleProducer, "offer-1"))
	recvMsg(t, rig.msgs)
	rig.sm.HandleSignal(ctx, model.NewOffer(model.RoleProducer, "offer-2"))

	require.Len(t, rig.peers, 2)
	assert.True(t, rig.peers[0].closed, "stale peer connection must be closed")
	assert.False(t, rig.peers[1].closed)
}

func TestIceConnectivityDrivesConnected(t *testing.T) {
	rig := newTestRig(t, model.RoleProducer)
	require.NoError(t, rig.sm.SignalingReady(context.Background()))
	rig.sm.HandleSignal(context.Background(), model.NewAnswer(model.RoleViewer, "answer-sdp"))

	peer := rig.peers[0]
	peer.onICEState(webrtc.ICEConnectionStateChecking)
	assert.Equal(t, StateIceNegotiating, rig.sm.State())

	peer.onICEState(webrtc.ICEConnectionStateConnected)
	assert.Equal(t, StateConnected, rig.sm.State())
}

func TestReconnectBackoffAndFailure(t *testing.T) {
	rig := newTestRig(t, model.RoleProducer)
	require.NoError(t, rig.sm.SignalingReady(context.Background()))
	rig.sm.HandleSignal(context.Background(), model.NewAnswer(model.RoleViewer, "answer-sdp"))

	peer := rig.peers[0]
	peer.onICEState(webrtc.ICEConnectionStateConnected)
	require.Equal(t, StateConnected, rig.sm.State())

	// Attempt 1: delay is the base.
	peer.onICEState(webrtc.ICEConnectionStateDisconnected)
	require.Equal(t, StateDisconnected, rig.sm.State())
	timer := rig.timers.last(t)
	assert.Equal(t, time.Second, timer.delay)
	timer.fn()
	require.Equal(t, StateOfferSent, rig.sm.State(), "producer re-offers on retry")

	// Attempts 2 and 3 double the delay each time.
	rig.peers[len(rig.peers)-1].onICEState(webrtc.ICEConnectionStateFailed)
	timer = rig.timers.last(t)
	assert.Equal(t, 2*time.Second, timer.delay)
	timer.fn()

	rig.peers[len(rig.peers)-1].onICEState(webrtc.ICEConnectionStateFailed)
	timer = rig.timers.last(t)
	assert.Equal(t, 4*time.Second, timer.delay)
	timer.fn()

	// Attempt ceiling reached: terminal failure, no further timer.
	timerCount := rig.timers.count()
	rig.peers[len(rig.peers)-1].onICEState(webrtc.ICEConnectionStateFailed)
	assert.Equal(t, StateFailed, rig.sm.State())
	assert.Equal(t, timerCount, rig.timers.count(), "no retry timer after exhaustion")
}

func TestSuccessfulConnectResetsAttemptCounter(t *testing.T) {
	rig := newTestRig(t, model.RoleProducer)
	require.NoError(t, rig.sm.SignalingReady(context.Background()))
	rig.sm.HandleSignal(context.Background(), model.NewAnswer(model.RoleViewer, "answer-sdp"))

	peer := rig.peers[0]
	peer.onICEState(webrtc.ICEConnectionStateDisconnected)
	timer := rig.timers.last(t)
	timer.fn()

	// Recovery resets the counter, so the next drop starts at the base
	// delay again.
	rig.sm.HandleSignal(context.Background(), model.NewAnswer(model.RoleViewer, "answer-sdp"))
	current := rig.peers[len(rig.peers)-1]
	current.onICEState(webrtc.ICEConnectionStateConnected)
	require.Equal(t, StateConnected, rig.sm.State())

	current.onICEState(webrtc.ICEConnectionStateDisconnected)
	assert.Equal(t, time.Second, rig.timers.last(t).delay)
}

func TestCloseCancelsRetryTimerAndStopsCapture(t *testing.T) {
	rig := newTestRig(t, model.RoleProducer)
	require.NoError(t, rig.sm.SignalingReady(context.Background()))
	rig.sm.HandleSignal(context.Background(), model.NewAnswer(model.RoleViewer, "answer-sdp"))

	rig.peers[0].onICEState(webrtc.ICEConnectionStateDisconnected)
	timer := rig.timers.last(t)

	rig.sm.Close()
	assert.Equal(t, StateClosed, rig.sm.State())
	assert.True(t, timer.stopped)
	assert.True(t, rig.peers[0].closed)
	assert.Equal(t, 1, rig.engine.stopped)

	// Callbacks after close are no-ops.
	rig.peers[0].onICEState(webrtc.ICEConnectionStateConnected)
	assert.Equal(t, StateClosed, rig.sm.State())
}

func TestCameraStateReappliedOnFreshSession(t *testing.T) {
	rig := newTestRig(t, model.RoleProducer)
	rig.camera.SetCamera("back-0")
	rig.camera.SetTorch(true)

	require.NoError(t, rig.sm.SignalingReady(context.Background()))

	require.Equal(t, []string{"back-0"}, rig.engine.switched, "chosen camera re-applied, not reset")
	require.Equal(t, []bool{true}, rig.engine.torch, "torch value re-applied, not reset")
}

func TestStaleCallbacksIgnoredAfterPeerReplaced(t *testing.T) {
	rig := newTestRig(t, model.RoleViewer)
	require.NoError(t, rig.sm.SignalingReady(context.Background()))

	ctx := context.Background()
	rig.sm.HandleSignal(ctx, model.NewOffer(model.RoleProducer, "offer-1"))
	recvMsg(t, rig.msgs)
	stale := rig.peers[0]
	rig.sm.HandleSignal(ctx, model.NewOffer(model.RoleProducer, "offer-2"))

	stale.onICEState(webrtc.ICEConnectionStateConnected)
	assert.NotEqual(t, StateConnected, rig.sm.State(), "stale peer callbacks must not drive state")
}
