// Package orchestrator composes the relay channel, outbound queue,
// session state machine and (on the producer side) the command dispatcher
// into the per-role top-level coordinator.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/adwski/camlink/command"
	"github.com/adwski/camlink/media"
	"github.com/adwski/camlink/model"
	"github.com/adwski/camlink/relay"
	"github.com/adwski/camlink/session"
	"github.com/adwski/camlink/session/icecfg"
)

var (
	ErrNotStarted       = errors.New("orchestrator is not started")
	ErrSignalingConnect = errors.New("unable to connect to relay")
	ErrNotViewer        = errors.New("only the viewer issues control commands")
)

const defaultStreamBuffer = 64

type Config struct {
	Logger  *zerolog.Logger
	Role    model.Role
	Channel relay.Channel

	// Engine and Camera are required for the producer role; Renderer for
	// the viewer role.
	Engine   media.Engine
	Renderer media.Renderer
	Camera   *media.CameraState

	StreamKind model.StreamKind

	// ICEConfigURL, when set, is fetched on every start; ICEServers is
	// the static fallback.
	ICEServers   []webrtc.ICEServer
	ICEConfigURL string

	Reconnect relay.ReconnectPolicy

	// Test seams. Zero values select pion and time.AfterFunc.
	NewPeer      session.PeerFactory
	NewTimer     session.TimerFactory
	DrainDelay   time.Duration
	QueueOptions []relay.QueueOption
}

// Orchestrator owns at most one live media session and the relay channel
// carrying its signaling. Starting while a session is active first tears
// the old one down completely, so two half-initialized sessions can never
// race over one peer-connection object.
type Orchestrator struct {
	logger    zerolog.Logger
	role      model.Role
	channel   relay.Channel
	engine    media.Engine
	renderer  media.Renderer
	camera    *media.CameraState
	kind      model.StreamKind
	static    []webrtc.ICEServer
	iceURL    string
	reconnect relay.ReconnectPolicy
	newPeer   session.PeerFactory
	newTimer  session.TimerFactory
	drainDly  time.Duration
	queueOpts []relay.QueueOption

	msgs        <-chan model.SignalMessage
	relayStates <-chan relay.State

	states        chan session.State
	confirmations chan model.ControlConfirmation

	mu          sync.Mutex
	started     bool
	stopping    bool
	cred        relay.Credential
	channelName string
	runCtx      context.Context
	runCancel   context.CancelFunc
	queue       *relay.OutboundQueue
	publisher   *relay.Publisher
	dispatcher  *command.Dispatcher
	sm          *session.StateMachine
	ice         []webrtc.ICEServer
	relayUp     bool
	relayTries  int
	retryTimer  session.Timer
}

func New(cfg Config) *Orchestrator {
	newTimer := cfg.NewTimer
	if newTimer == nil {
		newTimer = func(d time.Duration, f func()) session.Timer {
			return time.AfterFunc(d, f)
		}
	}
	kind := cfg.StreamKind
	if kind == "" {
		kind = model.StreamAudioVideo
	}
	o := &Orchestrator{
		logger: cfg.Logger.With().
			Str("component", "orchestrator").
			Str("role", string(cfg.Role)).Logger(),
		role:          cfg.Role,
		channel:       cfg.Channel,
		engine:        cfg.Engine,
		renderer:      cfg.Renderer,
		camera:        cfg.Camera,
		kind:          kind,
		static:        cfg.ICEServers,
		iceURL:        cfg.ICEConfigURL,
		reconnect:     cfg.Reconnect,
		newPeer:       cfg.NewPeer,
		newTimer:      newTimer,
		drainDly:      cfg.DrainDelay,
		queueOpts:     cfg.QueueOptions,
		states:        make(chan session.State, defaultStreamBuffer),
		confirmations: make(chan model.ControlConfirmation, defaultStreamBuffer),

		// Subscribed once for the orchestrator's lifetime; per-start
		// loops share the same streams.
		msgs:        cfg.Channel.Subscribe(),
		relayStates: cfg.Channel.States(),
	}
	return o
}

// States streams session connection-state changes for the UI.
func (o *Orchestrator) States() <-chan session.State {
	return o.states
}

// Confirmations streams control confirmations received from the producer.
func (o *Orchestrator) Confirmations() <-chan model.ControlConfirmation {
	return o.confirmations
}

// Start connects the relay channel (retrying per the reconnect policy)
// and kicks off a media session for the given device.
func (o *Orchestrator) Start(ctx context.Context, cred relay.Credential, deviceID string) error {
	servers := o.resolveICEServers(ctx)

	o.mu.Lock()
	if o.started {
		o.logger.Info().Msg("start while active, tearing down previous session")
		o.teardownLocked()
	}
	runCtx, cancel := context.WithCancel(context.Background())
	o.runCtx, o.runCancel = runCtx, cancel
	o.cred = cred
	o.channelName = model.ChannelName(deviceID)
	o.ice = servers
	o.queue = relay.NewOutboundQueue(o.queueOpts...)
	o.publisher = relay.NewPublisher(relay.PublisherConfig{
		Logger:     &o.logger,
		Channel:    o.channel,
		Queue:      o.queue,
		DrainDelay: o.drainDly,
	})
	if o.role == model.RoleProducer {
		o.dispatcher = command.NewDispatcher(command.Config{
			Logger:  &o.logger,
			Engine:  o.engine,
			Camera:  o.camera,
			Confirm: o.publishConfirmation,
			Actions: command.Actions{
				StartStream: o.startStreamAction,
				StopSession: o.stopSessionAction,
			},
		})
	}
	o.started = true
	if err := o.startSessionLocked(o.kind); err != nil {
		o.teardownLocked()
		o.mu.Unlock()
		return err
	}
	channelName := o.channelName
	o.mu.Unlock()

	connect := func() error {
		return o.channel.Connect(ctx, cred, channelName)
	}
	if err := backoff.Retry(connect, o.reconnect.Backoff(ctx)); err != nil {
		o.mu.Lock()
		if o.sm != nil {
			o.sm.Fail()
		}
		o.teardownLocked()
		o.mu.Unlock()
		return errors.Join(ErrSignalingConnect, err)
	}

	// The connect attempts above already emitted their state events;
	// flush them so the loop does not arm retries for failures that were
	// retried before success.
	o.flushRelayStates()

	o.mu.Lock()
	o.relayUp = true
	sm, pub := o.sm, o.publisher
	o.mu.Unlock()

	pub.DrainIfConnected(runCtx)
	if sm != nil {
		if err := sm.SignalingReady(runCtx); err != nil {
			o.logger.Error().Err(err).Msg("failed to start negotiation")
		}
	}

	go o.loop(runCtx)
	return nil
}

// Stop sends a best-effort farewell over the channel, then tears down
// local resources unconditionally. Local cleanup never depends on network
// success.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return nil
	}
	o.stopping = true
	o.mu.Unlock()

	var farewell model.SignalMessage
	if o.role == model.RoleViewer {
		farewell = model.NewControlCommand(o.role, model.ControlCommand{
			Name:     string(command.KindStop),
			IssuedAt: time.Now(),
		})
	} else {
		farewell = model.NewControlConfirmation(model.ControlConfirmation{
			Name:      string(command.KindStop),
			Status:    model.StatusSuccess,
			Detail:    model.DetailProducerTeardown,
			Timestamp: time.Now(),
		})
	}
	if err := o.channel.Publish(ctx, farewell); err != nil {
		o.logger.Debug().Err(err).Msg("farewell not delivered")
	}

	o.mu.Lock()
	o.teardownLocked()
	o.mu.Unlock()
	return nil
}

// SendControlCommand publishes a control command to the producer. Viewer
// role only.
func (o *Orchestrator) SendControlCommand(ctx context.Context, name string, payload any) error {
	if o.role != model.RoleViewer {
		return ErrNotViewer
	}
	o.mu.Lock()
	started, pub := o.started, o.publisher
	o.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		raw = b
	}
	return pub.Publish(ctx, model.NewControlCommand(o.role, model.ControlCommand{
		Name:     name,
		Payload:  raw,
		IssuedAt: time.Now(),
	}))
}

// SessionState returns the state of the current media session, or
// StateClosed when none exists.
func (o *Orchestrator) SessionState() session.State {
	o.mu.Lock()
	sm := o.sm
	o.mu.Unlock()
	if sm == nil {
		return session.StateClosed
	}
	return sm.State()
}

func (o *Orchestrator) resolveICEServers(ctx context.Context) []webrtc.ICEServer {
	servers, err := icecfg.Fetch(ctx, o.iceURL, o.static)
	if err != nil {
		o.logger.Warn().Err(err).Msg("ice config fetch failed, using static servers")
		return o.static
	}
	return servers
}

// startSessionLocked creates a fresh state machine. A previous session, if
// any, must already be closed; closed sessions are discarded, never
// resurrected.
func (o *Orchestrator) startSessionLocked(kind model.StreamKind) error {
	sm := session.New(session.Config{
		Logger:     &o.logger,
		Role:       o.role,
		Publisher:  o.publisher,
		StreamKind: kind,
		Engine:     o.engine,
		Renderer:   o.renderer,
		Camera:     o.camera,
		ICEServers: o.ice,
		Reconnect:  o.reconnect,
		NewPeer:    o.newPeer,
		NewTimer:   o.newTimer,
	})
	sm.OnStateChange(o.pushState)
	o.sm = sm

	if o.relayUp {
		return sm.SignalingReady(o.runCtx)
	}
	sm.SignalingConnecting()
	return nil
}

func (o *Orchestrator) closeSessionLocked() {
	if o.sm != nil {
		o.sm.Close()
		o.sm = nil
	}
	if o.queue != nil {
		o.queue.Purge()
	}
}

func (o *Orchestrator) teardownLocked() {
	if o.retryTimer != nil {
		o.retryTimer.Stop()
		o.retryTimer = nil
	}
	if o.runCancel != nil {
		o.runCancel()
		o.runCancel = nil
	}
	o.closeSessionLocked()
	_ = o.channel.Disconnect()
	o.dispatcher = nil
	o.started = false
	o.stopping = false
	o.relayUp = false
	o.relayTries = 0
}

func (o *Orchestrator) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-o.relayStates:
			o.handleRelayState(ctx, st)
		case msg := <-o.msgs:
			o.handleMessage(ctx, msg)
		}
	}
}

func (o *Orchestrator) handleRelayState(ctx context.Context, st relay.State) {
	o.logger.Debug().Str("relayState", st.Status.String()).Msg("relay state changed")

	switch st.Status {
	case relay.StatusConnected:
		o.mu.Lock()
		o.relayTries = 0
		if o.retryTimer != nil {
			o.retryTimer.Stop()
			o.retryTimer = nil
		}
		if o.relayUp {
			o.mu.Unlock()
			return
		}
		o.relayUp = true
		sm, pub := o.sm, o.publisher
		o.mu.Unlock()

		// Exactly one drain per transition into connected, before any
		// new application-level sends.
		pub.DrainIfConnected(ctx)
		if sm != nil {
			if err := sm.SignalingReady(ctx); err != nil {
				o.logger.Error().Err(err).Msg("failed to resume negotiation")
			}
		}

	case relay.StatusDisconnected, relay.StatusFailed:
		o.mu.Lock()
		o.relayUp = false
		if !o.started || o.stopping || o.retryTimer != nil {
			o.mu.Unlock()
			return
		}
		o.relayTries++
		if !o.reconnect.ShouldRetry(o.relayTries) {
			sm := o.sm
			o.mu.Unlock()
			o.logger.Error().Int("attempts", o.relayTries-1).Msg("relay reconnect attempts exhausted")
			if sm != nil {
				sm.Fail()
			}
			o.mu.Lock()
			o.teardownLocked()
			o.mu.Unlock()
			return
		}
		delay := o.reconnect.NextDelay(o.relayTries)
		o.logger.Info().
			Int("attempt", o.relayTries).
			Dur("delay", delay).
			Msg("scheduling relay reconnect")
		o.retryTimer = o.newTimer(delay, o.reconnectRelay)
		o.mu.Unlock()

	case relay.StatusConnecting:
	}
}

func (o *Orchestrator) reconnectRelay() {
	o.mu.Lock()
	if !o.started || o.stopping {
		o.mu.Unlock()
		return
	}
	o.retryTimer = nil
	ctx, cred, name := o.runCtx, o.cred, o.channelName
	o.mu.Unlock()

	// Failure emits another failed state event, which schedules the next
	// attempt or gives up per the policy.
	if err := o.channel.Connect(ctx, cred, name); err != nil {
		o.logger.Warn().Err(err).Msg("relay reconnect attempt failed")
	}
}

func (o *Orchestrator) handleMessage(ctx context.Context, msg model.SignalMessage) {
	if msg.FromSelf(o.role) {
		return
	}
	o.mu.Lock()
	sm, dispatcher := o.sm, o.dispatcher
	o.mu.Unlock()

	switch msg.Type {
	case model.TypeControlCommand:
		if o.role != model.RoleProducer || dispatcher == nil || msg.Command == nil {
			return
		}
		dispatcher.OnCommand(ctx, *msg.Command)

	case model.TypeControlConfirmation:
		if o.role != model.RoleViewer || msg.Confirmation == nil {
			return
		}
		o.pushConfirmation(*msg.Confirmation)
		if msg.Confirmation.Name == string(command.KindStop) {
			// Producer went away; no point keeping the session around.
			o.mu.Lock()
			o.closeSessionLocked()
			o.mu.Unlock()
		}

	default:
		if msg.Type == model.TypeOffer && o.role == model.RoleViewer {
			// Renegotiation after a stop: the relay stayed up but the
			// session is gone, so a fresh offer needs a fresh session to
			// answer from.
			o.mu.Lock()
			if o.started && !o.stopping && (o.sm == nil || o.sm.State().Terminal()) {
				if err := o.startSessionLocked(o.kind); err != nil {
					o.logger.Error().Err(err).Msg("failed to start session for incoming offer")
				}
			}
			sm = o.sm
			o.mu.Unlock()
		}
		if sm != nil {
			sm.HandleSignal(ctx, msg)
		}
	}
}

// startStreamAction serves a remote start-stream command after a previous
// session ended; the relay channel stays connected between sessions.
func (o *Orchestrator) startStreamAction(_ context.Context, kind model.StreamKind) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.started {
		return ErrNotStarted
	}
	if o.sm != nil && !o.sm.State().Terminal() {
		return media.ErrAlreadyStreaming
	}
	return o.startSessionLocked(kind)
}

// stopSessionAction serves a remote stop command: the media session goes
// away, the relay stays up so later commands still reach the producer.
func (o *Orchestrator) stopSessionAction() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closeSessionLocked()
}

func (o *Orchestrator) publishConfirmation(conf model.ControlConfirmation) {
	o.mu.Lock()
	pub, ctx := o.publisher, o.runCtx
	o.mu.Unlock()
	if pub == nil || ctx == nil {
		return
	}
	if err := pub.Publish(ctx, model.NewControlConfirmation(conf)); err != nil {
		o.logger.Error().Err(err).Str("name", conf.Name).Msg("failed to publish confirmation")
	}
}

func (o *Orchestrator) pushState(st session.State) {
	select {
	case o.states <- st:
	default:
		o.logger.Warn().Str("state", st.String()).Msg("state stream full, drop")
	}
}

func (o *Orchestrator) pushConfirmation(conf model.ControlConfirmation) {
	select {
	case o.confirmations <- conf:
	default:
		o.logger.Warn().Str("name", conf.Name).Msg("confirmation stream full, drop")
	}
}

// flushRelayStates discards state events emitted by the initial connect
// attempts, up to and including the Connected transition. Anything after
// that belongs to the loop: a drop right behind a successful connect must
// still arm a reconnect.
func (o *Orchestrator) flushRelayStates() {
	for {
		select {
		case st := <-o.relayStates:
			if st.Status == relay.StatusConnected {
				return
			}
		default:
			return
		}
	}
}
