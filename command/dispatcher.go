// Package command receives inbound control commands on the producer side,
// deduplicates and serializes them, and triggers the side-effecting
// actions. At most one command is in flight; stop pre-empts everything.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adwski/camlink/media"
	"github.com/adwski/camlink/model"
)

// Kind classifies control commands. Commands of the same kind as the one
// currently executing are dropped; a different kind takes the single
// pending slot.
type Kind string

const (
	KindStartStream  Kind = "start-stream"
	KindSwitchCamera Kind = "switch-camera"
	KindToggleTorch  Kind = "toggle-torch"
	KindStop         Kind = "stop"
)

func (k Kind) valid() bool {
	switch k {
	case KindStartStream, KindSwitchCamera, KindToggleTorch, KindStop:
		return true
	}
	return false
}

// defaultMaxCommandAge guards against the relay replaying commands from a
// previous connection epoch. Stale commands are dropped without a
// confirmation.
const defaultMaxCommandAge = 30 * time.Second

const detailInternalError = "internal_error"

// Actions are the session-level effects the dispatcher triggers but does
// not implement.
type Actions struct {
	// StartStream begins producing media of the given kind.
	StartStream func(ctx context.Context, kind model.StreamKind) error

	// StopSession tears down the active session unconditionally.
	StopSession func()
}

type Config struct {
	Logger *zerolog.Logger
	Engine media.Engine
	Camera *media.CameraState

	// Confirm emits exactly one confirmation per executed command,
	// usually through the relay publisher.
	Confirm func(model.ControlConfirmation)

	Actions Actions

	MaxCommandAge time.Duration    // 0 means default
	Now           func() time.Time // tests inject a clock
}

// Dispatcher serializes remote command execution. The dispatcher is the
// single writer of the process-wide CameraState.
type Dispatcher struct {
	logger  zerolog.Logger
	engine  media.Engine
	camera  *media.CameraState
	confirm func(model.ControlConfirmation)
	actions Actions
	maxAge  time.Duration
	now     func() time.Time

	mu        sync.Mutex
	executing Kind
	pending   *model.ControlCommand

	// gen increments on every stop; in-flight executions compare it
	// before confirming, so a superseded command never confirms.
	gen uint64
}

func NewDispatcher(cfg Config) *Dispatcher {
	maxAge := cfg.MaxCommandAge
	if maxAge == 0 {
		maxAge = defaultMaxCommandAge
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		logger:  cfg.Logger.With().Str("component", "dispatcher").Logger(),
		engine:  cfg.Engine,
		camera:  cfg.Camera,
		confirm: cfg.Confirm,
		actions: cfg.Actions,
		maxAge:  maxAge,
		now:     now,
	}
}

// OnCommand ingests one inbound control command. Never blocks: execution
// happens on a dispatcher-owned goroutine.
func (d *Dispatcher) OnCommand(ctx context.Context, cmd model.ControlCommand) {
	kind := Kind(cmd.Name)
	if !kind.valid() {
		d.logger.Warn().Str("name", cmd.Name).Msg("unknown command")
		d.emit(cmd.Name, model.StatusFailed, model.DetailUnknownCommand)
		return
	}

	if !cmd.IssuedAt.IsZero() && d.now().Sub(cmd.IssuedAt) > d.maxAge {
		d.logger.Warn().
			Str("name", cmd.Name).
			Time("issuedAt", cmd.IssuedAt).
			Msg("stale command dropped")
		return
	}

	if kind == KindStop {
		d.handleStop()
		return
	}

	d.mu.Lock()
	switch {
	case d.executing == kind:
		// Duplicate of the running command: dropped, not queued, and
		// not re-confirmed.
		d.mu.Unlock()
		d.logger.Debug().Str("name", cmd.Name).Msg("duplicate command dropped")
		return
	case d.executing != "":
		// One pending slot, last writer wins.
		executing := d.executing
		d.pending = &cmd
		d.mu.Unlock()
		d.logger.Debug().
			Str("name", cmd.Name).
			Str("executing", string(executing)).
			Msg("command parked as pending")
		return
	}
	d.executing = kind
	gen := d.gen
	d.mu.Unlock()

	go d.run(ctx, cmd, gen)
}

// handleStop clears all queued and executing command state atomically,
// tears the session down, confirms, and returns. Nothing else runs after
// a stop.
func (d *Dispatcher) handleStop() {
	d.mu.Lock()
	d.pending = nil
	d.executing = ""
	d.gen++
	d.mu.Unlock()

	d.logger.Info().Msg("stop command received, tearing down")
	if d.actions.StopSession != nil {
		d.actions.StopSession()
	}
	d.emit(string(KindStop), model.StatusSuccess, "")
}

func (d *Dispatcher) run(ctx context.Context, cmd model.ControlCommand, gen uint64) {
	err := d.execute(ctx, cmd)

	d.mu.Lock()
	if d.gen != gen {
		// Superseded by a stop while executing: no confirmation, no
		// pending chain.
		d.mu.Unlock()
		return
	}
	d.executing = ""
	next := d.pending
	d.pending = nil
	if next != nil {
		d.executing = Kind(next.Name)
	}
	d.mu.Unlock()

	if err != nil {
		d.logger.Error().Err(err).Str("name", cmd.Name).Msg("command failed")
		d.emit(cmd.Name, model.StatusFailed, detailFor(err))
	} else {
		d.emit(cmd.Name, model.StatusSuccess, "")
	}

	if next != nil {
		go d.run(ctx, *next, gen)
	}
}

func (d *Dispatcher) execute(ctx context.Context, cmd model.ControlCommand) error {
	switch Kind(cmd.Name) {
	case KindStartStream:
		return d.startStream(ctx, cmd.Payload)
	case KindSwitchCamera:
		return d.switchCamera(cmd.Payload)
	case KindToggleTorch:
		return d.toggleTorch(cmd.Payload)
	}
	return errors.New("unreachable command kind")
}

func (d *Dispatcher) startStream(ctx context.Context, payload json.RawMessage) error {
	kind := model.StreamAudioVideo
	if len(payload) > 0 {
		var p model.StartStreamPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		if p.Kind != "" {
			kind = p.Kind
		}
	}
	return d.actions.StartStream(ctx, kind)
}

func (d *Dispatcher) switchCamera(payload json.RawMessage) error {
	var p model.SwitchCameraPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
	}

	targetID := p.CameraID
	if targetID == "" {
		id, err := d.nextCamera()
		if err != nil {
			return err
		}
		targetID = id
	}
	if err := d.engine.SwitchCamera(targetID); err != nil {
		return err
	}
	d.camera.SetCamera(targetID)
	return nil
}

// nextCamera cycles to the first camera that is not the currently
// selected one.
func (d *Dispatcher) nextCamera() (string, error) {
	cameras, err := d.engine.Cameras()
	if err != nil {
		return "", err
	}
	current, _ := d.camera.Snapshot()
	for _, cam := range cameras {
		if cam.ID != current {
			return cam.ID, nil
		}
	}
	return "", media.ErrNoBackCamera
}

func (d *Dispatcher) toggleTorch(payload json.RawMessage) error {
	var p model.ToggleTorchPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
	}

	_, torchOn := d.camera.Snapshot()
	target := !torchOn
	if p.On != nil {
		target = *p.On
	}
	if err := d.engine.SetTorch(target); err != nil {
		return err
	}
	d.camera.SetTorch(target)
	return nil
}

func (d *Dispatcher) emit(name string, status model.ConfirmationStatus, detail string) {
	if d.confirm == nil {
		return
	}
	d.confirm(model.ControlConfirmation{
		Name:      name,
		Status:    status,
		Detail:    detail,
		Timestamp: d.now(),
	})
}

// detailFor maps capability errors to the machine-readable detail codes
// the viewer renders. Capability failures are never retried automatically.
func detailFor(err error) string {
	switch {
	case errors.Is(err, media.ErrNoPermission):
		return model.DetailNoPermission
	case errors.Is(err, media.ErrNoBackCamera):
		return model.DetailNoBackCamera
	case errors.Is(err, media.ErrNoFlash):
		return model.DetailNoFlash
	case errors.Is(err, media.ErrAlreadyStreaming):
		return model.DetailAlreadyInProgress
	}
	return detailInternalError
}
