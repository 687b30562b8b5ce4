package media

import "sync"

// CameraState remembers the last explicitly chosen camera and torch value
// for the lifetime of the process. A session restart re-applies this state
// instead of resetting the device to defaults, which the user would see as
// the camera flipping back or the torch going dark on every reconnect.
//
// The state is process-wide and single-writer: only the command dispatcher
// mutates it, under its own command-serialization guarantee. Everyone else
// reads snapshots.
type CameraState struct {
	mu               sync.Mutex
	selectedCameraID string
	torchOn          bool
}

func NewCameraState() *CameraState {
	return &CameraState{}
}

func (cs *CameraState) SetCamera(id string) {
	cs.mu.Lock()
	cs.selectedCameraID = id
	cs.mu.Unlock()
}

func (cs *CameraState) SetTorch(on bool) {
	cs.mu.Lock()
	cs.torchOn = on
	cs.mu.Unlock()
}

func (cs *CameraState) Snapshot() (cameraID string, torchOn bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.selectedCameraID, cs.torchOn
}

// Apply re-applies the remembered state to the engine. Called after local
// tracks are attached on a fresh session. Errors are returned for logging
// only; a missing flash on re-apply is not a session failure.
func (cs *CameraState) Apply(engine Engine) error {
	cameraID, torchOn := cs.Snapshot()
	if cameraID != "" {
		if err := engine.SwitchCamera(cameraID); err != nil {
			return err
		}
	}
	if torchOn {
		if err := engine.SetTorch(true); err != nil {
			return err
		}
	}
	return nil
}
