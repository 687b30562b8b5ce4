package model

import (
	"encoding/json"
	"time"
)

// Role of a peer in a media session. The producer captures and sends media
// and is always the offering side; the viewer receives media and issues
// control commands.
type Role string

const (
	RoleProducer Role = "PRODUCER"
	RoleViewer   Role = "VIEWER"
)

// StreamKind selects which local tracks the producer attaches.
type StreamKind string

const (
	StreamAudioOnly  StreamKind = "audio"
	StreamAudioVideo StreamKind = "audio-video"
)

// MessageType discriminates SignalMessage payloads on the wire.
type MessageType string

const (
	TypeOffer               MessageType = "OFFER"
	TypeAnswer              MessageType = "ANSWER"
	TypeIceCandidate        MessageType = "ICE_CANDIDATE"
	TypeControlCommand      MessageType = "CONTROL_COMMAND"
	TypeControlConfirmation MessageType = "CONTROL_CONFIRMATION"
)

// SignalMessage is the only entity exchanged over the relay channel.
// Every message except a control confirmation carries the sender's role;
// the relay delivers to all channel subscribers including the sender, so
// receivers drop messages tagged with their own role.
type SignalMessage struct {
	Type       MessageType `json:"type"`
	SenderRole Role        `json:"sender_role,omitempty"`

	// SDP carries the session description for OFFER/ANSWER, and the
	// candidate string for ICE_CANDIDATE.
	SDP           string `json:"sdp,omitempty"`
	SDPMid        string `json:"sdp_mid,omitempty"`
	SDPMLineIndex int    `json:"sdp_mline_index,omitempty"`

	Command      *ControlCommand      `json:"command,omitempty"`
	Confirmation *ControlConfirmation `json:"confirmation,omitempty"`
}

// FromSelf reports whether msg is an echo of the given role's own publish.
func (m SignalMessage) FromSelf(role Role) bool {
	return m.SenderRole != "" && m.SenderRole == role
}

func NewOffer(role Role, sdp string) SignalMessage {
	return SignalMessage{Type: TypeOffer, SenderRole: role, SDP: sdp}
}

func NewAnswer(role Role, sdp string) SignalMessage {
	return SignalMessage{Type: TypeAnswer, SenderRole: role, SDP: sdp}
}

func NewIceCandidate(role Role, candidate, sdpMid string, sdpMLineIndex int) SignalMessage {
	return SignalMessage{
		Type:          TypeIceCandidate,
		SenderRole:    role,
		SDP:           candidate,
		SDPMid:        sdpMid,
		SDPMLineIndex: sdpMLineIndex,
	}
}

func NewControlCommand(role Role, cmd ControlCommand) SignalMessage {
	return SignalMessage{Type: TypeControlCommand, SenderRole: role, Command: &cmd}
}

func NewControlConfirmation(conf ControlConfirmation) SignalMessage {
	return SignalMessage{Type: TypeControlConfirmation, Confirmation: &conf}
}

// ControlCommand is a small side-effecting instruction sent by the viewer.
type ControlCommand struct {
	Name     string          `json:"name"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	IssuedAt time.Time       `json:"issued_at"`
}

// ConfirmationStatus is the outcome of an executed control command.
type ConfirmationStatus string

const (
	StatusSuccess ConfirmationStatus = "SUCCESS"
	StatusFailed  ConfirmationStatus = "FAILED"
)

// Detail codes attached to failed confirmations so the viewer can render
// accurate feedback instead of guessing from timeouts.
const (
	DetailNoPermission      = "no_permission"
	DetailNoBackCamera      = "no_back_camera"
	DetailNoFlash           = "no_flash"
	DetailAlreadyInProgress = "already_in_progress"
	DetailUnknownCommand    = "unknown_command"
	DetailProducerTeardown  = "producer_teardown"
)

// ControlConfirmation reports the outcome of exactly one executed command.
type ControlConfirmation struct {
	Name      string             `json:"name"`
	Status    ConfirmationStatus `json:"status"`
	Detail    string             `json:"detail,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// StartStreamPayload is the payload of a start-stream command.
type StartStreamPayload struct {
	Kind StreamKind `json:"kind"`
}

// SwitchCameraPayload optionally pins the camera to switch to. With an
// empty ID the producer cycles to the next available camera.
type SwitchCameraPayload struct {
	CameraID string `json:"camera_id,omitempty"`
}

// ToggleTorchPayload optionally forces the torch state. Without an explicit
// value the producer flips the current one.
type ToggleTorchPayload struct {
	On *bool `json:"on,omitempty"`
}

const channelNameSuffix = "-v2"

// ChannelName derives the relay channel name from a shared device
// identifier. Both roles derive the same name without prior rendezvous.
func ChannelName(deviceID string) string {
	return deviceID + channelNameSuffix
}
