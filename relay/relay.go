// Package relay defines the reconnectable publish/subscribe channel both
// roles use to exchange signaling messages, plus the outbound queue and
// retry policy that keep signaling alive while the relay is unreachable.
package relay

import (
	"context"
	"errors"

	"github.com/adwski/camlink/model"
)

var ErrNotConnected = errors.New("relay channel is not connected")

// Status is the coarse connection state of a relay channel.
type Status uint8

const (
	StatusConnecting Status = iota + 1
	StatusConnected
	StatusDisconnected
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// State is one observed connection-state change. Err is set only for
// StatusFailed.
type State struct {
	Status Status
	Err    error
}

// Channel is a reconnectable pub/sub transport identified by a channel
// name. Implementations deliver published messages to every subscriber of
// the channel, including the publisher itself; echo suppression is the
// consumer's job (model.SignalMessage.FromSelf).
//
// Connect while already connected to the same channel is a no-op that
// re-delivers the current state. Connecting to a different channel first
// fully disconnects, so stale subscriptions never deliver into a new
// session.
//
// Publish returns ErrNotConnected while the channel is connecting or
// disconnected; queuing such messages is the Publisher's responsibility.
type Channel interface {
	Connect(ctx context.Context, cred Credential, channelName string) error
	Disconnect() error
	Publish(ctx context.Context, msg model.SignalMessage) error

	// Subscribe returns a stream of inbound messages filtered to the
	// given types (all types when none are given). Must be called before
	// Connect; subscriptions survive reconnects of the same channel.
	Subscribe(types ...model.MessageType) <-chan model.SignalMessage

	// States returns the connection-state stream. The channel is buffered;
	// a consumer that falls far behind may miss intermediate states but
	// always observes the latest one eventually.
	States() <-chan State
}
