// Package memory provides an in-process relay hub. Two channels attached
// to the same hub exchange signaling without any network, which is what
// tests and the single-process loopback demo use.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/adwski/camlink/model"
	"github.com/adwski/camlink/relay"
)

var errConnectRefused = errors.New("memory hub refused connect")

// Hub routes published messages to every channel attached under the same
// channel name, including the publisher itself. That mirrors the delivery
// model of real relays, so echo suppression gets exercised in tests too.
type Hub struct {
	mu           sync.Mutex
	channels     map[string][]*Channel
	failConnects int
}

func NewHub() *Hub {
	return &Hub{
		channels: make(map[string][]*Channel),
	}
}

// NewChannel returns a client handle attached to nothing yet.
func (h *Hub) NewChannel(logger *zerolog.Logger) *Channel {
	return &Channel{
		hub:    h,
		logger: logger.With().Str("component", "memory-relay").Logger(),
		subs:   relay.NewSubscriberSet(logger),
		states: relay.NewStateNotifier(),
	}
}

// FailNextConnects makes the next n Connect calls fail. Test hook for
// retry-policy coverage.
func (h *Hub) FailNextConnects(n int) {
	h.mu.Lock()
	h.failConnects = n
	h.mu.Unlock()
}

// Drop forcibly detaches every member of the named channel, emulating a
// relay-side outage. Members observe StatusDisconnected.
func (h *Hub) Drop(channelName string) {
	h.mu.Lock()
	members := h.channels[channelName]
	delete(h.channels, channelName)
	h.mu.Unlock()

	for _, ch := range members {
		ch.dropped()
	}
}

func (h *Hub) attach(name string, ch *Channel) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failConnects > 0 {
		h.failConnects--
		return errConnectRefused
	}
	h.channels[name] = append(h.channels[name], ch)
	return nil
}

func (h *Hub) detach(name string, ch *Channel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.channels[name]
	for i, member := range members {
		if member == ch {
			h.channels[name] = append(members[:i], members[i+1:]...)
			return
		}
	}
}

func (h *Hub) broadcast(name string, msg model.SignalMessage) {
	h.mu.Lock()
	members := append([]*Channel(nil), h.channels[name]...)
	h.mu.Unlock()

	for _, member := range members {
		member.subs.Deliver(msg)
	}
}

// Channel is the client handle implementing relay.Channel.
type Channel struct {
	hub    *Hub
	logger zerolog.Logger
	subs   *relay.SubscriberSet
	states *relay.StateNotifier

	mu        sync.Mutex
	name      string
	connected bool
}

var _ relay.Channel = (*Channel)(nil)

func (c *Channel) Connect(_ context.Context, _ relay.Credential, channelName string) error {
	c.mu.Lock()
	if c.connected {
		if c.name == channelName {
			c.mu.Unlock()
			c.states.Set(c.states.Last())
			return nil
		}
		c.disconnectLocked()
	}
	c.mu.Unlock()

	c.states.Set(relay.State{Status: relay.StatusConnecting})
	if err := c.hub.attach(channelName, c); err != nil {
		c.states.Set(relay.State{Status: relay.StatusFailed, Err: err})
		return err
	}

	c.mu.Lock()
	c.name = channelName
	c.connected = true
	c.mu.Unlock()

	c.states.Set(relay.State{Status: relay.StatusConnected})
	c.logger.Debug().Str("channel", channelName).Msg("attached to hub")
	return nil
}

func (c *Channel) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectLocked()
	return nil
}

func (c *Channel) disconnectLocked() {
	if !c.connected {
		return
	}
	c.hub.detach(c.name, c)
	c.connected = false
	c.states.Set(relay.State{Status: relay.StatusDisconnected})
}

func (c *Channel) dropped() {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.mu.Unlock()
	if wasConnected {
		c.states.Set(relay.State{Status: relay.StatusDisconnected})
	}
}

func (c *Channel) Publish(_ context.Context, msg model.SignalMessage) error {
	c.mu.Lock()
	connected, name := c.connected, c.name
	c.mu.Unlock()
	if !connected {
		return relay.ErrNotConnected
	}
	c.hub.broadcast(name, msg)
	return nil
}

func (c *Channel) Subscribe(types ...model.MessageType) <-chan model.SignalMessage {
	return c.subs.Subscribe(types...)
}

func (c *Channel) States() <-chan relay.State {
	return c.states.C()
}
