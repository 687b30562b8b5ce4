// Package hub fans signaling messages out to every subscriber of a relay
// channel. Delivery includes the publisher's own connection: peers rely on
// sender-role tags for echo suppression, and testing that path against a
// relay that hides echoes would mask bugs.
package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/adwski/camlink/model"
)

const defaultFwdTimeout = time.Second

// Wire is a subscriber's pair of message streams: RX carries messages the
// subscriber published, TX carries messages the hub forwards to it.
type Wire struct {
	RX chan model.SignalMessage
	TX chan model.SignalMessage
}

func NewWire() Wire {
	return Wire{
		RX: make(chan model.SignalMessage),
		TX: make(chan model.SignalMessage),
	}
}

type Hub struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	fwd    map[string]map[string]Wire
}

func NewHub(logger *zerolog.Logger) *Hub {
	return &Hub{
		logger: logger.With().Str("component", "hub").Logger(),
		mx:     &sync.RWMutex{},
		fwd:    make(map[string]map[string]Wire),
	}
}

func (h *Hub) Disconnect(channelName, clientID string) error {
	h.mx.Lock()
	defer func() {
		h.mx.Unlock()
		h.logger.Debug().
			Str("channel", channelName).
			Str("clientID", clientID).
			Msg("subscriber disconnected")
	}()

	subs, ok := h.fwd[channelName]
	if ok {
		delete(subs, clientID)
		if len(subs) == 0 {
			delete(h.fwd, channelName)
		}
	}
	return nil
}

func (h *Hub) Connect(ctx context.Context, channelName, clientID string, wire Wire) error {
	h.mx.Lock()
	defer func() {
		h.mx.Unlock()
		h.logger.Debug().
			Str("channel", channelName).
			Str("clientID", clientID).
			Msg("subscriber connected")
		go h.forwardMessages(ctx, channelName, clientID, wire.RX)
	}()

	subs, ok := h.fwd[channelName]
	if !ok {
		subs = make(map[string]Wire)
	}
	subs[clientID] = wire
	h.fwd[channelName] = subs
	return nil
}

func (h *Hub) forwardMessages(ctx context.Context, channelName, clientID string, rx <-chan model.SignalMessage) {
fwdLoop:
	for {
		select {
		case <-ctx.Done():
			break fwdLoop
		case msg := <-rx:
			if !h.broadcast(ctx, channelName, msg) {
				h.logger.Debug().
					Str("channel", channelName).
					Str("clientID", clientID).
					Msg("incoming message was dropped, nowhere to forward")
			}
		}
	}
}

// broadcast delivers msg to every subscriber of the channel, publisher
// included. Subscribers are served concurrently: one subscriber that is
// not reading its TX must not hold the rest of the channel behind the
// forward timeout. Per-publisher ordering still holds: broadcast returns
// only after every delivery attempt resolved.
func (h *Hub) broadcast(ctx context.Context, channelName string, msg model.SignalMessage) bool {
	logger := h.logger.With().
		Str("channel", channelName).
		Str("type", string(msg.Type)).Logger()

	h.mx.RLock()
	subs := make(map[string]Wire, len(h.fwd[channelName]))
	for id, wire := range h.fwd[channelName] {
		subs[id] = wire
	}
	h.mx.RUnlock()

	var (
		wg   sync.WaitGroup
		sent atomic.Bool
	)
	for dst, wire := range subs {
		wg.Add(1)
		go func(dst string, tx chan<- model.SignalMessage) {
			defer wg.Done()
			if send(ctx, msg, dst, tx, &logger) {
				sent.Store(true)
			}
		}(dst, wire.TX)
	}
	wg.Wait()
	return sent.Load()
}

func send(ctx context.Context, msg model.SignalMessage, dst string, tx chan<- model.SignalMessage, logger *zerolog.Logger) bool {
	tCh := time.NewTimer(defaultFwdTimeout)
	defer tCh.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-tCh.C:
		logger.Error().Str("dst", dst).Msg("dead subscriber")
		return false
	case tx <- msg:
		logger.Debug().Str("dst", dst).Msg("message forwarded")
		return true
	}
}
