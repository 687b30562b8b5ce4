package relay

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/adwski/camlink/model"
)

const (
	defaultSubscriberBuffer = 32
	defaultStateBuffer      = 16
)

// SubscriberSet fans inbound messages out to type-filtered subscribers.
// Channel implementations embed one instead of re-implementing the
// Subscribe contract. Delivery is non-blocking: a subscriber that stopped
// reading loses messages (logged) rather than stalling the read loop.
type SubscriberSet struct {
	mu     sync.Mutex
	subs   []subscriber
	logger zerolog.Logger
}

type subscriber struct {
	types map[model.MessageType]struct{} // nil matches everything
	ch    chan model.SignalMessage
}

func NewSubscriberSet(logger *zerolog.Logger) *SubscriberSet {
	return &SubscriberSet{
		logger: logger.With().Str("component", "subscribers").Logger(),
	}
}

func (ss *SubscriberSet) Subscribe(types ...model.MessageType) <-chan model.SignalMessage {
	sub := subscriber{
		ch: make(chan model.SignalMessage, defaultSubscriberBuffer),
	}
	if len(types) > 0 {
		sub.types = make(map[model.MessageType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	ss.mu.Lock()
	ss.subs = append(ss.subs, sub)
	ss.mu.Unlock()
	return sub.ch
}

func (ss *SubscriberSet) Deliver(msg model.SignalMessage) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	for _, sub := range ss.subs {
		if sub.types != nil {
			if _, ok := sub.types[msg.Type]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- msg:
		default:
			ss.logger.Warn().
				Str("type", string(msg.Type)).
				Msg("subscriber is not reading, message dropped")
		}
	}
}

// Close closes every subscriber stream. Called once at final channel
// teardown; subscriptions survive reconnects of the same channel.
func (ss *SubscriberSet) Close() {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	for _, sub := range ss.subs {
		close(sub.ch)
	}
	ss.subs = nil
}

// StateNotifier publishes connection-state changes to a single buffered
// stream and remembers the last state so a re-Connect on an already
// connected channel can re-deliver it.
type StateNotifier struct {
	mu   sync.Mutex
	last State
	ch   chan State
}

func NewStateNotifier() *StateNotifier {
	return &StateNotifier{
		ch: make(chan State, defaultStateBuffer),
	}
}

func (sn *StateNotifier) C() <-chan State {
	return sn.ch
}

func (sn *StateNotifier) Last() State {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	return sn.last
}

// Set records and publishes a state change. The send never blocks: when
// the buffer is full the oldest entry is dropped so the stream always
// converges on the latest state.
func (sn *StateNotifier) Set(st State) {
	sn.mu.Lock()
	sn.last = st
	for {
		select {
		case sn.ch <- st:
			sn.mu.Unlock()
			return
		default:
			select {
			case <-sn.ch:
			default:
			}
		}
	}
}
