package session

// State of one media session attempt.
type State uint8

const (
	StateIdle State = iota
	StateSignalingConnecting
	StateOfferSent
	StateAwaitingOffer
	StateAnswerExchanged
	StateIceNegotiating
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSignalingConnecting:
		return "signaling-connecting"
	case StateOfferSent:
		return "offer-sent"
	case StateAwaitingOffer:
		return "awaiting-offer"
	case StateAnswerExchanged:
		return "answer-exchanged"
	case StateIceNegotiating:
		return "ice-negotiating"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Terminal reports whether the session object is inert and must be
// discarded. A new start creates a brand-new session instead of
// resurrecting a closed one.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateClosed
}
