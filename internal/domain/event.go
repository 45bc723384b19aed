package domain

import "math/big"

// Event types emitted by the settlement engine. These are the outward event
// surface consumed by indexers, the WebSocket hub, and notifiers; the engine
// itself never reads them back.
const (
	EventMarketCreated      = "market_created"
	EventStakeRecorded      = "stake_recorded"
	EventMarketResolved     = "market_resolved"
	EventClaimed            = "claimed"
	EventExpiredWithdrawal  = "expired_withdrawal"
	EventMarketExpired      = "market_expired"
	EventAwaitingResolution = "awaiting_resolution"
)

// Event is a single settlement event.
type Event struct {
	Type     string   `json:"type"`
	MarketID string   `json:"market_id"`
	Account  string   `json:"account,omitempty"`
	Outcome  string   `json:"outcome,omitempty"`
	Amount   *big.Int `json:"amount,omitempty"`
	At       int64    `json:"at"`
}

// Emitter receives events from the engine as they happen, before the
// enclosing operation returns.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter discards all events.
type NoopEmitter struct{}

func (NoopEmitter) Emit(Event) {}
