// Package escrow keeps the seller's offers: which condition was advertised
// for which price, the fulfillment behind it and the resource it unlocks.
package escrow

import (
	"errors"
	"time"

	"lettershop/internal/condition"
)

var (
	ErrNotFound          = errors.New("escrow not found")
	ErrAlreadySettled    = errors.New("escrow already settled")
	ErrOfferExpired      = errors.New("escrow offer expired")
	ErrConditionConflict = errors.New("condition already in use")
)

type State int

const (
	StatePending State = iota
	StateFulfilled
	StateRejected
	StateExpired
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateFulfilled:
		return "fulfilled"
	case StateRejected:
		return "rejected"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s != StatePending
}

// Escrow binds a condition/fulfillment pair to a price and a resource.
// Fulfillment must never leave the seller before payment is locked.
type Escrow struct {
	Condition   condition.Condition
	Fulfillment condition.Fulfillment
	Resource    string
	Price       uint64
	State       State
	TransferID  string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	SettledAt   time.Time
}

// Expired reports whether the offer can no longer be paid at now. A zero
// ExpiresAt never expires.
func (e Escrow) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}
