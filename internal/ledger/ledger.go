// Package ledger defines the connection a buyer or seller holds to the
// settlement ledger, together with the implementations shipped with the
// shop: an in-process MemoryLedger and an Ethereum HTLC client.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

var (
	ErrConnection       = errors.New("ledger connection failed")
	ErrNotConnected     = errors.New("ledger client not connected")
	ErrUnknownAccount   = errors.New("unknown account")
	ErrUnknownTransfer  = errors.New("unknown transfer")
	ErrInsufficientFund = errors.New("insufficient balance")
	ErrTransferExpired  = errors.New("transfer expired")
	ErrTransferSettled  = errors.New("transfer already settled")
	ErrWrongFulfillment = errors.New("fulfillment does not match condition")
	ErrNotReceiver      = errors.New("caller is not the transfer receiver")
	ErrDuplicateID      = errors.New("duplicate transfer id")
)

// Client abstracts the ledger plugin used by buyer and seller.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Info() Info
	Account() string
	SendTransfer(ctx context.Context, t OutgoingTransfer) error
	FulfillCondition(ctx context.Context, transferID, fulfillment string) error
	RejectIncomingTransfer(ctx context.Context, transferID string, reason RejectReason) error
	// Events is closed on Disconnect.
	Events() <-chan Event
}

// HealthChecker is implemented by clients that can check their backend.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Info describes the ledger the client is connected to.
type Info struct {
	Prefix        string
	CurrencyCode  string
	CurrencyScale int
}

// FormatAmount renders base units in the ledger's currency unit, e.g. 10
// base units on a scale 6 ledger is "0.00001". All amount comparisons are
// made in base units; this is the only place a scale is applied.
func (i Info) FormatAmount(base uint64) string {
	if i.CurrencyScale <= 0 {
		return new(big.Int).SetUint64(base).String()
	}
	denom := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(i.CurrencyScale)), nil)
	r := new(big.Rat).SetFrac(new(big.Int).SetUint64(base), denom)
	s := r.FloatString(i.CurrencyScale)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

// OutgoingTransfer is a conditional transfer submitted by the caller.
type OutgoingTransfer struct {
	ID                 string
	From               string
	To                 string
	Ledger             string
	Amount             uint64
	ExecutionCondition string
	Payload            []byte
	ExpiresAt          time.Time
}

// IncomingTransfer is a conditional transfer prepared towards the caller.
type IncomingTransfer struct {
	ID                 string
	From               string
	To                 string
	Ledger             string
	Amount             uint64
	ExecutionCondition string
	Payload            []byte
	ExpiresAt          time.Time
}

// RejectReason is the interledger style rejection envelope relayed back to
// the sender of a transfer.
type RejectReason struct {
	Code           string            `json:"code"`
	Name           string            `json:"name"`
	Message        string            `json:"message"`
	TriggeredBy    string            `json:"triggered_by"`
	TriggeredAt    time.Time         `json:"triggered_at"`
	ForwardedBy    []string          `json:"forwarded_by"`
	AdditionalInfo map[string]string `json:"additional_info"`
}

func (r RejectReason) Error() string {
	return fmt.Sprintf("%s %s: %s", r.Code, r.Name, r.Message)
}

type EventKind int

const (
	EventIncomingPrepare EventKind = iota + 1
	EventOutgoingFulfill
	EventOutgoingReject
	EventOutgoingCancel
)

func (k EventKind) String() string {
	switch k {
	case EventIncomingPrepare:
		return "incoming_prepare"
	case EventOutgoingFulfill:
		return "outgoing_fulfill"
	case EventOutgoingReject:
		return "outgoing_reject"
	case EventOutgoingCancel:
		return "outgoing_cancel"
	default:
		return "unknown"
	}
}

// Event is a transfer lifecycle notification. Transfer is set for
// incoming_prepare, Fulfillment for outgoing_fulfill and Reason for
// outgoing_reject.
type Event struct {
	Kind        EventKind
	TransferID  string
	Transfer    IncomingTransfer
	Fulfillment string
	Reason      *RejectReason
}
