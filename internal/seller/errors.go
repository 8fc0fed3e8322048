package seller

import (
	"errors"
	"fmt"
)

var (
	ErrAmountInsufficient = errors.New("amount insufficient")
	ErrUnknownCondition   = errors.New("unknown condition")
	ErrLedgerFulfillment  = errors.New("ledger refused fulfillment")
	ErrUnknownFulfillment = errors.New("unrecognised fulfillment")
)

// Reason classifies why an incoming transfer was not settled.
type Reason string

const (
	ReasonAmountInsufficient Reason = "AmountInsufficient"
	ReasonUnknownCondition   Reason = "UnknownCondition"
	ReasonLedgerFulfillment  Reason = "LedgerFulfillmentFailure"
)

// Interledger error codes used in rejection envelopes.
const (
	codeInsufficientAmount = "F04"
	nameInsufficientAmount = "Insufficient Destination Amount"
	codeWrongCondition     = "F05"
	nameWrongCondition     = "Wrong Condition"
)

func (r Reason) sentinel() error {
	switch r {
	case ReasonAmountInsufficient:
		return ErrAmountInsufficient
	case ReasonUnknownCondition:
		return ErrUnknownCondition
	case ReasonLedgerFulfillment:
		return ErrLedgerFulfillment
	default:
		return nil
	}
}

// RejectionError reports a transfer the seller did not settle. It matches
// the Reason's sentinel with errors.Is.
type RejectionError struct {
	Reason     Reason
	TransferID string
	Condition  string
	Amount     uint64
	Err        error
}

func (e *RejectionError) Error() string {
	msg := fmt.Sprintf("transfer %s rejected (%s): condition=%s amount=%d", e.TransferID, e.Reason, e.Condition, e.Amount)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RejectionError) Unwrap() []error {
	var errs []error
	if s := e.Reason.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}
