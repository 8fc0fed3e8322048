// Package buyer pays a hash-locked offer and waits for the seller to
// reveal the fulfillment.
package buyer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lettershop/internal/condition"
	"lettershop/internal/ledger"
)

// DefaultWindow is how long a payment stays payable. It has to cover the
// seller's processing latency.
const DefaultWindow = 1000 * time.Second

var (
	ErrPaymentRejected = errors.New("payment rejected")
	ErrPaymentExpired  = errors.New("payment expired without fulfillment")
	ErrBadFulfillment  = errors.New("fulfillment does not match condition")
)

type PaymentRequest struct {
	Destination string
	Amount      uint64
	Condition   string
}

// Receipt is proof of a completed purchase.
type Receipt struct {
	TransferID  string
	Account     string
	Destination string
	Amount      uint64
	Ledger      ledger.Info
	Fulfillment condition.Fulfillment
}

// RetrievalURL is where the purchased resource can be fetched from a
// shop served at base.
func (r Receipt) RetrievalURL(base string) string {
	return strings.TrimRight(base, "/") + "/" + r.Fulfillment.String()
}

// RejectedError carries the seller's rejection envelope.
type RejectedError struct {
	TransferID string
	Reason     ledger.RejectReason
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("transfer %s rejected: %s", e.TransferID, e.Reason.Error())
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrPaymentRejected
}

type Service struct {
	client ledger.Client
	window time.Duration
	log    *zap.Logger
	now    func() time.Time
	newID  func() string
}

type Option func(*Service)

func WithWindow(d time.Duration) Option {
	return func(s *Service) { s.window = d }
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Service) { s.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(client ledger.Client, opts ...Option) *Service {
	s := &Service{
		client: client,
		window: DefaultWindow,
		log:    zap.NewNop(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Pay sends one conditional transfer and blocks until it is fulfilled,
// rejected or expired. The ledger connection is opened and closed here.
func (s *Service) Pay(ctx context.Context, req PaymentRequest) (Receipt, error) {
	cond, err := condition.ParseCondition(req.Condition)
	if err != nil {
		return Receipt{}, fmt.Errorf("condition: %w", err)
	}
	if req.Destination == "" {
		return Receipt{}, errors.New("destination account is required")
	}
	if req.Amount == 0 {
		return Receipt{}, errors.New("amount must be positive")
	}

	if err := s.client.Connect(ctx); err != nil {
		return Receipt{}, fmt.Errorf("connect: %w", err)
	}
	defer func() {
		if err := s.client.Disconnect(); err != nil {
			s.log.Warn("ledger disconnect", zap.Error(err))
		}
	}()

	info := s.client.Info()
	account := s.client.Account()
	s.log.Info("connected to ledger",
		zap.String("prefix", info.Prefix),
		zap.String("account", account),
		zap.String("currency", info.CurrencyCode),
		zap.Int("scale", info.CurrencyScale),
	)

	t := ledger.OutgoingTransfer{
		ID:                 s.newID(),
		From:               account,
		To:                 req.Destination,
		Ledger:             info.Prefix,
		Amount:             req.Amount,
		ExecutionCondition: cond.String(),
		Payload: ledger.MarshalPaymentPacket(ledger.PaymentPacket{
			Amount:  req.Amount,
			Account: req.Destination,
		}),
		ExpiresAt: s.now().Add(s.window),
	}
	log := s.log.With(zap.String("transfer_id", t.ID), zap.String("condition", t.ExecutionCondition))

	events := s.client.Events()
	if err := s.client.SendTransfer(ctx, t); err != nil {
		return Receipt{}, fmt.Errorf("send transfer: %w", err)
	}
	log.Info("sent conditional transfer",
		zap.String("to", t.To),
		zap.String("amount", info.FormatAmount(t.Amount)),
		zap.Time("expires_at", t.ExpiresAt),
	)

	f, err := s.await(ctx, log, events, t.ID, cond, t.ExpiresAt)
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{
		TransferID:  t.ID,
		Account:     account,
		Destination: req.Destination,
		Amount:      req.Amount,
		Ledger:      info,
		Fulfillment: f,
	}, nil
}

func (s *Service) await(ctx context.Context, log *zap.Logger, events <-chan ledger.Event, id string, cond condition.Condition, expiresAt time.Time) (condition.Fulfillment, error) {
	timer := time.NewTimer(expiresAt.Sub(s.now()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return condition.Fulfillment{}, ctx.Err()
		case <-timer.C:
			log.Warn("no fulfillment before expiry")
			return condition.Fulfillment{}, ErrPaymentExpired
		case ev, ok := <-events:
			if !ok {
				return condition.Fulfillment{}, fmt.Errorf("%w: event stream closed", ledger.ErrNotConnected)
			}
			if ev.TransferID != id {
				continue
			}
			switch ev.Kind {
			case ledger.EventOutgoingFulfill:
				f, err := condition.ParseFulfillment(ev.Fulfillment)
				if err != nil {
					return condition.Fulfillment{}, fmt.Errorf("%w: %v", ErrBadFulfillment, err)
				}
				if !condition.Verify(f, cond) {
					return condition.Fulfillment{}, ErrBadFulfillment
				}
				log.Info("transfer fulfilled")
				return f, nil
			case ledger.EventOutgoingReject:
				rej := &RejectedError{TransferID: id}
				if ev.Reason != nil {
					rej.Reason = *ev.Reason
				}
				log.Warn("transfer rejected", zap.String("code", rej.Reason.Code), zap.String("message", rej.Reason.Message))
				return condition.Fulfillment{}, rej
			case ledger.EventOutgoingCancel:
				log.Warn("transfer expired on the ledger")
				return condition.Fulfillment{}, ErrPaymentExpired
			}
		}
	}
}
