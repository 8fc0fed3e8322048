// Package seller issues escrows for letters and settles incoming
// conditional transfers against them.
package seller

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"lettershop/internal/condition"
	"lettershop/internal/escrow"
	"lettershop/internal/journal"
	"lettershop/internal/ledger"
)

const DefaultAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// Config holds the shop's selling terms. Price is in ledger base units.
type Config struct {
	Price    uint64
	Alphabet string
}

// Offer is what the shop advertises for one escrow. It never contains the
// fulfillment.
type Offer struct {
	Condition condition.Condition
	Price     uint64
	Account   string
	Ledger    ledger.Info
	ExpiresAt time.Time
}

// FormattedPrice renders the price in the ledger's currency unit.
func (o Offer) FormattedPrice() string {
	return o.Ledger.FormatAmount(o.Price)
}

// Status is the operator view of an escrow.
type Status struct {
	Condition  string    `json:"condition"`
	State      string    `json:"state"`
	Price      uint64    `json:"price"`
	TransferID string    `json:"transferId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt,omitempty"`
	SettledAt  time.Time `json:"settledAt,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Source     string    `json:"source"`
}

// Service owns the escrow store and reacts to ledger events for it.
type Service struct {
	cfg     Config
	ledger  ledger.Client
	store   *escrow.Store
	journal journal.Store
	metrics *Metrics
	log     *zap.Logger
	now     func() time.Time
}

type Option func(*Service)

func WithJournal(j journal.Store) Option {
	return func(s *Service) { s.journal = j }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Service) { s.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(cfg Config, client ledger.Client, store *escrow.Store, opts ...Option) *Service {
	if cfg.Alphabet == "" {
		cfg.Alphabet = DefaultAlphabet
	}
	s := &Service{
		cfg:    cfg,
		ledger: client,
		store:  store,
		log:    zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Price() uint64 {
	return s.cfg.Price
}

// Issue creates an escrow for a randomly chosen letter and returns the
// offer to advertise.
func (s *Service) Issue(_ context.Context) (Offer, error) {
	letter, err := s.pickLetter()
	if err != nil {
		return Offer{}, err
	}
	esc, err := s.store.Create(s.cfg.Price, letter)
	if err != nil {
		return Offer{}, fmt.Errorf("create escrow: %w", err)
	}
	s.metrics.incOffer()
	s.metrics.setEscrows(s.store.Stats())
	s.log.Debug("escrow issued, waiting for payment",
		zap.Stringer("condition", esc.Condition),
		zap.Uint64("price", esc.Price),
		zap.Time("expires_at", esc.ExpiresAt),
	)
	return Offer{
		Condition: esc.Condition,
		Price:     esc.Price,
		Account:   s.ledger.Account(),
		Ledger:    s.ledger.Info(),
		ExpiresAt: esc.ExpiresAt,
	}, nil
}

func (s *Service) pickLetter() (string, error) {
	letters := []rune(s.cfg.Alphabet)
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(letters))))
	if err != nil {
		return "", fmt.Errorf("pick letter: %w", err)
	}
	return string(letters[n.Int64()]), nil
}

// Resource returns the letter bound to the fulfillment in canonical text.
func (s *Service) Resource(fulfillment string) (string, error) {
	f, err := condition.ParseFulfillment(fulfillment)
	if err != nil {
		s.metrics.incRetrieval("not_found")
		return "", fmt.Errorf("%w: %v", ErrUnknownFulfillment, err)
	}
	letter, err := s.store.LookupResourceByFulfillment(f)
	if err != nil {
		s.metrics.incRetrieval("not_found")
		return "", ErrUnknownFulfillment
	}
	s.metrics.incRetrieval("found")
	return letter, nil
}

// HandleIncoming decides one incoming transfer. The amount is checked
// first, without touching the escrow table; then the condition is claimed
// and the fulfillment submitted to the ledger. Safe for concurrent use:
// a condition is released at most once.
func (s *Service) HandleIncoming(ctx context.Context, t ledger.IncomingTransfer) error {
	log := s.log.With(
		zap.String("transfer_id", t.ID),
		zap.String("condition", t.ExecutionCondition),
		zap.Uint64("amount", t.Amount),
	)
	info := s.ledger.Info()

	if t.Amount < s.cfg.Price {
		log.Debug("payment received for the wrong amount, rejecting")
		msg := fmt.Sprintf("Please send at least %s %s, you sent %s",
			info.FormatAmount(s.cfg.Price), info.CurrencyCode, info.FormatAmount(t.Amount))
		s.reject(ctx, log, t, codeInsufficientAmount, nameInsufficientAmount, msg)
		s.metrics.incTransfer("amount_insufficient")
		return &RejectionError{Reason: ReasonAmountInsufficient, TransferID: t.ID, Condition: t.ExecutionCondition, Amount: t.Amount}
	}

	esc, err := s.claim(t.ExecutionCondition)
	if err != nil {
		log.Debug("payment received with an unknown condition, rejecting", zap.Error(err))
		msg := fmt.Sprintf("Unable to fulfill the condition: %s", t.ExecutionCondition)
		s.reject(ctx, log, t, codeWrongCondition, nameWrongCondition, msg)
		s.metrics.incTransfer("unknown_condition")
		return &RejectionError{Reason: ReasonUnknownCondition, TransferID: t.ID, Condition: t.ExecutionCondition, Amount: t.Amount, Err: err}
	}

	log.Debug("accepted payment, fulfilling transfer on the ledger")
	if err := s.ledger.FulfillCondition(ctx, t.ID, esc.Fulfillment.String()); err != nil {
		if ctx.Err() != nil {
			// Shutting down: the offer stays payable.
			s.store.Release(esc.Condition)
			log.Warn("fulfillment interrupted, escrow released", zap.Error(err))
			s.metrics.incTransfer("interrupted")
			return fmt.Errorf("fulfill transfer %s: %w", t.ID, err)
		}
		log.Error("error fulfilling the transfer", zap.Error(err))
		if _, markErr := s.store.MarkRejected(esc.Condition); markErr != nil {
			log.Error("mark escrow rejected", zap.Error(markErr))
		}
		s.record(ctx, log, esc.Condition, t.ID, err.Error())
		s.metrics.incTransfer("ledger_failure")
		return &RejectionError{Reason: ReasonLedgerFulfillment, TransferID: t.ID, Condition: t.ExecutionCondition, Amount: t.Amount, Err: err}
	}

	if _, err := s.store.MarkFulfilled(esc.Condition, t.ID); err != nil {
		log.Error("mark escrow fulfilled", zap.Error(err))
	}
	s.record(ctx, log, esc.Condition, t.ID, "")
	s.metrics.incTransfer("fulfilled")
	log.Info("payment complete")
	return nil
}

func (s *Service) claim(conditionText string) (escrow.Escrow, error) {
	c, err := condition.ParseCondition(conditionText)
	if err != nil {
		return escrow.Escrow{}, err
	}
	return s.store.Claim(c)
}

func (s *Service) reject(ctx context.Context, log *zap.Logger, t ledger.IncomingTransfer, code, name, msg string) {
	reason := ledger.RejectReason{
		Code:           code,
		Name:           name,
		Message:        msg,
		TriggeredBy:    s.ledger.Account(),
		TriggeredAt:    s.now().UTC(),
		ForwardedBy:    []string{},
		AdditionalInfo: map[string]string{},
	}
	if err := s.ledger.RejectIncomingTransfer(ctx, t.ID, reason); err != nil {
		log.Error("reject incoming transfer", zap.String("code", code), zap.Error(err))
		s.metrics.incRejectCall("failed")
		return
	}
	s.metrics.incRejectCall("ok")
}

// record appends the escrow's terminal state to the journal.
func (s *Service) record(ctx context.Context, log *zap.Logger, c condition.Condition, transferID, reason string) {
	s.metrics.setEscrows(s.store.Stats())
	if s.journal == nil {
		return
	}
	esc, err := s.store.LookupByCondition(c)
	if err != nil {
		log.Error("journal lookup", zap.Error(err))
		return
	}
	rec := journal.Record{
		Condition:  c.String(),
		State:      esc.State.String(),
		Price:      esc.Price,
		TransferID: transferID,
		Reason:     reason,
		CreatedAt:  esc.CreatedAt,
		SettledAt:  esc.SettledAt,
	}
	if err := s.journal.Save(ctx, rec); err != nil {
		log.Error("journal save", zap.Error(err))
	}
}

// Run consumes ledger events until ctx is done or the ledger disconnects.
// It is the single consumer of the client's event channel.
func (s *Service) Run(ctx context.Context) error {
	events := s.ledger.Events()
	if events == nil {
		return ledger.ErrNotConnected
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.dispatch(ctx, ev)
		}
	}
}

func (s *Service) dispatch(ctx context.Context, ev ledger.Event) {
	switch ev.Kind {
	case ledger.EventIncomingPrepare:
		// Outcomes are logged and counted inside HandleIncoming.
		_ = s.HandleIncoming(ctx, ev.Transfer)
	default:
		s.log.Debug("ignoring ledger event", zap.Stringer("kind", ev.Kind), zap.String("transfer_id", ev.TransferID))
	}
}

// Sweep expires unpaid offers and archives settled escrows.
func (s *Service) Sweep(ctx context.Context) escrow.SweepResult {
	res := s.store.Sweep()
	for _, esc := range res.Expired {
		if s.journal == nil {
			break
		}
		rec := journal.Record{
			Condition: esc.Condition.String(),
			State:     esc.State.String(),
			Price:     esc.Price,
			Reason:    "offer expired unpaid",
			CreatedAt: esc.CreatedAt,
			SettledAt: esc.SettledAt,
		}
		if err := s.journal.Save(ctx, rec); err != nil {
			s.log.Error("journal save", zap.Stringer("condition", esc.Condition), zap.Error(err))
		}
	}
	s.metrics.addSwept("expired", len(res.Expired))
	s.metrics.addSwept("settled", len(res.Settled))
	s.metrics.setEscrows(s.store.Stats())
	if len(res.Expired)+len(res.Settled) > 0 {
		s.log.Debug("swept escrows", zap.Int("expired", len(res.Expired)), zap.Int("settled", len(res.Settled)))
	}
	return res
}

// SweepLoop calls Sweep every interval until ctx is done.
func (s *Service) SweepLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Status reports an escrow by condition text, falling back to the journal
// once it has left memory.
func (s *Service) Status(ctx context.Context, conditionText string) (Status, error) {
	c, err := condition.ParseCondition(conditionText)
	if err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrUnknownCondition, err)
	}
	esc, err := s.store.LookupByCondition(c)
	if err == nil {
		return Status{
			Condition:  esc.Condition.String(),
			State:      esc.State.String(),
			Price:      esc.Price,
			TransferID: esc.TransferID,
			CreatedAt:  esc.CreatedAt,
			ExpiresAt:  esc.ExpiresAt,
			SettledAt:  esc.SettledAt,
			Source:     "memory",
		}, nil
	}
	if !errors.Is(err, escrow.ErrNotFound) {
		return Status{}, err
	}
	if s.journal == nil {
		return Status{}, ErrUnknownCondition
	}
	rec, err := s.journal.Get(ctx, c.String())
	if err != nil {
		return Status{}, fmt.Errorf("journal lookup: %w", err)
	}
	if rec == nil {
		return Status{}, ErrUnknownCondition
	}
	return Status{
		Condition:  rec.Condition,
		State:      rec.State,
		Price:      rec.Price,
		TransferID: rec.TransferID,
		CreatedAt:  rec.CreatedAt,
		SettledAt:  rec.SettledAt,
		Reason:     rec.Reason,
		Source:     "journal",
	}, nil
}

// Stats reports the live escrow counts.
func (s *Service) Stats() escrow.Stats {
	return s.store.Stats()
}
