package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"lettershop/internal/condition"
)

const eventBuffer = 64

type transferState int

const (
	statePrepared transferState = iota
	stateExecuted
	stateRejected
	stateExpired
)

func (s transferState) String() string {
	switch s {
	case statePrepared:
		return "prepared"
	case stateExecuted:
		return "executed"
	case stateRejected:
		return "rejected"
	case stateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

type heldTransfer struct {
	transfer OutgoingTransfer
	cond     condition.Condition
	state    transferState
}

type delivery struct {
	to    *MemoryClient
	event Event
}

// MemoryLedger is an in-process ledger holding balances and conditional
// transfers. Funds of a prepared transfer are held until the receiver
// fulfills it, rejects it, or it expires.
type MemoryLedger struct {
	mu        sync.Mutex
	info      Info
	now       func() time.Time
	log       *zap.Logger
	balances  map[string]uint64
	transfers map[string]*heldTransfer
	clients   map[string]*MemoryClient
}

type MemoryOption func(*MemoryLedger)

// WithClock overrides the ledger's notion of the current time.
func WithClock(now func() time.Time) MemoryOption {
	return func(l *MemoryLedger) { l.now = now }
}

// WithLogger sets the logger dropped events are reported to.
func WithLogger(log *zap.Logger) MemoryOption {
	return func(l *MemoryLedger) { l.log = log }
}

func NewMemoryLedger(info Info, opts ...MemoryOption) *MemoryLedger {
	l := &MemoryLedger{
		info:      info,
		now:       time.Now,
		log:       zap.NewNop(),
		balances:  make(map[string]uint64),
		transfers: make(map[string]*heldTransfer),
		clients:   make(map[string]*MemoryClient),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CreateAccount opens an account under the ledger prefix and returns its
// full address.
func (l *MemoryLedger) CreateAccount(name string, balance uint64) string {
	addr := l.info.Prefix + name
	l.mu.Lock()
	l.balances[addr] = balance
	l.mu.Unlock()
	return addr
}

func (l *MemoryLedger) Balance(account string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal, ok := l.balances[account]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAccount, account)
	}
	return bal, nil
}

// TransferState reports prepared, executed, rejected or expired.
func (l *MemoryLedger) TransferState(id string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	held, ok := l.transfers[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTransfer, id)
	}
	return held.state.String(), nil
}

// NewClient returns a plugin bound to account. The account must exist by
// the time Connect is called.
func (l *MemoryLedger) NewClient(account string) *MemoryClient {
	return &MemoryClient{ledger: l, account: account}
}

// ExpireTransfers rolls back every prepared transfer whose expiry has
// passed and notifies the senders. It returns the number of transfers
// rolled back.
func (l *MemoryLedger) ExpireTransfers() int {
	l.mu.Lock()
	now := l.now()
	var out []delivery
	expired := 0
	for id, held := range l.transfers {
		if held.state != statePrepared || now.Before(held.transfer.ExpiresAt) {
			continue
		}
		out = append(out, l.expireLocked(id, held)...)
		expired++
	}
	l.mu.Unlock()
	l.deliver(out)
	return expired
}

// RunExpiry calls ExpireTransfers every interval until ctx is done.
func (l *MemoryLedger) RunExpiry(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.ExpireTransfers()
		}
	}
}

func (l *MemoryLedger) expireLocked(id string, held *heldTransfer) []delivery {
	held.state = stateExpired
	l.balances[held.transfer.From] += held.transfer.Amount
	return l.notifyLocked(held.transfer.From, Event{Kind: EventOutgoingCancel, TransferID: id})
}

func (l *MemoryLedger) notifyLocked(account string, ev Event) []delivery {
	c, ok := l.clients[account]
	if !ok {
		return nil
	}
	return []delivery{{to: c, event: ev}}
}

// deliver must be called without l.mu held.
func (l *MemoryLedger) deliver(out []delivery) {
	for _, d := range out {
		d.to.deliver(d.event)
	}
}

func (l *MemoryLedger) attach(c *MemoryClient) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.balances[c.account]; !ok {
		return fmt.Errorf("%w: %w: %s", ErrConnection, ErrUnknownAccount, c.account)
	}
	l.clients[c.account] = c
	return nil
}

func (l *MemoryLedger) detach(c *MemoryClient) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.clients[c.account] == c {
		delete(l.clients, c.account)
	}
}

func (l *MemoryLedger) prepare(from string, t OutgoingTransfer) error {
	if t.ID == "" {
		return fmt.Errorf("transfer id is required")
	}
	cond, err := condition.ParseCondition(t.ExecutionCondition)
	if err != nil {
		return err
	}
	if t.From == "" {
		t.From = from
	}
	if t.From != from {
		return fmt.Errorf("transfer from %s sent by %s", t.From, from)
	}

	l.mu.Lock()
	if _, dup := l.transfers[t.ID]; dup {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateID, t.ID)
	}
	if !l.now().Before(t.ExpiresAt) {
		l.mu.Unlock()
		return ErrTransferExpired
	}
	if _, ok := l.balances[t.To]; !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownAccount, t.To)
	}
	if l.balances[from] < t.Amount {
		l.mu.Unlock()
		return ErrInsufficientFund
	}
	l.balances[from] -= t.Amount
	l.transfers[t.ID] = &heldTransfer{transfer: t, cond: cond, state: statePrepared}

	out := l.notifyLocked(t.To, Event{
		Kind:       EventIncomingPrepare,
		TransferID: t.ID,
		Transfer: IncomingTransfer{
			ID:                 t.ID,
			From:               t.From,
			To:                 t.To,
			Ledger:             l.info.Prefix,
			Amount:             t.Amount,
			ExecutionCondition: t.ExecutionCondition,
			Payload:            append([]byte(nil), t.Payload...),
			ExpiresAt:          t.ExpiresAt,
		},
	})
	l.mu.Unlock()
	l.deliver(out)
	return nil
}

// heldForReceiver returns a prepared transfer addressed to receiver.
// Expired transfers are rolled back on the way and reported as such.
func (l *MemoryLedger) heldForReceiver(id, receiver string) (*heldTransfer, []delivery, error) {
	held, ok := l.transfers[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownTransfer, id)
	}
	if held.transfer.To != receiver {
		return nil, nil, ErrNotReceiver
	}
	if held.state != statePrepared {
		return nil, nil, fmt.Errorf("%w: %s", ErrTransferSettled, held.state)
	}
	if !l.now().Before(held.transfer.ExpiresAt) {
		return nil, l.expireLocked(id, held), ErrTransferExpired
	}
	return held, nil, nil
}

func (l *MemoryLedger) fulfill(receiver, id, fulfillment string) error {
	f, err := condition.ParseFulfillment(fulfillment)
	if err != nil {
		return err
	}

	l.mu.Lock()
	held, out, err := l.heldForReceiver(id, receiver)
	if err != nil {
		l.mu.Unlock()
		l.deliver(out)
		return err
	}
	if !condition.Verify(f, held.cond) {
		l.mu.Unlock()
		return ErrWrongFulfillment
	}
	held.state = stateExecuted
	l.balances[receiver] += held.transfer.Amount
	out = l.notifyLocked(held.transfer.From, Event{
		Kind:        EventOutgoingFulfill,
		TransferID:  id,
		Fulfillment: fulfillment,
	})
	l.mu.Unlock()
	l.deliver(out)
	return nil
}

func (l *MemoryLedger) reject(receiver, id string, reason RejectReason) error {
	l.mu.Lock()
	held, out, err := l.heldForReceiver(id, receiver)
	if err != nil {
		l.mu.Unlock()
		l.deliver(out)
		return err
	}
	held.state = stateRejected
	l.balances[held.transfer.From] += held.transfer.Amount
	r := reason
	out = l.notifyLocked(held.transfer.From, Event{
		Kind:       EventOutgoingReject,
		TransferID: id,
		Reason:     &r,
	})
	l.mu.Unlock()
	l.deliver(out)
	return nil
}

// MemoryClient is a Client connected to a MemoryLedger account. Events are
// buffered per client; once a client stops reading and its buffer is full,
// further events for it are dropped and counted instead of stalling the
// account that triggered them.
type MemoryClient struct {
	ledger  *MemoryLedger
	account string

	mu        sync.Mutex
	connected bool
	events    chan Event
	dropped   uint64
}

var _ Client = (*MemoryClient)(nil)

func (c *MemoryClient) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}
	if err := c.ledger.attach(c); err != nil {
		return err
	}
	c.events = make(chan Event, eventBuffer)
	c.connected = true
	return nil
}

func (c *MemoryClient) Disconnect() error {
	c.ledger.detach(c)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	c.connected = false
	close(c.events)
	return nil
}

func (c *MemoryClient) Info() Info {
	return c.ledger.info
}

func (c *MemoryClient) Account() string {
	return c.account
}

func (c *MemoryClient) Events() <-chan Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events
}

func (c *MemoryClient) SendTransfer(ctx context.Context, t OutgoingTransfer) error {
	if err := c.ready(ctx); err != nil {
		return err
	}
	return c.ledger.prepare(c.account, t)
}

func (c *MemoryClient) FulfillCondition(ctx context.Context, transferID, fulfillment string) error {
	if err := c.ready(ctx); err != nil {
		return err
	}
	return c.ledger.fulfill(c.account, transferID, fulfillment)
}

func (c *MemoryClient) RejectIncomingTransfer(ctx context.Context, transferID string, reason RejectReason) error {
	if err := c.ready(ctx); err != nil {
		return err
	}
	return c.ledger.reject(c.account, transferID, reason)
}

func (c *MemoryClient) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}
	return nil
}

// Dropped reports how many events were lost to a full buffer.
func (c *MemoryClient) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

func (c *MemoryClient) deliver(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.dropped++
		c.ledger.log.Warn("event buffer full, dropping ledger event",
			zap.String("account", c.account),
			zap.Stringer("kind", ev.Kind),
			zap.String("transfer_id", ev.TransferID),
		)
	}
}
