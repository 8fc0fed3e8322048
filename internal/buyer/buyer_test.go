package buyer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lettershop/internal/condition"
	"lettershop/internal/ledger"
)

type harness struct {
	ledger *ledger.MemoryLedger
	buyer  *ledger.MemoryClient
	shop   *ledger.MemoryClient
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	l := ledger.NewMemoryLedger(ledger.Info{Prefix: "test.shop.", CurrencyCode: "XRP", CurrencyScale: 6})
	h := &harness{
		ledger: l,
		buyer:  l.NewClient(l.CreateAccount("buyer", 100)),
		shop:   l.NewClient(l.CreateAccount("shop", 0)),
	}
	require.NoError(t, h.shop.Connect(context.Background()))
	t.Cleanup(func() { _ = h.shop.Disconnect() })
	return h
}

// respond answers the first incoming transfer on the shop side.
func (h *harness) respond(t *testing.T, answer func(ledger.IncomingTransfer)) <-chan ledger.IncomingTransfer {
	t.Helper()
	seen := make(chan ledger.IncomingTransfer, 1)
	go func() {
		for ev := range h.shop.Events() {
			if ev.Kind != ledger.EventIncomingPrepare {
				continue
			}
			seen <- ev.Transfer
			answer(ev.Transfer)
			return
		}
	}()
	return seen
}

func TestPayFulfilled(t *testing.T) {
	h := newHarness(t)
	f, c, err := condition.NewPair()
	require.NoError(t, err)

	ctx := context.Background()
	seen := h.respond(t, func(in ledger.IncomingTransfer) {
		_ = h.shop.FulfillCondition(ctx, in.ID, f.String())
	})

	start := time.Now()
	svc := New(h.buyer)
	receipt, err := svc.Pay(ctx, PaymentRequest{Destination: h.shop.Account(), Amount: 10, Condition: c.String()})
	require.NoError(t, err)
	assert.Equal(t, f, receipt.Fulfillment)
	assert.Equal(t, "http://localhost:8000/"+f.String(), receipt.RetrievalURL("http://localhost:8000/"))
	assert.Equal(t, "test.shop.buyer", receipt.Account)

	in := <-seen
	assert.Equal(t, receipt.TransferID, in.ID)
	assert.Equal(t, uint64(10), in.Amount)
	assert.Equal(t, "test.shop.", in.Ledger)
	assert.WithinDuration(t, start.Add(DefaultWindow), in.ExpiresAt, 5*time.Second)

	pkt, err := ledger.UnmarshalPaymentPacket(in.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), pkt.Amount)
	assert.Equal(t, h.shop.Account(), pkt.Account)

	bal, err := h.ledger.Balance(h.shop.Account())
	require.NoError(t, err)
	assert.Equal(t, uint64(10), bal)
}

func TestPayRejected(t *testing.T) {
	h := newHarness(t)
	_, c, err := condition.NewPair()
	require.NoError(t, err)

	ctx := context.Background()
	h.respond(t, func(in ledger.IncomingTransfer) {
		_ = h.shop.RejectIncomingTransfer(ctx, in.ID, ledger.RejectReason{
			Code:    "F04",
			Name:    "Insufficient Destination Amount",
			Message: "Please send at least 0.00002 XRP, you sent 0.00001",
		})
	})

	_, err = New(h.buyer).Pay(ctx, PaymentRequest{Destination: h.shop.Account(), Amount: 10, Condition: c.String()})
	require.ErrorIs(t, err, ErrPaymentRejected)
	var rej *RejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "F04", rej.Reason.Code)

	bal, err := h.ledger.Balance(h.buyer.Account())
	require.NoError(t, err)
	assert.Equal(t, uint64(100), bal, "rejected funds are returned")
}

func TestPayTimesOutAtExpiry(t *testing.T) {
	h := newHarness(t)
	_, c, err := condition.NewPair()
	require.NoError(t, err)

	// The shop stays silent.
	svc := New(h.buyer, WithWindow(50*time.Millisecond))
	start := time.Now()
	_, err = svc.Pay(context.Background(), PaymentRequest{Destination: h.shop.Account(), Amount: 10, Condition: c.String()})
	require.ErrorIs(t, err, ErrPaymentExpired)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestPayCancelledByLedger(t *testing.T) {
	var mu sync.Mutex
	now := time.Now()
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	l := ledger.NewMemoryLedger(ledger.Info{Prefix: "test.shop.", CurrencyCode: "XRP", CurrencyScale: 6}, ledger.WithClock(clock))
	h := &harness{
		ledger: l,
		buyer:  l.NewClient(l.CreateAccount("buyer", 100)),
		shop:   l.NewClient(l.CreateAccount("shop", 0)),
	}
	require.NoError(t, h.shop.Connect(context.Background()))
	defer h.shop.Disconnect()

	_, c, err := condition.NewPair()
	require.NoError(t, err)
	h.respond(t, func(ledger.IncomingTransfer) {
		mu.Lock()
		now = now.Add(2 * time.Minute)
		mu.Unlock()
		h.ledger.ExpireTransfers()
	})

	svc := New(h.buyer, WithWindow(time.Minute))
	_, err = svc.Pay(context.Background(), PaymentRequest{Destination: h.shop.Account(), Amount: 10, Condition: c.String()})
	require.ErrorIs(t, err, ErrPaymentExpired)

	bal, err := l.Balance(h.buyer.Account())
	require.NoError(t, err)
	assert.Equal(t, uint64(100), bal)
}

func TestPayContextCancel(t *testing.T) {
	h := newHarness(t)
	_, c, err := condition.NewPair()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = New(h.buyer).Pay(ctx, PaymentRequest{Destination: h.shop.Account(), Amount: 10, Condition: c.String()})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPayWrongFulfillmentEvent(t *testing.T) {
	_, c, err := condition.NewPair()
	require.NoError(t, err)
	other, _, err := condition.NewPair()
	require.NoError(t, err)

	svc := New(nil)
	events := make(chan ledger.Event, 2)
	events <- ledger.Event{Kind: ledger.EventOutgoingFulfill, TransferID: "someone-else", Fulfillment: other.String()}
	events <- ledger.Event{Kind: ledger.EventOutgoingFulfill, TransferID: "t-1", Fulfillment: other.String()}

	_, err = svc.await(context.Background(), svc.log, events, "t-1", c, time.Now().Add(time.Second))
	assert.ErrorIs(t, err, ErrBadFulfillment)
}

func TestPayValidation(t *testing.T) {
	h := newHarness(t)
	_, c, err := condition.NewPair()
	require.NoError(t, err)
	svc := New(h.buyer)
	ctx := context.Background()

	_, err = svc.Pay(ctx, PaymentRequest{Destination: h.shop.Account(), Amount: 10, Condition: "bogus"})
	assert.ErrorIs(t, err, condition.ErrInvalidEncoding)
	_, err = svc.Pay(ctx, PaymentRequest{Amount: 10, Condition: c.String()})
	assert.Error(t, err)
	_, err = svc.Pay(ctx, PaymentRequest{Destination: h.shop.Account(), Condition: c.String()})
	assert.Error(t, err)
	_, err = svc.Pay(ctx, PaymentRequest{Destination: "test.shop.nobody", Amount: 10, Condition: c.String()})
	assert.ErrorIs(t, err, ledger.ErrUnknownAccount)
}
