package ledger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lettershop/internal/condition"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestLedger(t *testing.T) (*MemoryLedger, *fakeClock, *MemoryClient, *MemoryClient) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := NewMemoryLedger(Info{Prefix: "test.shop.", CurrencyCode: "XRP", CurrencyScale: 6}, WithClock(clock.now))
	buyerAcct := l.CreateAccount("buyer", 100)
	shopAcct := l.CreateAccount("shop", 0)

	buyer := l.NewClient(buyerAcct)
	shop := l.NewClient(shopAcct)
	ctx := context.Background()
	require.NoError(t, buyer.Connect(ctx))
	require.NoError(t, shop.Connect(ctx))
	t.Cleanup(func() {
		_ = buyer.Disconnect()
		_ = shop.Disconnect()
	})
	return l, clock, buyer, shop
}

func nextEvent(t *testing.T, c *MemoryClient) Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ledger event")
		return Event{}
	}
}

func TestMemoryLedgerFulfill(t *testing.T) {
	l, clock, buyer, shop := newTestLedger(t)
	ctx := context.Background()
	f, c, err := condition.NewPair()
	require.NoError(t, err)

	err = buyer.SendTransfer(ctx, OutgoingTransfer{
		ID:                 "t-1",
		To:                 shop.Account(),
		Amount:             10,
		ExecutionCondition: c.String(),
		ExpiresAt:          clock.t.Add(time.Minute),
	})
	require.NoError(t, err)

	bal, _ := l.Balance(buyer.Account())
	assert.Equal(t, uint64(90), bal, "funds are held once prepared")

	ev := nextEvent(t, shop)
	require.Equal(t, EventIncomingPrepare, ev.Kind)
	assert.Equal(t, uint64(10), ev.Transfer.Amount)
	assert.Equal(t, c.String(), ev.Transfer.ExecutionCondition)

	require.NoError(t, shop.FulfillCondition(ctx, "t-1", f.String()))

	ev = nextEvent(t, buyer)
	require.Equal(t, EventOutgoingFulfill, ev.Kind)
	assert.Equal(t, f.String(), ev.Fulfillment)

	bal, _ = l.Balance(shop.Account())
	assert.Equal(t, uint64(10), bal)

	err = shop.FulfillCondition(ctx, "t-1", f.String())
	assert.ErrorIs(t, err, ErrTransferSettled)
}

func TestMemoryLedgerWrongFulfillment(t *testing.T) {
	_, clock, buyer, shop := newTestLedger(t)
	ctx := context.Background()
	_, c, _ := condition.NewPair()
	other, _ := condition.GenerateSecret()

	require.NoError(t, buyer.SendTransfer(ctx, OutgoingTransfer{
		ID: "t-2", To: shop.Account(), Amount: 10,
		ExecutionCondition: c.String(), ExpiresAt: clock.t.Add(time.Minute),
	}))
	nextEvent(t, shop)

	err := shop.FulfillCondition(ctx, "t-2", other.String())
	assert.ErrorIs(t, err, ErrWrongFulfillment)

	err = buyer.FulfillCondition(ctx, "t-2", other.String())
	assert.ErrorIs(t, err, ErrNotReceiver)
}

func TestMemoryLedgerReject(t *testing.T) {
	l, clock, buyer, shop := newTestLedger(t)
	ctx := context.Background()
	_, c, _ := condition.NewPair()

	require.NoError(t, buyer.SendTransfer(ctx, OutgoingTransfer{
		ID: "t-3", To: shop.Account(), Amount: 5,
		ExecutionCondition: c.String(), ExpiresAt: clock.t.Add(time.Minute),
	}))
	nextEvent(t, shop)

	reason := RejectReason{Code: "F04", Name: "Insufficient Destination Amount", TriggeredBy: shop.Account()}
	require.NoError(t, shop.RejectIncomingTransfer(ctx, "t-3", reason))

	ev := nextEvent(t, buyer)
	require.Equal(t, EventOutgoingReject, ev.Kind)
	require.NotNil(t, ev.Reason)
	assert.Equal(t, "F04", ev.Reason.Code)

	bal, _ := l.Balance(buyer.Account())
	assert.Equal(t, uint64(100), bal, "rejected funds are returned")
}

func TestMemoryLedgerExpiry(t *testing.T) {
	l, clock, buyer, shop := newTestLedger(t)
	ctx := context.Background()
	f, c, _ := condition.NewPair()

	require.NoError(t, buyer.SendTransfer(ctx, OutgoingTransfer{
		ID: "t-4", To: shop.Account(), Amount: 10,
		ExecutionCondition: c.String(), ExpiresAt: clock.t.Add(time.Minute),
	}))
	nextEvent(t, shop)

	clock.t = clock.t.Add(2 * time.Minute)
	err := shop.FulfillCondition(ctx, "t-4", f.String())
	assert.ErrorIs(t, err, ErrTransferExpired)

	ev := nextEvent(t, buyer)
	assert.Equal(t, EventOutgoingCancel, ev.Kind)
	state, _ := l.TransferState("t-4")
	assert.Equal(t, "expired", state)
	assert.Equal(t, 0, l.ExpireTransfers())
}

func TestMemoryLedgerSendValidation(t *testing.T) {
	_, clock, buyer, shop := newTestLedger(t)
	ctx := context.Background()
	_, c, _ := condition.NewPair()

	err := buyer.SendTransfer(ctx, OutgoingTransfer{
		ID: "t-5", To: shop.Account(), Amount: 1000,
		ExecutionCondition: c.String(), ExpiresAt: clock.t.Add(time.Minute),
	})
	assert.ErrorIs(t, err, ErrInsufficientFund)

	err = buyer.SendTransfer(ctx, OutgoingTransfer{
		ID: "t-6", To: "test.shop.nobody", Amount: 1,
		ExecutionCondition: c.String(), ExpiresAt: clock.t.Add(time.Minute),
	})
	assert.ErrorIs(t, err, ErrUnknownAccount)

	err = buyer.SendTransfer(ctx, OutgoingTransfer{
		ID: "t-7", To: shop.Account(), Amount: 1,
		ExecutionCondition: c.String(), ExpiresAt: clock.t,
	})
	assert.ErrorIs(t, err, ErrTransferExpired)

	err = buyer.SendTransfer(ctx, OutgoingTransfer{
		ID: "t-8", To: shop.Account(), Amount: 1,
		ExecutionCondition: "not-a-condition", ExpiresAt: clock.t.Add(time.Minute),
	})
	assert.Error(t, err)
}

func TestMemoryClientLifecycle(t *testing.T) {
	l := NewMemoryLedger(Info{Prefix: "test."})
	c := l.NewClient("test.ghost")
	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrConnection)

	acct := l.CreateAccount("ghost", 0)
	c = l.NewClient(acct)
	require.NoError(t, c.Connect(context.Background()))
	events := c.Events()
	require.NoError(t, c.Disconnect())
	_, open := <-events
	assert.False(t, open, "events channel is closed on disconnect")

	err = c.SendTransfer(context.Background(), OutgoingTransfer{})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestMemoryClientDropsWhenNotReading(t *testing.T) {
	l, clock, buyer, shop := newTestLedger(t)
	ctx := context.Background()
	_, c, err := condition.NewPair()
	require.NoError(t, err)

	// The shop never drains its events; the buyer must not stall.
	sends := eventBuffer + 3
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < sends; i++ {
			err := buyer.SendTransfer(ctx, OutgoingTransfer{
				ID:                 fmt.Sprintf("t-%d", i),
				To:                 shop.Account(),
				Amount:             1,
				ExecutionCondition: c.String(),
				ExpiresAt:          clock.t.Add(time.Minute),
			})
			assert.NoError(t, err)
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sender blocked on a full event buffer")
	}

	assert.Equal(t, uint64(3), shop.Dropped())
	assert.Len(t, shop.Events(), eventBuffer)
	first := nextEvent(t, shop)
	assert.Equal(t, "t-0", first.TransferID)

	bal, err := l.Balance(buyer.Account())
	require.NoError(t, err)
	assert.Equal(t, uint64(100-sends), bal)
}

func TestFormatAmount(t *testing.T) {
	cases := []struct {
		info Info
		in   uint64
		want string
	}{
		{Info{CurrencyScale: 6}, 10, "0.00001"},
		{Info{CurrencyScale: 6}, 1_000_000, "1"},
		{Info{CurrencyScale: 2}, 1050, "10.5"},
		{Info{CurrencyScale: 0}, 10, "10"},
		{Info{CurrencyScale: 9}, 0, "0"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.info.FormatAmount(tc.in))
	}
}
