package lifecycle

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"topup/internal/apperr"
	"topup/internal/audit"
	"topup/internal/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store *Store
	repo  *MemoryRepository
	sink  *audit.MemorySink
	bus   *events.Bus
	clock *clock
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	catalog := NewMemoryCatalog()
	catalog.AddProduct(Product{ID: 1, SKU: "RD-CHIP", Name: "Royal Dreams Chip", Active: true})
	catalog.AddProduct(Product{ID: 2, SKU: "OLD", Name: "Retired", Active: false})
	catalog.AddTier(Tier{ID: 10, ProductID: 1, Label: "1B", Qty: 1, Price: 65000, Active: true})
	catalog.AddTier(Tier{ID: 11, ProductID: 1, Label: "2B", Qty: 1, Price: 120000, Active: false})

	repo := NewMemoryRepository()
	sink := audit.NewMemorySink()
	bus := events.NewBus(nil)
	clk := &clock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}

	store := NewStore(repo, catalog, bus, audit.NewRecorder(sink, nil), Config{InvoiceTTL: 20 * time.Minute}, nil)
	store.SetClock(clk.Now)

	return &fixture{store: store, repo: repo, sink: sink, bus: bus, clock: clk}
}

func (f *fixture) order(t *testing.T) *Order {
	t.Helper()
	o, err := f.store.CreateOrder(context.Background(), OrderSpec{ProductID: 1, TierID: 10, Contact: "0812-3456-789"})
	require.NoError(t, err)
	return o
}

func TestCreateOrder(t *testing.T) {
	f := newFixture(t)

	o := f.order(t)

	assert.Regexp(t, `^RD20240501[0-9A-F]{10}$`, o.OrderID)
	assert.Len(t, o.InvoiceToken, 36)
	assert.Equal(t, int64(65000), o.GrossAmount)
	assert.Equal(t, PayPending, o.PayStatus)
	assert.Equal(t, FulfillWaiting, o.FulfillStatus)
	assert.Equal(t, "628123456789", o.ChannelAddress)
	assert.Equal(t, "08123456789", o.ChannelAddressRaw)
	require.NotNil(t, o.PaymentDeadline)
	assert.Equal(t, f.clock.Now().Add(20*time.Minute), *o.PaymentDeadline)
	assert.Equal(t, []string{"ORDER_CREATED"}, f.sink.Actions(o.OrderID))
}

func TestCreateOrder_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := map[string]OrderSpec{
		"inactive product": {ProductID: 2, TierID: 10, Contact: "08123"},
		"inactive tier":    {ProductID: 1, TierID: 11, Contact: "08123"},
		"unknown tier":     {ProductID: 1, TierID: 99, Contact: "08123"},
		"bad contact":      {ProductID: 1, TierID: 10, Contact: "n/a"},
	}
	for name, spec := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.store.CreateOrder(ctx, spec)
			assert.ErrorIs(t, err, apperr.ErrValidation)
		})
	}
}

func TestNormalizeContact(t *testing.T) {
	cases := []struct{ in, addr, raw string }{
		{"08123", "628123", "08123"},
		{"8123", "628123", "08123"},
		{"+62 812 3", "628123", "08123"},
		{"00123", "620123", "00123"},
		{"", "", ""},
	}
	for _, c := range cases {
		addr, raw := NormalizeContact(c.in)
		assert.Equal(t, c.addr, addr, c.in)
		assert.Equal(t, c.raw, raw, c.in)
	}
}

func TestAttachIntent_PublishesCreatedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.order(t)

	var created []events.OrderEvent
	events.Subscribe(f.bus, events.OrderCreated, func(e events.OrderEvent) { created = append(created, e) })

	_, err := f.store.AttachIntent(ctx, o.OrderID, "DEP-1")
	require.NoError(t, err)
	_, err = f.store.AttachIntent(ctx, o.OrderID, "DEP-1")
	require.NoError(t, err)
	_, err = f.store.AttachIntent(ctx, o.OrderID, "DEP-2")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	require.Len(t, created, 1)
	assert.Equal(t, o.InvoiceToken, created[0].InvoiceToken)

	byIntent, err := f.store.OrderByIntent(ctx, "DEP-1")
	require.NoError(t, err)
	assert.Equal(t, o.OrderID, byIntent.OrderID)
}

func TestMarkPaid_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.order(t)

	paid := 0
	events.Subscribe(f.bus, events.OrderPaid, func(events.OrderEvent) { paid++ })

	got, err := f.store.MarkPaid(ctx, o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, PayPaid, got.PayStatus)

	got, err = f.store.MarkPaid(ctx, o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, PayPaid, got.PayStatus)

	assert.Equal(t, 1, paid)
	assert.Equal(t, []string{"ORDER_CREATED", "PAYMENT_PAID"}, f.sink.Actions(o.OrderID))
}

func TestPayStatus_TerminalNeverLeft(t *testing.T) {
	ctx := context.Background()

	terminate := map[PayStatus]func(f *fixture, id string){
		PayPaid: func(f *fixture, id string) { _, _ = f.store.MarkPaid(ctx, id) },
		PayFailed: func(f *fixture, id string) {
			_, _ = f.store.MarkFailed(ctx, id, "refused")
		},
		PayCanceled: func(f *fixture, id string) { _, _ = f.store.Cancel(ctx, id, audit.System) },
		PayExpired: func(f *fixture, id string) {
			f.clock.Advance(21 * time.Minute)
			_, _, _ = f.store.Expire(ctx, id)
		},
	}

	for status, apply := range terminate {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture(t)
			o := f.order(t)
			apply(f, o.OrderID)

			_, _ = f.store.MarkPaid(ctx, o.OrderID)
			_, _ = f.store.MarkFailed(ctx, o.OrderID, "late")
			_, _ = f.store.Cancel(ctx, o.OrderID, audit.System)
			f.clock.Advance(time.Hour)
			_, changed, err := f.store.Expire(ctx, o.OrderID)
			require.NoError(t, err)
			assert.False(t, changed)

			got, err := f.store.Order(ctx, o.OrderID)
			require.NoError(t, err)
			assert.Equal(t, status, got.PayStatus)
		})
	}
}

func TestMarkPaid_AfterExpiryFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.order(t)

	f.clock.Advance(21 * time.Minute)
	_, changed, err := f.store.Expire(ctx, o.OrderID)
	require.NoError(t, err)
	require.True(t, changed)

	_, err = f.store.MarkPaid(ctx, o.OrderID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestExpire_BeforeDeadlineIsNoop(t *testing.T) {
	f := newFixture(t)
	o := f.order(t)

	f.clock.Advance(19 * time.Minute)
	got, changed, err := f.store.Expire(context.Background(), o.OrderID)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, PayPending, got.PayStatus)
}

func TestTransitionFulfillment_AllowedOnUnpaidOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.order(t)

	var updates []events.OrderEvent
	events.Subscribe(f.bus, events.OrderUpdated, func(e events.OrderEvent) { updates = append(updates, e) })

	got, err := f.store.TransitionFulfillment(ctx, o.OrderID, FulfillDone, "  sent 1B  ", audit.Admin("1"))
	require.NoError(t, err)
	assert.Equal(t, FulfillDone, got.FulfillStatus)
	assert.Equal(t, PayPending, got.PayStatus)
	assert.Equal(t, "sent 1B", got.Note)

	require.Len(t, updates, 1)
	assert.Equal(t, events.ReasonFulfillment, updates[0].Reason)
	assert.Equal(t, "done", updates[0].FulfillStatus)

	_, err = f.store.TransitionFulfillment(ctx, o.OrderID, "shipped", "", audit.Admin("1"))
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.store.TransitionFulfillment(ctx, "RD-missing", FulfillDone, "", audit.Admin("1"))
	assert.True(t, IsNotFound(err))
}

func TestCancel_OnlyPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.order(t)

	_, err := f.store.MarkPaid(ctx, o.OrderID)
	require.NoError(t, err)

	_, err = f.store.Cancel(ctx, o.OrderID, audit.System)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestExpirableOrders_OldestFirstAndBounded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, f.order(t).OrderID)
		f.clock.Advance(time.Minute)
	}
	f.clock.Advance(time.Hour)

	got, err := f.store.ExpirableOrders(ctx, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i := range got {
		assert.Equal(t, ids[i], got[i].OrderID)
	}
}

func TestConcurrentMutationsAreSerialized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.order(t)

	paid := 0
	var mu sync.Mutex
	events.Subscribe(f.bus, events.OrderPaid, func(events.OrderEvent) {
		mu.Lock()
		paid++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = f.store.MarkPaid(ctx, o.OrderID)
		}()
		go func() {
			defer wg.Done()
			_, _ = f.store.TransitionFulfillment(ctx, o.OrderID, FulfillProcessing, "", audit.Admin("1"))
		}()
	}
	wg.Wait()

	got, err := f.store.Order(ctx, o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, PayPaid, got.PayStatus)
	assert.Equal(t, FulfillProcessing, got.FulfillStatus)
	assert.Equal(t, 1, paid)
	assert.Equal(t, 0, f.store.locks.size())
}

func TestCatalog_ListsActiveOnly(t *testing.T) {
	f := newFixture(t)
	listings, err := f.store.Catalog(context.Background())
	require.NoError(t, err)

	require.Len(t, listings, 1)
	assert.Equal(t, "Royal Dreams Chip", listings[0].Product.Name)
	require.Len(t, listings[0].Tiers, 1)
	assert.Equal(t, "1B", listings[0].Tiers[0].Label)
}

func TestCatalog_CreateAndDeactivate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := audit.Admin("7")

	p, err := f.store.CreateProduct(ctx, ProductSpec{SKU: " MLBB ", Name: "Diamonds"}, admin)
	require.NoError(t, err)
	assert.Equal(t, "MLBB", p.SKU)
	assert.Greater(t, p.ID, int64(11))

	_, err = f.store.CreateProduct(ctx, ProductSpec{SKU: "MLBB", Name: "Again"}, admin)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	tier, err := f.store.CreateTier(ctx, p.ID, TierSpec{Label: "86", Price: 20000}, admin)
	require.NoError(t, err)
	assert.Equal(t, 1, tier.Qty)

	_, err = f.store.CreateTier(ctx, 999, TierSpec{Label: "x", Price: 1}, admin)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.store.CreateTier(ctx, p.ID, TierSpec{Label: "free"}, admin)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	listings, err := f.store.Catalog(ctx)
	require.NoError(t, err)
	require.Len(t, listings, 2)

	_, err = f.store.CreateOrder(ctx, OrderSpec{ProductID: p.ID, TierID: tier.ID, Contact: "08123456789"})
	require.NoError(t, err)

	require.NoError(t, f.store.DeactivateTier(ctx, tier.ID, admin))
	_, err = f.store.CreateOrder(ctx, OrderSpec{ProductID: p.ID, TierID: tier.ID, Contact: "08123456789"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	listings, err = f.store.Catalog(ctx)
	require.NoError(t, err)
	require.Len(t, listings, 1)
	assert.Equal(t, "Royal Dreams Chip", listings[0].Product.Name)

	require.NoError(t, f.store.DeactivateProduct(ctx, 1, admin))
	listings, err = f.store.Catalog(ctx)
	require.NoError(t, err)
	assert.Empty(t, listings)

	assert.ErrorIs(t, f.store.DeactivateTier(ctx, 404, admin), apperr.ErrNotFound)
	assert.Equal(t, []string{"PRODUCT_DELETE"}, f.sink.Actions("1"))
	assert.Equal(t, []string{"PRODUCT_CREATE"}, f.sink.Actions(strconv.FormatInt(p.ID, 10)))
}
