package storage

import (
	"context"
	"os"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"topup/internal/apperr"
	"topup/internal/audit"
	"topup/internal/lifecycle"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ lifecycle.Repository    = (*Store)(nil)
	_ lifecycle.Catalog       = (*Store)(nil)
	_ lifecycle.CatalogEditor = (*Store)(nil)
	_ audit.Sink              = (*Store)(nil)
	_ audit.Lister            = (*Store)(nil)
)

func TestMigrationsEmbedded(t *testing.T) {
	all, err := loadMigrations(migrationsFS)
	require.NoError(t, err)
	require.NotEmpty(t, all)

	var body strings.Builder
	for i, m := range all {
		if i > 0 {
			assert.Less(t, all[i-1].version, m.version)
		}
		body.WriteString(m.body)
	}
	for _, table := range []string{"orders", "withdrawals", "products", "product_tiers", "audit_logs", OutboxTable} {
		assert.Contains(t, body.String(), "CREATE TABLE IF NOT EXISTS "+table+" ", table)
	}
}

func TestLoadMigrations_SortsAndSkipsNonSQL(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/002_b.sql": {Data: []byte("B")},
		"migrations/001_a.sql": {Data: []byte("A")},
		"migrations/README.md": {Data: []byte("docs")},
		"migrations/old/x.sql": {Data: []byte("X")},
	}
	all, err := loadMigrations(fsys)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "001_a", all[0].version)
	assert.Equal(t, "B", all[1].body)
}

func TestPendingMigrations(t *testing.T) {
	all := []migration{{version: "001_a"}, {version: "002_b"}, {version: "003_c"}}

	assert.Equal(t, all, pendingMigrations(all, nil))
	assert.Equal(t, []migration{{version: "003_c"}}, pendingMigrations(all, []string{"001_a", "002_b"}))
	assert.Empty(t, pendingMigrations(all, []string{"001_a", "002_b", "003_c", "004_gone"}))
}

// openTestStore connects to TOPUP_TEST_DATABASE_URL or skips.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TOPUP_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TOPUP_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestStore_OrderRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	deadline := now.Add(-time.Minute)
	o := &lifecycle.Order{
		OrderID:           "T" + strings.ToUpper(uuid.NewString()[:12]),
		InvoiceToken:      uuid.NewString(),
		ProductID:         1,
		TierID:            1,
		ProductName:       "Chip",
		TierLabel:         "1B",
		ChannelAddress:    "628123",
		ChannelAddressRaw: "08123",
		Qty:               1,
		UnitPrice:         65000,
		GrossAmount:       65000,
		PayStatus:         lifecycle.PayPending,
		FulfillStatus:     lifecycle.FulfillWaiting,
		PaymentDeadline:   &deadline,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	require.NoError(t, s.InsertOrder(ctx, o))
	assert.ErrorIs(t, s.InsertOrder(ctx, o), apperr.ErrValidation)

	got, err := s.OrderByToken(ctx, o.InvoiceToken)
	require.NoError(t, err)
	assert.Equal(t, o.OrderID, got.OrderID)
	assert.Empty(t, got.GatewayIntentID)

	got.GatewayIntentID = "INT-" + o.OrderID
	require.NoError(t, s.UpdateOrder(ctx, got))
	byIntent, err := s.OrderByIntent(ctx, got.GatewayIntentID)
	require.NoError(t, err)
	assert.Equal(t, o.OrderID, byIntent.OrderID)

	expirable, err := s.ListExpirable(ctx, now, 1000)
	require.NoError(t, err)
	var found bool
	for _, e := range expirable {
		found = found || e.OrderID == o.OrderID
	}
	assert.True(t, found)

	_, err = s.OrderByID(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestStore_OutboxIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := uuid.NewString()
	require.NoError(t, s.InsertOutbox(ctx, id, "order.paid", []byte(`{"a":1}`)))
	require.NoError(t, s.InsertOutbox(ctx, id, "order.paid", []byte(`{"a":1}`)))

	var n int
	require.NoError(t, s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM event_outbox WHERE event_id = $1`, id).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestRunMigrations_RecordsVersions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, RunMigrations(ctx, s.pool))

	all, err := loadMigrations(migrationsFS)
	require.NoError(t, err)
	var n int
	require.NoError(t, s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&n))
	assert.Equal(t, len(all), n)
}

func TestStore_CatalogEdits(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sku := "T-" + uuid.NewString()[:8]
	p, err := s.CreateProduct(ctx, lifecycle.Product{SKU: sku, Name: "Test chip", Active: true})
	require.NoError(t, err)
	_, err = s.CreateProduct(ctx, lifecycle.Product{SKU: sku, Name: "Dup", Active: true})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	tier, err := s.CreateTier(ctx, lifecycle.Tier{ProductID: p.ID, Label: "1B", Qty: 1, Price: 65000, Active: true})
	require.NoError(t, err)
	_, _, err = s.Tier(ctx, p.ID, tier.ID)
	require.NoError(t, err)

	_, err = s.CreateTier(ctx, lifecycle.Tier{ProductID: -1, Label: "x", Qty: 1, Price: 1, Active: true})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	require.NoError(t, s.DeactivateTier(ctx, tier.ID))
	_, _, err = s.Tier(ctx, p.ID, tier.ID)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	require.NoError(t, s.DeactivateProduct(ctx, p.ID))
	assert.ErrorIs(t, s.DeactivateProduct(ctx, -1), apperr.ErrNotFound)
}

func TestStore_ListAudit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	target := "T" + uuid.NewString()[:8]
	base := time.Now().UTC().Truncate(time.Microsecond)
	for i, action := range []string{"INVOICE_CREATED", "PAYMENT_PAID"} {
		require.NoError(t, s.InsertAudit(ctx, audit.Entry{
			ID:        uuid.NewString(),
			Actor:     audit.ActorSystem,
			Action:    action,
			Target:    "order",
			TargetID:  target,
			Meta:      map[string]any{"n": i},
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}

	got, err := s.ListAudit(ctx, audit.Filter{TargetID: target})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "PAYMENT_PAID", got[0].Action)
	assert.Equal(t, float64(1), got[0].Meta["n"])

	got, err = s.ListAudit(ctx, audit.Filter{Target: "order", TargetID: target, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
