package lifecycle

import (
	"context"
	"sort"
	"sync"
	"time"

	"topup/internal/apperr"
)

// Repository persists orders and withdrawals. Lookups of missing rows return
// an apperr.ErrNotFound error. Implementations do not serialize mutations;
// Store does.
type Repository interface {
	InsertOrder(ctx context.Context, o *Order) error
	UpdateOrder(ctx context.Context, o *Order) error
	OrderByID(ctx context.Context, orderID string) (*Order, error)
	OrderByToken(ctx context.Context, token string) (*Order, error)
	OrderByIntent(ctx context.Context, intentID string) (*Order, error)
	// ListExpirable returns pending orders whose deadline is before now,
	// oldest deadline first.
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]Order, error)
	OrderStats(ctx context.Context) (Stats, error)

	InsertWithdrawal(ctx context.Context, w *Withdrawal) error
	UpdateWithdrawal(ctx context.Context, w *Withdrawal) error
	WithdrawalByID(ctx context.Context, withdrawID string) (*Withdrawal, error)
}

// Catalog resolves the product and tier an order refers to.
type Catalog interface {
	Tier(ctx context.Context, productID, tierID int64) (Product, Tier, error)
	Listings(ctx context.Context) ([]Listing, error)
}

// CatalogEditor is a Catalog that operators can change. Deactivated products
// and tiers stay readable for the orders that refer to them.
type CatalogEditor interface {
	Catalog
	CreateProduct(ctx context.Context, p Product) (Product, error)
	DeactivateProduct(ctx context.Context, id int64) error
	CreateTier(ctx context.Context, t Tier) (Tier, error)
	DeactivateTier(ctx context.Context, id int64) error
}

type MemoryRepository struct {
	mu          sync.RWMutex
	orders      map[string]Order
	byToken     map[string]string
	byIntent    map[string]string
	withdrawals map[string]Withdrawal
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		orders:      make(map[string]Order),
		byToken:     make(map[string]string),
		byIntent:    make(map[string]string),
		withdrawals: make(map[string]Withdrawal),
	}
}

func (m *MemoryRepository) InsertOrder(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.OrderID]; ok {
		return apperr.Validation("order id already exists")
	}
	if _, ok := m.byToken[o.InvoiceToken]; ok {
		return apperr.Validation("invoice token already exists")
	}
	m.orders[o.OrderID] = *o
	m.byToken[o.InvoiceToken] = o.OrderID
	if o.GatewayIntentID != "" {
		m.byIntent[o.GatewayIntentID] = o.OrderID
	}
	return nil
}

func (m *MemoryRepository) UpdateOrder(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.OrderID]; !ok {
		return apperr.NotFound("order")
	}
	m.orders[o.OrderID] = *o
	if o.GatewayIntentID != "" {
		m.byIntent[o.GatewayIntentID] = o.OrderID
	}
	return nil
}

func (m *MemoryRepository) OrderByID(_ context.Context, orderID string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, apperr.NotFound("order")
	}
	return &o, nil
}

func (m *MemoryRepository) OrderByToken(ctx context.Context, token string) (*Order, error) {
	m.mu.RLock()
	id, ok := m.byToken[token]
	m.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("invoice")
	}
	return m.OrderByID(ctx, id)
}

func (m *MemoryRepository) OrderByIntent(ctx context.Context, intentID string) (*Order, error) {
	m.mu.RLock()
	id, ok := m.byIntent[intentID]
	m.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("order")
	}
	return m.OrderByID(ctx, id)
}

func (m *MemoryRepository) ListExpirable(_ context.Context, now time.Time, limit int) ([]Order, error) {
	m.mu.RLock()
	var result []Order
	for _, o := range m.orders {
		if o.PayStatus == PayPending && o.PaymentDeadline != nil && o.PaymentDeadline.Before(now) {
			result = append(result, o)
		}
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].PaymentDeadline.Before(*result[j].PaymentDeadline)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryRepository) OrderStats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var st Stats
	for _, o := range m.orders {
		st.Orders++
		if o.PayStatus == PayPaid {
			st.Paid++
		}
		if o.FulfillStatus == FulfillWaiting {
			st.Waiting++
		}
	}
	return st, nil
}

func (m *MemoryRepository) InsertWithdrawal(_ context.Context, w *Withdrawal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.withdrawals[w.WithdrawID]; ok {
		return apperr.Validation("withdraw id already exists")
	}
	for _, existing := range m.withdrawals {
		if existing.ReferenceID == w.ReferenceID {
			return apperr.Validation("reference id already exists")
		}
	}
	m.withdrawals[w.WithdrawID] = *w
	return nil
}

func (m *MemoryRepository) UpdateWithdrawal(_ context.Context, w *Withdrawal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.withdrawals[w.WithdrawID]; !ok {
		return apperr.NotFound("withdrawal")
	}
	m.withdrawals[w.WithdrawID] = *w
	return nil
}

func (m *MemoryRepository) WithdrawalByID(_ context.Context, withdrawID string) (*Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.withdrawals[withdrawID]
	if !ok {
		return nil, apperr.NotFound("withdrawal")
	}
	return &w, nil
}

type MemoryCatalog struct {
	mu       sync.RWMutex
	products map[int64]Product
	tiers    map[int64]Tier
	lastID   int64
}

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{products: make(map[int64]Product), tiers: make(map[int64]Tier)}
}

func (c *MemoryCatalog) AddProduct(p Product) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[p.ID] = p
	c.lastID = max(c.lastID, p.ID)
}

func (c *MemoryCatalog) AddTier(t Tier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tiers[t.ID] = t
	c.lastID = max(c.lastID, t.ID)
}

func (c *MemoryCatalog) CreateProduct(_ context.Context, p Product) (Product, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.products {
		if existing.SKU == p.SKU {
			return Product{}, apperr.Validation("sku already exists")
		}
	}
	c.lastID++
	p.ID = c.lastID
	c.products[p.ID] = p
	return p, nil
}

func (c *MemoryCatalog) DeactivateProduct(_ context.Context, id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.products[id]
	if !ok {
		return apperr.NotFound("product")
	}
	p.Active = false
	c.products[id] = p
	return nil
}

func (c *MemoryCatalog) CreateTier(_ context.Context, t Tier) (Tier, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.products[t.ProductID]; !ok {
		return Tier{}, apperr.NotFound("product")
	}
	c.lastID++
	t.ID = c.lastID
	c.tiers[t.ID] = t
	return t, nil
}

func (c *MemoryCatalog) DeactivateTier(_ context.Context, id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tiers[id]
	if !ok {
		return apperr.NotFound("tier")
	}
	t.Active = false
	c.tiers[id] = t
	return nil
}

func (c *MemoryCatalog) Tier(_ context.Context, productID, tierID int64) (Product, Tier, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.products[productID]
	if !ok || !p.Active {
		return Product{}, Tier{}, apperr.Validation("product is not available")
	}
	t, ok := c.tiers[tierID]
	if !ok || !t.Active || t.ProductID != productID {
		return Product{}, Tier{}, apperr.Validation("tier is not available")
	}
	return p, t, nil
}

func (c *MemoryCatalog) Listings(_ context.Context) ([]Listing, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Listing
	for _, p := range c.products {
		if !p.Active {
			continue
		}
		l := Listing{Product: p}
		for _, t := range c.tiers {
			if t.Active && t.ProductID == p.ID {
				l.Tiers = append(l.Tiers, t)
			}
		}
		if len(l.Tiers) == 0 {
			continue
		}
		sort.Slice(l.Tiers, func(i, j int) bool { return l.Tiers[i].Price < l.Tiers[j].Price })
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Product.ID < out[j].Product.ID })
	return out, nil
}
