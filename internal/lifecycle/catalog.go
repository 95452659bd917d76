package lifecycle

import (
	"context"
	"strconv"
	"strings"

	"topup/internal/apperr"
	"topup/internal/audit"
)

type ProductSpec struct {
	SKU  string `json:"sku"`
	Name string `json:"name"`
}

type TierSpec struct {
	Label string `json:"label"`
	Qty   int    `json:"qty"`
	Price int64  `json:"price"`
}

func (s *Store) editor() (CatalogEditor, error) {
	e, ok := s.catalog.(CatalogEditor)
	if !ok {
		return nil, apperr.Validation("catalog is read-only")
	}
	return e, nil
}

func (s *Store) CreateProduct(ctx context.Context, spec ProductSpec, actor audit.Actor) (Product, error) {
	e, err := s.editor()
	if err != nil {
		return Product{}, err
	}
	spec.SKU = strings.TrimSpace(spec.SKU)
	spec.Name = strings.TrimSpace(spec.Name)
	if spec.SKU == "" || spec.Name == "" {
		return Product{}, apperr.Validation("sku and name are required")
	}

	p, err := e.CreateProduct(ctx, Product{SKU: spec.SKU, Name: spec.Name, Active: true})
	if err != nil {
		return Product{}, err
	}
	s.audit.Record(ctx, actor, "PRODUCT_CREATE", "product", strconv.FormatInt(p.ID, 10), map[string]any{"sku": p.SKU, "name": p.Name})
	return p, nil
}

// DeactivateProduct hides a product and all its tiers from new orders.
func (s *Store) DeactivateProduct(ctx context.Context, id int64, actor audit.Actor) error {
	e, err := s.editor()
	if err != nil {
		return err
	}
	if err := e.DeactivateProduct(ctx, id); err != nil {
		return err
	}
	s.audit.Record(ctx, actor, "PRODUCT_DELETE", "product", strconv.FormatInt(id, 10), nil)
	return nil
}

func (s *Store) CreateTier(ctx context.Context, productID int64, spec TierSpec, actor audit.Actor) (Tier, error) {
	e, err := s.editor()
	if err != nil {
		return Tier{}, err
	}
	spec.Label = strings.TrimSpace(spec.Label)
	if spec.Qty == 0 {
		spec.Qty = 1
	}
	if productID <= 0 || spec.Label == "" || spec.Qty < 0 || spec.Price <= 0 {
		return Tier{}, apperr.Validation("tier data is invalid")
	}

	t, err := e.CreateTier(ctx, Tier{ProductID: productID, Label: spec.Label, Qty: spec.Qty, Price: spec.Price, Active: true})
	if err != nil {
		return Tier{}, err
	}
	s.audit.Record(ctx, actor, "TIER_CREATE", "tier", strconv.FormatInt(t.ID, 10), map[string]any{
		"product_id": productID,
		"label":      t.Label,
		"qty":        t.Qty,
		"price":      t.Price,
	})
	return t, nil
}

func (s *Store) DeactivateTier(ctx context.Context, id int64, actor audit.Actor) error {
	e, err := s.editor()
	if err != nil {
		return err
	}
	if err := e.DeactivateTier(ctx, id); err != nil {
		return err
	}
	s.audit.Record(ctx, actor, "TIER_DELETE", "tier", strconv.FormatInt(id, 10), nil)
	return nil
}
