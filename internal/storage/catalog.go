package storage

import (
	"context"
	"errors"
	"fmt"

	"topup/internal/apperr"
	"topup/internal/lifecycle"

	"github.com/jackc/pgx/v5"
)

func (s *Store) Tier(ctx context.Context, productID, tierID int64) (lifecycle.Product, lifecycle.Tier, error) {
	var (
		p lifecycle.Product
		t lifecycle.Tier
	)
	err := s.pool.QueryRow(ctx, `
		SELECT p.id, p.sku, p.name, p.active, t.id, t.product_id, t.label, t.qty, t.price, t.active
		FROM product_tiers t
		JOIN products p ON p.id = t.product_id
		WHERE p.id = $1 AND t.id = $2`, productID, tierID,
	).Scan(&p.ID, &p.SKU, &p.Name, &p.Active, &t.ID, &t.ProductID, &t.Label, &t.Qty, &t.Price, &t.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return lifecycle.Product{}, lifecycle.Tier{}, apperr.Validation("tier is not available")
		}
		return lifecycle.Product{}, lifecycle.Tier{}, fmt.Errorf("select tier: %w", err)
	}
	if !p.Active {
		return lifecycle.Product{}, lifecycle.Tier{}, apperr.Validation("product is not available")
	}
	if !t.Active {
		return lifecycle.Product{}, lifecycle.Tier{}, apperr.Validation("tier is not available")
	}
	return p, t, nil
}

func (s *Store) Listings(ctx context.Context) ([]lifecycle.Listing, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.id, p.sku, p.name, p.active, t.id, t.product_id, t.label, t.qty, t.price, t.active
		FROM products p
		JOIN product_tiers t ON t.product_id = p.id AND t.active
		WHERE p.active
		ORDER BY p.id, t.price`)
	if err != nil {
		return nil, fmt.Errorf("query listings: %w", err)
	}
	defer rows.Close()

	var out []lifecycle.Listing
	for rows.Next() {
		var (
			p lifecycle.Product
			t lifecycle.Tier
		)
		if err := rows.Scan(&p.ID, &p.SKU, &p.Name, &p.Active, &t.ID, &t.ProductID, &t.Label, &t.Qty, &t.Price, &t.Active); err != nil {
			return nil, err
		}
		if n := len(out); n == 0 || out[n-1].Product.ID != p.ID {
			out = append(out, lifecycle.Listing{Product: p})
		}
		out[len(out)-1].Tiers = append(out[len(out)-1].Tiers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) CreateProduct(ctx context.Context, p lifecycle.Product) (lifecycle.Product, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO products (sku, name, active) VALUES ($1, $2, $3)
		RETURNING id`, p.SKU, p.Name, p.Active,
	).Scan(&p.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return lifecycle.Product{}, apperr.Validation("sku already exists")
		}
		return lifecycle.Product{}, fmt.Errorf("insert product: %w", err)
	}
	return p, nil
}

func (s *Store) DeactivateProduct(ctx context.Context, id int64) error {
	return s.deactivate(ctx, "products", "product", id)
}

func (s *Store) CreateTier(ctx context.Context, t lifecycle.Tier) (lifecycle.Tier, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO product_tiers (product_id, label, qty, price, active)
		SELECT id, $2, $3, $4, $5 FROM products WHERE id = $1
		RETURNING id`, t.ProductID, t.Label, t.Qty, t.Price, t.Active,
	).Scan(&t.ID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return lifecycle.Tier{}, apperr.NotFound("product")
		}
		return lifecycle.Tier{}, fmt.Errorf("insert tier: %w", err)
	}
	return t, nil
}

func (s *Store) DeactivateTier(ctx context.Context, id int64) error {
	return s.deactivate(ctx, "product_tiers", "tier", id)
}

func (s *Store) deactivate(ctx context.Context, table, what string, id int64) error {
	tag, err := s.pool.Exec(ctx, `UPDATE `+table+` SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate %s: %w", what, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound(what)
	}
	return nil
}
