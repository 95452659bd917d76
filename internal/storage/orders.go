package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"topup/internal/apperr"
	"topup/internal/lifecycle"

	"github.com/jackc/pgx/v5"
)

const orderColumns = `
	order_id, invoice_token, product_id, tier_id, product_name, tier_label,
	game_id, nickname, channel_address, channel_address_raw, email, qty,
	unit_price, gross_amount, pay_status, fulfill_status, payment_deadline,
	COALESCE(gateway_intent_id, ''), note, paid_at, created_at, updated_at`

func scanOrder(row scanner) (*lifecycle.Order, error) {
	var o lifecycle.Order
	err := row.Scan(
		&o.OrderID, &o.InvoiceToken, &o.ProductID, &o.TierID, &o.ProductName, &o.TierLabel,
		&o.GameID, &o.Nickname, &o.ChannelAddress, &o.ChannelAddressRaw, &o.Email, &o.Qty,
		&o.UnitPrice, &o.GrossAmount, &o.PayStatus, &o.FulfillStatus, &o.PaymentDeadline,
		&o.GatewayIntentID, &o.Note, &o.PaidAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *Store) InsertOrder(ctx context.Context, o *lifecycle.Order) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO orders (
			order_id, invoice_token, product_id, tier_id, product_name, tier_label,
			game_id, nickname, channel_address, channel_address_raw, email, qty,
			unit_price, gross_amount, pay_status, fulfill_status, payment_deadline,
			gateway_intent_id, note, paid_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
			NULLIF($18, ''), $19, $20, $21, $22)`,
		o.OrderID, o.InvoiceToken, o.ProductID, o.TierID, o.ProductName, o.TierLabel,
		o.GameID, o.Nickname, o.ChannelAddress, o.ChannelAddressRaw, o.Email, o.Qty,
		o.UnitPrice, o.GrossAmount, o.PayStatus, o.FulfillStatus, o.PaymentDeadline,
		o.GatewayIntentID, o.Note, o.PaidAt, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Validation("order already exists")
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (s *Store) UpdateOrder(ctx context.Context, o *lifecycle.Order) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders
		SET pay_status = $2,
		    fulfill_status = $3,
		    gateway_intent_id = NULLIF($4, ''),
		    note = $5,
		    paid_at = $6,
		    payment_deadline = $7,
		    updated_at = $8
		WHERE order_id = $1`,
		o.OrderID, o.PayStatus, o.FulfillStatus, o.GatewayIntentID, o.Note, o.PaidAt,
		o.PaymentDeadline, o.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Validation("payment intent already attached to another order")
		}
		return fmt.Errorf("update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("order")
	}
	return nil
}

func (s *Store) orderWhere(ctx context.Context, what, where string, arg any) (*lifecycle.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE `+where+` = $1`, arg)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound(what)
		}
		return nil, fmt.Errorf("select order: %w", err)
	}
	return o, nil
}

func (s *Store) OrderByID(ctx context.Context, orderID string) (*lifecycle.Order, error) {
	return s.orderWhere(ctx, "order", "order_id", orderID)
}

func (s *Store) OrderByToken(ctx context.Context, token string) (*lifecycle.Order, error) {
	return s.orderWhere(ctx, "invoice", "invoice_token", token)
}

func (s *Store) OrderByIntent(ctx context.Context, intentID string) (*lifecycle.Order, error) {
	return s.orderWhere(ctx, "order", "gateway_intent_id", intentID)
}

func (s *Store) ListExpirable(ctx context.Context, now time.Time, limit int) ([]lifecycle.Order, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE pay_status = 'pending'
		  AND payment_deadline IS NOT NULL
		  AND payment_deadline < $1
		ORDER BY payment_deadline ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query expirable orders: %w", err)
	}
	defer rows.Close()

	var result []lifecycle.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) OrderStats(ctx context.Context) (lifecycle.Stats, error) {
	var st lifecycle.Stats
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE pay_status = 'paid'),
		       COUNT(*) FILTER (WHERE fulfill_status = 'waiting')
		FROM orders`).Scan(&st.Orders, &st.Paid, &st.Waiting)
	if err != nil {
		return lifecycle.Stats{}, fmt.Errorf("select order stats: %w", err)
	}
	return st, nil
}
