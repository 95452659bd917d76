package storage

import (
	"context"
	"errors"
	"fmt"

	"topup/internal/apperr"
	"topup/internal/lifecycle"

	"github.com/jackc/pgx/v5"
)

func (s *Store) InsertWithdrawal(ctx context.Context, w *lifecycle.Withdrawal) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO withdrawals (
			withdraw_id, reference_id, bank_code, bank_name, account_number, account_name,
			nominal, fee, total_debit, status, gateway_transfer_id, provider_status,
			last_error, note, created_by, approved_by, approved_at, finished_at,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''), $12, $13, $14,
			$15, $16, $17, $18, $19, $20)`,
		w.WithdrawID, w.ReferenceID, w.BankCode, w.BankName, w.AccountNumber, w.AccountName,
		w.Nominal, w.Fee, w.TotalDebit, w.Status, w.GatewayTransferID, w.ProviderStatus,
		w.LastError, w.Note, w.CreatedBy, w.ApprovedBy, w.ApprovedAt, w.FinishedAt,
		w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Validation("withdrawal already exists")
		}
		return fmt.Errorf("insert withdrawal: %w", err)
	}
	return nil
}

// UpdateWithdrawal never clears a stored transfer id.
func (s *Store) UpdateWithdrawal(ctx context.Context, w *lifecycle.Withdrawal) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE withdrawals
		SET account_name = $2,
		    fee = $3,
		    total_debit = $4,
		    status = $5,
		    gateway_transfer_id = COALESCE(gateway_transfer_id, NULLIF($6, '')),
		    provider_status = $7,
		    last_error = $8,
		    note = $9,
		    approved_by = $10,
		    approved_at = $11,
		    finished_at = $12,
		    updated_at = $13
		WHERE withdraw_id = $1`,
		w.WithdrawID, w.AccountName, w.Fee, w.TotalDebit, w.Status, w.GatewayTransferID,
		w.ProviderStatus, w.LastError, w.Note, w.ApprovedBy, w.ApprovedAt, w.FinishedAt,
		w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update withdrawal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("withdrawal")
	}
	return nil
}

func (s *Store) WithdrawalByID(ctx context.Context, withdrawID string) (*lifecycle.Withdrawal, error) {
	var w lifecycle.Withdrawal
	err := s.pool.QueryRow(ctx, `
		SELECT withdraw_id, reference_id, bank_code, bank_name, account_number, account_name,
		       nominal, fee, total_debit, status, COALESCE(gateway_transfer_id, ''),
		       provider_status, last_error, note, created_by, approved_by, approved_at,
		       finished_at, created_at, updated_at
		FROM withdrawals
		WHERE withdraw_id = $1`, withdrawID,
	).Scan(
		&w.WithdrawID, &w.ReferenceID, &w.BankCode, &w.BankName, &w.AccountNumber, &w.AccountName,
		&w.Nominal, &w.Fee, &w.TotalDebit, &w.Status, &w.GatewayTransferID,
		&w.ProviderStatus, &w.LastError, &w.Note, &w.CreatedBy, &w.ApprovedBy, &w.ApprovedAt,
		&w.FinishedAt, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("withdrawal")
		}
		return nil, fmt.Errorf("select withdrawal: %w", err)
	}
	return &w, nil
}
