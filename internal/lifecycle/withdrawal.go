package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"topup/internal/apperr"
	"topup/internal/audit"
	"topup/internal/events"
)

var withdrawalActions = map[WithdrawalStatus]string{
	WithdrawDraft:     "WITHDRAW_CHECK_ABORTED",
	WithdrawChecking:  "WITHDRAW_CHECKING",
	WithdrawReady:     "WITHDRAW_CHECK_OK",
	WithdrawSubmitted: "WITHDRAW_SUBMIT",
	WithdrawSuccess:   "WITHDRAW_STATUS",
	WithdrawFailed:    "WITHDRAW_FAILED",
	WithdrawCanceled:  "WITHDRAW_CANCELED",
}

func (s *Store) CreateWithdrawal(ctx context.Context, spec WithdrawalSpec, actor audit.Actor) (*Withdrawal, error) {
	spec.BankCode = strings.TrimSpace(spec.BankCode)
	spec.AccountNumber = strings.TrimSpace(spec.AccountNumber)
	if spec.BankCode == "" || spec.AccountNumber == "" || spec.Nominal <= 0 {
		return nil, apperr.Validation("withdrawal data is invalid")
	}

	now := s.now().UTC()
	w := &Withdrawal{
		WithdrawID:    newWithdrawalID("WD", now),
		ReferenceID:   newWithdrawalID("WDREF", now),
		BankCode:      spec.BankCode,
		BankName:      strings.TrimSpace(spec.BankName),
		AccountNumber: spec.AccountNumber,
		Nominal:       spec.Nominal,
		TotalDebit:    spec.Nominal,
		Status:        WithdrawDraft,
		Note:          strings.TrimSpace(spec.Note),
		CreatedBy:     actor.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repo.InsertWithdrawal(ctx, w); err != nil {
		return nil, fmt.Errorf("insert withdrawal: %w", err)
	}

	s.audit.Record(ctx, actor, "WITHDRAW_DRAFT", "withdraw", w.WithdrawID, map[string]any{"nominal": w.Nominal})
	s.publishWithdrawal(w, "", now)
	return w, nil
}

func (s *Store) Withdrawal(ctx context.Context, withdrawID string) (*Withdrawal, error) {
	return s.repo.WithdrawalByID(ctx, withdrawID)
}

// AdvanceWithdrawal moves a withdrawal along the transition graph and applies
// patch. Anything off the graph, including every move out of a terminal
// status, fails with an invalid transition error.
func (s *Store) AdvanceWithdrawal(ctx context.Context, withdrawID string, target WithdrawalStatus, patch WithdrawalPatch, actor audit.Actor) (*Withdrawal, error) {
	return s.mutateWithdrawal(ctx, withdrawID, actor, func(w *Withdrawal, now time.Time) (string, error) {
		if !w.Status.CanAdvanceTo(target) {
			return "", apperr.InvalidTransition("withdrawal %s cannot move from %s to %s", w.WithdrawID, w.Status, target)
		}
		return advance(w, target, patch, actor, now)
	})
}

// AbortWithdrawalCheck returns a withdrawal that is being checked to the
// status it had before the check, keeping the gateway error.
func (s *Store) AbortWithdrawalCheck(ctx context.Context, withdrawID string, previous WithdrawalStatus, lastError string, actor audit.Actor) (*Withdrawal, error) {
	return s.mutateWithdrawal(ctx, withdrawID, actor, func(w *Withdrawal, _ time.Time) (string, error) {
		if w.Status != WithdrawChecking || (previous != WithdrawDraft && previous != WithdrawReady) {
			return "", apperr.InvalidTransition("withdrawal %s cannot abort check from %s to %s", w.WithdrawID, w.Status, previous)
		}
		if err := applyPatch(w, WithdrawalPatch{LastError: lastError}); err != nil {
			return "", err
		}
		w.Status = previous
		return "WITHDRAW_CHECK_ABORTED", nil
	})
}

// SubmitFunc hands a withdrawal to the gateway. It returns WithdrawSubmitted
// or WithdrawFailed with the gateway's answer, or an error when the gateway
// could not be reached.
type SubmitFunc func(w Withdrawal) (WithdrawalStatus, WithdrawalPatch, error)

// SubmitWithdrawal runs submit while holding the withdrawal's lock, so an
// operator cancel cannot land between the gateway call and the status change.
// A gateway error is stored as the last error and returned unchanged.
func (s *Store) SubmitWithdrawal(ctx context.Context, withdrawID string, actor audit.Actor, submit SubmitFunc) (*Withdrawal, error) {
	var callErr error
	w, err := s.mutateWithdrawal(ctx, withdrawID, actor, func(w *Withdrawal, now time.Time) (string, error) {
		if !w.Status.CanAdvanceTo(WithdrawSubmitted) {
			return "", apperr.InvalidTransition("withdrawal %s cannot be submitted from %s", w.WithdrawID, w.Status)
		}
		target, patch, err := submit(*w)
		if err != nil {
			callErr = err
			if err := applyPatch(w, WithdrawalPatch{LastError: err.Error()}); err != nil {
				return "", err
			}
			return "WITHDRAW_STATUS", nil
		}
		if target != WithdrawSubmitted && target != WithdrawFailed {
			return "", apperr.InvalidTransition("withdrawal %s cannot move from %s to %s on submit", w.WithdrawID, w.Status, target)
		}
		return advance(w, target, patch, actor, now)
	})
	if err != nil {
		return w, err
	}
	return w, callErr
}

func advance(w *Withdrawal, target WithdrawalStatus, patch WithdrawalPatch, actor audit.Actor, now time.Time) (string, error) {
	if err := applyPatch(w, patch); err != nil {
		return "", err
	}
	w.Status = target
	switch target {
	case WithdrawSubmitted:
		w.ApprovedBy = actor.ID
		w.ApprovedAt = &now
	case WithdrawSuccess, WithdrawFailed, WithdrawCanceled:
		w.FinishedAt = &now
	}
	return withdrawalActions[target], nil
}

// AnnotateWithdrawal stores gateway feedback without changing the status.
func (s *Store) AnnotateWithdrawal(ctx context.Context, withdrawID string, patch WithdrawalPatch, actor audit.Actor) (*Withdrawal, error) {
	return s.mutateWithdrawal(ctx, withdrawID, actor, func(w *Withdrawal, _ time.Time) (string, error) {
		if err := applyPatch(w, patch); err != nil {
			return "", err
		}
		return "WITHDRAW_STATUS", nil
	})
}

func (s *Store) mutateWithdrawal(ctx context.Context, withdrawID string, actor audit.Actor, fn func(w *Withdrawal, now time.Time) (string, error)) (*Withdrawal, error) {
	unlock := s.locks.Lock("withdraw:" + withdrawID)
	defer unlock()

	w, err := s.repo.WithdrawalByID(ctx, withdrawID)
	if err != nil {
		return nil, err
	}
	previous := w.Status

	now := s.now().UTC()
	action, err := fn(w, now)
	if err != nil {
		return w, err
	}
	w.UpdatedAt = now
	if err := s.repo.UpdateWithdrawal(ctx, w); err != nil {
		return nil, fmt.Errorf("update withdrawal: %w", err)
	}

	meta := map[string]any{"status": string(w.Status)}
	if w.GatewayTransferID != "" {
		meta["provider_id"] = w.GatewayTransferID
	}
	if w.ProviderStatus != "" {
		meta["provider_status"] = w.ProviderStatus
	}
	if w.AccountName != "" {
		meta["account_name"] = w.AccountName
	}
	s.audit.Record(ctx, actor, action, "withdraw", w.WithdrawID, meta)
	s.publishWithdrawal(w, previous, now)
	return w, nil
}

func applyPatch(w *Withdrawal, p WithdrawalPatch) error {
	if p.GatewayTransferID != "" {
		if w.GatewayTransferID != "" && w.GatewayTransferID != p.GatewayTransferID {
			return apperr.InvalidTransition("withdrawal %s already has transfer %s", w.WithdrawID, w.GatewayTransferID)
		}
		w.GatewayTransferID = p.GatewayTransferID
	}
	if p.AccountName != "" {
		w.AccountName = p.AccountName
	}
	if p.ProviderStatus != "" {
		w.ProviderStatus = p.ProviderStatus
	}
	if p.Fee != nil && *p.Fee > 0 {
		w.Fee = *p.Fee
	}
	w.TotalDebit = w.Nominal + w.Fee
	if p.LastError != "" {
		w.LastError = p.LastError
	}
	if p.Note != "" {
		w.Note = p.Note
	}
	return nil
}

func (s *Store) publishWithdrawal(w *Withdrawal, previous WithdrawalStatus, now time.Time) {
	events.Publish(s.bus, events.WithdrawalUpdated, events.WithdrawalEvent{
		WithdrawID: w.WithdrawID,
		Status:     string(w.Status),
		Previous:   string(previous),
		Nominal:    w.Nominal,
		LastError:  w.LastError,
		At:         now,
	})
}
