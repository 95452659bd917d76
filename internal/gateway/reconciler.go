package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"strings"
	"time"

	"topup/internal/apperr"
	"topup/internal/audit"
	"topup/internal/lifecycle"
	"topup/pkg/contracts"
)

type ReconcilerConfig struct {
	WebhookSecret string
	PaidStatuses  []string
	PayMethod     string
	CallTimeout   time.Duration
}

// Reconciler keeps the lifecycle store consistent with what the gateway
// reports. Gateway failures never move an entity out of its pre-call status.
type Reconciler struct {
	gw       Gateway
	store    *lifecycle.Store
	logger   *slog.Logger
	secret   string
	paidLike map[string]struct{}
	method   string
	timeout  time.Duration
}

func NewReconciler(gw Gateway, store *lifecycle.Store, cfg ReconcilerConfig, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.PaidStatuses) == 0 {
		cfg.PaidStatuses = []string{"paid", "success", "sukses", "completed"}
	}
	if cfg.PayMethod == "" {
		cfg.PayMethod = "qris"
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	paidLike := make(map[string]struct{}, len(cfg.PaidStatuses))
	for _, s := range cfg.PaidStatuses {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			paidLike[s] = struct{}{}
		}
	}
	return &Reconciler{
		gw:       gw,
		store:    store,
		logger:   logger,
		secret:   cfg.WebhookSecret,
		paidLike: paidLike,
		method:   cfg.PayMethod,
		timeout:  cfg.CallTimeout,
	}
}

func (r *Reconciler) call(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.timeout)
}

// PlaceOrder creates the order and opens its payment intent. When the gateway
// is unreachable the order is returned pending together with the error.
func (r *Reconciler) PlaceOrder(ctx context.Context, spec lifecycle.OrderSpec) (*lifecycle.Order, error) {
	o, err := r.store.CreateOrder(ctx, spec)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := r.call(ctx)
	res, err := r.gw.OpenIntent(callCtx, o.OrderID, o.GrossAmount, r.method)
	cancel()
	if err != nil {
		r.logger.Error("open payment intent failed", "order_id", o.OrderID, "err", err)
		return o, apperr.GatewayUnavailable("open payment intent", err)
	}
	if !res.OK {
		msg := res.Message
		if msg == "" {
			msg = "payment could not be created"
		}
		if _, ferr := r.store.MarkFailed(ctx, o.OrderID, "deposit error: "+msg); ferr != nil {
			r.logger.Error("mark order failed", "order_id", o.OrderID, "err", ferr)
		}
		return o, apperr.Validation(msg)
	}

	// The gateway may omit its id; it also knows the intent by our reference.
	intentID := res.ExternalID
	if intentID == "" {
		intentID = o.OrderID
	}
	return r.store.AttachIntent(ctx, o.OrderID, intentID)
}

// CancelIntent asks the gateway to void an intent.
func (r *Reconciler) CancelIntent(ctx context.Context, externalID string) error {
	callCtx, cancel := r.call(ctx)
	defer cancel()

	res, err := r.gw.CancelIntent(callCtx, externalID)
	if err != nil {
		return apperr.GatewayUnavailable("cancel payment intent", err)
	}
	if !res.OK {
		return errors.New("gateway refused cancel: " + res.Message)
	}
	return nil
}

// CancelOrder is the buyer-initiated cancel. The gateway cancel is best-effort.
func (r *Reconciler) CancelOrder(ctx context.Context, token string) (*lifecycle.Order, error) {
	o, err := r.store.OrderByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if o.PayStatus != lifecycle.PayPending {
		return o, apperr.InvalidTransition("order %s is %s", o.OrderID, o.PayStatus)
	}
	if o.GatewayIntentID != "" {
		if err := r.CancelIntent(ctx, o.GatewayIntentID); err != nil {
			r.logger.Warn("cancel payment intent failed", "order_id", o.OrderID, "err", err)
		}
	}
	return r.store.Cancel(ctx, o.OrderID, audit.System)
}

// VerifySecret checks the webhook shared secret. An unset secret rejects
// every delivery.
func (r *Reconciler) VerifySecret(header string) error {
	if r.secret == "" || subtle.ConstantTimeCompare([]byte(header), []byte(r.secret)) != 1 {
		return apperr.Unauthorized()
	}
	return nil
}

// HandlePaymentNotification applies a payment callback. Unknown references
// and non paid-like statuses are ignored. Repeated deliveries are no-ops.
func (r *Reconciler) HandlePaymentNotification(ctx context.Context, n contracts.PaymentNotification) error {
	ref := strings.TrimSpace(n.ExternalReference)
	if ref == "" {
		return nil
	}
	status := strings.ToLower(strings.TrimSpace(n.Status))
	if _, ok := r.paidLike[status]; !ok {
		r.logger.Info("payment notification ignored", "ref", ref, "status", status)
		return nil
	}

	o, err := r.store.OrderByIntent(ctx, ref)
	if lifecycle.IsNotFound(err) {
		o, err = r.store.Order(ctx, ref)
	}
	if lifecycle.IsNotFound(err) {
		r.logger.Warn("payment notification for unknown order", "ref", ref)
		return nil
	}
	if err != nil {
		return err
	}

	if _, err := r.store.MarkPaid(ctx, o.OrderID); err != nil {
		r.logger.Warn("mark paid rejected", "order_id", o.OrderID, "status", status, "err", err)
		return err
	}
	return nil
}

// CheckWithdrawal verifies the destination account and records the holder
// name.
func (r *Reconciler) CheckWithdrawal(ctx context.Context, withdrawID string, actor audit.Actor) (*lifecycle.Withdrawal, error) {
	w, err := r.store.Withdrawal(ctx, withdrawID)
	if err != nil {
		return nil, err
	}
	previous := w.Status
	if w, err = r.store.AdvanceWithdrawal(ctx, withdrawID, lifecycle.WithdrawChecking, lifecycle.WithdrawalPatch{}, actor); err != nil {
		return w, err
	}

	callCtx, cancel := r.call(ctx)
	res, err := r.gw.CheckDestination(callCtx, w.BankCode, w.AccountNumber)
	cancel()
	if err != nil {
		r.logger.Error("check destination failed", "withdraw_id", withdrawID, "err", err)
		if _, rerr := r.store.AbortWithdrawalCheck(ctx, withdrawID, previous, err.Error(), actor); rerr != nil {
			r.logger.Error("restore withdrawal status", "withdraw_id", withdrawID, "err", rerr)
		}
		return w, apperr.GatewayUnavailable("check destination", err)
	}
	if !res.OK {
		msg := res.Message
		if msg == "" {
			msg = "destination check failed"
		}
		w, err = r.store.AdvanceWithdrawal(ctx, withdrawID, lifecycle.WithdrawFailed, lifecycle.WithdrawalPatch{LastError: msg}, actor)
		if err != nil {
			return w, err
		}
		return w, apperr.Validation(msg)
	}
	return r.store.AdvanceWithdrawal(ctx, withdrawID, lifecycle.WithdrawReady, lifecycle.WithdrawalPatch{AccountName: res.HolderName}, actor)
}

// SubmitWithdrawal sends the transfer with the withdrawal reference as the
// idempotency key. The gateway call runs under the withdrawal's lock and the
// status only moves once the gateway has answered.
func (r *Reconciler) SubmitWithdrawal(ctx context.Context, withdrawID, note string, actor audit.Actor) (*lifecycle.Withdrawal, error) {
	var refusal string
	var callErr error
	w, err := r.store.SubmitWithdrawal(ctx, withdrawID, actor, func(w lifecycle.Withdrawal) (lifecycle.WithdrawalStatus, lifecycle.WithdrawalPatch, error) {
		if note == "" {
			note = w.Note
		}
		if note == "" {
			note = "Withdraw " + w.WithdrawID
		}

		callCtx, cancel := r.call(ctx)
		defer cancel()
		res, err := r.gw.SubmitTransfer(callCtx, w.ReferenceID, TransferRequest{
			BankCode:      w.BankCode,
			AccountNumber: w.AccountNumber,
			HolderName:    w.AccountName,
			Nominal:       w.Nominal,
			Note:          note,
		})
		if err != nil {
			callErr = err
			return "", lifecycle.WithdrawalPatch{}, err
		}
		if !res.OK {
			refusal = res.Message
			if refusal == "" {
				refusal = "transfer was refused"
			}
			return lifecycle.WithdrawFailed, lifecycle.WithdrawalPatch{LastError: refusal}, nil
		}

		providerStatus := res.Status
		if providerStatus == "" {
			providerStatus = "submitted"
		}
		fee := res.Fee
		return lifecycle.WithdrawSubmitted, lifecycle.WithdrawalPatch{
			GatewayTransferID: res.ExternalID,
			ProviderStatus:    providerStatus,
			Fee:               &fee,
			Note:              note,
		}, nil
	})
	switch {
	case callErr != nil && errors.Is(err, callErr):
		r.logger.Error("submit transfer failed", "withdraw_id", withdrawID, "err", err)
		return w, apperr.GatewayUnavailable("submit transfer", err)
	case err != nil:
		return w, err
	case refusal != "":
		return w, apperr.Validation(refusal)
	}
	return w, nil
}

// PollWithdrawal refreshes a submitted transfer's status from the gateway.
func (r *Reconciler) PollWithdrawal(ctx context.Context, withdrawID string, actor audit.Actor) (*lifecycle.Withdrawal, error) {
	w, err := r.store.Withdrawal(ctx, withdrawID)
	if err != nil {
		return nil, err
	}
	if w.GatewayTransferID == "" {
		return w, apperr.Validation("withdrawal has no transfer id")
	}

	callCtx, cancel := r.call(ctx)
	res, err := r.gw.PollTransferStatus(callCtx, w.GatewayTransferID)
	cancel()
	if err != nil {
		return w, apperr.GatewayUnavailable("poll transfer status", err)
	}
	if !res.OK {
		return w, apperr.GatewayUnavailable("poll transfer status", errors.New(res.Message))
	}

	status := strings.ToLower(strings.TrimSpace(res.Status))
	patch := lifecycle.WithdrawalPatch{ProviderStatus: status}
	target := transferStatus(status)
	if target == "" || target == w.Status {
		return r.store.AnnotateWithdrawal(ctx, withdrawID, patch, actor)
	}
	return r.store.AdvanceWithdrawal(ctx, withdrawID, target, patch, actor)
}

func transferStatus(s string) lifecycle.WithdrawalStatus {
	switch s {
	case "success", "sukses":
		return lifecycle.WithdrawSuccess
	case "failed", "gagal":
		return lifecycle.WithdrawFailed
	default:
		return ""
	}
}
