package export

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"topup/internal/apperr"
	"topup/pkg/contracts"
	"topup/pkg/messaging"
)

// PaymentHandler applies a gateway payment notification.
type PaymentHandler interface {
	HandlePaymentNotification(ctx context.Context, n contracts.PaymentNotification) error
}

// PaymentIngest returns a queue handler feeding notifications to h. The
// queue is a trusted transport, so no secret is checked.
func PaymentIngest(h PaymentHandler, logger *slog.Logger) messaging.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, body []byte) messaging.Disposition {
		n, err := decodeNotification(body)
		if err != nil {
			logger.Warn("malformed payment notification", "err", err)
			return messaging.Drop
		}

		err = h.HandlePaymentNotification(ctx, n)
		switch {
		case err == nil:
			return messaging.Ack
		case errors.Is(err, apperr.ErrInvalidTransition), errors.Is(err, apperr.ErrValidation), errors.Is(err, apperr.ErrNotFound):
			logger.Warn("payment notification rejected", "reference", n.ExternalReference, "status", n.Status, "err", err)
			return messaging.Drop
		default:
			logger.Error("apply payment notification failed", "reference", n.ExternalReference, "err", err)
			return messaging.Requeue
		}
	}
}

// decodeNotification accepts either the flat notification or the deposit
// webhook body.
func decodeNotification(body []byte) (contracts.PaymentNotification, error) {
	var n contracts.PaymentNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return n, err
	}
	if n.ExternalReference == "" {
		var w contracts.DepositWebhook
		if err := json.Unmarshal(body, &w); err != nil {
			return n, err
		}
		n = w.Notification()
	}
	if strings.TrimSpace(n.ExternalReference) == "" {
		return n, errors.New("missing external reference")
	}
	return n, nil
}
