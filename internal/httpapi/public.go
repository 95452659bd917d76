package httpapi

import (
	"errors"
	"net/http"
	"time"

	"topup/internal/apperr"
	"topup/internal/lifecycle"
	"topup/pkg/contracts"

	"github.com/go-chi/chi/v5"
)

// invoiceView is what an unauthenticated token holder may see.
type invoiceView struct {
	OrderID         string     `json:"order_id"`
	ProductName     string     `json:"product_name"`
	TierLabel       string     `json:"tier_label"`
	GameID          string     `json:"game_id,omitempty"`
	Nickname        string     `json:"nickname,omitempty"`
	GrossAmount     int64      `json:"gross_amount"`
	PayStatus       string     `json:"pay_status"`
	FulfillStatus   string     `json:"fulfill_status"`
	PaymentDeadline *time.Time `json:"payment_deadline,omitempty"`
	Note            string     `json:"note,omitempty"`
	PaidAt          *time.Time `json:"paid_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func viewOf(o *lifecycle.Order) invoiceView {
	return invoiceView{
		OrderID:         o.OrderID,
		ProductName:     o.ProductName,
		TierLabel:       o.TierLabel,
		GameID:          o.GameID,
		Nickname:        o.Nickname,
		GrossAmount:     o.GrossAmount,
		PayStatus:       string(o.PayStatus),
		FulfillStatus:   string(o.FulfillStatus),
		PaymentDeadline: o.PaymentDeadline,
		Note:            o.Note,
		PaidAt:          o.PaidAt,
		CreatedAt:       o.CreatedAt,
	}
}

func (s *Server) listProducts(w http.ResponseWriter, r *http.Request) {
	listings, err := s.deps.Store.Catalog(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if listings == nil {
		listings = []lifecycle.Listing{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": listings})
}

func (s *Server) createOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProductID int64  `json:"product_id"`
		TierID    int64  `json:"tier_id"`
		GameID    string `json:"game_id"`
		Nickname  string `json:"nickname"`
		Contact   string `json:"contact"`
		Email     string `json:"email"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}

	o, err := s.deps.Reconciler.PlaceOrder(r.Context(), lifecycle.OrderSpec{
		ProductID: req.ProductID,
		TierID:    req.TierID,
		GameID:    req.GameID,
		Nickname:  req.Nickname,
		Contact:   req.Contact,
		Email:     req.Email,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"invoice_token": o.InvoiceToken,
		"invoice":       viewOf(o),
	})
}

func (s *Server) getInvoice(w http.ResponseWriter, r *http.Request) {
	o, err := s.deps.Store.OrderByToken(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(o))
}

func (s *Server) cancelInvoice(w http.ResponseWriter, r *http.Request) {
	o, err := s.deps.Reconciler.CancelOrder(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(o))
}

// depositWebhook answers 2xx for every delivery it has settled, including
// ones for orders that can no longer be paid, so the gateway stops retrying.
// The secret is checked before the body is read.
func (s *Server) depositWebhook(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Reconciler.VerifySecret(r.Header.Get("X-Webhook-Secret")); err != nil {
		s.logger.Warn("webhook rejected", "remote", r.RemoteAddr)
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	var body contracts.DepositWebhook
	if err := decode(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	n := body.Notification()
	err := s.deps.Reconciler.HandlePaymentNotification(r.Context(), n)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	case errors.Is(err, apperr.ErrInvalidTransition):
		s.logger.Warn("webhook for settled order", "reference", n.ExternalReference, "status", n.Status, "err", err)
		writeJSON(w, http.StatusOK, map[string]bool{"ok": false})
	default:
		s.logger.Warn("webhook not applied", "reference", n.ExternalReference, "status", n.Status, "err", err)
		s.fail(w, r, err)
	}
}
