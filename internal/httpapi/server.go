package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"topup/internal/apperr"
	"topup/internal/audit"
	"topup/internal/events"
	"topup/internal/lifecycle"
	"topup/pkg/contracts"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Lifecycle is the part of the lifecycle store the HTTP surface calls
// directly.
type Lifecycle interface {
	Catalog(ctx context.Context) ([]lifecycle.Listing, error)
	Order(ctx context.Context, orderID string) (*lifecycle.Order, error)
	OrderByToken(ctx context.Context, token string) (*lifecycle.Order, error)
	Stats(ctx context.Context) (lifecycle.Stats, error)
	TransitionFulfillment(ctx context.Context, orderID string, action lifecycle.FulfillStatus, note string, actor audit.Actor) (*lifecycle.Order, error)
	CreateWithdrawal(ctx context.Context, spec lifecycle.WithdrawalSpec, actor audit.Actor) (*lifecycle.Withdrawal, error)
	Withdrawal(ctx context.Context, withdrawID string) (*lifecycle.Withdrawal, error)
	AdvanceWithdrawal(ctx context.Context, withdrawID string, target lifecycle.WithdrawalStatus, patch lifecycle.WithdrawalPatch, actor audit.Actor) (*lifecycle.Withdrawal, error)

	CreateProduct(ctx context.Context, spec lifecycle.ProductSpec, actor audit.Actor) (lifecycle.Product, error)
	DeactivateProduct(ctx context.Context, id int64, actor audit.Actor) error
	CreateTier(ctx context.Context, productID int64, spec lifecycle.TierSpec, actor audit.Actor) (lifecycle.Tier, error)
	DeactivateTier(ctx context.Context, id int64, actor audit.Actor) error
}

// Reconciler covers every action that talks to the gateway.
type Reconciler interface {
	PlaceOrder(ctx context.Context, spec lifecycle.OrderSpec) (*lifecycle.Order, error)
	CancelOrder(ctx context.Context, token string) (*lifecycle.Order, error)
	VerifySecret(header string) error
	HandlePaymentNotification(ctx context.Context, n contracts.PaymentNotification) error
	CheckWithdrawal(ctx context.Context, withdrawID string, actor audit.Actor) (*lifecycle.Withdrawal, error)
	SubmitWithdrawal(ctx context.Context, withdrawID, note string, actor audit.Actor) (*lifecycle.Withdrawal, error)
	PollWithdrawal(ctx context.Context, withdrawID string, actor audit.Actor) (*lifecycle.Withdrawal, error)
}

type Channel interface {
	Snapshot() events.ChannelEvent
	RequestPairingCode(ctx context.Context, phone, label string) (string, error)
	Logout(ctx context.Context, actor audit.Actor) error
}

type Deps struct {
	Store      Lifecycle
	Reconciler Reconciler
	Channel    Channel
	// Audit lists the audit log. Nil disables /api/admin/audit.
	Audit      audit.Lister
	// WS serves the subscription socket. Nil disables /ws.
	WS         http.Handler
	AdminToken string
}

type Server struct {
	deps   Deps
	logger *slog.Logger
	router chi.Router
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		deps:   deps,
		logger: logger,
		router: chi.NewRouter(),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	if s.deps.WS != nil {
		r.Handle("/ws", s.deps.WS)
	}

	r.Post("/webhooks/deposit", s.depositWebhook)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Get("/products", s.listProducts)
		r.Post("/orders", s.createOrder)
		r.Get("/invoices/{token}", s.getInvoice)
		r.Post("/invoices/{token}/cancel", s.cancelInvoice)

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)

			r.Get("/stats", s.stats)
			if s.deps.Audit != nil {
				r.Get("/audit", s.listAudit)
			}

			r.Post("/products", s.createProduct)
			r.Post("/products/{productID}/deactivate", s.deactivateProduct)
			r.Post("/products/{productID}/tiers", s.createTier)
			r.Post("/tiers/{tierID}/deactivate", s.deactivateTier)
			r.Get("/orders/{orderID}", s.getOrder)
			r.Post("/orders/{orderID}/status", s.orderStatus)

			r.Post("/withdrawals", s.createWithdrawal)
			r.Get("/withdrawals/{withdrawID}", s.getWithdrawal)
			r.Post("/withdrawals/{withdrawID}/check", s.checkWithdrawal)
			r.Post("/withdrawals/{withdrawID}/submit", s.submitWithdrawal)
			r.Post("/withdrawals/{withdrawID}/status", s.pollWithdrawal)
			r.Post("/withdrawals/{withdrawID}/cancel", s.cancelWithdrawal)

			r.Get("/channel", s.channelStatus)
			r.Post("/channel/pair", s.channelPair)
			r.Post("/channel/logout", s.channelLogout)
		})
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type actorKey struct{}

// requireAdmin checks the static bearer token. An unset token closes the
// admin routes.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || s.deps.AdminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.deps.AdminToken)) != 1 {
			s.fail(w, r, apperr.Unauthorized())
			return
		}
		id := strings.TrimSpace(r.Header.Get("X-Operator-ID"))
		if id == "" {
			id = "admin"
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, audit.Admin(id))))
	})
}

func actorFrom(r *http.Request) audit.Actor {
	if a, ok := r.Context().Value(actorKey{}).(audit.Actor); ok {
		return a
	}
	return audit.System
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return apperr.Validation("invalid JSON body")
	}
	return nil
}

// fail writes err as JSON. Server-side failures are logged; caller errors are
// not.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "err", err)
	}
	writeError(w, status, apperr.PublicMessage(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
