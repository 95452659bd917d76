package httpapi

import (
	"net/http"

	"topup/internal/lifecycle"

	"github.com/go-chi/chi/v5"
)

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Store.Stats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.deps.Store.Order(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) orderStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action string `json:"action"`
		Note   string `json:"note"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	o, err := s.deps.Store.TransitionFulfillment(r.Context(), chi.URLParam(r, "orderID"), lifecycle.FulfillStatus(req.Action), req.Note, actorFrom(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) createWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BankCode      string `json:"bank_code"`
		BankName      string `json:"bank_name"`
		AccountNumber string `json:"account_number"`
		Nominal       int64  `json:"nominal"`
		Note          string `json:"note"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	wd, err := s.deps.Store.CreateWithdrawal(r.Context(), lifecycle.WithdrawalSpec{
		BankCode:      req.BankCode,
		BankName:      req.BankName,
		AccountNumber: req.AccountNumber,
		Nominal:       req.Nominal,
		Note:          req.Note,
	}, actorFrom(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, wd)
}

func (s *Server) getWithdrawal(w http.ResponseWriter, r *http.Request) {
	wd, err := s.deps.Store.Withdrawal(r.Context(), chi.URLParam(r, "withdrawID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wd)
}

func (s *Server) checkWithdrawal(w http.ResponseWriter, r *http.Request) {
	wd, err := s.deps.Reconciler.CheckWithdrawal(r.Context(), chi.URLParam(r, "withdrawID"), actorFrom(r))
	s.withdrawalResult(w, r, wd, err)
}

func (s *Server) submitWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Note string `json:"note"`
	}
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	wd, err := s.deps.Reconciler.SubmitWithdrawal(r.Context(), chi.URLParam(r, "withdrawID"), req.Note, actorFrom(r))
	s.withdrawalResult(w, r, wd, err)
}

func (s *Server) pollWithdrawal(w http.ResponseWriter, r *http.Request) {
	wd, err := s.deps.Reconciler.PollWithdrawal(r.Context(), chi.URLParam(r, "withdrawID"), actorFrom(r))
	s.withdrawalResult(w, r, wd, err)
}

func (s *Server) cancelWithdrawal(w http.ResponseWriter, r *http.Request) {
	wd, err := s.deps.Store.AdvanceWithdrawal(r.Context(), chi.URLParam(r, "withdrawID"), lifecycle.WithdrawCanceled, lifecycle.WithdrawalPatch{}, actorFrom(r))
	s.withdrawalResult(w, r, wd, err)
}

func (s *Server) withdrawalResult(w http.ResponseWriter, r *http.Request, wd *lifecycle.Withdrawal, err error) {
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wd)
}

func (s *Server) channelStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Channel.Snapshot())
}

func (s *Server) channelPair(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phone string `json:"phone"`
		Label string `json:"label"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	code, err := s.deps.Channel.RequestPairingCode(r.Context(), req.Phone, req.Label)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"pairing_code": code})
}

func (s *Server) channelLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Channel.Logout(r.Context(), actorFrom(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
