package httpapi

import (
	"net/http"
	"strconv"

	"topup/internal/apperr"
	"topup/internal/audit"
	"topup/internal/lifecycle"

	"github.com/go-chi/chi/v5"
)

func idParam(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation("invalid " + name)
	}
	return id, nil
}

func (s *Server) createProduct(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.ProductSpec
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	p, err := s.deps.Store.CreateProduct(r.Context(), req, actorFrom(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) deactivateProduct(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "productID")
	if err == nil {
		err = s.deps.Store.DeactivateProduct(r.Context(), id, actorFrom(r))
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) createTier(w http.ResponseWriter, r *http.Request) {
	productID, err := idParam(r, "productID")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req lifecycle.TierSpec
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	t, err := s.deps.Store.CreateTier(r.Context(), productID, req, actorFrom(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) deactivateTier(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "tierID")
	if err == nil {
		err = s.deps.Store.DeactivateTier(r.Context(), id, actorFrom(r))
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// listAudit returns the newest entries first, optionally narrowed by
// ?target= and ?target_id=.
func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{Target: q.Get("target"), TargetID: q.Get("target_id")}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.fail(w, r, apperr.Validation("invalid limit"))
			return
		}
		f.Limit = n
	}
	entries, err := s.deps.Audit.ListAudit(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
