package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/commitment-vault/internal/domain"
)

type createCommitmentRequest struct {
	Amount int64        `json:"amount"`
	Asset  string       `json:"asset"`
	Rules  domain.Rules `json:"rules"`
}

// createCommitment: владелец обязательства всегда вызывающий
// POST /v1/commitments
func (s *Server) createCommitment(w http.ResponseWriter, r *http.Request) {
	var req createCommitmentRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	id, err := s.registry.CreateCommitment(r.Context(), caller(r), req.Amount, req.Asset, req.Rules)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.registry.GetCommitment(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) getCommitment(w http.ResponseWriter, r *http.Request) {
	c, err := s.registry.GetCommitment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// listCreatedBetween GET /v1/commitments?from=...&to=...
func (s *Server) listCreatedBetween(w http.ResponseWriter, r *http.Request) {
	from, err := time.Parse(time.RFC3339, r.URL.Query().Get("from"))
	if err != nil {
		badRequest(w, r, "from must be RFC3339")
		return
	}
	to, err := time.Parse(time.RFC3339, r.URL.Query().Get("to"))
	if err != nil {
		badRequest(w, r, "to must be RFC3339")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"commitment_ids": s.registry.CommitmentsCreatedBetween(r.Context(), from, to),
	})
}

func (s *Server) ownerCommitments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"commitment_ids": s.registry.GetOwnerCommitments(r.Context(), chi.URLParam(r, "owner")),
	})
}

func (s *Server) getTVL(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int64{
		"total_value_locked": s.registry.TotalValueLocked(r.Context()),
		"total_penalties":    s.registry.TotalPenalties(r.Context()),
	})
}

func (s *Server) settle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.registry.Settle(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeCommitment(w, r, id)
}

func (s *Server) earlyExit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.registry.EarlyExit(r.Context(), id, caller(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeCommitment(w, r, id)
}

type allocateRequest struct {
	PoolID uint32 `json:"pool_id"`
	Amount int64  `json:"amount"`
}

func (s *Server) allocate(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.registry.Allocate(r.Context(), caller(r), id, req.PoolID, req.Amount); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.allocation.GetAllocation(r.Context(), id))
}

type updateValueRequest struct {
	Value int64 `json:"value"`
}

func (s *Server) updateValue(w http.ResponseWriter, r *http.Request) {
	var req updateValueRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.registry.UpdateValue(r.Context(), caller(r), id, req.Value); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeCommitment(w, r, id)
}

func (s *Server) checkViolations(w http.ResponseWriter, r *http.Request) {
	violated, err := s.registry.CheckViolations(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"violated": violated})
}

func (s *Server) writeCommitment(w http.ResponseWriter, r *http.Request, id string) {
	c, err := s.registry.GetCommitment(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// listEvents GET /v1/commitments/{id}/events?limit=
func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{
			Error:   "unavailable",
			Message: "event history requires a database",
			TraceID: TraceID(r.Context()),
		})
		return
	}
	limit := maxPageLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxPageLimit {
			badRequest(w, r, "limit must be within [1, 100]")
			return
		}
		limit = n
	}
	id := chi.URLParam(r, "id")
	// существование проверяем по реестру, журнал может отставать
	if _, err := s.registry.GetCommitment(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.events.ListByCommitment(r.Context(), id, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}
