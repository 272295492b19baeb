package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

const maxPageLimit = 100

// listAttestations GET /v1/commitments/{id}/attestations?offset=&limit=
func (s *Server) listAttestations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset, limit := 0, maxPageLimit
	var err error
	if v := q.Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			badRequest(w, r, "offset must be a non-negative integer")
			return
		}
	}
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 || limit > maxPageLimit {
			badRequest(w, r, "limit must be within [1, 100]")
			return
		}
	}
	writeJSON(w, http.StatusOK, s.compliance.GetAttestationsPage(r.Context(), chi.URLParam(r, "id"), offset, limit))
}

type attestRequest struct {
	Type        string            `json:"attestation_type"`
	Data        map[string]string `json:"data"`
	IsCompliant bool              `json:"is_compliant"`
}

func (s *Server) attest(w http.ResponseWriter, r *http.Request) {
	var req attestRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	a, err := s.compliance.Attest(r.Context(), caller(r), chi.URLParam(r, "id"), req.Type, req.Data, req.IsCompliant)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

type feesRequest struct {
	Amount int64 `json:"amount"`
}

func (s *Server) recordFees(w http.ResponseWriter, r *http.Request) {
	var req feesRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	a, err := s.compliance.RecordFees(r.Context(), caller(r), chi.URLParam(r, "id"), req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

type drawdownRequest struct {
	Percent uint32 `json:"percent"`
}

func (s *Server) recordDrawdown(w http.ResponseWriter, r *http.Request) {
	var req drawdownRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	a, err := s.compliance.RecordDrawdown(r.Context(), caller(r), chi.URLParam(r, "id"), req.Percent)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h, err := s.compliance.GetHealthMetrics(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"health": h,
		"stats":  s.compliance.Stats(r.Context(), id),
	})
}

func (s *Server) verifyCompliance(w http.ResponseWriter, r *http.Request) {
	ok, err := s.compliance.VerifyCompliance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"compliant": ok})
}

// calculateScore: POST: расчёт пишет событие ScoreUpdated
func (s *Server) calculateScore(w http.ResponseWriter, r *http.Request) {
	score, err := s.compliance.CalculateComplianceScore(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint32{"score": score})
}

// --- Admin ---

type addressRequest struct {
	Address string `json:"address"`
}

func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	s.noContent(w, r, s.registry.Pause(r.Context(), caller(r)))
}

func (s *Server) unpause(w http.ResponseWriter, r *http.Request) {
	s.noContent(w, r, s.registry.Unpause(r.Context(), caller(r)))
}

func (s *Server) pauseCollateral(w http.ResponseWriter, r *http.Request) {
	s.noContent(w, r, s.collateral.Pause(r.Context(), caller(r)))
}

func (s *Server) unpauseCollateral(w http.ResponseWriter, r *http.Request) {
	s.noContent(w, r, s.collateral.Unpause(r.Context(), caller(r)))
}

type rateLimitRequest struct {
	Function string `json:"function"`
	Window   string `json:"window"` // "1m", "30s"
	Max      uint32 `json:"max"`
}

func (s *Server) setRateLimit(w http.ResponseWriter, r *http.Request) {
	var req rateLimitRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	window, err := time.ParseDuration(req.Window)
	if err != nil {
		badRequest(w, r, "window must be a duration")
		return
	}
	s.noContent(w, r, s.registry.SetRateLimit(r.Context(), caller(r), req.Function, window, req.Max))
}

type exemptRequest struct {
	Address string `json:"address"`
	Exempt  bool   `json:"exempt"`
}

func (s *Server) setRateLimitExempt(w http.ResponseWriter, r *http.Request) {
	var req exemptRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	s.noContent(w, r, s.registry.SetRateLimitExempt(r.Context(), caller(r), req.Address, req.Exempt))
}

func (s *Server) addValueFeeder(w http.ResponseWriter, r *http.Request) {
	var req addressRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	s.noContent(w, r, s.registry.AddValueFeeder(r.Context(), caller(r), req.Address))
}

func (s *Server) removeValueFeeder(w http.ResponseWriter, r *http.Request) {
	s.noContent(w, r, s.registry.RemoveValueFeeder(r.Context(), caller(r), chi.URLParam(r, "addr")))
}

func (s *Server) addVerifier(w http.ResponseWriter, r *http.Request) {
	var req addressRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	s.noContent(w, r, s.compliance.AddVerifier(r.Context(), caller(r), req.Address))
}

func (s *Server) removeVerifier(w http.ResponseWriter, r *http.Request) {
	s.noContent(w, r, s.compliance.RemoveVerifier(r.Context(), caller(r), chi.URLParam(r, "addr")))
}

type attestationTypeRequest struct {
	Type string `json:"attestation_type"`
}

func (s *Server) registerAttestationType(w http.ResponseWriter, r *http.Request) {
	var req attestationTypeRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	s.noContent(w, r, s.compliance.RegisterAttestationType(r.Context(), caller(r), req.Type))
}

func (s *Server) noContent(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
