package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/xela07ax/commitment-vault/internal/domain"
)

func (s *Server) getAllocation(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.allocation.GetAllocation(r.Context(), chi.URLParam(r, "id")))
}

func (s *Server) rebalance(w http.ResponseWriter, r *http.Request) {
	summary, err := s.allocation.Rebalance(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) listPools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"pools": s.allocation.GetAllPools(r.Context())})
}

func (s *Server) getPool(w http.ResponseWriter, r *http.Request) {
	id, err := uint32Param(r, "poolID")
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	p, err := s.allocation.GetPool(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type registerPoolRequest struct {
	PoolID    uint32           `json:"pool_id"`
	RiskLevel domain.RiskLevel `json:"risk_level"`
	APY       decimal.Decimal  `json:"apy"`
	Capacity  int64            `json:"capacity"`
}

func (s *Server) registerPool(w http.ResponseWriter, r *http.Request) {
	var req registerPoolRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if err := s.allocation.RegisterPool(r.Context(), caller(r), req.PoolID, req.RiskLevel, req.APY, req.Capacity); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.allocation.GetPool(r.Context(), req.PoolID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

type poolCapacityRequest struct {
	Capacity int64 `json:"capacity"`
}

func (s *Server) updatePoolCapacity(w http.ResponseWriter, r *http.Request) {
	id, err := uint32Param(r, "poolID")
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	var req poolCapacityRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if err := s.allocation.UpdatePoolCapacity(r.Context(), caller(r), id, req.Capacity); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type poolStatusRequest struct {
	Active bool `json:"active"`
}

func (s *Server) updatePoolStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uint32Param(r, "poolID")
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	var req poolStatusRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if err := s.allocation.UpdatePoolStatus(r.Context(), caller(r), id, req.Active); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Токены блокировки ---

func (s *Server) getToken(w http.ResponseWriter, r *http.Request) {
	id, err := uint32Param(r, "tokenID")
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	t, err := s.collateral.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	expired, err := s.collateral.IsExpired(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": t, "expired": expired})
}

// commitmentToken GET /v1/commitments/{id}/token
func (s *Server) commitmentToken(w http.ResponseWriter, r *http.Request) {
	t, err := s.collateral.ByCommitment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type transferRequest struct {
	To string `json:"to"`
}

// transferToken: отправитель всегда вызывающий
func (s *Server) transferToken(w http.ResponseWriter, r *http.Request) {
	id, err := uint32Param(r, "tokenID")
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	var req transferRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if err := s.collateral.Transfer(r.Context(), caller(r), req.To, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) ownerTokens(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	writeJSON(w, http.StatusOK, map[string]any{
		"token_ids": s.collateral.TokensOf(r.Context(), owner),
		"balance":   s.collateral.BalanceOf(r.Context(), owner),
	})
}

func (s *Server) tokenSupply(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]uint64{"total_supply": s.collateral.TotalSupply(r.Context())})
}
