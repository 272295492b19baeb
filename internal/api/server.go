package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/commitment-vault/internal/allocation"
	"github.com/xela07ax/commitment-vault/internal/collateral"
	"github.com/xela07ax/commitment-vault/internal/compliance"
	"github.com/xela07ax/commitment-vault/internal/domain"
	"github.com/xela07ax/commitment-vault/internal/infra/auth"
	"github.com/xela07ax/commitment-vault/internal/registry"
)

// EventReader: история событий из журнала (Postgres)
type EventReader interface {
	ListByCommitment(ctx context.Context, commitmentID string, limit int) ([]domain.Event, error)
}

// Deps: компоненты, которые обслуживает API.
// Events опционален: без БД история событий недоступна.
type Deps struct {
	Registry   *registry.Registry
	Collateral *collateral.Ledger
	Allocation *allocation.Engine
	Compliance *compliance.Oracle
	Events     EventReader
	Validator  auth.TokenValidator
}

type Server struct {
	router *chi.Mux
	logger *zap.Logger

	registry   *registry.Registry
	collateral *collateral.Ledger
	allocation *allocation.Engine
	compliance *compliance.Oracle
	events     EventReader
	validator  auth.TokenValidator
}

func NewServer(d Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		router:     chi.NewRouter(),
		logger:     logger.Named("api"),
		registry:   d.Registry,
		collateral: d.Collateral,
		allocation: d.Allocation,
		compliance: d.Compliance,
		events:     d.Events,
		validator:  d.Validator,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware ---
	r.Use(TracingMiddleware)
	r.Use(middleware.RealIP)
	r.Use(accessLog(s.logger))
	r.Use(middleware.Recoverer)

	// --- 2. Публичные роуты ---
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// --- 3. Защищённый периметр: caller = subject RS256 токена ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.validator, s.logger))

		r.Get("/v1/tvl", s.getTVL)

		r.Route("/v1/commitments", func(r chi.Router) {
			r.Post("/", s.createCommitment)
			r.Get("/", s.listCreatedBetween) // ?from=&to= (RFC3339)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getCommitment)
				r.Post("/settle", s.settle)
				r.Post("/exit", s.earlyExit)
				r.Post("/allocate", s.allocate)
				r.Post("/value", s.updateValue)
				r.Get("/violations", s.checkViolations)
				r.Get("/events", s.listEvents)
				r.Get("/token", s.commitmentToken)

				r.Get("/allocation", s.getAllocation)
				r.Post("/rebalance", s.rebalance)

				r.Get("/attestations", s.listAttestations)
				r.Post("/attestations", s.attest)
				r.Post("/fees", s.recordFees)
				r.Post("/drawdown", s.recordDrawdown)
				r.Get("/health", s.getHealth)
				r.Get("/compliance", s.verifyCompliance)
				r.Post("/score", s.calculateScore)
			})
		})

		r.Route("/v1/owners/{owner}", func(r chi.Router) {
			r.Get("/commitments", s.ownerCommitments)
			r.Get("/tokens", s.ownerTokens)
		})

		r.Route("/v1/tokens", func(r chi.Router) {
			r.Get("/supply", s.tokenSupply)
			r.Get("/{tokenID}", s.getToken)
			r.Post("/{tokenID}/transfer", s.transferToken)
		})

		r.Route("/v1/pools", func(r chi.Router) {
			r.Get("/", s.listPools)
			r.Post("/", s.registerPool)
			r.Get("/{poolID}", s.getPool)
			r.Put("/{poolID}/capacity", s.updatePoolCapacity)
			r.Put("/{poolID}/status", s.updatePoolStatus)
		})

		r.Route("/v1/admin", func(r chi.Router) {
			r.Post("/pause", s.pause)
			r.Post("/unpause", s.unpause)
			r.Post("/collateral/pause", s.pauseCollateral)
			r.Post("/collateral/unpause", s.unpauseCollateral)
			r.Post("/rate-limits", s.setRateLimit)
			r.Post("/rate-limits/exempt", s.setRateLimitExempt)
			r.Post("/value-feeders", s.addValueFeeder)
			r.Delete("/value-feeders/{addr}", s.removeValueFeeder)
			r.Post("/verifiers", s.addVerifier)
			r.Delete("/verifiers/{addr}", s.removeVerifier)
			r.Post("/attestation-types", s.registerAttestationType)
		})
	})
}

// ServeHTTP позволяет использовать Server как стандартный http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func uint32Param(r *http.Request, name string) (uint32, error) {
	v, err := strconv.ParseUint(chi.URLParam(r, name), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return uint32(v), nil
}

func caller(r *http.Request) string {
	return auth.CallerFrom(r.Context())
}
