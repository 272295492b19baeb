package app

/*
Сборка ядра: токены блокировки, движок размещения, реестр и оракул,
связанные общим лимитером и одним системным адресом.
Порядок важен: реестр должен быть minter'ом токенов и allocator'ом движка
до первого обязательства.
*/

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/commitment-vault/internal/allocation"
	"github.com/xela07ax/commitment-vault/internal/collateral"
	"github.com/xela07ax/commitment-vault/internal/compliance"
	"github.com/xela07ax/commitment-vault/internal/custody"
	"github.com/xela07ax/commitment-vault/internal/domain"
	"github.com/xela07ax/commitment-vault/internal/infra"
	"github.com/xela07ax/commitment-vault/internal/registry"
	"github.com/xela07ax/commitment-vault/internal/safety"
	"github.com/xela07ax/commitment-vault/internal/telemetry"
)

type Core struct {
	Limiter    *safety.RateLimiter
	Collateral *collateral.Ledger
	Allocation *allocation.Engine
	Registry   *registry.Registry
	Compliance *compliance.Oracle
}

type Option func(*options)

type options struct {
	now   func() time.Time
	newID func() string
}

// WithClock: общие часы для всех компонентов
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func WithIDGenerator(gen func() string) Option {
	return func(o *options) { o.newID = gen }
}

func NewCore(cfg *infra.Config, custodian custody.Custodian, sink domain.EventSink, metrics *telemetry.Metrics, logger *zap.Logger, opts ...Option) (*Core, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	rc := cfg.Registry
	ctx := context.Background()

	// 1. Общий лимитер
	limiter := safety.NewRateLimiter()
	limits := map[string]uint32{
		registry.FunctionCreate:   cfg.RateLimit.Create,
		registry.FunctionAllocate: cfg.RateLimit.Allocate,
		compliance.FunctionAttest: cfg.RateLimit.Attest,
	}
	for fn, maxCalls := range limits {
		if maxCalls == 0 {
			continue
		}
		if err := limiter.SetLimit(fn, safety.Limit{Window: cfg.RateLimit.Window, Max: maxCalls}); err != nil {
			return nil, fmt.Errorf("rate limit %s: %w", fn, err)
		}
	}
	for _, addr := range cfg.RateLimit.Exempt {
		limiter.SetExempt(addr, true)
	}

	policy := domain.RulesPolicy{AllowZeroMaxLoss: rc.AllowZeroMaxLoss}

	// 2. Токены блокировки: выпускать и гасить может только системный адрес
	ledger := collateral.New(logger, sink, metrics,
		collateral.WithClock(o.now),
		collateral.WithRulesPolicy(policy),
	)
	if err := ledger.Initialize(rc.Admin); err != nil {
		return nil, fmt.Errorf("collateral: %w", err)
	}
	if err := ledger.SetMinter(rc.Admin, rc.System); err != nil {
		return nil, fmt.Errorf("collateral minter: %w", err)
	}

	// 3. Движок размещения
	engine := allocation.New(logger, sink, metrics, allocation.WithClock(o.now))
	if err := engine.Initialize(rc.Admin); err != nil {
		return nil, fmt.Errorf("allocation: %w", err)
	}
	if err := engine.SetAllocator(rc.Admin, rc.System); err != nil {
		return nil, fmt.Errorf("allocation allocator: %w", err)
	}

	// 4. Реестр
	regOpts := []registry.Option{
		registry.WithClock(o.now),
		registry.WithRulesPolicy(policy),
		registry.WithTVLAccounting(registry.TVLAccounting(rc.TVLAccounting)),
		registry.WithRateLimiter(limiter),
	}
	if o.newID != nil {
		regOpts = append(regOpts, registry.WithIDGenerator(o.newID))
	}
	reg := registry.New(registry.Deps{
		System:     rc.System,
		Collateral: ledger,
		Allocator:  engine,
		Custodian:  custodian,
	}, logger, sink, metrics, regOpts...)
	if err := reg.Initialize(rc.Admin); err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	for _, addr := range rc.ValueFeeders {
		if err := reg.AddValueFeeder(ctx, rc.Admin, addr); err != nil {
			return nil, fmt.Errorf("value feeder %s: %w", addr, err)
		}
	}

	// 5. Оракул читает реестр, но не пишет в него
	oracle := compliance.New(reg, logger, sink, metrics,
		compliance.WithClock(o.now),
		compliance.WithRateLimiter(limiter),
	)
	if err := oracle.Initialize(rc.Admin); err != nil {
		return nil, fmt.Errorf("compliance: %w", err)
	}
	for _, addr := range rc.Verifiers {
		if err := oracle.AddVerifier(ctx, rc.Admin, addr); err != nil {
			return nil, fmt.Errorf("verifier %s: %w", addr, err)
		}
	}

	logger.Info("core assembled",
		zap.String("admin", rc.Admin),
		zap.String("system", rc.System),
		zap.String("tvl_accounting", rc.TVLAccounting),
		zap.Int("verifiers", len(rc.Verifiers)),
	)

	return &Core{
		Limiter:    limiter,
		Collateral: ledger,
		Allocation: engine,
		Registry:   reg,
		Compliance: oracle,
	}, nil
}
