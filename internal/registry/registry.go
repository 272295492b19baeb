package registry

/*
Пакет registry: владелец записей обязательств и агрегата заблокированной стоимости (TVL).
Оркестрирует создание, расчёт, досрочный выход и размещение капитала, обращаясь
к токенам, движку размещения и кастодиану только через узкие интерфейсы.

Инвариант: сумма Amount активных обязательств == TotalValueLocked
(в режиме учёта TVLPrincipal).
*/

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/commitment-vault/internal/domain"
	"github.com/xela07ax/commitment-vault/internal/safety"
	"github.com/xela07ax/commitment-vault/internal/telemetry"
)

const component = "registry"

// Ключи лимитера
const (
	FunctionCreate   = "create_commitment"
	FunctionAllocate = "allocate"
)

// TVLAccounting: на сколько уменьшать TVL при расчёте
type TVLAccounting string

const (
	// TVLPrincipal вычитает исходную сумму: TVL всегда равен сумме активных обязательств.
	TVLPrincipal TVLAccounting = "principal"
	// TVLTransferred вычитает фактически выплаченное (с насыщением в ноль).
	TVLTransferred TVLAccounting = "transferred"
)

func (m TVLAccounting) Valid() bool {
	return m == TVLPrincipal || m == TVLTransferred
}

// Collateral: то, что реестру нужно от токенов блокировки
type Collateral interface {
	Mint(ctx context.Context, caller, owner, commitmentID string, rules domain.Rules, amount int64, asset string) (uint32, error)
	Settle(ctx context.Context, caller string, tokenID uint32) error
	IsLocked(ctx context.Context, tokenID uint32) (bool, error)
}

// Allocator: то, что реестру нужно от движка размещения
type Allocator interface {
	Allocate(ctx context.Context, caller, commitmentID string, amount int64, strategy []domain.Weight) (domain.AllocationSummary, error)
	Release(ctx context.Context, caller, commitmentID string) error
}

// Custodian переводит активы. Реализация вне пакета.
type Custodian interface {
	Transfer(ctx context.Context, from, to string, amount int64, asset string) error
}

// Deps: внешние компоненты. System: адрес самого реестра:
// счёт хранения в кастодиане и вызывающий для Mint/Settle/Release.
type Deps struct {
	System     string
	Collateral Collateral
	Allocator  Allocator
	Custodian  Custodian
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithIDGenerator подменяет генератор id обязательств
func WithIDGenerator(gen func() string) Option {
	return func(r *Registry) { r.newID = gen }
}

func WithRulesPolicy(p domain.RulesPolicy) Option {
	return func(r *Registry) { r.policy = p }
}

func WithTVLAccounting(m TVLAccounting) Option {
	return func(r *Registry) {
		if m.Valid() {
			r.tvlMode = m
		}
	}
}

func WithRateLimiter(l *safety.RateLimiter) Option {
	return func(r *Registry) { r.limiter = l }
}

type Registry struct {
	mu sync.RWMutex

	initialized bool
	paused      bool
	admin       string
	feeders     map[string]struct{}

	commitments map[string]*domain.Commitment
	byOwner     map[string][]string
	order       []string         // в порядке создания
	allocated   map[string]int64 // размещённый капитал по обязательству
	tvl         int64
	pending     int64 // зарезервировано незавершёнными созданиями
	penalties   int64
	active      int

	deps    Deps
	guard   *safety.Guard
	limiter *safety.RateLimiter
	policy  domain.RulesPolicy
	tvlMode TVLAccounting
	now     func() time.Time
	newID   func() string

	sink    domain.EventSink
	metrics *telemetry.Metrics
	logger  *zap.Logger
}

func New(deps Deps, logger *zap.Logger, sink domain.EventSink, metrics *telemetry.Metrics, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = domain.NopSink{}
	}
	r := &Registry{
		feeders:     make(map[string]struct{}),
		commitments: make(map[string]*domain.Commitment),
		byOwner:     make(map[string][]string),
		allocated:   make(map[string]int64),
		deps:        deps,
		guard:       safety.NewGuard(),
		limiter:     safety.NewRateLimiter(),
		policy:      domain.DefaultRulesPolicy,
		tvlMode:     TVLPrincipal,
		now:         time.Now,
		newID:       func() string { return "cmt_" + uuid.NewString() },
		sink:        sink,
		metrics:     metrics,
		logger:      logger.Named(component),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Initialize: одноразовая установка администратора
func (r *Registry) Initialize(admin string) error {
	if admin == "" {
		return domain.ErrInvalidAddress
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		return domain.ErrAlreadyInitialized
	}
	r.initialized = true
	r.admin = admin
	r.logger.Info("registry initialized",
		zap.String("admin", admin),
		zap.String("system", r.deps.System),
		zap.String("tvl_accounting", string(r.tvlMode)),
	)
	return nil
}

// --- Admin ---

func (r *Registry) Pause(ctx context.Context, caller string) error {
	return r.setPaused(caller, true)
}

func (r *Registry) Unpause(ctx context.Context, caller string) error {
	return r.setPaused(caller, false)
}

func (r *Registry) setPaused(caller string, paused bool) error {
	r.mu.Lock()
	if err := r.checkAdminLocked(caller); err != nil {
		r.mu.Unlock()
		return err
	}
	if r.paused == paused {
		r.mu.Unlock()
		if paused {
			return domain.ErrPaused
		}
		return domain.ErrNotPaused
	}
	r.paused = paused
	r.mu.Unlock()

	evt := domain.EventUnpaused
	if paused {
		evt = domain.EventPaused
	}
	r.logger.Warn("pause state changed", zap.Bool("paused", paused), zap.String("by", caller))
	r.emit(domain.Event{Type: evt, Actor: caller})
	return nil
}

func (r *Registry) Paused() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.paused
}

// SetRateLimit задаёт окно и максимум вызовов для функции
func (r *Registry) SetRateLimit(ctx context.Context, caller, function string, window time.Duration, maxCalls uint32) error {
	if err := r.requireAdmin(caller); err != nil {
		return err
	}
	if err := r.limiter.SetLimit(function, safety.Limit{Window: window, Max: maxCalls}); err != nil {
		return err
	}
	r.logger.Info("rate limit set",
		zap.String("function", function),
		zap.Duration("window", window),
		zap.Uint32("max", maxCalls),
	)
	return nil
}

func (r *Registry) SetRateLimitExempt(ctx context.Context, caller, addr string, exempt bool) error {
	if addr == "" {
		return domain.ErrInvalidAddress
	}
	if err := r.requireAdmin(caller); err != nil {
		return err
	}
	r.limiter.SetExempt(addr, exempt)
	r.logger.Info("rate limit exemption changed", zap.String("address", addr), zap.Bool("exempt", exempt))
	return nil
}

// AddValueFeeder разрешает адресу публиковать наблюдаемую стоимость
func (r *Registry) AddValueFeeder(ctx context.Context, caller, addr string) error {
	if addr == "" {
		return domain.ErrInvalidAddress
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkAdminLocked(caller); err != nil {
		return err
	}
	r.feeders[addr] = struct{}{}
	return nil
}

func (r *Registry) RemoveValueFeeder(ctx context.Context, caller, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkAdminLocked(caller); err != nil {
		return err
	}
	if _, ok := r.feeders[addr]; !ok {
		return domain.ErrNotAuthorized
	}
	delete(r.feeders, addr)
	return nil
}

// --- Reads ---

// GetCommitment: копия записи; ErrCommitmentNotFound для неизвестного id.
func (r *Registry) GetCommitment(ctx context.Context, id string) (domain.Commitment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.commitments[id]
	if !ok {
		return domain.Commitment{}, domain.ErrCommitmentNotFound
	}
	return *c, nil
}

// GetOwnerCommitments: пустой срез, если у владельца ничего нет
func (r *Registry) GetOwnerCommitments(ctx context.Context, owner string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string{}, r.byOwner[owner]...)
}

func (r *Registry) TotalValueLocked(ctx context.Context) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tvl
}

// TotalPenalties: штрафы досрочного выхода, оставшиеся в системе
func (r *Registry) TotalPenalties(ctx context.Context) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.penalties
}

// AllocatedOf: сколько капитала обязательства уже размещено в пулах
func (r *Registry) AllocatedOf(ctx context.Context, id string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.allocated[id]
}

// CommitmentsCreatedBetween: id, созданные в [from, to] включительно, в порядке создания.
func (r *Registry) CommitmentsCreatedBetween(ctx context.Context, from, to time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []string{}
	for _, id := range r.order {
		created := r.commitments[id].CreatedAt
		if created.Before(from) || created.After(to) {
			continue
		}
		out = append(out, id)
	}
	return out
}

// --- internals ---

func (r *Registry) requireAdmin(caller string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.checkAdminLocked(caller)
}

func (r *Registry) checkAdminLocked(caller string) error {
	if !r.initialized {
		return domain.ErrNotInitialized
	}
	if caller != r.admin {
		return domain.ErrNotAuthorized
	}
	return nil
}

// checkRunnable: инициализирован и не на паузе
func (r *Registry) checkRunnable() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.initialized {
		return domain.ErrNotInitialized
	}
	if r.paused {
		return domain.ErrPaused
	}
	return nil
}

func (r *Registry) observeGaugesLocked() {
	if r.metrics == nil {
		return
	}
	r.metrics.TotalValueLocked.Set(float64(r.tvl))
	r.metrics.ActiveCommitments.Set(float64(r.active))
}

func (r *Registry) emit(e domain.Event) {
	e.ID = uuid.NewString()
	e.Source = component
	if e.Timestamp.IsZero() {
		e.Timestamp = r.now().UTC()
	}
	r.sink.Emit(e)
}

func commitmentKey(id string) string { return "commitment:" + id }

func ownerKey(owner string) string { return "owner:" + owner }
