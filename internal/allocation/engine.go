package allocation

/*
Пакет allocation владеет реестром пулов и учётом их занятости.
Капитал обязательства раскладывается по пулам согласно стратегии (веса в процентах),
операция либо размещает всю сумму, либо ничего не меняет.
*/

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xela07ax/commitment-vault/internal/domain"
	"github.com/xela07ax/commitment-vault/internal/safety"
	"github.com/xela07ax/commitment-vault/internal/telemetry"
)

const component = "allocation"

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

type Engine struct {
	mu sync.RWMutex

	initialized bool
	admin       string
	allocator   string // системный адрес реестра, ему разрешён Release

	pools     map[uint32]*domain.Pool
	summaries map[string]*domain.AllocationSummary

	guard   *safety.Guard
	now     func() time.Time
	sink    domain.EventSink
	metrics *telemetry.Metrics
	logger  *zap.Logger
}

func New(logger *zap.Logger, sink domain.EventSink, metrics *telemetry.Metrics, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = domain.NopSink{}
	}
	e := &Engine{
		pools:     make(map[uint32]*domain.Pool),
		summaries: make(map[string]*domain.AllocationSummary),
		guard:     safety.NewGuard(),
		now:       time.Now,
		sink:      sink,
		metrics:   metrics,
		logger:    logger.Named(component),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Initialize(admin string) error {
	if admin == "" {
		return domain.ErrInvalidAddress
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized {
		return domain.ErrAlreadyInitialized
	}
	e.initialized = true
	e.admin = admin
	e.logger.Info("allocation engine initialized", zap.String("admin", admin))
	return nil
}

// SetAllocator назначает системный адрес, которому разрешено освобождать размещения.
func (e *Engine) SetAllocator(caller, allocator string) error {
	if allocator == "" {
		return domain.ErrInvalidAddress
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkAdminLocked(caller); err != nil {
		return err
	}
	e.allocator = allocator
	return nil
}

// --- Pools (admin) ---

func (e *Engine) RegisterPool(ctx context.Context, caller string, id uint32, risk domain.RiskLevel, apy decimal.Decimal, capacity int64) (err error) {
	defer func() { e.metrics.Observe(component, "register_pool", err) }()

	if !risk.Valid() {
		return domain.ErrInvalidRiskLevel
	}
	if apy.IsNegative() {
		return domain.ErrInvalidPercent
	}
	if capacity <= 0 {
		return domain.ErrInvalidAmount
	}

	release, err := e.guard.Enter(poolKey(id))
	if err != nil {
		return err
	}
	defer release()

	e.mu.Lock()
	if err := e.checkAdminLocked(caller); err != nil {
		e.mu.Unlock()
		return err
	}
	if _, exists := e.pools[id]; exists {
		e.mu.Unlock()
		return domain.ErrAlreadyExists
	}
	now := e.now().UTC()
	p := &domain.Pool{
		ID:        id,
		RiskLevel: risk,
		APY:       apy,
		Capacity:  capacity,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	e.pools[id] = p
	e.observePoolLocked(p)
	e.mu.Unlock()

	e.logger.Info("pool registered",
		zap.Uint32("pool_id", id),
		zap.String("risk", string(risk)),
		zap.String("apy", apy.String()),
		zap.Int64("capacity", capacity),
	)
	e.emit(domain.Event{
		Type:      domain.EventPoolRegistered,
		PoolID:    domain.U32(id),
		Actor:     caller,
		Amount:    capacity,
		Attrs:     map[string]string{"risk_level": string(risk), "apy": apy.String()},
		Timestamp: now,
	})
	return nil
}

// UpdatePoolCapacity не даёт опустить ёмкость ниже уже размещённой ликвидности.
func (e *Engine) UpdatePoolCapacity(ctx context.Context, caller string, id uint32, capacity int64) (err error) {
	defer func() { e.metrics.Observe(component, "update_pool_capacity", err) }()

	if capacity <= 0 {
		return domain.ErrInvalidAmount
	}
	release, err := e.guard.Enter(poolKey(id))
	if err != nil {
		return err
	}
	defer release()

	e.mu.Lock()
	if err := e.checkAdminLocked(caller); err != nil {
		e.mu.Unlock()
		return err
	}
	p, ok := e.pools[id]
	if !ok {
		e.mu.Unlock()
		return domain.ErrPoolNotFound
	}
	if capacity < p.Allocated {
		e.mu.Unlock()
		return domain.ErrCapacityBelowAllocated
	}
	p.Capacity = capacity
	p.UpdatedAt = e.now().UTC()
	e.observePoolLocked(p)
	ts := p.UpdatedAt
	e.mu.Unlock()

	e.logger.Info("pool capacity updated", zap.Uint32("pool_id", id), zap.Int64("capacity", capacity))
	e.emit(domain.Event{
		Type:      domain.EventPoolUpdated,
		PoolID:    domain.U32(id),
		Actor:     caller,
		Amount:    capacity,
		Attrs:     map[string]string{"field": "capacity"},
		Timestamp: ts,
	})
	return nil
}

func (e *Engine) UpdatePoolStatus(ctx context.Context, caller string, id uint32, active bool) (err error) {
	defer func() { e.metrics.Observe(component, "update_pool_status", err) }()

	release, err := e.guard.Enter(poolKey(id))
	if err != nil {
		return err
	}
	defer release()

	e.mu.Lock()
	if err := e.checkAdminLocked(caller); err != nil {
		e.mu.Unlock()
		return err
	}
	p, ok := e.pools[id]
	if !ok {
		e.mu.Unlock()
		return domain.ErrPoolNotFound
	}
	p.Active = active
	p.UpdatedAt = e.now().UTC()
	ts := p.UpdatedAt
	e.mu.Unlock()

	e.logger.Info("pool status updated", zap.Uint32("pool_id", id), zap.Bool("active", active))
	e.emit(domain.Event{
		Type:      domain.EventPoolUpdated,
		PoolID:    domain.U32(id),
		Actor:     caller,
		Attrs:     map[string]string{"field": "active", "active": strconv.FormatBool(active)},
		Timestamp: ts,
	})
	return nil
}

// --- Allocation ---

// Allocate размещает amount по стратегии. Первый вызов фиксирует владельца сводки;
// повторный (только владелец) докладывает доли и заменяет стратегию.
func (e *Engine) Allocate(ctx context.Context, caller, commitmentID string, amount int64, strategy []domain.Weight) (summary domain.AllocationSummary, err error) {
	defer func() { e.metrics.Observe(component, "allocate", err) }()

	if commitmentID == "" {
		return domain.AllocationSummary{}, domain.ErrInvalidCommitmentID
	}
	if caller == "" {
		return domain.AllocationSummary{}, domain.ErrInvalidAddress
	}

	release, err := e.guard.Enter(commitmentKey(commitmentID))
	if err != nil {
		return domain.AllocationSummary{}, err
	}
	defer release()

	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return domain.AllocationSummary{}, domain.ErrNotInitialized
	}
	prev := e.summaries[commitmentID]
	if prev != nil && prev.Owner != caller {
		e.mu.Unlock()
		return domain.AllocationSummary{}, domain.ErrNotAuthorized
	}

	scratch := e.allocatedSnapshotLocked()
	splits, err := plan(amount, strategy, e.pools, scratch)
	if err != nil {
		e.mu.Unlock()
		return domain.AllocationSummary{}, err
	}

	next := &domain.AllocationSummary{CommitmentID: commitmentID, Owner: caller}
	if prev != nil {
		next.Splits = mergeSplits(prev.Splits, splits)
		next.TotalAllocated = prev.TotalAllocated
	} else {
		next.Splits = splits
	}
	if next.TotalAllocated, err = safety.CheckedAdd(next.TotalAllocated, amount); err != nil {
		e.mu.Unlock()
		return domain.AllocationSummary{}, err
	}
	next.Strategy = append([]domain.Weight(nil), strategy...)
	next.RebalancedAt = e.now().UTC()
	next.ExpectedYield = e.expectedYieldLocked(next.Splits)

	e.applyLocked(scratch)
	e.summaries[commitmentID] = next
	summary = next.Clone()
	e.mu.Unlock()

	e.logger.Info("capital allocated",
		zap.String("commitment_id", commitmentID),
		zap.Int64("amount", amount),
		zap.Int("pools", len(splits)),
	)
	e.emit(domain.Event{
		Type:         domain.EventAllocationUpdated,
		CommitmentID: commitmentID,
		Actor:        caller,
		Amount:       amount,
		Attrs:        map[string]string{"total_allocated": strconv.FormatInt(summary.TotalAllocated, 10)},
		Timestamp:    summary.RebalancedAt,
	})
	return summary, nil
}

// Rebalance заново раскладывает весь объём по сохранённой стратегии.
// План строится на копии занятости, поэтому при ошибке состояние не меняется.
func (e *Engine) Rebalance(ctx context.Context, caller, commitmentID string) (summary domain.AllocationSummary, err error) {
	defer func() { e.metrics.Observe(component, "rebalance", err) }()

	release, err := e.guard.Enter(commitmentKey(commitmentID))
	if err != nil {
		return domain.AllocationSummary{}, err
	}
	defer release()

	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return domain.AllocationSummary{}, domain.ErrNotInitialized
	}
	prev, ok := e.summaries[commitmentID]
	if !ok {
		e.mu.Unlock()
		return domain.AllocationSummary{}, domain.ErrAllocationNotFound
	}
	if prev.Owner != caller {
		e.mu.Unlock()
		return domain.AllocationSummary{}, domain.ErrNotAuthorized
	}

	// 1. Возвращаем прежние доли в рабочую копию
	scratch := e.allocatedSnapshotLocked()
	for _, s := range prev.Splits {
		scratch[s.PoolID] = safety.SaturatingSub(scratch[s.PoolID], s.Amount)
	}
	// 2. Раскладываем весь объём заново
	splits, err := plan(prev.TotalAllocated, prev.Strategy, e.pools, scratch)
	if err != nil {
		e.mu.Unlock()
		e.logger.Warn("rebalance rejected, state kept",
			zap.String("commitment_id", commitmentID), zap.Error(err))
		return domain.AllocationSummary{}, err
	}

	// 3. Коммит
	next := prev.Clone()
	next.Splits = splits
	next.RebalancedAt = e.now().UTC()
	next.ExpectedYield = e.expectedYieldLocked(splits)
	e.applyLocked(scratch)
	e.summaries[commitmentID] = &next
	summary = next.Clone()
	e.mu.Unlock()

	e.logger.Info("allocation rebalanced", zap.String("commitment_id", commitmentID))
	e.emit(domain.Event{
		Type:         domain.EventAllocationUpdated,
		CommitmentID: commitmentID,
		Actor:        caller,
		Amount:       summary.TotalAllocated,
		Attrs:        map[string]string{"rebalanced": "true"},
		Timestamp:    summary.RebalancedAt,
	})
	return summary, nil
}

// Release возвращает ёмкость пулам и удаляет сводку. Без размещения: no-op.
func (e *Engine) Release(ctx context.Context, caller, commitmentID string) (err error) {
	defer func() { e.metrics.Observe(component, "release", err) }()

	release, err := e.guard.Enter(commitmentKey(commitmentID))
	if err != nil {
		return err
	}
	defer release()

	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return domain.ErrNotInitialized
	}
	if caller != e.admin && (e.allocator == "" || caller != e.allocator) {
		e.mu.Unlock()
		return domain.ErrNotAuthorized
	}
	prev, ok := e.summaries[commitmentID]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	for _, s := range prev.Splits {
		if p, ok := e.pools[s.PoolID]; ok {
			p.Allocated = safety.SaturatingSub(p.Allocated, s.Amount)
			e.observePoolLocked(p)
		}
	}
	delete(e.summaries, commitmentID)
	total := prev.TotalAllocated
	e.mu.Unlock()

	e.logger.Info("allocation released", zap.String("commitment_id", commitmentID), zap.Int64("amount", total))
	e.emit(domain.Event{
		Type:         domain.EventAllocationReleased,
		CommitmentID: commitmentID,
		Actor:        caller,
		Amount:       total,
		Timestamp:    e.now().UTC(),
	})
	return nil
}

// --- Reads ---

// GetAllocation: пустая сводка, если размещения не было. Это не ошибка.
func (e *Engine) GetAllocation(ctx context.Context, commitmentID string) domain.AllocationSummary {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.summaries[commitmentID]
	if !ok {
		return domain.AllocationSummary{CommitmentID: commitmentID, ExpectedYield: decimal.Zero}
	}
	return s.Clone()
}

func (e *Engine) GetPool(ctx context.Context, id uint32) (domain.Pool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.pools[id]
	if !ok {
		return domain.Pool{}, domain.ErrPoolNotFound
	}
	return *p, nil
}

// GetAllPools: по возрастанию id
func (e *Engine) GetAllPools(ctx context.Context) []domain.Pool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]domain.Pool, 0, len(e.pools))
	for _, p := range e.pools {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// --- internals (mu held) ---

func (e *Engine) checkAdminLocked(caller string) error {
	if !e.initialized {
		return domain.ErrNotInitialized
	}
	if caller != e.admin {
		return domain.ErrNotAuthorized
	}
	return nil
}

func (e *Engine) allocatedSnapshotLocked() map[uint32]int64 {
	out := make(map[uint32]int64, len(e.pools))
	for id, p := range e.pools {
		out[id] = p.Allocated
	}
	return out
}

func (e *Engine) applyLocked(allocated map[uint32]int64) {
	now := e.now().UTC()
	for id, v := range allocated {
		p := e.pools[id]
		if p.Allocated == v {
			continue
		}
		p.Allocated = v
		p.UpdatedAt = now
		e.observePoolLocked(p)
	}
}

func (e *Engine) expectedYieldLocked(splits []domain.Split) decimal.Decimal {
	y := decimal.Zero
	for _, s := range splits {
		if p, ok := e.pools[s.PoolID]; ok {
			y = y.Add(decimal.NewFromInt(s.Amount).Mul(p.APY))
		}
	}
	return y
}

func (e *Engine) observePoolLocked(p *domain.Pool) {
	if e.metrics == nil || p.Capacity == 0 {
		return
	}
	ratio, _ := decimal.NewFromInt(p.Allocated).Div(decimal.NewFromInt(p.Capacity)).Float64()
	e.metrics.PoolUtilization.WithLabelValues(strconv.FormatUint(uint64(p.ID), 10)).Set(ratio)
}

func (e *Engine) emit(ev domain.Event) {
	ev.ID = uuid.NewString()
	ev.Source = component
	e.sink.Emit(ev)
}

func commitmentKey(id string) string { return "commitment:" + id }

func poolKey(id uint32) string { return "pool:" + strconv.FormatUint(uint64(id), 10) }
