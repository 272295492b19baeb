package registry

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/xela07ax/commitment-vault/internal/compliance"
	"github.com/xela07ax/commitment-vault/internal/domain"
	"github.com/xela07ax/commitment-vault/internal/safety"
)

// CreateCommitment блокирует amount владельца под правила и выпускает токен.
// Запись появляется только после успешного перевода в хранение.
func (r *Registry) CreateCommitment(ctx context.Context, owner string, amount int64, asset string, rules domain.Rules) (id string, err error) {
	defer func() { r.metrics.Observe(component, "create_commitment", err) }()

	// 1. Валидация: первая ошибка побеждает
	if owner == "" {
		return "", domain.ErrInvalidAddress
	}
	if amount <= 0 {
		return "", domain.ErrInvalidAmount
	}
	if err := rules.Validate(r.policy); err != nil {
		return "", err
	}
	if err := r.checkRunnable(); err != nil {
		return "", err
	}

	// 2. Guard по владельцу и лимит
	release, err := r.guard.Enter(ownerKey(owner))
	if err != nil {
		return "", err
	}
	defer release()

	now := r.now().UTC()
	undo, err := r.limiter.Reserve(owner, FunctionCreate, now)
	if err != nil {
		return "", err
	}

	// Резерв под TVL до перевода: после выпуска токена падать уже нечему
	if err := r.reserveTVL(amount); err != nil {
		undo()
		return "", err
	}

	id = r.newID()
	log := r.logger.With(zap.String("commitment_id", id), zap.String("owner", owner))

	// 3. Перевод в хранение. Ошибка: ничего не создано.
	if err := r.deps.Custodian.Transfer(ctx, owner, r.deps.System, amount, asset); err != nil {
		undo()
		r.releaseTVL(amount)
		log.Warn("custody deposit failed", zap.Error(err))
		return "", fmt.Errorf("custody deposit: %w", err)
	}

	// 4. Токен. Ошибка: возвращаем средства.
	tokenID, err := r.deps.Collateral.Mint(ctx, r.deps.System, owner, id, rules, amount, asset)
	if err != nil {
		undo()
		r.releaseTVL(amount)
		r.refund(ctx, log, owner, amount, asset)
		return "", fmt.Errorf("mint collateral: %w", err)
	}

	// 5. Коммит
	c := &domain.Commitment{
		ID:           id,
		Owner:        owner,
		Amount:       amount,
		Asset:        asset,
		Rules:        rules,
		Status:       domain.StatusActive,
		CreatedAt:    now,
		ExpiresAt:    safety.AddDaysSaturating(now, rules.DurationDays),
		CurrentValue: amount,
		TokenID:      tokenID,
	}

	r.mu.Lock()
	r.commitments[id] = c
	r.byOwner[owner] = append(r.byOwner[owner], id)
	r.order = append(r.order, id)
	r.pending -= amount
	r.tvl += amount
	r.active++
	r.observeGaugesLocked()
	r.mu.Unlock()

	log.Info("commitment created",
		zap.Int64("amount", amount),
		zap.String("asset", asset),
		zap.Uint32("token_id", tokenID),
		zap.String("type", string(rules.Type)),
	)
	r.emit(domain.Event{
		Type:         domain.EventCommitmentCreated,
		CommitmentID: id,
		TokenID:      domain.U32(tokenID),
		Actor:        owner,
		Amount:       amount,
		Attrs:        map[string]string{"asset": asset, "commitment_type": string(rules.Type)},
		Timestamp:    now,
	})
	return id, nil
}

// Settle выплачивает текущую стоимость владельцу после истечения срока.
func (r *Registry) Settle(ctx context.Context, id string) (err error) {
	defer func() { r.metrics.Observe(component, "settle", err) }()

	if err := r.checkRunnable(); err != nil {
		return err
	}
	release, err := r.guard.Enter(commitmentKey(id))
	if err != nil {
		return err
	}
	defer release()

	c, err := r.GetCommitment(ctx, id)
	if err != nil {
		return err
	}
	now := r.now()
	if now.Before(c.ExpiresAt) {
		return domain.ErrNotExpired
	}
	if err := c.Status.CanTransitionTo(domain.StatusSettled); err != nil {
		return err
	}
	// Токен: единственный источник истины о блокировке
	locked, err := r.deps.Collateral.IsLocked(ctx, c.TokenID)
	if err != nil {
		return fmt.Errorf("read collateral: %w", err)
	}
	if !locked {
		return domain.ErrAlreadySettled
	}

	log := r.logger.With(zap.String("commitment_id", id), zap.String("owner", c.Owner))
	payout := max(c.CurrentValue, 0)
	if r.tvlMode != TVLTransferred {
		if err := r.checkTVLDecrement(c.Amount); err != nil {
			return err
		}
	}

	if err := r.payout(ctx, log, c, payout); err != nil {
		return err
	}

	r.releaseAllocation(ctx, log, id)

	r.mu.Lock()
	stored := r.commitments[id]
	stored.Status = domain.StatusSettled
	if r.tvlMode == TVLTransferred {
		// выплата может превышать принципал: насыщаем на нуле
		r.tvl = safety.SaturatingSub(r.tvl, payout)
	} else {
		r.tvl -= c.Amount
	}
	delete(r.allocated, id)
	r.active--
	r.observeGaugesLocked()
	r.mu.Unlock()

	log.Info("commitment settled", zap.Int64("payout", payout), zap.Int64("principal", c.Amount))
	r.emit(domain.Event{
		Type:         domain.EventCommitmentSettled,
		CommitmentID: id,
		TokenID:      domain.U32(c.TokenID),
		Actor:        c.Owner,
		Amount:       payout,
		Timestamp:    now.UTC(),
	})
	return nil
}

// EarlyExit: выход до срока со штрафом. Штраф остаётся в системе.
func (r *Registry) EarlyExit(ctx context.Context, id, caller string) (err error) {
	defer func() { r.metrics.Observe(component, "early_exit", err) }()

	if err := r.checkRunnable(); err != nil {
		return err
	}
	release, err := r.guard.Enter(commitmentKey(id))
	if err != nil {
		return err
	}
	defer release()

	c, err := r.GetCommitment(ctx, id)
	if err != nil {
		return err
	}
	if caller != c.Owner {
		return domain.ErrNotAuthorized
	}
	if err := c.Status.CanTransitionTo(domain.StatusExited); err != nil {
		return err
	}

	penalty, err := safety.PercentOf(c.Amount, c.Rules.EarlyExitPenaltyPercent)
	if err != nil {
		return err
	}
	net := safety.SaturatingSub(c.Amount, penalty)
	if err := r.checkTVLDecrement(c.Amount); err != nil {
		return err
	}

	log := r.logger.With(zap.String("commitment_id", id), zap.String("owner", c.Owner))
	if err := r.payout(ctx, log, c, net); err != nil {
		return err
	}

	r.releaseAllocation(ctx, log, id)

	r.mu.Lock()
	stored := r.commitments[id]
	stored.Status = domain.StatusExited
	r.tvl -= c.Amount
	if total, err := safety.CheckedAdd(r.penalties, penalty); err == nil {
		r.penalties = total
	}
	delete(r.allocated, id)
	r.active--
	r.observeGaugesLocked()
	r.mu.Unlock()

	log.Info("commitment exited early", zap.Int64("net", net), zap.Int64("penalty", penalty))
	r.emit(domain.Event{
		Type:         domain.EventEarlyExit,
		CommitmentID: id,
		TokenID:      domain.U32(c.TokenID),
		Actor:        caller,
		Amount:       net,
		Penalty:      penalty,
	})
	return nil
}

// Allocate размещает часть капитала обязательства в один пул.
// Ёмкость пулов проверяет движок размещения.
func (r *Registry) Allocate(ctx context.Context, caller, id string, poolID uint32, amount int64) (err error) {
	defer func() { r.metrics.Observe(component, "allocate", err) }()

	if amount <= 0 {
		return domain.ErrInvalidAmount
	}
	if err := r.checkRunnable(); err != nil {
		return err
	}
	if r.deps.Allocator == nil {
		return domain.ErrNotInitialized
	}
	release, err := r.guard.Enter(commitmentKey(id))
	if err != nil {
		return err
	}
	defer release()

	r.mu.RLock()
	c, ok := r.commitments[id]
	var (
		owner     string
		active    bool
		principal int64
		already   int64
	)
	if ok {
		owner, active, principal, already = c.Owner, c.IsActive(), c.Amount, r.allocated[id]
	}
	r.mu.RUnlock()

	if !ok {
		return domain.ErrCommitmentNotFound
	}
	if caller != owner {
		return domain.ErrNotOwner
	}
	if !active {
		return domain.ErrInvalidStatus
	}
	total, err := safety.CheckedAdd(already, amount)
	if err != nil {
		return err
	}
	if total > principal {
		return domain.ErrExceedsUnallocated
	}

	undo, err := r.limiter.Reserve(caller, FunctionAllocate, r.now())
	if err != nil {
		return err
	}
	strategy := []domain.Weight{{PoolID: poolID, Weight: 100}}
	if _, err := r.deps.Allocator.Allocate(ctx, owner, id, amount, strategy); err != nil {
		undo()
		return err
	}

	r.mu.Lock()
	r.allocated[id] = total
	r.mu.Unlock()

	r.logger.Info("commitment capital allocated",
		zap.String("commitment_id", id),
		zap.Uint32("pool_id", poolID),
		zap.Int64("amount", amount),
		zap.Int64("allocated_total", total),
	)
	return nil
}

// UpdateValue записывает наблюдаемую стоимость. Источник цены вне системы.
func (r *Registry) UpdateValue(ctx context.Context, caller, id string, value int64) (err error) {
	defer func() { r.metrics.Observe(component, "update_value", err) }()

	if value < 0 {
		return domain.ErrInvalidAmount
	}
	if err := r.checkRunnable(); err != nil {
		return err
	}

	r.mu.RLock()
	_, feeder := r.feeders[caller]
	allowed := feeder || caller == r.admin
	r.mu.RUnlock()
	if !allowed {
		return domain.ErrNotAuthorized
	}

	release, err := r.guard.Enter(commitmentKey(id))
	if err != nil {
		return err
	}
	defer release()

	r.mu.Lock()
	c, ok := r.commitments[id]
	if !ok {
		r.mu.Unlock()
		return domain.ErrCommitmentNotFound
	}
	if !c.IsActive() {
		r.mu.Unlock()
		return domain.ErrInvalidStatus
	}
	prev := c.CurrentValue
	c.CurrentValue = value
	r.mu.Unlock()

	r.logger.Debug("value updated", zap.String("commitment_id", id), zap.Int64("value", value))
	r.emit(domain.Event{
		Type:         domain.EventValueUpdated,
		CommitmentID: id,
		Actor:        caller,
		Amount:       value,
		Attrs:        map[string]string{"previous": strconv.FormatInt(prev, 10)},
	})
	return nil
}

// CheckViolations только читает. ViolationDetected публикуется лишь при нарушении.
// Для завершённых обязательств нарушений нет.
func (r *Registry) CheckViolations(ctx context.Context, id string) (bool, error) {
	c, err := r.GetCommitment(ctx, id)
	if err != nil {
		return false, err
	}
	if c.Status.Terminal() {
		return false, nil
	}
	h, err := compliance.Health(c, r.now())
	if err != nil {
		return false, err
	}
	if h.Compliant() {
		return false, nil
	}

	r.logger.Warn("violation detected",
		zap.String("commitment_id", id),
		zap.Int64("loss_percent", h.LossPercent),
		zap.Bool("loss_violated", h.LossViolated),
		zap.Bool("duration_violated", h.DurationViolated),
	)
	r.emit(domain.Event{
		Type:         domain.EventViolationDetected,
		CommitmentID: id,
		Actor:        c.Owner,
		Amount:       c.CurrentValue,
		Attrs: map[string]string{
			"loss_percent":      strconv.FormatInt(h.LossPercent, 10),
			"loss_violated":     strconv.FormatBool(h.LossViolated),
			"duration_violated": strconv.FormatBool(h.DurationViolated),
		},
	})
	return true, nil
}

// --- custody helpers ---

// payout переводит amount владельцу и снимает блокировку токена.
// Если токен не разблокировался: перевод откатывается.
func (r *Registry) payout(ctx context.Context, log *zap.Logger, c domain.Commitment, amount int64) error {
	if amount > 0 {
		if err := r.deps.Custodian.Transfer(ctx, r.deps.System, c.Owner, amount, c.Asset); err != nil {
			log.Warn("custody payout failed", zap.Int64("amount", amount), zap.Error(err))
			return fmt.Errorf("custody payout: %w", err)
		}
	}
	if err := r.deps.Collateral.Settle(ctx, r.deps.System, c.TokenID); err != nil {
		if amount > 0 {
			if rErr := r.deps.Custodian.Transfer(ctx, c.Owner, r.deps.System, amount, c.Asset); rErr != nil {
				log.Error("CRITICAL: payout reversal failed", zap.Int64("amount", amount), zap.Error(rErr))
			}
		}
		return fmt.Errorf("settle collateral: %w", err)
	}
	return nil
}

func (r *Registry) refund(ctx context.Context, log *zap.Logger, owner string, amount int64, asset string) {
	if err := r.deps.Custodian.Transfer(ctx, r.deps.System, owner, amount, asset); err != nil {
		log.Error("CRITICAL: refund failed", zap.Int64("amount", amount), zap.Error(err))
	}
}

// reserveTVL резервирует amount под TVL. Резервы незавершённых созданий
// учитываются вместе с уже заблокированной суммой.
func (r *Registry) reserveTVL(amount int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	total, err := safety.CheckedAdd(r.tvl, r.pending)
	if err != nil {
		return err
	}
	if _, err := safety.CheckedAdd(total, amount); err != nil {
		return err
	}
	r.pending += amount
	return nil
}

// checkTVLDecrement проверяет, что снятие amount не уводит TVL ниже нуля.
// Такое возможно только при рассинхроне учёта, и о нём надо узнать до выплаты.
func (r *Registry) checkTVLDecrement(amount int64) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	next, err := safety.CheckedSub(r.tvl, amount)
	if err != nil {
		return err
	}
	if next < 0 {
		return domain.ErrOverflow
	}
	return nil
}

func (r *Registry) releaseTVL(amount int64) {
	r.mu.Lock()
	r.pending -= amount
	r.mu.Unlock()
}

// releaseAllocation возвращает ёмкость пулам. Сбой только логируется, расчёт не откатывается.
func (r *Registry) releaseAllocation(ctx context.Context, log *zap.Logger, id string) {
	if r.deps.Allocator == nil {
		return
	}
	if err := r.deps.Allocator.Release(ctx, r.deps.System, id); err != nil {
		log.Error("allocation release failed", zap.Error(err))
	}
}
