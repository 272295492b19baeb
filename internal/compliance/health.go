package compliance

import (
	"math"
	"time"

	"github.com/xela07ax/commitment-vault/internal/domain"
	"github.com/xela07ax/commitment-vault/internal/safety"
)

// Веса скоринга. В сумме 100.
const (
	weightAttestations = 40
	weightLossHeadroom = 40
	weightElapsed      = 20
)

// Health считает показатели из самого обязательства. Журнал аттестаций не участвует.
func Health(c domain.Commitment, now time.Time) (domain.HealthMetrics, error) {
	loss, err := safety.LossPercent(c.Amount, c.CurrentValue)
	if err != nil {
		return domain.HealthMetrics{}, err
	}

	elapsed := safety.ElapsedSeconds(c.CreatedAt, now)
	limit := safety.DaysToSeconds(c.Rules.DurationDays)
	remaining := safety.ElapsedSeconds(now, c.ExpiresAt)

	return domain.HealthMetrics{
		CommitmentID:     c.ID,
		InitialValue:     c.Amount,
		CurrentValue:     c.CurrentValue,
		LossPercent:      loss,
		MaxLossPercent:   c.Rules.MaxLossPercent,
		Elapsed:          seconds(elapsed),
		TimeRemaining:    seconds(remaining),
		LossViolated:     loss > int64(c.Rules.MaxLossPercent),
		DurationViolated: elapsed > limit,
	}, nil
}

// Score: детерминированный скор [0,100]:
//
//	40 * compliant/total        (нет аттестаций: полный вес)
//	40 * (max - loss)/max       (max == 0: полный вес только без убытка)
//	20 * min(elapsed, dur)/dur
//
// Не растёт при росте убытка и при добавлении несоответствующей аттестации.
func Score(c domain.Commitment, stats domain.AttestationStats, now time.Time) (uint32, error) {
	var total int64

	// 1. Доля соответствующих аттестаций
	if stats.Total == 0 {
		total += weightAttestations
	} else {
		part, err := safety.MulDiv(weightAttestations, int64(stats.Compliant), int64(stats.Total))
		if err != nil {
			return 0, err
		}
		total += part
	}

	// 2. Запас до максимального убытка
	loss, err := safety.LossPercent(c.Amount, c.CurrentValue)
	if err != nil {
		return 0, err
	}
	maxLoss := int64(c.Rules.MaxLossPercent)
	switch {
	case maxLoss == 0 && loss == 0:
		total += weightLossHeadroom
	case loss < maxLoss:
		part, err := safety.MulDiv(weightLossHeadroom, maxLoss-loss, maxLoss)
		if err != nil {
			return 0, err
		}
		total += part
	}

	// 3. Пройденная доля срока
	if dur := safety.DaysToSeconds(c.Rules.DurationDays); dur > 0 {
		elapsed := min(safety.ElapsedSeconds(c.CreatedAt, now), dur)
		part, err := safety.MulDiv(weightElapsed, elapsed, dur)
		if err != nil {
			return 0, err
		}
		total += part
	}

	return uint32(min(max(total, 0), 100)), nil
}

// seconds насыщается: time.Duration не вмещает больше ~292 лет
func seconds(s int64) time.Duration {
	if s > math.MaxInt64/int64(time.Second) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(s) * time.Second
}
