package allocation

import (
	"github.com/xela07ax/commitment-vault/internal/domain"
	"github.com/xela07ax/commitment-vault/internal/safety"
)

// validateStrategy: непустая, без повторов пулов, сумма весов ровно 100.
func validateStrategy(strategy []domain.Weight) error {
	if len(strategy) == 0 {
		return domain.ErrInvalidStrategy
	}
	seen := make(map[uint32]struct{}, len(strategy))
	var sum uint64
	for _, w := range strategy {
		if _, dup := seen[w.PoolID]; dup {
			return domain.ErrInvalidStrategy
		}
		seen[w.PoolID] = struct{}{}
		sum += uint64(w.Weight)
	}
	if sum != 100 {
		return domain.ErrInvalidStrategy
	}
	return nil
}

// plan раскладывает amount по пулам в порядке стратегии.
// allocated: рабочая копия занятости пулов, её меняет только успешный план.
//
// 1. desired = amount*weight/100 (вниз), остаток от округления уходит последнему пулу
// 2. берём min(desired + перенос, свободная ёмкость), недобор переносим дальше
// 3. если после последнего пула что-то осталось: ErrInsufficientCapacity
func plan(amount int64, strategy []domain.Weight, pools map[uint32]*domain.Pool, allocated map[uint32]int64) ([]domain.Split, error) {
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	if err := validateStrategy(strategy); err != nil {
		return nil, err
	}
	for _, w := range strategy {
		p, ok := pools[w.PoolID]
		if !ok {
			return nil, domain.ErrPoolNotFound
		}
		if !p.Active {
			return nil, domain.ErrPoolInactive
		}
	}

	var (
		splits  = make([]domain.Split, 0, len(strategy))
		carry   int64
		granted int64
		taken   = make(map[uint32]int64, len(strategy))
	)
	for i, w := range strategy {
		desired, err := safety.MulDiv(amount, int64(w.Weight), 100)
		if err != nil {
			return nil, err
		}
		if i == len(strategy)-1 {
			desired = amount - granted
		}
		granted += desired

		want, err := safety.CheckedAdd(desired, carry)
		if err != nil {
			return nil, err
		}
		p := pools[w.PoolID]
		headroom := safety.SaturatingSub(p.Capacity, allocated[w.PoolID])
		take := min(want, headroom)
		carry = want - take
		if take > 0 {
			taken[w.PoolID] = take
			splits = append(splits, domain.Split{PoolID: w.PoolID, Amount: take})
		}
	}
	if carry > 0 {
		return nil, domain.ErrInsufficientCapacity
	}

	// план сошёлся: только теперь трогаем рабочую копию
	for id, v := range taken {
		allocated[id] += v
	}
	return splits, nil
}

// mergeSplits складывает новые доли в существующие, сохраняя порядок первого появления.
func mergeSplits(prev, next []domain.Split) []domain.Split {
	out := append([]domain.Split(nil), prev...)
	idx := make(map[uint32]int, len(out))
	for i, s := range out {
		idx[s.PoolID] = i
	}
	for _, s := range next {
		if i, ok := idx[s.PoolID]; ok {
			out[i].Amount += s.Amount
			continue
		}
		idx[s.PoolID] = len(out)
		out = append(out, s)
	}
	return out
}
