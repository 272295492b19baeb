package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// Pool: цель размещения с ограниченной ёмкостью. Allocated <= Capacity всегда.
type Pool struct {
	ID        uint32          `json:"pool_id"`
	RiskLevel RiskLevel       `json:"risk_level"`
	APY       decimal.Decimal `json:"apy"` // 0.05 == 5%
	Capacity  int64           `json:"capacity"`
	Allocated int64           `json:"allocated"`
	Active    bool            `json:"active"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Headroom: сколько ещё можно разместить.
func (p *Pool) Headroom() int64 {
	if p.Allocated >= p.Capacity {
		return 0
	}
	return p.Capacity - p.Allocated
}

// Weight: доля пула в стратегии, в процентах
type Weight struct {
	PoolID uint32 `json:"pool_id"`
	Weight uint32 `json:"weight"`
}

// Split: фактически размещённая сумма в пуле
type Split struct {
	PoolID uint32 `json:"pool_id"`
	Amount int64  `json:"amount"`
}

// AllocationSummary: нулевое значение означает "ещё не размещено", это не ошибка.
type AllocationSummary struct {
	CommitmentID   string          `json:"commitment_id"`
	Owner          string          `json:"owner"`
	Splits         []Split         `json:"splits"`
	Strategy       []Weight        `json:"strategy"`
	TotalAllocated int64           `json:"total_allocated"`
	ExpectedYield  decimal.Decimal `json:"expected_yield"`
	RebalancedAt   time.Time       `json:"rebalanced_at"`
}

// Empty: размещения ещё не было
func (s AllocationSummary) Empty() bool {
	return len(s.Splits) == 0
}

// Clone возвращает глубокую копию: наружу срезы не отдаём.
func (s AllocationSummary) Clone() AllocationSummary {
	out := s
	out.Splits = append([]Split(nil), s.Splits...)
	out.Strategy = append([]Weight(nil), s.Strategy...)
	return out
}
