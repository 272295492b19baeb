package domain

import "time"

// CommitmentType: профиль риска обязательства
type CommitmentType string

const (
	TypeSafe       CommitmentType = "safe"
	TypeBalanced   CommitmentType = "balanced"
	TypeAggressive CommitmentType = "aggressive"
)

// Valid сверяет тип строго (регистр имеет значение).
func (t CommitmentType) Valid() bool {
	switch t {
	case TypeSafe, TypeBalanced, TypeAggressive:
		return true
	}
	return false
}

// Статусы State Machine
type Status string

const (
	StatusActive  Status = "active"
	StatusSettled Status = "settled"
	StatusExited  Status = "early_exit"
)

// Terminal: из терминального статуса переходов нет.
func (s Status) Terminal() bool {
	return s == StatusSettled || s == StatusExited
}

// CanTransitionTo проверяет правила конечного автомата: только Active -> Settled|Exited.
// Повторный расчёт даёт ErrAlreadySettled, любой другой запрещённый переход: ErrInvalidStatus.
func (s Status) CanTransitionTo(next Status) error {
	if next != StatusSettled && next != StatusExited {
		return ErrInvalidStatus
	}
	if s != StatusActive {
		if next == StatusSettled {
			return ErrAlreadySettled
		}
		return ErrInvalidStatus
	}
	return nil
}

// Rules: правила, под которые блокируется капитал
type Rules struct {
	DurationDays            uint32         `json:"duration_days"`
	MaxLossPercent          uint32         `json:"max_loss_percent"`
	Type                    CommitmentType `json:"commitment_type"`
	EarlyExitPenaltyPercent uint32         `json:"early_exit_penalty_percent"`
}

// RulesPolicy: настраиваемые ручки валидации.
type RulesPolicy struct {
	// AllowZeroMaxLoss разрешает нулевую толерантность к убытку.
	AllowZeroMaxLoss bool
}

// DefaultRulesPolicy принимает max_loss_percent == 0.
var DefaultRulesPolicy = RulesPolicy{AllowZeroMaxLoss: true}

// Validate проверяет правила в фиксированном порядке: первая ошибка побеждает.
func (r Rules) Validate(p RulesPolicy) error {
	if r.DurationDays == 0 {
		return ErrInvalidDuration
	}
	if r.MaxLossPercent > 100 || (r.MaxLossPercent == 0 && !p.AllowZeroMaxLoss) {
		return ErrInvalidPercent
	}
	if r.EarlyExitPenaltyPercent > 100 {
		return ErrInvalidPercent
	}
	if !r.Type.Valid() {
		return ErrInvalidCommitmentType
	}
	return nil
}

type Commitment struct {
	ID           string    `json:"id"`
	Owner        string    `json:"owner"`
	Amount       int64     `json:"amount"` // minor units
	Asset        string    `json:"asset"`
	Rules        Rules     `json:"rules"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	CurrentValue int64     `json:"current_value"` // обновляется внешним фидом
	TokenID      uint32    `json:"token_id"`
}

// IsActive: короткая проверка для горячего пути
func (c *Commitment) IsActive() bool {
	return c.Status == StatusActive
}
