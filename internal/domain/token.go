package domain

import "time"

// MaxCommitmentIDLength: предел длины ссылки на обязательство в токене
const MaxCommitmentIDLength = 256

// Token: запись блокировки/владения, 1:1 с обязательством.
// Locked == true, пока обязательство активно; после Settle: false навсегда.
type Token struct {
	ID            uint32    `json:"token_id"`
	CommitmentID  string    `json:"commitment_id"`
	Owner         string    `json:"owner"`
	Locked        bool      `json:"locked"`
	InitialAmount int64     `json:"initial_amount"`
	Asset         string    `json:"asset"`
	Rules         Rules     `json:"rules"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}
