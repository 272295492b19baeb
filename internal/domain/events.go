package domain

import "time"

type EventType string

const (
	EventCommitmentCreated   EventType = "CommitmentCreated"
	EventCommitmentSettled   EventType = "CommitmentSettled"
	EventEarlyExit           EventType = "EarlyExit"
	EventViolationDetected   EventType = "ViolationDetected"
	EventValueUpdated        EventType = "ValueUpdated"
	EventMint                EventType = "Mint"
	EventTransfer            EventType = "Transfer"
	EventTokenSettled        EventType = "TokenSettled"
	EventAllocationUpdated   EventType = "AllocationUpdated"
	EventAllocationReleased  EventType = "AllocationReleased"
	EventPoolRegistered      EventType = "PoolRegistered"
	EventPoolUpdated         EventType = "PoolUpdated"
	EventAttestationRecorded EventType = "AttestationRecorded"
	EventScoreUpdated        EventType = "ScoreUpdated"
	EventVerifierAdded       EventType = "VerifierAdded"
	EventVerifierRemoved     EventType = "VerifierRemoved"
	EventPaused              EventType = "Paused"
	EventUnpaused            EventType = "Unpaused"
)

// Event: запись для внешней индексации. Несёт идентификаторы и суммы.
type Event struct {
	ID           string            `json:"id"`
	Type         EventType         `json:"type"`
	Source       string            `json:"source"` // registry, collateral, allocation, compliance
	CommitmentID string            `json:"commitment_id,omitempty"`
	TokenID      *uint32           `json:"token_id,omitempty"`
	PoolID       *uint32           `json:"pool_id,omitempty"`
	Actor        string            `json:"actor,omitempty"`
	Amount       int64             `json:"amount,omitempty"`
	Penalty      int64             `json:"penalty,omitempty"`
	Score        *uint32           `json:"score,omitempty"`
	Attrs        map[string]string `json:"attrs,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

// EventSink: куда компоненты отдают события. Emit не должен блокировать.
type EventSink interface {
	Emit(event Event)
}

// NopSink: Null Object для компонентов без подписчиков
type NopSink struct{}

func (NopSink) Emit(Event) {}

// U32: хелпер для опциональных полей события
func U32(v uint32) *uint32 {
	return &v
}
