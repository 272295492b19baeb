package domain

import "time"

// Встроенные типы аттестаций
const (
	AttestationHealthCheck   = "health_check"
	AttestationFeeGeneration = "fee_generation"
	AttestationDrawdown      = "drawdown"
	AttestationViolation     = "violation"
)

// Attestation: неизменяемое наблюдение верификатора. Только добавление.
type Attestation struct {
	ID           string            `json:"id"`
	CommitmentID string            `json:"commitment_id"`
	Type         string            `json:"attestation_type"`
	Data         map[string]string `json:"data"`
	IsCompliant  bool              `json:"is_compliant"`
	Verifier     string            `json:"verifier"`
	Timestamp    time.Time         `json:"timestamp"`
}

// Clone защищает журнал от мутаций через map Data.
func (a Attestation) Clone() Attestation {
	out := a
	if a.Data != nil {
		out.Data = make(map[string]string, len(a.Data))
		for k, v := range a.Data {
			out.Data[k] = v
		}
	}
	return out
}

// AttestationPage: страница журнала. NextOffset == 0, если дальше ничего нет.
type AttestationPage struct {
	Attestations []Attestation `json:"attestations"`
	NextOffset   int           `json:"next_offset"`
}

// AttestationStats: агрегаты по журналу одного обязательства
type AttestationStats struct {
	Total           int       `json:"total"`
	Compliant       int       `json:"compliant"`
	FeesGenerated   int64     `json:"fees_generated"`
	LastAttestation time.Time `json:"last_attestation"`
}

// HealthMetrics: производные показатели, не хранятся. Считаются из Commitment и правил.
type HealthMetrics struct {
	CommitmentID     string        `json:"commitment_id"`
	InitialValue     int64         `json:"initial_value"`
	CurrentValue     int64         `json:"current_value"`
	LossPercent      int64         `json:"loss_percent"`
	MaxLossPercent   uint32        `json:"max_loss_percent"`
	Elapsed          time.Duration `json:"elapsed"`
	TimeRemaining    time.Duration `json:"time_remaining"`
	LossViolated     bool          `json:"loss_violated"`
	DurationViolated bool          `json:"duration_violated"`
}

// Compliant: все флаги нарушений сброшены
func (h HealthMetrics) Compliant() bool {
	return !h.LossViolated && !h.DurationViolated
}
