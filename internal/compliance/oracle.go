package compliance

/*
Пакет compliance принимает аттестации от верификаторов и считает показатели здоровья
и скор соответствия. Журнал аттестаций только дополняется. Обязательства читаются
через CommitmentReader и никогда не изменяются отсюда.
*/

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/commitment-vault/internal/domain"
	"github.com/xela07ax/commitment-vault/internal/safety"
	"github.com/xela07ax/commitment-vault/internal/telemetry"
)

const (
	component = "compliance"

	// FunctionAttest: ключ лимитера для записи аттестаций
	FunctionAttest = "attest"

	DefaultPageSize = 50
	MaxPageSize     = 500
)

// CommitmentReader: read-only взгляд на реестр
type CommitmentReader interface {
	GetCommitment(ctx context.Context, id string) (domain.Commitment, error)
}

type Option func(*Oracle)

func WithClock(now func() time.Time) Option {
	return func(o *Oracle) { o.now = now }
}

// WithRateLimiter позволяет делить лимитер с другими компонентами
func WithRateLimiter(l *safety.RateLimiter) Option {
	return func(o *Oracle) { o.limiter = l }
}

type Oracle struct {
	mu sync.RWMutex

	initialized bool
	admin       string
	verifiers   map[string]struct{}
	types       map[string]struct{}
	log         map[string][]domain.Attestation
	fees        map[string]int64

	reader  CommitmentReader
	limiter *safety.RateLimiter
	now     func() time.Time
	sink    domain.EventSink
	metrics *telemetry.Metrics
	logger  *zap.Logger
}

func New(reader CommitmentReader, logger *zap.Logger, sink domain.EventSink, metrics *telemetry.Metrics, opts ...Option) *Oracle {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = domain.NopSink{}
	}
	o := &Oracle{
		verifiers: make(map[string]struct{}),
		types: map[string]struct{}{
			domain.AttestationHealthCheck:   {},
			domain.AttestationFeeGeneration: {},
			domain.AttestationDrawdown:      {},
			domain.AttestationViolation:     {},
		},
		log:     make(map[string][]domain.Attestation),
		fees:    make(map[string]int64),
		reader:  reader,
		limiter: safety.NewRateLimiter(),
		now:     time.Now,
		sink:    sink,
		metrics: metrics,
		logger:  logger.Named(component),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Oracle) Initialize(admin string) error {
	if admin == "" {
		return domain.ErrInvalidAddress
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.initialized {
		return domain.ErrAlreadyInitialized
	}
	o.initialized = true
	o.admin = admin
	o.logger.Info("compliance oracle initialized", zap.String("admin", admin))
	return nil
}

// --- Verifiers ---

func (o *Oracle) AddVerifier(ctx context.Context, caller, addr string) error {
	if addr == "" {
		return domain.ErrInvalidAddress
	}
	o.mu.Lock()
	if err := o.checkAdminLocked(caller); err != nil {
		o.mu.Unlock()
		return err
	}
	if _, ok := o.verifiers[addr]; ok {
		o.mu.Unlock()
		return domain.ErrAlreadyExists
	}
	o.verifiers[addr] = struct{}{}
	o.mu.Unlock()

	o.logger.Info("verifier added", zap.String("verifier", addr))
	o.emit(domain.Event{Type: domain.EventVerifierAdded, Actor: caller, Attrs: map[string]string{"verifier": addr}})
	return nil
}

func (o *Oracle) RemoveVerifier(ctx context.Context, caller, addr string) error {
	o.mu.Lock()
	if err := o.checkAdminLocked(caller); err != nil {
		o.mu.Unlock()
		return err
	}
	if _, ok := o.verifiers[addr]; !ok {
		o.mu.Unlock()
		return domain.ErrNotVerifier
	}
	delete(o.verifiers, addr)
	o.mu.Unlock()

	o.logger.Info("verifier removed", zap.String("verifier", addr))
	o.emit(domain.Event{Type: domain.EventVerifierRemoved, Actor: caller, Attrs: map[string]string{"verifier": addr}})
	return nil
}

// IsVerifier: админ авторизован неявно
func (o *Oracle) IsVerifier(addr string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.isVerifierLocked(addr)
}

func (o *Oracle) RegisterAttestationType(ctx context.Context, caller, typ string) error {
	if typ == "" {
		return domain.ErrInvalidAttestationType
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkAdminLocked(caller); err != nil {
		return err
	}
	if _, ok := o.types[typ]; ok {
		return domain.ErrAlreadyExists
	}
	o.types[typ] = struct{}{}
	o.logger.Info("attestation type registered", zap.String("type", typ))
	return nil
}

// --- Writes ---

func (o *Oracle) Attest(ctx context.Context, caller, commitmentID, typ string, data map[string]string, isCompliant bool) (domain.Attestation, error) {
	return o.record(ctx, "attest", caller, commitmentID, typ, data, 0, func(domain.Commitment) bool { return isCompliant })
}

// RecordFees: аттестация fee_generation. Сумма комиссий копится в Stats.
func (o *Oracle) RecordFees(ctx context.Context, caller, commitmentID string, fee int64) (domain.Attestation, error) {
	if fee <= 0 {
		o.metrics.Observe(component, "record_fees", domain.ErrInvalidAmount)
		return domain.Attestation{}, domain.ErrInvalidAmount
	}
	data := map[string]string{"fee_amount": strconv.FormatInt(fee, 10)}
	return o.record(ctx, "record_fees", caller, commitmentID, domain.AttestationFeeGeneration, data, fee,
		func(domain.Commitment) bool { return true })
}

// RecordDrawdown: аттестация drawdown; соответствует, если просадка не больше max_loss.
func (o *Oracle) RecordDrawdown(ctx context.Context, caller, commitmentID string, percent uint32) (domain.Attestation, error) {
	if percent > 100 {
		o.metrics.Observe(component, "record_drawdown", domain.ErrInvalidPercent)
		return domain.Attestation{}, domain.ErrInvalidPercent
	}
	data := map[string]string{"drawdown_percent": strconv.FormatUint(uint64(percent), 10)}
	return o.record(ctx, "record_drawdown", caller, commitmentID, domain.AttestationDrawdown, data, 0,
		func(c domain.Commitment) bool { return percent <= c.Rules.MaxLossPercent })
}

func (o *Oracle) record(
	ctx context.Context,
	op, caller, commitmentID, typ string,
	data map[string]string,
	fee int64,
	compliant func(domain.Commitment) bool,
) (att domain.Attestation, err error) {
	defer func() { o.metrics.Observe(component, op, err) }()

	// 1. Авторизация и тип
	o.mu.RLock()
	initialized := o.initialized
	isVerifier := o.isVerifierLocked(caller)
	_, knownType := o.types[typ]
	o.mu.RUnlock()

	if !initialized {
		return domain.Attestation{}, domain.ErrNotInitialized
	}
	if !isVerifier {
		return domain.Attestation{}, domain.ErrNotVerifier
	}
	if !knownType {
		return domain.Attestation{}, domain.ErrInvalidAttestationType
	}

	// 2. Лимит на верификатора. Бюджет возвращается, если запись не состоялась.
	now := o.now().UTC()
	undo, err := o.limiter.Reserve(caller, FunctionAttest, now)
	if err != nil {
		return domain.Attestation{}, err
	}

	// 3. Обязательство читаем из реестра, мьютекс не держим
	c, err := o.reader.GetCommitment(ctx, commitmentID)
	if err != nil {
		undo()
		if errors.Is(err, domain.ErrCommitmentNotFound) {
			return domain.Attestation{}, err
		}
		return domain.Attestation{}, fmt.Errorf("read commitment %s: %w", commitmentID, err)
	}

	att = domain.Attestation{
		ID:           uuid.NewString(),
		CommitmentID: commitmentID,
		Type:         typ,
		IsCompliant:  compliant(c),
		Verifier:     caller,
		Timestamp:    now,
	}
	att.Data = make(map[string]string, len(data))
	for k, v := range data {
		att.Data[k] = v
	}

	// 4. Дописываем журнал
	o.mu.Lock()
	if fee > 0 {
		total, err := safety.CheckedAdd(o.fees[commitmentID], fee)
		if err != nil {
			o.mu.Unlock()
			undo()
			return domain.Attestation{}, err
		}
		o.fees[commitmentID] = total
	}
	o.log[commitmentID] = append(o.log[commitmentID], att)
	o.mu.Unlock()

	o.logger.Info("attestation recorded",
		zap.String("commitment_id", commitmentID),
		zap.String("type", typ),
		zap.Bool("compliant", att.IsCompliant),
		zap.String("verifier", caller),
	)
	o.emit(domain.Event{
		Type:         domain.EventAttestationRecorded,
		CommitmentID: commitmentID,
		Actor:        caller,
		Amount:       fee,
		Attrs: map[string]string{
			"attestation_id": att.ID,
			"type":           typ,
			"compliant":      strconv.FormatBool(att.IsCompliant),
		},
		Timestamp: now,
	})
	return att.Clone(), nil
}

// --- Reads ---

// GetAttestations: копия журнала; пустой срез для неизвестного обязательства.
func (o *Oracle) GetAttestations(ctx context.Context, commitmentID string) []domain.Attestation {
	o.mu.RLock()
	defer o.mu.RUnlock()
	src := o.log[commitmentID]
	out := make([]domain.Attestation, len(src))
	for i, a := range src {
		out[i] = a.Clone()
	}
	return out
}

// GetAttestationsPage: NextOffset == 0, когда записей больше нет.
func (o *Oracle) GetAttestationsPage(ctx context.Context, commitmentID string, offset, limit int) domain.AttestationPage {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	limit = min(limit, MaxPageSize)

	o.mu.RLock()
	defer o.mu.RUnlock()
	src := o.log[commitmentID]
	if offset >= len(src) {
		return domain.AttestationPage{Attestations: []domain.Attestation{}}
	}
	end := min(offset+limit, len(src))
	page := domain.AttestationPage{Attestations: make([]domain.Attestation, 0, end-offset)}
	for _, a := range src[offset:end] {
		page.Attestations = append(page.Attestations, a.Clone())
	}
	if end < len(src) {
		page.NextOffset = end
	}
	return page
}

func (o *Oracle) Stats(ctx context.Context, commitmentID string) domain.AttestationStats {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.statsLocked(commitmentID)
}

func (o *Oracle) GetHealthMetrics(ctx context.Context, commitmentID string) (domain.HealthMetrics, error) {
	c, err := o.reader.GetCommitment(ctx, commitmentID)
	if err != nil {
		return domain.HealthMetrics{}, err
	}
	return Health(c, o.now())
}

// VerifyCompliance: true, если ни один флаг нарушения не поднят
func (o *Oracle) VerifyCompliance(ctx context.Context, commitmentID string) (bool, error) {
	h, err := o.GetHealthMetrics(ctx, commitmentID)
	if err != nil {
		return false, err
	}
	return h.Compliant(), nil
}

// CalculateComplianceScore считает скор и публикует ScoreUpdated.
func (o *Oracle) CalculateComplianceScore(ctx context.Context, commitmentID string) (score uint32, err error) {
	defer func() { o.metrics.Observe(component, "calculate_score", err) }()

	c, err := o.reader.GetCommitment(ctx, commitmentID)
	if err != nil {
		return 0, err
	}
	stats := o.Stats(ctx, commitmentID)

	now := o.now()
	score, err = Score(c, stats, now)
	if err != nil {
		return 0, err
	}

	if o.metrics != nil {
		o.metrics.ComplianceScore.Observe(float64(score))
	}
	o.logger.Debug("compliance score calculated", zap.String("commitment_id", commitmentID), zap.Uint32("score", score))
	o.emit(domain.Event{
		Type:         domain.EventScoreUpdated,
		CommitmentID: commitmentID,
		Score:        domain.U32(score),
		Timestamp:    now.UTC(),
	})
	return score, nil
}

// --- internals ---

func (o *Oracle) statsLocked(commitmentID string) domain.AttestationStats {
	src := o.log[commitmentID]
	st := domain.AttestationStats{Total: len(src), FeesGenerated: o.fees[commitmentID]}
	for _, a := range src {
		if a.IsCompliant {
			st.Compliant++
		}
		if a.Timestamp.After(st.LastAttestation) {
			st.LastAttestation = a.Timestamp
		}
	}
	return st
}

func (o *Oracle) isVerifierLocked(addr string) bool {
	if addr == "" {
		return false
	}
	if o.initialized && addr == o.admin {
		return true
	}
	_, ok := o.verifiers[addr]
	return ok
}

func (o *Oracle) checkAdminLocked(caller string) error {
	if !o.initialized {
		return domain.ErrNotInitialized
	}
	if caller != o.admin {
		return domain.ErrNotAuthorized
	}
	return nil
}

func (o *Oracle) emit(e domain.Event) {
	e.ID = uuid.NewString()
	e.Source = component
	if e.Timestamp.IsZero() {
		e.Timestamp = o.now().UTC()
	}
	o.sink.Emit(e)
}
