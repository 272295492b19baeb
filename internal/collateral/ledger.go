package collateral

/*
Пакет collateral ведёт токены блокировки: ровно один токен на обязательство.
Пока обязательство активно, токен заблокирован и не передаётся. Флаг Locked
служит единственным источником истины о том, кому платить при расчёте.
*/

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/commitment-vault/internal/domain"
	"github.com/xela07ax/commitment-vault/internal/safety"
	"github.com/xela07ax/commitment-vault/internal/telemetry"
)

const component = "collateral"

type Option func(*Ledger)

// WithClock подменяет источник времени (тесты)
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithRulesPolicy(p domain.RulesPolicy) Option {
	return func(l *Ledger) { l.policy = p }
}

type Ledger struct {
	mu sync.RWMutex

	initialized bool
	paused      bool
	admin       string
	minter      string

	nextID       uint64
	tokens       map[uint32]*domain.Token
	byOwner      map[string]map[uint32]struct{}
	byCommitment map[string]uint32

	policy  domain.RulesPolicy
	now     func() time.Time
	sink    domain.EventSink
	metrics *telemetry.Metrics
	logger  *zap.Logger
}

func New(logger *zap.Logger, sink domain.EventSink, metrics *telemetry.Metrics, opts ...Option) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = domain.NopSink{}
	}
	l := &Ledger{
		tokens:       make(map[uint32]*domain.Token),
		byOwner:      make(map[string]map[uint32]struct{}),
		byCommitment: make(map[string]uint32),
		policy:       domain.DefaultRulesPolicy,
		now:          time.Now,
		sink:         sink,
		metrics:      metrics,
		logger:       logger.Named(component),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Initialize: одноразовая установка администратора
func (l *Ledger) Initialize(admin string) error {
	if admin == "" {
		return domain.ErrInvalidAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.initialized {
		return domain.ErrAlreadyInitialized
	}
	l.initialized = true
	l.admin = admin
	l.logger.Info("collateral ledger initialized", zap.String("admin", admin))
	return nil
}

// SetMinter назначает системный адрес, которому разрешены Mint и Settle.
func (l *Ledger) SetMinter(caller, minter string) error {
	if minter == "" {
		return domain.ErrInvalidAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.initialized {
		return domain.ErrNotInitialized
	}
	if caller != l.admin {
		return domain.ErrNotAuthorized
	}
	l.minter = minter
	l.logger.Info("minter assigned", zap.String("minter", minter))
	return nil
}

func (l *Ledger) Mint(ctx context.Context, caller, owner, commitmentID string, rules domain.Rules, amount int64, asset string) (id uint32, err error) {
	defer func() { l.metrics.Observe(component, "mint", err) }()

	if owner == "" {
		return 0, domain.ErrInvalidAddress
	}
	if commitmentID == "" || len(commitmentID) > domain.MaxCommitmentIDLength {
		return 0, domain.ErrInvalidCommitmentID
	}
	if amount <= 0 {
		return 0, domain.ErrInvalidAmount
	}
	if err := rules.Validate(l.policy); err != nil {
		return 0, err
	}

	l.mu.Lock()
	if err := l.checkMinterLocked(caller); err != nil {
		l.mu.Unlock()
		return 0, err
	}
	if l.paused {
		l.mu.Unlock()
		return 0, domain.ErrPaused
	}
	if _, dup := l.byCommitment[commitmentID]; dup {
		l.mu.Unlock()
		return 0, domain.ErrAlreadyExists
	}
	if l.nextID > math.MaxUint32 {
		l.mu.Unlock()
		return 0, domain.ErrOverflow
	}

	now := l.now().UTC()
	id = uint32(l.nextID)
	tok := &domain.Token{
		ID:            id,
		CommitmentID:  commitmentID,
		Owner:         owner,
		Locked:        true,
		InitialAmount: amount,
		Asset:         asset,
		Rules:         rules,
		CreatedAt:     now,
		ExpiresAt:     safety.AddDaysSaturating(now, rules.DurationDays),
	}
	l.nextID++
	l.tokens[id] = tok
	l.byCommitment[commitmentID] = id
	l.addOwnerLocked(owner, id)
	l.mu.Unlock()

	l.logger.Info("token minted",
		zap.Uint32("token_id", id),
		zap.String("commitment_id", commitmentID),
		zap.String("owner", owner),
		zap.Int64("amount", amount),
	)
	l.emit(domain.Event{
		Type:         domain.EventMint,
		CommitmentID: commitmentID,
		TokenID:      domain.U32(id),
		Actor:        owner,
		Amount:       amount,
		Timestamp:    now,
	})
	return id, nil
}

// Transfer передаёт разблокированный токен. Порядок проверок фиксирован:
// пауза, существование, владелец, самоперевод, блокировка.
func (l *Ledger) Transfer(ctx context.Context, from, to string, tokenID uint32) (err error) {
	defer func() { l.metrics.Observe(component, "transfer", err) }()

	l.mu.Lock()
	if !l.initialized {
		l.mu.Unlock()
		return domain.ErrNotInitialized
	}
	if l.paused {
		l.mu.Unlock()
		return domain.ErrPaused
	}
	tok, ok := l.tokens[tokenID]
	if !ok {
		l.mu.Unlock()
		return domain.ErrTokenNotFound
	}
	if tok.Owner != from {
		l.mu.Unlock()
		return domain.ErrNotOwner
	}
	if from == to {
		l.mu.Unlock()
		return domain.ErrSelfTransfer
	}
	if to == "" {
		l.mu.Unlock()
		return domain.ErrInvalidAddress
	}
	if tok.Locked {
		l.mu.Unlock()
		return domain.ErrLocked
	}

	l.removeOwnerLocked(from, tokenID)
	l.addOwnerLocked(to, tokenID)
	tok.Owner = to
	commitmentID := tok.CommitmentID
	l.mu.Unlock()

	l.logger.Info("token transferred",
		zap.Uint32("token_id", tokenID),
		zap.String("from", from),
		zap.String("to", to),
	)
	l.emit(domain.Event{
		Type:         domain.EventTransfer,
		CommitmentID: commitmentID,
		TokenID:      domain.U32(tokenID),
		Actor:        from,
		Attrs:        map[string]string{"to": to},
		Timestamp:    l.now().UTC(),
	})
	return nil
}

// Settle снимает блокировку. Срок здесь не проверяется: его проверяет вызывающий,
// а досрочный выход тоже должен разблокировать токен.
func (l *Ledger) Settle(ctx context.Context, caller string, tokenID uint32) (err error) {
	defer func() { l.metrics.Observe(component, "settle", err) }()

	l.mu.Lock()
	if err := l.checkMinterLocked(caller); err != nil {
		l.mu.Unlock()
		return err
	}
	tok, ok := l.tokens[tokenID]
	if !ok {
		l.mu.Unlock()
		return domain.ErrTokenNotFound
	}
	if !tok.Locked {
		l.mu.Unlock()
		return domain.ErrAlreadySettled
	}
	tok.Locked = false
	commitmentID, owner := tok.CommitmentID, tok.Owner
	l.mu.Unlock()

	l.logger.Info("token settled", zap.Uint32("token_id", tokenID), zap.String("commitment_id", commitmentID))
	l.emit(domain.Event{
		Type:         domain.EventTokenSettled,
		CommitmentID: commitmentID,
		TokenID:      domain.U32(tokenID),
		Actor:        owner,
		Timestamp:    l.now().UTC(),
	})
	return nil
}

func (l *Ledger) Pause(ctx context.Context, caller string) error {
	return l.setPaused(caller, true)
}

func (l *Ledger) Unpause(ctx context.Context, caller string) error {
	return l.setPaused(caller, false)
}

func (l *Ledger) setPaused(caller string, paused bool) error {
	l.mu.Lock()
	if !l.initialized {
		l.mu.Unlock()
		return domain.ErrNotInitialized
	}
	if caller != l.admin {
		l.mu.Unlock()
		return domain.ErrNotAuthorized
	}
	if l.paused == paused {
		l.mu.Unlock()
		if paused {
			return domain.ErrPaused
		}
		return domain.ErrNotPaused
	}
	l.paused = paused
	l.mu.Unlock()

	evt := domain.EventUnpaused
	if paused {
		evt = domain.EventPaused
	}
	l.logger.Warn("pause state changed", zap.Bool("paused", paused), zap.String("by", caller))
	l.emit(domain.Event{Type: evt, Actor: caller, Timestamp: l.now().UTC()})
	return nil
}

func (l *Ledger) Paused() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.paused
}

// --- Reads ---

func (l *Ledger) Get(ctx context.Context, tokenID uint32) (domain.Token, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	tok, ok := l.tokens[tokenID]
	if !ok {
		return domain.Token{}, domain.ErrTokenNotFound
	}
	return *tok, nil
}

// ByCommitment находит токен по обязательству
func (l *Ledger) ByCommitment(ctx context.Context, commitmentID string) (domain.Token, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.byCommitment[commitmentID]
	if !ok {
		return domain.Token{}, domain.ErrTokenNotFound
	}
	return *l.tokens[id], nil
}

func (l *Ledger) Exists(ctx context.Context, tokenID uint32) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.tokens[tokenID]
	return ok
}

func (l *Ledger) OwnerOf(ctx context.Context, tokenID uint32) (string, error) {
	tok, err := l.Get(ctx, tokenID)
	if err != nil {
		return "", err
	}
	return tok.Owner, nil
}

func (l *Ledger) IsLocked(ctx context.Context, tokenID uint32) (bool, error) {
	tok, err := l.Get(ctx, tokenID)
	if err != nil {
		return false, err
	}
	return tok.Locked, nil
}

// IsExpired: now >= expires_at
func (l *Ledger) IsExpired(ctx context.Context, tokenID uint32) (bool, error) {
	tok, err := l.Get(ctx, tokenID)
	if err != nil {
		return false, err
	}
	return !l.now().Before(tok.ExpiresAt), nil
}

func (l *Ledger) BalanceOf(ctx context.Context, owner string) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.byOwner[owner]))
}

func (l *Ledger) TotalSupply(ctx context.Context) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.tokens))
}

// TokensOf возвращает id по возрастанию; пустой срез, если токенов нет.
func (l *Ledger) TokensOf(ctx context.Context, owner string) []uint32 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]uint32, 0, len(l.byOwner[owner]))
	for id := range l.byOwner[owner] {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// --- internals (mu held) ---

func (l *Ledger) checkMinterLocked(caller string) error {
	if !l.initialized {
		return domain.ErrNotInitialized
	}
	if l.minter == "" || caller != l.minter {
		return domain.ErrNotAuthorized
	}
	return nil
}

func (l *Ledger) addOwnerLocked(owner string, id uint32) {
	set, ok := l.byOwner[owner]
	if !ok {
		set = make(map[uint32]struct{})
		l.byOwner[owner] = set
	}
	set[id] = struct{}{}
}

func (l *Ledger) removeOwnerLocked(owner string, id uint32) {
	set := l.byOwner[owner]
	delete(set, id)
	if len(set) == 0 {
		delete(l.byOwner, owner)
	}
}

func (l *Ledger) emit(e domain.Event) {
	e.ID = uuid.NewString()
	e.Source = component
	l.sink.Emit(e)
}
