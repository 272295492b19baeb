package journal

/*
Журнал событий: асинхронный пакетный писатель доменных событий.

- Emit никогда не блокирует горячий путь: событие кладётся в буферизованный канал,
  при переполнении сбрасывается (Load Shedding) и учитывается в метрике.
- Воркер копит пачку и пишет её в Store по размеру или по таймеру.
  Запись повторяется с экспоненциальной задержкой (retry-go).
- После успешной записи пачка публикуется подписчикам (Publisher), если он задан.
- Stop закрывает вход, вычитывает остаток канала и делает финальный flush.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/commitment-vault/internal/domain"
	"github.com/xela07ax/commitment-vault/internal/telemetry"
)

// Store определяет, куда физически сохраняются события
type Store interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []domain.Event) error
}

// Publisher раздаёт записанные события внешним подписчикам
type Publisher interface {
	Publish(ctx context.Context, events []domain.Event) error
}

type Config struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	FlushAttempts uint
	RetryDelay    time.Duration
	WriteTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		BufferSize:    10000,
		BatchSize:     100,
		FlushInterval: 500 * time.Millisecond,
		FlushAttempts: 3,
		RetryDelay:    100 * time.Millisecond,
		WriteTimeout:  5 * time.Second,
	}
}

type Option func(*Journal)

func WithConfig(cfg Config) Option {
	return func(j *Journal) {
		def := DefaultConfig()
		if cfg.BufferSize <= 0 {
			cfg.BufferSize = def.BufferSize
		}
		if cfg.BatchSize <= 0 {
			cfg.BatchSize = def.BatchSize
		}
		if cfg.FlushInterval <= 0 {
			cfg.FlushInterval = def.FlushInterval
		}
		if cfg.FlushAttempts == 0 {
			cfg.FlushAttempts = 1
		}
		if cfg.WriteTimeout <= 0 {
			cfg.WriteTimeout = def.WriteTimeout
		}
		j.cfg = cfg
	}
}

func WithPublisher(p Publisher) Option {
	return func(j *Journal) { j.pub = p }
}

type Journal struct {
	ch      chan domain.Event
	store   Store
	pub     Publisher
	cfg     Config
	metrics *telemetry.Metrics
	logger  *zap.Logger
	wg      sync.WaitGroup

	// mu защищает закрытие канала от конкурентного Emit
	mu       sync.RWMutex
	isClosed int32
	started  int32

	written atomic.Int64
	dropped atomic.Int64
}

func New(store Store, logger *zap.Logger, metrics *telemetry.Metrics, opts ...Option) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	j := &Journal{
		store:   store,
		cfg:     DefaultConfig(),
		metrics: metrics,
		logger:  logger.With(zap.String("mod", "journal")),
	}
	for _, opt := range opts {
		opt(j)
	}
	j.ch = make(chan domain.Event, j.cfg.BufferSize)
	return j
}

func (j *Journal) Start() {
	if !atomic.CompareAndSwapInt32(&j.started, 0, 1) {
		return
	}
	j.wg.Add(1)
	go j.worker()
}

// Stop «запирает» вход в канал и ждёт, пока воркер всё допишет.
func (j *Journal) Stop() {
	j.mu.Lock()
	if !atomic.CompareAndSwapInt32(&j.isClosed, 0, 1) {
		j.mu.Unlock()
		return
	}
	j.logger.Info("stopping journal: closing channel and flushing buffer...")
	close(j.ch)
	j.mu.Unlock()

	if atomic.LoadInt32(&j.started) == 0 {
		// воркер не запускался: вычитываем сами
		j.wg.Add(1)
		j.worker()
	}
	j.wg.Wait()
	j.logger.Info("journal stopped gracefully",
		zap.Int64("written", j.written.Load()),
		zap.Int64("dropped", j.dropped.Load()),
	)
}

// Emit реализует domain.EventSink
func (j *Journal) Emit(event domain.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	j.mu.RLock()
	defer j.mu.RUnlock()

	if atomic.LoadInt32(&j.isClosed) == 1 {
		j.logger.Warn("event dropped: journal is stopping",
			zap.String("id", event.ID),
			zap.String("type", string(event.Type)),
		)
		j.drop(1)
		return
	}

	select {
	case j.ch <- event:
	default:
		j.logger.Error("journal_buffer_overflow",
			zap.String("type", string(event.Type)),
			zap.String("commitment_id", event.CommitmentID),
		)
		j.drop(1)
	}
}

// Written: сколько событий сохранено в Store
func (j *Journal) Written() int64 { return j.written.Load() }

// Dropped: сколько событий потеряно (переполнение, остановка, исчерпанные повторы)
func (j *Journal) Dropped() int64 { return j.dropped.Load() }

func (j *Journal) drop(n int) {
	j.dropped.Add(int64(n))
	if j.metrics != nil {
		j.metrics.JournalDropped.Add(float64(n))
	}
}

func (j *Journal) worker() {
	defer j.wg.Done()

	batch := make([]domain.Event, 0, j.cfg.BatchSize)
	ticker := time.NewTicker(j.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if j.metrics != nil {
			j.metrics.JournalBufferFill.Set(float64(len(j.ch)))
		}
		if len(batch) == 0 {
			return
		}
		j.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case event, ok := <-j.ch:
			if !ok {
				// канал закрыт в Stop: остаток уже вычитан
				flush()
				j.logger.Info("journal worker finished")
				return
			}
			batch = append(batch, event)
			if len(batch) >= j.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (j *Journal) flush(batch []domain.Event) {
	// Background: при остановке основной контекст может быть уже закрыт
	ctx := context.Background()

	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(j.cfg.FlushAttempts),
		retry.Delay(j.cfg.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
	)

	err := r.Do(func() error {
		wCtx, cancel := context.WithTimeout(ctx, j.cfg.WriteTimeout)
		defer cancel()
		return j.store.WriteBatch(wCtx, batch)
	})
	if err != nil {
		j.logger.Error("journal flush failed", zap.Int("events", len(batch)), zap.Error(err))
		j.drop(len(batch))
		return
	}
	j.written.Add(int64(len(batch)))

	if j.pub == nil {
		return
	}
	pCtx, cancel := context.WithTimeout(ctx, j.cfg.WriteTimeout)
	defer cancel()
	if err := j.pub.Publish(pCtx, batch); err != nil {
		// события уже сохранены, подписчики догонят по журналу
		j.logger.Warn("journal publish failed", zap.Int("events", len(batch)), zap.Error(err))
	}
}
