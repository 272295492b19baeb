package custody

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Settings struct {
	Name                string
	RatePerSecond       float64
	Burst               int
	CallTimeout         time.Duration
	MaxHalfOpenRequests uint32
	Interval            time.Duration // окно сброса счётчиков в закрытом состоянии
	OpenTimeout         time.Duration // через сколько CB попробует "закрыться"
	ConsecutiveFailures uint32
}

func DefaultSettings() Settings {
	return Settings{
		Name:                "custody",
		RatePerSecond:       100,
		Burst:               20,
		CallTimeout:         10 * time.Second,
		MaxHalfOpenRequests: 3,
		Interval:            5 * time.Second,
		OpenTimeout:         30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// Protected оборачивает кастодиана лимитером и предохранителем.
// Перевод никогда не повторяется автоматически: повтор денежного перевода не идемпотентен.
type Protected struct {
	next        Custodian
	cb          *gobreaker.CircuitBreaker
	limiter     *rate.Limiter
	callTimeout time.Duration
	logger      *zap.Logger
}

func NewProtected(next Custodian, s Settings, logger *zap.Logger) *Protected {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.With(zap.String("mod", "custody"))

	// Настройка предохранителя
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: s.MaxHalfOpenRequests,
		Interval:    s.Interval,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Если ошибок подряд больше порога: открываемся (блокируем трафик)
			return counts.ConsecutiveFailures > s.ConsecutiveFailures
		},
		// Нехватка средств: ответ по существу, а не отказ кастодиана
		IsSuccessful: func(err error) bool {
			return err == nil || IsBusinessError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("custody breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &Protected{
		next:        next,
		cb:          cb,
		limiter:     rate.NewLimiter(rate.Limit(s.RatePerSecond), s.Burst),
		callTimeout: s.CallTimeout,
		logger:      log,
	}
}

func (p *Protected) Transfer(ctx context.Context, from, to string, amount int64, asset string) error {
	// 1. Rate Limiter. Не ждём: операции выполняются до конца без приостановки.
	r := p.limiter.Reserve()
	if !r.OK() {
		return &ThrottleError{Cause: ErrThrottled}
	}
	if d := r.Delay(); d > 0 {
		r.Cancel()
		return &ThrottleError{RetryAfter: d, Cause: ErrThrottled}
	}

	// 2. Circuit Breaker
	_, err := p.cb.Execute(func() (interface{}, error) {
		callCtx := ctx
		if p.callTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, p.callTimeout)
			defer cancel()
		}
		return nil, p.next.Transfer(callCtx, from, to, amount, asset)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return err
	}
	return nil
}

// State: текущее состояние предохранителя (для health)
func (p *Protected) State() gobreaker.State {
	return p.cb.State()
}
