package safety

import (
	"sync"
	"time"

	"github.com/xela07ax/commitment-vault/internal/domain"
)

// Limit: правило для одной функции: не больше Max вызовов за Window.
type Limit struct {
	Window time.Duration `json:"window"`
	Max    uint32        `json:"max"`
}

type windowKey struct {
	caller   string
	function string
}

type window struct {
	start time.Time
	count uint32
}

// RateLimiter: лимитер с фиксированным окном по ключу (caller, function).
// Функция без настроенного правила не ограничивается.
type RateLimiter struct {
	mu      sync.Mutex
	limits  map[string]Limit
	windows map[windowKey]window
	exempt  map[string]struct{}
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		limits:  make(map[string]Limit),
		windows: make(map[windowKey]window),
		exempt:  make(map[string]struct{}),
	}
}

// SetLimit задает правило для функции. Окно и максимум должны быть положительными.
func (l *RateLimiter) SetLimit(function string, lim Limit) error {
	if lim.Window <= 0 || lim.Max == 0 {
		return domain.ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits[function] = lim
	return nil
}

// GetLimit возвращает правило, если оно задано
func (l *RateLimiter) GetLimit(function string) (Limit, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limits[function]
	return lim, ok
}

// SetExempt включает или снимает исключение для адреса
func (l *RateLimiter) SetExempt(caller string, exempt bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if exempt {
		l.exempt[caller] = struct{}{}
	} else {
		delete(l.exempt, caller)
	}
}

// Reserve проверяет и расходует бюджет. undo возвращает окно в состояние до вызова:
// операция, упавшая после Reserve, не должна съедать лимит.
func (l *RateLimiter) Reserve(caller, function string, now time.Time) (undo func(), err error) {
	noop := func() {}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.exempt[caller]; ok {
		return noop, nil
	}
	lim, ok := l.limits[function]
	if !ok {
		return noop, nil
	}

	key := windowKey{caller: caller, function: function}
	prev, existed := l.windows[key]

	switch {
	case !existed || !now.Before(prev.start.Add(lim.Window)):
		// Окно истекло (или его не было): открываем новое
		l.windows[key] = window{start: now, count: 1}
	case prev.count < lim.Max:
		l.windows[key] = window{start: prev.start, count: prev.count + 1}
	default:
		return noop, domain.ErrRateLimited
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if existed {
				l.windows[key] = prev
			} else {
				delete(l.windows, key)
			}
		})
	}, nil
}

// Check: то же, что Reserve, без возможности отката
func (l *RateLimiter) Check(caller, function string, now time.Time) error {
	_, err := l.Reserve(caller, function, now)
	return err
}
