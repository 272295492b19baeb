package safety

/*
Пакет safety: общие примитивы безопасности для всех компонентов:
защита от повторного входа, лимитер с фиксированным окном и проверяемая арифметика.
*/

import (
	"sync"

	"github.com/xela07ax/commitment-vault/internal/domain"
)

// Guard: флаги "операция в полёте" по ключу ресурса.
// Второй вход по тому же ключу сразу падает с ErrReentrancy, а не ждёт.
// Это не мьютекс для конкурентных клиентов: он ловит рекурсивный вход через колбэк.
type Guard struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func NewGuard() *Guard {
	return &Guard{active: make(map[string]struct{})}
}

// Enter занимает ключ. Вызывающий обязан вызвать release на любом пути выхода (defer).
func (g *Guard) Enter(key string) (release func(), err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, busy := g.active[key]; busy {
		return func() {}, domain.ErrReentrancy
	}
	g.active[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.active, key)
			g.mu.Unlock()
		})
	}, nil
}

// Active сообщает, занят ли ключ прямо сейчас
func (g *Guard) Active(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, busy := g.active[key]
	return busy
}
