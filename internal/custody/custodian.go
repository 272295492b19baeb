package custody

/*
Пакет custody: граница с хранением активов. Перевод синхронный и атомарный:
либо прошёл целиком, либо ничего не изменилось. Повторов здесь нет,
решение о повторе принимает вызывающая сторона.
*/

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Custodian переводит актив между адресами
type Custodian interface {
	Transfer(ctx context.Context, from, to string, amount int64, asset string) error
}

var (
	ErrInsufficientFunds = errors.New("custody: insufficient funds")
	ErrInvalidTransfer   = errors.New("custody: invalid transfer")
	ErrUnavailable       = errors.New("custody: unavailable")
	ErrThrottled         = errors.New("custody: throttled")
)

// ThrottleError: кастодиан перегружен, повторить можно не раньше RetryAfter.
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error {
	return e.Cause
}

// IsBusinessError: отказ по существу перевода, а не сбой инфраструктуры.
// Такие ошибки не должны размыкать предохранитель.
func IsBusinessError(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ErrInvalidTransfer)
}
