package safety

import (
	"math"
	"math/bits"
	"time"

	"github.com/xela07ax/commitment-vault/internal/domain"
)

const secondsPerDay = 86400

// MaxUnixSeconds: потолок для насыщающего сложения времени
const MaxUnixSeconds int64 = 1 << 62

func CheckedAdd(a, b int64) (int64, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, domain.ErrOverflow
	}
	return a + b, nil
}

func CheckedSub(a, b int64) (int64, error) {
	if (b < 0 && a > math.MaxInt64+b) || (b > 0 && a < math.MinInt64+b) {
		return 0, domain.ErrOverflow
	}
	return a - b, nil
}

func CheckedMul(a, b int64) (int64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	c := a * b
	if c/b != a || (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
		return 0, domain.ErrOverflow
	}
	return c, nil
}

// SaturatingSub для неотрицательных сумм: результат не опускается ниже нуля.
func SaturatingSub(a, b int64) int64 {
	if b >= a {
		return 0
	}
	return a - b
}

// MulDiv считает a*b/d с 128-битным промежуточным значением.
// Работает только с неотрицательными аргументами.
func MulDiv(a, b, d int64) (int64, error) {
	if d == 0 {
		return 0, domain.ErrDivisionByZero
	}
	if a < 0 || b < 0 || d < 0 {
		return 0, domain.ErrOverflow
	}
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi >= uint64(d) {
		return 0, domain.ErrOverflow
	}
	q, _ := bits.Div64(hi, lo, uint64(d))
	if q > math.MaxInt64 {
		return 0, domain.ErrOverflow
	}
	return int64(q), nil
}

// PercentOf: amount * percent / 100, округление вниз.
func PercentOf(amount int64, percent uint32) (int64, error) {
	if percent > 100 {
		return 0, domain.ErrInvalidPercent
	}
	return MulDiv(amount, int64(percent), 100)
}

// LossPercent: (initial - current) / initial * 100, насыщается в ноль при росте стоимости.
func LossPercent(initial, current int64) (int64, error) {
	if initial <= 0 {
		return 0, domain.ErrDivisionByZero
	}
	loss := SaturatingSub(initial, current)
	if loss == 0 {
		return 0, nil
	}
	return MulDiv(loss, 100, initial)
}

// AddDaysSaturating прибавляет дни без переполнения метки времени.
func AddDaysSaturating(t time.Time, days uint32) time.Time {
	add := int64(days) * secondsPerDay
	sec := t.Unix()
	if sec > MaxUnixSeconds-add {
		return time.Unix(MaxUnixSeconds, 0).UTC()
	}
	return time.Unix(sec+add, int64(t.Nanosecond())).UTC()
}

// ElapsedSeconds: now - since в секундах, не меньше нуля.
func ElapsedSeconds(since, now time.Time) int64 {
	d := now.Unix() - since.Unix()
	if d < 0 {
		return 0
	}
	return d
}

// DaysToSeconds: без переполнения для любого uint32
func DaysToSeconds(days uint32) int64 {
	return int64(days) * secondsPerDay
}
