package safety

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/commitment-vault/internal/domain"
)

func TestGuard(t *testing.T) {
	t.Run("second entry on the same key fails fast", func(t *testing.T) {
		g := NewGuard()
		release, err := g.Enter("cmt_1")
		require.NoError(t, err)

		_, err = g.Enter("cmt_1")
		assert.ErrorIs(t, err, domain.ErrReentrancy)
		assert.Equal(t, domain.KindConcurrency, domain.KindOf(err))

		release()
		assert.False(t, g.Active("cmt_1"))

		release2, err := g.Enter("cmt_1")
		require.NoError(t, err)
		release2()
	})

	t.Run("independent keys do not interfere", func(t *testing.T) {
		g := NewGuard()
		r1, err := g.Enter("a")
		require.NoError(t, err)
		r2, err := g.Enter("b")
		require.NoError(t, err)
		r1()
		r2()
	})

	t.Run("release is idempotent", func(t *testing.T) {
		g := NewGuard()
		release, err := g.Enter("k")
		require.NoError(t, err)
		release()

		other, err := g.Enter("k")
		require.NoError(t, err)
		release() // не должен снять чужой захват
		assert.True(t, g.Active("k"))
		other()
	})
}

func TestRateLimiter(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)

	t.Run("unlimited function passes", func(t *testing.T) {
		l := NewRateLimiter()
		for i := 0; i < 100; i++ {
			require.NoError(t, l.Check("alice", "create", base))
		}
	})

	t.Run("fixed window counts and resets", func(t *testing.T) {
		l := NewRateLimiter()
		require.NoError(t, l.SetLimit("create", Limit{Window: time.Minute, Max: 2}))

		require.NoError(t, l.Check("alice", "create", base))
		require.NoError(t, l.Check("alice", "create", base.Add(10*time.Second)))
		assert.ErrorIs(t, l.Check("alice", "create", base.Add(20*time.Second)), domain.ErrRateLimited)

		// другой адрес считается отдельно
		require.NoError(t, l.Check("bob", "create", base.Add(20*time.Second)))

		// окно истекло ровно на границе
		require.NoError(t, l.Check("alice", "create", base.Add(time.Minute)))
	})

	t.Run("exempt caller bypasses the check", func(t *testing.T) {
		l := NewRateLimiter()
		require.NoError(t, l.SetLimit("attest", Limit{Window: time.Hour, Max: 1}))
		l.SetExempt("oracle", true)
		for i := 0; i < 5; i++ {
			require.NoError(t, l.Check("oracle", "attest", base))
		}
		l.SetExempt("oracle", false)
		require.NoError(t, l.Check("oracle", "attest", base))
		assert.ErrorIs(t, l.Check("oracle", "attest", base), domain.ErrRateLimited)
	})

	t.Run("undo restores the budget", func(t *testing.T) {
		l := NewRateLimiter()
		require.NoError(t, l.SetLimit("create", Limit{Window: time.Minute, Max: 1}))

		undo, err := l.Reserve("alice", "create", base)
		require.NoError(t, err)
		undo()

		require.NoError(t, l.Check("alice", "create", base))
	})

	t.Run("invalid limit rejected", func(t *testing.T) {
		l := NewRateLimiter()
		assert.ErrorIs(t, l.SetLimit("x", Limit{Window: 0, Max: 1}), domain.ErrInvalidAmount)
		assert.ErrorIs(t, l.SetLimit("x", Limit{Window: time.Second, Max: 0}), domain.ErrInvalidAmount)
	})
}

func TestCheckedMath(t *testing.T) {
	_, err := CheckedAdd(math.MaxInt64, 1)
	assert.ErrorIs(t, err, domain.ErrOverflow)

	v, err := CheckedAdd(40, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	_, err = CheckedSub(math.MinInt64, 1)
	assert.ErrorIs(t, err, domain.ErrOverflow)

	_, err = CheckedMul(math.MaxInt64, 2)
	assert.ErrorIs(t, err, domain.ErrOverflow)

	_, err = MulDiv(10, 10, 0)
	assert.ErrorIs(t, err, domain.ErrDivisionByZero)
	assert.Equal(t, domain.KindArithmetic, domain.KindOf(err))

	// промежуточное произведение больше int64, результат помещается
	v, err = MulDiv(math.MaxInt64, 100, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), v)

	_, err = MulDiv(math.MaxInt64, 100, 1)
	assert.ErrorIs(t, err, domain.ErrOverflow)

	assert.Equal(t, int64(0), SaturatingSub(5, 10))
	assert.Equal(t, int64(5), SaturatingSub(10, 5))
}

func TestPercentAndLoss(t *testing.T) {
	p, err := PercentOf(1000, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(100), p)

	p, err = PercentOf(999, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(99), p, "rounds down")

	_, err = PercentOf(1000, 101)
	assert.ErrorIs(t, err, domain.ErrInvalidPercent)

	loss, err := LossPercent(1000, 800)
	require.NoError(t, err)
	assert.Equal(t, int64(20), loss)

	loss, err = LossPercent(1000, 1500)
	require.NoError(t, err)
	assert.Equal(t, int64(0), loss, "gain is not a loss")

	_, err = LossPercent(0, 0)
	assert.ErrorIs(t, err, domain.ErrDivisionByZero)
}

func TestAddDaysSaturating(t *testing.T) {
	start := time.Unix(1_700_000_000, 0).UTC()

	got := AddDaysSaturating(start, 30)
	assert.True(t, start.Add(30*24*time.Hour).Equal(got))

	got = AddDaysSaturating(start, math.MaxUint32)
	assert.Equal(t, start.Unix()+int64(math.MaxUint32)*86400, got.Unix())
	assert.True(t, got.After(start))

	near := time.Unix(MaxUnixSeconds-10, 0)
	assert.Equal(t, MaxUnixSeconds, AddDaysSaturating(near, 1).Unix())
}
