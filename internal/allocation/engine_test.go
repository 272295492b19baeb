package allocation

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/commitment-vault/internal/domain"
	"github.com/xela07ax/commitment-vault/internal/telemetry"
)

const (
	admin = "admin"
	sys   = "registry"
)

type countingSink struct{ byType map[domain.EventType]int }

func (s *countingSink) Emit(e domain.Event) {
	if s.byType == nil {
		s.byType = make(map[domain.EventType]int)
	}
	s.byType[e.Type]++
}

func newEngine(t *testing.T) (*Engine, *countingSink) {
	t.Helper()
	sink := &countingSink{}
	now := time.Unix(1_700_000_000, 0)
	e := New(zap.NewNop(), sink, telemetry.NewMetrics(prometheus.NewRegistry()), WithClock(func() time.Time { return now }))
	require.NoError(t, e.Initialize(admin))
	require.NoError(t, e.SetAllocator(admin, sys))
	return e, sink
}

func registerPools(t *testing.T, e *Engine, capacities ...int64) {
	t.Helper()
	for i, c := range capacities {
		require.NoError(t, e.RegisterPool(context.Background(), admin, uint32(i+1), domain.RiskLow, decimal.RequireFromString("0.05"), c))
	}
}

func sumSplits(splits []domain.Split) int64 {
	var s int64
	for _, x := range splits {
		s += x.Amount
	}
	return s
}

func poolAllocated(t *testing.T, e *Engine) map[uint32]int64 {
	t.Helper()
	out := map[uint32]int64{}
	for _, p := range e.GetAllPools(context.Background()) {
		out[p.ID] = p.Allocated
		assert.LessOrEqual(t, p.Allocated, p.Capacity)
	}
	return out
}

func TestEngine_PoolAdmin(t *testing.T) {
	ctx := context.Background()
	e, sink := newEngine(t)

	apy := decimal.RequireFromString("0.07")
	assert.ErrorIs(t, e.RegisterPool(ctx, "alice", 1, domain.RiskLow, apy, 100), domain.ErrNotAuthorized)
	assert.ErrorIs(t, e.RegisterPool(ctx, admin, 1, "extreme", apy, 100), domain.ErrInvalidRiskLevel)
	assert.ErrorIs(t, e.RegisterPool(ctx, admin, 1, domain.RiskLow, apy, 0), domain.ErrInvalidAmount)
	assert.ErrorIs(t, e.RegisterPool(ctx, admin, 1, domain.RiskLow, decimal.NewFromInt(-1), 100), domain.ErrInvalidPercent)

	require.NoError(t, e.RegisterPool(ctx, admin, 1, domain.RiskMedium, apy, 1000))
	assert.ErrorIs(t, e.RegisterPool(ctx, admin, 1, domain.RiskMedium, apy, 1000), domain.ErrAlreadyExists)

	_, err := e.GetPool(ctx, 2)
	assert.ErrorIs(t, err, domain.ErrPoolNotFound)

	_, err = e.Allocate(ctx, "alice", "cmt_1", 600, []domain.Weight{{PoolID: 1, Weight: 100}})
	require.NoError(t, err)

	assert.ErrorIs(t, e.UpdatePoolCapacity(ctx, admin, 1, 599), domain.ErrCapacityBelowAllocated)
	require.NoError(t, e.UpdatePoolCapacity(ctx, admin, 1, 600))
	assert.ErrorIs(t, e.UpdatePoolCapacity(ctx, admin, 9, 600), domain.ErrPoolNotFound)

	require.NoError(t, e.UpdatePoolStatus(ctx, admin, 1, false))
	p, err := e.GetPool(ctx, 1)
	require.NoError(t, err)
	assert.False(t, p.Active)
	assert.Equal(t, int64(600), p.Capacity)

	assert.Equal(t, 1, sink.byType[domain.EventPoolRegistered])
	assert.Equal(t, 2, sink.byType[domain.EventPoolUpdated])
}

func TestEngine_Allocate(t *testing.T) {
	ctx := context.Background()

	t.Run("splits sum to the amount and respect capacity", func(t *testing.T) {
		e, sink := newEngine(t)
		registerPools(t, e, 10_000, 10_000, 10_000)

		strategy := []domain.Weight{{PoolID: 1, Weight: 50}, {PoolID: 2, Weight: 30}, {PoolID: 3, Weight: 20}}
		s, err := e.Allocate(ctx, "alice", "cmt_1", 1000, strategy)
		require.NoError(t, err)

		assert.Equal(t, int64(1000), sumSplits(s.Splits))
		assert.Equal(t, []domain.Split{{PoolID: 1, Amount: 500}, {PoolID: 2, Amount: 300}, {PoolID: 3, Amount: 200}}, s.Splits)
		assert.Equal(t, int64(1000), s.TotalAllocated)
		assert.True(t, s.ExpectedYield.Equal(decimal.NewFromInt(50)), s.ExpectedYield.String())
		assert.Equal(t, 1, sink.byType[domain.EventAllocationUpdated])
		poolAllocated(t, e)
	})

	t.Run("shortfall carries to the next pool in strategy order", func(t *testing.T) {
		e, _ := newEngine(t)
		registerPools(t, e, 100, 10_000)

		s, err := e.Allocate(ctx, "alice", "cmt_1", 1000, []domain.Weight{{PoolID: 1, Weight: 50}, {PoolID: 2, Weight: 50}})
		require.NoError(t, err)
		assert.Equal(t, []domain.Split{{PoolID: 1, Amount: 100}, {PoolID: 2, Amount: 900}}, s.Splits)
	})

	t.Run("rounding remainder goes to the last pool", func(t *testing.T) {
		e, _ := newEngine(t)
		registerPools(t, e, 10_000, 10_000, 10_000)

		s, err := e.Allocate(ctx, "alice", "cmt_1", 100, []domain.Weight{{PoolID: 1, Weight: 33}, {PoolID: 2, Weight: 33}, {PoolID: 3, Weight: 34}})
		require.NoError(t, err)
		assert.Equal(t, int64(100), sumSplits(s.Splits))

		s, err = e.Allocate(ctx, "bob", "cmt_2", 10, []domain.Weight{{PoolID: 1, Weight: 33}, {PoolID: 2, Weight: 67}})
		require.NoError(t, err)
		assert.Equal(t, []domain.Split{{PoolID: 1, Amount: 3}, {PoolID: 2, Amount: 7}}, s.Splits)
	})

	t.Run("insufficient capacity commits nothing", func(t *testing.T) {
		e, sink := newEngine(t)
		registerPools(t, e, 300, 300)
		before := poolAllocated(t, e)

		_, err := e.Allocate(ctx, "alice", "cmt_1", 1000, []domain.Weight{{PoolID: 1, Weight: 50}, {PoolID: 2, Weight: 50}})
		assert.ErrorIs(t, err, domain.ErrInsufficientCapacity)
		assert.Equal(t, domain.KindCapacity, domain.KindOf(err))

		assert.Equal(t, before, poolAllocated(t, e))
		assert.True(t, e.GetAllocation(ctx, "cmt_1").Empty())
		assert.Zero(t, sink.byType[domain.EventAllocationUpdated])
	})

	t.Run("strategy validation", func(t *testing.T) {
		e, _ := newEngine(t)
		registerPools(t, e, 1000, 1000)
		require.NoError(t, e.UpdatePoolStatus(ctx, admin, 2, false))

		cases := []struct {
			name     string
			strategy []domain.Weight
			want     error
		}{
			{"empty", nil, domain.ErrInvalidStrategy},
			{"sum below 100", []domain.Weight{{PoolID: 1, Weight: 90}}, domain.ErrInvalidStrategy},
			{"duplicate pool", []domain.Weight{{PoolID: 1, Weight: 50}, {PoolID: 1, Weight: 50}}, domain.ErrInvalidStrategy},
			{"unknown pool", []domain.Weight{{PoolID: 7, Weight: 100}}, domain.ErrPoolNotFound},
			{"inactive pool", []domain.Weight{{PoolID: 1, Weight: 50}, {PoolID: 2, Weight: 50}}, domain.ErrPoolInactive},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				_, err := e.Allocate(ctx, "alice", "cmt_1", 100, tc.strategy)
				assert.ErrorIs(t, err, tc.want)
			})
		}

		_, err := e.Allocate(ctx, "alice", "cmt_1", 0, []domain.Weight{{PoolID: 1, Weight: 100}})
		assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	})

	t.Run("second allocation merges and only the owner may add", func(t *testing.T) {
		e, _ := newEngine(t)
		registerPools(t, e, 1000, 1000)

		_, err := e.Allocate(ctx, "alice", "cmt_1", 200, []domain.Weight{{PoolID: 1, Weight: 100}})
		require.NoError(t, err)

		_, err = e.Allocate(ctx, "mallory", "cmt_1", 10, []domain.Weight{{PoolID: 1, Weight: 100}})
		assert.ErrorIs(t, err, domain.ErrNotAuthorized)

		s, err := e.Allocate(ctx, "alice", "cmt_1", 100, []domain.Weight{{PoolID: 2, Weight: 50}, {PoolID: 1, Weight: 50}})
		require.NoError(t, err)
		assert.Equal(t, []domain.Split{{PoolID: 1, Amount: 250}, {PoolID: 2, Amount: 50}}, s.Splits)
		assert.Equal(t, int64(300), s.TotalAllocated)
		assert.Equal(t, []domain.Weight{{PoolID: 2, Weight: 50}, {PoolID: 1, Weight: 50}}, s.Strategy)
	})
}

func TestEngine_Rebalance(t *testing.T) {
	ctx := context.Background()

	t.Run("re-runs the stored strategy after capacity frees up", func(t *testing.T) {
		e, _ := newEngine(t)
		registerPools(t, e, 100, 10_000)
		strategy := []domain.Weight{{PoolID: 1, Weight: 50}, {PoolID: 2, Weight: 50}}

		s, err := e.Allocate(ctx, "alice", "cmt_1", 1000, strategy)
		require.NoError(t, err)
		assert.Equal(t, int64(100), s.Splits[0].Amount)

		require.NoError(t, e.UpdatePoolCapacity(ctx, admin, 1, 10_000))

		s, err = e.Rebalance(ctx, "alice", "cmt_1")
		require.NoError(t, err)
		assert.Equal(t, []domain.Split{{PoolID: 1, Amount: 500}, {PoolID: 2, Amount: 500}}, s.Splits)
		assert.Equal(t, map[uint32]int64{1: 500, 2: 500}, poolAllocated(t, e))
	})

	t.Run("only the recorded owner", func(t *testing.T) {
		e, _ := newEngine(t)
		registerPools(t, e, 1000)
		_, err := e.Allocate(ctx, "alice", "cmt_1", 100, []domain.Weight{{PoolID: 1, Weight: 100}})
		require.NoError(t, err)

		_, err = e.Rebalance(ctx, "bob", "cmt_1")
		assert.ErrorIs(t, err, domain.ErrNotAuthorized)

		_, err = e.Rebalance(ctx, "alice", "cmt_missing")
		assert.ErrorIs(t, err, domain.ErrAllocationNotFound)
	})

	t.Run("failure leaves summary and pools bit-for-bit unchanged", func(t *testing.T) {
		e, _ := newEngine(t)
		registerPools(t, e, 1000, 1000)

		_, err := e.Allocate(ctx, "alice", "cmt_1", 800, []domain.Weight{{PoolID: 1, Weight: 50}, {PoolID: 2, Weight: 50}})
		require.NoError(t, err)
		_, err = e.Allocate(ctx, "bob", "cmt_2", 300, []domain.Weight{{PoolID: 2, Weight: 100}})
		require.NoError(t, err)

		require.NoError(t, e.UpdatePoolStatus(ctx, admin, 2, false))

		beforeSummary := e.GetAllocation(ctx, "cmt_1")
		beforePools := e.GetAllPools(ctx)

		_, err = e.Rebalance(ctx, "alice", "cmt_1")
		assert.ErrorIs(t, err, domain.ErrPoolInactive)

		assert.Equal(t, beforeSummary, e.GetAllocation(ctx, "cmt_1"))
		assert.Equal(t, beforePools, e.GetAllPools(ctx))
	})
}

func TestEngine_Release(t *testing.T) {
	ctx := context.Background()
	e, sink := newEngine(t)
	registerPools(t, e, 1000)

	_, err := e.Allocate(ctx, "alice", "cmt_1", 400, []domain.Weight{{PoolID: 1, Weight: 100}})
	require.NoError(t, err)

	assert.ErrorIs(t, e.Release(ctx, "alice", "cmt_1"), domain.ErrNotAuthorized)
	require.NoError(t, e.Release(ctx, sys, "cmt_1"))
	require.NoError(t, e.Release(ctx, sys, "cmt_1"), "release of a missing allocation is a no-op")

	assert.Equal(t, map[uint32]int64{1: 0}, poolAllocated(t, e))
	s := e.GetAllocation(ctx, "cmt_1")
	assert.True(t, s.Empty())
	assert.Equal(t, "cmt_1", s.CommitmentID)
	assert.Equal(t, 1, sink.byType[domain.EventAllocationReleased])
}

func TestEngine_GuardRejectsReentry(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	registerPools(t, e, 1000)

	release, err := e.guard.Enter(commitmentKey("cmt_1"))
	require.NoError(t, err)
	defer release()

	_, err = e.Allocate(ctx, "alice", "cmt_1", 100, []domain.Weight{{PoolID: 1, Weight: 100}})
	assert.ErrorIs(t, err, domain.ErrReentrancy)
	assert.Equal(t, int64(0), poolAllocated(t, e)[1])
}
