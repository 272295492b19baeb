package compliance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/commitment-vault/internal/domain"
	"github.com/xela07ax/commitment-vault/internal/safety"
	"github.com/xela07ax/commitment-vault/internal/telemetry"
)

const (
	admin    = "admin"
	verifier = "auditor"
)

var t0 = time.Unix(1_700_000_000, 0).UTC()

type fakeReader map[string]domain.Commitment

func (f fakeReader) GetCommitment(_ context.Context, id string) (domain.Commitment, error) {
	c, ok := f[id]
	if !ok {
		return domain.Commitment{}, domain.ErrCommitmentNotFound
	}
	return c, nil
}

type eventLog struct{ events []domain.Event }

func (l *eventLog) Emit(e domain.Event) { l.events = append(l.events, e) }

func (l *eventLog) last() domain.Event { return l.events[len(l.events)-1] }

func commitment(id string, amount, current int64, maxLoss, days uint32) domain.Commitment {
	return domain.Commitment{
		ID:           id,
		Owner:        "alice",
		Amount:       amount,
		CurrentValue: current,
		Rules:        domain.Rules{DurationDays: days, MaxLossPercent: maxLoss, Type: domain.TypeBalanced},
		Status:       domain.StatusActive,
		CreatedAt:    t0,
		ExpiresAt:    safety.AddDaysSaturating(t0, days),
	}
}

func newOracle(t *testing.T, reader CommitmentReader, now time.Time, opts ...Option) (*Oracle, *eventLog) {
	t.Helper()
	sink := &eventLog{}
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	o := New(reader, zap.NewNop(), sink, telemetry.NewMetrics(nil), opts...)
	require.NoError(t, o.Initialize(admin))
	require.NoError(t, o.AddVerifier(context.Background(), admin, verifier))
	return o, sink
}

func TestOracle_Verifiers(t *testing.T) {
	ctx := context.Background()
	o, sink := newOracle(t, fakeReader{}, t0)

	assert.ErrorIs(t, o.Initialize("x"), domain.ErrAlreadyInitialized)
	assert.True(t, o.IsVerifier(verifier))
	assert.True(t, o.IsVerifier(admin), "admin is implicitly authorized")
	assert.False(t, o.IsVerifier("mallory"))

	assert.ErrorIs(t, o.AddVerifier(ctx, "mallory", "mallory"), domain.ErrNotAuthorized)
	assert.ErrorIs(t, o.AddVerifier(ctx, admin, verifier), domain.ErrAlreadyExists)

	require.NoError(t, o.RemoveVerifier(ctx, admin, verifier))
	assert.False(t, o.IsVerifier(verifier))
	assert.ErrorIs(t, o.RemoveVerifier(ctx, admin, verifier), domain.ErrNotVerifier)

	assert.Equal(t, domain.EventVerifierRemoved, sink.last().Type)
}

func TestOracle_Attest(t *testing.T) {
	ctx := context.Background()
	reader := fakeReader{"cmt_1": commitment("cmt_1", 1000, 1000, 10, 30)}

	t.Run("appends an immutable record", func(t *testing.T) {
		o, sink := newOracle(t, reader, t0)
		data := map[string]string{"note": "ok"}

		att, err := o.Attest(ctx, verifier, "cmt_1", domain.AttestationHealthCheck, data, true)
		require.NoError(t, err)
		assert.NotEmpty(t, att.ID)
		assert.Equal(t, verifier, att.Verifier)

		// мутации входа и выхода не протекают в журнал
		data["note"] = "changed"
		att.Data["note"] = "changed too"
		got := o.GetAttestations(ctx, "cmt_1")
		require.Len(t, got, 1)
		assert.Equal(t, "ok", got[0].Data["note"])

		assert.Equal(t, domain.EventAttestationRecorded, sink.last().Type)
		assert.Equal(t, "cmt_1", sink.last().CommitmentID)
	})

	t.Run("rejections", func(t *testing.T) {
		o, _ := newOracle(t, reader, t0)

		_, err := o.Attest(ctx, "mallory", "cmt_1", domain.AttestationHealthCheck, nil, true)
		assert.ErrorIs(t, err, domain.ErrNotVerifier)

		_, err = o.Attest(ctx, verifier, "cmt_1", "made_up", nil, true)
		assert.ErrorIs(t, err, domain.ErrInvalidAttestationType)

		_, err = o.Attest(ctx, verifier, "cmt_missing", domain.AttestationHealthCheck, nil, true)
		assert.ErrorIs(t, err, domain.ErrCommitmentNotFound)

		assert.Empty(t, o.GetAttestations(ctx, "cmt_missing"))
		assert.Empty(t, o.GetAttestations(ctx, "cmt_1"))
	})

	t.Run("custom type after registration", func(t *testing.T) {
		o, _ := newOracle(t, reader, t0)
		assert.ErrorIs(t, o.RegisterAttestationType(ctx, verifier, "audit"), domain.ErrNotAuthorized)
		require.NoError(t, o.RegisterAttestationType(ctx, admin, "audit"))
		assert.ErrorIs(t, o.RegisterAttestationType(ctx, admin, "audit"), domain.ErrAlreadyExists)

		_, err := o.Attest(ctx, verifier, "cmt_1", "audit", nil, true)
		require.NoError(t, err)
	})

	t.Run("rate limited per verifier; failed attempts keep budget", func(t *testing.T) {
		limiter := safety.NewRateLimiter()
		require.NoError(t, limiter.SetLimit(FunctionAttest, safety.Limit{Window: time.Hour, Max: 1}))
		o, _ := newOracle(t, reader, t0, WithRateLimiter(limiter))
		require.NoError(t, o.AddVerifier(ctx, admin, "second"))

		_, err := o.Attest(ctx, verifier, "cmt_missing", domain.AttestationHealthCheck, nil, true)
		assert.ErrorIs(t, err, domain.ErrCommitmentNotFound)

		_, err = o.Attest(ctx, verifier, "cmt_1", domain.AttestationHealthCheck, nil, true)
		require.NoError(t, err)
		_, err = o.Attest(ctx, verifier, "cmt_1", domain.AttestationHealthCheck, nil, true)
		assert.ErrorIs(t, err, domain.ErrRateLimited)

		_, err = o.Attest(ctx, "second", "cmt_1", domain.AttestationHealthCheck, nil, true)
		require.NoError(t, err)
	})

	t.Run("reader failure is wrapped", func(t *testing.T) {
		o, _ := newOracle(t, brokenReader{}, t0)
		_, err := o.Attest(ctx, verifier, "cmt_1", domain.AttestationHealthCheck, nil, true)
		require.Error(t, err)
		assert.ErrorIs(t, err, errBackend)
	})
}

var errBackend = errors.New("backend down")

type brokenReader struct{}

func (brokenReader) GetCommitment(context.Context, string) (domain.Commitment, error) {
	return domain.Commitment{}, errBackend
}

func TestOracle_FeesAndDrawdown(t *testing.T) {
	ctx := context.Background()
	reader := fakeReader{"cmt_1": commitment("cmt_1", 1000, 1000, 10, 30)}
	o, _ := newOracle(t, reader, t0)

	_, err := o.RecordFees(ctx, verifier, "cmt_1", 0)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	att, err := o.RecordFees(ctx, verifier, "cmt_1", 150)
	require.NoError(t, err)
	assert.Equal(t, domain.AttestationFeeGeneration, att.Type)
	assert.True(t, att.IsCompliant)
	assert.Equal(t, "150", att.Data["fee_amount"])
	_, err = o.RecordFees(ctx, verifier, "cmt_1", 50)
	require.NoError(t, err)

	_, err = o.RecordDrawdown(ctx, verifier, "cmt_1", 101)
	assert.ErrorIs(t, err, domain.ErrInvalidPercent)

	att, err = o.RecordDrawdown(ctx, verifier, "cmt_1", 10)
	require.NoError(t, err)
	assert.True(t, att.IsCompliant, "at the threshold")
	att, err = o.RecordDrawdown(ctx, verifier, "cmt_1", 11)
	require.NoError(t, err)
	assert.False(t, att.IsCompliant)

	st := o.Stats(ctx, "cmt_1")
	assert.Equal(t, 4, st.Total)
	assert.Equal(t, 3, st.Compliant)
	assert.Equal(t, int64(200), st.FeesGenerated)
	assert.Equal(t, t0, st.LastAttestation)
}

func TestOracle_Paging(t *testing.T) {
	ctx := context.Background()
	reader := fakeReader{"cmt_1": commitment("cmt_1", 1000, 1000, 10, 30)}
	o, _ := newOracle(t, reader, t0)

	for i := 0; i < 5; i++ {
		_, err := o.Attest(ctx, verifier, "cmt_1", domain.AttestationHealthCheck, nil, true)
		require.NoError(t, err)
	}

	p := o.GetAttestationsPage(ctx, "cmt_1", 0, 2)
	assert.Len(t, p.Attestations, 2)
	assert.Equal(t, 2, p.NextOffset)

	p = o.GetAttestationsPage(ctx, "cmt_1", 4, 2)
	assert.Len(t, p.Attestations, 1)
	assert.Equal(t, 0, p.NextOffset)

	p = o.GetAttestationsPage(ctx, "cmt_1", 10, 2)
	assert.Empty(t, p.Attestations)
	assert.Equal(t, 0, p.NextOffset)

	p = o.GetAttestationsPage(ctx, "cmt_1", 0, 0)
	assert.Len(t, p.Attestations, 5)
}

func TestHealth(t *testing.T) {
	t.Run("loss and duration flags", func(t *testing.T) {
		c := commitment("cmt_1", 1000, 850, 10, 30)
		h, err := Health(c, t0.Add(10*24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(15), h.LossPercent)
		assert.True(t, h.LossViolated)
		assert.False(t, h.DurationViolated)
		assert.Equal(t, 20*24*time.Hour, h.TimeRemaining)
		assert.False(t, h.Compliant())

		h, err = Health(commitment("cmt_1", 1000, 1000, 10, 30), t0.Add(31*24*time.Hour))
		require.NoError(t, err)
		assert.True(t, h.DurationViolated)
		assert.Equal(t, time.Duration(0), h.TimeRemaining)
	})

	t.Run("duration boundary is exact", func(t *testing.T) {
		c := commitment("cmt_1", 1000, 1000, 10, 30)
		h, err := Health(c, t0.Add(30*24*time.Hour))
		require.NoError(t, err)
		assert.False(t, h.DurationViolated, "elapsed == duration is not a violation")

		h, err = Health(c, t0.Add(30*24*time.Hour+time.Second))
		require.NoError(t, err)
		assert.True(t, h.DurationViolated)
	})

	t.Run("gain is not a loss", func(t *testing.T) {
		h, err := Health(commitment("cmt_1", 1000, 1200, 0, 30), t0)
		require.NoError(t, err)
		assert.Equal(t, int64(0), h.LossPercent)
		assert.True(t, h.Compliant())
	})
}

func TestScore(t *testing.T) {
	mid := t0.Add(15 * 24 * time.Hour)

	t.Run("fresh commitment", func(t *testing.T) {
		s, err := Score(commitment("c", 1000, 1000, 10, 30), domain.AttestationStats{}, t0)
		require.NoError(t, err)
		assert.Equal(t, uint32(80), s)
	})

	t.Run("weights combine", func(t *testing.T) {
		// 40*3/4 + 40*(10-5)/10 + 20*15/30 = 30 + 20 + 10
		s, err := Score(commitment("c", 1000, 950, 10, 30), domain.AttestationStats{Total: 4, Compliant: 3}, mid)
		require.NoError(t, err)
		assert.Equal(t, uint32(60), s)
	})

	t.Run("zero loss tolerance", func(t *testing.T) {
		s, err := Score(commitment("c", 1000, 1000, 0, 30), domain.AttestationStats{}, t0)
		require.NoError(t, err)
		assert.Equal(t, uint32(80), s)

		s, err = Score(commitment("c", 1000, 990, 0, 30), domain.AttestationStats{}, t0)
		require.NoError(t, err)
		assert.Equal(t, uint32(40), s)
	})

	t.Run("bounded and elapsed capped", func(t *testing.T) {
		s, err := Score(commitment("c", 1000, 2000, 10, 30), domain.AttestationStats{Total: 1, Compliant: 1}, t0.Add(365*24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, uint32(100), s)
	})

	t.Run("monotonic in loss", func(t *testing.T) {
		prev := uint32(101)
		for current := int64(1000); current >= 0; current -= 25 {
			s, err := Score(commitment("c", 1000, current, 50, 30), domain.AttestationStats{Total: 2, Compliant: 1}, mid)
			require.NoError(t, err)
			assert.LessOrEqual(t, s, prev, "current=%d", current)
			prev = s
		}
	})

	t.Run("monotonic in non-compliant attestations", func(t *testing.T) {
		c := commitment("c", 1000, 900, 20, 30)
		prev := uint32(101)
		for bad := 0; bad < 20; bad++ {
			s, err := Score(c, domain.AttestationStats{Total: 5 + bad, Compliant: 5}, mid)
			require.NoError(t, err)
			assert.LessOrEqual(t, s, prev, "bad=%d", bad)
			prev = s
		}
	})
}

func TestOracle_ScoreEvidence(t *testing.T) {
	ctx := context.Background()
	reader := fakeReader{
		"cmt_a": commitment("cmt_a", 1000, 1000, 10, 30),
		"cmt_b": commitment("cmt_b", 1000, 1000, 10, 30),
	}
	o, sink := newOracle(t, reader, t0.Add(24*time.Hour))

	for _, id := range []string{"cmt_a", "cmt_b"} {
		_, err := o.Attest(ctx, verifier, id, domain.AttestationHealthCheck, nil, true)
		require.NoError(t, err)
	}
	_, err := o.Attest(ctx, verifier, "cmt_b", domain.AttestationViolation, nil, false)
	require.NoError(t, err)

	a, err := o.CalculateComplianceScore(ctx, "cmt_a")
	require.NoError(t, err)
	b, err := o.CalculateComplianceScore(ctx, "cmt_b")
	require.NoError(t, err)
	assert.LessOrEqual(t, b, a)
	assert.Less(t, b, a)

	ev := sink.last()
	assert.Equal(t, domain.EventScoreUpdated, ev.Type)
	require.NotNil(t, ev.Score)
	assert.Equal(t, b, *ev.Score)

	_, err = o.CalculateComplianceScore(ctx, "cmt_missing")
	assert.ErrorIs(t, err, domain.ErrCommitmentNotFound)

	ok, err := o.VerifyCompliance(ctx, "cmt_a")
	require.NoError(t, err)
	assert.True(t, ok)
}
