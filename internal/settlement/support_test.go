package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tabsettle/internal/domain"
)

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{Attempts: 6, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{9, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestRetry(t *testing.T) {
	boom := errors.New("boom")
	var slept []time.Duration
	sleep := func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	p := RetryPolicy{Attempts: 3, BaseDelay: 10 * time.Millisecond}

	t.Run("succeeds after failures", func(t *testing.T) {
		slept = nil
		calls := 0
		err := retry(context.Background(), p, sleep, func(int) error {
			calls++
			if calls < 3 {
				return boom
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
		assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, slept)
	})

	t.Run("gives up with last error", func(t *testing.T) {
		calls := 0
		err := retry(context.Background(), p, sleep, func(int) error { calls++; return boom })
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 3, calls)
	})

	t.Run("permanent stops immediately", func(t *testing.T) {
		calls := 0
		err := retry(context.Background(), p, sleep, func(int) error { calls++; return permanent(boom) })
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, calls)
	})

	t.Run("cancelled context stops", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		calls := 0
		err := retry(ctx, p, sleepCtx, func(int) error { calls++; return boom })
		assert.ErrorIs(t, err, context.Canceled)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, calls)
	})
}

func TestSimulatedOracle(t *testing.T) {
	ctx := context.Background()

	always := NewSimulatedOracle(0, 1)
	for i := 0; i < 200; i++ {
		plan := always.Plan(ctx, domain.TraderTab{})
		require.True(t, plan.WillPay)
		assert.GreaterOrEqual(t, plan.Fraction, minPaymentFraction)
		assert.Less(t, plan.Fraction, maxPaymentFraction)
	}

	never := NewSimulatedOracle(1.5, 1)
	for i := 0; i < 50; i++ {
		assert.False(t, never.Plan(ctx, domain.TraderTab{}).WillPay)
	}

	mixed := NewSimulatedOracle(0.3, 42)
	unhappy := 0
	for i := 0; i < 1000; i++ {
		if !mixed.Plan(ctx, domain.TraderTab{}).WillPay {
			unhappy++
		}
	}
	assert.InDelta(t, 300, unhappy, 80)
}

func TestExternalOracleNeverPays(t *testing.T) {
	assert.False(t, ExternalOracle{}.Plan(context.Background(), domain.TraderTab{}).WillPay)
}

func TestRepositoryOpenAndGet(t *testing.T) {
	r := NewTabRepository()
	s := r.slot("alice")
	assert.Same(t, s, r.slot("alice"))

	_, ok := r.Get("alice")
	assert.False(t, ok)

	s.tab = &domain.TraderTab{ID: "t1", Status: domain.TabOpen, IntentIDs: []string{"a"}}
	_, ok = r.Get("alice")
	assert.False(t, ok, "unpublished changes are invisible")
	s.publish()
	got, ok := r.Get("alice")
	require.True(t, ok)
	got.IntentIDs[0] = "mutated"
	assert.Equal(t, "a", s.tab.IntentIDs[0], "Get returns a copy")

	bobSlot := r.slot("bob")
	bobSlot.tab = &domain.TraderTab{ID: "t2", Status: domain.TabSettling}
	bobSlot.publish()
	open := r.Open()
	require.Len(t, open, 1)
	assert.Equal(t, "t1", open[0].ID)
}
