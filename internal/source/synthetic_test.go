package source

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"wisefido-vitals/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerator_RunsAreThreeConsecutiveSameKind(t *testing.T) {
	cfg := DefaultSyntheticConfig()
	gen := NewGenerator(cfg, rand.New(rand.NewSource(42)))
	th := models.DefaultThresholds()
	now := time.Now()

	runsSeen := 0
	for i := 0; i < 5000; i++ {
		before := gen.Stats().RunsStarted
		r := gen.Next(now)
		started := gen.Stats().RunsStarted > before

		if !started {
			require.False(t, r.IsAnomalous)
			assert.Equal(t, models.AnomalyNone, models.Classify(r.HeartRate, r.SpO2, th))
			continue
		}

		// 新序列：本次及随后两次为同类型异常
		runsSeen++
		kind := r.AnomalyKind
		require.True(t, r.IsAnomalous)
		require.NotEqual(t, models.AnomalyNone, kind)
		assertRunValues(t, cfg, r)

		for j := 1; j < cfg.RunLength; j++ {
			before := gen.Stats().RunsStarted
			next := gen.Next(now)
			i++
			require.Equal(t, before, gen.Stats().RunsStarted, "run must not restart mid-run")
			require.True(t, next.IsAnomalous)
			require.Equal(t, kind, next.AnomalyKind)
			assertRunValues(t, cfg, next)
		}
		assert.False(t, gen.InRun())
	}

	assert.Greater(t, runsSeen, 100)
}

func assertRunValues(t *testing.T, cfg SyntheticConfig, r models.Reading) {
	t.Helper()
	if r.AnomalyKind.AffectsHeartRate() {
		assert.True(t, cfg.AbnormalHR.Contains(r.HeartRate), "hr %d", r.HeartRate)
	} else {
		assert.True(t, cfg.NormalHR.Contains(r.HeartRate), "hr %d", r.HeartRate)
	}
	if r.AnomalyKind.AffectsSpO2() {
		assert.True(t, cfg.AbnormalSpO2.Contains(r.SpO2), "spo2 %d", r.SpO2)
	} else {
		assert.True(t, cfg.NormalSpO2.Contains(r.SpO2), "spo2 %d", r.SpO2)
	}
}

func TestGenerator_StartFrequencyConvergesToProbability(t *testing.T) {
	gen := NewGenerator(DefaultSyntheticConfig(), rand.New(rand.NewSource(7)))
	now := time.Now()

	for i := 0; i < 200000; i++ {
		gen.Next(now)
	}

	stats := gen.Stats()
	require.Greater(t, stats.IdleDraws, 100000)
	freq := float64(stats.RunsStarted) / float64(stats.IdleDraws)
	assert.InDelta(t, 0.10, freq, 0.01)
}

func TestGenerator_KindsUniform(t *testing.T) {
	gen := NewGenerator(DefaultSyntheticConfig(), rand.New(rand.NewSource(11)))
	counts := map[models.AnomalyKind]int{}
	now := time.Now()

	for i := 0; i < 100000; i++ {
		before := gen.Stats().RunsStarted
		r := gen.Next(now)
		if gen.Stats().RunsStarted > before {
			counts[r.AnomalyKind]++
		}
	}

	total := counts[models.AnomalyHeartRate] + counts[models.AnomalySpO2] + counts[models.AnomalyBoth]
	require.Greater(t, total, 1000)
	for _, k := range anomalyKinds {
		assert.InDelta(t, 1.0/3, float64(counts[k])/float64(total), 0.05, "kind %s", k)
	}
}

func TestGenerator_ZeroProbabilityNeverAnomalous(t *testing.T) {
	cfg := DefaultSyntheticConfig()
	cfg.AnomalyPercent = 0
	gen := NewGenerator(cfg, rand.New(rand.NewSource(1)))

	for i := 0; i < 1000; i++ {
		r := gen.Next(time.Now())
		require.False(t, r.IsAnomalous)
	}
	assert.Equal(t, 0, gen.Stats().RunsStarted)
}

func TestSyntheticSource_StreamAndCancel(t *testing.T) {
	cfg := DefaultSyntheticConfig()
	cfg.Interval = 5 * time.Millisecond
	cfg.DeviceID = "sim-1"
	src := NewSyntheticSource(cfg, WithSeed(3))

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan models.Reading)
	done := make(chan error, 1)
	go func() { done <- src.Stream(ctx, out) }()

	for i := 0; i < 3; i++ {
		select {
		case r := <-out:
			assert.Equal(t, "sim-1", r.DeviceID)
			assert.False(t, r.CapturedAt.IsZero())
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for reading")
		}
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("stream did not stop after cancel")
	}
	assert.Equal(t, 3, src.Stats().Ticks)
}

func TestSyntheticSource_FirstReadingIsImmediate(t *testing.T) {
	cfg := DefaultSyntheticConfig()
	cfg.Interval = time.Hour
	src := NewSyntheticSource(cfg, WithSeed(1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan models.Reading, 1)
	go func() { _ = src.Stream(ctx, out) }()

	select {
	case <-out:
	case <-time.After(time.Second):
		t.Fatal("first reading should not wait for the interval")
	}
}

func TestSyntheticSource_RestartsPerInvocation(t *testing.T) {
	fixed := time.Date(2026, 1, 7, 10, 0, 0, 0, time.UTC)
	cfg := DefaultSyntheticConfig()
	cfg.Interval = time.Millisecond
	src := NewSyntheticSource(cfg, WithSeed(99), WithClock(func() time.Time { return fixed }))

	collect := func() []models.Reading {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		out := make(chan models.Reading)
		go func() { _ = src.Stream(ctx, out) }()
		var got []models.Reading
		for len(got) < 20 {
			got = append(got, <-out)
		}
		return got
	}

	assert.Equal(t, collect(), collect())
}
