package loadsampler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avatraffic/internal/config"
	"github.com/vyrodovalexey/avatraffic/internal/events"
	"github.com/vyrodovalexey/avatraffic/internal/observability"
)

func testConfig() config.LoadSamplerConfig {
	return config.LoadSamplerConfig{
		Interval:     config.Duration(10 * time.Millisecond),
		Threshold:    0.8,
		Floor:        0.5,
		RecoveryStep: 0.1,
	}
}

func TestStep(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		current float64
		load    float64
		want    float64
	}{
		{"below threshold at cap", 1, 0.2, 1},
		{"above threshold", 1, 0.9, 0.9},
		{"far above threshold hits floor", 0.6, 1.0, 0.5},
		{"at threshold recovers", 0.7, 0.8, 0.8},
		{"recovery capped", 0.95, 0.1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.want, Step(tt.current, tt.load, 0.8, 0.5, 0.1), 1e-9)
		})
	}
}

func TestSampler_MultiplierDecreasesUnderLoad(t *testing.T) {
	t.Parallel()

	s := New(testConfig())
	require.Equal(t, 1.0, s.Multiplier())

	prev := s.Multiplier()
	for i := 0; i < 10; i++ {
		m := s.Observe(0.95)
		assert.GreaterOrEqual(t, m, 0.5)
		if prev > 0.5 {
			assert.Less(t, m, prev, "strictly decreasing until the floor")
		}
		prev = m
	}
	assert.Equal(t, 0.5, s.Multiplier())
}

func TestSampler_RecoversWithoutOvershoot(t *testing.T) {
	t.Parallel()

	s := New(testConfig())
	for i := 0; i < 10; i++ {
		s.Observe(1.0)
	}
	require.Equal(t, 0.5, s.Multiplier())

	want := []float64{0.6, 0.7, 0.8, 0.9, 1.0, 1.0, 1.0}
	for _, w := range want {
		assert.Equal(t, w, s.Observe(0.1))
	}
}

func TestSampler_EmitsOnChange(t *testing.T) {
	t.Parallel()

	bus := events.NewBus()
	sub := bus.Subscribe(8, events.MultiplierChanged)
	s := New(testConfig(), WithEvents(bus), WithMetrics(observability.NewMetrics("test")))

	s.Observe(0.1)
	select {
	case <-sub.C():
		t.Fatal("no event when the multiplier is unchanged")
	default:
	}

	s.Observe(0.9)
	e := <-sub.C()
	assert.InDelta(t, 0.9, e.Data["to"], 1e-9)
	assert.InDelta(t, 0.9, s.Load(), 1e-9)
}

func TestSampler_SampleTakesMaxOfSources(t *testing.T) {
	t.Parallel()

	s := New(testConfig(),
		WithCPU(func(context.Context) (float64, error) { return 0.3, nil }),
		WithPressure(func() float64 { return 0.6 }),
	)
	assert.InDelta(t, 0.6, s.Sample(context.Background()), 1e-9)

	s = New(testConfig(),
		WithCPU(func(context.Context) (float64, error) { return 0, errors.New("unavailable") }),
		WithPressure(func() float64 { return 1.7 }),
	)
	assert.Equal(t, 1.0, s.Sample(context.Background()), "clamped")
}

func TestSampler_StartStop(t *testing.T) {
	t.Parallel()

	var ticks atomic.Int64
	s := New(testConfig(), WithPressure(func() float64 {
		ticks.Add(1)
		return 1
	}))

	s.Start(context.Background())
	s.Start(context.Background())
	assert.Eventually(t, func() bool { return s.Multiplier() == 0.5 }, time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()
	n := ticks.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, ticks.Load())
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	s := New(config.LoadSamplerConfig{SampleCPU: true})
	assert.Equal(t, DefaultInterval, s.interval)
	assert.Equal(t, DefaultThreshold, s.threshold)
	assert.Equal(t, DefaultFloor, s.floor)
	assert.Equal(t, DefaultRecoveryStep, s.step)
	assert.NotNil(t, s.cpu)
}
