package thermal

import (
	"testing"
	"time"

	"smartclimate/internal/clock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestDetector(t *testing.T) (*StabilityDetector, *clock.MockClock) {
	t.Helper()
	clk := clock.NewMockClock(time.Date(2025, 7, 15, 12, 0, 0, 0, time.UTC))
	return NewStabilityDetector(DetectorConfig{}, clk, zap.NewNop()), clk
}

func TestStabilityDetector_IdleDuration(t *testing.T) {
	d, clk := newTestDetector(t)

	d.Update("cooling", 24.0)
	assert.Equal(t, time.Duration(0), d.IdleDuration(), "active AC is never idle")

	clk.Advance(5 * time.Minute)
	d.Update("idle", 24.0)
	clk.Advance(12 * time.Minute)
	assert.Equal(t, 12*time.Minute, d.IdleDuration())

	// A fresh transition resets the timer.
	d.Update("cooling", 24.0)
	clk.Advance(time.Minute)
	d.Update("off", 24.0)
	clk.Advance(3 * time.Minute)
	assert.Equal(t, 3*time.Minute, d.IdleDuration())
}

func TestStabilityDetector_TemperatureDrift(t *testing.T) {
	d, clk := newTestDetector(t)

	assert.Equal(t, 0.0, d.TemperatureDrift(), "no readings means no drift")

	// Old sample falls outside the ten-minute window once enough time
	// passes and recent samples exist.
	d.Update("idle", 20.0)
	clk.Advance(15 * time.Minute)
	d.Update("idle", 24.0)
	clk.Advance(time.Minute)
	d.Update("idle", 24.1)
	assert.InDelta(t, 0.1, d.TemperatureDrift(), 1e-9)
}

func TestStabilityDetector_TemperatureDriftFallsBackToAllSamples(t *testing.T) {
	d, clk := newTestDetector(t)

	d.Update("idle", 20.0)
	clk.Advance(15 * time.Minute)
	d.Update("idle", 24.1)

	// Only one sample sits inside the window, so the swing is computed
	// over everything recorded.
	assert.InDelta(t, 4.1, d.TemperatureDrift(), 1e-9)
}

func TestStabilityDetector_IsStableForCalibration(t *testing.T) {
	tests := []struct {
		name  string
		setup func(d *StabilityDetector, clk *clock.MockClock)
		want  bool
	}{
		{
			name:  "no history",
			setup: func(d *StabilityDetector, clk *clock.MockClock) {},
			want:  false,
		},
		{
			name: "active AC",
			setup: func(d *StabilityDetector, clk *clock.MockClock) {
				d.Update("cooling", 24.0)
				clk.Advance(45 * time.Minute)
				d.Update("cooling", 24.0)
			},
			want: false,
		},
		{
			name: "idle but not long enough",
			setup: func(d *StabilityDetector, clk *clock.MockClock) {
				d.Update("idle", 24.0)
				clk.Advance(10 * time.Minute)
				d.Update("idle", 24.0)
			},
			want: false,
		},
		{
			name: "idle long enough with flat temperature",
			setup: func(d *StabilityDetector, clk *clock.MockClock) {
				d.Update("idle", 24.0)
				for i := 0; i < 7; i++ {
					clk.Advance(5 * time.Minute)
					d.Update("idle", 24.05)
				}
			},
			want: true,
		},
		{
			name: "idle long enough but temperature swinging",
			setup: func(d *StabilityDetector, clk *clock.MockClock) {
				d.Update("idle", 24.0)
				for i := 0; i < 7; i++ {
					clk.Advance(5 * time.Minute)
					temp := 24.0
					if i%2 == 0 {
						temp = 24.5
					}
					d.Update("idle", temp)
				}
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, clk := newTestDetector(t)
			tt.setup(d, clk)
			assert.Equal(t, tt.want, d.IsStableForCalibration())
		})
	}
}

// feedCycle appends one cooling burst followed by an off coast to the long
// history, advancing the mock clock between readings.
func feedCycle(d *StabilityDetector, clk *clock.MockClock, activeSamples, offSamples int, spacing time.Duration, startTemp float64) {
	for i := 0; i < activeSamples; i++ {
		d.AddReading(clk.Now(), startTemp, "cooling")
		clk.Advance(spacing)
	}
	for i := 0; i < offSamples; i++ {
		d.AddReading(clk.Now(), startTemp+float64(i)*0.1, "off")
		clk.Advance(spacing)
	}
}

func TestStabilityDetector_FindNaturalDriftEvent(t *testing.T) {
	d, clk := newTestDetector(t)

	feedCycle(d, clk, 5, 16, 2*time.Minute, 22.0)

	event := d.FindNaturalDriftEvent()
	require.NotNil(t, event)
	assert.Len(t, event, 16)
	assert.Equal(t, 22.0, event[0].Temp)
	for i := 1; i < len(event); i++ {
		assert.Greater(t, event[i].TS, event[i-1].TS)
	}

	// The same event is never handed out twice.
	assert.Nil(t, d.FindNaturalDriftEvent())

	// A fresh cooling/off cycle produces a fresh event.
	feedCycle(d, clk, 4, 16, 2*time.Minute, 21.0)
	event = d.FindNaturalDriftEvent()
	require.NotNil(t, event)
	assert.Equal(t, 21.0, event[0].Temp)
}

func TestStabilityDetector_FindNaturalDriftEventRequirements(t *testing.T) {
	t.Run("too few off samples", func(t *testing.T) {
		d, clk := newTestDetector(t)
		feedCycle(d, clk, 5, 9, 2*time.Minute, 22.0)
		assert.Nil(t, d.FindNaturalDriftEvent())
	})

	t.Run("off run too short in time", func(t *testing.T) {
		d, clk := newTestDetector(t)
		feedCycle(d, clk, 5, 12, time.Minute, 22.0)
		assert.Nil(t, d.FindNaturalDriftEvent(), "11 minutes is under the 15 minute floor")
	})

	t.Run("no transition at all", func(t *testing.T) {
		d, clk := newTestDetector(t)
		for i := 0; i < 30; i++ {
			d.AddReading(clk.Now(), 22.0, "off")
			clk.Advance(time.Minute)
		}
		assert.Nil(t, d.FindNaturalDriftEvent())
	})

	t.Run("rejected event is not watermarked", func(t *testing.T) {
		d, clk := newTestDetector(t)
		feedCycle(d, clk, 5, 9, 2*time.Minute, 22.0)
		assert.Nil(t, d.FindNaturalDriftEvent())

		// The same run keeps accumulating and qualifies later.
		for i := 0; i < 7; i++ {
			d.AddReading(clk.Now(), 23.0, "off")
			clk.Advance(2 * time.Minute)
		}
		assert.NotNil(t, d.FindNaturalDriftEvent())
	})
}

func TestStabilityDetector_PrimingVariantRelaxesThresholds(t *testing.T) {
	d, clk := newTestDetector(t)

	// Ten off samples spanning nine minutes: too short for the standard
	// miner, fine for priming.
	feedCycle(d, clk, 2, 10, time.Minute, 23.0)

	assert.Nil(t, d.FindNaturalDriftEvent())

	event := d.FindNaturalDriftEventPriming()
	require.NotNil(t, event)
	assert.Len(t, event, 10)

	// Priming consumption watermarks the event for both variants.
	assert.Nil(t, d.FindNaturalDriftEventPriming())
	assert.Nil(t, d.FindNaturalDriftEvent())
}

func TestStabilityDetector_LongHistoryBounded(t *testing.T) {
	d, clk := newTestDetector(t)

	for i := 0; i < longHistoryCap+50; i++ {
		d.AddReading(clk.Now(), 22.0, "off")
		clk.Advance(time.Minute)
	}

	d.mu.Lock()
	n := len(d.long)
	d.mu.Unlock()
	assert.Equal(t, longHistoryCap, n)
}
