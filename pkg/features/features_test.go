package features

import (
	"math"
	"strings"
	"testing"

	"github.com/asaha96/Playproof-sub001/pkg/telemetry"
)

// straightLineSamples produces n samples moving in a perfect line with
// constant spacing - the classic scripted-bot trajectory.
func straightLineSamples(n int, stepPx, gapMs float64) []telemetry.PointerSample {
	out := make([]telemetry.PointerSample, n)
	for i := 0; i < n; i++ {
		out[i] = telemetry.PointerSample{
			TimestampMs: float64(i) * gapMs,
			RelativeMs:  float64(i) * gapMs,
			X:           float64(i) * stepPx,
			Y:           100,
			Kind:        telemetry.EventMove,
		}
	}
	return out
}

// humanishSamples produces a curved path with sinusoidal jitter, variable
// timing, and occasional pauses - statistically human movement.
func humanishSamples(n int) []telemetry.PointerSample {
	out := make([]telemetry.PointerSample, n)
	t := 0.0
	for i := 0; i < n; i++ {
		gap := 16.67 + 5.0*math.Sin(float64(i)*1.7)
		if i%33 == 32 { // ~3% pause probability
			gap += 300
		}
		t += gap
		out[i] = telemetry.PointerSample{
			TimestampMs: t,
			RelativeMs:  t,
			X:           float64(i)*3 + 12*math.Sin(float64(i)*0.4),
			Y:           200 + 40*math.Sin(float64(i)*0.15) + 2*math.Sin(float64(i)*2.3),
			Kind:        telemetry.EventMove,
		}
	}
	return out
}

func TestExtractMinimalDataSafety(t *testing.T) {
	e := NewExtractor()
	for n := 0; n < e.MinSamples; n++ {
		f := e.Extract(straightLineSamples(n, 10, 20), 2, 1, 1)
		if f.PathEfficiency != 1.0 {
			t.Fatalf("n=%d: expected neutral pathEfficiency 1.0, got %f", n, f.PathEfficiency)
		}
		if f.Smoothness != 0.5 {
			t.Fatalf("n=%d: expected neutral smoothness 0.5, got %f", n, f.Smoothness)
		}
		if f.SampleCount != n {
			t.Fatalf("n=%d: expected sampleCount %d, got %d", n, n, f.SampleCount)
		}
		if f.ClickAccuracy != 0.5 {
			t.Fatalf("n=%d: expected clickAccuracy 0.5, got %f", n, f.ClickAccuracy)
		}
	}
}

func TestExtractStraightLineBot(t *testing.T) {
	// 5 samples at constant 20ms spacing moving 160px per step: ~8000 px/s.
	f := NewExtractor().Extract(straightLineSamples(5, 160, 20), 0, 0, 0)

	if f.PathEfficiency < 0.999 {
		t.Fatalf("expected pathEfficiency ~1.0 for straight line, got %f", f.PathEfficiency)
	}
	if f.MeanSpeed < 7900 || f.MeanSpeed > 8100 {
		t.Fatalf("expected mean speed ~8000 px/s, got %f", f.MeanSpeed)
	}
	if f.DirectionChangeRate != 0 {
		t.Fatalf("expected zero direction changes on a straight line, got %f", f.DirectionChangeRate)
	}
	if f.OvershootCount != 0 {
		t.Fatalf("expected zero overshoots, got %d", f.OvershootCount)
	}
	// Constant velocity means zero jerk and near-perfect smoothness.
	if f.Smoothness <= 0.98 {
		t.Fatalf("expected near-perfect smoothness, got %f", f.Smoothness)
	}
}

func TestExtractHumanishMovement(t *testing.T) {
	f := NewExtractor().Extract(humanishSamples(100), 3, 3, 0)

	if f.PathEfficiency >= 0.95 {
		t.Fatalf("expected curved path efficiency < 0.95, got %f", f.PathEfficiency)
	}
	if f.Smoothness >= 0.98 {
		t.Fatalf("expected imperfect smoothness < 0.98, got %f", f.Smoothness)
	}
	if f.PauseCount == 0 {
		t.Fatalf("expected pauses to be detected")
	}
	if f.DirectionChangeRate == 0 {
		t.Fatalf("expected direction changes on a curved path")
	}
	if f.ClickAccuracy != 1.0 {
		t.Fatalf("expected clickAccuracy 1.0, got %f", f.ClickAccuracy)
	}
}

func TestExtractNeverNaN(t *testing.T) {
	e := NewExtractor()
	cases := [][]telemetry.PointerSample{
		nil,
		straightLineSamples(1, 0, 0),
		// All-duplicate timestamps: every velocity pair is skipped.
		{
			{TimestampMs: 100, X: 1, Y: 1}, {TimestampMs: 100, X: 2, Y: 2},
			{TimestampMs: 100, X: 3, Y: 3}, {TimestampMs: 100, X: 4, Y: 4},
			{TimestampMs: 100, X: 5, Y: 5}, {TimestampMs: 100, X: 6, Y: 6},
		},
		// Zero movement.
		straightLineSamples(10, 0, 20),
	}
	for i, samples := range cases {
		f := e.Extract(samples, 0, 0, 0)
		for name, v := range map[string]float64{
			"meanSpeed": f.MeanSpeed, "speedStdDev": f.SpeedStdDev,
			"speedP95": f.SpeedP95, "meanJerk": f.MeanJerk,
			"pathEfficiency": f.PathEfficiency, "jitterRatio": f.JitterRatio,
			"pauseTimeRatio": f.PauseTimeRatio, "smoothness": f.Smoothness,
			"eventGapStdDev": f.EventGapStdDevMs, "directionChangeRate": f.DirectionChangeRate,
		} {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				t.Fatalf("case %d: %s is not finite: %f", i, name, v)
			}
		}
	}
}

func TestExtractDuplicateTimestampsSkipped(t *testing.T) {
	samples := straightLineSamples(10, 10, 20)
	// Inject a duplicate timestamp pair; must not blow up speed.
	samples[5].TimestampMs = samples[4].TimestampMs
	f := NewExtractor().Extract(samples, 0, 0, 0)
	if f.MaxSpeed > 2000 {
		t.Fatalf("duplicate timestamp produced speed blow-up: %f", f.MaxSpeed)
	}
}

func TestPercentileLinearInterpolation(t *testing.T) {
	x := []float64{1, 2, 3, 4}
	if got := percentile(x, 0.5); got != 2.5 {
		t.Fatalf("expected median 2.5 with linear interpolation, got %f", got)
	}
	if got := percentile(nil, 0.5); got != 0 {
		t.Fatalf("expected 0 for empty input, got %f", got)
	}
}

func TestPopulationStdDev(t *testing.T) {
	// Population stddev of {2,4,4,4,5,5,7,9} is exactly 2.
	x := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	if got := popStdDev(x); math.Abs(got-2.0) > 1e-12 {
		t.Fatalf("expected population stddev 2.0, got %f", got)
	}
}

func TestCSVStability(t *testing.T) {
	header := CSVHeader()
	if !strings.HasPrefix(header, "session_id,game_type,device_type,") {
		t.Fatalf("unexpected header prefix: %s", header)
	}
	f := MovementFeatures{SessionID: "abc", GameType: "target", DeviceType: "mouse", SampleCount: 3}
	row := f.CSVRow()
	if len(strings.Split(row, ",")) != len(strings.Split(header, ",")) {
		t.Fatalf("row column count does not match header")
	}
	if !strings.HasPrefix(row, `"abc","target","mouse",`) {
		t.Fatalf("string fields must be quoted: %s", row)
	}

	table := CSVTable([]MovementFeatures{f, f})
	lines := strings.Split(strings.TrimRight(table, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header + 2 rows, got %d lines", len(lines))
	}
}

func TestVectorShape(t *testing.T) {
	f := NewExtractor().Extract(humanishSamples(60), 0, 0, 0)
	vec := f.Vector()
	if len(vec) != VectorDim {
		t.Fatalf("expected vector length %d, got %d", VectorDim, len(vec))
	}
	for i, v := range vec {
		if v < 0 || v > 1 {
			t.Fatalf("component %d out of [0,1]: %f", i, v)
		}
	}
}
