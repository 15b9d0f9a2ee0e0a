// Package features converts a sequence of timestamped pointer samples into
// a fixed-shape numeric feature record describing how the pointer moved.
//
// Extraction is deterministic and pure: the same samples always produce the
// same record, nothing is cached between calls, and no I/O happens here.
// The scoring and agent layers consume these records; the batch inference
// service consumes their CSV rendering (see csv.go).
package features

import (
	"math"

	"github.com/asaha96/Playproof-sub001/pkg/telemetry"
)

// MovementFeatures is the derived per-window (or per-session) record.
// Pure derived data - never mutated after creation, recomputed from scratch
// on every Extract call.
type MovementFeatures struct {
	// Identifiers
	SessionID  string `json:"session_id"`
	GameType   string `json:"game_type"`
	DeviceType string `json:"device_type"`

	// Extent
	DurationMs  float64 `json:"duration_ms"`
	SampleCount int     `json:"sample_count"`
	ClickCount  int     `json:"click_count"`
	HitCount    int     `json:"hit_count"`
	MissCount   int     `json:"miss_count"`

	// Speed (px/s)
	MeanSpeed   float64 `json:"mean_speed"`
	MaxSpeed    float64 `json:"max_speed"`
	MedianSpeed float64 `json:"median_speed"`
	SpeedStdDev float64 `json:"speed_std_dev"`
	SpeedP95    float64 `json:"speed_p95"`

	// Acceleration / jerk magnitudes (px/s^2, px/s^3)
	MeanAcceleration   float64 `json:"mean_acceleration"`
	MaxAcceleration    float64 `json:"max_acceleration"`
	AccelerationStdDev float64 `json:"acceleration_std_dev"`
	MeanJerk           float64 `json:"mean_jerk"`
	MaxJerk            float64 `json:"max_jerk"`

	// Geometry
	TotalPathLength      float64 `json:"total_path_length"`
	StraightLineDistance float64 `json:"straight_line_distance"`
	PathEfficiency       float64 `json:"path_efficiency"`
	DirectionChangeRate  float64 `json:"direction_change_rate"` // per second
	JitterRatio          float64 `json:"jitter_ratio"`
	OvershootCount       int     `json:"overshoot_count"`

	// Timing
	PauseCount       int     `json:"pause_count"`
	PauseTimeRatio   float64 `json:"pause_time_ratio"`
	MeanPauseMs      float64 `json:"mean_pause_ms"`
	MeanEventGapMs   float64 `json:"mean_event_gap_ms"`
	EventGapStdDevMs float64 `json:"event_gap_std_dev_ms"`
	MinEventGapMs    float64 `json:"min_event_gap_ms"`

	// Interaction quality
	ClickAccuracy float64 `json:"click_accuracy"`
	Smoothness    float64 `json:"smoothness"`
}

// Extractor holds the tunable thresholds used during extraction.
// The zero value is not usable; construct with NewExtractor.
type Extractor struct {
	MinSamples         int     // below this, Extract returns a neutral record
	PauseThresholdMs   float64 // inter-sample gap counted as a pause
	SmallMoveThreshold float64 // px; segments under this are micro-corrections
	DirectionChangeDeg float64 // angle delta counted as a direction change
	OvershootDeg       float64 // angle delta counted as a sharp reversal
}

// NewExtractor returns an extractor with the default thresholds.
func NewExtractor() *Extractor {
	return &Extractor{
		MinSamples:         5,
		PauseThresholdMs:   100,
		SmallMoveThreshold: 3.0,
		DirectionChangeDeg: 30,
		OvershootDeg:       120,
	}
}

// dtEpsilon guards velocity math against duplicate timestamps. Pairs closer
// than this (in seconds) are skipped rather than producing huge speeds.
const dtEpsilon = 1e-9

// Extract computes a MovementFeatures record from an ordered sample slice.
// Samples must be sorted by TimestampMs (telemetry.SortByTimestamp).
// With fewer than MinSamples samples it returns a neutral record:
// PathEfficiency 1.0 and Smoothness 0.5, so downstream scoring treats
// "too little data" as neither clearly human nor clearly bot.
func (e *Extractor) Extract(samples []telemetry.PointerSample, clicks, hits, misses int) MovementFeatures {
	f := MovementFeatures{
		SampleCount:    len(samples),
		ClickCount:     clicks,
		HitCount:       hits,
		MissCount:      misses,
		PathEfficiency: 1.0,
		Smoothness:     0.5,
	}
	if clicks > 0 {
		f.ClickAccuracy = float64(hits) / float64(clicks)
	}
	if len(samples) < e.MinSamples {
		return f
	}

	first, last := samples[0], samples[len(samples)-1]
	f.DurationMs = last.TimestampMs - first.TimestampMs
	durationSec := f.DurationMs / 1000.0

	// Per-pair kinematics. Velocity timestamps are kept alongside speeds so
	// acceleration and jerk can divide by the real elapsed time.
	var (
		speeds    []float64
		speedTs   []float64
		gaps      []float64 // inter-sample gaps in ms, all pairs
		segments  []segment // non-degenerate movement segments
		pathTotal float64
	)
	for i := 1; i < len(samples); i++ {
		prev, curr := samples[i-1], samples[i]
		gapMs := curr.TimestampMs - prev.TimestampMs
		gaps = append(gaps, gapMs)

		dt := gapMs / 1000.0
		if dt < dtEpsilon {
			continue
		}
		dx := curr.X - prev.X
		dy := curr.Y - prev.Y
		dist := math.Hypot(dx, dy)
		pathTotal += dist
		speeds = append(speeds, dist/dt)
		speedTs = append(speedTs, curr.TimestampMs)
		segments = append(segments, segment{dx: dx, dy: dy, dist: dist})
	}

	f.TotalPathLength = pathTotal
	f.StraightLineDistance = math.Hypot(last.X-first.X, last.Y-first.Y)
	if pathTotal > 0 {
		f.PathEfficiency = math.Min(1.0, f.StraightLineDistance/pathTotal)
	}

	f.MeanSpeed = mean(speeds)
	f.MaxSpeed = maxOf(speeds)
	f.MedianSpeed = percentile(speeds, 0.5)
	f.SpeedStdDev = popStdDev(speeds)
	f.SpeedP95 = percentile(speeds, 0.95)

	accels, accelTs := finiteDiff(speeds, speedTs)
	f.MeanAcceleration = mean(accels)
	f.MaxAcceleration = maxOf(accels)
	f.AccelerationStdDev = popStdDev(accels)

	jerks, _ := finiteDiff(accels, accelTs)
	f.MeanJerk = mean(jerks)
	f.MaxJerk = maxOf(jerks)

	// Smoothness saturates toward 1 as jerk vanishes; bounded in (0,1).
	f.Smoothness = 1.0 - f.MeanJerk/(10000.0+f.MeanJerk)

	e.fillAngular(&f, segments, durationSec)
	e.fillTiming(&f, gaps, f.DurationMs)

	return f
}

type segment struct {
	dx, dy, dist float64
}

// fillAngular computes direction-change rate, overshoot count, and jitter
// ratio from consecutive movement segments.
func (e *Extractor) fillAngular(f *MovementFeatures, segments []segment, durationSec float64) {
	if len(segments) < 2 {
		return
	}
	changeThreshold := e.DirectionChangeDeg * math.Pi / 180
	overshootThreshold := e.OvershootDeg * math.Pi / 180

	changes := 0
	smallPairs := 0
	for i := 1; i < len(segments); i++ {
		a, b := segments[i-1], segments[i]
		if a.dist > 0 && b.dist > 0 {
			delta := angleBetween(a, b)
			if delta > changeThreshold {
				changes++
			}
			if delta > overshootThreshold {
				f.OvershootCount++
			}
		}
		if a.dist < e.SmallMoveThreshold && b.dist < e.SmallMoveThreshold {
			smallPairs++
		}
	}
	if durationSec > 0 {
		f.DirectionChangeRate = float64(changes) / durationSec
	}
	f.JitterRatio = float64(smallPairs) / float64(len(segments)-1)
}

// fillTiming computes pause and inter-event gap statistics.
func (e *Extractor) fillTiming(f *MovementFeatures, gaps []float64, durationMs float64) {
	if len(gaps) == 0 {
		return
	}
	var pauseTotal float64
	for _, g := range gaps {
		if g > e.PauseThresholdMs {
			f.PauseCount++
			pauseTotal += g
		}
	}
	if f.PauseCount > 0 {
		f.MeanPauseMs = pauseTotal / float64(f.PauseCount)
	}
	if durationMs > 0 {
		f.PauseTimeRatio = pauseTotal / durationMs
	}
	f.MeanEventGapMs = mean(gaps)
	f.EventGapStdDevMs = popStdDev(gaps)
	f.MinEventGapMs = minOf(gaps)
}

// finiteDiff returns successive |Δv|/Δt magnitudes and the timestamps at
// which each difference lands. Sign is not diagnostic for anomaly scoring;
// magnitude of change is.
func finiteDiff(values, tsMs []float64) ([]float64, []float64) {
	if len(values) < 2 {
		return nil, nil
	}
	out := make([]float64, 0, len(values)-1)
	outTs := make([]float64, 0, len(values)-1)
	for i := 1; i < len(values); i++ {
		dt := (tsMs[i] - tsMs[i-1]) / 1000.0
		if dt < dtEpsilon {
			continue
		}
		out = append(out, math.Abs(values[i]-values[i-1])/dt)
		outTs = append(outTs, tsMs[i])
	}
	return out, outTs
}

// angleBetween returns the absolute angle (radians, [0,π]) between two
// movement segments.
func angleBetween(a, b segment) float64 {
	dot := a.dx*b.dx + a.dy*b.dy
	cos := dot / (a.dist * b.dist)
	// Clamp against float drift before acos.
	if cos > 1 {
		cos = 1
	} else if cos < -1 {
		cos = -1
	}
	return math.Acos(cos)
}
