package features

import (
	"strconv"
	"strings"
)

// CSV rendering for the external batch anomaly-inference service. The
// service expects one row per MovementFeatures record with a stable column
// order; string fields are quoted, numeric fields are not. No user
// identifier is ever included - session_id names the attempt, not a person.

// csvColumns is the canonical column order. Appending new features is safe;
// reordering or removing columns breaks every consumer of exported tables.
var csvColumns = []string{
	"session_id",
	"game_type",
	"device_type",
	"duration_ms",
	"sample_count",
	"click_count",
	"hit_count",
	"miss_count",
	"mean_speed",
	"max_speed",
	"median_speed",
	"speed_std_dev",
	"speed_p95",
	"mean_acceleration",
	"max_acceleration",
	"acceleration_std_dev",
	"mean_jerk",
	"max_jerk",
	"total_path_length",
	"straight_line_distance",
	"path_efficiency",
	"direction_change_rate",
	"jitter_ratio",
	"overshoot_count",
	"pause_count",
	"pause_time_ratio",
	"mean_pause_ms",
	"mean_event_gap_ms",
	"event_gap_std_dev_ms",
	"min_event_gap_ms",
	"click_accuracy",
	"smoothness",
}

// CSVHeader returns the comma-joined header row.
func CSVHeader() string {
	return strings.Join(csvColumns, ",")
}

// CSVRow renders the record as one comma-joined row in csvColumns order.
func (f MovementFeatures) CSVRow() string {
	vals := []string{
		strconv.Quote(f.SessionID),
		strconv.Quote(f.GameType),
		strconv.Quote(f.DeviceType),
		num(f.DurationMs),
		strconv.Itoa(f.SampleCount),
		strconv.Itoa(f.ClickCount),
		strconv.Itoa(f.HitCount),
		strconv.Itoa(f.MissCount),
		num(f.MeanSpeed),
		num(f.MaxSpeed),
		num(f.MedianSpeed),
		num(f.SpeedStdDev),
		num(f.SpeedP95),
		num(f.MeanAcceleration),
		num(f.MaxAcceleration),
		num(f.AccelerationStdDev),
		num(f.MeanJerk),
		num(f.MaxJerk),
		num(f.TotalPathLength),
		num(f.StraightLineDistance),
		num(f.PathEfficiency),
		num(f.DirectionChangeRate),
		num(f.JitterRatio),
		strconv.Itoa(f.OvershootCount),
		strconv.Itoa(f.PauseCount),
		num(f.PauseTimeRatio),
		num(f.MeanPauseMs),
		num(f.MeanEventGapMs),
		num(f.EventGapStdDevMs),
		num(f.MinEventGapMs),
		num(f.ClickAccuracy),
		num(f.Smoothness),
	}
	return strings.Join(vals, ",")
}

// CSVTable renders a header plus one row per record, newline-terminated.
func CSVTable(records []MovementFeatures) string {
	var b strings.Builder
	b.WriteString(CSVHeader())
	b.WriteByte('\n')
	for _, r := range records {
		b.WriteString(r.CSVRow())
		b.WriteByte('\n')
	}
	return b.String()
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
