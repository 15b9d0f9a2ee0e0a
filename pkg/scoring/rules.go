package scoring

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/asaha96/Playproof-sub001/pkg/features"
)

// Rules holds the tunable penalty thresholds. Defaults are compiled in;
// deployments can override them with a scoring.yaml in the config directory
// without rebuilding.
type Rules struct {
	// Near-perfect straightness. Penalty scales with how far efficiency
	// sits above PathEfficiencyBase.
	PathEfficiencyMin   float64 `yaml:"path_efficiency_min"`
	PathEfficiencyBase  float64 `yaml:"path_efficiency_base"`
	PathEfficiencyScale float64 `yaml:"path_efficiency_scale"`

	// Unnaturally smooth velocity profile.
	SmoothnessMax     float64 `yaml:"smoothness_max"`
	SmoothnessPenalty float64 `yaml:"smoothness_penalty"`

	// Absence of micro-corrections. Humans jitter.
	JitterMin     float64 `yaml:"jitter_min"`
	JitterPenalty float64 `yaml:"jitter_penalty"`

	// Too few direction changes per second.
	DirectionRateMin     float64 `yaml:"direction_rate_min"`
	DirectionRatePenalty float64 `yaml:"direction_rate_penalty"`

	// Metronomic event timing.
	GapStdDevMinMs  float64 `yaml:"gap_std_dev_min_ms"`
	GapStdDevPenalty float64 `yaml:"gap_std_dev_penalty"`

	// Superhuman speed.
	MeanSpeedMax     float64 `yaml:"mean_speed_max"`
	MeanSpeedPenalty float64 `yaml:"mean_speed_penalty"`

	// Sample count below which the low-variance rules stay quiet. Sparse
	// windows make variance statistics meaningless.
	LowVarianceMinSamples int `yaml:"low_variance_min_samples"`

	// Added when the signature detector matches a known bot profile.
	SignaturePenalty float64 `yaml:"signature_penalty"`
}

// DefaultRules returns the compiled-in penalty thresholds.
func DefaultRules() *Rules {
	return &Rules{
		PathEfficiencyMin:   0.95,
		PathEfficiencyBase:  0.9,
		PathEfficiencyScale: 5.0,

		SmoothnessMax:     0.98,
		SmoothnessPenalty: 0.5,

		JitterMin:     0.02,
		JitterPenalty: 0.5,

		DirectionRateMin:     0.2,
		DirectionRatePenalty: 0.3,

		GapStdDevMinMs:   2.0,
		GapStdDevPenalty: 0.5,

		MeanSpeedMax:     5000,
		MeanSpeedPenalty: 1.0,

		LowVarianceMinSamples: 20,

		SignaturePenalty: 0.5,
	}
}

// Evaluate runs every penalty rule against one feature record and returns
// the penalties that fired.
func (r *Rules) Evaluate(f features.MovementFeatures) []Penalty {
	var out []Penalty

	if f.PathEfficiency > r.PathEfficiencyMin {
		out = append(out, Penalty{
			Reason: "path_too_straight",
			Amount: (f.PathEfficiency - r.PathEfficiencyBase) * r.PathEfficiencyScale,
		})
	}
	if f.Smoothness > r.SmoothnessMax {
		out = append(out, Penalty{Reason: "velocity_too_smooth", Amount: r.SmoothnessPenalty})
	}
	if f.MeanSpeed > r.MeanSpeedMax {
		out = append(out, Penalty{Reason: "superhuman_speed", Amount: r.MeanSpeedPenalty})
	}

	// Low-variance rules need enough samples to mean anything.
	if f.SampleCount >= r.LowVarianceMinSamples {
		if f.JitterRatio < r.JitterMin {
			out = append(out, Penalty{Reason: "no_micro_corrections", Amount: r.JitterPenalty})
		}
		if f.DirectionChangeRate < r.DirectionRateMin {
			out = append(out, Penalty{Reason: "too_few_direction_changes", Amount: r.DirectionRatePenalty})
		}
		if f.EventGapStdDevMs < r.GapStdDevMinMs {
			out = append(out, Penalty{Reason: "metronomic_timing", Amount: r.GapStdDevPenalty})
		}
	}

	return out
}

// FindConfigDir locates the directory holding scoring.yaml and signature
// seed files. Checks the PLAYPROOF_CONFIG_DIR env var first, then common
// relative and system locations. Returns "" if none exist.
func FindConfigDir() string {
	candidates := []string{
		os.Getenv("PLAYPROOF_CONFIG_DIR"),
		"configs",
		filepath.Join("..", "configs"),
		"/etc/playproof",
	}
	for _, dir := range candidates {
		if dir == "" {
			continue
		}
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return ""
}

// LoadRules reads scoring.yaml from configDir, overlaying it on the
// defaults. Missing file is not an error; defaults are returned.
func LoadRules(configDir string) (*Rules, error) {
	rules := DefaultRules()
	if configDir == "" {
		return rules, nil
	}

	path := filepath.Join(configDir, "scoring.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return rules, nil
		}
		return nil, fmt.Errorf("read scoring config: %w", err)
	}

	if err := yaml.Unmarshal(data, rules); err != nil {
		return nil, fmt.Errorf("parse scoring config %s: %w", path, err)
	}
	return rules, nil
}
