package features

// Vector renders the record as a fixed-length, roughly unit-scaled float32
// vector for similarity search against seeded movement signatures. Each
// component is squashed into [0,1] with a per-feature scale so that no
// single raw magnitude (speed is px/s, ratios are already unit) dominates
// the cosine distance.
func (f MovementFeatures) Vector() []float32 {
	return []float32{
		squash(f.MeanSpeed, 2000),
		squash(f.MaxSpeed, 8000),
		squash(f.SpeedStdDev, 1500),
		squash(f.MeanAcceleration, 20000),
		squash(f.MeanJerk, 100000),
		float32(f.PathEfficiency),
		squash(f.DirectionChangeRate, 10),
		float32(f.JitterRatio),
		float32(f.PauseTimeRatio),
		squash(float64(f.PauseCount), 20),
		squash(float64(f.OvershootCount), 10),
		float32(f.ClickAccuracy),
		float32(f.Smoothness),
		squash(f.MeanEventGapMs, 100),
		squash(f.EventGapStdDevMs, 50),
	}
}

// squash maps [0,∞) into [0,1) with a soft knee at scale.
func squash(v, scale float64) float32 {
	if v <= 0 {
		return 0
	}
	return float32(v / (v + scale))
}

// VectorDim is the length of the vector produced by Vector.
const VectorDim = 15
