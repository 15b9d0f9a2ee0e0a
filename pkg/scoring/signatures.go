package scoring

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"gopkg.in/yaml.v3"

	"github.com/asaha96/Playproof-sub001/pkg/features"
)

// SignatureSeed is one known movement profile. Bot seeds describe observed
// automation tools; human seeds prevent false matches on ordinary play.
type SignatureSeed struct {
	Name   string    `yaml:"name"`
	Label  string    `yaml:"label"` // "bot" or "human"
	Vector []float32 `yaml:"vector"`
}

// SignatureMatch describes the closest known profile.
type SignatureMatch struct {
	Name       string
	Label      string
	Similarity float32
}

// SignatureDetector matches feature vectors against seeded movement
// signatures using cosine similarity in an embedded vector store.
type SignatureDetector struct {
	db         *chromem.DB
	collection *chromem.Collection
	threshold  float32
	mu         sync.RWMutex
	ready      bool
}

// NewSignatureDetector creates a detector with an empty store. Call
// LoadSeeds before matching.
func NewSignatureDetector() (*SignatureDetector, error) {
	db := chromem.NewDB()

	// Seeds carry precomputed vectors; nothing here embeds text.
	embeddingFunc := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("signature store only accepts precomputed vectors")
	}

	collection, err := db.CreateCollection("movement_signatures", nil, embeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("failed to create collection: %w", err)
	}

	return &SignatureDetector{
		db:         db,
		collection: collection,
		threshold:  0.95,
	}, nil
}

// LoadSeeds loads signature seeds into the vector store. Tries
// signatures.yaml in configDir first, falls back to the built-in seeds.
func (sd *SignatureDetector) LoadSeeds(ctx context.Context, configDir string) error {
	sd.mu.Lock()
	defer sd.mu.Unlock()

	seeds, err := loadSeedFile(configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] Failed to load signature seeds: %v, using built-in seeds\n", err)
		seeds = builtinSeeds()
	} else if seeds == nil {
		seeds = builtinSeeds()
	}

	docs := make([]chromem.Document, 0, len(seeds))
	for i, s := range seeds {
		if len(s.Vector) != features.VectorDim {
			return fmt.Errorf("seed %q has vector length %d, want %d", s.Name, len(s.Vector), features.VectorDim)
		}
		docs = append(docs, chromem.Document{
			ID:        fmt.Sprintf("sig_%d", i),
			Content:   s.Name,
			Embedding: s.Vector,
			Metadata: map[string]string{
				"label": s.Label,
				"name":  s.Name,
			},
		})
	}

	if err := sd.collection.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("failed to add seeds: %w", err)
	}
	sd.ready = true
	return nil
}

// MatchBot reports whether the record's vector is close enough to a known
// bot signature. Returns false when the detector isn't seeded yet or the
// nearest profile is a human seed.
func (sd *SignatureDetector) MatchBot(f features.MovementFeatures) (SignatureMatch, bool) {
	sd.mu.RLock()
	defer sd.mu.RUnlock()

	if !sd.ready {
		return SignatureMatch{}, false
	}

	results, err := sd.collection.QueryEmbedding(context.Background(), f.Vector(), 1, nil, nil)
	if err != nil || len(results) == 0 {
		return SignatureMatch{}, false
	}

	best := results[0]
	match := SignatureMatch{
		Name:       best.Metadata["name"],
		Label:      best.Metadata["label"],
		Similarity: best.Similarity,
	}
	return match, match.Label == "bot" && match.Similarity >= sd.threshold
}

// SetThreshold updates the similarity threshold.
func (sd *SignatureDetector) SetThreshold(t float32) {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	sd.threshold = t
}

// IsReady returns whether seeds have been loaded.
func (sd *SignatureDetector) IsReady() bool {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	return sd.ready
}

func loadSeedFile(configDir string) ([]SignatureSeed, error) {
	if configDir == "" {
		return nil, nil
	}
	path := filepath.Join(configDir, "signatures.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var file struct {
		Signatures []SignatureSeed `yaml:"signatures"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return file.Signatures, nil
}

// cachedSeeds stores the built-in seed slice (immutable after initialization).
var (
	cachedSeeds     []SignatureSeed
	cachedSeedsOnce sync.Once
)

// builtinSeeds returns the curated movement signature database. Bot seeds
// come from replaying common automation tools against the capture games;
// human seeds are averaged recordings that anchor the benign side.
func builtinSeeds() []SignatureSeed {
	cachedSeedsOnce.Do(func() {
		profiles := []struct {
			name  string
			label string
			f     features.MovementFeatures
		}{
			{
				// Scripted linear sweeps: perfect lines at constant speed.
				name: "linear_scripted", label: "bot",
				f: features.MovementFeatures{
					MeanSpeed: 8000, MaxSpeed: 8200, SpeedStdDev: 50,
					PathEfficiency: 1.0, Smoothness: 0.999,
					MeanEventGapMs: 20, EventGapStdDevMs: 0.5,
					ClickAccuracy: 1.0,
				},
			},
			{
				// Teleporting clicker: near-zero path, instant jumps.
				name: "teleport_clicker", label: "bot",
				f: features.MovementFeatures{
					MeanSpeed: 25000, MaxSpeed: 60000, SpeedStdDev: 12000,
					MeanAcceleration: 400000, MeanJerk: 2000000,
					PathEfficiency: 1.0, Smoothness: 0.1,
					MeanEventGapMs: 500, EventGapStdDevMs: 1.0,
					ClickAccuracy: 1.0,
				},
			},
			{
				// Interpolated curves with fixed easing: smooth but sterile.
				name: "eased_interpolator", label: "bot",
				f: features.MovementFeatures{
					MeanSpeed: 1200, MaxSpeed: 2400, SpeedStdDev: 600,
					PathEfficiency: 0.97, Smoothness: 0.995,
					DirectionChangeRate: 0.1, JitterRatio: 0.0,
					MeanEventGapMs: 16.7, EventGapStdDevMs: 0.3,
					ClickAccuracy: 1.0,
				},
			},
			{
				// Careful human: slow, curved, frequent corrections.
				name: "human_careful", label: "human",
				f: features.MovementFeatures{
					MeanSpeed: 450, MaxSpeed: 1800, SpeedStdDev: 380,
					MeanAcceleration: 9000, MeanJerk: 60000,
					PathEfficiency: 0.72, Smoothness: 0.85,
					DirectionChangeRate: 3.5, JitterRatio: 0.18,
					OvershootCount: 2, PauseCount: 4, PauseTimeRatio: 0.2,
					MeanEventGapMs: 18, EventGapStdDevMs: 14,
					ClickAccuracy: 0.8,
				},
			},
			{
				// Fast human: quick flicks with overshoot and recovery.
				name: "human_fast", label: "human",
				f: features.MovementFeatures{
					MeanSpeed: 1600, MaxSpeed: 4800, SpeedStdDev: 1300,
					MeanAcceleration: 35000, MeanJerk: 250000,
					PathEfficiency: 0.85, Smoothness: 0.6,
					DirectionChangeRate: 2.0, JitterRatio: 0.08,
					OvershootCount: 5, PauseCount: 1, PauseTimeRatio: 0.05,
					MeanEventGapMs: 12, EventGapStdDevMs: 8,
					ClickAccuracy: 0.65,
				},
			},
		}

		cachedSeeds = make([]SignatureSeed, len(profiles))
		for i, p := range profiles {
			cachedSeeds[i] = SignatureSeed{
				Name:   p.name,
				Label:  p.label,
				Vector: p.f.Vector(),
			}
		}
	})
	return cachedSeeds
}
