package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"go.uber.org/zap"

	"github.com/asaha96/Playproof-sub001/pkg/agent"
	"github.com/asaha96/Playproof-sub001/pkg/archive"
	"github.com/asaha96/Playproof-sub001/pkg/config"
	"github.com/asaha96/Playproof-sub001/pkg/features"
	"github.com/asaha96/Playproof-sub001/pkg/inference"
	"github.com/asaha96/Playproof-sub001/pkg/logging"
	"github.com/asaha96/Playproof-sub001/pkg/scoring"
	"github.com/asaha96/Playproof-sub001/pkg/session"
	"github.com/asaha96/Playproof-sub001/pkg/store"
	"github.com/asaha96/Playproof-sub001/pkg/telemetry"
)

const Version = "0.1.0"

// Pipeline holds the verification components. The verdict store, signature
// detector, and archive are optional layers that degrade gracefully.
type Pipeline struct {
	cfg        *config.Config
	logger     *zap.Logger
	manager    *session.Manager
	verdicts   store.VerdictStore
	agent      *agent.DecisionAgent
	signatures *scoring.SignatureDetector
	archive    *archive.FeatureArchive
	rules      *scoring.Rules
}

func NewPipeline(cfg *config.Config) *Pipeline {
	if cfg == nil {
		cfg = config.NewDefaultConfig()
	}
	cfg.MustValidate()

	logger, err := logging.Init(cfg.LogDir)
	if err != nil {
		log.Fatalf("failed to initialize logging: %v", err)
	}

	p := &Pipeline{cfg: cfg, logger: logger}

	configDir := cfg.ConfigDir
	if configDir == "" {
		configDir = scoring.FindConfigDir()
	}

	p.rules, err = scoring.LoadRules(configDir)
	if err != nil {
		log.Printf("○ Scoring rule overrides disabled (load failed: %v)", err)
		p.rules = scoring.DefaultRules()
	} else {
		log.Println("✓ Scoring rules loaded")
	}

	// Reasoning layer - optional, requires an LLM provider
	reasoner := agent.NewReasoningClient(cfg)
	if reasoner != nil {
		log.Printf("✓ LLM reasoning enabled (provider: %s)", cfg.LLMProvider)
		p.agent = agent.NewDecisionAgent(cfg, reasoner, logger)
	} else {
		log.Println("○ LLM reasoning disabled (heuristic decisions only)")
		p.agent = agent.NewDecisionAgent(cfg, nil, logger)
	}

	// Signature layer - optional
	if cfg.EnableSignatures {
		sd, err := scoring.NewSignatureDetector()
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err = sd.LoadSeeds(ctx, configDir)
			cancel()
		}
		if err != nil {
			log.Printf("○ Signature matching disabled (init failed: %v)", err)
		} else {
			p.signatures = sd
			log.Println("✓ Signature matching enabled (chromem-go vector store)")
		}
	} else {
		log.Println("○ Signature matching disabled")
	}

	// Verdict store - Redis when configured, in-memory otherwise
	if cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rs, err := store.NewRedisVerdictStore(ctx, cfg.RedisURL, cfg.MaxSessionDuration*2)
		cancel()
		if err != nil {
			log.Printf("○ Redis verdict store disabled (connect failed: %v), using in-memory", err)
			p.verdicts = store.NewMemoryVerdictStore(store.WithTTL(cfg.MaxSessionDuration * 2))
		} else {
			p.verdicts = rs
			log.Println("✓ Redis verdict store enabled")
		}
	} else {
		p.verdicts = store.NewMemoryVerdictStore(store.WithTTL(cfg.MaxSessionDuration * 2))
		log.Println("○ Redis verdict store disabled (no URL), using in-memory")
	}

	// Feature archive - optional, requires Postgres
	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		ar, err := archive.New(ctx, cfg.DatabaseURL)
		if err == nil {
			err = ar.EnsureSchema(ctx)
		}
		cancel()
		if err != nil {
			log.Printf("○ Feature archive disabled (init failed: %v)", err)
		} else {
			p.archive = ar
			log.Println("✓ Feature archive enabled (Postgres)")
		}
	} else {
		log.Println("○ Feature archive disabled (no database URL)")
	}

	opts := []session.ManagerOption{session.WithScoringRules(p.rules)}
	if p.signatures != nil {
		opts = append(opts, session.WithSignatureDetector(p.signatures))
	}
	if p.archive != nil {
		opts = append(opts, session.WithWindowObserver(func(sessionID string, ws scoring.WindowScore) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := p.archive.SaveFeatures(ctx, sessionID, ws); err != nil {
				logger.Warn("failed to archive window",
					zap.String("session_id", sessionID),
					zap.Int("window_id", ws.WindowID),
					zap.Error(err))
			}
		}))
	}
	p.manager = session.NewManager(cfg, p.agent, p.verdicts, &session.LogPublisher{Logger: logger}, logger, opts...)

	return p
}

// ScoreOnce scores a single batch of events outside any session. Used by
// the /v1/score endpoint and the score subcommand.
func (p *Pipeline) ScoreOnce(batch *telemetry.Batch) scoring.WindowScore {
	events := batch.Events
	telemetry.SortByTimestamp(events)

	var clicks int
	for _, ev := range events {
		if ev.Kind == telemetry.EventDown {
			clicks++
		}
	}

	bounds := scoring.WindowBounds{ID: 1}
	if len(events) > 0 {
		bounds.StartMs = events[0].TimestampMs
		bounds.EndMs = events[len(events)-1].TimestampMs + 1
	}

	scorerOpts := []scoring.ScorerOption{scoring.WithRules(p.rules)}
	if p.signatures != nil {
		scorerOpts = append(scorerOpts, scoring.WithSignatureDetector(p.signatures))
	}
	scorer := scoring.NewWindowedScorer(p.cfg, scorerOpts...)

	f := features.NewExtractor().Extract(events, clicks, 0, 0)
	return scorer.ScoreWindow(bounds, f, len(events))
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		port := "3000"
		if len(os.Args) > 2 {
			port = os.Args[2]
		}
		runHTTPServer(port)
	case "score":
		if len(os.Args) < 3 {
			fmt.Println("Usage: verifier score <batch.json>")
			os.Exit(1)
		}
		runCLIScore(os.Args[2])
	case "export":
		runExport()
	case "version":
		fmt.Printf("Playproof Verifier v%s\n", Version)
		fmt.Println("Behavioral human verification pipeline")
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf("Playproof Verifier v%s - behavioral human verification\n\n", Version)
	fmt.Println("Usage:")
	fmt.Println("  verifier serve [port]       Start HTTP gateway (default: 3000)")
	fmt.Println("  verifier score <batch.json> Score one telemetry batch from a file")
	fmt.Println("  verifier export             Export archived features to the inference service")
	fmt.Println("  verifier version            Show version")
	fmt.Println("")
	fmt.Println("Environment Variables:")
	fmt.Println("  PLAYPROOF_LLM_PROVIDER   LLM provider: ollama, openrouter, groq, openai, none")
	fmt.Println("  PLAYPROOF_LLM_API_KEY    API key for the reasoning service")
	fmt.Println("  PLAYPROOF_REDIS_URL      Redis URL for the shared verdict store")
	fmt.Println("  PLAYPROOF_DATABASE_URL   Postgres URL for the feature archive")
	fmt.Println("  PLAYPROOF_INFERENCE_URL  Batch anomaly inference service URL")
	fmt.Println("  PLAYPROOF_CONFIG_DIR     Directory with scoring.yaml / signatures.yaml")
}

// ============================================================================
// HTTP Gateway Mode
// ============================================================================

func runHTTPServer(port string) {
	p := NewPipeline(config.NewDefaultConfig())
	defer p.logger.Sync()

	app := fiber.New(fiber.Config{
		AppName: "Playproof Verifier",
	})

	app.Get("/health", func(c fiber.Ctx) error {
		active, _ := p.verdicts.ActiveCount(c.Context())
		return c.JSON(fiber.Map{
			"status":          "ok",
			"version":         Version,
			"live_sessions":   p.manager.Count(),
			"active_sessions": active,
		})
	})

	// Telemetry ingest: the body is a raw batch envelope. Decode errors are
	// handled inside the session actor so a bad batch never fails the request.
	app.Post("/v1/session/:id/events", func(c fiber.Ctx) error {
		id := c.Params("id")
		body := make([]byte, len(c.Body()))
		copy(body, c.Body())
		if err := p.manager.Ingest(c.Context(), id, body); err != nil {
			if err == session.ErrSessionEnded {
				return c.Status(409).JSON(fiber.Map{"error": "session has ended"})
			}
			return c.Status(400).JSON(fiber.Map{"error": err.Error()})
		}
		return c.SendStatus(202)
	})

	app.Post("/v1/session/:id/disconnect", func(c fiber.Ctx) error {
		if s, ok := p.manager.Get(c.Params("id")); ok {
			_ = s.Disconnect()
		}
		return c.SendStatus(204)
	})

	app.Post("/v1/session/:id/reconnect", func(c fiber.Ctx) error {
		if s, ok := p.manager.Get(c.Params("id")); ok {
			_ = s.Reconnect()
		}
		return c.SendStatus(204)
	})

	// Verdict lookup: published verdicts come from the store; undecided
	// live sessions report their current state.
	app.Get("/v1/session/:id/verdict", func(c fiber.Ctx) error {
		id := c.Params("id")
		if d, err := p.verdicts.GetVerdict(c.Context(), id); err == nil && d != nil {
			return c.JSON(fiber.Map{"status": "decided", "verdict": d})
		}
		if s, ok := p.manager.Get(id); ok {
			return c.JSON(fiber.Map{"status": "pending", "session": s.Snapshot()})
		}
		return c.Status(404).JSON(fiber.Map{"error": "unknown session"})
	})

	// One-shot scoring for offline or recorded batches.
	app.Post("/v1/score", func(c fiber.Ctx) error {
		batch, err := telemetry.Decode(c.Body())
		if err != nil {
			return c.Status(400).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(p.ScoreOnce(batch))
	})

	// Graceful shutdown: end live sessions before the listener dies.
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		log.Println("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		p.manager.Shutdown(ctx)
		cancel()
		_ = p.verdicts.Close()
		_ = app.Shutdown()
	}()

	log.Printf("Playproof Verifier listening on :%s", port)
	log.Printf("Endpoints:")
	log.Printf("  GET  /health                      - Health check")
	log.Printf("  POST /v1/session/:id/events       - Telemetry batch ingest")
	log.Printf("  POST /v1/session/:id/disconnect   - Transport disconnect (starts grace timer)")
	log.Printf("  POST /v1/session/:id/reconnect    - Transport reconnect")
	log.Printf("  GET  /v1/session/:id/verdict      - Verdict / session state")
	log.Printf("  POST /v1/score                    - One-shot batch scoring")

	if err := app.Listen(":" + port); err != nil {
		log.Fatal(err)
	}
}

// ============================================================================
// CLI Modes
// ============================================================================

func runCLIScore(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("read %s: %v", path, err)
	}
	batch, err := telemetry.Decode(data)
	if err != nil {
		log.Fatalf("decode batch: %v", err)
	}

	p := NewPipeline(config.NewDefaultConfig())
	defer p.logger.Sync()

	ws := p.ScoreOnce(batch)
	out, _ := json.MarshalIndent(ws, "", "  ")
	fmt.Println(string(out))
}

func runExport() {
	cfg := config.NewDefaultConfig()
	if cfg.DatabaseURL == "" {
		log.Fatal("export requires PLAYPROOF_DATABASE_URL")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	ar, err := archive.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect to archive: %v", err)
	}
	defer ar.Close()

	records, err := ar.ListFeatures(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		log.Fatalf("list features: %v", err)
	}
	if len(records) == 0 {
		log.Println("nothing to export")
		return
	}

	feats := make([]features.MovementFeatures, len(records))
	for i, r := range records {
		feats[i] = r.Features
		feats[i].SessionID = r.SessionID
	}

	// Without an inference service the export is the CSV itself.
	if cfg.InferenceURL == "" {
		fmt.Print(features.CSVTable(feats))
		return
	}

	results, err := inference.NewClient(cfg.InferenceURL).UploadFeatures(ctx, feats)
	if err != nil {
		log.Fatalf("batch inference failed: %v", err)
	}
	out, _ := json.MarshalIndent(results, "", "  ")
	fmt.Println(string(out))
}
