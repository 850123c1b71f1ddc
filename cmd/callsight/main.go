package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MikeSquared-Agency/callsight/internal/analyzer"
	"github.com/MikeSquared-Agency/callsight/internal/api"
	"github.com/MikeSquared-Agency/callsight/internal/audio"
	"github.com/MikeSquared-Agency/callsight/internal/config"
	"github.com/MikeSquared-Agency/callsight/internal/events"
	"github.com/MikeSquared-Agency/callsight/internal/lease"
	"github.com/MikeSquared-Agency/callsight/internal/llm"
	"github.com/MikeSquared-Agency/callsight/internal/manifest"
	"github.com/MikeSquared-Agency/callsight/internal/mapper"
	"github.com/MikeSquared-Agency/callsight/internal/orchestrator"
	"github.com/MikeSquared-Agency/callsight/internal/resolver"
	"github.com/MikeSquared-Agency/callsight/internal/source"
	"github.com/MikeSquared-Agency/callsight/internal/store"
	"github.com/MikeSquared-Agency/callsight/internal/store/sqlite"
	"github.com/MikeSquared-Agency/callsight/internal/textanalytics"
	"github.com/MikeSquared-Agency/callsight/internal/transcribe"
)

// storage is everything the pipeline persists through; both stores satisfy it.
type storage interface {
	orchestrator.Repository
	resolver.Directory
	mapper.GraphWriter
}

func main() {
	manifestPath := flag.String("manifest", "", "submit every row of an xlsx manifest, wait for the runs, then exit")
	statePath := flag.String("state", "~/.callsight/manifest-state.json", "manifest progress file")
	flag.Parse()

	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	if err := cfg.ApplyTuningFile(cfg.TuningPath); err != nil {
		slog.Error("failed to load tuning file", "path", cfg.TuningPath, "error", err)
		os.Exit(1)
	}
	logger := slog.Default()

	slog.Info("callsight starting", "port", cfg.Port, "workers", cfg.Workers)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Storage
	db, closeDB, err := openStorage(ctx, cfg)
	if err != nil {
		slog.Error("failed to open storage", "error", err)
		os.Exit(1)
	}
	defer closeDB()

	// Transcription
	if cfg.AssemblyAIKey == "" {
		slog.Error("ASSEMBLYAI_API_KEY is required")
		os.Exit(1)
	}
	asr := transcribe.NewAssemblyAI(cfg.AssemblyAIKey, cfg.AssemblyAIBaseURL, logger)
	asr.SetTimeouts(transcribe.Timeouts{Request: cfg.ProviderTimeout, Job: cfg.TranscriptionJobTimeout})

	// Analysis providers
	providers, err := analysisProviders(cfg, logger)
	if err != nil {
		slog.Error("failed to configure analysis providers", "error", err)
		os.Exit(1)
	}

	// Audio sources
	fetcher, err := newFetcher(ctx, cfg, logger)
	if err != nil {
		slog.Error("failed to configure audio sources", "error", err)
		os.Exit(1)
	}
	var transcoder audio.Transcoder
	if _, err := exec.LookPath("ffmpeg"); err == nil {
		transcoder = audio.NewFFmpeg()
	} else {
		slog.Warn("ffmpeg not found, only PCM WAV input is accepted")
	}

	// Run leases
	var leases orchestrator.Leaser = lease.NewMemory()
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		leases = lease.NewRedis(rdb, cfg.LeaseTTL, logger)
		slog.Info("redis leases enabled")
	}

	// NATS (optional: without it there are no callbacks or bus ingestion)
	var bus *events.Client
	if cfg.NatsURL != "" {
		bus, err = events.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, logger)
		if err != nil {
			slog.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer bus.Close()
		slog.Info("NATS connected", "url", cfg.NatsURL)
	} else {
		slog.Warn("NATS not configured, running without event bus")
	}

	deps := orchestrator.Deps{
		Repo:        db,
		Fetcher:     fetcher,
		Normalizer:  audio.New(transcoder, logger),
		Transcriber: transcribe.NewAdapter(asr, cfg.Tuning.ConfidenceThreshold, logger),
		Resolver:    resolver.New(db, logger),
		Analyzer: analyzer.New(providers, analyzer.Options{
			RelevanceFloor: cfg.Tuning.RelevanceFloor,
			MaxTopics:      cfg.Tuning.MaxTopics,
			ChunkChars:     cfg.Tuning.ChunkChars,
			CallTimeout:    cfg.ProviderTimeout,
			AgentLexicon:   cfg.Tuning.AgentLexicon,
			ClientLexicon:  cfg.Tuning.ClientLexicon,
		}, logger),
		Persister: mapper.New(db, logger),
		Leases:    leases,
	}
	if bus != nil {
		deps.Publisher = bus
	}

	orch := orchestrator.New(deps, orchestrator.Config{
		Workers:         cfg.Workers,
		MaxAttempts:     cfg.MaxAttempts,
		InitialInterval: cfg.RetryInitialInterval,
		ProviderTimeout: cfg.ProviderTimeout,
		DefaultLanguage: cfg.Language,
	}, logger)

	if *manifestPath != "" {
		runManifest(ctx, orch, *manifestPath, *statePath, logger)
		return
	}

	if _, err := orch.ResumePending(ctx); err != nil {
		slog.Error("failed to resume unfinished conversations", "error", err)
	}

	if bus != nil {
		if err := bus.Subscribe(events.SubjectIngestRequested, events.QueueIngest, orch.HandleIngestRequested); err != nil {
			slog.Error("failed to subscribe to ingest requests", "error", err)
			os.Exit(1)
		}
	}

	// HTTP API
	srv := api.NewServer(cfg.Port, cfg.APIToken, orch, logger)
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	slog.Info("callsight ready", "port", cfg.Port)

	// Graceful shutdown
	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown", "error", err)
	}
	if bus != nil {
		if err := bus.Drain(); err != nil {
			slog.Warn("NATS drain", "error", err)
		}
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		slog.Warn("runs still in flight at shutdown; they resume on next start", "error", err)
	}
	slog.Info("callsight stopped")
}

func openStorage(ctx context.Context, cfg config.Config) (storage, func(), error) {
	if cfg.DatabaseURL != "" {
		db, err := store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		slog.Info("database connected")
		return db, db.Close, nil
	}

	path := cfg.SQLitePath
	if path == "" {
		path = "callsight.db"
	}
	db, err := sqlite.Open(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("sqlite database opened", "path", path)
	return db, func() {
		if err := db.Close(); err != nil {
			slog.Warn("close sqlite", "error", err)
		}
	}, nil
}

// analysisProviders picks a provider per sub-stage. Azure AI Language takes
// sentiment and summaries when configured; the LLM covers the rest. Without
// an LLM, roles fall back to the lexicon heuristic and topics are skipped.
func analysisProviders(cfg config.Config, logger *slog.Logger) (analyzer.Providers, error) {
	var p analyzer.Providers

	llmCfg := llm.Config{Provider: cfg.LLMProvider}
	switch cfg.LLMProvider {
	case "anthropic":
		llmCfg.APIKey, llmCfg.Model = cfg.AnthropicKey, cfg.AnthropicModel
	default:
		llmCfg.APIKey, llmCfg.BaseURL, llmCfg.Model = cfg.OpenAIKey, cfg.OpenAIBaseURL, cfg.GPTModel
	}
	if llmCfg.APIKey != "" {
		client, err := llm.New(llmCfg)
		if err != nil {
			return p, err
		}
		l := analyzer.NewLLM(client, logger)
		p.Roles, p.Topics, p.Sentiment, p.Summary = l, l, l, l
		slog.Info("llm analysis ready", "provider", cfg.LLMProvider, "model", client.Model())
	} else {
		slog.Warn("no LLM configured, topics are skipped and roles use the lexicon heuristic")
	}

	if cfg.AzureKey != "" && cfg.AzureEndpoint != "" {
		ta := textanalytics.New(cfg.AzureEndpoint, cfg.AzureKey, logger)
		p.Sentiment, p.Summary = ta, ta
		slog.Info("azure language ready", "endpoint", cfg.AzureEndpoint)
	}

	if cfg.OpenAIKey != "" {
		emb, err := llm.NewEmbedder(llm.Config{APIKey: cfg.OpenAIKey, BaseURL: cfg.OpenAIBaseURL, Model: cfg.EmbeddingModel})
		if err != nil {
			return p, err
		}
		p.Embeddings = emb
	}
	return p, nil
}

func newFetcher(ctx context.Context, cfg config.Config, logger *slog.Logger) (*source.Fetcher, error) {
	httpClient := &http.Client{Timeout: cfg.ProviderTimeout}
	if cfg.GoogleServiceAccountFile == "" {
		return source.New(httpClient, nil, logger), nil
	}
	drive, err := source.NewDriveService(ctx, cfg.GoogleServiceAccountFile, cfg.GoogleSubject)
	if err != nil {
		return nil, err
	}
	slog.Info("google drive source ready")
	return source.New(httpClient, drive, logger), nil
}

// runManifest submits a bulk manifest and waits for every run it started.
func runManifest(ctx context.Context, orch *orchestrator.Orchestrator, path, statePath string, logger *slog.Logger) {
	sum, err := manifest.Run(ctx, path, statePath, orch, logger)
	if err != nil {
		slog.Error("manifest run failed", "path", path, "error", err)
	}
	slog.Info("manifest submitted",
		"rows", sum.Rows,
		"submitted", sum.Submitted,
		"skipped", sum.Skipped,
		"failed", sum.Failed,
	)

	done := make(chan struct{})
	go func() {
		orch.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("manifest runs settled")
	case <-ctx.Done():
		shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
		defer stop()
		if err := orch.Shutdown(shutdownCtx); err != nil {
			slog.Warn("runs still in flight at shutdown; they resume on next start", "error", err)
		}
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
