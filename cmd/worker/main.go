package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"thumbsmith/internal/assetstore"
	"thumbsmith/internal/config"
	"thumbsmith/internal/gemini"
	"thumbsmith/internal/httpclient"
	"thumbsmith/internal/pipeline"
	"thumbsmith/internal/worker"
)

func main() {
	var (
		subjectPath = flag.String("subject", "", "path to the presenter photo")
		objectPath  = flag.String("object", "", "path to the product photo")
		topic       = flag.String("context", "", "episode topic")
		jobID       = flag.String("id", "", "job id (generated when empty)")
		outDir      = flag.String("out", "", "output directory (overrides OUT_DIR)")
		manifest    = flag.String("manifest", "", "YAML manifest with a batch of jobs")
	)
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	if *outDir != "" {
		cfg.OutDir = *outDir
	}

	logger := newLogger(cfg)

	httpClient := httpclient.New(httpclient.Options{
		PreferIPv4: cfg.PreferIPv4,
		Timeout:    cfg.HTTPTimeout,
	})

	runner, err := buildRunner(cfg, logger, httpClient)
	if err != nil {
		logger.Error("runner init failed", "err", err)
		os.Exit(1)
	}

	jobs, err := collectJobs(cfg, *manifest, *jobID, *subjectPath, *objectPath, *topic)
	if err != nil {
		logger.Error("invalid invocation", "err", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool := worker.New(worker.Options{
		Runner:     runner,
		Logger:     logger,
		Limit:      cfg.MaxConcurrent,
		JobTimeout: cfg.JobTimeout,
	})

	outcomes := pool.RunAll(ctx, jobs)

	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
			continue
		}
		logger.Info("preview ready",
			"job", o.Result.LocalPath, "method", o.Result.Method,
			"width", o.Result.Width, "height", o.Result.Height)
	}

	if failed > 0 {
		logger.Error("batch finished with failures", "failed", failed, "total", len(jobs))
		os.Exit(1)
	}
}

func collectJobs(cfg config.Config, manifest, jobID, subject, object, topic string) ([]pipeline.Job, error) {
	if manifest != "" {
		return worker.LoadManifest(manifest, cfg.OutDir)
	}

	if subject == "" || object == "" {
		flag.Usage()
		return nil, errors.New("either -manifest or both -subject and -object are required")
	}

	return []pipeline.Job{{
		ID:          jobID,
		SubjectPath: subject,
		ObjectPath:  object,
		Context:     topic,
		OutDir:      cfg.OutDir,
	}}, nil
}

func buildRunner(cfg config.Config, logger *slog.Logger, httpClient *http.Client) (*pipeline.Runner, error) {
	gem := gemini.New(gemini.Options{
		APIKey:          cfg.GeminiAPIKey,
		BaseURL:         cfg.GeminiBaseURL,
		APIVersion:      cfg.GeminiAPIVersion,
		HTTPClient:      httpClient,
		Logger:          logger,
		PollInterval:    cfg.PollInterval,
		MaxPollAttempts: cfg.MaxPollAttempts,
	})

	store := assetstore.New(assetstore.Options{
		BaseURL:    cfg.AssetStoreURL,
		APIKey:     cfg.AssetStoreKey,
		HTTPClient: httpClient,
		Logger:     logger,
	})

	pcfg := pipeline.DefaultConfig()
	if cfg.StageTable != "" {
		table, err := pipeline.LoadTable(cfg.StageTable)
		if err != nil {
			return nil, err
		}
		pcfg.Table = table
	}
	pcfg.SimilarityMin = cfg.SimilarityMin
	pcfg.ReviewPolicy = pipeline.Policy(cfg.ReviewPolicy)

	return pipeline.NewRunner(pipeline.Options{
		Generator: gem,
		Store:     store,
		Logger:    logger,
		Config:    pcfg,
	})
}

func newLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		}))
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	}))
}
