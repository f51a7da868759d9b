package main

import (
	"context"
	"errors"
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
	"thumbsmith/internal/handlers"
	"thumbsmith/internal/httpclient"
	"thumbsmith/internal/mediagroup"
	"thumbsmith/internal/pipeline"
	"thumbsmith/internal/session"
	"thumbsmith/internal/telegram"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	if err := cfg.RequireTelegram(); err != nil {
		panic(err)
	}

	logger := newLogger(cfg)

	httpClient := httpclient.New(httpclient.Options{
		PreferIPv4: cfg.PreferIPv4,
		Timeout:    cfg.HTTPTimeout,
	})

	tg, err := telegram.New(telegram.Options{
		Token:      cfg.TelegramToken,
		HTTPClient: httpClient,
		Logger:     logger,
		Debug:      cfg.Debug,
	})
	if err != nil {
		logger.Error("telegram init failed", "err", err)
		os.Exit(1)
	}

	runner, err := buildRunner(cfg, logger, httpClient)
	if err != nil {
		logger.Error("runner init failed", "err", err)
		os.Exit(1)
	}

	handler := handlers.New(handlers.Options{
		Bot:     tg,
		Runner:  runner,
		Drafts:  session.NewStore(),
		Logger:  logger,
		WorkDir: os.TempDir(),
		OutDir:  cfg.OutDir,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sem := make(chan struct{}, cfg.MaxConcurrent)
	onGroupFlush := func(group mediagroup.Group) {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		go func() {
			defer func() { <-sem }()

			reqCtx, cancel := context.WithTimeout(ctx, cfg.JobTimeout)
			defer cancel()

			handler.HandleMediaGroup(reqCtx, group)
		}()
	}

	aggregator := mediagroup.New(mediagroup.Options{
		Debounce: cfg.MediaGroupDebounce,
		MaxItems: 2,
		OnFlush:  onGroupFlush,
	})
	handler.SetMediaGroupAggregator(aggregator)

	logger.Info("bot started", "username", tg.Username())

	updates := tg.Updates(telegram.UpdatesOptions{
		Timeout: 30 * time.Second,
	})
	defer tg.StopUpdates()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return
		case update, ok := <-updates:
			if !ok {
				logger.Info("updates channel closed")
				return
			}

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}

			go func(update telegram.Update) {
				defer func() { <-sem }()

				reqCtx, cancel := context.WithTimeout(ctx, cfg.JobTimeout)
				defer cancel()

				if err := handler.HandleUpdate(reqCtx, update); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("handle update failed", "err", err)
				}
			}(update)
		}
	}
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
