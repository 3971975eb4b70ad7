package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"lecnotes/config"
	"lecnotes/credentials"
	"lecnotes/inference"
	"lecnotes/internal/ytdlp"
	"lecnotes/jobs"
	"lecnotes/media"
	"lecnotes/pipeline"
	"lecnotes/publish"
)

// app holds the components shared by the commands.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *jobs.Store
	pool   *credentials.Pool
	driver *pipeline.Driver
}

// openApp loads configuration and opens the job store. withPipeline also
// opens the credential pool and assembles the driver.
func openApp(ctx context.Context, configPath string, withPipeline bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger}
	if a.store, err = openStore(ctx, cfg, logger); err != nil {
		return nil, err
	}
	if !withPipeline {
		return a, nil
	}

	a.pool, err = credentials.Open(cfg.CredentialsFile,
		credentials.WithLimits(cfg.QuotaLimits),
		credentials.WithWindow(cfg.QuotaWindow.D()),
		credentials.WithRefresher(credentials.NewOAuthRefresher(cfg.OAuthClientID, cfg.OAuthClientSecret)),
		credentials.WithLogger(logger),
	)
	if err != nil {
		a.store.Close()
		return nil, fmt.Errorf("open credentials: %w", err)
	}

	prober := media.NewFFprobe(cfg.FFprobePath)
	ffmpeg := media.NewFFmpeg(cfg.FFmpegPath)
	ffmpeg.Threads = cfg.FFmpegThreads
	sizer := media.NewSizer(prober, ffmpeg, cfg.Media(), logger)

	dl := ytdlp.New(cfg.DownloadDir, filepath.Join(cfg.DownloadDir, "temp"))
	dl.Path = cfg.YtdlpPath
	dl.Timeout = cfg.YtdlpTimeout.D()
	dl.CookiesFile = cfg.CookiesFile
	if cfg.UserAgent != "" {
		dl.UserAgent = cfg.UserAgent
	}
	dl.Logger = logger

	client := inference.NewClient(a.pool, cfg.Inference(), inference.WithLogger(logger))
	pub := publish.NewFilePublisher(cfg.OutputDir, cfg.PublishBaseURL, logger)
	a.driver = pipeline.New(a.store, dl, sizer, client, pub, cfg.Pipeline(), logger)
	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*jobs.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.JobsFile), 0o755); err != nil {
		return nil, err
	}
	var (
		store *jobs.Store
		err   error
	)
	switch cfg.StoreBackend {
	case "sqlite":
		store, err = jobs.OpenSQLite(ctx, cfg.JobsFile, jobs.WithLogger(logger))
	default:
		store, err = jobs.OpenJSON(ctx, cfg.JobsFile, jobs.WithLogger(logger))
	}
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	return store, nil
}

func (a *app) Close() {
	if a.pool != nil {
		if err := a.pool.Close(); err != nil {
			a.logger.Warn("close credentials", slog.String("error", err.Error()))
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close job store", slog.String("error", err.Error()))
	}
}

func (a *app) runPending(ctx context.Context) error {
	if a.pool.Len() == 0 {
		return errors.New("no credentials configured; add one with: lecnotes keys add <api-key>")
	}
	if reset, err := a.pool.ResetIfWindowElapsed(); err != nil {
		return err
	} else if reset {
		a.logger.Info("quota window elapsed, usage reset")
	}

	start := time.Now()
	sum, err := a.driver.RunPending(ctx)
	fmt.Fprintf(os.Stderr, "\n%s in %s\n", sum, elapsed(start))
	if errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "Interrupted; run again to resume.")
		return nil
	}
	return err
}

// resolveID expands a unique id prefix, as printed by list, to the full id.
func (a *app) resolveID(ctx context.Context, prefix string) (string, error) {
	list, err := a.store.List(ctx)
	if err != nil {
		return "", err
	}
	var match string
	for _, j := range list {
		if j.ID == prefix {
			return j.ID, nil
		}
		if strings.HasPrefix(j.ID, prefix) {
			if match != "" {
				return "", fmt.Errorf("job id %q is ambiguous", prefix)
			}
			match = j.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("no job with id %q", prefix)
	}
	return match, nil
}
