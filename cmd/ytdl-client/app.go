package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/emanuelef/yt-dl-client-go/internal/artifact"
	"github.com/emanuelef/yt-dl-client-go/internal/config"
	"github.com/emanuelef/yt-dl-client-go/internal/controller"
	"github.com/emanuelef/yt-dl-client-go/internal/infra/cache"
	"github.com/emanuelef/yt-dl-client-go/internal/infra/r2"
	"github.com/emanuelef/yt-dl-client-go/internal/infra/sqlite"
	"github.com/emanuelef/yt-dl-client-go/internal/session"
	"github.com/emanuelef/yt-dl-client-go/internal/stream"
	"github.com/emanuelef/yt-dl-client-go/internal/validate"
	"github.com/emanuelef/yt-dl-client-go/pkg/httpclient"
	"github.com/emanuelef/yt-dl-client-go/pkg/logger"
)

// app holds the long-lived dependencies shared by every command.
type app struct {
	cfg          *config.Config
	log          *slog.Logger
	store        *sqlite.Repository
	client       *http.Client
	streamClient *http.Client
	sessions     *session.Manager
	mirror       *r2.Client
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if backendFlag != "" {
		cfg.BackendURL = strings.TrimRight(backendFlag, "/")
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	if logLevelFlag != "" {
		cfg.LogLevel = logLevelFlag
	}

	log := logger.Setup(&logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	store, err := sqlite.NewRepository(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if n, err := store.PruneMarks(ctx, cfg.MarkRetention); err != nil {
		log.Warn("Failed to prune completion marks", "error", err)
	} else if n > 0 {
		log.Debug("Pruned completion marks", "count", n)
	}

	opts := httpclient.Options{
		Timeout: cfg.RequestTimeout,
		RPS:     cfg.RateLimitRPS,
		Burst:   cfg.RateLimitBurst,
	}

	a := &app{
		cfg:          cfg,
		log:          log,
		store:        store,
		client:       httpclient.New(opts),
		streamClient: httpclient.NewStreamClient(opts),
	}
	a.sessions = session.NewManager(cfg.BackendURL, a.client, store, logger.Component(log, "session"))

	if cfg.MirrorEnabled() {
		mirror, err := r2.NewClient(ctx, &r2.Config{
			AccountID:       cfg.R2AccountID,
			AccessKeyID:     cfg.R2AccessKeyID,
			SecretAccessKey: cfg.R2SecretAccessKey,
			BucketName:      cfg.R2BucketName,
			Endpoint:        cfg.R2Endpoint,
			Logger:          logger.Component(log, "r2"),
		})
		if err != nil {
			log.Warn("R2 mirror disabled", "error", err)
		} else {
			a.mirror = mirror
			if _, err := mirror.DeleteOlderThan(ctx, config.LinkLifetime); err != nil {
				log.Warn("Failed to clean stale mirror objects", "error", err)
			}
		}
	}

	return a, nil
}

// newController wires a controller that reports to p.
func (a *app) newController(p controller.Presenter) *controller.Controller {
	var mirror artifact.Mirror
	if a.mirror != nil {
		mirror = a.mirror
	}

	return controller.New(controller.Deps{
		BackendURL: a.cfg.BackendURL,
		Session:    a.sessions,
		Stream: stream.New(stream.Config{
			BaseURL:    a.cfg.BackendURL,
			Client:     a.streamClient,
			Marker:     a.store,
			MaxRetries: a.cfg.StreamMaxRetries,
			RetryDelay: a.cfg.StreamRetryDelay,
			Logger:     logger.Component(a.log, "stream"),
		}),
		Artifacts: artifact.New(artifact.Config{
			BaseURL:    a.cfg.BackendURL,
			PathPrefix: a.cfg.ArtifactPath,
			Auth:       a.sessions.WithClient(a.streamClient),
			Registry:   cache.NewRegistry(),
			Mirror:     mirror,
			MirrorKey:  r2.ObjectKey,
			Lifetime:   config.LinkLifetime,
			Logger:     logger.Component(a.log, "artifact"),
		}),
		Marks:      a.store,
		Presenter:  p,
		Validation: validate.Options{BlockPrivate: a.cfg.BlockPrivateSources},
		Logger:     logger.Component(a.log, "controller"),
	})
}

func (a *app) close() {
	httpclient.CloseIdle(a.client)
	httpclient.CloseIdle(a.streamClient)
	if err := a.store.Close(); err != nil {
		a.log.Warn("Failed to close store", "error", err)
	}
}
