package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stagehand-ci/stagehand/internal/adapters/secrets/env"
	"github.com/stagehand-ci/stagehand/internal/adapters/secrets/memory"
	"github.com/stagehand-ci/stagehand/internal/artifacts"
	"github.com/stagehand-ci/stagehand/internal/config"
	"github.com/stagehand-ci/stagehand/internal/core/ports"
	"github.com/stagehand-ci/stagehand/internal/engine"
	"github.com/stagehand-ci/stagehand/internal/executor"
	"github.com/stagehand-ci/stagehand/internal/locks"
	"github.com/stagehand-ci/stagehand/internal/runtime"
	"github.com/stagehand-ci/stagehand/internal/storage/sqldb"
)

// app holds the wired components shared by the run and serve
// commands.
type app struct {
	manager *runtime.Manager
	store   ports.RunStore
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		slog.Error("store close failed", slog.String("error", err.Error()))
	}
}

// buildApp wires storage, artifacts, secrets, and the engine from
// config.
func buildApp(cfg *config.Config) (*app, error) {
	logger := slog.Default()

	store, err := sqldb.New(sqldb.Config{Driver: cfg.Storage.Driver, DSN: cfg.Storage.DSN})
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}

	// Logs always land on local disk; the S3 backend only holds
	// collected artifacts.
	local, err := artifacts.NewLocalStore(cfg.Artifacts.Dir)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open artifact dir: %w", err)
	}

	var artifactStore ports.ArtifactStore = local
	if cfg.Artifacts.Backend == "s3" {
		s3, err := artifacts.NewS3Store(context.Background(), artifacts.S3Config{
			Endpoint:  cfg.Artifacts.S3.Endpoint,
			AccessKey: cfg.Artifacts.S3.AccessKey,
			SecretKey: cfg.Artifacts.S3.SecretKey,
			Bucket:    cfg.Artifacts.S3.Bucket,
			Region:    cfg.Artifacts.S3.Region,
			UseSSL:    cfg.Artifacts.S3.UseSSL,
		})
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("connect object store: %w", err)
		}
		artifactStore = s3
	}

	var secrets ports.SecretStore
	switch cfg.Secrets.Store {
	case "", "env":
		secrets = env.New()
	case "none":
		secrets = memory.New()
	default:
		store.Close()
		return nil, fmt.Errorf("unknown secrets store %q", cfg.Secrets.Store)
	}

	eng := engine.New(engine.Config{
		Runner:    executor.New(),
		Secrets:   secrets,
		Locks:     locks.NewManager(),
		Logs:      artifacts.NewFileLogSink(local),
		Logger:    logger,
		Artifacts: artifactStore,
	})

	return &app{
		manager: runtime.NewManager(eng, store, artifactStore, logger),
		store:   store,
	}, nil
}
