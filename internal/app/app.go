// Package app assembles the probe engine, store and run manager from config.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hamed0406/dpichecker/internal/catalog"
	"github.com/hamed0406/dpichecker/internal/config"
	"github.com/hamed0406/dpichecker/internal/notify"
	"github.com/hamed0406/dpichecker/internal/probe"
	"github.com/hamed0406/dpichecker/internal/repo"
	"github.com/hamed0406/dpichecker/internal/repo/memory"
	"github.com/hamed0406/dpichecker/internal/repo/postgres"
	"github.com/hamed0406/dpichecker/internal/repo/sqlite"
	"github.com/hamed0406/dpichecker/internal/runs"
)

// OpenStore picks postgres when DATABASE_URL is set, then sqlite when
// SQLITE_PATH is set, else the in-memory store. The returned func closes it.
func OpenStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (repo.RunStore, func(), error) {
	switch {
	case cfg.DatabaseURL != "":
		pg, err := postgres.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info("store_selected", zap.String("kind", "postgres"))
		return pg, pg.Close, nil
	case cfg.SQLitePath != "":
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("store_selected", zap.String("kind", "sqlite"), zap.String("path", db.Path()))
		return db, func() {
			if err := db.Close(); err != nil {
				logger.Warn("sqlite_close_error", zap.Error(err))
			}
		}, nil
	default:
		logger.Info("store_selected", zap.String("kind", "memory"))
		return memory.New(), func() {}, nil
	}
}

// NewChecker builds the real network prober wrapped in the retry loop.
func NewChecker(cfg config.Config, logger *zap.Logger) *probe.TargetChecker {
	policy := cfg.ProbePolicy()
	return probe.NewTargetChecker(probe.NewProber(policy, logger, cfg.InsecureSkipVerify), policy, logger)
}

// NewManager wires a run manager. DNS diagnosis and Slack are optional.
func NewManager(cfg config.Config, cat *catalog.Catalog, checker probe.Checker, store repo.RunStore, logger *zap.Logger) *runs.Manager {
	m := runs.NewManager(cat, checker, store, logger)
	m.Concurrency = cfg.Concurrency
	m.MaxConcurrency = cfg.MaxConcurrency
	if cfg.DNSDiagnose {
		m.Resolver = probe.NewDNSChecker(cfg.DNSServer)
	}
	notifiers := notify.Multi{notify.Log{Logger: logger}}
	if s := notify.NewSlack(cfg.SlackWebhook); s != nil {
		notifiers = append(notifiers, s)
	}
	m.Notifier = notifiers
	return m
}
