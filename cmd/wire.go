package main

import (
	"context"
	"fmt"
	"net/url"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/bigdegenenergy/open-cloud-ops/phoenix/internal/artifact"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/internal/store"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/config"
)

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		s, err := store.OpenPostgres(ctx, cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		logger.Info("database connected", zap.String("dsn", maskDSN(cfg.Database.URL)))
		return s, nil
	case "sqlite":
		s, err := store.OpenSQLite(ctx, cfg.Database.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info("sqlite database opened", zap.String("path", cfg.Database.SQLitePath))
		return s, nil
	case "memory":
		logger.Warn("using in-memory store, state is lost on restart")
		return store.NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
}

func openArtifacts(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*artifact.Store, error) {
	var backend artifact.Backend
	switch cfg.Storage.Backend {
	case "s3":
		b, err := artifact.NewS3Backend(ctx, cfg.Storage.S3, logger)
		if err != nil {
			return nil, err
		}
		backend = b
	default:
		b, err := artifact.NewLocalBackend(cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		backend = b
	}
	logger.Info("artifact store initialized",
		zap.String("backend", cfg.Storage.Backend),
		zap.String("source_dir", cfg.Storage.SourceDir))
	return artifact.NewStore(artifact.DirSource{Root: cfg.Storage.SourceDir}, backend, logger)
}

func openRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

// maskDSN hides the password of a connection URL for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	return u.Redacted()
}
