package storage

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/wowowow-64/weekwise/auth"
	"github.com/wowowow-64/weekwise/backend"
	"github.com/wowowow-64/weekwise/prefs"
)

const (
	envStore         = "WEEKWISE_STORE"
	envTableEndpoint = "WEEKWISE_TABLE_ENDPOINT"
	envOfflinePath   = "WEEKWISE_OFFLINE_PATH"
)

// TableConfigFrom maps the user-facing configuration onto the table account.
func TableConfigFrom(cfg backend.Config) TableConfig {
	return TableConfig{
		Account:  cfg.ProjectID,
		Key:      cfg.APIKey,
		Endpoint: os.Getenv(envTableEndpoint),
		Prefix:   cfg.StorageBucket,
	}
}

// NewDialer returns the backend.Dialer used in production. Setting
// WEEKWISE_STORE=memory keeps records in process memory instead of Azure
// Tables.
func NewDialer(store *prefs.Store, logger *log.Logger) backend.Dialer {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return func(ctx context.Context, cfg backend.Config) (*backend.Connection, error) {
		// Background work owned by the connection outlives the dial context.
		life, cancel := context.WithCancel(context.WithoutCancel(ctx))

		feed, err := dialFeed(ctx, cfg, logger)
		if err != nil {
			cancel()
			return nil, err
		}

		opts := []Option{WithLogger(logger)}
		if path := os.Getenv(envOfflinePath); path != "" {
			opts = append(opts, WithOfflinePath(path))
		}
		var docs *Store
		if strings.EqualFold(os.Getenv(envStore), "memory") {
			docs = newStore(newMemoryTables(), feed, opts...)
		} else {
			docs, err = NewTableStore(TableConfigFrom(cfg), feed, opts...)
			if err != nil {
				_ = feed.Close()
				cancel()
				return nil, fmt.Errorf("tables: %w", err)
			}
		}

		verifier, err := auth.VerifierForDomain(life, cfg.AuthDomain, cfg.AppID)
		if err != nil {
			_ = docs.Close()
			cancel()
			return nil, fmt.Errorf("auth: %w", err)
		}
		if !verifier.LocalMode() && cfg.AuthDomain == "" {
			logger.Warn("storage: no authDomain configured, sign-in will be rejected")
		}
		client := auth.NewClient(verifier, store, logger)
		client.Start(life)

		return &backend.Connection{
			Auth:  client,
			Store: docs,
			OnClose: func() {
				client.Close()
				verifier.Close()
				cancel()
			},
		}, nil
	}
}

func dialFeed(ctx context.Context, cfg backend.Config, logger *log.Logger) (Feed, error) {
	if cfg.MessagingSenderID == "" {
		return NewLocalFeed(), nil
	}
	rc := redis.NewClient(RedisOptions(cfg.MessagingSenderID))
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}
	return NewRedisFeed(rc, logger), nil
}
