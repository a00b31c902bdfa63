// ABOUTME: Builds the store, runtime, lock and memory backend named by configuration
// ABOUTME: Each builder returns closers so the gateway can release what it opened

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/2389/hearth/internal/adapter"
	"github.com/2389/hearth/internal/adapter/claude"
	"github.com/2389/hearth/internal/adapter/echo"
	"github.com/2389/hearth/internal/adapter/openaichat"
	"github.com/2389/hearth/internal/config"
	"github.com/2389/hearth/internal/lock"
	"github.com/2389/hearth/internal/memory"
	"github.com/2389/hearth/internal/store"
)

func buildComponents(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Components, error) {
	var parts Components

	s, err := initStore(ctx, cfg.Database)
	if err != nil {
		return parts, err
	}
	parts.Store = s

	fail := func(err error) (Components, error) {
		for _, c := range parts.Closers {
			_ = c()
		}
		_ = s.Close()
		return Components{}, err
	}

	parts.Runtime, err = initRuntime(cfg.Runtime, s, logger)
	if err != nil {
		return fail(err)
	}

	locker, closeLocker, err := initLocker(ctx, cfg.Lock, logger)
	if err != nil {
		return fail(err)
	}
	parts.Locker = locker
	if closeLocker != nil {
		parts.Closers = append(parts.Closers, closeLocker)
	}

	parts.MemoryBackend = initMemoryBackend(cfg.Memory, s)

	if cfg.Orchestrator.StreamLog != "" {
		f, err := os.OpenFile(cfg.Orchestrator.StreamLog, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fail(fmt.Errorf("opening stream log: %w", err))
		}
		parts.StreamLog = f
		parts.Closers = append(parts.Closers, f.Close)
	}

	return parts, nil
}

// initStore opens the configured database. HEARTH_DB_PATH overrides the sqlite path.
func initStore(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	path := cfg.Path
	if envPath := os.Getenv("HEARTH_DB_PATH"); envPath != "" {
		path = envPath
	}

	switch cfg.Driver {
	case "postgres":
		s, err := store.NewPostgresStore(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		return s, nil
	case store.DriverCgo:
		s, err := store.NewSQLiteStoreWithDriver(store.DriverCgo, path)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		return s, nil
	default:
		s, err := store.NewSQLiteStore(path)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		return s, nil
	}
}

// initRuntime creates the configured execution runtime. Sessions missing
// from its transcript book are rebuilt from the turns in history.
func initRuntime(cfg config.RuntimeConfig, history adapter.TurnHistory, logger *slog.Logger) (adapter.Adapter, error) {
	transcripts := adapter.NewTranscripts(cfg.MaxHistory, adapter.NewStoreSessions(history))

	switch cfg.Kind {
	case "echo":
		return echo.New(echo.Options{Delay: cfg.ChunkDelay, Transcripts: transcripts, Logger: logger}), nil
	case "anthropic":
		return claude.New(claude.Options{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			System:      cfg.System,
			Transcripts: transcripts,
			Logger:      logger,
		}), nil
	case "openai":
		return openaichat.New(openaichat.Options{
			APIKey:              cfg.APIKey,
			BaseURL:             cfg.BaseURL,
			Model:               cfg.Model,
			MaxCompletionTokens: cfg.MaxTokens,
			System:              cfg.System,
			Transcripts:         transcripts,
			Logger:              logger,
		}), nil
	}
	return nil, fmt.Errorf("unknown runtime %q", cfg.Kind)
}

// initLocker creates the conversation lock. The redis locker pings its server first.
func initLocker(ctx context.Context, cfg config.LockConfig, logger *slog.Logger) (lock.Locker, func() error, error) {
	if cfg.Backend != "redis" {
		return lock.NewLocal(), nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connecting to redis at %s: %w", cfg.RedisAddr, err)
	}

	return lock.NewRedis(client, lock.RedisOptions{
		Prefix: cfg.Prefix,
		TTL:    cfg.TTL,
		Logger: logger,
	}), client.Close, nil
}

// initMemoryBackend selects where memory blocks live
func initMemoryBackend(cfg config.MemoryConfig, s Store) memory.Backend {
	if cfg.Backend == "http" {
		return memory.NewHTTPBackend(memory.HTTPOptions{BaseURL: cfg.URL, Token: cfg.Token, Timeout: cfg.Timeout})
	}
	return memory.NewStoreBackend(s)
}
