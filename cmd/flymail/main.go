// Package main is the entry point for the flymail inbound mail server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/shineum/flymail/internal/attachment"
	"github.com/shineum/flymail/internal/config"
	"github.com/shineum/flymail/internal/delivery"
	"github.com/shineum/flymail/internal/directory"
	"github.com/shineum/flymail/internal/httpapi"
	"github.com/shineum/flymail/internal/smtp"
	"github.com/shineum/flymail/internal/store"
	"github.com/shineum/flymail/internal/store/memory"
	"github.com/shineum/flymail/internal/store/postgres"
	"github.com/shineum/flymail/internal/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to YAML or TOML configuration file (optional)")
	migrateOnly := flag.Bool("migrate", false, "apply database migrations and exit")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	setupLogger(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *migrateOnly); err != nil {
		slog.Error("flymail stopped with error", "error", err)
		os.Exit(1)
	}

	slog.Info("flymail stopped")
}

func run(ctx context.Context, cfg *config.Config, migrateOnly bool) error {
	db, err := openStore(ctx, cfg.Database, migrateOnly)
	if err != nil {
		return err
	}
	defer db.Close()

	if migrateOnly {
		slog.Info("migrations applied", "driver", cfg.Database.Driver)
		return nil
	}

	if err := store.Seed(ctx, db, cfg.Database.Seed); err != nil {
		return fmt.Errorf("failed to seed directory: %w", err)
	}

	files, err := openAttachments(ctx, cfg.Storage)
	if err != nil {
		return err
	}

	smtpServer := smtp.New(smtp.ServerConfig{
		ListenAddr:          cfg.SMTP.ListenAddr(),
		Hostname:            cfg.SMTP.Hostname,
		Resolver:            directory.NewResolver(db),
		Deliverer:           delivery.New(files, db),
		IdleTimeout:         cfg.SMTP.IdleTimeout,
		MaxConnections:      cfg.SMTP.MaxConnections,
		MaxConnectionsPerIP: cfg.SMTP.MaxConnectionsPerIP,
	})
	httpServer := httpapi.New(httpapi.Options{
		Addr:       cfg.HTTP.Listen,
		MXHostname: cfg.MXHostname,
	})

	slog.Info("starting flymail",
		"smtp_listen", cfg.SMTP.ListenAddr(),
		"http_listen", cfg.HTTP.Listen,
		"database", cfg.Database.Driver,
		"storage", files.Name(),
		"mx_hostname", cfg.MXHostname,
	)

	// Either server failing stops the other.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return smtpServer.ListenAndServe(gctx)
	})
	g.Go(func() error {
		if err := httpServer.ListenAndServe(gctx); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// openStore connects the configured backend. SQLite is always migrated;
// Postgres only when auto_migrate is set or force is true.
func openStore(ctx context.Context, cfg config.DatabaseConfig, force bool) (store.Backend, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		db, err := postgres.Open(ctx, cfg.URL, cfg.MaxConns)
		if err != nil {
			return nil, err
		}
		if cfg.AutoMigrate || force {
			if err := db.Migrate(ctx); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to migrate: %w", err)
			}
		}
		return db, nil

	case config.DriverSQLite:
		db, err := sqlite.Open(ctx, cfg.URL)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to migrate: %w", err)
		}
		return db, nil

	case config.DriverMemory:
		slog.Warn("using in-memory store, messages are lost on exit")
		return memory.New(), nil
	}
	return nil, errors.New("unknown database driver: " + cfg.Driver)
}

func openAttachments(ctx context.Context, cfg config.StorageConfig) (attachment.Store, error) {
	if cfg.Backend == config.StorageS3 {
		s3, err := attachment.NewS3(ctx, attachment.S3Config{
			Region:          cfg.S3.Region,
			Bucket:          cfg.S3.Bucket,
			Prefix:          cfg.S3.Prefix,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		return s3, nil
	}
	local, err := attachment.NewLocal(cfg.Dir)
	if err != nil {
		return nil, err
	}
	return local, nil
}

// loadConfig loads configuration from the specified path (file + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with the specified level
// and output format.
func setupLogger(level, format string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
