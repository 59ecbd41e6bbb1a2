package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/finmirror/internal/app"
	"github.com/odyssey-erp/finmirror/internal/ledger"
	"github.com/odyssey-erp/finmirror/internal/mirror"
	"github.com/odyssey-erp/finmirror/internal/platform/db"
	"github.com/odyssey-erp/finmirror/internal/settings"
	"github.com/odyssey-erp/finmirror/jobs"
	"github.com/odyssey-erp/finmirror/migrations"
)

// NewEnv wires the commands to Postgres, Redis and the upstream API
// described by cfg. Connections are opened per command.
func NewEnv(cfg *app.Config, logger *slog.Logger) Env {
	return Env{
		Out:    os.Stdout,
		Logger: logger,
		Services: func(ctx context.Context) (*Services, error) {
			container, err := app.NewContainer(ctx, cfg, logger)
			if err != nil {
				return nil, err
			}
			return &Services{Syncer: container.Syncer, Journal: container.Journal, Close: container.Close}, nil
		},
		Jobs: func() (JobQueue, error) {
			return NewJobsCLI(cfg.AsynqRedis())
		},
		Migrate: func(context.Context) error {
			return migrate(cfg, logger)
		},
		Serve: func(ctx context.Context) error {
			return serve(ctx, cfg, logger)
		},
	}
}

func migrate(cfg *app.Config, logger *slog.Logger) error {
	migrator, err := db.NewMigrator(migrations.Files, cfg.PGDSN, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := migrator.Close(); err != nil {
			logger.Warn("migrator close", slog.Any("error", err))
		}
	}()
	return migrator.Up()
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	if err := migrate(cfg, logger); err != nil {
		return err
	}
	container, err := app.NewContainer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer container.Close()

	inspector := asynq.NewInspector(cfg.AsynqRedis())
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		MirrorHandler:   mirror.NewHandler(logger, container.Syncer, container.Journal),
		LedgerHandler:   ledger.NewHandler(logger, container.Journal),
		SettingsHandler: settings.NewHandler(logger, container.Settings),
		JobHandler:      jobs.NewHandler(inspector, logger),
		Metrics:         container.Metrics,
		Database:        container.Pool,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
