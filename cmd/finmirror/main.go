package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/odyssey-erp/finmirror/cmd/finmirror/cli"
	"github.com/odyssey-erp/finmirror/internal/app"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	code := cli.Execute(ctx, cli.NewEnv(cfg, app.NewLogger(cfg)), os.Args[1:])
	stop()
	os.Exit(code)
}
