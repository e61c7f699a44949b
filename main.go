package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/endoreg/endoscrub/cmd"
	"github.com/endoreg/endoscrub/internal/conf"
	"github.com/endoreg/endoscrub/internal/errors"
	"github.com/endoreg/endoscrub/internal/logging"
	"github.com/endoreg/endoscrub/internal/telemetry"
)

func main() {
	logging.Init()

	settings := conf.Setting()
	if settings.Debug {
		logging.SetLevel(slog.LevelDebug)
	}

	if settings.Sentry.Enabled {
		if err := telemetry.Init(&settings.Sentry); err != nil {
			logging.Warn("telemetry initialization failed", "error", err)
		} else {
			errors.SetTelemetryReporter(&telemetry.Reporter{})
			defer telemetry.Flush(2 * time.Second)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := cmd.RootCommand(settings)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logging.Error("command failed", "error", err)
		os.Exit(1)
	}
}
