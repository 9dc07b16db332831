package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/voltshift/voltshift/pkg/controller"
	"github.com/voltshift/voltshift/pkg/inverter"
	"github.com/voltshift/voltshift/pkg/log"
	"github.com/voltshift/voltshift/pkg/prices"
	"github.com/voltshift/voltshift/pkg/pvforecast"
	"github.com/voltshift/voltshift/pkg/storage"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
)

func main() {
	// init packages
	p := prices.Configured()
	pv := pvforecast.Configured()
	inv := inverter.Configured()
	s := storage.Configured()

	// init control loop
	loop := controller.Configured(s, p, pv, inv)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer func() {
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	// Run blocks until the context is canceled
	if err := loop.Run(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "control loop failed", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "control loop exited cleanly")
}
