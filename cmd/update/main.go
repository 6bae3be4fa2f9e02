package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/stagehand/cmd/update/commands"
	"github.com/openfroyo/stagehand/pkg/engine"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	setupLogging()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The first interrupt cancels the context; steps that have begun
	// committing finish regardless.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Warn().Msg("Received interrupt signal, stopping after the current step...")
		cancel()
	}()

	err := commands.Execute(ctx, Version, Commit, BuildDate)
	if err != nil {
		log.Error().Err(err).Str("code", engine.ErrorCode(err)).Msg("Command failed")
	}
	cancel()
	os.Exit(commands.ExitCode(err))
}

// setupLogging configures the global zerolog logger used before the config
// file is loaded.
func setupLogging() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
