package main

import (
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/adred-codev/telemetry-relay/internal/monitoring"
	"github.com/adred-codev/telemetry-relay/internal/platform"
	"github.com/adred-codev/telemetry-relay/internal/server"
	"github.com/adred-codev/telemetry-relay/internal/types"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	// Bootstrap logger until the configured one exists
	bootstrap := zerolog.New(os.Stdout).With().Timestamp().Str("service", "telemetry-relay").Logger()

	// automaxprocs has already applied the container CPU quota
	bootstrap.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("GOMAXPROCS set")

	cfg, err := platform.LoadConfig(&bootstrap)
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if *debug {
		cfg.LogLevel = string(types.LogLevelDebug)
	}

	logger := monitoring.InitGlobalLogger(monitoring.LoggerConfig{
		Level:  types.LogLevel(cfg.LogLevel),
		Format: types.LogFormat(cfg.LogFormat),
	})
	if *debug {
		logger.Debug().Msg("Debug mode enabled via flag")
	}
	cfg.LogConfig(logger)

	srv, err := server.NewServer(cfg.ServerConfig(), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create server")
	}

	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start server")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info().Str("signal", sig.String()).Msg("Shutting down server")
	if err := srv.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
	}
}
