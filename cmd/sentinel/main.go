package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinel-rtcc/sentinel/internal/orchestration"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("sentinel %s (%s)\n", version, commit)
		return
	}

	cfg, err := orchestration.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	logger := buildLogger(cfg)

	var bus *orchestration.EventBus
	if cfg.Bus.Enabled {
		bus, err = orchestration.NewEventBus(&cfg.Bus, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("starting event bus")
		}
		defer bus.Close()
	}

	kernel := orchestration.NewKernel(logger, cfg.KernelConfig(), cfg.FusionBusConfig(), bus)

	// Default subsystem invokers. Real deployments replace these with
	// adapters for drone control, CAD dispatch, and records systems.
	for _, name := range []string{"drone_control", "unit_dispatch", "records", "threat_intel"} {
		if err := kernel.RegisterSubsystem(&orchestration.SimulatedSubsystem{
			SubsystemName: name,
			Latency:       100 * time.Millisecond,
		}); err != nil {
			logger.Fatal().Err(err).Msg("registering subsystem")
		}
	}

	if err := cfg.Apply(kernel); err != nil {
		logger.Error().Err(err).Msg("some config entries failed to register")
	}

	kernel.Start()
	logger.Info().Str("version", version).Msg("sentinel orchestration core running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")

	kernel.Stop()
}

func buildLogger(cfg *orchestration.Config) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.Logging.Format == "json" {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}

	switch cfg.LogLevel() {
	case "debug":
		logger = logger.Level(zerolog.DebugLevel)
	case "warn":
		logger = logger.Level(zerolog.WarnLevel)
	case "error":
		logger = logger.Level(zerolog.ErrorLevel)
	default:
		logger = logger.Level(zerolog.InfoLevel)
	}
	return logger
}
