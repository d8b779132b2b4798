package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/awslabs/nlb-sidecar-for-ecs/sidecar"
)

func main() {
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().
		Timestamp().
		Str("component", "nlb-sidecar").
		Logger()

	os.Exit(run(logger))
}

// run wires the components together and maps every outcome to an exit code:
// 0 for a completed drain, 1 for fatal errors and signal-initiated exits.
func run(logger zerolog.Logger) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cfg, err := sidecar.ConfigFromEnv(logger)
	if err != nil {
		return exitCode(logger, err)
	}
	if cfg.MetadataURI == "" {
		return exitCode(logger, &sidecar.Error{
			Kind:    sidecar.KindMetadata,
			Fatal:   true,
			Message: "environment variable ECS_CONTAINER_METADATA_URI_V4 not set",
		})
	}

	snap, err := sidecar.FetchSnapshot(ctx, nil, cfg.MetadataURI)
	if err != nil {
		return exitCode(logger, err)
	}
	logger.Info().Str("task", snap.TaskARN).Str("region", snap.Region).Str("mode", string(snap.NetworkMode)).Msg("task metadata loaded")

	clients, err := sidecar.NewAWSClients(ctx, snap.Region, cfg.EndpointURL)
	if err != nil {
		return exitCode(logger, &sidecar.Error{
			Kind: sidecar.KindAWSAccess, Fatal: true, Message: "loading AWS configuration", Err: err,
		})
	}

	taskCtx, err := sidecar.Resolve(ctx, snap, cfg, clients, logger)
	if err != nil {
		return exitCode(logger, err)
	}
	logger.Info().Str("address", taskCtx.NetworkAddress).Int("bindings", len(taskCtx.Bindings)).Msg("task context resolved")

	tracker := sidecar.NewStatusTracker()
	if cfg.StatusAddr != "" {
		go sidecar.ServeStatus(cfg.StatusAddr, tracker, logger)
	}

	poller := sidecar.NewPoller(clients.ELB, taskCtx, sidecar.DefaultRetryPolicy(), logger)
	coordinator := sidecar.NewCoordinator(poller, cfg, tracker, logger)

	return exitCode(logger, coordinator.Run(ctx))
}

// exitCode logs the run's outcome and picks the process exit code. A
// canceled context means a termination signal preempted the state machine,
// which always maps to the unclean exit.
func exitCode(logger zerolog.Logger, err error) int {
	if err == nil {
		logger.Info().Msg("detected clean exit")
		return 0
	}

	if errors.Is(err, context.Canceled) {
		logger.Error().Msg("termination signal received, detected unclean exit")
		return 1
	}

	var serr *sidecar.Error
	if errors.As(err, &serr) {
		logger.Error().Str("kind", serr.Kind.String()).Msg(serr.Error())
		if serr.Fatal {
			// WithLevel logs at fatal severity without zerolog's implicit
			// os.Exit; the exit code is this function's job.
			logger.WithLevel(zerolog.FatalLevel).Msg("previous error was a fatal error, exiting")
		}
	} else {
		logger.Error().Err(err).Msg("unknown error")
	}
	return 1
}
