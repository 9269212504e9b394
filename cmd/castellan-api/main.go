package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/castellanhq/castellan/pkg/cmd"
	"github.com/castellanhq/castellan/pkg/detector"
	"github.com/castellanhq/castellan/pkg/engine"
	"github.com/castellanhq/castellan/pkg/ingest"
	"github.com/castellanhq/castellan/pkg/log"
	"github.com/castellanhq/castellan/pkg/otelhelper"
)

const defaultPort = 9091

func main() {
	logger := log.WithModule("api")

	cmd := &cli.Command{
		Name:                  "castellan-api",
		Usage:                 "Manage automation rules, webhook endpoints and bottleneck rules",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (kafka, gochannel)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "models-path",
				Usage:   "Path to the JSON manifest of automatable models",
				Sources: cli.EnvVars("MODELS_PATH"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for shared webhook rate limiting",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger.InfoContext(ctx, "Initializing Castellan API")

			_, err := otelhelper.NewTracer(ctx, "castellan-api")
			if err != nil {
				logger.WarnContext(ctx, "Failed to initialize tracer", "error", err)
			}

			persistence := cmd.NewPersistence(ctx, logger, command.String("database-url"))

			defer func() {
				err := persistence.Close(ctx)
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			eventBus := cmd.NewEventBus(command.String("event-bus"), logger)
			defer func() {
				err := eventBus.Close()
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			models, err := cmd.NewModelRegistry(command.String("models-path"))
			if err != nil {
				return err
			}

			store := cmd.NewStore()
			notifier := cmd.NewNotifier(logger)
			registry := cmd.NewRegistry(logger, store, models, notifier)

			recorder := engine.NewRecorder(persistence, eventBus, logger)
			ruleEngine := engine.New(logger, persistence, store, registry, recorder)
			bottleneckDetector := detector.New(logger, persistence, store, notifier)

			limiter := cmd.NewLimiter(command.String("redis-url"))
			ingestor := ingest.New(logger, persistence, store, limiter, eventBus)

			api := NewAPI(
				logger,
				persistence,
				registry,
				ruleEngine,
				bottleneckDetector,
				ingestor,
			)

			err = api.Start(command.Int("port"))
			if err != nil {
				logger.ErrorContext(ctx, "Failed to start API server", "error", err)
			}

			return nil
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
