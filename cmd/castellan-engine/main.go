// Package main provides the castellan rule engine worker.
package main

import (
	"context"
	"os"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/castellanhq/castellan/pkg/cmd"
	"github.com/castellanhq/castellan/pkg/engine"
	"github.com/castellanhq/castellan/pkg/log"
	"github.com/castellanhq/castellan/pkg/otelhelper"
)

func main() {
	cmd := &cli.Command{
		Name:                  "castellan-engine",
		EnableShellCompletion: true,
		Usage:                 "Start the worker that fires automation rules",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:     "event-bus",
				Usage:    "Event bus type (kafka, gochannel)",
				Required: true,
				Sources:  cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "models-path",
				Usage:   "Path to the JSON manifest of automatable models",
				Sources: cli.EnvVars("MODELS_PATH"),
			},
			&cli.DurationFlag{
				Name:    "scan-interval",
				Usage:   "How often scheduled rules are scanned",
				Value:   engine.DefaultScanInterval,
				Sources: cli.EnvVars("SCAN_INTERVAL"),
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

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "engine-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("castellan-engine").With("worker_id", workerID)

			logger.InfoContext(ctx, "Initializing Castellan Engine")

			_, err := otelhelper.NewTracer(ctx, "castellan-engine")
			if err != nil {
				logger.WarnContext(ctx, "Failed to initialize tracer", "error", err)
			}

			eventBus := cmd.NewEventBus(command.String("event-bus"), logger)
			defer func() {
				err := eventBus.Close()
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			persistence := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			defer func() {
				err := persistence.Close(ctx)
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
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

			worker := NewWorkerManager(
				workerID,
				ruleEngine,
				eventBus,
				logger,
				command.Duration("scan-interval"),
			)

			err = worker.Start(ctx)
			if err != nil {
				logger.ErrorContext(ctx, "Failed to start engine worker", "error", err)
			}

			return nil
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
