// Package main provides the castellan bottleneck detector daemon.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v3"

	"github.com/castellanhq/castellan/pkg/cmd"
	"github.com/castellanhq/castellan/pkg/detector"
	"github.com/castellanhq/castellan/pkg/log"
	"github.com/castellanhq/castellan/pkg/otelhelper"
)

func main() {
	cmd := &cli.Command{
		Name:                  "castellan-detector",
		EnableShellCompletion: true,
		Usage:                 "Run scheduled bottleneck detection scans",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "cron",
				Usage:   "Cron expression for the detection tick",
				Value:   detector.DefaultCronExpr,
				Sources: cli.EnvVars("DETECTOR_CRON"),
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

			logger := log.WithModule("castellan-detector")

			logger.InfoContext(ctx, "Initializing Castellan Detector")

			_, err := otelhelper.NewTracer(ctx, "castellan-detector")
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

			store := cmd.NewStore()
			notifier := cmd.NewNotifier(logger)

			bottleneckDetector := detector.New(logger, persistence, store, notifier)

			scheduler := detector.NewScheduler(bottleneckDetector, logger, command.String("cron"))

			err = scheduler.Start(ctx)
			if err != nil {
				return err
			}

			logger.InfoContext(ctx, "Detector started successfully")

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

			<-sigChan
			logger.InfoContext(ctx, "Shutting down detector...")

			return scheduler.Stop(ctx)
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
