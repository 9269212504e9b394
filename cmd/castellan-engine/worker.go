package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/castellanhq/castellan/pkg/engine"
	"github.com/castellanhq/castellan/pkg/eventbus"
)

// WorkerManager runs the rule engine: it consumes entity lifecycle events
// from the bus and ticks the scheduled-rule scan.
type WorkerManager struct {
	id           string
	logger       *slog.Logger
	engine       *engine.Engine
	eventBus     eventbus.EventBus
	scanInterval time.Duration
}

func NewWorkerManager(
	id string,
	ruleEngine *engine.Engine,
	eventBus eventbus.EventBus,
	logger *slog.Logger,
	scanInterval time.Duration,
) *WorkerManager {
	return &WorkerManager{
		id:           id,
		logger:       logger.With("module", "castellan-engine", "worker_id", id),
		engine:       ruleEngine,
		eventBus:     eventBus,
		scanInterval: scanInterval,
	}
}

func (w *WorkerManager) Start(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Starting engine worker", "worker_id", w.id)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	scheduler := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	_, err := scheduler.AddFunc("@every "+w.scanInterval.String(), func() {
		err := w.engine.RunScheduledScan(ctx, time.Now().UTC(), w.scanInterval)
		if err != nil {
			w.logger.ErrorContext(ctx, "Scheduled rule scan failed", "error", err)
		}
	})
	if err != nil {
		return err
	}

	scheduler.Start()

	defer func() {
		<-scheduler.Stop().Done()
	}()

	errChan := make(chan error, 1)

	go func() {
		errChan <- w.engine.Start(ctx, w.eventBus)
	}()

	w.logger.InfoContext(ctx, "Engine worker started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		w.logger.InfoContext(ctx, "Shutting down engine worker...")

		return nil
	case err := <-errChan:
		return err
	}
}
