package detector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Default tick used when no cron expression is configured. Rules carry their
// own next_run_at, so the tick only bounds scheduling latency.
const DefaultCronExpr = "@every 1m"

// Scheduler drives the detector on a cron tick. Each tick scans the rules
// whose next_run_at has passed.
type Scheduler struct {
	detector *Detector
	logger   *slog.Logger
	cron     *cron.Cron
	cronExpr string
	cancel   context.CancelFunc
}

func NewScheduler(detector *Detector, logger *slog.Logger, cronExpr string) *Scheduler {
	if cronExpr == "" {
		cronExpr = DefaultCronExpr
	}

	return &Scheduler{
		detector: detector,
		logger:   logger.With("module", "detector_scheduler"),
		cronExpr: cronExpr,
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	_, err := s.cron.AddFunc(s.cronExpr, func() {
		err := s.detector.RunDueRules(ctx, time.Now().UTC())
		if err != nil {
			s.logger.ErrorContext(ctx, "Detection tick finished with errors", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule detection tick: %w", err)
	}

	s.cron.Start()
	s.logger.InfoContext(ctx, "Detector scheduler started", "cron", s.cronExpr)

	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	s.logger.InfoContext(ctx, "Stopping detector scheduler")

	if s.cancel != nil {
		s.cancel()
	}

	if s.cron != nil {
		<-s.cron.Stop().Done()
	}

	return nil
}
