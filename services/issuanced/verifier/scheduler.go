package verifier

import (
	"context"
	"log/slog"
	"time"
)

// SchedulerConfig configures periodic verification. A positive Interval runs
// on a fixed cadence; otherwise runs happen daily at RunHour:RunMinute.
type SchedulerConfig struct {
	Verifier  *Verifier
	Interval  time.Duration
	RunHour   int
	RunMinute int
	Location  *time.Location
	// ExportDir, when set, receives CSV and Parquet copies of every report.
	ExportDir string
	// DryRun validates exports without writing them.
	DryRun    bool
	Logger    *slog.Logger
}

// Scheduler runs VerifyAll on a cadence until its context ends.
type Scheduler struct {
	verifier  *Verifier
	interval  time.Duration
	runHour   int
	runMinute int
	location  *time.Location
	exportDir string
	dryRun    bool
	logger    *slog.Logger
}

func NewScheduler(cfg SchedulerConfig) *Scheduler {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		verifier:  cfg.Verifier,
		interval:  cfg.Interval,
		runHour:   clampHour(cfg.RunHour),
		runMinute: clampMinute(cfg.RunMinute),
		location:  loc,
		exportDir: cfg.ExportDir,
		dryRun:    cfg.DryRun,
		logger:    logger.With("component", "verifier-scheduler"),
	}
}

// Start blocks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.verifier == nil {
		return
	}
	for {
		now := time.Now().In(s.location)
		next := s.nextRun(now)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	report, err := s.verifier.VerifyAll(ctx)
	if err != nil {
		s.logger.Error("scheduled verification failed", slog.Any("error", err))
		return
	}
	if s.exportDir == "" {
		return
	}
	res, err := Export(s.exportDir, report, ExportOptions{DryRun: s.dryRun})
	if err != nil {
		s.logger.Error("report export failed", slog.String("report_id", report.ID.String()), slog.Any("error", err))
		return
	}
	s.logger.Info("report exported",
		slog.String("csv", res.CSVPath),
		slog.String("parquet", res.ParquetPath),
		slog.Int("rows", res.Rows),
		slog.Bool("dry_run", res.DryRun))
}

func (s *Scheduler) nextRun(after time.Time) time.Time {
	if s.interval > 0 {
		return after.Add(s.interval)
	}
	target := time.Date(after.Year(), after.Month(), after.Day(), s.runHour, s.runMinute, 0, 0, s.location)
	if !target.After(after) {
		target = target.Add(24 * time.Hour)
	}
	return target
}

func clampHour(hour int) int {
	if hour < 0 {
		return 0
	}
	if hour > 23 {
		return 23
	}
	return hour
}

func clampMinute(minute int) int {
	if minute < 0 {
		return 0
	}
	if minute > 59 {
		return 59
	}
	return minute
}
