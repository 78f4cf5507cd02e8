// Package monitor is the reconciliation safety net. The completion protocol
// can lose a timer to a dropped notification, a crashed winner, or a commit
// that never landed; the monitor sweeps for timers past target without a
// completion, classifies what went wrong from the attempt logs, and reports.
// It never auto-retries: a missed timer is an operator signal, and blind
// re-firing could double-deliver a completion that did reach clients.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"cotick/internal/config"
	"cotick/internal/types"
)

// sweepConcurrency bounds the per-timer classification fan-out.
const sweepConcurrency = 8

// TimerStore is the read surface for the sweep.
type TimerStore interface {
	ListMissed(ctx context.Context, oldest, now time.Time) ([]*types.Timer, error)
}

// CompletionLogStore reads attempt records for classification and stats.
type CompletionLogStore interface {
	HasSuccess(ctx context.Context, timerID string) (bool, error)
	ListByTimer(ctx context.Context, timerID string) ([]*types.CompletionLog, error)
	Stats(ctx context.Context, from, to time.Time) (*types.CompletionStats, error)
}

// Pruner deletes rows past their retention horizon.
type Pruner interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// NamedPruner pairs a Pruner with a table label for logging.
type NamedPruner struct {
	Name   string
	Pruner Pruner
}

// Metrics is the telemetry surface for sweep findings.
type Metrics interface {
	RecordMissedTimer(ctx context.Context, classification types.FailureClass)
}

type noopMetrics struct{}

func (noopMetrics) RecordMissedTimer(context.Context, types.FailureClass) {}

// Monitor runs the periodic sweep and retention pruning.
type Monitor struct {
	timers  TimerStore
	logs    CompletionLogStore
	pruners []NamedPruner
	metrics Metrics
	cfg     config.MonitorConfig
	logger  *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// Config bundles the monitor dependencies.
type Config struct {
	Timers  TimerStore
	Logs    CompletionLogStore
	Pruners []NamedPruner
	Metrics Metrics
	Monitor config.MonitorConfig
	Logger  *slog.Logger
}

// New creates a Monitor.
func New(cfg Config) *Monitor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	mc := cfg.Monitor
	if mc.PollInterval <= 0 {
		mc.PollInterval = time.Minute
	}
	if mc.MissedWindow <= 0 {
		mc.MissedWindow = 5 * time.Minute
	}
	if mc.StatsWindow <= 0 {
		mc.StatsWindow = time.Hour
	}
	if mc.RetentionInterval <= 0 {
		mc.RetentionInterval = time.Hour
	}
	return &Monitor{
		timers:  cfg.Timers,
		logs:    cfg.Logs,
		pruners: cfg.Pruners,
		metrics: metrics,
		cfg:     mc,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run executes the sweep and pruning loops until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	sweep := time.NewTicker(m.cfg.PollInterval)
	defer sweep.Stop()
	prune := time.NewTicker(m.cfg.RetentionInterval)
	defer prune.Stop()

	m.logger.Info("reconciliation monitor started",
		slog.Duration("poll_interval", m.cfg.PollInterval),
		slog.Duration("missed_window", m.cfg.MissedWindow),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sweep.C:
			reports, err := m.DetectMissedTimers(ctx)
			if err != nil {
				m.logger.Error("missed timer sweep failed", slog.String("error", err.Error()))
				continue
			}
			for _, r := range reports {
				m.logger.Error("missed timer detected",
					slog.String("timer_id", r.TimerID),
					slog.String("classification", string(r.Classification)),
					slog.Int64("overdue_ms", r.OverdueMillis),
					slog.Int("attempts", r.AttemptCount),
					slog.String("last_error", r.ErrorMessage),
				)
			}
		case <-prune.C:
			m.pruneExpired(ctx)
		}
	}
}

// DetectMissedTimers sweeps the missed window and classifies each finding.
// The window's trailing edge means a miss is reported by a bounded number of
// consecutive sweeps, then ages out.
func (m *Monitor) DetectMissedTimers(ctx context.Context) ([]types.MissedTimerReport, error) {
	now := m.now()
	missed, err := m.timers.ListMissed(ctx, now.Add(-m.cfg.MissedWindow), now)
	if err != nil {
		return nil, err
	}
	if len(missed) == 0 {
		return nil, nil
	}

	reports := make([]types.MissedTimerReport, len(missed))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for i, timer := range missed {
		g.Go(func() error {
			report, err := m.classify(gctx, timer, now)
			if err != nil {
				return err
			}
			reports[i] = report
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, r := range reports {
		m.metrics.RecordMissedTimer(ctx, r.Classification)
	}
	return reports, nil
}

// classify infers the failure mode of one missed timer from its attempt
// logs:
//
//	no logs                  -> the expiry notification never reached a server
//	success log exists       -> a winner reported success but the commit is absent
//	latest lost the mutex    -> every server lost the race to a winner that died
//	latest held the mutex    -> the winner's processing failed
func (m *Monitor) classify(ctx context.Context, timer *types.Timer, now time.Time) (types.MissedTimerReport, error) {
	report := types.MissedTimerReport{
		TimerID:       timer.ID,
		TargetTime:    timer.TargetTime,
		OverdueMillis: now.Sub(timer.TargetTime).Milliseconds(),
		DetectedAt:    now,
	}

	succeeded, err := m.logs.HasSuccess(ctx, timer.ID)
	if err != nil {
		return report, err
	}
	logs, err := m.logs.ListByTimer(ctx, timer.ID)
	if err != nil {
		return report, err
	}
	report.AttemptCount = len(logs)

	switch {
	case succeeded:
		report.Classification = types.FailureCommitDivergence
	case len(logs) == 0:
		report.Classification = types.FailureNotificationLost
	case !logs[0].LockAcquired:
		report.Classification = types.FailureLockContentionLost
		report.ErrorMessage = logs[0].ErrorMessage
	default:
		report.Classification = types.FailureProcessingFailed
		report.ErrorMessage = logs[0].ErrorMessage
	}
	return report, nil
}

// CompletionStats aggregates attempt outcomes over the trailing stats
// window.
func (m *Monitor) CompletionStats(ctx context.Context) (*types.CompletionStats, error) {
	now := m.now()
	return m.logs.Stats(ctx, now.Add(-m.cfg.StatsWindow), now)
}

// pruneExpired deletes rows past their retention horizon in every table.
// Failures are per-table: one stuck table must not stop the others.
func (m *Monitor) pruneExpired(ctx context.Context) {
	now := m.now()
	for _, p := range m.pruners {
		deleted, err := p.Pruner.DeleteExpired(ctx, now)
		if err != nil {
			m.logger.Error("retention pruning failed",
				slog.String("table", p.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		if deleted > 0 {
			m.logger.Info("expired rows pruned",
				slog.String("table", p.Name),
				slog.Int64("deleted", deleted),
			)
		}
	}
}
