// Package scheduler runs the periodic sweep over mirrored tasks whose
// deadline has passed. Each overdue task is reported once; the flag in the
// mirror keeps repeated sweeps quiet.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/m3rciful/guestbot/core/logger"
	"github.com/m3rciful/guestbot/store"
	"log/slog"
)

const component = "sched"

// TaskSource lists overdue tasks and flags the reported ones.
type TaskSource interface {
	OverdueTasks(ctx context.Context, now time.Time) ([]store.Task, error)
	MarkDeadlineNotified(ctx context.Context, taskID int64) error
}

// Sweeper owns the cron runner for the deadline sweep.
type Sweeper struct {
	tasks TaskSource
	// notifyAdmin delivers the overdue report; nil disables reporting
	// but the flag is still set.
	notifyAdmin func(text string) error
	now         func() time.Time

	cron  *cron.Cron
	entry cron.EntryID
}

// New builds a sweeper over the given mirror.
func New(tasks TaskSource, notifyAdmin func(text string) error) *Sweeper {
	return &Sweeper{
		tasks:       tasks,
		notifyAdmin: notifyAdmin,
		now:         time.Now,
		cron:        cron.New(),
	}
}

// Start registers the sweep under the cron spec and launches the runner.
// An empty spec leaves the runner off.
func (s *Sweeper) Start(spec string) error {
	if spec == "" {
		logger.Info(logger.Background(), component, "sweep.disabled")
		return nil
	}
	entry, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.Sweep(ctx); err != nil {
			logger.Error(ctx, component, "sweep.failed",
				slog.String("err", err.Error()),
			)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid deadline sweep spec %q: %w", spec, err)
	}
	s.entry = entry
	s.cron.Start()
	logger.Info(logger.Background(), component, "sweep.started",
		slog.String("spec", spec),
	)
	return nil
}

// Stop halts the runner and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep reports every overdue unflagged task exactly once. A failed
// notification leaves the flag unset so the next sweep retries.
func (s *Sweeper) Sweep(ctx context.Context) error {
	overdue, err := s.tasks.OverdueTasks(ctx, s.now())
	if err != nil {
		return fmt.Errorf("overdue lookup: %w", err)
	}
	if len(overdue) == 0 {
		logger.Debug(ctx, component, "sweep.clean")
		return nil
	}

	for _, t := range overdue {
		if s.notifyAdmin != nil {
			if nerr := s.notifyAdmin(overdueText(t)); nerr != nil {
				logger.Warn(ctx, component, "sweep.notify_failed",
					slog.Int64("task_id", t.TaskID),
					slog.String("err", nerr.Error()),
				)
				continue
			}
		}
		if merr := s.tasks.MarkDeadlineNotified(ctx, t.TaskID); merr != nil {
			logger.Warn(ctx, component, "sweep.flag_failed",
				slog.Int64("task_id", t.TaskID),
				slog.String("err", merr.Error()),
			)
			continue
		}
		logger.Info(ctx, component, "sweep.reported",
			slog.Int64("task_id", t.TaskID),
			slog.String("state", t.Status),
		)
	}
	return nil
}

func overdueText(t store.Task) string {
	venue := t.VenueName
	if venue == "" {
		venue = "без названия"
	}
	return fmt.Sprintf(
		"Дедлайн истёк: задача #%d («%s»), статус %s, дедлайн был %s.",
		t.TaskID, venue, t.Status, t.Deadline.Format("02.01.2006 15:04"),
	)
}
