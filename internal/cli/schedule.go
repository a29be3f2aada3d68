package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/robfig/cron"
	"github.com/spf13/cobra"

	"github.com/BartekS5/retailetl/internal/config"
	"github.com/BartekS5/retailetl/pkg/logger"
	"github.com/BartekS5/retailetl/pkg/models"
)

// jobRunner is the part of app the scheduler drives.
type jobRunner interface {
	runDatasets(ctx context.Context, datasets []models.Dataset, dryRun bool) error
	runErasure(ctx context.Context, archiveArtifacts bool) error
}

type scheduledJob struct {
	name string
	spec string
	run  func(ctx context.Context) error
}

func NewScheduleCmd(global *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Run every job on its cron schedule until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			ctx := c.Context()
			a, err := newApp(ctx, global.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			sched, err := newScheduler(ctx, global.cfg.Schedule, scheduledJobs(global.cfg, a))
			if err != nil {
				return err
			}
			logger.Info("Scheduler started, waiting for jobs. Press Ctrl+C to stop.")
			sched.Run()
			logger.Info("Scheduler stopped.")
			return nil
		},
	}
}

func scheduledJobs(cfg *config.Config, r jobRunner) []scheduledJob {
	dataset := func(d models.Dataset) func(context.Context) error {
		return func(ctx context.Context) error {
			return r.runDatasets(ctx, []models.Dataset{d}, false)
		}
	}
	return []scheduledJob{
		{name: "customers", spec: cfg.Schedule.Customers, run: dataset(models.DatasetCustomers)},
		{name: "products", spec: cfg.Schedule.Products, run: dataset(models.DatasetProducts)},
		{name: "transactions", spec: cfg.Schedule.Transactions, run: dataset(models.DatasetTransactions)},
		{name: "erasure", spec: cfg.Schedule.Erasure, run: func(ctx context.Context) error {
			return r.runErasure(ctx, cfg.Erasure.ArchiveArtifacts)
		}},
	}
}

// scheduler fires jobs from their cron specs. Jobs due at the same instant
// run one after another in declaration order, so at midnight products land
// before the transactions that reference them, and transactions always follow
// customers. Jobs never overlap; a firing missed while another group was
// still running is skipped.
type scheduler struct {
	ctx     context.Context
	loc     *time.Location
	clock   clock.Clock
	entries []scheduleEntry
}

type scheduleEntry struct {
	job      scheduledJob
	schedule cron.Schedule
}

func newScheduler(ctx context.Context, cfg config.ScheduleConfig, jobs []scheduledJob) (*scheduler, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("schedule timezone: %w", err)
	}

	s := &scheduler{ctx: ctx, loc: loc, clock: clock.New()}
	for _, job := range jobs {
		if job.spec == "" {
			logger.Warnf("No schedule for %s job, skipping", job.name)
			continue
		}
		schedule, err := cron.Parse(job.spec)
		if err != nil {
			return nil, fmt.Errorf("invalid schedule %q for %s: %w", job.spec, job.name, err)
		}
		s.entries = append(s.entries, scheduleEntry{job: job, schedule: schedule})
	}
	return s, nil
}

// next returns the first instant after t at which any job fires, with every
// job due then in declaration order.
func (s *scheduler) next(t time.Time) (time.Time, []scheduledJob) {
	t = t.In(s.loc)
	var at time.Time
	var due []scheduledJob
	for _, e := range s.entries {
		n := e.schedule.Next(t)
		switch {
		case n.IsZero():
		case at.IsZero() || n.Before(at):
			at, due = n, []scheduledJob{e.job}
		case n.Equal(at):
			due = append(due, e.job)
		}
	}
	return at, due
}

// Run blocks until ctx is done.
func (s *scheduler) Run() {
	for _, e := range s.entries {
		logger.Infof("Scheduled %s at %q, next run %s", e.job.name, e.job.spec,
			e.schedule.Next(s.clock.Now().In(s.loc)).Format(time.RFC3339))
	}
	for {
		now := s.clock.Now()
		at, due := s.next(now)
		if len(due) == 0 {
			<-s.ctx.Done()
			return
		}

		timer := s.clock.Timer(at.Sub(now))
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		logger.Infof("Running %s", jobNames(due))
		runGroup(s.ctx, due)
	}
}

func runGroup(ctx context.Context, group []scheduledJob) {
	for _, job := range group {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		if err := job.run(ctx); err != nil {
			logger.Errorf("Scheduled %s job failed after %s: %v", job.name, time.Since(start), err)
			continue
		}
		logger.Infof("Scheduled %s job done in %s", job.name, time.Since(start))
	}
}

func jobNames(group []scheduledJob) string {
	names := make([]string, len(group))
	for i, job := range group {
		names[i] = job.name
	}
	return strings.Join(names, "+")
}
