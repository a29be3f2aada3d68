package cli

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/BartekS5/retailetl/internal/config"
	"github.com/BartekS5/retailetl/pkg/models"
)

type recordingRunner struct {
	calls   []string
	failOn  string
	archive bool
}

func (r *recordingRunner) runDatasets(_ context.Context, datasets []models.Dataset, _ bool) error {
	for _, d := range datasets {
		r.calls = append(r.calls, string(d))
		if string(d) == r.failOn {
			return errors.New("boom")
		}
	}
	return nil
}

func (r *recordingRunner) runErasure(_ context.Context, archiveArtifacts bool) error {
	r.calls = append(r.calls, "erasure")
	r.archive = archiveArtifacts
	return nil
}

func TestDatasetsFor(t *testing.T) {
	all, err := datasetsFor("all")
	require.NoError(t, err)
	require.Equal(t, []models.Dataset{models.DatasetCustomers, models.DatasetProducts, models.DatasetTransactions}, all)

	one, err := datasetsFor("products")
	require.NoError(t, err)
	require.Equal(t, []models.Dataset{models.DatasetProducts}, one)

	_, err = datasetsFor("erasure-requests")
	require.ErrorContains(t, err, "erasure command")
	_, err = datasetsFor("orders")
	require.Error(t, err)
}

func newTestScheduler(t *testing.T, cfg config.Config, runner jobRunner) *scheduler {
	t.Helper()
	s, err := newScheduler(context.Background(), cfg.Schedule, scheduledJobs(&cfg, runner))
	require.NoError(t, err)
	return s
}

func TestSchedulerOrdersJobsDueTogether(t *testing.T) {
	s := newTestScheduler(t, config.Default(), &recordingRunner{})
	require.Equal(t, "Europe/Zagreb", s.loc.String())

	tests := []struct {
		now  time.Time
		at   time.Time
		jobs string
	}{
		{
			now:  time.Date(2024, 1, 1, 23, 30, 0, 0, s.loc),
			at:   time.Date(2024, 1, 2, 0, 0, 0, 0, s.loc),
			jobs: "customers+products+transactions",
		},
		{
			now:  time.Date(2024, 1, 2, 0, 0, 0, 0, s.loc),
			at:   time.Date(2024, 1, 2, 1, 0, 0, 0, s.loc),
			jobs: "customers+transactions+erasure",
		},
		{
			now:  time.Date(2024, 1, 2, 1, 30, 0, 0, s.loc),
			at:   time.Date(2024, 1, 2, 2, 0, 0, 0, s.loc),
			jobs: "customers+transactions",
		},
		{
			// 22:30 UTC is 23:30 in Zagreb.
			now:  time.Date(2024, 1, 1, 22, 30, 0, 0, time.UTC),
			at:   time.Date(2024, 1, 2, 0, 0, 0, 0, s.loc),
			jobs: "customers+products+transactions",
		},
	}
	for _, tt := range tests {
		at, due := s.next(tt.now)
		require.True(t, tt.at.Equal(at), "after %s: got %s", tt.now, at)
		require.Equal(t, tt.jobs, jobNames(due))
	}
}

func TestMidnightRunLoadsProductsBeforeTransactions(t *testing.T) {
	cfg := config.Default()
	runner := &recordingRunner{}
	s := newTestScheduler(t, cfg, runner)

	_, due := s.next(time.Date(2024, 1, 1, 23, 59, 0, 0, s.loc))
	runGroup(context.Background(), due)
	require.Equal(t, []string{"customers", "products", "transactions"}, runner.calls)

	runner.calls = nil
	_, due = s.next(time.Date(2024, 1, 2, 0, 59, 0, 0, s.loc))
	runGroup(context.Background(), due)
	require.Equal(t, []string{"customers", "transactions", "erasure"}, runner.calls)
	require.True(t, runner.archive)
}

func TestRunGroupContinuesAfterFailure(t *testing.T) {
	runner := &recordingRunner{failOn: "customers"}
	s := newTestScheduler(t, config.Default(), runner)
	_, due := s.next(time.Date(2024, 1, 2, 1, 30, 0, 0, s.loc))

	runGroup(context.Background(), due)
	require.Equal(t, []string{"customers", "transactions"}, runner.calls)
}

func TestRunGroupStopsOnCancel(t *testing.T) {
	runner := &recordingRunner{}
	s := newTestScheduler(t, config.Default(), runner)
	_, due := s.next(time.Date(2024, 1, 2, 1, 30, 0, 0, s.loc))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runGroup(ctx, due)
	require.Empty(t, runner.calls)
}

func TestSchedulerRunReturnsOnCancel(t *testing.T) {
	cfg := config.Default()
	runner := &recordingRunner{}
	ctx, cancel := context.WithCancel(context.Background())
	s, err := newScheduler(ctx, cfg.Schedule, scheduledJobs(&cfg, runner))
	require.NoError(t, err)
	s.clock = clock.NewMock()
	cancel()

	s.Run()
	require.Empty(t, runner.calls)
}

func TestNewSchedulerValidatesSpecs(t *testing.T) {
	cfg := config.Default()
	runner := &recordingRunner{}

	_, err := newScheduler(context.Background(), cfg.Schedule, scheduledJobs(&cfg, runner))
	require.NoError(t, err)

	cfg.Schedule.Products = "every day"
	_, err = newScheduler(context.Background(), cfg.Schedule, scheduledJobs(&cfg, runner))
	require.ErrorContains(t, err, "products")

	cfg = config.Default()
	cfg.Schedule.Timezone = "Nowhere/Special"
	_, err = newScheduler(context.Background(), cfg.Schedule, scheduledJobs(&cfg, runner))
	require.Error(t, err)
}

func TestSkipsUnscheduledJobs(t *testing.T) {
	cfg := config.Default()
	cfg.Schedule.Erasure = ""
	s := newTestScheduler(t, cfg, &recordingRunner{})
	require.Len(t, s.entries, 3)

	_, due := s.next(time.Date(2024, 1, 2, 0, 30, 0, 0, s.loc))
	require.Equal(t, "customers+transactions", jobNames(due))
}
