package reaper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"export-service/pkg/export"
	"export-service/pkg/export/exporttest"
	"export-service/pkg/observability"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestSweepFailsStaleJobs(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	old := now.Add(-2 * time.Hour)
	recent := now.Add(-10 * time.Minute)

	store := exporttest.NewStore()
	store.Put(&export.Job{ID: "stuck", Status: export.StatusProcessing, CreatedAt: old, StartedAt: &old})
	store.Put(&export.Job{ID: "waiting", Status: export.StatusQueued, CreatedAt: old})
	store.Put(&export.Job{ID: "busy", Status: export.StatusProcessing, CreatedAt: old, StartedAt: &recent})
	store.Put(&export.Job{ID: "fresh", Status: export.StatusQueued, CreatedAt: recent})
	store.Put(&export.Job{ID: "done", Status: export.StatusCompleted, CreatedAt: old, FilePath: "x", FileName: "x"})

	s := NewSweeper(store, time.Hour, discard())
	s.now = func() time.Time { return now }
	before := testutil.ToFloat64(observability.JobsReaped)

	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.Equal(t, before+2, testutil.ToFloat64(observability.JobsReaped))

	for id, want := range map[string]export.Status{
		"stuck":   export.StatusFailed,
		"waiting": export.StatusFailed,
		"busy":    export.StatusProcessing,
		"fresh":   export.StatusQueued,
		"done":    export.StatusCompleted,
	} {
		j, err := store.GetJob(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, want, j.Status, id)
		if want == export.StatusFailed {
			assert.Equal(t, TimeoutMessage, j.ErrorMessage)
			assert.Equal(t, now, *j.FinishedAt)
		}
	}
}

func TestSweepError(t *testing.T) {
	store := exporttest.NewStore()
	store.FailOn("ReapStale", errors.New("db down"))

	_, err := NewSweeper(store, time.Hour, discard()).Sweep(context.Background())
	assert.ErrorContains(t, err, "db down")
}

func TestSchedulerRejectsBadSchedule(t *testing.T) {
	s := NewScheduler(NewSweeper(exporttest.NewStore(), time.Hour, discard()), "every tuesday")
	assert.Error(t, s.Start(context.Background()))
}

func TestSchedulerLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewScheduler(NewSweeper(exporttest.NewStore(), time.Hour, discard()), "*/10 * * * *")
	require.NoError(t, s.Start(ctx))
	next := s.NextRun()
	require.NotNil(t, next)
	assert.Zero(t, next.Minute()%10)
	s.Stop()
	s.Stop()
}

func TestSchedulerDisabled(t *testing.T) {
	s := NewScheduler(NewSweeper(exporttest.NewStore(), time.Hour, discard()), "")
	require.NoError(t, s.Start(context.Background()))
	assert.Nil(t, s.NextRun())
}
