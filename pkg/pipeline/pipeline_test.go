package pipeline

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"export-service/pkg/export"
	"export-service/pkg/export/exporttest"
	"export-service/pkg/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRows struct {
	mu    sync.Mutex
	rows  []map[string]any
	err   error
	panic bool
	calls []string
	args  [][]any
}

func (f *fakeRows) QueryRows(_ context.Context, sql string, args []any) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sql)
	f.args = append(f.args, args)
	if f.panic {
		panic("driver exploded")
	}
	return f.rows, f.err
}

func (f *fakeRows) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fixture struct {
	store  *exporttest.Store
	rows   *fakeRows
	files  *storage.Local
	runner *Runner
	svc    *Service
	logger *slog.Logger
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	files, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{store: exporttest.NewStore(), rows: &fakeRows{}, files: files, logger: logger}
	f.runner = NewRunner(f.store, f.rows, files, logger)
	f.svc = NewService(f.store, f.runner, logger, opts...)
	return f
}

func (f *fixture) read(t *testing.T, key string) string {
	t.Helper()
	rc, err := f.files.Open(context.Background(), key)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}

func (f *fixture) job(t *testing.T, id string) *export.Job {
	t.Helper()
	j, err := f.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j
}

func TestFilteredContactsExportCompletes(t *testing.T) {
	f := newFixture(t)
	f.rows.rows = []map[string]any{
		{"name": "Ada Lovelace", "email": "ada@example.com", "company_name": "Engines, Ltd"},
	}

	id, err := f.svc.Create(context.Background(), "user-1", export.SubmissionRequest{
		Entity:   export.EntityContacts,
		Mode:     export.ModeFiltered,
		Format:   export.FormatCSV,
		Headers:  []string{"name", "email", "company_name"},
		Query:    &export.Query{Filters: map[string][]string{"jobTitles": {"Manager"}}},
		ListName: "Q3 Managers",
	})
	require.NoError(t, err)

	j := f.job(t, id)
	assert.Equal(t, export.StatusCompleted, j.Status)
	assert.Equal(t, 1, j.RowCount)
	assert.Empty(t, j.ErrorMessage)
	assert.NotNil(t, j.StartedAt)
	assert.NotNil(t, j.FinishedAt)
	assert.True(t, strings.HasPrefix(j.FileName, "q3-managers-"), j.FileName)
	assert.True(t, strings.HasSuffix(j.FilePath, "/"+j.FileName))

	content := f.read(t, j.FilePath)
	first, _, _ := strings.Cut(content, "\n")
	assert.Equal(t, "name,email,company_name", first)
	assert.Contains(t, content, `"Engines, Ltd"`)
	assert.EqualValues(t, len(content), j.FileSizeBytes)

	require.Equal(t, 1, f.rows.Calls())
	assert.Contains(t, f.rows.calls[0], "c.job_title = ANY($1)")
}

func TestSelectedCompaniesExport(t *testing.T) {
	f := newFixture(t)
	f.rows.rows = []map[string]any{
		{"name": "Acme", "domain": "acme.io"},
		{"name": "Globex", "domain": "globex.com"},
	}

	id, err := f.svc.Create(context.Background(), "user-1", export.SubmissionRequest{
		Entity:  export.EntityCompanies,
		Mode:    export.ModeSelected,
		Format:  export.FormatXLSX,
		Headers: []string{"name", "domain"},
		IDs:     []string{"id-1", "id-2"},
		Query:   &export.Query{Search: "ignored in selected mode"},
	})
	require.NoError(t, err)

	j := f.job(t, id)
	assert.Equal(t, export.StatusCompleted, j.Status)
	assert.Equal(t, 2, j.RowCount)
	assert.Nil(t, j.Query)
	assert.True(t, strings.HasSuffix(j.FileName, ".xlsx"))
	assert.Equal(t, []any{[]string{"id-1", "id-2"}}, f.rows.args[0])
}

func TestZeroRowExportCompletes(t *testing.T) {
	f := newFixture(t)

	id, err := f.svc.Create(context.Background(), "user-1", export.SubmissionRequest{
		Entity:  export.EntityCompanies,
		Mode:    export.ModeFiltered,
		Format:  export.FormatCSV,
		Headers: []string{"name", "domain"},
	})
	require.NoError(t, err)

	j := f.job(t, id)
	assert.Equal(t, export.StatusCompleted, j.Status)
	assert.Equal(t, 0, j.RowCount)
	assert.Equal(t, "name,domain\n", f.read(t, j.FilePath))
}

func TestInvalidHeaderFailsJobWithoutReadingRows(t *testing.T) {
	f := newFixture(t)

	id, err := f.svc.Create(context.Background(), "user-1", export.SubmissionRequest{
		Entity:  export.EntityContacts,
		Mode:    export.ModeFiltered,
		Format:  export.FormatCSV,
		Headers: []string{"name", "password_hash"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, export.ErrExportFailed))
	require.NotEmpty(t, id)

	j := f.job(t, id)
	assert.Equal(t, export.StatusFailed, j.Status)
	assert.Contains(t, j.ErrorMessage, "password_hash")
	assert.Empty(t, j.FilePath)
	assert.NotNil(t, j.FinishedAt)
	assert.Zero(t, f.rows.Calls())
}

func TestEmptySelectionFailsJobWithoutQuery(t *testing.T) {
	f := newFixture(t)

	id, err := f.svc.Create(context.Background(), "user-1", export.SubmissionRequest{
		Entity:  export.EntityCompanies,
		Mode:    export.ModeSelected,
		Format:  export.FormatCSV,
		Headers: []string{"name"},
		IDs:     []string{},
	})
	assert.True(t, errors.Is(err, export.ErrExportFailed))

	j := f.job(t, id)
	assert.Equal(t, export.StatusFailed, j.Status)
	assert.Contains(t, j.ErrorMessage, "missing selection")
	assert.Zero(t, f.rows.Calls())
}

func TestQueryErrorFailsJob(t *testing.T) {
	f := newFixture(t)
	f.rows.err = errors.New("connection reset by peer")

	id, err := f.svc.Create(context.Background(), "user-1", export.SubmissionRequest{
		Entity: export.EntityCompanies, Mode: export.ModeFiltered, Format: export.FormatCSV, Headers: []string{"name"},
	})
	assert.True(t, errors.Is(err, export.ErrExportFailed))
	assert.NotContains(t, err.Error(), "connection reset", "caller gets a generic failure")

	j := f.job(t, id)
	assert.Equal(t, export.StatusFailed, j.Status)
	assert.Contains(t, j.ErrorMessage, "connection reset by peer")
}

func TestPanicDuringRunFailsJob(t *testing.T) {
	f := newFixture(t)
	f.rows.panic = true

	id, err := f.svc.Create(context.Background(), "user-1", export.SubmissionRequest{
		Entity: export.EntityCompanies, Mode: export.ModeFiltered, Format: export.FormatCSV, Headers: []string{"name"},
	})
	assert.True(t, errors.Is(err, export.ErrExportFailed))
	assert.Contains(t, f.job(t, id).ErrorMessage, "driver exploded")
}

func TestFailureNotRecordedLeavesJobProcessing(t *testing.T) {
	f := newFixture(t)
	f.rows.err = errors.New("timeout")
	f.store.FailOn("MarkFailed", errors.New("database is down"))

	id, err := f.svc.Create(context.Background(), "user-1", export.SubmissionRequest{
		Entity: export.EntityCompanies, Mode: export.ModeFiltered, Format: export.FormatCSV, Headers: []string{"name"},
	})
	require.Error(t, err)
	assert.False(t, errors.Is(err, export.ErrExportFailed))
	assert.Contains(t, err.Error(), "database is down")
	assert.Equal(t, export.StatusProcessing, f.job(t, id).Status)
}

func TestPreCreationValidationWritesNothing(t *testing.T) {
	f := newFixture(t)
	valid := export.SubmissionRequest{
		Entity: export.EntityContacts, Mode: export.ModeFiltered, Format: export.FormatCSV, Headers: []string{"name"},
	}

	_, err := f.svc.Create(context.Background(), "  ", valid)
	assert.True(t, errors.Is(err, export.ErrMissingUserID))

	bad := valid
	bad.Entity = "deals"
	_, err = f.svc.Create(context.Background(), "user-1", bad)
	assert.True(t, errors.Is(err, export.ErrInvalidEntity))

	bad = valid
	bad.Format = "pdf"
	_, err = f.svc.Create(context.Background(), "user-1", bad)
	assert.True(t, errors.Is(err, export.ErrInvalidRequest))

	bad = valid
	bad.Mode = "all"
	_, err = f.svc.Create(context.Background(), "user-1", bad)
	assert.True(t, errors.Is(err, export.ErrInvalidRequest))

	assert.Zero(t, f.store.Len())
}

func TestRunSkipsJobAlreadyClaimed(t *testing.T) {
	f := newFixture(t)
	f.store.Put(&export.Job{ID: "job-1", UserID: "u", Entity: export.EntityCompanies, Mode: export.ModeFiltered,
		Format: export.FormatCSV, Headers: []string{"name"}, Status: export.StatusProcessing})

	require.NoError(t, f.runner.Run(context.Background(), "job-1"))
	assert.Zero(t, f.rows.Calls())
	assert.Equal(t, export.StatusProcessing, f.job(t, "job-1").Status)
}

func TestRunUnknownJob(t *testing.T) {
	f := newFixture(t)
	err := f.runner.Run(context.Background(), "missing")
	assert.True(t, errors.Is(err, export.ErrJobNotFound))
}

func TestQueueDispatchOnlyWritesOutbox(t *testing.T) {
	f := newFixture(t, WithQueue())

	id, err := f.svc.Create(context.Background(), "user-1", export.SubmissionRequest{
		Entity: export.EntityCompanies, Mode: export.ModeFiltered, Format: export.FormatCSV, Headers: []string{"name"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{id}, f.store.Outbox)
	assert.Equal(t, export.StatusQueued, f.job(t, id).Status)
	assert.Zero(t, f.rows.Calls())

	require.NoError(t, f.runner.Run(context.Background(), id))
	assert.Equal(t, export.StatusCompleted, f.job(t, id).Status)
}

func TestPoolDispatchRunsInBackground(t *testing.T) {
	f := newFixture(t)
	pool := NewPool(f.runner.Run, 2, 4, f.logger)
	f.svc = NewService(f.store, f.runner, f.logger, WithPool(pool))
	pool.Start(context.Background())

	id, err := f.svc.Create(context.Background(), "user-1", export.SubmissionRequest{
		Entity: export.EntityCompanies, Mode: export.ModeFiltered, Format: export.FormatCSV, Headers: []string{"name"},
	})
	require.NoError(t, err)

	pool.Stop()
	assert.Equal(t, export.StatusCompleted, f.job(t, id).Status)
}

func TestPoolFullFailsJob(t *testing.T) {
	f := newFixture(t)
	// Never started, so nothing drains the queue.
	pool := NewPool(f.runner.Run, 1, 1, f.logger)
	f.svc = NewService(f.store, f.runner, f.logger, WithPool(pool))
	req := export.SubmissionRequest{
		Entity: export.EntityCompanies, Mode: export.ModeFiltered, Format: export.FormatCSV, Headers: []string{"name"},
	}

	first, err := f.svc.Create(context.Background(), "user-1", req)
	require.NoError(t, err)
	second, err := f.svc.Create(context.Background(), "user-1", req)
	assert.True(t, errors.Is(err, export.ErrQueueFull))

	assert.Equal(t, export.StatusQueued, f.job(t, first).Status)
	j := f.job(t, second)
	assert.Equal(t, export.StatusFailed, j.Status)
	assert.Equal(t, export.ErrQueueFull.Error(), j.ErrorMessage)
}

func TestPoolRejectsAfterStop(t *testing.T) {
	pool := NewPool(func(context.Context, string) error { return nil }, 1, 1, slog.New(slog.NewTextHandler(io.Discard, nil)))
	pool.Start(context.Background())
	pool.Stop()
	assert.True(t, errors.Is(pool.Submit("job"), export.ErrQueueFull))
}

func TestGetChecksOwnership(t *testing.T) {
	f := newFixture(t)
	f.store.Put(&export.Job{ID: "job-1", UserID: "owner", Status: export.StatusQueued})

	_, err := f.svc.Get(context.Background(), "intruder", "job-1")
	assert.True(t, errors.Is(err, export.ErrNotOwned))

	_, err = f.svc.Get(context.Background(), "owner", "nope")
	assert.True(t, errors.Is(err, export.ErrJobNotFound))

	j, err := f.svc.Get(context.Background(), "owner", "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", j.ID)
}

func TestListScopesToUser(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	f.store.Put(&export.Job{ID: "a", UserID: "u1", Entity: export.EntityContacts, ListName: "Leads", CreatedAt: base})
	f.store.Put(&export.Job{ID: "b", UserID: "u1", Entity: export.EntityCompanies, ListName: "Accounts", CreatedAt: base.Add(time.Hour)})
	f.store.Put(&export.Job{ID: "c", UserID: "u2", Entity: export.EntityContacts, CreatedAt: base})

	jobs, total, err := f.svc.List(context.Background(), export.ListParams{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, jobs, 2)
	assert.Equal(t, "b", jobs[0].ID)

	jobs, total, err = f.svc.List(context.Background(), export.ListParams{UserID: "u1", Entity: export.EntityContacts})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "a", jobs[0].ID)

	_, _, err = f.svc.List(context.Background(), export.ListParams{})
	assert.True(t, errors.Is(err, export.ErrMissingUserID))
}

func TestFileName(t *testing.T) {
	now := time.Date(2026, 10, 19, 8, 30, 5, 0, time.UTC)

	j := &export.Job{Entity: export.EntityContacts, Format: export.FormatCSV, ListName: "Q3 Leads / Berlin!"}
	assert.Equal(t, "q3-leads-berlin-20261019-083005.csv", FileName(j, now))

	j = &export.Job{Entity: export.EntityCompanies, Format: export.FormatXLSX, ListName: "///"}
	assert.Equal(t, "companies-20261019-083005.xlsx", FileName(j, now))
}

func TestStoredFileIsUnderUserAndJob(t *testing.T) {
	f := newFixture(t)
	id, err := f.svc.Create(context.Background(), "team/7", export.SubmissionRequest{
		Entity: export.EntityCompanies, Mode: export.ModeFiltered, Format: export.FormatCSV, Headers: []string{"name"},
	})
	require.NoError(t, err)

	j := f.job(t, id)
	assert.True(t, strings.HasPrefix(j.FilePath, "exports/team%2F7/"+id+"/"), j.FilePath)
	sc := bufio.NewScanner(strings.NewReader(f.read(t, j.FilePath)))
	require.True(t, sc.Scan())
	assert.Equal(t, "name", sc.Text())
}

func TestUserIDsWithDotsStillExport(t *testing.T) {
	f := newFixture(t)
	for user, dir := range map[string]string{"a..b": "a..b", "..": "%2E%2E", ".": "%2E"} {
		id, err := f.svc.Create(context.Background(), user, export.SubmissionRequest{
			Entity: export.EntityCompanies, Mode: export.ModeFiltered, Format: export.FormatCSV, Headers: []string{"name"},
		})
		require.NoError(t, err, user)

		j := f.job(t, id)
		assert.Equal(t, export.StatusCompleted, j.Status, j.ErrorMessage)
		assert.True(t, strings.HasPrefix(j.FilePath, "exports/"+dir+"/"+id+"/"), j.FilePath)
		assert.True(t, strings.HasPrefix(f.read(t, j.FilePath), "name"))
	}
}
