// Package pipeline owns the export job lifecycle: creation, the query and render run, and
// the terminal transition.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	"export-service/pkg/export"
	"export-service/pkg/observability"
	"export-service/pkg/query"
	"export-service/pkg/render"
	"export-service/pkg/storage"

	"github.com/gosimple/slug"
)

// JobStore persists export jobs.
type JobStore interface {
	CreateJob(ctx context.Context, j *export.Job) error
	CreateJobAndOutboxMessage(ctx context.Context, j *export.Job) error
	GetJob(ctx context.Context, jobID string) (*export.Job, error)
	MarkProcessing(ctx context.Context, jobID string, now time.Time) (bool, error)
	MarkCompleted(ctx context.Context, jobID string, out export.Output, now time.Time) error
	MarkFailed(ctx context.Context, jobID, message string, now time.Time) error
	ListJobs(ctx context.Context, p export.ListParams) ([]*export.Job, int, error)
}

// RowSource runs a read-only parametrized query against the entity data store.
type RowSource interface {
	QueryRows(ctx context.Context, sql string, args []any) ([]map[string]any, error)
}

type Runner struct {
	store  JobStore
	rows   RowSource
	files  storage.Store
	now    func() time.Time
	logger *slog.Logger
}

func NewRunner(store JobStore, rows RowSource, files storage.Store, logger *slog.Logger) *Runner {
	return &Runner{
		store:  store,
		rows:   rows,
		files:  files,
		now:    time.Now,
		logger: logger.With("component", "export.runner"),
	}
}

// Run drives a queued job to a terminal state. It returns nil if the job completed or
// another worker had already claimed it, and an error wrapping export.ErrExportFailed if the
// job was marked failed. Any other error means the job store could not be updated.
func (r *Runner) Run(ctx context.Context, jobID string) error {
	l := r.logger.With("job_id", jobID)

	j, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load export job: %w", err)
	}
	claimed, err := r.store.MarkProcessing(ctx, jobID, r.now())
	if err != nil {
		return err
	}
	if !claimed {
		l.Info("export job already claimed", "status", j.Status)
		return nil
	}
	l = l.With("entity", j.Entity, "format", j.Format, "mode", j.Mode)
	l.Info("export job claimed, starting processing")

	timer := time.Now()
	out, runErr := r.execute(ctx, j)
	observability.ExportDuration.WithLabelValues(string(j.Entity)).Observe(time.Since(timer).Seconds())

	if runErr == nil {
		if err := r.store.MarkCompleted(ctx, jobID, out, r.now()); err != nil {
			runErr = fmt.Errorf("record completion: %w", err)
		}
	}
	if runErr != nil {
		l.Error("export job failed", "error", runErr)
		if err := r.store.MarkFailed(ctx, jobID, runErr.Error(), r.now()); err != nil {
			l.Error("failed to record export failure", "error", err)
			return fmt.Errorf("record failure of export job %s: %w", jobID, err)
		}
		observability.ExportsProcessed.WithLabelValues(string(j.Entity), string(export.StatusFailed)).Inc()
		return fmt.Errorf("%w: job %s", export.ErrExportFailed, jobID)
	}

	observability.ExportsProcessed.WithLabelValues(string(j.Entity), string(export.StatusCompleted)).Inc()
	observability.ExportRows.Observe(float64(out.RowCount))
	l.Info("export job completed", "rows", out.RowCount, "bytes", out.FileSizeBytes, "file", out.FileName)
	return nil
}

func (r *Runner) execute(ctx context.Context, j *export.Job) (out export.Output, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("export panicked: %v", p)
		}
	}()

	stmt, err := query.Build(query.Request{
		Entity:  j.Entity,
		Mode:    j.Mode,
		Headers: j.Headers,
		IDs:     j.IDs,
		Query:   j.Query,
	})
	if err != nil {
		return export.Output{}, err
	}

	rows, err := r.rows.QueryRows(ctx, stmt.SQL, stmt.Args)
	if err != nil {
		return export.Output{}, err
	}

	data, err := render.Render(rows, j.Headers, j.Format)
	if err != nil {
		return export.Output{}, err
	}

	name := FileName(j, r.now())
	key := path.Join("exports", userDir(j.UserID), j.ID, name)
	if err := r.files.Put(ctx, key, data, j.Format.ContentType()); err != nil {
		return export.Output{}, fmt.Errorf("store export file: %w", err)
	}

	return export.Output{
		RowCount:      len(rows),
		FileName:      name,
		FilePath:      key,
		FileSizeBytes: int64(len(data)),
	}, nil
}

// FileName names the export after its list name, falling back to the entity.
func FileName(j *export.Job, now time.Time) string {
	stem := slug.Make(j.ListName)
	if stem == "" {
		stem = string(j.Entity)
	}
	return fmt.Sprintf("%s-%s.%s", stem, now.UTC().Format("20060102-150405"), j.Format.Extension())
}

// userDir turns a user id into a single path segment that never means "." or "..".
func userDir(userID string) string {
	dir := url.PathEscape(userID)
	if dir == "." || dir == ".." {
		return strings.ReplaceAll(dir, ".", "%2E")
	}
	return dir
}
