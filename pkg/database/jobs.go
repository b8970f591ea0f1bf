package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"export-service/pkg/export"
	"export-service/pkg/mq"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const jobColumns = `id::text, user_id, entity, mode, format, headers, ids, query, list_name, status,
        row_count, file_name, file_path, file_size_bytes, error_message,
        created_at, started_at, finished_at, delivered_at, download_token, download_token_expires_at`

const insertJob = `INSERT INTO export_jobs (id, user_id, entity, mode, format, headers, ids, query, list_name, status, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'queued', $10)`

func jobArgs(j *export.Job) ([]any, error) {
	var query []byte
	if j.Query != nil {
		b, err := json.Marshal(j.Query)
		if err != nil {
			return nil, fmt.Errorf("encode query: %w", err)
		}
		query = b
	}
	return []any{j.ID, j.UserID, string(j.Entity), string(j.Mode), string(j.Format), j.Headers,
		nullIfEmpty(j.IDs), query, sql.NullString{String: j.ListName, Valid: j.ListName != ""}, j.CreatedAt}, nil
}

func nullIfEmpty(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	return ids
}

// CreateJob persists a new job in the queued state.
func (c *Client) CreateJob(ctx context.Context, j *export.Job) error {
	args, err := jobArgs(j)
	if err != nil {
		return err
	}
	if _, err := c.pool.Exec(ctx, insertJob, args...); err != nil {
		return fmt.Errorf("insert export job: %w", err)
	}
	return nil
}

// CreateJobAndOutboxMessage inserts the job and a corresponding outbox message in a single transaction.
func (c *Client) CreateJobAndOutboxMessage(ctx context.Context, j *export.Job) error {
	args, err := jobArgs(j)
	if err != nil {
		return err
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, insertJob, args...); err != nil {
		return fmt.Errorf("insert export job: %w", err)
	}

	insertOutbox := `INSERT INTO export_outbox (job_id, exchange, routing_key, payload) VALUES ($1, $2, $3, $4)`
	if _, err := tx.Exec(ctx, insertOutbox, j.ID, mq.ExportsExchange, mq.RoutingKey, j.ID); err != nil {
		return fmt.Errorf("insert outbox message: %w", err)
	}

	return tx.Commit(ctx)
}

func scanJob(row pgx.Row) (*export.Job, error) {
	j := &export.Job{}
	var (
		entity, mode, format, status string
		query                        []byte
		listName, fileName, filePath sql.NullString
		errorMessage, token          sql.NullString
		rowCount, fileSize           sql.NullInt64
		startedAt, finishedAt        sql.NullTime
		deliveredAt, tokenExpiresAt  sql.NullTime
	)
	err := row.Scan(
		&j.ID, &j.UserID, &entity, &mode, &format, &j.Headers, &j.IDs, &query, &listName, &status,
		&rowCount, &fileName, &filePath, &fileSize, &errorMessage,
		&j.CreatedAt, &startedAt, &finishedAt, &deliveredAt, &token, &tokenExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	j.Entity = export.Entity(entity)
	j.Mode = export.Mode(mode)
	j.Format = export.Format(format)
	j.Status = export.Status(status)
	if len(query) > 0 {
		j.Query = &export.Query{}
		if err := json.Unmarshal(query, j.Query); err != nil {
			return nil, fmt.Errorf("decode query of job %s: %w", j.ID, err)
		}
	}
	j.ListName = listName.String
	j.RowCount = int(rowCount.Int64)
	j.FileName = fileName.String
	j.FilePath = filePath.String
	j.FileSizeBytes = fileSize.Int64
	j.ErrorMessage = errorMessage.String
	j.DownloadToken = token.String
	j.StartedAt = timePtr(startedAt)
	j.FinishedAt = timePtr(finishedAt)
	j.DeliveredAt = timePtr(deliveredAt)
	j.DownloadTokenExpiresAt = timePtr(tokenExpiresAt)
	return j, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// GetJob returns export.ErrJobNotFound for unknown ids.
func (c *Client) GetJob(ctx context.Context, jobID string) (*export.Job, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, export.ErrJobNotFound
	}
	query := `SELECT ` + jobColumns + ` FROM export_jobs WHERE id = $1`
	j, err := scanJob(c.pool.QueryRow(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, export.ErrJobNotFound
		}
		return nil, fmt.Errorf("get export job: %w", err)
	}
	return j, nil
}

// MarkProcessing atomically claims a queued job. It reports false if the job was not in
// the queued state, e.g. because another worker claimed it first.
func (c *Client) MarkProcessing(ctx context.Context, jobID string, now time.Time) (bool, error) {
	query := `
        UPDATE export_jobs
        SET status = 'processing', started_at = $2, error_message = NULL
        WHERE id = $1 AND status = 'queued'
    `
	tag, err := c.pool.Exec(ctx, query, jobID, now)
	if err != nil {
		return false, fmt.Errorf("mark export job processing: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkCompleted is only valid from processing.
func (c *Client) MarkCompleted(ctx context.Context, jobID string, out export.Output, now time.Time) error {
	query := `
        UPDATE export_jobs
        SET status = 'completed', finished_at = $2, row_count = $3, file_name = $4, file_path = $5, file_size_bytes = $6
        WHERE id = $1 AND status = 'processing'
    `
	tag, err := c.pool.Exec(ctx, query, jobID, now, out.RowCount, out.FileName, out.FilePath, out.FileSizeBytes)
	if err != nil {
		return fmt.Errorf("mark export job completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: job %s is not processing", export.ErrInvalidTransition, jobID)
	}
	return nil
}

// MarkFailed is valid from any non-terminal state.
func (c *Client) MarkFailed(ctx context.Context, jobID, message string, now time.Time) error {
	query := `
        UPDATE export_jobs
        SET status = 'failed', finished_at = $2, error_message = $3
        WHERE id = $1 AND status IN ('queued', 'processing')
    `
	tag, err := c.pool.Exec(ctx, query, jobID, now, message)
	if err != nil {
		return fmt.Errorf("mark export job failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: job %s is already terminal", export.ErrInvalidTransition, jobID)
	}
	return nil
}

// MarkDelivered records the first successful download. Later calls leave the timestamp alone
// and report false.
func (c *Client) MarkDelivered(ctx context.Context, jobID string, now time.Time) (bool, error) {
	query := `UPDATE export_jobs SET delivered_at = $2 WHERE id = $1 AND delivered_at IS NULL`
	tag, err := c.pool.Exec(ctx, query, jobID, now)
	if err != nil {
		return false, fmt.Errorf("mark export job delivered: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// IssueToken keeps the stored token while it is still valid at now, otherwise stores
// candidate with expiresAt. The decision and the write happen in one statement, so
// concurrent callers agree on a single token. Returns export.ErrJobNotReady unless the job
// is completed.
func (c *Client) IssueToken(ctx context.Context, jobID, candidate string, now, expiresAt time.Time) (string, time.Time, error) {
	query := `
        UPDATE export_jobs
        SET download_token = CASE
                WHEN download_token IS NOT NULL AND download_token_expires_at > $4 THEN download_token
                ELSE $2 END,
            download_token_expires_at = CASE
                WHEN download_token IS NOT NULL AND download_token_expires_at > $4 THEN download_token_expires_at
                ELSE $3 END
        WHERE id = $1 AND status = 'completed' AND file_path IS NOT NULL
        RETURNING download_token, download_token_expires_at
    `
	var (
		token   string
		expires time.Time
	)
	err := c.pool.QueryRow(ctx, query, jobID, candidate, expiresAt, now).Scan(&token, &expires)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", time.Time{}, export.ErrJobNotReady
		}
		return "", time.Time{}, fmt.Errorf("issue download token: %w", err)
	}
	return token, expires, nil
}

// FindByToken returns the completed job holding a token that is valid at now.
func (c *Client) FindByToken(ctx context.Context, token string, now time.Time) (*export.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM export_jobs
        WHERE download_token = $1 AND status = 'completed' AND download_token_expires_at > $2`
	j, err := scanJob(c.pool.QueryRow(ctx, query, token, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, export.ErrTokenInvalid
		}
		return nil, fmt.Errorf("find export job by token: %w", err)
	}
	return j, nil
}

var sortColumns = map[string]string{
	"created_at": "created_at",
	"list_name":  "list_name",
	"entity":     "entity",
	"row_count":  "row_count",
	"status":     "CASE status WHEN 'completed' THEN 0 WHEN 'processing' THEN 1 WHEN 'queued' THEN 1 ELSE 2 END",
}

// ListJobs returns one page of a user's export history and the total number of matches.
func (c *Client) ListJobs(ctx context.Context, p export.ListParams) ([]*export.Job, int, error) {
	p = p.Normalize()

	args := []any{p.UserID}
	where := []string{"user_id = $1"}
	if p.Entity != "" {
		args = append(args, string(p.Entity))
		where = append(where, fmt.Sprintf("entity = $%d", len(args)))
	}
	if s := strings.TrimSpace(p.Search); s != "" {
		args = append(args, "%"+likeEscaper.Replace(s)+"%")
		where = append(where, fmt.Sprintf("list_name ILIKE $%d", len(args)))
	}

	order := "created_at DESC"
	if col, ok := sortColumns[p.SortBy]; ok {
		dir := "DESC"
		if strings.EqualFold(p.SortOrder, "asc") {
			dir = "ASC"
		}
		order = col + " " + dir + " NULLS LAST, created_at DESC"
	}

	filter := strings.Join(where, " AND ")
	pageArgs := append(args[:len(args):len(args)], p.PageSize, (p.Page-1)*p.PageSize)
	query := fmt.Sprintf(`SELECT %s, COUNT(*) OVER() FROM export_jobs WHERE %s ORDER BY %s LIMIT $%d OFFSET $%d`,
		jobColumns, filter, order, len(pageArgs)-1, len(pageArgs))

	jobs, total, err := c.listPage(ctx, query, pageArgs)
	if err != nil {
		return nil, 0, err
	}
	// The window count is absent when the page lies past the last match.
	if len(jobs) == 0 && p.Page > 1 {
		if err := c.pool.QueryRow(ctx, `SELECT COUNT(*) FROM export_jobs WHERE `+filter, args...).Scan(&total); err != nil {
			return nil, 0, fmt.Errorf("count export jobs: %w", err)
		}
	}
	return jobs, total, nil
}

func (c *Client) listPage(ctx context.Context, query string, args []any) ([]*export.Job, int, error) {
	rows, err := c.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list export jobs: %w", err)
	}
	defer rows.Close()

	var (
		jobs  []*export.Job
		total int
	)
	for rows.Next() {
		j, err := scanJob(totalScanner{row: rows, total: &total})
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list export jobs: %w", err)
	}
	return jobs, total, nil
}

// totalScanner appends the window count column to a job scan.
type totalScanner struct {
	row   pgx.Row
	total *int
}

func (t totalScanner) Scan(dest ...any) error {
	return t.row.Scan(append(dest, t.total)...)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// ReapStale fails jobs stuck in processing since before cutoff, or still queued since
// before cutoff, and returns how many were failed.
func (c *Client) ReapStale(ctx context.Context, cutoff, now time.Time, message string) (int64, error) {
	query := `
        UPDATE export_jobs
        SET status = 'failed', finished_at = $2, error_message = $3
        WHERE (status = 'processing' AND started_at < $1)
           OR (status = 'queued' AND created_at < $1)
    `
	tag, err := c.pool.Exec(ctx, query, cutoff, now, message)
	if err != nil {
		return 0, fmt.Errorf("reap stale export jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}
