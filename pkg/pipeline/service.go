package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"export-service/pkg/config"
	"export-service/pkg/export"
	"export-service/pkg/observability"
	"export-service/pkg/schema"

	"github.com/google/uuid"
)

// Service is the entry point for creating and reading export jobs.
type Service struct {
	store    JobStore
	runner   *Runner
	pool     *Pool
	dispatch string
	now      func() time.Time
	newID    func() string
	logger   *slog.Logger
}

type Option func(*Service)

// WithPool runs created jobs on p instead of inline.
func WithPool(p *Pool) Option {
	return func(s *Service) {
		s.pool = p
		s.dispatch = config.DispatchPool
	}
}

// WithQueue writes an outbox message with every job and leaves running it to a worker.
func WithQueue() Option {
	return func(s *Service) {
		s.dispatch = config.DispatchQueue
	}
}

func NewService(store JobStore, runner *Runner, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:    store,
		runner:   runner,
		dispatch: config.DispatchInline,
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
		logger:   logger.With("component", "export.service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates req, persists a queued job and dispatches it. The job id is returned
// whenever a job row was written, even together with an error.
func (s *Service) Create(ctx context.Context, userID string, req export.SubmissionRequest) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", export.ErrMissingUserID
	}
	if _, err := schema.Lookup(req.Entity); err != nil {
		return "", err
	}
	if !req.Mode.Valid() {
		return "", fmt.Errorf("%w: unknown mode %q", export.ErrInvalidRequest, req.Mode)
	}
	if !req.Format.Valid() {
		return "", fmt.Errorf("%w: unknown format %q", export.ErrInvalidRequest, req.Format)
	}
	if len(req.Headers) == 0 {
		return "", fmt.Errorf("%w: no headers requested", export.ErrInvalidRequest)
	}

	j := &export.Job{
		ID:        s.newID(),
		UserID:    userID,
		Entity:    req.Entity,
		Mode:      req.Mode,
		Format:    req.Format,
		Headers:   append([]string(nil), req.Headers...),
		ListName:  strings.TrimSpace(req.ListName),
		Status:    export.StatusQueued,
		CreatedAt: s.now(),
	}
	switch req.Mode {
	case export.ModeSelected:
		j.IDs = append([]string(nil), req.IDs...)
	case export.ModeFiltered:
		if req.Query != nil {
			q := *req.Query
			j.Query = &q
		}
	}

	l := s.logger.With("job_id", j.ID, "user_id", userID, "entity", j.Entity, "dispatch", s.dispatch)

	var err error
	if s.dispatch == config.DispatchQueue {
		err = s.store.CreateJobAndOutboxMessage(ctx, j)
	} else {
		err = s.store.CreateJob(ctx, j)
	}
	if err != nil {
		l.Error("failed to create export job", "error", err)
		return "", fmt.Errorf("create export job: %w", err)
	}
	observability.ExportsSubmitted.WithLabelValues(string(j.Entity), string(j.Format), string(j.Mode)).Inc()
	l.Info("export job created")

	switch s.dispatch {
	case config.DispatchQueue:
		return j.ID, nil
	case config.DispatchPool:
		if err := s.pool.Submit(j.ID); err != nil {
			if errors.Is(err, export.ErrQueueFull) {
				if ferr := s.store.MarkFailed(ctx, j.ID, err.Error(), s.now()); ferr != nil {
					l.Error("failed to record export failure", "error", ferr)
				}
			}
			return j.ID, err
		}
		return j.ID, nil
	default:
		// The run outlives a caller that goes away mid-export.
		return j.ID, s.runner.Run(context.WithoutCancel(ctx), j.ID)
	}
}

// Get returns a job owned by userID.
func (s *Service) Get(ctx context.Context, userID, jobID string) (*export.Job, error) {
	if userID == "" {
		return nil, export.ErrMissingUserID
	}
	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.UserID != userID {
		return nil, export.ErrNotOwned
	}
	return j, nil
}

// List returns a page of the caller's export history.
func (s *Service) List(ctx context.Context, p export.ListParams) ([]*export.Job, int, error) {
	if p.UserID == "" {
		return nil, 0, export.ErrMissingUserID
	}
	return s.store.ListJobs(ctx, p.Normalize())
}
