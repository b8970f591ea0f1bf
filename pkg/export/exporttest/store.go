// Package exporttest provides an in-memory job store for tests. Its conditional updates
// follow the same rules as the Postgres store.
package exporttest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"export-service/pkg/export"
)

type Store struct {
	mu     sync.Mutex
	jobs   map[string]*export.Job
	faults map[string]error

	// Outbox holds job ids written through CreateJobAndOutboxMessage.
	Outbox []string
}

func NewStore() *Store {
	return &Store{jobs: map[string]*export.Job{}, faults: map[string]error{}}
}

// FailOn makes every later call to method return err. A nil err clears the fault.
func (s *Store) FailOn(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults, method)
		return
	}
	s.faults[method] = err
}

// Put stores j as is, bypassing the lifecycle.
func (s *Store) Put(j *export.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *j
	s.jobs[j.ID] = &cp
}

// Len returns the number of stored jobs.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *Store) CreateJob(_ context.Context, j *export.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faults["CreateJob"]; err != nil {
		return err
	}
	cp := *j
	cp.Status = export.StatusQueued
	s.jobs[j.ID] = &cp
	return nil
}

func (s *Store) CreateJobAndOutboxMessage(ctx context.Context, j *export.Job) error {
	if err := s.CreateJob(ctx, j); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Outbox = append(s.Outbox, j.ID)
	return nil
}

func (s *Store) GetJob(_ context.Context, jobID string) (*export.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faults["GetJob"]; err != nil {
		return nil, err
	}
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, export.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *Store) MarkProcessing(_ context.Context, jobID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faults["MarkProcessing"]; err != nil {
		return false, err
	}
	j, ok := s.jobs[jobID]
	if !ok || j.Status != export.StatusQueued {
		return false, nil
	}
	j.Status = export.StatusProcessing
	j.StartedAt = &now
	j.ErrorMessage = ""
	return true, nil
}

func (s *Store) MarkCompleted(_ context.Context, jobID string, out export.Output, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faults["MarkCompleted"]; err != nil {
		return err
	}
	j, ok := s.jobs[jobID]
	if !ok || j.Status != export.StatusProcessing {
		return export.ErrInvalidTransition
	}
	j.Status = export.StatusCompleted
	j.FinishedAt = &now
	j.RowCount = out.RowCount
	j.FileName = out.FileName
	j.FilePath = out.FilePath
	j.FileSizeBytes = out.FileSizeBytes
	return nil
}

func (s *Store) MarkFailed(_ context.Context, jobID, message string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faults["MarkFailed"]; err != nil {
		return err
	}
	j, ok := s.jobs[jobID]
	if !ok || j.Status.Terminal() {
		return export.ErrInvalidTransition
	}
	j.Status = export.StatusFailed
	j.FinishedAt = &now
	j.ErrorMessage = message
	return nil
}

func (s *Store) MarkDelivered(_ context.Context, jobID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faults["MarkDelivered"]; err != nil {
		return false, err
	}
	j, ok := s.jobs[jobID]
	if !ok || j.DeliveredAt != nil {
		return false, nil
	}
	j.DeliveredAt = &now
	return true, nil
}

func (s *Store) IssueToken(_ context.Context, jobID, candidate string, now, expiresAt time.Time) (string, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faults["IssueToken"]; err != nil {
		return "", time.Time{}, err
	}
	j, ok := s.jobs[jobID]
	if !ok || !j.Ready() {
		return "", time.Time{}, export.ErrJobNotReady
	}
	if j.TokenValid(now) {
		return j.DownloadToken, *j.DownloadTokenExpiresAt, nil
	}
	j.DownloadToken = candidate
	j.DownloadTokenExpiresAt = &expiresAt
	return candidate, expiresAt, nil
}

func (s *Store) FindByToken(_ context.Context, token string, now time.Time) (*export.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faults["FindByToken"]; err != nil {
		return nil, err
	}
	for _, j := range s.jobs {
		if j.DownloadToken == token && j.TokenValid(now) {
			cp := *j
			return &cp, nil
		}
	}
	return nil, export.ErrTokenInvalid
}

// ListJobs supports entity and list name filters and created_at ordering only.
func (s *Store) ListJobs(_ context.Context, p export.ListParams) ([]*export.Job, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faults["ListJobs"]; err != nil {
		return nil, 0, err
	}
	p = p.Normalize()
	var matched []*export.Job
	for _, j := range s.jobs {
		if j.UserID != p.UserID {
			continue
		}
		if p.Entity != "" && j.Entity != p.Entity {
			continue
		}
		if p.Search != "" && !strings.Contains(strings.ToLower(j.ListName), strings.ToLower(p.Search)) {
			continue
		}
		cp := *j
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(a, b int) bool {
		if strings.EqualFold(p.SortOrder, "asc") {
			return matched[a].CreatedAt.Before(matched[b].CreatedAt)
		}
		return matched[a].CreatedAt.After(matched[b].CreatedAt)
	})
	total := len(matched)
	start := (p.Page - 1) * p.PageSize
	if start > total {
		start = total
	}
	end := start + p.PageSize
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (s *Store) ReapStale(_ context.Context, cutoff, now time.Time, message string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faults["ReapStale"]; err != nil {
		return 0, err
	}
	var n int64
	for _, j := range s.jobs {
		stale := (j.Status == export.StatusProcessing && j.StartedAt != nil && j.StartedAt.Before(cutoff)) ||
			(j.Status == export.StatusQueued && j.CreatedAt.Before(cutoff))
		if !stale {
			continue
		}
		j.Status = export.StatusFailed
		j.FinishedAt = &now
		j.ErrorMessage = message
		n++
	}
	return n, nil
}
