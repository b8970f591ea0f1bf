// Package delivery serves finished export files to their owner and through expiring public links.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"export-service/pkg/export"
	"export-service/pkg/observability"
	"export-service/pkg/storage"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	DefaultTokenTTL = 24 * time.Hour

	// 48 symbols over a 64 character alphabet carry 288 bits.
	tokenAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-_"
	tokenLength   = 48

	pathSession = "session"
	pathToken   = "token"
)

// Store is the part of the job store the gateway needs. Every write is conditional.
type Store interface {
	GetJob(ctx context.Context, jobID string) (*export.Job, error)
	MarkDelivered(ctx context.Context, jobID string, now time.Time) (bool, error)
	IssueToken(ctx context.Context, jobID, candidate string, now, expiresAt time.Time) (string, time.Time, error)
	FindByToken(ctx context.Context, token string, now time.Time) (*export.Job, error)
}

// File is an open export file. The caller closes Body.
type File struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.ReadCloser
}

// Link is a public download link.
type Link struct {
	URL       string    `json:"download_url"`
	Token     string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Gateway struct {
	store    Store
	files    storage.Store
	baseURL  string
	ttl      time.Duration
	now      func() time.Time
	newToken func() (string, error)
	logger   *slog.Logger
}

func NewGateway(store Store, files storage.Store, baseURL string, ttl time.Duration, logger *slog.Logger) *Gateway {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Gateway{
		store:   store,
		files:   files,
		baseURL: strings.TrimRight(baseURL, "/"),
		ttl:     ttl,
		now:     time.Now,
		newToken: func() (string, error) {
			return gonanoid.Generate(tokenAlphabet, tokenLength)
		},
		logger: logger.With("component", "export.delivery"),
	}
}

// owned loads a completed job belonging to userID. Ownership is checked before readiness.
func (g *Gateway) owned(ctx context.Context, userID, jobID string) (*export.Job, error) {
	if userID == "" {
		return nil, export.ErrMissingUserID
	}
	j, err := g.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.UserID != userID {
		return nil, export.ErrNotOwned
	}
	if !j.Ready() {
		return nil, export.ErrJobNotReady
	}
	return j, nil
}

// Download opens the file of a completed job for its owner and records the first delivery.
func (g *Gateway) Download(ctx context.Context, userID, jobID string) (*File, error) {
	j, err := g.owned(ctx, userID, jobID)
	if err != nil {
		observability.Deliveries.WithLabelValues(pathSession, outcome(err)).Inc()
		return nil, err
	}
	f, err := g.open(ctx, j)
	if err != nil {
		observability.Deliveries.WithLabelValues(pathSession, "error").Inc()
		return nil, err
	}
	g.markDelivered(ctx, j.ID)
	observability.Deliveries.WithLabelValues(pathSession, "ok").Inc()
	g.logger.Info("export delivered", "job_id", j.ID, "path", pathSession)
	return f, nil
}

// GetOrRefreshToken returns the job's live public link, minting a new token if none is valid.
func (g *Gateway) GetOrRefreshToken(ctx context.Context, userID, jobID string) (*Link, error) {
	j, err := g.owned(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	candidate, err := g.newToken()
	if err != nil {
		return nil, fmt.Errorf("generate download token: %w", err)
	}
	now := g.now()
	token, expiresAt, err := g.store.IssueToken(ctx, j.ID, candidate, now, now.Add(g.ttl))
	if err != nil {
		return nil, err
	}
	if token == candidate {
		g.logger.Info("download token issued", "job_id", j.ID, "expires_at", expiresAt)
	}
	return &Link{URL: g.URL(j.ID, token), Token: token, ExpiresAt: expiresAt}, nil
}

// DownloadByToken opens the file behind a public link. Every failure is export.ErrTokenInvalid.
func (g *Gateway) DownloadByToken(ctx context.Context, jobID, token string) (*File, error) {
	f, err := g.downloadByToken(ctx, jobID, token)
	if err != nil {
		observability.Deliveries.WithLabelValues(pathToken, "invalid").Inc()
		g.logger.Debug("public download rejected", "job_id", jobID, "error", err)
		return nil, export.ErrTokenInvalid
	}
	observability.Deliveries.WithLabelValues(pathToken, "ok").Inc()
	g.logger.Info("export delivered", "job_id", jobID, "path", pathToken)
	return f, nil
}

func (g *Gateway) downloadByToken(ctx context.Context, jobID, token string) (*File, error) {
	if token == "" {
		return nil, export.ErrTokenInvalid
	}
	j, err := g.store.FindByToken(ctx, token, g.now())
	if err != nil {
		return nil, err
	}
	if j.ID != jobID || !j.Ready() {
		return nil, export.ErrTokenInvalid
	}
	f, err := g.open(ctx, j)
	if err != nil {
		return nil, err
	}
	g.markDelivered(ctx, j.ID)
	return f, nil
}

// LinkFor returns the public URL of j if it currently has a live token.
func (g *Gateway) LinkFor(j *export.Job, now time.Time) string {
	if !j.TokenValid(now) {
		return ""
	}
	return g.URL(j.ID, j.DownloadToken)
}

// URL builds the public download URL for a job token.
func (g *Gateway) URL(jobID, token string) string {
	return fmt.Sprintf("%s/public/exports/%s/download?token=%s",
		g.baseURL, url.PathEscape(jobID), url.QueryEscape(token))
}

func (g *Gateway) open(ctx context.Context, j *export.Job) (*File, error) {
	body, err := g.files.Open(ctx, j.FilePath)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			g.logger.Error("export file missing", "job_id", j.ID)
		}
		return nil, fmt.Errorf("open export file: %w", err)
	}
	return &File{
		Name:        j.FileName,
		ContentType: j.Format.ContentType(),
		Size:        j.FileSizeBytes,
		Body:        body,
	}, nil
}

// markDelivered does not fail the download; the file is already open.
func (g *Gateway) markDelivered(ctx context.Context, jobID string) {
	first, err := g.store.MarkDelivered(ctx, jobID, g.now())
	if err != nil {
		g.logger.Warn("failed to record delivery", "job_id", jobID, "error", err)
		return
	}
	if first {
		g.logger.Info("first delivery recorded", "job_id", jobID)
	}
}

func outcome(err error) string {
	switch {
	case errors.Is(err, export.ErrJobNotFound), errors.Is(err, export.ErrNotOwned):
		return "not_found"
	case errors.Is(err, export.ErrJobNotReady):
		return "not_ready"
	default:
		return "error"
	}
}
