// Package httpapi exposes export jobs and their downloads over HTTP.
package httpapi

import (
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"export-service/pkg/delivery"
	"export-service/pkg/export"
	"export-service/pkg/pipeline"

	"github.com/gin-gonic/gin"
)

const userKey = "export.user_id"

type Handler struct {
	service    *pipeline.Service
	gateway    *delivery.Gateway
	userHeader string
	now        func() time.Time
	logger     *slog.Logger
}

func NewHandler(service *pipeline.Service, gateway *delivery.Gateway, userHeader string, logger *slog.Logger) *Handler {
	return &Handler{
		service:    service,
		gateway:    gateway,
		userHeader: userHeader,
		now:        time.Now,
		logger:     logger.With("component", "export.http"),
	}
}

// RegisterRoutes registers all HTTP routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)

	api := r.Group("/api/v1", h.RequireUser())
	{
		exports := api.Group("/exports")
		{
			exports.POST("", h.Create)
			exports.GET("", h.List)
			exports.GET("/:id", h.Get)
			exports.GET("/:id/download", h.Download)
			exports.POST("/:id/link", h.Link)
		}
	}

	public := r.Group("/public")
	{
		public.GET("/exports/:id/download", h.PublicDownload)
	}
}

// RequireUser reads the caller id set by the upstream authentication layer.
func (h *Handler) RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(h.userHeader))
		if userID == "" {
			fail(c, h.logger, export.ErrMissingUserID)
			return
		}
		c.Set(userKey, userID)
		c.Next()
	}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type createResponse struct {
	JobID  string        `json:"job_id"`
	Status export.Status `json:"status,omitempty"`
}

// Create submits an export. Inline runs answer 201 with the finished job, queued ones 202.
func (h *Handler) Create(c *gin.Context) {
	var req export.SubmissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	userID := c.GetString(userKey)
	jobID, err := h.service.Create(c.Request.Context(), userID, req)
	if err != nil {
		failJob(c, h.logger, err, jobID)
		return
	}

	j, err := h.service.Get(c.Request.Context(), userID, jobID)
	if err != nil {
		h.logger.Warn("failed to reload created job", "job_id", jobID, "error", err)
		c.JSON(http.StatusAccepted, createResponse{JobID: jobID})
		return
	}
	status := http.StatusAccepted
	if j.Status.Terminal() {
		status = http.StatusCreated
	}
	c.JSON(status, createResponse{JobID: jobID, Status: j.Status})
}

func (h *Handler) Get(c *gin.Context) {
	j, err := h.service.Get(c.Request.Context(), c.GetString(userKey), c.Param("id"))
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, h.view(j))
}

type listQuery struct {
	Entity    string `form:"entity" binding:"omitempty,oneof=contacts companies"`
	Search    string `form:"search"`
	SortBy    string `form:"sort_by" binding:"omitempty,oneof=created_at list_name entity row_count status"`
	SortOrder string `form:"sort_order" binding:"omitempty,oneof=asc desc ASC DESC"`
	Page      int    `form:"page" binding:"omitempty,min=1"`
	PageSize  int    `form:"page_size" binding:"omitempty,min=1"`
}

// JobView is a job as shown in the export history.
type JobView struct {
	*export.Job
	DisplayAt   time.Time `json:"display_at"`
	DownloadURL string    `json:"download_url,omitempty"`
}

type listResponse struct {
	Items    []JobView `json:"items"`
	Total    int       `json:"total"`
	Page     int       `json:"page"`
	PageSize int       `json:"page_size"`
}

func (h *Handler) List(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err.Error())
		return
	}
	p := export.ListParams{
		UserID:    c.GetString(userKey),
		Entity:    export.Entity(q.Entity),
		Search:    q.Search,
		SortBy:    q.SortBy,
		SortOrder: q.SortOrder,
		Page:      q.Page,
		PageSize:  q.PageSize,
	}.Normalize()

	jobs, total, err := h.service.List(c.Request.Context(), p)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	items := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		items = append(items, h.view(j))
	}
	c.JSON(http.StatusOK, listResponse{Items: items, Total: total, Page: p.Page, PageSize: p.PageSize})
}

func (h *Handler) view(j *export.Job) JobView {
	return JobView{Job: j, DisplayAt: j.DisplayTime(), DownloadURL: h.gateway.LinkFor(j, h.now())}
}

func (h *Handler) Download(c *gin.Context) {
	f, err := h.gateway.Download(c.Request.Context(), c.GetString(userKey), c.Param("id"))
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	serveFile(c, f)
}

// Link returns the public download link, issuing a fresh token when none is live.
func (h *Handler) Link(c *gin.Context) {
	link, err := h.gateway.GetOrRefreshToken(c.Request.Context(), c.GetString(userKey), c.Param("id"))
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, link)
}

func (h *Handler) PublicDownload(c *gin.Context) {
	f, err := h.gateway.DownloadByToken(c.Request.Context(), c.Param("id"), c.Query("token"))
	if err != nil {
		if !errors.Is(err, export.ErrTokenInvalid) {
			err = export.ErrTokenInvalid
		}
		fail(c, h.logger, err)
		return
	}
	serveFile(c, f)
}

func serveFile(c *gin.Context, f *delivery.File) {
	defer f.Body.Close()
	size := f.Size
	if size <= 0 {
		size = -1
	}
	c.DataFromReader(http.StatusOK, size, f.ContentType, f.Body, map[string]string{
		"Content-Disposition": mime.FormatMediaType("attachment", map[string]string{"filename": f.Name}),
		"Cache-Control":       "no-store",
	})
}
