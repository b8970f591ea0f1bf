package export

import "time"

type Entity string
type Mode string
type Format string
type Status string

const (
	EntityContacts  Entity = "contacts"
	EntityCompanies Entity = "companies"
)

const (
	ModeSelected Mode = "selected"
	ModeFiltered Mode = "filtered"
)

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (m Mode) Valid() bool {
	return m == ModeSelected || m == ModeFiltered
}

func (f Format) Valid() bool {
	return f == FormatCSV || f == FormatXLSX
}

// Extension returns the file extension used for the format, without the dot.
func (f Format) Extension() string {
	return string(f)
}

// ContentType returns the MIME type served for files of this format.
func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv; charset=utf-8"
}

// Terminal reports whether no further transition can leave the status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Query is the filter criteria of a filtered export, mirroring the interactive search screen.
type Query struct {
	Search    string              `json:"search,omitempty"`
	Filters   map[string][]string `json:"filters,omitempty"`
	SortBy    string              `json:"sortBy,omitempty"`
	SortOrder string              `json:"sortOrder,omitempty"`
}

type Job struct {
	ID       string   `json:"id"`
	UserID   string   `json:"user_id"`
	Entity   Entity   `json:"entity"`
	Mode     Mode     `json:"mode"`
	Format   Format   `json:"format"`
	Headers  []string `json:"headers"`
	IDs      []string `json:"ids,omitempty"`
	Query    *Query   `json:"query,omitempty"`
	ListName string   `json:"list_name,omitempty"`
	Status   Status   `json:"status"`

	RowCount      int    `json:"row_count"`
	FileName      string `json:"file_name,omitempty"`
	FilePath      string `json:"-"`
	FileSizeBytes int64  `json:"file_size_bytes"`
	ErrorMessage  string `json:"error_message,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`

	DownloadToken          string     `json:"-"`
	DownloadTokenExpiresAt *time.Time `json:"-"`
}

// Ready reports whether the job has a file that can be delivered.
func (j *Job) Ready() bool {
	return j.Status == StatusCompleted && j.FilePath != ""
}

// TokenValid reports whether the stored download token may be used at now.
func (j *Job) TokenValid(now time.Time) bool {
	return j.Status == StatusCompleted && j.DownloadToken != "" &&
		j.DownloadTokenExpiresAt != nil && now.Before(*j.DownloadTokenExpiresAt)
}

// DisplayTime is the timestamp shown in the export history.
func (j *Job) DisplayTime() time.Time {
	if j.FinishedAt != nil {
		return *j.FinishedAt
	}
	if j.StartedAt != nil {
		return *j.StartedAt
	}
	return j.CreatedAt
}

// Output is what a successful run records on the job.
type Output struct {
	RowCount      int
	FileName      string
	FilePath      string
	FileSizeBytes int64
}

type SubmissionRequest struct {
	Entity   Entity   `json:"entity" binding:"required"`
	Mode     Mode     `json:"mode" binding:"required,oneof=selected filtered"`
	Format   Format   `json:"format" binding:"required,oneof=csv xlsx"`
	Headers  []string `json:"headers" binding:"required,min=1"`
	IDs      []string `json:"ids"`
	Query    *Query   `json:"query"`
	ListName string   `json:"listName" binding:"max=200"`
}

// ListParams selects a page of a user's export history.
type ListParams struct {
	UserID    string
	Entity    Entity
	Search    string
	SortBy    string
	SortOrder string
	Page      int
	PageSize  int
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 200
)

// Normalize clamps paging to sane bounds.
func (p ListParams) Normalize() ListParams {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize <= 0 {
		p.PageSize = DefaultPageSize
	}
	if p.PageSize > MaxPageSize {
		p.PageSize = MaxPageSize
	}
	return p
}
