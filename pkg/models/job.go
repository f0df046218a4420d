package models

import (
	"time"
)

// JobStatus represents the queue status of a job or product
type JobStatus string

const (
	JobStatusQueued    JobStatus = "Queued"
	JobStatusRunning   JobStatus = "Running"
	JobStatusSucceeded JobStatus = "Succeeded"
	JobStatusFailed    JobStatus = "Failed"
)

// ClaimableStatuses are the job statuses a worker may pick up.
var ClaimableStatuses = []JobStatus{JobStatusQueued, JobStatusFailed}

// IsClaimable reports whether a job in this status can be claimed
func (s JobStatus) IsClaimable() bool {
	for _, c := range ClaimableStatuses {
		if s == c {
			return true
		}
	}
	return false
}

// Job is a request to download imagery for one area and time window
// and render one or more products from it.
type Job struct {
	ID        int64     `json:"job_id"`
	Status    JobStatus `json:"status"`
	Priority  *int      `json:"priority,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	// Time window: explicit range or a free-text key
	DateFrom *time.Time `json:"date_from,omitempty"`
	DateTo   *time.Time `json:"date_to,omitempty"`
	DateKey  string     `json:"date_key,omitempty"`

	// Area: four explicit coordinates or a bbox string
	MinLon  *float64 `json:"min_lon,omitempty"`
	MinLat  *float64 `json:"min_lat,omitempty"`
	MaxLon  *float64 `json:"max_lon,omitempty"`
	MaxLat  *float64 `json:"max_lat,omitempty"`
	BboxStr string   `json:"bbox,omitempty"`

	CloudCoverMax  *int   `json:"cloud_cover_max,omitempty"`
	PreferMosaic   bool   `json:"prefer_mosaic"`
	MaxScenes      *int   `json:"max_scenes,omitempty"`
	ZoomMin        *int   `json:"zoom_min,omitempty"`
	ZoomMax        *int   `json:"zoom_max,omitempty"`
	SceneID        string `json:"scene_id,omitempty"`
	OutputRootPath string `json:"output_root_path,omitempty"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ModifiedAt *time.Time `json:"modified_at,omitempty"`
}

// EffectivePriority treats a missing priority as zero
func (j *Job) EffectivePriority() int {
	if j.Priority == nil {
		return 0
	}
	return *j.Priority
}

// JobProduct is one rendered output requested by a job
type JobProduct struct {
	ID            int64     `json:"job_product_id"`
	JobID         int64     `json:"job_id"`
	ProductCode   string    `json:"product_code"`
	OutputSubPath string    `json:"output_sub_path,omitempty"`
	Status        JobStatus `json:"status"`
	LastError     string    `json:"last_error,omitempty"`
	LastLog       string    `json:"last_log,omitempty"`
}

// DefaultProductCode is synthesized for jobs that request nothing
const DefaultProductCode = "RGB"

// AvailableLayer records where a rendered product landed on disk
type AvailableLayer struct {
	JobID          int64     `json:"job_id"`
	JobProductID   int64     `json:"job_product_id"`
	ProductCode    string    `json:"product_code"`
	DateKey        string    `json:"date_key"`
	DateFrom       time.Time `json:"date_from"`
	DateTo         time.Time `json:"date_to"`
	Bbox           Bbox      `json:"bbox"`
	OutputRootPath string    `json:"output_root_path"`
	ProductSubPath string    `json:"product_sub_path"`
	OutputDir      string    `json:"output_dir"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// StatusCounts aggregates product outcomes for a job
type StatusCounts struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Verdict folds product counts into the terminal job status.
// A job with no products cannot have succeeded.
func (c StatusCounts) Verdict() JobStatus {
	if c.Total == 0 {
		return JobStatusFailed
	}
	if c.Succeeded == c.Total && c.Failed == 0 {
		return JobStatusSucceeded
	}
	return JobStatusFailed
}
