package store

import (
	"context"
	"errors"
	"time"

	"github.com/psantana5/sentinel-grab/pkg/models"
)

// SchemaVersion is the schema this build reads and writes.
// v2: jobs carry started_at, finished_at and modified_at.
const SchemaVersion = 2

// JobStore is what the worker needs to process jobs
type JobStore interface {
	// ClaimNextJob atomically moves the best Queued/Failed job to Running.
	// Returns nil, nil when nothing is claimable.
	ClaimNextJob(ctx context.Context) (*models.Job, error)
	GetPendingProducts(ctx context.Context, jobID int64) ([]*models.JobProduct, error)
	InsertDefaultProduct(ctx context.Context, jobID int64) (*models.JobProduct, error)
	UpdateProductStatus(ctx context.Context, productID int64, status models.JobStatus, lastError, lastLog string) error
	UpsertLayer(ctx context.Context, layer *models.AvailableLayer) error
	GetProductStatusCounts(ctx context.Context, jobID int64) (models.StatusCounts, error)
	MarkJobSucceeded(ctx context.Context, jobID int64) error
	MarkJobFailed(ctx context.Context, jobID int64) error
}

// Store adds the admin and lifecycle operations used by the CLI
type Store interface {
	JobStore

	CreateJob(ctx context.Context, job *models.Job) error
	CreateProduct(ctx context.Context, product *models.JobProduct) error
	GetJob(ctx context.Context, id int64) (*models.Job, error)
	// ListJobs returns newest first; empty status means all
	ListJobs(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error)
	ListProducts(ctx context.Context, jobID int64) ([]*models.JobProduct, error)
	GetLayer(ctx context.Context, productID int64) (*models.AvailableLayer, error)

	Close() error
	HealthCheck(ctx context.Context) error
}

// Config holds database configuration
type Config struct {
	Type string // "postgres", "sqlite" or "memory"
	DSN  string // Connection string, or file path for sqlite

	// PostgreSQL specific
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// SkipMigrations only verifies the schema version instead of creating tables
	SkipMigrations bool
}

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "postgres", "postgresql":
		return NewPostgreSQLStore(config)
	case "sqlite", "sqlite3", "":
		path := config.DSN
		if path == "" {
			path = "sentinel-grab.db"
		}
		return NewSQLiteStore(path, config.SkipMigrations)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, ErrUnsupportedDatabase
	}
}

var (
	ErrUnsupportedDatabase = errors.New("unsupported database type")
	ErrJobNotFound         = errors.New("job not found")
	ErrProductNotFound     = errors.New("job product not found")
	ErrLayerNotFound       = errors.New("layer not found")
	ErrSchemaVersion       = errors.New("database schema is older than this build supports")
)
