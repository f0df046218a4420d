package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/psantana5/sentinel-grab/pkg/models"
)

// PostgreSQLStore implements Store using PostgreSQL
type PostgreSQLStore struct {
	db *sql.DB
}

// NewPostgreSQLStore creates a new PostgreSQL store
func NewPostgreSQLStore(config Config) (*PostgreSQLStore, error) {
	dsn := config.DSN
	if dsn == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(10)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(2)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	if config.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	} else {
		db.SetConnMaxIdleTime(1 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgreSQLStore{db: db}

	if !config.SkipMigrations {
		if err := store.initSchema(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	if err := checkSchemaVersion(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist
func (s *PostgreSQLStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS ` + jobsTable + ` (
		job_id BIGSERIAL PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'Queued',
		priority INTEGER,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		date_from DATE,
		date_to DATE,
		date_key TEXT,
		bbox_min_lon DOUBLE PRECISION,
		bbox_min_lat DOUBLE PRECISION,
		bbox_max_lon DOUBLE PRECISION,
		bbox_max_lat DOUBLE PRECISION,
		bbox TEXT,
		cloud_cover_max INTEGER,
		prefer_mosaic BOOLEAN NOT NULL DEFAULT false,
		max_scenes INTEGER,
		zoom_min INTEGER,
		zoom_max INTEGER,
		scene_id TEXT,
		output_root_path TEXT,
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ,
		modified_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_sg_jobs_claim
		ON ` + jobsTable + ` (status, priority DESC, created_at);

	CREATE TABLE IF NOT EXISTS ` + productsTable + ` (
		job_product_id BIGSERIAL PRIMARY KEY,
		job_id BIGINT NOT NULL REFERENCES ` + jobsTable + `(job_id) ON DELETE CASCADE,
		product_code TEXT NOT NULL,
		output_sub_path TEXT,
		status TEXT NOT NULL DEFAULT 'Queued',
		last_error TEXT,
		last_log TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		modified_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_sg_products_job ON ` + productsTable + ` (job_id, status);

	CREATE TABLE IF NOT EXISTS ` + layersTable + ` (
		job_product_id BIGINT PRIMARY KEY REFERENCES ` + productsTable + `(job_product_id) ON DELETE CASCADE,
		job_id BIGINT NOT NULL,
		product_code TEXT NOT NULL,
		date_key TEXT NOT NULL,
		date_from DATE NOT NULL,
		date_to DATE NOT NULL,
		bbox_min_lon DOUBLE PRECISION NOT NULL,
		bbox_min_lat DOUBLE PRECISION NOT NULL,
		bbox_max_lon DOUBLE PRECISION NOT NULL,
		bbox_max_lat DOUBLE PRECISION NOT NULL,
		output_root_path TEXT NOT NULL,
		product_sub_path TEXT NOT NULL,
		output_dir TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS ` + versionTable + ` (
		version INTEGER NOT NULL
	);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO `+versionTable+` (version)
		SELECT $1::integer WHERE NOT EXISTS (SELECT 1 FROM `+versionTable+`)`, SchemaVersion)
	return err
}

// checkSchemaVersion refuses databases older than SchemaVersion
func checkSchemaVersion(ctx context.Context, db *sql.DB) error {
	var version sql.NullInt64
	err := db.QueryRowContext(ctx, "SELECT MAX(version) FROM "+versionTable).Scan(&version)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if !version.Valid || version.Int64 < SchemaVersion {
		return fmt.Errorf("%w: found %d, need %d", ErrSchemaVersion, version.Int64, SchemaVersion)
	}
	return nil
}

// ClaimNextJob moves one claimable job to Running in a single statement.
// SKIP LOCKED lets concurrent workers pass over rows another worker holds.
func (s *PostgreSQLStore) ClaimNextJob(ctx context.Context) (*models.Job, error) {
	query := fmt.Sprintf(`
		WITH next AS (
			SELECT job_id FROM `+jobsTable+`
			WHERE status IN (`+claimableIn+`)
			ORDER BY COALESCE(priority, 0) DESC, created_at ASC, job_id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE `+jobsTable+` AS j
		SET status = 'Running', started_at = NOW(), modified_at = NOW(), finished_at = NULL
		FROM next
		WHERE j.job_id = next.job_id AND j.status IN (`+claimableIn+`)
		RETURNING %s`, prefixColumns("j", jobColumns))

	job, err := scanJob(s.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return job, nil
}

// GetPendingProducts returns the job's Queued and Failed products
func (s *PostgreSQLStore) GetPendingProducts(ctx context.Context, jobID int64) ([]*models.JobProduct, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+` FROM `+productsTable+`
		WHERE job_id = $1 AND status IN (`+claimableIn+`)
		ORDER BY job_product_id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending products: %w", err)
	}
	return scanProducts(rows)
}

// InsertDefaultProduct adds a Queued RGB product for a job that requested none
func (s *PostgreSQLStore) InsertDefaultProduct(ctx context.Context, jobID int64) (*models.JobProduct, error) {
	p := &models.JobProduct{
		JobID:         jobID,
		ProductCode:   models.DefaultProductCode,
		OutputSubPath: "rgb",
		Status:        models.JobStatusQueued,
	}
	if err := s.CreateProduct(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// UpdateProductStatus overwrites a product's status and diagnostics
func (s *PostgreSQLStore) UpdateProductStatus(ctx context.Context, productID int64, status models.JobStatus, lastError, lastLog string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE `+productsTable+`
		SET status = $1, last_error = $2, last_log = $3, modified_at = NOW()
		WHERE job_product_id = $4`,
		string(status), nullString(lastError), nullString(lastLog), productID)
	if err != nil {
		return fmt.Errorf("failed to update product %d: %w", productID, err)
	}
	return expectOneRow(result, ErrProductNotFound)
}

// UpsertLayer records a rendered product, replacing any earlier record for it
func (s *PostgreSQLStore) UpsertLayer(ctx context.Context, l *models.AvailableLayer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO `+layersTable+` (`+layerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
		ON CONFLICT (job_product_id) DO UPDATE SET
			job_id = EXCLUDED.job_id,
			product_code = EXCLUDED.product_code,
			date_key = EXCLUDED.date_key,
			date_from = EXCLUDED.date_from,
			date_to = EXCLUDED.date_to,
			bbox_min_lon = EXCLUDED.bbox_min_lon,
			bbox_min_lat = EXCLUDED.bbox_min_lat,
			bbox_max_lon = EXCLUDED.bbox_max_lon,
			bbox_max_lat = EXCLUDED.bbox_max_lat,
			output_root_path = EXCLUDED.output_root_path,
			product_sub_path = EXCLUDED.product_sub_path,
			output_dir = EXCLUDED.output_dir,
			updated_at = NOW()`,
		l.JobID, l.JobProductID, l.ProductCode, l.DateKey, l.DateFrom, l.DateTo,
		l.Bbox.MinLon, l.Bbox.MinLat, l.Bbox.MaxLon, l.Bbox.MaxLat,
		l.OutputRootPath, l.ProductSubPath, l.OutputDir)
	if err != nil {
		return fmt.Errorf("failed to upsert layer for product %d: %w", l.JobProductID, err)
	}
	return nil
}

// GetProductStatusCounts aggregates product statuses for a job
func (s *PostgreSQLStore) GetProductStatusCounts(ctx context.Context, jobID int64) (models.StatusCounts, error) {
	var c models.StatusCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'Succeeded' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'Failed' THEN 1 ELSE 0 END), 0)
		FROM `+productsTable+` WHERE job_id = $1`, jobID).
		Scan(&c.Total, &c.Succeeded, &c.Failed)
	if err != nil {
		return c, fmt.Errorf("failed to count products for job %d: %w", jobID, err)
	}
	return c, nil
}

// MarkJobSucceeded writes the terminal Succeeded status
func (s *PostgreSQLStore) MarkJobSucceeded(ctx context.Context, jobID int64) error {
	return s.finishJob(ctx, jobID, models.JobStatusSucceeded)
}

// MarkJobFailed writes the terminal Failed status
func (s *PostgreSQLStore) MarkJobFailed(ctx context.Context, jobID int64) error {
	return s.finishJob(ctx, jobID, models.JobStatusFailed)
}

func (s *PostgreSQLStore) finishJob(ctx context.Context, jobID int64, status models.JobStatus) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE `+jobsTable+`
		SET status = $1, finished_at = NOW(), modified_at = NOW()
		WHERE job_id = $2`, string(status), jobID)
	if err != nil {
		return fmt.Errorf("failed to mark job %d %s: %w", jobID, status, err)
	}
	return expectOneRow(result, ErrJobNotFound)
}

// CreateJob inserts a job and sets its ID
func (s *PostgreSQLStore) CreateJob(ctx context.Context, job *models.Job) error {
	prepareNewJob(job)
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO `+jobsTable+` (`+jobInsertColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING job_id`, jobArgs(job)...).Scan(&job.ID)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// CreateProduct inserts a product and sets its ID
func (s *PostgreSQLStore) CreateProduct(ctx context.Context, p *models.JobProduct) error {
	prepareNewProduct(p)
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO `+productsTable+` (job_id, product_code, output_sub_path, status)
		VALUES ($1, $2, $3, $4)
		RETURNING job_product_id`,
		p.JobID, p.ProductCode, nullString(p.OutputSubPath), string(p.Status)).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("failed to create product for job %d: %w", p.JobID, err)
	}
	return nil
}

// GetJob returns one job by ID
func (s *PostgreSQLStore) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM "+jobsTable+" WHERE job_id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %d: %w", id, err)
	}
	return job, nil
}

// ListJobs returns jobs newest first
func (s *PostgreSQLStore) ListJobs(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.db.QueryContext(ctx, "SELECT "+jobColumns+
			" FROM "+jobsTable+" ORDER BY created_at DESC, job_id DESC LIMIT $1", limit)
	} else {
		rows, err = s.db.QueryContext(ctx, "SELECT "+jobColumns+
			" FROM "+jobsTable+" WHERE status = $1 ORDER BY created_at DESC, job_id DESC LIMIT $2", string(status), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return scanJobs(rows)
}

// ListProducts returns all products of a job
func (s *PostgreSQLStore) ListProducts(ctx context.Context, jobID int64) ([]*models.JobProduct, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+productColumns+
		" FROM "+productsTable+" WHERE job_id = $1 ORDER BY job_product_id", jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	return scanProducts(rows)
}

// GetLayer returns the layer registered for a product
func (s *PostgreSQLStore) GetLayer(ctx context.Context, productID int64) (*models.AvailableLayer, error) {
	l, err := scanLayer(s.db.QueryRowContext(ctx, "SELECT "+layerColumns+
		" FROM "+layersTable+" WHERE job_product_id = $1", productID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLayerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get layer: %w", err)
	}
	return l, nil
}

// Close closes the database connection
func (s *PostgreSQLStore) Close() error {
	return s.db.Close()
}

// HealthCheck verifies database connectivity
func (s *PostgreSQLStore) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func expectOneRow(result sql.Result, notFound error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
