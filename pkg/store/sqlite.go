package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/psantana5/sentinel-grab/pkg/models"
)

// SQLiteStore is a SQLite-backed queue for single-host deployments and tests
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and unless skipMigrations, creates) the database at dbPath
func NewSQLiteStore(dbPath string, skipMigrations bool) (*SQLiteStore, error) {
	// _txlock=immediate takes the write lock at BEGIN, which is what makes the
	// claim transaction exclusive across processes sharing the file
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_foreign_keys=on&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer per process to avoid SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	store := &SQLiteStore{db: db}
	if !skipMigrations {
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

// initSchema creates the database schema
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS ` + jobsTable + ` (
		job_id INTEGER PRIMARY KEY AUTOINCREMENT,
		status TEXT NOT NULL DEFAULT 'Queued',
		priority INTEGER,
		created_at DATETIME NOT NULL,
		date_from DATE,
		date_to DATE,
		date_key TEXT,
		bbox_min_lon REAL,
		bbox_min_lat REAL,
		bbox_max_lon REAL,
		bbox_max_lat REAL,
		bbox TEXT,
		cloud_cover_max INTEGER,
		prefer_mosaic BOOLEAN NOT NULL DEFAULT 0,
		max_scenes INTEGER,
		zoom_min INTEGER,
		zoom_max INTEGER,
		scene_id TEXT,
		output_root_path TEXT,
		started_at DATETIME,
		finished_at DATETIME,
		modified_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_sg_jobs_claim ON ` + jobsTable + ` (status, priority, created_at);

	CREATE TABLE IF NOT EXISTS ` + productsTable + ` (
		job_product_id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id INTEGER NOT NULL REFERENCES ` + jobsTable + `(job_id) ON DELETE CASCADE,
		product_code TEXT NOT NULL,
		output_sub_path TEXT,
		status TEXT NOT NULL DEFAULT 'Queued',
		last_error TEXT,
		last_log TEXT,
		created_at DATETIME,
		modified_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_sg_products_job ON ` + productsTable + ` (job_id, status);

	CREATE TABLE IF NOT EXISTS ` + layersTable + ` (
		job_product_id INTEGER PRIMARY KEY REFERENCES ` + productsTable + `(job_product_id) ON DELETE CASCADE,
		job_id INTEGER NOT NULL,
		product_code TEXT NOT NULL,
		date_key TEXT NOT NULL,
		date_from DATE NOT NULL,
		date_to DATE NOT NULL,
		bbox_min_lon REAL NOT NULL,
		bbox_min_lat REAL NOT NULL,
		bbox_max_lon REAL NOT NULL,
		bbox_max_lat REAL NOT NULL,
		output_root_path TEXT NOT NULL,
		product_sub_path TEXT NOT NULL,
		output_dir TEXT NOT NULL,
		updated_at DATETIME NOT NULL
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
		SELECT ? WHERE NOT EXISTS (SELECT 1 FROM `+versionTable+`)`, SchemaVersion)
	return err
}

// ClaimNextJob runs the guarded update inside one IMMEDIATE transaction,
// then reads the claimed row back through the same transaction.
func (s *SQLiteStore) ClaimNextJob(ctx context.Context) (*models.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var id int64
	err = tx.QueryRowContext(ctx, `
		UPDATE `+jobsTable+`
		SET status = 'Running', started_at = ?, modified_at = ?, finished_at = NULL
		WHERE job_id = (
			SELECT job_id FROM `+jobsTable+`
			WHERE status IN (`+claimableIn+`)
			ORDER BY COALESCE(priority, 0) DESC, created_at ASC, job_id ASC
			LIMIT 1
		)
		AND status IN (`+claimableIn+`)
		RETURNING job_id`, now, now).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tx.Commit()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	job, err := scanJob(tx.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM "+jobsTable+" WHERE job_id = ?", id))
	if err != nil {
		return nil, fmt.Errorf("failed to read claimed job %d: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return job, nil
}

// GetPendingProducts returns the job's Queued and Failed products
func (s *SQLiteStore) GetPendingProducts(ctx context.Context, jobID int64) ([]*models.JobProduct, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+` FROM `+productsTable+`
		WHERE job_id = ? AND status IN (`+claimableIn+`)
		ORDER BY job_product_id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending products: %w", err)
	}
	return scanProducts(rows)
}

// InsertDefaultProduct adds a Queued RGB product for a job that requested none
func (s *SQLiteStore) InsertDefaultProduct(ctx context.Context, jobID int64) (*models.JobProduct, error) {
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
func (s *SQLiteStore) UpdateProductStatus(ctx context.Context, productID int64, status models.JobStatus, lastError, lastLog string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE `+productsTable+`
		SET status = ?, last_error = ?, last_log = ?, modified_at = ?
		WHERE job_product_id = ?`,
		string(status), nullString(lastError), nullString(lastLog), time.Now().UTC(), productID)
	if err != nil {
		return fmt.Errorf("failed to update product %d: %w", productID, err)
	}
	return expectOneRow(result, ErrProductNotFound)
}

// UpsertLayer records a rendered product, replacing any earlier record for it
func (s *SQLiteStore) UpsertLayer(ctx context.Context, l *models.AvailableLayer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO `+layersTable+` (`+layerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_product_id) DO UPDATE SET
			job_id = excluded.job_id,
			product_code = excluded.product_code,
			date_key = excluded.date_key,
			date_from = excluded.date_from,
			date_to = excluded.date_to,
			bbox_min_lon = excluded.bbox_min_lon,
			bbox_min_lat = excluded.bbox_min_lat,
			bbox_max_lon = excluded.bbox_max_lon,
			bbox_max_lat = excluded.bbox_max_lat,
			output_root_path = excluded.output_root_path,
			product_sub_path = excluded.product_sub_path,
			output_dir = excluded.output_dir,
			updated_at = excluded.updated_at`,
		l.JobID, l.JobProductID, l.ProductCode, l.DateKey, l.DateFrom.UTC(), l.DateTo.UTC(),
		l.Bbox.MinLon, l.Bbox.MinLat, l.Bbox.MaxLon, l.Bbox.MaxLat,
		l.OutputRootPath, l.ProductSubPath, l.OutputDir, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert layer for product %d: %w", l.JobProductID, err)
	}
	return nil
}

// GetProductStatusCounts aggregates product statuses for a job
func (s *SQLiteStore) GetProductStatusCounts(ctx context.Context, jobID int64) (models.StatusCounts, error) {
	var c models.StatusCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'Succeeded' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'Failed' THEN 1 ELSE 0 END), 0)
		FROM `+productsTable+` WHERE job_id = ?`, jobID).
		Scan(&c.Total, &c.Succeeded, &c.Failed)
	if err != nil {
		return c, fmt.Errorf("failed to count products for job %d: %w", jobID, err)
	}
	return c, nil
}

// MarkJobSucceeded writes the terminal Succeeded status
func (s *SQLiteStore) MarkJobSucceeded(ctx context.Context, jobID int64) error {
	return s.finishJob(ctx, jobID, models.JobStatusSucceeded)
}

// MarkJobFailed writes the terminal Failed status
func (s *SQLiteStore) MarkJobFailed(ctx context.Context, jobID int64) error {
	return s.finishJob(ctx, jobID, models.JobStatusFailed)
}

func (s *SQLiteStore) finishJob(ctx context.Context, jobID int64, status models.JobStatus) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE `+jobsTable+` SET status = ?, finished_at = ?, modified_at = ?
		WHERE job_id = ?`, string(status), now, now, jobID)
	if err != nil {
		return fmt.Errorf("failed to mark job %d %s: %w", jobID, status, err)
	}
	return expectOneRow(result, ErrJobNotFound)
}

// CreateJob inserts a job and sets its ID
func (s *SQLiteStore) CreateJob(ctx context.Context, job *models.Job) error {
	prepareNewJob(job)
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO `+jobsTable+` (`+jobInsertColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, jobArgs(job)...)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	job.ID, err = result.LastInsertId()
	return err
}

// CreateProduct inserts a product and sets its ID
func (s *SQLiteStore) CreateProduct(ctx context.Context, p *models.JobProduct) error {
	prepareNewProduct(p)
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO `+productsTable+` (job_id, product_code, output_sub_path, status, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		p.JobID, p.ProductCode, nullString(p.OutputSubPath), string(p.Status), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to create product for job %d: %w", p.JobID, err)
	}
	p.ID, err = result.LastInsertId()
	return err
}

// GetJob returns one job by ID
func (s *SQLiteStore) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM "+jobsTable+" WHERE job_id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %d: %w", id, err)
	}
	return job, nil
}

// ListJobs returns jobs newest first
func (s *SQLiteStore) ListJobs(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.db.QueryContext(ctx, "SELECT "+jobColumns+
			" FROM "+jobsTable+" ORDER BY created_at DESC, job_id DESC LIMIT ?", limit)
	} else {
		rows, err = s.db.QueryContext(ctx, "SELECT "+jobColumns+
			" FROM "+jobsTable+" WHERE status = ? ORDER BY created_at DESC, job_id DESC LIMIT ?", string(status), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return scanJobs(rows)
}

// ListProducts returns all products of a job
func (s *SQLiteStore) ListProducts(ctx context.Context, jobID int64) ([]*models.JobProduct, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+productColumns+
		" FROM "+productsTable+" WHERE job_id = ? ORDER BY job_product_id", jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	return scanProducts(rows)
}

// GetLayer returns the layer registered for a product
func (s *SQLiteStore) GetLayer(ctx context.Context, productID int64) (*models.AvailableLayer, error) {
	l, err := scanLayer(s.db.QueryRowContext(ctx, "SELECT "+layerColumns+
		" FROM "+layersTable+" WHERE job_product_id = ?", productID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLayerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get layer: %w", err)
	}
	return l, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// HealthCheck verifies database connectivity
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}
