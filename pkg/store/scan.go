package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/psantana5/sentinel-grab/pkg/models"
)

const (
	jobsTable     = "sentinel_grab_jobs"
	productsTable = "sentinel_grab_job_products"
	layersTable   = "sentinel_grab_available_layers"
	versionTable  = "sentinel_grab_schema_version"
)

// claimableIn is the SQL list of statuses a worker may pick up, for jobs and products alike
var claimableIn = sqlStatusList(models.ClaimableStatuses)

func sqlStatusList(statuses []models.JobStatus) string {
	quoted := make([]string, len(statuses))
	for i, st := range statuses {
		quoted[i] = "'" + string(st) + "'"
	}
	return strings.Join(quoted, ", ")
}

const jobColumns = `job_id, status, priority, created_at, date_from, date_to, date_key,
	bbox_min_lon, bbox_min_lat, bbox_max_lon, bbox_max_lat, bbox,
	cloud_cover_max, prefer_mosaic, max_scenes, zoom_min, zoom_max,
	scene_id, output_root_path, started_at, finished_at, modified_at`

const productColumns = `job_product_id, job_id, product_code, output_sub_path, status, last_error, last_log`

const layerColumns = `job_id, job_product_id, product_code, date_key, date_from, date_to,
	bbox_min_lon, bbox_min_lat, bbox_max_lon, bbox_max_lat,
	output_root_path, product_sub_path, output_dir, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scanner) (*models.Job, error) {
	var (
		job                            models.Job
		status                         string
		priority                       sql.NullInt64
		dateFrom, dateTo               sql.NullTime
		dateKey, bbox, sceneID, outDir sql.NullString
		minLon, minLat, maxLon, maxLat sql.NullFloat64
		cloud, maxScenes               sql.NullInt64
		zoomMin, zoomMax               sql.NullInt64
		started, finished, modified    sql.NullTime
	)

	err := row.Scan(&job.ID, &status, &priority, &job.CreatedAt, &dateFrom, &dateTo, &dateKey,
		&minLon, &minLat, &maxLon, &maxLat, &bbox,
		&cloud, &job.PreferMosaic, &maxScenes, &zoomMin, &zoomMax,
		&sceneID, &outDir, &started, &finished, &modified)
	if err != nil {
		return nil, err
	}

	job.Status = models.JobStatus(status)
	job.Priority = intPtr(priority)
	job.DateFrom = timePtr(dateFrom)
	job.DateTo = timePtr(dateTo)
	job.DateKey = dateKey.String
	job.MinLon = floatPtr(minLon)
	job.MinLat = floatPtr(minLat)
	job.MaxLon = floatPtr(maxLon)
	job.MaxLat = floatPtr(maxLat)
	job.BboxStr = bbox.String
	job.CloudCoverMax = intPtr(cloud)
	job.MaxScenes = intPtr(maxScenes)
	job.ZoomMin = intPtr(zoomMin)
	job.ZoomMax = intPtr(zoomMax)
	job.SceneID = sceneID.String
	job.OutputRootPath = outDir.String
	job.StartedAt = timePtr(started)
	job.FinishedAt = timePtr(finished)
	job.ModifiedAt = timePtr(modified)
	job.CreatedAt = job.CreatedAt.UTC()

	return &job, nil
}

func scanProduct(row scanner) (*models.JobProduct, error) {
	var (
		p                         models.JobProduct
		status                    string
		subPath, lastErr, lastLog sql.NullString
	)
	if err := row.Scan(&p.ID, &p.JobID, &p.ProductCode, &subPath, &status, &lastErr, &lastLog); err != nil {
		return nil, err
	}
	p.Status = models.JobStatus(status)
	p.OutputSubPath = subPath.String
	p.LastError = lastErr.String
	p.LastLog = lastLog.String
	return &p, nil
}

func scanLayer(row scanner) (*models.AvailableLayer, error) {
	var l models.AvailableLayer
	err := row.Scan(&l.JobID, &l.JobProductID, &l.ProductCode, &l.DateKey, &l.DateFrom, &l.DateTo,
		&l.Bbox.MinLon, &l.Bbox.MinLat, &l.Bbox.MaxLon, &l.Bbox.MaxLat,
		&l.OutputRootPath, &l.ProductSubPath, &l.OutputDir, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	l.DateFrom = l.DateFrom.UTC()
	l.DateTo = l.DateTo.UTC()
	return &l, nil
}

func scanProducts(rows *sql.Rows) ([]*models.JobProduct, error) {
	defer rows.Close()
	var out []*models.JobProduct
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanJobs(rows *sql.Rows) ([]*models.Job, error) {
	defer rows.Close()
	var out []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func nullTime(p *time.Time) sql.NullTime {
	if p == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: p.UTC(), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// jobArgs returns the insertable job fields in jobColumns order, minus job_id
// and the worker-owned timestamps
func jobArgs(job *models.Job) []interface{} {
	return []interface{}{
		string(job.Status), nullInt(job.Priority), job.CreatedAt.UTC(),
		nullTime(job.DateFrom), nullTime(job.DateTo), nullString(job.DateKey),
		nullFloat(job.MinLon), nullFloat(job.MinLat), nullFloat(job.MaxLon), nullFloat(job.MaxLat),
		nullString(job.BboxStr), nullInt(job.CloudCoverMax), job.PreferMosaic, nullInt(job.MaxScenes),
		nullInt(job.ZoomMin), nullInt(job.ZoomMax), nullString(job.SceneID), nullString(job.OutputRootPath),
	}
}

const jobInsertColumns = `status, priority, created_at, date_from, date_to, date_key,
	bbox_min_lon, bbox_min_lat, bbox_max_lon, bbox_max_lat, bbox,
	cloud_cover_max, prefer_mosaic, max_scenes, zoom_min, zoom_max,
	scene_id, output_root_path`

func prepareNewJob(job *models.Job) {
	if job.Status == "" {
		job.Status = models.JobStatusQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
}

func prepareNewProduct(p *models.JobProduct) {
	if p.Status == "" {
		p.Status = models.JobStatusQueued
	}
}
