package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/psantana5/sentinel-grab/pkg/models"
)

// MemoryStore is an in-memory Store for tests and dry runs
type MemoryStore struct {
	mu            sync.Mutex
	jobs          map[int64]*models.Job
	products      map[int64]*models.JobProduct
	layers        map[int64]*models.AvailableLayer
	nextJobID     int64
	nextProductID int64

	// StrictTransitions rejects product status changes the FSM does not allow
	StrictTransitions bool
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:     make(map[int64]*models.Job),
		products: make(map[int64]*models.JobProduct),
		layers:   make(map[int64]*models.AvailableLayer),
	}
}

func copyJob(j *models.Job) *models.Job {
	c := *j
	return &c
}

func copyProduct(p *models.JobProduct) *models.JobProduct {
	c := *p
	return &c
}

// ClaimNextJob picks the best claimable job under the store lock
func (s *MemoryStore) ClaimNextJob(ctx context.Context) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *models.Job
	for _, j := range s.jobs {
		if !j.Status.IsClaimable() {
			continue
		}
		if best == nil || claimsBefore(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}

	now := time.Now().UTC()
	best.Status = models.JobStatusRunning
	best.StartedAt = &now
	best.ModifiedAt = &now
	best.FinishedAt = nil
	return copyJob(best), nil
}

// claimsBefore orders by priority desc, then creation, then id
func claimsBefore(a, b *models.Job) bool {
	if a.EffectivePriority() != b.EffectivePriority() {
		return a.EffectivePriority() > b.EffectivePriority()
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *MemoryStore) productsOf(jobID int64, keep func(*models.JobProduct) bool) []*models.JobProduct {
	var out []*models.JobProduct
	for _, p := range s.products {
		if p.JobID == jobID && keep(p) {
			out = append(out, copyProduct(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetPendingProducts returns the job's Queued and Failed products
func (s *MemoryStore) GetPendingProducts(ctx context.Context, jobID int64) ([]*models.JobProduct, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.productsOf(jobID, func(p *models.JobProduct) bool { return p.Status.IsClaimable() }), nil
}

// InsertDefaultProduct adds a Queued RGB product
func (s *MemoryStore) InsertDefaultProduct(ctx context.Context, jobID int64) (*models.JobProduct, error) {
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
func (s *MemoryStore) UpdateProductStatus(ctx context.Context, productID int64, status models.JobStatus, lastError, lastLog string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[productID]
	if !ok {
		return ErrProductNotFound
	}
	if s.StrictTransitions {
		if err := models.ValidateProductTransition(p.Status, status); err != nil {
			return err
		}
	}
	p.Status = status
	p.LastError = lastError
	p.LastLog = lastLog
	return nil
}

// UpsertLayer records a rendered product
func (s *MemoryStore) UpsertLayer(ctx context.Context, l *models.AvailableLayer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[l.JobProductID]; !ok {
		return ErrProductNotFound
	}
	c := *l
	c.UpdatedAt = time.Now().UTC()
	s.layers[l.JobProductID] = &c
	return nil
}

// GetProductStatusCounts aggregates product statuses for a job
func (s *MemoryStore) GetProductStatusCounts(ctx context.Context, jobID int64) (models.StatusCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var c models.StatusCounts
	for _, p := range s.products {
		if p.JobID != jobID {
			continue
		}
		c.Total++
		switch p.Status {
		case models.JobStatusSucceeded:
			c.Succeeded++
		case models.JobStatusFailed:
			c.Failed++
		}
	}
	return c, nil
}

// MarkJobSucceeded writes the terminal Succeeded status
func (s *MemoryStore) MarkJobSucceeded(ctx context.Context, jobID int64) error {
	return s.finishJob(jobID, models.JobStatusSucceeded)
}

// MarkJobFailed writes the terminal Failed status
func (s *MemoryStore) MarkJobFailed(ctx context.Context, jobID int64) error {
	return s.finishJob(jobID, models.JobStatusFailed)
}

func (s *MemoryStore) finishJob(jobID int64, status models.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	now := time.Now().UTC()
	j.Status = status
	j.FinishedAt = &now
	j.ModifiedAt = &now
	return nil
}

// CreateJob inserts a job and sets its ID
func (s *MemoryStore) CreateJob(ctx context.Context, job *models.Job) error {
	prepareNewJob(job)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextJobID++
	job.ID = s.nextJobID
	s.jobs[job.ID] = copyJob(job)
	return nil
}

// CreateProduct inserts a product and sets its ID
func (s *MemoryStore) CreateProduct(ctx context.Context, p *models.JobProduct) error {
	prepareNewProduct(p)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[p.JobID]; !ok {
		return ErrJobNotFound
	}
	s.nextProductID++
	p.ID = s.nextProductID
	s.products[p.ID] = copyProduct(p)
	return nil
}

// GetJob returns one job by ID
func (s *MemoryStore) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return copyJob(j), nil
}

// ListJobs returns jobs newest first
func (s *MemoryStore) ListJobs(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	var out []*models.Job
	for _, j := range s.jobs {
		if status == "" || j.Status == status {
			out = append(out, copyJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.After(out[k].CreatedAt)
		}
		return out[i].ID > out[k].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListProducts returns all products of a job
func (s *MemoryStore) ListProducts(ctx context.Context, jobID int64) ([]*models.JobProduct, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.productsOf(jobID, func(*models.JobProduct) bool { return true }), nil
}

// GetLayer returns the layer registered for a product
func (s *MemoryStore) GetLayer(ctx context.Context, productID int64) (*models.AvailableLayer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.layers[productID]
	if !ok {
		return nil, ErrLayerNotFound
	}
	c := *l
	return &c, nil
}

// Close is a no-op for the memory store
func (s *MemoryStore) Close() error {
	return nil
}

// HealthCheck always succeeds
func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	return nil
}
