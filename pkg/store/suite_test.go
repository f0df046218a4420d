package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/sentinel-grab/pkg/models"
)

func intp(v int) *int { return &v }

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newJob(minutes int, priority *int, status models.JobStatus) *models.Job {
	return &models.Job{
		Status:    status,
		Priority:  priority,
		CreatedAt: baseTime.Add(time.Duration(minutes) * time.Minute),
		DateKey:   "2025-05",
		BboxStr:   "-103.8,50.5,-102.9,51.0",
	}
}

// runStoreSuite exercises the behaviour every Store implementation must share.
// newStore must return an empty store.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("ClaimEmpty", func(t *testing.T) {
		s := newStore(t)
		job, err := s.ClaimNextJob(context.Background())
		require.NoError(t, err)
		assert.Nil(t, job)
	})

	t.Run("ClaimOrder", func(t *testing.T) {
		testClaimOrder(t, newStore(t))
	})

	t.Run("JobRoundTrip", func(t *testing.T) {
		testJobRoundTrip(t, newStore(t))
	})

	t.Run("Products", func(t *testing.T) {
		testProducts(t, newStore(t))
	})

	t.Run("Layers", func(t *testing.T) {
		testLayers(t, newStore(t))
	})

	t.Run("ConcurrentClaim", func(t *testing.T) {
		testConcurrentClaim(t, newStore(t))
	})
}

func testClaimOrder(t *testing.T, s Store) {
	ctx := context.Background()

	lowOld := newJob(0, nil, models.JobStatusQueued)
	highNew := newJob(10, intp(5), models.JobStatusQueued)
	highOld := newJob(5, intp(5), models.JobStatusFailed)
	running := newJob(-10, intp(9), models.JobStatusRunning)
	done := newJob(-20, intp(9), models.JobStatusSucceeded)
	negative := newJob(-30, intp(-1), models.JobStatusQueued)

	for _, j := range []*models.Job{lowOld, highNew, highOld, running, done, negative} {
		require.NoError(t, s.CreateJob(ctx, j))
	}

	var order []int64
	for {
		job, err := s.ClaimNextJob(ctx)
		require.NoError(t, err)
		if job == nil {
			break
		}
		assert.Equal(t, models.JobStatusRunning, job.Status)
		assert.NotNil(t, job.StartedAt)
		order = append(order, job.ID)
	}

	assert.Equal(t, []int64{highOld.ID, highNew.ID, lowOld.ID, negative.ID}, order)

	// Everything is Running or Succeeded now
	got, err := s.GetJob(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSucceeded, got.Status)
}

func testJobRoundTrip(t *testing.T, s Store) {
	ctx := context.Background()

	from := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 5, 31, 0, 0, 0, 0, time.UTC)
	minLon, minLat, maxLon, maxLat := -103.8, 50.5, -102.9, 51.0

	job := &models.Job{
		Priority:       intp(3),
		CreatedAt:      baseTime,
		DateFrom:       &from,
		DateTo:         &to,
		MinLon:         &minLon,
		MinLat:         &minLat,
		MaxLon:         &maxLon,
		MaxLat:         &maxLat,
		CloudCoverMax:  intp(40),
		PreferMosaic:   true,
		MaxScenes:      intp(3),
		ZoomMin:        intp(9),
		ZoomMax:        intp(13),
		SceneID:        "S2A_MSIL2A_TEST",
		OutputRootPath: "/tiles",
	}
	require.NoError(t, s.CreateJob(ctx, job))
	require.NotZero(t, job.ID)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)

	assert.Equal(t, models.JobStatusQueued, got.Status)
	assert.Equal(t, 3, *got.Priority)
	assert.True(t, baseTime.Equal(got.CreatedAt))
	assert.True(t, from.Equal(*got.DateFrom))
	assert.True(t, to.Equal(*got.DateTo))
	assert.Equal(t, minLon, *got.MinLon)
	assert.Equal(t, maxLat, *got.MaxLat)
	assert.Equal(t, 40, *got.CloudCoverMax)
	assert.True(t, got.PreferMosaic)
	assert.Equal(t, 3, *got.MaxScenes)
	assert.Equal(t, 9, *got.ZoomMin)
	assert.Equal(t, 13, *got.ZoomMax)
	assert.Equal(t, "S2A_MSIL2A_TEST", got.SceneID)
	assert.Equal(t, "/tiles", got.OutputRootPath)
	assert.Empty(t, got.BboxStr)
	assert.Nil(t, got.StartedAt)

	_, err = s.GetJob(ctx, job.ID+1000)
	assert.ErrorIs(t, err, ErrJobNotFound)

	require.NoError(t, s.MarkJobFailed(ctx, job.ID))
	got, err = s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.NotNil(t, got.FinishedAt)

	require.NoError(t, s.MarkJobSucceeded(ctx, job.ID))
	got, _ = s.GetJob(ctx, job.ID)
	assert.Equal(t, models.JobStatusSucceeded, got.Status)

	assert.ErrorIs(t, s.MarkJobSucceeded(ctx, job.ID+1000), ErrJobNotFound)

	jobs, err := s.ListJobs(ctx, models.JobStatusSucceeded, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)
}

func testProducts(t *testing.T, s Store) {
	ctx := context.Background()

	job := newJob(0, nil, models.JobStatusQueued)
	require.NoError(t, s.CreateJob(ctx, job))

	pending, err := s.GetPendingProducts(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)

	counts, err := s.GetProductStatusCounts(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCounts{}, counts)

	def, err := s.InsertDefaultProduct(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "RGB", def.ProductCode)
	assert.Equal(t, "rgb", def.OutputSubPath)
	assert.Equal(t, models.JobStatusQueued, def.Status)

	ndvi := &models.JobProduct{JobID: job.ID, ProductCode: "NDVI", Status: models.JobStatusFailed}
	done := &models.JobProduct{JobID: job.ID, ProductCode: "NDMI", Status: models.JobStatusSucceeded}
	require.NoError(t, s.CreateProduct(ctx, ndvi))
	require.NoError(t, s.CreateProduct(ctx, done))

	pending, err = s.GetPendingProducts(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, def.ID, pending[0].ID)
	assert.Equal(t, ndvi.ID, pending[1].ID)

	require.NoError(t, s.UpdateProductStatus(ctx, def.ID, models.JobStatusRunning, "", ""))
	require.NoError(t, s.UpdateProductStatus(ctx, def.ID, models.JobStatusSucceeded, "", "tiles written"))
	require.NoError(t, s.UpdateProductStatus(ctx, ndvi.ID, models.JobStatusRunning, "", ""))
	require.NoError(t, s.UpdateProductStatus(ctx, ndvi.ID, models.JobStatusFailed, "exit 2", "stderr text"))

	all, err := s.ListProducts(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "tiles written", all[0].LastLog)
	assert.Empty(t, all[0].LastError)
	assert.Equal(t, "exit 2", all[1].LastError)

	counts, err = s.GetProductStatusCounts(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCounts{Total: 3, Succeeded: 2, Failed: 1}, counts)

	assert.ErrorIs(t, s.UpdateProductStatus(ctx, 99999, models.JobStatusFailed, "", ""), ErrProductNotFound)
}

func testLayers(t *testing.T, s Store) {
	ctx := context.Background()

	job := newJob(0, nil, models.JobStatusQueued)
	require.NoError(t, s.CreateJob(ctx, job))
	p, err := s.InsertDefaultProduct(ctx, job.ID)
	require.NoError(t, err)

	_, err = s.GetLayer(ctx, p.ID)
	assert.ErrorIs(t, err, ErrLayerNotFound)

	layer := &models.AvailableLayer{
		JobID:          job.ID,
		JobProductID:   p.ID,
		ProductCode:    "RGB",
		DateKey:        "2025-05",
		DateFrom:       time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
		DateTo:         time.Date(2025, 5, 31, 0, 0, 0, 0, time.UTC),
		Bbox:           models.Bbox{MinLon: -103.8, MinLat: 50.5, MaxLon: -102.9, MaxLat: 51.0},
		OutputRootPath: "/tiles",
		ProductSubPath: "rgb",
		OutputDir:      "/tiles/rgb/2025-05",
	}
	require.NoError(t, s.UpsertLayer(ctx, layer))

	layer.OutputRootPath = "/tiles2"
	layer.OutputDir = "/tiles2/rgb/2025-05"
	require.NoError(t, s.UpsertLayer(ctx, layer))

	got, err := s.GetLayer(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "/tiles2/rgb/2025-05", got.OutputDir)
	assert.Equal(t, "2025-05", got.DateKey)
	assert.Equal(t, layer.Bbox, got.Bbox)
	assert.True(t, layer.DateTo.Equal(got.DateTo))
}

func testConcurrentClaim(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, newJob(0, nil, models.JobStatusQueued)))

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed []int64
		errs    []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := s.ClaimNextJob(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if job != nil {
				claimed = append(claimed, job.ID)
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, errs)
	assert.Len(t, claimed, 1)
}
