package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/sentinel-grab/pkg/catalog"
	"github.com/psantana5/sentinel-grab/pkg/config"
	"github.com/psantana5/sentinel-grab/pkg/fetch"
	"github.com/psantana5/sentinel-grab/pkg/logging"
	"github.com/psantana5/sentinel-grab/pkg/models"
	"github.com/psantana5/sentinel-grab/pkg/render"
	"github.com/psantana5/sentinel-grab/pkg/store"
)

func productByCode(t *testing.T, s store.Store, jobID int64, code string) *models.JobProduct {
	t.Helper()
	products, err := s.ListProducts(context.Background(), jobID)
	require.NoError(t, err)
	for _, p := range products {
		if p.ProductCode == code {
			return p
		}
	}
	t.Fatalf("product %s not found for job %d", code, jobID)
	return nil
}

func jobStatus(t *testing.T, s store.Store, jobID int64) models.JobStatus {
	t.Helper()
	job, err := s.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	return job.Status
}

func listFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func TestProcessNextNoJob(t *testing.T) {
	h := newHarness(t)

	res, err := h.processor(nil).ProcessNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoJob, res.Outcome)
	assert.Empty(t, h.catalog.searches)
	assert.Empty(t, h.runner.calls)
}

func TestProcessNextRGBScenario(t *testing.T) {
	h := newHarness(t)
	h.catalog.items = []catalog.Item{
		h.server.item("S2B_cloudy", floatp(42.5)),
		h.server.item("S2A_clear", floatp(3.1)),
		h.server.item("S2C_unknown", nil),
	}
	job, products := h.addJob(t, sceneJob(), "RGB")

	res, err := h.processor(nil).ProcessNext(context.Background())
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeSucceeded, res.Outcome)
	assert.Equal(t, job.ID, res.JobID)
	assert.Equal(t, models.StatusCounts{Total: 1, Succeeded: 1}, res.Counts)

	// search was issued for the resolved window
	require.Len(t, h.catalog.searches, 1)
	search := h.catalog.searches[0]
	assert.Equal(t, models.Bbox{MinLon: -103.8, MinLat: 50.5, MaxLon: -102.9, MaxLat: 51.0}, search.bbox)
	assert.Equal(t, time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC), search.from)
	assert.Equal(t, time.Date(2025, 5, 31, 0, 0, 0, 0, time.UTC), search.to)
	assert.Equal(t, 80, search.cloud)
	assert.Equal(t, 100, search.limit)

	// the clearest scene's four bands landed in single/
	assert.ElementsMatch(t, []string{
		"/S2A_clear/B02.tif", "/S2A_clear/B03.tif", "/S2A_clear/B04.tif", "/S2A_clear/SCL.tif",
	}, h.server.Hits())
	sceneDir := filepath.Join(h.workDir, "1", "single")
	assert.Equal(t, []string{"B02.tif", "B03.tif", "B04.tif", "SCL.tif", "item.json"}, listFiles(t, sceneDir))
	doc, err := os.ReadFile(filepath.Join(sceneDir, "item.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"S2A_clear"}`, string(doc))
	assert.Empty(t, h.waits)

	// one render with the deterministic parameter set
	require.Len(t, h.runner.calls, 1)
	call := h.runner.calls[0]
	assert.Equal(t, "scripts/render-rgb.ps1", call.script)
	assert.Equal(t, render.Params{
		{Key: "JobId", Value: "1"},
		{Key: "DateKey", Value: "2025-05"},
		{Key: "InputDir", Value: sceneDir},
		{Key: "OutputRootPath", Value: h.outDir},
		{Key: "ProductSubPath", Value: "rgb"},
		{Key: "ZoomMin", Value: "8"},
		{Key: "ZoomMax", Value: "14"},
		{Key: "ToolRoot", Value: "/opt/osgeo"},
		{Key: "Processes", Value: "2"},
		{Key: "ProductCode", Value: "RGB"},
		{Key: "ScaleMaxRGB", Value: "4000"},
	}, call.params)

	// one layer, product and job terminal
	layer, err := h.store.GetLayer(context.Background(), products[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "RGB", layer.ProductCode)
	assert.Equal(t, "2025-05", layer.DateKey)
	assert.Equal(t, filepath.Join(h.outDir, "rgb", "2025-05"), layer.OutputDir)
	assert.Equal(t, search.bbox, layer.Bbox)

	p := productByCode(t, h.store, job.ID, "RGB")
	assert.Equal(t, models.JobStatusSucceeded, p.Status)
	assert.Contains(t, p.LastLog, "tiles written")
	assert.Equal(t, models.JobStatusSucceeded, jobStatus(t, h.store, job.ID))
}

func TestProcessNextInsertsDefaultProduct(t *testing.T) {
	h := newHarness(t)
	h.catalog.items = []catalog.Item{h.server.item("S2A", floatp(1))}
	job, _ := h.addJob(t, sceneJob())

	res, err := h.processor(nil).ProcessNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, res.Outcome)

	p := productByCode(t, h.store, job.ID, "RGB")
	assert.Equal(t, "rgb", p.OutputSubPath)
	assert.Equal(t, models.JobStatusSucceeded, p.Status)
}

func TestProcessNextPartialRenderFailure(t *testing.T) {
	h := newHarness(t)
	h.catalog.items = []catalog.Item{h.server.item("S2A", floatp(1))}
	h.runner.results = map[string]*render.Result{
		"NDVI": {ExitCode: 1, Stdout: "gdal_calc starting", Stderr: "ERROR 4: B08.tif: No such file"},
	}
	job, products := h.addJob(t, sceneJob(), "RGB", "NDVI")

	res, err := h.processor(nil).ProcessNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.NoError(t, res.Err, "render failures are per product")
	assert.Equal(t, models.StatusCounts{Total: 2, Succeeded: 1, Failed: 1}, res.Counts)

	assert.Len(t, h.server.Hits(), 5, "B02 B03 B04 B08 SCL")
	require.Len(t, h.runner.calls, 2)
	ndvi := h.runner.calls[1]
	assert.Equal(t, "scripts/render-index.ps1", ndvi.script)
	min, _ := ndvi.params.Get("IndexMin")
	max, _ := ndvi.params.Get("IndexMax")
	assert.Equal(t, "-0.2", min)
	assert.Equal(t, "0.9", max)
	_, hasScale := ndvi.params.Get("ScaleMaxRGB")
	assert.False(t, hasScale)

	// already succeeded products stay succeeded
	assert.Equal(t, models.JobStatusSucceeded, productByCode(t, h.store, job.ID, "RGB").Status)
	failed := productByCode(t, h.store, job.ID, "NDVI")
	assert.Equal(t, models.JobStatusFailed, failed.Status)
	assert.Equal(t, "render script exited with code 1", failed.LastError)
	assert.Contains(t, failed.LastLog, "No such file")

	_, err = h.store.GetLayer(context.Background(), products[1].ID)
	assert.ErrorIs(t, err, store.ErrLayerNotFound)
	assert.Equal(t, models.JobStatusFailed, jobStatus(t, h.store, job.ID))
}

func TestProcessNextTruncatesCapturedOutput(t *testing.T) {
	h := newHarness(t)
	h.settings.MaxLogChars = 10
	h.catalog.items = []catalog.Item{h.server.item("S2A", floatp(1))}
	h.runner.results = map[string]*render.Result{
		"RGB": {ExitCode: 2, Stdout: "0123456789abcdef", Stderr: "fedcba9876543210"},
	}
	job, _ := h.addJob(t, sceneJob(), "RGB")

	_, err := h.processor(nil).ProcessNext(context.Background())
	require.NoError(t, err)

	p := productByCode(t, h.store, job.ID, "RGB")
	assert.Contains(t, p.LastLog, "0123456789")
	assert.NotContains(t, p.LastLog, "abcdef")
	assert.Contains(t, p.LastLog, "fedcba9876")
	assert.NotContains(t, p.LastLog, "543210")
}

func TestProcessNextRunnerError(t *testing.T) {
	h := newHarness(t)
	h.catalog.items = []catalog.Item{h.server.item("S2A", floatp(1))}
	startErr := errors.New(`exec: "pwsh": executable file not found in $PATH`)
	h.runner.errs = map[string]error{"RGB": startErr}
	job, _ := h.addJob(t, sceneJob(), "RGB")

	res, err := h.processor(nil).ProcessNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)

	p := productByCode(t, h.store, job.ID, "RGB")
	assert.Equal(t, models.JobStatusFailed, p.Status)
	assert.Equal(t, startErr.Error(), p.LastError)
}

func TestProcessNextUnknownProduct(t *testing.T) {
	h := newHarness(t)
	h.catalog.items = []catalog.Item{h.server.item("S2A", floatp(1))}
	job, _ := h.addJob(t, sceneJob(), "XYZ")

	res, err := h.processor(nil).ProcessNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Empty(t, h.runner.calls)

	p := productByCode(t, h.store, job.ID, "XYZ")
	assert.Equal(t, models.JobStatusFailed, p.Status)
	assert.Contains(t, p.LastError, "unknown product code")
	// only SCL is required
	assert.Equal(t, []string{"/S2A/SCL.tif"}, h.server.Hits())
}

func TestProcessNextIndexRangeOverride(t *testing.T) {
	h := newHarness(t)
	h.settings.IndexRanges = map[string]config.Range{"ndmi": {Min: -0.5, Max: 0.5}}
	h.catalog.items = []catalog.Item{h.server.item("S2A", floatp(1))}
	h.addJob(t, sceneJob(), "NDMI")

	_, err := h.processor(nil).ProcessNext(context.Background())
	require.NoError(t, err)

	require.Len(t, h.runner.calls, 1)
	min, _ := h.runner.calls[0].params.Get("IndexMin")
	max, _ := h.runner.calls[0].params.Get("IndexMax")
	assert.Equal(t, "-0.5", min)
	assert.Equal(t, "0.5", max)
}

func TestProcessNextResolutionFailure(t *testing.T) {
	h := newHarness(t)
	job, _ := h.addJob(t, &models.Job{DateKey: "2025-05", BboxStr: "1,2,3"}, "RGB")

	var logs bytes.Buffer
	logger := logging.NewLogger(logging.INFO, true)
	logger.SetOutput(&logs)
	proc := New(h.store, h.catalog, h.fetcher(), h.runner, h.settings, WithLogger(logger))

	res, err := proc.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, models.ErrConfiguration)
	assert.Contains(t, logs.String(), `"reason":"configuration"`)
	assert.Empty(t, h.catalog.searches)
	assert.Equal(t, models.JobStatusFailed, jobStatus(t, h.store, job.ID))
	assert.Equal(t, models.JobStatusQueued, productByCode(t, h.store, job.ID, "RGB").Status)
}

func TestProcessNextNoScenes(t *testing.T) {
	h := newHarness(t)
	job, _ := h.addJob(t, sceneJob(), "RGB")

	res, err := h.processor(nil).ProcessNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrNoScenes)
	assert.Equal(t, models.JobStatusFailed, jobStatus(t, h.store, job.ID))
}

func TestProcessNextDownloadExhaustion(t *testing.T) {
	h := newHarness(t)
	h.catalog.items = []catalog.Item{h.server.item("S2A", floatp(1))}
	h.server.failing["/S2A/B03.tif"] = true
	job, _ := h.addJob(t, sceneJob(), "RGB")

	res, err := h.processor(nil).ProcessNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)

	var statusErr *fetch.HTTPStatusError
	require.ErrorAs(t, res.Err, &statusErr)
	assert.Equal(t, 500, statusErr.StatusCode)
	assert.Equal(t, []time.Duration{2 * time.Minute, 4 * time.Minute}, h.waits)
	assert.Empty(t, h.runner.calls)
	assert.NoFileExists(t, filepath.Join(h.workDir, "1", "single", "B03.tif"))
	assert.Equal(t, models.JobStatusFailed, jobStatus(t, h.store, job.ID))
}

func TestProcessNextMosaic(t *testing.T) {
	h := newHarness(t)
	h.catalog.items = []catalog.Item{
		h.server.item("S2A:tile/1", floatp(20)),
		h.server.item("S2B?tile*2", floatp(10)),
		h.server.item("S2C", floatp(50)),
	}
	job := sceneJob()
	job.PreferMosaic = true
	job.MaxScenes = intp(2)
	h.addJob(t, job, "RGB")

	res, err := h.processor(nil).ProcessNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, res.Outcome)

	jobDir := filepath.Join(h.workDir, "1")
	assert.Equal(t, []string{"S2A_tile_1", "S2B_tile_2"}, listFiles(t, jobDir))
	assert.FileExists(t, filepath.Join(jobDir, "S2B_tile_2", "B04.tif"))
	assert.Len(t, h.server.Hits(), 8)

	input, _ := h.runner.calls[0].params.Get("InputDir")
	assert.Equal(t, jobDir, input)
}

func TestProcessNextExplicitScene(t *testing.T) {
	h := newHarness(t)
	item := h.server.item("S2A_MSIL2A_20250514", floatp(60))
	h.catalog.byID = map[string]*catalog.Item{item.ID: &item}
	job := sceneJob()
	job.SceneID = item.ID
	job.PreferMosaic = true
	job.MaxScenes = intp(3)
	job.OutputRootPath = filepath.Join(h.outDir, "override")
	job.ZoomMin = intp(10)
	_, products := h.addJob(t, job, "RGB")

	res, err := h.processor(nil).ProcessNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, res.Outcome)

	assert.Empty(t, h.catalog.searches)
	assert.Equal(t, []string{item.ID}, h.catalog.lookups)
	assert.DirExists(t, filepath.Join(h.workDir, "1", "single"))

	params := h.runner.calls[0].params
	zoom, _ := params.Get("ZoomMin")
	assert.Equal(t, "10", zoom)
	layer, err := h.store.GetLayer(context.Background(), products[0].ID)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(h.outDir, "override", "rgb", "2025-05"), layer.OutputDir)
}

func TestProcessNextMissingExplicitScene(t *testing.T) {
	h := newHarness(t)
	job := sceneJob()
	job.SceneID = "gone"
	h.addJob(t, job, "RGB")

	res, err := h.processor(nil).ProcessNext(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, ErrNoScenes)
}

func TestProcessNextStoreErrorFailsJob(t *testing.T) {
	h := newHarness(t)
	job, _ := h.addJob(t, sceneJob(), "RGB")
	st := &flakyStore{MemoryStore: h.store, failPending: true}

	res, err := h.processor(st).ProcessNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, errStoreDown)
	assert.Equal(t, models.JobStatusFailed, jobStatus(t, h.store, job.ID))
}

func TestProcessNextTerminalWriteError(t *testing.T) {
	h := newHarness(t)
	h.addJob(t, sceneJob(), "RGB")
	st := &flakyStore{MemoryStore: h.store, failMarkFailed: true}

	res, err := h.processor(st).ProcessNext(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errStoreDown)
	require.NotNil(t, res)
	assert.Equal(t, OutcomeFailed, res.Outcome)
}

func TestProcessNextRecoversPanic(t *testing.T) {
	h := newHarness(t)
	h.catalog.items = []catalog.Item{h.server.item("S2A", floatp(1))}
	h.runner.panicOn = "RGB"
	job, _ := h.addJob(t, sceneJob(), "RGB")

	res, err := h.processor(nil).ProcessNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "renderer exploded")
	assert.Equal(t, models.JobStatusFailed, jobStatus(t, h.store, job.ID))
}

func TestProcessNextReclaimsFailedJob(t *testing.T) {
	h := newHarness(t)
	h.catalog.items = []catalog.Item{h.server.item("S2A", floatp(1))}
	h.runner.results = map[string]*render.Result{"RGB": {ExitCode: 1}}
	job, _ := h.addJob(t, sceneJob(), "RGB")
	p := h.processor(nil)

	res, err := p.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)

	// second attempt re-renders the failed product and reuses the downloads
	h.runner.results = nil
	res, err = p.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, res.Outcome)
	assert.Equal(t, job.ID, res.JobID)
	assert.Len(t, h.server.Hits(), 4)
	assert.Len(t, h.runner.calls, 2)
}

func TestProcessNextIgnoresCanceledCallerAfterClaim(t *testing.T) {
	h := newHarness(t)
	h.catalog.items = []catalog.Item{h.server.item("S2A", floatp(1))}
	h.addJob(t, sceneJob(), "RGB")

	ctx, cancel := context.WithCancel(context.Background())
	p := New(h.store, h.catalog, h.fetcher(), &cancelingRunner{fakeRunner: h.runner, cancel: cancel}, h.settings)

	res, err := p.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, res.Outcome)
}

// cancelingRunner cancels the caller context mid-render
type cancelingRunner struct {
	*fakeRunner
	cancel context.CancelFunc
}

func (r *cancelingRunner) Run(ctx context.Context, scriptPath string, params render.Params) (*render.Result, error) {
	r.cancel()
	if ctx.Err() != nil {
		return nil, errors.New("job context was canceled")
	}
	return r.fakeRunner.Run(ctx, scriptPath, params)
}
