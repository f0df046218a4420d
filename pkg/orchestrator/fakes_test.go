package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/psantana5/sentinel-grab/pkg/catalog"
	"github.com/psantana5/sentinel-grab/pkg/fetch"
	"github.com/psantana5/sentinel-grab/pkg/models"
	"github.com/psantana5/sentinel-grab/pkg/render"
	"github.com/psantana5/sentinel-grab/pkg/store"
)

func intp(v int) *int           { return &v }
func floatp(v float64) *float64 { return &v }

var allBands = []string{"B02", "B03", "B04", "B05", "B08", "B8A", "B11", "SCL"}

// bandServer serves every path as a small file and records the hits.
// Paths listed in failing answer 500.
type bandServer struct {
	*httptest.Server
	mu      sync.Mutex
	hits    []string
	failing map[string]bool
}

func newBandServer(t *testing.T) *bandServer {
	bs := &bandServer{failing: map[string]bool{}}
	bs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bs.mu.Lock()
		bs.hits = append(bs.hits, r.URL.Path)
		fail := bs.failing[r.URL.Path]
		bs.mu.Unlock()
		if fail {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Write([]byte("tif:" + r.URL.Path))
	}))
	t.Cleanup(bs.Close)
	return bs
}

func (bs *bandServer) Hits() []string {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return append([]string(nil), bs.hits...)
}

func (bs *bandServer) item(id string, cloud *float64) catalog.Item {
	assets := map[string]string{}
	for _, b := range allBands {
		assets[b] = bs.URL + "/" + url.PathEscape(id) + "/" + b + ".tif"
	}
	return catalog.Item{
		ID:         id,
		CloudCover: cloud,
		Assets:     assets,
		Raw:        []byte(`{"id":"` + id + `"}`),
	}
}

type searchCall struct {
	bbox     models.Bbox
	from, to time.Time
	cloud    int
	limit    int
}

type fakeCatalog struct {
	items     []catalog.Item
	byID      map[string]*catalog.Item
	searchErr error

	searches []searchCall
	lookups  []string
	signed   []string
}

func (c *fakeCatalog) Search(ctx context.Context, bbox models.Bbox, from, to time.Time, cloudCoverMax, limit int) ([]catalog.Item, error) {
	c.searches = append(c.searches, searchCall{bbox, from, to, cloudCoverMax, limit})
	return c.items, c.searchErr
}

func (c *fakeCatalog) GetByID(ctx context.Context, id string) (*catalog.Item, error) {
	c.lookups = append(c.lookups, id)
	return c.byID[id], nil
}

func (c *fakeCatalog) SignAssetReference(ctx context.Context, href string) (string, error) {
	c.signed = append(c.signed, href)
	return href + "?sig=token", nil
}

type runCall struct {
	script string
	params render.Params
}

// fakeRunner answers per product code; unknown codes exit 0
type fakeRunner struct {
	results map[string]*render.Result
	errs    map[string]error
	panicOn string
	calls   []runCall
}

func (r *fakeRunner) Run(ctx context.Context, scriptPath string, params render.Params) (*render.Result, error) {
	r.calls = append(r.calls, runCall{scriptPath, params})
	code, _ := params.Get("ProductCode")
	if code == r.panicOn {
		panic("renderer exploded")
	}
	if err := r.errs[code]; err != nil {
		return nil, err
	}
	if res, ok := r.results[code]; ok {
		return res, nil
	}
	return &render.Result{ExitCode: 0, Stdout: "tiles written", Duration: 1500 * time.Millisecond}, nil
}

var errStoreDown = errors.New("connection reset by peer")

// flakyStore fails selected operations
type flakyStore struct {
	*store.MemoryStore
	failPending    bool
	failMarkFailed bool
}

func (s *flakyStore) GetPendingProducts(ctx context.Context, jobID int64) ([]*models.JobProduct, error) {
	if s.failPending {
		return nil, errStoreDown
	}
	return s.MemoryStore.GetPendingProducts(ctx, jobID)
}

func (s *flakyStore) MarkJobFailed(ctx context.Context, jobID int64) error {
	if s.failMarkFailed {
		return errStoreDown
	}
	return s.MemoryStore.MarkJobFailed(ctx, jobID)
}

type harness struct {
	store    *store.MemoryStore
	catalog  *fakeCatalog
	runner   *fakeRunner
	server   *bandServer
	waits    []time.Duration
	workDir  string
	outDir   string
	settings Settings
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ms := store.NewMemoryStore()
	ms.StrictTransitions = true
	h := &harness{
		store:   ms,
		catalog: &fakeCatalog{},
		runner:  &fakeRunner{},
		server:  newBandServer(t),
		workDir: t.TempDir(),
		outDir:  t.TempDir(),
	}
	h.settings = Settings{
		WorkRoot:             h.workDir,
		OutputRoot:           h.outDir,
		ToolRoot:             "/opt/osgeo",
		RGBScript:            "scripts/render-rgb.ps1",
		IndexScript:          "scripts/render-index.ps1",
		ScaleMaxRGB:          4000,
		IndexMin:             -0.2,
		IndexMax:             0.9,
		Processes:            2,
		MaxLogChars:          64,
		SearchLimit:          100,
		DefaultCloudCoverMax: 80,
		DefaultZoomMin:       8,
		DefaultZoomMax:       14,
	}
	return h
}

func (h *harness) fetcher() *fetch.Fetcher {
	f := fetch.NewFetcher(h.server.Client(), nil, nil)
	f.Retry.Sleep = func(ctx context.Context, d time.Duration) error {
		h.waits = append(h.waits, d)
		return nil
	}
	return f
}

func (h *harness) processor(st store.JobStore) *Processor {
	if st == nil {
		st = h.store
	}
	return New(st, h.catalog, h.fetcher(), h.runner, h.settings)
}

func (h *harness) addJob(t *testing.T, job *models.Job, codes ...string) (*models.Job, []*models.JobProduct) {
	t.Helper()
	ctx := context.Background()
	if err := h.store.CreateJob(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	var products []*models.JobProduct
	for _, code := range codes {
		p := &models.JobProduct{JobID: job.ID, ProductCode: code, OutputSubPath: strings.ToLower(code)}
		if err := h.store.CreateProduct(ctx, p); err != nil {
			t.Fatalf("create product: %v", err)
		}
		products = append(products, p)
	}
	return job, products
}

func sceneJob() *models.Job {
	return &models.Job{
		BboxStr:       "-103.8,50.5,-102.9,51.0",
		DateKey:       "2025-05",
		CloudCoverMax: intp(80),
	}
}
