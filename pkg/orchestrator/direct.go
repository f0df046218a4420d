package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/psantana5/sentinel-grab/pkg/bands"
	"github.com/psantana5/sentinel-grab/pkg/catalog"
	"github.com/psantana5/sentinel-grab/pkg/fetch"
	"github.com/psantana5/sentinel-grab/pkg/geo"
	"github.com/psantana5/sentinel-grab/pkg/hardware"
	"github.com/psantana5/sentinel-grab/pkg/logging"
	"github.com/psantana5/sentinel-grab/pkg/models"
)

const directDir = "direct"

// DirectRequest is a one-shot download outside the job queue
type DirectRequest struct {
	Bbox          models.Bbox
	Year          int
	Month         int
	CloudCoverMax int
	Products      []string
}

// DirectResult describes what a direct run downloaded
type DirectResult struct {
	SceneID    string
	CloudCover *float64
	Dir        string
	Files      []*fetch.Result
	// NoScenes is set when the catalog returned nothing; this is not an error
	NoScenes bool
}

// Downloader runs direct mode: search one month, take the clearest scene
// and download its bands to <workRoot>/direct/<dateKey>/
type Downloader struct {
	catalog     catalog.Catalog
	fetcher     *fetch.Fetcher
	workRoot    string
	searchLimit int
	minFreeGB   float64
	logger      *logging.Logger
}

// NewDownloader creates a direct-mode downloader
func NewDownloader(cat catalog.Catalog, fetcher *fetch.Fetcher, settings Settings, logger *logging.Logger) *Downloader {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Downloader{
		catalog:     cat,
		fetcher:     fetcher,
		workRoot:    settings.WorkRoot,
		searchLimit: settings.SearchLimit,
		minFreeGB:   settings.MinFreeGB,
		logger:      logger,
	}
}

// Run executes one direct download
func (d *Downloader) Run(ctx context.Context, req DirectRequest) (*DirectResult, error) {
	start := time.Now()

	dates, err := geo.MonthRange(req.Year, req.Month)
	if err != nil {
		return nil, err
	}
	if err := hardware.CheckFreeSpace(d.workRoot, d.minFreeGB); err != nil {
		return nil, err
	}

	products := req.Products
	if len(products) == 0 {
		products = []string{models.DefaultProductCode}
	}
	required := bands.ComputeRequiredWithSCL(products).Sorted()

	items, err := d.catalog.Search(ctx, req.Bbox, dates.From, dates.To, req.CloudCoverMax, d.searchLimit)
	if err != nil {
		return nil, fmt.Errorf("catalog search failed: %w", err)
	}
	if len(items) == 0 {
		d.logger.Info(fmt.Sprintf("No scenes found for %s over %s", dates.Interval(), req.Bbox))
		return &DirectResult{NoScenes: true}, nil
	}

	best := catalog.SelectScenes(items, false, nil).Items[0]
	d.logger.Info(fmt.Sprintf("Best scene: %s  cloud=%s", best.ID, formatCloud(best.CloudCover)))

	dir := filepath.Join(d.workRoot, directDir, dates.Key)
	if err := writeItemDocument(dir, &best); err != nil {
		return nil, err
	}

	files, err := d.fetcher.DownloadBands(ctx, d.catalog, &best, required, dir)
	if err != nil {
		return nil, err
	}

	d.logger.Info(fmt.Sprintf("Done. %d files in %s (%s)", len(files), dir, time.Since(start).Round(time.Second)))
	return &DirectResult{
		SceneID:    best.ID,
		CloudCover: best.CloudCover,
		Dir:        dir,
		Files:      files,
	}, nil
}
