package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/sentinel-grab/pkg/bands"
	"github.com/psantana5/sentinel-grab/pkg/catalog"
	"github.com/psantana5/sentinel-grab/pkg/geo"
	"github.com/psantana5/sentinel-grab/pkg/hardware"
	"github.com/psantana5/sentinel-grab/pkg/models"
	"github.com/psantana5/sentinel-grab/pkg/render"
	"github.com/psantana5/sentinel-grab/pkg/tracing"
)

// ErrNoScenes is returned when the catalog has nothing for the job's window
var ErrNoScenes = errors.New("no scenes found")

// plan is the resolved view of a claimed job
type plan struct {
	job      *models.Job
	dates    models.DateRange
	bbox     models.Bbox
	products []*models.JobProduct
	bands    []string
}

func (p *Processor) runJob(ctx context.Context, job *models.Job) (models.StatusCounts, error) {
	log := p.logger.WithField("job_id", job.ID)

	pl, err := p.resolve(ctx, job)
	if err != nil {
		return models.StatusCounts{}, err
	}
	log.Info(fmt.Sprintf("Resolved job %d: bbox=%s dates=%s products=%d bands=%s",
		job.ID, pl.bbox, pl.dates.Interval(), len(pl.products), strings.Join(pl.bands, ",")))

	inputDir, err := p.fetch(ctx, pl)
	if err != nil {
		return models.StatusCounts{}, err
	}

	if err := p.renderAll(ctx, pl, inputDir); err != nil {
		return models.StatusCounts{}, err
	}

	ctx, span := p.tracer.StartSpan(ctx, "job.aggregate", attribute.Int64("job.id", job.ID))
	counts, err := p.store.GetProductStatusCounts(ctx, job.ID)
	tracing.EndSpan(span, err)
	if err != nil {
		return counts, fmt.Errorf("failed to count products: %w", err)
	}
	return counts, nil
}

func (p *Processor) resolve(ctx context.Context, job *models.Job) (pl *plan, err error) {
	ctx, span := p.tracer.StartSpan(ctx, "job.resolve", attribute.Int64("job.id", job.ID))
	defer func() { tracing.EndSpan(span, err) }()

	dates, err := geo.ResolveDateRange(job)
	if err != nil {
		return nil, err
	}
	bbox, err := geo.ResolveBbox(job)
	if err != nil {
		return nil, err
	}

	products, err := p.store.GetPendingProducts(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load products: %w", err)
	}
	if len(products) == 0 {
		product, err := p.store.InsertDefaultProduct(ctx, job.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to insert default product: %w", err)
		}
		p.logger.Info(fmt.Sprintf("Job %d has no pending products, queued default %s", job.ID, product.ProductCode))
		products = []*models.JobProduct{product}
	}

	codes := make([]string, 0, len(products))
	for _, product := range products {
		codes = append(codes, product.ProductCode)
	}

	return &plan{
		job:      job,
		dates:    dates,
		bbox:     bbox,
		products: products,
		bands:    bands.ComputeRequiredWithSCL(codes).Sorted(),
	}, nil
}

// fetch selects scenes and materializes them under the job directory.
// It returns the directory the render scripts read from.
func (p *Processor) fetch(ctx context.Context, pl *plan) (inputDir string, err error) {
	job := pl.job
	ctx, span := p.tracer.StartSpan(ctx, "job.fetch", attribute.Int64("job.id", job.ID))
	defer func() { tracing.EndSpan(span, err) }()

	if err := hardware.CheckFreeSpace(p.settings.WorkRoot, p.settings.MinFreeGB); err != nil {
		return "", err
	}

	selection, err := p.selectScenes(ctx, pl)
	if err != nil {
		return "", err
	}

	jobDir := JobDir(p.settings.WorkRoot, job.ID)
	for i := range selection.Items {
		item := &selection.Items[i]
		dir := SceneDir(jobDir, item.ID, selection.Mosaic)

		p.logger.Info(fmt.Sprintf("Scene %d/%d: %s cloud=%s", i+1, len(selection.Items), item.ID, formatCloud(item.CloudCover)),
			map[string]interface{}{"job_id": job.ID, "scene_id": item.ID})

		if err := writeItemDocument(dir, item); err != nil {
			return "", err
		}
		if _, err := p.fetcher.DownloadBands(ctx, p.catalog, item, pl.bands, dir); err != nil {
			return "", fmt.Errorf("failed to download scene %s: %w", item.ID, err)
		}
	}

	return InputDir(jobDir, selection.Mosaic), nil
}

func (p *Processor) selectScenes(ctx context.Context, pl *plan) (catalog.Selection, error) {
	job := pl.job
	if job.SceneID != "" {
		item, err := p.catalog.GetByID(ctx, job.SceneID)
		if err != nil {
			return catalog.Selection{}, fmt.Errorf("failed to fetch scene %s: %w", job.SceneID, err)
		}
		if item == nil {
			return catalog.Selection{}, fmt.Errorf("scene %s: %w", job.SceneID, ErrNoScenes)
		}
		return catalog.Selection{Items: []catalog.Item{*item}}, nil
	}

	cloud := orDefault(job.CloudCoverMax, p.settings.DefaultCloudCoverMax)
	items, err := p.catalog.Search(ctx, pl.bbox, pl.dates.From, pl.dates.To, cloud, p.settings.SearchLimit)
	if err != nil {
		return catalog.Selection{}, fmt.Errorf("catalog search failed: %w", err)
	}
	if len(items) == 0 {
		return catalog.Selection{}, fmt.Errorf("%w for %s over %s (cloud <= %d)", ErrNoScenes, pl.dates.Interval(), pl.bbox, cloud)
	}
	return catalog.SelectScenes(items, job.PreferMosaic, job.MaxScenes), nil
}

// renderAll runs every pending product. Script failures only fail the product;
// store errors abort the job.
func (p *Processor) renderAll(ctx context.Context, pl *plan, inputDir string) error {
	for _, product := range pl.products {
		if err := p.renderProduct(ctx, pl, product, inputDir); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) renderProduct(ctx context.Context, pl *plan, product *models.JobProduct, inputDir string) (err error) {
	job := pl.job
	log := p.logger.WithFields(map[string]interface{}{"job_id": job.ID, "product": product.ProductCode})

	ctx, span := p.tracer.StartSpan(ctx, "job.render",
		attribute.Int64("job.id", job.ID), attribute.String("product.code", product.ProductCode))
	defer func() { tracing.EndSpan(span, err) }()

	if err := p.store.UpdateProductStatus(ctx, product.ID, models.JobStatusRunning, "", ""); err != nil {
		return fmt.Errorf("failed to mark product %d running: %w", product.ID, err)
	}

	family := bands.FamilyOf(product.ProductCode)
	script := p.scriptFor(family)
	if script == "" {
		msg := fmt.Sprintf("unknown product code %q", product.ProductCode)
		log.Warn(msg)
		p.metrics.ProductRendered(product.ProductCode, string(models.JobStatusFailed), 0)
		return p.failProduct(ctx, product, msg, "")
	}

	outputRoot := job.OutputRootPath
	if outputRoot == "" {
		outputRoot = p.settings.OutputRoot
	}
	subPath := product.OutputSubPath
	if subPath == "" {
		subPath = strings.ToLower(product.ProductCode)
	}

	req := render.Request{
		JobID:          job.ID,
		DateKey:        pl.dates.Key,
		InputDir:       inputDir,
		OutputRootPath: outputRoot,
		ProductSubPath: subPath,
		ZoomMin:        orDefault(job.ZoomMin, p.settings.DefaultZoomMin),
		ZoomMax:        orDefault(job.ZoomMax, p.settings.DefaultZoomMax),
		ToolRoot:       p.settings.ToolRoot,
		Processes:      p.processes,
		ProductCode:    product.ProductCode,
		Family:         family,
		ScaleMaxRGB:    p.settings.ScaleMaxRGB,
	}
	req.IndexMin, req.IndexMax = p.settings.indexRange(product.ProductCode)

	log.Info(fmt.Sprintf("Rendering %s for job %d", product.ProductCode, job.ID))
	res, runErr := p.runner.Run(ctx, script, req.Params())

	if runErr != nil {
		p.metrics.ProductRendered(product.ProductCode, string(models.JobStatusFailed), 0)
		log.Error(fmt.Sprintf("Render %s failed to start: %v", product.ProductCode, runErr))
		return p.failProduct(ctx, product, runErr.Error(), "")
	}

	captured := p.formatLog(res)
	if !res.Success() {
		p.metrics.ProductRendered(product.ProductCode, string(models.JobStatusFailed), res.Duration)
		log.Error(fmt.Sprintf("Render %s exited with code %d after %s",
			product.ProductCode, res.ExitCode, res.Duration.Round(time.Millisecond)))
		return p.failProduct(ctx, product, fmt.Sprintf("render script exited with code %d", res.ExitCode), captured)
	}

	if err := p.store.UpdateProductStatus(ctx, product.ID, models.JobStatusSucceeded, "", captured); err != nil {
		return fmt.Errorf("failed to mark product %d succeeded: %w", product.ID, err)
	}

	layer := &models.AvailableLayer{
		JobID:          job.ID,
		JobProductID:   product.ID,
		ProductCode:    product.ProductCode,
		DateKey:        pl.dates.Key,
		DateFrom:       pl.dates.From,
		DateTo:         pl.dates.To,
		Bbox:           pl.bbox,
		OutputRootPath: outputRoot,
		ProductSubPath: subPath,
		OutputDir:      OutputDir(outputRoot, subPath, pl.dates.Key),
	}
	if err := p.store.UpsertLayer(ctx, layer); err != nil {
		return fmt.Errorf("failed to register layer for product %d: %w", product.ID, err)
	}

	p.metrics.ProductRendered(product.ProductCode, string(models.JobStatusSucceeded), res.Duration)
	log.Info(fmt.Sprintf("Rendered %s in %s -> %s", product.ProductCode, res.Duration.Round(time.Millisecond), layer.OutputDir))
	return nil
}

func (p *Processor) failProduct(ctx context.Context, product *models.JobProduct, lastError, lastLog string) error {
	if err := p.store.UpdateProductStatus(ctx, product.ID, models.JobStatusFailed, lastError, lastLog); err != nil {
		return fmt.Errorf("failed to mark product %d failed: %w", product.ID, err)
	}
	return nil
}

func (p *Processor) scriptFor(family bands.Family) string {
	switch family {
	case bands.FamilyRGB:
		return p.settings.RGBScript
	case bands.FamilyIndex:
		return p.settings.IndexScript
	default:
		return ""
	}
}

// formatLog joins the captured streams, each truncated to MaxLogChars
func (p *Processor) formatLog(res *render.Result) string {
	var b strings.Builder
	b.WriteString("STDOUT:\n")
	b.WriteString(render.Truncate(res.Stdout, p.settings.MaxLogChars))
	if res.Stderr != "" {
		b.WriteString("\nSTDERR:\n")
		b.WriteString(render.Truncate(res.Stderr, p.settings.MaxLogChars))
	}
	return b.String()
}

func formatCloud(cc *float64) string {
	if cc == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.1f%%", *cc)
}
