// Package orchestrator drives a claimed job from resolution through rendering
// to its terminal status.
package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/sentinel-grab/pkg/catalog"
	"github.com/psantana5/sentinel-grab/pkg/fetch"
	"github.com/psantana5/sentinel-grab/pkg/hardware"
	"github.com/psantana5/sentinel-grab/pkg/logging"
	"github.com/psantana5/sentinel-grab/pkg/metrics"
	"github.com/psantana5/sentinel-grab/pkg/models"
	"github.com/psantana5/sentinel-grab/pkg/render"
	"github.com/psantana5/sentinel-grab/pkg/store"
	"github.com/psantana5/sentinel-grab/pkg/tracing"
)

// Outcome is how one ProcessNext call ended
type Outcome string

const (
	OutcomeNoJob     Outcome = "no_job"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// Result reports a processed job
type Result struct {
	JobID    int64
	Outcome  Outcome
	Counts   models.StatusCounts
	Err      error // why the job failed outside of rendering, if it did
	Duration time.Duration
}

// Processor claims and runs jobs one at a time
type Processor struct {
	store    store.JobStore
	catalog  catalog.Catalog
	fetcher  *fetch.Fetcher
	runner   render.Runner
	settings Settings

	processes int
	logger    *logging.Logger
	metrics   *metrics.Recorder
	tracer    *tracing.Provider
}

// Option configures a Processor
type Option func(*Processor)

func WithLogger(l *logging.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

func WithMetrics(r *metrics.Recorder) Option {
	return func(p *Processor) { p.metrics = r }
}

func WithTracer(t *tracing.Provider) Option {
	return func(p *Processor) { p.tracer = t }
}

// New creates a processor
func New(st store.JobStore, cat catalog.Catalog, fetcher *fetch.Fetcher, runner render.Runner, settings Settings, opts ...Option) *Processor {
	p := &Processor{
		store:    st,
		catalog:  cat,
		fetcher:  fetcher,
		runner:   runner,
		settings: settings,
		logger:   logging.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.processes = hardware.ResolveProcesses(settings.Processes)
	return p
}

// ProcessNext claims one job and runs it to a terminal status.
// It returns an error only when the claim or the terminal status write fails;
// job failures are reported through Result.
func (p *Processor) ProcessNext(ctx context.Context) (*Result, error) {
	job, err := p.store.ClaimNextJob(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	if job == nil {
		p.logger.Info("No queued jobs available")
		return &Result{Outcome: OutcomeNoJob}, nil
	}

	p.metrics.JobClaimed()
	// a started job runs to completion even if the caller is shutting down
	return p.processClaimed(context.WithoutCancel(ctx), job)
}

// processClaimed is the single guard around a claimed job. It writes the
// terminal status exactly once, whatever happened inside.
func (p *Processor) processClaimed(ctx context.Context, job *models.Job) (*Result, error) {
	start := time.Now()
	log := p.logger.WithField("job_id", job.ID)
	log.Info(fmt.Sprintf("Claimed job %d (priority %d)", job.ID, job.EffectivePriority()))

	ctx, span := p.tracer.StartSpan(ctx, "job.process", attribute.Int64("job.id", job.ID))

	res := &Result{JobID: job.ID}
	counts, jobErr := p.runGuarded(ctx, job)
	res.Counts = counts

	verdict := models.JobStatusFailed
	if jobErr == nil {
		verdict = counts.Verdict()
	}

	var writeErr error
	if verdict == models.JobStatusSucceeded {
		writeErr = p.store.MarkJobSucceeded(ctx, job.ID)
		res.Outcome = OutcomeSucceeded
	} else {
		writeErr = p.store.MarkJobFailed(ctx, job.ID)
		res.Outcome = OutcomeFailed
	}
	res.Err = jobErr
	res.Duration = time.Since(start)
	p.metrics.JobFinished(string(verdict), res.Duration)

	fields := map[string]interface{}{
		"total":     counts.Total,
		"succeeded": counts.Succeeded,
		"failed":    counts.Failed,
		"duration":  res.Duration.Round(time.Millisecond).String(),
	}
	if jobErr != nil {
		fields["error"] = jobErr
		if models.IsConfigError(jobErr) {
			// the job input itself is unusable; reclaiming it fails the same way
			fields["reason"] = "configuration"
		}
		log.Error(fmt.Sprintf("Job %d failed: %v", job.ID, jobErr), fields)
	} else {
		log.Info(fmt.Sprintf("Job %d finished: %s (%d/%d products succeeded)",
			job.ID, verdict, counts.Succeeded, counts.Total), fields)
	}

	if jobErr == nil && verdict != models.JobStatusSucceeded {
		jobErr = fmt.Errorf("%d of %d products failed", counts.Total-counts.Succeeded, counts.Total)
	}
	tracing.EndSpan(span, jobErr)

	if writeErr != nil {
		return res, fmt.Errorf("failed to mark job %d %s: %w", job.ID, verdict, writeErr)
	}
	return res, nil
}

// runGuarded turns a panic in the pipeline into a job error
func (p *Processor) runGuarded(ctx context.Context, job *models.Job) (counts models.StatusCounts, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error(fmt.Sprintf("panic while processing job %d: %v\n%s", job.ID, r, debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.runJob(ctx, job)
}
