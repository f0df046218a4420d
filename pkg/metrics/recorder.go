package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Namespace prefixes every metric exported by the worker
const Namespace = "sentinel_grab"

// Recorder holds the worker's Prometheus collectors.
// All methods are safe on a nil *Recorder.
type Recorder struct {
	registry *prometheus.Registry

	jobsClaimed     prometheus.Counter
	jobOutcomes     *prometheus.CounterVec
	productRenders  *prometheus.CounterVec
	bandDownloads   *prometheus.CounterVec
	downloadedBytes prometheus.Counter
	downloadRetries prometheus.Counter
	renderDuration  *prometheus.HistogramVec
	jobDuration     prometheus.Histogram
}

// NewRecorder creates a recorder backed by its own registry
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		jobsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "jobs_claimed_total",
			Help:      "Jobs claimed from the queue by this worker",
		}),
		jobOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "jobs_finished_total",
				Help:      "Jobs finished by terminal status",
			},
			[]string{"status"},
		),
		productRenders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "product_renders_total",
				Help:      "Product render attempts by product code and result",
			},
			[]string{"product", "status"},
		),
		bandDownloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "band_downloads_total",
				Help:      "Band downloads by result (downloaded, cached, failed)",
			},
			[]string{"result"},
		),
		downloadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "downloaded_bytes_total",
			Help:      "Bytes written to band files",
		}),
		downloadRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "download_retries_total",
			Help:      "Download attempts that failed and were retried",
		}),
		renderDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "render_duration_seconds",
				Help:      "Wall time of the external render script",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"product"},
		),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time from claim to terminal status",
			Buckets:   prometheus.ExponentialBuckets(10, 2, 12),
		}),
	}

	r.registry.MustRegister(
		r.jobsClaimed,
		r.jobOutcomes,
		r.productRenders,
		r.bandDownloads,
		r.downloadedBytes,
		r.downloadRetries,
		r.renderDuration,
		r.jobDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return r
}

// Registry exposes the underlying registry
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// JobClaimed counts a successful claim
func (r *Recorder) JobClaimed() {
	if r == nil {
		return
	}
	r.jobsClaimed.Inc()
}

// JobFinished records a terminal job status and its duration
func (r *Recorder) JobFinished(status string, d time.Duration) {
	if r == nil {
		return
	}
	r.jobOutcomes.WithLabelValues(status).Inc()
	r.jobDuration.Observe(d.Seconds())
}

// ProductRendered records one render outcome
func (r *Recorder) ProductRendered(product, status string, d time.Duration) {
	if r == nil {
		return
	}
	r.productRenders.WithLabelValues(product, status).Inc()
	if d > 0 {
		r.renderDuration.WithLabelValues(product).Observe(d.Seconds())
	}
}

// BandDownloaded records a band fetch; bytes is zero for cached or failed fetches
func (r *Recorder) BandDownloaded(result string, bytes int64) {
	if r == nil {
		return
	}
	r.bandDownloads.WithLabelValues(result).Inc()
	if bytes > 0 {
		r.downloadedBytes.Add(float64(bytes))
	}
}

// DownloadRetried counts a failed attempt that will be retried
func (r *Recorder) DownloadRetried() {
	if r == nil {
		return
	}
	r.downloadRetries.Inc()
}

// Handler serves the registry in the Prometheus exposition format
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Push sends the current values to a Pushgateway, grouped by worker instance.
// Used by one-shot runs that exit before a scrape could happen.
func (r *Recorder) Push(ctx context.Context, gatewayURL, instance string) error {
	if r == nil || gatewayURL == "" {
		return nil
	}
	err := push.New(gatewayURL, Namespace).
		Gatherer(r.registry).
		Grouping("instance", instance).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to push metrics to %s: %w", gatewayURL, err)
	}
	return nil
}
