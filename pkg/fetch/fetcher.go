// Package fetch downloads remote band files with retries and atomic materialization.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/psantana5/sentinel-grab/pkg/logging"
	"github.com/psantana5/sentinel-grab/pkg/metrics"
	"github.com/psantana5/sentinel-grab/pkg/retry"
)

// ErrEmptyDownload is returned when the server sent a zero-length body
var ErrEmptyDownload = errors.New("downloaded file size was zero")

// HTTPStatusError is a non-2xx response
type HTTPStatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %s", redact(e.URL), e.Status)
}

// Result describes a materialized file
type Result struct {
	Path     string
	Bytes    int64
	Cached   bool
	Attempts int
	Duration time.Duration
}

// Fetcher downloads URLs to local files
type Fetcher struct {
	client  *http.Client
	logger  *logging.Logger
	metrics *metrics.Recorder

	// Retry is the attempt schedule; tests replace Retry.Sleep
	Retry retry.Config
}

// NewFetcher creates a fetcher using the download retry schedule
func NewFetcher(client *http.Client, logger *logging.Logger, rec *metrics.Recorder) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Fetcher{
		client:  client,
		logger:  logger,
		metrics: rec,
		Retry:   retry.DownloadConfig(),
	}
}

// Download materializes url at dest. An existing non-empty dest is reused
// without touching the network. On failure neither dest nor its temp file remain.
func (f *Fetcher) Download(ctx context.Context, url, dest, label string) (*Result, error) {
	start := time.Now()
	log := f.logger.WithField("file", label)

	if info, err := os.Stat(dest); err == nil && info.Size() > 0 {
		log.Info(fmt.Sprintf("%s: already downloaded", label))
		f.metrics.BandDownloaded("cached", 0)
		return &Result{Path: dest, Bytes: info.Size(), Cached: true}, nil
	}

	if err := removeIfExists(dest); err != nil {
		return nil, fmt.Errorf("failed to remove stale %s: %w", dest, err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", dest, err)
	}

	cfg := f.Retry
	maxAttempts := cfg.MaxAttempts
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		log.Warn(fmt.Sprintf("%s: error '%v'. Waiting %s before retry", label, err, wait))
		f.metrics.DownloadRetried()
	}

	var size int64
	attempts := 0
	err := retry.Do(ctx, cfg, func(attempt int) error {
		attempts = attempt
		log.Info(fmt.Sprintf("%s: downloading (attempt %d/%d)", label, attempt, maxAttempts))

		n, err := f.fetchOnce(ctx, url, dest)
		if err != nil {
			cleanup(dest)
			return err
		}
		size = n
		return nil
	})
	if err != nil {
		log.Error(fmt.Sprintf("%s: failed after %d attempts", label, attempts), map[string]interface{}{"error": err})
		f.metrics.BandDownloaded("failed", 0)
		return nil, fmt.Errorf("download %s: %w", label, err)
	}

	log.Info(fmt.Sprintf("%s: saved %.1f MB", label, float64(size)/1024/1024))
	f.metrics.BandDownloaded("downloaded", size)

	return &Result{
		Path:     dest,
		Bytes:    size,
		Attempts: attempts,
		Duration: time.Since(start),
	}, nil
}

// fetchOnce performs a single GET into dest via a temp file
func (f *Fetcher) fetchOnce(ctx context.Context, url, dest string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return 0, &HTTPStatusError{URL: url, StatusCode: resp.StatusCode, Status: resp.Status}
	}

	tmp := tempPath(dest)
	out, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return 0, fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := out.Close(); err != nil {
		return 0, fmt.Errorf("failed to close %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, dest); err != nil {
		return 0, fmt.Errorf("failed to move %s into place: %w", tmp, err)
	}

	info, err := os.Stat(dest)
	if err != nil {
		return 0, err
	}
	if info.Size() <= 0 {
		return 0, ErrEmptyDownload
	}
	return info.Size(), nil
}

func tempPath(dest string) string {
	return dest + ".part"
}

func cleanup(dest string) {
	os.Remove(tempPath(dest))
	os.Remove(dest)
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
