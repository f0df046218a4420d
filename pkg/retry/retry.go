package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// Sleeper waits for d or until ctx is done
type Sleeper func(ctx context.Context, d time.Duration) error

// Config holds retry configuration
type Config struct {
	MaxAttempts    int           // Total attempts including the first
	InitialBackoff time.Duration // Wait after the first failure
	MaxBackoff     time.Duration // Upper bound for a single wait, 0 means none
	Multiplier     float64       // Backoff multiplier (exponential)

	// Sleep overrides the real clock, mainly for tests
	Sleep Sleeper
	// OnRetry is called before each wait with the failed attempt number (1-based)
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultConfig returns sensible defaults for retries
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
	}
}

// DownloadConfig is the schedule used for imagery downloads: three attempts
// with waits of 2m and 4m between them
func DownloadConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 2 * time.Minute,
		Multiplier:     2.0,
	}
}

// Backoffs returns the waits Do would perform if every attempt failed
func (c Config) Backoffs() []time.Duration {
	var out []time.Duration
	backoff := c.InitialBackoff
	for attempt := 1; attempt < c.MaxAttempts; attempt++ {
		out = append(out, backoff)
		backoff = c.next(backoff)
	}
	return out
}

func (c Config) next(backoff time.Duration) time.Duration {
	mult := c.Multiplier
	if mult <= 0 {
		mult = 1
	}
	backoff = time.Duration(float64(backoff) * mult)
	if c.MaxBackoff > 0 && backoff > c.MaxBackoff {
		backoff = c.MaxBackoff
	}
	return backoff
}

// SleepContext is the real-clock Sleeper
func SleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// permanentError stops Do from retrying
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Do returns it without further attempts
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do executes fn with exponential backoff retries. fn receives the 1-based attempt number.
func Do(ctx context.Context, config Config, fn func(attempt int) error) error {
	attempts := config.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := config.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	var lastErr error
	backoff := config.InitialBackoff

	for attempt := 1; attempt <= attempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		default:
		}

		err := fn(attempt)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err

		// Don't sleep after last attempt
		if attempt == attempts {
			break
		}

		if config.OnRetry != nil {
			config.OnRetry(attempt, err, backoff)
		}
		if err := sleep(ctx, backoff); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}
		backoff = config.next(backoff)
	}

	return fmt.Errorf("max attempts (%d) exceeded: %w", attempts, lastErr)
}

// StatusCoder is implemented by errors that carry an HTTP response status
type StatusCoder interface {
	HTTPStatus() int
}

// RetryableStatus reports whether a response status is worth another attempt:
// request timeouts, throttling and server-side failures
func RetryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

// IsRetryable reports whether err looks transient. Errors carrying an HTTP
// status are judged by RetryableStatus; cancellation never is.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		return RetryableStatus(sc.HTTPStatus())
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, transient := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"temporary failure",
		"tls handshake timeout",
		"eof",
	} {
		if strings.Contains(msg, transient) {
			return true
		}
	}
	return false
}
