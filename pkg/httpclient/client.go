// Package httpclient builds the single HTTP client shared by the catalog and downloader.
package httpclient

import (
	"net/http"
	"time"
)

// Options configures the shared client
type Options struct {
	Timeout            time.Duration
	DisableCompression bool
	UserAgent          string
}

// DefaultTimeout matches the longest expected band download
const DefaultTimeout = 10 * time.Minute

// New builds a client from options. Zero timeout means DefaultTimeout.
func New(opts Options) *http.Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DisableCompression = opts.DisableCompression

	var rt http.RoundTripper = transport
	if opts.UserAgent != "" {
		rt = &userAgentTransport{base: transport, agent: opts.UserAgent}
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: rt,
	}
}

type userAgentTransport struct {
	base  http.RoundTripper
	agent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.agent)
	return t.base.RoundTrip(req)
}
