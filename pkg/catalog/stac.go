package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/psantana5/sentinel-grab/pkg/logging"
	"github.com/psantana5/sentinel-grab/pkg/models"
	"github.com/psantana5/sentinel-grab/pkg/ratelimit"
	"github.com/psantana5/sentinel-grab/pkg/retry"
)

const (
	DefaultSTACURL    = "https://planetarycomputer.microsoft.com/api/stac/v1"
	DefaultSASURL     = "https://planetarycomputer.microsoft.com/api/sas/v1"
	DefaultCollection = "sentinel-2-l2a"
)

// APIError is a non-2xx catalog response
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("catalog %s failed with status %d: %s", e.Op, e.StatusCode, e.Body)
}

// HTTPStatus lets retry.IsRetryable classify the response
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// STACConfig configures the STAC client
type STACConfig struct {
	STACURL    string
	SASURL     string
	Collection string
}

// STACClient talks to a STAC API and its SAS signer
type STACClient struct {
	client  *http.Client
	cfg     STACConfig
	limiter *ratelimit.Limiter
	logger  *logging.Logger

	// Retry covers transient failures of each call; tests replace Retry.Sleep
	Retry retry.Config
}

// NewSTACClient creates a client. Empty config fields fall back to Planetary Computer.
func NewSTACClient(client *http.Client, cfg STACConfig, limiter *ratelimit.Limiter, logger *logging.Logger) *STACClient {
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.STACURL == "" {
		cfg.STACURL = DefaultSTACURL
	}
	if cfg.SASURL == "" {
		cfg.SASURL = DefaultSASURL
	}
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}
	cfg.STACURL = strings.TrimRight(cfg.STACURL, "/")
	cfg.SASURL = strings.TrimRight(cfg.SASURL, "/")
	if logger == nil {
		logger = logging.Nop()
	}
	return &STACClient{client: client, cfg: cfg, limiter: limiter, logger: logger, Retry: retry.DefaultConfig()}
}

type searchRequest struct {
	Collections []string                          `json:"collections"`
	Bbox        []float64                         `json:"bbox"`
	Datetime    string                            `json:"datetime"`
	Limit       int                               `json:"limit"`
	Query       map[string]map[string]interface{} `json:"query"`
}

type feature struct {
	ID         string `json:"id"`
	Properties struct {
		CloudCover json.RawMessage `json:"eo:cloud_cover"`
	} `json:"properties"`
	Assets map[string]struct {
		Href string `json:"href"`
	} `json:"assets"`
}

// Search posts an item search restricted to the collection, box, window and cloud ceiling
func (c *STACClient) Search(ctx context.Context, bbox models.Bbox, from, to time.Time, cloudCoverMax, limit int) ([]Item, error) {
	if err := c.limiter.Wait(ctx, "search"); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(searchRequest{
		Collections: []string{c.cfg.Collection},
		Bbox:        bbox.Slice(),
		Datetime:    from.Format("2006-01-02") + "/" + to.Format("2006-01-02"),
		Limit:       limit,
		Query: map[string]map[string]interface{}{
			"eo:cloud_cover": {"lte": cloudCoverMax},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode search: %w", err)
	}

	body, err := c.do(ctx, "search", func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.STACURL+"/search", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	var result struct {
		Features []json.RawMessage `json:"features"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	items := make([]Item, 0, len(result.Features))
	for _, raw := range result.Features {
		item, err := parseItem(raw)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}

	c.logger.Debug("STAC search complete", map[string]interface{}{
		"bbox":  bbox.String(),
		"items": len(items),
	})
	return items, nil
}

// GetByID fetches a single item from the collection
func (c *STACClient) GetByID(ctx context.Context, id string) (*Item, error) {
	if err := c.limiter.Wait(ctx, "item"); err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/collections/%s/items/%s", c.cfg.STACURL,
		url.PathEscape(c.cfg.Collection), url.PathEscape(id))
	body, err := c.do(ctx, "get item", getRequest(ctx, endpoint))
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return parseItem(body)
}

// SignAssetReference exchanges a raw blob href for a SAS-signed URL
func (c *STACClient) SignAssetReference(ctx context.Context, href string) (string, error) {
	if err := c.limiter.Wait(ctx, "sign"); err != nil {
		return "", err
	}

	endpoint := c.cfg.SASURL + "/sign?href=" + url.QueryEscape(href)
	body, err := c.do(ctx, "sign", getRequest(ctx, endpoint))
	if err != nil {
		return "", err
	}

	var signed struct {
		Href *string `json:"href"`
	}
	if err := json.Unmarshal(body, &signed); err != nil {
		return "", fmt.Errorf("failed to decode signer response: %w", err)
	}
	if signed.Href == nil || *signed.Href == "" {
		return "", fmt.Errorf("signer response did not include 'href'. Body: %s", truncate(string(body), 512))
	}
	return *signed.Href, nil
}

func getRequest(ctx context.Context, endpoint string) func() (*http.Request, error) {
	return func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	}
}

// do sends a fresh request per attempt. Only transient failures are retried;
// a client error such as 404 returns on the first attempt.
func (c *STACClient) do(ctx context.Context, op string, newRequest func() (*http.Request, error)) ([]byte, error) {
	cfg := c.Retry
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		c.logger.Warn(fmt.Sprintf("Catalog %s failed (attempt %d): %v. Retrying in %s", op, attempt, err, wait))
	}

	var body []byte
	err := retry.Do(ctx, cfg, func(attempt int) error {
		req, err := newRequest()
		if err != nil {
			return retry.Permanent(err)
		}
		b, err := c.send(req, op)
		if err != nil {
			if !retry.IsRetryable(err) {
				return retry.Permanent(err)
			}
			return err
		}
		body = b
		return nil
	})
	return body, err
}

func (c *STACClient) send(req *http.Request, op string) ([]byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: failed to read response: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Op: op, StatusCode: resp.StatusCode, Body: truncate(string(body), 512)}
	}
	return body, nil
}

func parseItem(raw []byte) (*Item, error) {
	var f feature
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to decode item: %w", err)
	}

	item := &Item{
		ID:     f.ID,
		Assets: make(map[string]string, len(f.Assets)),
		Raw:    append(json.RawMessage(nil), raw...),
	}
	if item.ID == "" {
		item.ID = "(no id)"
	}

	// Only numeric cloud cover counts; null or strings leave it unknown
	var cloud float64
	cc := bytes.TrimSpace(f.Properties.CloudCover)
	if len(cc) > 0 && !bytes.Equal(cc, []byte("null")) && json.Unmarshal(cc, &cloud) == nil {
		item.CloudCover = &cloud
	}

	for key, asset := range f.Assets {
		if strings.TrimSpace(asset.Href) != "" {
			item.Assets[key] = asset.Href
		}
	}
	return item, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
