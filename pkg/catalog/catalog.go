// Package catalog searches the imagery catalog and picks scenes for a job.
package catalog

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/psantana5/sentinel-grab/pkg/models"
)

// Item is one catalog scene
type Item struct {
	ID         string
	CloudCover *float64
	Assets     map[string]string // asset key -> raw href
	Raw        json.RawMessage
}

// Asset looks up an asset href by key, ignoring case
func (it *Item) Asset(key string) (string, bool) {
	if href, ok := it.Assets[key]; ok {
		return href, true
	}
	for k, href := range it.Assets {
		if strings.EqualFold(k, key) {
			return href, true
		}
	}
	return "", false
}

// Catalog is the search and signing service
type Catalog interface {
	Search(ctx context.Context, bbox models.Bbox, from, to time.Time, cloudCoverMax, limit int) ([]Item, error)
	// GetByID returns nil, nil when the catalog has no such item
	GetByID(ctx context.Context, id string) (*Item, error)
	SignAssetReference(ctx context.Context, href string) (string, error)
}

// Selection is the outcome of scene selection
type Selection struct {
	Items  []Item
	Mosaic bool
}

// SelectScenes orders candidates by cloud cover (missing last, stable) and
// keeps one scene, or up to maxScenes when a mosaic is preferred.
func SelectScenes(items []Item, preferMosaic bool, maxScenes *int) Selection {
	sorted := make([]Item, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].CloudCover, sorted[j].CloudCover
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return *a < *b
		}
	})

	take := 1
	mosaic := false
	if preferMosaic && maxScenes != nil && *maxScenes > 1 {
		take = *maxScenes
		mosaic = true
	}
	if take > len(sorted) {
		take = len(sorted)
	}
	return Selection{Items: sorted[:take], Mosaic: mosaic}
}
