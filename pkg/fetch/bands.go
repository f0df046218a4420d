package fetch

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/sentinel-grab/pkg/catalog"
	"github.com/psantana5/sentinel-grab/pkg/tracing"
)

// Signer turns a raw asset href into a downloadable URL
type Signer interface {
	SignAssetReference(ctx context.Context, href string) (string, error)
}

// DownloadBands fetches each band of item into dir as <band>.tif.
// Bands missing from the item are logged and skipped.
func (f *Fetcher) DownloadBands(ctx context.Context, signer Signer, item *catalog.Item, bandKeys []string, dir string) ([]*Result, error) {
	log := f.logger.WithField("scene_id", item.ID)
	var results []*Result

	for _, band := range bandKeys {
		href, ok := item.Asset(band)
		if !ok {
			log.Warn(fmt.Sprintf("Asset %s missing on item %s (skipping)", band, item.ID))
			tracing.AddEvent(ctx, "band.missing", attribute.String("band", band))
			continue
		}

		signed, err := signer.SignAssetReference(ctx, href)
		if err != nil {
			return results, fmt.Errorf("sign %s for %s: %w", band, item.ID, err)
		}

		res, err := f.Download(ctx, signed, filepath.Join(dir, band+".tif"), band)
		if err != nil {
			return results, err
		}
		tracing.AddEvent(ctx, "band.downloaded",
			attribute.String("band", band),
			attribute.Bool("cached", res.Cached),
			attribute.Int64("bytes", res.Bytes),
			attribute.Int("attempts", res.Attempts),
		)
		results = append(results, res)
	}

	return results, nil
}

// redact drops the query string, which carries the SAS token
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	return u.String()
}
