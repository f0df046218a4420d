package orchestrator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/sentinel-grab/pkg/catalog"
	"github.com/psantana5/sentinel-grab/pkg/models"
)

func TestDirectDownload(t *testing.T) {
	h := newHarness(t)
	h.catalog.items = []catalog.Item{
		h.server.item("S2A_hazy", floatp(70)),
		h.server.item("S2B_clear", floatp(12)),
	}
	d := NewDownloader(h.catalog, h.fetcher(), h.settings, nil)

	bbox := models.Bbox{MinLon: -103.86731513843112, MinLat: 50.5123611, MaxLon: -102.9133333, MaxLat: 50.99259736981789}
	res, err := d.Run(context.Background(), DirectRequest{
		Bbox:          bbox,
		Year:          2025,
		Month:         5,
		CloudCoverMax: 80,
		Products:      []string{"RGB"},
	})
	require.NoError(t, err)
	assert.False(t, res.NoScenes)
	assert.Equal(t, "S2B_clear", res.SceneID)
	assert.Equal(t, filepath.Join(h.workDir, "direct", "2025-05"), res.Dir)
	assert.Len(t, res.Files, 4)

	require.Len(t, h.catalog.searches, 1)
	assert.Equal(t, time.Date(2025, 5, 31, 0, 0, 0, 0, time.UTC), h.catalog.searches[0].to)
	assert.Equal(t, []string{"B02.tif", "B03.tif", "B04.tif", "SCL.tif", "item.json"}, listFiles(t, res.Dir))
}

func TestDirectNoScenes(t *testing.T) {
	h := newHarness(t)
	d := NewDownloader(h.catalog, h.fetcher(), h.settings, nil)

	res, err := d.Run(context.Background(), DirectRequest{Year: 2025, Month: 5, CloudCoverMax: 80})
	require.NoError(t, err)
	assert.True(t, res.NoScenes)
	assert.Empty(t, h.server.Hits())
}

func TestDirectRejectsBadMonth(t *testing.T) {
	h := newHarness(t)
	d := NewDownloader(h.catalog, h.fetcher(), h.settings, nil)

	_, err := d.Run(context.Background(), DirectRequest{Year: 2025, Month: 0})
	assert.ErrorIs(t, err, models.ErrConfiguration)
}

func TestSanitizeName(t *testing.T) {
	tests := map[string]string{
		"S2A_MSIL2A_20250514T180921": "S2A_MSIL2A_20250514T180921",
		`a<b>c:d"e/f\g|h?i*j`:        "a_b_c_d_e_f_g_h_i_j",
		"tab\there":                  "tab_here",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeName(in), in)
	}
}

func TestLayoutPaths(t *testing.T) {
	jobDir := JobDir("/work", 42)
	assert.Equal(t, filepath.Join("/work", "42"), jobDir)
	assert.Equal(t, filepath.Join(jobDir, "single"), SceneDir(jobDir, "S2A:x", false))
	assert.Equal(t, filepath.Join(jobDir, "S2A_x"), SceneDir(jobDir, "S2A:x", true))
	assert.Equal(t, jobDir, InputDir(jobDir, true))
	assert.Equal(t, filepath.Join(jobDir, "single"), InputDir(jobDir, false))
	assert.Equal(t, filepath.Join("/tiles", "ndvi", "2025-05"), OutputDir("/tiles", "ndvi", "2025-05"))
}
