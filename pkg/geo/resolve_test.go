package geo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/sentinel-grab/pkg/models"
)

func f64(v float64) *float64 { return &v }

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestParseDateKey(t *testing.T) {
	tests := []struct {
		key      string
		wantFrom time.Time
		wantTo   time.Time
		wantKey  string
	}{
		{"2025-05", day(2025, 5, 1), day(2025, 5, 31), "2025-05"},
		{"2024-02", day(2024, 2, 1), day(2024, 2, 29), "2024-02"},
		{"2025-05-14", day(2025, 5, 14), day(2025, 5, 14), "2025-05-14"},
		{"20250514", day(2025, 5, 14), day(2025, 5, 14), "2025-05-14"},
		{" 2025-12 ", day(2025, 12, 1), day(2025, 12, 31), "2025-12"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got, err := ParseDateKey(tt.key)
			require.NoError(t, err)
			assert.Equal(t, tt.wantFrom, got.From)
			assert.Equal(t, tt.wantTo, got.To)
			assert.Equal(t, tt.wantKey, got.Key)
		})
	}
}

func TestParseDateKeyRejectsGarbage(t *testing.T) {
	for _, key := range []string{"May 2025", "2025", "2025-13", "2025/05/01", ""} {
		t.Run(key, func(t *testing.T) {
			_, err := ParseDateKey(key)
			require.Error(t, err)
			assert.True(t, models.IsConfigError(err))
		})
	}
}

func TestResolveDateRangeExplicitWins(t *testing.T) {
	from := time.Date(2025, 6, 3, 15, 30, 0, 0, time.UTC)
	to := day(2025, 6, 9)

	job := &models.Job{DateFrom: &from, DateTo: &to, DateKey: "2025-05"}
	got, err := ResolveDateRange(job)
	require.NoError(t, err)
	assert.Equal(t, day(2025, 6, 3), got.From)
	assert.Equal(t, to, got.To)
	assert.Equal(t, "2025-05", got.Key)

	job.DateKey = ""
	got, err = ResolveDateRange(job)
	require.NoError(t, err)
	assert.Equal(t, "2025-06-03", got.Key)
}

func TestResolveDateRangeFallsBackToKey(t *testing.T) {
	from := day(2025, 6, 3)
	job := &models.Job{DateFrom: &from, DateKey: "2025-05"}

	got, err := ResolveDateRange(job)
	require.NoError(t, err)
	assert.Equal(t, day(2025, 5, 1), got.From)
	assert.Equal(t, day(2025, 5, 31), got.To)
}

func TestResolveDateRangeErrors(t *testing.T) {
	_, err := ResolveDateRange(&models.Job{ID: 7})
	assert.ErrorIs(t, err, models.ErrConfiguration)

	from, to := day(2025, 6, 9), day(2025, 6, 3)
	_, err = ResolveDateRange(&models.Job{DateFrom: &from, DateTo: &to})
	assert.ErrorIs(t, err, models.ErrConfiguration)
}

func TestResolveBbox(t *testing.T) {
	want := models.Bbox{MinLon: -103.8, MinLat: 50.5, MaxLon: -102.9, MaxLat: 51.0}

	tests := []struct {
		name string
		job  models.Job
	}{
		{"explicit fields", models.Job{MinLon: f64(-103.8), MinLat: f64(50.5), MaxLon: f64(-102.9), MaxLat: f64(51.0)}},
		{"comma string", models.Job{BboxStr: "-103.8,50.5,-102.9,51.0"}},
		{"space string", models.Job{BboxStr: "-103.8 50.5 -102.9 51.0"}},
		{"mixed separators", models.Job{BboxStr: " -103.8, 50.5,\t-102.9 ,51.0 "}},
		{"explicit wins over string", models.Job{
			MinLon: f64(-103.8), MinLat: f64(50.5), MaxLon: f64(-102.9), MaxLat: f64(51.0),
			BboxStr: "1,2,3,4",
		}},
		{"partial explicit falls back", models.Job{MinLon: f64(9), BboxStr: "-103.8,50.5,-102.9,51.0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveBbox(&tt.job)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestResolveBboxErrors(t *testing.T) {
	tests := []struct {
		name string
		job  models.Job
	}{
		{"nothing", models.Job{}},
		{"three numbers", models.Job{BboxStr: "1,2,3"}},
		{"five numbers", models.Job{BboxStr: "1,2,3,4,5"}},
		{"not a number", models.Job{BboxStr: "1,2,x,4"}},
		{"partial explicit only", models.Job{MinLon: f64(1), MinLat: f64(2)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ResolveBbox(&tt.job)
			require.Error(t, err)
			assert.ErrorIs(t, err, models.ErrConfiguration)
		})
	}
}

func TestMonthRange(t *testing.T) {
	got, err := MonthRange(2025, 5)
	require.NoError(t, err)
	assert.Equal(t, "2025-05", got.Key)
	assert.Equal(t, "2025-05-01/2025-05-31", got.Interval())

	_, err = MonthRange(2025, 0)
	assert.Error(t, err)
}
