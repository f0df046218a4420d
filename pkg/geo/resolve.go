// Package geo turns job input into a canonical bounding box and date window.
package geo

import (
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/psantana5/sentinel-grab/pkg/models"
)

// KeyLayout is the canonical date key format for single days
const KeyLayout = "2006-01-02"

// ResolveBbox returns the job's box from explicit coordinates when all four
// are present, otherwise from its bbox string.
func ResolveBbox(job *models.Job) (models.Bbox, error) {
	if job.MinLon != nil && job.MinLat != nil && job.MaxLon != nil && job.MaxLat != nil {
		return models.Bbox{
			MinLon: *job.MinLon,
			MinLat: *job.MinLat,
			MaxLon: *job.MaxLon,
			MaxLat: *job.MaxLat,
		}, nil
	}
	if strings.TrimSpace(job.BboxStr) == "" {
		return models.Bbox{}, models.NewConfigError("bbox", "job %d has neither explicit coordinates nor a bbox string", job.ID)
	}
	return ParseBbox(job.BboxStr)
}

// ParseBbox parses exactly four numbers separated by commas and/or whitespace
func ParseBbox(s string) (models.Bbox, error) {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})
	if len(parts) != 4 {
		return models.Bbox{}, models.NewConfigError("bbox", "expected 4 numbers in %q, got %d", s, len(parts))
	}

	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return models.Bbox{}, models.NewConfigError("bbox", "invalid number %q in %q", p, s)
		}
		v[i] = f
	}
	return models.Bbox{MinLon: v[0], MinLat: v[1], MaxLon: v[2], MaxLat: v[3]}, nil
}

// ResolveDateRange returns the job's window. An explicit from/to pair wins;
// otherwise the date key is parsed.
func ResolveDateRange(job *models.Job) (models.DateRange, error) {
	if job.DateFrom != nil && job.DateTo != nil {
		from := truncateDay(*job.DateFrom)
		to := truncateDay(*job.DateTo)
		if to.Before(from) {
			return models.DateRange{}, models.NewConfigError("date", "date_to %s is before date_from %s",
				to.Format(KeyLayout), from.Format(KeyLayout))
		}
		key := strings.TrimSpace(job.DateKey)
		if key == "" {
			key = from.Format(KeyLayout)
		}
		return models.DateRange{From: from, To: to, Key: key}, nil
	}
	if strings.TrimSpace(job.DateKey) == "" {
		return models.DateRange{}, models.NewConfigError("date", "job %d has neither a date range nor a date key", job.ID)
	}
	return ParseDateKey(job.DateKey)
}

// ParseDateKey accepts a whole month (2006-01) or a single day
// (2006-01-02 or 20060102). Compact days are normalized to 2006-01-02.
func ParseDateKey(key string) (models.DateRange, error) {
	key = strings.TrimSpace(key)

	if t, err := time.Parse("2006-01", key); err == nil {
		from := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		to := from.AddDate(0, 1, -1)
		return models.DateRange{From: from, To: to, Key: key}, nil
	}
	if t, err := time.Parse(KeyLayout, key); err == nil {
		return models.DateRange{From: t, To: t, Key: key}, nil
	}
	if t, err := time.Parse("20060102", key); err == nil {
		return models.DateRange{From: t, To: t, Key: t.Format(KeyLayout)}, nil
	}
	return models.DateRange{}, models.NewConfigError("date_key", "unrecognized date key %q (want yyyy-MM, yyyy-MM-dd or yyyyMMdd)", key)
}

// MonthRange builds the window for a whole calendar month
func MonthRange(year, month int) (models.DateRange, error) {
	if month < 1 || month > 12 {
		return models.DateRange{}, models.NewConfigError("month", "month %d out of range", month)
	}
	from := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	return models.DateRange{
		From: from,
		To:   from.AddDate(0, 1, -1),
		Key:  from.Format("2006-01"),
	}, nil
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
