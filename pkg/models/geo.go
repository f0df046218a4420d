package models

import (
	"fmt"
	"time"
)

// Bbox is a geographic bounding box in WGS84 degrees
type Bbox struct {
	MinLon float64 `json:"min_lon"`
	MinLat float64 `json:"min_lat"`
	MaxLon float64 `json:"max_lon"`
	MaxLat float64 `json:"max_lat"`
}

// Slice returns the box in STAC order
func (b Bbox) Slice() []float64 {
	return []float64{b.MinLon, b.MinLat, b.MaxLon, b.MaxLat}
}

func (b Bbox) String() string {
	return fmt.Sprintf("%g,%g,%g,%g", b.MinLon, b.MinLat, b.MaxLon, b.MaxLat)
}

// DateRange is a closed interval of calendar dates (UTC midnight) plus its canonical key
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
	Key  string    `json:"key"`
}

// Interval formats the range as a STAC datetime interval
func (d DateRange) Interval() string {
	return d.From.Format("2006-01-02") + "/" + d.To.Format("2006-01-02")
}
