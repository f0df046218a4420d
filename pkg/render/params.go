package render

import (
	"strconv"

	"github.com/psantana5/sentinel-grab/pkg/bands"
)

// Request is everything a render script needs for one product
type Request struct {
	JobID          int64
	DateKey        string
	InputDir       string
	OutputRootPath string
	ProductSubPath string
	ZoomMin        int
	ZoomMax        int
	ToolRoot       string
	Processes      int
	ProductCode    string

	Family      bands.Family
	ScaleMaxRGB int
	IndexMin    float64
	IndexMax    float64
}

// Params builds the deterministic argument set. RGB products get ScaleMaxRGB,
// index products get IndexMin and IndexMax.
func (r Request) Params() Params {
	p := Params{
		{"JobId", strconv.FormatInt(r.JobID, 10)},
		{"DateKey", r.DateKey},
		{"InputDir", r.InputDir},
		{"OutputRootPath", r.OutputRootPath},
		{"ProductSubPath", r.ProductSubPath},
		{"ZoomMin", strconv.Itoa(r.ZoomMin)},
		{"ZoomMax", strconv.Itoa(r.ZoomMax)},
		{"ToolRoot", r.ToolRoot},
		{"Processes", strconv.Itoa(r.Processes)},
		{"ProductCode", r.ProductCode},
	}

	switch r.Family {
	case bands.FamilyRGB:
		p = append(p, Param{"ScaleMaxRGB", strconv.Itoa(r.ScaleMaxRGB)})
	case bands.FamilyIndex:
		p = append(p,
			Param{"IndexMin", strconv.FormatFloat(r.IndexMin, 'f', -1, 64)},
			Param{"IndexMax", strconv.FormatFloat(r.IndexMax, 'f', -1, 64)},
		)
	}
	return p
}
