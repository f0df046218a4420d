// Package bands maps product codes to the Sentinel-2 bands they are computed from.
package bands

import (
	"sort"
	"strings"
)

// SCL is the scene classification layer, always fetched for cloud masking
const SCL = "SCL"

// Family groups products by how the render script scales them
type Family string

const (
	FamilyUnknown Family = ""
	FamilyRGB     Family = "rgb"
	FamilyIndex   Family = "index"
)

var productBands = map[string][]string{
	"RGB":  {"B02", "B03", "B04"},
	"NDVI": {"B08", "B04"},
	"NDMI": {"B08", "B11"},
	"NDRE": {"B8A", "B05"},
}

// Set is a deduplicated collection of band names
type Set map[string]struct{}

// Add inserts bands into the set
func (s Set) Add(names ...string) {
	for _, n := range names {
		s[n] = struct{}{}
	}
}

// Has reports whether the set contains band
func (s Set) Has(band string) bool {
	_, ok := s[band]
	return ok
}

// Sorted returns the bands in a stable order
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for b := range s {
		out = append(out, b)
	}
	sort.Strings(out)
	return out
}

// ForProduct returns the bands one product needs. Unknown codes need none.
func ForProduct(code string) []string {
	return productBands[strings.ToUpper(strings.TrimSpace(code))]
}

// ComputeRequired unions the bands of every product code. Unknown codes contribute nothing.
func ComputeRequired(codes []string) Set {
	set := make(Set)
	for _, code := range codes {
		set.Add(ForProduct(code)...)
	}
	return set
}

// ComputeRequiredWithSCL is ComputeRequired plus the SCL layer
func ComputeRequiredWithSCL(codes []string) Set {
	set := ComputeRequired(codes)
	set.Add(SCL)
	return set
}

// FamilyOf classifies a product code for rendering
func FamilyOf(code string) Family {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "RGB":
		return FamilyRGB
	case "NDVI", "NDMI", "NDRE":
		return FamilyIndex
	default:
		return FamilyUnknown
	}
}

// Known lists the supported product codes
func Known() []string {
	out := make([]string, 0, len(productBands))
	for code := range productBands {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}
