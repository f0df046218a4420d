package orchestrator

import (
	"strings"

	"github.com/psantana5/sentinel-grab/pkg/config"
)

// Settings are the job-independent knobs the processor needs
type Settings struct {
	WorkRoot   string
	OutputRoot string
	ToolRoot   string
	MinFreeGB  float64

	RGBScript   string
	IndexScript string
	ScaleMaxRGB int
	// IndexRanges is keyed by lower-case product code
	IndexRanges map[string]config.Range
	IndexMin    float64
	IndexMax    float64
	Processes   int
	MaxLogChars int

	SearchLimit          int
	DefaultCloudCoverMax int
	DefaultZoomMin       int
	DefaultZoomMax       int
}

// SettingsFromConfig maps the loaded configuration onto processor settings
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		WorkRoot:             cfg.Work.Root,
		OutputRoot:           cfg.Output.Root,
		ToolRoot:             cfg.Tools.Root,
		MinFreeGB:            cfg.Work.MinFreeGB,
		RGBScript:            cfg.Render.RGBScript,
		IndexScript:          cfg.Render.IndexScript,
		ScaleMaxRGB:          cfg.Render.ScaleMaxRGB,
		IndexRanges:          cfg.Render.IndexRanges,
		IndexMin:             cfg.Render.IndexMin,
		IndexMax:             cfg.Render.IndexMax,
		Processes:            cfg.Render.Processes,
		MaxLogChars:          cfg.Render.MaxLogChars,
		SearchLimit:          cfg.Catalog.SearchLimit,
		DefaultCloudCoverMax: cfg.Defaults.CloudCoverMax,
		DefaultZoomMin:       cfg.Defaults.ZoomMin,
		DefaultZoomMax:       cfg.Defaults.ZoomMax,
	}
}

func (s Settings) indexRange(code string) (float64, float64) {
	if r, ok := s.IndexRanges[strings.ToLower(code)]; ok {
		return r.Min, r.Max
	}
	return s.IndexMin, s.IndexMax
}

func orDefault(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}
