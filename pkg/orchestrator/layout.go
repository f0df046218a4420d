package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/psantana5/sentinel-grab/pkg/catalog"
)

const (
	singleSceneDir = "single"
	itemFileName   = "item.json"
)

// JobDir is the private work directory of a job
func JobDir(workRoot string, jobID int64) string {
	return filepath.Join(workRoot, strconv.FormatInt(jobID, 10))
}

// SceneDir is where one scene's item.json and bands are stored
func SceneDir(jobDir, sceneID string, mosaic bool) string {
	if !mosaic {
		return filepath.Join(jobDir, singleSceneDir)
	}
	return filepath.Join(jobDir, SanitizeName(sceneID))
}

// InputDir is what the render script reads: the single-scene folder, or
// the job directory holding one folder per scene
func InputDir(jobDir string, mosaic bool) string {
	if mosaic {
		return jobDir
	}
	return filepath.Join(jobDir, singleSceneDir)
}

// OutputDir is where a product's tiles land for one date key
func OutputDir(outputRoot, subPath, dateKey string) string {
	return filepath.Join(outputRoot, subPath, dateKey)
}

// SanitizeName replaces characters that are invalid in file names with '_'
func SanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f || strings.ContainsRune(`<>:"/\|?*`, r) {
			return '_'
		}
		return r
	}, name)
}

// writeItemDocument stores the raw catalog document next to the bands
func writeItemDocument(dir string, item *catalog.Item) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create scene directory: %w", err)
	}

	data := []byte(item.Raw)
	if len(data) == 0 {
		var err error
		data, err = json.MarshalIndent(item, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode item %s: %w", item.ID, err)
		}
	}

	if err := os.WriteFile(filepath.Join(dir, itemFileName), data, 0644); err != nil {
		return fmt.Errorf("failed to write %s for %s: %w", itemFileName, item.ID, err)
	}
	return nil
}
