// Package hardware answers host capacity questions before a job starts.
package hardware

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/psantana5/sentinel-grab/pkg/models"
)

const gib = 1 << 30

// Snapshot is a point-in-time view of the host
type Snapshot struct {
	LogicalCPUs   int    `json:"logical_cpus" yaml:"logical_cpus"`
	MemTotalBytes uint64 `json:"mem_total_bytes" yaml:"mem_total_bytes"`
	MemAvailBytes uint64 `json:"mem_available_bytes" yaml:"mem_available_bytes"`
	DiskPath      string `json:"disk_path" yaml:"disk_path"`
	DiskFreeBytes uint64 `json:"disk_free_bytes" yaml:"disk_free_bytes"`
}

// FreeDiskBytes reports free space on the filesystem holding path.
// Missing directories are resolved to their nearest existing parent.
func FreeDiskBytes(path string) (uint64, error) {
	p, err := existingParent(path)
	if err != nil {
		return 0, err
	}
	usage, err := disk.Usage(p)
	if err != nil {
		return 0, fmt.Errorf("failed to read disk usage for %s: %w", p, err)
	}
	return usage.Free, nil
}

// CheckFreeSpace fails with a configuration error when path has less than minGB free.
// minGB <= 0 disables the check.
func CheckFreeSpace(path string, minGB float64) error {
	if minGB <= 0 {
		return nil
	}
	free, err := FreeDiskBytes(path)
	if err != nil {
		return err
	}
	if float64(free) < minGB*gib {
		return models.NewConfigError("work_root", "only %.1f GiB free on %s, need %.1f GiB",
			float64(free)/gib, path, minGB)
	}
	return nil
}

// ResolveProcesses returns n when positive, otherwise the logical CPU count
func ResolveProcesses(n int) int {
	if n > 0 {
		return n
	}
	if count, err := cpu.Counts(true); err == nil && count > 0 {
		return count
	}
	return runtime.NumCPU()
}

// Probe collects a snapshot for the disk holding path
func Probe(path string) (*Snapshot, error) {
	snap := &Snapshot{LogicalCPUs: ResolveProcesses(0), DiskPath: path}

	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemTotalBytes = vm.Total
		snap.MemAvailBytes = vm.Available
	}

	free, err := FreeDiskBytes(path)
	if err != nil {
		return snap, err
	}
	snap.DiskFreeBytes = free
	return snap, nil
}

func existingParent(path string) (string, error) {
	p, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", fmt.Errorf("no existing parent for %s", path)
		}
		p = parent
	}
}
