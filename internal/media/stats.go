package media

import (
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"

	"vodforge/internal/models"
)

// StorageStats is the operator view of the storage root.
type StorageStats struct {
	UploadsMB      float64 `json:"uploadsMB"`
	ChunksMB       float64 `json:"chunksMB"`
	TranscodedMB   float64 `json:"transcodedMB"`
	TotalMB        float64 `json:"totalMB"`
	FreeMB         float64 `json:"freeMB"`
	TempFiles      int     `json:"tempFiles"`
	ActiveSessions int     `json:"activeSessions"`
}

// Stats measures the three trees and counts temp files and active sessions.
func (c *Collector) Stats() StorageStats {
	stats := StorageStats{
		UploadsMB:    toMB(dirSize(c.cfg.Layout.UploadsDir())),
		ChunksMB:     toMB(dirSize(c.cfg.Layout.ChunksDir())),
		TranscodedMB: toMB(dirSize(c.cfg.Layout.TranscodedDir())),
		TempFiles:    c.countTempFiles(),
	}
	stats.TotalMB = roundMB(stats.UploadsMB + stats.ChunksMB + stats.TranscodedMB)
	if free, err := FreeBytes(c.cfg.Layout.Root); err == nil && free != math.MaxUint64 {
		stats.FreeMB = toMB(int64(free))
	}
	if c.cfg.Sessions != nil {
		for _, session := range c.cfg.Sessions.ListSessions() {
			if session.Status == models.SessionStatusActive {
				stats.ActiveSessions++
			}
		}
	}
	return stats
}

func (c *Collector) countTempFiles() int {
	entries, err := os.ReadDir(c.cfg.Layout.ChunksDir())
	if err != nil {
		return 0
	}
	count := 0
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), "temp_") {
			count++
		}
	}
	return count
}

func dirSize(root string) int64 {
	var total int64
	filepath.WalkDir(root, func(_ string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if entry.IsDir() {
			return nil
		}
		if info, err := entry.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}

func toMB(bytes int64) float64 {
	return roundMB(float64(bytes) / (1024 * 1024))
}

func roundMB(mb float64) float64 {
	return math.Round(mb*100) / 100
}
