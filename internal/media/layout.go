// Package media owns the on-disk tree under the storage root: chunk intake,
// source assembly, encoder output directories, and the garbage collector that
// reclaims expired sessions and stray temp files.
package media

import (
	"fmt"
	"os"
	"path/filepath"
)

// Layout resolves every path the pipeline touches. Directories are
// partitioned by writer: the upload coordinator writes chunks and uploads,
// transcode workers write renditions, the collector alone deletes chunk
// directories.
type Layout struct {
	Root string
}

func NewLayout(root string) Layout {
	return Layout{Root: filepath.Clean(root)}
}

func (l Layout) ChunksDir() string {
	return filepath.Join(l.Root, "chunks")
}

func (l Layout) SessionChunkDir(sessionID string) string {
	return filepath.Join(l.ChunksDir(), sessionID)
}

func (l Layout) ChunkPath(sessionID string, index int) string {
	return filepath.Join(l.SessionChunkDir(sessionID), fmt.Sprintf("chunk_%d", index))
}

func (l Layout) UploadsDir() string {
	return filepath.Join(l.Root, "uploads")
}

// UploadPath is the assembled source file, named <videoID><ext> so the
// original extension survives reassembly.
func (l Layout) UploadPath(videoID, ext string) string {
	return filepath.Join(l.UploadsDir(), videoID+ext)
}

func (l Layout) TranscodedDir() string {
	return filepath.Join(l.Root, "transcoded")
}

func (l Layout) VideoOutputDir(videoID string) string {
	return filepath.Join(l.TranscodedDir(), videoID)
}

func (l Layout) RenditionDir(videoID, resolution string) string {
	return filepath.Join(l.VideoOutputDir(videoID), resolution)
}

func (l Layout) PlaylistPath(videoID, resolution string) string {
	return filepath.Join(l.RenditionDir(videoID, resolution), "playlist.m3u8")
}

// EnsureBase creates the three top-level directories.
func (l Layout) EnsureBase() error {
	for _, dir := range []string{l.ChunksDir(), l.UploadsDir(), l.TranscodedDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// EnsureRenditionDirs creates the per-resolution output directories ahead of
// job submission so workers never race on mkdir.
func (l Layout) EnsureRenditionDirs(videoID string, resolutions []string) error {
	for _, resolution := range resolutions {
		dir := l.RenditionDir(videoID, resolution)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// RemoveVideoArtifacts deletes the transcoded tree and the assembled source
// for a video. Missing paths are fine; deletion is idempotent.
func (l Layout) RemoveVideoArtifacts(videoID, ext string) error {
	if err := os.RemoveAll(l.VideoOutputDir(videoID)); err != nil {
		return fmt.Errorf("remove transcoded tree for %s: %w", videoID, err)
	}
	if err := os.Remove(l.UploadPath(videoID, ext)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove upload for %s: %w", videoID, err)
	}
	return nil
}
