package media

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"vodforge/internal/models"
	"vodforge/internal/observability/metrics"
)

const (
	defaultSweepInterval = 5 * time.Minute
	defaultTempMaxAge    = 5 * time.Minute
	defaultOrphanMaxAge  = 30 * time.Minute
	defaultMinFreeBytes  = 100 * 1024 * 1024
)

// SessionSource exposes the session records the collector consults before
// touching a chunk directory, and the transition it applies when it reclaims
// an expired one.
type SessionSource interface {
	ListSessions() []models.UploadSession
	ExpireSession(id string) (models.UploadSession, error)
}

type CollectorConfig struct {
	Layout       Layout
	Sessions     SessionSource
	Logger       *slog.Logger
	Interval     time.Duration
	TempMaxAge   time.Duration
	OrphanMaxAge time.Duration
	MinFreeBytes uint64
	Clock        func() time.Time
}

// Report summarises one sweep.
type Report struct {
	TempFiles   int `json:"tempFiles"`
	SessionDirs int `json:"sessionDirs"`
}

func (r Report) Cleaned() int {
	return r.TempFiles + r.SessionDirs
}

// Collector reclaims stray temp files and dead session chunk directories. It
// is the single writer of chunk-directory deletion; assembly delegates its
// post-reassembly removal here so deletes never race a sweep.
type Collector struct {
	cfg CollectorConfig

	mu sync.Mutex
}

func NewCollector(cfg CollectorConfig) *Collector {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultSweepInterval
	}
	if cfg.TempMaxAge <= 0 {
		cfg.TempMaxAge = defaultTempMaxAge
	}
	if cfg.OrphanMaxAge <= 0 {
		cfg.OrphanMaxAge = defaultOrphanMaxAge
	}
	if cfg.MinFreeBytes == 0 {
		cfg.MinFreeBytes = defaultMinFreeBytes
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Collector{cfg: cfg}
}

// Run sweeps once immediately, then on every interval tick until ctx ends.
func (c *Collector) Run(ctx context.Context) {
	c.Sweep()
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Sweep applies the reclamation policies: temp_* files older than the temp
// TTL, chunk directories for expired non-active sessions, and chunk
// directories with no session record once past the orphan TTL. Directories
// belonging to active sessions are never touched. Sessions past their expiry
// with no chunk directory at all are still marked expired in the store.
func (c *Collector) Sweep() Report {
	c.mu.Lock()
	defer c.mu.Unlock()

	report := Report{}
	now := c.cfg.Clock()
	sessions := c.sessionIndex()

	entries, err := os.ReadDir(c.cfg.Layout.ChunksDir())
	if err != nil && !os.IsNotExist(err) {
		c.cfg.Logger.Warn("gc: read chunks dir", "error", err)
	}
	for _, entry := range entries {
		path := filepath.Join(c.cfg.Layout.ChunksDir(), entry.Name())
		if !entry.IsDir() {
			if !strings.HasPrefix(entry.Name(), "temp_") {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if now.Sub(info.ModTime()) > c.cfg.TempMaxAge {
				if err := os.Remove(path); err == nil {
					report.TempFiles++
				}
			}
			continue
		}

		session, known := sessions[entry.Name()]
		if known {
			delete(sessions, entry.Name())
			// A session counts as live until its declared expiry passes, no
			// matter what its chunk set looks like.
			if !session.Expired(now) {
				continue
			}
			if session.Status == models.SessionStatusActive && c.cfg.Sessions != nil {
				if _, err := c.cfg.Sessions.ExpireSession(session.ID); err != nil {
					c.cfg.Logger.Warn("gc: expire session", "session_id", session.ID, "error", err)
				}
			}
			if err := os.RemoveAll(path); err == nil {
				report.SessionDirs++
			}
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > c.cfg.OrphanMaxAge {
			if err := os.RemoveAll(path); err == nil {
				report.SessionDirs++
			}
		}
	}

	// A session that never received a chunk leaves no directory behind, so
	// the disk walk above never sees it. Expire those on record age alone.
	for _, session := range sessions {
		if session.Status != models.SessionStatusActive || !session.Expired(now) {
			continue
		}
		if _, err := c.cfg.Sessions.ExpireSession(session.ID); err != nil {
			c.cfg.Logger.Warn("gc: expire session", "session_id", session.ID, "error", err)
			continue
		}
		c.cfg.Logger.Info("gc: expired stale session", "session_id", session.ID)
	}

	if report.Cleaned() > 0 {
		c.cfg.Logger.Info("gc: sweep reclaimed entries", "temp_files", report.TempFiles, "session_dirs", report.SessionDirs)
	}
	metrics.ObserveSweep(report.Cleaned())
	return report
}

// RemoveSessionDir deletes one session's chunk directory under the same lock
// a sweep takes, keeping directory deletion single-writer.
func (c *Collector) RemoveSessionDir(sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return os.RemoveAll(c.cfg.Layout.SessionChunkDir(sessionID))
}

// LowSpace reports whether the chunk-write preflight should force a sweep.
func (c *Collector) LowSpace() bool {
	free, err := FreeBytes(c.cfg.Layout.Root)
	if err != nil {
		return false
	}
	return free < c.cfg.MinFreeBytes
}

// MinFreeBytes exposes the configured preflight threshold.
func (c *Collector) MinFreeBytes() uint64 {
	return c.cfg.MinFreeBytes
}

func (c *Collector) sessionIndex() map[string]models.UploadSession {
	if c.cfg.Sessions == nil {
		return nil
	}
	listed := c.cfg.Sessions.ListSessions()
	index := make(map[string]models.UploadSession, len(listed))
	for _, session := range listed {
		index[session.ID] = session
	}
	return index
}
