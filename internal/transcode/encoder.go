package transcode

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// ProgressFunc receives running percent values in [0,100]. It is called on
// every progress line the encoder emits; throttling is the caller's job.
type ProgressFunc func(percent int)

// Encoder produces one HLS rendition from a source file.
type Encoder interface {
	Encode(ctx context.Context, inputPath, outputDir string, rendition Rendition, onProgress ProgressFunc) error
}

// FFmpeg drives the ffmpeg binary. The binary is located lazily at Encode
// time, so a missing installation surfaces as a job failure rather than a
// startup error.
type FFmpeg struct {
	Binary string
	Logger *slog.Logger
}

func NewFFmpeg(logger *slog.Logger) *FFmpeg {
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpeg{Binary: "ffmpeg", Logger: logger}
}

func (f *FFmpeg) Encode(ctx context.Context, inputPath, outputDir string, rendition Rendition, onProgress ProgressFunc) error {
	cmd := exec.CommandContext(ctx, f.Binary, buildEncodeArgs(inputPath, outputDir, rendition)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("open encoder stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("open encoder stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("encoder binary %q not found on PATH: %w", f.Binary, err)
		}
		return fmt.Errorf("start encoder: %w", err)
	}

	state := &encodeState{}
	var scanners sync.WaitGroup
	scanners.Add(2)
	go func() {
		defer scanners.Done()
		state.scanStderr(stderr)
	}()
	go func() {
		defer scanners.Done()
		state.scanStdout(stdout, onProgress)
	}()
	scanners.Wait()

	if err := cmd.Wait(); err != nil {
		if tail := state.tail(); tail != "" {
			return fmt.Errorf("encode %s rendition: %w: %s", rendition.Name, err, tail)
		}
		return fmt.Errorf("encode %s rendition: %w", rendition.Name, err)
	}
	if onProgress != nil {
		onProgress(100)
	}
	return nil
}

// buildEncodeArgs assembles the full ffmpeg invocation: scale-and-pad to the
// exact target frame, CRF 23 H.264 capped at the rendition bitrate, stereo
// AAC, and an unbounded HLS playlist with 4s segments. Progress goes to
// stdout in machine-readable form, diagnostics stay on stderr.
func buildEncodeArgs(inputPath, outputDir string, r Rendition) []string {
	filter := fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2",
		r.Width, r.Height, r.Width, r.Height,
	)
	return []string{
		"-y",
		"-i", inputPath,
		"-vf", filter,
		"-c:v", "libx264",
		"-crf", "23",
		"-b:v", fmt.Sprintf("%dk", r.Bitrate),
		"-maxrate", fmt.Sprintf("%dk", r.Bitrate),
		"-bufsize", fmt.Sprintf("%dk", r.Bitrate*2),
		"-c:a", "aac",
		"-b:a", "128k",
		"-ac", "2",
		"-ar", "44100",
		"-f", "hls",
		"-hls_time", "4",
		"-hls_list_size", "0",
		"-hls_segment_filename", filepath.Join(outputDir, "segment_%03d.ts"),
		"-progress", "pipe:1",
		"-nostats",
		filepath.Join(outputDir, "playlist.m3u8"),
	}
}

var durationPattern = regexp.MustCompile(`Duration:\s*(\d+):(\d+):(\d+(?:\.\d+)?)`)

const stderrTailLines = 15

type encodeState struct {
	mu          sync.Mutex
	durationSec float64
	stderrTail  []string
}

// scanStderr picks the input duration out of the banner and keeps a tail of
// diagnostics for failure messages.
func (s *encodeState) scanStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if m := durationPattern.FindStringSubmatch(line); len(m) == 4 {
			hours, _ := strconv.ParseFloat(m[1], 64)
			minutes, _ := strconv.ParseFloat(m[2], 64)
			seconds, _ := strconv.ParseFloat(m[3], 64)
			s.mu.Lock()
			s.durationSec = hours*3600 + minutes*60 + seconds
			s.mu.Unlock()
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		s.mu.Lock()
		if len(s.stderrTail) >= stderrTailLines {
			s.stderrTail = s.stderrTail[1:]
		}
		s.stderrTail = append(s.stderrTail, trimmed)
		s.mu.Unlock()
	}
}

// scanStdout parses out_time_ms progress lines. The value is microseconds
// despite the name; percent is capped at 99 until the process exits cleanly.
func (s *encodeState) scanStdout(r io.Reader, onProgress ProgressFunc) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "out_time_ms=") {
			continue
		}
		value, err := strconv.ParseFloat(strings.TrimPrefix(line, "out_time_ms="), 64)
		if err != nil {
			continue
		}
		pct, ok := s.percent(value / 1e6)
		if ok && onProgress != nil {
			onProgress(pct)
		}
	}
}

func (s *encodeState) percent(currentSec float64) (int, bool) {
	s.mu.Lock()
	duration := s.durationSec
	s.mu.Unlock()
	if duration <= 0 {
		return 0, false
	}
	pct := int(currentSec / duration * 100)
	if pct > 99 {
		pct = 99
	}
	if pct < 0 {
		pct = 0
	}
	return pct, true
}

func (s *encodeState) tail() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.stderrTail, " | ")
}
