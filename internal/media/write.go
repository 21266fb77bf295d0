package media

import (
	"fmt"
	"io"
	"os"
)

// WriteChunk streams a chunk body to a temp_* file under the chunks root and
// promotes it with a rename once the body is fully on disk. Rename within one
// filesystem is atomic, so a retried upload of the same index either sees the
// old complete file or the new complete file, never a torn write.
func (l Layout) WriteChunk(sessionID string, index int, body io.Reader) (int64, error) {
	if err := os.MkdirAll(l.SessionChunkDir(sessionID), 0o755); err != nil {
		return 0, fmt.Errorf("create chunk dir for session %s: %w", sessionID, err)
	}

	tmp, err := os.CreateTemp(l.ChunksDir(), "temp_*")
	if err != nil {
		return 0, fmt.Errorf("create temp chunk file: %w", err)
	}
	written, err := io.Copy(tmp, body)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("write chunk %d for session %s: %w", index, sessionID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("close temp chunk file: %w", err)
	}

	final := l.ChunkPath(sessionID, index)
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("promote chunk %d for session %s: %w", index, sessionID, err)
	}
	return written, nil
}

// AssembleChunks concatenates chunk_0..chunk_<totalChunks-1> into dst in index
// order. On any failure the partial output is destroyed.
func (l Layout) AssembleChunks(sessionID string, totalChunks int, dst string) (int64, error) {
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create assembled file %s: %w", dst, err)
	}

	var total int64
	for index := 0; index < totalChunks; index++ {
		n, err := appendChunk(out, l.ChunkPath(sessionID, index))
		if err != nil {
			out.Close()
			os.Remove(dst)
			return 0, fmt.Errorf("assemble chunk %d for session %s: %w", index, sessionID, err)
		}
		total += n
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return 0, fmt.Errorf("close assembled file %s: %w", dst, err)
	}
	return total, nil
}

func appendChunk(out *os.File, path string) (int64, error) {
	in, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	return io.Copy(out, in)
}
