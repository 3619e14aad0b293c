package syncer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrOffset is returned when a chunk does not continue the file
var ErrOffset = errors.New("chunk offset does not continue the file")

// ChunkWriter assembles a file from offset-addressed chunks. Chunks must
// arrive in order, the file is written to a temporary path and renamed on
// Commit.
type ChunkWriter struct {
	path   string
	tmp    string
	f      *os.File
	offset uint64
}

// NewChunkWriter starts a new file that is committed to path
func NewChunkWriter(path string) (*ChunkWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	tmp := path + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return nil, err
	}
	return &ChunkWriter{path: path, tmp: tmp, f: f}, nil
}

// Offset returns the offset the next chunk must start at
func (w *ChunkWriter) Offset() uint64 {
	return w.offset
}

// Write appends a chunk starting at offset and returns the next offset
func (w *ChunkWriter) Write(offset uint64, data []byte) (uint64, error) {
	if offset != w.offset {
		return w.offset, fmt.Errorf("%w: got %d, expected %d", ErrOffset, offset, w.offset)
	}
	n, err := w.f.Write(data)
	w.offset += uint64(n)
	if err != nil {
		return w.offset, err
	}
	return w.offset, nil
}

// Commit flushes the file and moves it to its final path
func (w *ChunkWriter) Commit() error {
	if err := w.f.Sync(); err != nil {
		w.Abort()
		return err
	}
	if err := w.f.Close(); err != nil {
		os.Remove(w.tmp)
		return err
	}
	return os.Rename(w.tmp, w.path)
}

// Abort removes the partial file
func (w *ChunkWriter) Abort() {
	w.f.Close()
	os.Remove(w.tmp)
}

// ReadChunk reads up to size bytes of the file at path starting at offset.
// more is false when the chunk reaches the end of the file.
func ReadChunk(path string, offset uint64, size int) (data []byte, more bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, false, err
	}
	total := uint64(info.Size())
	if offset > total {
		return nil, false, fmt.Errorf("%w: offset %d beyond file size %d", ErrOffset, offset, total)
	}

	n := min(uint64(size), total-offset)
	data = make([]byte, n)
	if _, err := f.ReadAt(data, int64(offset)); err != nil && !errors.Is(err, io.EOF) {
		return nil, false, err
	}
	return data, offset+n < total, nil
}
