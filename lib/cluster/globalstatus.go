package cluster

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// GlobalStatusSize is the size of the persisted low-water mark file
const GlobalStatusSize = 16

// GlobalStatus is the cluster wide low-water mark: every node applied ccid
// and stored scid
type GlobalStatus struct {
	CCID uint64
	SCID uint64
}

// ReadGlobalStatus reads the file written by WriteGlobalStatus. A missing file
// yields a zero status.
func ReadGlobalStatus(path string) (GlobalStatus, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return GlobalStatus{}, nil
	}
	if err != nil {
		return GlobalStatus{}, err
	}
	if len(data) != GlobalStatusSize {
		return GlobalStatus{}, fmt.Errorf("error reading global change status from %s: expected %d bytes, got %d",
			path, GlobalStatusSize, len(data))
	}
	return GlobalStatus{
		CCID: binary.BigEndian.Uint64(data[0:8]),
		SCID: binary.BigEndian.Uint64(data[8:16]),
	}, nil
}

// WriteGlobalStatus replaces the file atomically
func WriteGlobalStatus(path string, gs GlobalStatus) error {
	var buf [GlobalStatusSize]byte
	binary.BigEndian.PutUint64(buf[0:8], gs.CCID)
	binary.BigEndian.PutUint64(buf[8:16], gs.SCID)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf[:], 0o644); err != nil {
		return fmt.Errorf("error writing to %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}
