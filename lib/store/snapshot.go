package store

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"github.com/cespare/xxhash/v2"
)

const (
	magicNum        = "DREPSNAP"
	snapshotVersion = 1
	maxFieldSize    = 64 * 1024 * 1024
)

// ErrChecksum is returned by Load when the footer does not match the content
var ErrChecksum = errors.New("invalid snapshot: checksum mismatch")

// Save writes the snapshot with the format (little endian):
// magic, version (u8), ccid (u64), collection count (u64), per collection:
// id (u64), name, thing count (u64), per thing: id (u64), field count (u64),
// per field: key, value. Strings and byte slices carry a u32 length prefix.
// An xxhash64 of everything before it is appended as footer. Collections,
// things and fields are written in sorted order so equal stores produce equal
// snapshots.
func (s *Store) Save(w io.Writer, ccid uint64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	digest := xxhash.New()
	bw := bufio.NewWriterSize(io.MultiWriter(w, digest), 1024*1024) // 1 MB buffer
	sw := snapWriter{w: bw}

	sw.raw([]byte(magicNum))
	sw.u8(snapshotVersion)
	sw.u64(ccid)
	sw.u64(uint64(len(s.collections)))

	for _, id := range slices.Sorted(maps.Keys(s.collections)) {
		c := s.collections[id]
		sw.u64(id)
		sw.bytes([]byte(c.name))
		sw.u64(uint64(len(c.things)))

		for _, thingID := range slices.Sorted(maps.Keys(c.things)) {
			t := c.things[thingID]
			sw.u64(thingID)
			sw.u64(uint64(len(t)))
			for _, key := range slices.Sorted(maps.Keys(t)) {
				sw.bytes([]byte(key))
				sw.bytes(t[key])
			}
		}
	}
	if sw.err != nil {
		return sw.err
	}
	if err := bw.Flush(); err != nil {
		return err
	}

	// the footer is not part of the digest
	var footer [8]byte
	binary.LittleEndian.PutUint64(footer[:], digest.Sum64())
	_, err := w.Write(footer[:])
	return err
}

// Load replaces the content of the store with a snapshot written by Save
func (s *Store) Load(r io.Reader) (uint64, error) {
	digest := xxhash.New()
	br := bufio.NewReaderSize(r, 1024*1024)
	sr := snapReader{r: io.TeeReader(br, digest)}

	magic := sr.raw(len(magicNum))
	if sr.err == nil && string(magic) != magicNum {
		return 0, fmt.Errorf("invalid file format: magic number mismatch")
	}
	if version := sr.u8(); sr.err == nil && version != snapshotVersion {
		return 0, fmt.Errorf("unsupported version: %d (expected %d)", version, snapshotVersion)
	}
	ccid := sr.u64()

	collections := map[uint64]*collection{}
	count := sr.u64()
	for i := uint64(0); i < count && sr.err == nil; i++ {
		id := sr.u64()
		c := &collection{name: string(sr.bytes()), things: map[uint64]Thing{}}
		things := sr.u64()
		for j := uint64(0); j < things && sr.err == nil; j++ {
			thingID := sr.u64()
			fields := sr.u64()
			t := Thing{}
			for k := uint64(0); k < fields && sr.err == nil; k++ {
				key := string(sr.bytes())
				t[key] = sr.bytes()
			}
			c.things[thingID] = t
		}
		collections[id] = c
	}
	if sr.err != nil {
		return 0, sr.err
	}

	sum := digest.Sum64()
	var footer [8]byte
	if _, err := io.ReadFull(br, footer[:]); err != nil {
		return 0, fmt.Errorf("invalid snapshot: missing footer: %w", err)
	}
	if binary.LittleEndian.Uint64(footer[:]) != sum {
		return 0, ErrChecksum
	}

	s.mu.Lock()
	s.collections = collections
	s.mu.Unlock()
	return ccid, nil
}

// SaveFile writes a snapshot to path through a temporary file
func (s *Store) SaveFile(path string, ccid uint64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := s.Save(f, ccid); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadFile loads the snapshot at path. A missing file leaves the store empty
// and returns ccid 0.
func (s *Store) LoadFile(path string) (uint64, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return s.Load(f)
}

// SnapshotCCID reads the change id a snapshot file was written at without
// loading it
func SnapshotCCID(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sr := snapReader{r: f}
	if magic := sr.raw(len(magicNum)); sr.err == nil && string(magic) != magicNum {
		return 0, fmt.Errorf("invalid file format: magic number mismatch")
	}
	if version := sr.u8(); sr.err == nil && version != snapshotVersion {
		return 0, fmt.Errorf("unsupported version: %d (expected %d)", version, snapshotVersion)
	}
	ccid := sr.u64()
	return ccid, sr.err
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// snapWriter keeps the first error so Save can write without checking each field
type snapWriter struct {
	w   io.Writer
	err error
	buf [8]byte
}

func (sw *snapWriter) raw(b []byte) {
	if sw.err == nil {
		_, sw.err = sw.w.Write(b)
	}
}

func (sw *snapWriter) u8(v uint8) {
	sw.buf[0] = v
	sw.raw(sw.buf[:1])
}

func (sw *snapWriter) u32(v uint32) {
	binary.LittleEndian.PutUint32(sw.buf[:4], v)
	sw.raw(sw.buf[:4])
}

func (sw *snapWriter) u64(v uint64) {
	binary.LittleEndian.PutUint64(sw.buf[:8], v)
	sw.raw(sw.buf[:8])
}

func (sw *snapWriter) bytes(b []byte) {
	sw.u32(uint32(len(b)))
	sw.raw(b)
}

// snapReader is the counterpart of snapWriter
type snapReader struct {
	r   io.Reader
	err error
}

func (sr *snapReader) raw(n int) []byte {
	if sr.err != nil {
		return nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(sr.r, b); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		sr.err = err
		return nil
	}
	return b
}

func (sr *snapReader) u8() uint8 {
	if b := sr.raw(1); b != nil {
		return b[0]
	}
	return 0
}

func (sr *snapReader) u64() uint64 {
	if b := sr.raw(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (sr *snapReader) bytes() []byte {
	b := sr.raw(4)
	if b == nil {
		return nil
	}
	n := binary.LittleEndian.Uint32(b)
	if n > maxFieldSize {
		sr.err = fmt.Errorf("invalid snapshot: field of %d bytes exceeds %d", n, maxFieldSize)
		return nil
	}
	return sr.raw(int(n))
}
