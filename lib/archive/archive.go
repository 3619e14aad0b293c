package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/ValentinKolb/dRep/lib/change"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("archive")

const (
	openName      = "current.arc"
	segmentSuffix = ".arc"

	// DefaultSegmentSize is the size at which the open segment is sealed
	DefaultSegmentSize int64 = 64 * 1024 * 1024
)

// Segment is a sealed, immutable range of archived changes
type Segment struct {
	First uint64
	Last  uint64
	Path  string
	Size  int64
}

func (s Segment) String() string {
	return fmt.Sprintf("segment[%d-%d]", s.First, s.Last)
}

// Options configure an archive
type Options struct {
	SegmentSize int64 // the open segment is sealed once it grows beyond this, 0 means DefaultSegmentSize
	Sync        bool  // fsync after every append
}

// Archive is the append-only change log of a node. Changes are appended to
// the open segment, which is sealed into a file named after its id range by
// the maintenance worker or once it grows beyond the segment size. Changes of
// the open segment are also kept in memory.
type Archive struct {
	mu   sync.Mutex
	dir  string
	opts Options

	sealed []Segment // sorted by First

	open      *os.File
	openSize  int64
	openFirst uint64
	openLast  uint64
	openIDs   []uint64
	openData  map[uint64][]byte
}

// segmentName returns the file name of a sealed segment
func segmentName(first, last uint64) string {
	return fmt.Sprintf("%016x-%016x%s", first, last, segmentSuffix)
}

func parseSegmentName(name string) (first, last uint64, err error) {
	if !strings.HasSuffix(name, segmentSuffix) || name == openName {
		return 0, 0, fmt.Errorf("archive: %s is not a segment", name)
	}
	_, err = fmt.Sscanf(name, "%016x-%016x.arc", &first, &last)
	return first, last, err
}

// Open loads the archive in dir, creating the directory when needed. A torn
// record at the end of the open segment is truncated.
func Open(dir string, opts Options) (*Archive, error) {
	if opts.SegmentSize <= 0 {
		opts.SegmentSize = DefaultSegmentSize
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	a := &Archive{dir: dir, opts: opts}
	if err := a.load(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Archive) load() error {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return err
	}

	a.sealed = a.sealed[:0]
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		first, last, err := parseSegmentName(e.Name())
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return err
		}
		a.sealed = append(a.sealed, Segment{First: first, Last: last, Path: filepath.Join(a.dir, e.Name()), Size: info.Size()})
	}
	slices.SortFunc(a.sealed, func(x, y Segment) int {
		switch {
		case x.First < y.First:
			return -1
		case x.First > y.First:
			return 1
		}
		return 0
	})

	return a.openCurrent()
}

// openCurrent opens the open segment and reads its records into memory
func (a *Archive) openCurrent() error {
	path := filepath.Join(a.dir, openName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}

	a.openFirst, a.openLast, a.openSize = 0, 0, 0
	a.openIDs = nil
	a.openData = map[uint64][]byte{}

	rr := newRecordReader(f)
	for {
		data, rerr := rr.next()
		if rerr != nil {
			if !errors.Is(rerr, io.EOF) {
				Logger.Warningf("Truncating open segment after %d bytes: %v", rr.lastValid, rerr)
			}
			break
		}
		id, ok := change.PeekID(data)
		if !ok {
			Logger.Warningf("Truncating open segment after %d bytes: record too short", rr.lastValid)
			break
		}
		a.index(id, data)
	}

	if err := f.Truncate(rr.lastValid); err != nil {
		f.Close()
		return err
	}
	if _, err := f.Seek(rr.lastValid, io.SeekStart); err != nil {
		f.Close()
		return err
	}
	a.open = f
	a.openSize = rr.lastValid
	return nil
}

func (a *Archive) index(id uint64, data []byte) {
	if a.openFirst == 0 {
		a.openFirst = id
	}
	a.openLast = id
	a.openIDs = append(a.openIDs, id)
	a.openData[id] = data
}

// Close closes the open segment
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.open == nil {
		return nil
	}
	err := a.open.Close()
	a.open = nil
	return err
}

// --------------------------------------------------------------------------
// Appending and reading
// --------------------------------------------------------------------------

// Append writes the encoded change id to the open segment. Ids must grow.
func (a *Archive) Append(id uint64, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if last := a.lastLocked(); id <= last {
		return fmt.Errorf("archive: change %d is not after the last archived change %d", id, last)
	}

	rec := appendRecord(make([]byte, 0, recordHeaderSize+len(data)), data)
	if _, err := a.open.Write(rec); err != nil {
		// the tail may be torn, drop it so the next append starts clean
		if terr := a.open.Truncate(a.openSize); terr == nil {
			_, _ = a.open.Seek(a.openSize, io.SeekStart)
		}
		return err
	}
	if a.opts.Sync {
		if err := a.open.Sync(); err != nil {
			return err
		}
	}
	a.openSize += int64(len(rec))
	a.index(id, data)

	if a.openSize >= a.opts.SegmentSize {
		return a.sealLocked()
	}
	return nil
}

// Get returns the encoded change id
func (a *Archive) Get(id uint64) ([]byte, bool) {
	a.mu.Lock()
	if data, ok := a.openData[id]; ok {
		a.mu.Unlock()
		return data, true
	}
	seg, ok := a.segmentForLocked(id)
	a.mu.Unlock()
	if !ok || id < seg.First {
		return nil, false
	}

	var found []byte
	errFound := errors.New("found")
	err := ReadSegment(seg.Path, func(data []byte) error {
		if rid, _ := change.PeekID(data); rid == id {
			found = data
			return errFound
		}
		return nil
	})
	if err != nil && !errors.Is(err, errFound) {
		Logger.Warningf("Cannot read %s: %v", seg, err)
	}
	return found, found != nil
}

// Range returns the encoded changes of the open segment with from <= id <= to,
// in id order
func (a *Archive) Range(from, to uint64) [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out [][]byte
	for _, id := range a.openIDs {
		if id >= from && id <= to {
			out = append(out, a.openData[id])
		}
	}
	return out
}

// --------------------------------------------------------------------------
// Segments
// --------------------------------------------------------------------------

// Seal turns the open segment into an immutable segment file. It does nothing
// when the open segment is empty.
func (a *Archive) Seal() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sealLocked()
}

func (a *Archive) sealLocked() error {
	if len(a.openIDs) == 0 {
		return nil
	}
	if err := a.open.Sync(); err != nil {
		return err
	}
	if err := a.open.Close(); err != nil {
		return err
	}

	seg := Segment{
		First: a.openFirst,
		Last:  a.openLast,
		Path:  filepath.Join(a.dir, segmentName(a.openFirst, a.openLast)),
		Size:  a.openSize,
	}
	if err := os.Rename(filepath.Join(a.dir, openName), seg.Path); err != nil {
		return err
	}
	a.sealed = append(a.sealed, seg)
	Logger.Infof("Sealed %s (%d bytes)", seg, seg.Size)
	return a.openCurrent()
}

// Segments returns the sealed segments in id order
func (a *Archive) Segments() []Segment {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.sealed)
}

// SegmentFor returns the first sealed segment holding changes at or after id
func (a *Archive) SegmentFor(id uint64) (Segment, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.segmentForLocked(id)
}

func (a *Archive) segmentForLocked(id uint64) (Segment, bool) {
	i, _ := slices.BinarySearchFunc(a.sealed, id, func(s Segment, id uint64) int {
		switch {
		case s.Last < id:
			return -1
		case s.Last > id:
			return 1
		}
		return 0
	})
	if i == len(a.sealed) {
		return Segment{}, false
	}
	return a.sealed[i], true
}

// OldestID returns the lowest change id still archived, 0 if the archive is empty
func (a *Archive) OldestID() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sealed) > 0 {
		return a.sealed[0].First
	}
	return a.openFirst
}

// LastID returns the highest archived change id, 0 if the archive is empty
func (a *Archive) LastID() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastLocked()
}

func (a *Archive) lastLocked() uint64 {
	if a.openLast != 0 {
		return a.openLast
	}
	if n := len(a.sealed); n > 0 {
		return a.sealed[n-1].Last
	}
	return 0
}

// Prune removes sealed segments whose changes are all at or below upTo, the
// newest keep of them are retained. It returns the number of removed segments.
func (a *Archive) Prune(upTo uint64, keep int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	covered := 0
	for covered < len(a.sealed) && a.sealed[covered].Last <= upTo {
		covered++
	}
	remove := covered - keep
	if remove <= 0 {
		return 0, nil
	}

	for i := 0; i < remove; i++ {
		if err := os.Remove(a.sealed[i].Path); err != nil && !os.IsNotExist(err) {
			a.sealed = a.sealed[i:]
			return i, err
		}
		Logger.Debugf("Pruned %s", a.sealed[i])
	}
	a.sealed = a.sealed[remove:]
	return remove, nil
}

// Reset drops every archived change, used after a full snapshot was restored
func (a *Archive) Reset() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.open != nil {
		a.open.Close()
		a.open = nil
	}
	for _, s := range a.sealed {
		if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	a.sealed = nil
	if err := os.Remove(filepath.Join(a.dir, openName)); err != nil && !os.IsNotExist(err) {
		return err
	}
	Logger.Infof("Archive reset")
	return a.openCurrent()
}
