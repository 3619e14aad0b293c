package archive

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/ValentinKolb/dRep/rpc/proto"
)

// recordHeaderSize is payload length + crc32c of the payload
const recordHeaderSize = 8

var (
	crcTable = crc32.MakeTable(crc32.Castagnoli)

	// ErrCRCMismatch is returned when a record does not match its checksum
	ErrCRCMismatch = errors.New("archive: record checksum mismatch")
)

// appendRecord frames data as one record
func appendRecord(b []byte, data []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(data)))
	b = binary.BigEndian.AppendUint32(b, crc32.Checksum(data, crcTable))
	return append(b, data...)
}

// recordReader reads records and remembers the end of the last valid one
type recordReader struct {
	r         *bufio.Reader
	lastValid int64
}

func newRecordReader(r io.Reader) *recordReader {
	return &recordReader{r: bufio.NewReader(r)}
}

// next returns the next payload. io.EOF marks a clean end, everything else a
// torn or corrupt tail.
func (rr *recordReader) next() ([]byte, error) {
	var h [recordHeaderSize]byte
	if _, err := io.ReadFull(rr.r, h[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(h[0:4])
	if length > proto.MaxSize {
		return nil, fmt.Errorf("archive: record of %d bytes exceeds %d", length, proto.MaxSize)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(rr.r, data); err != nil {
		// a partial record is as bad as a partial header
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if crc32.Checksum(data, crcTable) != binary.BigEndian.Uint32(h[4:8]) {
		return nil, ErrCRCMismatch
	}

	rr.lastValid += int64(recordHeaderSize) + int64(length)
	return data, nil
}

// ReadSegment calls fn for every record of the segment file at path in order
func ReadSegment(path string, fn func(data []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return readRecords(f, fn)
}

func readRecords(r io.Reader, fn func(data []byte) error) error {
	rr := newRecordReader(r)
	for {
		data, err := rr.next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(data); err != nil {
			return err
		}
	}
}
