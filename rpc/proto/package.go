package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

const (
	// HeaderSize is the size of the fixed package header:
	// - 4 bytes: payload length (uint32, big endian)
	// - 2 bytes: correlation id (uint16, big endian)
	// - 1 byte:  package type
	// - 1 byte:  check byte (type ^ 0xff)
	HeaderSize = 8

	// MaxSize is the hard ceiling for a payload, larger frames are treated as corrupt
	MaxSize uint32 = 64 * 1024 * 1024
)

var (
	ErrBadCheck = errors.New("invalid package: check byte does not match type")
	ErrTooLarge = errors.New("invalid package: payload exceeds maximum size")
)

// Package is one frame on the wire
type Package struct {
	ID   uint16 // correlation id, echoed by the response
	Type Type
	Data []byte
}

// New creates a package
func New(tp Type, id uint16, data []byte) *Package {
	return &Package{ID: id, Type: tp, Data: data}
}

func (p *Package) String() string {
	return fmt.Sprintf("{type: %s, id: %d, size: %d}", p.Type, p.ID, len(p.Data))
}

// Header encodes the frame header of the package
func (p *Package) Header() [HeaderSize]byte {
	var h [HeaderSize]byte
	binary.BigEndian.PutUint32(h[0:4], uint32(len(p.Data)))
	binary.BigEndian.PutUint16(h[4:6], p.ID)
	h[6] = byte(p.Type)
	h[7] = byte(p.Type) ^ 0xff
	return h
}

// Write writes the package to w as a single frame
func Write(w io.Writer, p *Package) error {
	if uint64(len(p.Data)) > uint64(MaxSize) {
		return ErrTooLarge
	}
	h := p.Header()
	b := net.Buffers{h[:], p.Data}
	_, err := b.WriteTo(w)
	return err
}

// Read reads one frame from r. maxSize limits the accepted payload length,
// zero means MaxSize. A frame with a wrong check byte or an oversized length
// is corrupt, the caller must drop the connection.
func Read(r io.Reader, maxSize uint32) (*Package, error) {
	if maxSize == 0 || maxSize > MaxSize {
		maxSize = MaxSize
	}

	var h [HeaderSize]byte
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return nil, err
	}

	p, length, err := ParseHeader(h[:], maxSize)
	if err != nil {
		return nil, err
	}

	p.Data = make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, p.Data); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
	return p, nil
}

// ParseHeader validates a raw header and returns an empty package and the
// payload length announced by it
func ParseHeader(h []byte, maxSize uint32) (*Package, uint32, error) {
	if len(h) < HeaderSize {
		return nil, 0, fmt.Errorf("invalid package: header too short (%d bytes)", len(h))
	}
	if h[6]^0xff != h[7] {
		return nil, 0, ErrBadCheck
	}
	length := binary.BigEndian.Uint32(h[0:4])
	if length > maxSize {
		return nil, 0, fmt.Errorf("%w (%d > %d)", ErrTooLarge, length, maxSize)
	}
	return &Package{
		ID:   binary.BigEndian.Uint16(h[4:6]),
		Type: Type(h[6]),
	}, length, nil
}
