package change

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/dRep/lib/store"
)

// headerSize is id + scope + origin + thing count
const headerSize = 8 + 8 + 1 + 4

// Encode serializes a change with the format (big endian):
// 8 bytes id, 8 bytes scope, 1 byte origin, 4 bytes thing count, per thing:
// 8 bytes thing id, 4 bytes job count, followed by the jobs (see store.Job)
func Encode(c *Change) []byte {
	size := headerSize
	for _, t := range c.Things {
		size += 8 + 4
		for i := range t.Jobs {
			size += t.Jobs[i].SizeBytes()
		}
	}

	b := make([]byte, 0, size)
	b = binary.BigEndian.AppendUint64(b, c.ID)
	b = binary.BigEndian.AppendUint64(b, c.Scope)
	b = append(b, c.Origin)
	b = binary.BigEndian.AppendUint32(b, uint32(len(c.Things)))
	for _, t := range c.Things {
		b = binary.BigEndian.AppendUint64(b, t.Thing)
		b = binary.BigEndian.AppendUint32(b, uint32(len(t.Jobs)))
		for i := range t.Jobs {
			b = t.Jobs[i].AppendTo(b)
		}
	}
	return b
}

// Decode parses a change written by Encode. The returned change keeps data as
// its encoded form.
func Decode(data []byte) (*Change, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("data too short for change")
	}
	c := &Change{
		ID:     binary.BigEndian.Uint64(data[0:8]),
		Scope:  binary.BigEndian.Uint64(data[8:16]),
		Origin: data[16],
		raw:    data,
	}
	count := binary.BigEndian.Uint32(data[17:21])
	pos := headerSize

	// every thing needs at least 12 bytes, reject absurd counts before allocating
	if uint64(count)*12 > uint64(len(data)-pos) {
		return nil, fmt.Errorf("data too short for %d things", count)
	}
	c.Things = make([]ThingJobs, 0, count)

	for i := uint32(0); i < count; i++ {
		if len(data)-pos < 12 {
			return nil, fmt.Errorf("data too short for thing %d", i)
		}
		t := ThingJobs{Thing: binary.BigEndian.Uint64(data[pos : pos+8])}
		jobs := binary.BigEndian.Uint32(data[pos+8 : pos+12])
		pos += 12

		for j := uint32(0); j < jobs; j++ {
			var job store.Job
			n, err := job.Deserialize(data[pos:])
			if err != nil {
				return nil, fmt.Errorf("thing %d, job %d: %w", t.Thing, j, err)
			}
			t.Jobs = append(t.Jobs, job)
			pos += n
		}
		c.Things = append(c.Things, t)
	}

	if pos != len(data) {
		return nil, fmt.Errorf("%d trailing bytes after change %d", len(data)-pos, c.ID)
	}
	return c, nil
}

// PeekID returns the id of an encoded change without decoding it
func PeekID(data []byte) (uint64, bool) {
	if len(data) < 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(data[0:8]), true
}

// PeekOrigin returns the origin of an encoded change without decoding it
func PeekOrigin(data []byte) (uint8, bool) {
	if len(data) < headerSize {
		return 0, false
	}
	return data[16], true
}
