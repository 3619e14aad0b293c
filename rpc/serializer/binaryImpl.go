package serializer

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/dRep/rpc/common"
)

// NewBinarySerializer creates a new serializer using a compact binary format
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format.
//
// Layout: a 4 byte flag word (big endian) followed by the present fields in
// flag order. Zero values are omitted and decode as zero values.
type binarySerializerImpl struct {
}

// Bit flags to indicate which fields are present
const (
	hasNodeID uint32 = 1 << iota
	hasPeerID
	hasStatus
	hasZone
	hasPort
	hasAddr
	hasChangeID
	hasCCID
	hasSCID
	hasScope
	hasFileID
	hasOffset
	hasFirst
	hasLast
	hasMore
	hasSecret
	hasVersion
	hasMinVersion
	hasCode
	hasErr
	hasData
)

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	w := binWriter{buf: make([]byte, 4, b.sizeBytes(msg))}
	var flags uint32

	if msg.NodeID != 0 {
		flags |= hasNodeID
		w.u8(msg.NodeID)
	}
	if msg.PeerID != 0 {
		flags |= hasPeerID
		w.u8(msg.PeerID)
	}
	if msg.Status != 0 {
		flags |= hasStatus
		w.u8(msg.Status)
	}
	if msg.Zone != 0 {
		flags |= hasZone
		w.u8(msg.Zone)
	}
	if msg.Port != 0 {
		flags |= hasPort
		w.u16(msg.Port)
	}
	if msg.Addr != "" {
		flags |= hasAddr
		w.bytes([]byte(msg.Addr))
	}
	if msg.ChangeID != 0 {
		flags |= hasChangeID
		w.u64(msg.ChangeID)
	}
	if msg.CCID != 0 {
		flags |= hasCCID
		w.u64(msg.CCID)
	}
	if msg.SCID != 0 {
		flags |= hasSCID
		w.u64(msg.SCID)
	}
	if msg.Scope != 0 {
		flags |= hasScope
		w.u64(msg.Scope)
	}
	if msg.FileID != 0 {
		flags |= hasFileID
		w.u64(msg.FileID)
	}
	if msg.Offset != 0 {
		flags |= hasOffset
		w.u64(msg.Offset)
	}
	if msg.First != 0 {
		flags |= hasFirst
		w.u64(msg.First)
	}
	if msg.Last != 0 {
		flags |= hasLast
		w.u64(msg.Last)
	}
	if msg.More {
		// the flag alone carries the value
		flags |= hasMore
	}
	if msg.Secret != nil {
		flags |= hasSecret
		w.bytes(msg.Secret)
	}
	if msg.Version != "" {
		flags |= hasVersion
		w.bytes([]byte(msg.Version))
	}
	if msg.MinVersion != "" {
		flags |= hasMinVersion
		w.bytes([]byte(msg.MinVersion))
	}
	if msg.Code != 0 {
		flags |= hasCode
		w.u8(uint8(msg.Code))
	}
	if msg.Err != "" {
		flags |= hasErr
		w.bytes([]byte(msg.Err))
	}
	if msg.Data != nil {
		flags |= hasData
		w.bytes(msg.Data)
	}

	binary.BigEndian.PutUint32(w.buf[0:4], flags)
	return w.buf, nil
}

func (b binarySerializerImpl) Deserialize(data []byte, msg *common.Message) error {
	if len(data) < 4 {
		return fmt.Errorf("data too short for message header")
	}
	flags := binary.BigEndian.Uint32(data[0:4])
	r := binReader{data: data, pos: 4}
	*msg = common.Message{}

	if flags&hasNodeID != 0 {
		msg.NodeID = r.u8("node id")
	}
	if flags&hasPeerID != 0 {
		msg.PeerID = r.u8("peer id")
	}
	if flags&hasStatus != 0 {
		msg.Status = r.u8("status")
	}
	if flags&hasZone != 0 {
		msg.Zone = r.u8("zone")
	}
	if flags&hasPort != 0 {
		msg.Port = r.u16("port")
	}
	if flags&hasAddr != 0 {
		msg.Addr = string(r.bytes("addr"))
	}
	if flags&hasChangeID != 0 {
		msg.ChangeID = r.u64("change id")
	}
	if flags&hasCCID != 0 {
		msg.CCID = r.u64("ccid")
	}
	if flags&hasSCID != 0 {
		msg.SCID = r.u64("scid")
	}
	if flags&hasScope != 0 {
		msg.Scope = r.u64("scope")
	}
	if flags&hasFileID != 0 {
		msg.FileID = r.u64("file id")
	}
	if flags&hasOffset != 0 {
		msg.Offset = r.u64("offset")
	}
	if flags&hasFirst != 0 {
		msg.First = r.u64("first")
	}
	if flags&hasLast != 0 {
		msg.Last = r.u64("last")
	}
	msg.More = flags&hasMore != 0
	if flags&hasSecret != 0 {
		msg.Secret = r.bytes("secret")
	}
	if flags&hasVersion != 0 {
		msg.Version = string(r.bytes("version"))
	}
	if flags&hasMinVersion != 0 {
		msg.MinVersion = string(r.bytes("min version"))
	}
	if flags&hasCode != 0 {
		msg.Code = common.ErrorCode(r.u8("code"))
	}
	if flags&hasErr != 0 {
		msg.Err = string(r.bytes("error"))
	}
	if flags&hasData != 0 {
		msg.Data = r.bytes("data")
	}
	return r.err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// sizeBytes calculates the total size needed for serialization
func (b binarySerializerImpl) sizeBytes(msg common.Message) int {
	size := 4 // flags
	size += 4 // node id, peer id, status, zone
	size += 2 // port
	size += 8 * 9
	size += 1 // code
	size += 4*6 + len(msg.Addr) + len(msg.Secret) + len(msg.Version) + len(msg.MinVersion) + len(msg.Err) + len(msg.Data)
	return size
}

// binWriter appends big endian values to a buffer
type binWriter struct {
	buf []byte
}

func (w *binWriter) u8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *binWriter) u16(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

func (w *binWriter) u64(v uint64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}

// bytes writes a 4 byte length prefix followed by b
func (w *binWriter) bytes(b []byte) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// binReader reads big endian values, the first failure sticks in err and every
// later read returns a zero value
type binReader struct {
	data []byte
	pos  int
	err  error
}

func (r *binReader) need(n int, field string) bool {
	if r.err != nil {
		return false
	}
	if r.pos+n > len(r.data) {
		r.err = fmt.Errorf("data too short for %s", field)
		return false
	}
	return true
}

func (r *binReader) u8(field string) uint8 {
	if !r.need(1, field) {
		return 0
	}
	v := r.data[r.pos]
	r.pos++
	return v
}

func (r *binReader) u16(field string) uint16 {
	if !r.need(2, field) {
		return 0
	}
	v := binary.BigEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v
}

func (r *binReader) u64(field string) uint64 {
	if !r.need(8, field) {
		return 0
	}
	v := binary.BigEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v
}

// bytes returns a copy so the message does not alias the frame buffer
func (r *binReader) bytes(field string) []byte {
	if !r.need(4, field+" length") {
		return nil
	}
	n := int(binary.BigEndian.Uint32(r.data[r.pos:]))
	r.pos += 4
	if !r.need(n, field) {
		return nil
	}
	out := make([]byte, n)
	copy(out, r.data[r.pos:r.pos+n])
	r.pos += n
	return out
}
