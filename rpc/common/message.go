package common

import (
	"errors"
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message is the payload of every package. Which fields are used depends on the
// package type, the type itself lives in the frame header.
type Message struct {
	// Node identity and status
	NodeID uint8  `json:"node_id,omitempty"` // Used for: connect (from), info, collision (rival), add/del node
	PeerID uint8  `json:"peer_id,omitempty"` // Used for: connect (to)
	Status uint8  `json:"status,omitempty"`  // Used for: connect, info
	Zone   uint8  `json:"zone,omitempty"`    // Used for: connect, info, add node
	Port   uint16 `json:"port,omitempty"`    // Used for: connect, add node
	Addr   string `json:"addr,omitempty"`    // Used for: add node, client info

	// Change ids
	ChangeID uint64 `json:"change_id,omitempty"` // Used for: change id request, sync start, next change id, missing change
	CCID     uint64 `json:"ccid,omitempty"`      // Used for: connect, info, sync done
	SCID     uint64 `json:"scid,omitempty"`      // Used for: connect, info
	Scope    uint64 `json:"scope,omitempty"`     // Used for: client change

	// Chunk transfer
	FileID uint64 `json:"file_id,omitempty"` // Used for: full phase
	Offset uint64 `json:"offset,omitempty"`  // Used for: full and archive phase (request: write offset, response: next offset)
	First  uint64 `json:"first,omitempty"`   // Used for: archive phase
	Last   uint64 `json:"last,omitempty"`    // Used for: archive phase
	More   bool   `json:"more,omitempty"`    // Used for: full and archive phase

	// Handshake
	Secret     []byte `json:"secret,omitempty"`
	Version    string `json:"version,omitempty"`
	MinVersion string `json:"min_version,omitempty"`

	// Error responses
	Code ErrorCode `json:"code,omitempty"`
	Err  string    `json:"err,omitempty"`

	// Opaque payload: encoded change, chunk bytes, job list or info document
	Data []byte `json:"data,omitempty"`
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// HandshakeInfo is the state a node announces when connecting
type HandshakeInfo struct {
	FromID       uint8
	ToID         uint8
	Secret       []byte
	Version      string
	MinVersion   string
	NextChangeID uint64
	CCID         uint64
	SCID         uint64
	Status       uint8
	Zone         uint8
	Port         uint16
}

// NewConnectRequest creates the handshake request
func NewConnectRequest(info HandshakeInfo) *Message {
	return &Message{
		NodeID:     info.FromID,
		PeerID:     info.ToID,
		Secret:     info.Secret,
		Version:    info.Version,
		MinVersion: info.MinVersion,
		ChangeID:   info.NextChangeID,
		CCID:       info.CCID,
		SCID:       info.SCID,
		Status:     info.Status,
		Zone:       info.Zone,
		Port:       info.Port,
	}
}

// Handshake extracts the handshake fields of a connect request or response
func (m *Message) Handshake() HandshakeInfo {
	return HandshakeInfo{
		FromID:       m.NodeID,
		ToID:         m.PeerID,
		Secret:       m.Secret,
		Version:      m.Version,
		MinVersion:   m.MinVersion,
		NextChangeID: m.ChangeID,
		CCID:         m.CCID,
		SCID:         m.SCID,
		Status:       m.Status,
		Zone:         m.Zone,
		Port:         m.Port,
	}
}

// NewInfo creates a status broadcast
func NewInfo(nodeID, status, zone uint8, nextChangeID, ccid, scid uint64) *Message {
	return &Message{
		NodeID:   nodeID,
		Status:   status,
		Zone:     zone,
		ChangeID: nextChangeID,
		CCID:     ccid,
		SCID:     scid,
	}
}

// NewChangeIDRequest asks a peer to accept a change id
func NewChangeIDRequest(id uint64) *Message {
	return &Message{ChangeID: id}
}

// NewCollision names the node owning a disputed change id
func NewCollision(rival uint8) *Message {
	return &Message{NodeID: rival}
}

// NewChange wraps an encoded change
func NewChange(data []byte) *Message {
	return &Message{Data: data}
}

// NewSyncRequest asks a peer to start syncing at change id start
func NewSyncRequest(start uint64) *Message {
	return &Message{ChangeID: start}
}

// NewFullPart creates a full phase chunk
func NewFullPart(fileID, offset uint64, data []byte, more bool) *Message {
	return &Message{FileID: fileID, Offset: offset, Data: data, More: more}
}

// NewArchivePart creates an archive phase chunk
func NewArchivePart(first, last, offset uint64, data []byte, more bool) *Message {
	return &Message{First: first, Last: last, Offset: offset, Data: data, More: more}
}

// NewChunkResponse answers a chunk with the next offset, 0 when the file is complete
func NewChunkResponse(next uint64, more bool) *Message {
	return &Message{Offset: next, More: more}
}

// NewErrorMessage converts err into an error payload
func NewErrorMessage(err error) *Message {
	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Code: CodeInternal, Msg: err.Error()}
	}
	return &Message{Code: e.Code, Err: e.Msg}
}

// AsError rebuilds the error carried by an error payload
func (m *Message) AsError() error {
	code := m.Code
	if code == 0 {
		code = CodeInternal
	}
	return &Error{Code: code, Msg: m.Err}
}
