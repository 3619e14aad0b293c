package proto

import (
	"encoding/json"
	"fmt"
)

// --------------------------------------------------------------------------
// Package Type Definition
// --------------------------------------------------------------------------

// Type is the type byte of a package. The value space is partitioned into
// families, see Category.
type Type uint8

// Category groups package types by direction and purpose
type Category uint8

const (
	CatUnknown        Category = iota
	CatClientFAF               // client fire-and-forget (0-15)
	CatClientPush              // node -> client push (16-31)
	CatClientRequest           // client requests (32-47)
	CatClientResponse          // client responses (64-95)
	CatClientError             // client errors (96-127)
	CatNodeFAF                 // node fire-and-forget (128-159)
	CatNodeRequest             // node requests (160-191)
	CatNodeResponse            // node responses (192-223)
	CatNodeError               // node errors (224-255)
)

// Category returns the family the type belongs to
func (t Type) Category() Category {
	switch {
	case t < 16:
		return CatClientFAF
	case t < 32:
		return CatClientPush
	case t < 48:
		return CatClientRequest
	case t < 64:
		return CatUnknown
	case t < 96:
		return CatClientResponse
	case t < 128:
		return CatClientError
	case t < 160:
		return CatNodeFAF
	case t < 192:
		return CatNodeRequest
	case t < 224:
		return CatNodeResponse
	default:
		return CatNodeError
	}
}

// IsResponse reports whether the type answers a request (response or error)
func (t Type) IsResponse() bool {
	switch t.Category() {
	case CatClientResponse, CatClientError, CatNodeResponse, CatNodeError:
		return true
	}
	return false
}

// IsError reports whether the type is an error response
func (t Type) IsError() bool {
	c := t.Category()
	return c == CatClientError || c == CatNodeError
}

// IsNode reports whether the type belongs to node to node traffic
func (t Type) IsNode() bool {
	return t >= 128
}

// --------------------------------------------------------------------------
// Package Type Constants
// --------------------------------------------------------------------------

const (
	// client requests and responses

	ClientReqPing   Type = 32 // Ping a node
	ClientReqChange Type = 33 // Submit a change
	ClientReqInfo   Type = 34 // Read node status and counters

	ClientResPing   Type = 64
	ClientResChange Type = 65
	ClientResInfo   Type = 66

	ClientErr Type = 96 // Error with code and message

	// node fire-and-forget

	NodeSyncAbort     Type = 156 // The sender gave up the running sync
	NodeMissingChange Type = 157 // Ask a peer to re-send a change
	NodeChange        Type = 158 // Broadcast of a committed change
	NodeInfo          Type = 159 // Periodic status broadcast

	// node requests

	NodeReqConnect   Type = 176 // Handshake
	NodeReqChangeID  Type = 177 // Change id acquisition
	NodeReqAway      Type = 178 // Away mode negotiation
	NodeReqSync      Type = 181 // Begin synchronization
	NodeReqSyncFPart Type = 182 // Full snapshot chunk
	NodeReqSyncFDone Type = 183 // Full phase done
	NodeReqSyncAPart Type = 184 // Archive segment chunk
	NodeReqSyncADone Type = 185 // Archive phase done
	NodeReqSyncEPart Type = 186 // Single change of the event phase
	NodeReqSyncEDone Type = 187 // Event phase done

	// node responses

	NodeResAccept    Type = 192 // Generic acceptance (away)
	NodeResConnect   Type = 208
	NodeResChangeID  Type = 209
	NodeResSync      Type = 213
	NodeResSyncFPart Type = 214
	NodeResSyncFDone Type = 215
	NodeResSyncAPart Type = 216
	NodeResSyncADone Type = 217
	NodeResSyncEPart Type = 218
	NodeResSyncEDone Type = 219

	// node errors

	NodeErrRes       Type = 240 // Error with code and message
	NodeErrCollision Type = 241 // Change id collision, names the rival node
	NodeErrReject    Type = 242 // Away mode rejected
)

var typeNames = map[Type]string{
	ClientReqPing:     "client-req-ping",
	ClientReqChange:   "client-req-change",
	ClientReqInfo:     "client-req-info",
	ClientResPing:     "client-res-ping",
	ClientResChange:   "client-res-change",
	ClientResInfo:     "client-res-info",
	ClientErr:         "client-err",
	NodeSyncAbort:     "node-sync-abort",
	NodeMissingChange: "node-missing-change",
	NodeChange:        "node-change",
	NodeInfo:          "node-info",
	NodeReqConnect:    "node-req-connect",
	NodeReqChangeID:   "node-req-change-id",
	NodeReqAway:       "node-req-away",
	NodeReqSync:       "node-req-sync",
	NodeReqSyncFPart:  "node-req-syncfpart",
	NodeReqSyncFDone:  "node-req-syncfdone",
	NodeReqSyncAPart:  "node-req-syncapart",
	NodeReqSyncADone:  "node-req-syncadone",
	NodeReqSyncEPart:  "node-req-syncepart",
	NodeReqSyncEDone:  "node-req-syncedone",
	NodeResAccept:     "node-res-accept",
	NodeResConnect:    "node-res-connect",
	NodeResChangeID:   "node-res-change-id",
	NodeResSync:       "node-res-sync",
	NodeResSyncFPart:  "node-res-syncfpart",
	NodeResSyncFDone:  "node-res-syncfdone",
	NodeResSyncAPart:  "node-res-syncapart",
	NodeResSyncADone:  "node-res-syncadone",
	NodeResSyncEPart:  "node-res-syncepart",
	NodeResSyncEDone:  "node-res-syncedone",
	NodeErrRes:        "node-err-res",
	NodeErrCollision:  "node-err-collision",
	NodeErrReject:     "node-err-reject",
}

// String returns the name of the type or its number if unknown
func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// MarshalJSON encodes the type by name
func (t Type) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON decodes a type name written by MarshalJSON
func (t *Type) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for tp, name := range typeNames {
		if name == s {
			*t = tp
			return nil
		}
	}
	return fmt.Errorf("unknown package type: %s", s)
}

// ResponseFor returns the success response type of a request type
func ResponseFor(req Type) Type {
	switch req.Category() {
	case CatClientRequest:
		return req + 32
	case CatNodeRequest:
		if req == NodeReqAway {
			return NodeResAccept
		}
		return req + 32
	}
	return 0
}
