package store

import (
	"io"

	"github.com/ValentinKolb/dRep/rpc/common"
)

// RootScope addresses the cluster itself instead of a collection
const RootScope uint64 = 0

// Thing is a set of named fields
type Thing map[string][]byte

// IStore is the replicated state every node holds a full copy of. Jobs are
// applied in change id order by the change pipeline. Reads may happen from any
// goroutine.
type IStore interface {
	// Apply executes a single job on thing inside scope. Root scope jobs
	// that concern node membership are not handled by the store and return
	// an error with code CodeBadData.
	Apply(scope, thing uint64, job Job) error
	// HasScope reports whether scope is the root or an existing collection
	HasScope(scope uint64) bool
	// Get returns a copy of a thing
	Get(scope, thing uint64) (Thing, bool)
	// Collections returns the existing collections ordered by id
	Collections() []CollectionInfo
	// Save writes a snapshot tagged with ccid
	Save(w io.Writer, ccid uint64) error
	// Load replaces the content with a snapshot and returns its ccid
	Load(r io.Reader) (ccid uint64, err error)
}

// CollectionInfo describes a collection
type CollectionInfo = common.CollectionInfo
