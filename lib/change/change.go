package change

import (
	"fmt"

	"github.com/ValentinKolb/dRep/lib/store"
)

// Status is the lifecycle state of a change
type Status uint8

const (
	StatusNew         Status = iota // created, no id yet
	StatusIDRequested               // id reserved, waiting for the quorum
	StatusAccepted                  // id accepted, queued for apply
	StatusCommitted                 // jobs applied, ccid advanced
	StatusStored                    // appended to the archive, scid advanced
	StatusFailed                    // id acquisition failed
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "NEW"
	case StatusIDRequested:
		return "ID_REQUESTED"
	case StatusAccepted:
		return "ACCEPTED"
	case StatusCommitted:
		return "COMMITTED"
	case StatusStored:
		return "STORED"
	case StatusFailed:
		return "FAILED"
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// ThingJobs is the ordered job list of one thing
type ThingJobs struct {
	Thing uint64
	Jobs  []store.Job
}

// DoneFunc receives the outcome of a local proposal. id is 0 when no id could
// be acquired. A committed change whose jobs partly failed reports its id
// together with the aggregated job errors.
type DoneFunc func(id uint64, err error)

// Change is an ordered mutation unit
type Change struct {
	ID     uint64
	Scope  uint64 // store.RootScope or a collection id
	Origin uint8  // node that proposed the change
	Things []ThingJobs
	Status Status

	raw  []byte   // encoded form, kept once known
	done DoneFunc // set for local proposals only
}

// New creates a change proposed by origin
func New(scope uint64, origin uint8, things []ThingJobs) *Change {
	return &Change{Scope: scope, Origin: origin, Things: things}
}

func (c *Change) String() string {
	return fmt.Sprintf("change:%d", c.ID)
}

// JobCount returns the number of jobs over all things
func (c *Change) JobCount() int {
	n := 0
	for _, t := range c.Things {
		n += len(t.Jobs)
	}
	return n
}

// Bytes returns the encoded change and caches it
func (c *Change) Bytes() []byte {
	if c.raw == nil {
		c.raw = Encode(c)
	}
	return c.raw
}
