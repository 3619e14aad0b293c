package quorum

import (
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("quorum")

// ringSize is the number of positions of the tie-break ring, one per possible node id
const ringSize = 128

// Vote is the answer of one peer
type Vote uint8

const (
	Reject Vote = iota
	Accept
)

// ResolveFunc receives the outcome of a quorum, it is called exactly once
type ResolveFunc func(accepted bool)

// Quorum collects accept and reject votes of a fixed number of peers. It is
// not safe for concurrent use, all calls happen on the event loop.
//
// Votes may arrive before Go is called (a peer that cannot be reached votes
// immediately). Resolution is only evaluated after Go.
type Quorum struct {
	id          uint64 // disputed id, seeds the tie-break
	self        uint8
	clusterSize int
	required    int // accepts needed, self excluded
	peers       int // votes expected

	answered int
	accepted int
	rival    int // node id named by a collision, -1 if none

	started bool
	cb      ResolveFunc
}

// New creates a quorum over peers votes of which required must accept.
// clusterSize includes self and decides whether the tie-break applies.
func New(id uint64, self uint8, clusterSize, required, peers int, cb ResolveFunc) *Quorum {
	return &Quorum{
		id:          id,
		self:        self,
		clusterSize: clusterSize,
		required:    required,
		peers:       peers,
		rival:       -1,
		cb:          cb,
	}
}

// ID returns the disputed id
func (q *Quorum) ID() uint64 {
	return q.id
}

// Resolved reports whether the callback already ran
func (q *Quorum) Resolved() bool {
	return q.cb == nil
}

// Vote records the answer of one peer. Votes beyond the expected number are ignored.
func (q *Quorum) Vote(v Vote) {
	if q.answered == q.peers {
		Logger.Warningf("Quorum %d: ignoring vote beyond %d peers", q.id, q.peers)
		return
	}
	q.answered++
	if v == Accept {
		q.accepted++
	}
	q.eval()
}

// Collision records a reject naming the rival that claims the id
func (q *Quorum) Collision(rival uint8) {
	q.rival = int(rival)
	q.Vote(Reject)
}

// Go starts evaluating. With zero required accepts it resolves immediately.
func (q *Quorum) Go() {
	q.started = true
	q.eval()
}

// slack lowers the early reject threshold by one when the tie-break can still
// decide the vote
func (q *Quorum) slack() int {
	if q.clusterSize%2 == 0 && q.required > 0 {
		return 1
	}
	return 0
}

func (q *Quorum) eval() {
	if !q.started || q.cb == nil {
		return
	}

	if q.accepted >= q.required {
		q.resolve(true)
		return
	}

	remaining := q.peers - q.answered
	if q.accepted+remaining < q.required-q.slack() {
		q.resolve(false)
		return
	}

	if remaining == 0 {
		q.resolve(q.tieBreak())
	}
}

// tieBreak decides a vote that is exactly one accept short in an even sized
// cluster against a named rival
func (q *Quorum) tieBreak() bool {
	if q.clusterSize%2 != 0 || q.accepted != q.required-1 || q.rival < 0 || uint8(q.rival) == q.self {
		return false
	}
	won := Winner(q.self, uint8(q.rival), q.id) == q.self
	Logger.Debugf("Quorum %d: tie-break between node:%d and node:%d, won: %t", q.id, q.self, q.rival, won)
	return won
}

func (q *Quorum) resolve(accepted bool) {
	cb := q.cb
	q.cb = nil
	cb(accepted)
}

// Winner returns which of a and b wins the tie-break for id. Each node sits
// on a ring of 128 positions at (id + node id) mod 128, the lower position
// wins. Every node computes the same result without communication.
func Winner(a, b uint8, id uint64) uint8 {
	pa := (id + uint64(a)) % ringSize
	pb := (id + uint64(b)) % ringSize
	if pa < pb || (pa == pb && a < b) {
		return a
	}
	return b
}
