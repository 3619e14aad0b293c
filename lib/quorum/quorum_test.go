package quorum

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type outcome struct {
	calls    int
	accepted bool
}

func (o *outcome) cb(accepted bool) {
	o.calls++
	o.accepted = accepted
}

func TestEarlyAcceptFiveNodes(t *testing.T) {
	var o outcome
	q := New(10, 0, 5, 2, 4, o.cb)
	q.Go()

	q.Vote(Accept)
	assert.Equal(t, 0, o.calls)
	q.Vote(Accept)
	require.Equal(t, 1, o.calls, "resolved after 3 of 5 including self")
	assert.True(t, o.accepted)

	// late answers do not call again
	q.Vote(Reject)
	q.Vote(Accept)
	assert.Equal(t, 1, o.calls)
	assert.True(t, q.Resolved())
}

func TestEarlyRejectFiveNodes(t *testing.T) {
	var o outcome
	q := New(10, 0, 5, 2, 4, o.cb)
	q.Go()

	q.Vote(Reject)
	q.Vote(Reject)
	assert.Equal(t, 0, o.calls)
	q.Vote(Reject)
	require.Equal(t, 1, o.calls, "2 accepts are impossible with one peer left")
	assert.False(t, o.accepted)
}

func TestVotesBeforeGo(t *testing.T) {
	var o outcome
	q := New(7, 0, 3, 1, 2, o.cb)
	q.Vote(Accept)
	assert.Equal(t, 0, o.calls)
	q.Go()
	assert.Equal(t, 1, o.calls)
	assert.True(t, o.accepted)
}

func TestZeroRequired(t *testing.T) {
	var o outcome
	q := New(1, 0, 1, 0, 0, o.cb)
	q.Go()
	assert.Equal(t, 1, o.calls)
	assert.True(t, o.accepted)

	// two nodes with an unreachable peer: the peer rejects, quorum is 0
	o = outcome{}
	q = New(1, 0, 2, 0, 1, o.cb)
	q.Vote(Reject)
	q.Go()
	assert.Equal(t, 1, o.calls)
	assert.True(t, o.accepted)
}

func TestAllAnsweredShort(t *testing.T) {
	var o outcome
	q := New(3, 0, 3, 1, 2, o.cb)
	q.Go()
	q.Collision(1)
	assert.Equal(t, 0, o.calls)
	q.Collision(1)
	assert.Equal(t, 1, o.calls)
	assert.False(t, o.accepted, "odd clusters never tie-break")
}

// TestTieBreakTwoContenders lets two nodes of a 4 node cluster propose the same
// id, each gets one accept and collisions naming the other. Exactly one wins.
func TestTieBreakTwoContenders(t *testing.T) {
	for id := uint64(0); id < 300; id++ {
		var a, b outcome
		qa := New(id, 1, 4, 2, 3, a.cb)
		qb := New(id, 2, 4, 2, 3, b.cb)
		qa.Go()
		qb.Go()

		qa.Vote(Accept)
		qa.Collision(2)
		qa.Collision(2)

		qb.Vote(Accept)
		qb.Collision(1)
		qb.Collision(1)

		require.Equal(t, 1, a.calls)
		require.Equal(t, 1, b.calls)
		assert.NotEqual(t, a.accepted, b.accepted, "id %d", id)
		assert.Equal(t, Winner(1, 2, id) == 1, a.accepted)
	}
}

func TestTieBreakNeedsRival(t *testing.T) {
	var o outcome
	q := New(5, 0, 4, 2, 3, o.cb)
	q.Go()
	q.Vote(Accept)
	q.Vote(Reject)
	q.Vote(Reject)
	require.Equal(t, 1, o.calls)
	assert.False(t, o.accepted)
}

func TestTieBreakTwoNodes(t *testing.T) {
	for id := uint64(1); id < 50; id++ {
		var a, b outcome
		qa := New(id, 0, 2, 1, 1, a.cb)
		qb := New(id, 1, 2, 1, 1, b.cb)
		qa.Go()
		qb.Go()
		qa.Collision(1)
		qb.Collision(0)
		assert.NotEqual(t, a.accepted, b.accepted, "id %d", id)
	}
}

func TestEvenClusterEarlyRejectKeepsTieBreak(t *testing.T) {
	var o outcome
	q := New(9, 0, 4, 2, 3, o.cb)
	q.Go()
	q.Collision(3)
	q.Collision(3)
	assert.Equal(t, 0, o.calls, "one accept short is still decided by the tie-break")
	q.Collision(3)
	require.Equal(t, 1, o.calls)
	assert.False(t, o.accepted)
}

func TestWinner(t *testing.T) {
	// deterministic and symmetric
	for id := uint64(0); id < 256; id++ {
		for a := uint8(0); a < 10; a++ {
			for b := uint8(0); b < 10; b++ {
				if a == b {
					continue
				}
				w := Winner(a, b, id)
				assert.Equal(t, w, Winner(b, a, id))
				assert.True(t, w == a || w == b)
			}
		}
	}

	// the winner rotates with the id
	assert.Equal(t, uint8(1), Winner(1, 2, 0))
	assert.Equal(t, uint8(2), Winner(1, 2, 126))
}
