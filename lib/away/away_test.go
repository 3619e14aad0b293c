package away

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dRep/lib/cluster"
	"github.com/ValentinKolb/dRep/lib/loop"
	"github.com/ValentinKolb/dRep/rpc/common"
	"github.com/ValentinKolb/dRep/rpc/proto"
	"github.com/ValentinKolb/dRep/rpc/serializer"
	"github.com/ValentinKolb/dRep/rpc/transport"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSerializer = serializer.NewBinarySerializer()

type fakePipeline struct {
	inflight int
	idle     []func()
	paused   bool
	resumed  int
}

func (p *fakePipeline) Inflight() int { return p.inflight }
func (p *fakePipeline) Pause()        { p.paused = true }
func (p *fakePipeline) Resume()       { p.paused = false; p.resumed++ }

func (p *fakePipeline) OnIdle(fn func()) {
	if p.inflight == 0 {
		fn()
		return
	}
	p.idle = append(p.idle, fn)
}

func (p *fakePipeline) finishOne() {
	p.inflight--
	if p.inflight == 0 {
		for _, fn := range p.idle {
			fn()
		}
		p.idle = nil
	}
}

type fakeStore struct {
	mu    sync.Mutex
	saved []uint64
}

func (s *fakeStore) SaveFile(_ string, ccid uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, ccid)
	return nil
}

func (s *fakeStore) Saved() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.saved...)
}

type fakeArchive struct {
	mu     sync.Mutex
	sealed int
	pruned []uint64
}

func (a *fakeArchive) Seal() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sealed++
	return nil
}

func (a *fakeArchive) Prune(upTo uint64, _ int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruned = append(a.pruned, upTo)
	return 0, nil
}

type fakeSyncs struct {
	busy    bool
	served  int
	stopped int
}

func (s *fakeSyncs) Serve()     { s.served++ }
func (s *fakeSyncs) Busy() bool { return s.busy }
func (s *fakeSyncs) Stop()      { s.stopped++ }

// answerStream answers every request synchronously
type answerStream struct {
	requests int
	answer   func() (proto.Type, []byte)
}

func (s *answerStream) Write(proto.Type, uint16, []byte) error { return nil }
func (s *answerStream) Close()                                 {}
func (s *answerStream) String() string                         { return "answer" }

func (s *answerStream) Request(_ proto.Type, _ []byte, _ time.Duration, cb transport.ResponseFunc) error {
	s.requests++
	tp, data := s.answer()
	cb(&proto.Package{Type: tp, Data: data}, nil)
	return nil
}

func accept() (proto.Type, []byte) { return proto.NodeResAccept, nil }
func reject() (proto.Type, []byte) { return proto.NodeErrReject, nil }

func rejectNaming(rival uint8) func() (proto.Type, []byte) {
	return func() (proto.Type, []byte) {
		data, _ := testSerializer.Serialize(*common.NewCollision(rival))
		return proto.NodeErrReject, data
	}
}

type harness struct {
	loop      *loop.Loop
	clock     *clock.Mock
	cluster   *cluster.Cluster
	pipeline  *fakePipeline
	store     *fakeStore
	archive   *fakeArchive
	syncs     *fakeSyncs
	manager   *Manager
	announced int
}

func newHarness(t *testing.T, n int, statusPath string, answers ...func() (proto.Type, []byte)) *harness {
	t.Helper()
	members := make([]common.Member, n)
	for i := range members {
		members[i] = common.Member{Addr: "127.0.0.1", Port: uint16(9400 + i)}
	}
	c, err := cluster.New(0, members, "secret", statusPath)
	require.NoError(t, err)
	for i, node := range c.Nodes() {
		node.Status = cluster.StatusReady
		if i > 0 && i-1 < len(answers) {
			node.Stream = &answerStream{answer: answers[i-1]}
		}
	}

	h := &harness{
		clock:    clock.NewMock(),
		cluster:  c,
		pipeline: &fakePipeline{},
		store:    &fakeStore{},
		archive:  &fakeArchive{},
		syncs:    &fakeSyncs{},
	}
	h.loop = loop.New(h.clock)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = h.loop.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.loop.Done()
	})

	cfg := DefaultConfig()
	cfg.Interval = time.Minute
	cfg.SnapshotPath = filepath.Join(t.TempDir(), "snapshot")
	h.manager = New(h.loop, c, h.pipeline, h.store, h.archive, h.syncs, testSerializer, cfg, func() { h.announced++ })
	return h
}

// sync runs fn on the loop
func (h *harness) sync(fn func()) {
	h.loop.Sync(fn)
}

func (h *harness) status() cluster.Status {
	var st cluster.Status
	h.sync(func() { st = h.cluster.Self().Status })
	return st
}

func (h *harness) waitState(t *testing.T, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		var got string
		h.sync(func() { got = h.manager.State() })
		return got == want
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSingleNodeCycle(t *testing.T) {
	statusPath := filepath.Join(t.TempDir(), "global_status")
	h := newHarness(t, 1, statusPath)
	h.cluster.Self().SetCCID(5)
	h.cluster.Self().SetSCID(5)
	h.sync(func() { h.cluster.CCID(); h.cluster.SCID() })

	h.sync(h.manager.Tick)
	assert.Equal(t, "idle", h.manager.State(), "the interval has not passed")

	h.clock.Add(time.Minute)
	h.sync(h.manager.Tick)
	h.waitState(t, "idle")

	h.sync(func() {
		assert.Equal(t, 1, h.manager.Cycles())
		assert.Equal(t, cluster.StatusReady, h.cluster.Self().Status)
		assert.False(t, h.pipeline.paused)
		assert.Equal(t, 1, h.pipeline.resumed)
		assert.Equal(t, 1, h.syncs.served)
		assert.Equal(t, 3, h.announced, "away soon, away, ready")
	})
	assert.Equal(t, []uint64{5}, h.store.Saved())
	assert.Equal(t, 1, h.archive.sealed)
	assert.Equal(t, []uint64{5}, h.archive.pruned)

	gs, err := cluster.ReadGlobalStatus(statusPath)
	require.NoError(t, err)
	assert.Equal(t, cluster.GlobalStatus{CCID: 5, SCID: 5}, gs)

	// nothing changed since the snapshot
	h.clock.Add(time.Minute)
	h.sync(h.manager.Tick)
	assert.Len(t, h.store.Saved(), 1)
}

func TestServingWaitsForSyncs(t *testing.T) {
	h := newHarness(t, 3, "", accept, accept)
	h.cluster.Self().SetCCID(3)
	h.syncs.busy = true

	// a synchronizing peer triggers the cycle before the interval passed
	h.sync(func() { h.cluster.Node(2).Status = cluster.StatusSynchronizing })
	h.sync(h.manager.Tick)
	h.waitState(t, "serving")
	assert.Equal(t, cluster.StatusAway, h.status())

	h.sync(h.manager.Tick)
	assert.Equal(t, cluster.StatusAway, h.status())

	h.sync(func() { h.syncs.busy = false })
	h.sync(h.manager.Tick)
	assert.Equal(t, cluster.StatusAway, h.status(), "node 2 still waits for its sync")
	h.sync(func() {
		assert.Equal(t, 1, h.syncs.served)
		assert.Zero(t, h.syncs.stopped, "an idle away node keeps serving")
	})

	h.sync(func() { h.cluster.Node(2).Status = cluster.StatusReady })
	h.sync(h.manager.Tick)
	assert.Equal(t, cluster.StatusReady, h.status())
	assert.Equal(t, "idle", h.manager.State())
	h.sync(func() { assert.Equal(t, 1, h.syncs.stopped) })
}

func TestServingGivesUpOnSilentPeer(t *testing.T) {
	h := newHarness(t, 3, "", accept, accept)
	h.cluster.Self().SetCCID(3)
	h.sync(func() { h.cluster.Node(2).Status = cluster.StatusSynchronizing })

	h.sync(h.manager.Tick)
	h.waitState(t, "serving")

	h.clock.Add(DefaultConfig().SyncWait)
	h.sync(h.manager.Tick)
	assert.Equal(t, cluster.StatusReady, h.status())
}

func TestWaitsForLocalProposals(t *testing.T) {
	h := newHarness(t, 3, "", accept, reject)
	h.cluster.Self().SetCCID(3)
	h.pipeline.inflight = 2

	h.clock.Add(time.Minute)
	h.sync(h.manager.Tick)
	h.sync(func() {
		assert.Equal(t, "waiting", h.manager.State())
		assert.Equal(t, cluster.StatusAwaySoon, h.cluster.Self().Status)
		h.pipeline.finishOne()
		assert.Equal(t, cluster.StatusAwaySoon, h.cluster.Self().Status)
		h.pipeline.finishOne()
	})
	h.waitState(t, "idle")
	assert.Equal(t, []uint64{3}, h.store.Saved())
}

func TestRejectedRequestBacksOff(t *testing.T) {
	h := newHarness(t, 3, "", reject, reject)
	h.cluster.Self().SetCCID(3)

	h.clock.Add(time.Minute)
	h.sync(h.manager.Tick)
	assert.Equal(t, "idle", h.manager.State())
	assert.Equal(t, cluster.StatusReady, h.status())

	s := h.cluster.Node(1).Stream.(*answerStream)
	assert.Equal(t, 1, s.requests)

	h.sync(h.manager.Tick)
	assert.Equal(t, 1, s.requests, "no retry before the back-off passed")

	h.clock.Add(5 * time.Second)
	h.sync(h.manager.Tick)
	assert.Equal(t, 2, s.requests)
	assert.Empty(t, h.store.Saved())
}

func TestTieBreakDecidesContest(t *testing.T) {
	// 4 nodes: one accept, the other two name node 2 as rival. Node 0 and 2
	// sit on ring positions 1 and 3 for disputed id 1, node 0 wins.
	h := newHarness(t, 4, "", accept, rejectNaming(2), rejectNaming(2))
	h.cluster.Self().SetCCID(1)

	h.clock.Add(time.Minute)
	h.sync(h.manager.Tick)
	h.waitState(t, "idle")
	assert.Equal(t, []uint64{1}, h.store.Saved())
}

func TestAccept(t *testing.T) {
	h := newHarness(t, 3, "")
	m := h.manager

	h.sync(func() {
		ok, rival := m.Accept(1)
		assert.True(t, ok)
		assert.Equal(t, -1, rival)

		ok, _ = m.Accept(2)
		assert.False(t, ok, "node 1 was granted first")
		ok, _ = m.Accept(1)
		assert.True(t, ok)
	})

	h.clock.Add(grantWindow)
	h.sync(func() {
		ok, _ := m.Accept(2)
		assert.True(t, ok, "the grant expired")

		h.cluster.Node(1).Status = cluster.StatusAwaySoon
		ok, _ = m.Accept(2)
		assert.False(t, ok, "node 1 is going away")
		h.cluster.Node(1).Status = cluster.StatusReady

		h.pipeline.inflight = 1
		ok, _ = m.Accept(2)
		assert.False(t, ok, "not idle")
		h.pipeline.inflight = 0

		h.cluster.Self().Status = cluster.StatusSynchronizing
		ok, _ = m.Accept(2)
		assert.True(t, ok, "a synchronizing node needs a peer to go away")
		h.cluster.Self().Status = cluster.StatusReady

		m.state = stateRequesting
		ok, rival := m.Accept(2)
		assert.False(t, ok)
		assert.Equal(t, 0, rival)

		tp, data := m.Reply(2)
		assert.Equal(t, proto.NodeErrReject, tp)
		var msg common.Message
		require.NoError(t, testSerializer.Deserialize(data, &msg))
		assert.Equal(t, uint8(0), msg.NodeID)
		m.state = stateIdle

		tp, data = m.Reply(2)
		assert.Equal(t, proto.NodeResAccept, tp)
		assert.Nil(t, data)
	})
}
