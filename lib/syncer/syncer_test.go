package syncer

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ValentinKolb/dRep/lib/archive"
	"github.com/ValentinKolb/dRep/lib/change"
	"github.com/ValentinKolb/dRep/lib/cluster"
	"github.com/ValentinKolb/dRep/lib/store"
	"github.com/ValentinKolb/dRep/rpc/common"
	"github.com/ValentinKolb/dRep/rpc/proto"
	"github.com/ValentinKolb/dRep/rpc/serializer"
	"github.com/ValentinKolb/dRep/rpc/transport"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testScope uint64 = 1

var testSerializer = serializer.NewBinarySerializer()

// --------------------------------------------------------------------------
// Fake network
// --------------------------------------------------------------------------

// fakeNet delivers requests in FIFO order when flushed
type fakeNet struct {
	queue []func()
}

func (n *fakeNet) post(fn func()) {
	n.queue = append(n.queue, fn)
}

func (n *fakeNet) flush() {
	for len(n.queue) > 0 {
		fn := n.queue[0]
		n.queue = n.queue[1:]
		fn()
	}
}

type handleFunc func(tp proto.Type, data []byte) (proto.Type, []byte)

type fakeStream struct {
	net      *fakeNet
	name     string
	handle   handleFunc
	push     func(tp proto.Type, data []byte)
	closed   bool
	requests map[proto.Type]int
	writes   map[proto.Type]int
}

func (s *fakeStream) Close()         { s.closed = true }
func (s *fakeStream) String() string { return s.name }

func (s *fakeStream) Write(tp proto.Type, _ uint16, data []byte) error {
	if s.closed {
		return transport.ErrClosed
	}
	if s.writes == nil {
		s.writes = map[proto.Type]int{}
	}
	s.writes[tp]++
	if s.push != nil {
		s.net.post(func() { s.push(tp, data) })
	}
	return nil
}

func (s *fakeStream) Request(tp proto.Type, data []byte, _ time.Duration, cb transport.ResponseFunc) error {
	if s.closed {
		return transport.ErrClosed
	}
	if s.requests == nil {
		s.requests = map[proto.Type]int{}
	}
	s.requests[tp]++
	s.net.post(func() {
		if s.closed {
			cb(nil, transport.ErrDisconnected)
			return
		}
		rt, rdata := s.handle(tp, data)
		cb(&proto.Package{Type: rt, Data: rdata}, nil)
	})
	return nil
}

func reply(msg *common.Message, err error, tp proto.Type) (proto.Type, []byte) {
	if err != nil {
		data, _ := testSerializer.Serialize(*common.NewErrorMessage(err))
		return proto.NodeErrRes, data
	}
	data, _ := testSerializer.Serialize(*msg)
	return proto.ResponseFor(tp), data
}

// --------------------------------------------------------------------------
// Nodes
// --------------------------------------------------------------------------

type testNode struct {
	cluster  *cluster.Cluster
	store    *store.Store
	archive  *archive.Archive
	pipeline *change.Pipeline
	cfg      Config
}

func members(n int) []common.Member {
	m := make([]common.Member, n)
	for i := range m {
		m[i] = common.Member{Addr: "127.0.0.1", Port: uint16(9500 + i)}
	}
	return m
}

func newNode(t *testing.T, id uint8, n int) *testNode {
	t.Helper()
	dir := t.TempDir()
	c, err := cluster.New(id, members(n), "secret", "")
	require.NoError(t, err)

	s := store.New()
	require.NoError(t, s.Apply(store.RootScope, testScope, store.Job{Type: store.JobNewCollection, Key: "things"}))

	a, err := archive.Open(filepath.Join(dir, "archive"), archive.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	cfg := DefaultConfig()
	cfg.ChunkSize = 64
	cfg.SnapshotPath = filepath.Join(dir, "snapshot.bin")
	cfg.Dir = filepath.Join(dir, "sync")

	p := change.NewPipeline(c, s, a, testSerializer, clock.NewMock(), change.DefaultConfig())
	return &testNode{cluster: c, store: s, archive: a, pipeline: p, cfg: cfg}
}

func thingChange(id uint64) *change.Change {
	c := change.New(testScope, 0, []change.ThingJobs{{
		Thing: id,
		Jobs: []store.Job{
			{Type: store.JobNew},
			{Type: store.JobSet, Key: "name", Value: []byte(fmt.Sprintf("thing %d", id))},
		},
	}})
	c.ID = id
	return c
}

// applyRange commits the changes first..last on n
func (n *testNode) applyRange(t *testing.T, first, last uint64) {
	t.Helper()
	for id := first; id <= last; id++ {
		require.NoError(t, n.pipeline.ApplySync(thingChange(id)))
	}
}

func (n *testNode) snapshot(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, n.store.Save(&buf, 0))
	return buf.Bytes()
}

// pair wires an away sender (node 0) to a synchronizing receiver (node 1)
type pair struct {
	net      *fakeNet
	sender   *testNode
	receiver *testNode
	manager  *Manager
	recv     *Receiver
	toSender *fakeStream // receiver -> sender
	toRecv   *fakeStream // sender -> receiver
	clock    *clock.Mock
	ready    int
	starts   []uint64 // first change id of every sync request
}

func newPair(t *testing.T) *pair {
	t.Helper()
	p := &pair{net: &fakeNet{}, clock: clock.NewMock()}
	p.sender = newNode(t, 0, 2)
	p.receiver = newNode(t, 1, 2)

	p.manager = NewManager(p.sender.cluster, p.sender.archive, testSerializer, p.sender.cfg)
	p.recv = NewReceiver(p.receiver.cluster, p.receiver.store, p.receiver.pipeline, p.receiver.archive,
		testSerializer, p.clock, p.receiver.cfg, func() { p.ready++ })

	p.sender.cluster.Self().Status = cluster.StatusAway
	p.sender.cluster.Node(1).Status = cluster.StatusSynchronizing
	p.receiver.cluster.Self().Status = cluster.StatusSynchronizing
	p.receiver.cluster.Node(0).Status = cluster.StatusAway
	p.connect()
	return p
}

// connect opens a fresh pair of streams between the two nodes
func (p *pair) connect() {
	p.toRecv = &fakeStream{net: p.net, name: "to-receiver", handle: func(tp proto.Type, data []byte) (proto.Type, []byte) {
		var msg common.Message
		if err := testSerializer.Deserialize(data, &msg); err != nil {
			return reply(nil, err, tp)
		}
		resp, err := p.recv.Handle(0, tp, &msg)
		return reply(resp, err, tp)
	}}
	p.toRecv.push = func(tp proto.Type, data []byte) {
		var msg common.Message
		if tp == proto.NodeSyncAbort && testSerializer.Deserialize(data, &msg) == nil {
			p.recv.Aborted(0, msg.AsError())
		}
	}
	p.toSender = &fakeStream{net: p.net, name: "to-sender", handle: func(tp proto.Type, data []byte) (proto.Type, []byte) {
		var msg common.Message
		if err := testSerializer.Deserialize(data, &msg); err != nil {
			return reply(nil, err, tp)
		}
		p.starts = append(p.starts, msg.ChangeID)
		node := p.sender.cluster.Node(1)
		if err := p.manager.Add(node, node.Stream, msg.ChangeID); err != nil {
			return reply(nil, err, tp)
		}
		p.net.post(p.manager.Kick)
		return reply(&common.Message{}, nil, tp)
	}}
	p.sender.cluster.Node(1).Stream = p.toRecv
	p.receiver.cluster.Node(0).Stream = p.toSender
}

func (p *pair) run(t *testing.T) {
	t.Helper()
	p.manager.Serve()
	p.recv.Tick()
	p.net.flush()
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestChunkWriter(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	content := bytes.Repeat([]byte("0123456789"), 25)
	require.NoError(t, os.WriteFile(src, content, 0o644))

	dst := filepath.Join(dir, "out", "dst")
	w, err := NewChunkWriter(dst)
	require.NoError(t, err)

	var offset uint64
	for {
		data, more, err := ReadChunk(src, offset, 64)
		require.NoError(t, err)
		next, err := w.Write(offset, data)
		require.NoError(t, err)
		offset = next
		if !more {
			break
		}
	}
	assert.Equal(t, uint64(len(content)), w.Offset())

	_, err = w.Write(3, []byte("x"))
	assert.ErrorIs(t, err, ErrOffset, "chunks must arrive in order")

	_, statErr := os.Stat(dst)
	assert.True(t, os.IsNotExist(statErr), "nothing is visible before commit")

	require.NoError(t, w.Commit())
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	_, _, err = ReadChunk(src, uint64(len(content))+1, 64)
	assert.ErrorIs(t, err, ErrOffset)

	data, more, err := ReadChunk(src, uint64(len(content)), 64)
	require.NoError(t, err)
	assert.Empty(t, data)
	assert.False(t, more)
}

func TestChunkWriterAbort(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "dst")
	w, err := NewChunkWriter(dst)
	require.NoError(t, err)
	_, err = w.Write(0, []byte("partial"))
	require.NoError(t, err)
	w.Abort()

	entries, err := os.ReadDir(filepath.Dir(dst))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSyncArchiveAndEvents(t *testing.T) {
	p := newPair(t)

	p.sender.applyRange(t, 1, 4)
	require.NoError(t, p.sender.archive.Seal())
	p.sender.applyRange(t, 5, 8)
	require.NoError(t, p.sender.archive.Seal())
	p.sender.applyRange(t, 9, 10)

	p.receiver.applyRange(t, 1, 2)

	p.run(t)

	assert.Equal(t, cluster.StatusReady, p.receiver.cluster.Self().Status)
	assert.Equal(t, 1, p.ready)
	assert.Equal(t, uint64(10), p.receiver.cluster.Self().CCID())
	assert.Equal(t, p.sender.snapshot(t), p.receiver.snapshot(t))

	assert.Equal(t, 0, p.manager.Len())
	assert.False(t, p.manager.Busy())
	assert.Equal(t, cluster.StatusReady, p.sender.cluster.Node(1).Status)

	assert.Zero(t, p.toRecv.requests[proto.NodeReqSyncFPart], "the archive still holds change 3")
	assert.Greater(t, p.toRecv.requests[proto.NodeReqSyncAPart], 2, "small chunks split the segments")
	assert.Equal(t, 1, p.toRecv.requests[proto.NodeReqSyncADone])
	assert.Equal(t, 2, p.toRecv.requests[proto.NodeReqSyncEPart])
	assert.Equal(t, 1, p.toRecv.requests[proto.NodeReqSyncEDone])

	entries, err := os.ReadDir(p.receiver.cfg.Dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "received segments are removed once applied")
	assert.Equal(t, uint64(10), p.receiver.archive.LastID())
}

func TestSyncFullSnapshot(t *testing.T) {
	p := newPair(t)

	p.sender.applyRange(t, 1, 6)
	require.NoError(t, p.sender.archive.Seal())
	p.sender.applyRange(t, 7, 9)
	require.NoError(t, p.sender.store.SaveFile(p.sender.cfg.SnapshotPath, 9))
	require.NoError(t, p.sender.archive.Seal())
	removed, err := p.sender.archive.Prune(9, 1)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	p.sender.applyRange(t, 10, 11)

	p.run(t)

	assert.Equal(t, cluster.StatusReady, p.receiver.cluster.Self().Status)
	assert.Equal(t, uint64(11), p.receiver.cluster.Self().CCID())
	assert.Equal(t, uint64(11), p.receiver.cluster.Self().SCID())
	assert.Equal(t, p.sender.snapshot(t), p.receiver.snapshot(t))

	assert.Greater(t, p.toRecv.requests[proto.NodeReqSyncFPart], 1)
	assert.Equal(t, 1, p.toRecv.requests[proto.NodeReqSyncFDone])
	// segment 7-9 is covered by the snapshot
	assert.Zero(t, p.toRecv.requests[proto.NodeReqSyncAPart])
	assert.Equal(t, 2, p.toRecv.requests[proto.NodeReqSyncEPart])

	ccid, err := store.SnapshotCCID(p.receiver.cfg.SnapshotPath)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), ccid, "the received snapshot replaces the own one")
	assert.Equal(t, uint64(11), p.receiver.pipeline.NextID()-1)
}

func TestSyncSkipsGivenUpChanges(t *testing.T) {
	p := newPair(t)

	p.sender.applyRange(t, 1, 3)
	p.sender.pipeline.SkipTo(5)
	p.sender.applyRange(t, 6, 7)
	require.NoError(t, p.sender.archive.Seal())

	p.run(t)

	assert.Equal(t, cluster.StatusReady, p.receiver.cluster.Self().Status)
	assert.Equal(t, uint64(7), p.receiver.cluster.Self().CCID())
	assert.Equal(t, uint64(2), p.receiver.pipeline.Metrics().Snapshot().Killed)
	_, ok := p.receiver.store.Get(testScope, 4)
	assert.False(t, ok)
}

func TestSyncNothingMissing(t *testing.T) {
	p := newPair(t)
	p.sender.applyRange(t, 1, 3)
	p.receiver.applyRange(t, 1, 3)

	p.run(t)

	assert.Equal(t, cluster.StatusReady, p.receiver.cluster.Self().Status)
	assert.Len(t, p.toRecv.requests, 1)
	assert.Equal(t, 1, p.toRecv.requests[proto.NodeReqSyncEDone])
}

func TestSyncRejectedByBusyNode(t *testing.T) {
	p := newPair(t)
	p.sender.cluster.Self().Status = cluster.StatusReady

	p.run(t)

	assert.Nil(t, p.recv.Source(), "a rejected request is retried on the next tick")
	assert.Equal(t, cluster.StatusSynchronizing, p.receiver.cluster.Self().Status)
	assert.Equal(t, 0, p.manager.Len())
}

func TestSyncWaitsForServe(t *testing.T) {
	p := newPair(t)
	p.sender.applyRange(t, 1, 3)

	p.recv.Tick()
	p.net.flush()
	assert.Equal(t, 1, p.manager.Len())
	assert.True(t, p.manager.Busy())
	assert.Empty(t, p.toRecv.requests, "nothing is sent before the snapshot is written")

	p.manager.Serve()
	p.net.flush()
	assert.Equal(t, cluster.StatusReady, p.receiver.cluster.Self().Status)
	assert.False(t, p.manager.Busy())
}

func TestSyncQueuedAfterServe(t *testing.T) {
	p := newPair(t)
	p.sender.applyRange(t, 1, 3)

	// the snapshot is written before the peer asks
	p.manager.Serve()
	assert.False(t, p.manager.Busy())
	assert.False(t, p.manager.Busy(), "asking twice does not stop serving")

	p.recv.Tick()
	p.net.flush()
	assert.Equal(t, cluster.StatusReady, p.receiver.cluster.Self().Status)
	assert.Equal(t, uint64(3), p.receiver.cluster.Self().CCID())
	assert.Equal(t, 0, p.manager.Len())
}

func TestSyncWaitsAfterStop(t *testing.T) {
	p := newPair(t)
	p.sender.applyRange(t, 1, 3)

	p.manager.Serve()
	p.manager.Stop()
	p.recv.Tick()
	p.net.flush()
	assert.Empty(t, p.toRecv.requests, "a stopped manager only queues")
	assert.True(t, p.manager.Busy())

	p.manager.Serve()
	p.net.flush()
	assert.Equal(t, cluster.StatusReady, p.receiver.cluster.Self().Status)
}

func TestSyncSenderFailureAbortsReceiver(t *testing.T) {
	p := newPair(t)
	p.sender.applyRange(t, 1, 3)
	require.NoError(t, p.sender.archive.Seal())
	p.sender.applyRange(t, 4, 6)
	require.NoError(t, p.sender.archive.Seal())
	removed, err := p.sender.archive.Prune(6, 1)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	// change 1 needs a full sync, but no snapshot was written
	p.run(t)

	assert.Equal(t, 1, p.toRecv.writes[proto.NodeSyncAbort])
	assert.Nil(t, p.recv.Source(), "the receiver does not wait for the stall timeout")
	assert.Equal(t, 0, p.manager.Len())
	assert.Equal(t, cluster.StatusSynchronizing, p.receiver.cluster.Self().Status)

	require.NoError(t, p.sender.store.SaveFile(p.sender.cfg.SnapshotPath, 6))
	p.recv.Tick()
	p.net.flush()
	assert.Equal(t, cluster.StatusReady, p.receiver.cluster.Self().Status)
	assert.Equal(t, uint64(6), p.receiver.cluster.Self().CCID())
	assert.Equal(t, []uint64{1, 1}, p.starts)
}

func TestSyncDisconnect(t *testing.T) {
	p := newPair(t)
	p.sender.applyRange(t, 1, 4)
	require.NoError(t, p.sender.archive.Seal())
	p.sender.applyRange(t, 5, 6)
	p.receiver.applyRange(t, 1, 2)

	p.manager.Serve()
	p.recv.Tick()

	// deliver the request and the first archive part only
	for i := 0; i < 3 && len(p.net.queue) > 0; i++ {
		fn := p.net.queue[0]
		p.net.queue = p.net.queue[1:]
		fn()
	}
	require.NotNil(t, p.recv.Source())
	require.Equal(t, 1, p.manager.Len())

	p.toRecv.Close()
	p.manager.RemoveStream(p.toRecv)
	p.recv.RemoveStream(p.toSender)
	p.net.flush()

	assert.Equal(t, 0, p.manager.Len(), "no syncer is left for a closed stream")
	assert.Nil(t, p.recv.Source())
	assert.Equal(t, cluster.StatusSynchronizing, p.receiver.cluster.Self().Status)

	entries, err := os.ReadDir(p.receiver.cfg.Dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "partial files are removed")

	// the next sync continues after the own ccid
	p.connect()
	p.recv.Tick()
	p.net.flush()

	assert.Equal(t, []uint64{3, 3}, p.starts)
	assert.Equal(t, cluster.StatusReady, p.receiver.cluster.Self().Status)
	assert.Equal(t, uint64(6), p.receiver.cluster.Self().CCID())
	assert.Equal(t, p.sender.snapshot(t), p.receiver.snapshot(t))
}

func TestReceiverRejectsStrangers(t *testing.T) {
	p := newPair(t)

	_, err := p.recv.Handle(0, proto.NodeReqSyncEPart, &common.Message{})
	assert.Equal(t, common.CodeNode, common.CodeOf(err), "no sync was requested")

	p.recv.Tick()
	_, err = p.recv.Handle(1, proto.NodeReqSyncEPart, &common.Message{})
	assert.Equal(t, common.CodeNode, common.CodeOf(err), "node 1 is not the source")

	_, err = p.recv.Handle(0, proto.NodeReqSyncAPart, common.NewArchivePart(1, 4, 10, []byte("x"), true))
	assert.Equal(t, common.CodeBadData, common.CodeOf(err), "a segment must start at offset 0")

	p.receiver.cluster.Self().Status = cluster.StatusReady
	_, err = p.recv.Handle(0, proto.NodeReqSyncEPart, &common.Message{})
	assert.Equal(t, common.CodeNode, common.CodeOf(err))
}

func TestReceiverStalls(t *testing.T) {
	p := newPair(t)
	p.recv.Tick()
	require.NotNil(t, p.recv.Source())

	p.clock.Add(p.receiver.cfg.Timeouts.SyncDone + time.Second)
	p.recv.Tick()
	assert.Nil(t, p.recv.Source())
}

func TestReceiverSkipsAfterClusterRestart(t *testing.T) {
	r := newNode(t, 0, 3)
	c := r.cluster
	c.Self().SetCCID(5)
	for _, n := range c.Nodes() {
		n.Status = cluster.StatusSynchronizing
		n.SetCCID(5)
	}
	c.Node(2).Status = cluster.StatusOffline

	ready := 0
	recv := NewReceiver(c, r.store, r.pipeline, r.archive, testSerializer, clock.NewMock(), r.cfg, func() { ready++ })

	for i := 0; i < r.cfg.OfflineRetries; i++ {
		recv.Tick()
		require.Equal(t, cluster.StatusSynchronizing, c.Self().Status, "tick %d waits for the offline node", i)
	}
	recv.Tick()
	assert.Equal(t, cluster.StatusReady, c.Self().Status)
	assert.Equal(t, 1, ready)
}

func TestReceiverWaitsForNodeAhead(t *testing.T) {
	r := newNode(t, 0, 3)
	c := r.cluster
	c.Self().SetCCID(5)
	for _, n := range c.Nodes() {
		n.Status = cluster.StatusSynchronizing
	}
	c.Node(1).SetCCID(6)

	recv := NewReceiver(c, r.store, r.pipeline, r.archive, testSerializer, clock.NewMock(), r.cfg, nil)
	for i := 0; i < 5; i++ {
		recv.Tick()
	}
	assert.Equal(t, cluster.StatusSynchronizing, c.Self().Status)
}
