package syncer

import (
	"fmt"

	"github.com/ValentinKolb/dRep/lib/archive"
	"github.com/ValentinKolb/dRep/lib/cluster"
	"github.com/ValentinKolb/dRep/lib/store"
	"github.com/ValentinKolb/dRep/rpc/common"
	"github.com/ValentinKolb/dRep/rpc/proto"
	"github.com/ValentinKolb/dRep/rpc/serializer"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("syncer")

// DefaultChunkSize is the payload size of full and archive parts
const DefaultChunkSize = 512 * 1024

// Archive is the part of the change archive a sync reads
type Archive interface {
	OldestID() uint64
	SegmentFor(id uint64) (archive.Segment, bool)
	Range(from, to uint64) [][]byte
}

// Config tunes both sides of a synchronization
type Config struct {
	ChunkSize    int
	SnapshotPath string // snapshot written by the away cycle, restored by a full sync
	Dir          string // receiver scratch directory for archive segments
	Timeouts     common.Timeouts
	// OfflineRetries is how often a synchronizing node waits for offline peers
	// before it may skip the sync after a full cluster restart
	OfflineRetries int
}

// DefaultConfig returns the production settings, SnapshotPath and Dir must be set
func DefaultConfig() Config {
	return Config{
		ChunkSize:      DefaultChunkSize,
		Timeouts:       common.DefaultTimeouts(),
		OfflineRetries: 3,
	}
}

type phase uint8

const (
	phasePending phase = iota
	phaseFull
	phaseArchive
	phaseEvents
)

func (p phase) String() string {
	switch p {
	case phasePending:
		return "pending"
	case phaseFull:
		return "full"
	case phaseArchive:
		return "archive"
	case phaseEvents:
		return "events"
	}
	return fmt.Sprintf("phase(%d)", uint8(p))
}

// sender is one running synchronization towards a peer
type sender struct {
	node   *cluster.Node
	stream cluster.Stream
	start  uint64 // first change id the peer misses
	next   uint64 // next change id to send
	phase  phase

	segments int // archive segments sent
	events   [][]byte
}

func (s *sender) String() string {
	return fmt.Sprintf("sync to %s at change %d (%s)", s.node, s.next, s.phase)
}

// Manager sends synchronizations to peers while this node is away. Every
// method must be called on the event loop.
type Manager struct {
	cluster    *cluster.Cluster
	archive    Archive
	serializer serializer.IRPCSerializer
	cfg        Config

	senders *xsync.MapOf[uint8, *sender]
	serving bool

	metrics   *metrics.Set
	started   *metrics.Counter
	completed *metrics.Counter
	failed    *metrics.Counter
	sent      *metrics.Counter
}

// NewManager creates the sending side
func NewManager(c *cluster.Cluster, a Archive, ser serializer.IRPCSerializer, cfg Config) *Manager {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	set := metrics.NewSet()
	return &Manager{
		cluster:    c,
		archive:    a,
		serializer: ser,
		cfg:        cfg,
		senders:    xsync.NewMapOf[uint8, *sender](),
		metrics:    set,
		started:    set.NewCounter("drep_syncs_started_total"),
		completed:  set.NewCounter("drep_syncs_completed_total"),
		failed:     set.NewCounter("drep_syncs_failed_total"),
		sent:       set.NewCounter("drep_sync_sent_bytes_total"),
	}
}

// Metrics returns the sync counters
func (m *Manager) Metrics() *metrics.Set {
	return m.metrics
}

// Len returns the number of queued and running syncs
func (m *Manager) Len() int {
	return m.senders.Size()
}

// Add queues a sync of every change from start on for node. Only an away
// node accepts syncs, a peer asking again replaces its previous sync.
func (m *Manager) Add(node *cluster.Node, stream cluster.Stream, start uint64) error {
	self := m.cluster.Self()
	if !self.Status.IsAway() {
		return common.NewError(common.CodeNode, "%s is not in away mode and cannot synchronize %s", self, node)
	}
	if stream == nil {
		return common.NewError(common.CodeNode, "%s is not connected", node)
	}
	if old, ok := m.senders.Load(node.ID); ok {
		Logger.Warningf("Replacing %s", old)
	}
	m.senders.Store(node.ID, &sender{node: node, stream: stream, start: start, next: start})
	Logger.Infof("Queued sync to %s starting at change %d", node, start)
	return nil
}

// Serve starts every queued sync. It is called once the snapshot of the away
// cycle is written.
func (m *Manager) Serve() {
	m.serving = true
	m.Kick()
}

// Kick starts queued syncs if the manager is serving
func (m *Manager) Kick() {
	if !m.serving {
		return
	}
	m.senders.Range(func(_ uint8, s *sender) bool {
		if s.phase == phasePending {
			m.begin(s)
		}
		return true
	})
}

// Stop ends serving, syncs queued afterwards wait for the next Serve
func (m *Manager) Stop() {
	m.serving = false
}

// Busy reports whether syncs are queued or running
func (m *Manager) Busy() bool {
	return m.senders.Size() > 0
}

// RemoveStream drops the syncs running on a closed stream
func (m *Manager) RemoveStream(stream cluster.Stream) {
	m.senders.Range(func(id uint8, s *sender) bool {
		if s.stream == stream {
			Logger.Warningf("Stream of %s lost, dropping %s", s.node, s)
			m.senders.Delete(id)
			m.failed.Inc()
		}
		return true
	})
}

// current reports whether s is still the registered sync for its node
func (m *Manager) current(s *sender) bool {
	cur, ok := m.senders.Load(s.node.ID)
	return ok && cur == s
}

func (m *Manager) fail(s *sender, err error) {
	if !m.current(s) {
		return
	}
	Logger.Errorf("Failed %s: %v", s, err)
	m.senders.Delete(s.node.ID)
	m.failed.Inc()

	// the peer asks again instead of waiting for the stall timeout
	payload, serr := m.serializer.Serialize(*common.NewErrorMessage(err))
	if serr != nil {
		return
	}
	if werr := s.stream.Write(proto.NodeSyncAbort, 0, payload); werr != nil {
		Logger.Debugf("Cannot tell %s about the failed sync: %v", s.node, werr)
	}
}

func (m *Manager) done(s *sender) {
	if !m.current(s) {
		return
	}
	m.senders.Delete(s.node.ID)
	m.completed.Inc()
	// the peer announces READY itself, until then it must not look synchronizing
	if s.node.Status == cluster.StatusSynchronizing {
		s.node.Status = cluster.StatusReady
	}
	Logger.Infof("Finished sync to %s at change %d (%d archive segments)", s.node, m.cluster.Self().CCID(), s.segments)
}

// begin picks the first phase. A full snapshot is only sent when the archive
// no longer holds the first change the peer misses.
func (m *Manager) begin(s *sender) {
	m.started.Inc()
	ccid := m.cluster.Self().CCID()
	oldest := m.archive.OldestID()

	if s.start <= ccid && (oldest == 0 || s.start < oldest) {
		fileID, err := store.SnapshotCCID(m.cfg.SnapshotPath)
		if err != nil {
			m.fail(s, fmt.Errorf("cannot read snapshot: %w", err))
			return
		}
		s.phase = phaseFull
		Logger.Infof("Starting %s with snapshot at change %d", s, fileID)
		m.sendFull(s, fileID, 0)
		return
	}
	m.nextSegment(s)
}

// request sends msg as a request of type tp and passes the decoded response
// of type want to fn. Errors fail the sync.
func (m *Manager) request(s *sender, tp proto.Type, msg *common.Message, fn func(resp *common.Message)) {
	payload, err := m.serializer.Serialize(*msg)
	if err != nil {
		m.fail(s, err)
		return
	}
	timeout := m.cfg.Timeouts.SyncPart
	switch tp {
	case proto.NodeReqSyncFDone, proto.NodeReqSyncADone, proto.NodeReqSyncEDone:
		timeout = m.cfg.Timeouts.SyncDone
	}
	m.sent.Add(len(payload))

	want := proto.ResponseFor(tp)
	err = s.stream.Request(tp, payload, timeout, func(pkg *proto.Package, err error) {
		if !m.current(s) {
			return
		}
		if err != nil {
			m.fail(s, fmt.Errorf("%s: %w", tp, err))
			return
		}
		var resp common.Message
		if derr := m.serializer.Deserialize(pkg.Data, &resp); derr != nil {
			m.fail(s, fmt.Errorf("invalid %s: %w", pkg.Type, derr))
			return
		}
		if pkg.Type != want {
			if pkg.Type.IsError() {
				m.fail(s, resp.AsError())
			} else {
				m.fail(s, fmt.Errorf("unexpected response %s to %s", pkg.Type, tp))
			}
			return
		}
		fn(&resp)
	})
	if err != nil {
		m.fail(s, fmt.Errorf("%s: %w", tp, err))
	}
}

// --------------------------------------------------------------------------
// Full phase
// --------------------------------------------------------------------------

func (m *Manager) sendFull(s *sender, fileID, offset uint64) {
	data, more, err := ReadChunk(m.cfg.SnapshotPath, offset, m.cfg.ChunkSize)
	if err != nil {
		m.fail(s, err)
		return
	}
	m.request(s, proto.NodeReqSyncFPart, common.NewFullPart(fileID, offset, data, more), func(resp *common.Message) {
		if resp.More {
			m.sendFull(s, fileID, resp.Offset)
			return
		}
		m.request(s, proto.NodeReqSyncFDone, &common.Message{FileID: fileID}, func(*common.Message) {
			s.next = fileID + 1
			m.nextSegment(s)
		})
	})
}

// --------------------------------------------------------------------------
// Archive phase
// --------------------------------------------------------------------------

// nextSegment sends the sealed segment holding s.next or moves on to the event
// phase when there is none
func (m *Manager) nextSegment(s *sender) {
	seg, ok := m.archive.SegmentFor(s.next)
	if !ok {
		if s.segments == 0 {
			m.sendEvents(s)
			return
		}
		m.request(s, proto.NodeReqSyncADone, &common.Message{}, func(*common.Message) {
			m.sendEvents(s)
		})
		return
	}
	s.phase = phaseArchive
	Logger.Debugf("Sending %s to %s", seg, s.node)
	m.sendSegment(s, seg, 0)
}

func (m *Manager) sendSegment(s *sender, seg archive.Segment, offset uint64) {
	data, more, err := ReadChunk(seg.Path, offset, m.cfg.ChunkSize)
	if err != nil {
		m.fail(s, fmt.Errorf("cannot read %s: %w", seg, err))
		return
	}
	m.request(s, proto.NodeReqSyncAPart, common.NewArchivePart(seg.First, seg.Last, offset, data, more), func(resp *common.Message) {
		if resp.More {
			m.sendSegment(s, seg, resp.Offset)
			return
		}
		s.segments++
		s.next = seg.Last + 1
		m.nextSegment(s)
	})
}

// --------------------------------------------------------------------------
// Event phase
// --------------------------------------------------------------------------

// sendEvents sends the changes of the open segment one by one and finishes
// with the ccid of this node
func (m *Manager) sendEvents(s *sender) {
	s.phase = phaseEvents
	ccid := m.cluster.Self().CCID()
	if s.next <= ccid {
		s.events = m.archive.Range(s.next, ccid)
	}
	m.nextEvent(s)
}

func (m *Manager) nextEvent(s *sender) {
	if len(s.events) == 0 {
		ccid := m.cluster.Self().CCID()
		m.request(s, proto.NodeReqSyncEDone, &common.Message{CCID: ccid}, func(*common.Message) {
			m.done(s)
		})
		return
	}
	data := s.events[0]
	s.events = s.events[1:]
	m.request(s, proto.NodeReqSyncEPart, common.NewChange(data), func(*common.Message) {
		m.nextEvent(s)
	})
}
