package away

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/ValentinKolb/dRep/lib/cluster"
	"github.com/ValentinKolb/dRep/lib/loop"
	"github.com/ValentinKolb/dRep/lib/quorum"
	"github.com/ValentinKolb/dRep/rpc/common"
	"github.com/ValentinKolb/dRep/rpc/proto"
	"github.com/ValentinKolb/dRep/rpc/serializer"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("away")

// Store writes the snapshot the maintenance worker produces
type Store interface {
	SaveFile(path string, ccid uint64) error
}

// Archive is sealed and pruned after every snapshot
type Archive interface {
	Seal() error
	Prune(upTo uint64, keep int) (int, error)
}

// Pipeline is paused while the node is away
type Pipeline interface {
	Inflight() int
	OnIdle(fn func())
	Pause()
	Resume()
}

// SyncServer sends synchronizations to peers while the node is away
type SyncServer interface {
	// Serve starts sending to every peer that asked for a sync
	Serve()
	// Busy reports whether syncs are waiting or running
	Busy() bool
	// Stop ends serving when the node returns to READY
	Stop()
}

// Config tunes the maintenance cycle
type Config struct {
	Interval     time.Duration // minimum time between two cycles
	Timeout      time.Duration // per peer timeout of the away request
	SnapshotPath string
	KeepSegments int           // sealed archive segments kept after pruning
	SyncWait     time.Duration // how long an idle away node waits for synchronizing peers to ask
}

// DefaultConfig returns the production settings, SnapshotPath must be set
func DefaultConfig() Config {
	return Config{
		Interval:     5 * time.Minute,
		Timeout:      common.DefaultTimeouts().Away,
		KeepSegments: 2,
		SyncWait:     10 * time.Second,
	}
}

type state uint8

const (
	stateIdle       state = iota
	stateRequesting       // away request sent to the peers
	stateWaiting          // AWAY_SOON, waiting for local proposals
	stateWorking          // AWAY, the worker writes the snapshot
	stateServing          // AWAY, serving syncs
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateRequesting:
		return "requesting"
	case stateWaiting:
		return "waiting"
	case stateWorking:
		return "working"
	case stateServing:
		return "serving"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// grantWindow is how long an accepted away request blocks other requesters,
// long enough for the requester's status broadcast to arrive
const grantWindow = 10 * time.Second

// Manager negotiates away mode and runs the maintenance cycle. Every method
// must be called on the event loop.
type Manager struct {
	loop       *loop.Loop
	cluster    *cluster.Cluster
	pipeline   Pipeline
	store      Store
	archive    Archive
	syncs      SyncServer
	serializer serializer.IRPCSerializer
	cfg        Config

	state    state
	lastCCID uint64    // ccid of the last snapshot
	nextAt   time.Time // earliest start of the next cycle
	retryAt  time.Time // earliest retry after a rejected request
	servedAt time.Time // start of the serving state

	grantedTo    int // node allowed to go away, -1 for none
	grantedUntil time.Time

	announce func() // broadcasts the own status
	cycles   int
}

// New creates the manager. announce is called after every status change of
// the own node.
func New(l *loop.Loop, c *cluster.Cluster, p Pipeline, s Store, a Archive, syncs SyncServer,
	ser serializer.IRPCSerializer, cfg Config, announce func()) *Manager {
	if announce == nil {
		announce = func() {}
	}
	return &Manager{
		loop:       l,
		cluster:    c,
		pipeline:   p,
		store:      s,
		archive:    a,
		syncs:      syncs,
		serializer: ser,
		cfg:        cfg,
		lastCCID:   c.Self().CCID(),
		nextAt:     l.Clock().Now().Add(cfg.Interval),
		grantedTo:  -1,
		announce:   announce,
	}
}

// Cycles returns the number of completed maintenance cycles
func (m *Manager) Cycles() int {
	return m.cycles
}

// Active reports whether a maintenance cycle is in progress
func (m *Manager) Active() bool {
	return m.state != stateIdle
}

// State names the step of the maintenance cycle
func (m *Manager) State() string {
	return m.state.String()
}

// Tick starts a cycle when one is due or a peer waits for a sync, and
// finishes the cycle once every sync was served
func (m *Manager) Tick() {
	switch m.state {
	case stateServing:
		if m.served() {
			m.finish()
		}
		return
	case stateIdle:
	default:
		return
	}

	self := m.cluster.Self()
	now := m.loop.Clock().Now()
	if self.Status != cluster.StatusReady || now.Before(m.retryAt) || m.granted(now) {
		return
	}
	if m.cluster.AwayOrSoonNode() != nil || !m.cluster.HasQuorum() {
		return
	}

	due := !now.Before(m.nextAt) && self.CCID() != m.lastCCID
	if !due && !m.cluster.RequireSync() {
		return
	}
	m.request()
}

func (m *Manager) granted(now time.Time) bool {
	return m.grantedTo >= 0 && now.Before(m.grantedUntil)
}

// request asks every peer whether this node may go away
func (m *Manager) request() {
	self := m.cluster.Self()
	m.state = stateRequesting

	peers := m.cluster.Peers()
	q := quorum.New(self.CCID(), self.ID, m.cluster.Len(), m.cluster.QuorumSize(), len(peers), m.resolved)

	payload, err := m.serializer.Serialize(*self.Info())
	if err != nil {
		Logger.Errorf("CRITICAL: cannot serialize away request: %v", err)
	}
	for _, peer := range peers {
		if err != nil || peer.Stream == nil || !peer.Status.Reachable() {
			q.Vote(quorum.Reject)
			continue
		}
		if rerr := peer.Stream.Request(proto.NodeReqAway, payload, m.cfg.Timeout, m.voteFunc(q, peer)); rerr != nil {
			q.Vote(quorum.Reject)
		}
	}
	Logger.Debugf("Requesting away mode for %s", self)
	q.Go()
}

func (m *Manager) voteFunc(q *quorum.Quorum, peer *cluster.Node) func(*proto.Package, error) {
	return func(pkg *proto.Package, err error) {
		switch {
		case err != nil:
			q.Vote(quorum.Reject)
		case pkg.Type == proto.NodeResAccept:
			q.Vote(quorum.Accept)
		case pkg.Type == proto.NodeErrReject && len(pkg.Data) > 0:
			var msg common.Message
			if derr := m.serializer.Deserialize(pkg.Data, &msg); derr != nil {
				q.Vote(quorum.Reject)
				return
			}
			q.Collision(msg.NodeID)
		default:
			Logger.Debugf("Away request rejected by %s", peer)
			q.Vote(quorum.Reject)
		}
	}
}

func (m *Manager) resolved(accepted bool) {
	self := m.cluster.Self()
	now := m.loop.Clock().Now()
	if !accepted || self.Status != cluster.StatusReady {
		m.state = stateIdle
		m.retryAt = now.Add(time.Second + rand.N(4*time.Second))
		Logger.Debugf("Away mode rejected, retry after %s", m.retryAt.Sub(now))
		return
	}

	Logger.Infof("Going away soon, waiting for %d local changes", m.pipeline.Inflight())
	m.state = stateWaiting
	self.Status = cluster.StatusAwaySoon
	m.announce()
	m.pipeline.OnIdle(m.goAway)
}

// goAway pauses the pipeline and starts the maintenance worker
func (m *Manager) goAway() {
	self := m.cluster.Self()
	m.state = stateWorking
	self.Status = cluster.StatusAway
	m.pipeline.Pause()
	m.announce()

	ccid := self.CCID()
	Logger.Infof("Away, writing snapshot at change %d", ccid)
	go m.work(ccid)
}

// work runs on the maintenance worker goroutine. It only reads the store,
// the archive and the atomic change ids.
func (m *Manager) work(ccid uint64) {
	start := time.Now()
	err := m.store.SaveFile(m.cfg.SnapshotPath, ccid)
	if err == nil {
		err = m.archive.Seal()
	}
	if err == nil {
		if serr := m.cluster.SaveStatus(); serr != nil {
			Logger.Warningf("Cannot save the global status: %v", serr)
		}
		n, perr := m.archive.Prune(ccid, m.cfg.KeepSegments)
		if perr != nil {
			Logger.Warningf("Cannot prune the archive: %v", perr)
		} else if n > 0 {
			Logger.Infof("Pruned %d archive segments", n)
		}
	}
	Logger.Debugf("Maintenance worker finished in %s", time.Since(start))
	m.loop.Post(func() { m.worked(ccid, err) })
}

func (m *Manager) worked(ccid uint64, err error) {
	if err != nil {
		Logger.Errorf("CRITICAL: maintenance failed at change %d: %v", ccid, err)
	} else {
		m.lastCCID = ccid
	}
	m.state = stateServing
	m.servedAt = m.loop.Clock().Now()
	m.syncs.Serve()
	if m.served() {
		m.finish()
	}
}

// served reports whether every sync is done. A synchronizing peer that has not
// asked yet is waited for up to SyncWait.
func (m *Manager) served() bool {
	if m.syncs.Busy() {
		return false
	}
	return !m.cluster.RequireSync() || m.loop.Clock().Since(m.servedAt) >= m.cfg.SyncWait
}

// finish resumes the pipeline and returns to READY
func (m *Manager) finish() {
	self := m.cluster.Self()
	m.state = stateIdle
	m.cycles++
	m.nextAt = m.loop.Clock().Now().Add(m.cfg.Interval)
	m.syncs.Stop()
	self.Status = cluster.StatusReady
	m.pipeline.Resume()
	m.announce()
	Logger.Infof("Back from away mode at change %d", self.CCID())
}

// Accept decides an away request of node from. A synchronizing node accepts
// as well, it needs a peer to go away. A rejection names a rival
// (>= 0) only when this node requests away mode itself, so the quorum
// tie-break can settle the contest.
func (m *Manager) Accept(from uint8) (bool, int) {
	self := m.cluster.Self()
	now := m.loop.Clock().Now()

	switch {
	case m.state == stateRequesting:
		return false, int(self.ID)
	case m.state != stateIdle:
		return false, -1
	case m.granted(now) && m.grantedTo != int(from):
		return false, -1
	case m.pipeline.Inflight() > 0 || !m.cluster.HasQuorum():
		return false, -1
	}
	if n := m.cluster.AwayOrSoonNode(); n != nil && n.ID != from {
		return false, -1
	}

	m.grantedTo = int(from)
	m.grantedUntil = now.Add(grantWindow)
	return true, -1
}

// Reply returns the response type and payload for an away request of node from
func (m *Manager) Reply(from uint8) (proto.Type, []byte) {
	ok, rival := m.Accept(from)
	if ok {
		Logger.Debugf("Accepted away mode of node:%d", from)
		return proto.NodeResAccept, nil
	}
	if rival < 0 {
		return proto.NodeErrReject, nil
	}
	data, err := m.serializer.Serialize(*common.NewCollision(uint8(rival)))
	if err != nil {
		return proto.NodeErrReject, nil
	}
	return proto.NodeErrReject, data
}
