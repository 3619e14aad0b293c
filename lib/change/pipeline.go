package change

import (
	"fmt"
	"time"

	"github.com/ValentinKolb/dRep/lib/cluster"
	"github.com/ValentinKolb/dRep/lib/quorum"
	"github.com/ValentinKolb/dRep/lib/store"
	"github.com/ValentinKolb/dRep/lib/util"
	"github.com/ValentinKolb/dRep/rpc/common"
	"github.com/ValentinKolb/dRep/rpc/proto"
	"github.com/ValentinKolb/dRep/rpc/serializer"
	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("change")

// Applier executes jobs. The store implements it, the server wraps it to
// handle node membership jobs.
type Applier interface {
	HasScope(scope uint64) bool
	Apply(scope, thing uint64, job store.Job) error
}

// Archive keeps committed changes. Append makes the change durable.
type Archive interface {
	Append(id uint64, data []byte) error
	Get(id uint64) ([]byte, bool)
}

// Config tunes the pipeline
type Config struct {
	ChangeIDTimeout time.Duration // per peer timeout of an id request
	MaxAttempts     int           // id acquisitions per proposal before quorum is declared lost
	MissingAfter    time.Duration // gap age before the missing change is requested
	KillAfter       time.Duration // gap age before the missing id is given up, must exceed ChangeIDTimeout
}

// DefaultConfig returns the production settings
func DefaultConfig() Config {
	return Config{
		ChangeIDTimeout: common.DefaultTimeouts().ChangeID,
		MaxAttempts:     10,
		MissingAfter:    5 * time.Second,
		KillAfter:       90 * time.Second,
	}
}

// Pipeline orders, applies and stores changes. Every method must be called
// on the event loop.
type Pipeline struct {
	cluster    *cluster.Cluster
	applier    Applier
	archive    Archive
	serializer serializer.IRPCSerializer
	clock      clock.Clock
	cfg        Config
	metrics    *Metrics

	queue  *util.MapHeap[*Change]
	nextID uint64           // next id this node proposes or accepts
	owners map[uint64]uint8 // reserved or accepted ids not yet applied, by owner

	inflight int
	idle     []func()
	paused   bool

	// gap bookkeeping
	gapID     uint64
	gapSince  time.Time
	missingAt time.Time
	afterKill bool

	onCommit func(c *Change)
}

// NewPipeline creates a pipeline continuing after the ccid of the cluster's
// own node
func NewPipeline(c *cluster.Cluster, applier Applier, archive Archive, ser serializer.IRPCSerializer,
	clk clock.Clock, cfg Config) *Pipeline {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Pipeline{
		cluster:    c,
		applier:    applier,
		archive:    archive,
		serializer: ser,
		clock:      clk,
		cfg:        cfg,
		metrics:    NewMetrics(),
		queue:      util.NewMapHeap[*Change](),
		nextID:     c.Self().CCID() + 1,
		owners:     map[uint64]uint8{},
	}
}

// Metrics returns the pipeline counters
func (p *Pipeline) Metrics() *Metrics {
	return p.metrics
}

// NextID returns the next change id this node proposes or accepts
func (p *Pipeline) NextID() uint64 {
	return p.nextID
}

// Queued returns the number of changes waiting to be applied
func (p *Pipeline) Queued() int {
	return p.queue.Len()
}

// Inflight returns the number of local proposals not yet committed or failed
func (p *Pipeline) Inflight() int {
	return p.inflight
}

// OnCommit registers fn to be called after every committed change
func (p *Pipeline) OnCommit(fn func(c *Change)) {
	p.onCommit = fn
}

// OnIdle calls fn once no local proposal is in flight, immediately if none is
func (p *Pipeline) OnIdle(fn func()) {
	if p.inflight == 0 {
		fn()
		return
	}
	p.idle = append(p.idle, fn)
}

// --------------------------------------------------------------------------
// Proposing
// --------------------------------------------------------------------------

// Propose acquires an id for a local change over a quorum and queues it. done
// is called once the change is committed or finally failed.
func (p *Pipeline) Propose(scope uint64, things []ThingJobs, done DoneFunc) {
	self := p.cluster.Self()

	if self.Status != cluster.StatusReady {
		p.metrics.Failed.Inc()
		done(0, common.NewError(common.CodeNode, "%s is not ready (status %s)", self, self.Status))
		return
	}
	if !p.cluster.HasQuorum() {
		p.metrics.Failed.Inc()
		done(0, p.cluster.NotReadyErr())
		return
	}
	if !p.applier.HasScope(scope) {
		p.metrics.Failed.Inc()
		done(0, common.NewError(common.CodeLookup, "scope %d not found", scope))
		return
	}

	c := New(scope, self.ID, things)
	c.done = done
	p.inflight++
	p.request(c, 1)
}

// request reserves the next id and asks every peer to accept it
func (p *Pipeline) request(c *Change, attempt int) {
	self := p.cluster.Self()
	id := p.nextID
	p.nextID++
	p.owners[id] = self.ID

	c.ID = id
	c.raw = nil
	c.Status = StatusIDRequested

	peers := p.cluster.Peers()
	q := quorum.New(id, self.ID, p.cluster.Len(), p.cluster.QuorumSize(), len(peers), func(accepted bool) {
		p.resolved(c, attempt, accepted)
	})

	payload, err := p.serializer.Serialize(*common.NewChangeIDRequest(id))
	if err != nil {
		Logger.Errorf("CRITICAL: cannot serialize change id request: %v", err)
	}

	for _, peer := range peers {
		if err != nil || peer.Stream == nil || !peer.Status.Reachable() {
			q.Vote(quorum.Reject)
			continue
		}
		if rerr := peer.Stream.Request(proto.NodeReqChangeID, payload, p.cfg.ChangeIDTimeout, p.voteFunc(q, peer)); rerr != nil {
			Logger.Warningf("Change id request %d to %s failed: %v", id, peer, rerr)
			q.Vote(quorum.Reject)
		}
	}
	q.Go()
}

// voteFunc classifies the answer of one peer
func (p *Pipeline) voteFunc(q *quorum.Quorum, peer *cluster.Node) func(*proto.Package, error) {
	return func(pkg *proto.Package, err error) {
		switch {
		case err != nil:
			Logger.Debugf("Change id %d: no answer from %s: %v", q.ID(), peer, err)
			q.Vote(quorum.Reject)
		case pkg.Type == proto.NodeResChangeID:
			q.Vote(quorum.Accept)
		case pkg.Type == proto.NodeErrCollision:
			var m common.Message
			if derr := p.serializer.Deserialize(pkg.Data, &m); derr != nil {
				Logger.Warningf("Change id %d: invalid collision from %s: %v", q.ID(), peer, derr)
				q.Vote(quorum.Reject)
				return
			}
			q.Collision(m.NodeID)
		default:
			Logger.Debugf("Change id %d: %s answered with %s", q.ID(), peer, pkg.Type)
			q.Vote(quorum.Reject)
		}
	}
}

func (p *Pipeline) resolved(c *Change, attempt int, accepted bool) {
	if accepted {
		c.Status = StatusAccepted
		p.enqueue(c)
		return
	}

	if p.owners[c.ID] == p.cluster.Self().ID {
		delete(p.owners, c.ID)
	}
	if attempt < p.cfg.MaxAttempts {
		Logger.Debugf("Change id %d rejected, retry %d/%d", c.ID, attempt+1, p.cfg.MaxAttempts)
		p.request(c, attempt+1)
		return
	}

	Logger.Errorf("Quorum lost: no change id accepted after %d attempts", attempt)
	c.Status = StatusFailed
	p.metrics.QuorumLost.Inc()
	p.metrics.Failed.Inc()
	p.finishLocal(c, 0, common.NewError(common.CodeQuorum, "quorum lost: no change id accepted after %d attempts", attempt))
}

// finishLocal reports the outcome of a local proposal
func (p *Pipeline) finishLocal(c *Change, id uint64, err error) {
	p.inflight--
	if c.done != nil {
		done := c.done
		c.done = nil
		done(id, err)
	}
	if p.inflight == 0 && len(p.idle) > 0 {
		idle := p.idle
		p.idle = nil
		for _, fn := range idle {
			fn()
		}
	}
}

// --------------------------------------------------------------------------
// Accepting
// --------------------------------------------------------------------------

// AcceptID decides a change id request of origin. When the id is already taken
// it returns false and the node owning the id.
func (p *Pipeline) AcceptID(id uint64, origin uint8) (bool, uint8) {
	if id >= p.nextID {
		p.nextID = id + 1
		p.owners[id] = origin
		return true, origin
	}

	owner, ok := p.owners[id]
	if !ok {
		owner = p.cluster.Self().ID
		if it, queued := p.queue.GetByKey(id); queued {
			owner = it.Value.Origin
		} else if data, found := p.archive.Get(id); found {
			if o, valid := PeekOrigin(data); valid {
				owner = o
			}
		}
	}
	if owner == origin {
		return true, origin
	}
	return false, owner
}

// --------------------------------------------------------------------------
// Ingesting
// --------------------------------------------------------------------------

// Ingest queues a change received from a peer
func (p *Pipeline) Ingest(c *Change) {
	ccid := p.cluster.Self().CCID()
	if c.ID <= ccid {
		Logger.Debugf("Skipping %s, already at %d", c, ccid)
		p.metrics.Skipped.Inc()
		return
	}
	if p.queue.Contains(c.ID) {
		it, _ := p.queue.GetByKey(c.ID)
		if it.Value.Origin != c.Origin {
			Logger.Errorf("CRITICAL: %s from node:%d conflicts with the queued change from node:%d", c, c.Origin, it.Value.Origin)
		}
		p.metrics.Skipped.Inc()
		return
	}
	if c.ID != ccid+1 {
		p.metrics.Unaligned.Inc()
	}
	if c.ID >= p.nextID {
		p.nextID = c.ID + 1
	}
	delete(p.owners, c.ID)

	c.Status = StatusAccepted
	p.queue.AddItem(c.ID, c.ID, c)
	p.process()
}

// enqueue queues an accepted local change
func (p *Pipeline) enqueue(c *Change) {
	p.queue.AddItem(c.ID, c.ID, c)
	p.process()
}

// --------------------------------------------------------------------------
// Applying
// --------------------------------------------------------------------------

// Pause stops applying queued changes, ids are still accepted and queued
func (p *Pipeline) Pause() {
	p.paused = true
}

// Resume applies what was queued while paused
func (p *Pipeline) Resume() {
	p.paused = false
	p.process()
}

// Paused reports whether the pipeline is paused
func (p *Pipeline) Paused() bool {
	return p.paused
}

// process applies queued changes while the head is the next id
func (p *Pipeline) process() {
	for !p.paused {
		it, ok := p.queue.Peek()
		if !ok {
			return
		}
		c := it.Value
		ccid := p.cluster.Self().CCID()

		if c.ID <= ccid {
			p.queue.PopItem()
			p.metrics.Skipped.Inc()
			if c.done != nil {
				Logger.Errorf("CRITICAL: local %s was overtaken at %d", c, ccid)
				p.finishLocal(c, 0, common.NewError(common.CodeInternal, "change id %d was overtaken", c.ID))
			}
			continue
		}
		if c.ID != ccid+1 {
			return
		}

		p.queue.PopItem()
		p.apply(c)
	}
}

// apply executes every job of c in order. A failing job is logged and counted
// but does not stop its siblings.
func (p *Pipeline) apply(c *Change) {
	start := p.clock.Now()
	self := p.cluster.Self()

	var errs *multierror.Error
	if !p.applier.HasScope(c.Scope) {
		Logger.Errorf("CRITICAL: %s targets unknown scope %d", c, c.Scope)
		errs = multierror.Append(errs, common.NewError(common.CodeLookup, "scope %d not found", c.Scope))
	} else {
		for _, tj := range c.Things {
			for _, job := range tj.Jobs {
				if err := p.applier.Apply(c.Scope, tj.Thing, job); err != nil {
					Logger.Errorf("CRITICAL: %s: job %s on thing %d failed: %v", c, job, tj.Thing, err)
					errs = multierror.Append(errs, fmt.Errorf("thing %d: %w", tj.Thing, err))
				}
			}
		}
	}
	if errs != nil {
		p.metrics.Partial.Inc()
	}
	if p.afterKill {
		p.metrics.WithGap.Inc()
		p.afterKill = false
	}

	self.SetCCID(c.ID)
	c.Status = StatusCommitted
	delete(p.owners, c.ID)
	if c.ID >= p.nextID {
		p.nextID = c.ID + 1
	}

	if err := p.archive.Append(c.ID, c.Bytes()); err != nil {
		Logger.Errorf("CRITICAL: cannot archive %s: %v", c, err)
	} else {
		self.SetSCID(c.ID)
		c.Status = StatusStored
	}

	p.metrics.Committed.Inc()
	p.metrics.observeApply(p.clock.Since(start))

	if c.Origin == self.ID && c.done != nil {
		p.broadcast(c)
		p.finishLocal(c, c.ID, errs.ErrorOrNil())
	}
	if p.onCommit != nil {
		p.onCommit(c)
	}
}

// broadcast sends a committed local change to every peer that receives changes
func (p *Pipeline) broadcast(c *Change) {
	payload, err := p.serializer.Serialize(*common.NewChange(c.Bytes()))
	if err != nil {
		Logger.Errorf("CRITICAL: cannot serialize %s: %v", c, err)
		return
	}
	p.cluster.Broadcast(proto.NodeChange, payload)
}

// ApplySync applies a change streamed by a sync. It bypasses the queue, so it
// works while paused. Queued changes following it are applied afterwards.
func (p *Pipeline) ApplySync(c *Change) error {
	ccid := p.cluster.Self().CCID()
	switch {
	case c.ID <= ccid:
		p.metrics.Skipped.Inc()
		return nil
	case c.ID != ccid+1:
		return common.NewError(common.CodeBadData, "expected change %d, got %d", ccid+1, c.ID)
	}
	if it, ok := p.queue.GetByKey(c.ID); ok && it.Value.done != nil {
		return common.NewError(common.CodeInternal, "change %d is a pending local proposal", c.ID)
	}
	p.queue.RemoveByKey(c.ID)
	p.apply(c)
	p.process()
	return nil
}

// SkipTo advances ccid to id when a sync source gave up the ids before it.
// The next applied change counts as applied with a gap.
func (p *Pipeline) SkipTo(id uint64) {
	self := p.cluster.Self()
	ccid := self.CCID()
	if id <= ccid {
		return
	}
	Logger.Warningf("Sync source gave up changes %d-%d, skipping them", ccid+1, id)
	p.metrics.Killed.Add(int(id - ccid))
	self.SetCCID(id)
	self.SetSCID(id)
	if p.nextID <= id {
		p.nextID = id + 1
	}
	p.afterKill = true
}

// Reset moves the pipeline to ccid after a snapshot was restored. Queued
// changes at or below ccid are dropped.
func (p *Pipeline) Reset(ccid uint64) {
	self := p.cluster.Self()
	self.SetCCID(ccid)
	self.SetSCID(ccid)
	if p.nextID <= ccid {
		p.nextID = ccid + 1
	}
	for {
		it, ok := p.queue.Peek()
		if !ok || it.Value.ID > ccid {
			break
		}
		p.queue.PopItem()
	}
	p.gapSince = time.Time{}
	Logger.Infof("Pipeline reset to change %d", ccid)
}

// Missing returns the encoded change id for a peer that asks for it
func (p *Pipeline) Missing(id uint64) ([]byte, bool) {
	if data, ok := p.archive.Get(id); ok {
		return data, true
	}
	if it, ok := p.queue.GetByKey(id); ok && it.Value.Status >= StatusAccepted {
		return it.Value.Bytes(), true
	}
	return nil, false
}

// --------------------------------------------------------------------------
// Gaps
// --------------------------------------------------------------------------

// Tick runs the periodic gap handling. The change after ccid is requested
// from a ready peer once it is missing for MissingAfter. If a later change is
// queued and the id is still missing after KillAfter, it is given up so the
// node does not stall forever.
func (p *Pipeline) Tick() {
	p.pruneOwners()
	self := p.cluster.Self()
	if p.paused || (self.Status != cluster.StatusReady && self.Status != cluster.StatusAwaySoon) {
		return
	}

	ccid := self.CCID()
	want := ccid + 1

	head, queued := p.queue.Peek()
	behind := queued && head.Value.ID > want
	if !queued {
		for _, n := range p.cluster.Peers() {
			if n.Status == cluster.StatusReady && n.CCID() > ccid {
				behind = true
				break
			}
		}
	}
	if !behind {
		p.gapSince = time.Time{}
		return
	}

	now := p.clock.Now()
	if p.gapSince.IsZero() || p.gapID != want {
		p.gapID = want
		p.gapSince = now
		p.missingAt = time.Time{}
		return
	}

	waited := now.Sub(p.gapSince)
	if queued && waited >= p.cfg.KillAfter {
		Logger.Errorf("CRITICAL: change %d killed after waiting %s", want, waited)
		p.metrics.Killed.Inc()
		self.SetCCID(want)
		self.SetSCID(want)
		p.afterKill = true
		p.gapSince = time.Time{}
		p.process()
		return
	}

	if waited >= p.cfg.MissingAfter && (p.missingAt.IsZero() || now.Sub(p.missingAt) >= p.cfg.MissingAfter) {
		p.missingAt = now
		p.requestMissing(want)
	}
}

func (p *Pipeline) requestMissing(id uint64) {
	node := p.cluster.RandomReadyNode()
	if node == nil || node.Stream == nil {
		Logger.Warningf("Change %d is missing and no ready node can provide it", id)
		return
	}
	payload, err := p.serializer.Serialize(*common.NewChangeIDRequest(id))
	if err != nil {
		Logger.Errorf("CRITICAL: cannot serialize missing change request: %v", err)
		return
	}
	Logger.Infof("Requesting missing change %d from %s", id, node)
	if err := node.Stream.Write(proto.NodeMissingChange, 0, payload); err != nil {
		Logger.Warningf("Cannot request missing change %d from %s: %v", id, node, err)
	}
}

// pruneOwners forgets reservations of ids that are applied or skipped
func (p *Pipeline) pruneOwners() {
	ccid := p.cluster.Self().CCID()
	for id := range p.owners {
		if id <= ccid {
			delete(p.owners, id)
		}
	}
}
