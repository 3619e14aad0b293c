package syncer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ValentinKolb/dRep/lib/archive"
	"github.com/ValentinKolb/dRep/lib/change"
	"github.com/ValentinKolb/dRep/lib/cluster"
	"github.com/ValentinKolb/dRep/rpc/common"
	"github.com/ValentinKolb/dRep/rpc/proto"
	"github.com/ValentinKolb/dRep/rpc/serializer"
	"github.com/benbjohnson/clock"
)

// Store restores a received snapshot
type Store interface {
	LoadFile(path string) (uint64, error)
}

// Pipeline receives the changes of a sync
type Pipeline interface {
	ApplySync(c *change.Change) error
	SkipTo(id uint64)
	Reset(ccid uint64)
}

// LocalArchive is dropped after a snapshot was restored
type LocalArchive interface {
	Reset() error
}

// Receiver is the synchronizing side. It asks an away peer for a sync and
// applies what the peer sends. Every method must be called on the event loop.
type Receiver struct {
	cluster    *cluster.Cluster
	store      Store
	pipeline   Pipeline
	archive    LocalArchive
	serializer serializer.IRPCSerializer
	clock      clock.Clock
	cfg        Config
	announce   func()

	source   *cluster.Node // peer serving the sync, nil while waiting
	stream   cluster.Stream
	activity time.Time // last package of the running sync
	retries  int       // checks with offline peers

	full     *ChunkWriter
	fullID   uint64
	seg      *ChunkWriter
	segFirst uint64
	segLast  uint64
	segments []string // received segment files in id order
}

// NewReceiver creates the receiving side. announce is called once the node
// is READY again.
func NewReceiver(c *cluster.Cluster, s Store, p Pipeline, a LocalArchive, ser serializer.IRPCSerializer,
	clk clock.Clock, cfg Config, announce func()) *Receiver {
	if clk == nil {
		clk = clock.New()
	}
	if announce == nil {
		announce = func() {}
	}
	return &Receiver{
		cluster:    c,
		store:      s,
		pipeline:   p,
		archive:    a,
		serializer: ser,
		clock:      clk,
		cfg:        cfg,
		announce:   announce,
	}
}

// Source returns the peer serving the running sync or nil
func (r *Receiver) Source() *cluster.Node {
	return r.source
}

// Tick asks an away peer for a sync while this node is synchronizing. When
// no peer is away after a whole cluster restart and no peer is ahead, the
// sync is skipped.
func (r *Receiver) Tick() {
	self := r.cluster.Self()
	if self.Status != cluster.StatusSynchronizing {
		return
	}
	if r.source != nil {
		if idle := r.clock.Since(r.activity); idle > r.cfg.Timeouts.SyncDone {
			Logger.Errorf("Sync from %s stalled for %s, aborting", r.source, idle)
			r.abort()
		}
		return
	}

	node := r.cluster.AwayOrSoonNode()
	if node == nil || node == self || node.Stream == nil {
		switch r.cluster.IgnoreSync(r.retries < r.cfg.OfflineRetries) {
		case cluster.IgnoreSync:
			Logger.Warningf("No node is ahead of change %d, skipping synchronization", self.CCID())
			r.ready()
		case cluster.RetryOffline:
			r.retries++
			Logger.Infof("Waiting for offline nodes before synchronizing (attempt %d)", r.retries)
		}
		return
	}
	r.request(node)
}

func (r *Receiver) request(node *cluster.Node) {
	start := r.cluster.Self().CCID() + 1
	payload, err := r.serializer.Serialize(*common.NewSyncRequest(start))
	if err != nil {
		Logger.Errorf("CRITICAL: cannot serialize sync request: %v", err)
		return
	}

	r.source = node
	r.stream = node.Stream
	r.activity = r.clock.Now()
	stream := node.Stream

	Logger.Infof("Requesting sync from %s starting at change %d", node, start)
	err = stream.Request(proto.NodeReqSync, payload, r.cfg.Timeouts.Sync, func(pkg *proto.Package, err error) {
		if r.stream != stream {
			return
		}
		switch {
		case err != nil:
			Logger.Warningf("Sync request to %s failed: %v", node, err)
			r.abort()
		case pkg.Type != proto.NodeResSync:
			var msg common.Message
			if derr := r.serializer.Deserialize(pkg.Data, &msg); derr == nil && pkg.Type.IsError() {
				Logger.Warningf("Sync request rejected by %s: %v", node, msg.AsError())
			}
			r.abort()
		default:
			r.activity = r.clock.Now()
		}
	})
	if err != nil {
		Logger.Warningf("Cannot request sync from %s: %v", node, err)
		r.abort()
	}
}

// RemoveStream aborts the running sync when its stream closed
func (r *Receiver) RemoveStream(stream cluster.Stream) {
	if r.stream != nil && r.stream == stream {
		Logger.Warningf("Lost connection to %s while synchronizing", r.source)
		r.abort()
	}
}

// Aborted drops the running sync when its source gave up on it. The next
// Tick asks again.
func (r *Receiver) Aborted(from uint8, reason error) {
	if r.source == nil || r.source.ID != from {
		return
	}
	Logger.Warningf("%s aborted the sync: %v", r.source, reason)
	r.abort()
}

// abort drops every partial file. Changes already applied stay, the next
// request continues after them.
func (r *Receiver) abort() {
	if r.full != nil {
		r.full.Abort()
		r.full = nil
	}
	if r.seg != nil {
		r.seg.Abort()
		r.seg = nil
	}
	r.removeSegments()
	r.source = nil
	r.stream = nil
}

func (r *Receiver) removeSegments() {
	for _, path := range r.segments {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			Logger.Warningf("Cannot remove %s: %v", path, err)
		}
	}
	r.segments = nil
}

func (r *Receiver) ready() {
	r.abort()
	r.retries = 0
	r.cluster.Self().Status = cluster.StatusReady
	r.announce()
	Logger.Infof("Synchronized at change %d", r.cluster.Self().CCID())
}

// --------------------------------------------------------------------------
// Handlers
// --------------------------------------------------------------------------

// Handle processes a sync package of type tp sent by node from and returns
// the response payload
func (r *Receiver) Handle(from uint8, tp proto.Type, msg *common.Message) (*common.Message, error) {
	self := r.cluster.Self()
	if self.Status != cluster.StatusSynchronizing {
		return nil, common.NewError(common.CodeNode, "%s is not synchronizing (status `%s`)", self, self.Status)
	}
	if r.source == nil || r.source.ID != from {
		return nil, common.NewError(common.CodeNode, "%s is not synchronizing with node:%d", self, from)
	}
	r.activity = r.clock.Now()

	switch tp {
	case proto.NodeReqSyncFPart:
		return r.onFullPart(msg)
	case proto.NodeReqSyncFDone:
		return r.onFullDone(msg)
	case proto.NodeReqSyncAPart:
		return r.onArchivePart(msg)
	case proto.NodeReqSyncADone:
		return r.onArchiveDone()
	case proto.NodeReqSyncEPart:
		return r.onEventPart(msg)
	case proto.NodeReqSyncEDone:
		return r.onEventDone(msg)
	}
	return nil, common.NewError(common.CodeProtocol, "unexpected sync package %s", tp)
}

func (r *Receiver) onFullPart(msg *common.Message) (*common.Message, error) {
	if r.full == nil || r.fullID != msg.FileID {
		if msg.Offset != 0 {
			return nil, common.NewError(common.CodeBadData, "missing snapshot %d", msg.FileID)
		}
		if r.full != nil {
			r.full.Abort()
		}
		w, err := NewChunkWriter(r.cfg.SnapshotPath)
		if err != nil {
			return nil, err
		}
		r.full, r.fullID = w, msg.FileID
		Logger.Infof("Receiving snapshot at change %d from %s", msg.FileID, r.source)
	}

	next, err := r.full.Write(msg.Offset, msg.Data)
	if err != nil {
		if errors.Is(err, ErrOffset) {
			return nil, common.NewError(common.CodeBadData, "snapshot %d: %v", msg.FileID, err)
		}
		return nil, err
	}
	if !msg.More {
		next = 0
	}
	return common.NewChunkResponse(next, msg.More), nil
}

func (r *Receiver) onFullDone(msg *common.Message) (*common.Message, error) {
	if r.full == nil || r.fullID != msg.FileID {
		return nil, common.NewError(common.CodeBadData, "snapshot %d was not received", msg.FileID)
	}
	w := r.full
	r.full = nil
	if err := w.Commit(); err != nil {
		return nil, err
	}

	ccid, err := r.store.LoadFile(r.cfg.SnapshotPath)
	if err != nil {
		Logger.Errorf("CRITICAL: cannot load received snapshot: %v", err)
		return nil, err
	}
	if err := r.archive.Reset(); err != nil {
		return nil, err
	}
	r.pipeline.Reset(ccid)
	Logger.Infof("Restored snapshot at change %d", ccid)
	return &common.Message{CCID: ccid}, nil
}

func (r *Receiver) segmentPath(first, last uint64) string {
	return filepath.Join(r.cfg.Dir, fmt.Sprintf("%016x-%016x.sync", first, last))
}

func (r *Receiver) onArchivePart(msg *common.Message) (*common.Message, error) {
	if r.seg == nil || r.segFirst != msg.First || r.segLast != msg.Last {
		if msg.Offset != 0 {
			return nil, common.NewError(common.CodeBadData,
				"missing archive file for change range %d-%d", msg.First, msg.Last)
		}
		if r.seg != nil {
			r.seg.Abort()
		}
		w, err := NewChunkWriter(r.segmentPath(msg.First, msg.Last))
		if err != nil {
			return nil, err
		}
		r.seg, r.segFirst, r.segLast = w, msg.First, msg.Last
	}

	next, err := r.seg.Write(msg.Offset, msg.Data)
	if err != nil {
		if errors.Is(err, ErrOffset) {
			return nil, common.NewError(common.CodeBadData, "segment %d-%d: %v", msg.First, msg.Last, err)
		}
		return nil, err
	}
	if msg.More {
		return common.NewChunkResponse(next, true), nil
	}

	w := r.seg
	r.seg = nil
	if err := w.Commit(); err != nil {
		return nil, err
	}
	r.segments = append(r.segments, r.segmentPath(msg.First, msg.Last))
	return common.NewChunkResponse(0, false), nil
}

// onArchiveDone applies every received segment in order
func (r *Receiver) onArchiveDone() (*common.Message, error) {
	defer r.removeSegments()

	for _, path := range r.segments {
		err := archive.ReadSegment(path, func(data []byte) error {
			c, err := change.Decode(data)
			if err != nil {
				return err
			}
			return r.apply(c)
		})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}
	return &common.Message{CCID: r.cluster.Self().CCID()}, nil
}

func (r *Receiver) onEventPart(msg *common.Message) (*common.Message, error) {
	c, err := change.Decode(msg.Data)
	if err != nil {
		return nil, common.NewError(common.CodeBadData, "invalid change: %v", err)
	}
	if err := r.apply(c); err != nil {
		return nil, err
	}
	return &common.Message{CCID: r.cluster.Self().CCID()}, nil
}

func (r *Receiver) onEventDone(msg *common.Message) (*common.Message, error) {
	if r.full != nil || r.seg != nil {
		r.abort()
		return nil, common.NewError(common.CodeBadData, "sync finished with an incomplete file")
	}
	if ccid := r.cluster.Self().CCID(); ccid < msg.CCID {
		Logger.Warningf("Sync finished at change %d, source is at %d", ccid, msg.CCID)
	}
	r.ready()
	return &common.Message{CCID: r.cluster.Self().CCID()}, nil
}

// apply hands a synced change to the pipeline. Ids the source gave up are
// skipped.
func (r *Receiver) apply(c *change.Change) error {
	if ccid := r.cluster.Self().CCID(); c.ID > ccid+1 {
		r.pipeline.SkipTo(c.ID - 1)
	}
	return r.pipeline.ApplySync(c)
}
