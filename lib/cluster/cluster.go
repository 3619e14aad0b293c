package cluster

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"sync/atomic"

	"github.com/ValentinKolb/dRep/rpc/common"
	"github.com/ValentinKolb/dRep/rpc/proto"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("cluster")

// MaxNodes is the largest supported cluster
const MaxNodes = 127

// SyncDecision is the outcome of IgnoreSync
type SyncDecision uint8

const (
	// WaitAway keeps waiting for a peer to go away and serve the sync
	WaitAway SyncDecision = iota
	// RetryOffline means some peers are offline, try to reach them first
	RetryOffline
	// IgnoreSync means no peer is ahead and enough peers wait as well
	IgnoreSync
)

// Cluster is the node registry. It owns the Node values in id order. All
// methods run on the event loop except LowWater, Self().CCID() and
// Self().SCID(), which the maintenance worker may call concurrently.
type Cluster struct {
	self       *Node
	nodes      []*Node
	statusPath string

	// low-water marks, never regress
	ccid atomic.Uint64
	scid atomic.Uint64
}

// New creates the registry from the configured member list. members[i] is node i.
// The persisted low-water marks are loaded from statusPath.
func New(selfID uint8, members []common.Member, secret string, statusPath string) (*Cluster, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("at least one cluster member is required")
	}
	if len(members) > MaxNodes {
		return nil, fmt.Errorf("too many members: %d (max %d)", len(members), MaxNodes)
	}
	if int(selfID) >= len(members) {
		return nil, fmt.Errorf("node id %d is not a member", selfID)
	}

	hashed := HashSecret(secret)
	c := &Cluster{statusPath: statusPath}
	for i, m := range members {
		n := NewNode(uint8(i), m.Zone, m.Addr, m.Port, hashed)
		c.nodes = append(c.nodes, n)
	}
	c.self = c.nodes[selfID]

	if statusPath != "" {
		gs, err := ReadGlobalStatus(statusPath)
		if err != nil {
			return nil, err
		}
		c.ccid.Store(gs.CCID)
		c.scid.Store(gs.SCID)
		Logger.Debugf("Known committed on all nodes: %d, known stored on all nodes: %d", gs.CCID, gs.SCID)
	}
	return c, nil
}

// --------------------------------------------------------------------------
// Lookup
// --------------------------------------------------------------------------

// Self returns the node of this process
func (c *Cluster) Self() *Node {
	return c.self
}

// Node returns the node with id or nil
func (c *Cluster) Node(id uint8) *Node {
	i, ok := c.index(id)
	if !ok {
		return nil
	}
	return c.nodes[i]
}

// Nodes returns every node including self in id order
func (c *Cluster) Nodes() []*Node {
	return slices.Clone(c.nodes)
}

// Peers returns every node except self in id order
func (c *Cluster) Peers() []*Node {
	peers := make([]*Node, 0, len(c.nodes)-1)
	for _, n := range c.nodes {
		if n != c.self {
			peers = append(peers, n)
		}
	}
	return peers
}

// Len returns the number of nodes including self
func (c *Cluster) Len() int {
	return len(c.nodes)
}

func (c *Cluster) index(id uint8) (int, bool) {
	return slices.BinarySearchFunc(c.nodes, id, func(n *Node, id uint8) int {
		return int(n.ID) - int(id)
	})
}

// --------------------------------------------------------------------------
// Quorum
// --------------------------------------------------------------------------

// QuorumSize returns the number of accepting peers (self excluded) a proposal
// needs. With exactly two nodes it drops to 0 while either node is unreachable,
// otherwise a single surviving node could never make a change.
func (c *Cluster) QuorumSize() int {
	n := len(c.nodes)
	if n == 2 {
		for _, node := range c.nodes {
			if !node.Status.Reachable() {
				return 0
			}
		}
	}
	return n / 2
}

// HasQuorum reports whether at least QuorumSize()+1 nodes, self included, are reachable
func (c *Cluster) HasQuorum() bool {
	need := c.QuorumSize() + 1
	q := 0
	for _, n := range c.nodes {
		if n.Status.Reachable() {
			q++
			if q == need {
				return true
			}
		}
	}
	return false
}

// --------------------------------------------------------------------------
// Low-water marks
// --------------------------------------------------------------------------

// CCID recomputes the cluster wide committed mark as the minimum over every
// node. The stored value only moves forward.
func (c *Cluster) CCID() uint64 {
	return raise(&c.ccid, c.min((*Node).CCID))
}

// SCID recomputes the cluster wide stored mark, see CCID
func (c *Cluster) SCID() uint64 {
	return raise(&c.scid, c.min((*Node).SCID))
}

// LowWater returns the last computed marks without recomputing them. It is
// safe to call from any goroutine.
func (c *Cluster) LowWater() GlobalStatus {
	return GlobalStatus{CCID: c.ccid.Load(), SCID: c.scid.Load()}
}

// SaveStatus persists the low-water marks last computed on the loop
func (c *Cluster) SaveStatus() error {
	if c.statusPath == "" {
		return nil
	}
	gs := c.LowWater()
	Logger.Debugf("Save global committed %d and global stored %d to disk", gs.CCID, gs.SCID)
	return WriteGlobalStatus(c.statusPath, gs)
}

func (c *Cluster) min(get func(*Node) uint64) uint64 {
	m := get(c.self)
	for _, n := range c.nodes {
		if v := get(n); v < m {
			m = v
		}
	}
	return m
}

// raise stores v if it is larger than the current value and returns the result
func raise(a *atomic.Uint64, v uint64) uint64 {
	for {
		cur := a.Load()
		if v <= cur {
			return cur
		}
		if a.CompareAndSwap(cur, v) {
			return v
		}
	}
}

// --------------------------------------------------------------------------
// Diagnostics
// --------------------------------------------------------------------------

// NotReadyErr explains why no quorum is available. The first node with a
// synchronizing, building or unreachable status determines the message.
func (c *Cluster) NotReadyErr() error {
	for _, n := range c.nodes {
		switch {
		case n.Status == StatusSynchronizing:
			return common.NewError(common.CodeNode,
				"cannot find a node for handling this request; please wait until %s has finished synchronizing", n)
		case n.Status == StatusBuilding:
			return common.NewError(common.CodeNode,
				"cannot find a node for handling this request; please wait until %s has finished building", n)
		case !n.Status.Reachable():
			return common.NewError(common.CodeNode,
				"cannot find a node for handling this request; at least %s is unreachable, is it turned off?", n)
		}
	}
	return common.NewError(common.CodeNode, "cannot find a node for handling this request")
}

// OfflineFound reports whether a node failed to connect more than three times
// in a row, so it is really offline and not just not connected yet
func (c *Cluster) OfflineFound() bool {
	for _, n := range c.nodes {
		if n.Status <= StatusConnecting && n.retry > 3 {
			return true
		}
	}
	return false
}

// IgnoreSync decides whether a synchronizing node may skip synchronization.
// That is the case after a whole cluster restart: no node is ahead, none is
// ready and more than a quorum is synchronizing.
func (c *Cluster) IgnoreSync(retryOffline bool) SyncDecision {
	m := c.self.CCID()
	if m == 0 {
		return WaitAway
	}

	synchronizing, offline := 0, 0
	for _, n := range c.nodes {
		if n.CCID() > m || n.Status > StatusSynchronizing {
			return WaitAway
		}
		if retryOffline && n.Status < StatusSynchronizing {
			offline++
		}
		if n.Status == StatusSynchronizing {
			synchronizing++
		}
	}

	switch {
	case offline > 0:
		return RetryOffline
	case synchronizing > c.QuorumSize():
		return IgnoreSync
	default:
		return WaitAway
	}
}

// RequireSync reports whether any node is synchronizing
func (c *Cluster) RequireSync() bool {
	for _, n := range c.nodes {
		if n.Status == StatusSynchronizing {
			return true
		}
	}
	return false
}

// AwayNode returns a node in AWAY status or nil
func (c *Cluster) AwayNode() *Node {
	for _, n := range c.nodes {
		if n.Status == StatusAway {
			return n
		}
	}
	return nil
}

// AwayOrSoonNode returns a node in AWAY or AWAY_SOON status or nil
func (c *Cluster) AwayOrSoonNode() *Node {
	for _, n := range c.nodes {
		if n.Status.IsAway() {
			return n
		}
	}
	return nil
}

// RandomReadyNode returns a random READY peer, preferably from the own zone
func (c *Cluster) RandomReadyNode() *Node {
	var same, other []*Node
	for _, n := range c.nodes {
		if n == c.self || n.Status != StatusReady {
			continue
		}
		if n.Zone == c.self.Zone {
			same = append(same, n)
		} else {
			other = append(other, n)
		}
	}
	switch {
	case len(same) > 0:
		return same[rand.IntN(len(same))]
	case len(other) > 0:
		return other[rand.IntN(len(other))]
	}
	return nil
}

// --------------------------------------------------------------------------
// Membership
// --------------------------------------------------------------------------

// CheckAdd validates a new node before the change adding it is proposed. A
// quorum must still be reachable if the new node never connects.
func (c *Cluster) CheckAdd(addr string, port uint16) error {
	n := len(c.nodes)
	maySkip := 0
	if n >= 4 {
		maySkip = n/2 - 1
	}

	if n >= MaxNodes {
		return common.NewError(common.CodeMaxQuota, "maximum number of nodes is reached")
	}
	for _, node := range c.nodes {
		if node.Addr == addr && node.Port == port {
			return common.NewError(common.CodeLookup, "node `%s` already exists (%s)", node.Endpoint(), node)
		}
		if node.Status <= StatusConnected {
			if maySkip == 0 {
				return common.NewError(common.CodeNode,
					"wait for a connection to %s before adding a new node; current status: `%s`", node, node.Status)
			}
			maySkip--
		}
	}
	return nil
}

// NextNodeID returns the id the next added node gets
func (c *Cluster) NextNodeID() uint8 {
	return c.nodes[len(c.nodes)-1].ID + 1
}

// AddNode inserts n. It is called while applying a committed change, so the
// same node is added on every member in the same order.
func (c *Cluster) AddNode(n *Node) error {
	if len(c.nodes) >= MaxNodes {
		return common.NewError(common.CodeMaxQuota, "maximum number of nodes is reached")
	}
	i, found := c.index(n.ID)
	if found {
		return common.NewError(common.CodeLookup, "%s already exists", n)
	}
	c.nodes = slices.Insert(c.nodes, i, n)
	Logger.Infof("Added %s (%s, zone %d)", n, n.Endpoint(), n.Zone)
	return nil
}

// DelNode removes the node with id and closes its stream. Self cannot be removed.
func (c *Cluster) DelNode(id uint8) error {
	if id == c.self.ID {
		return common.NewError(common.CodeBadData, "cannot delete this node (%s)", c.self)
	}
	i, found := c.index(id)
	if !found {
		return common.NewError(common.CodeLookup, "node:%d not found", id)
	}
	n := c.nodes[i]
	c.nodes = slices.Delete(c.nodes, i, i+1)
	if n.Stream != nil {
		n.Stream.Close()
		n.Stream = nil
	}
	Logger.Infof("Deleted %s", n)
	return nil
}

// --------------------------------------------------------------------------
// Broadcast
// --------------------------------------------------------------------------

// Broadcast writes a fire-and-forget package to every peer that receives
// changes (READY, AWAY_SOON, AWAY, SYNCHRONIZING)
func (c *Cluster) Broadcast(tp proto.Type, data []byte) {
	for _, n := range c.nodes {
		if n == c.self || n.Stream == nil || !n.Status.ReceivesChanges() {
			continue
		}
		if err := n.Stream.Write(tp, 0, data); err != nil {
			Logger.Warningf("Failed to write %s to %s: %v", tp, n, err)
		}
	}
}

// BroadcastConnected writes a fire-and-forget package to every connected peer
func (c *Cluster) BroadcastConnected(tp proto.Type, data []byte) {
	for _, n := range c.nodes {
		if n == c.self || n.Stream == nil {
			continue
		}
		if err := n.Stream.Write(tp, 0, data); err != nil {
			Logger.Warningf("Failed to write %s to %s: %v", tp, n, err)
		}
	}
}
