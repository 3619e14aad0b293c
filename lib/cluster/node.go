package cluster

import (
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dRep/rpc/common"
	"github.com/ValentinKolb/dRep/rpc/proto"
	"github.com/ValentinKolb/dRep/rpc/transport"
)

// Stream is the part of transport.Stream the registry needs. A node owns its
// stream only while connected.
type Stream interface {
	Write(tp proto.Type, id uint16, data []byte) error
	Request(tp proto.Type, data []byte, timeout time.Duration, cb transport.ResponseFunc) error
	Close()
	String() string
}

const (
	retryBase = time.Second
	retryMax  = time.Minute
)

// Node describes one member of the cluster. Every field except ccid and scid
// is owned by the event loop. ccid and scid are also read by the maintenance
// worker and therefore atomic.
type Node struct {
	ID           uint8
	Zone         uint8
	Addr         string
	Port         uint16
	Secret       []byte // hashed, see HashSecret
	Status       Status
	Version      string
	NextChangeID uint64

	// Stream is nil while disconnected
	Stream Stream

	ccid atomic.Uint64
	scid atomic.Uint64

	retry     int
	nextRetry time.Time
}

// NewNode creates a disconnected node
func NewNode(id, zone uint8, addr string, port uint16, secret []byte) *Node {
	return &Node{ID: id, Zone: zone, Addr: addr, Port: port, Secret: secret}
}

func (n *Node) String() string {
	return fmt.Sprintf("node:%d", n.ID)
}

// Endpoint returns host:port of the node listener
func (n *Node) Endpoint() string {
	return net.JoinHostPort(n.Addr, strconv.Itoa(int(n.Port)))
}

// CCID returns the highest change id the node applied
func (n *Node) CCID() uint64 { return n.ccid.Load() }

// SCID returns the highest change id the node stored
func (n *Node) SCID() uint64 { return n.scid.Load() }

// SetCCID records the highest applied change id
func (n *Node) SetCCID(id uint64) { n.ccid.Store(id) }

// SetSCID records the highest stored change id, it never exceeds ccid
func (n *Node) SetSCID(id uint64) {
	if c := n.ccid.Load(); id > c {
		id = c
	}
	n.scid.Store(id)
}

// Connected reports whether the node has a stream
func (n *Node) Connected() bool {
	return n.Stream != nil
}

// Attach binds stream to the node and resets the retry state
func (n *Node) Attach(s Stream) {
	n.Stream = s
	n.retry = 0
	n.nextRetry = time.Time{}
}

// Detach forgets the stream if it is still s and marks the node offline.
// It returns false when another stream replaced s already.
func (n *Node) Detach(s Stream) bool {
	if n.Stream != s {
		return false
	}
	n.Stream = nil
	n.Status = StatusOffline
	return true
}

// UpdateInfo applies a status announcement of the node
func (n *Node) UpdateInfo(m *common.Message) {
	n.Status = Status(m.Status)
	n.Zone = m.Zone
	n.NextChangeID = m.ChangeID
	n.ccid.Store(m.CCID)
	n.scid.Store(m.SCID)
}

// Info returns a status announcement of the node
func (n *Node) Info() *common.Message {
	return common.NewInfo(n.ID, uint8(n.Status), n.Zone, n.NextChangeID, n.CCID(), n.SCID())
}

// Retries returns the number of failed connection attempts since the last success
func (n *Node) Retries() int {
	return n.retry
}

// DueForRetry reports whether a connection attempt may start at now
func (n *Node) DueForRetry(now time.Time) bool {
	return n.Stream == nil && n.Status == StatusOffline && !now.Before(n.nextRetry)
}

// ScheduleRetry records a failed attempt and computes the next attempt time with
// exponential back-off and +-20% jitter
func (n *Node) ScheduleRetry(now time.Time) time.Duration {
	n.retry++
	d := retryBase << min(n.retry-1, 6)
	if d > retryMax {
		d = retryMax
	}
	d = time.Duration(float64(d) * (0.8 + 0.4*rand.Float64()))
	n.nextRetry = now.Add(d)
	return d
}
