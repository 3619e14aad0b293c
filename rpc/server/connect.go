package server

import (
	"fmt"
	"net"
	"time"

	"github.com/ValentinKolb/dRep/lib/cluster"
	"github.com/ValentinKolb/dRep/rpc/common"
	"github.com/ValentinKolb/dRep/rpc/proto"
	"github.com/ValentinKolb/dRep/rpc/transport"
)

// --------------------------------------------------------------------------
// Incoming connections
// --------------------------------------------------------------------------

func (s *Server) streamOptions(name string) transport.StreamOptions {
	return transport.StreamOptions{Name: name, WriteTimeout: s.cfg.Timeouts.SyncPart}
}

// accept wraps every accepted connection into a stream. Nodes authenticate
// with a connect request, clients just send their requests.
func (s *Server) accept(connector transport.Connector) transport.AcceptFunc {
	return func(conn net.Conn) {
		if err := connector.Upgrade(conn, s.cfg.Socket); err != nil {
			Logger.Warningf("Cannot upgrade connection from %s: %v", conn.RemoteAddr(), err)
			_ = conn.Close()
			return
		}
		st := transport.NewStream(conn, s.loop, s, s.streamOptions(""))
		if !s.loop.Post(func() {
			s.streams[st] = struct{}{}
			st.Start()
		}) {
			_ = conn.Close()
		}
	}
}

// onConnect authenticates a peer. When both nodes dial each other at the same
// time the connection dialed by the lower node id is kept.
func (s *Server) onConnect(st *transport.Stream, _ *cluster.Node, _ *proto.Package, msg *common.Message) (proto.Type, *common.Message, error) {
	if _, authed := st.Peer(); authed {
		return 0, nil, common.NewError(common.CodeProtocol, "stream %s is already authenticated", st)
	}
	h := msg.Handshake()
	if err := s.checkHandshake(h); err != nil {
		Logger.Warningf("Rejected connection from %s: %v", st, err)
		return 0, nil, err
	}

	self := s.cluster.Self()
	n := s.cluster.Node(h.FromID)
	switch {
	case n == nil:
		return 0, nil, common.NewError(common.CodeLookup, "node:%d is not a member of this cluster", h.FromID)
	case n.Stream != nil && n.Status > cluster.StatusConnected:
		return 0, nil, common.NewError(common.CodeNode, "%s is already connected", n)
	case n.Stream == nil && n.Status == cluster.StatusConnecting && self.ID < n.ID:
		return 0, nil, common.NewError(common.CodeNode, "%s is connecting to %s itself", self, n)
	}

	if old := n.Stream; old != nil {
		Logger.Infof("Replacing stream %s of %s", old, n)
		old.Close()
	}
	s.attach(n, st, msg)
	return proto.NodeResConnect, common.NewConnectRequest(s.handshake(n.ID)), nil
}

func (s *Server) checkHandshake(h common.HandshakeInfo) error {
	self := s.cluster.Self()
	switch {
	case h.FromID == self.ID:
		return common.NewError(common.CodeBadData, "%s cannot connect to itself", self)
	case h.ToID != self.ID:
		return common.NewError(common.CodeLookup, "this is %s, not node:%d", self, h.ToID)
	case !cluster.CheckSecret(self.Secret, h.Secret):
		return common.NewError(common.CodeAuth, "invalid secret of node:%d", h.FromID)
	case cluster.CompareVersions(h.Version, cluster.MinimalVersion) < 0:
		return common.NewError(common.CodeProtocol, "version %s of node:%d is older than %s", h.Version, h.FromID, cluster.MinimalVersion)
	case h.MinVersion != "" && cluster.CompareVersions(cluster.Version, h.MinVersion) < 0:
		return common.NewError(common.CodeProtocol, "node:%d needs version %s, this is %s", h.FromID, h.MinVersion, cluster.Version)
	}
	return nil
}

// handshake describes this node to peer to
func (s *Server) handshake(to uint8) common.HandshakeInfo {
	self := s.cluster.Self()
	return common.HandshakeInfo{
		FromID:       self.ID,
		ToID:         to,
		Secret:       self.Secret,
		Version:      cluster.Version,
		MinVersion:   cluster.MinimalVersion,
		NextChangeID: s.pipeline.NextID(),
		CCID:         self.CCID(),
		SCID:         self.SCID(),
		Status:       uint8(self.Status),
		Zone:         self.Zone,
		Port:         self.Port,
	}
}

// attach binds an authenticated stream to n and takes over the announced state
func (s *Server) attach(n *cluster.Node, st *transport.Stream, msg *common.Message) {
	st.SetPeer(n.ID)
	n.Attach(st)
	n.Version = msg.Version
	n.UpdateInfo(msg)
	Logger.Infof("Connected to %s (status %s, change %d)", n, n.Status, n.CCID())
}

// --------------------------------------------------------------------------
// Outgoing connections
// --------------------------------------------------------------------------

// dialPeers connects to every offline peer whose back-off elapsed
func (s *Server) dialPeers() {
	if s.cluster.Self().Status == cluster.StatusShuttingDown {
		return
	}
	now := s.loop.Clock().Now()
	for _, n := range s.cluster.Peers() {
		if !n.DueForRetry(now) {
			continue
		}
		n.Status = cluster.StatusConnecting
		go s.dial(n, n.Endpoint())
	}
}

// dial runs on its own goroutine and hands the connection to the loop
func (s *Server) dial(n *cluster.Node, endpoint string) {
	conn, err := s.connector.Dial(endpoint, s.cfg.Timeouts.Connect)
	if err == nil {
		if err = s.connector.Upgrade(conn, s.cfg.Socket); err != nil {
			_ = conn.Close()
			conn = nil
		}
	}
	if !s.loop.Post(func() { s.dialed(n, conn, err) }) && conn != nil {
		_ = conn.Close()
	}
}

func (s *Server) dialed(n *cluster.Node, conn net.Conn, err error) {
	if err != nil {
		s.retryLater(n, err)
		return
	}
	if s.cluster.Node(n.ID) != n || n.Stream != nil || s.cluster.Self().Status == cluster.StatusShuttingDown {
		_ = conn.Close()
		return
	}

	st := transport.NewStream(conn, s.loop, s, s.streamOptions(n.String()))
	s.streams[st] = struct{}{}
	st.Start()

	payload, err := s.serializer.Serialize(*common.NewConnectRequest(s.handshake(n.ID)))
	if err == nil {
		err = st.Request(proto.NodeReqConnect, payload, s.cfg.Timeouts.Connect, func(pkg *proto.Package, err error) {
			s.connected(n, st, pkg, err)
		})
	}
	if err != nil {
		st.Close()
		s.retryLater(n, err)
	}
}

// connected handles the answer to a connect request
func (s *Server) connected(n *cluster.Node, st *transport.Stream, pkg *proto.Package, err error) {
	if err != nil {
		st.Close()
		s.retryLater(n, err)
		return
	}

	var msg common.Message
	if derr := s.serializer.Deserialize(pkg.Data, &msg); derr != nil {
		st.Close()
		s.retryLater(n, fmt.Errorf("invalid connect response: %w", derr))
		return
	}
	if pkg.Type != proto.NodeResConnect {
		st.Close()
		s.retryLater(n, msg.AsError())
		return
	}
	if s.cluster.Node(n.ID) != n || n.Stream != nil {
		// the connection dialed by the peer won
		st.Close()
		return
	}

	h := msg.Handshake()
	if h.FromID != n.ID || !cluster.CheckSecret(s.cluster.Self().Secret, h.Secret) {
		st.Close()
		s.retryLater(n, common.NewError(common.CodeAuth, "%s answered with an invalid handshake", n))
		return
	}
	s.attach(n, st, &msg)
}

// retryLater marks n offline and schedules the next connection attempt
func (s *Server) retryLater(n *cluster.Node, err error) {
	if n.Stream != nil {
		return
	}
	n.Status = cluster.StatusOffline
	d := n.ScheduleRetry(s.loop.Clock().Now())
	if n.Retries() <= 3 {
		Logger.Infof("Cannot connect to %s, retry in %s: %v", n, d.Round(10*time.Millisecond), err)
	} else {
		Logger.Debugf("Cannot connect to %s (attempt %d), retry in %s: %v", n, n.Retries(), d.Round(10*time.Millisecond), err)
	}
}
