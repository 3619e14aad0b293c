package server

import (
	"github.com/ValentinKolb/dRep/lib/change"
	"github.com/ValentinKolb/dRep/lib/cluster"
	"github.com/ValentinKolb/dRep/rpc/common"
	"github.com/ValentinKolb/dRep/rpc/proto"
	"github.com/ValentinKolb/dRep/rpc/transport"
)

// handlerFunc processes a package. It returns the response to send, a zero
// type sends nothing because the package needs no answer or the handler
// answers later.
type handlerFunc func(st *transport.Stream, from *cluster.Node, p *proto.Package, msg *common.Message) (proto.Type, *common.Message, error)

// route is an entry of the dispatch table
type route struct {
	fn   handlerFunc
	node bool           // only accepted on an authenticated node stream
	min  cluster.Status // lowest own status that may handle the package
}

func (s *Server) routeTable() map[proto.Type]route {
	sync := route{fn: s.onSyncPart, node: true}
	return map[proto.Type]route{
		// clients
		proto.ClientReqPing:   {fn: s.onPing},
		proto.ClientReqInfo:   {fn: s.onInfo},
		proto.ClientReqChange: {fn: s.onClientChange},

		// nodes
		proto.NodeReqConnect:    {fn: s.onConnect},
		proto.NodeInfo:          {fn: s.onNodeInfo, node: true},
		proto.NodeChange:        {fn: s.onNodeChange, node: true},
		proto.NodeMissingChange: {fn: s.onMissingChange, node: true},
		proto.NodeSyncAbort:     {fn: s.onSyncAbort, node: true},
		proto.NodeReqChangeID:   {fn: s.onChangeID, node: true, min: cluster.StatusShuttingDown},
		proto.NodeReqAway:       {fn: s.onAway, node: true, min: cluster.StatusShuttingDown},
		proto.NodeReqSync:       {fn: s.onSync, node: true},
		proto.NodeReqSyncFPart:  sync,
		proto.NodeReqSyncFDone:  sync,
		proto.NodeReqSyncAPart:  sync,
		proto.NodeReqSyncADone:  sync,
		proto.NodeReqSyncEPart:  sync,
		proto.NodeReqSyncEDone:  sync,
	}
}

// --------------------------------------------------------------------------
// transport.Handler
// --------------------------------------------------------------------------

// OnPackage dispatches a package by its type, it runs on the loop
func (s *Server) OnPackage(st *transport.Stream, p *proto.Package) {
	r, ok := s.routes[p.Type]
	if !ok {
		Logger.Warningf("Stream %s: unexpected package %s", st, p.Type)
		s.replyErr(st, p, common.NewError(common.CodeProtocol, "unexpected package %s", p.Type))
		return
	}

	var from *cluster.Node
	if r.node {
		if id, authed := st.Peer(); authed {
			from = s.cluster.Node(id)
		}
		if from == nil {
			Logger.Warningf("Stream %s: dropping %s, the stream is not authenticated", st, p.Type)
			s.replyErr(st, p, common.NewError(common.CodeAuth, "stream is not authenticated"))
			return
		}
	}
	if self := s.cluster.Self(); self.Status < r.min {
		s.replyErr(st, p, common.NewError(common.CodeNode, "%s cannot handle %s (status `%s`)", self, p.Type, self.Status))
		return
	}

	var msg common.Message
	if len(p.Data) > 0 {
		if err := s.serializer.Deserialize(p.Data, &msg); err != nil {
			s.replyErr(st, p, common.NewError(common.CodeProtocol, "invalid %s payload: %v", p.Type, err))
			return
		}
	}

	tp, resp, err := r.fn(st, from, p, &msg)
	switch {
	case err != nil:
		s.replyErr(st, p, err)
	case tp != 0:
		s.reply(st, p, tp, resp)
	}
}

// OnClose forgets a closed stream and everything running on it
func (s *Server) OnClose(st *transport.Stream, err error) {
	delete(s.streams, st)
	s.syncs.RemoveStream(st)
	s.receiver.RemoveStream(st)

	id, authed := st.Peer()
	if !authed {
		return
	}
	if n := s.cluster.Node(id); n != nil && n.Detach(st) {
		Logger.Infof("Lost connection to %s", n)
	}
}

// reply answers p, a nil msg sends an empty payload
func (s *Server) reply(st *transport.Stream, p *proto.Package, tp proto.Type, msg *common.Message) {
	var data []byte
	if msg != nil {
		var err error
		if data, err = s.serializer.Serialize(*msg); err != nil {
			Logger.Errorf("CRITICAL: cannot serialize %s: %v", tp, err)
			tp = proto.NodeErrRes
			if p.Type.Category() == proto.CatClientRequest {
				tp = proto.ClientErr
			}
			data, _ = s.serializer.Serialize(*common.NewErrorMessage(common.NewError(common.CodeInternal, "%v", err)))
		}
	}
	if err := st.Reply(p, tp, data); err != nil {
		Logger.Debugf("Cannot answer %s on %s: %v", p.Type, st, err)
	}
}

// replyErr answers a request with an error package. Fire-and-forget packages
// get no answer.
func (s *Server) replyErr(st *transport.Stream, p *proto.Package, err error) {
	switch p.Type.Category() {
	case proto.CatClientRequest:
		s.reply(st, p, proto.ClientErr, common.NewErrorMessage(err))
	case proto.CatNodeRequest:
		s.reply(st, p, proto.NodeErrRes, common.NewErrorMessage(err))
	default:
		Logger.Debugf("Dropping %s from %s: %v", p.Type, st, err)
	}
}

// --------------------------------------------------------------------------
// Node handlers
// --------------------------------------------------------------------------

func (s *Server) onNodeInfo(_ *transport.Stream, from *cluster.Node, _ *proto.Package, msg *common.Message) (proto.Type, *common.Message, error) {
	if msg.NodeID != from.ID {
		Logger.Warningf("%s announced the status of node:%d", from, msg.NodeID)
		return 0, nil, nil
	}
	from.UpdateInfo(msg)

	// an away peer may serve the sync right now
	if s.cluster.Self().Status == cluster.StatusSynchronizing && from.Status.IsAway() && s.receiver.Source() == nil {
		s.receiver.Tick()
	}
	return 0, nil, nil
}

func (s *Server) onNodeChange(_ *transport.Stream, from *cluster.Node, _ *proto.Package, msg *common.Message) (proto.Type, *common.Message, error) {
	c, err := change.Decode(msg.Data)
	if err != nil {
		Logger.Warningf("Invalid change from %s: %v", from, err)
		return 0, nil, nil
	}
	s.pipeline.Ingest(c)
	return 0, nil, nil
}

func (s *Server) onMissingChange(st *transport.Stream, from *cluster.Node, _ *proto.Package, msg *common.Message) (proto.Type, *common.Message, error) {
	data, ok := s.pipeline.Missing(msg.ChangeID)
	if !ok {
		Logger.Debugf("%s asked for change %d, it is not available", from, msg.ChangeID)
		return 0, nil, nil
	}
	payload, err := s.serializer.Serialize(*common.NewChange(data))
	if err != nil {
		Logger.Errorf("CRITICAL: cannot serialize change %d: %v", msg.ChangeID, err)
		return 0, nil, nil
	}
	if err := st.Write(proto.NodeChange, 0, payload); err != nil {
		Logger.Debugf("Cannot send change %d to %s: %v", msg.ChangeID, from, err)
	}
	return 0, nil, nil
}

func (s *Server) onChangeID(_ *transport.Stream, from *cluster.Node, _ *proto.Package, msg *common.Message) (proto.Type, *common.Message, error) {
	ok, owner := s.pipeline.AcceptID(msg.ChangeID, from.ID)
	if !ok {
		Logger.Debugf("Change id %d of %s collides with node:%d", msg.ChangeID, from, owner)
		return proto.NodeErrCollision, common.NewCollision(owner), nil
	}
	return proto.NodeResChangeID, common.NewChangeIDRequest(msg.ChangeID), nil
}

func (s *Server) onAway(st *transport.Stream, from *cluster.Node, p *proto.Package, _ *common.Message) (proto.Type, *common.Message, error) {
	tp, data := s.away.Reply(from.ID)
	if err := st.Reply(p, tp, data); err != nil {
		Logger.Debugf("Cannot answer the away request of %s: %v", from, err)
	}
	return 0, nil, nil
}

func (s *Server) onSync(st *transport.Stream, from *cluster.Node, p *proto.Package, msg *common.Message) (proto.Type, *common.Message, error) {
	if err := s.syncs.Add(from, st, msg.ChangeID); err != nil {
		return 0, nil, err
	}
	// the answer must precede the first part
	s.reply(st, p, proto.NodeResSync, &common.Message{CCID: s.cluster.Self().CCID()})
	s.syncs.Kick()
	return 0, nil, nil
}

func (s *Server) onSyncPart(_ *transport.Stream, from *cluster.Node, p *proto.Package, msg *common.Message) (proto.Type, *common.Message, error) {
	resp, err := s.receiver.Handle(from.ID, p.Type, msg)
	if err != nil {
		return 0, nil, err
	}
	return proto.ResponseFor(p.Type), resp, nil
}

func (s *Server) onSyncAbort(_ *transport.Stream, from *cluster.Node, _ *proto.Package, msg *common.Message) (proto.Type, *common.Message, error) {
	s.receiver.Aborted(from.ID, msg.AsError())
	return 0, nil, nil
}
