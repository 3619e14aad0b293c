package server

import (
	"encoding/json"

	"github.com/ValentinKolb/dRep/lib/change"
	"github.com/ValentinKolb/dRep/lib/cluster"
	"github.com/ValentinKolb/dRep/lib/store"
	"github.com/ValentinKolb/dRep/rpc/common"
	"github.com/ValentinKolb/dRep/rpc/proto"
	"github.com/ValentinKolb/dRep/rpc/transport"
)

// --------------------------------------------------------------------------
// Client handlers
// --------------------------------------------------------------------------

func (s *Server) onPing(_ *transport.Stream, _ *cluster.Node, _ *proto.Package, _ *common.Message) (proto.Type, *common.Message, error) {
	self := s.cluster.Self()
	return proto.ClientResPing, &common.Message{
		NodeID:  self.ID,
		Status:  uint8(self.Status),
		Version: cluster.Version,
		CCID:    self.CCID(),
	}, nil
}

func (s *Server) onInfo(_ *transport.Stream, _ *cluster.Node, _ *proto.Package, _ *common.Message) (proto.Type, *common.Message, error) {
	data, err := json.Marshal(s.Info())
	if err != nil {
		return 0, nil, common.NewError(common.CodeInternal, "cannot encode node info: %v", err)
	}
	return proto.ClientResInfo, &common.Message{Data: data}, nil
}

// onClientChange proposes the change a client sent. Data holds an encoded
// change, only its things are used. The answer is sent once the change is
// committed or failed.
func (s *Server) onClientChange(st *transport.Stream, _ *cluster.Node, p *proto.Package, msg *common.Message) (proto.Type, *common.Message, error) {
	c, err := change.Decode(msg.Data)
	if err != nil {
		return 0, nil, common.NewError(common.CodeBadData, "invalid change: %v", err)
	}
	things, err := s.prepare(msg.Scope, c.Things)
	if err != nil {
		return 0, nil, err
	}

	s.pipeline.Propose(msg.Scope, things, func(id uint64, err error) {
		if err != nil {
			resp := common.NewErrorMessage(common.NewError(common.CodeOf(err), "%v", err))
			resp.ChangeID = id
			s.reply(st, p, proto.ClientErr, resp)
			return
		}
		s.reply(st, p, proto.ClientResChange, &common.Message{ChangeID: id})
	})
	return 0, nil, nil
}

// prepare validates a client change and assigns the ids of new nodes and
// collections. A change may add at most one node.
func (s *Server) prepare(scope uint64, things []change.ThingJobs) ([]change.ThingJobs, error) {
	if len(things) == 0 {
		return nil, common.NewError(common.CodeBadData, "change without things")
	}
	nodeAdded := false
	for i := range things {
		tj := &things[i]
		if len(tj.Jobs) == 0 {
			return nil, common.NewError(common.CodeBadData, "thing %d has no jobs", tj.Thing)
		}
		for _, job := range tj.Jobs {
			if job.Type.IsRoot() != (scope == store.RootScope) {
				return nil, common.NewError(common.CodeBadData, "job `%s` is not allowed in scope %d", job.Type, scope)
			}
			switch job.Type {
			case store.JobAddNode:
				if nodeAdded {
					return nil, common.NewError(common.CodeBadData, "a change may add one node only")
				}
				host, port, err := splitEndpoint(job.Key)
				if err != nil {
					return nil, err
				}
				if err := s.cluster.CheckAdd(host, port); err != nil {
					return nil, err
				}
				tj.Thing = uint64(s.cluster.NextNodeID())
				nodeAdded = true
			case store.JobDelNode:
				if s.cluster.Node(uint8(tj.Thing)) == nil || tj.Thing >= cluster.MaxNodes {
					return nil, common.NewError(common.CodeLookup, "node:%d not found", tj.Thing)
				}
				if uint8(tj.Thing) == s.cluster.Self().ID {
					return nil, common.NewError(common.CodeBadData, "a node cannot delete itself, ask another node")
				}
			case store.JobNewCollection:
				if job.Key == "" {
					return nil, common.NewError(common.CodeBadData, "collection name is required")
				}
				if _, exists := s.store.CollectionByName(job.Key); exists {
					return nil, common.NewError(common.CodeLookup, "collection `%s` already exists", job.Key)
				}
				if tj.Thing == 0 {
					tj.Thing = s.store.NextCollectionID()
				}
			}
		}
	}
	return things, nil
}

// Info describes this node and its view of the cluster
func (s *Server) Info() *common.NodeInfo {
	self := s.cluster.Self()

	info := &common.NodeInfo{
		ID:           self.ID,
		Version:      cluster.Version,
		Status:       self.Status.String(),
		Zone:         self.Zone,
		CCID:         self.CCID(),
		SCID:         self.SCID(),
		NextChangeID: s.pipeline.NextID(),
		LowCCID:      s.cluster.CCID(),
		LowSCID:      s.cluster.SCID(),
		Queued:       s.pipeline.Queued(),
		Inflight:     s.pipeline.Inflight(),
		Away:         s.away.State(),
		AwayCycles:   s.away.Cycles(),
		Syncs:        s.syncs.Len(),
		SyncSource:   -1,
		Uptime:       s.loop.Clock().Since(s.started),
		Collections:  s.store.Collections(),
	}
	if src := s.receiver.Source(); src != nil {
		info.SyncSource = int(src.ID)
	}
	if counters, err := json.Marshal(s.pipeline.Metrics().Snapshot()); err == nil {
		info.Changes = counters
	}
	for _, n := range s.cluster.Nodes() {
		info.Nodes = append(info.Nodes, common.PeerInfo{
			ID:        n.ID,
			Endpoint:  n.Endpoint(),
			Zone:      n.Zone,
			Status:    n.Status.String(),
			Connected: n == self || n.Connected(),
			CCID:      n.CCID(),
			SCID:      n.SCID(),
		})
	}
	return info
}
