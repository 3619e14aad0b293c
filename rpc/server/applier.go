package server

import (
	"net"
	"strconv"

	"github.com/ValentinKolb/dRep/lib/cluster"
	"github.com/ValentinKolb/dRep/lib/store"
	"github.com/ValentinKolb/dRep/rpc/common"
)

// rootApplier executes the jobs of committed changes. Node membership jobs
// change the registry, everything else goes to the store.
type rootApplier struct {
	cluster *cluster.Cluster
	store   store.IStore
}

func (a *rootApplier) HasScope(scope uint64) bool {
	return a.store.HasScope(scope)
}

func (a *rootApplier) Apply(scope, thing uint64, job store.Job) error {
	if scope == store.RootScope {
		switch job.Type {
		case store.JobAddNode:
			return a.addNode(thing, job)
		case store.JobDelNode:
			return a.delNode(thing)
		}
	}
	return a.store.Apply(scope, thing, job)
}

// addNode adds the node described by job. Key is host:port, the optional
// first value byte is the zone. A node the registry already knows under the
// same address is kept, so replaying the archive after a restart is harmless.
func (a *rootApplier) addNode(thing uint64, job store.Job) error {
	if thing >= cluster.MaxNodes {
		return common.NewError(common.CodeBadData, "invalid node id %d", thing)
	}
	host, port, err := splitEndpoint(job.Key)
	if err != nil {
		return err
	}
	var zone uint8
	if len(job.Value) > 0 {
		zone = job.Value[0]
	}

	id := uint8(thing)
	if n := a.cluster.Node(id); n != nil {
		if n.Addr == host && n.Port == port {
			return nil
		}
		return common.NewError(common.CodeLookup, "%s already exists with address %s", n, n.Endpoint())
	}
	return a.cluster.AddNode(cluster.NewNode(id, zone, host, port, a.cluster.Self().Secret))
}

func (a *rootApplier) delNode(thing uint64) error {
	if thing >= cluster.MaxNodes || a.cluster.Node(uint8(thing)) == nil {
		Logger.Debugf("node:%d is already gone", thing)
		return nil
	}
	return a.cluster.DelNode(uint8(thing))
}

// splitEndpoint parses host:port
func splitEndpoint(endpoint string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		return "", 0, common.NewError(common.CodeBadData, "invalid node address `%s`: %v", endpoint, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, common.NewError(common.CodeBadData, "invalid port in `%s`", endpoint)
	}
	return host, uint16(port), nil
}
