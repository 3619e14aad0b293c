package client

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"

	"github.com/ValentinKolb/dRep/lib/change"
	"github.com/ValentinKolb/dRep/lib/store"
	"github.com/ValentinKolb/dRep/rpc/common"
	"github.com/ValentinKolb/dRep/rpc/proto"
)

// Pong is the answer to Ping
type Pong struct {
	NodeID  uint8
	Status  uint8
	Version string
	CCID    uint64
}

// Ping asks the node for its id, status and last committed change
func (c *Client) Ping() (*Pong, error) {
	resp, err := c.invoke(proto.ClientReqPing, &common.Message{}, true)
	if err != nil {
		return nil, err
	}
	return &Pong{NodeID: resp.NodeID, Status: resp.Status, Version: resp.Version, CCID: resp.CCID}, nil
}

// Info returns the node's view of itself and the cluster
func (c *Client) Info() (*common.NodeInfo, error) {
	resp, err := c.invoke(proto.ClientReqInfo, &common.Message{}, true)
	if err != nil {
		return nil, err
	}
	var info common.NodeInfo
	if err := json.Unmarshal(resp.Data, &info); err != nil {
		return nil, common.NewError(common.CodeProtocol, "invalid info document: %v", err)
	}
	return &info, nil
}

// Submit proposes a change and blocks until the cluster committed it. It
// returns the change id.
func (c *Client) Submit(scope uint64, things []change.ThingJobs) (uint64, error) {
	msg := &common.Message{
		Scope: scope,
		Data:  change.Encode(change.New(scope, 0, things)),
	}
	resp, err := c.invoke(proto.ClientReqChange, msg, false)
	if err != nil {
		return 0, err
	}
	return resp.ChangeID, nil
}

// --------------------------------------------------------------------------
// Collections
// --------------------------------------------------------------------------

// NewCollection creates a collection, the node picks its id
func (c *Client) NewCollection(name string) (uint64, error) {
	if _, err := c.submitRoot(0, store.Job{Type: store.JobNewCollection, Key: name}); err != nil {
		return 0, err
	}
	return c.Collection(name)
}

// DelCollection removes a collection and every thing in it
func (c *Client) DelCollection(name string) error {
	id, err := c.Collection(name)
	if err != nil {
		return err
	}
	_, err = c.submitRoot(id, store.Job{Type: store.JobDelCollection, Key: name})
	return err
}

// Collection resolves a collection name or a numeric collection id
func (c *Client) Collection(name string) (uint64, error) {
	info, err := c.Info()
	if err != nil {
		return 0, err
	}
	if id, ok := info.Collection(name); ok {
		return id, nil
	}
	if id, err := strconv.ParseUint(name, 10, 64); err == nil {
		for _, col := range info.Collections {
			if col.ID == id {
				return id, nil
			}
		}
	}
	return 0, common.NewError(common.CodeLookup, "collection `%s` not found", name)
}

// --------------------------------------------------------------------------
// Things
// --------------------------------------------------------------------------

// NewThing creates thing with the given fields in one change
func (c *Client) NewThing(collection, thing uint64, fields map[string][]byte) (uint64, error) {
	jobs := []store.Job{{Type: store.JobNew}}
	for key, value := range fields {
		jobs = append(jobs, store.Job{Type: store.JobSet, Key: key, Value: value})
	}
	return c.Submit(collection, []change.ThingJobs{{Thing: thing, Jobs: jobs}})
}

// Set writes fields of an existing thing
func (c *Client) Set(collection, thing uint64, fields map[string][]byte) (uint64, error) {
	if len(fields) == 0 {
		return 0, common.NewError(common.CodeBadData, "no fields to set")
	}
	jobs := make([]store.Job, 0, len(fields))
	for key, value := range fields {
		jobs = append(jobs, store.Job{Type: store.JobSet, Key: key, Value: value})
	}
	return c.Submit(collection, []change.ThingJobs{{Thing: thing, Jobs: jobs}})
}

// Del removes fields of a thing, without keys the whole thing is dropped
func (c *Client) Del(collection, thing uint64, keys ...string) (uint64, error) {
	jobs := []store.Job{{Type: store.JobDrop}}
	if len(keys) > 0 {
		jobs = jobs[:0]
		for _, key := range keys {
			jobs = append(jobs, store.Job{Type: store.JobDel, Key: key})
		}
	}
	return c.Submit(collection, []change.ThingJobs{{Thing: thing, Jobs: jobs}})
}

// --------------------------------------------------------------------------
// Membership
// --------------------------------------------------------------------------

// AddNode adds a member listening on endpoint (host:port). The new node must
// be started with the member list of the cluster and syncs on its own.
func (c *Client) AddNode(endpoint string, zone uint8) (uint64, error) {
	if _, _, err := net.SplitHostPort(endpoint); err != nil {
		return 0, common.NewError(common.CodeBadData, "invalid endpoint %s: %v", endpoint, err)
	}
	return c.submitRoot(0, store.Job{Type: store.JobAddNode, Key: endpoint, Value: []byte{zone}})
}

// DelNode removes a member. A node cannot remove itself, send this to another one.
func (c *Client) DelNode(id uint8) (uint64, error) {
	return c.submitRoot(uint64(id), store.Job{Type: store.JobDelNode, Key: fmt.Sprintf("node:%d", id)})
}

func (c *Client) submitRoot(thing uint64, job store.Job) (uint64, error) {
	return c.Submit(store.RootScope, []change.ThingJobs{{Thing: thing, Jobs: []store.Job{job}}})
}
