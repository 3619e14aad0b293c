package client

import (
	"context"
	"encoding/json"
	"net"
	"sync/atomic"
	"testing"

	"github.com/ValentinKolb/dRep/lib/change"
	"github.com/ValentinKolb/dRep/lib/loop"
	"github.com/ValentinKolb/dRep/lib/store"
	"github.com/ValentinKolb/dRep/rpc/common"
	"github.com/ValentinKolb/dRep/rpc/proto"
	"github.com/ValentinKolb/dRep/rpc/serializer"
	"github.com/ValentinKolb/dRep/rpc/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeNode answers client requests with a handler function
type fakeNode struct {
	t      *testing.T
	ser    serializer.IRPCSerializer
	answer func(p *transport.Package, msg *common.Message) (proto.Type, *common.Message)
	seen   atomic.Int32
}

func (f *fakeNode) OnPackage(s *transport.Stream, p *transport.Package) {
	f.seen.Add(1)
	var msg common.Message
	if !assert.NoError(f.t, f.ser.Deserialize(p.Data, &msg)) {
		return
	}
	tp, resp := f.answer(p, &msg)
	if resp == nil {
		return
	}
	payload, err := f.ser.Serialize(*resp)
	if assert.NoError(f.t, err) {
		_ = s.Reply(p, tp, payload)
	}
}

func (f *fakeNode) OnClose(*transport.Stream, error) {}

func startFakeNode(t *testing.T, answer func(p *transport.Package, msg *common.Message) (proto.Type, *common.Message)) (*fakeNode, string) {
	t.Helper()
	f := &fakeNode{t: t, ser: serializer.NewBinarySerializer(), answer: answer}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	lp := loop.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = lp.Run(ctx) }()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			st := transport.NewStream(conn, lp, f, transport.StreamOptions{Name: "fake"})
			st.Start()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		cancel()
	})
	return f, ln.Addr().String()
}

func newTestClient(t *testing.T, endpoint string) *Client {
	t.Helper()
	c, err := New(common.ClientConfig{Endpoint: endpoint, TimeoutSecond: 2, RetryCount: 1})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestClientPing(t *testing.T) {
	_, endpoint := startFakeNode(t, func(p *transport.Package, _ *common.Message) (proto.Type, *common.Message) {
		assert.Equal(t, proto.ClientReqPing, p.Type)
		return proto.ClientResPing, &common.Message{NodeID: 3, Status: 128, Version: "1.0.0", CCID: 17}
	})
	c := newTestClient(t, endpoint)

	pong, err := c.Ping()
	require.NoError(t, err)
	assert.Equal(t, &Pong{NodeID: 3, Status: 128, Version: "1.0.0", CCID: 17}, pong)
}

func TestClientInfoAndCollection(t *testing.T) {
	doc, err := json.Marshal(common.NodeInfo{
		ID:          1,
		Status:      "READY",
		Collections: []common.CollectionInfo{{ID: 5, Name: "users", Things: 2}},
	})
	require.NoError(t, err)
	_, endpoint := startFakeNode(t, func(_ *transport.Package, _ *common.Message) (proto.Type, *common.Message) {
		return proto.ClientResInfo, &common.Message{Data: doc}
	})
	c := newTestClient(t, endpoint)

	info, err := c.Info()
	require.NoError(t, err)
	assert.Equal(t, "READY", info.Status)

	id, err := c.Collection("users")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), id)

	id, err = c.Collection("5")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), id)

	_, err = c.Collection("orders")
	assert.Equal(t, common.CodeLookup, common.CodeOf(err))
}

type submitted struct {
	scope  uint64
	change *change.Change
}

func TestClientSubmitEncodesChange(t *testing.T) {
	seen := make(chan submitted, 4)
	_, endpoint := startFakeNode(t, func(p *transport.Package, msg *common.Message) (proto.Type, *common.Message) {
		assert.Equal(t, proto.ClientReqChange, p.Type)
		c, err := change.Decode(msg.Data)
		assert.NoError(t, err)
		seen <- submitted{scope: msg.Scope, change: c}
		return proto.ClientResChange, &common.Message{ChangeID: 42}
	})
	c := newTestClient(t, endpoint)

	id, err := c.Del(7, 9, "name")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), id)
	got := <-seen
	assert.Equal(t, uint64(7), got.scope)
	require.Len(t, got.change.Things, 1)
	assert.Equal(t, uint64(9), got.change.Things[0].Thing)
	assert.Equal(t, []store.Job{{Type: store.JobDel, Key: "name"}}, got.change.Things[0].Jobs)

	_, err = c.Del(7, 9)
	require.NoError(t, err)
	got = <-seen
	assert.Equal(t, store.JobDrop, got.change.Things[0].Jobs[0].Type)

	_, err = c.AddNode("10.0.0.4:9220", 2)
	require.NoError(t, err)
	got = <-seen
	assert.Equal(t, store.RootScope, got.scope)
	assert.Equal(t, store.Job{Type: store.JobAddNode, Key: "10.0.0.4:9220", Value: []byte{2}}, got.change.Things[0].Jobs[0])
}

func TestClientErrorResponse(t *testing.T) {
	f, endpoint := startFakeNode(t, func(_ *transport.Package, _ *common.Message) (proto.Type, *common.Message) {
		return proto.ClientErr, common.NewErrorMessage(common.NewError(common.CodeQuorum, "no quorum"))
	})
	c := newTestClient(t, endpoint)

	_, err := c.Submit(7, []change.ThingJobs{{Thing: 1, Jobs: []store.Job{{Type: store.JobNew}}}})
	require.Error(t, err)
	assert.Equal(t, common.CodeQuorum, common.CodeOf(err))
	assert.Equal(t, int32(1), f.seen.Load(), "a rejected change is not retried")
}

func TestClientRejectsInvalidInput(t *testing.T) {
	_, endpoint := startFakeNode(t, func(_ *transport.Package, _ *common.Message) (proto.Type, *common.Message) {
		return proto.ClientResChange, &common.Message{}
	})
	c := newTestClient(t, endpoint)

	_, err := c.Set(1, 1, nil)
	assert.Equal(t, common.CodeBadData, common.CodeOf(err))

	_, err = c.AddNode("no-port", 0)
	assert.Equal(t, common.CodeBadData, common.CodeOf(err))
}

func TestClientClosed(t *testing.T) {
	_, endpoint := startFakeNode(t, func(_ *transport.Package, _ *common.Message) (proto.Type, *common.Message) {
		return proto.ClientResPing, &common.Message{}
	})
	c := newTestClient(t, endpoint)
	c.Close()

	_, err := c.Ping()
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestClientConnectFails(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	endpoint := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = New(common.ClientConfig{Endpoint: endpoint, TimeoutSecond: 1})
	assert.Error(t, err)
}
