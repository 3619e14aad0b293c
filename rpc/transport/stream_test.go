package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/ValentinKolb/dRep/lib/loop"
	"github.com/ValentinKolb/dRep/rpc/proto"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// funcHandler adapts two closures to Handler
type funcHandler struct {
	onPackage func(s *Stream, p *Package)
	onClose   func(s *Stream, err error)
}

func (h *funcHandler) OnPackage(s *Stream, p *Package) {
	if h.onPackage != nil {
		h.onPackage(s, p)
	}
}

func (h *funcHandler) OnClose(s *Stream, err error) {
	if h.onClose != nil {
		h.onClose(s, err)
	}
}

type result struct {
	p   *Package
	err error
}

func startLoop(t *testing.T, clk clock.Clock) *loop.Loop {
	t.Helper()
	lp := loop.New(clk)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = lp.Run(ctx) }()
	t.Cleanup(cancel)
	return lp
}

func pipePair(t *testing.T, lp *loop.Loop, a, b Handler) (*Stream, *Stream) {
	t.Helper()
	ca, cb := net.Pipe()
	sa := NewStream(ca, lp, a, StreamOptions{Name: "a"})
	sb := NewStream(cb, lp, b, StreamOptions{Name: "b"})
	sa.Start()
	sb.Start()
	t.Cleanup(func() {
		sa.Close()
		sb.Close()
	})
	return sa, sb
}

func waitResult(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no result")
		return result{}
	}
}

func TestStreamRequestResponse(t *testing.T) {
	lp := startLoop(t, nil)

	echo := &funcHandler{onPackage: func(s *Stream, p *Package) {
		_ = s.Reply(p, proto.ResponseFor(p.Type), append([]byte("re:"), p.Data...))
	}}
	a, _ := pipePair(t, lp, &funcHandler{}, echo)

	results := make(chan result, 3)
	for _, msg := range []string{"one", "two", "three"} {
		require.NoError(t, a.Request(proto.NodeReqChangeID, []byte(msg), time.Second, func(p *Package, err error) {
			results <- result{p, err}
		}))
	}

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		r := waitResult(t, results)
		require.NoError(t, r.err)
		assert.Equal(t, proto.NodeResChangeID, r.p.Type)
		seen[string(r.p.Data)] = true
	}
	assert.Equal(t, map[string]bool{"re:one": true, "re:two": true, "re:three": true}, seen)
	assert.Equal(t, 0, a.pending.Size())
}

func TestStreamRequestTimeout(t *testing.T) {
	mock := clock.NewMock()
	lp := startLoop(t, mock)

	received := make(chan *Package, 1)
	silent := &funcHandler{onPackage: func(s *Stream, p *Package) { received <- p }}
	a, b := pipePair(t, lp, &funcHandler{}, silent)

	results := make(chan result, 2)
	require.NoError(t, a.Request(proto.NodeReqAway, nil, 5*time.Second, func(p *Package, err error) {
		results <- result{p, err}
	}))
	req := <-received

	mock.Add(5 * time.Second)
	r := waitResult(t, results)
	assert.True(t, errors.Is(r.err, ErrTimeout))

	// a late answer is dropped and does not call the handler again
	require.NoError(t, b.Reply(req, proto.NodeResAccept, nil))
	require.True(t, lp.Sync(func() {}))
	time.Sleep(20 * time.Millisecond)
	require.True(t, lp.Sync(func() {}))
	assert.Len(t, results, 0)
}

func TestStreamDisconnectFailsPending(t *testing.T) {
	lp := startLoop(t, nil)

	closed := make(chan error, 1)
	received := make(chan *Package, 1)
	a, b := pipePair(t, lp,
		&funcHandler{onClose: func(s *Stream, err error) { closed <- err }},
		&funcHandler{onPackage: func(s *Stream, p *Package) { received <- p }},
	)

	results := make(chan result, 1)
	require.NoError(t, a.Request(proto.NodeReqSync, nil, time.Minute, func(p *Package, err error) {
		results <- result{p, err}
	}))
	<-received
	b.Close()

	r := waitResult(t, results)
	assert.ErrorIs(t, r.err, ErrDisconnected)

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose not called")
	}
	assert.ErrorIs(t, a.Write(proto.NodeInfo, 0, nil), ErrClosed)
	assert.Error(t, a.Request(proto.NodeReqSync, nil, time.Second, func(*Package, error) {}))
}

func TestStreamCorruptFrameCloses(t *testing.T) {
	lp := startLoop(t, nil)

	ca, cb := net.Pipe()
	closed := make(chan error, 1)
	s := NewStream(ca, lp, &funcHandler{onClose: func(s *Stream, err error) { closed <- err }}, StreamOptions{})
	s.Start()
	defer cb.Close()

	// header with a check byte that does not match the type
	_, err := cb.Write([]byte{0, 0, 0, 0, 0, 1, byte(proto.NodeInfo), 0})
	require.NoError(t, err)

	select {
	case err := <-closed:
		assert.ErrorIs(t, err, proto.ErrBadCheck)
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed")
	}
}

func TestStreamPeer(t *testing.T) {
	lp := startLoop(t, nil)
	a, _ := pipePair(t, lp, &funcHandler{}, &funcHandler{})

	_, ok := a.Peer()
	assert.False(t, ok)

	a.SetPeer(0)
	id, ok := a.Peer()
	assert.True(t, ok)
	assert.Equal(t, uint8(0), id)
}

func TestStreamFireAndForget(t *testing.T) {
	lp := startLoop(t, nil)

	received := make(chan *Package, 2)
	a, _ := pipePair(t, lp, &funcHandler{}, &funcHandler{onPackage: func(s *Stream, p *Package) { received <- p }})

	require.NoError(t, a.Write(proto.NodeInfo, 0, []byte("x")))
	require.NoError(t, a.Write(proto.NodeChange, 0, []byte("y")))

	p1 := <-received
	p2 := <-received
	assert.Equal(t, proto.NodeInfo, p1.Type)
	assert.Equal(t, proto.NodeChange, p2.Type)
	assert.Equal(t, []byte("y"), p2.Data)
}
