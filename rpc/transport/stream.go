package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dRep/lib/loop"
	"github.com/ValentinKolb/dRep/lib/util"
	"github.com/ValentinKolb/dRep/rpc/proto"
	"github.com/benbjohnson/clock"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("transport")

// Package is the frame type moved by a stream
type Package = proto.Package

var (
	// ErrTimeout is passed to a ResponseFunc when no response arrived in time
	ErrTimeout = errors.New("request timed out")
	// ErrDisconnected is passed to a ResponseFunc when the stream closed first
	ErrDisconnected = errors.New("stream disconnected")
	// ErrClosed is returned when writing to a closed stream
	ErrClosed = errors.New("stream is closed")
	// ErrNoRequestID is returned when every correlation id is in use
	ErrNoRequestID = errors.New("no free request id")
)

// StreamOptions configure a stream
type StreamOptions struct {
	Name         string        // used in log lines, defaults to the remote address
	MaxSize      uint32        // largest accepted payload, 0 means proto.MaxSize
	WriteTimeout time.Duration // per frame write deadline, 0 disables it
}

// pending is an outstanding request
type pending struct {
	cb       ResponseFunc
	timer    *clock.Timer
	resolved atomic.Bool
}

// Stream is a framed, bidirectional connection. Write, Request and Close may be
// called from any goroutine, the callbacks always run on the loop.
type Stream struct {
	conn    net.Conn
	loop    *loop.Loop
	handler Handler
	opts    StreamOptions

	outbox  *util.MPSC[Package]
	pending *xsync.MapOf[uint16, *pending]
	nextID  atomic.Uint32

	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}

	// peer is the node id + 1 once the handshake succeeded, 0 before
	peer atomic.Uint32
}

// NewStream wraps conn. Nothing is read or written before Start.
func NewStream(conn net.Conn, lp *loop.Loop, handler Handler, opts StreamOptions) *Stream {
	if opts.Name == "" {
		opts.Name = conn.RemoteAddr().String()
	}
	return &Stream{
		conn:    conn,
		loop:    lp,
		handler: handler,
		opts:    opts,
		outbox:  util.NewMPSC[Package](),
		pending: xsync.NewMapOf[uint16, *pending](),
		done:    make(chan struct{}),
	}
}

// Start launches the reader and writer goroutines
func (s *Stream) Start() {
	go s.readLoop()
	go s.writeLoop()
}

func (s *Stream) String() string {
	return s.opts.Name
}

// Done is closed once the connection is closed
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// --------------------------------------------------------------------------
// Authentication
// --------------------------------------------------------------------------

// SetPeer marks the stream as authenticated for node id
func (s *Stream) SetPeer(id uint8) {
	s.peer.Store(uint32(id) + 1)
}

// Peer returns the node authenticated on this stream
func (s *Stream) Peer() (uint8, bool) {
	v := s.peer.Load()
	if v == 0 {
		return 0, false
	}
	return uint8(v - 1), true
}

// --------------------------------------------------------------------------
// Sending
// --------------------------------------------------------------------------

// Write queues a package. It never blocks.
func (s *Stream) Write(tp proto.Type, id uint16, data []byte) error {
	if s.closing.Load() {
		return ErrClosed
	}
	if !s.outbox.Push(proto.New(tp, id, data)) {
		return ErrClosed
	}
	return nil
}

// Reply answers req with a package of type tp
func (s *Stream) Reply(req *Package, tp proto.Type, data []byte) error {
	return s.Write(tp, req.ID, data)
}

// Request sends a package and registers cb for its response. The correlation
// id skips ids still in use.
func (s *Stream) Request(tp proto.Type, data []byte, timeout time.Duration, cb ResponseFunc) error {
	if s.closing.Load() {
		return ErrClosed
	}

	pr := &pending{cb: cb}
	var id uint16
	found := false
	for i := 0; i < 1<<16; i++ {
		id = uint16(s.nextID.Add(1))
		if id == 0 {
			continue
		}
		if _, loaded := s.pending.LoadOrStore(id, pr); !loaded {
			found = true
			break
		}
	}
	if !found {
		return ErrNoRequestID
	}

	if timeout > 0 {
		pr.timer = s.loop.AfterFunc(timeout, func() {
			s.expire(id, pr)
		})
	}

	if err := s.Write(tp, id, data); err != nil {
		s.pending.Compute(id, deleteIfSame(pr))
		if pr.timer != nil {
			pr.timer.Stop()
		}
		return err
	}
	return nil
}

// Close shuts the stream down after the queued packages were written
func (s *Stream) Close() {
	if s.closing.CompareAndSwap(false, true) {
		s.outbox.Close()
	}
}

// --------------------------------------------------------------------------
// Goroutines
// --------------------------------------------------------------------------

// readLoop decodes frames until the connection fails. A corrupt frame ends it.
func (s *Stream) readLoop() {
	for {
		p, err := proto.Read(s.conn, s.opts.MaxSize)
		if err != nil {
			s.shutdown(err)
			return
		}
		if !s.loop.Post(func() { s.dispatch(p) }) {
			s.shutdown(loop.ErrStopped)
			return
		}
	}
}

// writeLoop drains the outbox. After a write error the remaining packages are
// discarded so the outbox never blocks.
func (s *Stream) writeLoop() {
	var failed error
	for p := range s.outbox.Recv() {
		if failed != nil {
			continue
		}
		if s.opts.WriteTimeout > 0 {
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
				failed = err
				s.shutdown(err)
				continue
			}
		}
		if err := proto.Write(s.conn, p); err != nil {
			failed = err
			s.shutdown(err)
		}
	}
	// outbox closed and drained, a local Close ends here
	s.shutdown(nil)
}

// shutdown closes the connection once and posts the cleanup to the loop
func (s *Stream) shutdown(cause error) {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.outbox.Close()
		_ = s.conn.Close()
		close(s.done)

		switch {
		case cause == nil:
			Logger.Debugf("Stream %s closed", s)
		case errors.Is(cause, io.EOF), errors.Is(cause, net.ErrClosed):
			Logger.Infof("Stream %s closed by peer", s)
		default:
			Logger.Warningf("Stream %s failed: %v", s, cause)
		}

		s.loop.Post(func() {
			s.failPending()
			if s.handler != nil {
				s.handler.OnClose(s, cause)
			}
		})
	})
}

// --------------------------------------------------------------------------
// Loop side
// --------------------------------------------------------------------------

// dispatch routes a received package, runs on the loop
func (s *Stream) dispatch(p *Package) {
	if p.Type.IsResponse() {
		pr, ok := s.pending.LoadAndDelete(p.ID)
		if !ok {
			Logger.Debugf("Stream %s: dropping late response %s", s, p)
			return
		}
		s.resolve(pr, p, nil)
		return
	}
	if s.handler != nil {
		s.handler.OnPackage(s, p)
	}
}

// expire fails a request whose timer fired, runs on the loop
func (s *Stream) expire(id uint16, pr *pending) {
	s.pending.Compute(id, deleteIfSame(pr))
	s.resolve(pr, nil, fmt.Errorf("%w after waiting for id %d", ErrTimeout, id))
}

// failPending resolves every outstanding request with ErrDisconnected
func (s *Stream) failPending() {
	s.pending.Range(func(id uint16, pr *pending) bool {
		s.pending.Compute(id, deleteIfSame(pr))
		s.resolve(pr, nil, ErrDisconnected)
		return true
	})
}

func (s *Stream) resolve(pr *pending, p *Package, err error) {
	if !pr.resolved.CompareAndSwap(false, true) {
		return
	}
	if pr.timer != nil {
		pr.timer.Stop()
	}
	pr.cb(p, err)
}

// deleteIfSame removes the entry only if it still holds pr, a reused id keeps
// its new request
func deleteIfSame(pr *pending) func(*pending, bool) (*pending, bool) {
	return func(old *pending, loaded bool) (*pending, bool) {
		if !loaded || old == pr {
			return nil, true
		}
		return old, false
	}
}
