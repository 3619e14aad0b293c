package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/dRep/lib/loop"
	"github.com/ValentinKolb/dRep/rpc/common"
	"github.com/ValentinKolb/dRep/rpc/proto"
	"github.com/ValentinKolb/dRep/rpc/serializer"
	"github.com/ValentinKolb/dRep/rpc/transport"
	"github.com/ValentinKolb/dRep/rpc/transport/tcp"
	"github.com/ValentinKolb/dRep/rpc/transport/unix"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("client")

// Client is a synchronous connection to a single node. The stream runs on a
// private event loop, every call blocks until the answer arrived. It is safe
// for concurrent use.
type Client struct {
	cfg        common.ClientConfig
	connector  transport.Connector
	serializer serializer.IRPCSerializer
	loop       *loop.Loop
	stop       context.CancelFunc

	mu     sync.Mutex
	stream *transport.Stream
	closed bool
}

// New connects to cfg.Endpoint
func New(cfg common.ClientConfig) (*Client, error) {
	var connector transport.Connector
	switch cfg.Transport {
	case "tcp", "":
		connector = tcp.New()
	case "unix":
		connector = unix.New()
	default:
		return nil, fmt.Errorf("invalid transport %s", cfg.Transport)
	}
	ser, err := serializer.ByName(cfg.Serializer)
	if err != nil {
		return nil, err
	}
	if cfg.TimeoutSecond <= 0 {
		cfg.TimeoutSecond = int(common.DefaultTimeouts().Client / time.Second)
	}

	ctx, stop := context.WithCancel(context.Background())
	c := &Client{
		cfg:        cfg,
		connector:  connector,
		serializer: ser,
		loop:       loop.New(nil),
		stop:       stop,
	}
	go func() { _ = c.loop.Run(ctx) }()

	if _, err := c.current(); err != nil {
		stop()
		return nil, err
	}
	Logger.Debugf("Connected to %s using %s transport", cfg.Endpoint, connector.Name())
	return c, nil
}

// Close closes the connection
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	if c.stream != nil {
		c.stream.Close()
		c.stream = nil
	}
	c.mu.Unlock()
	c.stop()
}

// current returns the open stream and dials a new one when the last was lost
func (c *Client) current() (*transport.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, transport.ErrClosed
	}
	if c.stream != nil {
		select {
		case <-c.stream.Done():
			c.stream = nil
		default:
			return c.stream, nil
		}
	}

	timeout := time.Duration(c.cfg.TimeoutSecond) * time.Second
	conn, err := c.connector.Dial(c.cfg.Endpoint, timeout)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to %s: %w", c.cfg.Endpoint, err)
	}
	if err := c.connector.Upgrade(conn, c.cfg.Socket); err != nil {
		_ = conn.Close()
		return nil, err
	}
	st := transport.NewStream(conn, c.loop, c, transport.StreamOptions{Name: c.cfg.Endpoint})
	st.Start()
	c.stream = st
	return st, nil
}

// --------------------------------------------------------------------------
// transport.Handler
// --------------------------------------------------------------------------

// OnPackage drops everything that is not a response, nodes push nothing yet
func (c *Client) OnPackage(s *transport.Stream, p *transport.Package) {
	Logger.Debugf("Ignoring %s from %s", p.Type, s)
}

// OnClose forgets the stream, the next call dials again
func (c *Client) OnClose(s *transport.Stream, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == s {
		c.stream = nil
	}
}

// --------------------------------------------------------------------------
// Requests
// --------------------------------------------------------------------------

type result struct {
	pkg *proto.Package
	err error
}

// invoke sends req and waits for the answer. Failures before the request was
// written are retried RetryCount times. idempotent requests are also retried
// after a lost connection or a timeout. A change is not: it may have been
// committed anyway.
func (c *Client) invoke(tp proto.Type, req *common.Message, idempotent bool) (*common.Message, error) {
	payload, err := c.serializer.Serialize(*req)
	if err != nil {
		return nil, err
	}

	var lastErr error
	backoff := 50 * time.Millisecond
	for attempt := 0; attempt <= c.cfg.RetryCount; attempt++ {
		if attempt > 0 {
			Logger.Debugf("Retrying %s (%d/%d) after %v", tp, attempt, c.cfg.RetryCount, lastErr)
			time.Sleep(backoff)
			backoff *= 2
		}

		st, err := c.current()
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return nil, err
			}
			lastErr = err
			continue
		}

		resp, sent, err := c.request(st, tp, payload)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if sent && !(idempotent && isTransient(err)) {
			return resp, err
		}
	}
	return nil, lastErr
}

// request runs one round trip. sent reports whether the request was written.
func (c *Client) request(st *transport.Stream, tp proto.Type, payload []byte) (*common.Message, bool, error) {
	done := make(chan result, 1)
	timeout := time.Duration(c.cfg.TimeoutSecond) * time.Second
	err := st.Request(tp, payload, timeout, func(p *proto.Package, err error) {
		done <- result{pkg: p, err: err}
	})
	if err != nil {
		return nil, false, err
	}

	r := <-done
	if r.err != nil {
		return nil, true, r.err
	}
	var resp common.Message
	if err := c.serializer.Deserialize(r.pkg.Data, &resp); err != nil {
		return nil, true, fmt.Errorf("invalid %s: %w", r.pkg.Type, err)
	}
	if r.pkg.Type.IsError() {
		return &resp, true, resp.AsError()
	}
	if want := proto.ResponseFor(tp); r.pkg.Type != want {
		return nil, true, common.NewError(common.CodeProtocol, "unexpected response %s, expected %s", r.pkg.Type, want)
	}
	return &resp, true, nil
}

func isTransient(err error) bool {
	return errors.Is(err, transport.ErrDisconnected) || errors.Is(err, transport.ErrTimeout)
}
