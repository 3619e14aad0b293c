package transport

import (
	"net"
	"time"

	"github.com/ValentinKolb/dRep/rpc/common"
)

// --------------------------------------------------------------------------
// Connector
// --------------------------------------------------------------------------

// Connector hides the network specific parts of a transport (tcp, unix). The
// framing, correlation and dispatching is shared by every connector and lives
// in Stream.
type Connector interface {
	// Name returns the name of the transport type (e.g., "unix", "tcp")
	Name() string

	// Listen creates a listener bound to endpoint
	Listen(endpoint string) (net.Listener, error)

	// Dial establishes a single connection to endpoint
	Dial(endpoint string, timeout time.Duration) (net.Conn, error)

	// Upgrade applies protocol specific socket options to an established connection
	Upgrade(conn net.Conn, conf common.SocketConf) error
}

// --------------------------------------------------------------------------
// Stream callbacks
// --------------------------------------------------------------------------

// Handler receives everything a stream reads. Both methods are called on the
// event loop goroutine.
type Handler interface {
	// OnPackage is called for every package that is not a response to a
	// request issued on the same stream
	OnPackage(s *Stream, p *Package)

	// OnClose is called exactly once after the stream shut down, err is nil
	// for a local Close
	OnClose(s *Stream, err error)
}

// ResponseFunc receives the outcome of Stream.Request. It is called exactly
// once on the event loop goroutine, either with the response package or with
// ErrTimeout / ErrDisconnected.
type ResponseFunc func(p *Package, err error)
