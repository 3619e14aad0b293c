package unix

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/ValentinKolb/dRep/rpc/common"
	"github.com/ValentinKolb/dRep/rpc/transport"
)

// connector implements transport.Connector for Unix sockets
type connector struct{}

// New returns the Unix socket connector
func New() transport.Connector {
	return &connector{}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.Connector)
// --------------------------------------------------------------------------

func (c *connector) Name() string {
	return "unix"
}

func (c *connector) Listen(socketPath string) (net.Listener, error) {
	// Remove a stale socket file left by a previous run
	if err := os.RemoveAll(socketPath); err != nil {
		return nil, fmt.Errorf("failed to remove existing socket: %v", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create Unix socket: %v", err)
	}
	return listener, nil
}

func (c *connector) Dial(socketPath string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("unix", socketPath, timeout)
}

// Upgrade is a no-op, unix sockets have no tunable options
func (c *connector) Upgrade(net.Conn, common.SocketConf) error {
	return nil
}
