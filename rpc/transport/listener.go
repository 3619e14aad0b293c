package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// AcceptFunc takes ownership of an accepted connection
type AcceptFunc func(conn net.Conn)

// Listener runs the accept loop of a connector
type Listener struct {
	connector Connector
	endpoint  string
	listener  net.Listener
}

// Listen binds endpoint using connector
func Listen(connector Connector, endpoint string) (*Listener, error) {
	l, err := connector.Listen(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %v", err)
	}
	return &Listener{connector: connector, endpoint: endpoint, listener: l}, nil
}

// NewListener wraps a listener that is already bound
func NewListener(connector Connector, l net.Listener) *Listener {
	return &Listener{connector: connector, endpoint: l.Addr().String(), listener: l}
}

// Addr returns the bound address
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Serve accepts connections until ctx is cancelled. Every connection is handed
// to accept on its own goroutine.
func (l *Listener) Serve(ctx context.Context, accept AcceptFunc) error {
	Logger.Infof("Starting %s listener on %s", l.connector.Name(), l.endpoint)

	go func() {
		<-ctx.Done()
		_ = l.listener.Close()
	}()

	backoff := 5 * time.Millisecond
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			Logger.Errorf("Accept error: %v", err)
			time.Sleep(backoff)
			if backoff < time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = 5 * time.Millisecond
		go accept(conn)
	}
}

// Close stops the accept loop
func (l *Listener) Close() error {
	return l.listener.Close()
}
