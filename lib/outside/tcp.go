package outside

import (
	"context"
	"errors"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/lightwayio/lightway-server/lib/transport"
)

// Acceptor is the subset of *manager.Manager the control-plane accept loop
// depends on, narrowed so outside has no import-time dependency on manager
// (which itself depends on session, auth, ippool, and transport).
type Acceptor interface {
	Accept(ctx context.Context, ep *transport.Endpoint) error
}

// ControlIo runs the accept loop for a single transport.Listener — TLS over
// TCP or DTLS over UDP, both exposed identically by *transport.Listener —
// handing each handshaked connection to an Acceptor. Grounded on the
// teacher's lib/bridge/server.go Serve/handleConnection accept loop,
// generalized from a text-command dispatch per connection to a single
// manager.Accept call per connection.
type ControlIo struct {
	listener *transport.Listener
	acceptor Acceptor
	log      *logrus.Entry
}

// NewControlIo wraps listener, dispatching every accepted connection to
// acceptor.
func NewControlIo(listener *transport.Listener, acceptor Acceptor, log *logrus.Entry) *ControlIo {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ControlIo{listener: listener, acceptor: acceptor, log: log.WithField("component", "outside.control")}
}

// Serve accepts connections until ctx is done or the listener closes.
func (c *ControlIo) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		ep, err := c.listener.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}

		if err := c.acceptor.Accept(ctx, ep); err != nil {
			c.log.WithError(err).Debug("connection not admitted")
		}
	}
}

// Close stops accepting new connections.
func (c *ControlIo) Close() error { return c.listener.Close() }
