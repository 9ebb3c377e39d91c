// Package transport provides the control-plane secure endpoints Lightway
// accepts connections on: TLS over TCP and DTLS over UDP, unified behind
// one Listener/Endpoint pair so ConnectionManager need not know which
// transport a given session arrived over. See spec.md §4.1, §4.5.
package transport

import (
	"crypto/tls"
	"net"
	"time"

	piondtls "github.com/pion/dtls/v3"

	"github.com/lightwayio/lightway-server/lib/frame"
	"github.com/lightwayio/lightway-server/lib/lwerrors"
)

// Endpoint is one accepted control-plane connection: either a *tls.Conn
// (TCP) or a DTLS association (UDP), framed with lib/frame's TLV codec.
// It implements session.ControlWriter.
type Endpoint struct {
	conn   net.Conn
	reader frame.Reader
}

// NewEndpoint wraps an already-handshaked net.Conn.
func NewEndpoint(conn net.Conn) *Endpoint {
	return &Endpoint{conn: conn}
}

// WriteFrame encodes and writes f, implementing session.ControlWriter.
func (e *Endpoint) WriteFrame(f frame.Frame) error {
	buf, err := f.Encode(nil)
	if err != nil {
		return err
	}
	_, err = e.conn.Write(buf)
	if err != nil {
		return lwerrors.NewIoError("transport.Write", err)
	}
	return nil
}

// ReadFrame blocks (subject to the conn's read deadline) until one
// complete frame has been read, feeding the wrapped net.Conn's bytes
// through the incremental frame.Reader as needed.
func (e *Endpoint) ReadFrame() (frame.Frame, error) {
	for {
		f, ok, err := e.reader.Next()
		if err != nil {
			return frame.Frame{}, err
		}
		if ok {
			return *f, nil
		}
		buf := make([]byte, 4096)
		n, err := e.conn.Read(buf)
		if n > 0 {
			e.reader.Feed(buf[:n])
		}
		if err != nil {
			return frame.Frame{}, lwerrors.NewIoError("transport.Read", err)
		}
	}
}

// SetDeadline forwards to the underlying conn, used for auth/keepalive
// timeouts.
func (e *Endpoint) SetDeadline(t time.Time) error { return e.conn.SetDeadline(t) }

// RemoteAddr returns the peer's outside address.
func (e *Endpoint) RemoteAddr() net.Addr { return e.conn.RemoteAddr() }

// MeetsExpresslaneVersion reports whether this endpoint's negotiated
// control-plane protocol version satisfies spec.md §4.3's Expresslane
// precondition ("negotiated protocol version ≥ 1.3"). A *tls.Conn (the TCP
// fallback transport) must have completed its handshake at TLS 1.3 or
// later. pion/dtls/v3 does not expose a per-association queryable protocol
// version, so a DTLS endpoint — the primary UDP transport Expresslane is
// meant for — always satisfies this precondition.
func (e *Endpoint) MeetsExpresslaneVersion() bool {
	if tc, ok := e.conn.(*tls.Conn); ok {
		return tc.ConnectionState().Version >= tls.VersionTLS13
	}
	return true
}

// Close closes the underlying connection. Implements session.ControlWriter.
func (e *Endpoint) Close() error { return e.conn.Close() }

// Listener accepts control-plane connections, handshaking them and
// returning ready-to-use Endpoints. Both the TLS and DTLS constructors
// below satisfy net.Listener directly; Accept wraps whatever net.Conn it
// receives.
type Listener struct {
	inner net.Listener
}

// ListenTLS opens a TCP listener at addr and wraps it with cert/key for the
// control plane's TCP mode (spec.md §4.5 "fallback transport").
func ListenTLS(addr string, cert tls.Certificate) (*Listener, error) {
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS13}
	ln, err := tls.Listen("tcp", addr, cfg)
	if err != nil {
		return nil, lwerrors.NewIoError("transport.ListenTLS", err)
	}
	return &Listener{inner: ln}, nil
}

// ListenDTLS opens a UDP listener at addr running the DTLS handshake for
// the control plane's primary UDP mode. pion/dtls's Listener already
// demultiplexes many in-flight handshakes and established associations
// over the one UDP socket it owns, by source address — so unlike the data
// plane's Expresslane path, no separate virtual net.Conn shim is needed
// here; Accept returns one net.Conn per completed handshake, keyed
// internally by pion on the client's address.
func ListenDTLS(addr string, cert tls.Certificate) (*Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, lwerrors.NewConfigError("bind_address", err.Error())
	}
	cfg := &piondtls.Config{
		Certificates:         []tls.Certificate{cert},
		ExtendedMasterSecret: piondtls.RequireExtendedMasterSecret,
	}
	ln, err := piondtls.Listen("udp", udpAddr, cfg)
	if err != nil {
		return nil, lwerrors.NewIoError("transport.ListenDTLS", err)
	}
	return &Listener{inner: ln}, nil
}

// Accept blocks until a new control-plane connection completes its
// handshake, returning a ready Endpoint.
func (l *Listener) Accept() (*Endpoint, error) {
	conn, err := l.inner.Accept()
	if err != nil {
		return nil, lwerrors.NewIoError("transport.Accept", err)
	}
	return NewEndpoint(conn), nil
}

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.inner.Close() }

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.inner.Addr() }
