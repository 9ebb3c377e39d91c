// Package outside implements OutsideIo: the listeners that read from and
// write to the public internet. The UDP variant demultiplexes Expresslane
// data-plane packets to sessions over one shared socket; ControlIo
// (tcp.go) runs the control-plane TLS or DTLS accept loop. See spec.md §4.5.
package outside

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/lightwayio/lightway-server/lib/metrics"
	"github.com/lightwayio/lightway-server/lib/session"
)

// MaxDatagramSize bounds a single Expresslane UDP read. Lightway packets
// never exceed the configured MTU plus the Expresslane header overhead;
// 2048 comfortably covers any realistic MTU.
const MaxDatagramSize = 2048

// SessionLookup is the subset of *session.Table the UDP reader needs,
// narrowed for testability.
type SessionLookup interface {
	ByOutside(addr session.OutsideAddr) session.Handle
	All() []session.Handle
}

// floatCandidate is the narrow view of *session.Session the UDP reader
// needs to decide whether an unrecognized datagram might be an existing
// session floating to a new address (spec.md §4.2 point 3).
type floatCandidate interface {
	session.Handle
	ExpresslaneEligible() bool
	Codec() session.ExpresslaneCodec
	TrySend(ev session.Event) bool
}

// UDPIo owns one shared net.PacketConn for all sessions' Expresslane
// traffic. This mirrors the teacher's lib/datagram/udp.go UDPListener
// (ListenPacket + context-cancelable receiveLoop), generalized from
// per-nickname SAM datagram routing to per-outside-address session lookup.
type UDPIo struct {
	conn  net.PacketConn
	table SessionLookup
	log   *logrus.Entry

	dropped atomic.Uint64

	wg sync.WaitGroup
}

// ListenUDP opens the shared Expresslane socket at addr.
func ListenUDP(addr string, table SessionLookup, log *logrus.Entry) (*UDPIo, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &UDPIo{conn: conn, table: table, log: log.WithField("component", "outside.udp")}, nil
}

// Serve reads datagrams until ctx is done or the socket closes. Each
// datagram is demultiplexed by source address and handed to the owning
// session's inbox with TrySend: a saturated session inbox means the
// packet is dropped and counted, never blocking this shared reader and
// never affecting any other session (spec.md §5).
func (u *UDPIo) Serve(ctx context.Context) error {
	u.wg.Add(1)
	defer u.wg.Done()

	buf := make([]byte, MaxDatagramSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, addr, err := u.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		if n == 0 {
			continue
		}

		key := session.OutsideAddr("udp|" + addr.String())
		handle := u.table.ByOutside(key)
		if handle == nil {
			data := make([]byte, n)
			copy(data, buf[:n])
			u.offerFloatCandidates(data, addr)
			continue
		}
		sess, ok := handle.(*session.Session)
		if !ok {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		sess.SetDataAddr(addr)
		if !sess.TrySend(session.Event{Kind: session.EventDataPacket, Data: data}) {
			u.dropped.Add(1)
			metrics.ExpresslaneReplayDropped.WithLabelValues("inbox_full").Inc()
		}
	}
}

// offerFloatCandidates handles an Expresslane datagram from an outside
// tuple no session is currently bound to. Nothing in cleartext identifies
// which session (if any) it belongs to, so the datagram is fanned out to
// every Expresslane-eligible session's own inbox as an EventFloatCandidate;
// each session's Run goroutine attempts to open it with its own codec, and
// the one whose key authenticates it owns the rebind (spec.md §4.2 point
// 3: "if the inbound record authenticates under the existing session's
// keys, float"). This keeps codec mutation on the session's single writer
// goroutine instead of racing it from here. Fan-out is bounded to sessions
// that actually have an installed codec, since only those are floatable.
func (u *UDPIo) offerFloatCandidates(data []byte, addr net.Addr) {
	for _, h := range u.table.All() {
		fc, ok := h.(floatCandidate)
		if !ok || !fc.ExpresslaneEligible() || fc.Codec() == nil {
			continue
		}
		fc.TrySend(session.Event{Kind: session.EventFloatCandidate, Data: data, Addr: addr})
	}
}

// WriteTo sends an already-sealed Expresslane packet to addr.
func (u *UDPIo) WriteTo(packet []byte, addr net.Addr) error {
	_, err := u.conn.WriteTo(packet, addr)
	return err
}

// Dropped returns the count of packets dropped due to a full session
// inbox, the same drops counted by the
// lightway_expresslane_replay_dropped_total{reason="inbox_full"} metric.
func (u *UDPIo) Dropped() uint64 { return u.dropped.Load() }

// Close stops the socket and waits for Serve to return.
func (u *UDPIo) Close() error {
	err := u.conn.Close()
	u.wg.Wait()
	return err
}

// Addr returns the bound local address.
func (u *UDPIo) Addr() net.Addr { return u.conn.LocalAddr() }
