// Package inside implements InsideIo: the tun device that carries the
// private network's IP traffic between the server and every connected
// client, after Expresslane has decrypted/encrypted it. See spec.md §4.4.
package inside

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/songgao/water"

	"github.com/lightwayio/lightway-server/lib/ippool"
	"github.com/lightwayio/lightway-server/lib/metrics"
	"github.com/lightwayio/lightway-server/lib/session"
)

// Router is the subset of *ippool.Pool Io needs to turn a destination IP
// into the session that owns it.
type Router interface {
	Owner(addr netip.Addr) ippool.Owner
}

// Io owns the tun device and routes packets between it and the sessions
// whose inside addresses were allocated from pool. Grounded on the
// teacher's lib/datagram/udp.go read-loop shape (ListenPacket's receiveLoop
// generalized from a UDP socket read to a tun device read), since no
// teacher file touches a network interface directly.
type Io struct {
	iface *water.Interface
	pool  Router
	log   *logrus.Entry

	dropped atomic.Uint64

	wg sync.WaitGroup
}

// Config describes the tun device to create.
type Config struct {
	// Name requests a specific interface name; left empty, the OS assigns
	// one (commonly tun0, tun1, ...).
	Name string
}

// New creates and brings up a Layer-3 tun device.
func New(cfg Config, pool Router, log *logrus.Entry) (*Io, error) {
	waterCfg := water.Config{DeviceType: water.TUN}
	waterCfg.Name = cfg.Name
	iface, err := water.New(waterCfg)
	if err != nil {
		return nil, fmt.Errorf("inside: open tun device: %w", err)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Io{iface: iface, pool: pool, log: log.WithField("component", "inside")}, nil
}

// Name returns the OS-assigned interface name.
func (io *Io) Name() string { return io.iface.Name() }

// Serve reads packets off the tun device until done is closed or the
// device errors, routing each to the session owning its IPv4 destination
// via an EventInsidePacket. A packet whose destination has no owner (the
// client already disconnected, or traffic for the server's own address)
// is dropped and counted, never blocking the read loop.
func (io *Io) Serve(done <-chan struct{}) error {
	io.wg.Add(1)
	defer io.wg.Done()

	buf := make([]byte, 1500+40) // MTU headroom for the IPv4/IPv6 header
	for {
		n, err := io.iface.Read(buf)
		if err != nil {
			select {
			case <-done:
				return nil
			default:
				return err
			}
		}
		if n < 20 {
			continue
		}
		dst, ok := destinationOf(buf[:n])
		if !ok {
			continue
		}

		owner := io.pool.Owner(dst)
		if owner == nil {
			io.dropped.Add(1)
			metrics.InsideDropped.WithLabelValues("no_owner").Inc()
			continue
		}
		sess, ok := owner.(*session.Session)
		if !ok {
			io.dropped.Add(1)
			metrics.InsideDropped.WithLabelValues("no_owner").Inc()
			continue
		}

		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		if !sess.TrySend(session.Event{Kind: session.EventInsidePacket, Inside: pkt}) {
			io.dropped.Add(1)
			metrics.InsideDropped.WithLabelValues("inbox_full").Inc()
		}
	}
}

// Write sends a decrypted inside-network packet out the tun device,
// satisfying manager.InsideWriter.
func (io *Io) Write(pkt []byte) (int, error) { return io.iface.Write(pkt) }

// Dropped returns the count of inside packets dropped for either
// lightway_inside_drops_total reason ("no_owner" or "inbox_full").
func (io *Io) Dropped() uint64 { return io.dropped.Load() }

// Close tears down the tun device and waits for Serve to return.
func (io *Io) Close() error {
	err := io.iface.Close()
	io.wg.Wait()
	return err
}

// destinationOf extracts the IPv4 destination address from a raw packet.
// IPv6 is out of scope for this server's inside network (spec.md §4.4
// Non-goals).
func destinationOf(pkt []byte) (netip.Addr, bool) {
	version := pkt[0] >> 4
	if version != 4 || len(pkt) < 20 {
		return netip.Addr{}, false
	}
	headerLen := int(pkt[0]&0x0f) * 4
	if headerLen < 20 || len(pkt) < headerLen {
		return netip.Addr{}, false
	}
	var total uint16 = binary.BigEndian.Uint16(pkt[2:4])
	if int(total) != len(pkt) {
		return netip.Addr{}, false // truncated or padded read, skip
	}
	return netip.AddrFrom4([4]byte(pkt[16:20])), true
}
