// Package ippool implements the inside-IP allocator: a CIDR range minus a
// reserved-address list, partitioned into free, allocated, and quarantined
// sets. See spec.md §4.4.
package ippool

import (
	"net/netip"
	"sync"
	"time"

	"github.com/lightwayio/lightway-server/lib/lwerrors"
)

// Owner identifies whatever the pool hands back from Owner(ip) — the
// session package's *session.Session satisfies this through its OwnerKey
// method, so that ippool has no import-time dependency on session.
type Owner interface {
	// OwnerKey is an opaque identity used only for logging/equality checks.
	OwnerKey() uint64
}

// Pool allocates and reclaims inside IPs from a CIDR range. Reclaimed
// addresses are not immediately re-allocatable: they sit in a quarantine
// queue until QuarantineDelay has elapsed, preventing a just-disconnected
// session's in-flight retransmits from being routed to a new owner.
//
// Safe for concurrent use: Allocate/Release take the write path,
// Owner (the InsideIo hot path) takes the read path, matching the
// "many readers, one writer" rule in spec.md §5.
type Pool struct {
	mu sync.RWMutex

	prefix    netip.Prefix
	reserved  map[netip.Addr]struct{}
	free      []netip.Addr // ordered, popped from the front
	allocated map[netip.Addr]Owner
	quarantine []quarantined

	quarantineDelay time.Duration
	now             func() time.Time
}

type quarantined struct {
	addr    netip.Addr
	expires time.Time
}

// DefaultQuarantineDelay is the minimum recommended window per spec.md
// §4.4 ("e.g. 2 minutes") — long enough to outlast the largest plausible
// DTLS retransmit window.
const DefaultQuarantineDelay = 2 * time.Minute

// New builds a Pool over prefix, excluding the addresses in reserved (the
// network/broadcast addresses, the server's own tun IP, and any DNS helper
// addresses per spec.md §3).
func New(prefix netip.Prefix, reserved []netip.Addr, quarantineDelay time.Duration) (*Pool, error) {
	if quarantineDelay <= 0 {
		quarantineDelay = DefaultQuarantineDelay
	}
	p := &Pool{
		prefix:          prefix.Masked(),
		reserved:        make(map[netip.Addr]struct{}, len(reserved)),
		allocated:       make(map[netip.Addr]Owner),
		quarantineDelay: quarantineDelay,
		now:             time.Now,
	}
	for _, r := range reserved {
		p.reserved[r] = struct{}{}
	}

	addr := p.prefix.Addr()
	for {
		if _, isReserved := p.reserved[addr]; !isReserved {
			p.free = append(p.free, addr)
		}
		next := addr.Next()
		if !p.prefix.Contains(next) || next == addr {
			break
		}
		addr = next
	}
	return p, nil
}

// Allocate returns the next free address in insertion order. It first
// drains any quarantined addresses whose delay has elapsed back into the
// free list, so a long-idle pool recovers capacity lazily rather than via a
// background goroutine.
func (p *Pool) Allocate(owner Owner) (netip.Addr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.drainQuarantineLocked()

	if len(p.free) == 0 {
		return netip.Addr{}, lwerrors.ErrPoolExhausted
	}
	addr := p.free[0]
	p.free = p.free[1:]
	p.allocated[addr] = owner
	return addr, nil
}

// Release returns ip to the quarantine queue. It does not become
// allocatable until the quarantine delay elapses. Releasing an address that
// is not currently allocated returns lwerrors.ErrAlreadyReleased.
func (p *Pool) Release(ip netip.Addr) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.allocated[ip]; !ok {
		return lwerrors.ErrAlreadyReleased
	}
	delete(p.allocated, ip)
	p.quarantine = append(p.quarantine, quarantined{
		addr:    ip,
		expires: p.now().Add(p.quarantineDelay),
	})
	return nil
}

// Owner returns the session handle currently owning ip, or nil if ip is
// free, quarantined, or reserved. This is the hot-path lookup used by
// InsideIo for every inbound tun packet.
func (p *Pool) Owner(ip netip.Addr) Owner {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.allocated[ip]
}

// drainQuarantineLocked moves expired quarantine entries back into the free
// list. Callers must hold p.mu for writing.
func (p *Pool) drainQuarantineLocked() {
	if len(p.quarantine) == 0 {
		return
	}
	now := p.now()
	kept := p.quarantine[:0]
	for _, q := range p.quarantine {
		if now.Before(q.expires) {
			kept = append(kept, q)
			continue
		}
		p.free = append(p.free, q.addr)
	}
	p.quarantine = kept
}

// Stats reports current pool occupancy for the metrics collaborator.
type Stats struct {
	Free       int
	Allocated  int
	Quarantined int
}

// Stats returns a point-in-time snapshot of pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Stats{Free: len(p.free), Allocated: len(p.allocated), Quarantined: len(p.quarantine)}
}
