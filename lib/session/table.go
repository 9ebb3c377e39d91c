// Package session implements the Lightway per-connection protocol state
// machine (Session) and the SessionTable that demultiplexes outside
// addresses and connection ids to live sessions. See spec.md §3 and §4.1.
package session

import (
	"sync"

	"github.com/lightwayio/lightway-server/lib/lwerrors"
)

// ID is a server-assigned, process-unique connection identifier.
type ID uint64

// OutsideAddr is the SessionTable's demultiplexing key for a session's
// outside transport endpoint: a UDP source tuple, or a TCP connection's
// identity. It is deliberately an opaque comparable string so the table
// need not special-case UDP vs TCP.
type OutsideAddr string

// Handle is the subset of *Session that SessionTable depends on, kept
// narrow so table_test.go can exercise the map logic without constructing
// a full Session.
type Handle interface {
	ID() ID
}

// Table keeps two maps in lockstep: outside-address -> session and
// connection-id -> session. Per spec.md §4.2, ConnectionManager is the only
// writer; OutsideIo/InsideIo hold only weak (lookup-only) references
// through the table.
type Table struct {
	mu       sync.RWMutex
	byOutside map[OutsideAddr]Handle
	byID      map[ID]Handle
}

// NewTable creates an empty SessionTable.
func NewTable() *Table {
	return &Table{
		byOutside: make(map[OutsideAddr]Handle),
		byID:      make(map[ID]Handle),
	}
}

// Insert adds s to both maps under addr/s.ID(). Returns
// lwerrors.ErrDuplicateOutside or lwerrors.ErrDuplicateID if either key is
// already taken. ConnectionManager.Accept then closes the new connection;
// it does not evict the existing session or regenerate the id.
func (t *Table) Insert(addr OutsideAddr, s Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.byOutside[addr]; exists {
		return lwerrors.ErrDuplicateOutside
	}
	if _, exists := t.byID[s.ID()]; exists {
		return lwerrors.ErrDuplicateID
	}
	t.byOutside[addr] = s
	t.byID[s.ID()] = s
	return nil
}

// Remove deletes s from both maps. It looks the session up by id so a
// caller racing a concurrent float (which changes the outside-address key)
// still removes the right entry.
func (t *Table) Remove(id ID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.byID[id]
	if !ok {
		return
	}
	delete(t.byID, id)
	for addr, candidate := range t.byOutside {
		if candidate.ID() == id {
			delete(t.byOutside, addr)
			break
		}
	}
	_ = s
}

// ByOutside returns the session bound to addr, or nil if none.
func (t *Table) ByOutside(addr OutsideAddr) Handle {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byOutside[addr]
}

// ByID returns the session with the given connection id, or nil if none.
func (t *Table) ByID(id ID) Handle {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byID[id]
}

// Float atomically rebinds a session's outside-address key from oldAddr to
// newAddr. This is the only supported way to change a session's outside
// address (spec.md §4.2, point 3). The caller is responsible for having
// already authenticated the inbound record under the session's existing
// keys before calling Float.
func (t *Table) Float(oldAddr, newAddr OutsideAddr, s Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, exists := t.byOutside[newAddr]; exists && existing.ID() != s.ID() {
		return lwerrors.ErrDuplicateOutside
	}
	delete(t.byOutside, oldAddr)
	t.byOutside[newAddr] = s
	return nil
}

// Count returns the number of live sessions, used by ConnectionManager's
// admission check (spec.md §4.2 "Admission").
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}

// All returns every live session handle. Used by the UDP reader's
// float-candidate fan-out.
func (t *Table) All() []Handle {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Handle, 0, len(t.byID))
	for _, s := range t.byID {
		out = append(out, s)
	}
	return out
}
