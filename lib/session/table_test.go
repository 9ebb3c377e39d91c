package session

import (
	"testing"

	"github.com/lightwayio/lightway-server/lib/lwerrors"
)

type fakeHandle ID

func (f fakeHandle) ID() ID { return ID(f) }

func TestInsertAndLookup(t *testing.T) {
	tbl := NewTable()
	if err := tbl.Insert("udp|1.2.3.4:5", fakeHandle(1)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if got := tbl.ByOutside("udp|1.2.3.4:5"); got == nil || got.ID() != 1 {
		t.Fatalf("ByOutside = %v, want id 1", got)
	}
	if got := tbl.ByID(1); got == nil || got.ID() != 1 {
		t.Fatalf("ByID = %v, want id 1", got)
	}
	if tbl.Count() != 1 {
		t.Fatalf("Count = %d, want 1", tbl.Count())
	}
}

func TestInsertDuplicateOutsideRejected(t *testing.T) {
	tbl := NewTable()
	_ = tbl.Insert("udp|1.2.3.4:5", fakeHandle(1))
	if err := tbl.Insert("udp|1.2.3.4:5", fakeHandle(2)); err != lwerrors.ErrDuplicateOutside {
		t.Fatalf("err = %v, want ErrDuplicateOutside", err)
	}
}

func TestInsertDuplicateIDRejected(t *testing.T) {
	tbl := NewTable()
	_ = tbl.Insert("udp|1.2.3.4:5", fakeHandle(1))
	if err := tbl.Insert("udp|9.9.9.9:9", fakeHandle(1)); err != lwerrors.ErrDuplicateID {
		t.Fatalf("err = %v, want ErrDuplicateID", err)
	}
}

func TestRemoveByID(t *testing.T) {
	tbl := NewTable()
	_ = tbl.Insert("udp|1.2.3.4:5", fakeHandle(1))
	tbl.Remove(1)
	if tbl.ByID(1) != nil {
		t.Fatalf("expected session removed")
	}
	if tbl.ByOutside("udp|1.2.3.4:5") != nil {
		t.Fatalf("expected outside-address entry removed")
	}
	if tbl.Count() != 0 {
		t.Fatalf("Count = %d, want 0", tbl.Count())
	}
}

func TestFloatRebindsOutsideAddress(t *testing.T) {
	tbl := NewTable()
	h := fakeHandle(1)
	_ = tbl.Insert("udp|1.2.3.4:5", h)

	if err := tbl.Float("udp|1.2.3.4:5", "udp|6.7.8.9:10", h); err != nil {
		t.Fatalf("Float: %v", err)
	}
	if tbl.ByOutside("udp|1.2.3.4:5") != nil {
		t.Fatalf("old address still bound")
	}
	if got := tbl.ByOutside("udp|6.7.8.9:10"); got == nil || got.ID() != 1 {
		t.Fatalf("new address not bound to session 1")
	}
	if got := tbl.ByID(1); got == nil {
		t.Fatalf("id lookup lost after float")
	}
}

func TestFloatRejectsCollisionWithOtherSession(t *testing.T) {
	tbl := NewTable()
	h1, h2 := fakeHandle(1), fakeHandle(2)
	_ = tbl.Insert("udp|1.1.1.1:1", h1)
	_ = tbl.Insert("udp|2.2.2.2:2", h2)

	if err := tbl.Float("udp|1.1.1.1:1", "udp|2.2.2.2:2", h1); err != lwerrors.ErrDuplicateOutside {
		t.Fatalf("err = %v, want ErrDuplicateOutside", err)
	}
}

func TestAllReturnsLiveSessions(t *testing.T) {
	tbl := NewTable()
	_ = tbl.Insert("a", fakeHandle(1))
	_ = tbl.Insert("b", fakeHandle(2))
	all := tbl.All()
	if len(all) != 2 {
		t.Fatalf("All() len = %d, want 2", len(all))
	}
}
