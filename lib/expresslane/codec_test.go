package expresslane

import (
	"bytes"
	"testing"
	"time"
)

func newTestCodecPair(t *testing.T) (client *Codec, server *Codec) {
	t.Helper()
	var k1, k2 Key
	for i := range k1 {
		k1[i] = byte(i)
	}
	for i := range k2 {
		k2[i] = byte(255 - i)
	}
	// client sends under k1, server receives under k1; server sends under
	// k2, client receives under k2 -- a realistic asymmetric pair.
	c, err := NewCodec(42, k1, k2)
	if err != nil {
		t.Fatalf("NewCodec client: %v", err)
	}
	s, err := NewCodec(42, k2, k1)
	if err != nil {
		t.Fatalf("NewCodec server: %v", err)
	}
	return c, s
}

func TestSealOpenRoundTrip(t *testing.T) {
	client, server := newTestCodecPair(t)
	msg := []byte("hello inside network")

	wire, err := client.Seal(msg)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	got, err := server.Open(wire)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("got %q, want %q", got, msg)
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	client, server := newTestCodecPair(t)
	wire, _ := client.Seal([]byte("payload"))
	wire[len(wire)-1] ^= 0xFF

	if _, err := server.Open(wire); err != ErrAuthFailed {
		t.Fatalf("err = %v, want ErrAuthFailed", err)
	}
}

func TestReplayWindowRejectsDuplicateAndOld(t *testing.T) {
	client, server := newTestCodecPair(t)

	var wires [][]byte
	for i := 0; i < 10; i++ {
		w, _ := client.Seal([]byte("pkt"))
		wires = append(wires, w)
	}
	for i, w := range wires {
		if _, err := server.Open(w); err != nil {
			t.Fatalf("Open #%d: %v", i, err)
		}
	}
	// replaying an already-accepted packet must be rejected
	if _, err := server.Open(wires[5]); err != ErrReplayDuplicate {
		t.Fatalf("replay err = %v, want ErrReplayDuplicate", err)
	}

	// push the window far enough ahead that an old counter falls outside it
	for i := 0; i < replayWindowSize+5; i++ {
		w, _ := client.Seal([]byte("pkt"))
		if _, err := server.Open(w); err != nil {
			t.Fatalf("advancing window: %v", err)
		}
	}
	if _, err := server.Open(wires[0]); err != ErrReplayTooOld {
		t.Fatalf("err = %v, want ErrReplayTooOld", err)
	}
}

func TestReplayWindowAcceptsOutOfOrderWithinRange(t *testing.T) {
	client, server := newTestCodecPair(t)
	var wires [][]byte
	for i := 0; i < 5; i++ {
		w, _ := client.Seal([]byte("pkt"))
		wires = append(wires, w)
	}
	// deliver out of order: 0,2,1,4,3 -- all within the window, none are
	// duplicates, so all must succeed.
	order := []int{0, 2, 1, 4, 3}
	for _, idx := range order {
		if _, err := server.Open(wires[idx]); err != nil {
			t.Fatalf("Open(wires[%d]): %v", idx, err)
		}
	}
}

func TestRotateRecvKeepsPreviousKeyValidDuringGrace(t *testing.T) {
	client, server := newTestCodecPair(t)
	fixedNow := time.Now()
	server.now = func() time.Time { return fixedNow }

	wireOld, _ := client.Seal([]byte("before rotation"))

	var newClientKey Key
	for i := range newClientKey {
		newClientKey[i] = byte(i + 1)
	}
	if err := server.RotateRecv(newClientKey, 2, time.Minute); err != nil {
		t.Fatalf("RotateRecv: %v", err)
	}

	// old packet (encrypted under the now-previous key) still opens within
	// the grace window
	if _, err := server.Open(wireOld); err != nil {
		t.Fatalf("Open with grace-period previous key: %v", err)
	}

	server.now = func() time.Time { return fixedNow.Add(2 * time.Minute) }
	wireOld2, _ := client.Seal([]byte("after rotation, still old key"))
	if _, err := server.Open(wireOld2); err != ErrAuthFailed {
		t.Fatalf("err = %v, want ErrAuthFailed once grace window has elapsed", err)
	}
}

func TestRotateSendResetsCounter(t *testing.T) {
	client, _ := newTestCodecPair(t)
	_, _ = client.Seal([]byte("a"))
	_, _ = client.Seal([]byte("b"))
	if client.SendCounter() != 2 {
		t.Fatalf("SendCounter = %d, want 2", client.SendCounter())
	}
	var k Key
	if err := client.RotateSend(k, 2); err != nil {
		t.Fatalf("RotateSend: %v", err)
	}
	if client.SendCounter() != 0 {
		t.Fatalf("SendCounter after rotate = %d, want 0", client.SendCounter())
	}
}

func TestBackoffSchedule(t *testing.T) {
	b := NewBackoff([]time.Duration{10 * time.Millisecond, 20 * time.Millisecond})
	fixedNow := time.Now()
	b.now = func() time.Time { return fixedNow }
	b.Start()

	if b.Due() {
		t.Fatalf("should not be due immediately")
	}
	b.now = func() time.Time { return fixedNow.Add(15 * time.Millisecond) }
	if !b.Due() {
		t.Fatalf("should be due after first interval")
	}
	b.Advance()
	if b.Exhausted() {
		t.Fatalf("should not be exhausted after first attempt")
	}
	b.Advance()
	if !b.Exhausted() {
		t.Fatalf("should be exhausted after schedule length attempts")
	}
}
