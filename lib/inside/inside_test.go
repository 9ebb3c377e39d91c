package inside

import (
	"net/netip"
	"testing"
)

func buildIPv4Packet(t *testing.T, dst netip.Addr, payloadLen int) []byte {
	t.Helper()
	total := 20 + payloadLen
	pkt := make([]byte, total)
	pkt[0] = 0x45 // version 4, header length 5 words
	pkt[2] = byte(total >> 8)
	pkt[3] = byte(total)
	src := netip.MustParseAddr("10.90.0.1").As4()
	copy(pkt[12:16], src[:])
	d := dst.As4()
	copy(pkt[16:20], d[:])
	return pkt
}

func TestDestinationOfParsesIPv4(t *testing.T) {
	want := netip.MustParseAddr("10.90.0.7")
	pkt := buildIPv4Packet(t, want, 8)

	got, ok := destinationOf(pkt)
	if !ok {
		t.Fatalf("expected destinationOf to succeed")
	}
	if got != want {
		t.Fatalf("destination = %v, want %v", got, want)
	}
}

func TestDestinationOfRejectsShortPacket(t *testing.T) {
	if _, ok := destinationOf([]byte{0x45, 0, 0, 10}); ok {
		t.Fatalf("expected short packet to be rejected")
	}
}

func TestDestinationOfRejectsNonIPv4(t *testing.T) {
	pkt := buildIPv4Packet(t, netip.MustParseAddr("10.90.0.7"), 8)
	pkt[0] = 0x60 // IPv6 version nibble
	if _, ok := destinationOf(pkt); ok {
		t.Fatalf("expected IPv6 packet to be rejected")
	}
}

func TestDestinationOfRejectsTruncatedPacket(t *testing.T) {
	pkt := buildIPv4Packet(t, netip.MustParseAddr("10.90.0.7"), 8)
	truncated := pkt[:len(pkt)-4]
	if _, ok := destinationOf(truncated); ok {
		t.Fatalf("expected truncated packet to be rejected")
	}
}
