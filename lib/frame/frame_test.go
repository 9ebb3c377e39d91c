package frame

import (
	"bytes"
	"net/netip"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		tag     Tag
		payload []byte
	}{
		{"noop", TagNoOp, nil},
		{"ping", TagPing, []byte("cookie-123")},
		{"keepalive", TagKeepalive, nil},
		{"data", TagData, bytes.Repeat([]byte{0xAB}, 1200)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(tt.tag, tt.payload)
			buf, err := f.Encode(nil)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, n, err := Decode(buf)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if n != len(buf) {
				t.Fatalf("consumed %d, want %d", n, len(buf))
			}
			if got.Tag != tt.tag {
				t.Fatalf("tag = %v, want %v", got.Tag, tt.tag)
			}
			if !bytes.Equal(got.Payload, tt.payload) && !(len(got.Payload) == 0 && len(tt.payload) == 0) {
				t.Fatalf("payload = %v, want %v", got.Payload, tt.payload)
			}
		})
	}
}

func TestReaderFeedsIncrementally(t *testing.T) {
	f := New(TagPing, []byte("hello"))
	buf, _ := f.Encode(nil)

	var r Reader
	r.Feed(buf[:2])
	if _, ok, err := r.Next(); ok || err != nil {
		t.Fatalf("expected no frame yet, got ok=%v err=%v", ok, err)
	}
	r.Feed(buf[2:])
	got, ok, err := r.Next()
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	if got.Tag != TagPing || string(got.Payload) != "hello" {
		t.Fatalf("unexpected frame: %+v", got)
	}
	if r.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", r.Pending())
	}
}

func TestDecodeShortBuffer(t *testing.T) {
	if _, _, err := Decode([]byte{1, 0}); err != ErrShortHeader {
		t.Fatalf("err = %v, want ErrShortHeader", err)
	}
	if _, _, err := Decode([]byte{1, 0, 5, 1, 2}); err != ErrShortFrame {
		t.Fatalf("err = %v, want ErrShortFrame", err)
	}
}

func TestServerConfigRoundTrip(t *testing.T) {
	want := ServerConfig{
		InsideIP:   netip.MustParseAddr("10.125.0.2"),
		InsideMask: 16,
		DNS:        netip.MustParseAddr("10.125.0.1"),
		MTU:        1350,
		SessionID:  0xdeadbeef,
	}
	got, err := DecodeServerConfig(EncodeServerConfig(want))
	if err != nil {
		t.Fatalf("DecodeServerConfig: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestAuthRequestRoundTripPassword(t *testing.T) {
	want := AuthRequest{Kind: CredentialPassword, User: "alice", Password: "s3cret"}
	got, err := DecodeAuthRequest(EncodeAuthRequest(want))
	if err != nil {
		t.Fatalf("DecodeAuthRequest: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestAuthRequestRoundTripToken(t *testing.T) {
	want := AuthRequest{Kind: CredentialToken, Token: "eyJhbGciOi..."}
	got, err := DecodeAuthRequest(EncodeAuthRequest(want))
	if err != nil {
		t.Fatalf("DecodeAuthRequest: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestExpresslaneConfigRoundTrip(t *testing.T) {
	want := ExpresslaneConfig{Enabled: true, Ack: false, Version: 1, Counter: 42}
	for i := range want.Key {
		want.Key[i] = byte(i)
	}
	got, err := DecodeExpresslaneConfig(EncodeExpresslaneConfig(want))
	if err != nil {
		t.Fatalf("DecodeExpresslaneConfig: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestExpresslaneConfigAckOmitsKey(t *testing.T) {
	ack := ExpresslaneConfig{Enabled: true, Ack: true, Version: 1, Counter: 42}
	wire := EncodeExpresslaneConfig(ack)
	if len(wire) != 1+4+8 {
		t.Fatalf("ack payload length = %d, want %d", len(wire), 1+4+8)
	}
	got, err := DecodeExpresslaneConfig(wire)
	if err != nil {
		t.Fatalf("DecodeExpresslaneConfig: %v", err)
	}
	if got.Key != ([32]byte{}) {
		t.Fatalf("expected zero key on ack, got %x", got.Key)
	}
}
