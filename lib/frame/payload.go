package frame

import (
	"encoding/binary"
	"errors"
	"net/netip"
)

// ErrMalformedPayload indicates a frame's payload did not match its tag's
// expected structure.
var ErrMalformedPayload = errors.New("frame: malformed payload")

// CredentialKind distinguishes the two shapes an AuthRequest payload may
// carry, per spec.md §4.1 "Authentication".
type CredentialKind byte

const (
	CredentialPassword CredentialKind = 1
	CredentialToken    CredentialKind = 2
)

// AuthRequest is the decoded payload of a TagAuthRequest frame.
type AuthRequest struct {
	Kind     CredentialKind
	User     string // set when Kind == CredentialPassword
	Password string // set when Kind == CredentialPassword
	Token    string // set when Kind == CredentialToken
}

// EncodeAuthRequest builds the wire payload for an AuthRequest frame.
func EncodeAuthRequest(r AuthRequest) []byte {
	switch r.Kind {
	case CredentialToken:
		return append([]byte{byte(CredentialToken)}, []byte(r.Token)...)
	default:
		buf := []byte{byte(CredentialPassword)}
		buf = appendLPString(buf, r.User)
		buf = appendLPString(buf, r.Password)
		return buf
	}
}

// DecodeAuthRequest parses an AuthRequest frame payload.
func DecodeAuthRequest(payload []byte) (AuthRequest, error) {
	if len(payload) < 1 {
		return AuthRequest{}, ErrMalformedPayload
	}
	switch CredentialKind(payload[0]) {
	case CredentialToken:
		return AuthRequest{Kind: CredentialToken, Token: string(payload[1:])}, nil
	case CredentialPassword:
		rest := payload[1:]
		user, rest, err := readLPString(rest)
		if err != nil {
			return AuthRequest{}, err
		}
		pass, _, err := readLPString(rest)
		if err != nil {
			return AuthRequest{}, err
		}
		return AuthRequest{Kind: CredentialPassword, User: user, Password: pass}, nil
	default:
		return AuthRequest{}, ErrMalformedPayload
	}
}

// ServerConfig is the decoded payload of a TagServerConfig frame, sent once
// a session transitions to Online.
type ServerConfig struct {
	InsideIP  netip.Addr
	InsideMask uint8
	DNS       netip.Addr
	MTU       uint16
	SessionID uint64
}

// EncodeServerConfig builds the wire payload for a ServerConfig frame.
func EncodeServerConfig(c ServerConfig) []byte {
	buf := make([]byte, 0, 4+1+4+2+8)
	ip4 := c.InsideIP.As4()
	buf = append(buf, ip4[:]...)
	buf = append(buf, c.InsideMask)
	dns4 := c.DNS.As4()
	buf = append(buf, dns4[:]...)
	var mtu [2]byte
	binary.BigEndian.PutUint16(mtu[:], c.MTU)
	buf = append(buf, mtu[:]...)
	var sid [8]byte
	binary.BigEndian.PutUint64(sid[:], c.SessionID)
	buf = append(buf, sid[:]...)
	return buf
}

// DecodeServerConfig parses a ServerConfig frame payload.
func DecodeServerConfig(payload []byte) (ServerConfig, error) {
	if len(payload) != 4+1+4+2+8 {
		return ServerConfig{}, ErrMalformedPayload
	}
	var c ServerConfig
	c.InsideIP = netip.AddrFrom4([4]byte(payload[0:4]))
	c.InsideMask = payload[4]
	c.DNS = netip.AddrFrom4([4]byte(payload[5:9]))
	c.MTU = binary.BigEndian.Uint16(payload[9:11])
	c.SessionID = binary.BigEndian.Uint64(payload[11:19])
	return c, nil
}

// ExpresslaneConfig is the decoded payload of a TagExpresslaneConfig frame,
// used for both the initial handshake and periodic key rotation. See
// spec.md §4.3.
type ExpresslaneConfig struct {
	Enabled bool
	Ack     bool
	Version uint32
	Counter uint64
	Key     [32]byte
}

// EncodeExpresslaneConfig builds the wire payload for an ExpresslaneConfig
// frame. The Key field is omitted from acks (Ack == true) per the key
// direction semantics in spec.md §4.3: "the ack does not carry a key".
func EncodeExpresslaneConfig(c ExpresslaneConfig) []byte {
	buf := make([]byte, 0, 1+4+8+32)
	var flags byte
	if c.Enabled {
		flags |= 1
	}
	if c.Ack {
		flags |= 2
	}
	buf = append(buf, flags)
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], c.Version)
	buf = append(buf, v[:]...)
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], c.Counter)
	buf = append(buf, ctr[:]...)
	if !c.Ack {
		buf = append(buf, c.Key[:]...)
	}
	return buf
}

// DecodeExpresslaneConfig parses an ExpresslaneConfig frame payload.
func DecodeExpresslaneConfig(payload []byte) (ExpresslaneConfig, error) {
	if len(payload) < 1+4+8 {
		return ExpresslaneConfig{}, ErrMalformedPayload
	}
	var c ExpresslaneConfig
	flags := payload[0]
	c.Enabled = flags&1 != 0
	c.Ack = flags&2 != 0
	c.Version = binary.BigEndian.Uint32(payload[1:5])
	c.Counter = binary.BigEndian.Uint64(payload[5:13])
	if !c.Ack {
		if len(payload) != 1+4+8+32 {
			return ExpresslaneConfig{}, ErrMalformedPayload
		}
		copy(c.Key[:], payload[13:45])
	}
	return c, nil
}

// EncodeDisconnect builds the single-byte payload of a Disconnect frame.
func EncodeDisconnect(reason byte) []byte { return []byte{reason} }

// DecodeDisconnect parses a Disconnect frame payload.
func DecodeDisconnect(payload []byte) (byte, error) {
	if len(payload) != 1 {
		return 0, ErrMalformedPayload
	}
	return payload[0], nil
}

// EncodeAuthFailure builds the single-byte payload of an AuthFailure frame.
func EncodeAuthFailure(reason byte) []byte { return []byte{reason} }

// DecodeAuthFailure parses an AuthFailure frame payload.
func DecodeAuthFailure(payload []byte) (byte, error) {
	if len(payload) != 1 {
		return 0, ErrMalformedPayload
	}
	return payload[0], nil
}

func appendLPString(buf []byte, s string) []byte {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(s)))
	buf = append(buf, l[:]...)
	return append(buf, s...)
}

func readLPString(buf []byte) (string, []byte, error) {
	if len(buf) < 2 {
		return "", nil, ErrMalformedPayload
	}
	n := int(binary.BigEndian.Uint16(buf[0:2]))
	if len(buf) < 2+n {
		return "", nil, ErrMalformedPayload
	}
	return string(buf[2 : 2+n]), buf[2+n:], nil
}
