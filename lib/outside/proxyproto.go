package outside

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ErrNotProxyHeader indicates the leading bytes of a TCP stream were not a
// PROXY protocol v1 header. Callers rewind/replay the already-read bytes
// to the normal control-plane parser.
var ErrNotProxyHeader = errors.New("outside: not a PROXY protocol v1 header")

// ReadProxyHeaderV1 parses a human-readable PROXY protocol v1 header line
// ("PROXY TCP4 src dst sport dport\r\n") from r, returning the original
// client address it carries. Load balancers and other trusted
// intermediaries prepend this header before the TLS handshake. No accept
// path in this repository calls it or IsTrustedPeer, and the
// trusted_peers setting is loaded but not consulted.
//
// No third-party PROXY protocol library appears anywhere in the example
// pack, so this is a justified, minimal stdlib parser covering v1 only
// (the text variant a Go TCP load balancer is most likely to emit); v2's
// binary framing is out of scope absent a concrete caller for it.
func ReadProxyHeaderV1(r *bufio.Reader) (net.Addr, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimRight(line, "\r\n")
	fields := strings.Fields(line)
	if len(fields) != 6 || fields[0] != "PROXY" {
		return nil, ErrNotProxyHeader
	}
	switch fields[1] {
	case "TCP4", "TCP6":
	default:
		return nil, ErrNotProxyHeader
	}

	srcIP := net.ParseIP(fields[2])
	if srcIP == nil {
		return nil, fmt.Errorf("outside: invalid PROXY source address %q", fields[2])
	}
	srcPort, err := strconv.Atoi(fields[4])
	if err != nil || srcPort < 0 || srcPort > 65535 {
		return nil, fmt.Errorf("outside: invalid PROXY source port %q", fields[4])
	}
	return &net.TCPAddr{IP: srcIP, Port: srcPort}, nil
}

// IsTrustedPeer reports whether remote's IP falls inside any of the
// configured trusted CIDR blocks.
func IsTrustedPeer(remote net.Addr, trusted []*net.IPNet) bool {
	host, _, err := net.SplitHostPort(remote.String())
	if err != nil {
		host = remote.String()
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, block := range trusted {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}
