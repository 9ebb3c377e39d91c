// Package manager implements ConnectionManager: the component that owns
// the SessionTable, IpPool, and transport listeners, and orchestrates a
// session from accept through authentication, onlining, and teardown. See
// spec.md §4.2.
package manager

import (
	"context"
	"crypto/rand"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lightwayio/lightway-server/lib/auth"
	"github.com/lightwayio/lightway-server/lib/expresslane"
	"github.com/lightwayio/lightway-server/lib/frame"
	"github.com/lightwayio/lightway-server/lib/ippool"
	"github.com/lightwayio/lightway-server/lib/lwerrors"
	"github.com/lightwayio/lightway-server/lib/metrics"
	"github.com/lightwayio/lightway-server/lib/session"
	"github.com/lightwayio/lightway-server/lib/transport"
)

// expresslaneRotationGrace is how long a demoted receive key stays valid
// for packets already in flight when the peer pushes a rotated key
// (spec.md §4.3).
const expresslaneRotationGrace = 5 * time.Second

// expresslaneRotationInterval is how often the server re-keys its own
// Expresslane send key (spec.md §4.3: "Key rotation is initiated by the
// server every 60 s").
const expresslaneRotationInterval = 60 * time.Second

// DataWriter sends an already-sealed Expresslane packet to a client's
// current outside address. *outside.UDPIo implements this; declared here,
// narrow, so manager has no import-time dependency on outside.
type DataWriter interface {
	WriteTo(packet []byte, addr net.Addr) error
}

// InsideWriter delivers a decrypted inside-network packet to the tun
// device for routing. *inside.Io implements this.
type InsideWriter interface {
	Write(pkt []byte) (int, error)
}

// Config holds the tunable knobs ConnectionManager needs beyond its
// collaborators. Durations of zero fall back to the package defaults.
type Config struct {
	MaxSessions      int
	AuthTimeout      time.Duration
	IdleTimeout      time.Duration
	DNS              netip.Addr
	InsideMask       uint8
	MTU              uint16
	TickInterval     time.Duration
}

const (
	DefaultAuthTimeout  = 30 * time.Second
	DefaultIdleTimeout  = 5 * time.Minute
	DefaultTickInterval = 10 * time.Second
	DefaultMTU          = 1350
)

func (c Config) withDefaults() Config {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = DefaultAuthTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.MTU == 0 {
		c.MTU = DefaultMTU
	}
	return c
}

// InsideAllocator is the subset of *ippool.Pool ConnectionManager depends
// on, narrowed for testability.
type InsideAllocator interface {
	Allocate(owner ippool.Owner) (netip.Addr, error)
	Release(ip netip.Addr) error
}

// expresslaneState tracks one session's server-initiated Expresslane
// handshake/rotation cycle (spec.md §4.3): the version of the Config frame
// currently (or most recently) in flight, the retransmit backoff driving
// it while unacked, and when the next periodic rotation is due.
type expresslaneState struct {
	version      uint32
	backoff      *expresslane.Backoff // nil once acked or exhausted
	nextRotation time.Time            // zero until the first handshake completes
}

// Manager orchestrates every session's lifecycle. It is the direct
// generalization of the teacher's lib/bridge.Server: an admission-checked
// accept loop, a live-connection set, and a coordinated Close/shutdown
// sequence, generalized from a text-command router to Lightway's framed
// handshake and per-session Run loop.
type Manager struct {
	cfg Config

	table *session.Table
	pool  InsideAllocator
	auth  auth.Backend

	dataIo   DataWriter
	insideIo InsideWriter

	insideIP netip.Addr

	nextID atomic.Uint64

	mu       sync.Mutex
	sessions map[session.ID]*session.Session
	closed   bool
	done     chan struct{}

	exprMu sync.Mutex
	expr   map[session.ID]*expresslaneState

	log *logrus.Entry
}

// New creates a Manager. insideIP is the server's own tun address, handed
// out in every ServerConfig frame alongside each session's allocated
// client address.
func New(cfg Config, table *session.Table, pool InsideAllocator, backend auth.Backend, insideIP netip.Addr, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		cfg:      cfg.withDefaults(),
		table:    table,
		pool:     pool,
		auth:     backend,
		insideIP: insideIP,
		sessions: make(map[session.ID]*session.Session),
		expr:     make(map[session.ID]*expresslaneState),
		done:     make(chan struct{}),
		log:      log.WithField("component", "manager"),
	}
}

// SetDataIo wires the shared Expresslane UDP socket ConnectionManager uses
// to send sealed data-plane packets. Called once during server startup,
// after lib/outside.ListenUDP and Manager.New both exist.
func (m *Manager) SetDataIo(w DataWriter) { m.dataIo = w }

// SetInsideIo wires the tun device decrypted inside packets are delivered
// to. Called once during server startup.
func (m *Manager) SetInsideIo(w InsideWriter) { m.insideIo = w }

// outsideKeyFor builds the SessionTable key for a control-plane endpoint's
// remote address. UDP (DTLS) and TCP (TLS) addresses are distinguished by
// network so a UDP tuple can never collide with a TCP one.
func outsideKeyFor(addr net.Addr) session.OutsideAddr {
	return session.OutsideAddr(addr.Network() + "|" + addr.String())
}

// Accept admits one newly-handshaked control-plane connection: it runs
// admission control, allocates a connection id, registers the session, and
// spawns its Run goroutine. The caller (the per-transport accept loop in
// lib/outside) is expected to call this for every transport.Listener.Accept
// result.
func (m *Manager) Accept(ctx context.Context, ep *transport.Endpoint) error {
	if m.atCapacity() {
		_ = ep.Close()
		return lwerrors.NewResourceExhausted("sessions")
	}

	id := session.ID(m.nextID.Add(1))
	addr := outsideKeyFor(ep.RemoteAddr())
	transportKind := ep.RemoteAddr().Network()
	eligible := transportKind == "udp" && ep.MeetsExpresslaneVersion()
	sess := session.NewSession(id, addr, ep, transportKind, eligible, m.log)

	if err := m.table.Insert(addr, sess); err != nil {
		_ = ep.Close()
		return err
	}
	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	_ = sess.SetState(session.WaitingForAuth)
	sess.ArmAuthDeadline(time.Now().Add(m.cfg.AuthTimeout))

	go m.pump(ctx, ep, sess)
	go sess.Run(ctx, m.handle)
	go m.tick(ctx, sess)

	return nil
}

// pump reads frames off ep and feeds them into the session's inbox until
// the endpoint errors or the session closes. This is the bridge between
// the blocking control-plane read and the session's single-writer event
// loop.
func (m *Manager) pump(ctx context.Context, ep *transport.Endpoint, sess *session.Session) {
	for {
		f, err := ep.ReadFrame()
		if err != nil {
			sess.TrySend(session.Event{Kind: session.EventClose})
			return
		}
		if err := sess.Send(ctx, session.Event{Kind: session.EventControlFrame, Frame: f, At: time.Now()}); err != nil {
			return
		}
	}
}

// tick periodically enqueues an EventTick so the session can check its
// auth/idle deadlines even when no frames are arriving.
func (m *Manager) tick(ctx context.Context, sess *session.Session) {
	t := time.NewTicker(m.cfg.TickInterval)
	defer t.Stop()
	for {
		select {
		case now := <-t.C:
			if !sess.TrySend(session.Event{Kind: session.EventTick, At: now}) {
				m.log.Warn("tick dropped: session inbox full")
			}
		case <-sess.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

// handle is the session.Handler bound to this manager's collaborators.
func (m *Manager) handle(sess *session.Session, ev session.Event) error {
	switch ev.Kind {
	case session.EventControlFrame:
		return m.handleFrame(sess, ev.Frame)
	case session.EventTick:
		return m.handleTick(sess, ev.At)
	case session.EventDataPacket:
		return m.handleDataPacket(sess, ev.Data)
	case session.EventInsidePacket:
		return m.handleInsidePacket(sess, ev.Inside)
	case session.EventFloatCandidate:
		return m.handleFloatCandidate(sess, ev.Data, ev.Addr)
	default:
		return nil
	}
}

func (m *Manager) handleFrame(sess *session.Session, f frame.Frame) error {
	sess.UpdateActivity(time.Now())

	switch f.Tag {
	case frame.TagAuthRequest:
		req, err := frame.DecodeAuthRequest(f.Payload)
		if err != nil {
			return lwerrors.NewProtocolError(uint64(sess.ID()), "malformed auth request", err)
		}
		return m.authenticate(sess, req)

	case frame.TagPing:
		return m.writeFrame(sess, frame.TagPong, f.Payload)

	case frame.TagKeepalive:
		sess.ArmIdleDeadline(time.Now().Add(m.cfg.IdleTimeout))
		return nil

	case frame.TagData:
		if sess.InsideIP() == "" {
			return lwerrors.NewProtocolError(uint64(sess.ID()), "data frame before authentication", nil)
		}
		if m.insideIo != nil {
			if _, err := m.insideIo.Write(f.Payload); err != nil {
				m.log.WithError(err).Warn("failed to write inside packet to tun device")
			}
		}
		return nil

	case frame.TagDisconnect:
		reason, _ := frame.DecodeDisconnect(f.Payload)
		m.log.WithField("reason", reason).Info("client requested disconnect")
		return m.teardown(sess, "client_disconnect")

	case frame.TagExpresslaneConfig:
		cfg, err := frame.DecodeExpresslaneConfig(f.Payload)
		if err != nil {
			return lwerrors.NewProtocolError(uint64(sess.ID()), "malformed expresslane config", err)
		}
		return m.handleExpresslaneConfig(sess, cfg)

	default:
		return lwerrors.NewProtocolError(uint64(sess.ID()), "unexpected frame in current state", nil)
	}
}

func (m *Manager) authenticate(sess *session.Session, req frame.AuthRequest) error {
	if err := sess.HandleAuthRequest(req, m.auth); err != nil {
		m.log.WithError(err).Warn("authentication failed")
		_ = m.writeFrame(sess, frame.TagAuthFailure, frame.EncodeAuthFailure(frame.AuthFailureBadCredential))
		return m.teardown(sess, "auth_failed")
	}

	ip, err := m.pool.Allocate(sess)
	if err != nil {
		m.log.WithError(err).Warn("ip pool exhausted")
		_ = m.writeFrame(sess, frame.TagAuthFailure, frame.EncodeAuthFailure(frame.AuthFailurePoolExhausted))
		return m.teardown(sess, "pool_exhausted")
	}
	sess.SetInsideIP(ip.String())
	sess.ArmIdleDeadline(time.Now().Add(m.cfg.IdleTimeout))
	metrics.SessionsActive.WithLabelValues("online").Inc()
	metrics.IpPoolAllocated.Inc()
	metrics.IpPoolFree.Dec()

	if err := m.writeFrame(sess, frame.TagAuthSuccess, nil); err != nil {
		return err
	}

	cfg := frame.ServerConfig{
		InsideIP:   ip,
		InsideMask: m.cfg.InsideMask,
		DNS:        m.cfg.DNS,
		MTU:        m.cfg.MTU,
		SessionID:  uint64(sess.ID()),
	}
	if err := m.writeFrame(sess, frame.TagServerConfig, frame.EncodeServerConfig(cfg)); err != nil {
		return err
	}

	// "begin Expresslane handshake" (spec.md §4.1's Online-transition
	// entry action): the server drives this, not the client.
	if sess.ExpresslaneEligible() {
		if err := m.startExpresslaneHandshake(sess, 1); err != nil {
			m.log.WithError(err).Warn("failed to start expresslane handshake")
		}
	}
	return nil
}

// startExpresslaneHandshake generates a fresh send key and proactively
// emits the first Expresslane Config frame, arming a retransmit backoff.
// spec.md §4.3: "The server drives it... the server generates a fresh
// 32-byte key... then emits an Expresslane Config frame." version == 1 is
// the initial handshake; version > 1 is a server-initiated rotation.
func (m *Manager) startExpresslaneHandshake(sess *session.Session, version uint32) error {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return lwerrors.NewCryptoError("expresslane key generation", false, err)
	}
	sess.SetExpresslaneOwnKey(key)

	backoff := expresslane.NewBackoff(nil)
	backoff.Start()
	m.exprMu.Lock()
	m.expr[sess.ID()] = &expresslaneState{version: version, backoff: backoff}
	m.exprMu.Unlock()

	cfg := frame.ExpresslaneConfig{Enabled: true, Ack: false, Version: version, Key: key}
	return m.writeFrame(sess, frame.TagExpresslaneConfig, frame.EncodeExpresslaneConfig(cfg))
}

// scheduleExpresslaneRotation arms the next periodic re-key deadline once a
// handshake leg the server initiated has been fully acked.
func (m *Manager) scheduleExpresslaneRotation(id session.ID) {
	m.exprMu.Lock()
	defer m.exprMu.Unlock()
	st, ok := m.expr[id]
	if !ok {
		st = &expresslaneState{}
		m.expr[id] = st
	}
	st.nextRotation = time.Now().Add(expresslaneRotationInterval)
}

func (m *Manager) handleTick(sess *session.Session, now time.Time) error {
	authExpired, idleExpired := sess.CheckDeadlines(now)
	if authExpired {
		m.log.Warn("session authentication timed out")
		return m.teardown(sess, "auth_timeout")
	}
	if idleExpired {
		m.log.Warn("session idle timeout")
		return m.teardown(sess, "idle_timeout")
	}
	m.tickExpresslane(sess, now)
	return nil
}

// tickExpresslane drives the server-initiated Expresslane handshake's
// retransmit backoff and periodic rotation, both scoped to this session's
// own tick so all retransmit decisions happen on the session's single
// goroutine (spec.md §5). Five unacked retransmits permanently disable
// Expresslane for the session (spec.md §4.3, §8 scenario 3); traffic then
// stays on the control path for the session's lifetime.
func (m *Manager) tickExpresslane(sess *session.Session, now time.Time) {
	m.exprMu.Lock()
	st := m.expr[sess.ID()]
	m.exprMu.Unlock()
	if st == nil {
		return
	}

	if st.backoff != nil && st.backoff.Exhausted() {
		m.log.WithField("session_id", uint64(sess.ID())).Warn("expresslane handshake exhausted, falling back to control plane")
		m.exprMu.Lock()
		st.backoff = nil
		m.exprMu.Unlock()
		return
	}
	if st.backoff != nil && st.backoff.Due() {
		if key, have := sess.ExpresslaneOwnKey(); have {
			cfg := frame.ExpresslaneConfig{Enabled: true, Ack: false, Version: st.version, Key: key}
			if err := m.writeFrame(sess, frame.TagExpresslaneConfig, frame.EncodeExpresslaneConfig(cfg)); err != nil {
				m.log.WithError(err).Warn("expresslane retransmit failed")
			}
		}
		st.backoff.Advance()
		return
	}

	if _, ok := sess.Codec().(*expresslane.Codec); ok && !st.nextRotation.IsZero() && !now.Before(st.nextRotation) {
		if err := m.startExpresslaneHandshake(sess, st.version+1); err != nil {
			m.log.WithError(err).Warn("failed to start expresslane rotation")
		}
	}
}

// handleExpresslaneConfig processes an inbound Expresslane Config frame.
// The server always initiates its own direction (startExpresslaneHandshake,
// called on the Online transition and every rotation interval); this
// handler only ever reacts to the peer's half of the exchange: an ack of
// the server's own-key frame, or the peer's own-key frame establishing our
// receive key. spec.md §4.3's key-direction semantics: "A Config frame
// from X to Y advertises X's own-key going forward; Y installs it as
// peer-key for X. The acknowledgement is a control signal only."
func (m *Manager) handleExpresslaneConfig(sess *session.Session, cfg frame.ExpresslaneConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if !sess.ExpresslaneEligible() {
		return lwerrors.NewProtocolError(uint64(sess.ID()), "expresslane negotiated on ineligible session", nil)
	}

	if cfg.Ack {
		m.exprMu.Lock()
		if st := m.expr[sess.ID()]; st != nil {
			st.backoff = nil
		}
		m.exprMu.Unlock()

		codec, ok := sess.Codec().(*expresslane.Codec)
		if !ok {
			return nil
		}
		if cfg.Version > 1 {
			key, have := sess.ExpresslaneOwnKey()
			if !have {
				return lwerrors.NewProtocolError(uint64(sess.ID()), "expresslane rotation ack with no pending key", nil)
			}
			if err := codec.RotateSend(key, cfg.Version); err != nil {
				return lwerrors.NewCryptoError("expresslane.RotateSend", false, err)
			}
			metrics.ExpresslaneRotations.WithLabelValues("send").Inc()
		}
		m.scheduleExpresslaneRotation(sess.ID())
		return nil
	}

	// A non-ack frame is the peer's own-key, becoming our peer-key (receive
	// key): either the client's first Config frame, or a later client-
	// initiated rotation of it.
	if existing, ok := sess.Codec().(*expresslane.Codec); ok {
		if err := existing.RotateRecv(cfg.Key, cfg.Version, expresslaneRotationGrace); err != nil {
			return lwerrors.NewCryptoError("expresslane.RotateRecv", false, err)
		}
		metrics.ExpresslaneRotations.WithLabelValues("recv").Inc()
	} else {
		ownKey, have := sess.ExpresslaneOwnKey()
		if !have {
			return lwerrors.NewProtocolError(uint64(sess.ID()), "expresslane key received before server initiated handshake", nil)
		}
		codec, err := expresslane.NewCodec(uint64(sess.ID()), ownKey, cfg.Key)
		if err != nil {
			return lwerrors.NewCryptoError("expresslane.NewCodec", false, err)
		}
		sess.SetCodec(codec)
		m.scheduleExpresslaneRotation(sess.ID())
	}

	ack := frame.ExpresslaneConfig{Enabled: true, Ack: true, Version: cfg.Version}
	return m.writeFrame(sess, frame.TagExpresslaneConfig, frame.EncodeExpresslaneConfig(ack))
}

// handleDataPacket opens an inbound Expresslane datagram under the
// session's codec and hands the recovered inside packet to InsideIo for
// routing to the tun device.
func (m *Manager) handleDataPacket(sess *session.Session, data []byte) error {
	codec := sess.Codec()
	if codec == nil {
		return lwerrors.NewProtocolError(uint64(sess.ID()), "data packet before expresslane handshake", nil)
	}
	plaintext, err := codec.Open(data)
	if err != nil {
		metrics.ExpresslaneReplayDropped.WithLabelValues("open_failed").Inc()
		return lwerrors.NewCryptoError("expresslane.Open", false, err)
	}
	metrics.FrameBytes.WithLabelValues("inbound").Add(float64(len(data)))
	sess.UpdateActivity(time.Now())
	if m.insideIo != nil {
		if _, err := m.insideIo.Write(plaintext); err != nil {
			m.log.WithError(err).Warn("failed to write inside packet to tun device")
		}
	}
	return nil
}

// handleFloatCandidate is this session's attempt to claim a data-plane
// packet that arrived from an outside tuple no session currently owns.
// Successfully opening it under the session's own codec IS the
// authentication spec.md §4.2 point 3 requires before floating; failure
// is the expected, silent outcome for every session except the one the
// packet actually belongs to.
func (m *Manager) handleFloatCandidate(sess *session.Session, data []byte, addr net.Addr) error {
	codec := sess.Codec()
	if codec == nil {
		return nil
	}
	plaintext, err := codec.Open(data)
	if err != nil {
		return nil
	}

	if err := m.Float(sess, addr); err != nil {
		m.log.WithError(err).Warn("expresslane float authenticated but rebind failed")
		return nil
	}
	sess.SetDataAddr(addr)
	metrics.FrameBytes.WithLabelValues("inbound").Add(float64(len(data)))
	sess.UpdateActivity(time.Now())
	if m.insideIo != nil {
		if _, err := m.insideIo.Write(plaintext); err != nil {
			m.log.WithError(err).Warn("failed to write inside packet to tun device")
		}
	}
	return nil
}

// handleInsidePacket seals an outbound packet read from the tun device and
// sends it to the session's last-known Expresslane address. Without an
// installed codec the packet goes out as a control-plane Data frame.
func (m *Manager) handleInsidePacket(sess *session.Session, pkt []byte) error {
	codec := sess.Codec()
	if codec == nil {
		return m.writeFrame(sess, frame.TagData, pkt)
	}
	sealed, err := codec.Seal(pkt)
	if err != nil {
		return lwerrors.NewCryptoError("expresslane.Seal", false, err)
	}
	if m.dataIo == nil {
		return nil
	}
	addr := sess.DataAddr()
	if addr == nil {
		return nil
	}
	metrics.FrameBytes.WithLabelValues("outbound").Add(float64(len(sealed)))
	return m.dataIo.WriteTo(sealed, addr)
}

func (m *Manager) writeFrame(sess *session.Session, tag frame.Tag, payload []byte) error {
	return sess.WriteFrame(*frame.New(tag, payload))
}

// teardown moves a session to Disconnecting, releases its inside IP, and
// removes it from the SessionTable. It does not itself close the session's
// control endpoint; Session.Close (invoked when Run returns) does that.
func (m *Manager) teardown(sess *session.Session, reason string) error {
	if ip := sess.InsideIP(); ip != "" {
		if addr, err := netip.ParseAddr(ip); err == nil {
			_ = m.pool.Release(addr)
			metrics.IpPoolAllocated.Dec()
			metrics.IpPoolFree.Inc()
		}
		metrics.SessionsActive.WithLabelValues("online").Dec()
	}
	metrics.SessionsTotal.WithLabelValues(reason).Inc()
	m.table.Remove(sess.ID())
	m.mu.Lock()
	delete(m.sessions, sess.ID())
	m.mu.Unlock()
	m.exprMu.Lock()
	delete(m.expr, sess.ID())
	m.exprMu.Unlock()
	return lwerrors.NewProtocolError(uint64(sess.ID()), "session torn down", nil)
}

// atCapacity reports whether accepting one more session would exceed
// MaxSessions. MaxSessions <= 0 means unlimited.
func (m *Manager) atCapacity() bool {
	if m.cfg.MaxSessions <= 0 {
		return false
	}
	return m.table.Count() >= m.cfg.MaxSessions
}

// Float rebinds an existing session to a new outside address after it
// re-authenticates from a new source tuple (spec.md §4.2 point 3, UDP
// address floating).
func (m *Manager) Float(sess *session.Session, newAddr net.Addr) error {
	old := sess.OutsideAddr()
	key := outsideKeyFor(newAddr)
	if err := m.table.Float(old, key, sess); err != nil {
		return err
	}
	sess.SetOutsideAddr(key)
	return nil
}

// Shutdown sends EventClose to every live session and blocks until each
// session's Run loop has closed it, or ctx is canceled. No Disconnect frame
// is sent to clients on this path, and sessions still running when ctx is
// canceled are left as they are.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.TrySend(session.Event{Kind: session.EventClose})
	}
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	close(m.done)
	return nil
}

// SessionCount returns the number of currently live sessions.
func (m *Manager) SessionCount() int { return m.table.Count() }

// Done returns a channel closed once Shutdown has completed.
func (m *Manager) Done() <-chan struct{} { return m.done }
