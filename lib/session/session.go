// Package session implements the Lightway per-connection protocol state
// machine (Session) and the SessionTable that demultiplexes outside
// addresses and connection ids to live sessions. See spec.md §3 and §4.1.
package session

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/lightwayio/lightway-server/lib/frame"
	"github.com/lightwayio/lightway-server/lib/lwerrors"
	"github.com/sirupsen/logrus"
)

// State is a session's position in the Lightway connection lifecycle
// (spec.md §3): LinkUp -> WaitingForAuth -> Online -> Disconnecting -> Closed.
// A session may also move LinkUp/WaitingForAuth/Online -> Disconnecting
// directly on error, but never backward otherwise.
type State int

const (
	LinkUp State = iota
	WaitingForAuth
	Online
	Disconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case LinkUp:
		return "link_up"
	case WaitingForAuth:
		return "waiting_for_auth"
	case Online:
		return "online"
	case Disconnecting:
		return "disconnecting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// legalNext enumerates the forward transitions allowed out of each state.
// Disconnecting and Closed are reachable from any state (error/shutdown
// paths), so they are checked separately in SetState.
var legalNext = map[State][]State{
	LinkUp:         {WaitingForAuth},
	WaitingForAuth: {Online},
	Online:         {},
	Disconnecting:  {Closed},
}

// AuthBackend authenticates a decoded AuthRequest frame. lib/auth implements
// this; it is declared here, narrow, so session has no import-time
// dependency on the concrete backend (password file vs. signed token).
type AuthBackend interface {
	Authenticate(req frame.AuthRequest) (username string, err error)
}

// ControlWriter sends a framed control-plane message over the session's
// TLS or DTLS endpoint.
type ControlWriter interface {
	WriteFrame(f frame.Frame) error
	Close() error
}

// ExpresslaneCodec encrypts/decrypts the session's data-plane packets. See
// lib/expresslane; declared here to keep session free of a direct
// dependency on the crypto package's concrete key-rotation state.
type ExpresslaneCodec interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
}

// deadline tracks a single upcoming timeout, generalizing the teacher's
// PendingPing/IsPongOverdue pattern (lib/bridge/connection.go) to any
// session-lifecycle timer: auth, keepalive, or Expresslane rotation.
type deadline struct {
	armed bool
	at    time.Time
}

func (d *deadline) arm(at time.Time) { d.armed, d.at = true, at }
func (d *deadline) clear()           { d.armed = false }
func (d *deadline) overdue(now time.Time) bool {
	return d.armed && !now.Before(d.at)
}

// EventKind distinguishes the events a Session's Run loop consumes.
type EventKind int

const (
	EventControlFrame EventKind = iota
	EventDataPacket
	EventInsidePacket
	EventTick
	EventClose
	EventFloatCandidate
)

// Event is one item on a Session's inbox. Exactly one of Frame, Data, or
// Inside is populated, depending on Kind.
type Event struct {
	Kind   EventKind
	Frame  frame.Frame
	Data   []byte // raw Expresslane ciphertext from OutsideIo
	Inside []byte // raw IP packet from InsideIo
	Addr   net.Addr // source of Data, for EventFloatCandidate
	At     time.Time
}

// DefaultInboxSize bounds a session's inbox per spec.md §5 ("bounded MPSC
// channel... backpressure, never unbounded growth").
const DefaultInboxSize = 256

// Session is one client's complete protocol state: lifecycle state,
// authentication result, inside IP assignment, and the control/data codecs
// needed to talk back to the client. Only the owning Run goroutine may
// mutate protocol state (auth result, inside IP, Expresslane codec); the
// mutex below guards only the fields that ConnectionManager and metrics
// read from other goroutines (state, outside address, activity time).
type Session struct {
	id ID

	mu           sync.Mutex
	state        State
	outsideAddr  OutsideAddr
	lastActivity time.Time
	createdAt    time.Time

	username  string
	insideIP  string // netip.Addr.String(); kept as string to avoid pulling net/netip into log fields
	control   ControlWriter
	codec     ExpresslaneCodec
	dataAddr  net.Addr // last-seen UDP source for this session's Expresslane traffic
	authTimer deadline
	idleTimer deadline

	// transport and expresslaneEligible are fixed at session creation from
	// the accepted transport.Endpoint and never change afterward (spec.md
	// §4.3's negotiation preconditions are evaluated once, at handshake
	// time).
	transport           string
	expresslaneEligible bool

	// ownKey is this session's current Expresslane send key. Only the
	// session's own Run goroutine reads or writes it, the same
	// single-writer discipline as codec.
	ownKey     [32]byte
	haveOwnKey bool

	Inbox chan Event

	closeOnce sync.Once
	closed    chan struct{}

	log *logrus.Entry
}

// NewSession creates a session in LinkUp state, bound to outsideAddr and
// ready to write control frames via control. transport is "udp" or "tcp";
// expresslaneEligible records whether this session's transport and
// negotiated protocol version satisfy spec.md §4.3's preconditions for
// attempting the Expresslane handshake at all.
func NewSession(id ID, outsideAddr OutsideAddr, control ControlWriter, transport string, expresslaneEligible bool, log *logrus.Entry) *Session {
	now := time.Now()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Session{
		id:                  id,
		state:               LinkUp,
		outsideAddr:         outsideAddr,
		createdAt:           now,
		lastActivity:        now,
		control:             control,
		transport:           transport,
		expresslaneEligible: expresslaneEligible,
		Inbox:               make(chan Event, DefaultInboxSize),
		closed:              make(chan struct{}),
		log:                 log.WithField("session_id", uint64(id)),
	}
}

// ID returns the session's connection id. Satisfies Handle.
func (s *Session) ID() ID { return s.id }

// OwnerKey satisfies ippool.Owner.
func (s *Session) OwnerKey() uint64 { return uint64(s.id) }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState validates and applies a transition. Disconnecting and Closed are
// reachable from any non-terminal state; all other transitions must appear
// in legalNext.
func (s *Session) SetState(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == next {
		return nil
	}
	if s.state == Closed {
		return lwerrors.ErrBackwardState
	}
	if next == Disconnecting || next == Closed {
		s.state = next
		return nil
	}
	for _, allowed := range legalNext[s.state] {
		if allowed == next {
			s.state = next
			return nil
		}
	}
	return lwerrors.ErrBackwardState
}

// OutsideAddr returns the session's current outside-address key.
func (s *Session) OutsideAddr() OutsideAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outsideAddr
}

// SetOutsideAddr records a new outside address after a successful float
// (spec.md §4.2 point 3). Callers must also update the SessionTable via
// Table.Float; this only keeps the session's own bookkeeping in sync.
func (s *Session) SetOutsideAddr(addr OutsideAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outsideAddr = addr
}

// Username returns the authenticated username, empty until auth succeeds.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// InsideIP returns the session's assigned inside address as a string,
// empty until the pool allocation succeeds.
func (s *Session) InsideIP() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insideIP
}

// SetInsideIP records the inside address allocated to this session.
func (s *Session) SetInsideIP(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insideIP = ip
}

// UpdateActivity stamps the session as having just done useful work,
// resetting the idle timer basis. Mirrors lib/bridge/connection.go's
// Connection.UpdateActivity.
func (s *Session) UpdateActivity(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = now
}

// IdleDuration reports how long the session has been idle as of now.
func (s *Session) IdleDuration(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity)
}

// Age reports how long the session has existed as of now.
func (s *Session) Age(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.createdAt)
}

// ArmAuthDeadline starts (or restarts) the WaitingForAuth timeout.
func (s *Session) ArmAuthDeadline(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authTimer.arm(at)
}

// ArmIdleDeadline starts (or restarts) the keepalive/idle timeout.
func (s *Session) ArmIdleDeadline(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idleTimer.arm(at)
}

// CheckDeadlines reports which of the armed deadlines, if any, have passed
// as of now. ConnectionManager calls this on each EventTick.
func (s *Session) CheckDeadlines(now time.Time) (authExpired, idleExpired bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authTimer.overdue(now), s.idleTimer.overdue(now)
}

// WriteFrame writes f over the session's control endpoint. Safe to call
// from the session's own Run goroutine only; the control endpoint is not
// synchronized for concurrent writers.
func (s *Session) WriteFrame(f frame.Frame) error {
	if s.control == nil {
		return lwerrors.NewProtocolError(uint64(s.id), "no control endpoint", nil)
	}
	return s.control.WriteFrame(f)
}

// DataAddr returns the most recent source address Expresslane traffic for
// this session arrived from, or nil if none has arrived yet.
func (s *Session) DataAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dataAddr
}

// SetDataAddr records the source address of the most recently received
// Expresslane datagram. OutsideIo's UDP reader calls this on every inbound
// packet so UDPIo.WriteTo always targets the client's current address,
// including after it floats (spec.md §4.2 point 3).
func (s *Session) SetDataAddr(addr net.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dataAddr = addr
}

// SetCodec installs the Expresslane data-plane codec once the handshake
// completes. Only called from the session's own Run goroutine.
func (s *Session) SetCodec(codec ExpresslaneCodec) { s.codec = codec }

// Codec returns the installed Expresslane codec, or nil if the session has
// not completed data-plane setup.
func (s *Session) Codec() ExpresslaneCodec { return s.codec }

// Transport reports the outside transport this session was accepted over:
// "udp" (DTLS) or "tcp" (TLS).
func (s *Session) Transport() string { return s.transport }

// ExpresslaneEligible reports whether this session's transport and
// negotiated protocol version satisfy spec.md §4.3's Expresslane
// negotiation preconditions. False for the lifetime of the session means
// Expresslane must never be attempted and all data stays on the control
// path.
func (s *Session) ExpresslaneEligible() bool { return s.expresslaneEligible }

// SetExpresslaneOwnKey records the send key ConnectionManager generated for
// the current (or in-flight) Expresslane handshake leg. Only called from
// the session's own Run goroutine.
func (s *Session) SetExpresslaneOwnKey(key [32]byte) {
	s.ownKey = key
	s.haveOwnKey = true
}

// ExpresslaneOwnKey returns the most recently generated send key, and
// whether one has been generated yet.
func (s *Session) ExpresslaneOwnKey() ([32]byte, bool) { return s.ownKey, s.haveOwnKey }

// HandleAuthRequest authenticates req against backend and, on success,
// transitions WaitingForAuth -> Online and clears the auth deadline. It
// returns the error from backend verbatim on failure; callers translate
// that into an AuthFailure frame and a Disconnecting transition.
func (s *Session) HandleAuthRequest(req frame.AuthRequest, backend AuthBackend) error {
	if s.State() != WaitingForAuth {
		return lwerrors.NewProtocolError(uint64(s.id), "auth request outside WaitingForAuth", nil)
	}
	username, err := backend.Authenticate(req)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.username = username
	s.authTimer.clear()
	s.mu.Unlock()
	return s.SetState(Online)
}

// Close marks the session Closed, releases its control writer, and closes
// the Inbox-drain signal. Safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.SetState(Disconnecting)
		if s.control != nil {
			err = s.control.Close()
		}
		s.mu.Lock()
		s.state = Closed
		s.mu.Unlock()
		close(s.closed)
	})
	return err
}

// Done returns a channel closed once the session has been closed.
func (s *Session) Done() <-chan struct{} { return s.closed }

// IsClosed reports whether Close has already run.
func (s *Session) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// TrySend enqueues ev without blocking, returning false if the inbox is
// full. OutsideIo's UDP reader uses this: per spec.md §5, a saturated UDP
// session inbox means drop-and-count, never block the shared reader.
func (s *Session) TrySend(ev Event) bool {
	select {
	case s.Inbox <- ev:
		return true
	default:
		return false
	}
}

// Send enqueues ev, blocking until space is available or ctx is done.
// ConnectionManager's per-session control-frame reader (Manager.pump) uses
// this for both TLS and DTLS sessions, so a session's own control
// connection applies backpressure instead of dropping.
func (s *Session) Send(ctx context.Context, ev Event) error {
	select {
	case s.Inbox <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return lwerrors.NewProtocolError(uint64(s.id), "session closed", nil)
	}
}

// Handler processes one Event and is supplied by ConnectionManager, which
// owns the SessionTable, IpPool, and auth backend that handling requires.
type Handler func(s *Session, ev Event) error

// Run drains the session's inbox, invoking handle for each event, until
// ctx is canceled, an EventClose event arrives, or handle returns an error
// other than a non-fatal CryptoError. It is the "single
// dedicated task per session" referenced in spec.md §5: all mutation of
// this session's protocol state happens on this goroutine.
func (s *Session) Run(ctx context.Context, handle Handler) {
	defer s.Close()
	for {
		select {
		case ev := <-s.Inbox:
			if ev.Kind == EventClose {
				return
			}
			if err := handle(s, ev); err != nil {
				s.log.WithError(err).Warn("session event handling failed")
				var cryptoErr *lwerrors.CryptoError
				if errors.As(err, &cryptoErr) && !cryptoErr.Fatal {
					continue // packet-fatal only: drop the packet, keep the session
				}
				if lwerrors.DisconnectReason(err) != "" {
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}
