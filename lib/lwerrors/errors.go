// Package lwerrors defines the error taxonomy used across the Lightway
// server: ConfigError, IoError, ProtocolError, CryptoError, AuthError,
// ResourceExhausted, and ShutdownError, each mapping to a client-visible
// disconnect reason where applicable.
package lwerrors

import (
	"errors"
	"fmt"
)

// Disconnect reasons sent to clients in a Disconnect frame.
const (
	ReasonAuthFailed         = "auth_failed"
	ReasonAuthTimeout        = "auth_timeout"
	ReasonServerShutdown     = "server_shutdown"
	ReasonIdleTimeout        = "idle_timeout"
	ReasonProtocolError      = "protocol_error"
	ReasonAdmissionRefused   = "admission_refused"
)

// Process exit codes (spec.md §6: "non-zero on configuration error
// (distinct code), bind failure (distinct), fatal runtime (generic)").
const (
	ExitOK             = 0
	ExitConfigError    = 2
	ExitBindFailure    = 3
	ExitRuntimeFailure = 1
)

// exitCoder is implemented by errors that know which exit code a failure
// at startup should produce.
type exitCoder interface {
	ExitCode() int
}

// ToExitCode maps a startup error to one of the three distinct exit codes
// spec.md §6 requires. Errors that don't identify themselves as a config
// or bind problem fall back to ExitRuntimeFailure.
func ToExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ec exitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	return ExitRuntimeFailure
}

// Sentinel errors shared across packages.
var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrDuplicateOutside = errors.New("duplicate outside address")
	ErrDuplicateID      = errors.New("duplicate connection id")
	ErrDuplicateIP      = errors.New("ip already owned by another session")
	ErrPoolExhausted    = errors.New("ip pool exhausted")
	ErrAlreadyReleased  = errors.New("ip already released")
	ErrQuarantined      = errors.New("ip still quarantined")
	ErrBackwardState    = errors.New("illegal backward state transition")
)

// ConfigError indicates a fatal configuration problem discovered at startup.
type ConfigError struct {
	Field   string
	Message string
}

func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Message)
}

func (e *ConfigError) ExitCode() int { return ExitConfigError }

// BindError indicates a listener (control or data) failed to
// bind its configured address at startup — distinct from a general
// ConfigError because the configuration itself may be well-formed and the
// bind still fail (port in use, permission denied, address unavailable).
type BindError struct {
	Addr string
	Err  error
}

func NewBindError(addr string, err error) *BindError {
	return &BindError{Addr: addr, Err: err}
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind error: %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

func (e *BindError) ExitCode() int { return ExitBindFailure }

// IoError wraps a per-operation I/O failure. Callers decide whether to
// retry the operation or treat it as session-fatal when persistent.
type IoError struct {
	Op  string
	Err error
}

func NewIoError(op string, err error) *IoError {
	return &IoError{Op: op, Err: err}
}

func (e *IoError) Error() string {
	return fmt.Sprintf("io error: %s: %v", e.Op, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }

// ProtocolError is session-fatal; a disconnect is emitted best-effort.
type ProtocolError struct {
	SessionID uint64
	Message   string
	Err       error
}

func NewProtocolError(sessionID uint64, message string, err error) *ProtocolError {
	return &ProtocolError{SessionID: sessionID, Message: message, Err: err}
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error [session %d]: %s: %v", e.SessionID, e.Message, e.Err)
	}
	return fmt.Sprintf("protocol error [session %d]: %s", e.SessionID, e.Message)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ToDisconnectReason returns ReasonProtocolError for any ProtocolError.
func (e *ProtocolError) ToDisconnectReason() string { return ReasonProtocolError }

// CryptoError is packet-fatal on the data plane, session-fatal on the
// control plane. Callers distinguish via the Fatal field.
type CryptoError struct {
	Op    string
	Fatal bool
	Err   error
}

func NewCryptoError(op string, fatal bool, err error) *CryptoError {
	return &CryptoError{Op: op, Fatal: fatal, Err: err}
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("crypto error: %s: %v (fatal=%v)", e.Op, e.Err, e.Fatal)
}

func (e *CryptoError) Unwrap() error { return e.Err }

// AuthError is session-fatal; the caller replies with an auth-failure frame.
type AuthError struct {
	Reason string
}

func NewAuthError(reason string) *AuthError {
	return &AuthError{Reason: reason}
}

func (e *AuthError) Error() string { return "auth error: " + e.Reason }

func (e *AuthError) ToDisconnectReason() string { return ReasonAuthFailed }

// ResourceExhausted indicates admission refusal or a tail-drop. Not fatal
// to the process or to any other session.
type ResourceExhausted struct {
	Resource string
}

func NewResourceExhausted(resource string) *ResourceExhausted {
	return &ResourceExhausted{Resource: resource}
}

func (e *ResourceExhausted) Error() string {
	return fmt.Sprintf("resource exhausted: %s", e.Resource)
}

func (e *ResourceExhausted) ToDisconnectReason() string { return ReasonAdmissionRefused }

// ShutdownError indicates orderly shutdown rather than a failure.
type ShutdownError struct{}

func (e *ShutdownError) Error() string { return "server shutting down" }

func (e *ShutdownError) ToDisconnectReason() string { return ReasonServerShutdown }

// reasoner is implemented by errors that carry a client-visible disconnect
// reason.
type reasoner interface {
	ToDisconnectReason() string
}

// DisconnectReason extracts a client-visible reason from err, defaulting to
// ReasonProtocolError when err does not carry one.
func DisconnectReason(err error) string {
	if err == nil {
		return ""
	}
	var r reasoner
	if errors.As(err, &r) {
		return r.ToDisconnectReason()
	}
	return ReasonProtocolError
}
