// Package expresslane implements the Lightway data-plane codec: AES-256-GCM
// sealing/opening of inside-network packets over the "Expresslane" UDP fast
// path, with a 64-packet replay window and two-slot (current/previous) key
// rotation. See spec.md §4.3.
//
// The packet-counter and key-generation bookkeeping here follows the same
// shape as ooni/minivpn's internal/session.Manager: a monotonic local
// counter guarded by a mutex, checked for overflow before every use.
package expresslane

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sync"
	"time"
)

// Key is a 256-bit Expresslane data-plane key.
type Key [32]byte

const (
	counterLen  = 8
	ivLen       = 12
	tagLen      = 16
	lengthLen   = 2
	reservedLen = 2
	headerLen   = counterLen + ivLen + tagLen + lengthLen + reservedLen

	// replayWindowSize is the width, in packets, of the sliding replay
	// window: a counter at or below highestAccepted-replayWindowSize is
	// always rejected as too old. See spec.md §8.
	replayWindowSize = 64
)

var (
	ErrShortPacket      = errors.New("expresslane: packet shorter than header")
	ErrLengthMismatch   = errors.New("expresslane: declared length does not match packet")
	ErrReplayTooOld     = errors.New("expresslane: counter outside replay window")
	ErrReplayDuplicate  = errors.New("expresslane: counter already seen")
	ErrAuthFailed       = errors.New("expresslane: authentication failed under all active keys")
	ErrCounterExhausted = errors.New("expresslane: send counter exhausted, rotation required")
)

type keySlot struct {
	key     Key
	aead    cipher.AEAD
	version uint32
	valid   bool
	expires time.Time // zero means "no expiry" (current slot)
}

func newKeySlot(key Key, version uint32) (keySlot, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return keySlot{}, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return keySlot{}, err
	}
	return keySlot{key: key, aead: aead, version: version, valid: true}, nil
}

// Codec seals packets under the session's current send key and opens
// packets under the current or (within its grace window) previous receive
// key. One Codec belongs to exactly one session; it is not shared.
type Codec struct {
	mu sync.Mutex

	sessionID uint64

	send        keySlot
	sendCounter uint64

	recvCurrent  keySlot
	recvPrevious keySlot

	haveBaseline    bool
	highestAccepted uint64
	acceptedBitmap  uint64 // bit i set => highestAccepted-i was accepted

	now func() time.Time
}

// NewCodec builds a Codec for sessionID, seeded with the keys exchanged
// during the Expresslane handshake (spec.md §4.3).
func NewCodec(sessionID uint64, sendKey, recvKey Key) (*Codec, error) {
	send, err := newKeySlot(sendKey, 1)
	if err != nil {
		return nil, err
	}
	recv, err := newKeySlot(recvKey, 1)
	if err != nil {
		return nil, err
	}
	return &Codec{
		sessionID:   sessionID,
		send:        send,
		recvCurrent: recv,
		now:         time.Now,
	}, nil
}

// Seal encrypts plaintext under the current send key, returning the
// complete Expresslane wire packet (spec.md §4.3's layout: counter, IV,
// tag, length, reserved, ciphertext).
func (c *Codec) Seal(plaintext []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sendCounter == ^uint64(0) {
		return nil, ErrCounterExhausted
	}
	ctr := c.sendCounter
	c.sendCounter++

	var iv [ivLen]byte
	if _, err := rand.Read(iv[:]); err != nil {
		return nil, err
	}

	aad := aadFor(c.sessionID, ctr)
	sealed := c.send.aead.Seal(nil, iv[:], plaintext, aad)
	ciphertext, tag := sealed[:len(sealed)-tagLen], sealed[len(sealed)-tagLen:]

	out := make([]byte, 0, headerLen+len(ciphertext))
	out = appendUint64(out, ctr)
	out = append(out, iv[:]...)
	out = append(out, tag...)
	out = appendUint16(out, uint16(len(ciphertext)))
	out = append(out, 0, 0) // reserved
	out = append(out, ciphertext...)
	return out, nil
}

// Open validates and decrypts an Expresslane wire packet, trying the
// current receive key and, if that fails and it hasn't expired, the
// previous one. It enforces the 64-packet sliding replay window before
// attempting authentication so a flood of replayed packets costs a bitmap
// check, not an AES-GCM verification.
func (c *Codec) Open(packet []byte) ([]byte, error) {
	if len(packet) < headerLen {
		return nil, ErrShortPacket
	}
	ctr := binary.BigEndian.Uint64(packet[0:8])
	iv := packet[8 : 8+ivLen]
	tag := packet[8+ivLen : 8+ivLen+tagLen]
	length := binary.BigEndian.Uint16(packet[8+ivLen+tagLen : headerLen])
	ciphertext := packet[headerLen:]
	if int(length) != len(ciphertext) {
		return nil, ErrLengthMismatch
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkReplayLocked(ctr); err != nil {
		return nil, err
	}

	aad := aadFor(c.sessionID, ctr)
	sealed := append(append([]byte{}, ciphertext...), tag...)

	plaintext, err := c.tryOpenLocked(c.recvCurrent, iv, sealed, aad)
	if err != nil && c.recvPrevious.valid && c.now().Before(c.recvPrevious.expires) {
		plaintext, err = c.tryOpenLocked(c.recvPrevious, iv, sealed, aad)
	}
	if err != nil {
		return nil, ErrAuthFailed
	}

	c.acceptReplayLocked(ctr)
	return plaintext, nil
}

func (c *Codec) tryOpenLocked(slot keySlot, iv, sealed, aad []byte) ([]byte, error) {
	if !slot.valid {
		return nil, ErrAuthFailed
	}
	return slot.aead.Open(nil, iv, sealed, aad)
}

// checkReplayLocked rejects counters at or below the trailing edge of the
// window, or already-seen counters inside it. It does not itself record
// acceptance; call acceptReplayLocked only after authentication succeeds,
// so a forged packet can never poison the window.
func (c *Codec) checkReplayLocked(ctr uint64) error {
	if !c.haveBaseline {
		return nil
	}
	if ctr > c.highestAccepted {
		return nil
	}
	diff := c.highestAccepted - ctr
	if diff >= replayWindowSize {
		return ErrReplayTooOld
	}
	if c.acceptedBitmap&(1<<diff) != 0 {
		return ErrReplayDuplicate
	}
	return nil
}

func (c *Codec) acceptReplayLocked(ctr uint64) {
	if !c.haveBaseline {
		c.haveBaseline = true
		c.highestAccepted = ctr
		c.acceptedBitmap = 1
		return
	}
	if ctr > c.highestAccepted {
		shift := ctr - c.highestAccepted
		if shift >= replayWindowSize {
			c.acceptedBitmap = 0
		} else {
			c.acceptedBitmap <<= shift
		}
		c.highestAccepted = ctr
		c.acceptedBitmap |= 1
		return
	}
	diff := c.highestAccepted - ctr
	c.acceptedBitmap |= 1 << diff
}

// RotateSend installs a new send key and resets the send counter to zero,
// per spec.md §4.3's rotation-on-exhaustion-or-timer behavior.
func (c *Codec) RotateSend(key Key, version uint32) error {
	slot, err := newKeySlot(key, version)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.send = slot
	c.sendCounter = 0
	return nil
}

// RotateRecv installs a new receive key as current, demoting the existing
// current key to "previous" with a grace window so in-flight packets
// encrypted under the old key are not dropped mid-rotation.
func (c *Codec) RotateRecv(key Key, version uint32, grace time.Duration) error {
	slot, err := newKeySlot(key, version)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recvPrevious = c.recvCurrent
	c.recvPrevious.expires = c.now().Add(grace)
	c.recvCurrent = slot
	return nil
}

// SendCounter reports the next counter value Seal will use, for metrics
// and for deciding when a proactive rotation is due.
func (c *Codec) SendCounter() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendCounter
}

func aadFor(sessionID, counter uint64) []byte {
	aad := make([]byte, 16)
	binary.BigEndian.PutUint64(aad[0:8], sessionID)
	binary.BigEndian.PutUint64(aad[8:16], counter)
	return aad
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func appendUint16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}
