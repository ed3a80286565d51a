// Package devicesync implements the cross-device fan-out described in
// spec.md §4.9: a single symmetric key shared out-of-band across a user's
// own devices, under which every locally-originated action a sibling must
// observe is sealed as a DeviceSyncEvent and handed to the server for
// fan-out. The key rotates on a message-count limit, a wall-clock
// interval, or a successful DeviceKick, with a short grace window during
// which the previous key is still accepted so in-flight ciphertexts can
// drain.
package devicesync

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/mi-e2ee/client/crypto/aead"
)

var log = logging.MustGetLogger("mi-e2ee/devicesync")

// ErrDisabled is returned by Seal/Open when device sync is not enabled.
var ErrDisabled = errors.New("devicesync: not enabled")

// ErrKeyExpired is returned when a ciphertext's key epoch is neither the
// current key nor a previous key still inside its grace window.
var ErrKeyExpired = errors.New("devicesync: key epoch expired")

// ErrRatchetSkipExceeded is returned when a receive counter trails the
// sender's by more than RatchetMaxSkip steps.
var ErrRatchetSkipExceeded = errors.New("devicesync: ratchet skip exceeded")

// Policy is the static configuration loaded from the [device_sync]
// config section.
type Policy struct {
	Enabled            bool
	IsPrimary          bool
	RotateInterval     time.Duration
	RotateMessageLimit uint64
	RatchetEnable      bool
	RatchetMaxSkip     uint64
	// PrevKeyGrace bounds how long a superseded key is still accepted,
	// to let in-flight ciphertexts sealed under it finish draining.
	PrevKeyGrace time.Duration
}

// DefaultPolicy matches the defaults spec.md §4.9 suggests.
func DefaultPolicy() Policy {
	return Policy{
		Enabled:            false,
		IsPrimary:          true,
		RotateInterval:     7 * 24 * time.Hour,
		RotateMessageLimit: 10000,
		RatchetEnable:      true,
		RatchetMaxSkip:     64,
		PrevKeyGrace:       5 * time.Minute,
	}
}

type epochKey struct {
	key       [32]byte
	expiresAt time.Time // zero means "no expiry yet assigned"
}

// State is one device's view of the shared device-sync key: the current
// key and counters, plus the previous key while it remains inside its
// grace window. State is not safe for concurrent use; callers serialize
// access the way every other component-level lock in the core does.
type State struct {
	policy Policy

	current epochKey
	prev    *epochKey

	sendCount    uint64
	sendCtr      uint64
	recvCtr      uint64
	lastRotateAt time.Time
}

// New creates a device-sync State seeded with an existing shared key
// (obtained via pairing or a prior persisted state).
func New(policy Policy, key [32]byte, now time.Time) *State {
	return &State{
		policy:       policy,
		current:      epochKey{key: key},
		lastRotateAt: now,
	}
}

// CurrentKey returns the active device-sync key.
func (s *State) CurrentKey() [32]byte {
	return s.current.key
}

// Snapshot is the persistable view of a device-sync State, used by the
// storage package to survive a process restart without losing the
// current epoch, its grace-window predecessor, or the send/recv
// counters that guard against replay and excessive skip.
type Snapshot struct {
	CurrentKey       [32]byte
	HasPrev          bool
	PrevKey          [32]byte
	PrevExpiresAt    time.Time
	SendCount        uint64
	SendCtr          uint64
	RecvCtr          uint64
	LastRotateAt     time.Time
}

// Snapshot captures the current state for persistence.
func (s *State) Snapshot() Snapshot {
	snap := Snapshot{
		CurrentKey:   s.current.key,
		SendCount:    s.sendCount,
		SendCtr:      s.sendCtr,
		RecvCtr:      s.recvCtr,
		LastRotateAt: s.lastRotateAt,
	}
	if s.prev != nil {
		snap.HasPrev = true
		snap.PrevKey = s.prev.key
		snap.PrevExpiresAt = s.prev.expiresAt
	}
	return snap
}

// RestoreFromSnapshot rebuilds a State from a previously persisted
// Snapshot, as Resume does for a ratchet.Session.
func RestoreFromSnapshot(policy Policy, snap Snapshot) *State {
	s := &State{
		policy:       policy,
		current:      epochKey{key: snap.CurrentKey},
		sendCount:    snap.SendCount,
		sendCtr:      snap.SendCtr,
		recvCtr:      snap.RecvCtr,
		lastRotateAt: snap.LastRotateAt,
	}
	if snap.HasPrev {
		s.prev = &epochKey{key: snap.PrevKey, expiresAt: snap.PrevExpiresAt}
	}
	return s
}

// NeedsRotation reports whether the next send should rotate the key
// before emitting its event, per spec.md §4.9's two triggers.
func (s *State) NeedsRotation(now time.Time) bool {
	if s.policy.RotateMessageLimit > 0 && s.sendCount >= s.policy.RotateMessageLimit {
		return true
	}
	if s.policy.RotateInterval > 0 && now.Sub(s.lastRotateAt) >= s.policy.RotateInterval {
		return true
	}
	return false
}

// Rotate generates a fresh 32-byte key, seals a RotateKey event under the
// OLD key (the caller is responsible for uploading the returned bytes so
// siblings still holding the old key can decrypt it), retires the old key
// into the grace window, and installs the new key as current. This is
// also how a successful DeviceKick forces rotation (spec.md §4.9).
func (s *State) Rotate(now time.Time) ([]byte, error) {
	var newKey [32]byte
	if _, err := rand.Read(newKey[:]); err != nil {
		return nil, fmt.Errorf("devicesync: generate key: %w", err)
	}

	event := Event{Type: EventRotateKey, NewKey: newKey}
	sealed, err := s.sealWith(s.current, event, now)
	if err != nil {
		return nil, err
	}

	retiring := s.current
	retiring.expiresAt = now.Add(s.policy.PrevKeyGrace)
	s.prev = &retiring

	s.current = epochKey{key: newKey}
	s.sendCount = 0
	s.sendCtr = 0
	s.recvCtr = 0
	s.lastRotateAt = now

	log.Infof("devicesync: rotated key, previous key retained until %s", retiring.expiresAt)
	return sealed, nil
}

// pruneExpired drops the previous key once its grace window has passed.
func (s *State) pruneExpired(now time.Time) {
	if s.prev != nil && now.After(s.prev.expiresAt) {
		s.prev = nil
	}
}

// Seal seals ev under the current key and advances the send counter. The
// returned bytes are ready to upload to the server for sibling fan-out.
// Callers must check NeedsRotation and call Rotate (uploading its
// returned RotateKey ciphertext) before calling Seal for the next event.
func (s *State) Seal(ev Event, now time.Time) ([]byte, error) {
	if !s.policy.Enabled {
		return nil, ErrDisabled
	}
	s.pruneExpired(now)
	sealed, err := s.sealWith(s.current, ev, now)
	if err != nil {
		return nil, err
	}
	s.sendCount++
	return sealed, nil
}

func (s *State) sealWith(ek epochKey, ev Event, now time.Time) ([]byte, error) {
	key := ek.key
	counter := s.sendCtr
	if s.policy.RatchetEnable {
		var err error
		key, err = deriveAtCounter(key, counter)
		if err != nil {
			return nil, err
		}
		s.sendCtr++
	}
	nonce := make([]byte, aead.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("devicesync: nonce: %w", err)
	}
	ad := eventAD(counter)
	body := ev.encode()
	sealed, err := aead.Seal(nil, key[:], nonce, body, ad)
	if err != nil {
		return nil, fmt.Errorf("devicesync: seal: %w", err)
	}
	return encodeEnvelope(counter, nonce, sealed), nil
}

// Open attempts to decrypt a device-sync envelope under the current key,
// falling back to the previous key if it is still within its grace
// window. Returns the decoded event.
func (s *State) Open(wireBytes []byte, now time.Time) (Event, error) {
	if !s.policy.Enabled {
		return Event{}, ErrDisabled
	}
	s.pruneExpired(now)
	counter, nonce, sealed, err := decodeEnvelope(wireBytes)
	if err != nil {
		return Event{}, err
	}

	if ev, err := s.tryOpen(s.current, &s.recvCtr, counter, nonce, sealed); err == nil {
		return ev, nil
	} else if errors.Is(err, ErrRatchetSkipExceeded) {
		return Event{}, err
	}

	if s.prev != nil {
		var recvCtr uint64 // the previous key's counter space starts fresh at retirement
		if ev, err := s.tryOpen(*s.prev, &recvCtr, counter, nonce, sealed); err == nil {
			return ev, nil
		}
	}

	return Event{}, ErrKeyExpired
}

// tryOpen derives the key for the message's claimed counter and attempts
// to open the envelope with it. *recvCtr tracks the high-water mark of
// counters consumed so far; a counter ahead of it is bounded by
// RatchetMaxSkip (spec.md §4.9's "recovery window"), while a counter at
// or behind it (an out-of-order late delivery) is always derivable
// directly since the counter rides in cleartext. *recvCtr only advances
// forward, never regresses.
func (s *State) tryOpen(ek epochKey, recvCtr *uint64, counter uint64, nonce, sealed []byte) (Event, error) {
	key := ek.key
	if s.policy.RatchetEnable {
		if counter >= *recvCtr && counter-*recvCtr > s.policy.RatchetMaxSkip {
			return Event{}, ErrRatchetSkipExceeded
		}
		var err error
		key, err = deriveAtCounter(key, counter)
		if err != nil {
			return Event{}, err
		}
	}
	ad := eventAD(counter)
	plain, err := aead.Open(nil, key[:], nonce, sealed, ad)
	if err != nil {
		return Event{}, fmt.Errorf("devicesync: open: %w", err)
	}
	if s.policy.RatchetEnable && counter+1 > *recvCtr {
		*recvCtr = counter + 1
	}
	return decodeEvent(plain)
}

func eventAD(counter uint64) []byte {
	buf := []byte("MI_DEVICE_SYNC_AD_V1")
	for i := 0; i < 8; i++ {
		buf = append(buf, byte(counter>>(8*uint(i))))
	}
	return buf
}

// encodeEnvelope / decodeEnvelope frame a sealed event as counter(u64 LE)
// || nonce || sealed — the counter rides in cleartext so a sibling that
// fell behind can derive the matching ratcheted key directly instead of
// iterating.
func encodeEnvelope(counter uint64, nonce, sealed []byte) []byte {
	out := make([]byte, 8, 8+len(nonce)+len(sealed))
	for i := 0; i < 8; i++ {
		out[i] = byte(counter >> (8 * uint(i)))
	}
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out
}

func decodeEnvelope(in []byte) (counter uint64, nonce, sealed []byte, err error) {
	if len(in) < 8+aead.NonceSize+aead.TagSize {
		return 0, nil, nil, fmt.Errorf("devicesync: envelope too short")
	}
	for i := 0; i < 8; i++ {
		counter |= uint64(in[i]) << (8 * uint(i))
	}
	return counter, in[8 : 8+aead.NonceSize], in[8+aead.NonceSize:], nil
}
