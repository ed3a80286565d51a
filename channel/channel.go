// Package channel implements the authenticated transport-layer channel
// every post-login server request travels over (spec.md §6): the
// session token and a symmetric channel key, obtained once at Login, wrap
// every subsequent request in AEAD with a strictly monotonic sequence
// number bound into the associated data, and a fatal Logout frame wipes
// the channel's key material so no stale ciphertext can be produced or
// accepted afterward.
package channel

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/mi-e2ee/client/crypto/aead"
	"github.com/mi-e2ee/client/wire"
)

var log = logging.MustGetLogger("mi-e2ee/channel")

// ErrLoggedOut is returned by Seal/Open once the channel has been wiped
// by Logout; the caller must re-login to obtain a new Channel.
var ErrLoggedOut = errors.New("channel: logged out")

// ErrSeqOverflow is returned if send_seq would wrap past its maximum —
// spec.md §5 requires strict monotonicity with no rollover allowed.
var ErrSeqOverflow = errors.New("channel: send_seq overflow")

// ErrTokenMismatch is returned when a server response's echoed token does
// not match this channel's token under a constant-time comparison.
var ErrTokenMismatch = errors.New("channel: token mismatch")

const channelAD = "MI_CHANNEL_AD_V1"

// Channel is the per-session authenticated wrapper around the wire
// transport: a session token plus a channel key, both handed out by
// Login and held for the session's lifetime. A Channel is safe for
// concurrent use; a write lock serializes send_seq advancement the way
// spec.md §5 requires ("send_seq is strictly monotonic per session").
type Channel struct {
	mu       sync.Mutex
	token    string
	key      [32]byte
	sendSeq  uint64
	loggedIn bool
}

// New constructs a Channel from the token and channel key material a
// successful Login response carried.
func New(token string, key [32]byte) *Channel {
	return &Channel{token: token, key: key, loggedIn: true}
}

// Token returns the channel's session token.
func (c *Channel) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Seal AEAD-wraps payload for transmission, advancing send_seq by one.
// The wire format is token || u64(seq) || nonce || sealed, matching
// spec.md §6's "generic encrypted-transport type" frame body.
func (c *Channel) Seal(payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loggedIn {
		return nil, ErrLoggedOut
	}
	if c.sendSeq == ^uint64(0) {
		return nil, ErrSeqOverflow
	}
	seq := c.sendSeq
	nonce := make([]byte, aead.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("channel: nonce: %w", err)
	}
	ad := sealAD(c.token, seq)
	sealed, err := aead.Seal(nil, c.key[:], nonce, payload, ad)
	if err != nil {
		return nil, fmt.Errorf("channel: seal: %w", err)
	}
	c.sendSeq++

	out := wire.WriteString(c.token, nil)
	out = wire.WriteUint64(seq, out)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// Open verifies the frame's echoed token against this channel's token
// (constant-time) and decrypts its payload. seq is returned so the
// caller can check it against the expected response ordering.
func (c *Channel) Open(in []byte) (payload []byte, seq uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loggedIn {
		return nil, 0, ErrLoggedOut
	}
	off := 0
	token, err := wire.ReadString(in, &off)
	if err != nil {
		return nil, 0, err
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(c.token)) != 1 {
		return nil, 0, ErrTokenMismatch
	}
	seq, err = wire.ReadUint64(in, &off)
	if err != nil {
		return nil, 0, err
	}
	if off+aead.NonceSize > len(in) {
		return nil, 0, fmt.Errorf("channel: frame too short")
	}
	nonce := in[off : off+aead.NonceSize]
	sealed := in[off+aead.NonceSize:]
	ad := sealAD(token, seq)
	payload, err = aead.Open(nil, c.key[:], nonce, sealed, ad)
	if err != nil {
		return nil, 0, fmt.Errorf("channel: open: %w", err)
	}
	return payload, seq, nil
}

// Logout wipes the channel's key material in place and marks the channel
// permanently unusable — spec.md §7's "session-invalid responses clear
// the token and require re-login" and §9's zero-on-drop requirement.
func (c *Channel) Logout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.key {
		c.key[i] = 0
	}
	c.token = ""
	c.sendSeq = 0
	c.loggedIn = false
	log.Info("channel: logged out, key material wiped")
}

func sealAD(token string, seq uint64) []byte {
	buf := []byte(channelAD)
	buf = wire.WriteString(token, buf)
	buf = wire.WriteUint64(seq, buf)
	return buf
}
