// Package identity manages the long-term identity keypairs described in
// spec.md §4.1: an Ed25519 signing keypair used to authenticate ratchet
// handshakes and group key distributions, and an X25519 Diffie-Hellman
// keypair used as the long-term leg of the X3DH-style handshake. Identities
// rotate on a configurable schedule, retaining prior generations only long
// enough to decrypt in-flight backlog.
package identity

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/mi-e2ee/client/crypto/vault"
)

var log = logging.MustGetLogger("mi-e2ee/identity")

// ErrNoIdentity is returned by operations that require a loaded identity
// when none has been generated or loaded yet.
var ErrNoIdentity = errors.New("identity: no current identity loaded")

// RotationPolicy controls when a Manager considers its current identity
// stale and how long superseded generations are kept around to decrypt
// backlog addressed to them.
type RotationPolicy struct {
	RotationDays        int
	LegacyRetentionDays int
	TPMEnable           bool
	TPMRequire          bool
}

// DefaultRotationPolicy matches spec.md's suggested defaults.
func DefaultRotationPolicy() RotationPolicy {
	return RotationPolicy{
		RotationDays:        90,
		LegacyRetentionDays: 30,
	}
}

// Generation is a single identity keypair generation: the current
// identity, or one retired by rotation but still kept for decrypting
// backlog.
type Generation struct {
	SigningPublic  ed25519.PublicKey
	SigningPrivate ed25519.PrivateKey
	DHPublic       []byte
	DHPrivate      []byte
	CreatedAt      time.Time
}

// diskGeneration is the JSON-serializable form of Generation (raw key
// bytes must be base64-wrapped for JSON).
type diskGeneration struct {
	SigningPublic  string `json:"signing_public"`
	SigningPrivate string `json:"signing_private"`
	DHPublic       string `json:"dh_public"`
	DHPrivate      string `json:"dh_private"`
	CreatedAt      int64  `json:"created_at"`
}

func (g *Generation) toDisk() diskGeneration {
	return diskGeneration{
		SigningPublic:  base64.StdEncoding.EncodeToString(g.SigningPublic),
		SigningPrivate: base64.StdEncoding.EncodeToString(g.SigningPrivate),
		DHPublic:       base64.StdEncoding.EncodeToString(g.DHPublic),
		DHPrivate:      base64.StdEncoding.EncodeToString(g.DHPrivate),
		CreatedAt:      g.CreatedAt.Unix(),
	}
}

func generationFromDisk(d diskGeneration) (*Generation, error) {
	signPub, err := base64.StdEncoding.DecodeString(d.SigningPublic)
	if err != nil {
		return nil, fmt.Errorf("identity: decode signing public: %w", err)
	}
	signPriv, err := base64.StdEncoding.DecodeString(d.SigningPrivate)
	if err != nil {
		return nil, fmt.Errorf("identity: decode signing private: %w", err)
	}
	dhPub, err := base64.StdEncoding.DecodeString(d.DHPublic)
	if err != nil {
		return nil, fmt.Errorf("identity: decode dh public: %w", err)
	}
	dhPriv, err := base64.StdEncoding.DecodeString(d.DHPrivate)
	if err != nil {
		return nil, fmt.Errorf("identity: decode dh private: %w", err)
	}
	return &Generation{
		SigningPublic:  ed25519.PublicKey(signPub),
		SigningPrivate: ed25519.PrivateKey(signPriv),
		DHPublic:       dhPub,
		DHPrivate:      dhPriv,
		CreatedAt:      time.Unix(d.CreatedAt, 0).UTC(),
	}, nil
}

func generate(now time.Time) (*Generation, error) {
	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate signing key: %w", err)
	}
	dhPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate dh key: %w", err)
	}
	return &Generation{
		SigningPublic:  signPub,
		SigningPrivate: signPriv,
		DHPublic:       dhPriv.PublicKey().Bytes(),
		DHPrivate:      dhPriv.Bytes(),
		CreatedAt:      now,
	}, nil
}

// DH returns the parsed X25519 private key for this generation.
func (g *Generation) DH() (*ecdh.PrivateKey, error) {
	return ecdh.X25519().NewPrivateKey(g.DHPrivate)
}

// Sign signs msg with this generation's Ed25519 signing key.
func (g *Generation) Sign(msg []byte) []byte {
	return ed25519.Sign(g.SigningPrivate, msg)
}

// Manager owns the current identity generation plus any retired
// generations still within their legacy retention window, sealed at rest
// in a vault.
type Manager struct {
	policy  RotationPolicy
	v       *vault.Vault
	current *Generation
	legacy  []*Generation
}

type diskBundle struct {
	Current diskGeneration   `json:"current"`
	Legacy  []diskGeneration `json:"legacy"`
}

// New creates an identity manager backed by v, generating a fresh identity
// if the vault is empty (first run).
func New(v *vault.Vault, policy RotationPolicy, now time.Time) (*Manager, error) {
	m := &Manager{policy: policy, v: v}
	plaintext, err := v.Open()
	if err != nil {
		gen, genErr := generate(now)
		if genErr != nil {
			return nil, genErr
		}
		m.current = gen
		if err := m.persist(); err != nil {
			return nil, err
		}
		log.Info("identity: generated initial identity")
		return m, nil
	}

	var bundle diskBundle
	if err := json.Unmarshal(plaintext, &bundle); err != nil {
		return nil, fmt.Errorf("identity: parse bundle: %w", err)
	}
	current, err := generationFromDisk(bundle.Current)
	if err != nil {
		return nil, err
	}
	m.current = current
	for _, d := range bundle.Legacy {
		gen, err := generationFromDisk(d)
		if err != nil {
			return nil, err
		}
		m.legacy = append(m.legacy, gen)
	}
	return m, nil
}

func (m *Manager) persist() error {
	bundle := diskBundle{Current: m.current.toDisk()}
	for _, g := range m.legacy {
		bundle.Legacy = append(bundle.Legacy, g.toDisk())
	}
	plaintext, err := json.Marshal(bundle)
	if err != nil {
		return err
	}
	return m.v.Seal(plaintext)
}

// Current returns the active identity generation.
func (m *Manager) Current() (*Generation, error) {
	if m.current == nil {
		return nil, ErrNoIdentity
	}
	return m.current, nil
}

// Legacy returns the retained prior generations, most recently retired
// first.
func (m *Manager) Legacy() []*Generation {
	return m.legacy
}

// FindBySigningPublic searches the current and legacy generations for one
// whose signing public key matches pub, supporting verification of
// messages signed before a rotation.
func (m *Manager) FindBySigningPublic(pub ed25519.PublicKey) (*Generation, bool) {
	if m.current != nil && m.current.SigningPublic.Equal(pub) {
		return m.current, true
	}
	for _, g := range m.legacy {
		if g.SigningPublic.Equal(pub) {
			return g, true
		}
	}
	return nil, false
}

// NeedsRotation reports whether the current generation has exceeded the
// configured rotation age as of now.
func (m *Manager) NeedsRotation(now time.Time) bool {
	if m.current == nil {
		return false
	}
	if m.policy.RotationDays <= 0 {
		return false
	}
	age := now.Sub(m.current.CreatedAt)
	return age >= time.Duration(m.policy.RotationDays)*24*time.Hour
}

// Rotate generates a fresh current generation, retires the prior one into
// the legacy set, prunes legacy generations past their retention window,
// and persists the result.
func (m *Manager) Rotate(now time.Time) error {
	gen, err := generate(now)
	if err != nil {
		return err
	}
	if m.current != nil {
		m.legacy = append([]*Generation{m.current}, m.legacy...)
	}
	m.current = gen

	// A generation is retired when its successor is created, so its
	// retention window runs from the successor's CreatedAt.
	retention := time.Duration(m.policy.LegacyRetentionDays) * 24 * time.Hour
	kept := m.legacy[:0]
	successor := gen
	for _, g := range m.legacy {
		if now.Sub(successor.CreatedAt) <= retention {
			kept = append(kept, g)
		}
		successor = g
	}
	m.legacy = kept

	log.Infof("identity: rotated identity, %d legacy generation(s) retained", len(m.legacy))
	return m.persist()
}
