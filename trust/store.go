// Package trust implements spec.md §4.2: the persisted set of pinned
// server certificate fingerprints and peer identity pins, and the SAS
// (short authentication string) derivation used to let a human confirm an
// unrecognized server out-of-band.
package trust

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/mi-e2ee/client/constants"
	"github.com/mi-e2ee/client/platform"
)

var log = logging.MustGetLogger("mi-e2ee/trust")

// Mode selects how aggressively the trust store enforces pinning.
type Mode int

const (
	// ModeCA accepts any certificate that chains to a trusted CA; no
	// pinning is enforced.
	ModeCA Mode = iota
	// ModePin requires an explicit fingerprint pin; an unseen server
	// requires SAS confirmation before its fingerprint is persisted.
	ModePin
	// ModeCap is capability-bound. In this store it behaves exactly like
	// ModePin: an unseen server requires SAS confirmation before its
	// fingerprint is persisted.
	ModeCap
)

// ErrServerNotTrusted is returned by CheckServerFingerprint when mode is
// ModePin or ModeCap and no pin exists yet for the given endpoint.
var ErrServerNotTrusted = errors.New("trust: server not trusted, confirm sas")

// ErrServerFingerprintChanged is returned when a connection presents a
// fingerprint different from the persisted pin. This is always fatal for
// the session; the store never auto-adopts a changed fingerprint.
var ErrServerFingerprintChanged = errors.New("trust: server fingerprint changed")

type endpointKey struct {
	Host string
	Port int
}

func (k endpointKey) String() string {
	return fmt.Sprintf("%s:%d", k.Host, k.Port)
}

// Store is the persisted set of server and peer trust pins. It is safe
// for concurrent use.
type Store struct {
	mu   sync.Mutex
	path string
	mode Mode

	servers map[string]string // "host:port" -> sha256 hex fingerprint
	peers   map[string]string // username -> identity pin fingerprint hex

	pendingFingerprint string
	pendingHost        string
	pendingPort        int
}

type onDiskFormat struct {
	Servers map[string]string `json:"servers"`
	Peers   map[string]string `json:"peers"`
}

// Load reads the trust store from path, creating an empty store if the
// file does not yet exist.
func Load(path string, mode Mode) (*Store, error) {
	s := &Store{
		path:    path,
		mode:    mode,
		servers: make(map[string]string),
		peers:   make(map[string]string),
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	var disk onDiskFormat
	if err := json.Unmarshal(data, &disk); err != nil {
		return nil, fmt.Errorf("trust: parse store: %w", err)
	}
	if disk.Servers != nil {
		s.servers = disk.Servers
	}
	if disk.Peers != nil {
		s.peers = disk.Peers
	}
	return s, nil
}

// save atomically overwrites the persisted store. Caller must hold mu.
func (s *Store) save() error {
	disk := onDiskFormat{Servers: s.servers, Peers: s.peers}
	data, err := json.Marshal(disk)
	if err != nil {
		return err
	}
	return platform.AtomicWriteFile(s.path, data, 0600)
}

// CheckServerFingerprint validates a connection's certificate fingerprint
// (lowercase hex SHA-256 of the DER certificate) against the pin for
// (host, port).
//
// If no pin exists:
//   - ModeCA: the fingerprint is accepted without pinning.
//   - ModePin/ModeCap: ErrServerNotTrusted is returned and
//     PendingFingerprint/PendingPin become available for the caller to
//     surface to the user; call ConfirmPending to persist it.
//
// If a pin exists and differs from fingerprint, ErrServerFingerprintChanged
// is always returned, regardless of mode; the store never auto-adopts it.
func (s *Store) CheckServerFingerprint(host string, port int, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := endpointKey{host, port}.String()
	fingerprint = strings.ToLower(fingerprint)

	existing, ok := s.servers[key]
	if ok {
		if subtle.ConstantTimeCompare([]byte(existing), []byte(fingerprint)) != 1 {
			log.Warningf("trust: fingerprint changed for %s", key)
			return ErrServerFingerprintChanged
		}
		return nil
	}

	if s.mode == ModeCA {
		return nil
	}

	s.pendingFingerprint = fingerprint
	s.pendingHost = host
	s.pendingPort = port
	return ErrServerNotTrusted
}

// PendingFingerprint returns the raw hex fingerprint awaiting SAS
// confirmation, or "" if none is pending.
func (s *Store) PendingFingerprint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingFingerprint
}

// PendingPin returns the human-displayable SAS grouping of the pending
// fingerprint, or "" if none is pending.
func (s *Store) PendingPin() (string, error) {
	s.mu.Lock()
	fp := s.pendingFingerprint
	s.mu.Unlock()
	if fp == "" {
		return "", nil
	}
	return DeriveSAS(fp)
}

// ConfirmPending persists the pending server fingerprint, as if the user
// had compared the SAS pin out-of-band and approved it. It is a no-op
// error if nothing is pending.
func (s *Store) ConfirmPending() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingFingerprint == "" {
		return errors.New("trust: no pending server fingerprint to confirm")
	}
	key := endpointKey{s.pendingHost, s.pendingPort}.String()
	s.servers[key] = s.pendingFingerprint
	s.pendingFingerprint = ""
	s.pendingHost = ""
	s.pendingPort = 0
	return s.save()
}

// PeerPin returns the persisted identity pin for username, and whether one
// exists.
func (s *Store) PeerPin(username string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pin, ok := s.peers[username]
	return pin, ok
}

// SetPeerPin persists an identity pin for username, overwriting any prior
// value.
func (s *Store) SetPeerPin(username, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[username] = strings.ToLower(fingerprint)
	return s.save()
}

// FingerprintSHA256 returns the lowercase hex SHA-256 digest of data (a
// DER certificate or an identity signing public key).
func FingerprintSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DeriveSAS computes the short authentication string for a fingerprint:
// the first 20 hex characters of SHA-256("MI_SERVER_CERT_SAS_V1" ||
// fingerprint_bytes), grouped as XXXX-XXXX-XXXX-XXXX-XXXX.
func DeriveSAS(fingerprintHex string) (string, error) {
	fpBytes, err := hex.DecodeString(fingerprintHex)
	if err != nil {
		return "", fmt.Errorf("trust: invalid fingerprint hex: %w", err)
	}
	buf := append([]byte(constants.SASContext), fpBytes...)
	sum := sha256.Sum256(buf)
	digest := strings.ToUpper(hex.EncodeToString(sum[:]))
	sas := digest[:20]

	var b strings.Builder
	for i := 0; i < len(sas); i += 4 {
		if i > 0 {
			b.WriteByte('-')
		}
		b.WriteString(sas[i : i+4])
	}
	return b.String(), nil
}
