package kt

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"gopkg.in/op/go-logging.v1"

	"github.com/mi-e2ee/client/constants"
	"github.com/mi-e2ee/client/platform"
)

var log = logging.MustGetLogger("mi-e2ee/kt")

// ErrGossipAlerted is returned by VerifyBundle once the accumulated mismatch
// count has reached the configured alert threshold; the caller should
// surface this to the user and refuse further key trust decisions until
// the session is restarted.
var ErrGossipAlerted = errors.New("kt: gossip mismatch alert threshold reached")

// State is the local Key Transparency checkpoint: the last verified
// (tree_size, root) plus the gossip-mismatch tracking spec.md §4.7
// describes. After every successful verification TreeSize and Root are
// written to disk atomically; the gossip-mismatch count and alert flag
// are held in memory only and are not persisted.
type State struct {
	TreeSize            uint64
	Root                LeafHash
	RootPubkey          ed25519.PublicKey // nil if signature verification is not required
	RequireSignature    bool
	GossipMismatchCount uint32
	GossipAlerted       bool
	GossipAlertThresh   uint32

	path string
}

// NewState creates a fresh (never-verified) State.
func NewState(path string, requireSignature bool, rootPubkey ed25519.PublicKey, alertThreshold uint32) *State {
	if alertThreshold == 0 {
		alertThreshold = constants.DefaultGossipAlertThreshold
	}
	return &State{
		RequireSignature:  requireSignature,
		RootPubkey:        rootPubkey,
		GossipAlertThresh: alertThreshold,
		path:              path,
	}
}

// diskLayout is magic(4) || tree_size(u64 LE) || root(32).
const diskLayout = 4 + 8 + 32

// Load reads persisted (tree_size, root) state from path, leaving a
// zero-value checkpoint (tree_size=0) if the file does not yet exist —
// the first verification is then treated as trust-on-first-use.
func Load(path string, requireSignature bool, rootPubkey ed25519.PublicKey, alertThreshold uint32) (*State, error) {
	s := NewState(path, requireSignature, rootPubkey, alertThreshold)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	if len(data) < diskLayout || string(data[:4]) != constants.KTStateMagic {
		return nil, fmt.Errorf("kt: malformed state file %s", path)
	}
	s.TreeSize = binary.LittleEndian.Uint64(data[4:12])
	copy(s.Root[:], data[12:44])
	return s, nil
}

func (s *State) save() error {
	buf := make([]byte, 0, diskLayout)
	buf = append(buf, []byte(constants.KTStateMagic)...)
	var sizeBuf [8]byte
	binary.LittleEndian.PutUint64(sizeBuf[:], s.TreeSize)
	buf = append(buf, sizeBuf[:]...)
	buf = append(buf, s.Root[:]...)
	return platform.AtomicWriteFile(s.path, buf, 0600)
}

// recordMismatch increments the gossip-mismatch counter, raises the alert
// flag (which then stays set for the life of this State) once the
// configured threshold is reached, and
// returns an error describing the mismatch — the proof is rejected
// regardless of whether the alert threshold has been reached; the
// threshold only controls when a standing alert is raised for the user.
func (s *State) recordMismatch(reason string) error {
	s.GossipMismatchCount++
	log.Warningf("kt: gossip mismatch (%s), count=%d", reason, s.GossipMismatchCount)
	if s.GossipMismatchCount >= s.GossipAlertThresh {
		s.GossipAlerted = true
	}
	if s.GossipAlerted {
		return fmt.Errorf("kt: %s: %w", reason, ErrGossipAlerted)
	}
	return fmt.Errorf("kt: %s", reason)
}
