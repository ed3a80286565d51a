// Package groupkey implements the per-(group, sender) sender-key engine
// of spec.md §4.6: each group member owns a symmetric chain that it
// distributes to the rest of the group under its identity signature,
// advancing one step per message sent and tolerating bounded
// out-of-order delivery the same way the one-to-one ratchet does.
package groupkey

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/mi-e2ee/client/constants"
	"github.com/mi-e2ee/client/crypto/aead"
)

// ErrVersionRegression is returned when an incoming distribution's
// (version, iteration) does not advance the locally known state.
var ErrVersionRegression = errors.New("groupkey: distribution regresses version/iteration")

// ErrTooManySkipped mirrors ratchet.ErrTooManySkipped, scoped to a single
// sender chain's skip window.
var ErrTooManySkipped = errors.New("groupkey: too many skipped messages in one chain step")

// Chain is one member's sender-key chain for one group: either the local
// user's own chain (used to seal outgoing messages) or a chain received
// from a fellow member (used to open their messages).
type Chain struct {
	GroupID   string
	Sender    string
	CK        [32]byte
	Version   uint32
	Iteration uint32
	CreatedAt time.Time

	// MessageCount is incremented each time this chain derives a message
	// key; it feeds the >=10000-message rotation trigger. Meaningful only
	// for the local user's own chain.
	MessageCount uint64

	skipped *skipStore
}

// NewChain creates a chain from a freshly generated CK, as the owning
// member does at group creation or at rotation.
func NewChain(groupID, sender string, now time.Time) (*Chain, error) {
	var ck [32]byte
	if _, err := rand.Read(ck[:]); err != nil {
		return nil, err
	}
	return &Chain{
		GroupID:   groupID,
		Sender:    sender,
		CK:        ck,
		Version:   1,
		Iteration: 0,
		CreatedAt: now,
		skipped:   newSkipStore(),
	}, nil
}

// FromDistribution builds a receiver-side chain from a verified
// GroupSenderKeyDist.
func FromDistribution(dist GroupSenderKeyDist) *Chain {
	return &Chain{
		GroupID:   dist.GroupID,
		Sender:    dist.Sender,
		CK:        dist.CK,
		Version:   dist.Version,
		Iteration: dist.Iteration,
		skipped:   newSkipStore(),
	}
}

// Restore rebuilds a Chain from persisted fields (storage.Store loads
// these after a process restart). The skip window does not survive a
// restart — it is a bounded recovery cache for reordered deliveries, not
// durable state, and rebuilds naturally as new messages arrive.
func Restore(groupID, sender string, ck [32]byte, version, iteration uint32, createdAt time.Time, messageCount uint64) *Chain {
	return &Chain{
		GroupID:      groupID,
		Sender:       sender,
		CK:           ck,
		Version:      version,
		Iteration:    iteration,
		CreatedAt:    createdAt,
		MessageCount: messageCount,
		skipped:      newSkipStore(),
	}
}

// AdoptDistribution replaces this chain's key material with a newly
// received distribution, after the caller has verified it does not
// regress (version, iteration) relative to the current chain.
func (c *Chain) AdoptDistribution(dist GroupSenderKeyDist) error {
	if dist.Version < c.Version || (dist.Version == c.Version && dist.Iteration < c.Iteration) {
		return ErrVersionRegression
	}
	c.CK = dist.CK
	c.Version = dist.Version
	c.Iteration = dist.Iteration
	c.skipped = newSkipStore()
	return nil
}

// deriveStep advances ck by one step, returning the next chain key and
// the message key for the current iteration. NextSendKey uses it once per
// message; KeyForIteration calls it repeatedly to catch a lagging chain
// up to an out-of-order message.
func deriveStep(ck [32]byte) (nextCK, mk [32]byte, err error) {
	a, b, err := aead.HKDFTwo(ck[:], nil, constants.InfoGroupSenderChain)
	if err != nil {
		return nextCK, mk, err
	}
	return a, b, nil
}

// NextSendKey advances the local chain by one step and returns the
// message key plus the iteration it was derived at, for use as the
// owning member sealing an outgoing group message.
func (c *Chain) NextSendKey() (mk [32]byte, iteration uint32, err error) {
	nextCK, key, err := deriveStep(c.CK)
	if err != nil {
		return mk, 0, err
	}
	iteration = c.Iteration
	c.CK = nextCK
	c.Iteration++
	c.MessageCount++
	return key, iteration, nil
}

// KeyForIteration returns the message key for a specific iteration on a
// receiver-side chain, deriving and storing skipped keys for any gap,
// analogous to ratchet.Session.Open's skip handling.
func (c *Chain) KeyForIteration(iteration uint32) ([32]byte, error) {
	if iteration < c.Iteration {
		mk, ok := c.skipped.load(iteration)
		if !ok {
			return mk, fmt.Errorf("groupkey: no key stored for iteration %d", iteration)
		}
		c.skipped.delete(iteration)
		return mk, nil
	}

	if iteration-c.Iteration > constants.MaxGroupSkip {
		return [32]byte{}, ErrTooManySkipped
	}

	var mk [32]byte
	for c.Iteration <= iteration {
		nextCK, key, err := deriveStep(c.CK)
		if err != nil {
			return [32]byte{}, err
		}
		c.CK = nextCK
		if c.Iteration == iteration {
			mk = key
		} else {
			c.skipped.store(c.Iteration, key)
		}
		c.Iteration++
	}
	return mk, nil
}

// NeedsRotation reports whether the chain has crossed a rotation trigger
// from spec.md §4.6: message count, chain age, or an explicit membership
// change (which the caller signals directly rather than through state
// tracked here).
func (c *Chain) NeedsRotation(now time.Time) bool {
	if c.MessageCount >= constants.GroupRotationMessageLimit {
		return true
	}
	return now.Sub(c.CreatedAt) >= constants.GroupRotationAge
}
