package core

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/mi-e2ee/client/devicesync"
	"github.com/mi-e2ee/client/envelope"
	"github.com/mi-e2ee/client/errors"
	"github.com/mi-e2ee/client/groupkey"
	"github.com/mi-e2ee/client/storage"
	"github.com/mi-e2ee/client/wire"
)

// groupState owns every group's sender-key chains: this device's own
// sending chain per group, and one receiving chain per fellow member.
// Unlike the one-to-one ratchet, a sender-key chain's distribution
// travels point-to-point over each member's existing peer ratchet
// session (see sendEnvelope), so groupState never touches the transport
// or channel directly.
type groupState struct {
	store *storage.Store

	mu      sync.Mutex
	own     map[string]*groupkey.Chain            // groupID -> local sending chain
	members map[string]map[string]*groupkey.Chain // groupID -> sender -> receiving chain
	roster  map[string][]string                   // groupID -> known member usernames
	sigKeys map[string]ed25519.PublicKey           // username -> identity signing public key, learned from verified bundles
	locks   map[string]*sync.Mutex
}

func newGroupState(store *storage.Store) *groupState {
	return &groupState{
		store:   store,
		own:     make(map[string]*groupkey.Chain),
		members: make(map[string]map[string]*groupkey.Chain),
		roster:  make(map[string][]string),
		sigKeys: make(map[string]ed25519.PublicKey),
		locks:   make(map[string]*sync.Mutex),
	}
}

func (g *groupState) lockFor(groupID string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.locks[groupID]
	if !ok {
		l = &sync.Mutex{}
		g.locks[groupID] = l
	}
	return l
}

func (g *groupState) learnSigningKey(peer string, pub ed25519.PublicKey) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sigKeys[peer] = pub
}

func (g *groupState) signingKey(peer string) (ed25519.PublicKey, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pub, ok := g.sigKeys[peer]
	return pub, ok
}

func (g *groupState) setRoster(groupID string, members []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.roster[groupID] = append([]string(nil), members...)
}

func (g *groupState) rosterOf(groupID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.roster[groupID]...)
}

// ownChain returns this device's sending chain for groupID, loading it
// from storage on a cache miss.
func (g *groupState) ownChain(selfName, groupID string) (*groupkey.Chain, error) {
	g.mu.Lock()
	if c, ok := g.own[groupID]; ok {
		g.mu.Unlock()
		return c, nil
	}
	g.mu.Unlock()

	c, err := g.store.LoadGroupChain(groupID, selfName)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, nil
	}
	g.mu.Lock()
	g.own[groupID] = c
	g.mu.Unlock()
	return c, nil
}

func (g *groupState) setOwnChain(groupID string, c *groupkey.Chain) {
	g.mu.Lock()
	g.own[groupID] = c
	g.mu.Unlock()
}

// memberChain returns the receiving chain for (groupID, sender), loading
// it from storage on a cache miss.
func (g *groupState) memberChain(groupID, sender string) (*groupkey.Chain, error) {
	g.mu.Lock()
	byGroup, ok := g.members[groupID]
	if ok {
		if c, ok := byGroup[sender]; ok {
			g.mu.Unlock()
			return c, nil
		}
	}
	g.mu.Unlock()

	c, err := g.store.LoadGroupChain(groupID, sender)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, nil
	}
	g.setMemberChain(groupID, sender, c)
	return c, nil
}

func (g *groupState) setMemberChain(groupID, sender string, c *groupkey.Chain) {
	g.mu.Lock()
	defer g.mu.Unlock()
	byGroup, ok := g.members[groupID]
	if !ok {
		byGroup = make(map[string]*groupkey.Chain)
		g.members[groupID] = byGroup
	}
	byGroup[sender] = c
}

// groupWireFrame is the plaintext carried inside a channel-sealed
// generic encrypted-transport frame body for group traffic: the MIGC
// ciphertext the sender-key chain already authenticates, so the frame
// itself needs only enough routing metadata for the receiver to find
// the matching chain.
type groupWireFrame struct {
	GroupID string
	Sender  string
	Cipher  []byte
}

func encodeGroupWireFrame(f groupWireFrame) []byte {
	out := wire.WriteString(f.GroupID, nil)
	out = wire.WriteString(f.Sender, out)
	out = wire.WriteBytes(f.Cipher, out)
	return out
}

func decodeGroupWireFrame(in []byte) (groupWireFrame, error) {
	var f groupWireFrame
	off := 0
	var err error
	if f.GroupID, err = wire.ReadString(in, &off); err != nil {
		return f, err
	}
	if f.Sender, err = wire.ReadString(in, &off); err != nil {
		return f, err
	}
	if f.Cipher, err = wire.ReadBytes(in, &off); err != nil {
		return f, err
	}
	return f, nil
}

// CreateGroup establishes a fresh sender-key chain owned by this device
// and distributes it to every member over their existing (or
// freshly-established) one-to-one ratchet session, per spec.md §4.6.
func (c *ClientCore) CreateGroup(groupID, groupName string, members []string) error {
	lock := c.groups.lockFor(groupID)
	lock.Lock()
	defer lock.Unlock()

	chain, err := groupkey.NewChain(groupID, c.username, c.clock.Now())
	if err != nil {
		return errors.Wrap(errors.KindCrypto, "CreateGroup", err)
	}
	if err := c.store.SaveGroupChain(chain); err != nil {
		return errors.Wrap(errors.KindState, "CreateGroup", err)
	}
	c.groups.setOwnChain(groupID, chain)
	c.groups.setRoster(groupID, members)

	inviteMsgID, err := envelope.NewMsgID()
	if err != nil {
		return errors.Wrap(errors.KindCrypto, "CreateGroup", err)
	}
	invite := envelope.Encode(envelope.Envelope{
		Header: envelope.Header{Type: envelope.TypeGroupInvite, MsgID: inviteMsgID},
		Body:   envelope.GroupInviteBody{GroupID: groupID, GroupName: groupName, Members: members},
	})

	var firstErr error
	for _, member := range members {
		if member == c.username {
			continue
		}
		if err := c.sendEnvelope(member, invite); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := c.distributeGroupKey(member, chain); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// distributeGroupKey sends this device's current group chain state to
// member over its one-to-one ratchet session.
func (c *ClientCore) distributeGroupKey(member string, chain *groupkey.Chain) error {
	var chainID [16]byte
	if _, err := rand.Read(chainID[:]); err != nil {
		return errors.Wrap(errors.KindCrypto, "distributeGroupKey", err)
	}
	msgID, err := envelope.NewMsgID()
	if err != nil {
		return errors.Wrap(errors.KindCrypto, "distributeGroupKey", err)
	}
	plain := envelope.Encode(envelope.Envelope{
		Header: envelope.Header{Type: envelope.TypeGroupSenderKeyDist, MsgID: msgID},
		Body: envelope.GroupSenderKeyDistBody{
			GroupID:      chain.GroupID,
			ChainID:      chainID,
			ChainKey:     chain.CK,
			ChainCounter: chain.Iteration,
		},
	})
	return c.sendEnvelope(member, plain)
}

// SendGroupText seals text under this device's sender-key chain for
// groupID and fans it out to every known member as a group wire frame.
func (c *ClientCore) SendGroupText(groupID, text string) error {
	if err := c.maybeRotateIdentity(); err != nil {
		return err
	}

	lock := c.groups.lockFor(groupID)
	lock.Lock()
	defer lock.Unlock()

	chain, err := c.groups.ownChain(c.username, groupID)
	if err != nil {
		return errors.Wrap(errors.KindState, "SendGroupText", err)
	}
	if chain == nil {
		return errors.Wrap(errors.KindProtocol, "SendGroupText", fmt.Errorf("no owned chain for group %s; call CreateGroup first", groupID))
	}

	if chain.NeedsRotation(c.clock.Now()) {
		if err := c.rotateGroupKeyLocked(groupID, chain); err != nil {
			return err
		}
		chain, err = c.groups.ownChain(c.username, groupID)
		if err != nil {
			return errors.Wrap(errors.KindState, "SendGroupText", err)
		}
	}

	gen, err := c.identity.Current()
	if err != nil {
		return errors.Wrap(errors.KindCrypto, "SendGroupText", err)
	}

	msgID, err := envelope.NewMsgID()
	if err != nil {
		return errors.Wrap(errors.KindCrypto, "SendGroupText", err)
	}
	plain := envelope.Encode(envelope.Envelope{
		Header: envelope.Header{Type: envelope.TypeGroupText, MsgID: msgID},
		Body:   envelope.GroupTextBody{GroupID: groupID, Text: text},
	})

	cipher, err := groupkey.Seal(chain, gen.SigningPrivate, plain)
	if err != nil {
		return errors.Wrap(errors.KindCrypto, "SendGroupText", err)
	}
	if err := c.store.SaveGroupChain(chain); err != nil {
		return errors.Wrap(errors.KindState, "SendGroupText", err)
	}

	sealed, err := c.sealedChannel()
	if err != nil {
		return err
	}
	body := append([]byte{routeKindGroup}, encodeGroupWireFrame(groupWireFrame{
		GroupID: groupID,
		Sender:  c.username,
		Cipher:  cipher,
	})...)
	wireBody, err := sealed.Seal(body)
	if err != nil {
		return errors.Wrap(errors.KindCrypto, "SendGroupText", err)
	}
	respType, respPayload, err := c.transport.SendAndRecv(c.params, wire.FrameEncryptedTransport, wireBody)
	if err != nil {
		return errors.Wrap(errors.KindTransport, "SendGroupText", err)
	}
	if err := checkRespType("SendGroupText", respType, wire.FrameEncryptedTransport); err != nil {
		return err
	}
	if _, _, err := sealed.Open(respPayload); err != nil {
		return errors.Wrap(errors.KindCrypto, "SendGroupText", err)
	}
	c.pushSyncEvent(devicesync.Event{Type: devicesync.EventSendGroup, ConvID: groupID, Envelope: plain})
	return nil
}

// rotateGroupKeyLocked replaces this device's chain for groupID with a
// fresh one and redistributes it to the full roster. Callers must hold
// the group's lock.
func (c *ClientCore) rotateGroupKeyLocked(groupID string, old *groupkey.Chain) error {
	fresh, err := groupkey.NewChain(groupID, c.username, c.clock.Now())
	if err != nil {
		return errors.Wrap(errors.KindCrypto, "rotateGroupKey", err)
	}
	if err := c.store.SaveGroupChain(fresh); err != nil {
		return errors.Wrap(errors.KindState, "rotateGroupKey", err)
	}
	c.groups.setOwnChain(groupID, fresh)

	var firstErr error
	for _, member := range c.groups.rosterOf(groupID) {
		if member == c.username {
			continue
		}
		if err := c.distributeGroupKey(member, fresh); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RotateGroupKey forces a fresh sender-key chain for groupID, the
// response to a DeviceKick or membership change spec.md's scenario 4
// requires: evicting a device must not leave it able to read future
// group traffic.
func (c *ClientCore) RotateGroupKey(groupID string) error {
	lock := c.groups.lockFor(groupID)
	lock.Lock()
	defer lock.Unlock()

	chain, err := c.groups.ownChain(c.username, groupID)
	if err != nil {
		return errors.Wrap(errors.KindState, "RotateGroupKey", err)
	}
	if chain == nil {
		return errors.Wrap(errors.KindProtocol, "RotateGroupKey", fmt.Errorf("no owned chain for group %s", groupID))
	}
	return c.rotateGroupKeyLocked(groupID, chain)
}

// adoptGroupKeyDist handles an inbound GroupSenderKeyDistBody: it builds
// or replaces the receiving chain for (groupID, sender). The envelope
// that carried it already passed one-to-one ratchet authentication, so
// the sender identity here (the peer that decrypted successfully) is
// trustworthy without a second signature check.
func (c *ClientCore) adoptGroupKeyDist(sender string, body envelope.GroupSenderKeyDistBody) error {
	lock := c.groups.lockFor(body.GroupID)
	lock.Lock()
	defer lock.Unlock()

	chain := groupkey.Restore(body.GroupID, sender, body.ChainKey, 1, body.ChainCounter, c.clock.Now(), 0)
	if err := c.store.SaveGroupChain(chain); err != nil {
		return errors.Wrap(errors.KindState, "adoptGroupKeyDist", err)
	}
	c.groups.setMemberChain(body.GroupID, sender, chain)
	return nil
}

// openGroupWireFrame decrypts an inbound group wire frame using the
// sender's receiving chain, which must already have been adopted via a
// prior GroupSenderKeyDistBody.
func (c *ClientCore) openGroupWireFrame(f groupWireFrame) (envelope.Envelope, error) {
	lock := c.groups.lockFor(f.GroupID)
	lock.Lock()
	defer lock.Unlock()

	chain, err := c.groups.memberChain(f.GroupID, f.Sender)
	if err != nil {
		return envelope.Envelope{}, errors.Wrap(errors.KindState, "openGroupWireFrame", err)
	}
	if chain == nil {
		return envelope.Envelope{}, errors.Wrap(errors.KindProtocol, "openGroupWireFrame", fmt.Errorf("no sender-key chain for %s in group %s yet", f.Sender, f.GroupID))
	}
	sigPub, ok := c.groups.signingKey(f.Sender)
	if !ok {
		return envelope.Envelope{}, errors.Wrap(errors.KindCrypto, "openGroupWireFrame", fmt.Errorf("no known signing key for %s", f.Sender))
	}
	plain, err := groupkey.Open(chain, sigPub, f.Cipher)
	if err != nil {
		return envelope.Envelope{}, errors.Wrap(errors.KindCrypto, "openGroupWireFrame", err)
	}
	if err := c.store.SaveGroupChain(chain); err != nil {
		return envelope.Envelope{}, errors.Wrap(errors.KindState, "openGroupWireFrame", err)
	}
	env, err := envelope.Decode(plain)
	if err != nil {
		return envelope.Envelope{}, errors.Wrap(errors.KindCodec, "openGroupWireFrame", err)
	}
	return env, nil
}
