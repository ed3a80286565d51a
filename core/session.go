package core

import (
	"fmt"
	"sync"

	"github.com/mi-e2ee/client/channel"
	"github.com/mi-e2ee/client/devicesync"
	"github.com/mi-e2ee/client/envelope"
	"github.com/mi-e2ee/client/errors"
	"github.com/mi-e2ee/client/identity"
	"github.com/mi-e2ee/client/padding"
	"github.com/mi-e2ee/client/ratchet"
	"github.com/mi-e2ee/client/storage"
	"github.com/mi-e2ee/client/wire"
)

// Peer-frame kinds. spec.md §6 fixes the generic encrypted-transport
// frame's body as string(token) || AEAD(cipher) but says nothing about
// what rides inside the AEAD'd plaintext for one-to-one messages; a
// receiver still needs to know which peer sent it and whether it carries
// a fresh X3DH handshake or an established-session ratchet step. This
// small wrapper is this client's own addition, chosen to need nothing
// the channel doesn't already authenticate.
const (
	peerFrameKindHandshake byte = 1
	peerFrameKindMessage   byte = 2
)

// peerFrame is the plaintext carried inside a channel-sealed
// encrypted-transport frame body, addressed to one peer.
type peerFrame struct {
	Kind          byte
	Sender        string
	EphemeralPub  ratchet.PublicKey // handshake only
	KEMCiphertext []byte            // handshake only
	Header        ratchet.Header
	Ciphertext    []byte
}

func encodePeerFrame(f peerFrame) []byte {
	out := []byte{f.Kind}
	out = wire.WriteString(f.Sender, out)
	if f.Kind == peerFrameKindHandshake {
		out = wire.WriteBytes(f.EphemeralPub, out)
		out = wire.WriteBytes(f.KEMCiphertext, out)
	}
	out = wire.WriteBytes(f.Header.DHPublic, out)
	out = wire.WriteUint32(f.Header.PN, out)
	out = wire.WriteUint32(f.Header.N, out)
	out = wire.WriteBytes(f.Ciphertext, out)
	return out
}

func decodePeerFrame(in []byte) (peerFrame, error) {
	var f peerFrame
	if len(in) < 1 {
		return f, wire.ErrShortInput
	}
	off := 0
	f.Kind = in[off]
	off++
	var err error
	if f.Sender, err = wire.ReadString(in, &off); err != nil {
		return f, err
	}
	if f.Kind == peerFrameKindHandshake {
		eph, err := wire.ReadBytes(in, &off)
		if err != nil {
			return f, err
		}
		f.EphemeralPub = ratchet.PublicKey(eph)
		if f.KEMCiphertext, err = wire.ReadBytes(in, &off); err != nil {
			return f, err
		}
	}
	dhPub, err := wire.ReadBytes(in, &off)
	if err != nil {
		return f, err
	}
	f.Header.DHPublic = ratchet.PublicKey(dhPub)
	if f.Header.PN, err = wire.ReadUint32(in, &off); err != nil {
		return f, err
	}
	if f.Header.N, err = wire.ReadUint32(in, &off); err != nil {
		return f, err
	}
	if f.Ciphertext, err = wire.ReadBytes(in, &off); err != nil {
		return f, err
	}
	return f, nil
}

// peerSessions is the keyed cache of live ratchet.Session values, one per
// correspondent, each serialized by the session's own state mutation
// happening only from Seal/Open (never concurrently for the same peer —
// callers take lockFor(peer) first).
type peerSessions struct {
	store  *storage.Store
	engine ratchet.Engine

	mu       sync.Mutex
	sessions map[string]*ratchet.Session
	locks    map[string]*sync.Mutex
	prekeys  *ownPrekeys
}

func newPeerSessions(store *storage.Store, engine ratchet.Engine) *peerSessions {
	return &peerSessions{
		store:    store,
		engine:   engine,
		sessions: make(map[string]*ratchet.Session),
		locks:    make(map[string]*sync.Mutex),
	}
}

func (p *peerSessions) setOwnPrekeys(pk *ownPrekeys) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prekeys = pk
}

func (p *peerSessions) ownPrekeys() *ownPrekeys {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prekeys
}

// lockFor returns the per-peer mutex that serializes ratchet updates for
// that conversation, per spec.md §5's "ratchet updates per-peer
// serialized by per-peer lock."
func (p *peerSessions) lockFor(peer string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[peer]
	if !ok {
		l = &sync.Mutex{}
		p.locks[peer] = l
	}
	return l
}

// get returns the cached session for peer, loading it from disk on a
// cache miss; both return values nil means no session exists yet.
func (p *peerSessions) get(peer string) (*ratchet.Session, error) {
	p.mu.Lock()
	if s, ok := p.sessions[peer]; ok {
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	rs := p.store.RatchetStore(peer)
	state, err := rs.LoadState()
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, nil
	}
	s := ratchet.Resume(p.engine, state, rs)
	p.mu.Lock()
	p.sessions[peer] = s
	p.mu.Unlock()
	return s, nil
}

func (p *peerSessions) put(peer string, s *ratchet.Session) {
	p.mu.Lock()
	p.sessions[peer] = s
	p.mu.Unlock()
}

// persist saves s's current state to its conversation's ratchet store,
// the same persist-after-every-step discipline the session package
// itself uses for skipped keys.
func (p *peerSessions) persist(peer string, s *ratchet.Session) error {
	return p.store.RatchetStore(peer).Save(s.State())
}

// ensureInitiatorSession returns the established session for peer,
// fetching and KT-verifying a fresh prekey bundle and running the X3DH
// initiator handshake if no session exists yet. handshake is non-nil
// only when a fresh handshake was just run, so the caller knows to mark
// the first outbound peerFrame as a handshake frame.
func (c *ClientCore) ensureInitiatorSession(peer string) (s *ratchet.Session, handshake *ratchet.HandshakeResult, err error) {
	if s, err = c.peers.get(peer); err != nil {
		return nil, nil, errors.Wrap(errors.KindState, "ensureInitiatorSession", err)
	}
	if s != nil {
		return s, nil, nil
	}

	bundle, err := c.fetchVerifiedBundle(peer)
	if err != nil {
		return nil, nil, err
	}
	gen, err := c.identity.Current()
	if err != nil {
		return nil, nil, errors.Wrap(errors.KindCrypto, "ensureInitiatorSession", err)
	}
	hr, err := ratchet.Initiate(c.ratchetEngine, ratchet.KeyPair(gen.DHPrivate), bundle)
	if err != nil {
		return nil, nil, errors.Wrap(errors.KindCrypto, "ensureInitiatorSession", err)
	}
	rs := c.store.RatchetStore(peer)
	s, err = ratchet.NewInitiator(c.ratchetEngine, hr.RootKey, bundle.SignedPrekeyPub, rs)
	if err != nil {
		return nil, nil, errors.Wrap(errors.KindCrypto, "ensureInitiatorSession", err)
	}
	c.peers.put(peer, s)
	return s, hr, nil
}

// identityCandidates lists the identity generations an inbound handshake
// might have been computed against: the current one first, then retired
// ones still inside legacy_retention_days (identity.Manager.Legacy
// returns most-recently-retired first). A peer can only ever have fetched
// our bundle under whichever generation was current at the time, so a
// handshake that predates our latest rotation needs one of these.
func (c *ClientCore) identityCandidates() []*identity.Generation {
	var out []*identity.Generation
	if gen, err := c.identity.Current(); err == nil {
		out = append(out, gen)
	}
	return append(out, c.identity.Legacy()...)
}

// ensureResponderSession builds the responder side of a session on
// receipt of a peer's first handshake frame. It fetches the sender's own
// published bundle (already KT-verified) purely to recover its identity
// DH public key, the one X3DH input a bare peerFrame does not carry.
//
// Which of our own identity generations the sender's X3DH math is bound
// to depends on when they fetched our bundle relative to any rotation
// we've since run (spec.md §4.5), and ratchet.Respond has no way to
// detect a mismatch on its own — it just derives a different, silently
// wrong shared secret. So this tries each candidate generation in turn,
// each against a fresh Session, and keeps the first whose trial Open on
// the actual inbound message succeeds. The returned plaintext comes from
// that same trial decrypt, so the caller must not Open the message again.
func (c *ClientCore) ensureResponderSession(f peerFrame) (*ratchet.Session, []byte, error) {
	if s, err := c.peers.get(f.Sender); err != nil {
		return nil, nil, errors.Wrap(errors.KindState, "ensureResponderSession", err)
	} else if s != nil {
		plain, err := s.Open(ratchet.Message{Header: f.Header, Ciphertext: f.Ciphertext}, []byte(f.Sender))
		if err != nil {
			return nil, nil, errors.Wrap(errors.KindCrypto, "ensureResponderSession", err)
		}
		return s, plain, nil
	}

	prekeys := c.peers.ownPrekeys()
	if prekeys == nil {
		return nil, nil, errors.Wrap(errors.KindCrypto, "ensureResponderSession", fmt.Errorf("no local prekeys published yet"))
	}
	senderBundle, err := c.fetchVerifiedBundle(f.Sender)
	if err != nil {
		return nil, nil, err
	}

	candidates := c.identityCandidates()
	if len(candidates) == 0 {
		return nil, nil, errors.Wrap(errors.KindCrypto, "ensureResponderSession", fmt.Errorf("no identity generation available"))
	}

	rs := c.store.RatchetStore(f.Sender)
	var lastErr error
	for _, gen := range candidates {
		rk, err := ratchet.Respond(
			c.ratchetEngine,
			ratchet.KeyPair(gen.DHPrivate),
			prekeys.SignedPrekeyPriv,
			nil, // one-time prekey pool not provisioned in this build
			prekeys.KEMPriv,
			senderBundle.IdentityDHPub,
			f.EphemeralPub,
			f.KEMCiphertext,
		)
		if err != nil {
			lastErr = err
			continue
		}
		s, err := ratchet.NewResponder(c.ratchetEngine, rk, prekeys.SignedPrekeyPriv, rs)
		if err != nil {
			lastErr = err
			continue
		}
		plain, err := s.Open(ratchet.Message{Header: f.Header, Ciphertext: f.Ciphertext}, []byte(f.Sender))
		if err != nil {
			// Wrong generation: the derived shared secret doesn't match
			// what the sender used, so the AEAD tag fails. A fresh
			// Session was used for this trial, so no state was mutated.
			lastErr = err
			continue
		}
		c.peers.put(f.Sender, s)
		return s, plain, nil
	}
	return nil, nil, errors.Wrap(errors.KindCrypto, "ensureResponderSession", fmt.Errorf("no identity generation matched handshake: %w", lastErr))
}

// SendText seals text for peer's ratchet session (establishing one via
// X3DH if none exists) and transmits it as the generic
// encrypted-transport frame, per spec.md §4.5/§6.
func (c *ClientCore) SendText(peer, text string) error {
	msgID, err := envelope.NewMsgID()
	if err != nil {
		return errors.Wrap(errors.KindCrypto, "SendText", err)
	}
	plain := envelope.Encode(envelope.Envelope{
		Header: envelope.Header{Type: envelope.TypeText, MsgID: msgID},
		Body:   envelope.TextBody{Text: text},
	})
	return c.sendEnvelope(peer, plain)
}

// sendEnvelope pads, ratchet-seals, and transmits an already-encoded
// envelope to peer. Every outbound envelope — including non-text hints
// like typing indicators — advances the sender's ratchet chain, so
// inbound sequence tracking never has to special-case a "silent" type.
func (c *ClientCore) sendEnvelope(peer string, plain []byte) error {
	if err := c.maybeRotateIdentity(); err != nil {
		return err
	}

	lock := c.peers.lockFor(peer)
	lock.Lock()
	defer lock.Unlock()

	s, handshake, err := c.ensureInitiatorSession(peer)
	if err != nil {
		return err
	}

	padded, err := padding.PadPayload(plain)
	if err != nil {
		return errors.Wrap(errors.KindCodec, "sendEnvelope", err)
	}

	selfName := c.username

	msg, err := s.Seal(padded, []byte(selfName))
	if err != nil {
		return errors.Wrap(errors.KindCrypto, "sendEnvelope", err)
	}
	if err := c.peers.persist(peer, s); err != nil {
		return errors.Wrap(errors.KindState, "sendEnvelope", err)
	}

	f := peerFrame{Sender: selfName, Header: msg.Header, Ciphertext: msg.Ciphertext}
	if handshake != nil {
		f.Kind = peerFrameKindHandshake
		f.EphemeralPub = handshake.EphemeralPub
		f.KEMCiphertext = handshake.KEMCiphertext
	} else {
		f.Kind = peerFrameKindMessage
	}

	sealed, err := c.sealedChannel()
	if err != nil {
		return err
	}
	body := append([]byte{routeKindPeer}, encodePeerFrame(f)...)
	wireBody, err := sealed.Seal(body)
	if err != nil {
		return errors.Wrap(errors.KindCrypto, "sendEnvelope", err)
	}

	respType, respPayload, err := c.transport.SendAndRecv(c.params, wire.FrameEncryptedTransport, wireBody)
	if err != nil {
		return errors.Wrap(errors.KindTransport, "sendEnvelope", err)
	}
	if err := checkRespType("sendEnvelope", respType, wire.FrameEncryptedTransport); err != nil {
		return err
	}
	if _, _, err := sealed.Open(respPayload); err != nil {
		return errors.Wrap(errors.KindCrypto, "sendEnvelope", err)
	}
	c.pushSyncEvent(devicesync.Event{Type: devicesync.EventSendPrivate, ConvID: peer, Envelope: plain})
	return nil
}

// sealedChannel returns the logged-in channel, or an error if Login has
// not been completed yet.
func (c *ClientCore) sealedChannel() (*channel.Channel, error) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	if c.channel == nil {
		return nil, errors.Wrap(errors.KindAuth, "sealedChannel", fmt.Errorf("not logged in"))
	}
	return c.channel, nil
}

// InboundEvent is a decoded envelope delivered to the UI layer, paired
// with the sender and, for group traffic, the group it was sent to.
type InboundEvent struct {
	Peer     string
	GroupID  string
	Envelope envelope.Envelope
}

// Inbound returns the channel InboundEvents are delivered on. The caller
// must keep draining it; once it's full, Poll drops the new event rather
// than blocking.
func (c *ClientCore) Inbound() <-chan InboundEvent { return c.inbox }

// Poll sends a Heartbeat frame, the way the teacher's periodicRetriever
// repeatedly asks its transport for anything new; a response carrying
// the generic encrypted-transport type means the server had a queued
// peer frame for this device, which Poll decrypts and delivers to
// Inbound.
func (c *ClientCore) Poll() error {
	respType, respPayload, err := c.transport.SendAndRecv(c.params, wire.FrameHeartbeat, nil)
	if err != nil {
		return errors.Wrap(errors.KindTransport, "Poll", err)
	}
	if respType != wire.FrameEncryptedTransport {
		return nil
	}
	return c.handleIncomingTransport(respPayload)
}

// handleIncomingTransport opens a channel-sealed frame and dispatches it
// by its leading route byte: a peerFrame establishes or advances a
// one-to-one ratchet session, a groupWireFrame opens against a
// sender-key chain, and a device-sync frame goes to SyncEvents. For peer
// and group frames the decoded envelope lands on Inbound, except a
// sender-key distribution, which the core absorbs itself; a sender-key
// request is delivered to Inbound like any other envelope.
func (c *ClientCore) handleIncomingTransport(raw []byte) error {
	sealed, err := c.sealedChannel()
	if err != nil {
		return err
	}
	payload, _, err := sealed.Open(raw)
	if err != nil {
		return errors.Wrap(errors.KindCrypto, "handleIncomingTransport", err)
	}
	if len(payload) < 1 {
		return errors.Wrap(errors.KindCodec, "handleIncomingTransport", wire.ErrShortInput)
	}
	route, body := payload[0], payload[1:]
	switch route {
	case routeKindGroup:
		return c.handleIncomingGroupFrame(body)
	case routeKindDeviceSync:
		return c.handleIncomingDeviceSync(body)
	default:
		return c.handleIncomingPeerFrame(body)
	}
}

func (c *ClientCore) handleIncomingPeerFrame(payload []byte) error {
	f, err := decodePeerFrame(payload)
	if err != nil {
		return errors.Wrap(errors.KindCodec, "handleIncomingTransport", err)
	}

	lock := c.peers.lockFor(f.Sender)
	lock.Lock()
	defer lock.Unlock()

	var s *ratchet.Session
	var padded []byte
	if f.Kind == peerFrameKindHandshake {
		s, padded, err = c.ensureResponderSession(f)
		if err != nil {
			return errors.Wrap(errors.KindCrypto, "handleIncomingTransport", err)
		}
	} else {
		s, err = c.peers.get(f.Sender)
		if err == nil && s == nil {
			err = fmt.Errorf("no established session with %s", f.Sender)
		}
		if err != nil {
			return errors.Wrap(errors.KindCrypto, "handleIncomingTransport", err)
		}
		padded, err = s.Open(ratchet.Message{Header: f.Header, Ciphertext: f.Ciphertext}, []byte(f.Sender))
		if err != nil {
			return errors.Wrap(errors.KindCrypto, "handleIncomingTransport", err)
		}
	}
	if err := c.peers.persist(f.Sender, s); err != nil {
		return errors.Wrap(errors.KindState, "handleIncomingTransport", err)
	}

	plain, err := padding.UnpadPayload(padded)
	if err != nil {
		return errors.Wrap(errors.KindCodec, "handleIncomingTransport", err)
	}
	env, err := envelope.Decode(plain)
	if err != nil {
		return errors.Wrap(errors.KindCodec, "handleIncomingTransport", err)
	}

	if dist, ok := env.Body.(envelope.GroupSenderKeyDistBody); ok {
		return c.adoptGroupKeyDist(f.Sender, dist)
	}

	c.deliver(InboundEvent{Peer: f.Sender, Envelope: env})
	return nil
}

// handleIncomingGroupFrame opens a group wire frame against the
// sender's adopted chain and delivers the decoded envelope to Inbound.
func (c *ClientCore) handleIncomingGroupFrame(payload []byte) error {
	gf, err := decodeGroupWireFrame(payload)
	if err != nil {
		return errors.Wrap(errors.KindCodec, "handleIncomingTransport", err)
	}
	env, err := c.openGroupWireFrame(gf)
	if err != nil {
		return err
	}
	c.deliver(InboundEvent{Peer: gf.Sender, GroupID: gf.GroupID, Envelope: env})
	return nil
}

// deliver enqueues event on Inbound, dropping it rather than blocking if
// the consumer has fallen behind.
func (c *ClientCore) deliver(event InboundEvent) {
	select {
	case c.inbox <- event:
	default:
		log.Warning("core: inbound event dropped, consumer not draining Inbound()")
	}
}
