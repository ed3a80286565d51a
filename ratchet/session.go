package ratchet

import (
	"crypto/hmac"
	"fmt"

	"github.com/mi-e2ee/client/constants"
)

// State is the full ratchet state for one conversation direction pair.
// It is persisted after every Seal/Open so a crash mid-conversation loses
// at most the in-flight message.
type State struct {
	DHs PrivateKeyOrNil
	DHr PublicKey
	RK  RootKey
	CKs ChainKey
	CKr ChainKey
	Ns  uint32
	Nr  uint32
	PN  uint32
}

// PrivateKeyOrNil is a KeyPair that may be absent (the responder has no
// current sending key pair until it has received at least one message).
type PrivateKeyOrNil = KeyPair

// Clone deep-copies the state so a failed Open never corrupts the live
// session.
func (s *State) Clone() *State {
	return &State{
		DHs: append(KeyPair(nil), s.DHs...),
		DHr: append(PublicKey(nil), s.DHr...),
		RK:  append(RootKey(nil), s.RK...),
		CKs: append(ChainKey(nil), s.CKs...),
		CKr: append(ChainKey(nil), s.CKr...),
		Ns:  s.Ns,
		Nr:  s.Nr,
		PN:  s.PN,
	}
}

// Message is a single ratchet-protected envelope body.
type Message struct {
	Header     Header
	Ciphertext []byte
}

// Session drives the ratchet for one conversation (or one device pair
// within a group, or a device-sync link) forward, sealing outbound
// messages and opening inbound ones while tolerating reordering and
// occasional loss within the bounds configured on its Store.
type Session struct {
	engine Engine
	state  *State
	store  Store
}

// NewInitiator creates a Session for the party that computed the X3DH
// shared secret and is the first to send. peer is the responder's
// signed-prekey-bundle ratchet public key.
func NewInitiator(engine Engine, sk RootKey, peer PublicKey, store Store) (*Session, error) {
	if store == nil {
		store = NewMemoryStore()
	}
	priv, err := engine.Generate()
	if err != nil {
		return nil, fmt.Errorf("ratchet: generate initial key pair: %w", err)
	}
	dh, err := engine.DH(priv, peer)
	if err != nil {
		return nil, fmt.Errorf("ratchet: initial DH: %w", err)
	}
	rk, ck := engine.KDFrk(sk, dh)
	return &Session{
		engine: engine,
		store:  store,
		state: &State{
			DHs: priv,
			DHr: peer,
			RK:  rk,
			CKs: ck,
		},
	}, nil
}

// NewResponder creates a Session for the party that published the
// prekey bundle and waits for the initiator's first message. priv is the
// long-lived (or signed prekey) private key the initiator DH'd against.
func NewResponder(engine Engine, sk RootKey, priv KeyPair, store Store) (*Session, error) {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Session{
		engine: engine,
		store:  store,
		state: &State{
			DHs: priv,
			RK:  sk,
		},
	}, nil
}

// Resume reconstructs a Session from previously persisted state, for
// example after a process restart.
func Resume(engine Engine, state *State, store Store) *Session {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Session{engine: engine, state: state, store: store}
}

// State exposes the current session state for persistence by the caller.
func (s *Session) State() *State {
	return s.state
}

// Seal advances the sending chain by one step and encrypts plaintext.
func (s *Session) Seal(plaintext, ad []byte) (Message, error) {
	state := s.state
	cks, mk := s.engine.KDFck(state.CKs)

	h := Header{
		DHPublic: s.engine.Public(state.DHs),
		PN:       state.PN,
		N:        state.Ns,
	}
	ciphertext, err := s.engine.Seal(mk, plaintext, headerAD(ad, h))
	if err != nil {
		return Message{}, fmt.Errorf("ratchet: seal: %w", err)
	}

	state.CKs = cks
	state.Ns++
	if err := s.store.Save(state); err != nil {
		return Message{}, err
	}
	return Message{Header: h, Ciphertext: ciphertext}, nil
}

// Open decrypts msg, transparently handling out-of-order delivery (by
// consulting or populating the skipped-key store) and DH ratchet steps
// (when the header carries a new peer public key).
func (s *Session) Open(msg Message, ad []byte) ([]byte, error) {
	h := msg.Header

	if mk, err := s.store.LoadKey(h.N, h.DHPublic); err == nil {
		plaintext, err := s.engine.Open(mk, msg.Ciphertext, headerAD(ad, h))
		if err != nil {
			return nil, fmt.Errorf("ratchet: open skipped message: %w", err)
		}
		_ = s.store.DeleteKey(h.N, h.DHPublic)
		return plaintext, nil
	} else if err != ErrKeyNotFound {
		return nil, err
	}

	tmp := s.state.Clone()

	if !hmac.Equal(h.DHPublic, tmp.DHr) {
		if err := tmp.skip(s.store, s.engine, h.PN); err != nil {
			return nil, err
		}
		if err := tmp.dhRatchet(s.engine, h.DHPublic); err != nil {
			return nil, err
		}
	}
	if err := tmp.skip(s.store, s.engine, h.N); err != nil {
		return nil, err
	}

	var mk MessageKey
	tmp.CKr, mk = s.engine.KDFck(tmp.CKr)
	tmp.Nr++

	plaintext, err := s.engine.Open(mk, msg.Ciphertext, headerAD(ad, h))
	if err != nil {
		return nil, fmt.Errorf("ratchet: open: %w", err)
	}
	if err := s.store.Save(tmp); err != nil {
		return nil, err
	}
	s.state = tmp
	return plaintext, nil
}

// skip derives and stores a message key for every index in [Nr, until),
// bounded by constants.MaxSkipPerChain for this single step.
func (s *State) skip(store Store, engine Engine, until uint32) error {
	if s.CKr == nil {
		return nil
	}
	if until < s.Nr {
		return nil
	}
	if until-s.Nr > constants.MaxSkipPerChain {
		return ErrTooManySkipped
	}
	for s.Nr < until {
		var mk MessageKey
		s.CKr, mk = engine.KDFck(s.CKr)
		if err := store.StoreKey(s.Nr, s.DHr, mk); err != nil {
			return err
		}
		s.Nr++
	}
	return nil
}

// dhRatchet performs a Diffie-Hellman ratchet step on receipt of a new
// peer public key: close out the receiving chain under the old key pair,
// generate a fresh sending key pair, and open a new sending chain.
func (s *State) dhRatchet(engine Engine, pub PublicKey) error {
	s.PN = s.Ns
	s.Ns = 0
	s.Nr = 0
	s.DHr = pub

	dh, err := engine.DH(s.DHs, s.DHr)
	if err != nil {
		return fmt.Errorf("ratchet: dh ratchet (recv leg): %w", err)
	}
	s.RK, s.CKr = engine.KDFrk(s.RK, dh)

	s.DHs, err = engine.Generate()
	if err != nil {
		return fmt.Errorf("ratchet: dh ratchet (generate): %w", err)
	}
	dh, err = engine.DH(s.DHs, s.DHr)
	if err != nil {
		return fmt.Errorf("ratchet: dh ratchet (send leg): %w", err)
	}
	s.RK, s.CKs = engine.KDFrk(s.RK, dh)
	return nil
}
