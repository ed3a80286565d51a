package core

import (
	"crypto/ed25519"
	"fmt"

	"github.com/mi-e2ee/client/crypto/kem"
	"github.com/mi-e2ee/client/errors"
	"github.com/mi-e2ee/client/kt"
	"github.com/mi-e2ee/client/ratchet"
	"github.com/mi-e2ee/client/wire"
)

// ownPrekeys is the per-identity-generation handshake material this
// device publishes for others to fetch: a signed prekey and matching
// X25519 private half, an ML-KEM-768 keypair, and a one-time prekey map.
// generateOwnPrekeys leaves the one-time map empty and the responder path
// passes no one-time prekey to Respond, so no one-time prekey is ever
// published or consumed.
type ownPrekeys struct {
	SignedPrekeyPub  ratchet.PublicKey
	SignedPrekeyPriv ratchet.KeyPair
	KEMPub           []byte
	KEMPriv          []byte
	OneTimePriv      map[string]ratchet.KeyPair // keyed by the pub key's hex; always empty
}

// encodeBundle serializes a PrekeyBundle as bytes(identity_sig_pub) ||
// bytes(identity_dh_pub) || bytes(signed_prekey_pub) ||
// bytes(signed_prekey_sig) || bytes(one_time_prekey_pub) ||
// bytes(kem_pub). spec.md leaves the bundle's own byte layout unspecified
// (it only fixes the surrounding PreKeyFetch response shape), so this
// wrapping is this client's own choice, symmetric with decodeBundle.
func encodeBundle(b ratchet.PrekeyBundle) []byte {
	out := wire.WriteBytes(b.IdentitySigPub, nil)
	out = wire.WriteBytes(b.IdentityDHPub, out)
	out = wire.WriteBytes(b.SignedPrekeyPub, out)
	out = wire.WriteBytes(b.SignedPrekeySig, out)
	out = wire.WriteBytes(b.OneTimePrekeyPub, out)
	out = wire.WriteBytes(b.KEMPublicKey, out)
	return out
}

func decodeBundle(in []byte) (ratchet.PrekeyBundle, error) {
	var b ratchet.PrekeyBundle
	off := 0
	sigPub, err := wire.ReadBytes(in, &off)
	if err != nil {
		return b, err
	}
	dhPub, err := wire.ReadBytes(in, &off)
	if err != nil {
		return b, err
	}
	spkPub, err := wire.ReadBytes(in, &off)
	if err != nil {
		return b, err
	}
	spkSig, err := wire.ReadBytes(in, &off)
	if err != nil {
		return b, err
	}
	otPub, err := wire.ReadBytes(in, &off)
	if err != nil {
		return b, err
	}
	kemPub, err := wire.ReadBytes(in, &off)
	if err != nil {
		return b, err
	}
	b.IdentitySigPub = ed25519.PublicKey(sigPub)
	b.IdentityDHPub = ratchet.PublicKey(dhPub)
	b.SignedPrekeyPub = ratchet.PublicKey(spkPub)
	b.SignedPrekeySig = spkSig
	if len(otPub) > 0 {
		b.OneTimePrekeyPub = ratchet.PublicKey(otPub)
	}
	b.KEMPublicKey = kemPub
	return b, nil
}

// decodeBundleProof decodes the kt.BundleProof fields that ride alongside
// the bundle in a PreKeyFetch response: u32(kt_version) || u64(tree_size)
// || bytes(root32) || u64(leaf_index) || u32(audit_count) ||
// audit_nodes[32]* || u32(cons_count) || cons_nodes[32]* ||
// bytes(sth_sig), per spec.md §6.
func decodeBundleProof(username string, b ratchet.PrekeyBundle, in []byte, off *int) (kt.BundleProof, error) {
	var p kt.BundleProof
	ktVersion, err := wire.ReadUint32(in, off)
	if err != nil {
		return p, err
	}
	if ktVersion != 1 {
		return p, fmt.Errorf("core: unsupported kt bundle proof version %d", ktVersion)
	}
	treeSize, err := wire.ReadUint64(in, off)
	if err != nil {
		return p, err
	}
	root, err := wire.ReadFixed(in, off, 32)
	if err != nil {
		return p, err
	}
	leafIndex, err := wire.ReadUint64(in, off)
	if err != nil {
		return p, err
	}
	auditCount, err := wire.ReadUint32(in, off)
	if err != nil {
		return p, err
	}
	audit := make([]kt.LeafHash, auditCount)
	for i := range audit {
		node, err := wire.ReadFixed(in, off, 32)
		if err != nil {
			return p, err
		}
		copy(audit[i][:], node)
	}
	consCount, err := wire.ReadUint32(in, off)
	if err != nil {
		return p, err
	}
	cons := make([]kt.LeafHash, consCount)
	for i := range cons {
		node, err := wire.ReadFixed(in, off, 32)
		if err != nil {
			return p, err
		}
		copy(cons[i][:], node)
	}
	sthSig, err := wire.ReadBytes(in, off)
	if err != nil {
		return p, err
	}

	p.Username = username
	p.IdentitySigPub = b.IdentitySigPub
	p.IdentityDHPub = b.IdentityDHPub
	p.TreeSizeNew = treeSize
	copy(p.RootNew[:], root)
	p.LeafIndex = leafIndex
	p.AuditPath = audit
	p.ConsistencyPath = cons
	p.STHSignature = sthSig
	return p, nil
}

// generateOwnPrekeys creates a fresh signed-prekey, KEM keypair, and no
// one-time prekeys (those are provisioned separately and replenished as
// the server reports them consumed — spec.md leaves one-time prekey pool
// management server-driven, so the core publishes a bundle with none and
// relies on the 3-DH path; the fourth DH is simply skipped).
func generateOwnPrekeys(engine ratchet.Engine, identitySigPriv ed25519.PrivateKey) (*ownPrekeys, error) {
	spkPriv, err := engine.Generate()
	if err != nil {
		return nil, fmt.Errorf("core: generate signed prekey: %w", err)
	}
	kemPub, kemPriv, err := kem.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("core: generate kem keypair: %w", err)
	}
	return &ownPrekeys{
		SignedPrekeyPub:  engine.Public(spkPriv),
		SignedPrekeyPriv: spkPriv,
		KEMPub:           kemPub,
		KEMPriv:          kemPriv,
		OneTimePriv:      make(map[string]ratchet.KeyPair),
	}, nil
}

// maybeRotateIdentity checks the current identity generation's age
// against rotation_days (spec.md §4.5) and, if rotation is due,
// generates a fresh identity pair and republishes the prekey bundle
// under it. identity.Manager.Rotate itself retains the outgoing
// generation for legacy_retention_days so ensureResponderSession can
// still answer a peer whose cached bundle predates the rotation.
func (c *ClientCore) maybeRotateIdentity() error {
	now := c.clock.Now()
	if !c.identity.NeedsRotation(now) {
		return nil
	}
	if err := c.identity.Rotate(now); err != nil {
		return errors.Wrap(errors.KindCrypto, "maybeRotateIdentity", err)
	}
	log.Info("core: identity rotated, republishing prekey bundle")
	return c.PublishPrekeyBundle()
}

// PublishPrekeyBundle generates fresh handshake material under the
// current identity generation and publishes it via the PreKeyPublish
// frame (spec.md §6). The server is expected to fold the bundle into its
// Key Transparency tree so peers that fetch it can verify inclusion.
func (c *ClientCore) PublishPrekeyBundle() error {
	gen, err := c.identity.Current()
	if err != nil {
		return errors.Wrap(errors.KindCrypto, "PublishPrekeyBundle", err)
	}
	prekeys, err := generateOwnPrekeys(c.ratchetEngine, gen.SigningPrivate)
	if err != nil {
		return errors.Wrap(errors.KindCrypto, "PublishPrekeyBundle", err)
	}

	bundle := ratchet.PrekeyBundle{
		IdentitySigPub:  gen.SigningPublic,
		IdentityDHPub:   ratchet.PublicKey(gen.DHPublic),
		SignedPrekeyPub: prekeys.SignedPrekeyPub,
		SignedPrekeySig: ratchet.SignPrekey(gen.SigningPrivate, prekeys.SignedPrekeyPub),
		KEMPublicKey:    prekeys.KEMPub,
	}

	c.peers.setOwnPrekeys(prekeys)

	payload := wire.WriteBytes(encodeBundle(bundle), nil)
	respType, respPayload, err := c.transport.SendAndRecv(c.params, wire.FramePreKeyPublish, payload)
	if err != nil {
		return errors.Wrap(errors.KindTransport, "PublishPrekeyBundle", err)
	}
	if err := checkRespType("PublishPrekeyBundle", respType, wire.FramePreKeyPublish); err != nil {
		return err
	}
	ok, errMsg, err := decodePreKeyPublishResponse(respPayload)
	if err != nil {
		return errors.Wrap(errors.KindCodec, "PublishPrekeyBundle", err)
	}
	if !ok {
		return errors.Wrap(errors.KindProtocol, "PublishPrekeyBundle", fmt.Errorf("server rejected bundle: %s", errMsg))
	}
	return nil
}

// fetchVerifiedBundle fetches peer's current prekey bundle and verifies
// its Key Transparency inclusion/consistency proof before returning it —
// spec.md §4.5 step 1 requires this check before any handshake material
// is trusted.
func (c *ClientCore) fetchVerifiedBundle(peer string) (ratchet.PrekeyBundle, error) {
	payload := encodePreKeyFetchRequest(peer, c.kt.TreeSize)
	respType, respPayload, err := c.transport.SendAndRecv(c.params, wire.FramePreKeyFetch, payload)
	if err != nil {
		return ratchet.PrekeyBundle{}, errors.Wrap(errors.KindTransport, "fetchVerifiedBundle", err)
	}
	if err := checkRespType("fetchVerifiedBundle", respType, wire.FramePreKeyFetch); err != nil {
		return ratchet.PrekeyBundle{}, err
	}
	if len(respPayload) < 1 {
		return ratchet.PrekeyBundle{}, errors.Wrap(errors.KindCodec, "fetchVerifiedBundle", wire.ErrShortInput)
	}
	off := 0
	ok := respPayload[off] != 0
	off++
	if !ok {
		return ratchet.PrekeyBundle{}, errors.Wrap(errors.KindProtocol, "fetchVerifiedBundle", fmt.Errorf("no bundle published for %s", peer))
	}
	bundleBytes, err := wire.ReadBytes(respPayload, &off)
	if err != nil {
		return ratchet.PrekeyBundle{}, errors.Wrap(errors.KindCodec, "fetchVerifiedBundle", err)
	}
	bundle, err := decodeBundle(bundleBytes)
	if err != nil {
		return ratchet.PrekeyBundle{}, errors.Wrap(errors.KindCodec, "fetchVerifiedBundle", err)
	}
	if err := bundle.Verify(); err != nil {
		return ratchet.PrekeyBundle{}, errors.Wrap(errors.KindCrypto, "fetchVerifiedBundle", err)
	}
	proof, err := decodeBundleProof(peer, bundle, respPayload, &off)
	if err != nil {
		return ratchet.PrekeyBundle{}, errors.Wrap(errors.KindCodec, "fetchVerifiedBundle", err)
	}
	if err := c.kt.VerifyBundle(proof); err != nil {
		return ratchet.PrekeyBundle{}, errors.Wrap(errors.KindKT, "fetchVerifiedBundle", err)
	}
	c.groups.learnSigningKey(peer, bundle.IdentitySigPub)
	return bundle, nil
}
