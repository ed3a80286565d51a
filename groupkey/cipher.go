package groupkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/mi-e2ee/client/constants"
	"github.com/mi-e2ee/client/crypto/aead"
	"github.com/mi-e2ee/client/wire"
)

// ErrBadMagic is returned when decoding a buffer that does not begin with
// constants.GroupCipherMagic.
var ErrBadMagic = errors.New("groupkey: bad magic")

// ErrUnsupportedVersion is returned for a group cipher message whose wire
// version this core does not understand.
var ErrUnsupportedVersion = errors.New("groupkey: unsupported wire version")

const groupCipherVersion = 1

// CipherMessage is the decoded form of a MIGC-framed group ciphertext.
type CipherMessage struct {
	Version   uint32
	Iteration uint32
	GroupID   string
	Sender    string
	Nonce     []byte
	Tag       []byte
	Cipher    []byte
	Signature []byte
}

// additionalData builds "MI_GMSG_AD_V1" || group || sender || u32(ver) ||
// u32(iter), the AEAD associated data spec.md §4.6 specifies.
func additionalData(groupID, sender string, version, iteration uint32) []byte {
	buf := []byte(constants.GroupMessageADCtx)
	buf = append(buf, []byte(groupID)...)
	buf = append(buf, []byte(sender)...)
	buf = wire.WriteUint32(version, buf)
	buf = wire.WriteUint32(iteration, buf)
	return buf
}

// Seal encrypts plaintext under the chain's next message key, advancing
// the chain by one step, and signs the result under the sender's
// identity signing key. The returned bytes are the full MIGC-framed wire
// message, ready to transmit.
func Seal(c *Chain, identitySigPriv ed25519.PrivateKey, plaintext []byte) ([]byte, error) {
	mk, iteration, err := c.NextSendKey()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ad := additionalData(c.GroupID, c.Sender, c.Version, iteration)
	sealed, err := aead.Seal(nil, mk[:], nonce, plaintext, ad)
	if err != nil {
		return nil, fmt.Errorf("groupkey: seal: %w", err)
	}
	cipherOnly := sealed[:len(sealed)-aead.TagSize]
	tag := sealed[len(sealed)-aead.TagSize:]

	msg := CipherMessage{
		Version:   c.Version,
		Iteration: iteration,
		GroupID:   c.GroupID,
		Sender:    c.Sender,
		Nonce:     nonce,
		Tag:       tag,
		Cipher:    cipherOnly,
	}
	signable := msg.encodeUnsigned()
	msg.Signature = ed25519.Sign(identitySigPriv, signable)
	return msg.encode(), nil
}

// Open verifies the sender's signature, looks up (or derives, handling
// out-of-order delivery) the message key for the claimed iteration, and
// decrypts the message.
func Open(c *Chain, senderSigPub ed25519.PublicKey, wireBytes []byte) ([]byte, error) {
	msg, err := decode(wireBytes)
	if err != nil {
		return nil, err
	}
	if !ed25519.Verify(senderSigPub, msg.encodeUnsigned(), msg.Signature) {
		return nil, errors.New("groupkey: signature verification failed")
	}
	if msg.Version != c.Version {
		return nil, ErrVersionRegression
	}

	mk, err := c.KeyForIteration(msg.Iteration)
	if err != nil {
		return nil, err
	}

	ad := additionalData(msg.GroupID, msg.Sender, msg.Version, msg.Iteration)
	sealed := append(append([]byte{}, msg.Cipher...), msg.Tag...)
	plaintext, err := aead.Open(nil, mk[:], msg.Nonce, sealed, ad)
	if err != nil {
		return nil, fmt.Errorf("groupkey: open: %w", err)
	}
	return plaintext, nil
}

func (m CipherMessage) encodeUnsigned() []byte {
	buf := []byte(constants.GroupCipherMagic)
	buf = append(buf, byte(groupCipherVersion))
	buf = wire.WriteUint32(m.Version, buf)
	buf = wire.WriteUint32(m.Iteration, buf)
	buf = wire.WriteString(m.GroupID, buf)
	buf = wire.WriteString(m.Sender, buf)
	buf = wire.WriteBytes(m.Nonce, buf)
	buf = wire.WriteBytes(m.Tag, buf)
	buf = wire.WriteBytes(m.Cipher, buf)
	return buf
}

func (m CipherMessage) encode() []byte {
	buf := m.encodeUnsigned()
	buf = wire.WriteBytes(m.Signature, buf)
	return buf
}

func decode(in []byte) (CipherMessage, error) {
	var m CipherMessage
	if len(in) < 5 || string(in[:4]) != constants.GroupCipherMagic {
		return m, ErrBadMagic
	}
	if in[4] != groupCipherVersion {
		return m, ErrUnsupportedVersion
	}
	off := 5
	var err error
	if m.Version, err = wire.ReadUint32(in, &off); err != nil {
		return m, err
	}
	if m.Iteration, err = wire.ReadUint32(in, &off); err != nil {
		return m, err
	}
	if m.GroupID, err = wire.ReadString(in, &off); err != nil {
		return m, err
	}
	if m.Sender, err = wire.ReadString(in, &off); err != nil {
		return m, err
	}
	if m.Nonce, err = wire.ReadBytes(in, &off); err != nil {
		return m, err
	}
	if m.Tag, err = wire.ReadBytes(in, &off); err != nil {
		return m, err
	}
	if m.Cipher, err = wire.ReadBytes(in, &off); err != nil {
		return m, err
	}
	if m.Signature, err = wire.ReadBytes(in, &off); err != nil {
		return m, err
	}
	return m, nil
}
