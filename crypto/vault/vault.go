// Package vault implements at-rest encryption for long-term identity key
// material. It key-stretches a user passphrase with argon2id, optionally
// mixes in a hardware-backed secret (TPM-sealed blob, per the identity
// rotation policy's tpm_enable/tpm_require flags), and seals the plaintext
// with NaCl SecretBox before writing it to a PEM file on disk.
package vault

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/pem"
	"errors"
	"io"
	"os"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// argon2SaltSize is the salt size in bytes for use with argon2id.
	argon2SaltSize = 16

	// passphraseMinSize is the minimum allowed passphrase size in bytes.
	passphraseMinSize = 12

	// secretboxNonceSize is the nonce size in bytes for NaCl SecretBox.
	secretboxNonceSize = 24

	argon2Time    = 3
	argon2Memory  = 64 * 1024
	argon2Threads = 2
	argon2KeyLen  = 32
)

var hkdfInfo = []byte("mi_e2ee_vault_hw_mix_v1")

// Vault encrypts sensitive data to disk. It is used to wrap identity
// signing/DH private keys between process restarts.
type Vault struct {
	Type       string
	Passphrase string
	Path       string
	Email      string

	// HWSecret, when non-nil, is an additional secret obtained from a
	// hardware-backed keystore (TPM). It is HKDF-mixed into the
	// passphrase-derived key so that the vault cannot be opened with the
	// passphrase alone when tpm_require is set.
	HWSecret []byte
}

// New creates a new Vault. hwSecret may be nil when no hardware-backed
// secret is configured.
func New(vaultType, passphrase, path, email string, hwSecret []byte) (*Vault, error) {
	if len(passphrase) < passphraseMinSize {
		return nil, errors.New("vault: passphrase too short")
	}
	v := &Vault{
		Type:       vaultType,
		Email:      email,
		Passphrase: passphrase,
		Path:       path,
		HWSecret:   hwSecret,
	}
	return v, nil
}

// stretch derives a 32-byte sealing key from the passphrase, salt, and any
// configured hardware secret.
func (v *Vault) stretch(salt []byte) ([32]byte, error) {
	var key [32]byte
	out := argon2.IDKey([]byte(v.Passphrase), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	if len(v.HWSecret) == 0 {
		copy(key[:], out)
		return key, nil
	}
	h := hkdf.New(sha256.New, append(out, v.HWSecret...), salt, hkdfInfo)
	if _, err := io.ReadFull(h, key[:]); err != nil {
		return key, err
	}
	return key, nil
}

// Open returns the decrypted contents of the vault.
func (v *Vault) Open() ([]byte, error) {
	pemPayload, err := os.ReadFile(v.Path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(pemPayload)
	if block == nil {
		return nil, errors.New("vault: failed to decode pem file")
	}
	if len(block.Bytes) < argon2SaltSize+secretboxNonceSize {
		return nil, errors.New("vault: truncated vault file")
	}

	salt := block.Bytes[:argon2SaltSize]
	rest := block.Bytes[argon2SaltSize:]
	var nonce [secretboxNonceSize]byte
	copy(nonce[:], rest[:secretboxNonceSize])
	ciphertext := rest[secretboxNonceSize:]

	key, err := v.stretch(salt)
	if err != nil {
		return nil, err
	}

	plaintext, ok := secretbox.Open(nil, ciphertext, &nonce, &key)
	if !ok {
		return nil, errors.New("vault: NaCl secretbox authentication failed")
	}
	return plaintext, nil
}

// Seal encrypts plaintext and writes it to the vault file on disk.
func (v *Vault) Seal(plaintext []byte) error {
	salt := make([]byte, argon2SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	key, err := v.stretch(salt)
	if err != nil {
		return err
	}

	var nonce [secretboxNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return err
	}

	ciphertext := secretbox.Seal(nil, plaintext, &nonce, &key)

	payload := make([]byte, 0, argon2SaltSize+secretboxNonceSize+len(ciphertext))
	payload = append(payload, salt...)
	payload = append(payload, nonce[:]...)
	payload = append(payload, ciphertext...)

	headers := map[string]string{"email": v.Email}
	block := &pem.Block{
		Type:    v.Type,
		Headers: headers,
		Bytes:   payload,
	}
	buf := new(bytes.Buffer)
	if err := pem.Encode(buf, block); err != nil {
		return err
	}
	return os.WriteFile(v.Path, buf.Bytes(), 0600)
}
