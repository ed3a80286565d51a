package vault

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVaultOpenSeal(t *testing.T) {
	assert := assert.New(t)

	tmpfile, err := os.CreateTemp("", "vault")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	passphrase := "up up down down left right right left"
	v1, err := New("identity-sig", passphrase, tmpfile.Name(), "alice", nil)
	assert.NoError(err, "vault creation failed")

	plaintext1 := "war is peace freedom is slavery ignorance is strength"
	assert.NoError(v1.Seal([]byte(plaintext1)))

	plaintext2, err := v1.Open()
	assert.NoError(err, "vault open failed")
	assert.Equal(plaintext1, string(plaintext2))
}

func TestVaultWithHardwareSecret(t *testing.T) {
	assert := assert.New(t)

	tmpfile, err := os.CreateTemp("", "vault-hw")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	hw := []byte("tpm-sealed-secret-bytes")
	v1, err := New("identity-dh", "correct horse battery staple", tmpfile.Name(), "bob", hw)
	assert.NoError(err)
	assert.NoError(v1.Seal([]byte("identity private key bytes")))

	plaintext, err := v1.Open()
	assert.NoError(err)
	assert.Equal("identity private key bytes", string(plaintext))

	// Opening with the same passphrase but no hardware secret must fail:
	// the hardware-bound vault cannot be opened on a different device.
	v2, err := New("identity-dh", "correct horse battery staple", tmpfile.Name(), "bob", nil)
	assert.NoError(err)
	_, err = v2.Open()
	assert.Error(err)
}

func TestVaultRejectsShortPassphrase(t *testing.T) {
	_, err := New("identity-sig", "short", "/tmp/whatever", "alice", nil)
	assert.Error(t, err)
}
