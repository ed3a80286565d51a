package aead

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mi-e2ee/client/platform"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key := make([]byte, KeySize)
	require.NoError(t, platform.RandomBytes(key))
	nonce := make([]byte, NonceSize)
	require.NoError(t, platform.RandomBytes(nonce))

	ad := []byte("associated data")
	plaintext := []byte("the quick brown fox")

	ciphertext, err := Seal(nil, key, nonce, plaintext, ad)
	require.NoError(t, err)

	opened, err := Open(nil, key, nonce, ciphertext, ad)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)
}

func TestOpenRejectsTamperedAD(t *testing.T) {
	key := make([]byte, KeySize)
	nonce := make([]byte, NonceSize)
	ciphertext, err := Seal(nil, key, nonce, []byte("hello"), []byte("ad1"))
	require.NoError(t, err)
	_, err = Open(nil, key, nonce, ciphertext, []byte("ad2"))
	require.Error(t, err)
}

func TestHKDFTwoProducesDistinctOutputs(t *testing.T) {
	ikm := []byte("input key material")
	a, b, err := HKDFTwo(ikm, nil, "test-info")
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}
