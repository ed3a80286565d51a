package channel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func fixedKey(b byte) [32]byte {
	var k [32]byte
	for i := range k {
		k[i] = b
	}
	return k
}

func TestSealOpenRoundTrip(t *testing.T) {
	c := New("tok-123", fixedKey(1))
	sealed, err := c.Seal([]byte("hello server"))
	require.NoError(t, err)

	// The server sees the same token and echoes it back on responses.
	server := New("tok-123", fixedKey(1))
	payload, seq, err := server.Open(sealed)
	require.NoError(t, err)
	require.Equal(t, uint64(0), seq)
	require.Equal(t, []byte("hello server"), payload)
}

func TestSendSeqStrictlyMonotonic(t *testing.T) {
	c := New("tok", fixedKey(2))
	for want := uint64(0); want < 5; want++ {
		sealed, err := c.Seal([]byte("x"))
		require.NoError(t, err)
		_, seq, err := c.Open(sealed)
		require.NoError(t, err)
		require.Equal(t, want, seq)
	}
}

func TestOpenRejectsTokenMismatch(t *testing.T) {
	c := New("tok-a", fixedKey(3))
	sealed, err := c.Seal([]byte("x"))
	require.NoError(t, err)

	other := New("tok-b", fixedKey(3))
	_, _, err = other.Open(sealed)
	require.ErrorIs(t, err, ErrTokenMismatch)
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	c := New("tok", fixedKey(4))
	sealed, err := c.Seal([]byte("x"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xFF

	_, _, err = c.Open(sealed)
	require.Error(t, err)
}

func TestLogoutWipesKeyAndRejectsFurtherUse(t *testing.T) {
	c := New("tok", fixedKey(5))
	_, err := c.Seal([]byte("x"))
	require.NoError(t, err)

	c.Logout()
	require.Equal(t, [32]byte{}, c.key)
	require.Empty(t, c.Token())

	_, err = c.Seal([]byte("y"))
	require.ErrorIs(t, err, ErrLoggedOut)
}

func TestSealOverflowRejected(t *testing.T) {
	c := New("tok", fixedKey(6))
	c.sendSeq = ^uint64(0)
	_, err := c.Seal([]byte("x"))
	require.ErrorIs(t, err, ErrSeqOverflow)
}
