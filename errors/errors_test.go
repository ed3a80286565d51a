package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

var errSentinel = errors.New("sentinel failure")

func TestWrapNilReturnsNil(t *testing.T) {
	require.NoError(t, Wrap(KindTransport, "Connect", nil))
}

func TestWrapPreservesUnderlyingErrorForIs(t *testing.T) {
	wrapped := Wrap(KindTrust, "Connect", errSentinel)
	require.ErrorIs(t, wrapped, errSentinel)
}

func TestKindOfReturnsWrappedKind(t *testing.T) {
	wrapped := Wrap(KindKT, "VerifyInclusion", errSentinel)
	require.Equal(t, KindKT, KindOf(wrapped))
}

func TestKindOfUnwrappedErrorIsUnknown(t *testing.T) {
	require.Equal(t, KindUnknown, KindOf(errSentinel))
}

func TestIsMatchesOnlyItsOwnKind(t *testing.T) {
	wrapped := Wrap(KindCodec, "DecodeBlob", errSentinel)
	require.True(t, Is(wrapped, KindCodec))
	require.False(t, Is(wrapped, KindCrypto))
}

func TestErrorMessageIncludesOpAndKind(t *testing.T) {
	wrapped := Wrap(KindAuth, "Login", errSentinel)
	require.Contains(t, wrapped.Error(), "Login")
	require.Contains(t, wrapped.Error(), "auth")
	require.Contains(t, wrapped.Error(), "sentinel failure")
}

func TestKindStringCoversAllKinds(t *testing.T) {
	kinds := []ErrorKind{
		KindConfig, KindTransport, KindTrust, KindAuth, KindProtocol,
		KindCrypto, KindKT, KindState, KindCodec, KindDeviceSync,
	}
	for _, k := range kinds {
		require.NotEqual(t, "unknown", k.String())
	}
	require.Equal(t, "unknown", KindUnknown.String())
}
