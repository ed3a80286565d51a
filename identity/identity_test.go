package identity

import (
	"crypto/ed25519"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mi-e2ee/client/crypto/vault"
)

func newTestVault(t *testing.T) *vault.Vault {
	t.Helper()
	v, err := vault.New("MI E2EE IDENTITY", "correct horse battery staple", filepath.Join(t.TempDir(), "identity.pem"), "alice@example.org", nil)
	require.NoError(t, err)
	return v
}

func TestNewGeneratesIdentityOnFirstRun(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m, err := New(newTestVault(t), DefaultRotationPolicy(), now)
	require.NoError(t, err)

	cur, err := m.Current()
	require.NoError(t, err)
	require.Len(t, cur.SigningPublic, 32)
	require.Len(t, cur.DHPublic, 32)
	require.Empty(t, m.Legacy())
}

func TestIdentityPersistsAcrossReload(t *testing.T) {
	v := newTestVault(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	m1, err := New(v, DefaultRotationPolicy(), now)
	require.NoError(t, err)
	first, err := m1.Current()
	require.NoError(t, err)

	v2, err := vault.New(v.Type, v.Passphrase, v.Path, v.Email, nil)
	require.NoError(t, err)
	m2, err := New(v2, DefaultRotationPolicy(), now)
	require.NoError(t, err)
	second, err := m2.Current()
	require.NoError(t, err)

	require.Equal(t, first.SigningPublic, second.SigningPublic)
	require.Equal(t, first.DHPrivate, second.DHPrivate)
}

func TestNeedsRotation(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m, err := New(newTestVault(t), RotationPolicy{RotationDays: 90, LegacyRetentionDays: 30}, now)
	require.NoError(t, err)

	require.False(t, m.NeedsRotation(now.Add(24*time.Hour)))
	require.True(t, m.NeedsRotation(now.Add(91*24*time.Hour)))
}

func TestRotateRetiresPreviousGenerationAndPrunesLegacy(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	policy := RotationPolicy{RotationDays: 90, LegacyRetentionDays: 30}
	m, err := New(newTestVault(t), policy, now)
	require.NoError(t, err)

	original, err := m.Current()
	require.NoError(t, err)

	rotateTime := now.Add(91 * 24 * time.Hour)
	require.NoError(t, m.Rotate(rotateTime))

	current, err := m.Current()
	require.NoError(t, err)
	require.NotEqual(t, original.SigningPublic, current.SigningPublic)
	require.Len(t, m.Legacy(), 1)

	gen, ok := m.FindBySigningPublic(original.SigningPublic)
	require.True(t, ok)
	require.Equal(t, original.SigningPrivate, gen.SigningPrivate)

	pastRetention := rotateTime.Add(31 * 24 * time.Hour)
	require.NoError(t, m.Rotate(pastRetention))
	require.Len(t, m.Legacy(), 1, "generation past retention window should be pruned")
}

func TestSignAndVerifyAcrossRotation(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m, err := New(newTestVault(t), DefaultRotationPolicy(), now)
	require.NoError(t, err)
	original, err := m.Current()
	require.NoError(t, err)

	msg := []byte("handshake transcript")
	sig := original.Sign(msg)

	require.NoError(t, m.Rotate(now.Add(200*24*time.Hour)))

	gen, ok := m.FindBySigningPublic(original.SigningPublic)
	require.True(t, ok)
	require.True(t, ed25519.Verify(gen.SigningPublic, msg, sig))
}
