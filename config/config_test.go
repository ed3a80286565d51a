package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mi-e2ee/client/transport"
	"github.com/mi-e2ee/client/trust"
)

const sampleConfig = `
[client]
server_ip = mix.example.org
server_port = 9443
use_tls = true
require_tls = true
tls_verify_mode = pin
tls_verify_hostname = true
tls_ca_bundle_path = /etc/ssl/certs/ca-bundle.crt

[kcp]
enable = true
server_port = 9444
mtu = 1350
snd_wnd = 128
rcv_wnd = 128
nodelay = 1
interval = 10
resend = 2
nc = 1
min_rto = 30
request_timeout_ms = 15000
session_idle_sec = 120

[proxy]
type = socks5
host = 127.0.0.1
port = 9050
username = alice
password = hunter2

[auth]
mode = opaque

[identity]
rotation_days = 30
legacy_retention_days = 7
tpm_enable = true
tpm_require = false

[kt]
require_signature = true
root_pubkey_hex = f41479034121c0081553a8e076111eefc867225f20287e72c5da8f022ab9f41f
gossip_alert_threshold = 5

[device_sync]
enabled = true
role = linked
key_path = /var/lib/mi/device_sync_key.bin
rotate_interval_sec = 3600
rotate_message_limit = 500
ratchet_enable = true
ratchet_max_skip = 32

[perf]
pqc_precompute_pool = 8

[traffic]
cover_traffic_interval_sec = 30
cover_traffic_jitter_pct = 20
`

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mi-client.ini")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestFromFileParsesEverySection(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	cfg, err := FromFile(path)
	require.NoError(t, err)

	require.Equal(t, "mix.example.org", cfg.Client.ServerIP)
	require.Equal(t, 9443, cfg.Client.ServerPort)
	require.True(t, cfg.Client.UseTLS)
	require.Equal(t, "pin", cfg.Client.TLSVerifyMode)

	require.True(t, cfg.KCP.Enable)
	require.Equal(t, 9444, cfg.KCP.ServerPort)
	require.Equal(t, 1350, cfg.KCP.MTU)

	require.Equal(t, "socks5", cfg.Proxy.Type)
	require.Equal(t, 9050, cfg.Proxy.Port)

	require.Equal(t, "opaque", cfg.Auth.Mode)

	require.Equal(t, 30, cfg.Identity.RotationDays)
	require.True(t, cfg.Identity.TPMEnable)

	require.True(t, cfg.KT.RequireSignature)
	require.EqualValues(t, 5, cfg.KT.GossipAlertThreshold)

	require.Equal(t, "linked", cfg.DeviceSync.Role)
	require.EqualValues(t, 500, cfg.DeviceSync.RotateMessageLimit)

	require.Equal(t, 8, cfg.Perf.PQCPrecomputePool)
	require.Equal(t, 30, cfg.Traffic.CoverTrafficIntervalSec)
}

func TestFromFileRejectsUnknownEnum(t *testing.T) {
	path := writeTempConfig(t, `
[client]
tls_verify_mode = trust_me_bro
`)
	_, err := FromFile(path)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestFromFileRejectsMissingFile(t *testing.T) {
	_, err := FromFile(filepath.Join(t.TempDir(), "does-not-exist.ini"))
	require.Error(t, err)
}

func TestDefaultPassesValidation(t *testing.T) {
	require.NoError(t, Default().validate())
}

func TestTrustModeMapping(t *testing.T) {
	cfg := Default()
	cfg.Client.TLSVerifyMode = "pin"
	require.Equal(t, trust.ModePin, cfg.TrustMode())
	cfg.Client.TLSVerifyMode = "cap"
	require.Equal(t, trust.ModeCap, cfg.TrustMode())
	cfg.Client.TLSVerifyMode = "ca"
	require.Equal(t, trust.ModeCA, cfg.TrustMode())
}

func TestTransportParamsPrefersKCPThenTLSThenTCP(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	cfg, err := FromFile(path)
	require.NoError(t, err)

	params := cfg.TransportParams([32]byte{})
	require.Equal(t, transport.ModeKCP, params.Mode)
	require.Equal(t, 9444, params.Port)

	cfg.KCP.Enable = false
	params = cfg.TransportParams([32]byte{})
	require.Equal(t, transport.ModeTLS, params.Mode)
	require.Equal(t, 9443, params.Port)

	cfg.Client.UseTLS = false
	params = cfg.TransportParams([32]byte{})
	require.Equal(t, transport.ModeTCP, params.Mode)
}

func TestIdentityRotationPolicyFromConfig(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	cfg, err := FromFile(path)
	require.NoError(t, err)

	policy := cfg.IdentityRotationPolicy()
	require.Equal(t, 30, policy.RotationDays)
	require.Equal(t, 7, policy.LegacyRetentionDays)
	require.True(t, policy.TPMEnable)
}

func TestDeviceSyncPolicyFromConfig(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	cfg, err := FromFile(path)
	require.NoError(t, err)

	policy := cfg.DeviceSyncPolicy(false)
	require.True(t, policy.Enabled)
	require.False(t, policy.IsPrimary)
	require.EqualValues(t, 500, policy.RotateMessageLimit)
	require.Equal(t, uint64(32), policy.RatchetMaxSkip)
}

func TestKTRootPubkeyFromHex(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	cfg, err := FromFile(path)
	require.NoError(t, err)

	pub, err := cfg.KTRootPubkey()
	require.NoError(t, err)
	require.Len(t, pub, 32)
}

func TestKTRootPubkeyNilWhenSignatureNotRequired(t *testing.T) {
	cfg := Default()
	pub, err := cfg.KTRootPubkey()
	require.NoError(t, err)
	require.Nil(t, pub)
}

func TestKTRootPubkeyFromPath(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "root.hex")
	require.NoError(t, os.WriteFile(keyPath, []byte("f41479034121c0081553a8e076111eefc867225f20287e72c5da8f022ab9f41f\n"), 0o600))

	path := writeTempConfig(t, `
[kt]
require_signature = true
root_pubkey_path = `+keyPath+`
`)
	cfg, err := FromFile(path)
	require.NoError(t, err)

	pub, err := cfg.KTRootPubkey()
	require.NoError(t, err)
	require.Len(t, pub, 32)
}

func TestKTRootPubkeyRequiredButMissing(t *testing.T) {
	path := writeTempConfig(t, `
[kt]
require_signature = true
`)
	cfg, err := FromFile(path)
	require.NoError(t, err)

	_, err = cfg.KTRootPubkey()
	require.ErrorIs(t, err, ErrInvalidConfig)
}
