// Package config loads the ini-style configuration file spec.md §6
// describes and materializes it into the policy/params structs each
// component package expects (transport.Params, identity.RotationPolicy,
// devicesync.Policy, trust.Mode, and the KT verifier's constructor
// arguments).
package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/ini.v1"
	"gopkg.in/op/go-logging.v1"

	"github.com/mi-e2ee/client/constants"
	"github.com/mi-e2ee/client/devicesync"
	"github.com/mi-e2ee/client/identity"
	"github.com/mi-e2ee/client/transport"
	"github.com/mi-e2ee/client/trust"
)

var log = logging.MustGetLogger("mi-e2ee/config")

// ErrInvalidConfig is returned when a config file's values are
// individually well-typed but combine into a nonsensical setting (e.g.
// an unknown enum value).
var ErrInvalidConfig = errors.New("config: invalid value")

// ClientConfig is the [client] section: remote endpoint and transport
// security.
type ClientConfig struct {
	ServerIP   string `ini:"server_ip"`
	ServerPort int    `ini:"server_port"`

	UseTLS            bool   `ini:"use_tls"`
	RequireTLS        bool   `ini:"require_tls"`
	TLSVerifyMode     string `ini:"tls_verify_mode"`
	TLSVerifyHostname bool   `ini:"tls_verify_hostname"`
	TLSCABundlePath   string `ini:"tls_ca_bundle_path"`
}

// KCPConfig is the [kcp] section: reliable-UDP transport tuning.
type KCPConfig struct {
	Enable     bool `ini:"enable"`
	ServerPort int  `ini:"server_port"`
	MTU        int  `ini:"mtu"`
	SndWnd     int  `ini:"snd_wnd"`
	RcvWnd     int  `ini:"rcv_wnd"`
	NoDelay    int  `ini:"nodelay"`
	Interval   int  `ini:"interval"`
	Resend     int  `ini:"resend"`
	NC         int  `ini:"nc"`
	MinRTO     int  `ini:"min_rto"`

	RequestTimeoutMS int `ini:"request_timeout_ms"`
	SessionIdleSec   int `ini:"session_idle_sec"`
}

// ProxyConfig is the [proxy] section.
type ProxyConfig struct {
	Type     string `ini:"type"`
	Host     string `ini:"host"`
	Port     int    `ini:"port"`
	Username string `ini:"username"`
	Password string `ini:"password"`
}

// AuthConfig is the [auth] section: login protocol selection.
type AuthConfig struct {
	Mode string `ini:"mode"`
}

// IdentityConfig is the [identity] section: rotation policy.
type IdentityConfig struct {
	RotationDays        int  `ini:"rotation_days"`
	LegacyRetentionDays int  `ini:"legacy_retention_days"`
	TPMEnable           bool `ini:"tpm_enable"`
	TPMRequire          bool `ini:"tpm_require"`
}

// KTConfig is the [kt] section: Key-Transparency verifier policy.
type KTConfig struct {
	RequireSignature     bool   `ini:"require_signature"`
	RootPubkeyPath       string `ini:"root_pubkey_path"`
	RootPubkeyHex        string `ini:"root_pubkey_hex"`
	GossipAlertThreshold uint32 `ini:"gossip_alert_threshold"`
}

// DeviceSyncConfig is the [device_sync] section.
type DeviceSyncConfig struct {
	Enabled            bool   `ini:"enabled"`
	Role               string `ini:"role"`
	KeyPath            string `ini:"key_path"`
	RotateIntervalSec  int64  `ini:"rotate_interval_sec"`
	RotateMessageLimit uint64 `ini:"rotate_message_limit"`
	RatchetEnable      bool   `ini:"ratchet_enable"`
	RatchetMaxSkip     uint64 `ini:"ratchet_max_skip"`
}

// PerfConfig is the [perf] section.
type PerfConfig struct {
	PQCPrecomputePool int `ini:"pqc_precompute_pool"`
}

// TrafficConfig is the [traffic] section: dummy/cover traffic cadence.
type TrafficConfig struct {
	CoverTrafficIntervalSec int `ini:"cover_traffic_interval_sec"`
	CoverTrafficJitterPct   int `ini:"cover_traffic_jitter_pct"`
}

// Config is the full parsed configuration file.
type Config struct {
	Client     ClientConfig     `ini:"client"`
	KCP        KCPConfig        `ini:"kcp"`
	Proxy      ProxyConfig      `ini:"proxy"`
	Auth       AuthConfig       `ini:"auth"`
	Identity   IdentityConfig   `ini:"identity"`
	KT         KTConfig         `ini:"kt"`
	DeviceSync DeviceSyncConfig `ini:"device_sync"`
	Perf       PerfConfig       `ini:"perf"`
	Traffic    TrafficConfig    `ini:"traffic"`
}

// Default returns a Config populated with this core's suggested
// defaults, to be overlaid with whatever a config file specifies.
func Default() *Config {
	idp := identity.DefaultRotationPolicy()
	dsp := devicesync.DefaultPolicy()
	return &Config{
		Client: ClientConfig{
			ServerPort:        443,
			UseTLS:            true,
			RequireTLS:        true,
			TLSVerifyMode:     "ca",
			TLSVerifyHostname: true,
		},
		KCP: KCPConfig{
			NoDelay:          1,
			Interval:         20,
			Resend:           2,
			NC:               1,
			RequestTimeoutMS: 30000,
			SessionIdleSec:   300,
		},
		Proxy: ProxyConfig{Type: "none"},
		Auth:  AuthConfig{Mode: "legacy"},
		Identity: IdentityConfig{
			RotationDays:        idp.RotationDays,
			LegacyRetentionDays: idp.LegacyRetentionDays,
		},
		KT: KTConfig{
			GossipAlertThreshold: constants.DefaultGossipAlertThreshold,
		},
		DeviceSync: DeviceSyncConfig{
			Role:               "primary",
			RotateIntervalSec:  int64(dsp.RotateInterval.Seconds()),
			RotateMessageLimit: dsp.RotateMessageLimit,
			RatchetEnable:      dsp.RatchetEnable,
			RatchetMaxSkip:     dsp.RatchetMaxSkip,
		},
		Perf: PerfConfig{PQCPrecomputePool: 4},
	}
}

// FromFile loads an ini file, overlaying its values on Default().
func FromFile(fileName string) (*Config, error) {
	cfg := Default()
	f, err := ini.Load(fileName)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", fileName, err)
	}
	if err := f.MapTo(cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", fileName, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log.Infof("config: loaded %s", fileName)
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Client.TLSVerifyMode {
	case "ca", "pin", "cap":
	default:
		return fmt.Errorf("%w: [client] tls_verify_mode %q", ErrInvalidConfig, c.Client.TLSVerifyMode)
	}
	switch c.Proxy.Type {
	case "none", "socks5":
	default:
		return fmt.Errorf("%w: [proxy] type %q", ErrInvalidConfig, c.Proxy.Type)
	}
	switch c.Auth.Mode {
	case "legacy", "opaque":
	default:
		return fmt.Errorf("%w: [auth] mode %q", ErrInvalidConfig, c.Auth.Mode)
	}
	switch c.DeviceSync.Role {
	case "primary", "linked":
	default:
		return fmt.Errorf("%w: [device_sync] role %q", ErrInvalidConfig, c.DeviceSync.Role)
	}
	return nil
}

// TrustMode maps this config's tls_verify_mode to a trust.Mode.
func (c *Config) TrustMode() trust.Mode {
	switch c.Client.TLSVerifyMode {
	case "pin":
		return trust.ModePin
	case "cap":
		return trust.ModeCap
	default:
		return trust.ModeCA
	}
}

// TransportParams builds the transport.Params this config describes,
// choosing KCP over TLS over plain TCP.
func (c *Config) TransportParams(pinnedFingerprint [32]byte) transport.Params {
	params := transport.Params{
		Host: c.Client.ServerIP,
		Port: c.Client.ServerPort,

		VerifyMode:   c.Client.TLSVerifyMode,
		CABundlePath: c.Client.TLSCABundlePath,

		ProxyType:     c.Proxy.Type,
		ProxyHost:     c.Proxy.Host,
		ProxyPort:     c.Proxy.Port,
		ProxyUsername: c.Proxy.Username,
		ProxyPassword: c.Proxy.Password,

		PinnedFingerprint: pinnedFingerprint,

		KCPMTU:             c.KCP.MTU,
		KCPSndWnd:          c.KCP.SndWnd,
		KCPRcvWnd:          c.KCP.RcvWnd,
		KCPNoDelay:         c.KCP.NoDelay,
		KCPInterval:        c.KCP.Interval,
		KCPResend:          c.KCP.Resend,
		KCPNC:              c.KCP.NC,
		KCPMinRTO:          c.KCP.MinRTO,
		KCPRequestTimeout:  time.Duration(c.KCP.RequestTimeoutMS) * time.Millisecond,
		KCPSessionIdle:     time.Duration(c.KCP.SessionIdleSec) * time.Second,
	}
	switch {
	case c.KCP.Enable:
		params.Mode = transport.ModeKCP
		params.Port = c.KCP.ServerPort
	case c.Client.UseTLS:
		params.Mode = transport.ModeTLS
	default:
		params.Mode = transport.ModeTCP
	}
	return params
}

// IdentityRotationPolicy builds the identity.RotationPolicy this config
// describes.
func (c *Config) IdentityRotationPolicy() identity.RotationPolicy {
	return identity.RotationPolicy{
		RotationDays:        c.Identity.RotationDays,
		LegacyRetentionDays: c.Identity.LegacyRetentionDays,
		TPMEnable:           c.Identity.TPMEnable,
		TPMRequire:          c.Identity.TPMRequire,
	}
}

// DeviceSyncPolicy builds the devicesync.Policy this config describes.
func (c *Config) DeviceSyncPolicy(isPrimary bool) devicesync.Policy {
	return devicesync.Policy{
		Enabled:            c.DeviceSync.Enabled,
		IsPrimary:          isPrimary,
		RotateInterval:     time.Duration(c.DeviceSync.RotateIntervalSec) * time.Second,
		RotateMessageLimit: c.DeviceSync.RotateMessageLimit,
		RatchetEnable:      c.DeviceSync.RatchetEnable,
		RatchetMaxSkip:     c.DeviceSync.RatchetMaxSkip,
		PrevKeyGrace:       devicesync.DefaultPolicy().PrevKeyGrace,
	}
}

// KTRootPubkey resolves the [kt] section's root_pubkey_hex or
// root_pubkey_path (hex-encoded file contents) into a verification key,
// returning nil if signature verification is not required.
func (c *Config) KTRootPubkey() (ed25519.PublicKey, error) {
	if !c.KT.RequireSignature {
		return nil, nil
	}
	hexKey := c.KT.RootPubkeyHex
	if hexKey == "" && c.KT.RootPubkeyPath != "" {
		raw, err := os.ReadFile(c.KT.RootPubkeyPath)
		if err != nil {
			return nil, fmt.Errorf("config: read kt root pubkey: %w", err)
		}
		hexKey = trimSpace(string(raw))
	}
	if hexKey == "" {
		return nil, fmt.Errorf("%w: [kt] require_signature set with no root pubkey configured", ErrInvalidConfig)
	}
	decoded, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("config: decode kt root pubkey: %w", err)
	}
	if len(decoded) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: kt root pubkey wrong length", ErrInvalidConfig)
	}
	return ed25519.PublicKey(decoded), nil
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
