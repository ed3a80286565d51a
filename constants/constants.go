// Package constants contains the wire, crypto, and resource-bound
// constants shared across the client core's components.
package constants

import "time"

const (
	// MessageIDLength is the length in bytes of a chat envelope's msg_id.
	MessageIDLength = 16

	// DeviceIDLength is the length in bytes of a device identifier.
	DeviceIDLength = 16

	// FrameHeaderSize is type(1) || payload_len(u32 LE).
	FrameHeaderSize = 1 + 4

	// EnvelopeMagic is the 4-byte magic that begins every chat envelope.
	EnvelopeMagic = "MICH"

	// EnvelopeVersion is the only envelope wire version this core emits.
	EnvelopeVersion = 1

	// EnvelopeHeaderSize is magic(4) || version(1) || type(1) || msg_id(16).
	EnvelopeHeaderSize = 4 + 1 + 1 + MessageIDLength

	// PaddingMagic prefixes a size-bucket padded payload.
	PaddingMagic = "MIPD"

	// GroupCipherMagic identifies a group sender-key ciphertext envelope.
	GroupCipherMagic = "MIGC"

	// RatchetStateMagic identifies persisted ratchet/group state records.
	RatchetStateMagic = "MIRS"

	// KTStateMagic identifies the persisted KT checkpoint file.
	KTStateMagic = "MIKT"

	// GossipMagic identifies a gossip-wrapped KT checkpoint exchanged
	// out-of-band between a user's own devices.
	GossipMagic = "MIKTGSP1"

	// FileBlobMagic identifies an encoded file blob, any version.
	FileBlobMagic = "MIF1"

	// FileBlobVersionV1 is the legacy single-AEAD blob shape.
	FileBlobVersionV1 = 1
	// FileBlobVersionV2 adds adaptive (raw or double-deflate) compression.
	FileBlobVersionV2 = 2
	// FileBlobVersionV3 chunks the plaintext into independently sealed
	// AEAD chunks.
	FileBlobVersionV3 = 3
	// FileBlobVersionV4 is v3 with per-chunk size-bucket padding.
	FileBlobVersionV4 = 4

	// FileBlobAlgoRaw marks a v2+ blob whose payload was not compressed.
	FileBlobAlgoRaw = 0
	// FileBlobAlgoDeflate marks a v2+ blob compressed with deflate.
	FileBlobAlgoDeflate = 1

	// FileBlobFlagDoubleCompression marks a v2 blob compressed twice
	// (level 1 then level 9).
	FileBlobFlagDoubleCompression = 0x01

	// AEADNonceSize is the XChaCha20-Poly1305 nonce size.
	AEADNonceSize = 24

	// AEADTagSize is the Poly1305 tag size.
	AEADTagSize = 16

	// AEADKeySize is the symmetric key size used throughout the core.
	AEADKeySize = 32

	// MaxSkipPerChain bounds the skipped-message-key window for a single
	// peer ratchet chain.
	MaxSkipPerChain = 2048

	// MaxSkippedKeysTotal bounds the total skipped-key map size for a
	// single peer ratchet (across DH ratchet steps).
	MaxSkippedKeysTotal = 4096

	// MaxGroupSkip bounds how many iterations a group chain will derive
	// forward to satisfy an out-of-order message.
	MaxGroupSkip = 4096

	// MaxGroupSkippedMessageKeys bounds the skipped-key map for a single
	// (group, sender) chain.
	MaxGroupSkippedMessageKeys = 2048

	// GroupRotationMessageLimit triggers a sender-key rotation once a
	// chain has sent this many messages.
	GroupRotationMessageLimit = 10000

	// GroupRotationAge triggers a sender-key rotation once a chain is
	// this old.
	GroupRotationAge = 7 * 24 * time.Hour

	// DefaultGossipAlertThreshold is the default number of accumulated KT
	// gossip mismatches before a persistent alert is raised.
	DefaultGossipAlertThreshold = 3

	// MaxFilePlaintextBytes bounds the plaintext size the file codec will
	// encrypt.
	MaxFilePlaintextBytes = 300 * 1024 * 1024

	// MaxFileBlobBytes bounds the encoded blob size the file codec will
	// decode.
	MaxFileBlobBytes = 320 * 1024 * 1024

	// MaxFileChunkBytes bounds a single v3/v4 chunk's ciphertext
	// (plaintext-chunk + MAC).
	MaxFileChunkBytes = 4*1024*1024 - AEADTagSize

	// FileBlobV3ChunkBytes is the v3 encoder's chunk size.
	FileBlobV3ChunkBytes = 256 * 1024

	// FileBlobV4PlainChunkBytes is the v4 encoder's pre-pad chunk size.
	FileBlobV4PlainChunkBytes = 128 * 1024

	// MaxPaddedEnvelopeBytes bounds a chat envelope after size-bucket
	// padding.
	MaxPaddedEnvelopeBytes = 16 * 1024

	// TCPRoundTripTimeout is the send/recv timeout for the plain-TCP
	// transport implementation.
	TCPRoundTripTimeout = 30 * time.Second

	// DatabaseConnectTimeout bounds how long bbolt waits to acquire its
	// file lock when opening the local state database.
	DatabaseConnectTimeout = 5 * time.Second
)

// PaddingBuckets are the size-bucket padding targets; anything larger
// rounds up to the next 4 KiB multiple.
var PaddingBuckets = []int{256, 512, 1024, 2048, 4096, 8192, 16384}

// FileBlobV4PadBuckets are the v4 per-chunk plaintext padding targets.
var FileBlobV4PadBuckets = []int{64 * 1024, 96 * 1024, 128 * 1024, 160 * 1024, 192 * 1024, 256 * 1024, 384 * 1024}

// HKDF / signature context strings. Every derivation in the core is
// domain-separated by one of these labels.
const (
	InfoRatchetRoot        = "mi_e2ee_ratchet_root_v1"
	InfoRatchetMessage     = "msg"
	InfoGroupSenderChain   = "mi_e2ee_group_sender_ck_v1"
	InfoDeviceSyncRatchet  = "mi_e2ee_device_sync_ratchet_v1"
	InfoKTLeaf             = "mi_e2ee_kt_leaf_v1"
	InfoPairingID          = "mi_e2ee_pairing_id_v1"
	InfoPairingKey         = "mi_e2ee_pairing_key_v1"
	InfoVaultHardwareMix   = "mi_e2ee_vault_hw_mix_v1"
	SASContext             = "MI_SERVER_CERT_SAS_V1"
	GroupSenderKeyDistCtx  = "MI_GSKD_V1"
	GroupCallKeyDistCtx    = "MI_GCKD_V1"
	GroupMessageADCtx      = "MI_GMSG_AD_V1"
)
