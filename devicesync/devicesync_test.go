package devicesync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testPolicy() Policy {
	p := DefaultPolicy()
	p.Enabled = true
	p.RotateMessageLimit = 3
	p.RotateInterval = 24 * time.Hour
	p.RatchetMaxSkip = 4
	p.PrevKeyGrace = time.Minute
	return p
}

func fixedKey(b byte) [32]byte {
	var k [32]byte
	for i := range k {
		k[i] = b
	}
	return k
}

func TestSealOpenRoundTrip(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	alice := New(testPolicy(), fixedKey(1), now)
	bob := New(testPolicy(), fixedKey(1), now)

	ev := Event{Type: EventSendPrivate, ConvID: "bob", Envelope: []byte("hello")}
	wireBytes, err := alice.Seal(ev, now)
	require.NoError(t, err)

	got, err := bob.Open(wireBytes, now)
	require.NoError(t, err)
	require.Equal(t, ev.Type, got.Type)
	require.Equal(t, ev.ConvID, got.ConvID)
	require.Equal(t, ev.Envelope, got.Envelope)
}

func TestSealOpenRejectsTamperedCiphertext(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	alice := New(testPolicy(), fixedKey(2), now)
	bob := New(testPolicy(), fixedKey(2), now)

	wireBytes, err := alice.Seal(Event{Type: EventSendPrivate, ConvID: "c", Envelope: []byte("x")}, now)
	require.NoError(t, err)
	wireBytes[len(wireBytes)-1] ^= 0xFF

	_, err = bob.Open(wireBytes, now)
	require.Error(t, err)
}

func TestRatchetHandlesOutOfOrderDeliveryWithinSkipBound(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	alice := New(testPolicy(), fixedKey(3), now)
	bob := New(testPolicy(), fixedKey(3), now)

	var wires [][]byte
	for i := 0; i < 3; i++ {
		w, err := alice.Seal(Event{Type: EventDelivery, ConvID: "c"}, now)
		require.NoError(t, err)
		wires = append(wires, w)
	}

	// Deliver out of order: 2, 0, 1.
	_, err := bob.Open(wires[2], now)
	require.NoError(t, err)
	_, err = bob.Open(wires[0], now)
	require.NoError(t, err)
	_, err = bob.Open(wires[1], now)
	require.NoError(t, err)
}

func TestRatchetSkipBeyondMaxFails(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	policy := testPolicy()
	policy.RatchetMaxSkip = 2
	policy.RotateMessageLimit = 1000
	alice := New(policy, fixedKey(4), now)
	bob := New(policy, fixedKey(4), now)

	var last []byte
	for i := 0; i < 5; i++ {
		w, err := alice.Seal(Event{Type: EventDelivery, ConvID: "c"}, now)
		require.NoError(t, err)
		last = w
	}

	_, err := bob.Open(last, now)
	require.ErrorIs(t, err, ErrRatchetSkipExceeded)
}

func TestNeedsRotationOnMessageLimit(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	policy := testPolicy()
	s := New(policy, fixedKey(5), now)

	for i := 0; i < int(policy.RotateMessageLimit); i++ {
		require.False(t, s.NeedsRotation(now))
		_, err := s.Seal(Event{Type: EventDelivery, ConvID: "c"}, now)
		require.NoError(t, err)
	}
	require.True(t, s.NeedsRotation(now))
}

func TestNeedsRotationOnInterval(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	policy := testPolicy()
	s := New(policy, fixedKey(6), now)
	require.False(t, s.NeedsRotation(now))
	require.True(t, s.NeedsRotation(now.Add(25*time.Hour)))
}

func TestRotateEmitsRotateKeyEventUnderOldKeyAndInstallsNewKey(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	policy := testPolicy()
	alice := New(policy, fixedKey(7), now)
	bobOld := New(policy, fixedKey(7), now) // sibling still holding the pre-rotation key

	oldKey := alice.CurrentKey()
	rotateWire, err := alice.Rotate(now)
	require.NoError(t, err)
	require.NotEqual(t, oldKey, alice.CurrentKey())

	got, err := bobOld.Open(rotateWire, now)
	require.NoError(t, err)
	require.Equal(t, EventRotateKey, got.Type)
	require.Equal(t, alice.CurrentKey(), got.NewKey)
}

func TestPreviousKeyAcceptedWithinGraceWindowThenExpires(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	policy := testPolicy()
	alice := New(policy, fixedKey(8), now)
	bob := New(policy, fixedKey(8), now)

	_, err := alice.Rotate(now)
	require.NoError(t, err)

	// bob never saw the rotation; alice's next send is under the new key,
	// but alice still has the old key in her own grace window too — here
	// we simulate bob sealing under the key he still has (the old one)
	// and alice (who rotated) accepting it via her retained previous key.
	w, err := bob.Seal(Event{Type: EventSendPrivate, ConvID: "x", Envelope: []byte("y")}, now)
	require.NoError(t, err)

	_, err = alice.Open(w, now.Add(30*time.Second))
	require.NoError(t, err)

	_, err = alice.Open(w, now.Add(2*time.Minute))
	require.Error(t, err)
}

func TestDecodeEventRoundTripsAllTypes(t *testing.T) {
	events := []Event{
		{Type: EventSendPrivate, ConvID: "alice", Envelope: []byte("env1")},
		{Type: EventSendGroup, ConvID: "group1", Envelope: []byte("env2")},
		{Type: EventMessage, IsGroup: true, Outgoing: true, ConvID: "c", Sender: "s", Envelope: []byte("e")},
		{Type: EventDelivery, IsGroup: false, IsRead: true, ConvID: "c", MsgID: [16]byte{1, 2, 3}},
		{Type: EventGroupNotice, GroupID: "g", Actor: "a", Payload: []byte("p")},
		{Type: EventRotateKey, NewKey: fixedKey(9)},
		{
			Type:           EventHistorySnapshot,
			TargetDeviceID: "dev1",
			History: []HistoryEntry{
				{IsGroup: true, Outgoing: true, ConvID: "c1", Sender: "s1", Envelope: []byte("h1")},
				{IsSystem: true, ConvID: "c2", SystemMsg: "joined"},
			},
		},
	}

	for _, ev := range events {
		encoded := ev.encode()
		decoded, err := decodeEvent(encoded)
		require.NoError(t, err)
		require.Equal(t, ev, decoded)
	}
}

func TestParsePairingCodeAndDeriveMatchOnBothSides(t *testing.T) {
	const code = "a1b2-c3d4-e5f6-0718-293a-4b5c-6d7e-8f90"
	secretA, err := ParsePairingCodeSecret16(code)
	require.NoError(t, err)

	secretB, err := ParsePairingCodeSecret16("A1B2C3D4E5F60718293A4B5C6D7E8F90")
	require.NoError(t, err)
	require.Equal(t, secretA, secretB)

	idA, keyA, err := DerivePairingIdAndKey(secretA)
	require.NoError(t, err)
	idB, keyB, err := DerivePairingIdAndKey(secretB)
	require.NoError(t, err)

	require.Equal(t, idA, idB)
	require.Equal(t, keyA, keyB)
	require.Len(t, idA, 32)
}

func TestParsePairingCodeRejectsWrongLength(t *testing.T) {
	_, err := ParsePairingCodeSecret16("abcd")
	require.ErrorIs(t, err, ErrInvalidPairingCode)
}

func TestEncryptDecryptPairingPayloadRoundTrip(t *testing.T) {
	secret, err := ParsePairingCodeSecret16("00112233445566778899aabbccddeeff"[:32])
	require.NoError(t, err)

	_, key, err := DerivePairingIdAndKey(secret)
	require.NoError(t, err)

	payload := []byte(`{"device_id":"abc","signing_pub":"..."}`)
	sealed, err := EncryptPairingPayload(key, payload)
	require.NoError(t, err)

	plain, err := DecryptPairingPayload(key, sealed)
	require.NoError(t, err)
	require.Equal(t, payload, plain)
}

func TestDecryptPairingPayloadRejectsWrongKey(t *testing.T) {
	secret, err := ParsePairingCodeSecret16("00112233445566778899aabbccddeeff"[:32])
	require.NoError(t, err)
	_, key, err := DerivePairingIdAndKey(secret)
	require.NoError(t, err)

	sealed, err := EncryptPairingPayload(key, []byte("secret introduction"))
	require.NoError(t, err)

	wrongKey := fixedKey(0xAA)
	_, err = DecryptPairingPayload(wrongKey, sealed)
	require.Error(t, err)
}
