package core

import (
	"fmt"

	"github.com/mi-e2ee/client/errors"
	"github.com/mi-e2ee/client/wire"
)

// encodeLoginRequest builds string(username) || string(password) (or an
// OPAQUE/PAKE transcript, when auth.mode is "opaque" — the transcript
// bytes are opaque to this layer, so the same two-string shape carries
// either).
func encodeLoginRequest(username, credential string) []byte {
	out := wire.WriteString(username, nil)
	out = wire.WriteString(credential, out)
	return out
}

// loginResponse is u8(ok) || string(token) || bytes(channel_key_material).
type loginResponse struct {
	OK        bool
	Token     string
	ChannelKey []byte
}

func decodeLoginResponse(in []byte) (loginResponse, error) {
	var r loginResponse
	if len(in) < 1 {
		return r, wire.ErrShortInput
	}
	off := 0
	r.OK = in[off] != 0
	off++
	var err error
	if r.Token, err = wire.ReadString(in, &off); err != nil {
		return r, err
	}
	if r.ChannelKey, err = wire.ReadBytes(in, &off); err != nil {
		return r, err
	}
	return r, nil
}

// encodeDeviceListRequest is string(device_id).
func encodeDeviceListRequest(deviceID string) []byte {
	return wire.WriteString(deviceID, nil)
}

// deviceListEntry is one sibling device and its last-seen age.
type deviceListEntry struct {
	DeviceID string
	AgeSec   uint32
}

// decodeDeviceListResponse is u8(ok) || u32(count) || (string(dev_id) ||
// u32(age_sec))*.
func decodeDeviceListResponse(in []byte) (ok bool, entries []deviceListEntry, err error) {
	if len(in) < 1 {
		return false, nil, wire.ErrShortInput
	}
	off := 0
	ok = in[off] != 0
	off++
	count, err := wire.ReadUint32(in, &off)
	if err != nil {
		return ok, nil, err
	}
	entries = make([]deviceListEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		var e deviceListEntry
		if e.DeviceID, err = wire.ReadString(in, &off); err != nil {
			return ok, nil, err
		}
		if e.AgeSec, err = wire.ReadUint32(in, &off); err != nil {
			return ok, nil, err
		}
		entries = append(entries, e)
	}
	return ok, entries, nil
}

// encodeDeviceKickRequest is string(self) || string(target).
func encodeDeviceKickRequest(self, target string) []byte {
	out := wire.WriteString(self, nil)
	return wire.WriteString(target, out)
}

// decodeOKResponse is u8(ok), the shape DeviceKick and PreKeyPublish
// share (PreKeyPublish additionally carries an error string on failure).
func decodeOKResponse(in []byte) (bool, error) {
	if len(in) < 1 {
		return false, wire.ErrShortInput
	}
	return in[0] != 0, nil
}

// decodePreKeyPublishResponse is u8(ok) [|| string(err)].
func decodePreKeyPublishResponse(in []byte) (ok bool, errMsg string, err error) {
	if len(in) < 1 {
		return false, "", wire.ErrShortInput
	}
	off := 0
	ok = in[off] != 0
	off++
	if ok {
		return true, "", nil
	}
	if off >= len(in) {
		return false, "", nil
	}
	errMsg, err = wire.ReadString(in, &off)
	return ok, errMsg, err
}

// encodePreKeyFetchRequest is string(peer) || u64(local_kt_tree_size).
func encodePreKeyFetchRequest(peer string, localTreeSize uint64) []byte {
	out := wire.WriteString(peer, nil)
	return wire.WriteUint64(localTreeSize, out)
}

// routeKind prefixes every channel-sealed encrypted-transport payload so
// a receiver can tell a one-to-one peerFrame from a broadcast
// groupWireFrame before decoding either — spec.md's wire contract fixes
// only the outer string(token) || AEAD(cipher) shape, leaving what rides
// inside unspecified.
const (
	routeKindPeer       byte = 1
	routeKindGroup      byte = 2
	routeKindDeviceSync byte = 3
)

// checkRespType converts an unexpected response frame type into a
// Kind-tagged protocol error.
func checkRespType(op string, gotType, wantType byte) error {
	if gotType != wantType {
		return errors.Wrap(errors.KindProtocol, op, fmt.Errorf("unexpected response frame type %d (want %d)", gotType, wantType))
	}
	return nil
}
