package core

import (
	"fmt"

	"github.com/mi-e2ee/client/channel"
	"github.com/mi-e2ee/client/errors"
	"github.com/mi-e2ee/client/storage"
	"github.com/mi-e2ee/client/wire"
)

// Login authenticates to the server and establishes the channel every
// later request rides over, per spec.md §6's Login frame. credential is
// a plain password under auth.mode "legacy", or an opaque transcript
// under "opaque" — encodeLoginRequest treats either the same way.
func (c *ClientCore) Login(username, credential string) error {
	payload := encodeLoginRequest(username, credential)
	respType, respPayload, err := c.transport.SendAndRecv(c.params, wire.FrameLogin, payload)
	if err != nil {
		return errors.Wrap(errors.KindTransport, "Login", err)
	}
	if err := checkRespType("Login", respType, wire.FrameLogin); err != nil {
		return err
	}
	resp, err := decodeLoginResponse(respPayload)
	if err != nil {
		return errors.Wrap(errors.KindCodec, "Login", err)
	}
	if !resp.OK {
		return errors.Wrap(errors.KindAuth, "Login", fmt.Errorf("rejected for %s", username))
	}
	if len(resp.ChannelKey) != 32 {
		return errors.Wrap(errors.KindProtocol, "Login", fmt.Errorf("channel key material is %d bytes, want 32", len(resp.ChannelKey)))
	}
	var key [32]byte
	copy(key[:], resp.ChannelKey)

	c.sessionMu.Lock()
	c.username = username
	c.channel = channel.New(resp.Token, key)
	c.sessionMu.Unlock()

	log.Infof("core: logged in as %s", username)
	return nil
}

// Logout sends the Logout frame and wipes the local channel key
// regardless of whether the server round-trip succeeds — spec.md §5
// treats Logout as fatal to the channel on this side unconditionally.
func (c *ClientCore) Logout() error {
	c.sessionMu.Lock()
	ch := c.channel
	c.sessionMu.Unlock()
	if ch == nil {
		return nil
	}

	_, _, sendErr := c.transport.SendAndRecv(c.params, wire.FrameLogout, []byte(ch.Token()))

	c.sessionMu.Lock()
	ch.Logout()
	c.channel = nil
	c.username = ""
	c.sessionMu.Unlock()

	if sendErr != nil {
		return errors.Wrap(errors.KindTransport, "Logout", sendErr)
	}
	return nil
}

// DeviceEntry is one sibling device sharing this account, as reported by
// DeviceList.
type DeviceEntry struct {
	DeviceID string
	AgeSec   uint32
}

// DeviceList asks the server which devices are currently registered
// under this account, per spec.md §4.7's multi-device roster.
func (c *ClientCore) DeviceList() ([]DeviceEntry, error) {
	payload := encodeDeviceListRequest(storage.DeviceIDHex(c.deviceID))
	respType, respPayload, err := c.transport.SendAndRecv(c.params, wire.FrameDeviceList, payload)
	if err != nil {
		return nil, errors.Wrap(errors.KindTransport, "DeviceList", err)
	}
	if err := checkRespType("DeviceList", respType, wire.FrameDeviceList); err != nil {
		return nil, err
	}
	ok, entries, err := decodeDeviceListResponse(respPayload)
	if err != nil {
		return nil, errors.Wrap(errors.KindCodec, "DeviceList", err)
	}
	if !ok {
		return nil, errors.Wrap(errors.KindProtocol, "DeviceList", fmt.Errorf("server rejected request"))
	}
	out := make([]DeviceEntry, len(entries))
	for i, e := range entries {
		out[i] = DeviceEntry{DeviceID: e.DeviceID, AgeSec: e.AgeSec}
	}
	return out, nil
}

// DeviceKick evicts target from this account's device roster, per
// spec.md §4.7 scenario 4. The caller is responsible for following up
// with RotateGroupKey on every group this device shares with the
// account, so the kicked device cannot read future group traffic.
func (c *ClientCore) DeviceKick(target string) error {
	payload := encodeDeviceKickRequest(storage.DeviceIDHex(c.deviceID), target)
	respType, respPayload, err := c.transport.SendAndRecv(c.params, wire.FrameDeviceKick, payload)
	if err != nil {
		return errors.Wrap(errors.KindTransport, "DeviceKick", err)
	}
	if err := checkRespType("DeviceKick", respType, wire.FrameDeviceKick); err != nil {
		return err
	}
	ok, err := decodeOKResponse(respPayload)
	if err != nil {
		return errors.Wrap(errors.KindCodec, "DeviceKick", err)
	}
	if !ok {
		return errors.Wrap(errors.KindProtocol, "DeviceKick", fmt.Errorf("server rejected kick of %s", target))
	}
	if st := c.syncState(); st != nil {
		c.forceRotateDeviceSync(st)
	}
	return nil
}
