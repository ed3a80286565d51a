package core

import (
	"fmt"

	"github.com/mi-e2ee/client/devicesync"
	"github.com/mi-e2ee/client/errors"
	"github.com/mi-e2ee/client/storage"
	"github.com/mi-e2ee/client/wire"
)

// PairDevice bootstraps the shared device-sync key from a pairing code
// entered by the user on this device and a sibling device, per the
// ParsePairingCodeSecret16/DerivePairingIdAndKey scheme spec.md §4.9
// leaves unspecified and original_source/ supplies. Once paired, every
// event this device seals via a sync-carrying send is fanned out to
// every sibling device logged into the same account.
func (c *ClientCore) PairDevice(pairingCode string) error {
	secret, err := devicesync.ParsePairingCodeSecret16(pairingCode)
	if err != nil {
		return errors.Wrap(errors.KindDeviceSync, "PairDevice", err)
	}
	_, key, err := devicesync.DerivePairingIdAndKey(secret)
	if err != nil {
		return errors.Wrap(errors.KindDeviceSync, "PairDevice", err)
	}
	if err := storage.SaveDeviceSyncKey(c.deviceSyncPath, key); err != nil {
		return errors.Wrap(errors.KindState, "PairDevice", err)
	}

	policy := c.cfg.DeviceSyncPolicy(c.cfg.DeviceSync.Role == "primary")
	c.deviceSyncMu.Lock()
	c.deviceSync = devicesync.New(policy, key, c.clock.Now())
	c.deviceSyncMu.Unlock()
	log.Info("core: device-sync key provisioned via pairing")
	return nil
}

// syncState returns the current device-sync State, nil if pairing has
// not happened yet (PairDevice, or a restored snapshot from a prior
// session).
func (c *ClientCore) syncState() *devicesync.State {
	c.deviceSyncMu.Lock()
	defer c.deviceSyncMu.Unlock()
	return c.deviceSync
}

// pushSyncEvent seals ev under the device-sync key and fans it out over
// the channel to this account's other devices, best-effort: a sync
// failure never blocks the primary send/receive path it mirrors.
// Before sealing, it checks spec.md §4.9's rotate_message_limit /
// rotate_interval_sec triggers and rotates the key if either is due.
func (c *ClientCore) pushSyncEvent(ev devicesync.Event) {
	st := c.syncState()
	if st == nil {
		return
	}
	c.rotateDeviceSyncIfDue(st)

	sealed, err := st.Seal(ev, c.clock.Now())
	if err != nil {
		log.Warningf("core: device-sync seal failed: %v", err)
		return
	}
	if err := c.store.SaveDeviceSyncSnapshot(st.Snapshot()); err != nil {
		log.Warningf("core: device-sync snapshot persist failed: %v", err)
	}
	c.fanOutDeviceSync(sealed)
}

// rotateDeviceSyncIfDue rotates st's key when either of spec.md §4.9's
// lazy triggers (message count or wall-clock interval) is due.
func (c *ClientCore) rotateDeviceSyncIfDue(st *devicesync.State) {
	if !st.NeedsRotation(c.clock.Now()) {
		return
	}
	c.forceRotateDeviceSync(st)
}

// forceRotateDeviceSync rotates st's key unconditionally — the
// DeviceKick trigger spec.md §4.9 lists alongside the lazy ones — and
// fans the RotateKey ciphertext Rotate returns out to sibling devices,
// which still hold the retiring key and need it to learn the new one.
func (c *ClientCore) forceRotateDeviceSync(st *devicesync.State) {
	rotated, err := st.Rotate(c.clock.Now())
	if err != nil {
		log.Warningf("core: device-sync rotate failed: %v", err)
		return
	}
	if err := storage.SaveDeviceSyncKey(c.deviceSyncPath, st.CurrentKey()); err != nil {
		log.Warningf("core: device-sync key persist failed: %v", err)
	}
	if err := c.store.SaveDeviceSyncSnapshot(st.Snapshot()); err != nil {
		log.Warningf("core: device-sync snapshot persist failed: %v", err)
	}
	c.fanOutDeviceSync(rotated)
}

// fanOutDeviceSync channel-seals a device-sync wire payload (a normal
// sealed Event, or a Rotate's RotateKey ciphertext under the old key)
// and ships it over the transport, best-effort.
func (c *ClientCore) fanOutDeviceSync(payload []byte) {
	channel, err := c.sealedChannel()
	if err != nil {
		return
	}
	wireBody, err := channel.Seal(append([]byte{routeKindDeviceSync}, payload...))
	if err != nil {
		log.Warningf("core: device-sync channel seal failed: %v", err)
		return
	}
	if _, _, err := c.transport.SendAndRecv(c.params, wire.FrameEncryptedTransport, wireBody); err != nil {
		log.Warningf("core: device-sync fan-out failed: %v", err)
	}
}

// handleIncomingDeviceSync opens a device-sync frame from a sibling
// device and hands the decoded Event to SyncEvents. State.Open has no
// replay check: a frame opens when its counter is at or behind the
// receive counter or at most RatchetMaxSkip ahead of it, so a frame this
// device fanned out itself is not rejected as a replay if echoed back.
func (c *ClientCore) handleIncomingDeviceSync(payload []byte) error {
	st := c.syncState()
	if st == nil {
		return errors.Wrap(errors.KindDeviceSync, "handleIncomingDeviceSync", fmt.Errorf("device sync not paired"))
	}
	ev, err := st.Open(payload, c.clock.Now())
	if err != nil {
		return errors.Wrap(errors.KindDeviceSync, "handleIncomingDeviceSync", err)
	}
	if err := c.store.SaveDeviceSyncSnapshot(st.Snapshot()); err != nil {
		log.Warningf("core: device-sync snapshot persist failed: %v", err)
	}
	select {
	case c.syncEvents <- ev:
	default:
		log.Warning("core: device-sync event dropped, consumer not draining SyncEvents()")
	}
	return nil
}

// SyncEvents returns the channel decoded sibling-device events are
// delivered on.
func (c *ClientCore) SyncEvents() <-chan devicesync.Event { return c.syncEvents }
