package storage

import (
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/mi-e2ee/client/constants"
	"github.com/mi-e2ee/client/platform"
)

// SaveDeviceSyncKey atomically writes the 32-byte device-sync key to
// path (spec.md §6's device_sync_key.bin).
func SaveDeviceSyncKey(path string, key [32]byte) error {
	return platform.AtomicWriteFile(path, key[:], 0600)
}

// LoadDeviceSyncKey reads a previously saved device-sync key, returning
// (zero, false, nil) if the file does not yet exist.
func LoadDeviceSyncKey(path string) (key [32]byte, ok bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return key, false, nil
		}
		return key, false, err
	}
	if len(data) != 32 {
		return key, false, fmt.Errorf("storage: %s: expected 32 bytes, got %d", path, len(data))
	}
	copy(key[:], data)
	return key, true, nil
}

// SaveDeviceID atomically writes this device's 16-byte identifier to
// path (spec.md §6's device_id.bin).
func SaveDeviceID(path string, id [constants.DeviceIDLength]byte) error {
	return platform.AtomicWriteFile(path, id[:], 0600)
}

// LoadDeviceID reads a previously saved device identifier, generating
// and persisting a fresh random one if the file does not yet exist.
func LoadDeviceID(path string) (id [constants.DeviceIDLength]byte, err error) {
	data, readErr := os.ReadFile(path)
	if readErr == nil {
		if len(data) != constants.DeviceIDLength {
			return id, fmt.Errorf("storage: %s: expected %d bytes, got %d", path, constants.DeviceIDLength, len(data))
		}
		copy(id[:], data)
		return id, nil
	}
	if !os.IsNotExist(readErr) {
		return id, readErr
	}
	u, err := uuid.NewRandom()
	if err != nil {
		return id, err
	}
	copy(id[:], u[:])
	if err := SaveDeviceID(path, id); err != nil {
		return id, err
	}
	return id, nil
}

// DeviceIDHex renders a device identifier the way the server wire
// contract expects it (spec.md §6: "device_id.bin, hex-rendered for wire
// use").
func DeviceIDHex(id [constants.DeviceIDLength]byte) string {
	return fmt.Sprintf("%x", id[:])
}
