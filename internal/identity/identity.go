// Package identity provides the stable per-device identity presented to the
// gateway during the handshake.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

const settingKey = "device.id"

// Settings is the client-local persistent settings store the device id
// survives restarts in.
type Settings interface {
	Setting(key string) (string, error)
	SetSetting(key, value string) error
}

// Device is the stable client identity. The id is generated once and
// immutable for the lifetime of the installation.
type Device struct {
	ID string
}

// Load returns the persisted device identity, generating and persisting a
// fresh one on first use.
func Load(settings Settings) (Device, error) {
	id, err := settings.Setting(settingKey)
	if err != nil {
		return Device{}, fmt.Errorf("read device id: %w", err)
	}
	if id != "" {
		return Device{ID: id}, nil
	}

	id, err = generateDeviceID()
	if err != nil {
		return Device{}, err
	}
	if err := settings.SetSetting(settingKey, id); err != nil {
		return Device{}, fmt.Errorf("persist device id: %w", err)
	}
	return Device{ID: id}, nil
}

func generateDeviceID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate device id: %w", err)
	}
	return "dev_" + hex.EncodeToString(buf), nil
}
