//go:build darwin || windows

package ble

import "tinygo.org/x/bluetooth"

// WriteWithResponseSupported reports whether the platform backend can issue
// acknowledged GATT writes.
const WriteWithResponseSupported = true

func writeWithResponse(c bluetooth.DeviceCharacteristic, p []byte) (int, error) {
	return c.Write(p)
}
