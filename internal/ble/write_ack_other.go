//go:build !darwin && !windows

package ble

import "tinygo.org/x/bluetooth"

// WriteWithResponseSupported reports whether the platform backend can issue
// acknowledged GATT writes. The BlueZ and HCI backends only write without
// response.
const WriteWithResponseSupported = false

func writeWithResponse(_ bluetooth.DeviceCharacteristic, _ []byte) (int, error) {
	return 0, ErrWriteWithResponseUnsupported
}
