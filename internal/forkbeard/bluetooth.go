// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package forkbeard provides helper functions for interacting with
// Bluetooth devices.
package forkbeard

import (
	"errors"
	"fmt"

	"tinygo.org/x/bluetooth"
)

// ErrNotFound is returned when a device does not expose a requested
// characteristic.
var ErrNotFound = errors.New("device characteristic not found")

// Characteristic returns the bluetooth.DeviceCharacteristic with the
// given ID from any service on the device. It is used for devices that
// do not document the service holding the characteristic.
func Characteristic(dev *bluetooth.Device, charID bluetooth.UUID) (bluetooth.DeviceCharacteristic, error) {
	srv, err := dev.DiscoverServices(nil)
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("failed to discover services: %w", err)
	}
	for _, s := range srv {
		chars, err := s.DiscoverCharacteristics(nil)
		if err != nil {
			return bluetooth.DeviceCharacteristic{}, fmt.Errorf("failed to discover characteristics of %s: %w", s.UUID(), err)
		}
		for _, c := range chars {
			if c.UUID() == charID {
				return c, nil
			}
		}
	}
	return bluetooth.DeviceCharacteristic{}, fmt.Errorf("%w: %s", ErrNotFound, charID)
}

// WriteWithoutResponse writes data to a Bluetooth characteristic without
// requesting an acknowledgement. A short write is an error.
func WriteWithoutResponse(char bluetooth.DeviceCharacteristic, data []byte) error {
	n, err := char.WriteWithoutResponse(data)
	if err != nil {
		return fmt.Errorf("failed to write characteristic: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("short write to characteristic: %d of %d bytes", n, len(data))
	}
	return nil
}
