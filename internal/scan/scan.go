// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package scan implements discovery of SmartDot devices from BLE
// advertisements and a cache of recently seen devices.
package scan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kortschak/smartdot/internal/tracing"
)

// Name is the local name advertised by SmartDot devices.
const Name = "PetCat"

// ErrScan is returned when the BLE transport fails during a scan.
var ErrScan = errors.New("bluetooth scan failed")

// Device is a BLE device seen in an advertisement.
type Device struct {
	Address     string
	Name        string
	RSSI        int16
	Connectable bool
	Seen        time.Time

	// Handle is the transport-specific handle used to
	// connect to the device. It is nil for devices that
	// were not seen by a scanner.
	Handle any
}

// Scanner is a source of BLE advertisements.
type Scanner interface {
	// Scan calls fn for each received advertisement
	// until ctx is done. A nil error is returned when
	// scanning ends because ctx is done.
	Scan(ctx context.Context, fn func(Device)) error
}

// Discover scans for timeout and returns the devices advertising the
// given local name in the order they were first seen. If name is empty,
// Name is used.
func Discover(ctx context.Context, s Scanner, name string, timeout time.Duration, log *zap.Logger) (devices []Device, err error) {
	ctx, span := tracing.Start(ctx, "scan.Discover")
	defer func() { tracing.End(span, err) }()

	if name == "" {
		name = Name
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	index := make(map[string]int)
	err = s.Scan(ctx, func(d Device) {
		if d.Name != name {
			return
		}
		if i, ok := index[d.Address]; ok {
			devices[i] = d
			return
		}
		log.Debug("found device", zap.String("name", d.Name), zap.String("mac", d.Address), zap.Int16("rssi", d.RSSI))
		index[d.Address] = len(devices)
		devices = append(devices, d)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrScan, err)
	}
	return devices, nil
}
