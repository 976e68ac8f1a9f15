// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package link

import (
	"context"
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/kortschak/smartdot/internal/forkbeard"
	"github.com/kortschak/smartdot/internal/scan"
)

// Bluetooth is a Dialer backed by a tinygo Bluetooth adapter.
type Bluetooth struct {
	adapter *scan.Adapter
}

// NewBluetooth returns a Dialer that connects using the adapter shared
// with the scanner.
func NewBluetooth(a *scan.Adapter) *Bluetooth {
	return &Bluetooth{adapter: a}
}

// Dial implements the Dialer interface. If ctx is done before the
// connection is established, the connection is closed when it completes.
func (b *Bluetooth) Dial(ctx context.Context, dev scan.Device) (Conn, error) {
	adapter, err := b.adapter.Bluetooth()
	if err != nil {
		return nil, err
	}
	addr, err := deviceAddress(dev)
	if err != nil {
		return nil, err
	}

	type result struct {
		dev bluetooth.Device
		err error
	}
	done := make(chan result, 1)
	go func() {
		d, err := adapter.Connect(addr, bluetooth.ConnectionParams{})
		done <- result{dev: d, err: err}
	}()
	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("failed to connect: %w", r.err)
		}
		return &device{dev: r.dev}, nil
	case <-ctx.Done():
		go func() {
			r := <-done
			if r.err == nil {
				r.dev.Disconnect()
			}
		}()
		return nil, ctx.Err()
	}
}

func deviceAddress(dev scan.Device) (bluetooth.Address, error) {
	if addr, ok := dev.Handle.(bluetooth.Address); ok {
		return addr, nil
	}
	var addr bluetooth.Address
	err := addr.UnmarshalText([]byte(dev.Address))
	if err != nil {
		return bluetooth.Address{}, fmt.Errorf("invalid device address %q: %w", dev.Address, err)
	}
	return addr, nil
}

// device is a connected SmartDot.
type device struct {
	dev bluetooth.Device

	mu    sync.Mutex
	chars map[bluetooth.UUID]bluetooth.DeviceCharacteristic
}

func (d *device) Write(ctx context.Context, char string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id, err := bluetooth.ParseUUID(char)
	if err != nil {
		return fmt.Errorf("invalid characteristic %q: %w", char, err)
	}
	c, err := d.characteristic(id)
	if err != nil {
		return err
	}
	return forkbeard.WriteWithoutResponse(c, payload)
}

func (d *device) characteristic(id bluetooth.UUID) (bluetooth.DeviceCharacteristic, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.chars[id]; ok {
		return c, nil
	}
	c, err := forkbeard.Characteristic(&d.dev, id)
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, err
	}
	if d.chars == nil {
		d.chars = make(map[bluetooth.UUID]bluetooth.DeviceCharacteristic)
	}
	d.chars[id] = c
	return c, nil
}

func (d *device) Disconnect() error {
	return d.dev.Disconnect()
}
