// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scan

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// Adapter is a Scanner backed by a tinygo Bluetooth adapter.
type Adapter struct {
	adapter *bluetooth.Adapter

	enable sync.Once
	err    error
}

// NewAdapter returns a Scanner for the provided adapter. If a is nil,
// bluetooth.DefaultAdapter is used.
func NewAdapter(a *bluetooth.Adapter) *Adapter {
	if a == nil {
		a = bluetooth.DefaultAdapter
	}
	return &Adapter{adapter: a}
}

// Bluetooth returns the underlying adapter, enabling it if necessary.
func (a *Adapter) Bluetooth() (*bluetooth.Adapter, error) {
	a.enable.Do(func() {
		a.err = a.adapter.Enable()
		if a.err != nil {
			a.err = fmt.Errorf("failed to enable bluetooth: %w", a.err)
		}
	})
	return a.adapter, a.err
}

// Scan implements the Scanner interface.
//
// The tinygo scan results do not report whether an advertisement was
// connectable, so every device is reported as connectable.
func (a *Adapter) Scan(ctx context.Context, fn func(Device)) error {
	adapter, err := a.Bluetooth()
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
			return
		}
		// StopScan fails if the scan has not yet started,
		// so keep trying until it succeeds or Scan returns.
		for adapter.StopScan() != nil {
			select {
			case <-done:
				return
			case <-time.After(50 * time.Millisecond):
			}
		}
	}()

	err = adapter.Scan(func(_ *bluetooth.Adapter, r bluetooth.ScanResult) {
		fn(Device{
			Address:     r.Address.String(),
			Name:        r.LocalName(),
			RSSI:        r.RSSI,
			Connectable: true,
			Seen:        time.Now(),
			Handle:      r.Address,
		})
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("failed to scan: %w", err)
	}
	return nil
}
