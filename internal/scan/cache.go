// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scan

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ScannerCounter reports the number of scanners available to the host
// outside the cache.
type ScannerCounter interface {
	ScannerCount(connectable bool) (int, error)
}

// Cache holds the most recent advertisement of each device seen by the
// host's scanners. It is safe for concurrent use.
type Cache struct {
	log     *zap.Logger
	counter ScannerCounter

	mu      sync.Mutex
	devices map[string]Device
	running int
	subs    map[chan Device]struct{}
}

// NewCache returns a new Cache. counter may be nil.
func NewCache(counter ScannerCounter, log *zap.Logger) *Cache {
	return &Cache{
		log:     log,
		counter: counter,
		devices: make(map[string]Device),
		subs:    make(map[chan Device]struct{}),
	}
}

// Observe records d as the most recent advertisement of its device.
func (c *Cache) Observe(d Device) {
	key := strings.ToUpper(d.Address)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.devices[key] = d
	for ch := range c.subs {
		select {
		case ch <- d:
		default:
			c.log.Debug("dropped advertisement for slow subscriber", zap.String("mac", d.Address))
		}
	}
}

// Scan implements the Scanner interface. It reports each cached device
// and then each advertisement observed by the cache until ctx is done.
// Scan allows discovery to share the scanners feeding the cache.
func (c *Cache) Scan(ctx context.Context, fn func(Device)) error {
	ch := make(chan Device, 64)
	c.mu.Lock()
	seen := make([]Device, 0, len(c.devices))
	for _, d := range c.devices {
		seen = append(seen, d)
	}
	c.subs[ch] = struct{}{}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.subs, ch)
		c.mu.Unlock()
	}()

	slices.SortFunc(seen, func(a, b Device) int {
		return cmp.Compare(a.Address, b.Address)
	})
	for _, d := range seen {
		fn(d)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-ch:
			fn(d)
		}
	}
}

// Lookup returns the device with the given address. If connectable is
// true, only devices that accept connections are returned.
func (c *Cache) Lookup(addr string, connectable bool) (Device, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.devices[strings.ToUpper(addr)]
	if !ok || (connectable && !d.Connectable) {
		return Device{}, false
	}
	return d, true
}

// Devices returns the cached devices ordered by address.
func (c *Cache) Devices() []Device {
	c.mu.Lock()
	devices := make([]Device, 0, len(c.devices))
	for _, d := range c.devices {
		devices = append(devices, d)
	}
	c.mu.Unlock()
	slices.SortFunc(devices, func(a, b Device) int {
		return cmp.Compare(a.Address, b.Address)
	})
	return devices
}

// Run feeds advertisements from s into the cache until ctx is done.
// While Run is active s counts as a connectable scanner.
func (c *Cache) Run(ctx context.Context, s Scanner) error {
	c.mu.Lock()
	c.running++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running--
		c.mu.Unlock()
	}()
	c.log.Debug("cache scanner started")
	err := s.Scan(ctx, c.Observe)
	c.log.Debug("cache scanner stopped", zap.Error(err))
	return err
}

// ScannerCount returns the number of scanners available to the host.
func (c *Cache) ScannerCount(connectable bool) int {
	c.mu.Lock()
	n := c.running
	c.mu.Unlock()
	if c.counter == nil {
		return n
	}
	m, err := c.counter.ScannerCount(connectable)
	if err != nil {
		c.log.Debug("failed to count host scanners", zap.Error(err))
		return n
	}
	return max(n, m)
}
