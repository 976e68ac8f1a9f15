// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scan

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeScanner replays advertisements and then waits for ctx.
type fakeScanner struct {
	adverts []Device
	err     error
}

func (s fakeScanner) Scan(ctx context.Context, fn func(Device)) error {
	if s.err != nil {
		return s.err
	}
	for _, d := range s.adverts {
		fn(d)
	}
	<-ctx.Done()
	return nil
}

func TestDiscover(t *testing.T) {
	s := fakeScanner{adverts: []Device{
		{Address: "AA:BB:CC:DD:EE:01", Name: "PetCat", RSSI: -70},
		{Address: "AA:BB:CC:DD:EE:02", Name: "Polar H10"},
		{Address: "AA:BB:CC:DD:EE:03", Name: "PetCat", RSSI: -60},
		{Address: "AA:BB:CC:DD:EE:01", Name: "PetCat", RSSI: -50},
		{Address: "AA:BB:CC:DD:EE:04"},
	}}
	got, err := Discover(context.Background(), s, "", 10*time.Millisecond, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "AA:BB:CC:DD:EE:01", got[0].Address)
	assert.Equal(t, int16(-50), got[0].RSSI, "later advertisement should replace earlier")
	assert.Equal(t, "AA:BB:CC:DD:EE:03", got[1].Address)
}

func TestDiscoverNone(t *testing.T) {
	s := fakeScanner{adverts: []Device{{Address: "AA:BB:CC:DD:EE:02", Name: "Polar H10"}}}
	got, err := Discover(context.Background(), s, "", 10*time.Millisecond, zap.NewNop())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDiscoverError(t *testing.T) {
	s := fakeScanner{err: errors.New("org.bluez.Error.NotReady")}
	_, err := Discover(context.Background(), s, "", 10*time.Millisecond, zap.NewNop())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrScan)
}

type countFunc func(bool) (int, error)

func (f countFunc) ScannerCount(connectable bool) (int, error) { return f(connectable) }

func TestCache(t *testing.T) {
	c := NewCache(nil, zap.NewNop())
	assert.Equal(t, 0, c.ScannerCount(true))

	c.Observe(Device{Address: "aa:bb:cc:dd:ee:01", Name: "PetCat", Connectable: true})
	c.Observe(Device{Address: "AA:BB:CC:DD:EE:02", Name: "PetCat"})

	d, ok := c.Lookup("AA:BB:CC:DD:EE:01", true)
	require.True(t, ok)
	assert.Equal(t, "PetCat", d.Name)

	_, ok = c.Lookup("AA:BB:CC:DD:EE:02", true)
	assert.False(t, ok, "non-connectable device returned for connectable lookup")
	_, ok = c.Lookup("aa:bb:cc:dd:ee:02", false)
	assert.True(t, ok)

	_, ok = c.Lookup("AA:BB:CC:DD:EE:03", false)
	assert.False(t, ok)

	devs := c.Devices()
	require.Len(t, devs, 2)
	assert.Equal(t, "AA:BB:CC:DD:EE:02", devs[0].Address)
}

func TestCacheRun(t *testing.T) {
	c := NewCache(nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- c.Run(ctx, fakeScanner{adverts: []Device{{Address: "AA:BB:CC:DD:EE:01", Connectable: true}}})
	}()

	require.Eventually(t, func() bool {
		_, ok := c.Lookup("AA:BB:CC:DD:EE:01", true)
		return ok && c.ScannerCount(true) == 1
	}, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 0, c.ScannerCount(true))
}

func TestCacheScannerCounter(t *testing.T) {
	c := NewCache(countFunc(func(bool) (int, error) { return 2, nil }), zap.NewNop())
	assert.Equal(t, 2, c.ScannerCount(true))

	c = NewCache(countFunc(func(bool) (int, error) { return 0, errors.New("no system bus") }), zap.NewNop())
	assert.Equal(t, 0, c.ScannerCount(true))
}

func TestCacheScan(t *testing.T) {
	c := NewCache(nil, zap.NewNop())
	c.Observe(Device{Address: "AA:BB:CC:DD:EE:02", Name: Name})

	live := make(chan Device, 1)
	go func() {
		// Wait for the discovery scan to subscribe.
		for {
			c.mu.Lock()
			n := len(c.subs)
			c.mu.Unlock()
			if n != 0 {
				break
			}
			time.Sleep(time.Millisecond)
		}
		d := Device{Address: "AA:BB:CC:DD:EE:01", Name: Name}
		c.Observe(d)
		live <- d
	}()

	got, err := Discover(context.Background(), c, "", 200*time.Millisecond, zap.NewNop())
	require.NoError(t, err)
	<-live
	require.Len(t, got, 2)
	assert.Equal(t, "AA:BB:CC:DD:EE:02", got[0].Address, "cached device should be reported first")
	assert.Equal(t, "AA:BB:CC:DD:EE:01", got[1].Address)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Empty(t, c.subs, "subscription should be removed")
}
