// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package integration

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kortschak/smartdot/command"
	"github.com/kortschak/smartdot/internal/entity"
	"github.com/kortschak/smartdot/internal/link"
	"github.com/kortschak/smartdot/internal/scan"
	"github.com/kortschak/smartdot/internal/store"
)

type fakeLocator struct {
	mu       sync.Mutex
	devices  map[string]scan.Device
	scanners int
	lookups  []string
}

func (l *fakeLocator) Lookup(addr string, connectable bool) (scan.Device, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lookups = append(l.lookups, addr)
	d, ok := l.devices[addr]
	return d, ok
}

func (l *fakeLocator) ScannerCount(bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.scanners
}

func (l *fakeLocator) add(d scan.Device) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.devices == nil {
		l.devices = make(map[string]scan.Device)
	}
	l.devices[d.Address] = d
}

type fakeDialer struct {
	mu     sync.Mutex
	writes [][]byte
}

func (d *fakeDialer) Dial(context.Context, scan.Device) (link.Conn, error) {
	return (*fakeConn)(d), nil
}

type fakeConn fakeDialer

func (c *fakeConn) Write(_ context.Context, _ string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, payload)
	return nil
}

func (c *fakeConn) Disconnect() error { return nil }

func newStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "smartdot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func addEntry(t *testing.T, st *store.Store, mac string) store.Entry {
	t.Helper()
	e := &store.Entry{UniqueID: mac, Title: mac, MAC: mac, Source: store.SourceUser}
	require.NoError(t, st.CreateEntry(context.Background(), e))
	return *e
}

func newIntegration(loc Locator, d link.Dialer, st Store) (*Integration, *entity.Registry) {
	reg := entity.NewRegistry()
	in := New(loc, d, st, reg, entity.NewBus(zap.NewNop()), Options{Connect: link.Options{Attempts: 1}}, zap.NewNop())
	return in, reg
}

func TestSetup(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	e := addEntry(t, st, "aa:bb:cc:dd:ee:ff")
	dev := scan.Device{Address: "AA:BB:CC:DD:EE:FF", Name: scan.Name, Connectable: true}
	loc := &fakeLocator{scanners: 1}
	loc.add(dev)
	var dialer fakeDialer
	in, reg := newIntegration(loc, &dialer, st)

	require.NoError(t, in.Setup(ctx, e))
	assert.Equal(t, []string{"AA:BB:CC:DD:EE:FF"}, loc.lookups, "lookup should use upper-case address")

	rec, ok := in.Record(e.ID)
	require.True(t, ok)
	assert.Equal(t, Record{EntryID: e.ID, MAC: e.MAC, Device: dev}, rec)

	var ids []string
	for _, ent := range reg.All() {
		ids = append(ids, ent.ID())
	}
	assert.Equal(t, []string{e.ID + "_game_preset", e.ID + "_start_game", e.ID + "_stop_game"}, ids)

	// Second setup is a no-op.
	require.NoError(t, in.Setup(ctx, e))
	assert.Len(t, reg.All(), 3)

	ent, ok := reg.Get(e.ID + "_start_game")
	require.True(t, ok)
	ent.(*entity.Button).Press(ctx)
	want, err := command.Payload(command.Small)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{want}, dialer.writes)
}

func TestSetupRestoresPreset(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	e := addEntry(t, st, "aa:bb:cc:dd:ee:ff")
	require.NoError(t, st.SaveState(ctx, e.ID, e.ID+"_game_preset", "large"))
	loc := &fakeLocator{scanners: 1}
	loc.add(scan.Device{Address: "AA:BB:CC:DD:EE:FF", Connectable: true})
	in, reg := newIntegration(loc, &fakeDialer{}, st)

	require.NoError(t, in.Setup(ctx, e))
	sel, ok := reg.Get(e.ID + "_game_preset")
	require.True(t, ok)
	assert.Equal(t, "large", sel.State())
}

func TestSetupNotReady(t *testing.T) {
	tests := []struct {
		name     string
		scanners int
		want     error
	}{
		{name: "no_scanner", scanners: 0, want: ErrNoScanner},
		{name: "device_not_found", scanners: 1, want: ErrDeviceNotFound},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			st := newStore(t)
			e := addEntry(t, st, "aa:bb:cc:dd:ee:ff")
			in, reg := newIntegration(&fakeLocator{scanners: test.scanners}, &fakeDialer{}, st)

			err := in.Setup(context.Background(), e)
			assert.ErrorIs(t, err, test.want)
			assert.ErrorIs(t, err, ErrNotReady)
			_, ok := in.Record(e.ID)
			assert.False(t, ok)
			assert.Empty(t, reg.All())
		})
	}
}

func TestUnload(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	e1 := addEntry(t, st, "aa:bb:cc:dd:ee:01")
	e2 := addEntry(t, st, "aa:bb:cc:dd:ee:02")
	loc := &fakeLocator{scanners: 1}
	loc.add(scan.Device{Address: "AA:BB:CC:DD:EE:01", Connectable: true})
	loc.add(scan.Device{Address: "AA:BB:CC:DD:EE:02", Connectable: true})
	in, reg := newIntegration(loc, &fakeDialer{}, st)
	require.NoError(t, in.Setup(ctx, e1))
	require.NoError(t, in.Setup(ctx, e2))
	require.Len(t, reg.All(), 6)

	assert.True(t, in.Unload(e1.ID))
	assert.Len(t, reg.All(), 3)
	_, ok := in.Record(e1.ID)
	assert.False(t, ok)
	_, ok = in.Record(e2.ID)
	assert.True(t, ok)

	assert.False(t, in.Unload(e1.ID), "second unload should report false")
	assert.False(t, in.Unload("unknown"))
}

func TestSetupAllRetries(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	e := addEntry(t, st, "aa:bb:cc:dd:ee:ff")
	loc := &fakeLocator{scanners: 1}
	in, _ := newIntegration(loc, &fakeDialer{}, st)
	in.opts.SetupRetry = time.Second

	var delays []time.Duration
	in.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		if len(delays) == 3 {
			loc.add(scan.Device{Address: "AA:BB:CC:DD:EE:FF", Connectable: true})
		}
		return ctx.Err()
	}

	require.NoError(t, in.SetupAll(ctx))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, delays)
	_, ok := in.Record(e.ID)
	assert.True(t, ok)
}

func TestSetupAllCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	st := newStore(t)
	e := addEntry(t, st, "aa:bb:cc:dd:ee:ff")
	in, _ := newIntegration(&fakeLocator{}, &fakeDialer{}, st)
	in.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	err := in.SetupAll(ctx)
	assert.True(t, errors.Is(err, context.Canceled), "unexpected error: %v", err)
	_, ok := in.Record(e.ID)
	assert.False(t, ok)
}

func TestSetupAllSkipsRemoved(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	e := addEntry(t, st, "aa:bb:cc:dd:ee:ff")
	in, _ := newIntegration(&fakeLocator{scanners: 1}, &fakeDialer{}, st)

	var calls int
	in.sleep = func(ctx context.Context, _ time.Duration) error {
		calls++
		return st.DeleteEntry(ctx, e.ID)
	}
	require.NoError(t, in.SetupAll(ctx))
	assert.Equal(t, 1, calls)
	_, ok := in.Record(e.ID)
	assert.False(t, ok)
}

func TestSetupRemovedEntry(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	e := addEntry(t, st, "aa:bb:cc:dd:ee:ff")
	loc := &fakeLocator{scanners: 1}
	loc.add(scan.Device{Address: "AA:BB:CC:DD:EE:FF", Connectable: true})
	in, reg := newIntegration(loc, &fakeDialer{}, st)

	// The entry is removed after it was listed but before it is set up.
	require.NoError(t, st.DeleteEntry(ctx, e.ID))
	err := in.Setup(ctx, e)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, reg.All())
	_, ok := in.Record(e.ID)
	assert.False(t, ok)
}

// countingDialer tracks the number of simultaneously open connections.
type countingDialer struct {
	mu     sync.Mutex
	open   int
	peak   int
	writes int
}

func (d *countingDialer) Dial(context.Context, scan.Device) (link.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open++
	d.peak = max(d.peak, d.open)
	return (*countingConn)(d), nil
}

type countingConn countingDialer

func (c *countingConn) Write(context.Context, string, []byte) error {
	time.Sleep(50 * time.Millisecond)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes++
	return nil
}

func (c *countingConn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open--
	return nil
}

func TestStartStopPressesSerialized(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	e := addEntry(t, st, "aa:bb:cc:dd:ee:ff")
	loc := &fakeLocator{scanners: 1}
	loc.add(scan.Device{Address: "AA:BB:CC:DD:EE:FF", Connectable: true})
	dialer := &countingDialer{}
	in, reg := newIntegration(loc, dialer, st)
	require.NoError(t, in.Setup(ctx, e))

	var wg sync.WaitGroup
	for _, suffix := range []string{"_start_game", "_stop_game"} {
		ent, ok := reg.Get(e.ID + suffix)
		require.True(t, ok)
		b := ent.(*entity.Button)
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Press(ctx)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, dialer.peak, "presses on one device overlapped")
	assert.Equal(t, 2, dialer.writes)
	assert.Equal(t, 0, dialer.open)
}
