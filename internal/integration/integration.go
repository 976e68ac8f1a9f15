// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package integration sets up and tears down configured SmartDot
// entries, binding each to the device seen by the host scanners and
// registering its entities.
package integration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kortschak/smartdot/address"
	"github.com/kortschak/smartdot/internal/entity"
	"github.com/kortschak/smartdot/internal/link"
	"github.com/kortschak/smartdot/internal/scan"
	"github.com/kortschak/smartdot/internal/store"
)

var (
	// ErrNotReady is returned when an entry cannot yet be set up.
	// Setup of the entry should be retried later.
	ErrNotReady = errors.New("entry not ready")

	// ErrNoScanner is returned when the host has no connectable
	// Bluetooth scanner.
	ErrNoScanner = fmt.Errorf("%w: no bluetooth scanner detected; enable a bluetooth adapter or proxy", ErrNotReady)

	// ErrDeviceNotFound is returned when the entry's device has not
	// been seen by any scanner.
	ErrDeviceNotFound = fmt.Errorf("%w: could not find Petoneer SmartDot", ErrNotReady)
)

// maxSetupRetry is the longest delay between setup retries.
const maxSetupRetry = 5 * time.Minute

// Record is the runtime state of a set up entry.
type Record struct {
	EntryID string
	MAC     string
	Device  scan.Device
}

// Locator finds devices seen by the host scanners.
type Locator interface {
	Lookup(addr string, connectable bool) (scan.Device, bool)
	ScannerCount(connectable bool) int
}

// Store is the persisted entry and state store.
type Store interface {
	Entry(ctx context.Context, id string) (*store.Entry, error)
	Entries(ctx context.Context) ([]store.Entry, error)
	entity.StateStore
}

// Options configures entry setup.
type Options struct {
	Connect link.Options
	// Settle is the time to wait after a command is
	// written before disconnecting.
	Settle time.Duration
	// SetupRetry is the initial delay before retrying
	// entries that are not ready.
	SetupRetry time.Duration
}

// Integration manages the set up entries.
type Integration struct {
	locator  Locator
	dialer   link.Dialer
	store    Store
	registry *entity.Registry
	bus      *entity.Bus
	opts     Options
	log      *zap.Logger

	// setupMu serializes setup and unload.
	setupMu sync.Mutex

	mu      sync.Mutex
	records map[string]Record

	sleep func(ctx context.Context, d time.Duration) error
}

// New returns a new Integration. Entities of set up entries are added to
// registry and publish their events on bus.
func New(locator Locator, dialer link.Dialer, st Store, registry *entity.Registry, bus *entity.Bus, opts Options, log *zap.Logger) *Integration {
	return &Integration{
		locator:  locator,
		dialer:   dialer,
		store:    st,
		registry: registry,
		bus:      bus,
		opts:     opts,
		log:      log,
		records:  make(map[string]Record),
		sleep:    sleep,
	}
}

// Setup sets up the entry e. If the entry's device is not known to the
// host's scanners, Setup returns an error wrapping ErrNotReady. Setting
// up an entry that is already set up is a no-op. Setting up an entry that
// is no longer stored returns an error wrapping store.ErrNotFound.
func (in *Integration) Setup(ctx context.Context, e store.Entry) error {
	in.setupMu.Lock()
	defer in.setupMu.Unlock()

	if _, ok := in.Record(e.ID); ok {
		return nil
	}
	// The entry may have been removed since e was read. Removal
	// deletes the entry before unloading it, so either the check
	// fails here or the unload waits for this setup to complete.
	_, err := in.store.Entry(ctx, e.ID)
	if err != nil {
		return err
	}
	log := in.log.With(zap.String("entry", e.ID), zap.String("mac", e.MAC))

	dev, ok := in.locator.Lookup(address.Upper(e.MAC), true)
	log.Debug("BLE device from host scanners", zap.Bool("found", ok), zap.String("name", dev.Name))
	if !ok {
		n := in.locator.ScannerCount(true)
		log.Debug("count of connectable BLE scanners", zap.Int("count", n))
		if n < 1 {
			return ErrNoScanner
		}
		return fmt.Errorf("%w with address %s", ErrDeviceNotFound, e.MAC)
	}

	connector := link.NewConnector(e.ID, in.dialer, in.opts.Connect, log.Named("link"))
	sender := link.NewSender(connector, in.opts.Settle, log.Named("link"))

	sel := entity.NewSelect(e.ID, e.MAC, in.store, in.bus, log)
	err = sel.Restore(ctx)
	if err != nil {
		log.Warn("failed to restore game preset", zap.Error(err))
	}
	in.registry.Add(
		sel,
		entity.NewStartButton(e.ID, e.MAC, dev, sel, sender, in.bus, log),
		entity.NewStopButton(e.ID, e.MAC, dev, sender, in.bus, log),
	)

	in.mu.Lock()
	in.records[e.ID] = Record{EntryID: e.ID, MAC: e.MAC, Device: dev}
	in.mu.Unlock()
	log.Info("entry set up", zap.String("title", e.Title))
	return nil
}

// Unload removes the entities and record of the entry. It returns false
// if the entry was not set up.
func (in *Integration) Unload(entryID string) bool {
	in.setupMu.Lock()
	defer in.setupMu.Unlock()

	in.mu.Lock()
	_, ok := in.records[entryID]
	delete(in.records, entryID)
	in.mu.Unlock()
	if !ok {
		return false
	}
	n := in.registry.RemoveEntry(entryID)
	in.log.Info("entry unloaded", zap.String("entry", entryID), zap.Int("entities", n))
	return true
}

// Record returns the record of a set up entry.
func (in *Integration) Record(entryID string) (Record, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	r, ok := in.records[entryID]
	return r, ok
}

// SetupAll sets up all stored entries. Entries that are not ready are
// retried with increasing delay until they are set up or ctx is done.
// Entries that fail for any other reason are not retried. The stored
// entries are reread before each retry so removed entries are not set
// up and added entries are.
func (in *Integration) SetupAll(ctx context.Context) error {
	failed := make(map[string]bool)
	delay := in.opts.SetupRetry
	if delay <= 0 {
		delay = time.Second
	}
	limit := max(delay, maxSetupRetry)
	for {
		entries, err := in.store.Entries(ctx)
		if err != nil {
			return fmt.Errorf("failed to list entries: %w", err)
		}
		var pending int
		for _, e := range entries {
			if failed[e.ID] {
				continue
			}
			err := in.Setup(ctx, e)
			switch {
			case err == nil:
			case errors.Is(err, store.ErrNotFound):
				in.log.Debug("entry removed before setup", zap.String("entry", e.ID))
			case errors.Is(err, ErrNotReady):
				in.log.Info("entry not ready", zap.String("entry", e.ID), zap.Error(err))
				pending++
			default:
				if ctx.Err() != nil {
					return ctx.Err()
				}
				in.log.Error("failed to set up entry", zap.String("entry", e.ID), zap.Error(err))
				failed[e.ID] = true
			}
		}
		if pending == 0 {
			return nil
		}
		in.log.Debug("retrying entry setup", zap.Int("pending", pending), zap.Duration("delay", delay))
		err = in.sleep(ctx, delay)
		if err != nil {
			return err
		}
		delay = min(2*delay, limit)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
