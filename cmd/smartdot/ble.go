// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kortschak/smartdot/address"
	"github.com/kortschak/smartdot/internal/bluez"
	"github.com/kortschak/smartdot/internal/entity"
	"github.com/kortschak/smartdot/internal/integration"
	"github.com/kortschak/smartdot/internal/link"
	"github.com/kortschak/smartdot/internal/scan"
	"github.com/kortschak/smartdot/internal/store"
)

// stack is the Bluetooth side of the application: the adapter, the
// advertisement cache fed by it and the entries bound to cached devices.
type stack struct {
	adapter  *scan.Adapter
	cache    *scan.Cache
	registry *entity.Registry
	bus      *entity.Bus
	in       *integration.Integration
}

func (a *app) stack() *stack {
	counter := &bluez.Counter{}
	a.closers = append(a.closers, counter.Close)

	adapter := scan.NewAdapter(nil)
	cache := scan.NewCache(counter, a.log.Named("cache"))
	registry := entity.NewRegistry()
	bus := entity.NewBus(a.log.Named("bus"))
	c := a.cfg.Connect
	in := integration.New(cache, link.NewBluetooth(adapter), a.store, registry, bus, integration.Options{
		Connect: link.Options{
			Attempts:        c.Attempts,
			Backoff:         c.Backoff,
			MaxBackoff:      c.MaxBackoff,
			Timeout:         c.Timeout,
			BreakerFailures: c.BreakerFailures,
			BreakerTimeout:  c.BreakerTimeout,
		},
		Settle:     a.cfg.Settle,
		SetupRetry: c.SetupRetry,
	}, a.log.Named("integration"))
	return &stack{
		adapter:  adapter,
		cache:    cache,
		registry: registry,
		bus:      bus,
		in:       in,
	}
}

// runCache feeds the cache from the adapter until ctx is done.
func (s *stack) runCache(ctx context.Context, log *zap.Logger) {
	err := s.cache.Run(ctx, s.adapter)
	if err != nil && ctx.Err() == nil {
		log.Error("bluetooth scanner stopped", zap.Error(err))
	}
}

// setupWhenSeen sets up the entry as soon as its device has been seen,
// waiting at most timeout.
func (s *stack) setupWhenSeen(ctx context.Context, e store.Entry, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	go s.cache.Run(ctx, s.adapter)

	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		err := s.in.Setup(ctx, e)
		if !errors.Is(err, integration.ErrNotReady) {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s not seen within %v", err, address.Upper(e.MAC), timeout)
		case <-tick.C:
		}
	}
}
