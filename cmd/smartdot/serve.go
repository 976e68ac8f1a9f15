// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"net"
	"os"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kortschak/smartdot/internal/api"
	"github.com/kortschak/smartdot/internal/flow"
	"github.com/kortschak/smartdot/internal/scan"
)

func serveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and keep configured SmartDots set up",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), a)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	log := a.log
	s := a.stack()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	defer wg.Wait()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runCache(ctx, log)
	}()

	newFlow := func() *flow.Flow {
		// Discovery shares the cache's scanner.
		return flow.New(a.store, s.cache, flow.Options{
			Name:    a.cfg.Scan.Name,
			Timeout: a.cfg.Scan.Timeout,
		}, log.Named("flow"))
	}
	srv := api.New(a.store, s.in, s.registry, s.bus, newFlow, api.Options{}, log.Named("api"))
	defer srv.Close()
	srv.SetupEntries()

	// Offer setup of unconfigured SmartDots as they are seen.
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.cache.Scan(ctx, func(d scan.Device) {
			if d.Name == a.cfg.Scan.Name {
				srv.Discovered(ctx, d)
			}
		})
	}()

	ready := func(addr net.Addr) {
		if !a.cfg.HTTP.MDNS {
			return
		}
		tcp, ok := addr.(*net.TCPAddr)
		if !ok {
			return
		}
		host, err := os.Hostname()
		if err != nil {
			host = "smartdot"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := api.Advertise(ctx, host, tcp.Port, log.Named("mdns"))
			if err != nil {
				log.Warn("mdns advertisement failed", zap.Error(err))
			}
		}()
	}
	err := api.Serve(ctx, a.cfg.HTTP.Addr, srv.Handler(), ready, log)
	cancel()
	return err
}
