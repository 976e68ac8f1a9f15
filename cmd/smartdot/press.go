// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kortschak/smartdot/address"
	"github.com/kortschak/smartdot/internal/entity"
	"github.com/kortschak/smartdot/internal/scan"
)

func pressCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:       "press <entry> start|stop",
		Short:     "Start a game with the selected preset or stop a game",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"start", "stop"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var suffix string
			switch args[1] {
			case "start":
				suffix = "_start_game"
			case "stop":
				suffix = "_stop_game"
			default:
				return fmt.Errorf("unknown button %q: want start or stop", args[1])
			}

			ctx := cmd.Context()
			e, err := a.entry(ctx, args[0])
			if err != nil {
				return err
			}
			s := a.stack()
			err = s.setupWhenSeen(ctx, *e, a.cfg.Scan.Timeout)
			if err != nil {
				return err
			}
			ent, ok := s.registry.Get(e.ID + suffix)
			if !ok {
				return fmt.Errorf("no %s button for %s", args[1], e.ID)
			}
			button := ent.(*entity.Button)

			var result *entity.Event
			unsub := s.bus.Subscribe(func(ev entity.Event) {
				if ev.Type == entity.Pressed && ev.EntityID == button.ID() {
					result = &ev
				}
			})
			defer unsub()
			button.Press(ctx)
			switch {
			case result == nil:
				return errors.New("no command sent: select a game preset first")
			case result.Error != "":
				return errors.New(result.Error)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", e.Title, args[1])
			return nil
		},
	}
}

func scanCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "List nearby SmartDots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			found, err := scan.Discover(ctx, scan.NewAdapter(nil), a.cfg.Scan.Name, a.cfg.Scan.Timeout, a.log.Named("scan"))
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MAC\tNAME\tRSSI\tCONFIGURED")
			for _, d := range found {
				configured, err := a.store.Configured(ctx, address.Format(d.Address))
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%t\n", d.Address, d.Name, d.RSSI, configured)
			}
			return w.Flush()
		},
	}
}
