// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kortschak/smartdot/address"
	"github.com/kortschak/smartdot/command"
	"github.com/kortschak/smartdot/internal/entity"
	"github.com/kortschak/smartdot/internal/store"
)

func entriesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "entries",
		Short: "List configured SmartDots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			entries, err := a.store.Entries(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ENTRY\tMAC\tSOURCE\tPRESET\tCREATED")
			for _, e := range entries {
				sel := entity.NewSelect(e.ID, e.MAC, a.store, nil, a.log)
				err := sel.Restore(ctx)
				if err != nil {
					a.log.Warn("failed to restore preset", zap.String("entry", e.ID), zap.Error(err))
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.ID, e.UniqueID, e.Source, sel.Current(), e.CreatedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}
}

func removeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <entry>",
		Short: "Remove a configured SmartDot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := a.entry(ctx, args[0])
			if err != nil {
				return err
			}
			err = a.store.DeleteEntry(ctx, e.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s (%s)\n", e.ID, e.Title)
			return nil
		},
	}
}

func selectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:       "select <entry> <preset>",
		Short:     "Choose the game preset used by start",
		Args:      cobra.ExactArgs(2),
		ValidArgs: command.Presets(),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := a.entry(ctx, args[0])
			if err != nil {
				return err
			}
			sel := entity.NewSelect(e.ID, e.MAC, a.store, nil, a.log)
			err = sel.SelectOption(ctx, strings.ToLower(args[1]))
			if err != nil {
				if errors.Is(err, entity.ErrInvalidOption) {
					return fmt.Errorf("%w: valid presets are %s", err, strings.Join(sel.Options(), ", "))
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s preset: %s\n", e.Title, sel.Current())
			return nil
		},
	}
}

// entry returns the entry referred to by ref, which is either an entry
// ID or the device's MAC address.
func (a *app) entry(ctx context.Context, ref string) (*store.Entry, error) {
	e, err := a.store.Entry(ctx, ref)
	if !errors.Is(err, store.ErrNotFound) {
		return e, err
	}
	e, err = a.store.EntryByUniqueID(ctx, address.Format(address.FromInput(ref)))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, ref)
	}
	return e, err
}
