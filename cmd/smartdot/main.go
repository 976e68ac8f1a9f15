// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The smartdot command controls Petoneer SmartDot cat toys over
// Bluetooth LE.
//
// Usage:
//
//	smartdot serve                       # run the HTTP API and keep entries set up
//	smartdot setup                       # add a SmartDot interactively
//	smartdot entries                     # list configured SmartDots
//	smartdot remove <entry>              # remove a SmartDot
//	smartdot select <entry> <preset>     # choose the game preset
//	smartdot press <entry> start|stop    # start or stop a game
//	smartdot scan                        # list nearby SmartDots
//	smartdot config [--force]            # write the effective configuration
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kortschak/smartdot/internal/config"
	"github.com/kortschak/smartdot/internal/logging"
	"github.com/kortschak/smartdot/internal/store"
	"github.com/kortschak/smartdot/internal/tracing"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var a app
	root := &cobra.Command{
		Use:           "smartdot",
		Short:         "Control Petoneer SmartDot cat toys",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.Close()
		},
	}
	root.PersistentFlags().StringVar(&a.cfgPath, "config", "smartdot.yaml", "configuration file path")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level override (debug|info|warn|error)")
	root.AddCommand(
		serveCmd(&a),
		setupCmd(&a),
		entriesCmd(&a),
		removeCmd(&a),
		selectCmd(&a),
		pressCmd(&a),
		scanCmd(&a),
		configCmd(&a),
	)

	err := root.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "smartdot: %v\n", err)
		a.Close()
		os.Exit(1)
	}
}

// app holds the resources shared by commands.
type app struct {
	cfgPath  string
	logLevel string

	cfg   *config.Config
	log   *zap.Logger
	store *store.Store

	closers []func() error
}

func (a *app) open() error {
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	err = cfg.Validate()
	if err != nil {
		return err
	}
	a.cfg = cfg

	log, flush, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	a.log = log
	a.closers = append(a.closers, func() error { flush(); return nil })

	shutdown, err := tracing.Setup(cfg.Tracing)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error { return shutdown(context.Background()) })

	a.store, err = store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, a.store.Close)
	log.Debug("opened store", zap.String("path", cfg.Store.Path))
	return nil
}

// Close releases the app's resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
