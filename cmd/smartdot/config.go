// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/kortschak/smartdot/internal/config"
)

func configCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write the effective configuration to the config path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := writeConfig(a.cfg, a.cfgPath, force)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", a.cfgPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing configuration file")
	return cmd
}

// writeConfig saves cfg to path. An existing file is only replaced
// when force is true.
func writeConfig(cfg *config.Config, path string, force bool) error {
	if path == "" {
		return errors.New("no config path")
	}
	if !force {
		_, err := os.Stat(path)
		if err == nil {
			return fmt.Errorf("%s exists: use --force to overwrite", path)
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return cfg.Save(path)
}
