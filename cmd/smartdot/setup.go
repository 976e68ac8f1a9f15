// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kortschak/smartdot/internal/flow"
	"github.com/kortschak/smartdot/internal/scan"
)

func setupCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Add a SmartDot interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := flow.New(a.store, scan.NewAdapter(nil), flow.Options{
				Name:    a.cfg.Scan.Name,
				Timeout: a.cfg.Scan.Timeout,
			}, a.log.Named("flow"))
			return runFlow(cmd.Context(), f, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

// runFlow drives f with answers read from r, writing prompts to w.
func runFlow(ctx context.Context, f *flow.Flow, r io.Reader, w io.Writer) error {
	in := bufio.NewScanner(r)
	res, err := f.User(ctx, nil)
	for {
		if err != nil {
			return err
		}
		switch res.Kind {
		case flow.Abort:
			return fmt.Errorf("setup aborted: %s", res.Reason)
		case flow.CreateEntry:
			fmt.Fprintf(w, "created entry %s for %s\n", res.Entry.ID, res.Entry.Title)
			return nil
		}

		for field, msg := range res.Errors {
			fmt.Fprintf(w, "error (%s): %s\n", field, msg)
		}
		var input flow.Input
		switch res.StepID {
		case flow.StepUser:
			choice, err := choose(in, w, "setup method", res.Options)
			if err != nil {
				return err
			}
			input.Method = &choice
		case flow.StepScan:
			fmt.Fprint(w, "press enter to scan again: ")
			if !in.Scan() {
				return inputErr(in)
			}
		case flow.StepDevice:
			var mac string
			if len(res.Options) != 0 {
				mac, err = choose(in, w, "device", res.Options)
			} else {
				mac, err = prompt(in, w, "MAC address: ")
			}
			if err != nil {
				return err
			}
			input.MAC = &mac
		default:
			return fmt.Errorf("unexpected step: %s", res.StepID)
		}
		res, err = f.Submit(ctx, input)
	}
}

// choose asks the user to pick one of options by number or value.
func choose(in *bufio.Scanner, w io.Writer, what string, options []string) (string, error) {
	for i, o := range options {
		fmt.Fprintf(w, "  %d) %s\n", i+1, o)
	}
	ans, err := prompt(in, w, fmt.Sprintf("%s [1-%d]: ", what, len(options)))
	if err != nil {
		return "", err
	}
	n, err := strconv.Atoi(ans)
	if err == nil && 1 <= n && n <= len(options) {
		return options[n-1], nil
	}
	return ans, nil
}

func prompt(in *bufio.Scanner, w io.Writer, msg string) (string, error) {
	fmt.Fprint(w, msg)
	if !in.Scan() {
		return "", inputErr(in)
	}
	return strings.TrimSpace(in.Text()), nil
}

func inputErr(in *bufio.Scanner) error {
	err := in.Err()
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return errors.Join(errors.New("setup cancelled"), err)
}
