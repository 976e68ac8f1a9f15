// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package flow implements the guided setup of a SmartDot entry.
//
// A flow starts either from the user step, where the user chooses
// between scanning for devices and entering an address, or from the
// bluetooth step when a device is discovered. Both paths end at the
// device step, which creates an entry keyed by the canonical MAC
// address of the device. A device can be configured at most once.
package flow

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/kortschak/smartdot/address"
	"github.com/kortschak/smartdot/internal/scan"
	"github.com/kortschak/smartdot/internal/store"
)

// Setup methods offered by the user step.
const (
	MethodScan   = "Scan"
	MethodManual = "Enter MAC manually"
)

// Step IDs.
const (
	StepUser   = "user"
	StepScan   = "scan"
	StepDevice = "device"
)

// Abort reasons and form errors.
const (
	ReasonAlreadyConfigured = "already_configured"
	ReasonNoDevicesFound    = "no_devices_found"

	ErrorScan          = "BleakError"
	ErrorInvalidMethod = "invalid_method"
	ErrorInvalidOption = "invalid_option"
	ErrorInvalidMAC    = "invalid_mac"
)

// Kind is the kind of a step result.
type Kind string

const (
	Form        Kind = "form"
	Abort       Kind = "abort"
	CreateEntry Kind = "create_entry"
)

// Result is the outcome of a flow step.
type Result struct {
	Kind   Kind   `json:"type"`
	StepID string `json:"step_id,omitempty"`

	// Options lists the accepted values for the form's
	// field. An empty list for the device step accepts
	// any address.
	Options []string          `json:"options,omitempty"`
	Errors  map[string]string `json:"errors,omitempty"`

	Reason string       `json:"reason,omitempty"`
	Entry  *store.Entry `json:"entry,omitempty"`
}

// Input is user input for the current step of a flow.
type Input struct {
	Method *string `json:"method,omitempty"`
	MAC    *string `json:"mac,omitempty"`
}

// Entries is the persisted entry set.
type Entries interface {
	Configured(ctx context.Context, uniqueID string) (bool, error)
	CreateEntry(ctx context.Context, e *store.Entry) error
}

// Options configures device discovery.
type Options struct {
	Name    string        // advertised name, scan.Name if empty
	Timeout time.Duration // scan duration
}

// Flow is a single setup flow. A Flow is not safe for concurrent use.
type Flow struct {
	entries Entries
	scanner scan.Scanner
	opts    Options
	log     *zap.Logger

	step     string
	source   string
	uniqueID string
	devices  []string
}

// New returns a new flow.
func New(entries Entries, scanner scan.Scanner, opts Options, log *zap.Logger) *Flow {
	if opts.Name == "" {
		opts.Name = scan.Name
	}
	return &Flow{
		entries: entries,
		scanner: scanner,
		opts:    opts,
		log:     log,
		source:  store.SourceUser,
	}
}

// Step returns the ID of the step awaiting input.
func (f *Flow) Step() string { return f.step }

// Submit passes in to the step awaiting input. A flow that has not
// started begins at the user step.
func (f *Flow) Submit(ctx context.Context, in Input) (Result, error) {
	switch f.step {
	case "", StepUser:
		return f.User(ctx, in.Method)
	case StepScan:
		return f.Scan(ctx)
	case StepDevice:
		return f.Device(ctx, in.MAC)
	default:
		return Result{}, fmt.Errorf("flow has finished at step %q", f.step)
	}
}

// User handles a flow started by the user. A nil method shows the
// method choice form.
func (f *Flow) User(ctx context.Context, method *string) (Result, error) {
	methods := []string{MethodScan, MethodManual}
	if method == nil {
		return f.form(StepUser, methods, nil), nil
	}
	f.log.Debug("method selected", zap.String("method", *method))
	switch *method {
	case MethodScan:
		return f.Scan(ctx)
	case MethodManual:
		f.devices = nil
		return f.Device(ctx, nil)
	default:
		return f.form(StepUser, methods, map[string]string{"method": ErrorInvalidMethod}), nil
	}
}

// Scan scans for SmartDot devices and offers those found.
func (f *Flow) Scan(ctx context.Context) (Result, error) {
	f.log.Debug("starting a scan for Petoneer SmartDot devices")
	found, err := scan.Discover(ctx, f.scanner, f.opts.Name, f.opts.Timeout, f.log)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		f.log.Error("bluetooth connection error while trying to scan", zap.Error(err))
		return f.form(StepScan, nil, map[string]string{"base": ErrorScan}), nil
	}
	if len(found) == 0 {
		return f.abort(ReasonNoDevicesFound), nil
	}
	f.devices = make([]string, len(found))
	for i, d := range found {
		f.devices[i] = fmt.Sprintf("%s (%s)", d.Address, f.opts.Name)
	}
	return f.Device(ctx, nil)
}

// Bluetooth handles a flow started by discovery of dev.
func (f *Flow) Bluetooth(ctx context.Context, dev scan.Device) (Result, error) {
	f.log.Debug("discovered bluetooth device", zap.String("mac", dev.Address), zap.String("name", dev.Name))
	f.source = store.SourceBluetooth
	f.uniqueID = address.Format(dev.Address)
	configured, err := f.entries.Configured(ctx, f.uniqueID)
	if err != nil {
		return Result{}, err
	}
	if configured {
		return f.abort(ReasonAlreadyConfigured), nil
	}
	f.devices = []string{fmt.Sprintf("%s (%s)", dev.Address, dev.Name)}
	return f.Device(ctx, nil)
}

var canonicalMAC = regexp.MustCompile(`^[0-9a-f]{2}(:[0-9a-f]{2}){5}$`)

// Device creates the entry for the chosen or entered address. A nil mac
// shows the device form.
func (f *Flow) Device(ctx context.Context, mac *string) (Result, error) {
	if mac == nil || *mac == "" {
		return f.form(StepDevice, f.devices, nil), nil
	}
	if len(f.devices) != 0 && !slices.Contains(f.devices, *mac) {
		return f.form(StepDevice, f.devices, map[string]string{"mac": ErrorInvalidOption}), nil
	}

	addr := address.FromInput(*mac)
	uniqueID := address.Format(addr)
	f.log.Debug("Petoneer SmartDot ID", zap.String("unique_id", uniqueID))
	if !canonicalMAC.MatchString(uniqueID) {
		return f.form(StepDevice, f.devices, map[string]string{"mac": ErrorInvalidMAC}), nil
	}

	f.uniqueID = uniqueID
	configured, err := f.entries.Configured(ctx, uniqueID)
	if err != nil {
		return Result{}, err
	}
	if configured {
		return f.abort(ReasonAlreadyConfigured), nil
	}

	e := &store.Entry{
		UniqueID: uniqueID,
		Title:    uniqueID,
		MAC:      addr,
		Source:   f.source,
	}
	err = f.entries.CreateEntry(ctx, e)
	if errors.Is(err, store.ErrAlreadyConfigured) {
		return f.abort(ReasonAlreadyConfigured), nil
	}
	if err != nil {
		return Result{}, err
	}
	f.step = string(CreateEntry)
	return Result{Kind: CreateEntry, Entry: e}, nil
}

func (f *Flow) form(step string, options []string, errs map[string]string) Result {
	f.step = step
	return Result{Kind: Form, StepID: step, Options: slices.Clone(options), Errors: errs}
}

func (f *Flow) abort(reason string) Result {
	f.step = string(Abort)
	return Result{Kind: Abort, Reason: reason}
}
