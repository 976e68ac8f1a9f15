// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package command implements the Petoneer SmartDot control commands.
//
// The SmartDot accepts a single 6-byte command on its control
// characteristic. Commands are written without response; the device
// does not acknowledge them.
package command

import (
	"bytes"
	"fmt"
)

// ControlCharacteristicID is the SmartDot control characteristic.
const ControlCharacteristicID = "0000fff3-0000-1000-8000-00805f9b34fb"

// PayloadSize is the length of every SmartDot command.
const PayloadSize = 6

// Mode is a SmartDot game mode.
type Mode uint8

//go:generate go tool golang.org/x/tools/cmd/stringer -type Mode -linecomment
const (
	Stop   Mode = iota // stop
	Small              // small
	Medium             // medium
	Large              // large

	modes = iota
)

// payloads is indexed by Mode.
var payloads = [modes][PayloadSize]byte{
	Stop:   {0x0f, 0x04, 0x07, 0x00, 0x00, 0x08},
	Small:  {0x0f, 0x04, 0x05, 0x00, 0x01, 0x07},
	Medium: {0x0f, 0x04, 0x05, 0x00, 0x02, 0x08},
	Large:  {0x0f, 0x04, 0x05, 0x00, 0x03, 0x09},
}

// Payload returns the command bytes for m. The returned slice is a
// copy and may be modified by the caller.
func Payload(m Mode) ([]byte, error) {
	if m >= modes {
		return nil, fmt.Errorf("invalid mode: %d", m)
	}
	p := payloads[m]
	return p[:], nil
}

// ParseMode returns the Mode with the given name.
func ParseMode(s string) (Mode, error) {
	for m := range Mode(modes) {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown mode: %q", s)
}

// Presets returns the names of the selectable game presets in
// table order. Stop is a command, not a preset.
func Presets() []string {
	p := make([]string, 0, modes-1)
	for m := range Mode(modes) {
		if m == Stop {
			continue
		}
		p = append(p, m.String())
	}
	return p
}

// IsPayload reports whether b is one of the SmartDot commands.
func IsPayload(b []byte) bool {
	for _, p := range payloads {
		if bytes.Equal(p[:], b) {
			return true
		}
	}
	return false
}
