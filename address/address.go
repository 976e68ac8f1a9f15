// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package address implements normalization of Bluetooth MAC addresses
// entered by users or reported by scanners.
package address

import "strings"

// Len is the length of a colon-separated MAC address.
const Len = 17

// FromInput returns the address part of user input. Input longer than a
// colon-separated MAC is truncated, so "AA:BB:CC:DD:EE:FF (PetCat)"
// yields "AA:BB:CC:DD:EE:FF".
func FromInput(s string) string {
	if len(s) > Len {
		return s[:Len]
	}
	return s
}

// Format returns the canonical lower-case, colon-separated form of mac.
// Colon, dash, dotted and bare hexadecimal forms are recognized. Any
// other input is returned unchanged.
func Format(mac string) string {
	s := mac
	switch {
	case len(s) == Len && strings.Count(s, ":") == 5:
		return strings.ToLower(s)
	case len(s) == Len && strings.Count(s, "-") == 5:
		s = strings.ReplaceAll(s, "-", "")
	case len(s) == 14 && strings.Count(s, ".") == 2:
		s = strings.ReplaceAll(s, ".", "")
	}
	if len(s) != 12 {
		return mac
	}
	s = strings.ToLower(s)
	var b strings.Builder
	b.Grow(Len)
	for i := 0; i < len(s); i += 2 {
		if i != 0 {
			b.WriteByte(':')
		}
		b.WriteString(s[i : i+2])
	}
	return b.String()
}

// Upper returns the upper-case form of mac used as a device cache key.
func Upper(mac string) string {
	return strings.ToUpper(mac)
}
