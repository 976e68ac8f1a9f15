// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bluez enumerates BlueZ Bluetooth adapters over D-Bus.
//
// The adapters are used to decide whether a device missing from the
// scan cache is absent or whether the host has no way to see it.
package bluez

import (
	"cmp"
	"fmt"
	"slices"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	service       = "org.bluez"
	adapterIface  = "org.bluez.Adapter1"
	managedObject = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"
)

// Adapter is a BlueZ Bluetooth adapter.
type Adapter struct {
	Path    dbus.ObjectPath
	Address string
	Name    string
	Powered bool
}

type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// Adapters returns the Bluetooth adapters known to BlueZ.
func Adapters(conn *dbus.Conn) ([]Adapter, error) {
	var objects managedObjects
	err := conn.Object(service, "/").Call(managedObject, 0).Store(&objects)
	if err != nil {
		return nil, fmt.Errorf("failed to get bluez objects: %w", err)
	}
	return adapters(objects), nil
}

func adapters(objects managedObjects) []Adapter {
	var a []Adapter
	for path, ifaces := range objects {
		props, ok := ifaces[adapterIface]
		if !ok {
			continue
		}
		ad := Adapter{Path: path}
		if v, ok := props["Address"]; ok {
			ad.Address, _ = v.Value().(string)
		}
		if v, ok := props["Alias"]; ok {
			ad.Name, _ = v.Value().(string)
		}
		if v, ok := props["Powered"]; ok {
			ad.Powered, _ = v.Value().(bool)
		}
		a = append(a, ad)
	}
	slices.SortFunc(a, func(x, y Adapter) int {
		return cmp.Compare(x.Path, y.Path)
	})
	return a
}

// Counter counts powered BlueZ adapters on the system bus. The
// connection is opened on first use.
type Counter struct {
	mu   sync.Mutex
	conn *dbus.Conn
}

// ScannerCount returns the number of powered adapters. BlueZ adapters
// are able to connect, so connectable is not used to filter them.
func (c *Counter) ScannerCount(connectable bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		conn, err := dbus.ConnectSystemBus()
		if err != nil {
			return 0, fmt.Errorf("failed to connect to system bus: %w", err)
		}
		c.conn = conn
	}
	a, err := Adapters(c.conn)
	if err != nil {
		return 0, err
	}
	var n int
	for _, ad := range a {
		if ad.Powered {
			n++
		}
	}
	return n, nil
}

// Close closes the system bus connection if it was opened.
func (c *Counter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
