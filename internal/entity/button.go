// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package entity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kortschak/smartdot/command"
	"github.com/kortschak/smartdot/internal/scan"
	"github.com/kortschak/smartdot/internal/tracing"
)

// Sender sends a single command to a device.
type Sender interface {
	Send(ctx context.Context, dev scan.Device, payload []byte) error
}

// Button is a SmartDot start or stop button.
type Button struct {
	entryID string
	id      string
	name    string
	icon    string
	device  DeviceInfo
	dev     scan.Device

	// mode returns the mode to send on press.
	mode func() (command.Mode, bool)

	sender Sender
	bus    *Bus
	log    *zap.Logger

	// mu serializes presses.
	mu sync.Mutex

	stateMu     sync.Mutex
	lastPressed time.Time
}

// NewStartButton returns the button that starts a game with the preset
// currently chosen in sel.
func NewStartButton(entryID, mac string, dev scan.Device, sel *Select, sender Sender, bus *Bus, log *zap.Logger) *Button {
	return newButton(entryID, "_start_game", "Start", "mdi:play", mac, dev, sel.Mode, sender, bus, log)
}

// NewStopButton returns the button that stops a game.
func NewStopButton(entryID, mac string, dev scan.Device, sender Sender, bus *Bus, log *zap.Logger) *Button {
	stop := func() (command.Mode, bool) { return command.Stop, true }
	return newButton(entryID, "_stop_game", "Stop", "mdi:stop", mac, dev, stop, sender, bus, log)
}

func newButton(entryID, suffix, name, icon, mac string, dev scan.Device, mode func() (command.Mode, bool), sender Sender, bus *Bus, log *zap.Logger) *Button {
	id := entryID + suffix
	log = log.With(zap.String("entity", id))
	log.Debug("initializing BLE device", zap.String("name", dev.Name), zap.String("mac", mac))
	return &Button{
		entryID: entryID,
		id:      id,
		name:    name,
		icon:    icon,
		device:  NewDeviceInfo(mac),
		dev:     dev,
		mode:    mode,
		sender:  sender,
		bus:     bus,
		log:     log,
	}
}

func (b *Button) ID() string         { return b.id }
func (b *Button) EntryID() string    { return b.entryID }
func (b *Button) Kind() string       { return KindButton }
func (b *Button) Name() string       { return b.name }
func (b *Button) Icon() string       { return b.icon }
func (b *Button) Device() DeviceInfo { return b.device }

// State returns the time of the last press, or "unknown" if the button
// has not been pressed.
func (b *Button) State() string {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	if b.lastPressed.IsZero() {
		return "unknown"
	}
	return b.lastPressed.UTC().Format(time.RFC3339Nano)
}

// Press sends the button's command to the device. Failures are logged
// and reported as a Pressed event; they are not returned.
func (b *Button) Press(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ctx, span := tracing.Start(ctx, "entity.Press")
	var err error
	defer func() { tracing.End(span, err) }()

	m, ok := b.mode()
	if !ok {
		b.log.Debug("select game mode first")
		return
	}
	b.log.Debug("current game mode", zap.Stringer("mode", m))
	payload, err := command.Payload(m)
	if err != nil {
		b.log.Error("no command for mode", zap.Stringer("mode", m), zap.Error(err))
		return
	}

	now := time.Now()
	b.stateMu.Lock()
	b.lastPressed = now
	b.stateMu.Unlock()
	err = b.sender.Send(ctx, b.dev, payload)
	ev := Event{Type: Pressed, EntityID: b.id, State: m.String(), Time: now}
	if err != nil {
		b.log.Error("failed to send command", zap.Stringer("mode", m), zap.Error(err))
		ev.Error = err.Error()
	}
	b.bus.Publish(ev)
}
