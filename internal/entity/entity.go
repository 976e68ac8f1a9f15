// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package entity implements the SmartDot controls exposed to users: a
// game preset select and start and stop buttons.
package entity

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Domain identifies SmartDot devices in device info identifiers.
const Domain = "petoneer_smartdot"

// Entity kinds.
const (
	KindSelect = "select"
	KindButton = "button"
)

// DeviceInfo describes the physical device an entity belongs to. It
// is used to group entities by device.
type DeviceInfo struct {
	Identifiers  [][2]string `json:"identifiers"`
	Name         string      `json:"name"`
	Manufacturer string      `json:"manufacturer"`
	Model        string      `json:"model"`
}

// NewDeviceInfo returns the device info for the SmartDot with the given
// MAC address.
func NewDeviceInfo(mac string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  [][2]string{{Domain, mac}},
		Name:         fmt.Sprintf("Petoneer SmartDot (%s)", mac),
		Manufacturer: "Petoneer",
		Model:        "SmartDot",
	}
}

// Entity is a user-facing control.
type Entity interface {
	// ID returns the unique ID of the entity.
	ID() string
	// EntryID returns the ID of the entry that owns the entity.
	EntryID() string
	Kind() string
	Name() string
	Icon() string
	// State returns the current state of the entity.
	State() string
	Device() DeviceInfo
}

// StateStore persists entity states for restoration.
type StateStore interface {
	LastState(ctx context.Context, entityID string) (string, bool, error)
	SaveState(ctx context.Context, entryID, entityID, state string) error
}

// EventType is the type of an entity event.
type EventType string

const (
	StateChanged EventType = "state_changed"
	Pressed      EventType = "pressed"
)

// Event is a notification about an entity.
type Event struct {
	Type     EventType `json:"type"`
	EntityID string    `json:"entity_id"`
	State    string    `json:"state,omitempty"`
	Error    string    `json:"error,omitempty"`
	Time     time.Time `json:"time"`
}

// Bus is an in-process entity event bus. Handlers are called
// synchronously in subscription order and must not block.
type Bus struct {
	log *zap.Logger

	mu     sync.RWMutex
	nextID uint64
	subs   []subscription
}

type subscription struct {
	id uint64
	fn func(Event)
}

// NewBus returns a new event bus.
func NewBus(log *zap.Logger) *Bus {
	return &Bus{log: log}
}

// Subscribe registers fn to receive all events. The returned function
// removes the subscription.
func (b *Bus) Subscribe(fn func(Event)) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, fn: fn})
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subs = slices.DeleteFunc(b.subs, func(s subscription) bool { return s.id == id })
	}
}

// Publish sends ev to all subscribers. A nil Bus discards events.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.RLock()
	subs := slices.Clone(b.subs)
	b.mu.RUnlock()
	for _, s := range subs {
		b.dispatch(s, ev)
	}
}

func (b *Bus) dispatch(s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked",
				zap.String("event", string(ev.Type)),
				zap.Any("panic", r),
			)
		}
	}()
	s.fn(ev)
}

// Registry holds the entities of set up entries.
type Registry struct {
	mu       sync.RWMutex
	entities map[string]Entity
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entities: make(map[string]Entity)}
}

// Add registers entities, replacing any with the same ID.
func (r *Registry) Add(entities ...Entity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entities {
		r.entities[e.ID()] = e
	}
}

// RemoveEntry removes all entities belonging to the entry and returns
// the number removed.
func (r *Registry) RemoveEntry(entryID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	for id, e := range r.entities {
		if e.EntryID() == entryID {
			delete(r.entities, id)
			n++
		}
	}
	return n
}

// Get returns the entity with the given ID.
func (r *Registry) Get(id string) (Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[id]
	return e, ok
}

// All returns the registered entities ordered by ID.
func (r *Registry) All() []Entity {
	r.mu.RLock()
	all := make([]Entity, 0, len(r.entities))
	for _, e := range r.entities {
		all = append(all, e)
	}
	r.mu.RUnlock()
	slices.SortFunc(all, func(a, b Entity) int { return cmp.Compare(a.ID(), b.ID()) })
	return all
}
