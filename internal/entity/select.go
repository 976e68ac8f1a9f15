// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package entity

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/kortschak/smartdot/command"
)

// ErrInvalidOption is returned when selecting an option that is not
// offered by a Select.
var ErrInvalidOption = errors.New("invalid option")

// DefaultPreset is the preset of a Select with no saved state.
const DefaultPreset = "small"

// Select is the game preset control. It does not communicate with
// the device; the start button reads its current option.
type Select struct {
	entryID string
	id      string
	device  DeviceInfo
	options []string

	store StateStore
	bus   *Bus
	log   *zap.Logger

	mu      sync.Mutex
	current string
}

// NewSelect returns the game preset select for the entry. store and bus
// may be nil.
func NewSelect(entryID, mac string, store StateStore, bus *Bus, log *zap.Logger) *Select {
	id := entryID + "_game_preset"
	return &Select{
		entryID: entryID,
		id:      id,
		device:  NewDeviceInfo(mac),
		options: command.Presets(),
		store:   store,
		bus:     bus,
		log:     log.With(zap.String("entity", id)),
		current: DefaultPreset,
	}
}

func (s *Select) ID() string         { return s.id }
func (s *Select) EntryID() string    { return s.entryID }
func (s *Select) Kind() string       { return KindSelect }
func (s *Select) Name() string       { return "Game preset" }
func (s *Select) Icon() string       { return "mdi:paw" }
func (s *Select) Device() DeviceInfo { return s.device }
func (s *Select) State() string      { return s.Current() }

// Options returns the selectable presets.
func (s *Select) Options() []string {
	return slices.Clone(s.options)
}

// Current returns the current preset.
func (s *Select) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Restore sets the current option to the last saved state. A saved
// state that is not an option is ignored.
func (s *Select) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	state, ok, err := s.store.LastState(ctx, s.id)
	if err != nil {
		return fmt.Errorf("restore %s: %w", s.id, err)
	}
	if !ok {
		return nil
	}
	if !slices.Contains(s.options, state) {
		s.log.Warn("ignoring invalid saved state", zap.String("state", state))
		return nil
	}
	s.mu.Lock()
	s.current = state
	s.mu.Unlock()
	s.log.Debug("restored state", zap.String("state", state))
	return nil
}

// SelectOption sets the current option. Options not offered by the
// Select are rejected with ErrInvalidOption and leave the current
// option unchanged.
func (s *Select) SelectOption(ctx context.Context, option string) error {
	if !slices.Contains(s.options, option) {
		return fmt.Errorf("%w for %s: %q", ErrInvalidOption, s.id, option)
	}
	s.mu.Lock()
	s.current = option
	s.mu.Unlock()

	if s.store != nil {
		err := s.store.SaveState(ctx, s.entryID, s.id, option)
		if err != nil {
			s.log.Error("failed to save state", zap.Error(err))
		}
	}
	s.bus.Publish(Event{Type: StateChanged, EntityID: s.id, State: option})
	return nil
}

// Mode returns the command mode of the current option.
func (s *Select) Mode() (command.Mode, bool) {
	cur := s.Current()
	if cur == "" {
		return 0, false
	}
	m, err := command.ParseMode(cur)
	if err != nil || m == command.Stop {
		return 0, false
	}
	return m, true
}
