// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package entity

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kortschak/smartdot/internal/scan"
)

const mac = "aa:bb:cc:dd:ee:ff"

var petCat = scan.Device{Address: "AA:BB:CC:DD:EE:FF", Name: "PetCat", Connectable: true}

type memStore struct {
	mu     sync.Mutex
	states map[string]string
	err    error
}

func (s *memStore) LastState(_ context.Context, entityID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", false, s.err
	}
	st, ok := s.states[entityID]
	return st, ok, nil
}

func (s *memStore) SaveState(_ context.Context, _, entityID, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.states == nil {
		s.states = make(map[string]string)
	}
	s.states[entityID] = state
	return nil
}

type recSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (s *recSender) Send(_ context.Context, dev scan.Device, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, dev.Address+"/"+hex.EncodeToString(payload))
	return s.err
}

func collect(bus *Bus) *[]Event {
	var events []Event
	bus.Subscribe(func(ev Event) { events = append(events, ev) })
	return &events
}

func TestSelectDefault(t *testing.T) {
	sel := NewSelect("e1", mac, nil, nil, zap.NewNop())
	assert.Equal(t, "e1_game_preset", sel.ID())
	assert.Equal(t, "small", sel.Current())
	assert.Equal(t, []string{"small", "medium", "large"}, sel.Options())
	assert.Equal(t, KindSelect, sel.Kind())
	assert.Equal(t, "mdi:paw", sel.Icon())
	assert.Equal(t, NewDeviceInfo(mac), sel.Device())
}

func TestSelectRestore(t *testing.T) {
	store := &memStore{states: map[string]string{"e1_game_preset": "large"}}
	sel := NewSelect("e1", mac, store, nil, zap.NewNop())
	require.NoError(t, sel.Restore(context.Background()))
	assert.Equal(t, "large", sel.Current())

	store = &memStore{states: map[string]string{"e1_game_preset": "stop"}}
	sel = NewSelect("e1", mac, store, nil, zap.NewNop())
	require.NoError(t, sel.Restore(context.Background()))
	assert.Equal(t, "small", sel.Current(), "invalid saved state should be ignored")

	sel = NewSelect("e1", mac, &memStore{}, nil, zap.NewNop())
	require.NoError(t, sel.Restore(context.Background()))
	assert.Equal(t, "small", sel.Current())

	sel = NewSelect("e1", mac, &memStore{err: errors.New("disk I/O error")}, nil, zap.NewNop())
	assert.Error(t, sel.Restore(context.Background()))
	assert.Equal(t, "small", sel.Current())
}

func TestSelectOption(t *testing.T) {
	store := &memStore{}
	bus := NewBus(zap.NewNop())
	events := collect(bus)
	sel := NewSelect("e1", mac, store, bus, zap.NewNop())

	require.NoError(t, sel.SelectOption(context.Background(), "medium"))
	assert.Equal(t, "medium", sel.Current())
	assert.Equal(t, "medium", store.states["e1_game_preset"])
	require.Len(t, *events, 1)
	assert.Equal(t, StateChanged, (*events)[0].Type)
	assert.Equal(t, "medium", (*events)[0].State)

	for _, bad := range []string{"stop", "huge", ""} {
		err := sel.SelectOption(context.Background(), bad)
		assert.ErrorIs(t, err, ErrInvalidOption)
		assert.Equal(t, "medium", sel.Current())
	}
	assert.Len(t, *events, 1, "rejected options should not notify")
}

func TestStartButton(t *testing.T) {
	for _, test := range []struct {
		preset string
		want   string
	}{
		{preset: "small", want: "0f0405000107"},
		{preset: "medium", want: "0f0405000208"},
		{preset: "large", want: "0f0405000309"},
	} {
		t.Run(test.preset, func(t *testing.T) {
			bus := NewBus(zap.NewNop())
			events := collect(bus)
			sel := NewSelect("e1", mac, nil, nil, zap.NewNop())
			require.NoError(t, sel.SelectOption(context.Background(), test.preset))
			sender := &recSender{}
			start := NewStartButton("e1", mac, petCat, sel, sender, bus, zap.NewNop())
			assert.Equal(t, "unknown", start.State())

			start.Press(context.Background())
			assert.Equal(t, []string{"AA:BB:CC:DD:EE:FF/" + test.want}, sender.sent)
			assert.NotEqual(t, "unknown", start.State())
			require.Len(t, *events, 1)
			assert.Equal(t, Pressed, (*events)[0].Type)
			assert.Equal(t, test.preset, (*events)[0].State)
			assert.Empty(t, (*events)[0].Error)
		})
	}
}

func TestStartButtonNoPreset(t *testing.T) {
	sel := NewSelect("e1", mac, nil, nil, zap.NewNop())
	sel.current = ""
	sender := &recSender{}
	start := NewStartButton("e1", mac, petCat, sel, sender, nil, zap.NewNop())
	start.Press(context.Background())
	assert.Empty(t, sender.sent)
	assert.Equal(t, "unknown", start.State())
}

func TestStopButton(t *testing.T) {
	sender := &recSender{}
	stop := NewStopButton("e1", mac, petCat, sender, nil, zap.NewNop())
	assert.Equal(t, "e1_stop_game", stop.ID())
	assert.Equal(t, "mdi:stop", stop.Icon())
	stop.Press(context.Background())
	assert.Equal(t, []string{"AA:BB:CC:DD:EE:FF/0f0407000008"}, sender.sent)
}

func TestButtonFailureSwallowed(t *testing.T) {
	bus := NewBus(zap.NewNop())
	events := collect(bus)
	sender := &recSender{err: errors.New("connection timeout")}
	stop := NewStopButton("e1", mac, petCat, sender, bus, zap.NewNop())

	stop.Press(context.Background())
	require.Len(t, *events, 1)
	assert.Equal(t, "connection timeout", (*events)[0].Error)
}

func TestBus(t *testing.T) {
	bus := NewBus(zap.NewNop())
	var got []string
	unsub := bus.Subscribe(func(ev Event) { got = append(got, ev.EntityID) })
	bus.Subscribe(func(Event) { panic("bad handler") })
	bus.Publish(Event{EntityID: "a"})
	unsub()
	bus.Publish(Event{EntityID: "b"})
	assert.Equal(t, []string{"a"}, got)

	var nilBus *Bus
	nilBus.Publish(Event{EntityID: "c"})
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	sel := NewSelect("e1", mac, nil, nil, zap.NewNop())
	r.Add(
		sel,
		NewStartButton("e1", mac, petCat, sel, &recSender{}, nil, zap.NewNop()),
		NewStopButton("e1", mac, petCat, &recSender{}, nil, zap.NewNop()),
		NewSelect("e2", "11:22:33:44:55:66", nil, nil, zap.NewNop()),
	)
	all := r.All()
	require.Len(t, all, 4)
	assert.Equal(t, "e1_game_preset", all[0].ID())

	e, ok := r.Get("e1_start_game")
	require.True(t, ok)
	assert.Equal(t, KindButton, e.Kind())

	assert.Equal(t, 3, r.RemoveEntry("e1"))
	assert.Len(t, r.All(), 1)
	_, ok = r.Get("e1_start_game")
	assert.False(t, ok)
}
