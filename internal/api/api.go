// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package api implements the HTTP and WebSocket interface for managing
// SmartDot entries, setup flows and entities.
package api

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kortschak/smartdot/address"
	"github.com/kortschak/smartdot/internal/entity"
	"github.com/kortschak/smartdot/internal/flow"
	"github.com/kortschak/smartdot/internal/history"
	"github.com/kortschak/smartdot/internal/integration"
	"github.com/kortschak/smartdot/internal/scan"
	"github.com/kortschak/smartdot/internal/store"
)

// Integration sets up and unloads entries.
type Integration interface {
	Setup(ctx context.Context, e store.Entry) error
	SetupAll(ctx context.Context) error
	Unload(entryID string) bool
}

// Store is the persisted entry store.
type Store interface {
	flow.Entries
	Entries(ctx context.Context) ([]store.Entry, error)
	DeleteEntry(ctx context.Context, id string) error
}

// Options configures a Server.
type Options struct {
	// History is the number of recent events replayed to
	// new event stream clients.
	History int
	// PressTimeout bounds a button press started by a
	// request.
	PressTimeout time.Duration
	// FlowTTL is the time after its last step that an
	// unfinished flow is discarded.
	FlowTTL time.Duration
}

// Server serves the API.
type Server struct {
	store    Store
	in       Integration
	registry *entity.Registry
	newFlow  func() *flow.Flow
	opts     Options
	log      *zap.Logger

	// ctx is the lifetime of background work started
	// by requests.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	flowMu sync.Mutex
	flows  map[string]*session
	// discovered maps device addresses to the ID of
	// their discovery flow.
	discovered map[string]string
	// ignored holds addresses of abandoned discovery
	// flows and of devices found to be configured.
	ignored map[string]bool
	now     func() time.Time

	// eventMu serializes history updates with client
	// registration so each client sees each event once.
	eventMu sync.Mutex
	history *history.Ring[entity.Event]
	clients map[*client]struct{}
	unsub   func()

	retryMu    sync.Mutex
	retrying   bool
	retryAgain bool
}

type session struct {
	mu     sync.Mutex
	flow   *flow.Flow
	result flow.Result

	source  string
	address string // discovered device address
	last    time.Time
}

// New returns a new Server. Entity events published on bus are retained
// for replay and streamed to event clients. newFlow returns a fresh setup
// flow for each flow request.
func New(st Store, in Integration, registry *entity.Registry, bus *entity.Bus, newFlow func() *flow.Flow, opts Options, log *zap.Logger) *Server {
	if opts.History < 1 {
		opts.History = 64
	}
	if opts.PressTimeout <= 0 {
		opts.PressTimeout = time.Minute
	}
	if opts.FlowTTL <= 0 {
		opts.FlowTTL = 30 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		store:      st,
		in:         in,
		registry:   registry,
		newFlow:    newFlow,
		opts:       opts,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
		flows:      make(map[string]*session),
		discovered: make(map[string]string),
		ignored:    make(map[string]bool),
		now:        time.Now,
		history:    history.New[entity.Event](opts.History),
		clients:    make(map[*client]struct{}),
	}
	s.unsub = bus.Subscribe(s.record)
	return s
}

// Close stops background work and waits for it to complete.
func (s *Server) Close() error {
	s.unsub()
	s.cancel()
	s.wg.Wait()
	return nil
}

// Handler returns the API request handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/entries", s.listEntries)
	mux.HandleFunc("DELETE /api/entries/{id}", s.deleteEntry)
	mux.HandleFunc("GET /api/entities", s.listEntities)
	mux.HandleFunc("GET /api/entities/{id}", s.getEntity)
	mux.HandleFunc("POST /api/entities/{id}/select", s.selectOption)
	mux.HandleFunc("POST /api/entities/{id}/press", s.press)
	mux.HandleFunc("GET /api/flows", s.listFlows)
	mux.HandleFunc("POST /api/flows", s.startFlow)
	mux.HandleFunc("POST /api/flows/{id}", s.submitFlow)
	mux.HandleFunc("DELETE /api/flows/{id}", s.abandonFlow)
	mux.HandleFunc("GET /api/events", s.events)
	return mux
}

// SetupEntries sets up all stored entries in the background, retrying
// entries that are not ready until they are set up or the server is
// closed. A call while a retry loop is running causes the loop to run
// again after it completes.
func (s *Server) SetupEntries() {
	s.retryMu.Lock()
	if s.retrying {
		s.retryAgain = true
		s.retryMu.Unlock()
		return
	}
	s.retrying = true
	s.retryMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			err := s.in.SetupAll(s.ctx)
			if err != nil && s.ctx.Err() == nil {
				s.log.Error("failed to set up entries", zap.Error(err))
			}
			s.retryMu.Lock()
			if !s.retryAgain || s.ctx.Err() != nil {
				s.retrying = false
				s.retryMu.Unlock()
				return
			}
			s.retryAgain = false
			s.retryMu.Unlock()
		}
	}()
}

func (s *Server) listEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.Entries(r.Context())
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []store.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) deleteEntry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	// Delete before unloading so a concurrent setup either sees
	// the entry gone or completes before the unload.
	err := s.store.DeleteEntry(r.Context(), id)
	switch {
	case err == nil:
		s.in.Unload(id)
		s.flowMu.Lock()
		clear(s.ignored)
		s.flowMu.Unlock()
		s.log.Info("entry removed", zap.String("entry", id))
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, store.ErrNotFound):
		s.fail(w, http.StatusNotFound, err)
	default:
		s.fail(w, http.StatusInternalServerError, err)
	}
}

type entityView struct {
	EntityID string            `json:"entity_id"`
	EntryID  string            `json:"entry_id"`
	Kind     string            `json:"kind"`
	Name     string            `json:"name"`
	Icon     string            `json:"icon"`
	State    string            `json:"state"`
	Options  []string          `json:"options,omitempty"`
	Device   entity.DeviceInfo `json:"device"`
}

func view(e entity.Entity) entityView {
	v := entityView{
		EntityID: e.ID(),
		EntryID:  e.EntryID(),
		Kind:     e.Kind(),
		Name:     e.Name(),
		Icon:     e.Icon(),
		State:    e.State(),
		Device:   e.Device(),
	}
	if o, ok := e.(interface{ Options() []string }); ok {
		v.Options = o.Options()
	}
	return v
}

func (s *Server) listEntities(w http.ResponseWriter, r *http.Request) {
	all := s.registry.All()
	views := make([]entityView, len(all))
	for i, e := range all {
		views[i] = view(e)
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) getEntity(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entity(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, view(e))
}

func (s *Server) selectOption(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entity(w, r)
	if !ok {
		return
	}
	sel, ok := e.(interface {
		SelectOption(context.Context, string) error
	})
	if !ok {
		s.fail(w, http.StatusBadRequest, errors.New("entity is not a select"))
		return
	}
	var req struct {
		Option string `json:"option"`
	}
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	err = sel.SelectOption(r.Context(), req.Option)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, view(e))
	case errors.Is(err, entity.ErrInvalidOption):
		s.fail(w, http.StatusBadRequest, err)
	default:
		s.fail(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) press(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entity(w, r)
	if !ok {
		return
	}
	b, ok := e.(interface{ Press(context.Context) })
	if !ok {
		s.fail(w, http.StatusBadRequest, errors.New("entity is not a button"))
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.opts.PressTimeout)
		defer cancel()
		b.Press(ctx)
	}()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) entity(w http.ResponseWriter, r *http.Request) (entity.Entity, bool) {
	id := r.PathValue("id")
	e, ok := s.registry.Get(id)
	if !ok {
		s.fail(w, http.StatusNotFound, errors.New("no entity "+id))
	}
	return e, ok
}

type flowResponse struct {
	FlowID string `json:"flow_id"`
	flow.Result
	SetupError string `json:"setup_error,omitempty"`
}

type flowView struct {
	FlowID  string `json:"flow_id"`
	Source  string `json:"source"`
	Address string `json:"address,omitempty"`
	flow.Result
}

func (s *Server) listFlows(w http.ResponseWriter, r *http.Request) {
	s.flowMu.Lock()
	s.expireFlows()
	views := make([]flowView, 0, len(s.flows))
	for id, sess := range s.flows {
		views = append(views, flowView{
			FlowID:  id,
			Source:  sess.source,
			Address: sess.address,
			Result:  sess.result,
		})
	}
	s.flowMu.Unlock()
	slices.SortFunc(views, func(a, b flowView) int { return cmp.Compare(a.FlowID, b.FlowID) })
	writeJSON(w, http.StatusOK, views)
}

// Discovered starts a discovery flow for dev unless the device already
// has one, is configured or had its discovery flow abandoned. The flow
// is listed with the server's flows until it is finished, abandoned or
// expires.
func (s *Server) Discovered(ctx context.Context, dev scan.Device) {
	key := address.Upper(dev.Address)
	s.flowMu.Lock()
	s.expireFlows()
	_, pending := s.discovered[key]
	skip := pending || s.ignored[key]
	s.flowMu.Unlock()
	if skip {
		return
	}

	f := s.newFlow()
	res, err := f.Bluetooth(ctx, dev)
	if err != nil {
		s.log.Error("failed to start discovery flow", zap.String("mac", dev.Address), zap.Error(err))
		return
	}
	s.flowMu.Lock()
	defer s.flowMu.Unlock()
	if res.Kind != flow.Form {
		s.ignored[key] = true
		return
	}
	if _, ok := s.discovered[key]; ok {
		return
	}
	id := store.NewID()
	s.flows[id] = &session{
		flow:    f,
		result:  res,
		source:  store.SourceBluetooth,
		address: key,
		last:    s.now(),
	}
	s.discovered[key] = id
	s.log.Info("discovered device", zap.String("flow", id), zap.String("mac", dev.Address))
}

func (s *Server) startFlow(w http.ResponseWriter, r *http.Request) {
	f := s.newFlow()
	res, err := f.User(r.Context(), nil)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	id := store.NewID()
	s.flowMu.Lock()
	s.expireFlows()
	s.flows[id] = &session{flow: f, result: res, source: store.SourceUser, last: s.now()}
	s.flowMu.Unlock()
	s.log.Debug("flow started", zap.String("flow", id))
	writeJSON(w, http.StatusOK, flowResponse{FlowID: id, Result: res})
}

func (s *Server) submitFlow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.flowMu.Lock()
	s.expireFlows()
	sess, ok := s.flows[id]
	if ok {
		sess.last = s.now()
	}
	s.flowMu.Unlock()
	if !ok {
		s.fail(w, http.StatusNotFound, errors.New("no flow "+id))
		return
	}

	var in flow.Input
	err := json.NewDecoder(r.Body).Decode(&in)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}

	sess.mu.Lock()
	res, err := sess.flow.Submit(r.Context(), in)
	sess.mu.Unlock()
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	resp := flowResponse{FlowID: id, Result: res}
	s.flowMu.Lock()
	sess.result = res
	if res.Kind != flow.Form {
		s.removeFlow(id)
	}
	if res.Kind == flow.CreateEntry {
		// Other discovery flows for the device can only abort.
		key := address.Upper(res.Entry.UniqueID)
		if other, ok := s.discovered[key]; ok {
			s.removeFlow(other)
		}
		s.ignored[key] = true
	}
	s.flowMu.Unlock()
	if res.Kind == flow.CreateEntry {
		s.log.Info("entry created", zap.String("entry", res.Entry.ID), zap.String("unique_id", res.Entry.UniqueID))
		err = s.in.Setup(r.Context(), *res.Entry)
		if err != nil {
			resp.SetupError = err.Error()
			s.log.Warn("failed to set up new entry", zap.String("entry", res.Entry.ID), zap.Error(err))
			if errors.Is(err, integration.ErrNotReady) {
				s.SetupEntries()
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) abandonFlow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.flowMu.Lock()
	sess, ok := s.flows[id]
	if ok {
		if sess.address != "" {
			s.ignored[sess.address] = true
		}
		s.removeFlow(id)
	}
	s.flowMu.Unlock()
	if !ok {
		s.fail(w, http.StatusNotFound, errors.New("no flow "+id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// expireFlows discards flows idle for longer than the flow TTL.
// It must be called with flowMu held.
func (s *Server) expireFlows() {
	now := s.now()
	for id, sess := range s.flows {
		if now.Sub(sess.last) > s.opts.FlowTTL {
			s.log.Debug("flow expired", zap.String("flow", id))
			s.removeFlow(id)
		}
	}
}

// removeFlow must be called with flowMu held.
func (s *Server) removeFlow(id string) {
	sess, ok := s.flows[id]
	if !ok {
		return
	}
	delete(s.flows, id)
	if sess.address != "" && s.discovered[sess.address] == id {
		delete(s.discovered, sess.address)
	}
}

func (s *Server) fail(w http.ResponseWriter, code int, err error) {
	if code >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
