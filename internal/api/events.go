// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package api

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/kortschak/smartdot/internal/entity"
)

// client is an event stream connection.
type client struct {
	send chan entity.Event
}

// record retains ev and forwards it to the connected clients. Events for
// clients that are not keeping up are dropped.
func (s *Server) record(ev entity.Event) {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()
	s.history.Push(ev)
	for c := range s.clients {
		select {
		case c.send <- ev:
		default:
			s.log.Warn("dropped event for slow client", zap.String("entity", ev.EntityID))
		}
	}
}

// register adds a client, returning the events to replay to it.
func (s *Server) register(c *client) []entity.Event {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()
	s.clients[c] = struct{}{}
	return s.history.Snapshot()
}

func (s *Server) unregister(c *client) {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()
	delete(s.clients, c)
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	c := &client{send: make(chan entity.Event, 64)}
	replay := s.register(c)
	defer s.unregister(c)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	})
	if err != nil {
		s.log.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer ws.Close(websocket.StatusNormalClosure, "")
	s.log.Debug("event client connected", zap.String("remote", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		select {
		case <-s.ctx.Done():
		case <-ctx.Done():
		}
	}()
	// Clients only receive, but reads must continue to
	// process control frames and observe the close.
	go func() {
		defer cancel()
		for {
			_, _, err := ws.Read(ctx)
			if err != nil {
				return
			}
		}
	}()

	for _, ev := range replay {
		if !s.write(ctx, ws, ev) {
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			s.log.Debug("event client disconnected", zap.String("remote", r.RemoteAddr))
			return
		case ev := <-c.send:
			if !s.write(ctx, ws, ev) {
				return
			}
		}
	}
}

func (s *Server) write(ctx context.Context, ws *websocket.Conn, ev entity.Event) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := wsjson.Write(ctx, ws, ev)
	if err != nil {
		s.log.Debug("event write failed", zap.Error(err))
		return false
	}
	return true
}
