// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

// MDNS service parameters.
const (
	ServiceType = "_smartdot._tcp"
	Domain      = "local."
)

// Serve serves h on addr until ctx is done. If ready is not nil, it is
// called with the bound address once the listener is open.
func Serve(ctx context.Context, addr string, h http.Handler, ready func(net.Addr), log *zap.Logger) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	log.Info("serving API", zap.Stringer("addr", l.Addr()))
	if ready != nil {
		ready(l.Addr())
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(sctx)
		if err != nil {
			log.Warn("API shutdown", zap.Error(err))
		}
	}()
	err = srv.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		<-done
		return nil
	}
	return fmt.Errorf("serve: %w", err)
}

// Advertise advertises the API on port as instance via mDNS until ctx is
// done.
func Advertise(ctx context.Context, instance string, port int, log *zap.Logger) error {
	srv, err := zeroconf.Register(instance, ServiceType, Domain, port, []string{"path=/api"}, nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	log.Info("mdns advertising", zap.String("instance", instance), zap.Int("port", port))
	<-ctx.Done()
	srv.Shutdown()
	return nil
}
