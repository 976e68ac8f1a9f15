// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package link implements the BLE connection and command transaction
// used to drive a SmartDot.
//
// A transaction connects to the device, writes a single command without
// response, waits for the device to act on it and disconnects. The write
// is never attempted without an established connection, and a
// connection that was established is always closed.
package link

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/kortschak/smartdot/command"
	"github.com/kortschak/smartdot/internal/scan"
	"github.com/kortschak/smartdot/internal/tracing"
)

var (
	// ErrTimeout is returned when a connection attempt times out.
	ErrTimeout = errors.New("connection timeout")

	// ErrUnavailable is returned when connection attempts are
	// suspended after repeated failures.
	ErrUnavailable = errors.New("device unavailable")

	// ErrInvalidPayload is returned when asked to send bytes
	// that are not a SmartDot command.
	ErrInvalidPayload = errors.New("invalid command payload")
)

// Conn is a connection to a BLE device.
type Conn interface {
	// Write writes payload to the characteristic with the
	// given UUID without requesting a response.
	Write(ctx context.Context, char string, payload []byte) error
	// Disconnect closes the connection.
	Disconnect() error
}

// Dialer establishes connections to BLE devices.
type Dialer interface {
	Dial(ctx context.Context, dev scan.Device) (Conn, error)
}

// Options configures connection establishment.
type Options struct {
	// Attempts is the maximum number of connection
	// attempts for a single transaction.
	Attempts int
	// Backoff is the delay after the first failed attempt.
	// It doubles after each subsequent failure up to
	// MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
	// Timeout bounds each connection attempt.
	Timeout time.Duration

	// BreakerFailures is the number of consecutive failed
	// attempts after which connections fail fast with
	// ErrUnavailable for BreakerTimeout. Zero disables
	// the breaker.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// Connector establishes connections with retry and backoff.
type Connector struct {
	dialer  Dialer
	opts    Options
	breaker *gobreaker.CircuitBreaker[Conn]
	log     *zap.Logger

	// sleep waits for d or until ctx is done.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewConnector returns a Connector using d to dial devices. The name
// identifies the connector in logs and breaker state changes.
func NewConnector(name string, d Dialer, opts Options, log *zap.Logger) *Connector {
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	c := &Connector{
		dialer: d,
		opts:   opts,
		log:    log,
		sleep:  sleep,
	}
	if opts.BreakerFailures != 0 {
		c.breaker = gobreaker.NewCircuitBreaker[Conn](gobreaker.Settings{
			Name:        "connect:" + name,
			MaxRequests: 1,
			Timeout:     opts.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= opts.BreakerFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("connection breaker state change",
					zap.String("breaker", name),
					zap.Stringer("from", from),
					zap.Stringer("to", to),
				)
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
		})
	}
	return c
}

// Connect connects to dev, retrying failed attempts with backoff.
func (c *Connector) Connect(ctx context.Context, dev scan.Device) (Conn, error) {
	backoff := c.opts.Backoff
	var err error
	for attempt := 1; attempt <= c.opts.Attempts; attempt++ {
		var conn Conn
		conn, err = c.attempt(ctx, dev)
		if err == nil {
			if attempt > 1 {
				c.log.Debug("connected after retry", zap.String("mac", dev.Address), zap.Int("attempt", attempt))
			}
			return conn, nil
		}
		if errors.Is(err, ErrUnavailable) || ctx.Err() != nil {
			return nil, err
		}
		c.log.Debug("connection attempt failed",
			zap.String("mac", dev.Address),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt == c.opts.Attempts {
			break
		}
		if serr := c.sleep(ctx, backoff); serr != nil {
			return nil, serr
		}
		backoff = min(2*backoff, c.opts.MaxBackoff)
	}
	return nil, fmt.Errorf("failed to connect to %s after %d attempts: %w", dev.Address, c.opts.Attempts, err)
}

func (c *Connector) attempt(ctx context.Context, dev scan.Device) (Conn, error) {
	dial := func() (Conn, error) {
		actx := ctx
		if c.opts.Timeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
			defer cancel()
		}
		conn, err := c.dialer.Dial(actx, dev)
		if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return conn, err
	}
	if c.breaker == nil {
		return dial()
	}
	conn, err := c.breaker.Execute(dial)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return conn, err
}

// Sender performs command transactions. Transactions on a Sender are
// serialized; each runs its connect, write and disconnect to completion
// before the next connects. A Sender should be shared by all controls of
// one device.
type Sender struct {
	connector *Connector
	settle    time.Duration
	log       *zap.Logger

	mu sync.Mutex
}

// NewSender returns a Sender that connects with c and waits settle
// after each write before disconnecting.
func NewSender(c *Connector, settle time.Duration, log *zap.Logger) *Sender {
	return &Sender{connector: c, settle: settle, log: log}
}

// Send performs a single command transaction with dev.
func (s *Sender) Send(ctx context.Context, dev scan.Device, payload []byte) (err error) {
	if !command.IsPayload(payload) {
		return fmt.Errorf("%w: %#x", ErrInvalidPayload, payload)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := tracing.Start(ctx, "link.Send")
	span.SetAttributes(
		attribute.String("mac", dev.Address),
		attribute.String("payload", hex.EncodeToString(payload)),
	)
	defer func() { tracing.End(span, err) }()

	s.log.Debug("connecting", zap.String("mac", dev.Address))
	conn, err := s.connector.Connect(ctx, dev)
	if err != nil {
		return err
	}
	defer func() {
		derr := conn.Disconnect()
		if derr != nil {
			derr = fmt.Errorf("failed to disconnect: %w", derr)
		}
		err = errors.Join(err, derr)
		s.log.Debug("disconnected", zap.String("mac", dev.Address))
	}()

	s.log.Debug("sending command", zap.String("mac", dev.Address), zap.String("payload", hex.EncodeToString(payload)))
	err = conn.Write(ctx, command.ControlCharacteristicID, payload)
	if err != nil {
		return fmt.Errorf("failed to send command: %w", err)
	}
	return s.connector.sleep(ctx, s.settle)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
