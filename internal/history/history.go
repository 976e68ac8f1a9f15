// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package history implements a bounded record of recent values.
package history

import "sync"

// Ring holds the most recent values pushed to it, up to its capacity.
// It is safe for concurrent use.
type Ring[T any] struct {
	mu   sync.Mutex
	data []T
	next int
	full bool
}

// New returns a Ring holding up to n values. New panics if n < 1.
func New[T any](n int) *Ring[T] {
	if n < 1 {
		panic("history: capacity must be positive")
	}
	return &Ring[T]{data: make([]T, n)}
}

// Cap returns the capacity of the ring.
func (r *Ring[T]) Cap() int {
	return len(r.data)
}

// Len returns the number of values held.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.len()
}

func (r *Ring[T]) len() int {
	if r.full {
		return len(r.data)
	}
	return r.next
}

// Push adds values to the ring, displacing the oldest values when
// the ring is full.
func (r *Ring[T]) Push(values ...T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(values) >= len(r.data) {
		copy(r.data, values[len(values)-len(r.data):])
		r.next = 0
		r.full = true
		return
	}
	n := copy(r.data[r.next:], values)
	if n == len(values) {
		r.next += n
		if r.next == len(r.data) {
			r.next = 0
			r.full = true
		}
		return
	}
	r.next = copy(r.data, values[n:])
	r.full = true
}

// Snapshot returns the held values, oldest first.
func (r *Ring[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	dst := make([]T, r.len())
	if !r.full {
		copy(dst, r.data[:r.next])
		return dst
	}
	n := copy(dst, r.data[r.next:])
	copy(dst[n:], r.data[:r.next])
	return dst
}
