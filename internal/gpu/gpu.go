// Package gpu models the host's GPU capacity as explicit resource handles
// that are passed into the scheduler and stages, never reached for as
// globals. Slots bound concurrent GPU-bound stages to the device count;
// the Gate serializes the nested segmentation service host-wide.
package gpu

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/calveira/cpspflow/internal/apperr"
)

// Slots is a counting semaphore sized to the number of usable GPU devices.
type Slots struct {
	sem *semaphore.Weighted
}

// NewSlots creates slots for n devices; anything below one is clamped to one.
func NewSlots(n int) *Slots {
	if n < 1 {
		n = 1
	}
	return &Slots{sem: semaphore.NewWeighted(int64(n))}
}

// Acquire blocks until a device slot is free and returns its release
// function. Cancellation while waiting reports ErrResourceUnavailable.
func (s *Slots) Acquire(ctx context.Context) (func(), error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("gpu: slot: %w: %v", apperr.ErrResourceUnavailable, err)
	}
	return releaseOnce(func() { s.sem.Release(1) }), nil
}

// Gate admits one nested segmentation invocation at a time across every
// run on this host. Two containers sharing one device exhaust GPU memory,
// so this is the strictest lock in the system.
type Gate struct {
	sem *semaphore.Weighted
}

// NewGate creates the host-wide segmentation gate.
func NewGate() *Gate {
	return &Gate{sem: semaphore.NewWeighted(1)}
}

// Acquire blocks until the gate is free and returns its release function.
// Cancellation while waiting reports ErrResourceUnavailable.
func (g *Gate) Acquire(ctx context.Context) (func(), error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("gpu: segmentation gate: %w: %v", apperr.ErrResourceUnavailable, err)
	}
	return releaseOnce(func() { g.sem.Release(1) }), nil
}

// releaseOnce guards against double release from deferred cleanup paths.
func releaseOnce(f func()) func() {
	var once sync.Once
	return func() { once.Do(f) }
}
