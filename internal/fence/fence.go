// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package fence synchronizes the host with queue submissions through a
// monotonically increasing completion counter.
//
// A counter value becomes reachable only after a signal for it has been
// registered against a submission. Waiters obtain a Future for the value;
// concurrent waiters on the same value share one device wait.
package fence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gogpu/wgpu/hal"
	"golang.org/x/sync/singleflight"
)

// Synchronizer errors.
var (
	// ErrNonMonotonic is returned when a signal does not exceed the last
	// signaled value.
	ErrNonMonotonic = errors.New("fence: signal value must increase")

	// ErrNoSignal is returned when waiting on a value that was never signaled.
	ErrNoSignal = errors.New("fence: no signal registered for value")

	// ErrDeviceLost is returned when the device stops completing work.
	ErrDeviceLost = errors.New("fence: device lost")

	// ErrSubmitFailed wraps a queue submission failure.
	ErrSubmitFailed = errors.New("fence: submit failed")

	// ErrReleased is returned after Release.
	ErrReleased = errors.New("fence: synchronizer released")
)

// Counter is the completed value of the synchronizer. It only increases.
type Counter struct {
	v atomic.Uint64
}

// Value returns the last completed value.
func (c *Counter) Value() uint64 { return c.v.Load() }

// advance raises the counter to v if it is higher.
func (c *Counter) advance(v uint64) {
	for {
		cur := c.v.Load()
		if v <= cur || c.v.CompareAndSwap(cur, v) {
			return
		}
	}
}

// Synchronizer submits command buffers and waits for counter values.
//
// Thread Safety:
// All methods are safe for concurrent use.
//
// Lifecycle:
//  1. New
//  2. Submit, then SignalAndWait (or Signal plus Future.Wait)
//  3. Release waits for outstanding work
type Synchronizer struct {
	mu sync.Mutex

	device hal.Device
	queue  hal.Queue

	counter Counter
	flights singleflight.Group

	lastSubmission uint64
	lastSignal     uint64
	// signals maps a counter value to the submission index it waits for.
	signals  map[uint64]uint64
	released bool
}

// New returns a synchronizer for the device's queue. The counter starts at 0.
func New(dev hal.Device, queue hal.Queue) *Synchronizer {
	return &Synchronizer{device: dev, queue: queue, signals: make(map[uint64]uint64)}
}

// Counter returns the completion counter.
func (s *Synchronizer) Counter() *Counter { return &s.counter }

// Completed returns the counter value.
func (s *Synchronizer) Completed() uint64 { return s.counter.Value() }

// Submit submits cb without waiting and returns the queue's submission index.
func (s *Synchronizer) Submit(cb hal.CommandBuffer) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return 0, ErrReleased
	}
	idx, err := s.queue.Submit([]hal.CommandBuffer{cb})
	if err != nil {
		if errors.Is(err, hal.ErrDeviceLost) {
			return 0, fmt.Errorf("%w: %w", ErrDeviceLost, err)
		}
		return 0, fmt.Errorf("%w: %w", ErrSubmitFailed, err)
	}
	s.lastSubmission = idx
	return idx, nil
}

// Signal registers value to complete with the latest submission.
func (s *Synchronizer) Signal(value uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return ErrReleased
	}
	if value <= s.lastSignal {
		return fmt.Errorf("%w: %d after %d", ErrNonMonotonic, value, s.lastSignal)
	}
	s.signals[value] = s.lastSubmission
	s.lastSignal = value
	return nil
}

// SignalAndWait registers value for the latest submission and blocks
// until the device has completed it.
func (s *Synchronizer) SignalAndWait(ctx context.Context, value uint64) error {
	if err := s.Signal(value); err != nil {
		return err
	}
	if err := s.Future(value).Wait(ctx); err != nil {
		return err
	}
	slogger().Info("fence: sync point reached", "value", value)
	return nil
}

// Future returns a handle that resolves when the counter reaches value.
func (s *Synchronizer) Future(value uint64) *Future {
	return &Future{s: s, value: value}
}

// Future is a pending counter value.
type Future struct {
	s     *Synchronizer
	value uint64
}

// Value returns the counter value the future waits for.
func (f *Future) Value() uint64 { return f.value }

// Done reports whether the counter has reached the value.
func (f *Future) Done() bool { return f.s.counter.Value() >= f.value }

// Wait blocks until the counter reaches the value or ctx ends. Waiting on
// a value with no registered signal fails with ErrNoSignal.
func (f *Future) Wait(ctx context.Context) error {
	if f.Done() {
		return nil
	}
	s := f.s
	s.mu.Lock()
	submission, ok := s.signals[f.value]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoSignal, f.value)
	}

	ch := s.flights.DoChan(strconv.FormatUint(f.value, 10), func() (any, error) {
		if f.Done() {
			return nil, nil
		}
		if err := s.waitSubmission(submission); err != nil {
			return nil, err
		}
		s.counter.advance(f.value)
		s.mu.Lock()
		delete(s.signals, f.value)
		s.mu.Unlock()
		return nil, nil
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitSubmission blocks until the queue reports submission complete.
func (s *Synchronizer) waitSubmission(submission uint64) error {
	if err := s.device.WaitIdle(); err != nil {
		if errors.Is(err, hal.ErrDeviceLost) {
			return fmt.Errorf("%w: %w", ErrDeviceLost, err)
		}
		return fmt.Errorf("fence: wait idle: %w", err)
	}
	if done := s.queue.PollCompleted(); done < submission {
		return fmt.Errorf("%w: submission %d not complete after idle (completed %d)",
			ErrDeviceLost, submission, done)
	}
	return nil
}

// Release waits for outstanding submissions and rejects further use. It is
// safe to call more than once.
func (s *Synchronizer) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	s.released = true
	if s.queue.PollCompleted() < s.lastSubmission {
		if err := s.device.WaitIdle(); err != nil {
			slogger().Warn("fence: wait idle on release", "error", err)
		}
	}
	clear(s.signals)
}
