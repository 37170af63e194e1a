// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package resource

import (
	"errors"
	"fmt"
	"sync"
)

// Budget errors.
var (
	// ErrBudgetExceeded is returned when an allocation would exceed the budget.
	ErrBudgetExceeded = errors.New("resource: memory budget exceeded")

	// ErrBudgetClosed is returned when reserving from a closed budget.
	ErrBudgetClosed = errors.New("resource: memory budget closed")
)

// Default budget limits.
const (
	// DefaultMaxMemoryMB is the default device memory budget (256 MB).
	DefaultMaxMemoryMB = 256

	// MinMemoryMB is the smallest budget accepted by NewBudget.
	MinMemoryMB = 1
)

// BudgetStats contains device memory usage statistics.
type BudgetStats struct {
	// TotalBytes is the budget in bytes.
	TotalBytes uint64

	// UsedBytes is the memory currently reserved.
	UsedBytes uint64

	// PeakBytes is the highest UsedBytes observed.
	PeakBytes uint64

	// AvailableBytes is the remaining budget.
	AvailableBytes uint64

	// Allocations is the number of live reservations.
	Allocations int

	// Utilization is the fraction of the budget in use (0.0 to 1.0).
	Utilization float64
}

// String returns a human-readable summary.
func (s BudgetStats) String() string {
	return fmt.Sprintf("Memory[%.1f%% used, %d/%d KB, peak %d KB, %d buffers]",
		s.Utilization*100,
		s.UsedBytes/1024,
		s.TotalBytes/1024,
		s.PeakBytes/1024,
		s.Allocations)
}

// Budget tracks device memory reserved by buffers and staging buffers.
// Unlike a texture cache there is nothing to evict: a reservation that
// does not fit fails.
//
// Budget is safe for concurrent use.
type Budget struct {
	mu sync.Mutex

	budgetBytes uint64
	usedBytes   uint64
	peakBytes   uint64
	allocations int
	closed      bool
}

// NewBudget creates a budget of maxMB megabytes. Values below MinMemoryMB
// select DefaultMaxMemoryMB.
func NewBudget(maxMB int) *Budget {
	if maxMB < MinMemoryMB {
		maxMB = DefaultMaxMemoryMB
	}
	//nolint:gosec // G115: maxMB is bounded by MinMemoryMB minimum
	return &Budget{budgetBytes: uint64(maxMB) * 1024 * 1024}
}

// Reserve accounts size bytes against the budget.
func (b *Budget) Reserve(size uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBudgetClosed
	}
	if size > b.budgetBytes-b.usedBytes {
		return fmt.Errorf("%w: need %d bytes, have %d bytes available",
			ErrBudgetExceeded, size, b.budgetBytes-b.usedBytes)
	}
	b.usedBytes += size
	b.allocations++
	if b.usedBytes > b.peakBytes {
		b.peakBytes = b.usedBytes
	}
	return nil
}

// Free returns size bytes to the budget.
func (b *Budget) Free(size uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || b.allocations == 0 {
		return
	}
	if size > b.usedBytes {
		size = b.usedBytes
	}
	b.usedBytes -= size
	b.allocations--
}

// Stats returns current usage statistics.
func (b *Budget) Stats() BudgetStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	var utilization float64
	if b.budgetBytes > 0 {
		utilization = float64(b.usedBytes) / float64(b.budgetBytes)
	}
	return BudgetStats{
		TotalBytes:     b.budgetBytes,
		UsedBytes:      b.usedBytes,
		PeakBytes:      b.peakBytes,
		AvailableBytes: b.budgetBytes - b.usedBytes,
		Allocations:    b.allocations,
		Utilization:    utilization,
	}
}

// Close zeroes usage and rejects further reservations.
func (b *Budget) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.usedBytes = 0
	b.allocations = 0
	b.closed = true
}
