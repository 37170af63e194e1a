// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package resource creates the device buffers of a dispatch, stages host
// data into them and tracks each buffer's access state.
//
// Every state change goes through Transition and is recorded as a buffer
// barrier, so the recorded command stream always matches the tracked state.
package resource

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/gogpu/dispatch/internal/descriptor"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// Resource errors.
var (
	// ErrResourceCreationFailed is returned when a buffer cannot be
	// allocated or would exceed the memory budget.
	ErrResourceCreationFailed = errors.New("resource: buffer creation failed")

	// ErrStagingMapFailed is returned when a host-visible buffer cannot be
	// mapped.
	ErrStagingMapFailed = errors.New("resource: buffer map failed")

	// ErrStagingInFlight is returned when a staging buffer is released
	// before the sync point that retires it has completed.
	ErrStagingInFlight = errors.New("resource: staging buffer still in flight")

	// ErrManagerReleased is returned after ReleaseAll.
	ErrManagerReleased = errors.New("resource: manager released")

	// ErrSizeMismatch is returned when host data does not fit the buffer.
	ErrSizeMismatch = errors.New("resource: host data size mismatch")
)

// constantAlignment is the size granularity of constant buffers.
const constantAlignment = 16

// Role is the usage role of a buffer.
type Role uint8

const (
	RoleReadOnlyView Role = iota + 1
	RoleReadWriteView
	RoleConstantView
	RoleReadback
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleReadOnlyView:
		return "ReadOnlyView"
	case RoleReadWriteView:
		return "ReadWriteView"
	case RoleConstantView:
		return "ConstantView"
	case RoleReadback:
		return "Readback"
	default:
		return fmt.Sprintf("Unknown(%d)", int(r))
	}
}

// Recorder receives the barriers and copies the manager emits.
type Recorder interface {
	Barrier(label string, barriers ...hal.BufferBarrier) error
	Copy(label string, src, dst hal.Buffer, size uint64) error
}

// ViewBinder binds buffer views into descriptor slots.
type ViewBinder interface {
	BindView(slot descriptor.Slot, buf hal.Buffer, kind descriptor.ViewKind, count, stride uint32) error
}

// Buffer is a device buffer with a tracked access state.
type Buffer struct {
	Label  string
	Role   Role
	Size   uint64
	Count  uint32
	Stride uint32

	raw   hal.Buffer
	state State
}

// Raw returns the HAL buffer, or nil after release.
func (b *Buffer) Raw() hal.Buffer { return b.raw }

// Staging is a host-visible upload buffer paired with one target buffer.
type Staging struct {
	Target *Buffer

	raw      hal.Buffer
	size     uint64
	retireAt uint64
	released bool
}

// RetireAt tags the staging buffer with the counter value of the sync
// point after which the device no longer reads it.
func (s *Staging) RetireAt(value uint64) { s.retireAt = value }

// RetireValue returns the tag set by RetireAt, or 0 if untagged.
func (s *Staging) RetireValue() uint64 { return s.retireAt }

// Released reports whether the staging buffer has been destroyed.
func (s *Staging) Released() bool { return s.released }

// Manager creates buffers, records their uploads and owns their lifetime.
//
// Thread Safety:
// Buffer states and the staging list are guarded by mu.
//
// Lifecycle:
//  1. NewManager
//  2. Create* while the recorder is open
//  3. ReleaseStaging after the upload sync point
//  4. ReleaseAll at teardown
type Manager struct {
	mu sync.Mutex

	device hal.Device
	rec    Recorder
	views  ViewBinder
	budget *Budget

	buffers  []*Buffer
	staging  []*Staging
	released bool
}

// NewManager returns a manager that records into rec and binds views
// through views. A nil budget selects DefaultMaxMemoryMB.
func NewManager(dev hal.Device, rec Recorder, views ViewBinder, budget *Budget) *Manager {
	if budget == nil {
		budget = NewBudget(DefaultMaxMemoryMB)
	}
	return &Manager{device: dev, rec: rec, views: views, budget: budget}
}

// Budget returns the memory budget.
func (m *Manager) Budget() *Budget { return m.budget }

// State returns the tracked access state of b.
func (m *Manager) State(b *Buffer) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return b.state
}

// Require fails with ErrAccessState unless b is in a state that allows a.
func (m *Manager) Require(b *Buffer, a Access) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !a.allows(b.state) {
		return fmt.Errorf("%w: %s %s access in state %v", ErrAccessState, b.Label, a, b.state)
	}
	return nil
}

// Ensure records the barrier that moves b into state to. It is a no-op if
// b is already there.
func (m *Manager) Ensure(b *Buffer, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureLocked(b, to)
}

func (m *Manager) ensureLocked(b *Buffer, to State) error {
	from := b.state
	if from == to {
		return nil
	}
	if _, err := Transition(from, to); err != nil {
		return fmt.Errorf("%s: %w", b.Label, err)
	}
	err := m.rec.Barrier(b.Label, hal.BufferBarrier{
		Buffer: b.raw,
		Usage: hal.BufferUsageTransition{
			OldUsage: from.Usage(),
			NewUsage: to.Usage(),
		},
	})
	if err != nil {
		return fmt.Errorf("resource: barrier %s %v -> %v: %w", b.Label, from, to, err)
	}
	b.state = to
	slogger().Debug("resource: transition", "buffer", b.Label, "from", from.String(), "to", to.String())
	return nil
}

// CreateReadOnlyBuffer creates a buffer holding data, records its upload
// and binds it to the read-only view slot. The buffer ends in StateCommon.
func (m *Manager) CreateReadOnlyBuffer(label string, data []byte, count, stride uint32) (*Buffer, *Staging, error) {
	b, s, err := m.createUploaded(label, RoleReadOnlyView, data, count, stride,
		gputypes.BufferUsageStorage|gputypes.BufferUsageCopyDst, StateCommon)
	if err != nil {
		return nil, nil, err
	}
	if err := m.views.BindView(descriptor.ReadOnlyView, b.raw, descriptor.ViewReadOnly, count, stride); err != nil {
		return nil, nil, err
	}
	return b, s, nil
}

// CreateWriteOnlyBuffer creates an uninitialized buffer in StateCommon and
// binds it to the first read-write slot. Callers move it to
// StateUnorderedAccess before the dispatch.
func (m *Manager) CreateWriteOnlyBuffer(label string, count, stride uint32) (*Buffer, error) {
	size := uint64(count) * uint64(stride)
	b, err := m.createBuffer(label, RoleReadWriteView, size, count, stride,
		gputypes.BufferUsageStorage|gputypes.BufferUsageCopySrc, StateCommon)
	if err != nil {
		return nil, err
	}
	if err := m.views.BindView(descriptor.ReadWriteViewA, b.raw, descriptor.ViewUnordered, count, stride); err != nil {
		return nil, err
	}
	return b, nil
}

// CreateInitializedReadWriteBuffer creates a buffer holding data, records
// its upload and binds it to the second read-write slot. The buffer ends in
// StateUnorderedAccess.
func (m *Manager) CreateInitializedReadWriteBuffer(label string, data []byte, count, stride uint32) (*Buffer, *Staging, error) {
	b, s, err := m.createUploaded(label, RoleReadWriteView, data, count, stride,
		gputypes.BufferUsageStorage|gputypes.BufferUsageCopyDst|gputypes.BufferUsageCopySrc,
		StateUnorderedAccess)
	if err != nil {
		return nil, nil, err
	}
	if err := m.views.BindView(descriptor.ReadWriteViewB, b.raw, descriptor.ViewUnordered, count, stride); err != nil {
		return nil, nil, err
	}
	return b, s, nil
}

// CreateConstantBuffer uploads a constant block. The size is rounded up to
// 16 bytes and the buffer ends in StateCommon. Constants are bound
// inline, not through a slot.
func (m *Manager) CreateConstantBuffer(label string, data []byte) (*Buffer, *Staging, error) {
	size := alignUp(uint64(len(data)), constantAlignment)
	padded := make([]byte, size)
	copy(padded, data)

	return m.createUploaded(label, RoleConstantView, padded, 1, uint32(size), //nolint:gosec // constant blocks are small
		gputypes.BufferUsageUniform|gputypes.BufferUsageCopyDst, StateCommon)
}

// CreateReadbackBuffer creates a host-readable buffer in StateCopyDest.
func (m *Manager) CreateReadbackBuffer(label string, size uint64) (*Buffer, error) {
	return m.createBuffer(label, RoleReadback, size, 0, 0,
		gputypes.BufferUsageMapRead|gputypes.BufferUsageCopyDst, StateCopyDest)
}

// RecordReadback records src -> readback with src moved to StateCopySource
// for the copy and back to StateUnorderedAccess after it.
func (m *Manager) RecordReadback(src, readback *Buffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.released {
		return ErrManagerReleased
	}
	if readback.Role != RoleReadback {
		return fmt.Errorf("resource: readback target %s has role %v", readback.Label, readback.Role)
	}
	if !AccessCopyDest.allows(readback.state) {
		return fmt.Errorf("%w: %s in state %v", ErrAccessState, readback.Label, readback.state)
	}
	size := min(src.Size, readback.Size)

	if err := m.ensureLocked(src, StateCopySource); err != nil {
		return err
	}
	if err := m.rec.Copy(src.Label+"->"+readback.Label, src.raw, readback.raw, size); err != nil {
		return fmt.Errorf("resource: readback copy %s: %w", src.Label, err)
	}
	return m.ensureLocked(src, StateUnorderedAccess)
}

// ReadInt32s maps readback and decodes its first n little-endian int32s.
func (m *Manager) ReadInt32s(readback *Buffer, n int) ([]int32, error) {
	size := uint64(n) * 4
	if size > readback.Size {
		return nil, fmt.Errorf("%w: %d values exceed %s (%d bytes)", ErrSizeMismatch, n, readback.Label, readback.Size)
	}
	if n == 0 {
		return []int32{}, nil
	}

	mapping, err := m.device.MapBuffer(readback.raw, 0, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrStagingMapFailed, readback.Label, err)
	}
	defer func() { _ = m.device.UnmapBuffer(readback.raw) }()

	raw := unsafe.Slice((*byte)(mapping.Ptr), size)
	out := make([]int32, n)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(raw[i*4:])) //nolint:gosec // two's complement reinterpretation
	}
	return out, nil
}

// createUploaded creates a buffer, stages data into it and records
// Common -> CopyDest, the copy, and CopyDest -> final.
func (m *Manager) createUploaded(label string, role Role, data []byte, count, stride uint32,
	usage gputypes.BufferUsage, final State) (*Buffer, *Staging, error) {
	size := uint64(len(data))
	if role != RoleConstantView && size != uint64(count)*uint64(stride) {
		return nil, nil, fmt.Errorf("%w: %s has %d bytes, view needs %d",
			ErrSizeMismatch, label, size, uint64(count)*uint64(stride))
	}

	b, err := m.createBuffer(label, role, size, count, stride, usage, StateCommon)
	if err != nil {
		return nil, nil, err
	}
	s, err := m.stage(b, data)
	if err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureLocked(b, StateCopyDest); err != nil {
		return nil, nil, err
	}
	if err := m.rec.Copy(label+"_upload", s.raw, b.raw, size); err != nil {
		return nil, nil, fmt.Errorf("resource: upload copy %s: %w", label, err)
	}
	if err := m.ensureLocked(b, final); err != nil {
		return nil, nil, err
	}
	return b, s, nil
}

// createBuffer allocates a device buffer against the budget.
func (m *Manager) createBuffer(label string, role Role, size uint64, count, stride uint32,
	usage gputypes.BufferUsage, initial State) (*Buffer, error) {
	if size == 0 {
		return nil, fmt.Errorf("%w: %s: zero size", ErrResourceCreationFailed, label)
	}
	raw, err := m.allocate(label, size, usage)
	if err != nil {
		return nil, err
	}

	b := &Buffer{
		Label:  label,
		Role:   role,
		Size:   size,
		Count:  count,
		Stride: stride,
		raw:    raw,
		state:  initial,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		m.device.DestroyBuffer(raw)
		m.budget.Free(size)
		return nil, ErrManagerReleased
	}
	m.buffers = append(m.buffers, b)

	slogger().Debug("resource: buffer created",
		"label", label, "role", role.String(), "bytes", size, "state", initial.String())
	return b, nil
}

func (m *Manager) allocate(label string, size uint64, usage gputypes.BufferUsage) (hal.Buffer, error) {
	if err := m.budget.Reserve(size); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrResourceCreationFailed, label, err)
	}
	raw, err := m.device.CreateBuffer(&hal.BufferDescriptor{
		Label: label,
		Size:  size,
		Usage: usage,
	})
	if err != nil {
		m.budget.Free(size)
		return nil, fmt.Errorf("%w: %s: %w", ErrResourceCreationFailed, label, err)
	}
	return raw, nil
}

// stage creates a host-visible buffer for target and writes data into it.
func (m *Manager) stage(target *Buffer, data []byte) (*Staging, error) {
	size := uint64(len(data))
	label := target.Label + "_staging"
	raw, err := m.allocate(label, size, gputypes.BufferUsageMapWrite|gputypes.BufferUsageCopySrc)
	if err != nil {
		return nil, err
	}

	mapping, err := m.device.MapBuffer(raw, 0, size)
	if err != nil {
		m.device.DestroyBuffer(raw)
		m.budget.Free(size)
		return nil, fmt.Errorf("%w: %s: %w", ErrStagingMapFailed, label, err)
	}
	copy(unsafe.Slice((*byte)(mapping.Ptr), size), data)
	if err := m.device.UnmapBuffer(raw); err != nil {
		m.device.DestroyBuffer(raw)
		m.budget.Free(size)
		return nil, fmt.Errorf("%w: %s: unmap: %w", ErrStagingMapFailed, label, err)
	}

	s := &Staging{Target: target, raw: raw, size: size}
	m.mu.Lock()
	m.staging = append(m.staging, s)
	m.mu.Unlock()
	return s, nil
}

// RetireStaging tags every untagged staging buffer with value and returns
// how many were tagged.
func (m *Manager) RetireStaging(value uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.staging {
		if s.retireAt == 0 {
			s.retireAt = value
			n++
		}
	}
	return n
}

// Release destroys one staging buffer. It fails with ErrStagingInFlight if
// s is untagged or completed has not reached its tag.
func (m *Manager) Release(s *Staging, completed uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.released {
		return nil
	}
	if s.retireAt == 0 || completed < s.retireAt {
		return fmt.Errorf("%w: %s retires at %d, completed %d",
			ErrStagingInFlight, s.Target.Label, s.retireAt, completed)
	}
	m.destroyStagingLocked(s)
	m.staging = removeStaging(m.staging, s)
	return nil
}

// ReleaseStaging destroys every staging buffer retired at or before
// completed and returns how many were released.
func (m *Manager) ReleaseStaging(completed uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.staging[:0]
	n := 0
	for _, s := range m.staging {
		if s.retireAt != 0 && s.retireAt <= completed {
			m.destroyStagingLocked(s)
			n++
			continue
		}
		kept = append(kept, s)
	}
	clear(m.staging[len(kept):])
	m.staging = kept
	if n > 0 {
		slogger().Debug("resource: staging released", "count", n, "completed", completed)
	}
	return n
}

// PendingStaging returns the number of live staging buffers.
func (m *Manager) PendingStaging() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.staging)
}

func (m *Manager) destroyStagingLocked(s *Staging) {
	m.device.DestroyBuffer(s.raw)
	m.budget.Free(s.size)
	s.raw = nil
	s.released = true
}

func removeStaging(list []*Staging, s *Staging) []*Staging {
	for i, x := range list {
		if x == s {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// ReleaseAll destroys staging buffers and device buffers regardless of
// state. The caller must have waited for the device first. It is safe to
// call more than once.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return
	}
	for _, s := range m.staging {
		m.destroyStagingLocked(s)
	}
	for i := len(m.buffers) - 1; i >= 0; i-- {
		b := m.buffers[i]
		if b.raw != nil {
			m.device.DestroyBuffer(b.raw)
			m.budget.Free(b.Size)
			b.raw = nil
		}
	}
	m.staging = nil
	m.buffers = nil
	m.released = true
	m.budget.Close()
}

func alignUp(v, a uint64) uint64 {
	if v == 0 {
		return a
	}
	return (v + a - 1) / a * a
}
