// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package descriptor manages the fixed-capacity descriptor table that binds
// buffer views to the kernel's table parameters.
package descriptor

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// DefaultStride is the descriptor handle increment used when the device
// does not report one.
const DefaultStride = 32

// Slot names a descriptor table entry. Slot i feeds layout parameter i+1.
type Slot int

const (
	ReadOnlyView Slot = iota
	ReadWriteViewA
	ReadWriteViewB

	// Capacity is the table size the kernel contract needs.
	Capacity = 3
)

// String returns the slot name.
func (s Slot) String() string {
	switch s {
	case ReadOnlyView:
		return "ReadOnlyView"
	case ReadWriteViewA:
		return "ReadWriteViewA"
	case ReadWriteViewB:
		return "ReadWriteViewB"
	default:
		return fmt.Sprintf("Slot(%d)", int(s))
	}
}

// ViewKind is the access a view grants the kernel.
type ViewKind uint8

const (
	// ViewReadOnly is a shader-resource view (t register).
	ViewReadOnly ViewKind = iota + 1
	// ViewUnordered is an unordered-access view (u register).
	ViewUnordered
)

// String returns the view kind name.
func (k ViewKind) String() string {
	switch k {
	case ViewReadOnly:
		return "ReadOnly"
	case ViewUnordered:
		return "Unordered"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// Descriptor table errors.
var (
	// ErrInvalidCapacity is returned by Allocate for a non-positive capacity.
	ErrInvalidCapacity = errors.New("descriptor: capacity must be positive")

	// ErrSlotRole is returned when a view kind does not match its slot.
	ErrSlotRole = errors.New("descriptor: view kind does not match slot")

	// ErrSlotUnbound is returned by Commit while a slot has no view.
	ErrSlotUnbound = errors.New("descriptor: slot has no view")

	// ErrReleased is returned when the table is used after Release.
	ErrReleased = errors.New("descriptor: table released")

	// ErrBindGroupFailed wraps a device bind group creation failure.
	ErrBindGroupFailed = errors.New("descriptor: bind group creation failed")
)

// DescriptorStrider is implemented by devices that report their descriptor
// handle increment.
type DescriptorStrider interface {
	DescriptorHandleIncrement() uint32
}

// View describes one buffer bound into a slot.
type View struct {
	Buffer        hal.Buffer
	Kind          ViewKind
	ElementCount  uint32
	ElementStride uint32

	// Offset is the slot's handle: table base + slot*stride.
	Offset uint64
}

// Size returns the byte range of the view.
func (v View) Size() uint64 {
	return uint64(v.ElementCount) * uint64(v.ElementStride)
}

// Table is a fixed-capacity descriptor table.
//
// Thread Safety:
// All methods are safe for concurrent use. A bind replaces the whole view,
// so readers never observe a partially written slot.
//
// Lifecycle:
//  1. Allocate
//  2. BindView per slot
//  3. Commit before recording Bind
//  4. Release
type Table struct {
	mu sync.Mutex

	device hal.Device
	layout hal.BindGroupLayout
	stride uint64
	base   uint64

	slots []View
	bound []bool

	// version counts binds; committed is the version the group reflects.
	version   uint64
	committed uint64
	constant  hal.Buffer
	group     hal.BindGroup
	released  bool
}

// Allocate creates a table of capacity slots for the given bind group
// layout. The stride is recorded once.
func Allocate(dev hal.Device, layout hal.BindGroupLayout, capacity int) (*Table, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}
	stride := uint64(DefaultStride)
	if s, ok := dev.(DescriptorStrider); ok && s.DescriptorHandleIncrement() > 0 {
		stride = uint64(s.DescriptorHandleIncrement())
	}
	slogger().Debug("descriptor: table allocated", "capacity", capacity, "stride", stride)
	return &Table{
		device: dev,
		layout: layout,
		stride: stride,
		slots:  make([]View, capacity),
		bound:  make([]bool, capacity),
	}, nil
}

// Capacity returns the number of slots.
func (t *Table) Capacity() int { return len(t.slots) }

// Stride returns the handle increment between slots.
func (t *Table) Stride() uint64 { return t.stride }

// expectedKind returns the view kind a slot accepts.
func expectedKind(s Slot) ViewKind {
	if s == ReadOnlyView {
		return ViewReadOnly
	}
	return ViewUnordered
}

// BindView writes a view of buf into slot. A slot outside the table is a
// programmer error and panics.
func (t *Table) BindView(slot Slot, buf hal.Buffer, kind ViewKind, count, stride uint32) error {
	if slot < 0 || int(slot) >= len(t.slots) {
		panic(fmt.Sprintf("descriptor: slot %d out of range [0,%d)", int(slot), len(t.slots)))
	}
	if buf == nil {
		return fmt.Errorf("descriptor: bind %v: nil buffer", slot)
	}
	if want := expectedKind(slot); kind != want {
		return fmt.Errorf("%w: %v wants %v, got %v", ErrSlotRole, slot, want, kind)
	}

	v := View{
		Buffer:        buf,
		Kind:          kind,
		ElementCount:  count,
		ElementStride: stride,
		Offset:        t.base + uint64(slot)*t.stride,
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return ErrReleased
	}
	t.slots[slot] = v
	t.bound[slot] = true
	t.version++

	slogger().Debug("descriptor: view bound",
		"slot", slot.String(), "kind", kind.String(), "elements", count, "offset", v.Offset)
	return nil
}

// Slot returns the most recent view bound to s and whether one exists.
func (t *Table) Slot(s Slot) (View, bool) {
	if s < 0 || int(s) >= len(t.slots) {
		panic(fmt.Sprintf("descriptor: slot %d out of range [0,%d)", int(s), len(t.slots)))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.slots[s], t.bound[s]
}

// Commit returns a bind group holding constant at binding 0 and slot i at
// binding i+1. The group is rebuilt only when a slot or the constant buffer
// changed since the previous commit.
func (t *Table) Commit(constant hal.Buffer, constantSize uint64) (hal.BindGroup, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.released {
		return nil, ErrReleased
	}
	if constant == nil {
		return nil, fmt.Errorf("descriptor: commit: nil constant buffer")
	}
	for i, ok := range t.bound {
		if !ok {
			return nil, fmt.Errorf("%w: %v", ErrSlotUnbound, Slot(i))
		}
	}
	if t.group != nil && t.committed == t.version && t.constant == constant {
		return t.group, nil
	}

	entries := make([]gputypes.BindGroupEntry, 0, len(t.slots)+1)
	entries = append(entries, gputypes.BindGroupEntry{
		Binding: 0,
		Resource: gputypes.BufferBinding{
			Buffer: constant.NativeHandle(),
			Size:   constantSize,
		},
	})
	for i, v := range t.slots {
		entries = append(entries, gputypes.BindGroupEntry{
			Binding: uint32(i + 1),
			Resource: gputypes.BufferBinding{
				Buffer: v.Buffer.NativeHandle(),
				Size:   v.Size(),
			},
		})
	}

	group, err := t.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   "dispatch_bind_group",
		Layout:  t.layout,
		Entries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBindGroupFailed, err)
	}
	if t.group != nil {
		t.device.DestroyBindGroup(t.group)
	}
	t.group = group
	t.constant = constant
	t.committed = t.version
	return group, nil
}

// Release destroys the bind group and clears every slot. It is safe to
// call more than once.
func (t *Table) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return
	}
	if t.group != nil {
		t.device.DestroyBindGroup(t.group)
		t.group = nil
	}
	for i := range t.slots {
		t.slots[i] = View{}
		t.bound[i] = false
	}
	t.constant = nil
	t.released = true
}
