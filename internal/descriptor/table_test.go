// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package descriptor

import (
	"errors"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
)

// countingDevice counts bind group creation and destruction.
type countingDevice struct {
	hal.Device
	created   int
	destroyed int
	stride    uint32
}

func (d *countingDevice) CreateBindGroup(desc *hal.BindGroupDescriptor) (hal.BindGroup, error) {
	d.created++
	return d.Device.CreateBindGroup(desc)
}

func (d *countingDevice) DestroyBindGroup(g hal.BindGroup) {
	d.destroyed++
	d.Device.DestroyBindGroup(g)
}

// striderDevice reports a custom handle increment.
type striderDevice struct {
	*countingDevice
}

func (d striderDevice) DescriptorHandleIncrement() uint32 { return d.stride }

func createNoopDevice(t *testing.T) (*countingDevice, func()) {
	t.Helper()
	instance, err := noop.API{}.CreateInstance(nil)
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	od, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		t.Fatalf("Open failed: %v", err)
	}
	return &countingDevice{Device: od.Device}, func() {
		od.Device.Destroy()
		instance.Destroy()
	}
}

func createBuffer(t *testing.T, dev hal.Device, size uint64) hal.Buffer {
	t.Helper()
	buf, err := dev.CreateBuffer(&hal.BufferDescriptor{
		Label: "test",
		Size:  size,
		Usage: gputypes.BufferUsageStorage,
	})
	if err != nil {
		t.Fatalf("CreateBuffer failed: %v", err)
	}
	return buf
}

func bindAll(t *testing.T, tbl *Table, dev hal.Device) {
	t.Helper()
	if err := tbl.BindView(ReadOnlyView, createBuffer(t, dev, 64), ViewReadOnly, 16, 4); err != nil {
		t.Fatalf("BindView(ReadOnlyView) failed: %v", err)
	}
	if err := tbl.BindView(ReadWriteViewA, createBuffer(t, dev, 64), ViewUnordered, 16, 4); err != nil {
		t.Fatalf("BindView(ReadWriteViewA) failed: %v", err)
	}
	if err := tbl.BindView(ReadWriteViewB, createBuffer(t, dev, 64), ViewUnordered, 16, 4); err != nil {
		t.Fatalf("BindView(ReadWriteViewB) failed: %v", err)
	}
}

func TestAllocate(t *testing.T) {
	dev, cleanup := createNoopDevice(t)
	defer cleanup()

	tbl, err := Allocate(dev, nil, Capacity)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if tbl.Capacity() != Capacity {
		t.Errorf("Capacity() = %d, want %d", tbl.Capacity(), Capacity)
	}
	if tbl.Stride() != DefaultStride {
		t.Errorf("Stride() = %d, want %d", tbl.Stride(), DefaultStride)
	}

	if _, err := Allocate(dev, nil, 0); !errors.Is(err, ErrInvalidCapacity) {
		t.Errorf("Allocate(0) err = %v, want ErrInvalidCapacity", err)
	}
}

func TestAllocateUsesDeviceStride(t *testing.T) {
	dev, cleanup := createNoopDevice(t)
	defer cleanup()
	dev.stride = 64

	tbl, err := Allocate(striderDevice{dev}, nil, Capacity)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if tbl.Stride() != 64 {
		t.Fatalf("Stride() = %d, want 64", tbl.Stride())
	}
	if err := tbl.BindView(ReadWriteViewB, createBuffer(t, dev, 16), ViewUnordered, 4, 4); err != nil {
		t.Fatalf("BindView failed: %v", err)
	}
	v, _ := tbl.Slot(ReadWriteViewB)
	if v.Offset != 128 {
		t.Errorf("Offset = %d, want 128", v.Offset)
	}
}

func TestBindRebindReturnsLatest(t *testing.T) {
	dev, cleanup := createNoopDevice(t)
	defer cleanup()

	tbl, _ := Allocate(dev, nil, Capacity)
	if _, ok := tbl.Slot(ReadWriteViewA); ok {
		t.Fatal("fresh slot reports bound")
	}

	if err := tbl.BindView(ReadWriteViewA, createBuffer(t, dev, 64), ViewUnordered, 16, 4); err != nil {
		t.Fatalf("BindView failed: %v", err)
	}
	if err := tbl.BindView(ReadWriteViewA, createBuffer(t, dev, 128), ViewUnordered, 32, 4); err != nil {
		t.Fatalf("rebind failed: %v", err)
	}

	v, ok := tbl.Slot(ReadWriteViewA)
	if !ok {
		t.Fatal("slot not bound")
	}
	if v.ElementCount != 32 || v.Size() != 128 {
		t.Errorf("view = %+v, want the second binding", v)
	}
	if v.Offset != uint64(ReadWriteViewA)*DefaultStride {
		t.Errorf("Offset = %d, want %d", v.Offset, uint64(ReadWriteViewA)*DefaultStride)
	}
}

func TestBindViewOutOfRangePanics(t *testing.T) {
	dev, cleanup := createNoopDevice(t)
	defer cleanup()

	tbl, _ := Allocate(dev, nil, Capacity)
	for _, slot := range []Slot{-1, Capacity, 10} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("BindView(%d) did not panic", int(slot))
				}
			}()
			_ = tbl.BindView(slot, createBuffer(t, dev, 4), ViewUnordered, 1, 4)
		}()
	}
}

func TestBindViewRejectsWrongKind(t *testing.T) {
	dev, cleanup := createNoopDevice(t)
	defer cleanup()

	tbl, _ := Allocate(dev, nil, Capacity)
	tests := []struct {
		slot Slot
		kind ViewKind
	}{
		{ReadOnlyView, ViewUnordered},
		{ReadWriteViewA, ViewReadOnly},
		{ReadWriteViewB, ViewReadOnly},
	}
	for _, tt := range tests {
		err := tbl.BindView(tt.slot, createBuffer(t, dev, 4), tt.kind, 1, 4)
		if !errors.Is(err, ErrSlotRole) {
			t.Errorf("BindView(%v, %v) err = %v, want ErrSlotRole", tt.slot, tt.kind, err)
		}
	}
}

func TestCommitRequiresAllSlots(t *testing.T) {
	dev, cleanup := createNoopDevice(t)
	defer cleanup()

	tbl, _ := Allocate(dev, nil, Capacity)
	_ = tbl.BindView(ReadOnlyView, createBuffer(t, dev, 64), ViewReadOnly, 16, 4)

	_, err := tbl.Commit(createBuffer(t, dev, 16), 16)
	if !errors.Is(err, ErrSlotUnbound) {
		t.Fatalf("Commit err = %v, want ErrSlotUnbound", err)
	}
	if dev.created != 0 {
		t.Errorf("bind groups created = %d, want 0", dev.created)
	}
}

func TestCommitReusesUnchangedGroup(t *testing.T) {
	dev, cleanup := createNoopDevice(t)
	defer cleanup()

	tbl, _ := Allocate(dev, nil, Capacity)
	bindAll(t, tbl, dev)
	cb := createBuffer(t, dev, 16)

	if _, err := tbl.Commit(cb, 16); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if _, err := tbl.Commit(cb, 16); err != nil {
		t.Fatalf("second Commit failed: %v", err)
	}
	if dev.created != 1 {
		t.Errorf("bind groups created = %d, want 1", dev.created)
	}

	_ = tbl.BindView(ReadWriteViewB, createBuffer(t, dev, 64), ViewUnordered, 16, 4)
	if _, err := tbl.Commit(cb, 16); err != nil {
		t.Fatalf("Commit after rebind failed: %v", err)
	}
	if dev.created != 2 || dev.destroyed != 1 {
		t.Errorf("created/destroyed = %d/%d, want 2/1", dev.created, dev.destroyed)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	dev, cleanup := createNoopDevice(t)
	defer cleanup()

	tbl, _ := Allocate(dev, nil, Capacity)
	bindAll(t, tbl, dev)
	if _, err := tbl.Commit(createBuffer(t, dev, 16), 16); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	tbl.Release()
	tbl.Release()

	if dev.destroyed != 1 {
		t.Errorf("bind groups destroyed = %d, want 1", dev.destroyed)
	}
	if _, ok := tbl.Slot(ReadOnlyView); ok {
		t.Error("slot still bound after Release")
	}
	if err := tbl.BindView(ReadOnlyView, createBuffer(t, dev, 4), ViewReadOnly, 1, 4); !errors.Is(err, ErrReleased) {
		t.Errorf("BindView after Release err = %v, want ErrReleased", err)
	}
}
