// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package resource

import (
	"encoding/binary"
	"errors"
	"fmt"
	"testing"
	"unsafe"

	"github.com/gogpu/dispatch/internal/descriptor"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
)

// logRecorder records barriers and copies as strings.
type logRecorder struct {
	log    []string
	failAt int // 1-based entry index that fails; 0 never
}

func (r *logRecorder) add(s string) error {
	if r.failAt > 0 && len(r.log)+1 == r.failAt {
		return errors.New("recorder closed")
	}
	r.log = append(r.log, s)
	return nil
}

func (r *logRecorder) Barrier(label string, barriers ...hal.BufferBarrier) error {
	for _, b := range barriers {
		if err := r.add(fmt.Sprintf("barrier %s %d->%d", label, b.Usage.OldUsage, b.Usage.NewUsage)); err != nil {
			return err
		}
	}
	return nil
}

func (r *logRecorder) Copy(label string, _, _ hal.Buffer, size uint64) error {
	return r.add(fmt.Sprintf("copy %s %d", label, size))
}

// failingMapDevice rejects every map request.
type failingMapDevice struct {
	hal.Device
}

func (failingMapDevice) MapBuffer(hal.Buffer, uint64, uint64) (hal.BufferMapping, error) {
	return hal.BufferMapping{}, hal.ErrInvalidMapRange
}

func createNoopDevice(t *testing.T) (hal.Device, func()) {
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
	return od.Device, func() {
		od.Device.Destroy()
		instance.Destroy()
	}
}

func newTestManager(t *testing.T, dev hal.Device, budget *Budget) (*Manager, *logRecorder, *descriptor.Table) {
	t.Helper()
	tbl, err := descriptor.Allocate(dev, nil, descriptor.Capacity)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	rec := &logRecorder{}
	return NewManager(dev, rec, tbl, budget), rec, tbl
}

func int32Bytes(vals ...int32) []byte {
	b := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(b[i*4:], uint32(v))
	}
	return b
}

func usage(s State) gputypes.BufferUsage { return s.Usage() }

func TestTransitionTable(t *testing.T) {
	states := []State{StateCommon, StateCopyDest, StateCopySource, StateUnorderedAccess}
	allowed := map[[2]State]bool{
		{StateCommon, StateCopyDest}:            true,
		{StateCommon, StateUnorderedAccess}:     true,
		{StateCopyDest, StateCommon}:            true,
		{StateCopyDest, StateUnorderedAccess}:   true,
		{StateUnorderedAccess, StateCopySource}: true,
		{StateCopySource, StateUnorderedAccess}: true,
	}

	for _, from := range states {
		for _, to := range states {
			got, err := Transition(from, to)
			if allowed[[2]State{from, to}] {
				if err != nil || got != to {
					t.Errorf("Transition(%v, %v) = %v, %v; want %v, nil", from, to, got, err, to)
				}
				continue
			}
			if !errors.Is(err, ErrIllegalTransition) {
				t.Errorf("Transition(%v, %v) err = %v, want ErrIllegalTransition", from, to, err)
			}
			if got != from {
				t.Errorf("Transition(%v, %v) state = %v, want unchanged %v", from, to, got, from)
			}
		}
	}
}

func TestStateString(t *testing.T) {
	if got := StateUnorderedAccess.String(); got != "UnorderedAccess" {
		t.Errorf("String() = %q", got)
	}
	if got := State(42).String(); got != "Unknown(42)" {
		t.Errorf("String() = %q, want Unknown(42)", got)
	}
}

func TestAccessAllows(t *testing.T) {
	tests := []struct {
		access Access
		state  State
		want   bool
	}{
		{AccessReadOnlyView, StateCommon, true},
		{AccessReadOnlyView, StateUnorderedAccess, false},
		{AccessReadOnlyView, StateCopyDest, false},
		{AccessUnorderedView, StateUnorderedAccess, true},
		{AccessUnorderedView, StateCommon, false},
		{AccessConstant, StateCommon, true},
		{AccessConstant, StateCopyDest, false},
		{AccessCopySource, StateCopySource, true},
		{AccessCopySource, StateUnorderedAccess, false},
		{AccessCopyDest, StateCopyDest, true},
		{AccessCopyDest, StateCommon, false},
	}
	for _, tt := range tests {
		if got := tt.access.allows(tt.state); got != tt.want {
			t.Errorf("%v allows %v = %v, want %v", tt.access, tt.state, got, tt.want)
		}
	}
}

func TestCreateReadOnlyBufferRecordsUpload(t *testing.T) {
	dev, cleanup := createNoopDevice(t)
	defer cleanup()
	m, rec, tbl := newTestManager(t, dev, nil)

	b, s, err := m.CreateReadOnlyBuffer("src", int32Bytes(1, 2, 3, 4), 4, 4)
	if err != nil {
		t.Fatalf("CreateReadOnlyBuffer failed: %v", err)
	}
	if s == nil || s.Target != b {
		t.Fatal("staging not paired with buffer")
	}
	if got := m.State(b); got != StateCommon {
		t.Errorf("state = %v, want Common", got)
	}
	if err := m.Require(b, AccessReadOnlyView); err != nil {
		t.Errorf("Require(ReadOnlyView) = %v", err)
	}

	want := []string{
		fmt.Sprintf("barrier src %d->%d", usage(StateCommon), usage(StateCopyDest)),
		"copy src_upload 16",
		fmt.Sprintf("barrier src %d->%d", usage(StateCopyDest), usage(StateCommon)),
	}
	assertLog(t, rec.log, want)

	v, ok := tbl.Slot(descriptor.ReadOnlyView)
	if !ok || v.Buffer != b.Raw() || v.ElementCount != 4 {
		t.Errorf("slot view = %+v, bound %v", v, ok)
	}
}

func TestCreateInitializedReadWriteBuffer(t *testing.T) {
	dev, cleanup := createNoopDevice(t)
	defer cleanup()
	m, rec, tbl := newTestManager(t, dev, nil)

	b, _, err := m.CreateInitializedReadWriteBuffer("seed", int32Bytes(5, 6), 2, 4)
	if err != nil {
		t.Fatalf("CreateInitializedReadWriteBuffer failed: %v", err)
	}
	if got := m.State(b); got != StateUnorderedAccess {
		t.Errorf("state = %v, want UnorderedAccess", got)
	}
	assertLog(t, rec.log, []string{
		fmt.Sprintf("barrier seed %d->%d", usage(StateCommon), usage(StateCopyDest)),
		"copy seed_upload 8",
		fmt.Sprintf("barrier seed %d->%d", usage(StateCopyDest), usage(StateUnorderedAccess)),
	})
	if _, ok := tbl.Slot(descriptor.ReadWriteViewB); !ok {
		t.Error("ReadWriteViewB not bound")
	}
}

func TestCreateWriteOnlyBuffer(t *testing.T) {
	dev, cleanup := createNoopDevice(t)
	defer cleanup()
	m, rec, tbl := newTestManager(t, dev, nil)

	b, err := m.CreateWriteOnlyBuffer("dst", 8, 4)
	if err != nil {
		t.Fatalf("CreateWriteOnlyBuffer failed: %v", err)
	}
	if b.Size != 32 {
		t.Errorf("size = %d, want 32", b.Size)
	}
	if got := m.State(b); got != StateCommon {
		t.Errorf("state = %v, want Common", got)
	}
	if len(rec.log) != 0 {
		t.Errorf("write-only buffer recorded %v", rec.log)
	}
	if m.PendingStaging() != 0 {
		t.Errorf("write-only buffer staged %d buffers", m.PendingStaging())
	}
	if _, ok := tbl.Slot(descriptor.ReadWriteViewA); !ok {
		t.Error("ReadWriteViewA not bound")
	}
	if err := m.Require(b, AccessUnorderedView); !errors.Is(err, ErrAccessState) {
		t.Errorf("Require before Ensure err = %v, want ErrAccessState", err)
	}

	if err := m.Ensure(b, StateUnorderedAccess); err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	assertLog(t, rec.log, []string{
		fmt.Sprintf("barrier dst %d->%d", usage(StateCommon), usage(StateUnorderedAccess)),
	})
	if err := m.Require(b, AccessUnorderedView); err != nil {
		t.Errorf("Require(UnorderedView) = %v", err)
	}
}

func TestCreateConstantBuffer(t *testing.T) {
	dev, cleanup := createNoopDevice(t)
	defer cleanup()
	m, rec, _ := newTestManager(t, dev, nil)

	b, _, err := m.CreateConstantBuffer("constants", int32Bytes(1, 64))
	if err != nil {
		t.Fatalf("CreateConstantBuffer failed: %v", err)
	}
	if b.Size != 16 {
		t.Errorf("size = %d, want 16", b.Size)
	}
	if got := m.State(b); got != StateCommon {
		t.Errorf("state = %v, want Common", got)
	}
	if err := m.Require(b, AccessConstant); err != nil {
		t.Errorf("Require(Constant) = %v", err)
	}
	assertLog(t, rec.log, []string{
		fmt.Sprintf("barrier constants %d->%d", usage(StateCommon), usage(StateCopyDest)),
		"copy constants_upload 16",
		fmt.Sprintf("barrier constants %d->%d", usage(StateCopyDest), usage(StateCommon)),
	})
}

func TestUploadSizeMismatch(t *testing.T) {
	dev, cleanup := createNoopDevice(t)
	defer cleanup()
	m, _, _ := newTestManager(t, dev, nil)

	if _, _, err := m.CreateReadOnlyBuffer("src", int32Bytes(1, 2, 3), 4, 4); !errors.Is(err, ErrSizeMismatch) {
		t.Errorf("err = %v, want ErrSizeMismatch", err)
	}
}

func TestIllegalEnsureRecordsNothing(t *testing.T) {
	dev, cleanup := createNoopDevice(t)
	defer cleanup()
	m, rec, _ := newTestManager(t, dev, nil)

	b, _, err := m.CreateReadOnlyBuffer("src", int32Bytes(1), 1, 4)
	if err != nil {
		t.Fatalf("CreateReadOnlyBuffer failed: %v", err)
	}
	n := len(rec.log)

	if err := m.Ensure(b, StateCopySource); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("Ensure err = %v, want ErrIllegalTransition", err)
	}
	if len(rec.log) != n {
		t.Errorf("illegal transition recorded %v", rec.log[n:])
	}
	if got := m.State(b); got != StateCommon {
		t.Errorf("state = %v, want Common", got)
	}
	if err := m.Require(b, AccessUnorderedView); !errors.Is(err, ErrAccessState) {
		t.Errorf("Require err = %v, want ErrAccessState", err)
	}
}

func TestFailedBarrierKeepsState(t *testing.T) {
	dev, cleanup := createNoopDevice(t)
	defer cleanup()
	m, rec, _ := newTestManager(t, dev, nil)
	rec.failAt = 1

	if _, _, err := m.CreateReadOnlyBuffer("src", int32Bytes(1), 1, 4); err == nil {
		t.Fatal("expected barrier failure")
	}
}

func TestRecordReadback(t *testing.T) {
	dev, cleanup := createNoopDevice(t)
	defer cleanup()
	m, rec, _ := newTestManager(t, dev, nil)

	dst, err := m.CreateWriteOnlyBuffer("dst", 4, 4)
	if err != nil {
		t.Fatalf("CreateWriteOnlyBuffer failed: %v", err)
	}
	rb, err := m.CreateReadbackBuffer("dst_readback", 16)
	if err != nil {
		t.Fatalf("CreateReadbackBuffer failed: %v", err)
	}
	if err := m.RecordReadback(dst, rb); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("readback from Common err = %v, want ErrIllegalTransition", err)
	}
	if err := m.Ensure(dst, StateUnorderedAccess); err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	rec.log = nil
	if got := m.State(rb); got != StateCopyDest {
		t.Errorf("readback state = %v, want CopyDest", got)
	}

	if err := m.RecordReadback(dst, rb); err != nil {
		t.Fatalf("RecordReadback failed: %v", err)
	}
	assertLog(t, rec.log, []string{
		fmt.Sprintf("barrier dst %d->%d", usage(StateUnorderedAccess), usage(StateCopySource)),
		"copy dst->dst_readback 16",
		fmt.Sprintf("barrier dst %d->%d", usage(StateCopySource), usage(StateUnorderedAccess)),
	})
	if got := m.State(dst); got != StateUnorderedAccess {
		t.Errorf("source state = %v, want UnorderedAccess", got)
	}

	if err := m.RecordReadback(dst, dst); err == nil {
		t.Error("readback into a non-readback buffer should fail")
	}
}

func TestReadInt32s(t *testing.T) {
	dev, cleanup := createNoopDevice(t)
	defer cleanup()
	m, _, _ := newTestManager(t, dev, nil)

	rb, err := m.CreateReadbackBuffer("rb", 12)
	if err != nil {
		t.Fatalf("CreateReadbackBuffer failed: %v", err)
	}
	mapping, err := dev.MapBuffer(rb.Raw(), 0, 12)
	if err != nil {
		t.Fatalf("MapBuffer failed: %v", err)
	}
	copy(unsafe.Slice((*byte)(mapping.Ptr), 12), int32Bytes(7, -3, 1<<30))

	got, err := m.ReadInt32s(rb, 3)
	if err != nil {
		t.Fatalf("ReadInt32s failed: %v", err)
	}
	want := []int32{7, -3, 1 << 30}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("value %d = %d, want %d", i, got[i], want[i])
		}
	}

	if _, err := m.ReadInt32s(rb, 4); !errors.Is(err, ErrSizeMismatch) {
		t.Errorf("oversized read err = %v, want ErrSizeMismatch", err)
	}
}

func TestStagingLifetime(t *testing.T) {
	dev, cleanup := createNoopDevice(t)
	defer cleanup()
	m, _, _ := newTestManager(t, dev, nil)

	_, s, err := m.CreateReadOnlyBuffer("src", int32Bytes(1, 2), 2, 4)
	if err != nil {
		t.Fatalf("CreateReadOnlyBuffer failed: %v", err)
	}

	if err := m.Release(s, 5); !errors.Is(err, ErrStagingInFlight) {
		t.Errorf("untagged Release err = %v, want ErrStagingInFlight", err)
	}

	if n := m.RetireStaging(1); n != 1 {
		t.Errorf("RetireStaging tagged %d, want 1", n)
	}
	if s.RetireValue() != 1 {
		t.Errorf("RetireValue = %d, want 1", s.RetireValue())
	}
	if err := m.Release(s, 0); !errors.Is(err, ErrStagingInFlight) {
		t.Errorf("early Release err = %v, want ErrStagingInFlight", err)
	}
	if n := m.ReleaseStaging(0); n != 0 {
		t.Errorf("ReleaseStaging(0) released %d", n)
	}

	if n := m.ReleaseStaging(1); n != 1 {
		t.Errorf("ReleaseStaging(1) released %d, want 1", n)
	}
	if !s.Released() || m.PendingStaging() != 0 {
		t.Error("staging buffer not released after its sync point")
	}
	if err := m.Release(s, 1); err != nil {
		t.Errorf("Release of released staging = %v, want nil", err)
	}
}

func TestStagingMapFailure(t *testing.T) {
	dev, cleanup := createNoopDevice(t)
	defer cleanup()
	m, _, _ := newTestManager(t, failingMapDevice{dev}, nil)

	_, _, err := m.CreateReadOnlyBuffer("src", int32Bytes(1), 1, 4)
	if !errors.Is(err, ErrStagingMapFailed) {
		t.Fatalf("err = %v, want ErrStagingMapFailed", err)
	}
	if !errors.Is(err, hal.ErrInvalidMapRange) {
		t.Errorf("err = %v, want wrapped HAL error", err)
	}
}

func TestBudgetExceeded(t *testing.T) {
	dev, cleanup := createNoopDevice(t)
	defer cleanup()
	m, _, _ := newTestManager(t, dev, NewBudget(1))

	_, err := m.CreateWriteOnlyBuffer("huge", 1<<19, 4)
	if !errors.Is(err, ErrResourceCreationFailed) || !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("err = %v, want ErrResourceCreationFailed wrapping ErrBudgetExceeded", err)
	}
	if got := m.Budget().Stats().UsedBytes; got != 0 {
		t.Errorf("UsedBytes = %d after failed create", got)
	}
}

func TestReleaseAllIdempotent(t *testing.T) {
	dev, cleanup := createNoopDevice(t)
	defer cleanup()
	m, _, _ := newTestManager(t, dev, nil)

	b, _, err := m.CreateReadOnlyBuffer("src", int32Bytes(1, 2), 2, 4)
	if err != nil {
		t.Fatalf("CreateReadOnlyBuffer failed: %v", err)
	}
	if m.Budget().Stats().Allocations != 2 {
		t.Errorf("allocations = %d, want 2", m.Budget().Stats().Allocations)
	}

	m.ReleaseAll()
	m.ReleaseAll()

	if b.Raw() != nil {
		t.Error("buffer handle not nil after ReleaseAll")
	}
	if m.PendingStaging() != 0 {
		t.Error("staging buffers remain after ReleaseAll")
	}
	if _, err := m.CreateWriteOnlyBuffer("late", 1, 4); !errors.Is(err, ErrResourceCreationFailed) {
		t.Errorf("create after ReleaseAll err = %v", err)
	}
}

func TestBudget(t *testing.T) {
	b := NewBudget(1)
	if err := b.Reserve(512 * 1024); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := b.Reserve(1024 * 1024); !errors.Is(err, ErrBudgetExceeded) {
		t.Errorf("Reserve over budget err = %v", err)
	}
	s := b.Stats()
	if s.UsedBytes != 512*1024 || s.Allocations != 1 || s.Utilization != 0.5 {
		t.Errorf("stats = %+v", s)
	}
	b.Free(512 * 1024)
	if s := b.Stats(); s.UsedBytes != 0 || s.PeakBytes != 512*1024 {
		t.Errorf("stats after free = %+v", s)
	}
	b.Close()
	if err := b.Reserve(1); !errors.Is(err, ErrBudgetClosed) {
		t.Errorf("Reserve after Close err = %v", err)
	}
	if NewBudget(0).Stats().TotalBytes != DefaultMaxMemoryMB*1024*1024 {
		t.Error("NewBudget(0) did not select the default")
	}
}

func assertLog(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("log = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("log[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
