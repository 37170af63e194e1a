// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package recorder records barriers, copies and compute dispatches into a
// single reusable HAL command encoder. It never submits.
package recorder

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// Recorder errors.
var (
	// ErrRecorderBusy is returned by Open while the previous command
	// buffer has not completed on the device.
	ErrRecorderBusy = errors.New("recorder: previous submission still executing")

	// ErrNotRecording is returned when recording or closing a recorder
	// that is not open.
	ErrNotRecording = errors.New("recorder: not recording")

	// ErrAlreadyRecording is returned by Open on an open recorder.
	ErrAlreadyRecording = errors.New("recorder: already recording")

	// ErrNoPipeline is returned by Dispatch when Open had no pipeline.
	ErrNoPipeline = errors.New("recorder: no compute pipeline")

	// ErrNoBindGroup is returned by Dispatch before Bind.
	ErrNoBindGroup = errors.New("recorder: no bind group")

	// ErrInvalidDispatch is returned for out-of-range group counts.
	ErrInvalidDispatch = errors.New("recorder: invalid dispatch")

	// ErrPartition is returned when groups do not exactly cover the elements.
	ErrPartition = errors.New("recorder: workload partition mismatch")

	// ErrReleased is returned after Release.
	ErrReleased = errors.New("recorder: released")
)

// Kind is the type of a recorded command.
type Kind uint8

const (
	KindBarrier Kind = iota + 1
	KindCopy
	KindBind
	KindDispatch
)

// String returns the command kind name.
func (k Kind) String() string {
	switch k {
	case KindBarrier:
		return "Barrier"
	case KindCopy:
		return "Copy"
	case KindBind:
		return "Bind"
	case KindDispatch:
		return "Dispatch"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// Command is one entry of the command log.
type Command struct {
	Kind  Kind
	Label string
}

// String formats the command as "Kind(label)".
func (c Command) String() string { return c.Kind.String() + "(" + c.Label + ")" }

// Completion reports the completed value of the synchronizer counter.
type Completion interface {
	Completed() uint64
}

// Recorder owns one command encoder and records into it between Open and
// Close.
//
// Thread Safety:
// All methods are serialized by mu.
//
// Lifecycle:
//  1. Open
//  2. Barrier / Copy / Bind / Dispatch
//  3. Close returns the command buffer
//  4. Submitted records the counter value that retires it
//  5. Open again once that value has completed
type Recorder struct {
	mu sync.Mutex

	device     hal.Device
	completion Completion
	limits     gputypes.Limits

	encoder  hal.CommandEncoder
	pass     hal.ComputePassEncoder
	pipeline hal.ComputePipeline
	bound    bool

	recording bool
	// unsubmitted is set between Close and Submitted.
	unsubmitted bool
	// retireAt is the counter value the last command buffer completes at.
	retireAt uint64
	last     hal.CommandBuffer

	log      []Command
	released bool
}

// New returns a closed recorder. completion gates reuse of the encoder.
func New(dev hal.Device, completion Completion, limits gputypes.Limits) *Recorder {
	return &Recorder{device: dev, completion: completion, limits: limits}
}

// Open begins recording. pipeline may be nil for a copy-only buffer.
func (r *Recorder) Open(pipeline hal.ComputePipeline) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.released:
		return ErrReleased
	case r.recording:
		return ErrAlreadyRecording
	case r.unsubmitted:
		return fmt.Errorf("%w: closed command buffer was not submitted", ErrRecorderBusy)
	}
	if done := r.completion.Completed(); done < r.retireAt {
		return fmt.Errorf("%w: completed %d, need %d", ErrRecorderBusy, done, r.retireAt)
	}

	if r.encoder == nil {
		enc, err := r.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "dispatch_encoder"})
		if err != nil {
			return fmt.Errorf("recorder: create encoder: %w", err)
		}
		r.encoder = enc
	} else if r.last != nil {
		r.encoder.ResetAll([]hal.CommandBuffer{r.last})
		r.device.FreeCommandBuffer(r.last)
		r.last = nil
	}

	if err := r.encoder.BeginEncoding("dispatch_commands"); err != nil {
		return fmt.Errorf("recorder: begin encoding: %w", err)
	}
	r.pipeline = pipeline
	r.bound = false
	r.recording = true
	r.log = r.log[:0]
	return nil
}

// Recording reports whether the recorder is open.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// Barrier records buffer transitions.
func (r *Recorder) Barrier(label string, barriers ...hal.BufferBarrier) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return ErrNotRecording
	}
	if len(barriers) == 0 {
		return nil
	}
	r.endPassLocked()
	r.encoder.TransitionBuffers(barriers)
	r.log = append(r.log, Command{Kind: KindBarrier, Label: label})
	return nil
}

// Copy records a copy of size bytes from the start of src to the start of
// dst.
func (r *Recorder) Copy(label string, src, dst hal.Buffer, size uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return ErrNotRecording
	}
	r.endPassLocked()
	r.encoder.CopyBufferToBuffer(src, dst, []hal.BufferCopy{{Size: size}})
	r.log = append(r.log, Command{Kind: KindCopy, Label: label})
	return nil
}

// Bind sets the bind group for the following dispatches.
func (r *Recorder) Bind(group hal.BindGroup) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return ErrNotRecording
	}
	if r.pipeline == nil {
		return ErrNoPipeline
	}
	r.beginPassLocked()
	r.pass.SetBindGroup(0, group, nil)
	r.bound = true
	r.log = append(r.log, Command{Kind: KindBind, Label: "group0"})
	return nil
}

// Dispatch records a dispatch of x*y*z workgroups.
func (r *Recorder) Dispatch(x, y, z uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return ErrNotRecording
	}
	if r.pipeline == nil {
		return ErrNoPipeline
	}
	if !r.bound {
		return ErrNoBindGroup
	}
	if err := r.checkGroupsLocked(x, y, z); err != nil {
		return err
	}
	r.beginPassLocked()
	r.pass.Dispatch(x, y, z)
	r.log = append(r.log, Command{Kind: KindDispatch, Label: fmt.Sprintf("%dx%dx%d", x, y, z)})
	slogger().Debug("recorder: dispatch", "x", x, "y", y, "z", z)
	return nil
}

func (r *Recorder) checkGroupsLocked(x, y, z uint32) error {
	if x == 0 || y == 0 || z == 0 {
		return fmt.Errorf("%w: group count %dx%dx%d", ErrInvalidDispatch, x, y, z)
	}
	if limit := r.limits.MaxComputeWorkgroupsPerDimension; limit > 0 && (x > limit || y > limit || z > limit) {
		return fmt.Errorf("%w: group count %dx%dx%d exceeds %d per dimension", ErrInvalidDispatch, x, y, z, limit)
	}
	return nil
}

// ValidatePartition checks that groups workgroups of groupSize threads
// cover exactly elements items. A group size above the adapter's
// invocation limit is only logged.
func (r *Recorder) ValidatePartition(groups, groupSize, elements uint32) error {
	if groups == 0 || groupSize == 0 {
		return fmt.Errorf("%w: %d groups of %d", ErrPartition, groups, groupSize)
	}
	if uint64(groups)*uint64(groupSize) != uint64(elements) {
		return fmt.Errorf("%w: %d groups of %d != %d elements", ErrPartition, groups, groupSize, elements)
	}
	if limit := r.limits.MaxComputeInvocationsPerWorkgroup; limit > 0 && groupSize > limit {
		slogger().Warn("recorder: workgroup size above adapter limit",
			"groupSize", groupSize, "limit", limit)
	}
	return r.checkGroupsLocked(groups, 1, 1)
}

// Close ends recording and returns the command buffer.
func (r *Recorder) Close() (hal.CommandBuffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return nil, ErrNotRecording
	}
	r.endPassLocked()
	r.recording = false

	cb, err := r.encoder.EndEncoding()
	if err != nil {
		return nil, fmt.Errorf("recorder: end encoding: %w", err)
	}
	r.last = cb
	r.unsubmitted = true
	slogger().Debug("recorder: closed", "commands", len(r.log))
	return cb, nil
}

// Submitted records that the last command buffer was submitted and
// completes when the counter reaches value.
func (r *Recorder) Submitted(value uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubmitted = false
	r.retireAt = value
}

// Commands returns a copy of the commands recorded since the last Open.
func (r *Recorder) Commands() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Command, len(r.log))
	copy(out, r.log)
	return out
}

// Release discards any open recording and destroys the encoder. The
// caller must have waited for the device. It is safe to call more than
// once.
func (r *Recorder) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return
	}
	if r.recording {
		r.endPassLocked()
		r.encoder.DiscardEncoding()
		r.recording = false
	}
	if r.last != nil {
		r.device.FreeCommandBuffer(r.last)
		r.last = nil
	}
	if r.encoder != nil {
		r.encoder.Destroy()
		r.encoder = nil
	}
	r.pipeline = nil
	r.released = true
}

func (r *Recorder) beginPassLocked() {
	if r.pass != nil {
		return
	}
	r.pass = r.encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: "dispatch_pass"})
	r.pass.SetPipeline(r.pipeline)
}

// endPassLocked closes the compute pass. The bind group does not survive
// the pass, so a later dispatch needs another Bind.
func (r *Recorder) endPassLocked() {
	if r.pass == nil {
		return
	}
	r.pass.End()
	r.pass = nil
	r.bound = false
}
