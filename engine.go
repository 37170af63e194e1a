// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/dispatch/internal/descriptor"
	"github.com/gogpu/dispatch/internal/device"
	"github.com/gogpu/dispatch/internal/fence"
	"github.com/gogpu/dispatch/internal/kernel"
	"github.com/gogpu/dispatch/internal/layout"
	"github.com/gogpu/dispatch/internal/recorder"
	"github.com/gogpu/dispatch/internal/resource"
)

// Sync point values on the completion counter.
const (
	syncUpload  uint64 = 1
	syncCompute uint64 = 2
)

// elementStride is the byte size of one int32 element.
const elementStride = 4

// ErrAlreadyRun is returned by a second call to Run.
var ErrAlreadyRun = errors.New("dispatch: engine already ran")

// Engine owns every GPU object of one dispatch.
//
// Thread Safety:
// Run and Release are serialized by mu.
//
// Lifecycle:
//  1. New initializes the device, layout, pipeline, recorder, synchronizer,
//     descriptor table and resource manager
//  2. Run uploads, dispatches and reads back once
//  3. Release tears everything down in reverse order
type Engine struct {
	mu sync.Mutex

	workload Workload
	opts     Options

	dev      *device.Context
	layout   *layout.Compiled
	pipeline *kernel.Pipeline
	rec      *recorder.Recorder
	syncer   *fence.Synchronizer
	table    *descriptor.Table
	res      *resource.Manager

	constants *resource.Buffer
	source    *resource.Buffer
	result1   *resource.Buffer
	result2   *resource.Buffer
	readback1 *resource.Buffer
	readback2 *resource.Buffer

	ran      bool
	released bool
}

// New initializes an engine. On failure everything created so far is
// released and the returned error is an *Error.
func New(ctx context.Context, opts Options) (*Engine, error) {
	w := DefaultWorkload()
	if opts.Workload != nil {
		w = *opts.Workload
	}
	if err := w.Validate(); err != nil {
		return nil, classify("workload", err)
	}
	embedded := opts.KernelPath == "" && opts.KernelSource == ""
	if embedded && w.GroupSize != kernel.WorkgroupSize {
		return nil, classify("workload", fmt.Errorf("%w: embedded kernel runs %d threads per group, workload has %d",
			ErrInvalidWorkload, kernel.WorkgroupSize, w.GroupSize))
	}

	e := &Engine{workload: w, opts: opts}
	if err := e.init(ctx); err != nil {
		e.Release()
		return nil, err
	}
	return e, nil
}

func (e *Engine) init(ctx context.Context) error {
	dev, err := openDevice(ctx, e.opts, e.workload.GroupSize)
	if err != nil {
		return classify("device", err)
	}
	e.dev = dev

	caps := dev.Capabilities()
	e.workload.Constants.MinWaveLanes = caps.MinWaveLanes()
	if !caps.WaveOps {
		Logger().Warn("dispatch: wave operations unsupported, assuming default lane count",
			"lanes", e.workload.Constants.MinWaveLanes)
	}

	if e.layout, err = layout.Compile(dev.Device(), layout.Build(caps.LayoutVersion)); err != nil {
		return classify("layout", err)
	}

	bin, err := loadKernel(e.opts)
	if err != nil {
		return classify("kernel", err)
	}
	if e.pipeline, err = kernel.NewPipeline(dev.Device(), e.layout.PipelineLayout(), bin, e.opts.EntryPoint); err != nil {
		return classify("pipeline", err)
	}

	e.syncer = fence.New(dev.Device(), dev.Queue())
	e.rec = recorder.New(dev.Device(), e.syncer, caps.Limits)
	w := e.workload
	if err := e.rec.ValidatePartition(w.Groups, w.GroupSize, uint32(w.Elements())); err != nil { //nolint:gosec // validated against the groups product
		return classify("partition", err)
	}

	if e.table, err = descriptor.Allocate(dev.Device(), e.layout.BindGroupLayout(), int(descriptor.Capacity)); err != nil {
		return classify("descriptors", err)
	}
	maxMB := e.opts.MaxMemoryMB
	if maxMB == 0 {
		maxMB = resource.DefaultMaxMemoryMB
	}
	e.res = resource.NewManager(dev.Device(), e.rec, e.table, resource.NewBudget(maxMB))

	Logger().Debug("dispatch: engine initialized",
		"elements", w.Elements(), "groups", w.Groups, "groupSize", w.GroupSize,
		"minWaveLanes", w.Constants.MinWaveLanes)
	return nil
}

func openDevice(ctx context.Context, opts Options, groupSize uint32) (*device.Context, error) {
	if opts.Provider != nil {
		return device.FromProvider(opts.Provider)
	}
	backends := opts.Backends
	if len(backends) == 0 {
		var err error
		if backends, err = device.ResolveBackends(opts.Backend); err != nil {
			return nil, err
		}
	}
	return device.Initialize(ctx, device.Options{
		Backends:      backends,
		Selector:      opts.Selector,
		WorkgroupSize: groupSize,
	})
}

func loadKernel(opts Options) (*kernel.Binary, error) {
	switch {
	case opts.KernelPath != "":
		return kernel.Load(opts.KernelPath)
	case opts.KernelSource != "":
		return kernel.Compile(opts.KernelSource)
	default:
		return kernel.Default()
	}
}

// Workload returns the workload with MinWaveLanes filled in.
func (e *Engine) Workload() Workload { return e.workload }

// Capabilities returns the selected adapter's capabilities.
func (e *Engine) Capabilities() Capabilities { return e.dev.Capabilities() }

// AdapterName returns the selected adapter's name.
func (e *Engine) AdapterName() string { return e.dev.Info().Name }

// Run uploads the workload, dispatches the kernel and reads both results
// back. It may be called once.
func (e *Engine) Run(ctx context.Context) (Results, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.released:
		return Results{}, ErrReleased
	case e.ran:
		return Results{}, ErrAlreadyRun
	}
	e.ran = true

	if err := e.upload(ctx); err != nil {
		return Results{}, err
	}
	return e.compute(ctx)
}

// upload creates every buffer, records the staging copies and waits for
// the upload sync point.
func (e *Engine) upload(ctx context.Context) error {
	const op = "upload"
	w := e.workload
	n := uint32(w.Elements()) //nolint:gosec // bounded by Validate

	if err := e.rec.Open(nil); err != nil {
		return classify(op, err)
	}

	var err error
	if e.constants, _, err = e.res.CreateConstantBuffer("constants", w.Constants.Bytes()); err != nil {
		return classify(op, err)
	}
	if e.source, _, err = e.res.CreateReadOnlyBuffer("source", int32Bytes(w.Source), n, elementStride); err != nil {
		return classify(op, err)
	}
	if e.result1, err = e.res.CreateWriteOnlyBuffer("result1", n, elementStride); err != nil {
		return classify(op, err)
	}
	if e.result2, _, err = e.res.CreateInitializedReadWriteBuffer("result2", int32Bytes(w.Seed), n, elementStride); err != nil {
		return classify(op, err)
	}
	size := uint64(n) * elementStride
	if e.readback1, err = e.res.CreateReadbackBuffer("readback1", size); err != nil {
		return classify(op, err)
	}
	if e.readback2, err = e.res.CreateReadbackBuffer("readback2", size); err != nil {
		return classify(op, err)
	}

	if err := e.submit(ctx, op, syncUpload); err != nil {
		return err
	}
	released := e.res.ReleaseStaging(e.syncer.Completed())
	Logger().Debug("dispatch: staging released", "buffers", released,
		"pending", e.res.PendingStaging(), "budget", e.res.Budget().Stats().String())
	return nil
}

// compute records the dispatch and readback copies, waits for the compute
// sync point and reads the results.
func (e *Engine) compute(ctx context.Context) (Results, error) {
	const op = "dispatch"
	w := e.workload

	if err := e.rec.Open(e.pipeline.Raw()); err != nil {
		return Results{}, classify(op, err)
	}
	if err := e.res.Ensure(e.result1, resource.StateUnorderedAccess); err != nil {
		return Results{}, classify(op, err)
	}
	for _, req := range []struct {
		buf    *resource.Buffer
		access resource.Access
	}{
		{e.constants, resource.AccessConstant},
		{e.source, resource.AccessReadOnlyView},
		{e.result1, resource.AccessUnorderedView},
		{e.result2, resource.AccessUnorderedView},
	} {
		if err := e.res.Require(req.buf, req.access); err != nil {
			return Results{}, classify(op, err)
		}
	}

	group, err := e.table.Commit(e.constants.Raw(), e.constants.Size)
	if err != nil {
		return Results{}, classify(op, err)
	}
	if err := e.rec.Bind(group); err != nil {
		return Results{}, classify(op, err)
	}
	if err := e.rec.Dispatch(w.Groups, 1, 1); err != nil {
		return Results{}, classify(op, err)
	}
	if err := e.res.RecordReadback(e.result1, e.readback1); err != nil {
		return Results{}, classify(op, err)
	}
	if err := e.res.RecordReadback(e.result2, e.readback2); err != nil {
		return Results{}, classify(op, err)
	}

	if err := e.submit(ctx, op, syncCompute); err != nil {
		return Results{}, err
	}

	var r Results
	if r.Result1, err = e.res.ReadInt32s(e.readback1, w.Elements()); err != nil {
		return Results{}, classify("readback", err)
	}
	if r.Result2, err = e.res.ReadInt32s(e.readback2, w.Elements()); err != nil {
		return Results{}, classify("readback", err)
	}
	return r, nil
}

// submit closes the recorder, submits its command buffer and waits for
// value on the completion counter.
func (e *Engine) submit(ctx context.Context, op string, value uint64) error {
	cb, err := e.rec.Close()
	if err != nil {
		return classify(op, err)
	}
	if _, err := e.syncer.Submit(cb); err != nil {
		return classify(op, err)
	}
	e.rec.Submitted(value)
	e.res.RetireStaging(value)

	if e.opts.WaitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.WaitTimeout)
		defer cancel()
	}
	if err := e.syncer.SignalAndWait(ctx, value); err != nil {
		return classify(op, err)
	}
	return nil
}

// Commands returns the commands recorded into the last command buffer.
func (e *Engine) Commands() []recorder.Command {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec == nil {
		return nil
	}
	return e.rec.Commands()
}

// Validate checks r against the engine's workload.
func (e *Engine) Validate(r Results) Report {
	return Validate(e.workload, r)
}

// Release tears down in reverse order of creation: synchronizer,
// descriptor table, buffers, recorder, pipeline and layout, device. It is
// safe to call more than once.
func (e *Engine) Release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return
	}
	e.released = true

	if e.syncer != nil {
		e.syncer.Release()
	}
	if e.table != nil {
		e.table.Release()
	}
	if e.res != nil {
		e.res.ReleaseAll()
	}
	if e.rec != nil {
		e.rec.Release()
	}
	if e.pipeline != nil {
		e.pipeline.Release()
	}
	if e.layout != nil {
		e.layout.Release()
	}
	if e.dev != nil {
		e.dev.Release()
	}
	e.constants, e.source, e.result1, e.result2 = nil, nil, nil, nil
	e.readback1, e.readback2 = nil, nil
	Logger().Debug("dispatch: engine released")
}

// Released reports whether Release has run and the device is gone.
func (e *Engine) Released() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.released && (e.dev == nil || e.dev.Released())
}

// Run creates an engine, runs it once, validates the results and releases
// it. The returned error is an *Error; a validation failure has
// KindValidationMismatch.
func Run(ctx context.Context, opts Options) (Report, error) {
	e, err := New(ctx, opts)
	if err != nil {
		return Report{}, err
	}
	defer e.Release()

	r, err := e.Run(ctx)
	if err != nil {
		return Report{}, err
	}
	rep := e.Validate(r)
	return rep, rep.Err()
}
