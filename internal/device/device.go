// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package device owns the adapter and device handles of the dispatch engine
// and derives the capabilities later stages depend on.
package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// MaxAdapters caps the number of adapters offered for selection.
const MaxAdapters = 16

// Device errors.
var (
	// ErrNoDeviceFound is returned when no backend exposes an adapter.
	ErrNoDeviceFound = errors.New("device: no GPU adapter found")

	// ErrDeviceCreationFailed is returned when the selected adapter cannot
	// be opened at the minimum compute capability.
	ErrDeviceCreationFailed = errors.New("device: device creation failed")

	// ErrCapabilityQueryFailed is returned when an adapter reports a hard
	// failure while its capabilities are queried.
	ErrCapabilityQueryFailed = errors.New("device: capability query failed")

	// ErrUnknownBackend is returned for an unrecognized backend name.
	ErrUnknownBackend = errors.New("device: unknown backend")

	// ErrBackendUnavailable is returned when a named backend is not registered.
	ErrBackendUnavailable = errors.New("device: backend not available")

	// ErrProviderNotHAL is returned when a device provider does not expose
	// HAL device and queue handles.
	ErrProviderNotHAL = errors.New("device: provider does not expose HAL types")
)

// backendNames maps configuration names to HAL backend variants.
var backendNames = map[string]gputypes.Backend{
	"dx12":     gputypes.BackendDX12,
	"vulkan":   gputypes.BackendVulkan,
	"metal":    gputypes.BackendMetal,
	"gl":       gputypes.BackendGL,
	"software": gputypes.BackendEmpty,
}

// autoOrder is the backend preference used by "auto".
var autoOrder = []gputypes.Backend{
	gputypes.BackendDX12,
	gputypes.BackendMetal,
	gputypes.BackendVulkan,
	gputypes.BackendGL,
	gputypes.BackendEmpty,
}

// ResolveBackends returns the registered HAL backends for a configuration
// name. "auto" (or "") returns every registered backend in preference order.
func ResolveBackends(name string) ([]hal.Backend, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || name == "auto" {
		var out []hal.Backend
		for _, v := range autoOrder {
			if b, ok := hal.GetBackend(v); ok {
				out = append(out, b)
			}
		}
		if len(out) == 0 {
			return nil, ErrNoDeviceFound
		}
		return out, nil
	}
	variant, ok := backendNames[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
	b, ok := hal.GetBackend(variant)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBackendUnavailable, name)
	}
	return []hal.Backend{b}, nil
}

// enumerated is one adapter plus the instance that exposed it.
type enumerated struct {
	instance hal.Instance
	exposed  hal.ExposedAdapter
}

// Enumeration holds the instances created while enumerating adapters.
// Close destroys every instance that was not handed to a Context.
type Enumeration struct {
	instances []hal.Instance
	adapters  []enumerated
}

// Enumerate creates an instance per backend and collects up to MaxAdapters
// adapters. Backends whose instance cannot be created are skipped.
func Enumerate(backends []hal.Backend) *Enumeration {
	e := &Enumeration{}
	for _, b := range backends {
		if len(e.adapters) >= MaxAdapters {
			break
		}
		inst, err := b.CreateInstance(&hal.InstanceDescriptor{})
		if err != nil {
			slogger().Warn("device: backend instance creation failed",
				"backend", b.Variant().String(), "error", err)
			continue
		}
		exposed := inst.EnumerateAdapters(nil)
		if len(exposed) == 0 {
			inst.Destroy()
			continue
		}
		e.instances = append(e.instances, inst)
		for _, ea := range exposed {
			if len(e.adapters) >= MaxAdapters {
				break
			}
			e.adapters = append(e.adapters, enumerated{instance: inst, exposed: ea})
		}
	}
	return e
}

// Candidates returns the enumerated adapters in selection order.
func (e *Enumeration) Candidates() []Candidate {
	out := make([]Candidate, len(e.adapters))
	for i, a := range e.adapters {
		out[i] = Candidate{
			Index:    i,
			Info:     a.exposed.Info,
			Features: a.exposed.Features,
			Limits:   a.exposed.Capabilities.Limits,
		}
	}
	return out
}

// Capabilities returns the derived capabilities of candidate i.
func (e *Enumeration) Capabilities(i int) (Capabilities, error) {
	if i < 0 || i >= len(e.adapters) {
		return Capabilities{}, fmt.Errorf("device: candidate %d out of range", i)
	}
	return queryCapabilities(e.adapters[i].exposed)
}

// Close destroys all instances except keep.
func (e *Enumeration) Close(keep hal.Instance) {
	for _, inst := range e.instances {
		if inst != keep {
			inst.Destroy()
		}
	}
	e.instances = nil
	e.adapters = nil
}

// Options configures Initialize.
type Options struct {
	// Backends are enumerated in order. Empty means ResolveBackends("auto").
	Backends []hal.Backend

	// Selector picks the adapter. Nil means PreferDiscrete.
	Selector Selector

	// WorkgroupSize is the thread count per workgroup the device must
	// accept. The requested compute limits are raised to it.
	WorkgroupSize uint32
}

// Context owns the instance, adapter, device and queue of the engine.
//
// Thread Safety:
// The handles are immutable after Initialize. Release is safe to call
// concurrently and more than once.
//
// Lifecycle:
//  1. Initialize (or FromProvider)
//  2. Device/Queue/Capabilities are consumed by the other stages
//  3. Release destroys owned handles and sets them to nil
type Context struct {
	// mu guards release.
	mu sync.Mutex

	instance hal.Instance
	adapter  hal.Adapter
	device   hal.Device
	queue    hal.Queue

	info gputypes.AdapterInfo
	caps Capabilities

	// limits are the limits the device was opened with.
	limits gputypes.Limits

	// external is true when the device belongs to a provider.
	external bool
}

// Initialize enumerates adapters, lets opts.Selector pick one, and opens it.
func Initialize(ctx context.Context, opts Options) (*Context, error) {
	backends := opts.Backends
	if len(backends) == 0 {
		var err error
		if backends, err = ResolveBackends("auto"); err != nil {
			return nil, err
		}
	}
	sel := opts.Selector
	if sel == nil {
		sel = PreferDiscrete{}
	}

	enum := Enumerate(backends)
	candidates := enum.Candidates()
	if len(candidates) == 0 {
		enum.Close(nil)
		return nil, ErrNoDeviceFound
	}

	idx, err := sel.Select(ctx, candidates)
	if err != nil {
		enum.Close(nil)
		return nil, fmt.Errorf("device: select adapter: %w", err)
	}
	idx = clampSelection(idx, len(candidates))
	chosen := enum.adapters[idx]
	enum.Close(chosen.instance)

	c, err := open(chosen, opts.WorkgroupSize)
	if err != nil {
		chosen.instance.Destroy()
		return nil, err
	}
	slogger().Info("device: adapter selected",
		"name", c.info.Name,
		"backend", c.info.Backend.String(),
		"type", c.info.DeviceType.String(),
		"featureLevel", c.caps.FeatureLevel.String(),
		"shaderModel", c.caps.ShaderModel.String(),
		"layoutVersion", c.caps.LayoutVersion.String())
	return c, nil
}

// open queries capabilities and opens the device on an enumerated adapter.
func open(a enumerated, workgroupSize uint32) (*Context, error) {
	caps, err := queryCapabilities(a.exposed)
	if err != nil {
		return nil, err
	}
	if err := checkMinimum(caps.Limits); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDeviceCreationFailed, a.exposed.Info.Name, err)
	}

	features := caps.Features & gputypes.Features(gputypes.FeatureSubgroupOperations)
	limits := requestLimits(caps.Limits, workgroupSize)
	od, err := a.exposed.Adapter.Open(features, limits)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDeviceCreationFailed, a.exposed.Info.Name, err)
	}
	return &Context{
		instance: a.instance,
		adapter:  a.exposed.Adapter,
		device:   od.Device,
		queue:    od.Queue,
		info:     a.exposed.Info,
		caps:     caps,
		limits:   limits,
	}, nil
}

// requestLimits returns the adapter's limits with the compute workgroup
// fields raised to workgroupSize.
func requestLimits(adapter gputypes.Limits, workgroupSize uint32) gputypes.Limits {
	l := adapter
	if workgroupSize > l.MaxComputeInvocationsPerWorkgroup || workgroupSize > l.MaxComputeWorkgroupSizeX {
		slogger().Warn("device: adapter reports a smaller workgroup limit, requesting the workload size",
			"maxInvocations", adapter.MaxComputeInvocationsPerWorkgroup,
			"maxSizeX", adapter.MaxComputeWorkgroupSizeX,
			"workgroupSize", workgroupSize)
	}
	l.MaxComputeInvocationsPerWorkgroup = max(l.MaxComputeInvocationsPerWorkgroup, workgroupSize)
	l.MaxComputeWorkgroupSizeX = max(l.MaxComputeWorkgroupSizeX, workgroupSize)
	return l
}

// FromProvider wraps a device owned by an external provider, for example
// a gogpu application window. The provider must also implement
// HalDevice() any and HalQueue() any returning hal.Device and hal.Queue.
// Release never destroys a provider's device.
func FromProvider(provider gpucontext.DeviceProvider) (*Context, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrProviderNotHAL
	}
	dev, ok := hp.HalDevice().(hal.Device)
	if !ok || dev == nil {
		return nil, fmt.Errorf("%w: HalDevice is not hal.Device", ErrProviderNotHAL)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: HalQueue is not hal.Queue", ErrProviderNotHAL)
	}

	pi := provider.AdapterInfo()
	info := gputypes.AdapterInfo{Name: pi.Name, DeviceType: deviceTypeOf(pi.Type)}
	caps := Capabilities{
		FeatureLevel:     FeatureLevel11_0,
		LayoutVersion:    LayoutVersion1_0,
		Limits:           gputypes.DefaultLimits(),
		WaveLaneCountMin: DefaultWaveLanes,
		WaveLaneCountMax: DefaultWaveLanes,
	}
	slogger().Debug("device: using provider device", "name", info.Name)
	return &Context{device: dev, queue: queue, info: info, caps: caps, limits: caps.Limits, external: true}, nil
}

func deviceTypeOf(t gpucontext.AdapterType) gputypes.DeviceType {
	switch t {
	case gpucontext.AdapterTypeDiscrete:
		return gputypes.DeviceTypeDiscreteGPU
	case gpucontext.AdapterTypeIntegrated:
		return gputypes.DeviceTypeIntegratedGPU
	case gpucontext.AdapterTypeSoftware:
		return gputypes.DeviceTypeCPU
	default:
		return gputypes.DeviceTypeOther
	}
}

// Device returns the HAL device, or nil after Release.
func (c *Context) Device() hal.Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device
}

// Queue returns the HAL queue, or nil after Release.
func (c *Context) Queue() hal.Queue {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue
}

// Info returns the selected adapter's metadata.
func (c *Context) Info() gputypes.AdapterInfo { return c.info }

// Capabilities returns the capabilities computed at initialization.
func (c *Context) Capabilities() Capabilities { return c.caps }

// Limits returns the limits the device was opened with.
func (c *Context) Limits() gputypes.Limits { return c.limits }

// External reports whether the device is owned by a provider.
func (c *Context) External() bool { return c.external }

// Released reports whether Release has run.
func (c *Context) Released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device == nil && c.queue == nil && c.adapter == nil && c.instance == nil
}

// Release destroys the device, adapter and instance in that order and sets
// every handle to nil. Calling Release again is a no-op.
func (c *Context) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.device != nil && !c.external {
		c.device.Destroy()
	}
	c.device = nil
	c.queue = nil

	if c.adapter != nil {
		c.adapter.Destroy()
		c.adapter = nil
	}
	if c.instance != nil {
		c.instance.Destroy()
		c.instance = nil
	}
}
