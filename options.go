// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package dispatch

import (
	"time"

	"github.com/gogpu/dispatch/internal/device"
	"github.com/gogpu/gpucontext"
	"github.com/gogpu/wgpu/hal"
)

// Device selection types.
type (
	// Selector picks one adapter from the enumerated candidates.
	Selector = device.Selector

	// Candidate is one enumerated adapter.
	Candidate = device.Candidate

	// IndexSelector always selects a fixed index.
	IndexSelector = device.IndexSelector

	// PromptSelector asks for an index on a reader.
	PromptSelector = device.PromptSelector

	// PreferDiscrete selects the first discrete GPU.
	PreferDiscrete = device.PreferDiscrete

	// Capabilities describes the selected adapter.
	Capabilities = device.Capabilities
)

// Options configures New. The zero value runs the default workload with
// the embedded kernel on the preferred adapter of any registered backend.
type Options struct {
	// Backend names the HAL backend: auto, dx12, vulkan, metal, gl or
	// software. Ignored when Backends or Provider is set.
	Backend string

	// Backends are enumerated in order.
	Backends []hal.Backend

	// Selector picks the adapter. Nil means PreferDiscrete.
	Selector Selector

	// Provider supplies an externally owned device instead of enumerating
	// adapters. The engine never destroys it.
	Provider gpucontext.DeviceProvider

	// KernelPath is a SPIR-V binary. Empty compiles KernelSource, or the
	// embedded kernel when KernelSource is empty too.
	KernelPath string

	// KernelSource is WGSL source compiled at startup.
	KernelSource string

	// EntryPoint defaults to "main".
	EntryPoint string

	// Workload defaults to DefaultWorkload.
	Workload *Workload

	// MaxMemoryMB bounds device buffer allocations. Zero selects 256.
	MaxMemoryMB int

	// WaitTimeout bounds each sync point. Zero waits indefinitely.
	WaitTimeout time.Duration
}
