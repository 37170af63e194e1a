// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package dispatch drives a single compute dispatch on a GPU.
//
// # Overview
//
// An Engine selects a device, declares the kernel's binding layout, stages
// host data into device buffers, records one compute dispatch and reads the
// results back. Native calls go through the gogpu HAL, so the same engine
// runs on DX12, Vulkan, Metal, GLES and the CPU software backend.
//
// # Quick Start
//
//	import "github.com/gogpu/dispatch"
//
//	eng, err := dispatch.New(ctx, dispatch.Options{})
//	if err != nil {
//	    return err
//	}
//	defer eng.Release()
//
//	results, err := eng.Run(ctx)
//	if err != nil {
//	    return err
//	}
//	report := eng.Validate(results)
//
// # Execution
//
// Run has two sync points on one completion counter:
//   - 1: uploads complete, staging buffers are released
//   - 2: dispatch and readback copies complete
//
// Every buffer's access state is tracked by the resource manager and
// changed only through recorded barriers.
//
// # Teardown
//
// Release runs in strict reverse order of creation: synchronizer,
// descriptor table, buffers, command recorder, pipeline and layout, then
// the device. Failed initialization runs the same teardown.
package dispatch

// Version information
const (
	// Version is the current version of the module
	Version = "0.1.0"

	// VersionMajor is the major version
	VersionMajor = 0

	// VersionMinor is the minor version
	VersionMinor = 1

	// VersionPatch is the patch version
	VersionPatch = 0
)
