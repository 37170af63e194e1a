// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package layout declares the parameter contract of the compute kernel and
// compiles it into HAL bind group and pipeline layouts.
//
// The contract has exactly four parameters:
//
//	[0] inline constant buffer   b0
//	[1] table: read-only view    t0
//	[2] table: read-write view   u0
//	[3] table: read-write view   u1
//
// Parameter i is exposed to the kernel as @group(0) @binding(i).
package layout

import (
	"errors"
	"fmt"

	"github.com/gogpu/dispatch/internal/device"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// Layout errors.
var (
	// ErrLayoutSerializationFailed is returned when a description is
	// rejected by the serializer. The wrapped text carries the diagnostic.
	ErrLayoutSerializationFailed = errors.New("layout: serialization failed")

	// ErrLayoutCreationFailed is returned when the device rejects the
	// compiled layout.
	ErrLayoutCreationFailed = errors.New("layout: device layout creation failed")

	// ErrMalformedBlob is returned when a serialized blob cannot be decoded.
	ErrMalformedBlob = errors.New("layout: malformed blob")
)

// Parameter indices of the kernel contract.
const (
	ParamConstants       = 0
	ParamReadOnlyView    = 1
	ParamReadWriteViewA  = 2
	ParamReadWriteViewB  = 3
	ParameterCount       = 4
	defaultRegisterSpace = 0
)

// ParameterKind distinguishes inline root parameters from descriptor tables.
type ParameterKind uint8

const (
	// ParamKindConstantBuffer is an inline constant-buffer reference.
	ParamKindConstantBuffer ParameterKind = iota + 1
	// ParamKindTable is a descriptor table of view ranges.
	ParamKindTable
)

// String returns the parameter kind name.
func (k ParameterKind) String() string {
	switch k {
	case ParamKindConstantBuffer:
		return "ConstantBuffer"
	case ParamKindTable:
		return "Table"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// RangeKind is the register class of a descriptor range.
type RangeKind uint8

const (
	RangeSRV RangeKind = iota + 1
	RangeUAV
	RangeCBV
)

// String returns the register class name.
func (k RangeKind) String() string {
	switch k {
	case RangeSRV:
		return "SRV"
	case RangeUAV:
		return "UAV"
	case RangeCBV:
		return "CBV"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// register returns the register prefix used in diagnostics.
func (k RangeKind) register() string {
	switch k {
	case RangeSRV:
		return "t"
	case RangeUAV:
		return "u"
	default:
		return "b"
	}
}

// DataFlags are the version 1.1 volatility hints on ranges and inline
// constant buffers. Values follow the D3D12 descriptor range flags.
type DataFlags uint32

const (
	DataFlagsNone     DataFlags = 0
	DataFlagsVolatile DataFlags = 0x2
	DataFlagsStatic   DataFlags = 0x8
)

// Flags are layout-wide flags. Values follow D3D12_ROOT_SIGNATURE_FLAGS.
type Flags uint32

const (
	FlagDenyVertex        Flags = 0x2
	FlagDenyHull          Flags = 0x4
	FlagDenyDomain        Flags = 0x8
	FlagDenyGeometry      Flags = 0x10
	FlagDenyAmplification Flags = 0x100
	FlagDenyMesh          Flags = 0x200

	// FlagsComputeOnly denies every graphics stage that can bind resources
	// without a pixel stage.
	FlagsComputeOnly = FlagDenyVertex | FlagDenyHull | FlagDenyDomain |
		FlagDenyGeometry | FlagDenyAmplification | FlagDenyMesh
)

// Range is one contiguous run of descriptors in a table.
type Range struct {
	Kind         RangeKind
	Count        uint32
	BaseRegister uint32
	Space        uint32
	Flags        DataFlags
}

// Parameter is one entry of the layout.
type Parameter struct {
	Kind ParameterKind

	// Register, Space and Flags describe an inline constant buffer.
	Register uint32
	Space    uint32
	Flags    DataFlags

	// Ranges describe a table.
	Ranges []Range
}

// Description is an immutable binding-layout description.
type Description struct {
	Version    device.LayoutVersion
	Flags      Flags
	Parameters []Parameter
}

// Build returns the four-parameter compute layout for the given version.
// Version 1.1 carries volatility hints; 1.0 does not.
func Build(version device.LayoutVersion) Description {
	v11 := version == device.LayoutVersion1_1
	flag := func(f DataFlags) DataFlags {
		if v11 {
			return f
		}
		return DataFlagsNone
	}

	table := func(kind RangeKind, reg uint32, f DataFlags) Parameter {
		return Parameter{
			Kind: ParamKindTable,
			Ranges: []Range{{
				Kind:         kind,
				Count:        1,
				BaseRegister: reg,
				Space:        defaultRegisterSpace,
				Flags:        flag(f),
			}},
		}
	}

	if !v11 {
		version = device.LayoutVersion1_0
	}
	return Description{
		Version: version,
		Flags:   FlagsComputeOnly,
		Parameters: []Parameter{
			ParamConstants: {
				Kind:     ParamKindConstantBuffer,
				Register: 0,
				Space:    defaultRegisterSpace,
				Flags:    flag(DataFlagsStatic),
			},
			ParamReadOnlyView:   table(RangeSRV, 0, DataFlagsStatic),
			ParamReadWriteViewA: table(RangeUAV, 0, DataFlagsVolatile),
			ParamReadWriteViewB: table(RangeUAV, 1, DataFlagsVolatile),
		},
	}
}

// Compiled is a layout accepted by the device.
//
// Lifecycle: created by Compile, consumed by pipeline and bind group
// creation, destroyed by Release.
type Compiled struct {
	Description Description
	Blob        []byte

	device          hal.Device
	bindGroupLayout hal.BindGroupLayout
	pipelineLayout  hal.PipelineLayout
}

// Compile serializes desc and creates the device layouts. Serialization
// runs first so a malformed description never reaches the device.
func Compile(dev hal.Device, desc Description) (*Compiled, error) {
	blob, err := Serialize(desc)
	if err != nil {
		return nil, err
	}
	if _, err := Deserialize(blob); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLayoutSerializationFailed, err)
	}

	bgl, err := dev.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   "dispatch_layout",
		Entries: BindGroupLayoutEntries(desc),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: bind group layout: %w", ErrLayoutCreationFailed, err)
	}

	pl, err := dev.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            "dispatch_pipeline_layout",
		BindGroupLayouts: []hal.BindGroupLayout{bgl},
	})
	if err != nil {
		dev.DestroyBindGroupLayout(bgl)
		return nil, fmt.Errorf("%w: pipeline layout: %w", ErrLayoutCreationFailed, err)
	}

	slogger().Debug("layout: compiled",
		"version", desc.Version.String(),
		"parameters", len(desc.Parameters),
		"blobBytes", len(blob))
	return &Compiled{
		Description:     desc,
		Blob:            blob,
		device:          dev,
		bindGroupLayout: bgl,
		pipelineLayout:  pl,
	}, nil
}

// BindGroupLayout returns the device bind group layout, or nil after Release.
func (c *Compiled) BindGroupLayout() hal.BindGroupLayout { return c.bindGroupLayout }

// PipelineLayout returns the device pipeline layout, or nil after Release.
func (c *Compiled) PipelineLayout() hal.PipelineLayout { return c.pipelineLayout }

// Release destroys the device layouts. It is safe to call more than once.
func (c *Compiled) Release() {
	if c == nil || c.device == nil {
		return
	}
	if c.pipelineLayout != nil {
		c.device.DestroyPipelineLayout(c.pipelineLayout)
		c.pipelineLayout = nil
	}
	if c.bindGroupLayout != nil {
		c.device.DestroyBindGroupLayout(c.bindGroupLayout)
		c.bindGroupLayout = nil
	}
	c.device = nil
}

// BindGroupLayoutEntries maps each parameter to a compute-only binding:
// constant buffers become uniforms, SRV tables read-only storage and UAV
// tables read-write storage.
func BindGroupLayoutEntries(desc Description) []gputypes.BindGroupLayoutEntry {
	entries := make([]gputypes.BindGroupLayoutEntry, 0, len(desc.Parameters))
	for i, p := range desc.Parameters {
		typ := gputypes.BufferBindingTypeUniform
		if p.Kind == ParamKindTable && len(p.Ranges) > 0 {
			switch p.Ranges[0].Kind {
			case RangeSRV:
				typ = gputypes.BufferBindingTypeReadOnlyStorage
			case RangeUAV:
				typ = gputypes.BufferBindingTypeStorage
			}
		}
		entries = append(entries, gputypes.BindGroupLayoutEntry{
			Binding:    uint32(i),
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: typ},
		})
	}
	return entries
}
