// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package device

import (
	"fmt"
	"strings"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// DefaultWaveLanes is the wave width assumed when the adapter cannot report
// its lane count or does not support wave operations at all.
const DefaultWaveLanes uint32 = 64

// FeatureLevel is a hardware capability tier. Values follow the
// D3D_FEATURE_LEVEL encoding so DX12 adapters map one to one.
type FeatureLevel uint32

const (
	FeatureLevelUnknown FeatureLevel = 0
	FeatureLevel11_0    FeatureLevel = 0xb000
	FeatureLevel11_1    FeatureLevel = 0xb100
	FeatureLevel12_0    FeatureLevel = 0xc000
	FeatureLevel12_1    FeatureLevel = 0xc100
	FeatureLevel12_2    FeatureLevel = 0xc200
)

// featureLevels lists known levels from highest to lowest.
var featureLevels = []FeatureLevel{
	FeatureLevel12_2,
	FeatureLevel12_1,
	FeatureLevel12_0,
	FeatureLevel11_1,
	FeatureLevel11_0,
}

// String returns the level in "12_1" form.
func (l FeatureLevel) String() string {
	switch l {
	case FeatureLevel11_0, FeatureLevel11_1, FeatureLevel12_0, FeatureLevel12_1, FeatureLevel12_2:
		return fmt.Sprintf("%d_%d", uint32(l)>>12, (uint32(l)>>8)&0xf)
	default:
		return fmt.Sprintf("Unknown(%#x)", uint32(l))
	}
}

// ShaderModel is a shader model version such as 6.0.
type ShaderModel struct {
	Major uint8
	Minor uint8
}

// String returns "major.minor".
func (m ShaderModel) String() string {
	return fmt.Sprintf("%d.%d", m.Major, m.Minor)
}

// AtLeast reports whether m is major.minor or newer.
func (m ShaderModel) AtLeast(major, minor uint8) bool {
	if m.Major != major {
		return m.Major > major
	}
	return m.Minor >= minor
}

// LayoutVersion is the binding-layout description version. Values follow
// D3D_ROOT_SIGNATURE_VERSION.
type LayoutVersion uint8

const (
	LayoutVersion1_0 LayoutVersion = 1
	LayoutVersion1_1 LayoutVersion = 2
)

// String returns "1.0" or "1.1".
func (v LayoutVersion) String() string {
	switch v {
	case LayoutVersion1_0:
		return "1.0"
	case LayoutVersion1_1:
		return "1.1"
	default:
		return fmt.Sprintf("Unknown(%d)", int(v))
	}
}

// Capabilities describes what the selected adapter supports. It is computed
// once at initialization and never mutated afterwards.
type Capabilities struct {
	FeatureLevel  FeatureLevel
	ShaderModel   ShaderModel
	LayoutVersion LayoutVersion

	// WaveOps reports subgroup operation support. When false the lane
	// counts hold DefaultWaveLanes.
	WaveOps          bool
	WaveLaneCountMin uint32
	WaveLaneCountMax uint32

	Features gputypes.Features
	Limits   gputypes.Limits
}

// MinWaveLanes returns the lane count a kernel may assume: the queried
// minimum when wave operations are supported, DefaultWaveLanes otherwise.
func (c Capabilities) MinWaveLanes() uint32 {
	if c.WaveOps && c.WaveLaneCountMin != 0 {
		return c.WaveLaneCountMin
	}
	return DefaultWaveLanes
}

// WaveLaneCounter is an optional adapter interface reporting the subgroup
// width range.
type WaveLaneCounter interface {
	WaveLaneCounts() (minLanes, maxLanes uint32)
}

// CapabilityProber is an optional adapter interface for backends whose
// capability queries can fail. A failure is fatal for initialization.
type CapabilityProber interface {
	ProbeCapabilities() error
}

// queryCapabilities derives Capabilities from an exposed adapter. It only
// reads adapter metadata.
func queryCapabilities(exposed hal.ExposedAdapter) (Capabilities, error) {
	if p, ok := exposed.Adapter.(CapabilityProber); ok {
		if err := p.ProbeCapabilities(); err != nil {
			return Capabilities{}, fmt.Errorf("%w: %v", ErrCapabilityQueryFailed, err)
		}
	}

	sm := decodeShaderModel(exposed.Capabilities.DownlevelCapabilities.ShaderModel, exposed.Info.Backend)
	fl := FeatureLevelUnknown
	if exposed.Info.Backend == gputypes.BackendDX12 {
		fl = parseFeatureLevel(exposed.Info.DriverInfo)
	}
	if fl == FeatureLevelUnknown {
		fl = featureLevelForShaderModel(sm)
	}

	caps := Capabilities{
		FeatureLevel:     fl,
		ShaderModel:      sm,
		LayoutVersion:    LayoutVersion1_0,
		Features:         exposed.Features,
		Limits:           exposed.Capabilities.Limits,
		WaveLaneCountMin: DefaultWaveLanes,
		WaveLaneCountMax: DefaultWaveLanes,
	}
	if sm.AtLeast(6, 0) || fl >= FeatureLevel12_0 {
		caps.LayoutVersion = LayoutVersion1_1
	}

	if exposed.Features.Contains(gputypes.FeatureSubgroupOperations) {
		caps.WaveOps = true
		if wc, ok := exposed.Adapter.(WaveLaneCounter); ok {
			lo, hi := wc.WaveLaneCounts()
			if lo != 0 {
				caps.WaveLaneCountMin = lo
				caps.WaveLaneCountMax = max(hi, lo)
			}
		} else {
			slogger().Debug("device: wave lane count not reported, assuming default",
				"lanes", DefaultWaveLanes)
		}
	}
	return caps, nil
}

// decodeShaderModel converts the HAL shader model value. DX12 reports the
// D3D_SHADER_MODEL encoding (0x60 = 6.0); the other backends report decimal
// (60 = 6.0, 50 = 5.0).
func decodeShaderModel(raw uint32, backend gputypes.Backend) ShaderModel {
	if raw == 0 {
		return ShaderModel{}
	}
	if backend == gputypes.BackendDX12 {
		return ShaderModel{Major: uint8(raw >> 4), Minor: uint8(raw & 0xf)}
	}
	return ShaderModel{Major: uint8(raw / 10), Minor: uint8(raw % 10)}
}

// parseFeatureLevel parses DX12 driver info of the form "Feature Level 12_1".
func parseFeatureLevel(s string) FeatureLevel {
	rest, ok := strings.CutPrefix(s, "Feature Level ")
	if !ok {
		return FeatureLevelUnknown
	}
	for _, fl := range featureLevels {
		if rest == fl.String() {
			return fl
		}
	}
	return FeatureLevelUnknown
}

func featureLevelForShaderModel(sm ShaderModel) FeatureLevel {
	switch {
	case sm.AtLeast(6, 0):
		return FeatureLevel12_0
	case sm.AtLeast(5, 1):
		return FeatureLevel11_1
	default:
		return FeatureLevel11_0
	}
}

// checkMinimum reports whether limits satisfy the compute workload: one
// uniform buffer, three storage buffers, and a non-empty workgroup.
func checkMinimum(limits gputypes.Limits) error {
	switch {
	case limits.MaxBindGroups < 1:
		return fmt.Errorf("no bind groups available")
	case limits.MaxUniformBuffersPerShaderStage < 1:
		return fmt.Errorf("uniform buffers per stage %d < 1", limits.MaxUniformBuffersPerShaderStage)
	case limits.MaxStorageBuffersPerShaderStage < 3:
		return fmt.Errorf("storage buffers per stage %d < 3", limits.MaxStorageBuffersPerShaderStage)
	case limits.MaxComputeInvocationsPerWorkgroup == 0:
		return fmt.Errorf("compute shaders unsupported")
	}
	return nil
}
