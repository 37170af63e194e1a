// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package kernel loads compute kernel binaries, compiles WGSL kernels to
// SPIR-V with naga, and creates compute pipelines from them.
package kernel

import (
	_ "embed"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"
)

// Embedded default kernel source.
//
//go:embed shaders/compute.wgsl
var DefaultSource string

// Kernel contract of DefaultSource.
const (
	// WorkgroupSize is the @workgroup_size of the default kernel.
	WorkgroupSize = 1024

	// EntryPoint is the default entry point name.
	EntryPoint = "main"

	// spirvMagic is the first word of every SPIR-V module.
	spirvMagic = 0x07230203
)

// Kernel errors.
var (
	// ErrKernelLoadFailed is returned when a kernel binary is missing,
	// unreadable or empty.
	ErrKernelLoadFailed = errors.New("kernel: load failed")

	// ErrCompileFailed is returned when WGSL compilation fails.
	ErrCompileFailed = errors.New("kernel: compile failed")

	// ErrPipelineCreationFailed is returned when the device rejects the
	// shader module or compute pipeline.
	ErrPipelineCreationFailed = errors.New("kernel: pipeline creation failed")
)

// Binary is a loaded kernel.
type Binary struct {
	// Path is the file the binary was read from, empty for compiled kernels.
	Path string

	// Words is the SPIR-V module, zero padded to a whole word.
	Words []uint32

	// Size is the byte length actually read.
	Size int
}

// Load reads a SPIR-V kernel binary. A read shorter than the file size is
// logged and the bytes read are used.
func Load(path string) (*Binary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKernelLoadFailed, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrKernelLoadFailed, path, err)
	}
	return read(path, f, info.Size())
}

// read reads up to size bytes of a kernel binary from r.
func read(path string, r io.Reader, size int64) (*Binary, error) {
	if size == 0 {
		return nil, fmt.Errorf("%w: %s: empty file", ErrKernelLoadFailed, path)
	}

	buf := make([]byte, size)
	n, err := io.ReadFull(r, buf)
	switch {
	case errors.Is(err, io.ErrUnexpectedEOF):
		slogger().Warn("kernel: short read", "path", path, "read", n, "size", size)
	case err != nil:
		return nil, fmt.Errorf("%w: %s: %w", ErrKernelLoadFailed, path, err)
	}

	words := Words(buf[:n])
	if words[0] != spirvMagic {
		slogger().Warn("kernel: binary does not start with the SPIR-V magic number",
			"path", path, "word0", fmt.Sprintf("%#08x", words[0]))
	}
	slogger().Debug("kernel: loaded", "path", path, "bytes", n, "words", len(words))
	return &Binary{Path: path, Words: words, Size: n}, nil
}

// Words packs little-endian bytes into (len(b)+3)/4 words, zero padding
// the last one.
func Words(b []byte) []uint32 {
	words := make([]uint32, (len(b)+3)/4)
	for i := range words {
		var w [4]byte
		copy(w[:], b[i*4:])
		words[i] = binary.LittleEndian.Uint32(w[:])
	}
	return words
}

// Bytes unpacks words into little-endian bytes.
func Bytes(words []uint32) []byte {
	b := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(b[i*4:], w)
	}
	return b
}

// Compile compiles WGSL source to SPIR-V.
func Compile(source string) (*Binary, error) {
	spirv, err := naga.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCompileFailed, err)
	}
	if len(spirv) == 0 || len(spirv)%4 != 0 {
		return nil, fmt.Errorf("%w: SPIR-V output of %d bytes", ErrCompileFailed, len(spirv))
	}
	return &Binary{Words: Words(spirv), Size: len(spirv)}, nil
}

// Default compiles DefaultSource.
func Default() (*Binary, error) {
	return Compile(DefaultSource)
}

// WriteFile writes b as a SPIR-V binary, creating parent directories.
func WriteFile(path string, b *Binary) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("kernel: create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, Bytes(b.Words), 0o644); err != nil { //nolint:gosec // kernel binaries are not secret
		return fmt.Errorf("kernel: write %s: %w", path, err)
	}
	return nil
}

// Pipeline is a compute pipeline and the shader module it was built from.
type Pipeline struct {
	device hal.Device
	module hal.ShaderModule
	raw    hal.ComputePipeline
}

// NewPipeline creates a compute pipeline for entry in b against layout.
func NewPipeline(dev hal.Device, layout hal.PipelineLayout, b *Binary, entry string) (*Pipeline, error) {
	if entry == "" {
		entry = EntryPoint
	}
	module, err := dev.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  "dispatch_kernel",
		Source: hal.ShaderSource{SPIRV: b.Words},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: shader module: %w", ErrPipelineCreationFailed, err)
	}

	raw, err := dev.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  "dispatch_pipeline",
		Layout: layout,
		Compute: hal.ComputeState{
			Module:     module,
			EntryPoint: entry,
		},
	})
	if err != nil {
		dev.DestroyShaderModule(module)
		return nil, fmt.Errorf("%w: compute pipeline %q: %w", ErrPipelineCreationFailed, entry, err)
	}
	return &Pipeline{device: dev, module: module, raw: raw}, nil
}

// Raw returns the HAL compute pipeline, or nil after Release.
func (p *Pipeline) Raw() hal.ComputePipeline { return p.raw }

// Release destroys the pipeline and shader module. It is safe to call
// more than once.
func (p *Pipeline) Release() {
	if p == nil || p.device == nil {
		return
	}
	if p.raw != nil {
		p.device.DestroyComputePipeline(p.raw)
		p.raw = nil
	}
	if p.module != nil {
		p.device.DestroyShaderModule(p.module)
		p.module = nil
	}
	p.device = nil
}
