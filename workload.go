// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package dispatch

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gogpu/dispatch/internal/kernel"
)

// Default workload shape.
const (
	DefaultGroups    = 4
	DefaultGroupSize = kernel.WorkgroupSize
	DefaultElements  = DefaultGroups * DefaultGroupSize
	DefaultCBValue   = 1
)

// ErrInvalidWorkload is returned by Workload.Validate.
var ErrInvalidWorkload = errors.New("dispatch: invalid workload")

// Constants is the kernel's inline constant buffer.
type Constants struct {
	// CBValue is added to every source element.
	CBValue int32

	// MinWaveLanes is filled in by the engine from the device capabilities.
	MinWaveLanes uint32
}

// constantsSize is the packed size of Constants.
const constantsSize = 8

// Bytes returns the little-endian layout the kernel reads.
func (c Constants) Bytes() []byte {
	b := make([]byte, constantsSize)
	binary.LittleEndian.PutUint32(b[0:], uint32(c.CBValue))
	binary.LittleEndian.PutUint32(b[4:], c.MinWaveLanes)
	return b
}

// Workload is the host data of one dispatch.
type Workload struct {
	// Source is uploaded to the read-only view.
	Source []int32

	// Seed initializes the second read-write view. Groups that the kernel
	// does not touch must read back unchanged.
	Seed []int32

	// Groups and GroupSize partition Source for a 1-D dispatch.
	Groups    uint32
	GroupSize uint32

	Constants Constants
}

// DefaultWorkload returns 4 groups of 1024 elements with Source = 1..4096,
// Seed = group index + 1 and CBValue = 1.
func DefaultWorkload() Workload {
	w, _ := NewWorkload(DefaultGroups, DefaultGroupSize, DefaultCBValue)
	return w
}

// NewWorkload builds the default data pattern for groups*groupSize elements.
func NewWorkload(groups, groupSize uint32, cbValue int32) (Workload, error) {
	if groups == 0 || groupSize == 0 {
		return Workload{}, fmt.Errorf("%w: %d groups of %d", ErrInvalidWorkload, groups, groupSize)
	}
	n := int(groups) * int(groupSize)
	w := Workload{
		Source:    make([]int32, n),
		Seed:      make([]int32, n),
		Groups:    groups,
		GroupSize: groupSize,
		Constants: Constants{CBValue: cbValue},
	}
	for i := range n {
		w.Source[i] = int32(i + 1)
		w.Seed[i] = int32(i/int(groupSize) + 1)
	}
	return w, nil
}

// Elements returns the number of source elements.
func (w Workload) Elements() int { return len(w.Source) }

// Validate checks the partition and buffer lengths.
func (w Workload) Validate() error {
	switch {
	case w.Groups == 0 || w.GroupSize == 0:
		return fmt.Errorf("%w: %d groups of %d", ErrInvalidWorkload, w.Groups, w.GroupSize)
	case len(w.Source) == 0:
		return fmt.Errorf("%w: empty source", ErrInvalidWorkload)
	case uint64(w.Groups)*uint64(w.GroupSize) != uint64(len(w.Source)):
		return fmt.Errorf("%w: %d groups of %d do not cover %d elements",
			ErrInvalidWorkload, w.Groups, w.GroupSize, len(w.Source))
	case len(w.Seed) != len(w.Source):
		return fmt.Errorf("%w: seed has %d elements, source %d",
			ErrInvalidWorkload, len(w.Seed), len(w.Source))
	}
	return nil
}

// Results holds the read-back outputs.
type Results struct {
	// Result1 is the first read-write view: Source + CBValue.
	Result1 []int32

	// Result2 is the second read-write view: Seed with one diagnostic
	// value per group written over its first Groups elements.
	Result2 []int32
}

func int32Bytes(v []int32) []byte {
	b := make([]byte, len(v)*4)
	for i, x := range v {
		binary.LittleEndian.PutUint32(b[i*4:], uint32(x))
	}
	return b
}
