// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package resource

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
)

// State is the access state of a device buffer.
type State uint8

const (
	StateCommon State = iota
	StateCopyDest
	StateCopySource
	StateUnorderedAccess
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateCommon:
		return "Common"
	case StateCopyDest:
		return "CopyDest"
	case StateCopySource:
		return "CopySource"
	case StateUnorderedAccess:
		return "UnorderedAccess"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Usage returns the HAL buffer usage that corresponds to s. It feeds the
// old and new usages of a buffer barrier.
func (s State) Usage() gputypes.BufferUsage {
	switch s {
	case StateCopyDest:
		return gputypes.BufferUsageCopyDst
	case StateCopySource:
		return gputypes.BufferUsageCopySrc
	case StateUnorderedAccess:
		return gputypes.BufferUsageStorage
	default:
		return 0
	}
}

// State machine errors.
var (
	// ErrIllegalTransition is returned for an edge not in the transition table.
	ErrIllegalTransition = errors.New("resource: illegal state transition")

	// ErrAccessState is returned when a buffer is not in the state an
	// access requires.
	ErrAccessState = errors.New("resource: buffer not in required state")
)

// legal is the transition table. Edges not listed are rejected.
// Common -> UnorderedAccess moves a write-only buffer into place before
// its first dispatch.
var legal = map[State][]State{
	StateCommon:          {StateCopyDest, StateUnorderedAccess},
	StateCopyDest:        {StateCommon, StateUnorderedAccess},
	StateUnorderedAccess: {StateCopySource},
	StateCopySource:      {StateUnorderedAccess},
}

// Transition validates the edge from -> to and returns the new state.
func Transition(from, to State) (State, error) {
	for _, s := range legal[from] {
		if s == to {
			return to, nil
		}
	}
	return from, fmt.Errorf("%w: %v -> %v", ErrIllegalTransition, from, to)
}

// Access is a way the pipeline touches a buffer.
type Access uint8

const (
	AccessReadOnlyView Access = iota + 1
	AccessUnorderedView
	AccessConstant
	AccessCopySource
	AccessCopyDest
)

// String returns the access name.
func (a Access) String() string {
	switch a {
	case AccessReadOnlyView:
		return "ReadOnlyView"
	case AccessUnorderedView:
		return "UnorderedView"
	case AccessConstant:
		return "Constant"
	case AccessCopySource:
		return "CopySource"
	case AccessCopyDest:
		return "CopyDest"
	default:
		return fmt.Sprintf("Unknown(%d)", int(a))
	}
}

// allows reports whether a buffer in state s may be used for a.
func (a Access) allows(s State) bool {
	switch a {
	case AccessReadOnlyView, AccessConstant:
		return s == StateCommon
	case AccessUnorderedView:
		return s == StateUnorderedAccess
	case AccessCopySource:
		return s == StateCopySource
	case AccessCopyDest:
		return s == StateCopyDest
	default:
		return false
	}
}
