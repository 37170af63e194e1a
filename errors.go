// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/gogpu/dispatch/internal/descriptor"
	"github.com/gogpu/dispatch/internal/device"
	"github.com/gogpu/dispatch/internal/fence"
	"github.com/gogpu/dispatch/internal/kernel"
	"github.com/gogpu/dispatch/internal/layout"
	"github.com/gogpu/dispatch/internal/recorder"
	"github.com/gogpu/dispatch/internal/resource"
)

// ErrorKind classifies fatal engine errors.
type ErrorKind uint8

const (
	// KindUnknown is any error without a more specific kind.
	KindUnknown ErrorKind = iota
	KindDeviceUnavailable
	KindCapabilityQueryFailed
	KindDeviceCreationFailed
	KindLayoutSerializationFailed
	KindResourceCreationFailed
	KindStagingMapFailed
	KindRecorderBusy
	KindKernelLoadFailed
	KindValidationMismatch
	KindDeviceLost
	KindCanceled
)

// String returns the kind name.
func (k ErrorKind) String() string {
	switch k {
	case KindUnknown:
		return "Unknown"
	case KindDeviceUnavailable:
		return "DeviceUnavailable"
	case KindCapabilityQueryFailed:
		return "CapabilityQueryFailed"
	case KindDeviceCreationFailed:
		return "DeviceCreationFailed"
	case KindLayoutSerializationFailed:
		return "LayoutSerializationFailed"
	case KindResourceCreationFailed:
		return "ResourceCreationFailed"
	case KindStagingMapFailed:
		return "StagingMapFailed"
	case KindRecorderBusy:
		return "RecorderBusy"
	case KindKernelLoadFailed:
		return "KernelLoadFailed"
	case KindValidationMismatch:
		return "ValidationMismatch"
	case KindDeviceLost:
		return "DeviceLost"
	case KindCanceled:
		return "Canceled"
	default:
		return fmt.Sprintf("ErrorKind(%d)", k)
	}
}

// ExitCode returns the process exit code for the kind.
func (k ErrorKind) ExitCode() int {
	switch k {
	case KindDeviceUnavailable:
		return 2
	case KindCapabilityQueryFailed:
		return 3
	case KindDeviceCreationFailed:
		return 4
	case KindLayoutSerializationFailed:
		return 5
	case KindResourceCreationFailed:
		return 6
	case KindStagingMapFailed:
		return 7
	case KindRecorderBusy:
		return 8
	case KindKernelLoadFailed:
		return 9
	case KindValidationMismatch:
		return 10
	default:
		return 1
	}
}

// Error is a classified engine error.
type Error struct {
	Kind ErrorKind

	// Op is the engine step that failed, for example "upload".
	Op string

	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return "dispatch: " + e.Kind.String()
	case e.Err == nil:
		return fmt.Sprintf("dispatch: %s: %s", e.Op, e.Kind)
	case e.Op == "":
		return fmt.Sprintf("dispatch: %s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("dispatch: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind with no Op and
// no Err, so the kind sentinels below match any error of their kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// Kind sentinels for errors.Is.
var (
	ErrDeviceUnavailable         = &Error{Kind: KindDeviceUnavailable}
	ErrCapabilityQueryFailed     = &Error{Kind: KindCapabilityQueryFailed}
	ErrDeviceCreationFailed      = &Error{Kind: KindDeviceCreationFailed}
	ErrLayoutSerializationFailed = &Error{Kind: KindLayoutSerializationFailed}
	ErrResourceCreationFailed    = &Error{Kind: KindResourceCreationFailed}
	ErrStagingMapFailed          = &Error{Kind: KindStagingMapFailed}
	ErrRecorderBusy              = &Error{Kind: KindRecorderBusy}
	ErrKernelLoadFailed          = &Error{Kind: KindKernelLoadFailed}
	ErrValidationMismatch        = &Error{Kind: KindValidationMismatch}
	ErrDeviceLost                = &Error{Kind: KindDeviceLost}
)

// ErrReleased is returned by Run after Release.
var ErrReleased = errors.New("dispatch: engine released")

// kindOf maps internal sentinels to kinds. Order matters: the first match
// wins.
var kindOf = []struct {
	err  error
	kind ErrorKind
}{
	{device.ErrNoDeviceFound, KindDeviceUnavailable},
	{device.ErrUnknownBackend, KindDeviceUnavailable},
	{device.ErrBackendUnavailable, KindDeviceUnavailable},
	{device.ErrProviderNotHAL, KindDeviceUnavailable},
	{device.ErrCapabilityQueryFailed, KindCapabilityQueryFailed},
	{device.ErrDeviceCreationFailed, KindDeviceCreationFailed},
	{layout.ErrLayoutSerializationFailed, KindLayoutSerializationFailed},
	{layout.ErrLayoutCreationFailed, KindLayoutSerializationFailed},
	{layout.ErrMalformedBlob, KindLayoutSerializationFailed},
	{resource.ErrResourceCreationFailed, KindResourceCreationFailed},
	{resource.ErrBudgetExceeded, KindResourceCreationFailed},
	{descriptor.ErrBindGroupFailed, KindResourceCreationFailed},
	{resource.ErrStagingMapFailed, KindStagingMapFailed},
	{recorder.ErrRecorderBusy, KindRecorderBusy},
	{kernel.ErrKernelLoadFailed, KindKernelLoadFailed},
	{kernel.ErrCompileFailed, KindKernelLoadFailed},
	{kernel.ErrPipelineCreationFailed, KindKernelLoadFailed},
	{fence.ErrDeviceLost, KindDeviceLost},
	{context.Canceled, KindCanceled},
	{context.DeadlineExceeded, KindCanceled},
}

// classify wraps err in an *Error for op. Errors already classified keep
// their kind.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	kind := KindUnknown
	for _, k := range kindOf {
		if errors.Is(err, k.err) {
			kind = k.kind
			break
		}
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of err, or KindUnknown.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}

// ExitCode returns the process exit code for err: 0 for nil, the kind's
// code for classified errors and 1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return KindOf(err).ExitCode()
}
