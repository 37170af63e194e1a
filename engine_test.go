// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package dispatch

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gogpu/dispatch/internal/device"
	"github.com/gogpu/dispatch/internal/kernel"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/software"
	"golang.org/x/text/language"
)

func softwareOptions() Options {
	return Options{
		Backends: []hal.Backend{software.API{}},
		Selector: IndexSelector(0),
	}
}

func newSoftwareEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	e, err := New(context.Background(), opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(e.Release)
	return e
}

func TestRunScenarioOne(t *testing.T) {
	e := newSoftwareEngine(t, softwareOptions())

	r, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	w := e.Workload()
	if len(r.Result1) != w.Elements() {
		t.Fatalf("len(Result1) = %d, want %d", len(r.Result1), w.Elements())
	}
	for i, src := range w.Source {
		if r.Result1[i]-1 != src {
			t.Fatalf("result1[%d] = %d, want %d", i, r.Result1[i], src+1)
		}
	}
}

func TestRunScenarioTwo(t *testing.T) {
	e := newSoftwareEngine(t, softwareOptions())

	r, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	w := e.Workload()
	for i := int(w.Groups); i < len(w.Seed); i++ {
		if r.Result2[i] != w.Seed[i] {
			t.Fatalf("result2[%d] = %d, want seed %d", i, r.Result2[i], w.Seed[i])
		}
	}
	for g := range int(w.Groups) {
		if r.Result2[g] < 0 {
			t.Errorf("result2[%d] = %d, want non-negative", g, r.Result2[g])
		}
	}

	rep := e.Validate(r)
	if !rep.OK() {
		t.Errorf("report not OK: %+v", rep)
	}
	if err := rep.Err(); err != nil {
		t.Errorf("report Err = %v", err)
	}
}

func TestWaveLaneFallback(t *testing.T) {
	e := newSoftwareEngine(t, softwareOptions())

	if e.Capabilities().WaveOps {
		t.Skip("software adapter reports wave operations")
	}
	if got := e.Workload().Constants.MinWaveLanes; got != device.DefaultWaveLanes {
		t.Fatalf("MinWaveLanes = %d, want %d", got, device.DefaultWaveLanes)
	}

	r, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	for g := range int(e.Workload().Groups) {
		if uint32(r.Result2[g]) != device.DefaultWaveLanes {
			t.Errorf("result2[%d] = %d, want %d", g, r.Result2[g], device.DefaultWaveLanes)
		}
	}
}

func TestRunCommandLog(t *testing.T) {
	e := newSoftwareEngine(t, softwareOptions())
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var got []string
	for _, c := range e.Commands() {
		got = append(got, c.String())
	}
	want := []string{
		"Barrier(result1)",
		"Bind(group0)",
		"Dispatch(4x1x1)",
		"Barrier(result1)",
		"Copy(result1->readback1)",
		"Barrier(result1)",
		"Barrier(result2)",
		"Copy(result2->readback2)",
		"Barrier(result2)",
	}
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("commands =\n  %v\nwant\n  %v", got, want)
	}
}

func TestRunOnce(t *testing.T) {
	e := newSoftwareEngine(t, softwareOptions())
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if _, err := e.Run(context.Background()); !errors.Is(err, ErrAlreadyRun) {
		t.Errorf("second Run err = %v, want ErrAlreadyRun", err)
	}
}

func TestReleaseTwice(t *testing.T) {
	e, err := New(context.Background(), softwareOptions())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	e.Release()
	e.Release()

	if !e.Released() {
		t.Error("Released() = false after Release")
	}
	if _, err := e.Run(context.Background()); !errors.Is(err, ErrReleased) {
		t.Errorf("Run after Release err = %v, want ErrReleased", err)
	}
}

func TestReleaseWithoutRun(t *testing.T) {
	e, err := New(context.Background(), softwareOptions())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	e.Release()
	if !e.Released() {
		t.Error("Released() = false after Release")
	}
}

func TestNewErrorKinds(t *testing.T) {
	tests := []struct {
		name string
		opts func() Options
		kind ErrorKind
		code int
	}{
		{
			name: "unknown backend",
			opts: func() Options { return Options{Backend: "glide"} },
			kind: KindDeviceUnavailable,
			code: 2,
		},
		{
			name: "missing kernel",
			opts: func() Options {
				o := softwareOptions()
				o.KernelPath = filepath.Join(t.TempDir(), "missing.spv")
				return o
			},
			kind: KindKernelLoadFailed,
			code: 9,
		},
		{
			name: "invalid kernel source",
			opts: func() Options {
				o := softwareOptions()
				o.KernelSource = "fn main( {"
				return o
			},
			kind: KindKernelLoadFailed,
			code: 9,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(context.Background(), tt.opts())
			if err == nil {
				t.Fatal("New succeeded")
			}
			if got := KindOf(err); got != tt.kind {
				t.Errorf("kind = %v, want %v (err %v)", got, tt.kind, err)
			}
			if got := ExitCode(err); got != tt.code {
				t.Errorf("exit code = %d, want %d", got, tt.code)
			}
		})
	}
}

func TestNewRejectsWorkload(t *testing.T) {
	opts := softwareOptions()
	w, err := NewWorkload(2, 512, 1)
	if err != nil {
		t.Fatal(err)
	}
	opts.Workload = &w

	_, err = New(context.Background(), opts)
	if !errors.Is(err, ErrInvalidWorkload) {
		t.Errorf("err = %v, want ErrInvalidWorkload", err)
	}
}

func TestRunBudgetExceeded(t *testing.T) {
	opts := softwareOptions()
	w, err := NewWorkload(256, DefaultGroupSize, 1)
	if err != nil {
		t.Fatal(err)
	}
	opts.Workload = &w
	opts.MaxMemoryMB = 1
	e := newSoftwareEngine(t, opts)

	_, err = e.Run(context.Background())
	if !errors.Is(err, ErrResourceCreationFailed) {
		t.Fatalf("err = %v, want ErrResourceCreationFailed", err)
	}
	if ExitCode(err) != 6 {
		t.Errorf("exit code = %d, want 6", ExitCode(err))
	}
}

func TestRunFromKernelFile(t *testing.T) {
	b, err := kernel.Default()
	if err != nil {
		t.Fatalf("Default failed: %v", err)
	}
	path := filepath.Join(t.TempDir(), "compute.spv")
	if err := kernel.WriteFile(path, b); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	opts := softwareOptions()
	opts.KernelPath = path
	rep, err := Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !rep.OK() {
		t.Errorf("report not OK: %+v", rep)
	}
}

func TestPackageRun(t *testing.T) {
	rep, err := Run(context.Background(), softwareOptions())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	var buf bytes.Buffer
	if err := rep.Write(&buf, language.English); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"4,096 in 4 groups", "validation:  passed"} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
}
