// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package dispatch

import (
	"fmt"
	"io"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// maxReportedMismatches bounds the mismatches kept per result.
const maxReportedMismatches = 8

// Mismatch is one element that failed validation.
type Mismatch struct {
	Index int
	Got   int32
	Want  int32
}

// Report is the outcome of validating Results against a Workload.
type Report struct {
	Elements int
	Groups   int

	// Result1Mismatches counts elements where result1[i]-CBValue != src[i].
	Result1Mismatches int

	// Diagnostics is result2[0:Groups], one value per workgroup.
	Diagnostics []int32

	// DiagnosticFailures counts negative diagnostics.
	DiagnosticFailures int

	// Result2Mismatches counts elements past the diagnostics that differ
	// from the seed.
	Result2Mismatches int

	// Samples holds the first mismatches of either result.
	Samples []Mismatch
}

// Validate checks r against w.
func Validate(w Workload, r Results) Report {
	rep := Report{Elements: len(w.Source), Groups: int(w.Groups)}

	if len(r.Result1) != len(w.Source) {
		rep.Result1Mismatches = len(w.Source)
	} else {
		for i, src := range w.Source {
			if got := r.Result1[i]; got-w.Constants.CBValue != src {
				rep.Result1Mismatches++
				rep.sample(i, got, src+w.Constants.CBValue)
			}
		}
	}

	groups := min(rep.Groups, len(r.Result2))
	rep.Diagnostics = append([]int32(nil), r.Result2[:groups]...)
	for _, v := range rep.Diagnostics {
		if v < 0 {
			rep.DiagnosticFailures++
		}
	}

	if len(r.Result2) != len(w.Seed) {
		rep.Result2Mismatches = len(w.Seed)
	} else {
		for i := rep.Groups; i < len(w.Seed); i++ {
			if got := r.Result2[i]; got != w.Seed[i] {
				rep.Result2Mismatches++
				rep.sample(i, got, w.Seed[i])
			}
		}
	}
	return rep
}

func (r *Report) sample(i int, got, want int32) {
	if len(r.Samples) < maxReportedMismatches {
		r.Samples = append(r.Samples, Mismatch{Index: i, Got: got, Want: want})
	}
}

// OK reports whether every check passed.
func (r Report) OK() bool {
	return r.Result1Mismatches == 0 && r.Result2Mismatches == 0 && r.DiagnosticFailures == 0
}

// Err returns nil when OK, otherwise an error of KindValidationMismatch.
func (r Report) Err() error {
	if r.OK() {
		return nil
	}
	return &Error{
		Kind: KindValidationMismatch,
		Op:   "validate",
		Err: fmt.Errorf("result1: %d mismatches, result2: %d mismatches, %d negative diagnostics",
			r.Result1Mismatches, r.Result2Mismatches, r.DiagnosticFailures),
	}
}

// Write prints the report for tag.
func (r Report) Write(w io.Writer, tag language.Tag) error {
	p := message.NewPrinter(tag)
	var err error
	printf := func(format string, args ...any) {
		if err == nil {
			_, err = p.Fprintf(w, format, args...)
		}
	}

	printf("elements:    %d in %d groups\n", r.Elements, r.Groups)
	printf("result1:     %d mismatches\n", r.Result1Mismatches)
	for i, v := range r.Diagnostics {
		printf("result2[%d]:  %d\n", i, v)
	}
	printf("result2:     %d mismatches past the first %d\n", r.Result2Mismatches, r.Groups)
	for _, m := range r.Samples {
		printf("  [%d] got %d want %d\n", m.Index, m.Got, m.Want)
	}
	if r.OK() {
		printf("validation:  passed\n")
	} else {
		printf("validation:  FAILED\n")
	}
	return err
}
