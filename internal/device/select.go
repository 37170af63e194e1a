// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package device

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gogpu/gputypes"
)

// Candidate describes one enumerated adapter offered for selection.
type Candidate struct {
	Index    int
	Info     gputypes.AdapterInfo
	Features gputypes.Features
	Limits   gputypes.Limits
}

// String returns a one-line description of the candidate.
func (c Candidate) String() string {
	return fmt.Sprintf("[%d] %s (vendor %#04x, device %#04x, %s, %s)",
		c.Index, c.Info.Name, c.Info.VendorID, c.Info.DeviceID,
		c.Info.DeviceType, c.Info.Backend)
}

// Selector picks one adapter index from the enumerated candidates.
// Implementations may return any integer: out-of-range values are replaced
// with 0 by the caller.
type Selector interface {
	Select(ctx context.Context, candidates []Candidate) (int, error)
}

// IndexSelector always selects a fixed index.
type IndexSelector int

// Select returns the fixed index.
func (s IndexSelector) Select(context.Context, []Candidate) (int, error) {
	return int(s), nil
}

// PreferDiscrete selects the first discrete GPU, then the first integrated
// GPU, then index 0.
type PreferDiscrete struct{}

// Select implements Selector.
func (PreferDiscrete) Select(_ context.Context, candidates []Candidate) (int, error) {
	for _, want := range []gputypes.DeviceType{gputypes.DeviceTypeDiscreteGPU, gputypes.DeviceTypeIntegratedGPU} {
		for _, c := range candidates {
			if c.Info.DeviceType == want {
				return c.Index, nil
			}
		}
	}
	return 0, nil
}

// PromptSelector lists the candidates on Out and reads an index from In.
// Unparseable or missing input selects index 0.
//
// With a context that can never be cancelled the read happens on the
// calling goroutine. Otherwise it runs on a separate goroutine, and a
// cancelled Select leaves that goroutine blocked on In until In returns.
type PromptSelector struct {
	In  io.Reader
	Out io.Writer
}

// Select implements Selector.
func (p PromptSelector) Select(ctx context.Context, candidates []Candidate) (int, error) {
	for _, c := range candidates {
		fmt.Fprintln(p.Out, c.String())
	}
	fmt.Fprintf(p.Out, "Select adapter [0-%d]: ", len(candidates)-1)

	var text string
	if ctx.Done() == nil {
		text = readLine(p.In)
	} else {
		line := make(chan string, 1)
		go func() { line <- readLine(p.In) }()

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case text = <-line:
		}
	}

	idx, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil {
		slogger().Warn("device: invalid adapter selection, using 0", "input", text)
		return 0, nil
	}
	return idx, nil
}

// readLine returns the first line of r, or "" if there is none.
func readLine(r io.Reader) string {
	sc := bufio.NewScanner(r)
	if sc.Scan() {
		return sc.Text()
	}
	return ""
}

// clampSelection returns idx when it lies in [0, n) and 0 otherwise.
func clampSelection(idx, n int) int {
	if idx < 0 || idx >= n {
		slogger().Warn("device: adapter index out of range, using 0",
			"index", idx, "count", n)
		return 0
	}
	return idx
}
