// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Command dispatch runs one compute dispatch on a GPU and validates the
// results.
package main

import (
	"os"

	"github.com/gogpu/dispatch"
	"github.com/gogpu/dispatch/cmd/dispatch/commands"

	_ "github.com/gogpu/wgpu/hal/allbackends"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(dispatch.ExitCode(err))
	}
}
