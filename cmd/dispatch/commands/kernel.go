// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package commands

import (
	"fmt"
	"os"

	"github.com/gogpu/dispatch/internal/kernel"
	"github.com/spf13/cobra"
)

func newKernelCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kernel",
		Short: "Kernel utilities",
	}

	var output string
	build := &cobra.Command{
		Use:   "build [source.wgsl]",
		Short: "Compile a WGSL kernel (default: the embedded kernel) to SPIR-V",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				output = a.cfg.Kernel.Path
			}
			return buildKernel(cmd, args, output)
		},
	}
	build.Flags().StringVarP(&output, "output", "o", "", "output path (default kernel.path)")
	cmd.AddCommand(build)
	return cmd
}

func buildKernel(cmd *cobra.Command, args []string, output string) error {
	source := kernel.DefaultSource
	name := "embedded kernel"
	if len(args) == 1 {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("%w: %w", kernel.ErrKernelLoadFailed, err)
		}
		source, name = string(data), args[0]
	}

	b, err := kernel.Compile(source)
	if err != nil {
		return err
	}
	if err := kernel.WriteFile(output, b); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "compiled %s to %s (%d words)\n", name, output, len(b.Words))
	return nil
}
