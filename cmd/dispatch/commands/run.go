// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/gogpu/dispatch"
	"github.com/gogpu/dispatch/internal/config"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
)

func newRunCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Upload the workload, dispatch the kernel and validate the results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd)
		},
	}
	flags := cmd.Flags()
	flags.Int("index", -1, "adapter index (-1 prompts)")
	flags.String("kernel", "", "SPIR-V kernel binary")
	flags.Duration("timeout", 0, "wait timeout per sync point (0 waits indefinitely)")
	_ = a.v.BindPFlag("device.index", flags.Lookup("index"))
	_ = a.v.BindPFlag("kernel.path", flags.Lookup("kernel"))
	_ = a.v.BindPFlag("engine.wait_timeout", flags.Lookup("timeout"))
	return cmd
}

func (a *app) run(cmd *cobra.Command) error {
	opts, err := engineOptions(a.cfg, cmd)
	if err != nil {
		return err
	}

	eng, err := dispatch.New(cmd.Context(), opts)
	if err != nil {
		return err
	}
	defer eng.Release()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "adapter:     %s\n", eng.AdapterName())
	caps := eng.Capabilities()
	fmt.Fprintf(out, "capability:  feature level %s, shader model %s, layout %s, wave lanes %d\n",
		caps.FeatureLevel, caps.ShaderModel, caps.LayoutVersion, eng.Workload().Constants.MinWaveLanes)

	results, err := eng.Run(cmd.Context())
	if err != nil {
		return err
	}
	rep := eng.Validate(results)
	if err := rep.Write(out, language.English); err != nil {
		return err
	}
	return rep.Err()
}

// engineOptions maps the configuration onto engine options.
func engineOptions(cfg *config.Config, cmd *cobra.Command) (dispatch.Options, error) {
	w, err := dispatch.NewWorkload(uint32(cfg.Workload.Groups), uint32(cfg.GroupSize()), cfg.Workload.CBValue) //nolint:gosec // validated positive
	if err != nil {
		return dispatch.Options{}, err
	}

	opts := dispatch.Options{
		Backend:     cfg.Device.Backend,
		EntryPoint:  cfg.Kernel.EntryPoint,
		Workload:    &w,
		MaxMemoryMB: cfg.Engine.MaxMemoryMB,
		WaitTimeout: cfg.Engine.WaitTimeout,
	}
	if cfg.Device.Index < 0 {
		opts.Selector = dispatch.PromptSelector{In: cmd.InOrStdin(), Out: cmd.OutOrStdout()}
	} else {
		opts.Selector = dispatch.IndexSelector(cfg.Device.Index)
	}

	opts.KernelPath = cfg.Kernel.Path
	if defaultKernelPath(cfg, cmd) {
		if _, err := os.Stat(cfg.Kernel.Path); errors.Is(err, fs.ErrNotExist) {
			dispatch.Logger().Info("kernel binary not found, compiling embedded kernel", "path", cfg.Kernel.Path)
			opts.KernelPath = ""
		}
	}
	return opts, nil
}

// defaultKernelPath reports whether kernel.path was left at its default.
// Only the default path may fall back to the embedded kernel.
func defaultKernelPath(cfg *config.Config, cmd *cobra.Command) bool {
	if f := cmd.Flags().Lookup("kernel"); f != nil && f.Changed {
		return false
	}
	return cfg.Kernel.Path == config.DefaultConfig().Kernel.Path
}
