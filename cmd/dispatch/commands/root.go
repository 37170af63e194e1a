// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package commands implements the dispatch command line.
package commands

import (
	"github.com/gogpu/dispatch"
	"github.com/gogpu/dispatch/internal/config"
	"github.com/gogpu/dispatch/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// app is the state shared by the subcommands of one root command.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
}

// Execute runs the root command.
func Execute() error {
	return NewRootCommand().Execute()
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "dispatch",
		Short: "Run one GPU compute dispatch",
		Long: `dispatch selects a GPU adapter, uploads a workload, runs one compute
kernel over it and validates the results read back from the device.

Configuration is read from --config, ~/.dispatch/config.yaml or
./config.yaml, and DISPATCH_* environment variables.`,
		Version:           dispatch.Version,
		SilenceUsage:      true,
		PersistentPreRunE: a.load,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default is $HOME/.dispatch/config.yaml)")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	flags.String("backend", "", "HAL backend: auto, dx12, vulkan, metal, gl or software")
	_ = a.v.BindPFlag("logging.level", flags.Lookup("log-level"))
	_ = a.v.BindPFlag("device.backend", flags.Lookup("backend"))

	root.AddCommand(
		newRunCommand(a),
		newDevicesCommand(a),
		newKernelCommand(a),
		newVersionCommand(),
	)
	return root
}

// load reads the configuration and installs the log sink.
func (a *app) load(*cobra.Command, []string) error {
	cfg, err := config.LoadWith(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	if err := logging.Init(cfg.Logging.Level, cfg.Logging.File, cfg.Logging.Console); err != nil {
		return err
	}
	dispatch.SetLogger(logging.Slog())
	a.cfg = cfg
	return nil
}
