// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package commands

import (
	"github.com/gogpu/dispatch/internal/device"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

func newDevicesCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List GPU adapters and their compute capabilities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.devices(cmd)
		},
	}
}

func (a *app) devices(cmd *cobra.Command) error {
	backends, err := device.ResolveBackends(a.cfg.Device.Backend)
	if err != nil {
		return err
	}
	enum := device.Enumerate(backends)
	defer enum.Close(nil)

	p := message.NewPrinter(language.English)
	out := cmd.OutOrStdout()
	candidates := enum.Candidates()
	if len(candidates) == 0 {
		return device.ErrNoDeviceFound
	}
	for _, c := range candidates {
		p.Fprintln(out, c.String())
		caps, err := enum.Capabilities(c.Index)
		if err != nil {
			p.Fprintf(out, "    capabilities: %v\n", err)
			continue
		}
		p.Fprintf(out, "    feature level %s, shader model %s, layout %s\n",
			caps.FeatureLevel, caps.ShaderModel, caps.LayoutVersion)
		if caps.WaveOps {
			p.Fprintf(out, "    wave lanes %d-%d\n", caps.WaveLaneCountMin, caps.WaveLaneCountMax)
		} else {
			p.Fprintf(out, "    wave operations unsupported (assume %d lanes)\n", caps.MinWaveLanes())
		}
		p.Fprintf(out, "    max invocations/workgroup %d, max workgroups/dimension %d, max storage buffer %d bytes\n",
			caps.Limits.MaxComputeInvocationsPerWorkgroup,
			caps.Limits.MaxComputeWorkgroupsPerDimension,
			caps.Limits.MaxStorageBufferBindingSize)
	}
	return nil
}
