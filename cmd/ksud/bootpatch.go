package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kernelsu/ksud/internal/bootpatch"
	"github.com/kernelsu/ksud/internal/cli"
	"github.com/kernelsu/ksud/internal/config"
	"github.com/kernelsu/ksud/internal/types"
)

type bootPatchOptions struct {
	plan       types.PatchPlan
	yes        bool
	configPath string
	logLevel   string
}

func newBootPatchCmd() *cobra.Command {
	opts := &bootPatchOptions{}
	cmd := &cobra.Command{
		Use:   "boot-patch",
		Short: "Patch a boot or init_boot image with KernelSU",
		Long: `Patch a boot or init_boot image with KernelSU, either by replacing the
kernel or by injecting the KernelSU module and its init loader into the ramdisk.
Without --boot the image is read from the boot or init_boot partition of the
current slot, or of the other slot with --ota.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBootPatch(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.plan.Boot, "boot", "b", "", "boot image path, detected from the partitions if empty")
	f.StringVarP(&opts.plan.Kernel, "kernel", "k", "", "kernel image to replace")
	f.StringVarP(&opts.plan.Module, "module", "m", "", "LKM module to inject, requires --init")
	f.StringVarP(&opts.plan.Init, "init", "i", "", "init loader to install, requires --module")
	f.BoolVarP(&opts.plan.OTA, "ota", "u", false, "use the other slot when --boot is not given")
	f.BoolVarP(&opts.plan.Flash, "flash", "f", false, "flash the patched image to its partition")
	f.StringVarP(&opts.plan.Out, "out", "o", "", "output file or directory, current directory if empty")
	f.StringVar(&opts.plan.Magiskboot, "magiskboot", "", "magiskboot binary for compression, built-in codecs if empty")
	f.StringVar(&opts.plan.Partition, "partition", "", "boot or init_boot, when both exist")
	f.StringVar(&opts.plan.Disk, "disk", "", "GPT disk image or device holding the slot partitions")
	f.BoolVar(&opts.yes, "yes", false, "automatic yes to prompts")
	f.StringVar(&opts.configPath, "config", "", "config file (default "+config.DefaultPath+")")
	f.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")

	return cmd
}

func runBootPatch(cmd *cobra.Command, opts *bootPatchOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	level := cfg.LogLevel
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	if err := setupLogging(level); err != nil {
		return err
	}

	plan := opts.plan
	cfg.Apply(&plan)

	engine := bootpatch.New(cfg.ByNameDir, cli.NewPrompter(opts.yes))
	path, err := engine.Patch(cmd.Context(), &plan)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}
