// Command ksud is the KernelSU userspace daemon. This build carries the
// boot-patch subcommand.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/kernelsu/ksud/internal/types"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, errorMessage(err))
		return exitCode(err)
	}
	return 0
}

// errorMessage prefixes err with its kind when it has one.
func errorMessage(err error) string {
	if kind := types.KindOf(err); kind != types.Unknown {
		return fmt.Sprintf("Error: %s: %v", kind, err)
	}
	return fmt.Sprintf("Error: %v", err)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ksud",
		Short:         "KernelSU userspace daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return types.Wrapf(types.InvalidPlan, err, "usage")
	})
	root.AddCommand(newBootPatchCmd())
	return root
}

// exitCode maps plan errors to 2 and every other failure to 1.
func exitCode(err error) int {
	switch types.KindOf(err) {
	case types.InvalidPlan, types.NoPatchSpecified:
		return 2
	default:
		return 1
	}
}

func setupLogging(level string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return types.Wrapf(types.InvalidPlan, err, "log level")
	}
	log.SetDefault(log.NewWithOptions(os.Stderr, log.Options{
		Level:           lvl,
		ReportTimestamp: true,
		TimeFormat:      "15:04:05",
	}))
	return nil
}
