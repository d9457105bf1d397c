package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:   "sdo",
		Short: "CANopen SDO server and client",
		Long: `sdo runs a CANopen node that serves its object dictionary over SDO,
and reads or writes the object dictionary of other nodes on the bus.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags.register(rootCmd)

	rootCmd.AddCommand(newServeCmd(flags))
	rootCmd.AddCommand(newReadCmd(flags))
	rootCmd.AddCommand(newWriteCmd(flags))
	rootCmd.AddCommand(newInfoCmd(flags))
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
