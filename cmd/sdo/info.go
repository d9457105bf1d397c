package main

import (
	"context"
	"fmt"

	"github.com/samsamfire/gocanopen-sdo/pkg/emergency"
	"github.com/spf13/cobra"
)

func newInfoCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "info <node-id>",
		Short: "Show identity, SDO parameters and errors of a remote node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			processor, err := startNode(ctx, cfg)
			if err != nil {
				return err
			}
			remote, err := openRemote(processor.GetNode(), args[0], "")
			if err != nil {
				return err
			}
			configurator := remote.Configurator()
			out := cmd.OutOrStdout()

			identity, err := configurator.ReadIdentity()
			if err != nil {
				return fmt.Errorf("read identity: %w", err)
			}
			fmt.Fprintf(out, "node x%x\n", remote.GetID())
			fmt.Fprintf(out, "  vendor id        x%08x\n", identity.VendorId)
			fmt.Fprintf(out, "  product code     x%08x\n", identity.ProductCode)
			fmt.Fprintf(out, "  revision number  x%08x\n", identity.RevisionNumber)
			fmt.Fprintf(out, "  serial number    x%08x\n", identity.SerialNumber)

			info := configurator.ReadManufacturerInformation()
			fmt.Fprintf(out, "  device name      %v\n", info.DeviceName)
			fmt.Fprintf(out, "  hardware version %v\n", info.HardwareVersion)
			fmt.Fprintf(out, "  software version %v\n", info.SoftwareVersion)

			if server, err := configurator.ReadServerParameter(0); err == nil {
				fmt.Fprintf(out, "  sdo server       %v\n", server)
			}
			if client, err := configurator.ReadClientParameter(0); err == nil {
				fmt.Fprintf(out, "  sdo client       %v\n", client)
			}
			if register, err := configurator.ReadErrorRegister(); err == nil {
				fmt.Fprintf(out, "  error register   x%02x\n", register)
			}
			history, err := configurator.ReadErrorHistory()
			if err != nil {
				return nil
			}
			for i, value := range history {
				code := uint16(value)
				fmt.Fprintf(out, "  error %v           x%04x %v (%v)\n",
					i+1, code, emergency.ErrorCodeDescription(code), emergency.ErrorStatusDescription(uint8(value>>24)))
			}
			return nil
		},
	}
}
