package main

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
)

type writeFlags struct {
	remoteEds string
	raw       bool
}

func newWriteCmd(flags *globalFlags) *cobra.Command {
	wf := &writeFlags{}
	cmd := &cobra.Command{
		Use:   "write <node-id> <index> <subindex> <value>",
		Short: "Write an entry of a remote node",
		Long: `Write an entry of a remote node over SDO.
The value is encoded with the data type of the remote dictionary, use --raw
to write hex encoded bytes as they are.`,
		Example: `  sdo write 0x10 0x2001 0 0x22
  sdo write 0x10 "VISIBLE STRING value" 0 hello
  sdo write 0x10 0x2000 0 0102030405 --raw`,
		Args: cobra.ExactArgs(4),
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
			remote, err := openRemote(processor.GetNode(), args[0], wf.remoteEds)
			if err != nil {
				return err
			}
			if wf.raw {
				data, err := hex.DecodeString(args[3])
				if err != nil {
					return fmt.Errorf("invalid hex value: %w", err)
				}
				index, sub, err := resolve(remote, args[1], args[2])
				if err != nil {
					return err
				}
				return remote.WriteRaw(index, sub, data)
			}
			return remote.WriteString(parseIndex(args[1]), parseSubIndex(args[2]), args[3])
		},
	}
	cmd.Flags().StringVar(&wf.remoteEds, "remote-eds", "", "EDS file of the remote node")
	cmd.Flags().BoolVar(&wf.raw, "raw", false, "value is hex encoded bytes")
	return cmd
}
