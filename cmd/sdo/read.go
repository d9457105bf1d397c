package main

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
)

type readFlags struct {
	remoteEds string
	raw       bool
	base      int
}

func newReadCmd(flags *globalFlags) *cobra.Command {
	rf := &readFlags{}
	cmd := &cobra.Command{
		Use:   "read <node-id> <index> [subindex]",
		Short: "Read an entry of a remote node",
		Long: `Read an entry of a remote node over SDO.
index and subindex are numbers or names of the remote dictionary. Values are
decoded with the data type of the remote dictionary (--remote-eds, embedded
dictionary otherwise), use --raw to print the received bytes instead.`,
		Example: `  sdo read 0x10 0x1008
  sdo read 0x10 "UNSIGNED32 value" --base 16
  sdo read 0x10 0x2000 0 --raw`,
		Args: cobra.RangeArgs(2, 3),
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
			remote, err := openRemote(processor.GetNode(), args[0], rf.remoteEds)
			if err != nil {
				return err
			}
			subIndex := "0"
			if len(args) == 3 {
				subIndex = args[2]
			}
			if rf.raw {
				index, sub, err := resolve(remote, args[1], subIndex)
				if err != nil {
					return err
				}
				data, err := remote.ReadAll(index, sub)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(data))
				return nil
			}
			value, err := remote.ReadString(parseIndex(args[1]), parseSubIndex(subIndex), rf.base)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), value)
			return nil
		},
	}
	cmd.Flags().StringVar(&rf.remoteEds, "remote-eds", "", "EDS file of the remote node")
	cmd.Flags().BoolVar(&rf.raw, "raw", false, "print raw bytes as hex")
	cmd.Flags().IntVar(&rf.base, "base", 10, "base of integer values")
	return cmd
}
