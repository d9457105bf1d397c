package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the local object dictionary over SDO",
		Long: `Run a CANopen node that answers SDO requests on its object dictionary.
The dictionary is loaded from --eds or the configuration file, or the embedded
one is used. Press Ctrl+C to stop.`,
		Example: `  # Serve the embedded dictionary as node 0x10 on can0
  sdo serve -n 0x10 --channel can0

  # Serve a dictionary from an EDS file with debug logs
  sdo serve --eds ./device.eds --log-level debug`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			processor, err := startNode(ctx, cfg)
			if err != nil {
				return err
			}
			log.Infof("serving node x%x on %v %v", cfg.NodeId, cfg.Interface, cfg.Channel)
			<-ctx.Done()
			return processor.Wait()
		},
	}
}
