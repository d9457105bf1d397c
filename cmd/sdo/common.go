package main

import (
	"context"
	"fmt"
	"strconv"

	canopen "github.com/samsamfire/gocanopen-sdo"
	"github.com/samsamfire/gocanopen-sdo/pkg/can"
	_ "github.com/samsamfire/gocanopen-sdo/pkg/can/socketcan"
	_ "github.com/samsamfire/gocanopen-sdo/pkg/can/virtual"
	"github.com/samsamfire/gocanopen-sdo/pkg/config"
	"github.com/samsamfire/gocanopen-sdo/pkg/node"
	"github.com/samsamfire/gocanopen-sdo/pkg/od"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	configPath string
	iface      string
	channel    string
	nodeId     uint8
	eds        string
	logLevel   string
	logFormat  string
	timeoutMs  uint32
	noBlock    bool
}

func (flags *globalFlags) register(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "YAML configuration file")
	pf.StringVarP(&flags.iface, "interface", "i", config.DefaultInterface, fmt.Sprintf("CAN interface type %v", can.Interfaces()))
	pf.StringVar(&flags.channel, "channel", config.DefaultChannel, "CAN channel e.g. can0, vcan0")
	pf.Uint8VarP(&flags.nodeId, "node-id", "n", config.DefaultNodeId, "id of the local node")
	pf.StringVar(&flags.eds, "eds", "", "EDS file of the local node (embedded dictionary if empty)")
	pf.StringVar(&flags.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	pf.StringVar(&flags.logFormat, "log-format", "text", "log format (text, json)")
	pf.Uint32Var(&flags.timeoutMs, "timeout", 0, "SDO timeout in ms (configuration value if 0)")
	pf.BoolVar(&flags.noBlock, "no-block", false, "disable SDO block transfers")
}

// Load the configuration file if any, then apply the flags that were set
func (flags *globalFlags) load(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if flags.configPath != "" {
		loaded, err := config.LoadFile(flags.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	changed := cmd.Flags().Changed
	if changed("interface") {
		cfg.Interface = flags.iface
	}
	if changed("channel") {
		cfg.Channel = flags.channel
	}
	if changed("node-id") {
		cfg.NodeId = flags.nodeId
	}
	if changed("eds") {
		cfg.EDS = flags.eds
	}
	if changed("log-level") {
		cfg.Log.Level = flags.logLevel
	}
	if changed("log-format") {
		cfg.Log.Format = flags.logFormat
	}
	if flags.timeoutMs != 0 {
		cfg.Server.TimeoutMs = flags.timeoutMs
		cfg.Client.TimeoutMs = flags.timeoutMs
	}
	if flags.noBlock {
		cfg.Client.BlockEnabled = false
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.ApplyLogging(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Connect to the bus and create the local node described by cfg.
// The node is processed in the background until ctx is done.
func startNode(ctx context.Context, cfg *config.Config) (*node.NodeProcessor, error) {
	bus, err := can.NewBus(cfg.Interface, cfg.Channel)
	if err != nil {
		return nil, err
	}
	if err := bus.Connect(); err != nil {
		return nil, fmt.Errorf("connect to %v %v: %w", cfg.Interface, cfg.Channel, err)
	}
	bm := canopen.NewBusManager(bus)
	if err := bus.Subscribe(bm); err != nil {
		return nil, err
	}
	var odict *od.ObjectDictionary
	if cfg.EDS == "" {
		odict = od.DefaultFor(cfg.NodeId)
	} else {
		odict, err = od.Parse(cfg.EDS, cfg.NodeId)
		if err != nil {
			return nil, fmt.Errorf("parse EDS %v: %w", cfg.EDS, err)
		}
	}
	local, err := node.NewLocalNode(bm, odict, cfg.NodeId, cfg.SDOServerConfig(), cfg.SDOClientConfig())
	if err != nil {
		return nil, err
	}
	processor := node.NewNodeProcessor(local, cfg.ProcessPeriodMs)
	if err := processor.Start(ctx); err != nil {
		return nil, err
	}
	go func() {
		<-ctx.Done()
		_ = processor.Wait()
		_ = bus.Disconnect()
	}()
	return processor, nil
}

// Remote node accessed through the local node, remoteEds is optional
func openRemote(local *node.LocalNode, remoteId string, remoteEds string) (*node.RemoteNode, error) {
	id, err := strconv.ParseUint(remoteId, 0, 8)
	if err != nil {
		return nil, fmt.Errorf("invalid node id %q", remoteId)
	}
	var remoteOd *od.ObjectDictionary
	if remoteEds != "" {
		remoteOd, err = od.Parse(remoteEds, uint8(id))
		if err != nil {
			return nil, fmt.Errorf("parse EDS %v: %w", remoteEds, err)
		}
	}
	return local.Remote(uint8(id), remoteOd)
}

// Index is either a number (e.g. 0x2000) or an entry name
func parseIndex(value string) any {
	index, err := strconv.ParseUint(value, 0, 16)
	if err != nil {
		return value
	}
	return uint16(index)
}

// Sub index is either a number or a sub entry name
func parseSubIndex(value string) any {
	subIndex, err := strconv.ParseUint(value, 0, 8)
	if err != nil {
		return value
	}
	return uint8(subIndex)
}

// Numeric index and sub index, names are looked up in the remote OD
func resolve(remote *node.RemoteNode, index string, subIndex string) (uint16, uint8, error) {
	idx := parseIndex(index)
	sub := parseSubIndex(subIndex)
	numIdx, idxOk := idx.(uint16)
	numSub, subOk := sub.(uint8)
	if idxOk && subOk {
		return numIdx, numSub, nil
	}
	entry := remote.GetOD().Index(idx)
	if entry == nil {
		return 0, 0, fmt.Errorf("entry %v not found", index)
	}
	variable, err := entry.SubIndex(sub)
	if err != nil {
		return 0, 0, fmt.Errorf("sub entry %v of %v: %w", subIndex, index, err)
	}
	return entry.Index, variable.SubIndex, nil
}
