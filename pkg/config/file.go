package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/samsamfire/gocanopen-sdo/pkg/sdo"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	DefaultInterface       = "socketcan"
	DefaultChannel         = "can0"
	DefaultNodeId          = 0x10
	DefaultProcessPeriodMs = 1
)

// Config is the application configuration of a node, loaded from YAML.
//
//	node_id: 16
//	interface: socketcan
//	channel: can0
//	eds: ./node.eds
//	server:
//	  buffer_size: 1024
//	  timeout_ms: 1000
type Config struct {
	NodeId          uint8         `yaml:"node_id"`
	Interface       string        `yaml:"interface"`
	Channel         string        `yaml:"channel"`
	EDS             string        `yaml:"eds,omitempty"` // embedded dictionary is used when empty
	ProcessPeriodMs uint32        `yaml:"process_period_ms"`
	Log             LogSection    `yaml:"log"`
	Server          ServerSection `yaml:"server"`
	Client          ClientSection `yaml:"client"`
}

type LogSection struct {
	Level  string `yaml:"level"`  // logrus level name
	Format string `yaml:"format"` // "text" or "json"
}

type ServerSection struct {
	BufferSize uint32 `yaml:"buffer_size"`
	TimeoutMs  uint32 `yaml:"timeout_ms"`
}

type ClientSection struct {
	TimeoutMs               uint32  `yaml:"timeout_ms"`
	BlockTimeoutRatio       float64 `yaml:"block_timeout_ratio"`
	BlockMaxSize            uint8   `yaml:"block_max_size"`
	ProtocolSwitchThreshold uint8   `yaml:"protocol_switch_threshold"`
	BlockEnabled            bool    `yaml:"block_enabled"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	server := sdo.DefaultServerConfig()
	client := sdo.DefaultClientConfig()
	return &Config{
		NodeId:          DefaultNodeId,
		Interface:       DefaultInterface,
		Channel:         DefaultChannel,
		ProcessPeriodMs: DefaultProcessPeriodMs,
		Log:             LogSection{Level: "info", Format: "text"},
		Server: ServerSection{
			BufferSize: server.BufferSize,
			TimeoutMs:  server.TimeoutMs,
		},
		Client: ClientSection{
			TimeoutMs:               client.TimeoutMs,
			BlockTimeoutRatio:       client.BlockTimeoutRatio,
			BlockMaxSize:            client.BlockMaxSize,
			ProtocolSwitchThreshold: client.ProtocolSwitchThreshold,
			BlockEnabled:            client.BlockEnabled,
		},
	}
}

// LoadFile loads a configuration from a YAML file.
// Missing keys keep their default value.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	return Load(data)
}

// Load a configuration from YAML bytes
func Load(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WriteFile writes the configuration to path as YAML
func (cfg *Config) WriteFile(path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

func (cfg *Config) Validate() error {
	if cfg.NodeId < 1 || cfg.NodeId > 127 {
		return fmt.Errorf("node_id must be between 1 and 127, got %v", cfg.NodeId)
	}
	if cfg.Interface == "" {
		return fmt.Errorf("interface is required")
	}
	if cfg.ProcessPeriodMs == 0 {
		return fmt.Errorf("process_period_ms must be positive")
	}
	if cfg.Server.BufferSize < 7 {
		return fmt.Errorf("server.buffer_size must be at least 7, got %v", cfg.Server.BufferSize)
	}
	if cfg.Client.BlockTimeoutRatio <= 0 || cfg.Client.BlockTimeoutRatio > 1 {
		return fmt.Errorf("client.block_timeout_ratio must be in ]0,1], got %v", cfg.Client.BlockTimeoutRatio)
	}
	if cfg.Client.BlockMaxSize < 1 || cfg.Client.BlockMaxSize > 127 {
		return fmt.Errorf("client.block_max_size must be between 1 and 127, got %v", cfg.Client.BlockMaxSize)
	}
	if _, err := log.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", cfg.Log.Format)
	}
	return nil
}

func (cfg *Config) SDOServerConfig() sdo.ServerConfig {
	return sdo.ServerConfig{
		BufferSize: cfg.Server.BufferSize,
		TimeoutMs:  cfg.Server.TimeoutMs,
	}
}

func (cfg *Config) SDOClientConfig() sdo.ClientConfig {
	return sdo.ClientConfig{
		TimeoutMs:               cfg.Client.TimeoutMs,
		BlockTimeoutRatio:       cfg.Client.BlockTimeoutRatio,
		BlockMaxSize:            cfg.Client.BlockMaxSize,
		ProtocolSwitchThreshold: cfg.Client.ProtocolSwitchThreshold,
		BlockEnabled:            cfg.Client.BlockEnabled,
		ProcessPeriodMs:         cfg.ProcessPeriodMs,
	}
}

// ApplyLogging configures the standard logrus logger
func (cfg *Config) ApplyLogging() error {
	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	if strings.ToLower(cfg.Log.Format) == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}
