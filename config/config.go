// Package config loads a raftkvd node's YAML-formatted configuration:
// its identity, peer addresses, and Raft timing parameters.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/raftkv/raftkv/raft"
)

// ServerConfig bundles everything a raftkvd process needs to start: its
// own identity, the addresses of every cluster member, where to keep
// durable state, and the Raft timing parameters.
type ServerConfig struct {
	NodeID  string            `yaml:"node_id"`
	Peers   map[string]string `yaml:"peers"` // node id -> host:port
	DataDir string            `yaml:"data_dir"`

	ElectionTimeoutMinMs int `yaml:"election_timeout_min_ms"`
	ElectionTimeoutMaxMs int `yaml:"election_timeout_max_ms"`
	HeartbeatIntervalMs  int `yaml:"heartbeat_interval_ms"`
	RPCTimeoutMs         int `yaml:"rpc_timeout_ms"`
	MaxAppendEntries     int `yaml:"max_append_entries"`

	MaxRaftStateBytes int `yaml:"max_raft_state_bytes"`
}

// Default returns the configuration table's defaults with no peers and
// no node ID set; callers must fill those in.
func Default() ServerConfig {
	return ServerConfig{
		Peers:                make(map[string]string),
		DataDir:              "data",
		ElectionTimeoutMinMs: raft.DefaultElectionTimeoutMin,
		ElectionTimeoutMaxMs: raft.DefaultElectionTimeoutMax,
		HeartbeatIntervalMs:  raft.DefaultHeartbeatInterval,
		RPCTimeoutMs:         raft.DefaultRPCTimeout,
		MaxAppendEntries:     raft.DefaultMaxAppendEntries,
		MaxRaftStateBytes:    1024 * 1024,
	}
}

// Load reads and parses a YAML config file at path, filling in defaults
// for any field the file omits.
func Load(path string) (ServerConfig, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return ServerConfig{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

// Validate checks the invariants the config table implies: a node ID and
// at least one peer must be present, and the heartbeat interval must be
// strictly smaller than the election timeout range or a healthy leader
// could trigger its own followers' elections.
func (c ServerConfig) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("config: node_id is required")
	}
	if len(c.Peers) == 0 {
		return fmt.Errorf("config: peers must list at least this node's own address")
	}
	if c.ElectionTimeoutMinMs <= 0 || c.ElectionTimeoutMaxMs <= c.ElectionTimeoutMinMs {
		return fmt.Errorf("config: election_timeout_min_ms must be positive and less than election_timeout_max_ms")
	}
	if c.HeartbeatIntervalMs <= 0 || c.HeartbeatIntervalMs >= c.ElectionTimeoutMinMs {
		return fmt.Errorf("config: heartbeat_interval_ms must be positive and less than election_timeout_min_ms")
	}
	if c.RPCTimeoutMs <= 0 {
		return fmt.Errorf("config: rpc_timeout_ms must be positive")
	}
	if c.MaxAppendEntries <= 0 {
		return fmt.Errorf("config: max_append_entries must be positive")
	}
	return nil
}

// RaftConfig projects the timing fields onto raft.Config.
func (c ServerConfig) RaftConfig() raft.Config {
	return raft.Config{
		ElectionTimeoutMin: c.ElectionTimeoutMinMs,
		ElectionTimeoutMax: c.ElectionTimeoutMaxMs,
		HeartbeatInterval:  c.HeartbeatIntervalMs,
		RPCTimeout:         c.RPCTimeoutMs,
		MaxAppendEntries:   c.MaxAppendEntries,
	}
}

// RPCTimeout is the rpc_timeout_ms field as a time.Duration, for direct
// use by the transport package.
func (c ServerConfig) RPCTimeout() time.Duration {
	return time.Duration(c.RPCTimeoutMs) * time.Millisecond
}
