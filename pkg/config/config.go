// Package config loads the YAML file that describes one cluster node: its
// own identity, where to listen, which peers to dial, and where to keep its
// data on disk. Grounded in the teacher's cmd/warren apply.go, which parses
// YAML resources with gopkg.in/yaml.v3 and fills in defaults by hand rather
// than relying on a struct-tag default library.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/AdamLeyshon/lol/pkg/lolog"
	"github.com/AdamLeyshon/lol/pkg/raft/process"
	"github.com/AdamLeyshon/lol/pkg/raft/types"
	"gopkg.in/yaml.v3"
)

// Peer names one other member of the cluster's static initial membership.
type Peer struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

// Storage selects and configures a Storage backend (spec §4.9).
type Storage struct {
	// Backend is "memory" or "bolt". Empty defaults to "bolt".
	Backend string `yaml:"backend"`
	// Path is the bbolt file path; only used when Backend is "bolt".
	Path string `yaml:"path"`
}

// Timing overrides the background driver tick intervals and election
// window (process.Config). Any field left at zero keeps the engine's own
// default (spec §4.6/§4.2).
type Timing struct {
	ReplicationTickMS     int64 `yaml:"replication_tick_ms"`
	HeartbeatTickMS       int64 `yaml:"heartbeat_tick_ms"`
	UserApplyTickMS       int64 `yaml:"user_apply_tick_ms"`
	QueryExecutionTickMS  int64 `yaml:"query_execution_tick_ms"`
	SnapshotGCTickMS      int64 `yaml:"snapshot_gc_tick_ms"`
	CompletionSweepTickMS int64 `yaml:"completion_sweep_tick_ms"`
	ElectionTimeoutMinMS  int64 `yaml:"election_timeout_min_ms"`
	ElectionTimeoutMaxMS  int64 `yaml:"election_timeout_max_ms"`
	CallTimeoutMS         int64 `yaml:"call_timeout_ms"`
}

// Node is the top-level shape of a node's YAML config file.
type Node struct {
	ID         string `yaml:"id"`
	BindAddr   string `yaml:"bind_addr"`
	ClientAddr string `yaml:"client_addr"`

	Peers   []Peer  `yaml:"peers"`
	Storage Storage `yaml:"storage"`
	Timing  Timing  `yaml:"timing"`

	LogLevel    string `yaml:"log_level"`
	LogJSON     bool   `yaml:"log_json"`
	MetricsOn   bool   `yaml:"metrics_addr_enabled"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Load reads and parses a node config file.
func Load(path string) (*Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var n Node
	if err := yaml.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if n.ID == "" {
		return nil, fmt.Errorf("config: %s: id is required", path)
	}
	if n.BindAddr == "" {
		return nil, fmt.Errorf("config: %s: bind_addr is required", path)
	}
	if n.Storage.Backend == "" {
		n.Storage.Backend = "bolt"
	}
	if n.Storage.Backend == "bolt" && n.Storage.Path == "" {
		n.Storage.Path = n.ID + ".db"
	}
	return &n, nil
}

// PeerAddresses returns the initial static membership (excluding self) as
// the map process.New expects.
func (n *Node) PeerAddresses() map[types.NodeID]string {
	out := make(map[types.NodeID]string, len(n.Peers))
	for _, p := range n.Peers {
		out[types.NodeID(p.ID)] = p.Address
	}
	return out
}

// ProcessConfig builds a process.Config from the Timing overrides, falling
// back to process's own defaults (via withDefaults, applied inside
// process.New) for anything left at zero.
func (n *Node) ProcessConfig() process.Config {
	ms := func(v int64) time.Duration { return time.Duration(v) * time.Millisecond }
	return process.Config{
		ReplicationTick:     ms(n.Timing.ReplicationTickMS),
		HeartbeatTick:       ms(n.Timing.HeartbeatTickMS),
		UserApplyTick:       ms(n.Timing.UserApplyTickMS),
		QueryExecutionTick:  ms(n.Timing.QueryExecutionTickMS),
		SnapshotGCTick:      ms(n.Timing.SnapshotGCTickMS),
		CompletionSweepTick: ms(n.Timing.CompletionSweepTickMS),
		ElectionTimeoutMin:  ms(n.Timing.ElectionTimeoutMinMS),
		ElectionTimeoutMax:  ms(n.Timing.ElectionTimeoutMaxMS),
		CallTimeout:         ms(n.Timing.CallTimeoutMS),
	}
}

// InitLogging applies the node's logging section to the global logger,
// mirroring the teacher's cobra.OnInitialize(initLogging) hook.
func (n *Node) InitLogging() {
	level := lolog.InfoLevel
	switch n.LogLevel {
	case "debug":
		level = lolog.DebugLevel
	case "warn":
		level = lolog.WarnLevel
	case "error":
		level = lolog.ErrorLevel
	}
	lolog.Init(lolog.Config{Level: level, JSONOutput: n.LogJSON})
}
