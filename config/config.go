// Package config defines the on-disk configuration schema recognized by
// the KvStore and PrefixManager subsystems, loaded in one pass: read the
// file, yaml.Unmarshal, validate once at bootstrap.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// StaticPeerConfig is one statically-configured gossip neighbor. Link
// discovery itself is out of scope for this daemon; this is the minimal
// bootstrap surface a process needs to call KvStoreDb.AddPeer at startup.
type StaticPeerConfig struct {
	NodeName string `yaml:"node_name"`
	Addr     string `yaml:"addr"`
	Port     uint16 `yaml:"port"`
	Typed    bool   `yaml:"typed,omitempty"`
}

// AreaConfig describes one routing area this node participates in.
type AreaConfig struct {
	Id              string             `yaml:"id"`
	ImportPolicy    string             `yaml:"import_policy,omitempty"`
	NeighborRegexes []string           `yaml:"neighbor_regexes,omitempty"`
	Peers           []StaticPeerConfig `yaml:"peers,omitempty"`
	ListenAddr      string             `yaml:"listen_addr,omitempty"`
	ListenPort      uint16             `yaml:"listen_port,omitempty"`
}

// OriginatedPrefixConfig is one entry under originated_prefixes.
type OriginatedPrefixConfig struct {
	Prefix                  string   `yaml:"prefix"`
	MinimumSupportingRoutes int      `yaml:"minimum_supporting_routes"`
	InstallToFib            bool     `yaml:"install_to_fib,omitempty"`
	PathPreference          int32    `yaml:"path_preference,omitempty"`
	SourcePreference        int32    `yaml:"source_preference,omitempty"`
	Tags                    []string `yaml:"tags,omitempty"`
}

// KvStoreConfig carries the kvstore.* knobs.
type KvStoreConfig struct {
	KeyTtlMs               int64   `yaml:"key_ttl_ms,omitempty"`
	SyncIntervalS           int     `yaml:"sync_interval_s,omitempty"`
	FloodMsgPerSec          float64 `yaml:"flood_msg_per_sec,omitempty"`
	FloodMsgBurst           int     `yaml:"flood_msg_burst,omitempty"`
	TtlDecrementMs          int64   `yaml:"ttl_decrement_ms,omitempty"`
	EnableFloodOptimization bool    `yaml:"enable_flood_optimization,omitempty"`
	IsFloodRoot             bool    `yaml:"is_flood_root,omitempty"`
	EnableThriftDualMsg     bool    `yaml:"enable_thrift_dual_msg,omitempty"`
	RemoveAboutToExpire     bool    `yaml:"remove_about_to_expire,omitempty"`
}

// Config is the top-level recognized configuration document.
type Config struct {
	NodeName                    string                   `yaml:"node_name"`
	Areas                       []AreaConfig             `yaml:"areas"`
	KvStore                     KvStoreConfig            `yaml:"kvstore,omitempty"`
	PreferOpenrOriginatedRoutes bool                     `yaml:"prefer_openr_originated_routes,omitempty"`
	EnableNewPrefixFormat       bool                     `yaml:"enable_new_prefix_format,omitempty"`
	OriginatedPrefixes          []OriginatedPrefixConfig `yaml:"originated_prefixes,omitempty"`
	LogPath                     string                   `yaml:"log_path,omitempty"`
}

func defaults() KvStoreConfig {
	return KvStoreConfig{
		KeyTtlMs:       3600_000,
		SyncIntervalS:  60,
		FloodMsgPerSec: 100,
		FloodMsgBurst:  50,
		TtlDecrementMs: 1,
	}
}

// Load reads and validates a Config document from path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := &Config{KvStore: defaults()}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the structural invariants that must hold before the
// daemon starts; callers treat a non-nil error as fatal at bootstrap.
func Validate(cfg *Config) error {
	if cfg.NodeName == "" {
		return fmt.Errorf("node_name must not be empty")
	}
	if len(cfg.Areas) == 0 {
		return fmt.Errorf("at least one area must be configured")
	}
	seen := make(map[string]bool, len(cfg.Areas))
	for _, a := range cfg.Areas {
		if a.Id == "" {
			return fmt.Errorf("area id must not be empty")
		}
		if seen[a.Id] {
			return fmt.Errorf("duplicate area id %q", a.Id)
		}
		seen[a.Id] = true
	}
	for _, o := range cfg.OriginatedPrefixes {
		if o.MinimumSupportingRoutes < 0 {
			return fmt.Errorf("originated prefix %s: minimum_supporting_routes must be >= 0", o.Prefix)
		}
	}
	return nil
}

// KeyTtl returns the configured per-key TTL as a Duration.
func (c *KvStoreConfig) KeyTtl() time.Duration {
	return time.Duration(c.KeyTtlMs) * time.Millisecond
}

// TtlDecrement returns the configured per-hop TTL decrement as a Duration.
func (c *KvStoreConfig) TtlDecrement() time.Duration {
	return time.Duration(c.TtlDecrementMs) * time.Millisecond
}

// SyncInterval returns the configured full-sync scheduler interval.
func (c *KvStoreConfig) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalS) * time.Second
}

// AreaIds returns the configured area ids, for fan-out over KvStoreDb instances.
func (c *Config) AreaIds() []string {
	ids := make([]string, 0, len(c.Areas))
	for _, a := range c.Areas {
		ids = append(ids, a.Id)
	}
	return ids
}
