package cmd

import (
	"github.com/kvrouted/kvrouted/config"
	"github.com/kvrouted/kvrouted/kvstore"
	"github.com/kvrouted/kvrouted/prefixmgr"
)

// dbConfigFromYaml maps the on-disk kvstore.* knobs onto kvstore.DbConfig.
// Kept here rather than in package kvstore so kvstore stays free of a
// dependency on the YAML schema.
func dbConfigFromYaml(c config.KvStoreConfig) kvstore.DbConfig {
	cfg := kvstore.DefaultDbConfig()
	if c.KeyTtlMs > 0 {
		cfg.KeyTtl = c.KeyTtl()
	}
	if c.SyncIntervalS > 0 {
		cfg.SyncInterval = c.SyncInterval()
	}
	if c.FloodMsgPerSec > 0 {
		cfg.FloodMsgPerSec = c.FloodMsgPerSec
	}
	if c.FloodMsgBurst > 0 {
		cfg.FloodMsgBurst = c.FloodMsgBurst
	}
	if c.TtlDecrementMs > 0 {
		cfg.TtlDecrement = c.TtlDecrement()
	}
	cfg.EnableFloodOptimization = c.EnableFloodOptimization
	cfg.IsFloodRoot = c.IsFloodRoot
	cfg.EnableDualMsg = c.EnableThriftDualMsg
	cfg.RemoveAboutToExpire = c.RemoveAboutToExpire
	return cfg
}

// prefixManagerConfigFromYaml translates the daemon-wide config.Config into
// prefixmgr's standalone Config, keeping prefixmgr free of the YAML schema
// dependency the same way dbConfigFromYaml keeps kvstore free of it.
func prefixManagerConfigFromYaml(c *config.Config) prefixmgr.Config {
	cfg := prefixmgr.DefaultConfig()
	cfg.NodeName = c.NodeName
	cfg.PreferOpenrOriginatedRoutes = c.PreferOpenrOriginatedRoutes
	if c.EnableNewPrefixFormat {
		cfg.KeyFormat = prefixmgr.KeyFormatV2
	}
	if c.KvStore.KeyTtlMs > 0 {
		cfg.AreaKeyTtl = c.KvStore.KeyTtl()
	}
	for _, a := range c.Areas {
		cfg.Areas = append(cfg.Areas, prefixmgr.AreaConfig{Id: a.Id, ImportPolicyName: a.ImportPolicy})
	}
	for _, o := range c.OriginatedPrefixes {
		cfg.OriginatedPrefixes = append(cfg.OriginatedPrefixes, prefixmgr.OriginatedPrefixConfig{
			Prefix:                  o.Prefix,
			MinimumSupportingRoutes: o.MinimumSupportingRoutes,
			InstallToFib:            o.InstallToFib,
			PathPreference:          o.PathPreference,
			SourcePreference:        o.SourcePreference,
			Tags:                    o.Tags,
		})
	}
	return cfg
}
