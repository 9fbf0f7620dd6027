package prefixmgr

import "time"

// AreaConfig is the slice of config.AreaConfig PrefixManager needs: which
// areas exist and which import policy gates publication into each.
type AreaConfig struct {
	Id               string
	ImportPolicyName string
}

// OriginatedPrefixConfig mirrors config.OriginatedPrefixConfig's
// originated_prefixes entries.
type OriginatedPrefixConfig struct {
	Prefix                  string
	MinimumSupportingRoutes int
	InstallToFib            bool
	PathPreference          int32
	SourcePreference        int32
	Tags                    []string
}

// Config is PrefixManager's recognized configuration, translated from the
// daemon-wide config.Config by cmd/translate.go so this package carries no
// dependency on the YAML schema.
type Config struct {
	NodeName                    string
	Areas                       []AreaConfig
	PreferOpenrOriginatedRoutes bool
	KeyFormat                   KeyFormat
	AreaKeyTtl                  time.Duration
	InitialSyncHold             time.Duration
	ThrottleDelay               time.Duration
	OriginatedPrefixes          []OriginatedPrefixConfig
	PanicOnInvariantViolation   bool
}

// DefaultConfig mirrors PrefixManager's documented defaults.
func DefaultConfig() Config {
	return Config{
		AreaKeyTtl:      time.Hour,
		InitialSyncHold: 5 * time.Second,
		ThrottleDelay:   50 * time.Millisecond,
	}
}
