package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

// rootCmd is the base command when kvrouted is invoked with no subcommand.
var rootCmd = &cobra.Command{
	Use:   "kvrouted",
	Short: "Gossip-based link-state KV store and prefix redistribution daemon",
	Long: `kvrouted runs the gossip-replicated KvStore and the PrefixManager
redistribution/advertisement layer described in its design spec: versioned
key/value replication across peers in a routing area, and best-path
selection + policy-gated republishing of prefixes across areas.`,
}

// Execute adds all child commands to rootCmd and runs it. Called once by
// main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "kvrouted.yaml", "daemon configuration file")
}
