package main

import (
	"github.com/spf13/cobra"
)

// newRootCmd builds the command tree. Flags live on the commands so tests
// can build a fresh tree per case.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "nodeinfo-crawler",
		Short: "Polite NodeInfo discovery for Fediverse hosts",
		Long: `nodeinfo-crawler fetches /.well-known/nodeinfo and the linked NodeInfo
document for each host in a JSON list. It honours robots.txt, paces requests
per rate key and adapts to HTTP 429 responses. Per-host history is kept in a
state file so later runs skip hosts that are fresh or backing off.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./config.yaml or $XDG_CONFIG_HOME/nodeinfo-crawler/config.yaml)")
	cmd.PersistentFlags().Bool("dev", false, "human-readable development logging")

	cmd.AddCommand(newCrawlCmd(&cfgFile))
	return cmd
}
