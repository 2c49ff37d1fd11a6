// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"github.com/spf13/cobra"

	"firestige.xyz/captain/internal/daemon"
)

var (
	// Global flags
	configFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "captain",
	Short: "Captain - RTP capture decoding agent",
	Long: `Captain decodes captured traffic into RTP packet streams.

It reads Ethernet frames, strips VLAN, GRE and ERSPAN encapsulation,
reassembles IPv4 fragments, filters RTP by payload type and delivers
packets in per-SSRC shard batches to a console, NATS or Kafka sink.`,
	Version:       daemon.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (defaults only when empty; CAPTAIN_* env vars override)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
}
