// Package cmd implements CLI commands using the cobra framework.
package cmd

import (
	"github.com/spf13/cobra"
)

var socketPath string

var rootCmd = &cobra.Command{
	Use:   "vswitch",
	Short: "A user-space virtual Ethernet switch",
	Long: `vswitch bridges guest network endpoints exchanging Ethernet frames
through virtio-style shared-memory ring queues. Frames are forwarded by
learned source MAC, VLAN membership and an optional passive monitor port.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "/run/vswitch/control.sock",
		"Path to the daemon control socket")
}
