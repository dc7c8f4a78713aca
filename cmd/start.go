package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"firestige.xyz/vswitch/internal/config"
	"firestige.xyz/vswitch/internal/daemon"
	"firestige.xyz/vswitch/internal/log"
)

var configPath string

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the switch",
	Long: `
Start the virtual Ethernet switch in the foreground.

Examples:
  vswitch start                 # Start with built-in defaults
  vswitch start -c switch.yaml  # Start with a configuration file
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log.Init(cfg.Logger)

		d, err := daemon.New(cfg)
		if err != nil {
			return err
		}
		return d.Run(context.Background())
	},
}

func init() {
	startCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the configuration file")
	rootCmd.AddCommand(startCmd)
}
