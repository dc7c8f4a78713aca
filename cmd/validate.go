package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/vswitch/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long:  `Parse and validate a configuration file, printing the effective configuration.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		out, err := cfg.Dump()
		if err != nil {
			return err
		}
		fmt.Fprint(os.Stdout, out)
		return nil
	},
}

func init() {
	validateCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the configuration file")
	rootCmd.AddCommand(validateCmd)
}
