package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/vswitch/internal/command"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-port statistics",
	Long: `Query the running switch for its per-port counters.

Shows tx/rx frame and byte counts plus drops, as mirrored into the shared
statistics page.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatsCommand()
	},
}

func runStatsCommand() error {
	client := command.NewUDSClient(socketPath, 10*time.Second)
	ctx := context.Background()

	resp, err := client.Call(ctx, "switch_stats", nil)
	if err != nil {
		return fmt.Errorf("failed to query stats: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("switch_stats failed: %s", resp.Error.Message)
	}

	out, err := json.MarshalIndent(resp.Result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format result: %w", err)
	}
	fmt.Fprintln(os.Stdout, string(out))
	return nil
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
