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

var portCreateCmd = &cobra.Command{
	Use:   "port-create [option...]",
	Short: "Create a port on the running switch",
	Long: `Create a port via the factory protocol. Options are passed through as
tokens, e.g.:

  vswitch port-create name=uplink vlan=trunk=10,20
  vswitch port-create type=monitor
  vswitch port-create mac=02:00:00:00:00:01 ds-max=4
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := command.NewUDSClient(socketPath, 10*time.Second)
		resp, err := client.Call(context.Background(), "port_create",
			map[string][]string{"options": args})
		if err != nil {
			return fmt.Errorf("failed to create port: %w", err)
		}
		if resp.Error != nil {
			return fmt.Errorf("port_create failed: %s", resp.Error.Message)
		}
		out, err := json.MarshalIndent(resp.Result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, string(out))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(portCreateCmd)
}
