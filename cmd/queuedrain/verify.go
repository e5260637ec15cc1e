package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/queuedrain/internal/diagnostics/storagecheck"
)

func newVerifyCommand(logger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Run diagnostic checks",
	}
	cmd.AddCommand(newVerifyStoreCommand(logger))
	return cmd
}

func newVerifyStoreCommand(logger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:          "store",
		Short:        "Verify the queue, container and table are reachable and writable",
		SilenceUsage: true,
		Example: strings.TrimSpace(`
# Verify the account from the environment
AZURE_STORAGE_CONNECTION_STRING='DefaultEndpointsProtocol=https;AccountName=...' queuedrain verify store

# Verify a local Azurite emulator
queuedrain verify store --azure-storage UseDevelopmentStorage=true
`),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			res, err := storagecheck.VerifyStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Storage: %s\n", res.Storage)
			fmt.Fprintf(out, "Queue: %s\n", res.Queue)
			fmt.Fprintf(out, "Container: %s\n", res.Container)
			fmt.Fprintf(out, "Table: %s\n", res.Table)
			fmt.Fprintln(out)
			for _, check := range res.Checks {
				if check.Err == nil {
					fmt.Fprintf(out, "✔ %s\n", check.Name)
					continue
				}
				fmt.Fprintf(out, "✘ %s: %v\n", check.Name, check.Err)
				logger.Debug("verify.check.failed", "check", check.Name, "error", check.Err)
			}
			if res.Passed() {
				fmt.Fprintln(out, "Storage verification succeeded.")
				return nil
			}
			return fmt.Errorf("storage verification failed")
		},
	}
}
