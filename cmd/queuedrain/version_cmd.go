package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/queuedrain/internal/version"
)

func newVersionCommand() *cobra.Command {
	var (
		onlyVersion bool
		semver      bool
	)
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the queuedrain version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if onlyVersion && semver {
				return fmt.Errorf("--version and --semver are mutually exclusive")
			}
			out := cmd.OutOrStdout()
			var err error
			switch {
			case onlyVersion:
				_, err = fmt.Fprintln(out, version.Current())
			case semver:
				_, err = fmt.Fprintln(out, version.Semver())
			default:
				_, err = fmt.Fprintf(out, "%s %s\n", version.Module(), version.Current())
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&onlyVersion, "version", false, "print only the version")
	cmd.Flags().BoolVar(&semver, "semver", false, "print only major.minor.patch")
	return cmd
}
