package app

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newCheckCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, applied, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "environment: %s\n", cfg.Environment)
			fmt.Fprintf(out, "http:        %s\n", cfg.HTTP.Addr())
			fmt.Fprintf(out, "ops:         %s\n", cfg.Ops.Addr())
			fmt.Fprintf(out, "database:    %s\n", cfg.Database.Driver)
			fmt.Fprintf(out, "states:      %s\n", cfg.States.Backend)
			fmt.Fprintf(out, "token:       %s\n", strings.ToUpper(cfg.Token.Algorithm))
			if len(applied) > 0 {
				fmt.Fprintf(out, "consul:      %s\n", strings.Join(applied, ", "))
			}
			fmt.Fprintln(out, "configuration OK")
			return nil
		},
	}
}
