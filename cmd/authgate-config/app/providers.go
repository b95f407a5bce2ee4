package app

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newProvidersCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List identity providers and their resolved endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := opts.load(cmd)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tENABLED\tPKCE\tAUTHORIZE URL\tTOKEN URL")
			for _, p := range cfg.OAuth.Providers() {
				resolved := p.WithDefaults()
				fmt.Fprintf(w, "%s\t%t\t%t\t%s\t%s\n",
					resolved.Name,
					p.Configured(),
					!resolved.DisablePKCE,
					resolved.AuthorizeURL,
					resolved.TokenURL,
				)
			}
			return w.Flush()
		},
	}
}
