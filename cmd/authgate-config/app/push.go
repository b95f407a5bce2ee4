package app

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/carlossalguero/authgate/internal/config"
)

func newPushCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "push <provider> <file.json>",
		Short: "Store a provider override in Consul",
		Long: `Store a JSON provider override in Consul under <key_prefix>oauth/<provider>.
Keys present in the object replace the local settings when authgate starts.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if cfg.Consul.Address == "" {
				return errors.New("consul.address is not configured")
			}

			data, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("reading override: %w", err)
			}

			kv, err := consulKV(cfg.Consul)
			if err != nil {
				return err
			}
			if err := config.PutProviderOverride(cmd.Context(), kv, cfg.Consul.KeyPrefix, args[0], data); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "stored %s\n", config.ProviderKey(cfg.Consul.KeyPrefix, args[0]))
			return nil
		},
	}
}
