// Package app implements the authgate-config commands.
package app

import (
	"github.com/spf13/cobra"

	"github.com/carlossalguero/authgate/internal/config"
)

type rootOptions struct {
	configPath string
	skipConsul bool
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:          "authgate-config",
		Short:        "Inspect and publish authgate configuration",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to the config file (default: search authgate.yaml)")
	cmd.PersistentFlags().BoolVar(&opts.skipConsul, "skip-consul", false, "Ignore provider overrides stored in Consul")

	cmd.AddCommand(
		newCheckCmd(opts),
		newProvidersCmd(opts),
		newPushCmd(opts),
	)
	return cmd
}

// load reads configuration the same way the service does.
func (o *rootOptions) load(cmd *cobra.Command) (*config.Config, []string, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	if o.skipConsul || cfg.Consul.Address == "" {
		return cfg, nil, nil
	}

	kv, err := consulKV(cfg.Consul)
	if err != nil {
		return nil, nil, err
	}
	applied, err := cfg.ApplyConsul(cmd.Context(), kv)
	if err != nil {
		return nil, nil, err
	}
	return cfg, applied, nil
}

// consulKV is swapped in tests.
var consulKV = func(cfg config.ConsulConfig) (consulStore, error) {
	kv, err := config.NewConsulKV(cfg)
	if err != nil {
		return nil, err
	}
	return kv, nil
}

type consulStore interface {
	config.KVGetter
	config.KVPutter
}
