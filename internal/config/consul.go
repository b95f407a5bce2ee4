package config

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/hashicorp/consul/api"
	"github.com/spf13/viper"

	"github.com/carlossalguero/authgate/internal/auth/oauth"
)

// KVGetter reads one Consul KV pair. *api.KV implements it.
type KVGetter interface {
	Get(key string, q *api.QueryOptions) (*api.KVPair, *api.QueryMeta, error)
}

// KVPutter writes one Consul KV pair. *api.KV implements it.
type KVPutter interface {
	Put(p *api.KVPair, q *api.WriteOptions) (*api.WriteMeta, error)
}

// ProviderKey returns the KV key holding overrides for provider.
func ProviderKey(prefix, provider string) string {
	return prefix + "oauth/" + provider
}

// NewConsulKV connects to Consul and returns its KV client.
func NewConsulKV(cfg ConsulConfig) (*api.KV, error) {
	consulCfg := api.DefaultConfig()
	consulCfg.Address = cfg.Address
	if cfg.Token != "" {
		consulCfg.Token = cfg.Token
	}
	if cfg.Datacenter != "" {
		consulCfg.Datacenter = cfg.Datacenter
	}

	client, err := api.NewClient(consulCfg)
	if err != nil {
		return nil, fmt.Errorf("creating consul client: %w", err)
	}
	if _, err := client.Status().Leader(); err != nil {
		return nil, fmt.Errorf("connecting to consul: %w", err)
	}
	return client.KV(), nil
}

// ApplyConsul overlays provider settings stored under
// <key_prefix>oauth/<provider> as JSON objects. Only keys present in the
// stored object override the local value. It returns the providers changed.
func (c *Config) ApplyConsul(ctx context.Context, kv KVGetter) ([]string, error) {
	prefix := c.Consul.KeyPrefix
	opts := (&api.QueryOptions{}).WithContext(ctx)

	var applied []string
	for name, target := range c.OAuth.providerFields() {
		pair, _, err := kv.Get(ProviderKey(prefix, name), opts)
		if err != nil {
			return applied, fmt.Errorf("reading consul key for %s: %w", name, err)
		}
		if pair == nil || len(bytes.TrimSpace(pair.Value)) == 0 {
			continue
		}

		if err := decodeProvider(pair.Value, target); err != nil {
			return applied, fmt.Errorf("consul value for %s: %w", name, err)
		}
		applied = append(applied, name)
	}
	sort.Strings(applied)
	return applied, nil
}

// PutProviderOverride stores a JSON provider override after checking that it
// decodes onto a provider block.
func PutProviderOverride(ctx context.Context, kv KVPutter, prefix, provider string, data []byte) error {
	if !slices.Contains(oauth.KnownProviders(), provider) {
		return fmt.Errorf("unknown provider %q", provider)
	}
	var probe oauth.ProviderConfig
	if err := decodeProvider(data, &probe); err != nil {
		return err
	}

	pair := &api.KVPair{Key: ProviderKey(prefix, provider), Value: data}
	if _, err := kv.Put(pair, (&api.WriteOptions{}).WithContext(ctx)); err != nil {
		return fmt.Errorf("writing consul key: %w", err)
	}
	return nil
}

// decodeProvider overlays the keys present in a JSON object onto target.
func decodeProvider(data []byte, target *oauth.ProviderConfig) error {
	sub := viper.New()
	sub.SetConfigType("json")
	if err := sub.ReadConfig(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("parsing provider override: %w", err)
	}
	if err := sub.Unmarshal(target); err != nil {
		return fmt.Errorf("decoding provider override: %w", err)
	}
	return nil
}
