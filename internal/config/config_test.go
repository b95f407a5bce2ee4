package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlossalguero/authgate/internal/auth/oauth"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "0.0.0.0:8080", cfg.HTTP.Addr())
	assert.True(t, cfg.HTTP.Cookies.Secure)
	assert.True(t, cfg.HTTP.RateLimit.Enabled)
	assert.Equal(t, 15*time.Minute, cfg.Token.AccessTokenTTL)
	assert.Equal(t, 168*time.Hour, cfg.Token.RefreshTokenTTL)
	assert.Equal(t, "authgate", cfg.Token.Issuer)
	assert.Equal(t, 10*time.Second, cfg.OAuth.ExchangeTimeout)
	assert.Equal(t, 10*time.Minute, cfg.OAuth.StateTTL)
	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, StatesMemory, cfg.States.Backend)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, "authgate", cfg.Log.ServiceName)
	assert.Equal(t, "development", cfg.Log.Environment)
	assert.Equal(t, "@every 1m", cfg.Scheduler.StateSweep)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authgate.yaml")
	data := []byte(`
environment: production
http:
  port: 9000
  rate_limit:
    burst: 3
database:
  driver: postgres
  dsn: postgres://localhost/authgate
token:
  secret: "` + testSecret + `"
  access_ttl: 5m
oauth:
  github:
    client_id: gh-id
    client_secret: gh-secret
    scopes: ["read:user", "user:email"]
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 9000, cfg.HTTP.Port)
	assert.Equal(t, 3, cfg.HTTP.RateLimit.Burst)
	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, 5*time.Minute, cfg.Token.AccessTokenTTL)
	assert.Equal(t, "gh-id", cfg.OAuth.GitHub.ClientID)
	assert.Equal(t, []string{"read:user", "user:email"}, cfg.OAuth.GitHub.Scopes)
	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("AUTHGATE_HTTP_PORT", "8181")
	t.Setenv("AUTHGATE_OAUTH_GOOGLE_CLIENT_ID", "g-id")
	t.Setenv("AUTHGATE_OAUTH_GOOGLE_CLIENT_SECRET", "g-secret")
	t.Setenv("AUTHGATE_TOKEN_SECRET", testSecret)
	t.Setenv("MICROSOFT_TENANT_ID", "contoso")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8181, cfg.HTTP.Port)
	assert.Equal(t, "g-id", cfg.OAuth.Google.ClientID)
	assert.Equal(t, "g-secret", cfg.OAuth.Google.ClientSecret)
	assert.Equal(t, testSecret, cfg.Token.Secret)
	assert.Equal(t, "contoso", cfg.OAuth.Microsoft.Tenant)
}

func TestOAuthConfig_Providers(t *testing.T) {
	cfg := OAuthConfig{
		GitHub: oauth.ProviderConfig{ClientID: "id", ClientSecret: "secret"},
	}

	providers := cfg.Providers()
	require.Len(t, providers, 4)

	names := make([]string, 0, len(providers))
	for _, p := range providers {
		names = append(names, p.Name)
		if p.Name == oauth.GitHub {
			assert.Equal(t, "id", p.ClientID)
		}
	}
	assert.Equal(t, oauth.KnownProviders(), names)
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Token.Secret = testSecret
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{
			name:    "short secret",
			mutate:  func(c *Config) { c.Token.Secret = "short" },
			wantErr: "token.secret",
		},
		{
			name:    "rs256 without keys",
			mutate:  func(c *Config) { c.Token.Algorithm = "RS256" },
			wantErr: "token.private_key_path",
		},
		{
			name:    "unknown algorithm",
			mutate:  func(c *Config) { c.Token.Algorithm = "none" },
			wantErr: "token.algorithm",
		},
		{
			name:    "postgres without dsn",
			mutate:  func(c *Config) { c.Database.Driver = DriverPostgres },
			wantErr: "database.dsn",
		},
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.Database.Driver = "mysql" },
			wantErr: "database.driver",
		},
		{
			name:    "unknown state backend",
			mutate:  func(c *Config) { c.States.Backend = "etcd" },
			wantErr: "states.backend",
		},
		{
			name:    "zero exchange timeout",
			mutate:  func(c *Config) { c.OAuth.ExchangeTimeout = 0 },
			wantErr: "oauth.exchange_timeout",
		},
		{
			name:    "bad trusted proxy",
			mutate:  func(c *Config) { c.HTTP.RateLimit.TrustedProxies = []string{"10.0.0.0/8", "proxy.local"} },
			wantErr: "http.rate_limit.trusted_proxies",
		},
		{
			name:    "half tls",
			mutate:  func(c *Config) { c.TLS.CertFile = "cert.pem" },
			wantErr: "tls.cert_file",
		},
		{
			name:    "half bootstrap",
			mutate:  func(c *Config) { c.Bootstrap.AdminEmail = "admin@example.com" },
			wantErr: "bootstrap",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

type fakeKV struct {
	values map[string]string
	err    error
	keys   []string
}

func (f *fakeKV) Get(key string, _ *api.QueryOptions) (*api.KVPair, *api.QueryMeta, error) {
	f.keys = append(f.keys, key)
	if f.err != nil {
		return nil, nil, f.err
	}
	v, ok := f.values[key]
	if !ok {
		return nil, &api.QueryMeta{}, nil
	}
	return &api.KVPair{Key: key, Value: []byte(v)}, &api.QueryMeta{}, nil
}

func TestApplyConsul(t *testing.T) {
	cfg := validConfig(t)
	cfg.OAuth.GitHub.ClientID = "local-id"
	cfg.OAuth.GitHub.ClientSecret = "local-secret"

	kv := &fakeKV{values: map[string]string{
		"authgate/oauth/github":   `{"client_secret": "rotated", "scopes": ["read:user"]}`,
		"authgate/oauth/google":   `{"client_id": "g-id", "client_secret": "g-secret"}`,
		"authgate/oauth/facebook": "  ",
	}}

	applied, err := cfg.ApplyConsul(context.Background(), kv)
	require.NoError(t, err)

	assert.Equal(t, []string{oauth.GitHub, oauth.Google}, applied)
	assert.Equal(t, "local-id", cfg.OAuth.GitHub.ClientID)
	assert.Equal(t, "rotated", cfg.OAuth.GitHub.ClientSecret)
	assert.Equal(t, []string{"read:user"}, cfg.OAuth.GitHub.Scopes)
	assert.Equal(t, "g-id", cfg.OAuth.Google.ClientID)
	assert.Empty(t, cfg.OAuth.Facebook.ClientID)
	assert.Len(t, kv.keys, 4)
}

func TestApplyConsul_Errors(t *testing.T) {
	t.Run("kv failure", func(t *testing.T) {
		cfg := validConfig(t)
		_, err := cfg.ApplyConsul(context.Background(), &fakeKV{err: errors.New("no leader")})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no leader")
	})

	t.Run("invalid json", func(t *testing.T) {
		cfg := validConfig(t)
		kv := &fakeKV{values: map[string]string{"authgate/oauth/microsoft": "{nope"}}
		_, err := cfg.ApplyConsul(context.Background(), kv)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "microsoft")
	})
}

type fakePutKV struct {
	pairs map[string][]byte
	err   error
}

func (f *fakePutKV) Put(p *api.KVPair, _ *api.WriteOptions) (*api.WriteMeta, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.pairs == nil {
		f.pairs = make(map[string][]byte)
	}
	f.pairs[p.Key] = p.Value
	return &api.WriteMeta{}, nil
}

func TestPutProviderOverride(t *testing.T) {
	ctx := context.Background()

	t.Run("stores valid override", func(t *testing.T) {
		kv := &fakePutKV{}
		data := []byte(`{"client_id": "id", "scopes": ["openid"]}`)
		require.NoError(t, PutProviderOverride(ctx, kv, "authgate/", oauth.Google, data))
		assert.Equal(t, data, kv.pairs["authgate/oauth/google"])
	})

	t.Run("rejects unknown provider", func(t *testing.T) {
		err := PutProviderOverride(ctx, &fakePutKV{}, "authgate/", "myspace", []byte(`{}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "myspace")
	})

	t.Run("rejects invalid json", func(t *testing.T) {
		kv := &fakePutKV{}
		require.Error(t, PutProviderOverride(ctx, kv, "authgate/", oauth.GitHub, []byte(`{"client_id":`)))
		assert.Empty(t, kv.pairs)
	})

	t.Run("surfaces write failure", func(t *testing.T) {
		kv := &fakePutKV{err: errors.New("permission denied")}
		err := PutProviderOverride(ctx, kv, "authgate/", oauth.GitHub, []byte(`{}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "permission denied")
	})
}
