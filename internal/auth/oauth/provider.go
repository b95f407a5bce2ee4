// Package oauth implements the per-provider authorization-code adapters.
// Adapters only exchange codes and return raw profile JSON; turning that
// JSON into an identity is the normalizer's job.
package oauth

import (
	"context"
	"strings"

	"github.com/carlossalguero/authgate/internal/auth/identity"
)

// Built-in provider names.
const (
	Google    = "google"
	GitHub    = "github"
	Microsoft = "microsoft"
	Facebook  = "facebook"
)

// Adapter is one configured identity provider.
type Adapter interface {
	// Name returns the provider identifier used in routes.
	Name() string
	// AuthCodeURL returns the provider consent URL. An empty challenge
	// omits the PKCE parameters.
	AuthCodeURL(state, challenge string) string
	// FetchProfile exchanges code and returns the user's profile as a
	// JSON object.
	FetchProfile(ctx context.Context, code, verifier string) ([]byte, error)
}

// ProviderConfig describes one provider. Empty endpoint fields are filled
// from the built-in defaults for known provider names.
type ProviderConfig struct {
	Name            string            `mapstructure:"-"`
	ClientID        string            `mapstructure:"client_id"`
	ClientSecret    string            `mapstructure:"client_secret"`
	AuthorizeURL    string            `mapstructure:"authorize_url"`
	TokenURL        string            `mapstructure:"token_url"`
	ProfileURL      string            `mapstructure:"profile_url"`
	RedirectURL     string            `mapstructure:"redirect_url"`
	Scopes          []string          `mapstructure:"scopes"`
	FieldMap        identity.FieldMap `mapstructure:"field_map"`
	Issuer          string            `mapstructure:"issuer"`
	JWKSURL         string            `mapstructure:"jwks_url"`
	Tenant          string            `mapstructure:"tenant"`
	ExtraAuthParams map[string]string `mapstructure:"extra_auth_params"`
	DisablePKCE     bool              `mapstructure:"disable_pkce"`
}

// Configured reports whether the provider has client credentials.
func (c ProviderConfig) Configured() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

const tenantPlaceholder = "{tenant}"

var defaults = map[string]ProviderConfig{
	Google: {
		AuthorizeURL: "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL:     "https://oauth2.googleapis.com/token",
		ProfileURL:   "https://www.googleapis.com/oauth2/v3/userinfo",
		Scopes:       []string{"openid", "email", "profile"},
		Issuer:       "https://accounts.google.com",
		JWKSURL:      "https://www.googleapis.com/oauth2/v3/certs",
	},
	GitHub: {
		AuthorizeURL: "https://github.com/login/oauth/authorize",
		TokenURL:     "https://github.com/login/oauth/access_token",
		ProfileURL:   "https://api.github.com/user",
		Scopes:       []string{"read:user", "user:email"},
	},
	Microsoft: {
		AuthorizeURL: "https://login.microsoftonline.com/" + tenantPlaceholder + "/oauth2/v2.0/authorize",
		TokenURL:     "https://login.microsoftonline.com/" + tenantPlaceholder + "/oauth2/v2.0/token",
		ProfileURL:   "https://graph.microsoft.com/v1.0/me",
		Scopes:       []string{"openid", "email", "profile", "User.Read"},
		Tenant:       "common",
	},
	Facebook: {
		AuthorizeURL: "https://www.facebook.com/v19.0/dialog/oauth",
		TokenURL:     "https://graph.facebook.com/v19.0/oauth/access_token",
		ProfileURL:   "https://graph.facebook.com/me?fields=id,name,email,picture",
		Scopes:       []string{"email", "public_profile"},
		DisablePKCE:  true,
	},
}

// KnownProviders returns the names with built-in endpoint defaults.
func KnownProviders() []string {
	return []string{Google, GitHub, Microsoft, Facebook}
}

// WithDefaults returns c with empty fields filled from the built-in
// defaults for c.Name and the tenant substituted into the endpoints.
func (c ProviderConfig) WithDefaults() ProviderConfig {
	d, ok := defaults[c.Name]
	if ok {
		if c.AuthorizeURL == "" {
			c.AuthorizeURL = d.AuthorizeURL
		}
		if c.TokenURL == "" {
			c.TokenURL = d.TokenURL
		}
		if c.ProfileURL == "" {
			c.ProfileURL = d.ProfileURL
		}
		if len(c.Scopes) == 0 {
			c.Scopes = append([]string(nil), d.Scopes...)
		}
		if c.Issuer == "" && c.JWKSURL == "" {
			c.Issuer, c.JWKSURL = d.Issuer, d.JWKSURL
		}
		if c.Tenant == "" {
			c.Tenant = d.Tenant
		}
		if d.DisablePKCE {
			c.DisablePKCE = true
		}
	}

	if c.Tenant != "" {
		c.AuthorizeURL = strings.ReplaceAll(c.AuthorizeURL, tenantPlaceholder, c.Tenant)
		c.TokenURL = strings.ReplaceAll(c.TokenURL, tenantPlaceholder, c.Tenant)
	}
	return c
}
