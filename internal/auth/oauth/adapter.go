package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
)

const maxProfileBytes = 1 << 20

// ErrUnexpectedProfile is returned when a provider answers with something
// other than a JSON object.
var ErrUnexpectedProfile = errors.New("profile is not a JSON object")

// enrichFunc adds fields a provider only exposes on secondary endpoints.
type enrichFunc func(ctx context.Context, client *http.Client, profile []byte) ([]byte, error)

// adapter is the generic authorization-code adapter. Provider variants
// differ only in configuration and an optional enrich step.
type adapter struct {
	name       string
	oauth      *oauth2.Config
	profileURL string
	accept     string
	authOpts   []oauth2.AuthCodeOption
	pkce       bool
	httpClient *http.Client
	verifier   *oidc.IDTokenVerifier
	enrich     enrichFunc
}

// New builds the adapter for cfg. Defaults for known names are applied.
// A nil client means http.DefaultClient.
func New(cfg ProviderConfig, client *http.Client) (Adapter, error) {
	cfg = cfg.WithDefaults()
	if cfg.Name == "" {
		return nil, errors.New("provider name is required")
	}
	if !cfg.Configured() {
		return nil, fmt.Errorf("provider %s: client id and secret are required", cfg.Name)
	}
	if cfg.AuthorizeURL == "" || cfg.TokenURL == "" || cfg.ProfileURL == "" {
		return nil, fmt.Errorf("provider %s: authorize, token and profile urls are required", cfg.Name)
	}
	if client == nil {
		client = http.DefaultClient
	}

	a := &adapter{
		name: cfg.Name,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthorizeURL,
				TokenURL: cfg.TokenURL,
			},
		},
		profileURL: cfg.ProfileURL,
		accept:     "application/json",
		pkce:       !cfg.DisablePKCE,
		httpClient: client,
	}

	for key, value := range cfg.ExtraAuthParams {
		a.authOpts = append(a.authOpts, oauth2.SetAuthURLParam(key, value))
	}

	if cfg.Issuer != "" && cfg.JWKSURL != "" {
		keys := oidc.NewRemoteKeySet(oidc.ClientContext(context.Background(), client), cfg.JWKSURL)
		a.verifier = oidc.NewVerifier(cfg.Issuer, keys, &oidc.Config{ClientID: cfg.ClientID})
	}

	switch cfg.Name {
	case GitHub:
		a.accept = "application/vnd.github+json"
		a.enrich = githubPrimaryEmail(strings.TrimRight(cfg.ProfileURL, "/") + "/emails")
	case Google:
		a.authOpts = append(a.authOpts, oauth2.AccessTypeOnline)
	}

	return a, nil
}

func (a *adapter) Name() string {
	return a.name
}

func (a *adapter) AuthCodeURL(state, challenge string) string {
	opts := append([]oauth2.AuthCodeOption(nil), a.authOpts...)
	if a.pkce && challenge != "" {
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", challenge),
			oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		)
	}
	return a.oauth.AuthCodeURL(state, opts...)
}

func (a *adapter) FetchProfile(ctx context.Context, code, verifier string) ([]byte, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)

	var opts []oauth2.AuthCodeOption
	if a.pkce && verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}

	tok, err := a.oauth.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, fmt.Errorf("exchanging code: %w", err)
	}

	client := a.oauth.Client(ctx, tok)
	profile, err := getJSON(ctx, client, a.profileURL, a.accept)
	if err != nil {
		return nil, fmt.Errorf("fetching profile: %w", err)
	}
	if !gjson.ParseBytes(profile).IsObject() {
		return nil, ErrUnexpectedProfile
	}

	if a.enrich != nil {
		if profile, err = a.enrich(ctx, client, profile); err != nil {
			return nil, err
		}
	}

	if a.verifier != nil {
		if profile, err = a.mergeIDToken(ctx, tok, profile); err != nil {
			return nil, err
		}
	}

	return profile, nil
}

// mergeIDToken verifies the ID token, when one was issued, and copies its
// email and name claims into profile keys that are missing or blank. An
// email the provider marks unverified is not copied.
func (a *adapter) mergeIDToken(ctx context.Context, tok *oauth2.Token, profile []byte) ([]byte, error) {
	raw, _ := tok.Extra("id_token").(string)
	if raw == "" {
		return profile, nil
	}

	idToken, err := a.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("verifying id token: %w", err)
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("decoding id token claims: %w", err)
	}

	identityClaims := make(map[string]any, 2)
	if name, ok := claims["name"]; ok {
		identityClaims["name"] = name
	}
	if email, ok := claims["email"]; ok && !unverified(claims["email_verified"]) {
		identityClaims["email"] = email
	}
	return fillMissing(profile, identityClaims)
}

// unverified reports whether an email_verified claim is explicitly false.
// Some providers send it as a string.
func unverified(claim any) bool {
	switch v := claim.(type) {
	case bool:
		return !v
	case string:
		return strings.EqualFold(v, "false")
	default:
		return false
	}
}

func getJSON(ctx context.Context, client *http.Client, url, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", accept)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProfileBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	if !gjson.ValidBytes(body) {
		return nil, ErrUnexpectedProfile
	}
	return body, nil
}

// StatusError is a non-200 answer from a provider API.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.URL, e.StatusCode)
}

// blank reports whether key is absent, null or an all-space string.
func blank(profile []byte, key string) bool {
	v := gjson.GetBytes(profile, gjson.Escape(key))
	switch v.Type {
	case gjson.Null:
		return true
	case gjson.String:
		return strings.TrimSpace(v.Str) == ""
	default:
		return false
	}
}

// fillMissing sets each value whose key is blank in profile.
func fillMissing(profile []byte, values map[string]any) ([]byte, error) {
	var missing []string
	for key := range values {
		if blank(profile, key) {
			missing = append(missing, key)
		}
	}
	if len(missing) == 0 {
		return profile, nil
	}

	var obj map[string]any
	if err := json.Unmarshal(profile, &obj); err != nil {
		return nil, ErrUnexpectedProfile
	}
	for _, key := range missing {
		obj[key] = values[key]
	}
	return json.Marshal(obj)
}
