// Package identity reconciles the user-info payloads of different identity
// providers into a single canonical identity keyed by email.
package identity

import (
	"strings"

	"github.com/tidwall/gjson"

	apperrors "github.com/carlossalguero/authgate/internal/shared/errors"
)

// Alias fields tried after a provider's own field map.
var (
	emailAliases = []string{"email", "userPrincipalName", "mail"}
	nameAliases  = []string{"name", "displayName", "login"}
)

// FieldMap lists, in priority order, the gjson paths that hold the email and
// display name in one provider's profile payload.
type FieldMap struct {
	EmailFields []string `mapstructure:"email_fields" json:"email_fields"`
	NameFields  []string `mapstructure:"name_fields" json:"name_fields"`
}

// Canonical is the normalized identity handed to the account linker.
type Canonical struct {
	Provider    string
	Email       string
	DisplayName string
}

// Normalizer maps raw provider profiles to Canonical identities.
// Its field maps are fixed at construction.
type Normalizer struct {
	fields map[string]FieldMap
}

// NewNormalizer creates a Normalizer for the given providers.
func NewNormalizer(fields map[string]FieldMap) *Normalizer {
	copied := make(map[string]FieldMap, len(fields))
	for name, fm := range fields {
		copied[name] = FieldMap{
			EmailFields: append([]string(nil), fm.EmailFields...),
			NameFields:  append([]string(nil), fm.NameFields...),
		}
	}
	return &Normalizer{fields: copied}
}

// Normalize extracts the canonical identity from a raw JSON profile.
func (n *Normalizer) Normalize(provider string, raw []byte) (*Canonical, error) {
	fm, ok := n.fields[provider]
	if !ok {
		return nil, apperrors.UnknownProvider(provider)
	}

	if !gjson.ValidBytes(raw) {
		return nil, apperrors.ProviderExchangeFailed("provider profile is not valid JSON", nil)
	}
	profile := gjson.ParseBytes(raw)
	if !profile.IsObject() {
		return nil, apperrors.ProviderExchangeFailed("provider profile is not shaped as expected", nil)
	}

	email := NormalizeEmail(firstString(profile, fm.EmailFields, emailAliases))
	if email == "" {
		return nil, apperrors.MissingEmail("provider profile has no usable email")
	}

	return &Canonical{
		Provider:    provider,
		Email:       email,
		DisplayName: firstString(profile, fm.NameFields, nameAliases),
	}, nil
}

// NormalizeEmail trims and lower-cases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// firstString returns the first non-blank string value found along the paths.
func firstString(profile gjson.Result, chains ...[]string) string {
	for _, paths := range chains {
		for _, path := range paths {
			value := profile.Get(path)
			if value.Type != gjson.String {
				continue
			}
			if s := strings.TrimSpace(value.Str); s != "" {
				return s
			}
		}
	}
	return ""
}
