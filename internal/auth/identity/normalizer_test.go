package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/carlossalguero/authgate/internal/shared/errors"
)

func testNormalizer() *Normalizer {
	return NewNormalizer(map[string]FieldMap{
		"github":    {},
		"google":    {EmailFields: []string{"email"}, NameFields: []string{"name"}},
		"microsoft": {EmailFields: []string{"mail", "userPrincipalName"}, NameFields: []string{"displayName"}},
		"custom":    {EmailFields: []string{"contact.primary_email"}, NameFields: []string{"profile.full_name"}},
	})
}

func TestNormalizer_Normalize(t *testing.T) {
	n := testNormalizer()

	tests := []struct {
		name     string
		provider string
		raw      string
		email    string
		display  string
	}{
		{
			name:     "github login as display name",
			provider: "github",
			raw:      `{"login":"alice","email":"ALICE@X.com"}`,
			email:    "alice@x.com",
			display:  "alice",
		},
		{
			name:     "github name preferred over login",
			provider: "github",
			raw:      `{"login":"alice","name":"Alice A","email":" Alice@X.com "}`,
			email:    "alice@x.com",
			display:  "Alice A",
		},
		{
			name:     "microsoft mail field",
			provider: "microsoft",
			raw:      `{"displayName":"Bob","mail":"Bob@Contoso.com","userPrincipalName":"bob_upn@contoso.com"}`,
			email:    "bob@contoso.com",
			display:  "Bob",
		},
		{
			name:     "microsoft falls back to principal name",
			provider: "microsoft",
			raw:      `{"displayName":"Bob","mail":null,"userPrincipalName":"BOB@contoso.com"}`,
			email:    "bob@contoso.com",
			display:  "Bob",
		},
		{
			name:     "nested paths",
			provider: "custom",
			raw:      `{"contact":{"primary_email":"Carol@Example.org"},"profile":{"full_name":"Carol"}}`,
			email:    "carol@example.org",
			display:  "Carol",
		},
		{
			name:     "display name absent",
			provider: "google",
			raw:      `{"email":"dave@example.com"}`,
			email:    "dave@example.com",
			display:  "",
		},
		{
			name:     "blank provider field falls through to alias",
			provider: "google",
			raw:      `{"email":"   ","mail":"erin@example.com","name":"  "}`,
			email:    "erin@example.com",
			display:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := n.Normalize(tt.provider, []byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.provider, id.Provider)
			assert.Equal(t, tt.email, id.Email)
			assert.Equal(t, tt.display, id.DisplayName)
		})
	}
}

func TestNormalizer_Errors(t *testing.T) {
	n := testNormalizer()

	tests := []struct {
		name     string
		provider string
		raw      string
		code     apperrors.Code
	}{
		{"unknown provider", "myspace", `{"email":"a@b.c"}`, apperrors.CodeUnknownProvider},
		{"no email fields", "github", `{"login":"alice","id":1}`, apperrors.CodeMissingEmail},
		{"email is null", "github", `{"login":"alice","email":null}`, apperrors.CodeMissingEmail},
		{"email not a string", "github", `{"email":42}`, apperrors.CodeMissingEmail},
		{"blank email", "google", `{"email":"  "}`, apperrors.CodeMissingEmail},
		{"array payload", "github", `[{"email":"a@b.c"}]`, apperrors.CodeProviderExchangeFailed},
		{"invalid json", "github", `{"email":`, apperrors.CodeProviderExchangeFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := n.Normalize(tt.provider, []byte(tt.raw))
			require.Error(t, err)
			assert.Equal(t, tt.code, apperrors.GetCode(err))
		})
	}
}

func TestNormalizer_FieldMapsAreCopied(t *testing.T) {
	fields := map[string]FieldMap{"google": {EmailFields: []string{"email"}}}
	n := NewNormalizer(fields)

	fields["google"].EmailFields[0] = "nope"
	delete(fields, "google")

	id, err := n.Normalize("google", []byte(`{"email":"x@y.z"}`))
	require.NoError(t, err)
	assert.Equal(t, "x@y.z", id.Email)
}
