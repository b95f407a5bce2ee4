package oauth

import (
	"context"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"
)

// githubPrimaryEmail fills a missing profile email from the emails endpoint,
// which GitHub uses for addresses the user keeps private.
func githubPrimaryEmail(emailsURL string) enrichFunc {
	return func(ctx context.Context, client *http.Client, profile []byte) ([]byte, error) {
		if !blank(profile, "email") {
			return profile, nil
		}

		body, err := getJSON(ctx, client, emailsURL, "application/vnd.github+json")
		if err != nil {
			return nil, fmt.Errorf("fetching emails: %w", err)
		}

		email := pickGitHubEmail(gjson.ParseBytes(body).Array())
		if email == "" {
			return profile, nil
		}
		return fillMissing(profile, map[string]any{"email": email})
	}
}

// pickGitHubEmail prefers the primary verified address, then any verified
// one, then the first listed.
func pickGitHubEmail(emails []gjson.Result) string {
	for _, e := range emails {
		if e.Get("primary").Bool() && e.Get("verified").Bool() {
			return e.Get("email").String()
		}
	}
	for _, e := range emails {
		if e.Get("verified").Bool() {
			return e.Get("email").String()
		}
	}
	if len(emails) > 0 {
		return emails[0].Get("email").String()
	}
	return ""
}
