// Package github implements the provider interface for GitHub OAuth Apps.
//
// GitHub OAuth differs from OIDC providers in several key ways:
//   - No OIDC discovery: Endpoints are hardcoded (not dynamically discovered)
//   - Non-expiring tokens: Standard OAuth Apps issue tokens that don't expire
//   - Bad codes are reported with HTTP 200 and an "error" field, which
//     golang.org/x/oauth2 surfaces as *oauth2.RetrieveError
//
// # Default Scopes
//
// When no custom scopes are provided, the provider requests:
//   - repo: create and write the private progress repository
//   - read:user: Read user profile data
//
// # Example Usage
//
//	provider, err := github.NewProvider(&github.Config{
//	    ClientID:     os.Getenv("GITHUB_CLIENT_ID"),
//	    ClientSecret: os.Getenv("GITHUB_CLIENT_SECRET"),
//	    RedirectURL:  os.Getenv("GITHUB_REDIRECT_URI"),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// UserClient needs no secret and is shared with client-side session checks:
//
//	users := github.NewUserClient("", nil)
//	info, err := users.UserProfile(ctx, token)
package github
