// Package session implements the client side of the GitHub login lifecycle.
//
// A Controller moves between five states:
//
//	Anonymous -> PendingCallback -> Authenticated <-> Revalidating
//	     ^              |                 |
//	     +-- LoginError +                 +-- SignOut / rejected credential
//
// InitiateLogin stores a single-use state nonce and opens GitHub's authorize
// page. HandleRedirect or CompleteCallback checks the nonce and exchanges the
// code through the credential broker, which holds the client secret. While
// authenticated, Start revalidates the token against GitHub and the broker
// every ValidationInterval and on NotifyFocus; a rejection signs the user out.
//
// SignOut runs the OnSignOut hooks first so a progress.Store can drain or drop
// its queue while the credential is still present.
package session
