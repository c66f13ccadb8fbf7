// Package broker implements the server side of the GitHub login flow.
//
// The Broker owns the client secret. It exchanges authorization codes for
// access tokens, answers token validity questions and keeps a revocation set
// of tokens presented to logout. It has no HTTP surface of its own; the root
// coursesync package adapts it to the /github/* endpoints.
//
// Exchanges are idempotent for a short window: the first successful result for
// a (code, state) pair is cached, and concurrent duplicates share a single
// in-flight call to GitHub. A double-submitted callback therefore spends the
// one-time code exactly once.
package broker
