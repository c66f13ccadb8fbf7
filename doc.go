// Package coursesync is the HTTP surface of the credential broker that lets
// the course site sign users in with GitHub without shipping the OAuth App
// client secret to browsers.
//
// The broker exposes:
//
//	POST /github/oauth/callback   {code, state} -> {access_token}
//	GET  /github/user             GitHub profile for the bearer token
//	POST /github/validate-token   {valid: bool}
//	POST /github/logout           revokes the bearer token at the broker
//	GET  /health
//	GET  /metrics                 when METRICS_ENABLED is set
//
// Only the origin in ALLOWED_ORIGIN may call it with credentials. The broker
// keeps no sessions: revoked tokens and recent exchanges live in a
// storage.RevocationStore and storage.ExchangeCache, in memory or in Redis.
//
// Basic wiring:
//
//	cfg, err := coursesync.LoadConfig()
//	provider, err := github.NewProvider(&github.Config{...})
//	b, err := broker.New(provider, store, store, &cfg.Broker, logger)
//	handler, err := coursesync.NewHandler(b, cfg, logger)
//	err = coursesync.NewServer(cfg.Addr(), handler.Routes(), logger).Run(ctx)
//
// The client side (session state machine, progress store and local token
// store) lives under client/.
package coursesync
