// Package redis provides a Redis-backed implementation of the broker storage
// interfaces so that several broker replicas share one revocation set and one
// exchange idempotency cache.
//
// Keys are namespaced with a configurable prefix:
//
//	<prefix>revoked:<sha256(token)>    -> revocation entry JSON, TTL = revocation TTL
//	<prefix>exchange:<sha256(code,state)> -> exchange result JSON, TTL = cache TTL
//
// Writes use SET NX so the first writer wins without a read-modify-write race.
package redis
