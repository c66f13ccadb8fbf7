// Package memory provides an in-memory implementation of the broker storage interfaces.
//
// Store implements storage.RevocationStore and storage.ExchangeCache using maps
// guarded by a single mutex, so check-then-insert is atomic with respect to
// concurrent requests. Expired entries are removed lazily on read and by a
// background cleanup loop.
//
// For deployments with more than one broker replica use storage/redis instead.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	b, _ := broker.New(provider, store, store, broker.Config{}, logger)
package memory
