// Package storage defines the shared state of the credential broker.
//
// The broker keeps exactly two pieces of cross-request state:
//   - RevocationStore: tokens presented to logout, kept for a fixed TTL so the
//     set is self-bounding
//   - ExchangeCache: successful code exchanges keyed by (code, state) so a
//     duplicated callback replays the first result instead of spending the
//     one-time code twice
//
// Both hold digests or encrypted values only; raw tokens never appear as keys.
//
// Implementations are provided in subpackages:
//   - storage/memory: mutex-guarded maps for single-replica deployments and tests
//   - storage/redis: Redis-backed state shared by several broker replicas
package storage
