// Package tokenstore persists the client's session material: the GitHub
// access token, the single-use OAuth state of a login in progress and the last
// progress snapshot used when the repository cannot be reached.
//
// Store is a typed view over a Backend. Three backends are provided:
//
//   - DiskStore keeps AES-256-GCM sealed values in a directory managed by diskv,
//     with a file lock so several CLI processes can share it.
//   - KeyringStore keeps small values in the OS keyring and delegates the
//     progress snapshot to another backend.
//   - MemoryStore keeps values in process memory.
package tokenstore
