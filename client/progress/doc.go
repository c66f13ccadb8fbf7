// Package progress stores course enrollment and progress documents in a
// private repository in each user's GitHub account.
//
// Each course is one JSON file, progress/<courseId>.json. Reads are
// conditional on the last ETag; writes carry the blob sha of the version
// they replace, so a concurrent writer causes a conflict instead of a lost
// update. A conflicting write is re-read, merged and retried once; merges
// keep the highest progress and move the version past both sides.
//
// Operations for one user are queued and run in order by a single worker.
// On sign-out the queue is either drained or dropped (Drain, Drop).
package progress
