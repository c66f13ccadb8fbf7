// Package testutil provides test fixtures for coursesync: an in-process fake of
// the parts of the GitHub API the broker and the progress store talk to, plus
// small helpers for generating random values.
package testutil
