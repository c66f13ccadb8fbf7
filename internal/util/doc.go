// Package util provides small helpers shared by the broker and the client packages.
//
// Key utilities:
//   - SafeTruncate: truncates strings before logging token prefixes
//   - NormalizeURL: strips trailing slashes from base URLs and origins
//   - IsLoopbackHostname: checks redirect hosts used by the CLI callback listener
package util
