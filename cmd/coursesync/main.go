// Command coursesync signs in to GitHub through the credential broker and
// syncs course enrollment and progress with a repository in the user's
// account.
package main

import (
	"github.com/alecthomas/kong"
)

var cli CLI

func main() {
	ctx := kong.Parse(
		&cli,
		kong.UsageOnError(),
		kong.Name("coursesync"),
		kong.Description("Syncs course enrollment and progress with your GitHub account"),
	)

	// See respective commands Run() methods
	err := ctx.Run(&cli.Globals)
	ctx.FatalIfErrorf(err)
}
