// Package main is the entrypoint for snapbot, the Snap N Go Slack bot.
package main

import "github.com/snapngo/snapbot/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
