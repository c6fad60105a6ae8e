package main

import (
	_ "time/tzdata"

	"github.com/crawlmeter/crawlmeter/cli"
)

func main() {
	var rootCmd cli.RootCmd
	rootCmd.RunWithSubcommands(rootCmd.Core())
}
