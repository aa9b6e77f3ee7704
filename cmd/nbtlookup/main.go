package main

import (
	"os"

	"github.com/absfs/cifs/cmd/nbtlookup/commands"
)

// Version information (set via ldflags)
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func main() {
	commands.Version = Version
	commands.Commit = Commit
	commands.Date = Date

	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
