// Command finsync links financial institutions through the aggregator and
// keeps their accounts, holdings and transactions in sync.
package main

import (
	"context"
	"flag"
	"os"
	"path"

	"github.com/google/subcommands"
)

func main() {
	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")
	commander.Register(commander.CommandsCommand(), "")

	commander.Register(&serveCmd{}, "server")
	commander.Register(&migrateCmd{}, "server")

	commander.Register(&linkTokenCmd{}, "connections")
	commander.Register(&registerCmd{}, "connections")
	commander.Register(&unlinkCmd{}, "connections")

	commander.Register(&syncCmd{}, "sync")
	commander.Register(&refreshCmd{}, "sync")
	commander.Register(&completeCmd{}, "sync")
	commander.Register(&statusCmd{}, "sync")

	flag.Parse()
	os.Exit(int(commander.Execute(context.Background())))
}
