package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/planetlabs/planet-client-go/cmd/planet/commands"
	"github.com/planetlabs/planet-client-go/pkg/client"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	client.Version = version

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := commands.NewRootCommand(commands.BuildInfo{Version: version, Commit: commit, Date: date}).ExecuteContext(ctx)
	stop()

	if err != nil {
		commands.ReportError(os.Stderr, err)
		os.Exit(commands.ExitCode(err))
	}
}
