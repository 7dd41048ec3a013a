// ezbuild is the operator CLI of the builder.
//
// Usage:
//
//	ezbuild [--json] <command> <subcommand> [flags]
//
// Commands:
//
//	template  Inspect or refresh the template cache
//	render    Render a config module offline
//	build     List, show, retry and recover builds
//	credits   Inspect and grant build credits
//	token     Mint a local test token
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/eztheme/builder/internal/cli"
)

// version is set through ldflags at build time.
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCmd(version).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
