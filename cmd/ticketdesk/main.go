package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/amanthanvi/ticketdesk/internal/cli"
	"github.com/amanthanvi/ticketdesk/internal/version"
)

func main() {
	cmd := cli.NewRootCommand(os.Stdout, cli.BuildInfo{
		Version:   version.Version,
		Commit:    version.Commit,
		BuildTime: version.BuildTime,
	})
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ticketdesk: %v\n", err)
		var withExitCode interface{ ExitCode() int }
		if errors.As(err, &withExitCode) {
			os.Exit(withExitCode.ExitCode())
		}
		os.Exit(1)
	}
}
