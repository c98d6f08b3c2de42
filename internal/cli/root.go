package cli

import (
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

type GlobalOptions struct {
	JSON       bool
	Quiet      bool
	Timeout    time.Duration
	ConfigPath string
	DBPath     string
}

type commandDeps struct {
	out     io.Writer
	errOut  io.Writer
	globals *GlobalOptions
	build   BuildInfo
	// env overlays the process environment during config resolution.
	env map[string]string
}

// NewRootCommand builds the CLI. Command output goes to out; logs go to
// stderr unless logging.file is configured.
func NewRootCommand(out io.Writer, build BuildInfo) *cobra.Command {
	return newRootCommand(out, os.Stderr, build, nil)
}

func newRootCommand(out, errOut io.Writer, build BuildInfo, env map[string]string) *cobra.Command {
	globals := &GlobalOptions{}
	deps := commandDeps{
		out:     out,
		errOut:  errOut,
		globals: globals,
		build:   build,
		env:     env,
	}

	cmd := &cobra.Command{
		Use:           "ticketdesk",
		Short:         "Ticketdesk compliance audit ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageErrorf("%v", err)
	})

	flags := cmd.PersistentFlags()
	flags.BoolVar(&globals.JSON, "json", false, "Print machine-readable JSON output")
	flags.BoolVar(&globals.Quiet, "quiet", false, "Suppress non-essential output")
	flags.DurationVar(&globals.Timeout, "timeout", defaultCommandTimeout, "Timeout for a single command")
	flags.StringVar(&globals.ConfigPath, "config", "", "Config file path")
	flags.StringVar(&globals.DBPath, "db", "", "Audit database path")

	cmd.AddCommand(
		newAuditCommand(deps),
		newServeCommand(deps),
		newDebugCommand(deps),
		newVersionCommand(deps),
	)
	cmd.InitDefaultCompletionCmd()
	return cmd
}
