package cli

import (
	"context"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

// rootOptions holds the global flags.
type rootOptions struct {
	configPath  string
	dataDir     string
	logLevel    string
	metricsAddr string
}

// NewRootCmd builds the loom command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "loom",
		Short: "loom - branchable agent sessions",
		Long: `loom runs tool-calling agent turns against persistent, branchable sessions.
Every message, tool call, and tool result is an entry in a session tree;
you can branch from any entry, fork a path into a new session, and compact
old history into summaries.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default is $HOME/.loom/loom.json)")
	root.PersistentFlags().StringVar(&opts.dataDir, "data-dir", "", "data directory (overrides config)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	root.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)

	root.AddCommand(
		newNewCmd(opts),
		newRunCmd(opts),
		newChatCmd(opts),
		newSessionsCmd(opts),
		newTreeCmd(opts),
		newBranchCmd(opts),
		newForkCmd(opts),
		newCompactCmd(opts),
		newStatusCmd(opts),
		newConfigureCmd(opts),
	)
	return root
}

// Execute runs the root command with ctx, which main cancels on SIGINT or SIGTERM.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}
