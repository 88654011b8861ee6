package cli

import (
	"fmt"
	"strings"

	"github.com/harun/loom/internal/config"
	"github.com/spf13/cobra"
)

func newConfigureCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "configure",
		Short: "Run the interactive configuration wizard",
		Long: `Run an interactive wizard that sets up a provider profile, the default
model, the session backend, and the log level. Existing settings are kept
and the new profile takes the highest priority.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := config.NewLoader(opts.configPath)
			base, err := loader.Load()
			if err != nil {
				return fmt.Errorf("failed to load existing configuration: %w", err)
			}
			// Keys from the environment stay in the environment.
			stored := base.AI.Profiles[:0]
			for _, p := range base.AI.Profiles {
				if !strings.HasSuffix(p.ID, config.EnvProfileSuffix) {
					stored = append(stored, p)
				}
			}
			base.AI.Profiles = stored

			cfg, err := config.NewWizard(cmd.InOrStdin(), cmd.OutOrStdout()).Run(base)
			if err != nil {
				return fmt.Errorf("configuration failed: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if err := loader.Save(cfg); err != nil {
				return fmt.Errorf("failed to save configuration: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "\nConfiguration saved to: %s\n", loader.GetConfigPath())
			fmt.Fprintln(out, "Start a conversation with: loom chat")
			return nil
		},
	}
}
