package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harun/loom/internal/config"
	"github.com/spf13/cobra"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and session store status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, appSpec{}, func(ctx context.Context, a *app) error {
				return printStatus(ctx, cmd, opts, a)
			})
		},
	}
}

func printStatus(ctx context.Context, cmd *cobra.Command, opts *rootOptions, a *app) error {
	out := cmd.OutOrStdout()
	st := newStyles(out)
	cfg := a.cfg

	stats, err := a.engine.ListSessions(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	sessions := fmt.Sprintf("%d", len(stats))
	if len(stats) > 0 {
		sessions += fmt.Sprintf(" (last active %s)", formatAge(time.Since(stats[0].UpdatedAt)))
	}

	profiles := "none"
	if len(cfg.AI.Profiles) > 0 {
		parts := make([]string, 0, len(cfg.AI.Profiles))
		for _, p := range cfg.AI.Profiles {
			parts = append(parts, fmt.Sprintf("%s (%s, priority %d)", p.ID, p.Provider, p.Priority))
		}
		profiles = strings.Join(parts, ", ")
	}

	storage := cfg.Sessions.Dir
	if cfg.Sessions.Backend == config.BackendSQLite {
		storage = cfg.Sessions.SQLitePath
	}
	retention := "disabled"
	if cfg.Sessions.RetentionDays > 0 {
		retention = fmt.Sprintf("%d days (%s)", cfg.Sessions.RetentionDays, cfg.Sessions.CleanupSchedule)
	}
	metrics := "disabled"
	if cfg.Metrics.Addr != "" {
		metrics = cfg.Metrics.Addr
	}

	rows := [][]string{
		{"config", config.NewLoader(opts.configPath).GetConfigPath()},
		{"data dir", cfg.DataDir},
		{"backend", fmt.Sprintf("%s %s", cfg.Sessions.Backend, storage)},
		{"sessions", sessions},
		{"retention", retention},
		{"model", cfg.Agent.Model},
		{"profiles", profiles},
		{"tools", fmt.Sprintf("%d enabled", a.engine.Loop().Tools().Len())},
		{"metrics", metrics},
		{"version", version},
	}
	fmt.Fprintln(out, st.Title.Render("loom status"))
	fmt.Fprintln(out, st.table([]string{"KEY", "VALUE"}, rows))
	return nil
}
